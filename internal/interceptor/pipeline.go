// Package interceptor turns intercepted feed responses into deduplicated,
// filtered posts held in a per-job context.
package interceptor

import (
	"bytes"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/extract"
	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/metrics"
	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/scraper"
)

// Drop reasons reported to metrics.
const (
	dropUnparseable = "unparseable"
	dropStale       = "stale"
	dropNoIdentity  = "no_identity"
	dropOtherGroup  = "other_group"
)

// Config holds the job parameters the pipeline filters on.
type Config struct {
	Groups   []string
	Cutoff   time.Time
	Cap      int
	MaxDepth int
}

// Pipeline is the per-job extraction context. It is fed from the browser's
// event goroutine and read by the scroll loop, so all state sits behind mu.
type Pipeline struct {
	finder extract.Finder
	cutoff time.Time
	cap    int
	groups map[string]struct{}
	logger *zap.Logger

	mu          sync.Mutex
	posts       map[string]map[string]scraper.Post
	order       map[string][]string
	staleStreak int
	saturated   map[string]bool
}

// New creates a Pipeline for one job.
func New(cfg Config, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	groups := make(map[string]struct{}, len(cfg.Groups))
	for _, g := range cfg.Groups {
		groups[g] = struct{}{}
	}
	return &Pipeline{
		finder:    extract.Finder{MaxDepth: cfg.MaxDepth},
		cutoff:    cfg.Cutoff,
		cap:       cfg.Cap,
		groups:    groups,
		logger:    logger,
		posts:     make(map[string]map[string]scraper.Post),
		order:     make(map[string][]string),
		saturated: make(map[string]bool),
	}
}

// HandleBody consumes one newline-delimited response body. Lines that fail to
// parse are skipped.
func (p *Pipeline) HandleBody(body []byte) {
	for _, line := range bytes.Split(body, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		record, err := extract.Decode(line)
		if err != nil {
			metrics.ObserveRecordDropped(dropUnparseable)
			p.logger.Debug("skipping unparseable feed line", zap.Error(err), zap.Int("bytes", len(line)))
			continue
		}
		p.Process(record)
	}
}

// Process applies timestamp resolution, identity checks and storage to one
// decoded record. It reports whether a post was stored.
func (p *Pipeline) Process(record any) bool {
	observations := p.finder.Timestamps(record, p.cutoff)

	p.mu.Lock()
	for _, o := range observations {
		if o.Fresh {
			p.staleStreak = 0
		} else {
			p.staleStreak++
		}
	}
	p.mu.Unlock()

	millis, ok := extract.Resolve(observations)
	if !ok {
		metrics.ObserveRecordDropped(dropStale)
		return false
	}
	post, ok := p.finder.Assemble(record, millis)
	if !ok {
		metrics.ObserveRecordDropped(dropNoIdentity)
		return false
	}
	if _, wanted := p.groups[post.GroupID]; !wanted {
		metrics.ObserveRecordDropped(dropOtherGroup)
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	byID, ok := p.posts[post.GroupID]
	if !ok {
		byID = make(map[string]scraper.Post)
		p.posts[post.GroupID] = byID
	}
	if _, exists := byID[post.PostID]; !exists {
		p.order[post.GroupID] = append(p.order[post.GroupID], post.PostID)
	}
	byID[post.PostID] = post
	if p.cap > 0 && len(byID) >= p.cap {
		p.saturated[post.GroupID] = true
	}
	metrics.ObservePostExtracted()
	return true
}

// BeginGroup resets the stale streak before a new group is scrolled.
func (p *Pipeline) BeginGroup() {
	p.mu.Lock()
	p.staleStreak = 0
	p.mu.Unlock()
}

// StaleStreak returns the number of consecutive stale timestamp observations.
func (p *Pipeline) StaleStreak() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.staleStreak
}

// Saturated reports whether groupID has reached the per-group cap.
func (p *Pipeline) Saturated(groupID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saturated[groupID]
}

// Posts returns copies of the posts stored for groupID in first-seen order.
func (p *Pipeline) Posts(groupID string) []scraper.Post {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := p.order[groupID]
	out := make([]scraper.Post, 0, len(ids))
	for _, id := range ids {
		out = append(out, p.posts[groupID][id].Clone())
	}
	return out
}

// All returns copies of every stored post keyed by group.
func (p *Pipeline) All() map[string][]scraper.Post {
	p.mu.Lock()
	groups := make([]string, 0, len(p.order))
	for g := range p.order {
		groups = append(groups, g)
	}
	p.mu.Unlock()

	out := make(map[string][]scraper.Post, len(groups))
	for _, g := range groups {
		out[g] = p.Posts(g)
	}
	return out
}

// Counts returns the post and image totals for groupID.
func (p *Pipeline) Counts(groupID string) (posts, images int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, post := range p.posts[groupID] {
		images += len(post.Images)
	}
	return len(p.posts[groupID]), images
}

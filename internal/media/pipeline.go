// Package media downloads the images referenced by extracted posts into the
// shared media directory and rewrites them to public paths.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/metrics"
	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/scraper"
)

// Fetcher downloads one remote payload.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (scraper.Download, error)
}

// Config controls naming and optional outputs.
type Config struct {
	PublicPrefix     string
	DefaultExtension string
	Concurrency      int
	ThumbnailWidth   int
}

var extensions = map[string]string{
	"image/jpeg":    "jpg",
	"image/jpg":     "jpg",
	"image/pjpeg":   "jpg",
	"image/png":     "png",
	"image/gif":     "gif",
	"image/webp":    "webp",
	"image/avif":    "avif",
	"image/heic":    "heic",
	"image/bmp":     "bmp",
	"image/svg+xml": "svg",
	"video/mp4":     "mp4",
}

// Extension maps a declared content type to a file extension, or returns
// fallback when the type is missing or unknown.
func Extension(contentType, fallback string) string {
	if contentType == "" {
		return fallback
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.Split(contentType, ";")[0])
	}
	if ext, ok := extensions[strings.ToLower(mediaType)]; ok {
		return ext
	}
	return fallback
}

// Pipeline fetches and persists post media.
type Pipeline struct {
	cfg     Config
	fetcher Fetcher
	store   scraper.BlobStore
	mirror  scraper.BlobStore
	logger  *zap.Logger
	newName func() string
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithMirror copies every stored file to a second BlobStore. Mirror failures
// are logged only.
func WithMirror(m scraper.BlobStore) Option {
	return func(p *Pipeline) {
		p.mirror = m
	}
}

// WithNameFunc overrides random file naming.
func WithNameFunc(fn func() string) Option {
	return func(p *Pipeline) {
		p.newName = fn
	}
}

// New creates a Pipeline writing into store.
func New(cfg Config, fetcher Fetcher, store scraper.BlobStore, logger *zap.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultExtension == "" {
		cfg.DefaultExtension = "jpg"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	cfg.PublicPrefix = strings.TrimRight(cfg.PublicPrefix, "/")
	p := &Pipeline{
		cfg:     cfg,
		fetcher: fetcher,
		store:   store,
		logger:  logger,
		newName: randomName,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type slot struct {
	post  int
	image int
	url   string
}

// Process returns copies of posts whose image entries are replaced by public
// paths, or by an empty marker where the download failed. The input is not
// modified.
func (p *Pipeline) Process(ctx context.Context, posts []scraper.Post) []scraper.Post {
	out := make([]scraper.Post, len(posts))
	var slots []slot
	for i, post := range posts {
		out[i] = post.Clone()
		if p.cfg.ThumbnailWidth > 0 && len(post.Images) > 0 {
			out[i].Thumbnails = make([]string, len(post.Images))
		}
		for j, u := range post.Images {
			slots = append(slots, slot{post: i, image: j, url: u})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, s := range slots {
		g.Go(func() error {
			local, thumb := p.persist(gctx, out[s.post], s.url)
			// each slot is written by exactly one goroutine
			out[s.post].Images[s.image] = local
			if out[s.post].Thumbnails != nil {
				out[s.post].Thumbnails[s.image] = thumb
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (p *Pipeline) persist(ctx context.Context, post scraper.Post, rawURL string) (string, string) {
	logger := p.logger.With(
		zap.String("group_id", post.GroupID),
		zap.String("post_id", post.PostID),
	)
	if rawURL == "" {
		return "", ""
	}
	dl, err := p.fetcher.Fetch(ctx, rawURL)
	if err == nil && len(dl.Body) == 0 {
		err = errors.New("empty body")
	}
	if err != nil {
		metrics.ObserveMediaFetch("error")
		logger.Warn("media fetch failed",
			zap.String("url", rawURL),
			zap.Error(fmt.Errorf("%w: %w", scraper.ErrMediaFetch, err)),
		)
		return "", ""
	}

	token := p.newName()
	name := token + "." + Extension(dl.ContentType, p.cfg.DefaultExtension)
	if _, err := p.store.PutObject(ctx, name, dl.ContentType, bytes.NewReader(dl.Body)); err != nil {
		metrics.ObserveMediaFetch("store_error")
		logger.Warn("media store failed", zap.String("name", name), zap.Error(err))
		return "", ""
	}
	metrics.ObserveMediaFetch("ok")
	p.mirrorCopy(ctx, logger, name, dl.ContentType, dl.Body)

	thumb := ""
	if p.cfg.ThumbnailWidth > 0 {
		thumb = p.thumbnail(ctx, logger, token, dl.Body)
	}
	return p.publicPath(name), thumb
}

func (p *Pipeline) thumbnail(ctx context.Context, logger *zap.Logger, token string, body []byte) string {
	img, err := imaging.Decode(bytes.NewReader(body), imaging.AutoOrientation(true))
	if err != nil {
		logger.Debug("thumbnail decode skipped", zap.Error(err))
		return ""
	}
	resized := imaging.Resize(img, p.cfg.ThumbnailWidth, 0, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		logger.Debug("thumbnail encode failed", zap.Error(err))
		return ""
	}
	name := token + "_thumb.jpg"
	if _, err := p.store.PutObject(ctx, name, "image/jpeg", bytes.NewReader(buf.Bytes())); err != nil {
		logger.Warn("thumbnail store failed", zap.String("name", name), zap.Error(err))
		return ""
	}
	p.mirrorCopy(ctx, logger, name, "image/jpeg", buf.Bytes())
	return p.publicPath(name)
}

func (p *Pipeline) mirrorCopy(ctx context.Context, logger *zap.Logger, name, contentType string, body []byte) {
	if p.mirror == nil {
		return
	}
	if _, err := p.mirror.PutObject(ctx, name, contentType, bytes.NewReader(body)); err != nil {
		logger.Warn("media mirror failed", zap.String("name", name), zap.Error(err))
	}
}

func (p *Pipeline) publicPath(name string) string {
	return p.cfg.PublicPrefix + "/" + name
}

func randomName() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

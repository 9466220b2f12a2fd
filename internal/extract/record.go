package extract

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/scraper"
)

// Field paths inside a feed record.
const (
	PathCreationTime = "creation_time"
	PathTracking     = "story.tracking"
	PathPublishTime  = "publish_time"
	PathMessageText  = "story.message.text"
	PathOwner        = "owning_profile"
	PathImages       = "prefetch_uris_v2"
	PathPermalink    = "metadata.story.url"
)

// Source names the origin of a timestamp observation.
type Source string

// Timestamp sources.
const (
	SourceCreation Source = "creation_time"
	SourceTracking Source = "tracking"
)

// Observation is one timestamp source found on a record.
type Observation struct {
	Source Source
	Millis int64
	Fresh  bool
}

// Timestamps returns the observations found on record in evaluation order,
// comparing each against cutoff. A tracking blob that cannot be decoded or
// carries no publish time counts as a stale observation.
func (f Finder) Timestamps(record any, cutoff time.Time) []Observation {
	cutoffMs := cutoff.UnixMilli()
	var out []Observation

	if raw := f.Lookup(record, PathCreationTime); raw != nil {
		if secs, ok := toSeconds(raw); ok {
			ms := int64(secs * 1000)
			out = append(out, Observation{Source: SourceCreation, Millis: ms, Fresh: ms > cutoffMs})
		}
	}

	if raw := f.Lookup(record, PathTracking); raw != nil {
		obs := Observation{Source: SourceTracking}
		if s, ok := raw.(string); ok {
			if inner, err := Decode([]byte(s)); err == nil {
				if secs, ok := toSeconds(f.Lookup(inner, PathPublishTime)); ok {
					obs.Millis = int64(secs * 1000)
					obs.Fresh = obs.Millis > cutoffMs
				}
			}
		}
		out = append(out, obs)
	}
	return out
}

// Resolve picks the newest fresh observation. ok is false when none qualify.
func Resolve(observations []Observation) (millis int64, ok bool) {
	for _, o := range observations {
		if !o.Fresh {
			continue
		}
		if !ok || o.Millis > millis {
			millis = o.Millis
			ok = true
		}
	}
	return millis, ok
}

// Permalink splits a post permalink into group and post ids using the
// "groups" path segment as the anchor: /groups/<group>/posts/<post>/.
func Permalink(raw string) (groupID, postID string) {
	segments := strings.Split(raw, "/")
	for i, seg := range segments {
		if seg != "groups" {
			continue
		}
		if i+1 < len(segments) {
			groupID = segments[i+1]
		}
		if i+3 < len(segments) {
			postID = segments[i+3]
		}
		break
	}
	return stripQuery(groupID), stripQuery(postID)
}

// Assemble builds a Post from record using the resolved timestamp. ok is false
// when the permalink does not yield both ids.
func (f Finder) Assemble(record any, millis int64) (scraper.Post, bool) {
	permalink, _ := f.Lookup(record, PathPermalink).(string)
	groupID, postID := Permalink(permalink)
	if groupID == "" || postID == "" {
		return scraper.Post{}, false
	}
	post := scraper.Post{
		PostID:    postID,
		GroupID:   groupID,
		Timestamp: millis,
		Date:      time.UnixMilli(millis).UTC().Format("2006-01-02T15:04:05.000Z"),
		URL:       permalink,
		Images:    []string{},
	}
	if text, ok := f.Lookup(record, PathMessageText).(string); ok {
		post.Text = &text
	}
	if owner, ok := f.Lookup(record, PathOwner).(*Object); ok {
		post.PosterName = stringField(owner, "name")
		post.PosterID = stringField(owner, "id")
	}
	if images, ok := f.Lookup(record, PathImages).([]any); ok {
		for _, img := range images {
			obj, ok := img.(*Object)
			if !ok {
				continue
			}
			if uri := stringField(obj, "uri"); uri != nil {
				post.Images = append(post.Images, *uri)
			}
		}
	}
	return post, true
}

func stringField(obj *Object, key string) *string {
	v, ok := obj.Get(key)
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return &t
	case json.Number:
		s := t.String()
		return &s
	default:
		return nil
	}
}

func toSeconds(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case float64:
		f = t
	case int64:
		f = float64(t)
	case int:
		f = float64(t)
	case string:
		parsed, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func stripQuery(s string) string {
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		return s[:i]
	}
	return s
}

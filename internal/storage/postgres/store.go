// Package postgres mirrors job snapshots and extracted posts into Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/scraper"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and target tables.
type Config struct {
	DSN             string
	JobsTable       string
	PostsTable      string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Store writes job snapshots and posts.
type Store struct {
	pool       execCloser
	jobsTable  string
	postsTable string
}

// New creates a Postgres-backed Store using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(pool, cfg.JobsTable, cfg.PostsTable)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool execCloser, jobsTable, postsTable string) (*Store, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if jobsTable == "" {
		jobsTable = "scrape_jobs"
	}
	if postsTable == "" {
		postsTable = "scraped_posts"
	}
	for _, table := range []string{jobsTable, postsTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &Store{pool: pool, jobsTable: jobsTable, postsTable: postsTable}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// SaveSnapshot upserts the job row for snap.
func (s *Store) SaveSnapshot(ctx context.Context, snap scraper.Snapshot) error {
	if snap.JobID == "" {
		return errors.New("job id is required")
	}
	groupsJSON, err := json.Marshal(snap.Groups)
	if err != nil {
		return fmt.Errorf("marshal groups: %w", err)
	}
	var endedAt any
	if snap.EndedAt != nil {
		endedAt = *snap.EndedAt
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	job_id,
	user_id,
	state,
	is_processing,
	started_at,
	completed_at,
	groups,
	total_posts,
	total_images
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
)
ON CONFLICT (job_id) DO UPDATE SET
	state = EXCLUDED.state,
	is_processing = EXCLUDED.is_processing,
	completed_at = EXCLUDED.completed_at,
	groups = EXCLUDED.groups,
	total_posts = EXCLUDED.total_posts,
	total_images = EXCLUDED.total_images`, s.jobsTable)

	args := []any{
		snap.JobID,
		snap.UserID,
		string(snap.State),
		snap.Processing,
		snap.StartedAt,
		endedAt,
		groupsJSON,
		snap.TotalPosts,
		snap.TotalImages,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert job snapshot: %w", err)
	}
	return nil
}

// SavePosts upserts every post of a finished job keyed by (group_id, post_id).
func (s *Store) SavePosts(ctx context.Context, jobID string, posts []scraper.Post) error {
	query := fmt.Sprintf(`
INSERT INTO %s (
	group_id,
	post_id,
	job_id,
	posted_at,
	text,
	poster_name,
	poster_id,
	images,
	url
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
)
ON CONFLICT (group_id, post_id) DO UPDATE SET
	job_id = EXCLUDED.job_id,
	posted_at = EXCLUDED.posted_at,
	text = EXCLUDED.text,
	poster_name = EXCLUDED.poster_name,
	poster_id = EXCLUDED.poster_id,
	images = EXCLUDED.images,
	url = EXCLUDED.url`, s.postsTable)

	for _, post := range posts {
		imagesJSON, err := json.Marshal(post.Images)
		if err != nil {
			return fmt.Errorf("marshal images: %w", err)
		}
		args := []any{
			post.GroupID,
			post.PostID,
			jobID,
			time.UnixMilli(post.Timestamp).UTC(),
			post.Text,
			post.PosterName,
			post.PosterID,
			imagesJSON,
			post.URL,
		}
		if _, err := s.pool.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("upsert post %s/%s: %w", post.GroupID, post.PostID, err)
		}
	}
	return nil
}

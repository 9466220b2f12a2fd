package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/scraper"
)

func TestNewWithPoolValidation(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, "", "")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "jobs; drop table x", "")
	require.Error(t, err)

	store, err := NewWithPool(mock, "", "")
	require.NoError(t, err)
	require.Equal(t, "scrape_jobs", store.jobsTable)
	require.Equal(t, "scraped_posts", store.postsTable)
}

func TestSaveSnapshotUpsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "scrape_jobs", "scraped_posts")
	require.NoError(t, err)

	started := time.Unix(1_700_000_000, 0).UTC()
	snap := scraper.Snapshot{
		JobID:      "job-1",
		UserID:     "u1",
		State:      scraper.JobStateRunning,
		Processing: true,
		StartedAt:  started,
		Groups: map[string]scraper.GroupOutcome{
			"A": {GroupID: "A", Status: scraper.GroupStatusPending},
		},
	}

	mock.ExpectExec("INSERT INTO scrape_jobs").
		WithArgs(
			"job-1",
			"u1",
			"running",
			true,
			started,
			nil,
			[]byte(`{"A":{"groupId":"A","status":"pending","postCount":0,"imageCount":0}}`),
			0,
			0,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SaveSnapshot(context.Background(), snap))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveSnapshotRequiresJobID(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "", "")
	require.NoError(t, err)
	require.Error(t, store.SaveSnapshot(context.Background(), scraper.Snapshot{}))
}

func TestSavePostsUpsertsEach(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "", "")
	require.NoError(t, err)

	text := "hello"
	posts := []scraper.Post{
		{GroupID: "A", PostID: "1", Timestamp: 1_700_000_000_000, Text: &text, Images: []string{"/images/a.jpg"}, URL: "u1"},
		{GroupID: "A", PostID: "2", Timestamp: 1_700_000_100_000, Images: []string{}, URL: "u2"},
	}

	mock.ExpectExec("INSERT INTO scraped_posts").
		WithArgs("A", "1", "job-1", time.UnixMilli(1_700_000_000_000).UTC(), &text, (*string)(nil), (*string)(nil), []byte(`["/images/a.jpg"]`), "u1").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO scraped_posts").
		WithArgs("A", "2", "job-1", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), []byte(`[]`), "u2").
		WillReturnError(errors.New("conflict"))

	err = store.SavePosts(context.Background(), "job-1", posts)
	require.ErrorContains(t, err, "A/2")
	require.NoError(t, mock.ExpectationsWereMet())
}

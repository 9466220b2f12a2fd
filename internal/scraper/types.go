package scraper

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// JobState represents the lifecycle state of a scrape job.
type JobState string

// Job state values recorded in the ledger.
const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// Terminal reports whether the state can no longer change.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// GroupStatus is the per-group processing status.
type GroupStatus string

// Group status values.
const (
	GroupStatusPending   GroupStatus = "pending"
	GroupStatusCompleted GroupStatus = "completed"
	GroupStatusFailed    GroupStatus = "failed"
)

// PageState classifies a group page after navigation.
type PageState string

// Page classifications produced by a Session.
const (
	PageOK               PageState = "ok"
	PageGroupNotFound    PageState = "groupNotFound"
	PageNotAMember       PageState = "notAMember"
	PageNavigationFailed PageState = "navigationFailed"
)

// Note returns the human-readable message recorded for a failed classification.
func (s PageState) Note() string {
	switch s {
	case PageGroupNotFound:
		return "Group does not exist"
	case PageNotAMember:
		return "Not a member of this private group"
	case PageNavigationFailed:
		return "Failed to load group page"
	default:
		return ""
	}
}

// Job is the unit of work submitted for one user.
type Job struct {
	ID               string     `json:"jobId"`
	UserID           string     `json:"userId"`
	State            JobState   `json:"state"`
	StartedAt        time.Time  `json:"startedAt"`
	EndedAt          *time.Time `json:"endedAt,omitempty"`
	Groups           []string   `json:"groups"`
	RecencyCutoff    time.Time  `json:"recencyCutoff"`
	PerGroupCap      int        `json:"perGroupCap"`
	MaxPostsAgeHours float64    `json:"maxPostsAgeHours"`
	WebhookURL       string     `json:"webhookUrl"`
}

// GroupOutcome records the result of processing one group within a job.
type GroupOutcome struct {
	GroupID    string      `json:"groupId"`
	Status     GroupStatus `json:"status"`
	PostCount  int         `json:"postCount"`
	ImageCount int         `json:"imageCount"`
	Error      string      `json:"error,omitempty"`
	Note       string      `json:"note,omitempty"`
}

// Post is one extracted feed record. Identity is (GroupID, PostID).
type Post struct {
	PostID     string   `json:"postID"`
	GroupID    string   `json:"groupID"`
	Timestamp  int64    `json:"timestamp"`
	Date       string   `json:"date"`
	Text       *string  `json:"text,omitempty"`
	PosterName *string  `json:"posterName,omitempty"`
	PosterID   *string  `json:"posterID,omitempty"`
	Images     []string `json:"images"`
	Thumbnails []string `json:"thumbnails,omitempty"`
	URL        string   `json:"url"`
}

// Clone returns a deep copy so callers can rewrite images without aliasing.
func (p Post) Clone() Post {
	cp := p
	cp.Images = append([]string(nil), p.Images...)
	if p.Thumbnails != nil {
		cp.Thumbnails = append([]string(nil), p.Thumbnails...)
	}
	return cp
}

// Snapshot is the ledger view of a job and its group outcomes.
type Snapshot struct {
	JobID       string                  `json:"jobId"`
	UserID      string                  `json:"userId"`
	State       JobState                `json:"state"`
	Processing  bool                    `json:"isProcessing"`
	StartedAt   time.Time               `json:"startedAt"`
	EndedAt     *time.Time              `json:"completedAt,omitempty"`
	GroupOrder  []string                `json:"groupOrder"`
	Groups      map[string]GroupOutcome `json:"groups"`
	TotalPosts  int                     `json:"totalPosts"`
	TotalImages int                     `json:"totalImages"`
}

// Clone returns a copy that shares no maps or slices with s.
func (s Snapshot) Clone() Snapshot {
	cp := s
	cp.GroupOrder = append([]string(nil), s.GroupOrder...)
	cp.Groups = make(map[string]GroupOutcome, len(s.Groups))
	for k, v := range s.Groups {
		cp.Groups[k] = v
	}
	if s.EndedAt != nil {
		ended := *s.EndedAt
		cp.EndedAt = &ended
	}
	return cp
}

// CompletedGroups counts outcomes that finished successfully.
func (s Snapshot) CompletedGroups() int {
	n := 0
	for _, outcome := range s.Groups {
		if outcome.Status == GroupStatusCompleted {
			n++
		}
	}
	return n
}

// SubmitRequest is the caller-supplied job request.
type SubmitRequest struct {
	UserID           string   `json:"userId"`
	Groups           []string `json:"groups"`
	MaxPostsAgeHours float64  `json:"maxPostsAgeHours"`
	MaxPostsPerGroup int      `json:"maxPostsPerGroup"`
	WebhookURL       string   `json:"webhookUrl"`
}

// Validate checks the request shape and wraps failures with ErrValidation.
func (r SubmitRequest) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return fmt.Errorf("%w: userId is required", ErrValidation)
	}
	if len(r.Groups) == 0 {
		return fmt.Errorf("%w: groups must not be empty", ErrValidation)
	}
	for _, g := range r.Groups {
		if strings.TrimSpace(g) == "" {
			return fmt.Errorf("%w: group ids must not be blank", ErrValidation)
		}
	}
	if r.MaxPostsAgeHours <= 0 {
		return fmt.Errorf("%w: maxPostsAgeHours must be > 0", ErrValidation)
	}
	if r.MaxPostsPerGroup <= 0 {
		return fmt.Errorf("%w: maxPostsPerGroup must be > 0", ErrValidation)
	}
	if strings.TrimSpace(r.WebhookURL) == "" {
		return fmt.Errorf("%w: webhookUrl is required", ErrValidation)
	}
	u, err := url.Parse(r.WebhookURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: webhookUrl must be an absolute http(s) URL", ErrValidation)
	}
	return nil
}

// Cutoff converts the recency window into an absolute timestamp relative to now.
func (r SubmitRequest) Cutoff(now time.Time) time.Time {
	window := time.Duration(r.MaxPostsAgeHours * float64(time.Hour))
	return now.Add(-window)
}

// SessionCookies are the pre-obtained session credentials for one user.
type SessionCookies struct {
	CUser string
	XS    string
}

// ProxyAssignment is a sticky egress lease bound to one user.
type ProxyAssignment struct {
	Lease      string    `json:"lease"`
	AssignedAt time.Time `json:"assignedAt"`
}

// SessionOptions configures a browser session launched for one job.
type SessionOptions struct {
	UserID  string
	Cookies SessionCookies
	Proxy   *ProxyAssignment
}

// Download is a fetched binary payload.
type Download struct {
	Body        []byte
	ContentType string
}

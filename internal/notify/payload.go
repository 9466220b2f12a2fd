package notify

import (
	"encoding/json"
	"time"

	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/scraper"
)

// Stats are the aggregate counts sent with every notification.
type Stats struct {
	TotalGroups     int `json:"totalGroups"`
	CompletedGroups int `json:"completedGroups"`
	TotalPosts      int `json:"totalPosts"`
	TotalImages     int `json:"totalImages"`
}

// GroupData is one group's entry in the data map: the posts keyed by post id,
// or an error message when the group produced nothing.
type GroupData struct {
	Posts map[string]scraper.Post
	Error string
}

// MarshalJSON renders either the posts map or {"error": ...}.
func (g GroupData) MarshalJSON() ([]byte, error) {
	if len(g.Posts) == 0 && g.Error != "" {
		return json.Marshal(struct {
			Error string `json:"error"`
		}{g.Error})
	}
	if g.Posts == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(g.Posts)
}

// SuccessPayload is posted when a job finishes normally.
type SuccessPayload struct {
	UserID      string               `json:"userId"`
	Data        map[string]GroupData `json:"data"`
	Status      string               `json:"status"`
	JobID       string               `json:"jobId"`
	CompletedAt time.Time            `json:"completedAt"`
	Stats       Stats                `json:"stats"`
}

// ErrorDetail describes the failure that ended a job.
type ErrorDetail struct {
	Message   string    `json:"message"`
	Type      string    `json:"type"`
	Stack     string    `json:"stack"`
	Timestamp time.Time `json:"timestamp"`
}

// FailureContext echoes the request and carries the partial results.
type FailureContext struct {
	Groups            []string             `json:"groups"`
	MaxPostsAge       float64              `json:"maxPostsAge"`
	MaxPostsFromGroup int                  `json:"maxPostsFromGroup"`
	CompletedGroups   int                  `json:"completedGroups"`
	PartialData       map[string]GroupData `json:"partialData"`
}

// FailurePayload is posted when a job ends through its top-level error path.
type FailurePayload struct {
	UserID  string         `json:"userId"`
	Status  string         `json:"status"`
	JobID   string         `json:"jobId"`
	Error   ErrorDetail    `json:"error"`
	Context FailureContext `json:"context"`
	Stats   Stats          `json:"stats"`
}

// Event is the compact completion record published to the message bus.
type Event struct {
	JobID       string    `json:"jobId"`
	UserID      string    `json:"userId"`
	Status      string    `json:"status"`
	CompletedAt time.Time `json:"completedAt"`
	Stats       Stats     `json:"stats"`
	Error       string    `json:"error,omitempty"`
}

package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/scraper"
)

// submitJobRequest accepts the current field names and the older
// maxPostsAge / maxPostsFromGroup / webHookUrl spellings.
type submitJobRequest struct {
	UserID            string   `json:"userId"`
	Groups            []string `json:"groups"`
	MaxPostsAgeHours  *float64 `json:"maxPostsAgeHours"`
	MaxPostsAge       *float64 `json:"maxPostsAge"`
	MaxPostsPerGroup  *int     `json:"maxPostsPerGroup"`
	MaxPostsFromGroup *int     `json:"maxPostsFromGroup"`
	WebhookURL        string   `json:"webhookUrl"`
	WebHookURL        string   `json:"webHookUrl"`
}

func (r submitJobRequest) toSubmitRequest() scraper.SubmitRequest {
	req := scraper.SubmitRequest{
		UserID:           r.UserID,
		Groups:           r.Groups,
		MaxPostsAgeHours: firstNonNil(r.MaxPostsAgeHours, r.MaxPostsAge),
		MaxPostsPerGroup: firstNonNil(r.MaxPostsPerGroup, r.MaxPostsFromGroup),
		WebhookURL:       r.WebhookURL,
	}
	if req.WebhookURL == "" {
		req.WebhookURL = r.WebHookURL
	}
	return req
}

func firstNonNil[T any](ptrs ...*T) T {
	for _, p := range ptrs {
		if p != nil {
			return *p
		}
	}
	var zero T
	return zero
}

type submitJobResponse struct {
	Status  bool   `json:"status"`
	JobID   string `json:"jobId"`
	Message string `json:"message"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var body submitJobRequest
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	jobID, err := s.jobs.StartJob(r.Context(), body.toSubmitRequest())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitJobResponse{
		Status:  true,
		JobID:   jobID,
		Message: "Started Scrapping",
	})
}

func (s *Server) getCurrentJob(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	snap, err := s.ledger.Current(userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !snap.Processing {
		s.writeError(w, fmt.Errorf("%w: user %s has no job in progress", scraper.ErrNotFound, userID))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	snap, err := s.ledger.ByJobID(chi.URLParam(r, "jobId"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

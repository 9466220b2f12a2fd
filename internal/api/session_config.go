package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/scraper"
)

type configItem struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type setConfigRequest struct {
	UserID   string       `json:"userId"`
	Configs  []configItem `json:"configs"`
	UseProxy bool         `json:"useProxy"`
}

type keyRequest struct {
	UserID string `json:"userId"`
	Key    string `json:"key"`
}

func requireUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: userId is required", scraper.ErrValidation)
	}
	return nil
}

func (s *Server) setSessionConfig(w http.ResponseWriter, r *http.Request) {
	var body setConfigRequest
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if err := requireUser(body.UserID); err != nil {
		s.writeError(w, err)
		return
	}
	if len(body.Configs) == 0 {
		s.writeError(w, fmt.Errorf("%w: configs must not be empty", scraper.ErrValidation))
		return
	}
	entries := make(map[string]string, len(body.Configs))
	for _, item := range body.Configs {
		if strings.TrimSpace(item.Key) == "" {
			s.writeError(w, fmt.Errorf("%w: config keys must not be blank", scraper.ErrValidation))
			return
		}
		entries[item.Key] = item.Value
	}
	if err := s.creds.Set(r.Context(), body.UserID, entries); err != nil {
		s.writeError(w, fmt.Errorf("store session config: %w", err))
		return
	}

	resp := map[string]any{"status": true, "message": "Config set"}
	if body.UseProxy {
		if s.proxies == nil {
			s.writeError(w, fmt.Errorf("%w: no proxy pool configured", scraper.ErrProxyProvision))
			return
		}
		assignment, err := s.proxies.Ensure(r.Context(), body.UserID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		resp["proxyAssignedAt"] = assignment.AssignedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getSessionConfig(w http.ResponseWriter, r *http.Request) {
	var body keyRequest
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if err := requireUser(body.UserID); err != nil {
		s.writeError(w, err)
		return
	}
	value, ok, err := s.creds.Get(r.Context(), body.UserID, body.Key)
	if err != nil {
		s.writeError(w, fmt.Errorf("read session config: %w", err))
		return
	}
	var out *string
	if ok {
		out = &value
	}
	writeJSON(w, http.StatusOK, map[string]any{"value": out})
}

func (s *Server) getAllConfig(w http.ResponseWriter, r *http.Request) {
	var body keyRequest
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if err := requireUser(body.UserID); err != nil {
		s.writeError(w, err)
		return
	}
	all, err := s.creds.GetAll(r.Context(), body.UserID)
	if err != nil {
		s.writeError(w, fmt.Errorf("read session config: %w", err))
		return
	}
	if all == nil {
		all = map[string]string{}
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) deleteSessionConfig(w http.ResponseWriter, r *http.Request) {
	var body keyRequest
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if err := requireUser(body.UserID); err != nil {
		s.writeError(w, err)
		return
	}
	var err error
	if body.Key == "" {
		err = s.creds.DeleteAll(r.Context(), body.UserID)
	} else {
		err = s.creds.Delete(r.Context(), body.UserID, body.Key)
	}
	if err != nil {
		s.writeError(w, fmt.Errorf("delete session config: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": true, "message": "Config deleted"})
}

package adminapi

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/migadu/mailspool/consts"
	"github.com/migadu/mailspool/logger"
	"github.com/migadu/mailspool/pkg/health"
	"github.com/migadu/mailspool/server/producer"
	"github.com/migadu/mailspool/spool"
)

// maxMessageSize bounds submitted messages.
const maxMessageSize = 32 << 20

// Request/Response types

// SubmitRequest is the JSON form of POST /api/v1/spool.
type SubmitRequest struct {
	From       string   `json:"from"` // empty or "<>" for the null sender
	Recipients []string `json:"recipients"`
	Message    string   `json:"message"` // RFC 5322 message
}

type SubmitResponse struct {
	Key        string   `json:"key"`
	State      string   `json:"state"`
	Recipients []string `json:"recipients"`
}

type ListResponse struct {
	Repository string          `json:"repository,omitempty"`
	Items      []spool.Summary `json:"items"`
	Count      int             `json:"count"`
}

type ShowResponse struct {
	spool.Summary
	Message string `json:"message,omitempty"`
}

type StatsResponse struct {
	Keys         int            `json:"keys"`
	Locked       int            `json:"locked"`
	ByState      map[string]int `json:"by_state"`
	Repositories []string       `json:"repositories"`
}

type HealthResponse struct {
	Status     string                   `json:"status"`
	Components []health.ComponentStatus `json:"components"`
}

// Handler functions

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		overall := s.health.Overall()
		code := http.StatusOK
		if overall == health.StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		s.writeJSON(w, code, HealthResponse{Status: string(overall), Components: s.health.Components()})
		return
	}

	stats, err := s.admin.Stats(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "keys": stats.Keys})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.admin.Stats(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, StatsResponse{
		Keys:         stats.Keys,
		Locked:       stats.Locked,
		ByState:      stats.ByState,
		Repositories: s.admin.Repositories(),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	filter := filterFromQuery(r)
	repository := r.URL.Query().Get("repository")

	var (
		items []spool.Summary
		err   error
	)
	if repository != "" {
		items, err = s.admin.ListRepository(r.Context(), repository, filter)
	} else {
		items, err = s.admin.List(r.Context(), filter)
	}
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if items == nil {
		items = []spool.Summary{}
	}
	s.writeJSON(w, http.StatusOK, ListResponse{Repository: repository, Items: items, Count: len(items)})
}

func (s *Server) handleShow(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	item, locked, err := s.admin.Show(r.Context(), key)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	resp := ShowResponse{Summary: spool.Summarize(item, locked)}
	if includePayload, _ := strconv.ParseBool(r.URL.Query().Get("payload")); includePayload {
		resp.Message = string(item.Payload)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRemoveKey(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	if err := s.admin.RemoveKey(r.Context(), key, force); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, spool.RemoveResult{Removed: []string{key}})
}

func (s *Server) handleRemoveFiltered(w http.ResponseWriter, r *http.Request) {
	filter := filterFromQuery(r)
	query := r.URL.Query()
	force, _ := strconv.ParseBool(query.Get("force"))
	all, _ := strconv.ParseBool(query.Get("all"))

	if filter == (spool.Filter{}) && !all {
		s.writeError(w, http.StatusBadRequest, "Refusing to remove every item without all=true")
		return
	}

	res, err := s.admin.Remove(r.Context(), filter, force)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// handleSubmit accepts either a JSON SubmitRequest or a raw message
// (message/rfc822) with the envelope in the query string:
// ?from=a@example.com&recipients=b@example.com,c@example.com
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.producer == nil {
		s.writeError(w, http.StatusNotImplemented, "Submission is disabled")
		return
	}
	defer r.Body.Close()

	var req SubmitRequest
	body := http.MaxBytesReader(w, r.Body, maxMessageSize)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch mediaType {
	case "message/rfc822", "text/plain":
		raw, err := io.ReadAll(body)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "Failed to read message body")
			return
		}
		req.Message = string(raw)
		req.From = r.URL.Query().Get("from")
		if rcpts := r.URL.Query().Get("recipients"); rcpts != "" {
			req.Recipients = strings.Split(rcpts, ",")
		}
	default:
		if err := json.NewDecoder(body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
			return
		}
	}

	item, err := s.producer.Deliver(r.Context(), req.From, req.Recipients, []byte(req.Message))
	if err != nil {
		if errors.Is(err, producer.ErrInvalidSubmission) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		logger.Error("AdminAPI: Failed to submit item", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to spool message")
		return
	}

	logger.Info("AdminAPI: Item submitted", "key", item.ID, "state", item.State, "recipients", len(item.Recipients))
	s.writeJSON(w, http.StatusAccepted, SubmitResponse{Key: item.ID, State: item.State, Recipients: item.Recipients})
}

func filterFromQuery(r *http.Request) spool.Filter {
	q := r.URL.Query()
	return spool.Filter{
		State:     q.Get("state"),
		Attribute: q.Get("attribute"),
		Pattern:   q.Get("pattern"),
	}
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, consts.ErrInvalidFilter):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, consts.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, consts.ErrKeyLocked):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		logger.Error("AdminAPI: Spool operation failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/asheshgoplani/chronicle/internal/scheduler"
	"github.com/asheshgoplani/chronicle/internal/search"
	"github.com/asheshgoplani/chronicle/internal/store"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

type recordPayload struct {
	ID             string    `json:"id"`
	Origin         string    `json:"origin"`
	GroupKey       string    `json:"groupKey"`
	DisplayName    string    `json:"displayName"`
	Title          string    `json:"title,omitempty"`
	Preview        string    `json:"preview,omitempty"`
	TurnCount      int       `json:"turnCount"`
	StartedAt      time.Time `json:"startedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	Unread         bool      `json:"unread"`
	Hidden         bool      `json:"hidden"`
}

type turnPayload struct {
	TurnID    string    `json:"turnId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

type recordListResponse struct {
	Records []recordPayload `json:"records"`
	Total   int             `json:"total"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

type recordDetailResponse struct {
	Record recordPayload `json:"record"`
	Turns  []turnPayload `json:"turns"`
}

type searchHitPayload struct {
	Record  recordPayload `json:"record"`
	TurnID  string        `json:"turnId,omitempty"`
	Snippet string        `json:"snippet"`
}

type searchResponse struct {
	Hits    []searchHitPayload `json:"hits"`
	Total   int                `json:"total"`
	HasMore bool               `json:"hasMore"`
	Fuzzy   bool               `json:"fuzzy"`
}

func toRecordPayload(c *store.Conversation) recordPayload {
	return recordPayload{
		ID:             c.ID,
		Origin:         string(c.Origin),
		GroupKey:       c.GroupKey,
		DisplayName:    c.DisplayName(),
		Title:          c.Title,
		Preview:        c.Preview,
		TurnCount:      c.TurnCount,
		StartedAt:      c.StartedAt,
		LastActivityAt: c.LastActivityAt,
		Unread:         c.Unread,
		Hidden:         c.Hidden,
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	limit, offset := search.ClampPage(intQuery(r, "limit", 0), intQuery(r, "offset", 0))
	partition, ok := parsePartition(r.URL.Query().Get("partition"))
	if !ok {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown partition")
		return
	}

	records, total, err := s.search.ListRecords(limit, offset, partition)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list records")
		return
	}

	payload := recordListResponse{
		Records: make([]recordPayload, 0, len(records)),
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	}
	for i := range records {
		payload.Records = append(payload.Records, toRecordPayload(&records[i]))
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleRecordByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	const prefix = "/api/records/"
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "record id is required")
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
			return
		}
		s.serveRecordDetail(w, id)
	case "read":
		if r.Method != http.MethodPost {
			writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
			return
		}
		s.flagRecord(w, id, s.search.MarkRead(id))
	case "hide":
		if r.Method != http.MethodPost {
			writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
			return
		}
		hidden := true
		var body struct {
			Hidden *bool `json:"hidden"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Hidden != nil {
			hidden = *body.Hidden
		}
		s.flagRecord(w, id, s.search.SetHidden(id, hidden))
	default:
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
	}
}

func (s *Server) serveRecordDetail(w http.ResponseWriter, id string) {
	conv, turns, err := s.search.GetRecord(id)
	if errors.Is(err, store.ErrNotFound) {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "record not found")
		return
	}
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load record")
		return
	}

	payload := recordDetailResponse{
		Record: toRecordPayload(conv),
		Turns:  make([]turnPayload, 0, len(turns)),
	}
	for _, turn := range turns {
		payload.Turns = append(payload.Turns, turnPayload{
			TurnID:    turn.TurnID,
			Role:      turn.Role,
			Content:   turn.Content,
			Timestamp: turn.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) flagRecord(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "record not found")
		return
	}
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to update record")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": id})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	partition, ok := parsePartition(r.URL.Query().Get("partition"))
	if !ok {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown partition")
		return
	}
	sort, ok := parseSort(r.URL.Query().Get("sort"))
	if !ok {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown sort mode")
		return
	}

	result, err := s.search.Search(search.Query{
		Text:      r.URL.Query().Get("q"),
		Limit:     intQuery(r, "limit", 0),
		Offset:    intQuery(r, "offset", 0),
		Sort:      sort,
		Partition: partition,
	})
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "search failed")
		return
	}

	payload := searchResponse{
		Hits:    make([]searchHitPayload, 0, len(result.Hits)),
		Total:   result.Total,
		HasMore: result.HasMore,
		Fuzzy:   result.Fuzzy,
	}
	for i := range result.Hits {
		hit := &result.Hits[i]
		payload.Hits = append(payload.Hits, searchHitPayload{
			Record:  toRecordPayload(&hit.Conversation),
			TurnID:  hit.TurnID,
			Snippet: hit.Snippet,
		})
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleHeartbeatRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	if s.heartbeat == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "HEARTBEAT_UNAVAILABLE", "heartbeat is not configured")
		return
	}

	force := r.URL.Query().Get("force") == "1" || r.URL.Query().Get("force") == "true"
	res, err := s.heartbeat.RunOnce(r.Context(), force)
	switch {
	case errors.Is(err, scheduler.ErrRunInProgress):
		writeAPIError(w, http.StatusConflict, "RUN_IN_PROGRESS", "a heartbeat run is already in progress")
	case errors.Is(err, scheduler.ErrDisabled):
		writeAPIError(w, http.StatusConflict, "HEARTBEAT_DISABLED", "heartbeat is disabled; pass force=1 to run anyway")
	case errors.Is(err, scheduler.ErrBreakerOpen):
		writeAPIError(w, http.StatusServiceUnavailable, "BREAKER_OPEN", "fetch breaker is open; pass force=1 to bypass")
	case err != nil:
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "heartbeat run failed")
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleHeartbeatStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	if s.heartbeat == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "HEARTBEAT_UNAVAILABLE", "heartbeat is not configured")
		return
	}

	writeJSON(w, http.StatusOK, s.heartbeat.Status())
}

func parsePartition(raw string) (store.Partition, bool) {
	switch raw {
	case "":
		return store.PartitionAll, true
	case string(store.PartitionAll), string(store.PartitionManual), string(store.PartitionAutomated):
		return store.Partition(raw), true
	default:
		return "", false
	}
}

func parseSort(raw string) (store.SortMode, bool) {
	switch raw {
	case "":
		return store.SortRelevance, true
	case string(store.SortRelevance), string(store.SortChronological):
		return store.SortMode(raw), true
	default:
		return "", false
	}
}

func intQuery(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{
		Error: apiError{
			Code:    code,
			Message: message,
		},
	})
}

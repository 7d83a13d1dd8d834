package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"laurel.org/internal/audit"
)

type eventsResponse struct {
	Events []audit.Notification `json:"events"`
	Next   uint64               `json:"next"`
}

func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if a.deps.Events == nil {
		writeError(w, r, http.StatusServiceUnavailable, "event journal disabled")
		return
	}
	q := r.URL.Query()
	var after uint64
	if raw := strings.TrimSpace(q.Get("after")); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = v
	}
	limit, err := parsePositiveInt(q.Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	events, last, err := a.deps.Events.Read(r.Context(), after, limit)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	if events == nil {
		events = []audit.Notification{}
	}
	next := after
	if len(events) > 0 {
		next = last
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: events, Next: next})
}

// handleEventStream serves committed notifications as Server-Sent Events,
// optionally filtered by ?kind=a,b.
func (a *API) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if a.deps.Stream == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	var kinds []audit.Kind
	for _, part := range strings.Split(r.URL.Query().Get("kind"), ",") {
		if part = strings.TrimSpace(part); part != "" {
			kinds = append(kinds, audit.Kind(part))
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := a.deps.Stream.Subscribe(r.Context(), kinds...)

	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for n := range ch {
		payload, err := json.Marshal(n)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("event: " + string(n.Kind) + "\n"))
		_, _ = w.Write([]byte("id: " + n.ID + "\n"))
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}

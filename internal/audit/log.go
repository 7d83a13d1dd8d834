package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"laurel.org/internal/auth"
	"laurel.org/internal/obs"
)

type requestIDKey struct{}

// Line is one audit record as written to the process log.
type Line struct {
	TS        string         `json:"ts"`
	Type      string         `json:"type"`
	Event     string         `json:"event"`
	RequestID string         `json:"request_id,omitempty"`
	Caller    string         `json:"caller,omitempty"`
	Fields    map[string]any `json:"fields"`
}

// WithRequestID tags ctx so audit lines written under it carry the id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID = strings.TrimSpace(requestID); requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// NewLine builds the record for event from ctx. fields is copied.
func NewLine(ctx context.Context, event string, fields map[string]any) Line {
	l := Line{
		TS:     time.Now().UTC().Format(time.RFC3339Nano),
		Type:   "audit",
		Event:  event,
		Fields: make(map[string]any, len(fields)),
	}
	for k, v := range fields {
		l.Fields[k] = v
	}
	if ctx == nil {
		return l
	}
	if rid, ok := ctx.Value(requestIDKey{}).(string); ok {
		l.RequestID = rid
	}
	if caller, ok := auth.CallerFromContext(ctx); ok {
		l.Caller = caller.Hex()
	}
	return l
}

// LogEvent writes one audit line for event.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	data, err := json.Marshal(NewLine(ctx, event, fields))
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}

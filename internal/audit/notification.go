package audit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Kind names a notification emitted by the ledger.
type Kind string

const (
	KindIssuance     Kind = "issuance"
	KindRevocation   Kind = "revocation"
	KindTransferLock Kind = "transfer_lock_changed"
	KindMaxSupply    Kind = "max_supply_changed"
	KindTransfer     Kind = "transfer"
	KindRoleGranted  Kind = "role_granted"
	KindRoleRevoked  Kind = "role_revoked"
	KindPaused       Kind = "paused"
	KindUnpaused     Kind = "unpaused"
)

// Notification is an append-only record of a committed state change.
// Observers consume it; the ledger reads it back only to rebuild state at
// startup.
type Notification struct {
	ID           string            `json:"id"`
	Sequence     uint64            `json:"sequence,omitempty"`
	Kind         Kind              `json:"kind"`
	OccurredAt   time.Time         `json:"occurred_at"`
	Actor        string            `json:"actor,omitempty"`
	ResourceType string            `json:"resource_type,omitempty"`
	ResourceID   string            `json:"resource_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Sink receives the notifications of one operation, in order. For the
// durable sink, returning an error aborts the operation.
type Sink interface {
	Emit(ctx context.Context, batch []Notification) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, batch []Notification) error

func (f SinkFunc) Emit(ctx context.Context, batch []Notification) error { return f(ctx, batch) }

// Multi fans a batch out to every sink in order and stops at the first error.
// Sinks ahead of the failing one keep the batch, so a rolled back operation
// can still show up there. Publishers belong in the executor observer list,
// which only sees committed batches.
func Multi(sinks ...Sink) Sink {
	var list []Sink
	for _, s := range sinks {
		if s != nil {
			list = append(list, s)
		}
	}
	return SinkFunc(func(ctx context.Context, batch []Notification) error {
		for _, s := range list {
			if err := s.Emit(ctx, batch); err != nil {
				return err
			}
		}
		return nil
	})
}

// Reader serves paged reads of stored notifications.
type Reader interface {
	Read(ctx context.Context, after uint64, limit int) ([]Notification, uint64, error)
}

// Log keeps every notification in memory and serves paged reads.
type Log struct {
	mu      sync.RWMutex
	seq     uint64
	entries []Notification
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{}
}

func (l *Log) Emit(_ context.Context, batch []Notification) error {
	if len(batch) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, n := range batch {
		l.seq++
		n.Sequence = l.seq
		n.Metadata = copyMetadata(n.Metadata)
		l.entries = append(l.entries, n)
	}
	return nil
}

// List returns up to limit entries with Sequence > after, and the sequence of
// the last returned entry.
func (l *Log) List(after uint64, limit int) ([]Notification, uint64) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	var res []Notification
	var last uint64
	for _, n := range l.entries {
		if n.Sequence <= after {
			continue
		}
		n.Metadata = copyMetadata(n.Metadata)
		res = append(res, n)
		last = n.Sequence
		if len(res) >= limit {
			break
		}
	}
	return res, last
}

// Read implements Reader.
func (l *Log) Read(_ context.Context, after uint64, limit int) ([]Notification, uint64, error) {
	page, last := l.List(after, limit)
	return page, last, nil
}

// Len reports the number of stored notifications.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// LineSink writes every notification as a JSON audit line.
type LineSink struct{}

func (LineSink) Emit(ctx context.Context, batch []Notification) error {
	var errs []error
	for _, n := range batch {
		fields := map[string]any{
			"notification_id": n.ID,
			"occurred_at":     n.OccurredAt.UTC().Format(time.RFC3339Nano),
		}
		if n.Actor != "" {
			fields["actor"] = n.Actor
		}
		if n.ResourceType != "" {
			fields["resource_type"] = n.ResourceType
			fields["resource_id"] = n.ResourceID
		}
		for k, v := range n.Metadata {
			fields[k] = v
		}
		if err := LogEvent(ctx, "ledger."+string(n.Kind), fields); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func copyMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

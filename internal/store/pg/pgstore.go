// Package pg persists ledger notifications to PostgreSQL.
package pg

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"laurel.org/internal/audit"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrations returns the embedded schema migrations.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// ErrDuplicateEvent is returned when a notification id is already stored.
var ErrDuplicateEvent = errors.New("duplicate event")

const uniqueViolation = "23505"

// Store is the durable notification journal. It implements audit.Sink
// and audit.Reader.
var (
	_ audit.Sink   = (*Store)(nil)
	_ audit.Reader = (*Store)(nil)
)

type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Emit writes the batch in one transaction. Any failure leaves nothing
// behind and is returned so the ledger operation rolls back.
func (s *Store) Emit(ctx context.Context, batch []audit.Notification) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, n := range batch {
		meta, err := json.Marshal(metadataOrEmpty(n.Metadata))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			insert into ledger_events(id, kind, occurred_at, actor, resource_type, resource_id, metadata)
			values ($1, $2, $3, $4, $5, $6, $7)
		`, n.ID, string(n.Kind), n.OccurredAt.UTC(), n.Actor, n.ResourceType, n.ResourceID, meta)
		if err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == uniqueViolation {
				return fmt.Errorf("%w: %s", ErrDuplicateEvent, n.ID)
			}
			return fmt.Errorf("insert event %s: %w", n.ID, err)
		}
	}
	return tx.Commit()
}

// Read returns up to limit events with sequence > after, oldest first,
// and the sequence of the last one.
func (s *Store) Read(ctx context.Context, after uint64, limit int) ([]audit.Notification, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select sequence, id, kind, occurred_at, actor, resource_type, resource_id, metadata
		from ledger_events
		where sequence > $1
		order by sequence asc
		limit $2
	`, after, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var (
		res  []audit.Notification
		last uint64
	)
	for rows.Next() {
		var (
			n    audit.Notification
			kind string
			meta []byte
		)
		if err := rows.Scan(&n.Sequence, &n.ID, &kind, &n.OccurredAt, &n.Actor, &n.ResourceType, &n.ResourceID, &meta); err != nil {
			return nil, 0, err
		}
		n.Kind = audit.Kind(kind)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &n.Metadata); err != nil {
				return nil, 0, fmt.Errorf("decode metadata of %s: %w", n.ID, err)
			}
			if len(n.Metadata) == 0 {
				n.Metadata = nil
			}
		}
		res = append(res, n)
		last = n.Sequence
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return res, last, nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func metadataOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

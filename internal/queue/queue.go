// Package queue is the durable local holding area for evidence bundles and
// telemetry reports the control plane couldn't accept yet. It exists so a
// network outage never blocks a remediation cycle: writes here always
// succeed locally. Items are read back with Pending and settled with
// MarkSent or MarkFailed; this package starts no worker of its own, and no
// caller in the appliance drains the backlog.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Kind distinguishes the two payload shapes this queue carries.
type Kind string

const (
	KindEvidence  Kind = "evidence"
	KindTelemetry Kind = "telemetry"
)

// Status tracks delivery progress for a queued item.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Item is one durable unit of work: a JSON payload plus delivery bookkeeping.
type Item struct {
	ID          int64
	Kind        Kind
	Payload     []byte
	Status      Status
	Attempts    int
	LastError   string
	EnqueuedAt  time.Time
	LastAttempt time.Time
}

// Queue wraps an append-only, fsync'd sqlite database. Every Enqueue is a
// single durable write; nothing is ever deleted, only marked sent, so a
// crash mid-drain can never silently lose an item.
type Queue struct {
	db *sql.DB
}

// Open creates or migrates the offline queue database at path.
func Open(path string) (*Queue, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open offline queue: %w", err)
	}
	db.SetMaxOpenConns(1)
	q := &Queue{db: db}
	if err := q.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate offline queue: %w", err)
	}
	return q, nil
}

func (q *Queue) Close() error {
	return q.db.Close()
}

func (q *Queue) migrate() error {
	_, err := q.db.Exec(`
CREATE TABLE IF NOT EXISTS queue_items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	payload BLOB NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	enqueued_at TEXT NOT NULL,
	last_attempt TEXT
);
CREATE INDEX IF NOT EXISTS idx_queue_items_status ON queue_items(status, kind);
`)
	return err
}

// Enqueue durably records a payload of the given kind as pending delivery.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, payload []byte) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
INSERT INTO queue_items (kind, payload, status, enqueued_at)
VALUES (?, ?, 'pending', ?)`, string(kind), payload, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("enqueue %s item: %w", kind, err)
	}
	return res.LastInsertId()
}

// Pending returns up to limit pending items of a given kind, oldest first.
func (q *Queue) Pending(ctx context.Context, kind Kind, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx, `
SELECT id, kind, payload, status, attempts, COALESCE(last_error, ''), enqueued_at, COALESCE(last_attempt, '')
FROM queue_items
WHERE kind = ? AND status = 'pending'
ORDER BY enqueued_at ASC
LIMIT ?`, string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("query pending %s items: %w", kind, err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		var k, status, enqueuedAt, lastAttempt string
		if err := rows.Scan(&it.ID, &k, &it.Payload, &status, &it.Attempts, &it.LastError, &enqueuedAt, &lastAttempt); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		it.Kind = Kind(k)
		it.Status = Status(status)
		if t, err := time.Parse(time.RFC3339Nano, enqueuedAt); err == nil {
			it.EnqueuedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, lastAttempt); err == nil {
			it.LastAttempt = t
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// MarkSent records a successful delivery.
func (q *Queue) MarkSent(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `
UPDATE queue_items SET status = 'sent', last_attempt = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("mark item %d sent: %w", id, err)
	}
	return nil
}

// MarkFailed records a failed delivery attempt. The item stays (or
// reverts to) pending, so a later Pending call returns it again,
// unless permanent is true, in which case it is marked failed for good.
func (q *Queue) MarkFailed(ctx context.Context, id int64, reason string, permanent bool) error {
	status := "pending"
	if permanent {
		status = "failed"
	}
	_, err := q.db.ExecContext(ctx, `
UPDATE queue_items SET status = ?, attempts = attempts + 1, last_error = ?, last_attempt = ?
WHERE id = ?`, status, reason, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("mark item %d failed: %w", id, err)
	}
	return nil
}

// Depth returns the number of still-pending items of a given kind, used to
// feed the backpressure/high-water-mark telemetry.
func (q *Queue) Depth(ctx context.Context, kind Kind) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_items WHERE kind = ? AND status = 'pending'`, string(kind)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending %s items: %w", kind, err)
	}
	return n, nil
}

// internal/store/journal.go
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tamzrod/sensorhub/internal/events"
	"github.com/tamzrod/sensorhub/internal/frame"
)

const journalQueue = 32

// Journal persists finished reset cycles.
//
// Bus handlers run on the orchestrator goroutine, so the subscription only
// queues; Run does the SQL.
type Journal struct {
	db   *DB
	keep int
	log  *zap.Logger

	queue   chan events.ResetEvent
	dropped atomic.Uint64
}

// NewJournal creates a journal on a migrated db. keep bounds the number of
// rows retained (0 = unbounded).
func NewJournal(db *DB, keep int, log *zap.Logger) (*Journal, error) {
	if db == nil {
		return nil, errors.New("store: db required")
	}
	if keep < 0 {
		return nil, errors.New("store: keep must be >= 0")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Journal{
		db:    db,
		keep:  keep,
		log:   log,
		queue: make(chan events.ResetEvent, journalQueue),
	}, nil
}

// Attach subscribes the journal to reset events on bus.
func (j *Journal) Attach(bus *events.Bus) error {
	return bus.OnReset(j.enqueue)
}

func (j *Journal) enqueue(e events.ResetEvent) {
	select {
	case j.queue <- e:
	default:
		j.dropped.Add(1)
		j.log.Warn("reset journal queue full, event dropped", zap.String("cycle", e.ID))
	}
}

// Dropped returns the number of events lost to a full queue.
func (j *Journal) Dropped() uint64 {
	return j.dropped.Load()
}

// Run writes queued events until ctx is cancelled, then flushes what is
// already queued.
func (j *Journal) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e := <-j.queue:
					j.write(e)
				default:
					return
				}
			}
		case e := <-j.queue:
			j.write(e)
		}
	}
}

func (j *Journal) write(e events.ResetEvent) {
	// The run context may already be gone; the flush still needs a live one.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := j.Record(ctx, e); err != nil {
		j.log.Error("reset journal write failed", zap.String("cycle", e.ID), zap.Error(err))
	}
}

// Record stores one event and prunes old rows.
func (j *Journal) Record(ctx context.Context, e events.ResetEvent) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: record: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO resets (cycle_id, seq, reason, error, reenabled, started_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, int64(e.Seq), e.Reason, e.Err, joinTargets(e.Reenabled),
		e.Started.UnixMilli(), e.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("store: record %s: %w", e.ID, err)
	}

	if j.keep > 0 {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM resets WHERE id <= (
			     SELECT id FROM resets ORDER BY id DESC LIMIT 1 OFFSET ?
			 )`, j.keep)
		if err != nil {
			return fmt.Errorf("store: prune: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: record commit: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]events.ResetEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT cycle_id, seq, reason, error, reenabled, started_at, duration_ms
		 FROM resets ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent: %w", err)
	}
	defer rows.Close()

	out := []events.ResetEvent{}
	for rows.Next() {
		var (
			e         events.ResetEvent
			seq       int64
			reenabled string
			started   int64
			duration  int64
		)
		if err := rows.Scan(&e.ID, &seq, &e.Reason, &e.Err, &reenabled, &started, &duration); err != nil {
			return nil, fmt.Errorf("store: recent scan: %w", err)
		}
		e.Seq = uint64(seq)
		e.Started = time.UnixMilli(started).UTC()
		e.Duration = time.Duration(duration) * time.Millisecond
		if e.Reenabled, err = splitTargets(reenabled); err != nil {
			return nil, fmt.Errorf("store: recent %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func joinTargets(ts []frame.Target) string {
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = strconv.Itoa(int(t))
	}
	return strings.Join(parts, ",")
}

func splitTargets(s string) ([]frame.Target, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]frame.Target, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("bad target list %q", s)
		}
		out = append(out, frame.Target(v))
	}
	return out, nil
}

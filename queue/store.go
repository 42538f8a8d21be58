// Package queue maintains the song-request queue: a strictly ordered,
// position-indexed list in Postgres. Positions of live rows always form the
// contiguous range [1..N]; the store is the sole writer of position and
// renumbers transactionally on every structural mutation.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/songbot/telemetry"
)

// Item is one queued song request. Position is assigned by the store;
// callers never set it.
type Item struct {
	TrackRef      string
	DisplayName   string
	DisplayArtist string
	RequestedBy   string
	Position      int
	InsertedAt    time.Time
}

// Store wraps the song_queue table. Structural mutations are serialized with
// a process-local mutex: the bot is the only writer of this table, and the
// shift+insert statement pairs are not safe under concurrent interleaving at
// read-committed isolation.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

func NewStore(db *sql.DB) *Store {
	telemetry.Init()
	return &Store{db: db}
}

// AppendTail inserts item after the current last position.
func (s *Store) AppendTail(ctx context.Context, item Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	telemetry.TimeFunc(telemetry.QueueMutationDuration, func() {
		var maxPos int
		if err = s.db.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(position), 0) FROM song_queue`).Scan(&maxPos); err != nil {
			err = fmt.Errorf("read queue tail: %w", err)
			return
		}
		if _, err = s.db.ExecContext(ctx,
			`INSERT INTO song_queue (track_ref, display_name, display_artist, requested_by, position, inserted_at)
			 VALUES ($1, $2, $3, $4, $5, NOW())`,
			item.TrackRef, item.DisplayName, item.DisplayArtist, item.RequestedBy, maxPos+1); err != nil {
			err = fmt.Errorf("append song request: %w", err)
			return
		}
	})
	if err != nil {
		return err
	}
	if telemetry.RequestsEnqueued != nil {
		telemetry.RequestsEnqueued.Inc()
	}
	s.updateDepthGauge(ctx)
	return nil
}

// InsertHead places item at position 1, shifting every existing item down by
// one, all within a single transaction. On any failure the transaction rolls
// back and the queue is observably unchanged.
func (s *Store) InsertHead(ctx context.Context, item Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	telemetry.TimeFunc(telemetry.QueueMutationDuration, func() {
		err = s.withTx(ctx, func(tx *sql.Tx) error {
			if _, txErr := tx.ExecContext(ctx,
				`UPDATE song_queue SET position = position + 1`); txErr != nil {
				return fmt.Errorf("shift queue positions: %w", txErr)
			}
			if _, txErr := tx.ExecContext(ctx,
				`INSERT INTO song_queue (track_ref, display_name, display_artist, requested_by, position, inserted_at)
				 VALUES ($1, $2, $3, $4, 1, NOW())`,
				item.TrackRef, item.DisplayName, item.DisplayArtist, item.RequestedBy); txErr != nil {
				return fmt.Errorf("insert priority request: %w", txErr)
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	if telemetry.RequestsEnqueued != nil {
		telemetry.RequestsEnqueued.Inc()
	}
	s.updateDepthGauge(ctx)
	return nil
}

// RemoveHead deletes the item at position 1 and shifts the remainder up by
// one, within a single transaction. Returns the removed item, or nil when
// the queue was already empty (not an error).
func (s *Store) RemoveHead(ctx context.Context) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed *Item
	var err error
	telemetry.TimeFunc(telemetry.QueueMutationDuration, func() {
		err = s.withTx(ctx, func(tx *sql.Tx) error {
			row := tx.QueryRowContext(ctx,
				`DELETE FROM song_queue WHERE position = 1
				 RETURNING track_ref, display_name, display_artist, requested_by, position, inserted_at`)
			var it Item
			scanErr := row.Scan(&it.TrackRef, &it.DisplayName, &it.DisplayArtist, &it.RequestedBy, &it.Position, &it.InsertedAt)
			if scanErr == sql.ErrNoRows {
				return nil // empty queue: no-op
			}
			if scanErr != nil {
				return fmt.Errorf("remove queue head: %w", scanErr)
			}
			if _, txErr := tx.ExecContext(ctx,
				`UPDATE song_queue SET position = position - 1`); txErr != nil {
				return fmt.Errorf("shift queue positions: %w", txErr)
			}
			removed = &it
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	s.updateDepthGauge(ctx)
	return removed, nil
}

// ListAll returns every queued item ordered by position. On query failure it
// logs and returns an empty slice: callers treat that as "queue momentarily
// unknown", never as "queue empty and safe to mutate".
func (s *Store) ListAll(ctx context.Context) []Item {
	rows, err := s.db.QueryContext(ctx,
		`SELECT track_ref, display_name, display_artist, requested_by, position, inserted_at
		 FROM song_queue ORDER BY position ASC`)
	if err != nil {
		slog.Warn("queue listing failed", slog.Any("err", err), slog.String("component", "queue"))
		return []Item{}
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("queue rows close failed", slog.Any("err", err), slog.String("component", "queue"))
		}
	}()

	items := []Item{}
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.TrackRef, &it.DisplayName, &it.DisplayArtist, &it.RequestedBy, &it.Position, &it.InsertedAt); err != nil {
			slog.Warn("queue row scan failed", slog.Any("err", err), slog.String("component", "queue"))
			return []Item{}
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		slog.Warn("queue listing failed", slog.Any("err", err), slog.String("component", "queue"))
		return []Item{}
	}
	return items
}

// Len returns the current queue length.
func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM song_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queue: %w", err)
	}
	return n, nil
}

// Clear removes every queued item.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM song_queue`); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	telemetry.SetQueueDepth(0)
	return nil
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on error. A rollback failure is its own, higher-severity condition:
// it is logged loudly, but the original statement error is what the caller
// sees.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin queue transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Error("queue rollback failed; position invariant at risk",
				slog.Any("rollback_err", rbErr), slog.Any("err", err), slog.String("component", "queue"))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit queue transaction: %w", err)
	}
	return nil
}

func (s *Store) updateDepthGauge(ctx context.Context) {
	if n, err := s.Len(ctx); err == nil {
		telemetry.SetQueueDepth(n)
	}
}

// Package strokes is the durable, append-only stroke log. The store is the only writer of
// sequence numbers: they start at 1, are gapless and strictly increasing.
package strokes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/astromechza/livedraw/pkg/clock"
	"github.com/astromechza/livedraw/pkg/database"
)

var (
	// ErrUnavailable wraps every failure of the underlying database.
	ErrUnavailable = errors.New("stroke store unavailable")
	// ErrInvalidPageSize is returned by ReadPage for a non-positive page size.
	ErrInvalidPageSize = errors.New("page size must be positive")
)

// Record is one persisted line segment.
type Record struct {
	Seq       uint64    `json:"seq"`
	PrevX     float64   `json:"prevX"`
	PrevY     float64   `json:"prevY"`
	CurrX     float64   `json:"currX"`
	CurrY     float64   `json:"currY"`
	Color     string    `json:"color"`
	AuthorID  string    `json:"author"`
	Timestamp time.Time `json:"ts"`
}

type Store struct {
	database *sql.DB
	clock    clock.Clock
	logger   *slog.Logger

	// mu serializes appends; last is the highest sequence number persisted.
	mu   sync.Mutex
	last uint64
}

// New loads the current head of the log. The store assumes it is the only process appending to
// this database.
func New(ctx context.Context, db *sql.DB, clk clock.Clock, logger *slog.Logger) (*Store, error) {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	var last int64
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM strokes`).Scan(&last); err != nil {
		return nil, fmt.Errorf("%w: failed to load head: %w", ErrUnavailable, err)
	}
	logger.Info("stroke log loaded", "head", last)
	return &Store{database: db, clock: clk, logger: logger, last: uint64(last)}, nil
}

// Append assigns the next sequence number and the server timestamp to rec and persists it. Any
// Seq or Timestamp set by the caller is overwritten.
func (s *Store) Append(ctx context.Context, rec Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.Seq = s.last + 1
	rec.Timestamp = s.clock.Now().UTC().Truncate(time.Microsecond)
	if _, err := s.database.ExecContext(
		ctx,
		`INSERT INTO strokes (seq, prev_x, prev_y, curr_x, curr_y, color, author_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Seq, rec.PrevX, rec.PrevY, rec.CurrX, rec.CurrY, rec.Color, rec.AuthorID, database.Micros(rec.Timestamp),
	); err != nil {
		return Record{}, fmt.Errorf("%w: failed to insert stroke: %w", ErrUnavailable, err)
	}
	s.last = rec.Seq
	return rec, nil
}

// Head returns the highest sequence number appended so far, 0 for an empty log.
func (s *Store) Head() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// ReadPage returns up to pageSize records with sequence greater than after, in order. hasNext
// reports whether more records existed beyond the page when it was read. The read is a single
// statement, so it sees one consistent snapshot even while appends continue.
func (s *Store) ReadPage(ctx context.Context, after uint64, pageSize int) ([]Record, bool, error) {
	if pageSize <= 0 {
		return nil, false, ErrInvalidPageSize
	}
	rows, err := s.database.QueryContext(
		ctx,
		`SELECT seq, prev_x, prev_y, curr_x, curr_y, color, author_id, created_at FROM strokes WHERE seq > ? ORDER BY seq LIMIT ?`,
		after, pageSize+1,
	)
	if err != nil {
		return nil, false, fmt.Errorf("%w: failed to query strokes: %w", ErrUnavailable, err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			s.logger.Error("failed to close rows", "err", err)
		}
	}(rows)

	out := make([]Record, 0, pageSize)
	for rows.Next() {
		var rec Record
		var created int64
		if err := rows.Scan(&rec.Seq, &rec.PrevX, &rec.PrevY, &rec.CurrX, &rec.CurrY, &rec.Color, &rec.AuthorID, &created); err != nil {
			return nil, false, fmt.Errorf("%w: failed to scan stroke: %w", ErrUnavailable, err)
		}
		rec.Timestamp = database.FromMicros(created)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("%w: failed to read strokes: %w", ErrUnavailable, err)
	}

	hasNext := len(out) > pageSize
	if hasNext {
		out = out[:pageSize]
	}
	return out, hasNext, nil
}

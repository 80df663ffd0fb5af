// Package hub accepts stroke submissions from live connections. It charges the author's ink,
// appends the stroke to the log and fans it out, holding one ordering lock across append and
// enqueue so that every connection observes strokes in sequence order.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sync"

	"github.com/astromechza/livedraw/pkg/ink"
	"github.com/astromechza/livedraw/pkg/session"
	"github.com/astromechza/livedraw/pkg/strokes"
)

// Rejection reasons. These are also the error codes sent to clients.
const (
	ReasonForbidden   = "forbidden"
	ReasonInvalid     = "invalid"
	ReasonNoInk       = "no_ink"
	ReasonUnavailable = "unavailable"
)

const maxColorLength = 32

var colorPattern = regexp.MustCompile(`^(#[0-9a-fA-F]{3}|#[0-9a-fA-F]{6}|[a-zA-Z]+)$`)

type Ledger interface {
	TryConsume(ctx context.Context, userID string, amount int64) (int64, bool, error)
	Credit(ctx context.Context, userID string, amount int64) (int64, error)
}

type Appender interface {
	Append(ctx context.Context, rec strokes.Record) (strokes.Record, error)
}

// Input is a stroke as submitted by a client. ClientInk is the balance the client believes it
// has; it is only compared against the ledger for logging.
type Input struct {
	PrevX, PrevY float64
	CurrX, CurrY float64
	Color        string
	ClientInk    *int64
}

// Result is the outcome of Submit. On rejection Reason is set and Record is empty. Balance is the
// authoritative balance when the ledger was consulted.
type Result struct {
	Accepted bool
	Reason   string
	Detail   string
	Record   strokes.Record
	Balance  int64
}

type Options struct {
	// StrokeCost is the ink charged per accepted segment.
	StrokeCost int64
	// Width and Height bound stroke coordinates to [0, Width] x [0, Height].
	Width, Height float64
}

type Hub struct {
	registry *session.Registry
	ledger   Ledger
	store    Appender
	opts     Options
	logger   *slog.Logger

	// mu orders append and fan-out.
	mu sync.Mutex
}

func New(registry *session.Registry, ledger Ledger, store Appender, opts Options, logger *slog.Logger) *Hub {
	if opts.StrokeCost <= 0 {
		opts.StrokeCost = 1
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Hub{registry: registry, ledger: ledger, store: store, opts: opts, logger: logger}
}

func reject(reason, detail string) Result {
	return Result{Reason: reason, Detail: detail}
}

// Validate checks the stroke geometry and colour.
func (h *Hub) Validate(in Input) error {
	for _, v := range []float64{in.PrevX, in.PrevY, in.CurrX, in.CurrY} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("coordinates must be finite")
		}
	}
	if in.PrevX < 0 || in.CurrX < 0 || in.PrevX > h.opts.Width || in.CurrX > h.opts.Width {
		return fmt.Errorf("x must be within [0, %g]", h.opts.Width)
	}
	if in.PrevY < 0 || in.CurrY < 0 || in.PrevY > h.opts.Height || in.CurrY > h.opts.Height {
		return fmt.Errorf("y must be within [0, %g]", h.opts.Height)
	}
	if len(in.Color) > maxColorLength || !colorPattern.MatchString(in.Color) {
		return errors.New("color must be #rgb, #rrggbb or a named colour")
	}
	return nil
}

// Submit runs one stroke through authorization, validation, ink accounting, persistence and
// fan-out. Rejections are reported in the Result; an error is returned only alongside
// ReasonUnavailable or when ctx was cancelled before any ink was taken.
//
// On acceptance the stroke is broadcast to every other connection and the acknowledgment, carrying
// the new balance, is queued on the submitting connection.
func (h *Hub) Submit(ctx context.Context, connID string, in Input) (Result, error) {
	conn, ok := h.registry.Lookup(connID)
	if !ok || !conn.Authenticated() {
		return reject(ReasonForbidden, "sign in to draw"), nil
	}
	if !conn.DrawingEnabled() {
		return reject(ReasonForbidden, "drawing is disabled"), nil
	}
	if err := h.Validate(in); err != nil {
		return reject(ReasonInvalid, err.Error()), nil
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	balance, ok, err := h.ledger.TryConsume(ctx, conn.UserID, h.opts.StrokeCost)
	if err != nil {
		if errors.Is(err, ink.ErrUnknownAccount) {
			return reject(ReasonForbidden, "no ink account"), nil
		}
		h.logger.Error("failed to consume ink", "conn", connID, "user", conn.UserID, "err", err)
		return reject(ReasonUnavailable, "ink ledger unavailable"), fmt.Errorf("failed to consume ink: %w", err)
	}
	if in.ClientInk != nil {
		before := balance
		if ok {
			before += h.opts.StrokeCost
		}
		if *in.ClientInk != before {
			h.logger.Debug("client ink disagrees with ledger", "user", conn.UserID, "client", *in.ClientInk, "ledger", before)
		}
	}
	if !ok {
		res := reject(ReasonNoInk, "not enough ink")
		res.Balance = balance
		return res, nil
	}

	// Ink is spent; the caller going away must not strand it.
	ctx = context.WithoutCancel(ctx)

	h.mu.Lock()
	defer h.mu.Unlock()

	rec, err := h.store.Append(ctx, strokes.Record{
		PrevX:    in.PrevX,
		PrevY:    in.PrevY,
		CurrX:    in.CurrX,
		CurrY:    in.CurrY,
		Color:    in.Color,
		AuthorID: conn.UserID,
	})
	if err != nil {
		h.logger.Error("failed to append stroke", "conn", connID, "user", conn.UserID, "err", err)
		if refunded, rerr := h.ledger.Credit(ctx, conn.UserID, h.opts.StrokeCost); rerr != nil {
			h.logger.Error("failed to refund ink", "user", conn.UserID, "amount", h.opts.StrokeCost, "err", rerr)
		} else {
			balance = refunded
		}
		res := reject(ReasonUnavailable, "stroke store unavailable")
		res.Balance = balance
		return res, fmt.Errorf("failed to append stroke: %w", err)
	}

	h.registry.Broadcast(session.Delivery{Record: &rec}, connID)
	ackBalance := balance
	if err := conn.Deliver(session.Delivery{Record: &rec, Balance: &ackBalance}); err != nil {
		h.logger.Warn("failed to acknowledge stroke", "conn", connID, "seq", rec.Seq, "err", err)
	}
	return Result{Accepted: true, Record: rec, Balance: balance}, nil
}

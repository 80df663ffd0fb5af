// Package payment sells ink packages. A checkout is created pending; the payment processor's
// signed confirmation flips it to paid and credits the ink exactly once.
package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/astromechza/livedraw/pkg/clock"
	"github.com/astromechza/livedraw/pkg/database"
)

const (
	StatusPending = "pending"
	StatusPaid    = "paid"
)

var (
	ErrUnknownOption   = errors.New("unknown ink package")
	ErrUnknownCheckout = errors.New("unknown checkout")
	ErrBadSignature    = errors.New("signature mismatch")
)

// Option is one purchasable ink package. Amount is in minor currency units.
type Option struct {
	ID     string `json:"id"`
	Ink    int64  `json:"ink"`
	Amount int64  `json:"amount"`
}

var catalog = map[string]Option{
	"option_1": {ID: "option_1", Ink: 500, Amount: 399},
	"option_2": {ID: "option_2", Ink: 1200, Amount: 699},
	"option_3": {ID: "option_3", Ink: 2400, Amount: 999},
}

// Catalog lists the packages ordered by price.
func Catalog() []Option {
	out := make([]Option, 0, len(catalog))
	for _, o := range catalog {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Amount < out[j].Amount })
	return out
}

type Checkout struct {
	ID        string
	UserID    string
	Option    string
	Ink       int64
	Amount    int64
	Currency  string
	Status    string
	CreatedAt time.Time
	PaidAt    time.Time
}

type Crediter interface {
	Credit(ctx context.Context, userID string, amount int64) (int64, error)
}

type Service struct {
	database *sql.DB
	ink      Crediter
	currency string
	clock    clock.Clock
	logger   *slog.Logger
}

func New(db *sql.DB, ink Crediter, currency string, clk clock.Clock, logger *slog.Logger) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{database: db, ink: ink, currency: currency, clock: clk, logger: logger}
}

func (s *Service) CreateCheckout(ctx context.Context, userID, option string) (Checkout, error) {
	opt, ok := catalog[option]
	if !ok {
		return Checkout{}, ErrUnknownOption
	}
	c := Checkout{
		ID:        uuid.NewString(),
		UserID:    userID,
		Option:    opt.ID,
		Ink:       opt.Ink,
		Amount:    opt.Amount,
		Currency:  s.currency,
		Status:    StatusPending,
		CreatedAt: s.clock.Now().UTC().Truncate(time.Microsecond),
	}
	if _, err := s.database.ExecContext(
		ctx,
		`INSERT INTO checkouts (id, user_id, option, ink, amount, currency, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.Option, c.Ink, c.Amount, c.Currency, c.Status, database.Micros(c.CreatedAt),
	); err != nil {
		return Checkout{}, fmt.Errorf("failed to insert checkout: %w", err)
	}
	s.logger.Info("checkout created", "checkout", c.ID, "user", userID, "option", c.Option)
	return c, nil
}

func (s *Service) Get(ctx context.Context, id string) (Checkout, error) {
	var c Checkout
	var created, paid int64
	err := s.database.QueryRowContext(
		ctx,
		`SELECT id, user_id, option, ink, amount, currency, status, created_at, paid_at FROM checkouts WHERE id = ?`,
		id,
	).Scan(&c.ID, &c.UserID, &c.Option, &c.Ink, &c.Amount, &c.Currency, &c.Status, &created, &paid)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Checkout{}, ErrUnknownCheckout
		}
		return Checkout{}, fmt.Errorf("failed to read checkout: %w", err)
	}
	c.CreatedAt = database.FromMicros(created)
	c.PaidAt = database.FromMicros(paid)
	return c, nil
}

// Confirm marks the checkout paid and credits its ink. Repeated confirmations of a paid checkout
// return credited false and change nothing. If crediting fails the checkout goes back to pending so
// the processor's retry can complete it.
func (s *Service) Confirm(ctx context.Context, id string) (Checkout, bool, error) {
	now := s.clock.Now().UTC().Truncate(time.Microsecond)
	res, err := s.database.ExecContext(
		ctx,
		`UPDATE checkouts SET status = ?, paid_at = ? WHERE id = ? AND status = ?`,
		StatusPaid, database.Micros(now), id, StatusPending,
	)
	if err != nil {
		return Checkout{}, false, fmt.Errorf("failed to mark checkout paid: %w", err)
	}
	won, err := res.RowsAffected()
	if err != nil {
		return Checkout{}, false, fmt.Errorf("failed to mark checkout paid: %w", err)
	}
	c, err := s.Get(ctx, id)
	if err != nil {
		return Checkout{}, false, err
	}
	if won == 0 {
		s.logger.Info("duplicate checkout confirmation", "checkout", id, "status", c.Status)
		return c, false, nil
	}

	if _, err := s.ink.Credit(context.WithoutCancel(ctx), c.UserID, c.Ink); err != nil {
		if _, rerr := s.database.ExecContext(
			context.WithoutCancel(ctx),
			`UPDATE checkouts SET status = ?, paid_at = 0 WHERE id = ? AND status = ?`,
			StatusPending, id, StatusPaid,
		); rerr != nil {
			s.logger.Error("failed to revert checkout after credit failure", "checkout", id, "err", rerr)
		}
		return Checkout{}, false, fmt.Errorf("failed to credit ink: %w", err)
	}
	s.logger.Info("checkout paid", "checkout", id, "user", c.UserID, "ink", c.Ink)
	return c, true, nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a hex HMAC-SHA256 signature of body.
func VerifySignature(secret, body []byte, signature string) error {
	got, err := hex.DecodeString(signature)
	if err != nil || len(secret) == 0 {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

package api

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/zeebo/blake3"

	"github.com/astromechza/livedraw/pkg/accounts"
	"github.com/astromechza/livedraw/pkg/history"
	"github.com/astromechza/livedraw/pkg/ink"
	"github.com/astromechza/livedraw/pkg/payment"
	"github.com/astromechza/livedraw/pkg/strokes"
	"github.com/astromechza/livedraw/pkg/wire"
)

const maxBodyBytes = 64 << 10

var errBadRequest = errors.New("bad request")

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, history.ErrInvalidPage),
		errors.Is(err, history.ErrInvalidCursor),
		errors.Is(err, accounts.ErrInvalidUsername),
		errors.Is(err, accounts.ErrInvalidPassword),
		errors.Is(err, payment.ErrUnknownOption):
		return http.StatusBadRequest
	case errors.Is(err, accounts.ErrInvalidCredentials), errors.Is(err, payment.ErrBadSignature):
		return http.StatusUnauthorized
	case errors.Is(err, accounts.ErrCSRF):
		return http.StatusForbidden
	case errors.Is(err, payment.ErrUnknownCheckout):
		return http.StatusNotFound
	case errors.Is(err, accounts.ErrUsernameTaken):
		return http.StatusConflict
	case errors.Is(err, strokes.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		s.Logger.Error("request failed", "method", r.Method, "url", r.URL, "err", err)
		msg = http.StatusText(status)
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}
	return nil
}

// parseCursor reads a stroke sequence cursor from a query parameter.
func parseCursor(name, raw string) (uint64, error) {
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || v > history.MaxCursor {
		return 0, fmt.Errorf("%w: %s must be an integer in [0, %d]", errBadRequest, name, history.MaxCursor)
	}
	return v, nil
}

// requireUser rejects anonymous requests with 401 and requests without a matching CSRF token with
// 403 before calling next.
func (s *Server) requireUser(next func(http.ResponseWriter, *http.Request, accounts.User)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.Accounts.CurrentUser(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "authentication required"})
			return
		}
		if err := accounts.CheckCSRF(r); err != nil {
			s.writeError(w, r, err)
			return
		}
		next(w, r, user)
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.Database.PingContext(r.Context()); err != nil {
		s.Logger.Error("health check failed", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.Registry.Count(),
		"head":        s.Store.Head(),
	})
}

type historyResponse struct {
	Data     []wire.StrokeMessage `json:"data"`
	HasNext  bool                 `json:"has_next"`
	NextPage *int                 `json:"next_page"`
	Cursor   uint64               `json:"cursor"`
}

// getHistory serves one page of strokes, addressed by ?page=N (1-based) or ?cursor=S. Full pages
// that have a successor never change and are cached as immutable.
func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var cursor uint64
	pageNumber := 0
	switch {
	case q.Has("cursor"):
		v, err := parseCursor("cursor", q.Get("cursor"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		cursor = v
	default:
		pageNumber = 1
		if q.Has("page") {
			v, err := strconv.Atoi(q.Get("page"))
			if err != nil {
				s.writeError(w, r, fmt.Errorf("%w: page must be an integer", errBadRequest))
				return
			}
			pageNumber = v
		}
		c, err := s.History.CursorForPage(pageNumber)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		cursor = c
	}

	page, err := s.History.NextPage(r.Context(), cursor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := historyResponse{Data: make([]wire.StrokeMessage, 0, len(page.Records)), HasNext: page.HasNext, Cursor: page.Cursor}
	for _, rec := range page.Records {
		resp.Data = append(resp.Data, wire.Stroke(rec, nil))
	}
	if page.HasNext && pageNumber > 0 {
		next := pageNumber + 1
		resp.NextPage = &next
	}

	body, err := json.Marshal(resp)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("failed to encode page: %w", err))
		return
	}
	sum := blake3.Sum256(body)
	etag := `"` + hex.EncodeToString(sum[:16]) + `"`

	w.Header().Set("ETag", etag)
	if page.HasNext && len(page.Records) == s.History.PageSize() {
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	} else {
		w.Header().Set("Cache-Control", "no-cache")
	}
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type userResponse struct {
	Authenticated bool       `json:"authenticated"`
	Username      string     `json:"username,omitempty"`
	Ink           *int64     `json:"ink,omitempty"`
	NextClaim     *time.Time `json:"next_claim,omitempty"`
}

func (s *Server) userBody(r *http.Request, user accounts.User) (userResponse, error) {
	entry, err := s.Ledger.Open(r.Context(), user.ID)
	if err != nil {
		return userResponse{}, err
	}
	next := s.nextClaim(entry)
	return userResponse{Authenticated: true, Username: user.Username, Ink: &entry.Balance, NextClaim: &next}, nil
}

// nextClaim reports a never-claimed account as claimable now.
func (s *Server) nextClaim(entry ink.Entry) time.Time {
	if entry.NextClaimAt.IsZero() {
		return s.Clock.Now().UTC().Truncate(time.Second)
	}
	return entry.NextClaimAt
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var body credentials
	if err := decodeBody(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	user, err := s.Accounts.Register(r.Context(), body.Username, body.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.startSession(w, r, user, http.StatusCreated)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var body credentials
	if err := decodeBody(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	user, err := s.Accounts.Authenticate(r.Context(), body.Username, body.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.startSession(w, r, user, http.StatusOK)
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request, user accounts.User, status int) {
	if err := s.Accounts.Login(w, r, user); err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := accounts.EnsureCSRFToken(w, r, s.cfg.Session.SecureCookie); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.userBody(r, user)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, status, resp)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request, _ accounts.User) {
	if err := s.Accounts.Logout(w, r); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, userResponse{})
}

// me reports the session state and hands out the CSRF cookie used by the POST endpoints.
func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	if _, err := accounts.EnsureCSRFToken(w, r, s.cfg.Session.SecureCookie); err != nil {
		s.writeError(w, r, err)
		return
	}
	user, ok := s.Accounts.CurrentUser(r)
	if !ok {
		writeJSON(w, http.StatusOK, userResponse{})
		return
	}
	resp, err := s.userBody(r, user)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type claimResponse struct {
	Success   bool      `json:"success"`
	Ink       *int64    `json:"ink,omitempty"`
	NextClaim time.Time `json:"next_claim"`
}

func (s *Server) claimInk(w http.ResponseWriter, r *http.Request, user accounts.User) {
	if _, err := s.Ledger.Open(r.Context(), user.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	claim, err := s.Ledger.TryClaim(r.Context(), user.ID, s.cfg.Ink.ClaimGrant, s.cfg.Ink.ClaimCooldown)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := claimResponse{Success: claim.Granted, NextClaim: claim.NextClaimAt}
	if claim.Granted {
		resp.Ink = &claim.Balance
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listOptions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"currency": s.cfg.Payment.Currency,
		"options":  payment.Catalog(),
	})
}

type checkoutResponse struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Ink      int64  `json:"ink"`
}

func (s *Server) createCheckout(w http.ResponseWriter, r *http.Request, user accounts.User) {
	var body struct {
		Option string `json:"option"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.Payments.CreateCheckout(r.Context(), user.ID, body.Option)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, checkoutResponse{ID: c.ID, Amount: c.Amount, Currency: c.Currency, Ink: c.Ink})
}

// confirmPayment is called by the payment processor. The raw body must carry a valid
// X-Signature.
func (s *Server) confirmPayment(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %w", errBadRequest, err))
		return
	}
	if err := payment.VerifySignature([]byte(s.cfg.Payment.WebhookSecret), raw, r.Header.Get("X-Signature")); err != nil {
		s.Logger.Warn("rejected payment confirmation", "remote", r.RemoteAddr)
		s.writeError(w, r, err)
		return
	}
	var body struct {
		CheckoutID string `json:"checkout_id"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || body.CheckoutID == "" {
		s.writeError(w, r, fmt.Errorf("%w: checkout_id is required", errBadRequest))
		return
	}
	c, credited, err := s.Payments.Confirm(r.Context(), body.CheckoutID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"credited": credited, "ink": c.Ink})
}

// Package api exposes the drawing service over HTTP and WebSocket.
package api

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzhttp"

	"github.com/astromechza/livedraw/pkg/accounts"
	"github.com/astromechza/livedraw/pkg/clock"
	"github.com/astromechza/livedraw/pkg/config"
	"github.com/astromechza/livedraw/pkg/history"
	"github.com/astromechza/livedraw/pkg/hub"
	"github.com/astromechza/livedraw/pkg/ink"
	"github.com/astromechza/livedraw/pkg/payment"
	"github.com/astromechza/livedraw/pkg/session"
	"github.com/astromechza/livedraw/pkg/strokes"
	"github.com/astromechza/livedraw/pkg/wire"
)

// Deps are the components the server routes requests to.
type Deps struct {
	Database *sql.DB
	Store    *strokes.Store
	Ledger   *ink.Ledger
	Registry *session.Registry
	Hub      *hub.Hub
	History  *history.Paginator
	Accounts *accounts.Service
	Payments *payment.Service
	Clock    clock.Clock
	// SocketClock drives websocket deadlines and keepalive pings. Connection deadlines are wall
	// clock times, so it defaults to the real clock even when Clock is fake.
	SocketClock clock.Clock
	Logger      *slog.Logger
}

type Server struct {
	Deps
	cfg      *config.Config
	upgrader websocket.Upgrader

	// ctx is cancelled by Close and stops every socket pump.
	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg *config.Config, deps Deps) *Server {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.SocketClock == nil {
		deps.SocketClock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{Deps: deps, cfg: cfg}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		Subprotocols:    wire.Subprotocols(),
	}
	if len(cfg.WebSocket.AllowedOrigins) > 0 {
		s.upgrader.CheckOrigin = s.checkOrigin
	}
	return s
}

// Close stops all live socket pumps. Hijacked connections are not closed by http.Server.Close.
func (s *Server) Close() {
	s.cancel()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return slices.ContainsFunc(s.cfg.WebSocket.AllowedOrigins, func(allowed string) bool {
		return strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host)
	})
}

func (s *Server) logRequests(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		m := httpsnoop.CaptureMetrics(handler, writer, request)
		s.Logger.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
	})
}

// Router builds the HTTP handler for every endpoint.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.healthz)
	r.Methods(http.MethodGet).Path("/drawing-data-chunks/").Handler(gzhttp.GzipHandler(http.HandlerFunc(s.getHistory)))
	r.Methods(http.MethodGet).Path("/ws/drawing/").HandlerFunc(s.drawingSocket)

	r.Methods(http.MethodPost).Path("/register/").HandlerFunc(s.register)
	r.Methods(http.MethodPost).Path("/login/").HandlerFunc(s.login)
	r.Methods(http.MethodPost).Path("/logout/").Handler(s.requireUser(s.logout))
	r.Methods(http.MethodGet).Path("/me/").HandlerFunc(s.me)

	r.Methods(http.MethodPost).Path("/claim-ink/").Handler(s.requireUser(s.claimInk))
	r.Methods(http.MethodGet).Path("/checkout/").HandlerFunc(s.listOptions)
	r.Methods(http.MethodPost).Path("/checkout/").Handler(s.requireUser(s.createCheckout))
	if s.cfg.Payment.WebhookSecret != "" {
		r.Methods(http.MethodPost).Path("/payment/confirm/").HandlerFunc(s.confirmPayment)
	}
	return r
}

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/astromechza/livedraw/pkg/history"
	"github.com/astromechza/livedraw/pkg/hub"
	"github.com/astromechza/livedraw/pkg/session"
	"github.com/astromechza/livedraw/pkg/wire"
)

// drawingSocket upgrades to the live drawing socket. Anonymous viewers may connect; only signed in
// users may draw. With ?since=S the socket first replays history after S and then switches to
// live strokes without skipping or repeating any sequence.
func (s *Server) drawingSocket(writer http.ResponseWriter, request *http.Request) {
	var since *uint64
	if raw := request.URL.Query().Get("since"); raw != "" {
		v, err := parseCursor("since", raw)
		if err != nil {
			s.writeError(writer, request, err)
			return
		}
		// A cursor past the head restarts from the head, so later strokes are not dropped as seen.
		if head := s.Store.Head(); v > head {
			s.Logger.Info("replay cursor past head", "since", v, "head", head)
			v = head
		}
		since = &v
	}
	user, _ := s.Accounts.CurrentUser(request)

	ws, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.Logger.Error("failed to upgrade", "err", err)
		return
	}
	defer ws.Close()

	conn := session.NewConnection(uuid.NewString(), user.ID, s.cfg.WebSocket.SendQueue)
	// Registering before any replay read is what makes the handoff lossless: every stroke appended
	// from here on is queued for this connection.
	s.Registry.Register(conn)
	defer s.Registry.Unregister(conn.ID)

	codec := wire.ForSubprotocol(ws.Subprotocol())
	s.Logger.Info("socket connected", "conn", conn.ID, "user", user.ID, "subprotocol", codec.Subprotocol())
	if err := s.serveSocket(request.Context(), ws, conn, codec, since); err != nil {
		s.Logger.Error("socket failed", "conn", conn.ID, "err", err)
	}
	s.Logger.Info("socket closed", "conn", conn.ID, "slow", conn.Slow())
}

// serveSocket runs the paired reader and writer until either side stops or the server closes.
func (s *Server) serveSocket(ctx context.Context, ws *websocket.Conn, conn *session.Connection, codec wire.Codec, since *uint64) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	var limiter *rate.Limiter
	if s.cfg.WebSocket.StrokesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.WebSocket.StrokesPerSecond), s.cfg.WebSocket.Burst)
	}

	errs := make(chan error, 2)
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer conn.Close()
		errs <- s.readPump(ctx, ws, conn, codec, limiter)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer conn.Close()
		defer ws.Close()
		errs <- s.writePump(ctx, ws, conn, codec, since)
	}()

	wg.Wait()
	close(errs)
	var out error
	for err := range errs {
		out = errors.Join(out, err)
	}
	return out
}

func (s *Server) readPump(ctx context.Context, ws *websocket.Conn, conn *session.Connection, codec wire.Codec, limiter *rate.Limiter) error {
	pongWait := 2 * s.cfg.WebSocket.PingInterval
	ws.SetReadLimit(s.cfg.WebSocket.ReadLimit)
	_ = ws.SetReadDeadline(s.deadline(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(s.deadline(pongWait))
	})

	for {
		_, p, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("failed to read message: %w", err)
			}
			return nil
		}
		_ = ws.SetReadDeadline(s.deadline(pongWait))

		msg, err := wire.DecodeClient(codec, p)
		if err != nil {
			s.notify(conn, session.Delivery{Reason: wire.ErrorBadMessage, Detail: err.Error()})
			continue
		}
		switch msg.Type {
		case wire.TypeDrawing:
			conn.SetDrawing(*msg.Enabled)
		case wire.TypeStroke:
			if limiter != nil && !limiter.AllowN(s.Clock.Now(), 1) {
				s.notify(conn, session.Delivery{Reason: wire.ErrorRateLimited, Detail: "too many strokes"})
				continue
			}
			res, err := s.Hub.Submit(ctx, conn.ID, hub.Input{
				PrevX:     msg.PrevX,
				PrevY:     msg.PrevY,
				CurrX:     msg.CurrX,
				CurrY:     msg.CurrY,
				Color:     msg.Color,
				ClientInk: msg.Ink,
			})
			if err != nil && res.Reason == "" {
				return err
			}
			if !res.Accepted {
				d := session.Delivery{Reason: res.Reason, Detail: res.Detail}
				if res.Reason == hub.ReasonNoInk || res.Reason == hub.ReasonUnavailable {
					d.Balance = &res.Balance
				}
				s.notify(conn, d)
			}
		}
	}
}

func (s *Server) notify(conn *session.Connection, d session.Delivery) {
	if err := conn.Deliver(d); errors.Is(err, session.ErrSlowConsumer) {
		s.Logger.Warn("dropping slow connection", "conn", conn.ID, "user", conn.UserID)
	}
}

// deadline is d from now on the socket clock, which also drives pings.
func (s *Server) deadline(d time.Duration) time.Time {
	return s.SocketClock.Now().Add(d)
}

func (s *Server) writeFrame(ws *websocket.Conn, codec wire.Codec, msg any) error {
	data, err := codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	_ = ws.SetWriteDeadline(s.deadline(s.cfg.WebSocket.WriteTimeout))
	if err := ws.WriteMessage(codec.FrameType(), data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// framesFor turns one delivery into the messages to send. Records at or below lastSeen already
// went out during replay; for the submitter's acknowledgment only the balance is still news.
func framesFor(d session.Delivery, lastSeen uint64) []any {
	switch {
	case d.Reason != "":
		out := []any{wire.Error(d.Reason, d.Detail)}
		if d.Balance != nil {
			out = append(out, wire.Ink(*d.Balance))
		}
		return out
	case d.Record != nil && d.Record.Seq <= lastSeen:
		if d.Balance != nil {
			return []any{wire.Ink(*d.Balance)}
		}
		return nil
	case d.Record != nil:
		return []any{wire.Stroke(*d.Record, d.Balance)}
	case d.Balance != nil:
		return []any{wire.Ink(*d.Balance)}
	}
	return nil
}

func (s *Server) writePump(ctx context.Context, ws *websocket.Conn, conn *session.Connection, codec wire.Codec, since *uint64) error {
	if since != nil {
		cursor, err := s.History.Replay(ctx, *since, func(page history.Page) error {
			for _, rec := range page.Records {
				if err := s.writeFrame(ws, codec, wire.Stroke(rec, nil)); err != nil {
					return err
				}
			}
			conn.MarkSeen(page.Cursor)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to replay history: %w", err)
		}
		conn.MarkSeen(cursor)
		if err := s.writeFrame(ws, codec, wire.Replayed(cursor)); err != nil {
			return err
		}
	}

	ping := s.SocketClock.NewTicker(s.cfg.WebSocket.PingInterval)
	defer ping.Stop()
	for {
		select {
		case d := <-conn.Queue():
			for _, msg := range framesFor(d, conn.LastSeen()) {
				if err := s.writeFrame(ws, codec, msg); err != nil {
					return err
				}
			}
			if d.Record != nil {
				conn.MarkSeen(d.Record.Seq)
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, s.deadline(s.cfg.WebSocket.WriteTimeout)); err != nil {
				return fmt.Errorf("failed to ping: %w", err)
			}
		case <-conn.Done():
			code, reason := websocket.CloseNormalClosure, ""
			if conn.Slow() {
				code, reason = websocket.ClosePolicyViolation, "slow consumer"
			}
			_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), s.deadline(time.Second))
			return nil
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), s.deadline(time.Second))
			return nil
		}
	}
}

// Package session tracks live connections and delivers fan-out to them.
//
// Every connection owns a bounded outbound queue that is drained by its socket writer. Delivery
// never blocks: a connection whose queue is full is closed as a slow consumer, so one stalled peer
// cannot hold up the hub or any other peer.
package session

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/astromechza/livedraw/pkg/strokes"
)

var (
	ErrClosed       = errors.New("connection closed")
	ErrSlowConsumer = errors.New("connection queue full")
)

// Delivery is one outbound notice for a connection.
type Delivery struct {
	// Record is the stroke to draw. Nil for notices that carry no stroke.
	Record *strokes.Record
	// Balance is set only on the submitting connection's acknowledgment.
	Balance *int64
	// Reason is a rejection code for error notices.
	Reason string
	Detail string
}

type Connection struct {
	ID     string
	UserID string

	queue     chan Delivery
	done      chan struct{}
	closeOnce sync.Once
	slow      atomic.Bool
	drawing   atomic.Bool
	lastSeen  atomic.Uint64
}

// NewConnection creates a connection for userID; an empty userID is an anonymous, read-only viewer.
// Authenticated connections start with drawing enabled.
func NewConnection(id, userID string, queueSize int) *Connection {
	c := &Connection{
		ID:     id,
		UserID: userID,
		queue:  make(chan Delivery, queueSize),
		done:   make(chan struct{}),
	}
	c.drawing.Store(userID != "")
	return c
}

func (c *Connection) Authenticated() bool { return c.UserID != "" }

// SetDrawing records the client's drawing toggle. It is a convenience flag only: anonymous
// connections stay unable to draw whatever they declare.
func (c *Connection) SetDrawing(enabled bool) { c.drawing.Store(enabled) }

func (c *Connection) DrawingEnabled() bool { return c.drawing.Load() }

// Queue is drained by the connection's writer.
func (c *Connection) Queue() <-chan Delivery { return c.queue }

// Done is closed when the connection is closed, either by its pumps or as a slow consumer.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Slow reports whether the connection was closed because its queue overflowed.
func (c *Connection) Slow() bool { return c.slow.Load() }

func (c *Connection) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Deliver enqueues d without blocking. A full queue closes the connection and returns
// ErrSlowConsumer; later calls return ErrClosed.
func (c *Connection) Deliver(d Delivery) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.queue <- d:
		return nil
	default:
		c.slow.Store(true)
		c.Close()
		return ErrSlowConsumer
	}
}

// LastSeen is the highest stroke sequence written to this connection.
func (c *Connection) LastSeen() uint64 { return c.lastSeen.Load() }

// MarkSeen advances LastSeen to seq. Called only by the connection's writer.
func (c *Connection) MarkSeen(seq uint64) {
	if seq > c.lastSeen.Load() {
		c.lastSeen.Store(seq)
	}
}

type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{conns: make(map[string]*Connection), logger: logger}
}

func (r *Registry) Register(c *Connection) {
	r.mu.Lock()
	r.conns[c.ID] = c
	n := len(r.conns)
	r.mu.Unlock()
	r.logger.Info("connection registered", "conn", c.ID, "user", c.UserID, "live", n)
}

// Unregister removes and closes the connection. Unknown IDs are ignored.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	c, ok := r.conns[id]
	delete(r.conns, id)
	n := len(r.conns)
	r.mu.Unlock()
	if ok {
		c.Close()
		r.logger.Info("connection unregistered", "conn", id, "live", n)
	}
}

func (r *Registry) Lookup(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// IsDrawingEnabled reports the client-declared toggle for the connection.
func (r *Registry) IsDrawingEnabled(id string) bool {
	c, ok := r.Lookup(id)
	return ok && c.DrawingEnabled()
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Broadcast delivers d to every live connection except exclude and returns how many accepted it.
// Connections that cannot keep up are closed; their pumps unregister them.
func (r *Registry) Broadcast(d Delivery, exclude string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	delivered := 0
	for id, c := range r.conns {
		if id == exclude {
			continue
		}
		switch err := c.Deliver(d); {
		case err == nil:
			delivered++
		case errors.Is(err, ErrSlowConsumer):
			r.logger.Warn("dropping slow connection", "conn", id, "user", c.UserID)
		}
	}
	return delivered
}

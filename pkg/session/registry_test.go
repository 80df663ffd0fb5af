package session_test

import (
	"errors"
	"testing"
	"time"

	"github.com/astromechza/livedraw/pkg/session"
	"github.com/astromechza/livedraw/pkg/strokes"
	"github.com/astromechza/livedraw/pkg/testutil"
)

func stroke(seq uint64) session.Delivery {
	return session.Delivery{Record: &strokes.Record{Seq: seq, Color: "black"}}
}

func TestRegisterLookupUnregister(t *testing.T) {
	r := session.NewRegistry(nil)
	c := session.NewConnection("c1", "alice", 4)
	r.Register(c)

	got, ok := r.Lookup("c1")
	if !ok || got != c {
		t.Fatalf("Lookup(c1) = %v, %v", got, ok)
	}
	if r.Count() != 1 {
		t.Errorf("Count() = %d, want 1", r.Count())
	}

	r.Unregister("c1")
	if _, ok := r.Lookup("c1"); ok {
		t.Error("connection still registered")
	}
	testutil.RequireReceive(t, c.Done(), time.Second, "unregister closes the connection")

	r.Unregister("never-registered")
}

func TestDrawingFlag(t *testing.T) {
	r := session.NewRegistry(nil)
	user := session.NewConnection("user", "alice", 1)
	anon := session.NewConnection("anon", "", 1)
	r.Register(user)
	r.Register(anon)

	if !r.IsDrawingEnabled("user") {
		t.Error("authenticated connection should start with drawing enabled")
	}
	if r.IsDrawingEnabled("anon") {
		t.Error("anonymous connection should start with drawing disabled")
	}
	user.SetDrawing(false)
	if r.IsDrawingEnabled("user") {
		t.Error("toggle off not observed")
	}
	if r.IsDrawingEnabled("missing") {
		t.Error("unknown connection reported drawing enabled")
	}
	if anon.Authenticated() || !user.Authenticated() {
		t.Error("Authenticated() mismatch")
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	r := session.NewRegistry(nil)
	a := session.NewConnection("a", "alice", 4)
	b := session.NewConnection("b", "bob", 4)
	c := session.NewConnection("c", "", 4)
	for _, conn := range []*session.Connection{a, b, c} {
		r.Register(conn)
	}

	if n := r.Broadcast(stroke(1), "a"); n != 2 {
		t.Errorf("Broadcast delivered to %d connections, want 2", n)
	}
	testutil.RequireEmpty(t, a.Queue(), "sender must be excluded")
	for _, conn := range []*session.Connection{b, c} {
		d := testutil.RequireReceive(t, conn.Queue(), time.Second, "delivery to %s", conn.ID)
		if d.Record == nil || d.Record.Seq != 1 {
			t.Errorf("%s got %+v", conn.ID, d)
		}
	}
}

func TestSlowConsumerIsIsolated(t *testing.T) {
	r := session.NewRegistry(nil)
	slow := session.NewConnection("slow", "", 1)
	fast := session.NewConnection("fast", "", 8)
	r.Register(slow)
	r.Register(fast)

	r.Broadcast(stroke(1), "")
	r.Broadcast(stroke(2), "")

	testutil.RequireReceive(t, slow.Done(), time.Second, "slow connection closed")
	if !slow.Slow() {
		t.Error("slow connection not flagged")
	}
	if err := slow.Deliver(stroke(3)); !errors.Is(err, session.ErrClosed) {
		t.Errorf("Deliver after close = %v, want ErrClosed", err)
	}

	for want := uint64(1); want <= 2; want++ {
		d := testutil.RequireReceive(t, fast.Queue(), time.Second, "fast delivery %d", want)
		if d.Record.Seq != want {
			t.Errorf("fast got seq %d, want %d", d.Record.Seq, want)
		}
	}
}

func TestMarkSeenOnlyMovesForward(t *testing.T) {
	c := session.NewConnection("c", "alice", 1)
	c.MarkSeen(5)
	c.MarkSeen(3)
	if c.LastSeen() != 5 {
		t.Errorf("LastSeen() = %d, want 5", c.LastSeen())
	}
}

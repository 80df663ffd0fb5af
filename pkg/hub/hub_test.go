package hub_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/astromechza/livedraw/pkg/hub"
	"github.com/astromechza/livedraw/pkg/ink"
	"github.com/astromechza/livedraw/pkg/session"
	"github.com/astromechza/livedraw/pkg/strokes"
	"github.com/astromechza/livedraw/pkg/testutil"
)

type fixture struct {
	hub      *hub.Hub
	registry *session.Registry
	ledger   *ink.Ledger
	store    *strokes.Store
}

func newFixture(t *testing.T, initial int64) *fixture {
	t.Helper()
	db := testutil.OpenDB(t)
	store, err := strokes.New(context.Background(), db, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		registry: session.NewRegistry(nil),
		ledger:   ink.New(db, nil, initial, nil),
		store:    store,
	}
	f.hub = hub.New(f.registry, f.ledger, store, hub.Options{StrokeCost: 1, Width: 100, Height: 100}, nil)
	return f
}

func (f *fixture) connect(t *testing.T, id, user string) *session.Connection {
	t.Helper()
	if user != "" {
		if _, err := f.ledger.Open(context.Background(), user); err != nil {
			t.Fatal(err)
		}
	}
	c := session.NewConnection(id, user, 64)
	f.registry.Register(c)
	return c
}

func line(x float64) hub.Input {
	return hub.Input{PrevX: x, PrevY: x, CurrX: x + 1, CurrY: x + 1, Color: "#000"}
}

func TestAcceptedStrokeIsAcknowledgedAndBroadcast(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	author := f.connect(t, "a", "alice")
	viewer := f.connect(t, "v", "")

	res, err := f.hub.Submit(ctx, "a", line(1))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Accepted || res.Record.Seq != 1 || res.Balance != 9 || res.Record.AuthorID != "alice" {
		t.Fatalf("Submit = %+v", res)
	}

	ack := testutil.RequireReceive(t, author.Queue(), time.Second, "acknowledgment")
	if ack.Record == nil || ack.Record.Seq != 1 || ack.Balance == nil || *ack.Balance != 9 {
		t.Errorf("ack = %+v", ack)
	}
	seen := testutil.RequireReceive(t, viewer.Queue(), time.Second, "broadcast")
	if seen.Record == nil || seen.Record.Seq != 1 || seen.Balance != nil {
		t.Errorf("broadcast = %+v", seen)
	}
	testutil.RequireEmpty(t, author.Queue(), "author must not get its own broadcast")
}

func TestRejectedStrokesHaveNoSideEffects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	broke := f.connect(t, "b", "bob")
	anon := f.connect(t, "anon", "")
	off := f.connect(t, "off", "olive")
	off.SetDrawing(false)
	viewer := f.connect(t, "v", "")

	cases := []struct {
		conn   string
		input  hub.Input
		reason string
	}{
		{"b", line(1), hub.ReasonNoInk},
		{"anon", line(1), hub.ReasonForbidden},
		{"off", line(1), hub.ReasonForbidden},
		{"missing", line(1), hub.ReasonForbidden},
		{"b", hub.Input{CurrX: math.NaN(), Color: "red"}, hub.ReasonInvalid},
		{"b", hub.Input{CurrX: 101, Color: "red"}, hub.ReasonInvalid},
		{"b", hub.Input{CurrY: -1, Color: "red"}, hub.ReasonInvalid},
		{"b", hub.Input{Color: "url(javascript:alert(1))"}, hub.ReasonInvalid},
	}
	for _, tc := range cases {
		res, err := f.hub.Submit(ctx, tc.conn, tc.input)
		if err != nil {
			t.Errorf("%s: %v", tc.conn, err)
			continue
		}
		if res.Accepted || res.Reason != tc.reason {
			t.Errorf("%s %+v: got %+v, want reason %s", tc.conn, tc.input, res, tc.reason)
		}
	}

	if f.store.Head() != 0 {
		t.Errorf("rejected strokes were stored, head = %d", f.store.Head())
	}
	for _, c := range []*session.Connection{broke, anon, off, viewer} {
		testutil.RequireEmpty(t, c.Queue(), "%s received a rejected stroke", c.ID)
	}
	entry, err := f.ledger.Balance(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Balance != 0 {
		t.Errorf("balance = %d", entry.Balance)
	}
}

func TestLastInkUnitRace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	f.connect(t, "tab1", "carol")
	f.connect(t, "tab2", "carol")

	results := make(chan hub.Result, 2)
	var wg sync.WaitGroup
	for _, id := range []string{"tab1", "tab2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.hub.Submit(ctx, id, line(5))
			if err != nil {
				t.Errorf("Submit: %v", err)
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	accepted, noInk := 0, 0
	for res := range results {
		switch {
		case res.Accepted:
			accepted++
		case res.Reason == hub.ReasonNoInk:
			noInk++
		}
	}
	if accepted != 1 || noInk != 1 {
		t.Errorf("accepted %d, no_ink %d; want 1 and 1", accepted, noInk)
	}
	entry, err := f.ledger.Balance(ctx, "carol")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Balance != 0 {
		t.Errorf("final balance = %d, want 0", entry.Balance)
	}
	if f.store.Head() != 1 {
		t.Errorf("head = %d, want 1", f.store.Head())
	}
}

func TestObserversSeeOneGlobalOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	f.connect(t, "a", "alice")
	f.connect(t, "b", "bob")
	obs1 := f.connect(t, "o1", "")
	obs2 := f.connect(t, "o2", "")

	const each = 20
	var wg sync.WaitGroup
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				if _, err := f.hub.Submit(ctx, id, line(float64(i))); err != nil {
					t.Errorf("Submit: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	for _, obs := range []*session.Connection{obs1, obs2} {
		for want := uint64(1); want <= 2*each; want++ {
			d := testutil.RequireReceive(t, obs.Queue(), time.Second, "%s seq %d", obs.ID, want)
			if d.Record.Seq != want {
				t.Fatalf("%s got seq %d, want %d", obs.ID, d.Record.Seq, want)
			}
		}
	}
}

type failingStore struct{}

func (failingStore) Append(context.Context, strokes.Record) (strokes.Record, error) {
	return strokes.Record{}, strokes.ErrUnavailable
}

func TestAppendFailureRefundsInk(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenDB(t)
	registry := session.NewRegistry(nil)
	ledger := ink.New(db, nil, 5, nil)
	h := hub.New(registry, ledger, failingStore{}, hub.Options{Width: 10, Height: 10}, nil)

	if _, err := ledger.Open(ctx, "dave"); err != nil {
		t.Fatal(err)
	}
	author := session.NewConnection("d", "dave", 4)
	viewer := session.NewConnection("v", "", 4)
	registry.Register(author)
	registry.Register(viewer)

	res, err := h.Submit(ctx, "d", line(1))
	if !errors.Is(err, strokes.ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
	if res.Accepted || res.Reason != hub.ReasonUnavailable || res.Balance != 5 {
		t.Errorf("res = %+v", res)
	}
	testutil.RequireEmpty(t, viewer.Queue(), "failed stroke was broadcast")
	testutil.RequireEmpty(t, author.Queue(), "failed stroke was acknowledged")
}

func TestCancelledBeforeConsumeDiscards(t *testing.T) {
	f := newFixture(t, 3)
	f.connect(t, "a", "alice")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.hub.Submit(ctx, "a", line(1)); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	entry, err := f.ledger.Balance(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Balance != 3 || f.store.Head() != 0 {
		t.Errorf("cancelled submit had side effects: balance %d head %d", entry.Balance, f.store.Head())
	}
}

package strokes_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/astromechza/livedraw/pkg/clock"
	"github.com/astromechza/livedraw/pkg/strokes"
	"github.com/astromechza/livedraw/pkg/testutil"
)

func newStore(t *testing.T) *strokes.Store {
	t.Helper()
	store, err := strokes.New(context.Background(), testutil.OpenDB(t), clock.Fake(time.Unix(1700000000, 0)), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store
}

func segment(author string, x float64) strokes.Record {
	return strokes.Record{PrevX: x, PrevY: x, CurrX: x + 1, CurrY: x + 1, Color: "black", AuthorID: author}
}

func TestAppendAssignsSequence(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	in := segment("u1", 10)
	in.Seq = 999
	first, err := store.Append(ctx, in)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if first.Seq != 1 {
		t.Errorf("first Seq = %d, want 1 (client value must be ignored)", first.Seq)
	}
	if first.Timestamp.IsZero() {
		t.Error("Timestamp not assigned")
	}
	second, err := store.Append(ctx, segment("u2", 20))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if second.Seq != 2 {
		t.Errorf("second Seq = %d, want 2", second.Seq)
	}
	if store.Head() != 2 {
		t.Errorf("Head() = %d, want 2", store.Head())
	}
}

func TestConcurrentAppendsAreGapless(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	const writers, each = 8, 25
	var wg sync.WaitGroup
	seen := make(chan uint64, writers*each)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				rec, err := store.Append(ctx, segment("u", float64(i)))
				if err != nil {
					t.Errorf("Append: %v", err)
					return
				}
				seen <- rec.Seq
			}
		}()
	}
	wg.Wait()
	close(seen)

	got := make(map[uint64]bool)
	for seq := range seen {
		if got[seq] {
			t.Fatalf("sequence %d assigned twice", seq)
		}
		got[seq] = true
	}
	for seq := uint64(1); seq <= writers*each; seq++ {
		if !got[seq] {
			t.Fatalf("sequence %d missing", seq)
		}
	}
}

func TestReadPageSizes(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	for i := 0; i < 5; i++ {
		if _, err := store.Append(ctx, segment("u", float64(i))); err != nil {
			t.Fatal(err)
		}
	}

	var sizes []int
	var hasNexts []bool
	var last uint64
	cursor := uint64(0)
	for i := 0; i < 10; i++ {
		page, hasNext, err := store.ReadPage(ctx, cursor, 2)
		if err != nil {
			t.Fatalf("ReadPage: %v", err)
		}
		sizes = append(sizes, len(page))
		hasNexts = append(hasNexts, hasNext)
		for _, rec := range page {
			if rec.Seq <= last {
				t.Fatalf("sequence %d not increasing after %d", rec.Seq, last)
			}
			last = rec.Seq
		}
		if len(page) > 0 {
			cursor = page[len(page)-1].Seq
		}
		if !hasNext {
			break
		}
	}

	if len(sizes) != 3 || sizes[0] != 2 || sizes[1] != 2 || sizes[2] != 1 {
		t.Errorf("page sizes = %v, want [2 2 1]", sizes)
	}
	if len(hasNexts) != 3 || !hasNexts[0] || !hasNexts[1] || hasNexts[2] {
		t.Errorf("hasNext = %v, want [true true false]", hasNexts)
	}
}

func TestReadPageExactMultiple(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	for i := 0; i < 4; i++ {
		if _, err := store.Append(ctx, segment("u", float64(i))); err != nil {
			t.Fatal(err)
		}
	}
	page, hasNext, err := store.ReadPage(ctx, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || hasNext {
		t.Errorf("got %d records hasNext=%v, want 2 records and no next page", len(page), hasNext)
	}

	page, hasNext, err = store.ReadPage(ctx, 4, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 0 || hasNext {
		t.Errorf("read past the head returned %d records hasNext=%v", len(page), hasNext)
	}
}

func TestReadPageRoundTripsFields(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	in := strokes.Record{PrevX: 1.5, PrevY: 2.25, CurrX: 3, CurrY: 4.75, Color: "#ff0000", AuthorID: "author-1"}
	appended, err := store.Append(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	page, _, err := store.ReadPage(ctx, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 {
		t.Fatalf("got %d records", len(page))
	}
	got := page[0]
	if got.PrevX != 1.5 || got.PrevY != 2.25 || got.CurrX != 3 || got.CurrY != 4.75 || got.Color != "#ff0000" || got.AuthorID != "author-1" {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if !got.Timestamp.Equal(appended.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, appended.Timestamp)
	}
}

func TestReadPageRejectsBadSize(t *testing.T) {
	store := newStore(t)
	if _, _, err := store.ReadPage(context.Background(), 0, 0); !errors.Is(err, strokes.ErrInvalidPageSize) {
		t.Errorf("err = %v, want ErrInvalidPageSize", err)
	}
}

func TestHeadSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenDB(t)
	store, err := strokes.New(ctx, db, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := store.Append(ctx, segment("u", 0)); err != nil {
			t.Fatal(err)
		}
	}

	reopened, err := strokes.New(ctx, db, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	rec, err := reopened.Append(ctx, segment("u", 0))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Seq != 4 {
		t.Errorf("Seq after reopen = %d, want 4", rec.Seq)
	}
}

func TestClosedDatabaseIsUnavailable(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenDB(t)
	store, err := strokes.New(ctx, db, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	_ = db.Close()

	if _, err := store.Append(ctx, segment("u", 0)); !errors.Is(err, strokes.ErrUnavailable) {
		t.Errorf("Append err = %v, want ErrUnavailable", err)
	}
	if store.Head() != 0 {
		t.Errorf("failed append moved the head to %d", store.Head())
	}
	if page, _, err := store.ReadPage(ctx, 0, 10); !errors.Is(err, strokes.ErrUnavailable) || page != nil {
		t.Errorf("ReadPage = %v, %v; want nil page and ErrUnavailable", page, err)
	}
}

package payment_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/astromechza/livedraw/pkg/ink"
	"github.com/astromechza/livedraw/pkg/payment"
	"github.com/astromechza/livedraw/pkg/testutil"
)

func newService(t *testing.T) (*payment.Service, *ink.Ledger) {
	t.Helper()
	db := testutil.OpenDB(t)
	ledger := ink.New(db, nil, 0, nil)
	if _, err := ledger.Open(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}
	return payment.New(db, ledger, "gbp", nil, nil), ledger
}

func TestCatalogOrder(t *testing.T) {
	opts := payment.Catalog()
	if len(opts) != 3 || opts[0].ID != "option_1" || opts[2].Ink != 2400 {
		t.Errorf("Catalog() = %+v", opts)
	}
}

func TestCreateCheckout(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	c, err := svc.CreateCheckout(ctx, "alice", "option_2")
	if err != nil {
		t.Fatal(err)
	}
	if c.Amount != 699 || c.Ink != 1200 || c.Currency != "gbp" || c.Status != payment.StatusPending {
		t.Errorf("checkout = %+v", c)
	}
	stored, err := svc.Get(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.UserID != "alice" || stored.Status != payment.StatusPending {
		t.Errorf("stored = %+v", stored)
	}

	if _, err := svc.CreateCheckout(ctx, "alice", "option_9"); !errors.Is(err, payment.ErrUnknownOption) {
		t.Errorf("err = %v, want ErrUnknownOption", err)
	}
}

func TestDuplicateConfirmationCreditsOnce(t *testing.T) {
	ctx := context.Background()
	svc, ledger := newService(t)
	c, err := svc.CreateCheckout(ctx, "alice", "option_1")
	if err != nil {
		t.Fatal(err)
	}

	var credited atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := svc.Confirm(ctx, c.ID)
			if err != nil {
				t.Errorf("Confirm: %v", err)
			}
			if ok {
				credited.Add(1)
			}
		}()
	}
	wg.Wait()

	if credited.Load() != 1 {
		t.Errorf("%d confirmations credited, want 1", credited.Load())
	}
	entry, err := ledger.Balance(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Balance != 500 {
		t.Errorf("balance = %d, want 500", entry.Balance)
	}
	paid, err := svc.Get(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if paid.Status != payment.StatusPaid || paid.PaidAt.IsZero() {
		t.Errorf("checkout = %+v", paid)
	}
}

func TestConfirmUnknownCheckout(t *testing.T) {
	svc, _ := newService(t)
	if _, _, err := svc.Confirm(context.Background(), "nope"); !errors.Is(err, payment.ErrUnknownCheckout) {
		t.Errorf("err = %v", err)
	}
}

func TestFailedCreditRevertsToPending(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	c, err := svc.CreateCheckout(ctx, "ghost", "option_3")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.Confirm(ctx, c.ID); !errors.Is(err, ink.ErrUnknownAccount) {
		t.Fatalf("err = %v, want ErrUnknownAccount", err)
	}
	got, err := svc.Get(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != payment.StatusPending || !got.PaidAt.IsZero() {
		t.Errorf("checkout after failed credit = %+v", got)
	}
}

func TestSignatures(t *testing.T) {
	secret := []byte("whsec")
	body := []byte(`{"checkout_id":"abc"}`)
	sig := payment.Sign(secret, body)

	if err := payment.VerifySignature(secret, body, sig); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}
	for _, tc := range []struct {
		secret []byte
		body   []byte
		sig    string
	}{
		{secret, []byte(`{"checkout_id":"abd"}`), sig},
		{[]byte("other"), body, sig},
		{secret, body, "not-hex"},
		{nil, body, payment.Sign(nil, body)},
	} {
		if err := payment.VerifySignature(tc.secret, tc.body, tc.sig); !errors.Is(err, payment.ErrBadSignature) {
			t.Errorf("VerifySignature(%s) err = %v", tc.body, err)
		}
	}
}

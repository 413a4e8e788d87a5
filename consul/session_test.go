package consul

import (
	"context"
	"testing"
)

func TestSessionRenewAndDestroy(t *testing.T) {
	f := newFakeConsul()
	srv := f.server()
	defer srv.Close()

	c := New(Address(srv.URL))
	ctx := context.Background()

	s := NewSession(c)
	if err := s.Create(ctx, 15, BehaviorDelete); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.ID() == "" {
		t.Fatalf("expected non-empty session id")
	}

	ok, err := s.Renew(ctx)
	if err != nil || !ok {
		t.Fatalf("Renew: ok=%v err=%v", ok, err)
	}

	ok, err = s.Destroy(ctx)
	if err != nil || !ok {
		t.Fatalf("Destroy: ok=%v err=%v", ok, err)
	}

	// Renewing a destroyed session reports not-found, not an error.
	ok, err = s.Renew(ctx)
	if err != nil {
		t.Fatalf("Renew after destroy: %v", err)
	}
	if ok {
		t.Fatalf("expected Renew to report false after Destroy")
	}
}

func TestSessionDestroyDeletesAcquiredEntries(t *testing.T) {
	f := newFakeConsul()
	srv := f.server()
	defer srv.Close()

	c := New(Address(srv.URL))
	ctx := context.Background()

	s := NewSession(c)
	if err := s.Create(ctx, 15, BehaviorDelete); err != nil {
		t.Fatal(err)
	}

	ok, err := c.Put(ctx, "held", []byte("v"), nil, s.ID())
	if err != nil || !ok {
		t.Fatalf("Put acquire: ok=%v err=%v", ok, err)
	}

	if _, err := s.Destroy(ctx); err != nil {
		t.Fatal(err)
	}

	entry, _, err := c.Get(ctx, "held", GetOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if entry != nil {
		t.Fatalf("expected session-acquired entry to be gone after destroy, got %+v", entry)
	}
}

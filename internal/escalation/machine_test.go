package escalation

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

func newMachine(t *testing.T) *Machine {
	t.Helper()
	st, err := storage.Open(storage.Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "notifyd.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st, logx.Nop())
}

func TestAdvanceIsMonotonic(t *testing.T) {
	t.Parallel()
	m := newMachine(t)
	ctx := context.Background()
	next := time.Now().Add(24 * time.Hour)

	for want := 1; want <= 3; want++ {
		st, err := m.Advance(ctx, "invoice", "INV-1", "R1", "N1", next)
		if err != nil {
			t.Fatalf("advance %d: %v", want, err)
		}
		if st.CurrentLevel != want {
			t.Fatalf("level = %d, want %d", st.CurrentLevel, want)
		}
	}
}

func TestResolvedStateRefusesAdvance(t *testing.T) {
	t.Parallel()
	m := newMachine(t)
	ctx := context.Background()
	next := time.Now().Add(24 * time.Hour)

	for i := 0; i < 3; i++ {
		if _, err := m.Advance(ctx, "invoice", "INV-1", "R1", "N1", next); err != nil {
			t.Fatalf("advance: %v", err)
		}
	}
	ok, err := m.Resolve(ctx, "invoice", "INV-1", "R1", "paid")
	if err != nil || !ok {
		t.Fatalf("resolve: ok=%v err=%v", ok, err)
	}

	st, err := m.Advance(ctx, "invoice", "INV-1", "R1", "N2", next)
	if !errors.Is(err, ErrResolved) {
		t.Fatalf("advance after resolve err = %v, want ErrResolved", err)
	}
	if st.CurrentLevel != 3 {
		t.Fatalf("level after refused advance = %d, want 3", st.CurrentLevel)
	}

	// Resolve is not repeatable either.
	ok, err = m.Resolve(ctx, "invoice", "INV-1", "R1", "paid again")
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if ok {
		t.Fatal("second resolve reported a transition")
	}
}

func TestResetReturnsToLevelZero(t *testing.T) {
	t.Parallel()
	m := newMachine(t)
	ctx := context.Background()

	if _, err := m.Advance(ctx, "invoice", "INV-1", "R1", "N1", time.Time{}); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := m.Resolve(ctx, "invoice", "INV-1", "R1", "paid"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	ok, err := m.Reset(ctx, "invoice", "INV-1", "R1")
	if err != nil || !ok {
		t.Fatalf("reset: ok=%v err=%v", ok, err)
	}

	st, err := m.GetOrCreate(ctx, "invoice", "INV-1", "R1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if st.CurrentLevel != 0 || st.IsResolved || !st.ResolvedAt.IsZero() {
		t.Fatalf("state after reset = %+v", st)
	}

	// And it advances again from scratch.
	st, err = m.Advance(ctx, "invoice", "INV-1", "R1", "N3", time.Time{})
	if err != nil || st.CurrentLevel != 1 {
		t.Fatalf("advance after reset: level=%d err=%v", st.CurrentLevel, err)
	}
}

func TestResolveAllForEntity(t *testing.T) {
	t.Parallel()
	m := newMachine(t)
	ctx := context.Background()

	for _, r := range []string{"R1", "R2", "R3"} {
		if _, err := m.Advance(ctx, "invoice", "INV-1", r, "N1", time.Time{}); err != nil {
			t.Fatalf("advance %s: %v", r, err)
		}
	}
	if _, err := m.Resolve(ctx, "invoice", "INV-1", "R3", "individually resolved"); err != nil {
		t.Fatalf("resolve R3: %v", err)
	}

	n, err := m.ResolveAllForEntity(ctx, "invoice", "INV-1", "invoice paid")
	if err != nil {
		t.Fatalf("resolve all: %v", err)
	}
	if n != 2 {
		t.Fatalf("resolved = %d, want 2", n)
	}

	sum, err := m.Summary(ctx, "invoice", "INV-1")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.Unresolved != 0 || sum.TotalNotifications != 3 || len(sum.States) != 3 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestDueReturnsOnlyArrivedUnresolved(t *testing.T) {
	t.Parallel()
	m := newMachine(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := m.Advance(ctx, "invoice", "INV-1", "R1", "N1", now.Add(-time.Minute)); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := m.Advance(ctx, "invoice", "INV-2", "R1", "N1", now.Add(time.Hour)); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := m.Advance(ctx, "invoice", "INV-3", "R1", "N1", now.Add(-time.Minute)); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := m.Resolve(ctx, "invoice", "INV-3", "R1", "paid"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	due, err := m.Due(ctx, "invoice", 0)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 || due[0].EntityID != "INV-1" {
		t.Fatalf("due = %+v", due)
	}
}

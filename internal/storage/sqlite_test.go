package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"notifyd/internal/notification"
	logx "notifyd/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "notifyd.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testQueueItem(key string) *notification.QueueItem {
	return &notification.QueueItem{
		RecipientID:    "R1",
		RecipientEmail: "r1@example.com",
		Channel:        notification.ChannelEmail,
		Subject:        "Invoice due",
		Body:           "pay up",
		Priority:       notification.PriorityNormal,
		Status:         notification.StatusPending,
		DedupKey:       key,
		ScheduledFor:   time.Now().Add(-time.Minute),
		MaxAttempts:    notification.DefaultMaxAttempts,
	}
}

func TestQueueDedupIndexRejectsActiveDuplicate(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.InsertQueueItem(ctx, testQueueItem("email:payment:invoice:INV-1:R1")); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := st.InsertQueueItem(ctx, testQueueItem("email:payment:invoice:INV-1:R1"))
	if !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("second insert err = %v, want ErrDuplicateKey", err)
	}

	// Distinct keys coexist.
	if err := st.InsertQueueItem(ctx, testQueueItem("email:payment:invoice:INV-2:R1")); err != nil {
		t.Fatalf("distinct key insert: %v", err)
	}
}

func TestQueueDedupIndexFreesKeyOnTerminalStatus(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	item := testQueueItem("email:payment:invoice:INV-5:R1")
	if err := st.InsertQueueItem(ctx, item); err != nil {
		t.Fatalf("insert: %v", err)
	}
	ok, err := st.UpdateQueueStatus(ctx, item.ID,
		[]notification.QueueStatus{notification.StatusPending}, notification.StatusCancelled, "")
	if err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}
	// Cancelled rows leave the active index, so the key is usable again.
	if err := st.InsertQueueItem(ctx, testQueueItem("email:payment:invoice:INV-5:R1")); err != nil {
		t.Fatalf("re-enqueue after cancel: %v", err)
	}
}

func TestUpdateQueueStatusGuard(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	item := testQueueItem("")
	if err := st.InsertQueueItem(ctx, item); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ok, err := st.UpdateQueueStatus(ctx, item.ID,
		[]notification.QueueStatus{notification.StatusPending}, notification.StatusProcessing, "")
	if err != nil || !ok {
		t.Fatalf("pending->processing: ok=%v err=%v", ok, err)
	}
	// Second claim must lose the guard.
	ok, err = st.UpdateQueueStatus(ctx, item.ID,
		[]notification.QueueStatus{notification.StatusPending}, notification.StatusProcessing, "")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if ok {
		t.Fatal("second claim succeeded, guard did not hold")
	}
}

func TestDueQueueItemsOrdering(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	low := testQueueItem("")
	low.Priority = notification.PriorityLow
	low.ScheduledFor = now.Add(-3 * time.Minute)
	urgent := testQueueItem("")
	urgent.Priority = notification.PriorityUrgent
	urgent.ScheduledFor = now.Add(-time.Minute)
	future := testQueueItem("")
	future.ScheduledFor = now.Add(time.Hour)
	for _, it := range []*notification.QueueItem{low, urgent, future} {
		if err := st.InsertQueueItem(ctx, it); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	due, err := st.DueQueueItems(ctx, now, 50, "")
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("due count = %d, want 2", len(due))
	}
	if due[0].ID != urgent.ID || due[1].ID != low.ID {
		t.Fatalf("order = [%s %s], want urgent first", due[0].ID, due[1].ID)
	}
}

func TestResetForRetryOnlyFailed(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	item := testQueueItem("")
	if err := st.InsertQueueItem(ctx, item); err != nil {
		t.Fatalf("insert: %v", err)
	}
	ok, err := st.ResetForRetry(ctx, item.ID, now)
	if err != nil {
		t.Fatalf("retry pending: %v", err)
	}
	if ok {
		t.Fatal("retry of pending item must be refused")
	}

	if err := st.RecordAttempt(ctx, item.ID, notification.StatusFailed, 1, now, time.Time{}, "smtp timeout"); err != nil {
		t.Fatalf("record attempt: %v", err)
	}
	ok, err = st.ResetForRetry(ctx, item.ID, now)
	if err != nil || !ok {
		t.Fatalf("retry failed item: ok=%v err=%v", ok, err)
	}
	got, err := st.GetQueueItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != notification.StatusPending || got.ErrorMessage != "" {
		t.Fatalf("after retry: status=%s err=%q", got.Status, got.ErrorMessage)
	}
}

func TestReapStuckProcessing(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	item := testQueueItem("")
	if err := st.InsertQueueItem(ctx, item); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := st.RecordAttempt(ctx, item.ID, notification.StatusProcessing, 1, now.Add(-30*time.Minute), time.Time{}, ""); err != nil {
		t.Fatalf("record attempt: %v", err)
	}

	n, err := st.ReapStuckProcessing(ctx, now.Add(-15*time.Minute), now)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if n != 1 {
		t.Fatalf("reaped = %d, want 1", n)
	}
	got, _ := st.GetQueueItem(ctx, item.ID)
	if got.Status != notification.StatusPending || got.Attempts != 2 {
		t.Fatalf("after reap: status=%s attempts=%d", got.Status, got.Attempts)
	}
}

func TestHistoryDedupLookup(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	e := &notification.HistoryEntry{
		RecipientID: "R1",
		Channel:     notification.ChannelEmail,
		Status:      notification.HistorySent,
		SentAt:      now,
		Metadata: map[string]any{
			"deduplication_key": "email:payment:invoice:INV-7:R1",
		},
	}
	if err := st.AppendHistory(ctx, e); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := st.FindHistoryByDedupKey(ctx, "email:payment:invoice:INV-7:R1", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got == nil || got.ID != e.ID {
		t.Fatalf("find returned %+v", got)
	}
	// Cutoff after creation excludes the row.
	got, err = st.FindHistoryByDedupKey(ctx, "email:payment:invoice:INV-7:R1", now.Add(time.Hour))
	if err != nil {
		t.Fatalf("find with future cutoff: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no row past cutoff, got %+v", got)
	}
}

func TestEscalationAdvanceGuard(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	es := &notification.EscalationState{
		EntityType: "invoice",
		EntityID:   "INV-1",
		ResidentID: "R1",
	}
	if err := st.InsertEscalation(ctx, es); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ok, err := st.AdvanceEscalation(ctx, es.ID, 0, "N1", now, now.Add(24*time.Hour))
	if err != nil || !ok {
		t.Fatalf("advance 0->1: ok=%v err=%v", ok, err)
	}
	// Stale fromLevel loses.
	ok, err = st.AdvanceEscalation(ctx, es.ID, 0, "N2", now, time.Time{})
	if err != nil {
		t.Fatalf("stale advance: %v", err)
	}
	if ok {
		t.Fatal("stale advance succeeded")
	}

	if ok, err := st.ResolveEscalation(ctx, "invoice", "INV-1", "R1", "paid", now); err != nil || !ok {
		t.Fatalf("resolve: ok=%v err=%v", ok, err)
	}
	// Resolved rows never advance.
	ok, err = st.AdvanceEscalation(ctx, es.ID, 1, "N3", now, time.Time{})
	if err != nil {
		t.Fatalf("advance resolved: %v", err)
	}
	if ok {
		t.Fatal("advance of resolved state succeeded")
	}

	got, err := st.GetEscalation(ctx, "invoice", "INV-1", "R1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CurrentLevel != 1 || !got.IsResolved || got.ResolvedReason != "paid" {
		t.Fatalf("state = %+v", got)
	}
}

func TestPreferenceRoundTripAndAbsence(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	got, err := st.GetPreference(ctx, "R1", notification.CategoryPayment, notification.ChannelEmail)
	if err != nil {
		t.Fatalf("get absent: %v", err)
	}
	if got != nil {
		t.Fatalf("absent preference = %+v, want nil", got)
	}

	p := &notification.Preference{
		ResidentID: "R1",
		Category:   notification.CategoryPayment,
		Channel:    notification.ChannelEmail,
		Enabled:    false,
		Frequency:  notification.FrequencyAll,
		QuietStart: "22:00",
		QuietEnd:   "06:00",
	}
	if err := st.UpsertPreference(ctx, p); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err = st.GetPreference(ctx, "R1", notification.CategoryPayment, notification.ChannelEmail)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Enabled || got.QuietStart != "22:00" || got.QuietEnd != "06:00" {
		t.Fatalf("preference = %+v", got)
	}

	// Upsert replaces in place.
	p.Enabled = true
	if err := st.UpsertPreference(ctx, p); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	got, _ = st.GetPreference(ctx, "R1", notification.CategoryPayment, notification.ChannelEmail)
	if !got.Enabled {
		t.Fatal("upsert did not update enabled flag")
	}
}

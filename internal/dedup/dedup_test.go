package dedup

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"notifyd/internal/notification"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

func openTestStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "notifyd.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestKeyRoundTrip(t *testing.T) {
	t.Parallel()
	key := GenerateKey(notification.ChannelEmail, notification.CategoryPayment, "invoice", "INV-2025-001", "R42")
	if key != "email:payment:invoice:INV-2025-001:R42" {
		t.Fatalf("key = %q", key)
	}
	parsed, err := ParseKey(key)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.String() != key {
		t.Fatalf("round trip = %q, want %q", parsed.String(), key)
	}
	if parsed.EntityID != "INV-2025-001" || parsed.ResidentID != "R42" {
		t.Fatalf("parsed = %+v", parsed)
	}
}

func TestParseKeyRejectsMalformed(t *testing.T) {
	t.Parallel()
	for _, key := range []string{
		"",
		"email:payment:invoice:INV-1",
		"email:payment:invoice:INV-1:R1:extra",
		"email::invoice:INV-1:R1",
	} {
		if _, err := ParseKey(key); !errors.Is(err, ErrMalformedKey) {
			t.Errorf("ParseKey(%q) err = %v, want ErrMalformedKey", key, err)
		}
	}
}

func TestCheckFindsQueueDuplicate(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	key := GenerateKey(notification.ChannelEmail, notification.CategoryPayment, "invoice", "INV-1", "R1")

	item := &notification.QueueItem{
		RecipientID:  "R1",
		Channel:      notification.ChannelEmail,
		Body:         "b",
		Status:       notification.StatusPending,
		DedupKey:     key,
		ScheduledFor: time.Now(),
		MaxAttempts:  notification.DefaultMaxAttempts,
	}
	if err := st.InsertQueueItem(ctx, item); err != nil {
		t.Fatalf("insert: %v", err)
	}

	svc := New(st, logx.Nop())
	res, err := svc.Check(ctx, key, 0)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.IsDuplicate || res.Source != "queue" || res.ExistingID != item.ID {
		t.Fatalf("result = %+v", res)
	}

	ok, err := svc.ShouldQueue(ctx, key, 0)
	if err != nil {
		t.Fatalf("should queue: %v", err)
	}
	if ok {
		t.Fatal("ShouldQueue must be false for a queued key")
	}
}

func TestCheckWindowBoundary(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	key := GenerateKey(notification.ChannelEmail, notification.CategoryPayment, "invoice", "INV-2", "R1")
	sentAt := time.Now().Add(-DefaultWindow)

	// One history row created exactly one window ago.
	if err := st.AppendHistory(ctx, &notification.HistoryEntry{
		RecipientID: "R1",
		Channel:     notification.ChannelEmail,
		Status:      notification.HistorySent,
		SentAt:      sentAt,
		CreatedAt:   sentAt,
		Metadata:    map[string]any{"deduplication_key": key},
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	svc := New(st, logx.Nop())

	// Window widened by a minute still covers the row.
	res, err := svc.Check(ctx, key, DefaultWindow+time.Minute)
	if err != nil {
		t.Fatalf("check wide: %v", err)
	}
	if !res.IsDuplicate || res.Source != "history" {
		t.Fatalf("wide window: %+v", res)
	}

	// Window narrowed by a minute has expired the row.
	res, err = svc.Check(ctx, key, DefaultWindow-time.Minute)
	if err != nil {
		t.Fatalf("check narrow: %v", err)
	}
	if res.IsDuplicate {
		t.Fatalf("narrow window: %+v", res)
	}
}

func TestCheckEmptyKeyNeverDuplicates(t *testing.T) {
	t.Parallel()
	svc := New(openTestStore(t), logx.Nop())
	res, err := svc.Check(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.IsDuplicate {
		t.Fatal("empty key must never be a duplicate")
	}
}

func TestEntityRecords(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	for _, resident := range []string{"R1", "R2"} {
		key := GenerateKey(notification.ChannelEmail, notification.CategoryPayment, "invoice", "INV-9", resident)
		if err := st.InsertQueueItem(ctx, &notification.QueueItem{
			RecipientID:  resident,
			Channel:      notification.ChannelEmail,
			Body:         "b",
			Status:       notification.StatusPending,
			DedupKey:     key,
			ScheduledFor: time.Now(),
			MaxAttempts:  notification.DefaultMaxAttempts,
		}); err != nil {
			t.Fatalf("insert %s: %v", resident, err)
		}
	}

	svc := New(st, logx.Nop())
	items, entries, err := svc.EntityRecords(ctx, "invoice", "INV-9")
	if err != nil {
		t.Fatalf("entity records: %v", err)
	}
	if len(items) != 2 || len(entries) != 0 {
		t.Fatalf("items=%d entries=%d, want 2/0", len(items), len(entries))
	}
}

func TestCleanupPurgesOldTerminalRows(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	old := &notification.QueueItem{
		RecipientID:  "R1",
		Channel:      notification.ChannelEmail,
		Body:         "b",
		Status:       notification.StatusPending,
		ScheduledFor: time.Now(),
		MaxAttempts:  notification.DefaultMaxAttempts,
		CreatedAt:    time.Now().Add(-40 * 24 * time.Hour),
	}
	if err := st.InsertQueueItem(ctx, old); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := st.UpdateQueueStatus(ctx, old.ID,
		[]notification.QueueStatus{notification.StatusPending}, notification.StatusCancelled, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	svc := New(st, logx.Nop())
	n, err := svc.Cleanup(ctx, 0)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged = %d, want 1", n)
	}
	got, err := st.GetQueueItem(ctx, old.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatal("purged row still present")
	}
}

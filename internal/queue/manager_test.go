package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"notifyd/internal/dedup"
	"notifyd/internal/dispatch"
	"notifyd/internal/notification"
	"notifyd/internal/preference"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

type fakeSender struct {
	ch   notification.Channel
	err  error
	sent int
}

func (f *fakeSender) Channel() notification.Channel { return f.ch }

func (f *fakeSender) Send(ctx context.Context, item *notification.QueueItem) (string, error) {
	f.sent++
	return "msg-ext", f.err
}

type harness struct {
	store   storage.Store
	sender  *fakeSender
	manager *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := storage.Open(storage.Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "notifyd.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	sender := &fakeSender{ch: notification.ChannelEmail}
	reg := dispatch.NewRegistry(sender)
	m := NewManager(st,
		dedup.New(st, logx.Nop()),
		preference.New(st, reg, logx.Nop()),
		dispatch.NewDispatcher(reg, st, logx.Nop()),
		logx.Nop())
	return &harness{store: st, sender: sender, manager: m}
}

func invoiceItem(resident string) *notification.QueueItem {
	return &notification.QueueItem{
		RecipientID:    resident,
		RecipientEmail: resident + "@example.com",
		Channel:        notification.ChannelEmail,
		Subject:        "Invoice due",
		Body:           "please pay",
	}
}

func invoiceOpts() EnqueueOptions {
	return EnqueueOptions{
		Category:   notification.CategoryPayment,
		EntityType: "invoice",
		EntityID:   "INV-1",
	}
}

func TestEnqueueProcessAndDeduplicate(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	if err := h.manager.Enqueue(ctx, invoiceItem("R1"), invoiceOpts()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	res, err := h.manager.ProcessDue(ctx, "")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Processed != 1 || res.Sent != 1 || res.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}
	if h.sender.sent != 1 {
		t.Fatalf("sender called %d times", h.sender.sent)
	}

	entries, err := h.store.ListHistory(ctx, "R1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("history rows = %d, want 1", len(entries))
	}
	if got := entries[0].Metadata["deduplication_key"]; got != "email:payment:invoice:INV-1:R1" {
		t.Fatalf("deduplication_key = %v", got)
	}

	// The sent row keeps the key hot for the whole window.
	err = h.manager.Enqueue(ctx, invoiceItem("R1"), invoiceOpts())
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("re-enqueue err = %v, want ErrDuplicate", err)
	}

	// An explicit resend bypasses the window.
	if err := h.manager.Enqueue(ctx, invoiceItem("R1"), EnqueueOptions{
		Category: notification.CategoryPayment, SkipDedup: true,
	}); err != nil {
		t.Fatalf("skip-dedup enqueue: %v", err)
	}
}

func TestEnqueueBlockedByPreference(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	if err := h.store.UpsertPreference(ctx, &notification.Preference{
		ResidentID: "R1",
		Category:   notification.CategoryPayment,
		Channel:    notification.ChannelEmail,
		Enabled:    false,
		Frequency:  notification.FrequencyAll,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	err := h.manager.Enqueue(ctx, invoiceItem("R1"), invoiceOpts())
	if !errors.Is(err, ErrBlocked) {
		t.Fatalf("err = %v, want ErrBlocked", err)
	}
	if err := h.manager.Enqueue(ctx, invoiceItem("R1"), EnqueueOptions{
		Category:       notification.CategoryPayment,
		SkipPreference: true,
	}); err != nil {
		t.Fatalf("skip-preference enqueue: %v", err)
	}
}

func TestEnqueueBatchSkipsDuplicates(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	// R2 already has this invoice queued.
	if err := h.manager.Enqueue(ctx, invoiceItem("R2"), invoiceOpts()); err != nil {
		t.Fatalf("seed enqueue: %v", err)
	}

	res, err := h.manager.EnqueueBatch(ctx, []*notification.QueueItem{
		invoiceItem("R1"),
		invoiceItem("R2"),
		invoiceItem("R3"),
		invoiceItem("R3"), // duplicate within the batch itself
	}, invoiceOpts())
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if res.Queued != 2 || res.Skipped != 2 {
		t.Fatalf("result = %+v reasons=%v", res, res.Reasons)
	}

	counts, err := h.manager.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if counts[notification.StatusPending] != 3 {
		t.Fatalf("pending = %d, want 3", counts[notification.StatusPending])
	}
}

func TestProcessDueFailsExhaustedItemWithoutSending(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	item := invoiceItem("R1")
	item.Status = notification.StatusPending
	item.Attempts = notification.DefaultMaxAttempts
	item.MaxAttempts = notification.DefaultMaxAttempts
	item.ScheduledFor = time.Now().Add(-time.Minute)
	if err := h.store.InsertQueueItem(ctx, item); err != nil {
		t.Fatalf("insert: %v", err)
	}

	res, err := h.manager.ProcessDue(ctx, "")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Failed != 1 || res.Sent != 0 {
		t.Fatalf("result = %+v", res)
	}
	if h.sender.sent != 0 {
		t.Fatal("exhausted item must not reach the transport")
	}
	got, _ := h.store.GetQueueItem(ctx, item.ID)
	if got.Status != notification.StatusFailed || got.ErrorMessage != "Max attempts exceeded" {
		t.Fatalf("row = status=%s err=%q", got.Status, got.ErrorMessage)
	}
}

func TestProcessDueIsolatesFailures(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.sender.err = errors.New("smtp down")
	if err := h.manager.Enqueue(ctx, invoiceItem("R1"), EnqueueOptions{Category: notification.CategoryPayment}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := h.manager.Enqueue(ctx, invoiceItem("R2"), EnqueueOptions{Category: notification.CategoryPayment}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	res, err := h.manager.ProcessDue(ctx, "")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Processed != 2 || res.Failed != 2 || len(res.Errors) != 2 {
		t.Fatalf("result = %+v", res)
	}

	// Both failed items are retryable.
	for _, pe := range res.Errors {
		ok, err := h.manager.Retry(ctx, pe.QueueID)
		if err != nil || !ok {
			t.Fatalf("retry %s: ok=%v err=%v", pe.QueueID, ok, err)
		}
	}
	h.sender.err = nil
	res, err = h.manager.ProcessDue(ctx, "")
	if err != nil {
		t.Fatalf("second process: %v", err)
	}
	if res.Sent != 2 {
		t.Fatalf("second pass = %+v", res)
	}
}

func TestCancelOnlyActiveItems(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	if err := h.manager.Enqueue(ctx, invoiceItem("R1"), invoiceOpts()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	items, err := h.manager.List(ctx, storage.QueueFilter{Status: notification.StatusPending})
	if err != nil || len(items) != 1 {
		t.Fatalf("list: %v (%d items)", err, len(items))
	}
	id := items[0].ID

	ok, err := h.manager.Cancel(ctx, id)
	if err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}
	// Second cancel is a no-op, not an error.
	ok, err = h.manager.Cancel(ctx, id)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if ok {
		t.Fatal("second cancel reported a transition")
	}

	// Retry does not apply to cancelled items.
	ok, err = h.manager.Retry(ctx, id)
	if err != nil {
		t.Fatalf("retry cancelled: %v", err)
	}
	if ok {
		t.Fatal("retry of cancelled item must be refused")
	}
}

func TestReapStuck(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	item := invoiceItem("R1")
	item.Status = notification.StatusPending
	item.ScheduledFor = time.Now()
	item.MaxAttempts = notification.DefaultMaxAttempts
	if err := h.store.InsertQueueItem(ctx, item); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := h.store.RecordAttempt(ctx, item.ID, notification.StatusProcessing, 1,
		time.Now().Add(-time.Hour), time.Time{}, ""); err != nil {
		t.Fatalf("record attempt: %v", err)
	}

	n, err := h.manager.ReapStuck(ctx)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if n != 1 {
		t.Fatalf("reaped = %d, want 1", n)
	}
}

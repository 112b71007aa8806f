// Package queue owns the delivery queue: admission (with preference and
// duplicate checks), batch processing, cancel/retry and stuck-item
// reclamation.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"notifyd/internal/dedup"
	"notifyd/internal/dispatch"
	"notifyd/internal/notification"
	"notifyd/internal/preference"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

// DefaultBatchSize bounds one ProcessDue pass.
const DefaultBatchSize = 50

// StuckThreshold is how long an item may sit in processing before the
// reaper returns it to pending.
const StuckThreshold = 15 * time.Minute

var (
	// ErrDuplicate means the deduplication window suppressed the enqueue.
	ErrDuplicate = errors.New("duplicate notification suppressed")
	// ErrBlocked means the resident's preference refused the enqueue.
	ErrBlocked = errors.New("blocked by preference")
)

// Manager coordinates queue admission and processing.
type Manager struct {
	store      storage.Store
	dedup      *dedup.Service
	prefs      *preference.Filter
	dispatcher *dispatch.Dispatcher
	log        logx.Logger

	batchSize int
	now       func() time.Time
}

func NewManager(store storage.Store, dd *dedup.Service, prefs *preference.Filter, dispatcher *dispatch.Dispatcher, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		store:      store,
		dedup:      dd,
		prefs:      prefs,
		dispatcher: dispatcher,
		log:        log,
		batchSize:  DefaultBatchSize,
		now:        time.Now,
	}
}

// SetBatchSize overrides the ProcessDue batch size. Values <= 0 keep the
// current size.
func (m *Manager) SetBatchSize(n int) {
	if n > 0 {
		m.batchSize = n
	}
}

// EnqueueOptions carries admission context that is not part of the rendered
// item itself.
type EnqueueOptions struct {
	// Category drives the preference lookup and the deduplication key.
	Category notification.Category
	// EntityType/EntityID identify the business object behind the
	// notification. Both set enables deduplication.
	EntityType string
	EntityID   string
	// Window overrides the deduplication window. 0 means the default.
	Window time.Duration
	// SkipDedup bypasses the duplicate check, for operator resends.
	SkipDedup bool
	// SkipPreference bypasses the preference check.
	SkipPreference bool
}

// Enqueue admits one item to the queue. Returns ErrBlocked or ErrDuplicate
// (possibly wrapped) when admission is refused.
func (m *Manager) Enqueue(ctx context.Context, item *notification.QueueItem, opts EnqueueOptions) error {
	m.applyDefaults(item)

	if !opts.SkipPreference && m.prefs != nil && opts.Category != "" {
		d := m.prefs.Check(ctx, item.RecipientID, opts.Category, item.Channel)
		if !d.ShouldSend {
			return fmt.Errorf("%w: %s", ErrBlocked, d.Reason)
		}
	}

	if !opts.SkipDedup && opts.EntityType != "" && opts.EntityID != "" {
		item.DedupKey = dedup.GenerateKey(item.Channel, opts.Category, opts.EntityType, opts.EntityID, item.RecipientID)
		item.DedupWindow = opts.Window
		ok, err := m.dedup.ShouldQueue(ctx, item.DedupKey, opts.Window)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrDuplicate, item.DedupKey)
		}
	}

	if err := m.store.InsertQueueItem(ctx, item); err != nil {
		// A concurrent enqueue can win between the check and the insert;
		// the unique index turns that race into a duplicate, not an error.
		if errors.Is(err, storage.ErrDuplicateKey) {
			return fmt.Errorf("%w: %s", ErrDuplicate, item.DedupKey)
		}
		return err
	}
	m.audit(ctx, "queue.enqueue", opts.EntityType, opts.EntityID, map[string]any{
		"queue_id": item.ID,
		"channel":  string(item.Channel),
		"priority": notification.PriorityLabel(item.Priority),
	})
	return nil
}

// BatchResult summarizes one EnqueueBatch call.
type BatchResult struct {
	Queued  int
	Skipped int
	Reasons []string
}

// EnqueueBatch admits many items, skipping individual refusals instead of
// failing the batch. Admitted items are written in one transaction.
func (m *Manager) EnqueueBatch(ctx context.Context, items []*notification.QueueItem, opts EnqueueOptions) (BatchResult, error) {
	var res BatchResult
	admitted := make([]*notification.QueueItem, 0, len(items))
	seen := make(map[string]bool, len(items))

	for _, item := range items {
		m.applyDefaults(item)

		if !opts.SkipPreference && m.prefs != nil && opts.Category != "" {
			if d := m.prefs.Check(ctx, item.RecipientID, opts.Category, item.Channel); !d.ShouldSend {
				res.Skipped++
				res.Reasons = append(res.Reasons, d.Reason)
				continue
			}
		}
		if !opts.SkipDedup && opts.EntityType != "" && opts.EntityID != "" {
			item.DedupKey = dedup.GenerateKey(item.Channel, opts.Category, opts.EntityType, opts.EntityID, item.RecipientID)
			item.DedupWindow = opts.Window
			if seen[item.DedupKey] {
				res.Skipped++
				res.Reasons = append(res.Reasons, "duplicate within batch: "+item.DedupKey)
				continue
			}
			ok, err := m.dedup.ShouldQueue(ctx, item.DedupKey, opts.Window)
			if err != nil {
				return res, err
			}
			if !ok {
				res.Skipped++
				res.Reasons = append(res.Reasons, "duplicate: "+item.DedupKey)
				continue
			}
			seen[item.DedupKey] = true
		}
		admitted = append(admitted, item)
	}

	if len(admitted) == 0 {
		return res, nil
	}
	if err := m.store.InsertQueueItems(ctx, admitted); err != nil {
		if !errors.Is(err, storage.ErrDuplicateKey) {
			return res, err
		}
		// Racing writer took one of the keys; fall back to item-at-a-time
		// so the rest of the batch still lands.
		for _, item := range admitted {
			item.ID = ""
			if err := m.store.InsertQueueItem(ctx, item); err != nil {
				if errors.Is(err, storage.ErrDuplicateKey) {
					res.Skipped++
					res.Reasons = append(res.Reasons, "duplicate: "+item.DedupKey)
					continue
				}
				return res, err
			}
			res.Queued++
		}
		return res, nil
	}
	res.Queued = len(admitted)
	m.audit(ctx, "queue.enqueue_batch", opts.EntityType, opts.EntityID, map[string]any{
		"queued":  res.Queued,
		"skipped": res.Skipped,
	})
	return res, nil
}

// ProcessDue claims and delivers one batch of due items. A channel narrows
// the batch; empty processes all channels. Items past their attempt budget
// are failed without touching the transport.
func (m *Manager) ProcessDue(ctx context.Context, ch notification.Channel) (notification.ProcessResult, error) {
	var res notification.ProcessResult

	due, err := m.store.DueQueueItems(ctx, m.now(), m.batchSize, ch)
	if err != nil {
		return res, err
	}

	for _, item := range due {
		claimed, err := m.store.UpdateQueueStatus(ctx, item.ID,
			[]notification.QueueStatus{notification.StatusPending}, notification.StatusProcessing, "")
		if err != nil {
			res.Errors = append(res.Errors, notification.ProcessError{QueueID: item.ID, Error: err.Error()})
			continue
		}
		if !claimed {
			// Another processor took it.
			res.Skipped++
			continue
		}
		res.Processed++

		if item.Attempts >= item.MaxAttempts {
			if _, err := m.store.UpdateQueueStatus(ctx, item.ID,
				[]notification.QueueStatus{notification.StatusProcessing}, notification.StatusFailed,
				"Max attempts exceeded"); err != nil {
				res.Errors = append(res.Errors, notification.ProcessError{QueueID: item.ID, Error: err.Error()})
			}
			res.Failed++
			res.Errors = append(res.Errors, notification.ProcessError{QueueID: item.ID, Error: "Max attempts exceeded"})
			continue
		}

		sr := m.dispatcher.SendAndRecord(ctx, item)
		if sr.Success {
			res.Sent++
		} else {
			res.Failed++
			res.Errors = append(res.Errors, notification.ProcessError{QueueID: item.ID, Error: sr.Error})
		}
	}

	if res.Processed > 0 {
		m.log.Info("queue batch processed",
			logx.Int("processed", res.Processed),
			logx.Int("sent", res.Sent),
			logx.Int("failed", res.Failed),
			logx.Int("skipped", res.Skipped))
	}
	return res, nil
}

// Cancel aborts a pending or processing item. Idempotent: cancelling an
// already terminal item reports false without error.
func (m *Manager) Cancel(ctx context.Context, id string) (bool, error) {
	ok, err := m.store.UpdateQueueStatus(ctx, id,
		[]notification.QueueStatus{notification.StatusPending, notification.StatusProcessing},
		notification.StatusCancelled, "")
	if err != nil {
		return false, err
	}
	if ok {
		m.audit(ctx, "queue.cancel", "", "", map[string]any{"queue_id": id})
	}
	return ok, nil
}

// Retry returns a failed item to pending, cleared and due immediately.
func (m *Manager) Retry(ctx context.Context, id string) (bool, error) {
	ok, err := m.store.ResetForRetry(ctx, id, m.now())
	if err != nil {
		return false, err
	}
	if ok {
		m.audit(ctx, "queue.retry", "", "", map[string]any{"queue_id": id})
	}
	return ok, nil
}

// Stats returns the queue size per status.
func (m *Manager) Stats(ctx context.Context) (map[notification.QueueStatus]int, error) {
	return m.store.CountQueueByStatus(ctx)
}

// List returns queue items matching the filter, newest first.
func (m *Manager) List(ctx context.Context, f storage.QueueFilter) ([]*notification.QueueItem, error) {
	return m.store.ListQueueItems(ctx, f)
}

// ReapStuck reclaims items stuck in processing past the threshold,
// typically after a crashed processor.
func (m *Manager) ReapStuck(ctx context.Context) (int64, error) {
	now := m.now()
	n, err := m.store.ReapStuckProcessing(ctx, now.Add(-StuckThreshold), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.log.Warn("reclaimed stuck queue items", logx.Int64("count", n))
	}
	return n, nil
}

func (m *Manager) applyDefaults(item *notification.QueueItem) {
	if item.Status == "" {
		item.Status = notification.StatusPending
	}
	if item.Priority == 0 {
		item.Priority = notification.PriorityNormal
	}
	if item.MaxAttempts == 0 {
		item.MaxAttempts = notification.DefaultMaxAttempts
	}
	if item.ScheduledFor.IsZero() {
		item.ScheduledFor = m.now()
	}
}

func (m *Manager) audit(ctx context.Context, action, entityType, entityID string, detail map[string]any) {
	b, _ := json.Marshal(detail)
	if err := m.store.AppendAudit(ctx, storage.AuditEntry{
		At:         m.now(),
		Actor:      "queue",
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     string(b),
	}); err != nil {
		m.log.Warn("audit append failed", logx.String("action", action), logx.Err(err))
	}
}

package dispatch

import (
	"context"
	"time"

	"notifyd/internal/notification"
	"notifyd/internal/storage"
	"notifyd/internal/template"
	logx "notifyd/pkg/logx"
)

// Dispatcher performs send attempts and writes the delivery record. Every
// attempt produces exactly one history row, success or failure.
type Dispatcher struct {
	registry *Registry
	store    storage.Store
	log      logx.Logger

	now func() time.Time
}

func NewDispatcher(registry *Registry, store storage.Store, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{registry: registry, store: store, log: log, now: time.Now}
}

// SendAndRecord delivers one queue item, appends the history row and stamps
// the attempt on the queue row. The returned result mirrors what was
// persisted.
func (d *Dispatcher) SendAndRecord(ctx context.Context, item *notification.QueueItem) notification.SendResult {
	attempts := item.Attempts + 1
	now := d.now()

	var (
		externalID string
		sendErr    error
	)
	sender, err := d.registry.Sender(item.Channel)
	if err != nil {
		sendErr = err
	} else {
		externalID, sendErr = sender.Send(ctx, item)
	}

	entry := d.historyEntry(item, attempts, externalID, sendErr, now)
	entry.QueueID = item.ID
	if err := d.store.AppendHistory(ctx, entry); err != nil {
		d.log.Error("history append failed",
			logx.String("queue_id", item.ID),
			logx.Err(err))
	}

	status := notification.StatusSent
	sentAt := now
	errMsg := ""
	if sendErr != nil {
		status = notification.StatusFailed
		sentAt = time.Time{}
		errMsg = sendErr.Error()
	}
	if err := d.store.RecordAttempt(ctx, item.ID, status, attempts, now, sentAt, errMsg); err != nil {
		d.log.Error("attempt record failed",
			logx.String("queue_id", item.ID),
			logx.Err(err))
	}

	res := notification.SendResult{
		Success:    sendErr == nil,
		HistoryID:  entry.ID,
		ExternalID: externalID,
	}
	if sendErr != nil {
		res.Error = sendErr.Error()
	}
	return res
}

// SendImmediate delivers a transient notification that never touches the
// queue. The only persisted trace is the history row, flagged immediate.
func (d *Dispatcher) SendImmediate(ctx context.Context, item *notification.QueueItem) notification.SendResult {
	now := d.now()

	var (
		externalID string
		sendErr    error
	)
	sender, err := d.registry.Sender(item.Channel)
	if err != nil {
		sendErr = err
	} else {
		externalID, sendErr = sender.Send(ctx, item)
	}

	entry := d.historyEntry(item, 1, externalID, sendErr, now)
	if entry.Metadata == nil {
		entry.Metadata = map[string]any{}
	}
	entry.Metadata["immediate"] = true
	if err := d.store.AppendHistory(ctx, entry); err != nil {
		d.log.Error("history append failed", logx.Err(err))
	}

	res := notification.SendResult{
		Success:    sendErr == nil,
		HistoryID:  entry.ID,
		ExternalID: externalID,
	}
	if sendErr != nil {
		res.Error = sendErr.Error()
	}
	return res
}

func (d *Dispatcher) historyEntry(item *notification.QueueItem, attempts int, externalID string, sendErr error, now time.Time) *notification.HistoryEntry {
	meta := make(map[string]any, len(item.Metadata)+3)
	for k, v := range item.Metadata {
		meta[k] = v
	}
	if item.DedupKey != "" {
		meta["deduplication_key"] = item.DedupKey
	}
	meta["queue_priority"] = item.Priority
	meta["queue_attempts"] = attempts

	entry := &notification.HistoryEntry{
		TemplateID:     item.TemplateID,
		ScheduleID:     item.ScheduleID,
		RecipientID:    item.RecipientID,
		RecipientEmail: item.RecipientEmail,
		RecipientPhone: item.RecipientPhone,
		Channel:        item.Channel,
		Subject:        item.Subject,
		BodyPreview:    template.TruncatePreview(item.Body, 500),
		ExternalID:     externalID,
		Metadata:       meta,
		CreatedAt:      now,
	}
	if sendErr != nil {
		entry.Status = notification.HistoryFailed
		entry.ErrorMessage = sendErr.Error()
	} else {
		entry.Status = notification.HistorySent
		entry.SentAt = now
	}
	return entry
}

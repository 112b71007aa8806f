package storage

import (
	"context"
	"errors"
	"time"

	"notifyd/internal/notification"
)

var (
	ErrDisabled = errors.New("storage disabled")

	// ErrDuplicateKey is returned by queue inserts when the active-key
	// unique index rejects a row. Callers treat it as the duplicate
	// signal, not as a failure.
	ErrDuplicateKey = errors.New("duplicate deduplication key")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (the default driver)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// AuditEntry records one mutating engine operation.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At         time.Time
	Actor      string
	Action     string
	EntityType string
	EntityID   string
	Detail     string // free-form JSON
}

// QueueFilter narrows ListQueueItems. Zero values mean "any".
type QueueFilter struct {
	Status  notification.QueueStatus
	Channel notification.Channel
	Limit   int
}

// Store is the persistence API used by the engine's services.
//
// Conditional updates (status transitions, escalation advances) are single
// guarded statements so they stay atomic under concurrent processors.
type Store interface {
	// Templates.
	InsertTemplate(ctx context.Context, t *notification.Template) error
	GetTemplate(ctx context.Context, id string) (*notification.Template, error)
	GetTemplateByName(ctx context.Context, name string) (*notification.Template, error)

	// Preferences. GetPreference returns (nil, nil) when no row exists.
	UpsertPreference(ctx context.Context, p *notification.Preference) error
	GetPreference(ctx context.Context, residentID string, cat notification.Category, ch notification.Channel) (*notification.Preference, error)

	// Queue.
	InsertQueueItem(ctx context.Context, item *notification.QueueItem) error
	InsertQueueItems(ctx context.Context, items []*notification.QueueItem) error
	GetQueueItem(ctx context.Context, id string) (*notification.QueueItem, error)
	DueQueueItems(ctx context.Context, now time.Time, limit int, ch notification.Channel) ([]*notification.QueueItem, error)
	// UpdateQueueStatus transitions id from any of the listed statuses to
	// the target. Returns false when the row was not in an allowed status.
	UpdateQueueStatus(ctx context.Context, id string, from []notification.QueueStatus, to notification.QueueStatus, errMsg string) (bool, error)
	// RecordAttempt stamps the outcome of one send attempt.
	RecordAttempt(ctx context.Context, id string, status notification.QueueStatus, attempts int, at time.Time, sentAt time.Time, errMsg string) error
	// ResetForRetry moves a failed item back to pending, clears its error,
	// and reschedules it for now. Returns false for non-failed items.
	ResetForRetry(ctx context.Context, id string, now time.Time) (bool, error)
	FindQueueByDedupKey(ctx context.Context, key string, statuses []notification.QueueStatus, cutoff time.Time) (*notification.QueueItem, error)
	QueueByKeyPattern(ctx context.Context, pattern string, limit int) ([]*notification.QueueItem, error)
	CountQueueByStatus(ctx context.Context) (map[notification.QueueStatus]int, error)
	ListQueueItems(ctx context.Context, f QueueFilter) ([]*notification.QueueItem, error)
	// PurgeTerminalQueue hard-deletes cancelled/failed rows created before
	// the cutoff. Routine garbage collection, not consistency-relevant.
	PurgeTerminalQueue(ctx context.Context, cutoff time.Time) (int64, error)
	// ReapStuckProcessing reclaims rows stuck in processing since before
	// the threshold: back to pending with attempts incremented.
	ReapStuckProcessing(ctx context.Context, threshold, now time.Time) (int64, error)

	// History (append-only).
	AppendHistory(ctx context.Context, e *notification.HistoryEntry) error
	FindHistoryByDedupKey(ctx context.Context, key string, cutoff time.Time) (*notification.HistoryEntry, error)
	HistoryByKeyPattern(ctx context.Context, pattern string, limit int) ([]*notification.HistoryEntry, error)
	ListHistory(ctx context.Context, recipientID string, limit int) ([]*notification.HistoryEntry, error)

	// Escalation states. GetEscalation returns (nil, nil) when absent.
	GetEscalation(ctx context.Context, entityType, entityID, residentID string) (*notification.EscalationState, error)
	InsertEscalation(ctx context.Context, st *notification.EscalationState) error
	// AdvanceEscalation increments the level from exactly fromLevel on an
	// unresolved row. Returns false when the guard fails.
	AdvanceEscalation(ctx context.Context, id string, fromLevel int, notificationID string, at, next time.Time) (bool, error)
	ResolveEscalation(ctx context.Context, entityType, entityID, residentID, reason string, at time.Time) (bool, error)
	ResolveAllEscalations(ctx context.Context, entityType, entityID, reason string, at time.Time) (int64, error)
	ResetEscalation(ctx context.Context, entityType, entityID, residentID string, at time.Time) (bool, error)
	SetEscalationNext(ctx context.Context, entityType, entityID, residentID string, next time.Time) (bool, error)
	DueEscalations(ctx context.Context, entityType string, now time.Time, limit int) ([]*notification.EscalationState, error)
	EscalationsForEntity(ctx context.Context, entityType, entityID string) ([]*notification.EscalationState, error)

	// Audit.
	AppendAudit(ctx context.Context, e AuditEntry) error

	Close() error
}

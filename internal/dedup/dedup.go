// Package dedup builds and checks deduplication keys so the same logical
// notification is not delivered twice within its suppression window.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"notifyd/internal/notification"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

// DefaultWindow is the suppression window applied when a key carries none.
const DefaultWindow = 1440 * time.Minute

// DefaultRetention bounds how long terminal queue rows are kept before the
// cleanup sweep deletes them.
const DefaultRetention = 30 * 24 * time.Hour

var ErrMalformedKey = errors.New("malformed deduplication key")

// Key is the parsed form of a deduplication key. The wire form is
// "channel:category:entityType:entityID:residentID".
type Key struct {
	Channel    notification.Channel
	Category   notification.Category
	EntityType string
	EntityID   string
	ResidentID string
}

func (k Key) String() string {
	return GenerateKey(k.Channel, k.Category, k.EntityType, k.EntityID, k.ResidentID)
}

// GenerateKey builds the canonical key for one logical notification.
func GenerateKey(ch notification.Channel, cat notification.Category, entityType, entityID, residentID string) string {
	return strings.Join([]string{
		string(ch), string(cat), entityType, entityID, residentID,
	}, ":")
}

// ParseKey is the inverse of GenerateKey. Entity IDs containing colons are
// rejected rather than guessed at.
func ParseKey(key string) (Key, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 5 {
		return Key{}, fmt.Errorf("%w: %q", ErrMalformedKey, key)
	}
	for _, p := range parts {
		if p == "" {
			return Key{}, fmt.Errorf("%w: empty segment in %q", ErrMalformedKey, key)
		}
	}
	return Key{
		Channel:    notification.Channel(parts[0]),
		Category:   notification.Category(parts[1]),
		EntityType: parts[2],
		EntityID:   parts[3],
		ResidentID: parts[4],
	}, nil
}

// CheckResult describes where a duplicate was found, if anywhere.
type CheckResult struct {
	IsDuplicate bool
	Source      string // "queue" or "history"
	ExistingID  string
	CreatedAt   time.Time
}

// Service answers duplicate queries against the queue and the history.
type Service struct {
	store storage.Store
	log   logx.Logger

	now func() time.Time
}

func New(store storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, log: log, now: time.Now}
}

// Check looks for a prior occurrence of key within the window. Queue rows
// in pending, processing or sent count, as do history rows of any status.
// A zero window means DefaultWindow.
func (s *Service) Check(ctx context.Context, key string, window time.Duration) (CheckResult, error) {
	if key == "" {
		return CheckResult{}, nil
	}
	if window <= 0 {
		window = DefaultWindow
	}
	cutoff := s.now().Add(-window)

	item, err := s.store.FindQueueByDedupKey(ctx, key, []notification.QueueStatus{
		notification.StatusPending,
		notification.StatusProcessing,
		notification.StatusSent,
	}, cutoff)
	if err != nil {
		return CheckResult{}, err
	}
	if item != nil {
		return CheckResult{IsDuplicate: true, Source: "queue", ExistingID: item.ID, CreatedAt: item.CreatedAt}, nil
	}

	entry, err := s.store.FindHistoryByDedupKey(ctx, key, cutoff)
	if err != nil {
		return CheckResult{}, err
	}
	if entry != nil {
		return CheckResult{IsDuplicate: true, Source: "history", ExistingID: entry.ID, CreatedAt: entry.CreatedAt}, nil
	}
	return CheckResult{}, nil
}

// ShouldQueue is the common call site shape: true when no duplicate exists.
func (s *Service) ShouldQueue(ctx context.Context, key string, window time.Duration) (bool, error) {
	res, err := s.Check(ctx, key, window)
	if err != nil {
		return false, err
	}
	return !res.IsDuplicate, nil
}

// EntityRecords returns queue and history rows whose keys reference the
// given entity, regardless of channel or resident. Diagnostic surface for
// "why did (or didn't) this invoice notify".
func (s *Service) EntityRecords(ctx context.Context, entityType, entityID string) ([]*notification.QueueItem, []*notification.HistoryEntry, error) {
	pattern := "%:" + entityType + ":" + entityID + ":%"
	items, err := s.store.QueueByKeyPattern(ctx, pattern, 100)
	if err != nil {
		return nil, nil, err
	}
	entries, err := s.store.HistoryByKeyPattern(ctx, pattern, 100)
	if err != nil {
		return nil, nil, err
	}
	return items, entries, nil
}

// Cleanup deletes cancelled and failed queue rows older than the retention
// period. A retention of zero means DefaultRetention.
func (s *Service) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	n, err := s.store.PurgeTerminalQueue(ctx, s.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("purged terminal queue rows", logx.Int64("count", n))
	}
	return n, nil
}

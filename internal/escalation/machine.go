// Package escalation tracks leveled reminder state per (entity, resident)
// pair: each advance bumps the level by one until the entity is resolved.
package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"notifyd/internal/notification"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

var (
	// ErrResolved means the state is resolved and cannot advance further.
	ErrResolved = errors.New("escalation already resolved")
	// ErrConflict means a concurrent writer changed the state mid-advance.
	ErrConflict = errors.New("concurrent escalation update")
)

// Machine is the escalation state machine over the store.
type Machine struct {
	store storage.Store
	log   logx.Logger

	now func() time.Time
}

func New(store storage.Store, log logx.Logger) *Machine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Machine{store: store, log: log, now: time.Now}
}

// GetOrCreate returns the state for the pair, creating a level-0 row on
// first contact.
func (m *Machine) GetOrCreate(ctx context.Context, entityType, entityID, residentID string) (*notification.EscalationState, error) {
	st, err := m.store.GetEscalation(ctx, entityType, entityID, residentID)
	if err != nil {
		return nil, err
	}
	if st != nil {
		return st, nil
	}
	st = &notification.EscalationState{
		EntityType: entityType,
		EntityID:   entityID,
		ResidentID: residentID,
	}
	if err := m.store.InsertEscalation(ctx, st); err != nil {
		// The unique index means a concurrent creator won; take theirs.
		existing, getErr := m.store.GetEscalation(ctx, entityType, entityID, residentID)
		if getErr == nil && existing != nil {
			return existing, nil
		}
		return nil, err
	}
	return st, nil
}

// Advance records one more escalation notification: the level increments by
// exactly one and the next occurrence is scheduled. Resolved states refuse
// to advance.
func (m *Machine) Advance(ctx context.Context, entityType, entityID, residentID, notificationID string, next time.Time) (*notification.EscalationState, error) {
	st, err := m.GetOrCreate(ctx, entityType, entityID, residentID)
	if err != nil {
		return nil, err
	}
	if st.IsResolved {
		return st, ErrResolved
	}

	now := m.now()
	ok, err := m.store.AdvanceEscalation(ctx, st.ID, st.CurrentLevel, notificationID, now, next)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Someone else advanced or resolved in between. Report which.
		fresh, err := m.store.GetEscalation(ctx, entityType, entityID, residentID)
		if err != nil {
			return nil, err
		}
		if fresh != nil && fresh.IsResolved {
			return fresh, ErrResolved
		}
		return fresh, ErrConflict
	}

	st, err = m.store.GetEscalation(ctx, entityType, entityID, residentID)
	if err != nil {
		return nil, err
	}
	m.audit(ctx, "escalation.advance", entityType, entityID, map[string]any{
		"resident_id": residentID,
		"level":       st.CurrentLevel,
	})
	return st, nil
}

// Resolve marks one pair resolved. Resolving an absent or already resolved
// state reports false without error.
func (m *Machine) Resolve(ctx context.Context, entityType, entityID, residentID, reason string) (bool, error) {
	ok, err := m.store.ResolveEscalation(ctx, entityType, entityID, residentID, reason, m.now())
	if err != nil {
		return false, err
	}
	if ok {
		m.audit(ctx, "escalation.resolve", entityType, entityID, map[string]any{
			"resident_id": residentID,
			"reason":      reason,
		})
	}
	return ok, nil
}

// ResolveAllForEntity resolves every unresolved state on the entity, e.g.
// when an invoice is paid all residents it escalated to stop escalating.
func (m *Machine) ResolveAllForEntity(ctx context.Context, entityType, entityID, reason string) (int64, error) {
	n, err := m.store.ResolveAllEscalations(ctx, entityType, entityID, reason, m.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.audit(ctx, "escalation.resolve_all", entityType, entityID, map[string]any{
			"resolved": n,
			"reason":   reason,
		})
	}
	return n, nil
}

// Reset returns the pair to level 0, unresolved, with nothing scheduled.
func (m *Machine) Reset(ctx context.Context, entityType, entityID, residentID string) (bool, error) {
	ok, err := m.store.ResetEscalation(ctx, entityType, entityID, residentID, m.now())
	if err != nil {
		return false, err
	}
	if ok {
		m.audit(ctx, "escalation.reset", entityType, entityID, map[string]any{
			"resident_id": residentID,
		})
	}
	return ok, nil
}

// ScheduleNext sets when the pair should escalate again. Refused on
// resolved states.
func (m *Machine) ScheduleNext(ctx context.Context, entityType, entityID, residentID string, next time.Time) (bool, error) {
	return m.store.SetEscalationNext(ctx, entityType, entityID, residentID, next)
}

// Due returns unresolved states whose next occurrence has arrived. An
// empty entityType spans all entities.
func (m *Machine) Due(ctx context.Context, entityType string, limit int) ([]*notification.EscalationState, error) {
	if limit <= 0 {
		limit = 100
	}
	return m.store.DueEscalations(ctx, entityType, m.now(), limit)
}

// Summary aggregates escalation activity for one entity.
type Summary struct {
	States []*notification.EscalationState
	// TotalNotifications is the sum of levels, i.e. how many escalation
	// notifications the entity has generated across residents.
	TotalNotifications int
	Unresolved         int
}

func (m *Machine) Summary(ctx context.Context, entityType, entityID string) (Summary, error) {
	states, err := m.store.EscalationsForEntity(ctx, entityType, entityID)
	if err != nil {
		return Summary{}, err
	}
	s := Summary{States: states}
	for _, st := range states {
		s.TotalNotifications += st.CurrentLevel
		if !st.IsResolved {
			s.Unresolved++
		}
	}
	return s, nil
}

func (m *Machine) audit(ctx context.Context, action, entityType, entityID string, detail map[string]any) {
	b, _ := json.Marshal(detail)
	if err := m.store.AppendAudit(ctx, storage.AuditEntry{
		At:         m.now(),
		Actor:      "escalation",
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     string(b),
	}); err != nil {
		m.log.Warn("audit append failed", logx.String("action", action), logx.Err(err))
	}
}

package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"notifyd/internal/notification"
	logx "notifyd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// --- templates ---

func (s *sqliteStore) InsertTemplate(ctx context.Context, t *notification.Template) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	vars, err := json.Marshal(t.Variables)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO notification_templates(id, name, display_name, category, channel, subject, body, html, variables, is_system, is_active, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, nullStr(t.DisplayName), string(t.Category), string(t.Channel),
		nullStr(t.Subject), t.Body, nullStr(t.HTML), string(vars),
		boolInt(t.IsSystem), boolInt(t.IsActive), t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli(),
	)
	return err
}

const templateCols = `id, name, display_name, category, channel, subject, body, html, variables, is_system, is_active, created_at, updated_at`

func (s *sqliteStore) GetTemplate(ctx context.Context, id string) (*notification.Template, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+templateCols+` FROM notification_templates WHERE id = ?`, id)
	return scanTemplate(row)
}

func (s *sqliteStore) GetTemplateByName(ctx context.Context, name string) (*notification.Template, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+templateCols+` FROM notification_templates WHERE name = ?`, name)
	return scanTemplate(row)
}

func scanTemplate(row *sql.Row) (*notification.Template, error) {
	var (
		t                           notification.Template
		displayName, subject, html  sql.NullString
		vars                        sql.NullString
		isSystem, isActive          int
		createdAt, updatedAt        int64
		category, channel           string
	)
	err := row.Scan(&t.ID, &t.Name, &displayName, &category, &channel,
		&subject, &t.Body, &html, &vars, &isSystem, &isActive, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.DisplayName = displayName.String
	t.Category = notification.Category(category)
	t.Channel = notification.Channel(channel)
	t.Subject = subject.String
	t.HTML = html.String
	if vars.Valid && vars.String != "" {
		if err := json.Unmarshal([]byte(vars.String), &t.Variables); err != nil {
			return nil, fmt.Errorf("template %s variables: %w", t.ID, err)
		}
	}
	t.IsSystem = isSystem != 0
	t.IsActive = isActive != 0
	t.CreatedAt = time.UnixMilli(createdAt)
	t.UpdatedAt = time.UnixMilli(updatedAt)
	return &t, nil
}

// --- preferences ---

func (s *sqliteStore) UpsertPreference(ctx context.Context, p *notification.Preference) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_preferences(id, resident_id, category, channel, enabled, frequency, quiet_start, quiet_end, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(resident_id, category, channel) DO UPDATE SET
		   enabled=excluded.enabled, frequency=excluded.frequency,
		   quiet_start=excluded.quiet_start, quiet_end=excluded.quiet_end,
		   updated_at=excluded.updated_at`,
		p.ID, p.ResidentID, string(p.Category), string(p.Channel),
		boolInt(p.Enabled), string(p.Frequency), nullStr(p.QuietStart), nullStr(p.QuietEnd),
		p.CreatedAt.UnixMilli(), p.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetPreference(ctx context.Context, residentID string, cat notification.Category, ch notification.Channel) (*notification.Preference, error) {
	var (
		p                    notification.Preference
		enabled              int
		quietStart, quietEnd sql.NullString
		createdAt, updatedAt int64
		category, channel    string
		frequency            string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, resident_id, category, channel, enabled, frequency, quiet_start, quiet_end, created_at, updated_at
		 FROM notification_preferences WHERE resident_id = ? AND category = ? AND channel = ?`,
		residentID, string(cat), string(ch),
	).Scan(&p.ID, &p.ResidentID, &category, &channel, &enabled, &frequency,
		&quietStart, &quietEnd, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.Category = notification.Category(category)
	p.Channel = notification.Channel(channel)
	p.Enabled = enabled != 0
	p.Frequency = notification.Frequency(frequency)
	p.QuietStart = quietStart.String
	p.QuietEnd = quietEnd.String
	p.CreatedAt = time.UnixMilli(createdAt)
	p.UpdatedAt = time.UnixMilli(updatedAt)
	return &p, nil
}

// --- queue ---

const queueCols = `id, template_id, schedule_id, recipient_id, recipient_email, recipient_phone, channel,
	subject, body, html_body, variables, priority, status, deduplication_key, dedup_window_ms,
	scheduled_for, attempts, max_attempts, last_attempt_at, sent_at, error_message, metadata, created_at`

func (s *sqliteStore) InsertQueueItem(ctx context.Context, item *notification.QueueItem) error {
	return s.insertQueueItem(ctx, s.db, item)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *sqliteStore) insertQueueItem(ctx context.Context, db execer, item *notification.QueueItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	vars, err := jsonMap(item.Variables)
	if err != nil {
		return err
	}
	meta, err := jsonMap(item.Metadata)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO notification_queue(`+queueCols+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		item.ID, nullStr(item.TemplateID), nullStr(item.ScheduleID), item.RecipientID,
		nullStr(item.RecipientEmail), nullStr(item.RecipientPhone), string(item.Channel),
		nullStr(item.Subject), item.Body, nullStr(item.HTMLBody), vars,
		item.Priority, string(item.Status), nullStr(item.DedupKey), item.DedupWindow.Milliseconds(),
		item.ScheduledFor.UnixMilli(), item.Attempts, item.MaxAttempts,
		milli(item.LastAttemptAt), milli(item.SentAt), nullStr(item.ErrorMessage), meta,
		item.CreatedAt.UnixMilli(),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, item.DedupKey)
	}
	return err
}

func (s *sqliteStore) InsertQueueItems(ctx context.Context, items []*notification.QueueItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, item := range items {
		if err := s.insertQueueItem(ctx, tx, item); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) GetQueueItem(ctx context.Context, id string) (*notification.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+queueCols+` FROM notification_queue WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	items, err := collectQueueItems(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items[0], nil
}

func (s *sqliteStore) DueQueueItems(ctx context.Context, now time.Time, limit int, ch notification.Channel) ([]*notification.QueueItem, error) {
	q := `SELECT ` + queueCols + ` FROM notification_queue
		 WHERE status = 'pending' AND scheduled_for <= ?`
	args := []any{now.UnixMilli()}
	if ch != "" {
		q += ` AND channel = ?`
		args = append(args, string(ch))
	}
	q += ` ORDER BY priority ASC, scheduled_for ASC LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return collectQueueItems(rows)
}

func (s *sqliteStore) UpdateQueueStatus(ctx context.Context, id string, from []notification.QueueStatus, to notification.QueueStatus, errMsg string) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("empty source status set")
	}
	args := []any{string(to), nullStr(errMsg), id}
	ph := make([]string, len(from))
	for i, st := range from {
		ph[i] = "?"
		args = append(args, string(st))
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE notification_queue
		 SET status = ?, error_message = COALESCE(?, error_message)
		 WHERE id = ? AND status IN (`+strings.Join(ph, ",")+`)`,
		args...,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) RecordAttempt(ctx context.Context, id string, status notification.QueueStatus, attempts int, at time.Time, sentAt time.Time, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notification_queue
		 SET status = ?, attempts = ?, last_attempt_at = ?, sent_at = ?, error_message = ?
		 WHERE id = ?`,
		string(status), attempts, milli(at), milli(sentAt), nullStr(errMsg), id,
	)
	return err
}

func (s *sqliteStore) ResetForRetry(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notification_queue
		 SET status = 'pending', scheduled_for = ?, error_message = NULL
		 WHERE id = ? AND status = 'failed'`,
		now.UnixMilli(), id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) FindQueueByDedupKey(ctx context.Context, key string, statuses []notification.QueueStatus, cutoff time.Time) (*notification.QueueItem, error) {
	if key == "" || len(statuses) == 0 {
		return nil, nil
	}
	args := []any{key}
	ph := make([]string, len(statuses))
	for i, st := range statuses {
		ph[i] = "?"
		args = append(args, string(st))
	}
	q := `SELECT ` + queueCols + ` FROM notification_queue
		 WHERE deduplication_key = ? AND status IN (` + strings.Join(ph, ",") + `)`
	if !cutoff.IsZero() {
		q += ` AND created_at >= ?`
		args = append(args, cutoff.UnixMilli())
	}
	q += ` ORDER BY created_at DESC LIMIT 1`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	items, err := collectQueueItems(rows)
	if err != nil || len(items) == 0 {
		return nil, err
	}
	return items[0], nil
}

func (s *sqliteStore) QueueByKeyPattern(ctx context.Context, pattern string, limit int) ([]*notification.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+queueCols+` FROM notification_queue
		 WHERE deduplication_key LIKE ? ORDER BY created_at DESC LIMIT ?`,
		pattern, limit,
	)
	if err != nil {
		return nil, err
	}
	return collectQueueItems(rows)
}

func (s *sqliteStore) CountQueueByStatus(ctx context.Context) (map[notification.QueueStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM notification_queue GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[notification.QueueStatus]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[notification.QueueStatus(st)] = n
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListQueueItems(ctx context.Context, f QueueFilter) ([]*notification.QueueItem, error) {
	q := `SELECT ` + queueCols + ` FROM notification_queue WHERE 1=1`
	var args []any
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Channel != "" {
		q += ` AND channel = ?`
		args = append(args, string(f.Channel))
	}
	q += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return collectQueueItems(rows)
}

func (s *sqliteStore) PurgeTerminalQueue(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM notification_queue
		 WHERE status IN ('cancelled', 'failed') AND created_at < ?`,
		cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) ReapStuckProcessing(ctx context.Context, threshold, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notification_queue
		 SET status = 'pending', attempts = attempts + 1, scheduled_for = ?,
		     error_message = 'reclaimed: stuck in processing'
		 WHERE status = 'processing' AND COALESCE(last_attempt_at, created_at) < ?`,
		now.UnixMilli(), threshold.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func collectQueueItems(rows *sql.Rows) ([]*notification.QueueItem, error) {
	defer rows.Close()
	var out []*notification.QueueItem
	for rows.Next() {
		var (
			item                                      notification.QueueItem
			templateID, scheduleID, email, phone      sql.NullString
			subject, htmlBody, dedupKey, errMsg       sql.NullString
			vars, meta                                sql.NullString
			channel, status                           string
			dedupWindowMS                             int64
			scheduledFor, createdAt                   int64
			lastAttemptAt, sentAt                     sql.NullInt64
		)
		err := rows.Scan(&item.ID, &templateID, &scheduleID, &item.RecipientID, &email, &phone,
			&channel, &subject, &item.Body, &htmlBody, &vars, &item.Priority, &status,
			&dedupKey, &dedupWindowMS, &scheduledFor, &item.Attempts, &item.MaxAttempts,
			&lastAttemptAt, &sentAt, &errMsg, &meta, &createdAt)
		if err != nil {
			return nil, err
		}
		item.TemplateID = templateID.String
		item.ScheduleID = scheduleID.String
		item.RecipientEmail = email.String
		item.RecipientPhone = phone.String
		item.Channel = notification.Channel(channel)
		item.Subject = subject.String
		item.HTMLBody = htmlBody.String
		item.Status = notification.QueueStatus(status)
		item.DedupKey = dedupKey.String
		item.DedupWindow = time.Duration(dedupWindowMS) * time.Millisecond
		item.ScheduledFor = time.UnixMilli(scheduledFor)
		item.LastAttemptAt = fromMilli(lastAttemptAt)
		item.SentAt = fromMilli(sentAt)
		item.ErrorMessage = errMsg.String
		item.CreatedAt = time.UnixMilli(createdAt)
		if item.Variables, err = scanMap(vars); err != nil {
			return nil, err
		}
		if item.Metadata, err = scanMap(meta); err != nil {
			return nil, err
		}
		out = append(out, &item)
	}
	return out, rows.Err()
}

// --- history ---

const historyCols = `id, queue_id, template_id, schedule_id, recipient_id, recipient_email, recipient_phone,
	channel, subject, body_preview, status, external_id, error_message, deduplication_key, metadata, sent_at, created_at`

func (s *sqliteStore) AppendHistory(ctx context.Context, e *notification.HistoryEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	meta, err := jsonMap(e.Metadata)
	if err != nil {
		return err
	}
	// The dedup key is duplicated out of metadata into its own column so
	// window lookups stay indexable.
	dedupKey := ""
	if v, ok := e.Metadata["deduplication_key"].(string); ok {
		dedupKey = v
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO notification_history(`+historyCols+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, nullStr(e.QueueID), nullStr(e.TemplateID), nullStr(e.ScheduleID), e.RecipientID,
		nullStr(e.RecipientEmail), nullStr(e.RecipientPhone), string(e.Channel),
		nullStr(e.Subject), nullStr(e.BodyPreview), string(e.Status),
		nullStr(e.ExternalID), nullStr(e.ErrorMessage), nullStr(dedupKey), meta,
		milli(e.SentAt), e.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) FindHistoryByDedupKey(ctx context.Context, key string, cutoff time.Time) (*notification.HistoryEntry, error) {
	if key == "" {
		return nil, nil
	}
	q := `SELECT ` + historyCols + ` FROM notification_history WHERE deduplication_key = ?`
	args := []any{key}
	if !cutoff.IsZero() {
		q += ` AND created_at >= ?`
		args = append(args, cutoff.UnixMilli())
	}
	q += ` ORDER BY created_at DESC LIMIT 1`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	entries, err := collectHistory(rows)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return entries[0], nil
}

func (s *sqliteStore) HistoryByKeyPattern(ctx context.Context, pattern string, limit int) ([]*notification.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+historyCols+` FROM notification_history
		 WHERE deduplication_key LIKE ? ORDER BY created_at DESC LIMIT ?`,
		pattern, limit,
	)
	if err != nil {
		return nil, err
	}
	return collectHistory(rows)
}

func (s *sqliteStore) ListHistory(ctx context.Context, recipientID string, limit int) ([]*notification.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+historyCols+` FROM notification_history
		 WHERE recipient_id = ? ORDER BY created_at DESC LIMIT ?`,
		recipientID, limit,
	)
	if err != nil {
		return nil, err
	}
	return collectHistory(rows)
}

func collectHistory(rows *sql.Rows) ([]*notification.HistoryEntry, error) {
	defer rows.Close()
	var out []*notification.HistoryEntry
	for rows.Next() {
		var (
			e                                        notification.HistoryEntry
			queueID, templateID, scheduleID          sql.NullString
			email, phone, subject, preview           sql.NullString
			externalID, errMsg, dedupKey, meta       sql.NullString
			channel, status                          string
			sentAt                                   sql.NullInt64
			createdAt                                int64
		)
		err := rows.Scan(&e.ID, &queueID, &templateID, &scheduleID, &e.RecipientID,
			&email, &phone, &channel, &subject, &preview, &status,
			&externalID, &errMsg, &dedupKey, &meta, &sentAt, &createdAt)
		if err != nil {
			return nil, err
		}
		e.QueueID = queueID.String
		e.TemplateID = templateID.String
		e.ScheduleID = scheduleID.String
		e.RecipientEmail = email.String
		e.RecipientPhone = phone.String
		e.Channel = notification.Channel(channel)
		e.Subject = subject.String
		e.BodyPreview = preview.String
		e.Status = notification.HistoryStatus(status)
		e.ExternalID = externalID.String
		e.ErrorMessage = errMsg.String
		e.SentAt = fromMilli(sentAt)
		e.CreatedAt = time.UnixMilli(createdAt)
		if e.Metadata, err = scanMap(meta); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- escalations ---

const escalationCols = `id, entity_type, entity_id, resident_id, current_level, last_notification_id,
	last_notified_at, next_scheduled_at, is_resolved, resolved_at, resolved_reason, created_at, updated_at`

func (s *sqliteStore) GetEscalation(ctx context.Context, entityType, entityID, residentID string) (*notification.EscalationState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+escalationCols+` FROM escalation_states
		 WHERE entity_type = ? AND entity_id = ? AND resident_id = ?`,
		entityType, entityID, residentID,
	)
	if err != nil {
		return nil, err
	}
	states, err := collectEscalations(rows)
	if err != nil || len(states) == 0 {
		return nil, err
	}
	return states[0], nil
}

func (s *sqliteStore) InsertEscalation(ctx context.Context, st *notification.EscalationState) error {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	now := time.Now()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO escalation_states(`+escalationCols+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		st.ID, st.EntityType, st.EntityID, st.ResidentID, st.CurrentLevel,
		nullStr(st.LastNotificationID), milli(st.LastNotifiedAt), milli(st.NextScheduledAt),
		boolInt(st.IsResolved), milli(st.ResolvedAt), nullStr(st.ResolvedReason),
		st.CreatedAt.UnixMilli(), st.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) AdvanceEscalation(ctx context.Context, id string, fromLevel int, notificationID string, at, next time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE escalation_states
		 SET current_level = current_level + 1, last_notification_id = ?,
		     last_notified_at = ?, next_scheduled_at = ?, updated_at = ?
		 WHERE id = ? AND is_resolved = 0 AND current_level = ?`,
		nullStr(notificationID), at.UnixMilli(), milli(next), at.UnixMilli(), id, fromLevel,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) ResolveEscalation(ctx context.Context, entityType, entityID, residentID, reason string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE escalation_states
		 SET is_resolved = 1, resolved_at = ?, resolved_reason = ?, next_scheduled_at = NULL, updated_at = ?
		 WHERE entity_type = ? AND entity_id = ? AND resident_id = ? AND is_resolved = 0`,
		at.UnixMilli(), nullStr(reason), at.UnixMilli(), entityType, entityID, residentID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) ResolveAllEscalations(ctx context.Context, entityType, entityID, reason string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE escalation_states
		 SET is_resolved = 1, resolved_at = ?, resolved_reason = ?, next_scheduled_at = NULL, updated_at = ?
		 WHERE entity_type = ? AND entity_id = ? AND is_resolved = 0`,
		at.UnixMilli(), nullStr(reason), at.UnixMilli(), entityType, entityID,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) ResetEscalation(ctx context.Context, entityType, entityID, residentID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE escalation_states
		 SET current_level = 0, is_resolved = 0, resolved_at = NULL, resolved_reason = NULL,
		     last_notification_id = NULL, last_notified_at = NULL, next_scheduled_at = NULL, updated_at = ?
		 WHERE entity_type = ? AND entity_id = ? AND resident_id = ?`,
		at.UnixMilli(), entityType, entityID, residentID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) SetEscalationNext(ctx context.Context, entityType, entityID, residentID string, next time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE escalation_states SET next_scheduled_at = ?, updated_at = ?
		 WHERE entity_type = ? AND entity_id = ? AND resident_id = ? AND is_resolved = 0`,
		milli(next), time.Now().UnixMilli(), entityType, entityID, residentID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) DueEscalations(ctx context.Context, entityType string, now time.Time, limit int) ([]*notification.EscalationState, error) {
	q := `SELECT ` + escalationCols + ` FROM escalation_states
		 WHERE is_resolved = 0 AND next_scheduled_at IS NOT NULL AND next_scheduled_at <= ?`
	args := []any{now.UnixMilli()}
	if entityType != "" {
		q += ` AND entity_type = ?`
		args = append(args, entityType)
	}
	q += ` ORDER BY next_scheduled_at ASC LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return collectEscalations(rows)
}

func (s *sqliteStore) EscalationsForEntity(ctx context.Context, entityType, entityID string) ([]*notification.EscalationState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+escalationCols+` FROM escalation_states
		 WHERE entity_type = ? AND entity_id = ? ORDER BY current_level DESC, created_at ASC`,
		entityType, entityID,
	)
	if err != nil {
		return nil, err
	}
	return collectEscalations(rows)
}

func collectEscalations(rows *sql.Rows) ([]*notification.EscalationState, error) {
	defer rows.Close()
	var out []*notification.EscalationState
	for rows.Next() {
		var (
			st                              notification.EscalationState
			lastNotificationID, reason      sql.NullString
			lastNotifiedAt, nextScheduledAt sql.NullInt64
			resolvedAt                      sql.NullInt64
			isResolved                      int
			createdAt, updatedAt            int64
		)
		err := rows.Scan(&st.ID, &st.EntityType, &st.EntityID, &st.ResidentID, &st.CurrentLevel,
			&lastNotificationID, &lastNotifiedAt, &nextScheduledAt, &isResolved,
			&resolvedAt, &reason, &createdAt, &updatedAt)
		if err != nil {
			return nil, err
		}
		st.LastNotificationID = lastNotificationID.String
		st.LastNotifiedAt = fromMilli(lastNotifiedAt)
		st.NextScheduledAt = fromMilli(nextScheduledAt)
		st.IsResolved = isResolved != 0
		st.ResolvedAt = fromMilli(resolvedAt)
		st.ResolvedReason = reason.String
		st.CreatedAt = time.UnixMilli(createdAt)
		st.UpdatedAt = time.UnixMilli(updatedAt)
		out = append(out, &st)
	}
	return out, rows.Err()
}

// --- audit ---

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor, action, entity_type, entity_id, detail)
		 VALUES(?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.Actor, e.Action,
		nullStr(e.EntityType), nullStr(e.EntityID), nullStr(e.Detail),
	)
	return err
}

// --- helpers ---

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// milli maps the zero time to NULL.
func milli(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMilli(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}

func jsonMap(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func scanMap(v sql.NullString) (map[string]any, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(v.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

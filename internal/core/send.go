package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"notifyd/internal/notification"
	"notifyd/internal/queue"
	"notifyd/internal/template"
)

var (
	ErrTemplateNotFound = errors.New("template not found")
	ErrTemplateInactive = errors.New("template inactive")
)

// SendRequest asks the engine to render a named template and deliver it to
// one recipient.
type SendRequest struct {
	TemplateName string
	Recipient    notification.Recipient
	// Channel overrides the template's channel when set.
	Channel   notification.Channel
	Variables map[string]any
	// Priority defaults to PriorityNormal.
	Priority int
	// EntityType/EntityID enable deduplication and tie the notification to
	// a business object.
	EntityType string
	EntityID   string
	// ScheduledFor defaults to now.
	ScheduledFor time.Time
	// Window overrides the deduplication window. 0 means the engine default.
	Window    time.Duration
	SkipDedup bool
	Metadata  map[string]any
}

// Send renders the template and enqueues the result. Admission refusals
// surface as queue.ErrBlocked / queue.ErrDuplicate.
func (a *App) Send(ctx context.Context, req SendRequest) (*notification.QueueItem, error) {
	item, cat, err := a.render(ctx, req)
	if err != nil {
		return nil, err
	}
	window := req.Window
	if window <= 0 {
		window = a.defaultWindow
	}
	err = a.queue.Enqueue(ctx, item, queue.EnqueueOptions{
		Category:   cat,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Window:     window,
		SkipDedup:  req.SkipDedup,
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// SendNow renders the template and delivers it immediately, bypassing the
// queue. One history row records the attempt.
func (a *App) SendNow(ctx context.Context, req SendRequest) (notification.SendResult, error) {
	item, _, err := a.render(ctx, req)
	if err != nil {
		return notification.SendResult{}, err
	}
	return a.dispatcher.SendImmediate(ctx, item), nil
}

func (a *App) render(ctx context.Context, req SendRequest) (*notification.QueueItem, notification.Category, error) {
	tmpl, err := a.store.GetTemplateByName(ctx, req.TemplateName)
	if err != nil {
		return nil, "", err
	}
	if tmpl == nil {
		return nil, "", fmt.Errorf("%w: %s", ErrTemplateNotFound, req.TemplateName)
	}
	if !tmpl.IsActive {
		return nil, "", fmt.Errorf("%w: %s", ErrTemplateInactive, req.TemplateName)
	}

	rendered, err := template.Render(tmpl, req.Variables, template.DefaultOptions())
	if err != nil {
		return nil, "", err
	}

	ch := req.Channel
	if ch == "" {
		ch = tmpl.Channel
	}
	item := &notification.QueueItem{
		TemplateID:     tmpl.ID,
		RecipientID:    req.Recipient.ID,
		RecipientEmail: req.Recipient.Email,
		RecipientPhone: req.Recipient.Phone,
		Channel:        ch,
		Subject:        rendered.Subject,
		Body:           rendered.Body,
		HTMLBody:       rendered.HTML,
		Variables:      req.Variables,
		Priority:       req.Priority,
		ScheduledFor:   req.ScheduledFor,
		Metadata:       req.Metadata,
	}
	return item, tmpl.Category, nil
}

// Package dispatch delivers rendered notifications over their channels and
// records every attempt in the history.
package dispatch

import (
	"context"
	"fmt"

	"notifyd/internal/notification"
)

// Sender delivers one rendered notification over a single channel.
type Sender interface {
	Channel() notification.Channel
	Send(ctx context.Context, item *notification.QueueItem) (externalID string, err error)
}

// Registry maps each declared channel to a sender. Channels without a live
// transport get a stub that fails the send with a stable error, so queue
// items on those channels surface as failures instead of vanishing.
type Registry struct {
	senders     map[notification.Channel]Sender
	implemented map[notification.Channel]bool
}

// NewRegistry registers the given live senders and stubs out the rest of
// the declared channel set.
func NewRegistry(live ...Sender) *Registry {
	r := &Registry{
		senders:     make(map[notification.Channel]Sender),
		implemented: make(map[notification.Channel]bool),
	}
	for _, ch := range notification.Channels() {
		r.senders[ch] = stubSender{ch: ch}
	}
	for _, s := range live {
		r.senders[s.Channel()] = s
		r.implemented[s.Channel()] = true
	}
	return r
}

// Implemented reports whether the channel has a live transport.
func (r *Registry) Implemented(ch notification.Channel) bool {
	return r.implemented[ch]
}

// Sender returns the sender for a channel. Unknown channels get an error,
// not a stub, since they cannot come from validated input.
func (r *Registry) Sender(ch notification.Channel) (Sender, error) {
	s, ok := r.senders[ch]
	if !ok {
		return nil, fmt.Errorf("unknown channel %q", ch)
	}
	return s, nil
}

type stubSender struct {
	ch notification.Channel
}

func (s stubSender) Channel() notification.Channel { return s.ch }

func (s stubSender) Send(ctx context.Context, item *notification.QueueItem) (string, error) {
	return "", fmt.Errorf("%s channel is not yet implemented", s.ch)
}

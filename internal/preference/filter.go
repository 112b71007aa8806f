// Package preference decides whether a notification may be sent to a
// resident over a channel. Preference rows are owned by the resident-facing
// application; this engine only reads them.
package preference

import (
	"context"
	"strconv"
	"time"

	"notifyd/internal/notification"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

// ChannelChecker reports whether a channel has a working transport behind
// it. The dispatcher's registry satisfies this.
type ChannelChecker interface {
	Implemented(ch notification.Channel) bool
}

// Decision is the outcome of a preference check. Reason is a short
// human-readable explanation suitable for skip logs and history metadata.
type Decision struct {
	ShouldSend bool
	Reason     string
	Preference *notification.Preference
}

// Filter evaluates delivery preferences. Lookups fail open: a storage error
// or a missing row allows the send, because losing a payment reminder is
// worse than sending one during a database hiccup.
type Filter struct {
	store    storage.Store
	channels ChannelChecker
	log      logx.Logger

	now func() time.Time
}

func New(store storage.Store, channels ChannelChecker, log logx.Logger) *Filter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Filter{store: store, channels: channels, log: log, now: time.Now}
}

// Check evaluates the preference for one (resident, category, channel)
// triple. The order of checks is fixed: channel availability, enabled flag,
// frequency, quiet hours.
func (f *Filter) Check(ctx context.Context, residentID string, cat notification.Category, ch notification.Channel) Decision {
	if !ch.Valid() {
		return Decision{Reason: "unknown channel " + string(ch)}
	}
	if f.channels != nil && !f.channels.Implemented(ch) {
		return Decision{Reason: "channel " + string(ch) + " is not available"}
	}

	pref, err := f.store.GetPreference(ctx, residentID, cat, ch)
	if err != nil {
		f.log.Warn("preference lookup failed; defaulting to allow",
			logx.String("resident", residentID),
			logx.String("category", string(cat)),
			logx.String("channel", string(ch)),
			logx.Err(err))
		return Decision{ShouldSend: true, Reason: "preference lookup failed, defaulting to allow"}
	}
	if pref == nil {
		// No row means the resident never opted out.
		return Decision{ShouldSend: true, Reason: "no preference set, defaulting to allow"}
	}

	if !pref.Enabled {
		return Decision{Reason: "disabled by preference", Preference: pref}
	}
	if pref.Frequency == notification.FrequencyNone {
		return Decision{Reason: "frequency set to none", Preference: pref}
	}
	if inQuietHours(pref.QuietStart, pref.QuietEnd, f.now()) {
		return Decision{Reason: "quiet hours active", Preference: pref}
	}
	return Decision{ShouldSend: true, Reason: "allowed", Preference: pref}
}

// AllowedChannels narrows a candidate channel list to those the resident
// accepts right now.
func (f *Filter) AllowedChannels(ctx context.Context, residentID string, cat notification.Category, candidates []notification.Channel) []notification.Channel {
	var out []notification.Channel
	for _, ch := range candidates {
		if f.Check(ctx, residentID, cat, ch).ShouldSend {
			out = append(out, ch)
		}
	}
	return out
}

// inQuietHours reports whether now falls inside the [start, end] window.
// A window with start > end wraps past midnight (22:00-06:00 covers 23:30
// and 02:00 but not 10:00). Bounds are inclusive. Unparseable or missing
// bounds disable the window.
func inQuietHours(start, end string, now time.Time) bool {
	s, ok := parseClock(start)
	if !ok {
		return false
	}
	e, ok := parseClock(end)
	if !ok {
		return false
	}
	cur := now.Hour()*60 + now.Minute()
	if s <= e {
		return cur >= s && cur <= e
	}
	return cur >= s || cur <= e
}

// parseClock parses "HH:MM" or "HH:MM:SS" into minutes since midnight.
func parseClock(v string) (int, bool) {
	if len(v) < 5 {
		return 0, false
	}
	h, err := strconv.Atoi(v[0:2])
	if err != nil || h < 0 || h > 23 {
		return 0, false
	}
	if v[2] != ':' {
		return 0, false
	}
	m, err := strconv.Atoi(v[3:5])
	if err != nil || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

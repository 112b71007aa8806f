package notification

import "time"

// Channel is a delivery medium. The set is closed so the dispatcher and the
// preference filter can switch exhaustively instead of discovering unknown
// channels at runtime.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelWhatsApp:
		return true
	}
	return false
}

// Channels lists all declared channels in a stable order.
func Channels() []Channel {
	return []Channel{ChannelEmail, ChannelSMS, ChannelWhatsApp}
}

// Category groups notifications for preference lookups.
type Category string

const (
	CategoryPayment  Category = "payment"
	CategoryInvoice  Category = "invoice"
	CategorySecurity Category = "security"
	CategoryGeneral  Category = "general"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryPayment, CategoryInvoice, CategorySecurity, CategoryGeneral:
		return true
	}
	return false
}

// QueueStatus is the lifecycle state of a queue item.
// Transitions: pending -> processing -> {sent|failed|cancelled};
// failed -> pending via Retry. Sent is terminal.
type QueueStatus string

const (
	StatusPending    QueueStatus = "pending"
	StatusProcessing QueueStatus = "processing"
	StatusSent       QueueStatus = "sent"
	StatusFailed     QueueStatus = "failed"
	StatusCancelled  QueueStatus = "cancelled"
)

func (s QueueStatus) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

// HistoryStatus is the outcome recorded for one delivery attempt.
// delivered/opened/clicked are set by transport callbacks outside this core.
type HistoryStatus string

const (
	HistorySent      HistoryStatus = "sent"
	HistoryFailed    HistoryStatus = "failed"
	HistoryBounced   HistoryStatus = "bounced"
	HistoryDelivered HistoryStatus = "delivered"
	HistoryOpened    HistoryStatus = "opened"
	HistoryClicked   HistoryStatus = "clicked"
)

// Frequency is the per-preference delivery cadence.
type Frequency string

const (
	FrequencyAll  Frequency = "all"
	FrequencyNone Frequency = "none"
)

// Priority constants. Lower is more urgent.
const (
	PriorityUrgent = 1
	PriorityHigh   = 3
	PriorityNormal = 5
	PriorityLow    = 7
	PriorityBulk   = 9
)

// PriorityLabel names a priority for dashboards and audit records. Values
// between the constants fall to the next-less-urgent label.
func PriorityLabel(p int) string {
	switch {
	case p <= PriorityUrgent:
		return "urgent"
	case p <= PriorityHigh:
		return "high"
	case p <= PriorityNormal:
		return "normal"
	case p <= PriorityLow:
		return "low"
	default:
		return "bulk"
	}
}

// DefaultMaxAttempts bounds how often the processor retries a queue item.
const DefaultMaxAttempts = 3

// VariableKind optionally tags a declared template variable with an explicit
// formatting type, overriding the name-substring heuristic.
type VariableKind string

const (
	KindText   VariableKind = "text"
	KindAmount VariableKind = "amount"
	KindDate   VariableKind = "date"
)

// TemplateVariable declares a variable a template expects.
type TemplateVariable struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Required    bool         `json:"required"`
	Kind        VariableKind `json:"kind,omitempty"`
}

// Template is a stored notification template. Created by admin tooling;
// read-only to this engine.
type Template struct {
	ID          string
	Name        string
	DisplayName string
	Category    Category
	Channel     Channel
	Subject     string // subject template; empty for channels without one
	Body        string // body template (required)
	HTML        string // optional HTML template
	Variables   []TemplateVariable
	IsSystem    bool
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Preference is a per-(resident, category, channel) delivery preference.
// Absence of a row means "allow".
type Preference struct {
	ID         string
	ResidentID string
	Category   Category
	Channel    Channel
	Enabled    bool
	Frequency  Frequency
	QuietStart string // "HH:MM" or "HH:MM:SS"; empty when unset
	QuietEnd   string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// QueueItem is a persisted, already-rendered notification awaiting delivery.
type QueueItem struct {
	ID             string
	TemplateID     string
	ScheduleID     string
	RecipientID    string
	RecipientEmail string
	RecipientPhone string
	Channel        Channel
	Subject        string
	Body           string
	HTMLBody       string
	Variables      map[string]any // retained for audit, not re-rendered
	Priority       int
	Status         QueueStatus
	DedupKey       string
	DedupWindow    time.Duration // 0 means the default window
	ScheduledFor   time.Time
	Attempts       int
	MaxAttempts    int
	LastAttemptAt  time.Time // zero when never attempted
	SentAt         time.Time // zero unless sent
	ErrorMessage   string
	Metadata       map[string]any
	CreatedAt      time.Time
}

// HistoryEntry is one immutable delivery-attempt record.
type HistoryEntry struct {
	ID             string
	QueueID        string // empty for immediate sends
	TemplateID     string
	ScheduleID     string
	RecipientID    string
	RecipientEmail string
	RecipientPhone string
	Channel        Channel
	Subject        string
	BodyPreview    string // truncated to 500 chars
	Status         HistoryStatus
	ExternalID     string
	ErrorMessage   string
	Metadata       map[string]any
	SentAt         time.Time // zero for failed attempts
	CreatedAt      time.Time
}

// EscalationState tracks the reminder level for one (entity, resident) pair.
type EscalationState struct {
	ID                 string
	EntityType         string
	EntityID           string
	ResidentID         string
	CurrentLevel       int
	LastNotificationID string
	LastNotifiedAt     time.Time
	NextScheduledAt    time.Time // zero when nothing is scheduled
	IsResolved         bool
	ResolvedAt         time.Time
	ResolvedReason     string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Recipient is a directory snapshot of contact details.
type Recipient struct {
	ID    string
	Name  string
	Email string
	Phone string
}

// RenderResult is the output of rendering a template.
type RenderResult struct {
	Subject string
	Body    string
	HTML    string
}

// SendResult reports one send attempt.
type SendResult struct {
	Success    bool
	HistoryID  string
	ExternalID string
	Error      string
}

// ProcessResult aggregates one processing batch for observability.
type ProcessResult struct {
	Processed int
	Sent      int
	Failed    int
	Skipped   int
	Errors    []ProcessError
}

// ProcessError ties a failure to the queue item that produced it.
type ProcessError struct {
	QueueID string
	Error   string
}

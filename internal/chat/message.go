package chat

import "time"

// Sender classifies a message relative to the current session identity.
// It is derived by comparing the message's origin identity to the session's
// client id, never by UI role.
type Sender string

const (
	SenderSelf         Sender = "self"
	SenderCounterparty Sender = "counterparty"
)

// DeliveryState tracks the lifecycle of a self-sent message.
// Counterparty messages are always delivered.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryDelivered DeliveryState = "delivered"
)

// Message is one chat line.
//
// Two id spaces exist: a local id assigned at creation time for messages not
// yet acknowledged, and a server id assigned once persisted. Whatever is in
// ID is the canonical id at that moment; resolution rewrites local -> server.
type Message struct {
	ID               string
	CorrelationToken string
	SenderID         string
	Sender           Sender
	Body             string
	CreatedAt        time.Time
	Delivery         DeliveryState

	// ServerSentAt is the backend's persisted timestamp, filled once the
	// message is delivered. CreatedAt stays the ordering key, so a resolved
	// optimistic message holds its position.
	ServerSentAt time.Time
}

// EntryKind tags a DisplayEntry variant.
type EntryKind uint8

const (
	EntryMessage EntryKind = iota
	EntryDateSeparator
)

// DisplayEntry is one row of the rendered conversation: either a message or
// a synthetic day-boundary separator. Separators are derived from the ordered
// message sequence and never persisted.
type DisplayEntry struct {
	Kind    EntryKind
	Message Message   // valid when Kind == EntryMessage
	Day     time.Time // valid when Kind == EntryDateSeparator (midnight UTC)
}

// dayOf truncates t to its UTC calendar day.
func dayOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

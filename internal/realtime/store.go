package realtime

import (
	"context"
	"time"
)

// StoredMessage is the canonical persisted message representation.
type StoredMessage struct {
	GroupID          string
	CorrelationToken string
	ServerMsgID      string
	SenderID         string
	SenderType       string
	Body             string
	SentAt           time.Time
}

// MessageStore persists and queries messages.
//
// Requirements:
//   - Idempotency per (group_id, correlation_token)
//   - Strictly increasing SentAt per group (deterministic pagination)
//   - History query: page of most recent messages strictly older than the
//     cursor, returned in ascending SentAt order
type MessageStore interface {
	AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error)
	FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error)
	Close() error
}

// AppendMessageInput describes a message append request.
type AppendMessageInput struct {
	GroupID          string
	CorrelationToken string
	SenderID         string
	SenderType       string
	Body             string
	Now              time.Time
}

// AppendMessageResult is the append operation result.
type AppendMessageResult struct {
	Stored     StoredMessage
	Duplicated bool
}

// FetchHistoryInput describes a history query request. Before is exclusive:
// the boundary message is never re-delivered.
type FetchHistoryInput struct {
	GroupID string
	Before  *time.Time
	Limit   int
}

// FetchHistoryResult contains the retrieved history window.
type FetchHistoryResult struct {
	Messages []StoredMessage
	HasMore  bool
}

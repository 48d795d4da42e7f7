// Package chatv1 defines the Supportline realtime chat protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the backend and clients to keep the wire protocol authoritative.
package chatv1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol clients must negotiate.
const Subprotocol = "supportline.chat.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server) and carries credentials.
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeJoinGroup joins a conversation group (client -> server) and is echoed back.
	TypeJoinGroup = "join_group"

	// TypeSendMessage requests sending a new message (client -> server).
	TypeSendMessage = "send_message"
	// TypeMessageDelivered acknowledges a send to the sender only (server -> client).
	TypeMessageDelivered = "message_delivered"
	// TypeMessageError reports a failed send to the sender only (server -> client).
	TypeMessageError = "message_error"
	// TypeReceiveMessage broadcasts an accepted message to all group members,
	// including the sender (clients suppress their own echo).
	TypeReceiveMessage = "receive_message"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// ErrCodeAuthFailed is the distinguished error code that forces channel close.
const ErrCodeAuthFailed = "auth_failed"

// User types carried in join_group and receive_message.
const (
	UserTypeClient = "client"
	UserTypeAgent  = "agent"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeJoinGroup,
		TypeSendMessage,
		TypeMessageDelivered,
		TypeMessageError,
		TypeReceiveMessage,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to authenticate the session.
// The token is attached here, at open time only; rotating a token requires
// closing the connection and dialing again.
type HelloPayload struct {
	Token    string `json:"token"`
	ClientID string `json:"client_id"`
}

// HelloAckPayload confirms authentication and carries the session id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
}

// JoinGroupPayload requests membership in a conversation group.
// A connection is joined to at most one group at a time.
type JoinGroupPayload struct {
	GroupID  string `json:"group_id"`
	UserType string `json:"user_type"`
	UserID   string `json:"user_id"`
}

// SendMessagePayload requests sending a message into a group.
// CorrelationToken is the client-generated id used to match the optimistic
// local message to its eventual acknowledgment.
type SendMessagePayload struct {
	GroupID          string `json:"group_id"`
	SenderID         string `json:"sender_id"`
	Body             string `json:"body"`
	CorrelationToken string `json:"correlation_token"`
}

// MessageDeliveredPayload acknowledges a send and returns the canonical server id.
type MessageDeliveredPayload struct {
	CorrelationToken string    `json:"correlation_token"`
	ServerMsgID      string    `json:"server_msg_id"`
	SentAt           time.Time `json:"sent_at"`
}

// MessageErrorPayload reports a failed send for one correlation token.
type MessageErrorPayload struct {
	CorrelationToken string `json:"correlation_token"`
	Code             string `json:"code"`
	Reason           string `json:"reason"`
}

// ReceiveMessagePayload is broadcast when a new message is accepted (non-duplicate).
type ReceiveMessagePayload struct {
	GroupID          string    `json:"group_id"`
	ServerMsgID      string    `json:"server_msg_id"`
	SenderID         string    `json:"sender_id"`
	SenderType       string    `json:"sender_type"`
	Body             string    `json:"body"`
	CorrelationToken string    `json:"correlation_token,omitempty"`
	SentAt           time.Time `json:"sent_at"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

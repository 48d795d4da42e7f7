package chat

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	chatv1 "supportline/contracts/chat/v1"
)

// sendAckTimeout bounds how long an optimistic send waits for its
// acknowledgment before it is failed out and rolled back.
const sendAckTimeout = 30 * time.Second

// sendCoordinator gives the sender immediate local feedback without waiting
// for the round trip, while guaranteeing eventual consistency: every send
// ends as exactly one delivered message or a rollback with the original text
// surfaced for retry.
type sendCoordinator struct {
	log     *slog.Logger
	store   *Store
	channel *Channel
	metrics *Metrics

	// onFailed surfaces a rolled-back send. Optional.
	onFailed func(SendError)
}

// Send inserts a pending message, emits it over the channel tagged with a
// fresh correlation token, and arranges reconciliation against the matching
// delivery ack or error.
//
// When the channel is not joined the call fails fast with an
// ErrChannelNotReady kind rather than silently queuing: callers check
// connection state before sending.
func (sc *sendCoordinator) Send(clientID, groupID, body string) error {
	body = strings.TrimSpace(body)
	if body == "" {
		return OpError{Op: "chat.Send", Kind: ErrInvalidInput, Msg: "empty body"}
	}
	if sc.channel.State() != StateJoined {
		return OpError{Op: "chat.Send", Kind: ErrChannelNotReady}
	}

	token := newULID()
	localID := newLocalID(token)
	now := time.Now().UTC()

	sc.store.UpsertMany([]Message{{
		ID:               localID,
		CorrelationToken: token,
		SenderID:         clientID,
		Sender:           SenderSelf,
		Body:             body,
		CreatedAt:        now,
		Delivery:         DeliveryPending,
	}})

	ack := sc.channel.awaitAck(token)

	payload, _ := json.Marshal(chatv1.SendMessagePayload{
		GroupID:          groupID,
		SenderID:         clientID,
		Body:             body,
		CorrelationToken: token,
	})
	if err := sc.channel.send(newEnvelope(chatv1.TypeSendMessage, payload)); err != nil {
		sc.channel.dropWaiter(token)
		sc.store.RemoveByID(localID)
		return err
	}

	sc.metrics.sendStarted()
	go sc.await(token, localID, body, ack)
	return nil
}

// await reconciles one in-flight send. A message is never sent twice for one
// Send invocation: on any failure (explicit error, disconnect flush, or
// timeout) the pending entry is removed and the body handed back for a
// user-initiated retry.
func (sc *sendCoordinator) await(token, localID, body string, ack <-chan ackResult) {
	var res ackResult
	select {
	case res = <-ack:
	case <-time.After(sendAckTimeout):
		sc.channel.dropWaiter(token)
		res = ackResult{errCode: "timeout", errReason: "no acknowledgment"}
	}

	if res.failed() {
		sc.store.RemoveByID(localID)
		sc.metrics.sendFailed()
		sc.log.Info("chat.send.failed", "correlation_token", token, "code", res.errCode, "reason", res.errReason)
		if sc.onFailed != nil {
			sc.onFailed(SendError{Body: body, Code: res.errCode, Reason: res.errReason})
		}
		return
	}

	sc.store.ResolvePending(token, res.serverMsgID, res.sentAt)
	sc.metrics.sendDelivered()
	sc.log.Debug("chat.send.delivered", "correlation_token", token, "server_msg_id", res.serverMsgID)
}

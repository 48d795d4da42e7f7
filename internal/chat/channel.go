package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	chatv1 "supportline/contracts/chat/v1"
)

// ChannelState is the connection lifecycle of the realtime channel.
type ChannelState int32

const (
	StateDisconnected ChannelState = iota
	StateConnecting
	StateJoined
)

func (s ChannelState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	default:
		return "disconnected"
	}
}

const (
	channelDefaultDialTimeout  = 10 * time.Second
	channelDefaultWriteTimeout = 5 * time.Second
	channelDefaultSendQueue    = 64
)

// ChannelEvents are the adapter's outbound signals. All callbacks are
// optional and invoked from the channel's internal goroutines; handlers must
// not block.
type ChannelEvents struct {
	// OnMessage delivers an inbound counterparty message. Self-echoes are
	// suppressed before this fires: a message whose origin equals the session
	// client id is reconciled via the delivery ack instead.
	OnMessage func(Message)

	// OnState fires on every connection state change.
	OnState func(ChannelState)

	// OnError surfaces channel-level failures. Authentication failures are
	// reported as ErrAuthFailed kinds and force the channel closed.
	OnError func(error)
}

// ChannelConfig configures a Channel.
type ChannelConfig struct {
	// WSURL is the websocket endpoint, e.g. "ws://127.0.0.1:8080/ws".
	WSURL string

	DialTimeout   time.Duration
	WriteTimeout  time.Duration
	SendQueueSize int

	Events  ChannelEvents
	Metrics *Metrics
}

// Channel owns the persistent push connection: authentication, connect,
// group join, inbound event dispatch, outbound send, and teardown.
//
// The token is attached at Open time and never mutated on an established
// connection; a token rotation requires Close + Open with the new token.
// Opening while a connection is live closes the old one first, so at most
// one connection (joined to at most one group) exists at a time.
type Channel struct {
	log *slog.Logger
	cfg ChannelConfig

	mu       sync.Mutex
	state    ChannelState
	cur      *link
	clientID string
	groupID  string

	wmu     sync.Mutex
	waiters map[string]chan ackResult
}

// link is one established connection. Goroutines hold the link, not the
// Channel, so a reopen can never race a stale reader.
type link struct {
	conn    *websocket.Conn
	sendq   chan chatv1.Envelope
	done    chan struct{}
	once    sync.Once
	groupID string
}

func (l *link) shutdown() {
	l.once.Do(func() {
		close(l.done)
		_ = l.conn.Close(websocket.StatusNormalClosure, "bye")
	})
}

// ackResult resolves one correlation token: either a server id or an error.
type ackResult struct {
	serverMsgID string
	sentAt      time.Time
	errCode     string
	errReason   string
}

func (r ackResult) failed() bool { return r.errCode != "" }

// NewChannel constructs a disconnected Channel.
func NewChannel(log *slog.Logger, cfg ChannelConfig) *Channel {
	if log == nil {
		log = slog.Default()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = channelDefaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = channelDefaultWriteTimeout
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = channelDefaultSendQueue
	}

	return &Channel{
		log:     log,
		cfg:     cfg,
		waiters: make(map[string]chan ackResult),
	}
}

// State returns the current connection state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// GroupID returns the group the channel is joined to ("" when disconnected).
func (c *Channel) GroupID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.groupID
}

// Open dials the backend, authenticates with the identity's token, joins
// groupID, and starts the reader/writer loops. The whole handshake runs
// under the dial timeout.
//
// If a connection is already live (same or different group), it is closed
// first; closing is the leave signal for the previously joined group.
func (c *Channel) Open(ctx context.Context, identity Identity, groupID string) error {
	if identity.Token == "" || identity.ClientID == "" {
		return OpError{Op: "chat.Open", Kind: ErrInvalidInput, Msg: "empty session identity"}
	}
	if groupID == "" {
		return OpError{Op: "chat.Open", Kind: ErrInvalidInput, Msg: "missing group id"}
	}

	c.mu.Lock()
	if c.cur != nil {
		old := c.cur
		c.cur = nil
		c.mu.Unlock()
		old.shutdown()
		c.flushWaiters("disconnected", "channel reopened")
		c.mu.Lock()
	}
	c.clientID = identity.ClientID
	c.groupID = ""
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	l, err := c.handshake(dialCtx, identity, groupID)
	if err != nil {
		c.mu.Lock()
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.cur = l
	c.groupID = groupID
	c.setStateLocked(StateJoined)
	c.mu.Unlock()

	c.cfg.Metrics.connOpened()

	go c.readLoop(l)
	go c.writeLoop(l)
	return nil
}

// handshake dials and performs hello -> hello_ack -> join_group -> join echo.
func (c *Channel) handshake(ctx context.Context, identity Identity, groupID string) (*link, error) {
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+identity.Token)

	conn, _, err := websocket.Dial(ctx, c.cfg.WSURL, &websocket.DialOptions{
		Subprotocols: []string{chatv1.Subprotocol},
		HTTPHeader:   hdr,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("chat.Open: connect timeout after %s: %w", c.cfg.DialTimeout, err)
		}
		return nil, fmt.Errorf("chat.Open: dial: %w", err)
	}

	ok := false
	defer func() {
		if !ok {
			_ = conn.Close(websocket.StatusNormalClosure, "handshake failed")
		}
	}()

	hello, _ := json.Marshal(chatv1.HelloPayload{Token: identity.Token, ClientID: identity.ClientID})
	if err := writeEnvelope(ctx, conn, newEnvelope(chatv1.TypeHello, hello), c.cfg.WriteTimeout); err != nil {
		return nil, fmt.Errorf("chat.Open: hello: %w", err)
	}

	env, err := readEnvelope(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("chat.Open: hello_ack: %w", err)
	}
	if env.Type == chatv1.TypeError {
		return nil, handshakeError(env)
	}
	if env.Type != chatv1.TypeHelloAck {
		return nil, fmt.Errorf("chat.Open: unexpected envelope %q during handshake", env.Type)
	}

	join, _ := json.Marshal(chatv1.JoinGroupPayload{
		GroupID:  groupID,
		UserType: chatv1.UserTypeClient,
		UserID:   identity.ClientID,
	})
	if err := writeEnvelope(ctx, conn, newEnvelope(chatv1.TypeJoinGroup, join), c.cfg.WriteTimeout); err != nil {
		return nil, fmt.Errorf("chat.Open: join_group: %w", err)
	}

	env, err = readEnvelope(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("chat.Open: join echo: %w", err)
	}
	if env.Type == chatv1.TypeError {
		return nil, handshakeError(env)
	}
	if env.Type != chatv1.TypeJoinGroup {
		return nil, fmt.Errorf("chat.Open: unexpected envelope %q after join", env.Type)
	}

	ok = true
	return &link{
		conn:    conn,
		sendq:   make(chan chatv1.Envelope, c.cfg.SendQueueSize),
		done:    make(chan struct{}),
		groupID: groupID,
	}, nil
}

func handshakeError(env chatv1.Envelope) error {
	var p chatv1.ErrorPayload
	_ = json.Unmarshal(env.Payload, &p)
	if p.Code == chatv1.ErrCodeAuthFailed {
		return OpError{Op: "chat.Open", Kind: ErrAuthFailed, Msg: p.Message}
	}
	return fmt.Errorf("chat.Open: rejected: %s: %s", p.Code, p.Message)
}

// Close tears the channel down. Safe to call from any state and idempotent;
// all waiter registrations are released.
func (c *Channel) Close() {
	c.mu.Lock()
	l := c.cur
	c.cur = nil
	c.groupID = ""
	changed := c.state != StateDisconnected
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if l != nil {
		l.shutdown()
	}
	if changed || l != nil {
		c.flushWaiters("disconnected", "channel closed")
	}
}

// send enqueues an envelope for the writer loop. It fails fast when the
// channel is not joined or the queue is full: explicit backpressure instead
// of hidden buffering across reconnects.
func (c *Channel) send(env chatv1.Envelope) error {
	c.mu.Lock()
	l := c.cur
	joined := c.state == StateJoined
	c.mu.Unlock()

	if !joined || l == nil {
		return OpError{Op: "chat.send", Kind: ErrChannelNotReady}
	}

	select {
	case <-l.done:
		return OpError{Op: "chat.send", Kind: ErrChannelNotReady}
	case l.sendq <- env:
		return nil
	default:
		return OpError{Op: "chat.send", Kind: ErrChannelNotReady, Msg: "send queue full"}
	}
}

// ---- loops ----

func (c *Channel) writeLoop(l *link) {
	for {
		select {
		case <-l.done:
			return
		case env := <-l.sendq:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
			err := writeEnvelope(ctx, l.conn, env, c.cfg.WriteTimeout)
			cancel()
			if err != nil {
				c.log.Info("chat.channel.write.fail", "err", err)
				c.dropLink(l, fmt.Errorf("write failed: %w", err))
				return
			}
		}
	}
}

func (c *Channel) readLoop(l *link) {
	for {
		env, err := readEnvelope(context.Background(), l.conn)
		if err != nil {
			select {
			case <-l.done:
				// Explicit close already handled.
			default:
				c.log.Info("chat.channel.read.fail", "close_status", websocket.CloseStatus(err), "err", err)
				c.dropLink(l, fmt.Errorf("connection lost: %w", err))
			}
			return
		}

		if err := env.Validate(); err != nil {
			c.log.Info("chat.channel.envelope.invalid", "err", err)
			continue
		}
		c.dispatch(l, env)
	}
}

// dropLink handles an unexpected connection loss for l. Late failures from a
// superseded link are ignored.
func (c *Channel) dropLink(l *link, cause error) {
	c.mu.Lock()
	if c.cur != l {
		c.mu.Unlock()
		l.shutdown()
		return
	}
	c.cur = nil
	c.groupID = ""
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	l.shutdown()

	// A reconnect never retries outstanding sends: they are failed out and
	// retried only by the user, which avoids duplicate delivery.
	c.flushWaiters("disconnected", cause.Error())

	if c.cfg.Events.OnError != nil {
		c.cfg.Events.OnError(cause)
	}
}

func (c *Channel) dispatch(l *link, env chatv1.Envelope) {
	switch env.Type {
	case chatv1.TypeReceiveMessage:
		var p chatv1.ReceiveMessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.log.Info("chat.channel.payload.invalid", "type", env.Type, "err", err)
			return
		}

		c.mu.Lock()
		clientID := c.clientID
		c.mu.Unlock()

		if p.SenderID == clientID {
			// Self-echo: this client already holds the message as pending or
			// delivered; it is reconciled via message_delivered instead.
			c.log.Debug("chat.channel.echo.suppressed", "correlation_token", p.CorrelationToken)
			return
		}
		if c.cfg.Events.OnMessage != nil {
			c.cfg.Events.OnMessage(messageFromWire(p, clientID))
		}

	case chatv1.TypeMessageDelivered:
		var p chatv1.MessageDeliveredPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		c.resolveWaiter(p.CorrelationToken, ackResult{serverMsgID: p.ServerMsgID, sentAt: p.SentAt})

	case chatv1.TypeMessageError:
		var p chatv1.MessageErrorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		code := p.Code
		if code == "" {
			code = "send_failed"
		}
		c.resolveWaiter(p.CorrelationToken, ackResult{errCode: code, errReason: p.Reason})

	case chatv1.TypeError:
		var p chatv1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)

		if p.Code == chatv1.ErrCodeAuthFailed {
			// Authentication failure is the one error that force-closes.
			if c.cfg.Events.OnError != nil {
				c.cfg.Events.OnError(OpError{Op: "chat.channel", Kind: ErrAuthFailed, Msg: p.Message})
			}
			c.dropLink(l, OpError{Op: "chat.channel", Kind: ErrAuthFailed, Msg: p.Message})
			return
		}
		if c.cfg.Events.OnError != nil {
			c.cfg.Events.OnError(fmt.Errorf("chat.channel: %s: %s", p.Code, p.Message))
		}

	default:
		c.log.Debug("chat.channel.envelope.ignored", "type", env.Type)
	}
}

// ---- waiter registry ----
//
// One persistent dispatcher (the read loop) resolves a correlation-token
// keyed map of pending sends. Registrations are connection-scoped: a
// disconnect flushes every waiter as failed, so nothing can leak when a
// response never arrives.

func (c *Channel) awaitAck(token string) <-chan ackResult {
	ch := make(chan ackResult, 1)
	c.wmu.Lock()
	c.waiters[token] = ch
	c.wmu.Unlock()
	return ch
}

func (c *Channel) dropWaiter(token string) {
	c.wmu.Lock()
	delete(c.waiters, token)
	c.wmu.Unlock()
}

func (c *Channel) resolveWaiter(token string, res ackResult) {
	c.wmu.Lock()
	ch := c.waiters[token]
	delete(c.waiters, token)
	c.wmu.Unlock()

	if ch != nil {
		ch <- res
	}
}

func (c *Channel) flushWaiters(code, reason string) {
	c.wmu.Lock()
	flushed := c.waiters
	c.waiters = make(map[string]chan ackResult)
	c.wmu.Unlock()

	for _, ch := range flushed {
		ch <- ackResult{errCode: code, errReason: reason}
	}
}

// setStateLocked updates state and fires OnState. Caller holds c.mu.
func (c *Channel) setStateLocked(s ChannelState) {
	if c.state == s {
		return
	}
	c.state = s
	c.cfg.Metrics.connState(s)
	if c.cfg.Events.OnState != nil {
		go c.cfg.Events.OnState(s)
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage) chatv1.Envelope {
	return chatv1.Envelope{
		V:       chatv1.Version,
		Type:    typ,
		ID:      newULID(),
		TS:      time.Now().UTC(),
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (chatv1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return chatv1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return chatv1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env chatv1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return chatv1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env chatv1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

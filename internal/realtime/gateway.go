package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	chatv1 "supportline/contracts/chat/v1"
)

const (
	gwDefaultSendQueueSize = 256
	gwMinSendQueueSize     = 32

	gwDefaultWriteTimeout = 5 * time.Second
	gwDefaultReadIdle     = 2 * time.Minute
	gwDefaultHelloWindow  = 10 * time.Second
	gwCloseGrace          = 1 * time.Second

	gwMaxPingFailures = 3
)

// GatewayConfig configures the websocket gateway. Zero values fall back to
// safe defaults.
type GatewayConfig struct {
	// OriginPatterns authorizes cross-origin handshakes (host patterns).
	// Empty means same-host only.
	OriginPatterns []string

	// DevInsecure skips TLS verification on Accept. Dev-only knob.
	DevInsecure bool

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	// HelloWindow bounds how long a connection may stay unauthenticated.
	HelloWindow   time.Duration
	SendQueueSize int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = gwDefaultWriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = gwDefaultReadIdle
	}
	if c.HelloWindow <= 0 {
		c.HelloWindow = gwDefaultHelloWindow
	}
	if c.SendQueueSize < gwMinSendQueueSize {
		c.SendQueueSize = gwDefaultSendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = heartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = heartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = rateLimitEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = rateLimitWindow
	}
	return c
}

// Gateway is the websocket entrypoint for Supportline realtime.
//
// It authenticates the hello handshake, enforces rate limits and heartbeats,
// and routes validated envelopes to the Hub, MessageStore, and GroupStore.
type Gateway struct {
	log     *slog.Logger
	cfg     GatewayConfig
	hub     *Hub
	store   MessageStore
	groups  GroupStore
	tokens  TokenVerifier
	metrics *GatewayMetrics
}

// NewGateway constructs a gateway. When hub/store/groups are nil, in-memory
// implementations are used (dev mode). tokens must be non-nil: the gateway
// never runs unauthenticated.
func NewGateway(log *slog.Logger, cfg GatewayConfig, hub *Hub, store MessageStore, groups GroupStore, tokens TokenVerifier) (*Gateway, error) {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if tokens == nil {
		return nil, errors.New("realtime: nil token verifier")
	}
	if hub == nil {
		hub = NewHub(log)
	}
	if store == nil {
		store = NewInMemoryStore()
	}
	if groups == nil {
		groups = NewInMemoryGroupStore()
	}

	return &Gateway{
		log:    log,
		cfg:    cfg.withDefaults(),
		hub:    hub,
		store:  store,
		groups: groups,
		tokens: tokens,
	}, nil
}

// SetMetrics attaches Prometheus collectors. Optional.
func (g *Gateway) SetMetrics(m *GatewayMetrics) { g.metrics = m }

// ServeHTTP adapter so the gateway can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a websocket session and runs the
// realtime loop.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{chatv1.Subprotocol},
		OriginPatterns:     g.cfg.OriginPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != chatv1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", chatv1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The first envelope must be an authenticated hello within the window.
	client, errCode, err := g.awaitHello(ctx, conn)
	if err != nil {
		g.log.Info("ws.hello.fail", "code", errCode, "err", err)
		msg := "hello failed"
		if errCode == chatv1.ErrCodeAuthFailed {
			msg = "authentication failed"
		}
		g.writeDirectError(ctx, conn, errCode, msg)
		_ = conn.Close(websocket.StatusPolicyViolation, "hello failed")
		return
	}

	g.metrics.connOpened()
	defer g.metrics.connClosed()

	var (
		closeOnce sync.Once
		joined    *Group
	)

	// shutdown is idempotent. It does NOT close client.Send.
	// Broadcast safety: membership removal happens before client.Close.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			if joined != nil {
				joined.Leave(client.SessionID)
				joined = nil
			}

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := gwWriteEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", client.SessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", client.SessionID, "failures", failures, "err", err)
					if failures >= gwMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := gwReadEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", client.SessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		g.metrics.envelopeReceived(env.Type)

		switch env.Type {
		case chatv1.TypeJoinGroup:
			grp, err := g.onJoinGroup(ctx, client, env)
			if err != nil {
				g.trySendError(ctx, client, "join_failed", err.Error())
				continue readLoop
			}

			// Membership stability: leave the old group before switching.
			if joined != nil && joined.ID != grp.ID {
				joined.Leave(client.SessionID)
			}
			joined = grp

		case chatv1.TypeSendMessage:
			if joined == nil {
				g.trySendError(ctx, client, "not_joined", "join first")
				continue readLoop
			}
			g.onSendMessage(ctx, client, joined, env, now)

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(gwCloseGrace):
	}
}

// ---- handshake ----

// awaitHello reads and verifies the hello envelope, then acknowledges it.
// The returned client is authenticated. On failure the second return value
// is the error code to answer with: auth_failed only when the credentials
// themselves are rejected, bad_hello for protocol-level failures.
func (g *Gateway) awaitHello(ctx context.Context, conn *websocket.Conn) (*Client, string, error) {
	helloCtx, cancel := context.WithTimeout(ctx, g.cfg.HelloWindow)
	defer cancel()

	env, err := gwReadEnvelope(helloCtx, conn)
	if err != nil {
		return nil, "bad_hello", fmt.Errorf("read hello: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, "bad_hello", fmt.Errorf("hello envelope: %w", err)
	}
	if env.Type != chatv1.TypeHello {
		return nil, "bad_hello", fmt.Errorf("expected hello, got %q", env.Type)
	}

	var p chatv1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, "bad_hello", fmt.Errorf("hello payload: %w", err)
	}

	clientID, err := g.tokens.Verify(helloCtx, strings.TrimSpace(p.Token))
	if err != nil {
		return nil, chatv1.ErrCodeAuthFailed, fmt.Errorf("verify token: %w", err)
	}
	if p.ClientID != "" && p.ClientID != clientID {
		return nil, chatv1.ErrCodeAuthFailed, errors.New("client id does not match token")
	}

	sessionID, err := NewULID(time.Now().UTC())
	if err != nil {
		return nil, "bad_hello", err
	}

	client := NewClient(clientID, sessionID, g.cfg.SendQueueSize)
	client.UserType = chatv1.UserTypeClient

	ackPayload, _ := json.Marshal(chatv1.HelloAckPayload{SessionID: sessionID})
	ack := gwNewEnvelope(chatv1.TypeHelloAck, ackPayload, time.Now().UTC())
	if err := gwWriteEnvelope(helloCtx, conn, ack, g.cfg.WriteTimeout); err != nil {
		return nil, "bad_hello", fmt.Errorf("write hello_ack: %w", err)
	}

	g.log.Info("ws.session.open", "session_id", sessionID, "client_id", clientID)
	return client, "", nil
}

// ---- handlers ----

func (g *Gateway) onJoinGroup(ctx context.Context, client *Client, env chatv1.Envelope) (*Group, error) {
	var p chatv1.JoinGroupPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	groupID := strings.TrimSpace(p.GroupID)
	if groupID == "" {
		return nil, errors.New("missing group_id")
	}

	stored, err := g.groups.GetGroup(ctx, groupID)
	if err != nil {
		return nil, errors.New("unknown group")
	}

	// Role comes from the join payload; a production deployment derives it
	// from the identity service instead.
	if p.UserType == chatv1.UserTypeAgent {
		client.UserType = chatv1.UserTypeAgent
	}

	// Clients may only join their own conversation; agents join any.
	if client.UserType != chatv1.UserTypeAgent && stored.ClientID != client.ClientID {
		return nil, errors.New("not a member of group")
	}

	grp := g.hub.GetOrCreateGroup(groupID)
	grp.Join(client)

	echoPayload, _ := json.Marshal(chatv1.JoinGroupPayload{
		GroupID:  grp.ID,
		UserType: client.UserType,
		UserID:   client.ClientID,
	})
	echo := gwNewEnvelope(chatv1.TypeJoinGroup, echoPayload, time.Now().UTC())

	if !g.enqueue(ctx, client, echo) {
		grp.Leave(client.SessionID)
		return nil, errors.New("backpressure: join echo")
	}

	return grp, nil
}

// onSendMessage appends the message and answers the sender with either
// message_delivered or message_error; accepted non-duplicate messages are
// broadcast to the whole group (sender included).
func (g *Gateway) onSendMessage(ctx context.Context, client *Client, grp *Group, env chatv1.Envelope, now time.Time) {
	var p chatv1.SendMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(ctx, client, "send_failed", "invalid payload")
		return
	}

	token := strings.TrimSpace(p.CorrelationToken)
	if token == "" {
		g.trySendError(ctx, client, "send_failed", "missing correlation_token")
		return
	}

	reject := func(code, reason string) {
		errPayload, _ := json.Marshal(chatv1.MessageErrorPayload{
			CorrelationToken: token,
			Code:             code,
			Reason:           reason,
		})
		_ = g.enqueue(ctx, client, gwNewEnvelope(chatv1.TypeMessageError, errPayload, now))
	}

	if strings.TrimSpace(p.GroupID) == "" || p.GroupID != grp.ID {
		reject("invalid_group", "group_id does not match joined group")
		return
	}

	body := strings.TrimSpace(p.Body)
	if body == "" {
		reject("empty_body", "empty body")
		return
	}
	if len([]rune(body)) > maxMessageChars {
		reject("too_long", fmt.Sprintf("message too long: max=%d chars", maxMessageChars))
		return
	}

	res, err := g.store.AppendMessage(ctx, AppendMessageInput{
		GroupID:          p.GroupID,
		CorrelationToken: token,
		SenderID:         client.ClientID,
		SenderType:       client.UserType,
		Body:             body,
		Now:              now,
	})
	if err != nil {
		g.log.Info("ws.store.append.fail", "session_id", client.SessionID, "err", err)
		reject("store_failed", "message not persisted")
		return
	}

	stored := res.Stored

	ackPayload, _ := json.Marshal(chatv1.MessageDeliveredPayload{
		CorrelationToken: stored.CorrelationToken,
		ServerMsgID:      stored.ServerMsgID,
		SentAt:           stored.SentAt,
	})
	if !g.enqueue(ctx, client, gwNewEnvelope(chatv1.TypeMessageDelivered, ackPayload, now)) {
		g.log.Info("ws.ack.backpressure", "session_id", client.SessionID)
	}

	if res.Duplicated {
		return
	}

	g.metrics.messageAccepted()

	newPayload, _ := json.Marshal(chatv1.ReceiveMessagePayload{
		GroupID:          stored.GroupID,
		ServerMsgID:      stored.ServerMsgID,
		SenderID:         stored.SenderID,
		SenderType:       stored.SenderType,
		Body:             stored.Body,
		CorrelationToken: stored.CorrelationToken,
		SentAt:           stored.SentAt,
	})
	grp.Broadcast(gwNewEnvelope(chatv1.TypeReceiveMessage, newPayload, now))
}

// ---- send helpers ----

func (g *Gateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(chatv1.ErrorPayload{Code: code, Message: msg})
	env := gwNewEnvelope(chatv1.TypeError, p, time.Now().UTC())
	_ = g.enqueue(ctx, client, env)
}

// writeDirectError writes an error envelope before the client loops exist
// (pre-hello failures).
func (g *Gateway) writeDirectError(ctx context.Context, conn *websocket.Conn, code, msg string) {
	p, _ := json.Marshal(chatv1.ErrorPayload{Code: code, Message: msg})
	env := gwNewEnvelope(chatv1.TypeError, p, time.Now().UTC())
	_ = gwWriteEnvelope(ctx, conn, env, g.cfg.WriteTimeout)
}

func (g *Gateway) enqueue(ctx context.Context, client *Client, env chatv1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func gwNewEnvelope(typ string, payload json.RawMessage, ts time.Time) chatv1.Envelope {
	id, err := NewULID(ts)
	if err != nil {
		id = NewRandomHex(10)
	}
	return chatv1.Envelope{
		V:       chatv1.Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: payload,
	}
}

func gwReadEnvelope(ctx context.Context, conn *websocket.Conn) (chatv1.Envelope, error) {
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

func gwWriteEnvelope(parent context.Context, conn *websocket.Conn, env chatv1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

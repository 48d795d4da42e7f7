// Command ws-smoke is a CI-friendly end-to-end smoke test for a running
// Supportline daemon.
//
// It validates:
//   - account registration + bearer token issuance
//   - group creation via the REST API
//   - handshake + subprotocol selection
//   - hello/hello_ack session establishment
//   - join echo and agent join
//   - send -> message_delivered to the sender
//   - receive_message fanout to the agent
//   - idempotent dedupe by correlation_token (no re-broadcast)
//   - REST history fetch containing the message
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	chatv1 "supportline/contracts/chat/v1"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeConn struct {
	name      string
	conn      *websocket.Conn
	sessionID string

	inbox chan chatv1.Envelope
	errCh chan error
}

func main() {
	var (
		baseURL = flag.String("base", "http://127.0.0.1:8080", "HTTP API base URL")
		wsURL   = flag.String("ws", "", "WebSocket URL (default derived from -base)")
		text    = flag.String("text", "hello supportline", "message body to send")
		timeout = flag.Duration("timeout", 7*time.Second, "per-step timeout")
		verbose = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()

	ws := *wsURL
	if ws == "" {
		ws = strings.Replace(*baseURL, "http", "ws", 1) + "/ws"
	}
	if err := validateWSURL(ws); err != nil {
		fatalf("invalid ws url: %v", err)
	}

	root := context.Background()
	hc := &http.Client{Timeout: *timeout}

	// Fresh accounts per run keep the smoke test re-runnable.
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	client := mustRegister(root, hc, *baseURL, "555"+suffix[len(suffix)-7:], *timeout)
	agent := mustRegister(root, hc, *baseURL, "556"+suffix[len(suffix)-7:], *timeout)

	group := mustCreateGroup(root, hc, *baseURL, client.Token, *timeout)
	if *verbose {
		fmt.Printf("client=%s agent=%s group=%s\n", client.ClientID, agent.ClientID, group.ID)
	}

	a := mustConnect(root, "client", ws, client, *timeout)
	defer closeWS(a.conn)
	b := mustConnect(root, "agent", ws, agent, *timeout)
	defer closeWS(b.conn)

	mustJoin(root, a, group.ID, chatv1.UserTypeClient, *timeout)
	mustJoin(root, b, group.ID, chatv1.UserTypeAgent, *timeout)

	corr := fmt.Sprintf("smoke-%d", time.Now().UnixNano())

	delivered := mustSendAndAssertDelivered(root, a, group.ID, client.ClientID, corr, *text, *timeout)
	mustAssertReceive(root, b, group.ID, corr, delivered.ServerMsgID, client.ClientID, *text, *timeout)

	// The sender receives the broadcast too (clients suppress it locally).
	_ = drainOptionalReceive(root, a, 750*time.Millisecond)

	// Retransmit: same ack, no second fanout.
	dup := mustSendAndAssertDelivered(root, a, group.ID, client.ClientID, corr, *text, *timeout)
	if dup.ServerMsgID != delivered.ServerMsgID {
		fatalf("dedupe: server_msg_id mismatch: first=%s second=%s", delivered.ServerMsgID, dup.ServerMsgID)
	}
	mustAssertNoType(root, b, chatv1.TypeReceiveMessage, 1200*time.Millisecond)
	mustAssertNoType(root, a, chatv1.TypeReceiveMessage, 1200*time.Millisecond)

	mustHistoryContains(root, hc, *baseURL, client.Token, group.ID, delivered.ServerMsgID, *text, *timeout)

	fmt.Printf("OK: client=%s agent=%s group=%s server_msg_id=%s\n",
		a.sessionID, b.sessionID, group.ID, delivered.ServerMsgID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

// ---- REST steps ----

func mustRegister(parent context.Context, hc *http.Client, baseURL, number string, stepTimeout time.Duration) chatv1.LoginResponse {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	body, _ := json.Marshal(chatv1.LoginRequest{
		CountryCode: "+1",
		Number:      number,
		Password:    "smoke-test-password",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/register", bytes.NewReader(body))
	if err != nil {
		fatalf("register request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		fatalf("register: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		fatalf("register: status=%d", resp.StatusCode)
	}

	var out chatv1.LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fatalf("register decode: %v", err)
	}
	if out.Token == "" || out.ClientID == "" {
		fatalf("register: empty token or client id")
	}
	return out
}

func mustCreateGroup(parent context.Context, hc *http.Client, baseURL, token string, stepTimeout time.Duration) chatv1.GroupRecord {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	body, _ := json.Marshal(chatv1.CreateGroupRequest{DepartmentID: "customer-service"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/groups", bytes.NewReader(body))
	if err != nil {
		fatalf("create group request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := hc.Do(req)
	if err != nil {
		fatalf("create group: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		fatalf("create group: status=%d", resp.StatusCode)
	}

	var out chatv1.GroupRecord
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fatalf("create group decode: %v", err)
	}
	return out
}

func mustHistoryContains(parent context.Context, hc *http.Client, baseURL, token, groupID, serverMsgID, text string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	u := fmt.Sprintf("%s/api/groups/%s/messages?limit=50", baseURL, url.PathEscape(groupID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		fatalf("history request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := hc.Do(req)
	if err != nil {
		fatalf("history: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		fatalf("history: status=%d", resp.StatusCode)
	}

	var out chatv1.HistoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fatalf("history decode: %v", err)
	}

	for _, m := range out.Messages {
		if m.ServerMsgID == serverMsgID && m.Body == text && !m.SentAt.IsZero() {
			return
		}
	}
	fatalf("history missing expected message %s", serverMsgID)
}

// ---- websocket steps ----

func mustConnect(parent context.Context, name, wsURL string, login chatv1.LoginResponse, stepTimeout time.Duration) *smokeConn {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{chatv1.Subprotocol},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	if got := conn.Subprotocol(); got != chatv1.Subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, got, chatv1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeConn{
		name:  name,
		conn:  conn,
		inbox: make(chan chatv1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	mustWriteWithTimeout(parent, conn, envelope(name+"-hello", chatv1.TypeHello, chatv1.HelloPayload{
		Token:    login.Token,
		ClientID: login.ClientID,
	}), stepTimeout)

	ack := c.mustReadUntilType(parent, chatv1.TypeHelloAck, stepTimeout, nil)

	var p chatv1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	c.sessionID = p.SessionID
	return c
}

func (c *smokeConn) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.reportErr(err)
				return
			}
			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				c.reportErr(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env chatv1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.reportErr(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.reportErr(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.reportErr(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeConn) reportErr(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func mustJoin(parent context.Context, c *smokeConn, groupID, userType string, stepTimeout time.Duration) {
	mustWriteWithTimeout(parent, c.conn, envelope(c.name+"-join", chatv1.TypeJoinGroup, chatv1.JoinGroupPayload{
		GroupID:  groupID,
		UserType: userType,
	}), stepTimeout)

	echo := c.mustReadUntilType(parent, chatv1.TypeJoinGroup, stepTimeout, nil)

	var p chatv1.JoinGroupPayload
	if err := json.Unmarshal(echo.Payload, &p); err != nil {
		fatalf("unmarshal join echo payload (%s): %v", c.name, err)
	}
	if p.GroupID != groupID {
		fatalf("join echo group_id mismatch (%s): got=%q want=%q", c.name, p.GroupID, groupID)
	}
}

func mustSendAndAssertDelivered(parent context.Context, c *smokeConn, groupID, senderID, corr, text string, stepTimeout time.Duration) chatv1.MessageDeliveredPayload {
	mustWriteWithTimeout(parent, c.conn, envelope(c.name+"-send-"+corr, chatv1.TypeSendMessage, chatv1.SendMessagePayload{
		GroupID:          groupID,
		SenderID:         senderID,
		Body:             text,
		CorrelationToken: corr,
	}), stepTimeout)

	skip := map[string]struct{}{chatv1.TypeReceiveMessage: {}}
	ack := c.mustReadUntilType(parent, chatv1.TypeMessageDelivered, stepTimeout, skip)

	var p chatv1.MessageDeliveredPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal message_delivered payload (%s): %v", c.name, err)
	}
	if p.CorrelationToken != corr {
		fatalf("ack correlation_token mismatch (%s): got=%q want=%q", c.name, p.CorrelationToken, corr)
	}
	if strings.TrimSpace(p.ServerMsgID) == "" {
		fatalf("ack missing server_msg_id (%s)", c.name)
	}
	if p.SentAt.IsZero() {
		fatalf("ack sent_at missing/zero (%s)", c.name)
	}
	return p
}

func mustAssertReceive(parent context.Context, c *smokeConn, groupID, corr, serverMsgID, senderID, text string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, chatv1.TypeReceiveMessage, stepTimeout, nil)

	var p chatv1.ReceiveMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal receive_message payload (%s): %v", c.name, err)
	}
	if p.GroupID != groupID || p.CorrelationToken != corr || p.ServerMsgID != serverMsgID ||
		p.SenderID != senderID || p.Body != text || p.SentAt.IsZero() {
		fatalf("receive_message mismatch (%s): %+v", c.name, p)
	}
}

func drainOptionalReceive(parent context.Context, c *smokeConn, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-c.errCh:
			if err != nil {
				return err
			}
			return errors.New("connection closed while draining")
		case env, ok := <-c.inbox:
			if !ok {
				return errors.New("connection closed while draining")
			}
			if env.Type == chatv1.TypeReceiveMessage {
				return nil
			}
		}
	}
}

func mustAssertNoType(parent context.Context, c *smokeConn, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == chatv1.TypeError {
				var ep chatv1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeConn) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) chatv1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == chatv1.TypeError {
				var ep chatv1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env chatv1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func envelope(id, typ string, payload any) chatv1.Envelope {
	b, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return chatv1.Envelope{V: chatv1.Version, Type: typ, ID: id, TS: time.Now().UTC(), Payload: b}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}

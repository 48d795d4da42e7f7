package chat

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	chatv1 "supportline/contracts/chat/v1"
	"supportline/internal/chatapi"
	"supportline/internal/realtime"
)

// backendHarness is a full in-process backend: REST API plus realtime
// gateway, sharing one set of stores.
type backendHarness struct {
	ts       *httptest.Server
	tokens   *realtime.MemoryTokenStore
	groups   *realtime.InMemoryGroupStore
	messages *realtime.InMemoryStore
}

func newBackendHarness(t *testing.T) *backendHarness {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	tokens := realtime.NewMemoryTokenStore()
	groups := realtime.NewInMemoryGroupStore()
	messages := realtime.NewInMemoryStore()
	accounts := realtime.NewAccountStore(realtime.Argon2idParams{
		MemoryKiB:   8 * 1024,
		Iterations:  1,
		Parallelism: 1,
		SaltLen:     16,
		KeyLen:      32,
	})

	gw, err := realtime.NewGateway(log, realtime.GatewayConfig{}, realtime.NewHub(log), messages, groups, tokens)
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	api, err := chatapi.NewHandler(log, chatapi.Config{}, accounts, tokens, tokens, groups, messages)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	mux := http.NewServeMux()
	api.Register(mux)
	mux.Handle("/ws", gw)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &backendHarness{ts: ts, tokens: tokens, groups: groups, messages: messages}
}

func (h *backendHarness) wsURL() string {
	return "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws"
}

func (h *backendHarness) newSession(t *testing.T, events SessionEvents) *Session {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewSession(log, SessionConfig{
		BaseURL: h.ts.URL,
		WSURL:   h.wsURL(),
		Events:  events,
	})
	t.Cleanup(s.Close)
	return s
}

// identityFor mints a token and (optionally) a conversation group.
func (h *backendHarness) identityFor(t *testing.T, clientID string, withGroup bool) (Identity, realtime.StoredGroup) {
	t.Helper()

	token, err := h.tokens.Issue(clientID)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	var grp realtime.StoredGroup
	if withGroup {
		grp, err = h.groups.CreateGroup(context.Background(), clientID, "billing")
		if err != nil {
			t.Fatalf("CreateGroup: %v", err)
		}
	}
	return Identity{Token: token, ClientID: clientID}, grp
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func messageEntries(entries []DisplayEntry) []Message {
	var out []Message
	for _, e := range entries {
		if e.Kind == EntryMessage {
			out = append(out, e.Message)
		}
	}
	return out
}

func TestSessionOptimisticSendResolves(t *testing.T) {
	h := newBackendHarness(t)
	id, _ := h.identityFor(t, "client-1", true)
	s := h.newSession(t, SessionEvents{})

	if err := s.SetIdentity(context.Background(), id); err != nil {
		t.Fatalf("SetIdentity: %v", err)
	}
	if s.ConnState() != StateJoined {
		t.Fatalf("state = %v, want joined", s.ConnState())
	}

	if err := s.Send("hello support"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// The optimistic entry is visible immediately.
	msgs := messageEntries(s.DisplaySequence())
	if len(msgs) != 1 || msgs[0].Delivery != DeliveryPending {
		t.Fatalf("expected one pending message, got %+v", msgs)
	}
	localID := msgs[0].ID

	waitFor(t, "delivery ack", func() bool {
		ms := messageEntries(s.DisplaySequence())
		return len(ms) == 1 && ms[0].Delivery == DeliveryDelivered
	})

	ms := messageEntries(s.DisplaySequence())
	if ms[0].ID == localID {
		t.Fatalf("canonical id not rewritten: %q", ms[0].ID)
	}
	if ms[0].Sender != SenderSelf || ms[0].Body != "hello support" {
		t.Fatalf("unexpected resolved message: %+v", ms[0])
	}

	// The broadcast echo must not create a second entry.
	time.Sleep(100 * time.Millisecond)
	if n := len(messageEntries(s.DisplaySequence())); n != 1 {
		t.Fatalf("self-echo duplicated the message: %d entries", n)
	}
}

func TestSessionReceivesCounterpartyMessages(t *testing.T) {
	h := newBackendHarness(t)
	id, grp := h.identityFor(t, "client-1", true)

	updated := make(chan struct{}, 16)
	s := h.newSession(t, SessionEvents{
		OnUpdate: func() {
			select {
			case updated <- struct{}{}:
			default:
			}
		},
	})

	if err := s.SetIdentity(context.Background(), id); err != nil {
		t.Fatalf("SetIdentity: %v", err)
	}

	agentSend(t, h, grp.ID, "agent-9", "how can I help?")

	waitFor(t, "counterparty message", func() bool {
		ms := messageEntries(s.DisplaySequence())
		return len(ms) == 1 && ms[0].Body == "how can I help?"
	})

	ms := messageEntries(s.DisplaySequence())
	if ms[0].Sender != SenderCounterparty || ms[0].Delivery != DeliveryDelivered {
		t.Fatalf("unexpected inbound message: %+v", ms[0])
	}

	select {
	case <-updated:
	default:
		t.Fatalf("OnUpdate never fired")
	}
}

func TestSessionTokenRotationPreservesMessages(t *testing.T) {
	h := newBackendHarness(t)
	id, _ := h.identityFor(t, "client-1", true)
	s := h.newSession(t, SessionEvents{})

	if err := s.SetIdentity(context.Background(), id); err != nil {
		t.Fatalf("SetIdentity: %v", err)
	}
	if err := s.Send("before rotation"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, "delivery", func() bool {
		ms := messageEntries(s.DisplaySequence())
		return len(ms) == 1 && ms[0].Delivery == DeliveryDelivered
	})

	fresh, err := h.tokens.Issue("client-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	h.tokens.Revoke(id.Token)

	if err := s.SetIdentity(context.Background(), Identity{Token: fresh, ClientID: "client-1"}); err != nil {
		t.Fatalf("SetIdentity (rotation): %v", err)
	}

	// Same conversation: the store survives and the channel is live again.
	if n := len(messageEntries(s.DisplaySequence())); n != 1 {
		t.Fatalf("rotation lost messages: %d entries", n)
	}
	if s.ConnState() != StateJoined {
		t.Fatalf("state after rotation = %v, want joined", s.ConnState())
	}
	if err := s.Send("after rotation"); err != nil {
		t.Fatalf("Send after rotation: %v", err)
	}
}

func TestSessionLogoutTearsDown(t *testing.T) {
	h := newBackendHarness(t)
	id, _ := h.identityFor(t, "client-1", true)
	s := h.newSession(t, SessionEvents{})

	if err := s.SetIdentity(context.Background(), id); err != nil {
		t.Fatalf("SetIdentity: %v", err)
	}
	if err := s.Send("bye"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if err := s.SetIdentity(context.Background(), Identity{}); err != nil {
		t.Fatalf("SetIdentity (logout): %v", err)
	}

	if n := len(s.DisplaySequence()); n != 0 {
		t.Fatalf("store not cleared on logout: %d entries", n)
	}
	if s.ConnState() != StateDisconnected {
		t.Fatalf("state = %v, want disconnected", s.ConnState())
	}
	if err := s.Send("ghost"); !IsChannelNotReady(err) {
		t.Fatalf("Send after logout = %v, want channel-not-ready", err)
	}
}

func TestSessionClientSwitchIsolatesAccounts(t *testing.T) {
	h := newBackendHarness(t)
	idA, _ := h.identityFor(t, "client-a", true)
	idB, grpB := h.identityFor(t, "client-b", true)

	// Client B has prior history.
	if _, err := h.messages.AppendMessage(context.Background(), realtime.AppendMessageInput{
		GroupID:          grpB.ID,
		CorrelationToken: "seed-b",
		SenderID:         "agent-1",
		SenderType:       chatv1.UserTypeAgent,
		Body:             "b history",
		Now:              time.Now().UTC(),
	}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	s := h.newSession(t, SessionEvents{})
	if err := s.SetIdentity(context.Background(), idA); err != nil {
		t.Fatalf("SetIdentity A: %v", err)
	}
	if err := s.Send("a only"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, "A delivery", func() bool {
		ms := messageEntries(s.DisplaySequence())
		return len(ms) == 1 && ms[0].Delivery == DeliveryDelivered
	})

	if err := s.SetIdentity(context.Background(), idB); err != nil {
		t.Fatalf("SetIdentity B: %v", err)
	}

	ms := messageEntries(s.DisplaySequence())
	if len(ms) != 1 || ms[0].Body != "b history" {
		t.Fatalf("client switch leaked messages: %+v", ms)
	}
}

func TestSessionDepartmentFlow(t *testing.T) {
	h := newBackendHarness(t)
	id, _ := h.identityFor(t, "client-new", false)
	s := h.newSession(t, SessionEvents{})

	if err := s.SetIdentity(context.Background(), id); err != nil {
		t.Fatalf("SetIdentity: %v", err)
	}
	if !s.NeedsDepartment() {
		t.Fatalf("fresh client should need a department")
	}
	if err := s.Send("too early"); !IsChannelNotReady(err) {
		t.Fatalf("Send without group = %v, want channel-not-ready", err)
	}

	deps, err := s.ActiveDepartments(context.Background())
	if err != nil {
		t.Fatalf("ActiveDepartments: %v", err)
	}
	if len(deps) == 0 {
		t.Fatalf("no departments")
	}

	if err := s.StartConversation(context.Background(), deps[0].ID); err != nil {
		t.Fatalf("StartConversation: %v", err)
	}
	if s.NeedsDepartment() {
		t.Fatalf("still needs department after StartConversation")
	}
	if _, ok := s.CurrentGroup(); !ok {
		t.Fatalf("no current group")
	}
	if s.ConnState() != StateJoined {
		t.Fatalf("state = %v, want joined", s.ConnState())
	}
	if err := s.Send("first message"); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestSessionLoadMorePagesBackwards(t *testing.T) {
	h := newBackendHarness(t)
	id, grp := h.identityFor(t, "client-1", true)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 120; i++ {
		if _, err := h.messages.AppendMessage(context.Background(), realtime.AppendMessageInput{
			GroupID:          grp.ID,
			CorrelationToken: "seed-" + strconv.Itoa(i),
			SenderID:         "agent-1",
			SenderType:       chatv1.UserTypeAgent,
			Body:             "m",
			Now:              base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("AppendMessage #%d: %v", i, err)
		}
	}

	s := h.newSession(t, SessionEvents{})
	if err := s.SetIdentity(context.Background(), id); err != nil {
		t.Fatalf("SetIdentity: %v", err)
	}

	if n := len(messageEntries(s.DisplaySequence())); n != 50 {
		t.Fatalf("initial page = %d messages, want 50", n)
	}
	if err := s.LoadMore(context.Background()); err != nil {
		t.Fatalf("LoadMore: %v", err)
	}
	if n := len(messageEntries(s.DisplaySequence())); n != 100 {
		t.Fatalf("after first LoadMore = %d messages, want 100", n)
	}
	if err := s.LoadMore(context.Background()); err != nil {
		t.Fatalf("LoadMore: %v", err)
	}
	if n := len(messageEntries(s.DisplaySequence())); n != 120 {
		t.Fatalf("after second LoadMore = %d messages, want 120", n)
	}

	// Exhausted: further calls are cheap no-ops.
	if err := s.LoadMore(context.Background()); err != nil {
		t.Fatalf("LoadMore (exhausted): %v", err)
	}
	if n := len(messageEntries(s.DisplaySequence())); n != 120 {
		t.Fatalf("exhausted LoadMore changed the store: %d messages", n)
	}
}

func TestChannelOpenRejectsBadToken(t *testing.T) {
	h := newBackendHarness(t)
	_, grp := h.identityFor(t, "client-1", true)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewChannel(log, ChannelConfig{WSURL: h.wsURL()})

	err := c.Open(context.Background(), Identity{Token: "bogus", ClientID: "client-1"}, grp.ID)
	if !IsAuthFailed(err) {
		t.Fatalf("Open with bad token = %v, want auth failure", err)
	}
	if c.State() != StateDisconnected {
		t.Fatalf("state = %v, want disconnected", c.State())
	}
}

// agentSend connects as an agent and pushes one message into the group.
func agentSend(t *testing.T, h *backendHarness, groupID, agentID, body string) {
	t.Helper()

	token, err := h.tokens.Issue(agentID)
	if err != nil {
		t.Fatalf("Issue agent token: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, h.wsURL(), &websocket.DialOptions{
		Subprotocols: []string{chatv1.Subprotocol},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("agent dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	write := func(typ string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		env := chatv1.Envelope{V: chatv1.Version, Type: typ, ID: "agent-env", TS: time.Now().UTC(), Payload: b}
		eb, _ := json.Marshal(env)
		if err := conn.Write(ctx, websocket.MessageText, eb); err != nil {
			t.Fatalf("agent write: %v", err)
		}
	}
	read := func(wantType string) {
		for i := 0; i < 4; i++ {
			_, b, err := conn.Read(ctx)
			if err != nil {
				t.Fatalf("agent read: %v", err)
			}
			var env chatv1.Envelope
			if err := json.Unmarshal(b, &env); err != nil {
				t.Fatalf("agent decode: %v", err)
			}
			if env.Type == wantType {
				return
			}
		}
		t.Fatalf("agent never saw %q", wantType)
	}

	write(chatv1.TypeHello, chatv1.HelloPayload{Token: token})
	read(chatv1.TypeHelloAck)
	write(chatv1.TypeJoinGroup, chatv1.JoinGroupPayload{GroupID: groupID, UserType: chatv1.UserTypeAgent, UserID: agentID})
	read(chatv1.TypeJoinGroup)
	write(chatv1.TypeSendMessage, chatv1.SendMessagePayload{
		GroupID:          groupID,
		SenderID:         agentID,
		Body:             body,
		CorrelationToken: "agent-corr-1",
	})
	read(chatv1.TypeMessageDelivered)
}

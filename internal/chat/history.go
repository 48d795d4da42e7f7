package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	chatv1 "supportline/contracts/chat/v1"
)

const (
	defaultHistoryPageSize = 50

	historyRequestTimeout = 15 * time.Second
)

// HistoryPage is one window of older messages.
type HistoryPage struct {
	Messages []Message
	HasMore  bool
}

// HistoryLoader pages through historical messages for a conversation group,
// oldest-to-newest via an exclusive before-timestamp cursor.
//
// Failure semantics: a failed fetch is surfaced to the caller and retried by
// caller choice; HasMore state is left untouched so the caller may retry the
// same boundary.
type HistoryLoader struct {
	hc       *http.Client
	baseURL  string
	token    string
	clientID string
	pageSize int

	mu       sync.Mutex
	inflight map[string]*historyCall
	hasMore  map[string]bool
}

type historyCall struct {
	done chan struct{}
	page HistoryPage
	err  error
}

// NewHistoryLoader constructs a loader bound to one session identity.
func NewHistoryLoader(hc *http.Client, baseURL string, identity Identity) *HistoryLoader {
	if hc == nil {
		hc = &http.Client{Timeout: historyRequestTimeout}
	}
	return &HistoryLoader{
		hc:       hc,
		baseURL:  baseURL,
		token:    identity.Token,
		clientID: identity.ClientID,
		pageSize: defaultHistoryPageSize,
		inflight: make(map[string]*historyCall),
		hasMore:  make(map[string]bool),
	}
}

// LoadPage fetches one history page for groupID. A nil cursor returns the
// most recent page; otherwise messages strictly older than before are
// returned.
//
// Only one fetch may be in flight per group: a concurrent call joins the
// in-flight result instead of issuing a duplicate request, which prevents
// duplicate-page bugs from fast repeated scroll-triggered calls.
func (l *HistoryLoader) LoadPage(ctx context.Context, groupID string, before *time.Time) (HistoryPage, error) {
	if groupID == "" {
		return HistoryPage{}, OpError{Op: "chat.LoadPage", Kind: ErrInvalidInput, Msg: "missing group id"}
	}

	l.mu.Lock()
	if c := l.inflight[groupID]; c != nil {
		l.mu.Unlock()
		select {
		case <-ctx.Done():
			return HistoryPage{}, ctx.Err()
		case <-c.done:
			return c.page, c.err
		}
	}
	c := &historyCall{done: make(chan struct{})}
	l.inflight[groupID] = c
	l.mu.Unlock()

	c.page, c.err = l.fetch(ctx, groupID, before)

	l.mu.Lock()
	delete(l.inflight, groupID)
	if c.err == nil {
		l.hasMore[groupID] = c.page.HasMore
	}
	l.mu.Unlock()

	close(c.done)
	return c.page, c.err
}

// SetToken swaps the bearer token after a rotation. Cursor and HasMore state
// survive: a token rotation is the same conversation.
func (l *HistoryLoader) SetToken(token string) {
	l.mu.Lock()
	l.token = token
	l.mu.Unlock()
}

// HasMore reports whether older history remains for groupID. Before the
// first successful page it defaults to true so an initial load is attempted.
func (l *HistoryLoader) HasMore(groupID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	more, ok := l.hasMore[groupID]
	if !ok {
		return true
	}
	return more
}

func (l *HistoryLoader) fetch(ctx context.Context, groupID string, before *time.Time) (HistoryPage, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(l.pageSize))
	if before != nil {
		q.Set("before", before.UTC().Format(time.RFC3339Nano))
	}

	u := fmt.Sprintf("%s/api/groups/%s/messages?%s", l.baseURL, url.PathEscape(groupID), q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return HistoryPage{}, OpError{Op: "chat.LoadPage", Kind: ErrInvalidInput, Msg: err.Error()}
	}

	l.mu.Lock()
	token := l.token
	l.mu.Unlock()
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := l.hc.Do(req)
	if err != nil {
		return HistoryPage{}, fmt.Errorf("chat.LoadPage: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return HistoryPage{}, OpError{Op: "chat.LoadPage", Kind: ErrAuthFailed}
	case http.StatusNotFound:
		return HistoryPage{}, OpError{Op: "chat.LoadPage", Kind: ErrNotFound, Msg: "group " + groupID}
	default:
		return HistoryPage{}, fmt.Errorf("chat.LoadPage: unexpected status %d", resp.StatusCode)
	}

	var body chatv1.HistoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return HistoryPage{}, fmt.Errorf("chat.LoadPage: decode: %w", err)
	}

	msgs := make([]Message, 0, len(body.Messages))
	for _, rec := range body.Messages {
		msgs = append(msgs, messageFromWire(rec, l.clientID))
	}
	return HistoryPage{Messages: msgs, HasMore: body.HasMore}, nil
}

// messageFromWire converts a wire record into a store message, classifying
// the sender against the session's client id.
func messageFromWire(rec chatv1.ReceiveMessagePayload, clientID string) Message {
	sender := SenderCounterparty
	if rec.SenderID == clientID {
		sender = SenderSelf
	}
	return Message{
		ID:               rec.ServerMsgID,
		CorrelationToken: rec.CorrelationToken,
		SenderID:         rec.SenderID,
		Sender:           sender,
		Body:             rec.Body,
		CreatedAt:        rec.SentAt,
		Delivery:         DeliveryDelivered,
		ServerSentAt:     rec.SentAt,
	}
}

package realtime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

const (
	memMaxMessagesPerGroup = 10_000

	memDefaultHistoryLimit = 50
	memMaxHistoryLimit     = 200
)

// InMemoryStore is the dev fallback when no DB is configured.
// It supports:
//   - AppendMessage: idempotent + strictly increasing timestamps
//   - FetchHistory: exclusive before-cursor paging
type InMemoryStore struct {
	mu     sync.Mutex
	groups map[string]*memGroup
}

type memGroup struct {
	lastTS time.Time
	dedupe map[string]StoredMessage // correlation_token -> stored message
	msgs   []StoredMessage          // ordered by SentAt
}

// NewInMemoryStore constructs an in-memory MessageStore implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		groups: make(map[string]*memGroup),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// AppendMessage persists a message with idempotency and strictly increasing
// per-group timestamps, so the exclusive before-cursor never skips or
// re-delivers a message.
func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if in.GroupID == "" || in.CorrelationToken == "" || in.SenderID == "" {
		return AppendMessageResult{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.groups[in.GroupID]
	if g == nil {
		g = &memGroup{
			dedupe: make(map[string]StoredMessage),
			msgs:   make([]StoredMessage, 0, 256),
		}
		s.groups[in.GroupID] = g
	}

	if existing, ok := g.dedupe[in.CorrelationToken]; ok {
		return AppendMessageResult{Stored: existing, Duplicated: true}, nil
	}

	// Monotonic timestamp guard: wall clocks can tie or step backwards.
	if !now.After(g.lastTS) {
		now = g.lastTS.Add(time.Microsecond)
	}
	g.lastTS = now

	serverMsgID, err := NewULID(now)
	if err != nil {
		return AppendMessageResult{}, err
	}

	msg := StoredMessage{
		GroupID:          in.GroupID,
		CorrelationToken: in.CorrelationToken,
		ServerMsgID:      serverMsgID,
		SenderID:         in.SenderID,
		SenderType:       in.SenderType,
		Body:             in.Body,
		SentAt:           now,
	}
	g.dedupe[in.CorrelationToken] = msg
	g.msgs = append(g.msgs, msg)

	// Bound memory to avoid unbounded growth in dev.
	if len(g.msgs) > memMaxMessagesPerGroup {
		g.msgs = g.msgs[len(g.msgs)-memMaxMessagesPerGroup:]
	}

	return AppendMessageResult{Stored: msg, Duplicated: false}, nil
}

// FetchHistory returns the most recent page of messages strictly older than
// the cursor, ordered by SentAt ascending.
func (s *InMemoryStore) FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error) {
	if in.GroupID == "" {
		return FetchHistoryResult{}, errors.New("missing group_id")
	}
	if err := ctx.Err(); err != nil {
		return FetchHistoryResult{}, err
	}

	limit := in.Limit
	if limit <= 0 {
		limit = memDefaultHistoryLimit
	}
	if limit > memMaxHistoryLimit {
		limit = memMaxHistoryLimit
	}

	s.mu.Lock()
	g := s.groups[in.GroupID]
	var snap []StoredMessage
	if g != nil {
		snap = append([]StoredMessage(nil), g.msgs...)
	}
	s.mu.Unlock()

	if len(snap) == 0 {
		return FetchHistoryResult{Messages: nil, HasMore: false}, nil
	}

	// Ensure ordering defensively.
	sort.Slice(snap, func(i, j int) bool { return snap[i].SentAt.Before(snap[j].SentAt) })

	end := len(snap)
	if in.Before != nil {
		before := *in.Before
		end = sort.Search(len(snap), func(i int) bool { return !snap[i].SentAt.Before(before) })
	}
	if end == 0 {
		return FetchHistoryResult{Messages: nil, HasMore: false}, nil
	}

	start := end - limit
	if start < 0 {
		start = 0
	}

	return FetchHistoryResult{
		Messages: snap[start:end],
		HasMore:  start > 0,
	}, nil
}

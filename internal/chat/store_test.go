package chat

import (
	"testing"
	"time"
)

func msgAt(id, body string, at time.Time) Message {
	return Message{
		ID:        id,
		SenderID:  "agent-1",
		Sender:    SenderCounterparty,
		Body:      body,
		CreatedAt: at,
		Delivery:  DeliveryDelivered,
	}
}

func messagesOf(entries []DisplayEntry) []Message {
	var out []Message
	for _, e := range entries {
		if e.Kind == EntryMessage {
			out = append(out, e.Message)
		}
	}
	return out
}

func TestStore_EmptyDisplaySequence(t *testing.T) {
	t.Parallel()

	s := NewStore()
	if got := s.DisplaySequence(); len(got) != 0 {
		t.Fatalf("expected empty display sequence, got %d entries", len(got))
	}
}

func TestStore_UpsertMany_DedupByCanonicalID(t *testing.T) {
	t.Parallel()

	s := NewStore()
	at := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	s.UpsertMany([]Message{msgAt("m1", "hi", at)})
	s.UpsertMany([]Message{msgAt("m1", "hi", at)})

	if got := s.Len(); got != 1 {
		t.Fatalf("expected 1 message after duplicate upsert, got %d", got)
	}
}

func TestStore_MonotonicOrderWithIDTiebreak(t *testing.T) {
	t.Parallel()

	s := NewStore()
	at := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	// Insert in an order that differs from the canonical one: the realtime
	// path and the history path never agree on insertion order.
	s.UpsertMany([]Message{msgAt("m2", "b", at)})
	s.UpsertMany([]Message{msgAt("m3", "c", at.Add(time.Minute))})
	s.UpsertMany([]Message{msgAt("m1", "a", at)})

	msgs := messagesOf(s.DisplaySequence())
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	wantIDs := []string{"m1", "m2", "m3"}
	for i, want := range wantIDs {
		if msgs[i].ID != want {
			t.Fatalf("position %d: got id %q want %q", i, msgs[i].ID, want)
		}
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("order not monotonic at position %d", i)
		}
	}
}

func TestStore_DateSeparators(t *testing.T) {
	t.Parallel()

	s := NewStore()
	day1 := time.Date(2025, 3, 10, 23, 50, 0, 0, time.UTC)
	day2 := time.Date(2025, 3, 11, 0, 5, 0, 0, time.UTC)

	s.UpsertMany([]Message{
		msgAt("m1", "late", day1),
		msgAt("m2", "early", day2),
		msgAt("m3", "later", day2.Add(time.Hour)),
	})

	entries := s.DisplaySequence()
	// separator, m1, separator, m2, m3
	if len(entries) != 5 {
		t.Fatalf("expected 5 display entries, got %d", len(entries))
	}
	if entries[0].Kind != EntryDateSeparator || !entries[0].Day.Equal(dayOf(day1)) {
		t.Fatalf("entry 0: expected separator for %v, got %+v", dayOf(day1), entries[0])
	}
	if entries[2].Kind != EntryDateSeparator || !entries[2].Day.Equal(dayOf(day2)) {
		t.Fatalf("entry 2: expected separator for %v, got %+v", dayOf(day2), entries[2])
	}
}

func TestStore_DisplaySequenceIdempotent(t *testing.T) {
	t.Parallel()

	s := NewStore()
	at := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	s.UpsertMany([]Message{msgAt("m1", "a", at), msgAt("m2", "b", at.Add(time.Second))})

	first := s.DisplaySequence()
	second := s.DisplaySequence()

	if len(first) != len(second) {
		t.Fatalf("lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("entry %d differs: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestStore_ResolvePending_RewritesInPlace(t *testing.T) {
	t.Parallel()

	s := NewStore()
	at := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	s.UpsertMany([]Message{
		msgAt("m1", "earlier", at.Add(-time.Minute)),
		{
			ID:               "local-1",
			CorrelationToken: "c1",
			SenderID:         "client-1",
			Sender:           SenderSelf,
			Body:             "Hello",
			CreatedAt:        at,
			Delivery:         DeliveryPending,
		},
	})

	sentAt := at.Add(200 * time.Millisecond)
	if !s.ResolvePending("c1", "msg-42", sentAt) {
		t.Fatalf("expected pending message to resolve")
	}

	msgs := messagesOf(s.DisplaySequence())
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	got := msgs[1]
	if got.ID != "msg-42" || got.Delivery != DeliveryDelivered || got.Body != "Hello" {
		t.Fatalf("unexpected resolved message: %+v", got)
	}
	// The backend timestamp is recorded, but ordering stays on CreatedAt.
	if !got.ServerSentAt.Equal(sentAt) {
		t.Fatalf("ServerSentAt = %v, want %v", got.ServerSentAt, sentAt)
	}
	if !got.CreatedAt.Equal(at) {
		t.Fatalf("CreatedAt changed on resolve: %v", got.CreatedAt)
	}
	if s.ResolvePending("c1", "msg-42", sentAt) {
		t.Fatalf("second resolve must be a no-op")
	}
}

func TestStore_SelfEchoBeforeAck_SingleEntry(t *testing.T) {
	t.Parallel()

	s := NewStore()
	at := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	s.UpsertMany([]Message{{
		ID:               "local-1",
		CorrelationToken: "c1",
		SenderID:         "client-1",
		Sender:           SenderSelf,
		Body:             "Hello",
		CreatedAt:        at,
		Delivery:         DeliveryPending,
	}})

	// The echo carries the server id and the same correlation token. It must
	// resolve the pending entry in place, not append.
	s.UpsertMany([]Message{{
		ID:               "msg-42",
		CorrelationToken: "c1",
		SenderID:         "client-1",
		Sender:           SenderSelf,
		Body:             "Hello",
		CreatedAt:        at.Add(time.Second),
		Delivery:         DeliveryDelivered,
	}})

	// The delivery ack arrives after the echo.
	s.ResolvePending("c1", "msg-42", at.Add(time.Second))

	if got := s.Len(); got != 1 {
		t.Fatalf("expected exactly 1 entry after echo+ack, got %d", got)
	}
	m := s.Snapshot()[0]
	if m.ID != "msg-42" || m.Delivery != DeliveryDelivered || m.Body != "Hello" {
		t.Fatalf("unexpected final message: %+v", m)
	}
}

func TestStore_EchoInsertedFirst_AckRemovesPendingDuplicate(t *testing.T) {
	t.Parallel()

	s := NewStore()
	at := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	// Echo without a correlation token was inserted as a regular message
	// (e.g. it came back inside a refetched history page).
	s.UpsertMany([]Message{msgAt("msg-42", "Hello", at)})

	s.UpsertMany([]Message{{
		ID:               "local-1",
		CorrelationToken: "c1",
		SenderID:         "client-1",
		Sender:           SenderSelf,
		Body:             "Hello",
		CreatedAt:        at,
		Delivery:         DeliveryPending,
	}})

	if !s.ResolvePending("c1", "msg-42", at) {
		t.Fatalf("expected resolve to collapse the pending duplicate")
	}
	if got := s.Len(); got != 1 {
		t.Fatalf("expected exactly 1 entry, got %d", got)
	}
	if s.Snapshot()[0].ID != "msg-42" {
		t.Fatalf("expected server id to win, got %q", s.Snapshot()[0].ID)
	}
}

func TestStore_RemoveByID_RollsBackFailedSend(t *testing.T) {
	t.Parallel()

	s := NewStore()
	at := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	s.UpsertMany([]Message{{
		ID:               "local-1",
		CorrelationToken: "c1",
		SenderID:         "client-1",
		Sender:           SenderSelf,
		Body:             "Hello",
		CreatedAt:        at,
		Delivery:         DeliveryPending,
	}})

	if !s.RemoveByID("local-1") {
		t.Fatalf("expected removal")
	}
	if got := s.Len(); got != 0 {
		t.Fatalf("expected empty store, got %d", got)
	}
	if s.RemoveByID("local-1") {
		t.Fatalf("second removal must report false")
	}
}

func TestStore_Prepend_KeepsGlobalOrderAndDedupes(t *testing.T) {
	t.Parallel()

	s := NewStore()
	at := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	s.UpsertMany([]Message{msgAt("m10", "newest", at)})
	s.Prepend([]Message{
		msgAt("m08", "older", at.Add(-2*time.Minute)),
		msgAt("m09", "old", at.Add(-time.Minute)),
		msgAt("m10", "newest", at), // boundary echo must not duplicate
	})

	msgs := messagesOf(s.DisplaySequence())
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, want := range []string{"m08", "m09", "m10"} {
		if msgs[i].ID != want {
			t.Fatalf("position %d: got %q want %q", i, msgs[i].ID, want)
		}
	}
}

func TestStore_Clear(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.UpsertMany([]Message{msgAt("m1", "a", time.Now().UTC())})
	s.Clear()

	if got := s.Len(); got != 0 {
		t.Fatalf("expected empty store after clear, got %d", got)
	}
	if got := s.DisplaySequence(); len(got) != 0 {
		t.Fatalf("expected empty display sequence after clear, got %d", len(got))
	}
	if _, ok := s.OldestCreatedAt(); ok {
		t.Fatalf("expected no oldest timestamp after clear")
	}
}

package chat

import (
	"sort"
	"sync"
	"time"
)

// Store is the canonical ordered, deduplicated message sequence for one
// conversation, plus the derived display sequence (messages + date
// separators).
//
// Concurrency model:
//   - Every public operation is a single atomic step against the store
//     (lock, read full state, compute next state, write). Two interleaving
//     callbacks can never observe or produce a half-applied update.
//   - The display sequence is memoized and recomputed lazily on mutation.
type Store struct {
	mu      sync.Mutex
	msgs    []Message // sorted by (CreatedAt, ID)
	display []DisplayEntry
	dirty   bool
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{}
}

// UpsertMany merges a batch of messages (history page, realtime event, or
// optimistic write) into the store.
//
// Dedup key is the canonical id. An incoming message whose id is absent but
// whose correlation token matches an existing pending self message is treated
// as the resolution of that pending message: it is rewritten in place (same
// position) rather than appended, which prevents a client's own message from
// appearing twice when it echoes back.
func (s *Store) UpsertMany(incoming []Message) {
	if len(incoming) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range incoming {
		s.upsertOneLocked(m)
	}
	s.sortLocked()
	s.dirty = true
}

func (s *Store) upsertOneLocked(m Message) {
	if m.ID == "" || m.Body == "" {
		return
	}

	if i := s.indexByIDLocked(m.ID); i >= 0 {
		// Same canonical id: merge, never duplicate. A delivered copy wins
		// over a pending one; the body never changes under the same id.
		if m.Delivery == DeliveryDelivered {
			s.msgs[i].Delivery = DeliveryDelivered
		}
		return
	}

	if m.CorrelationToken != "" {
		if i := s.pendingByTokenLocked(m.CorrelationToken); i >= 0 {
			// Resolution of an optimistic message: adopt the server id but
			// keep the local CreatedAt so the entry holds its position.
			s.msgs[i].ID = m.ID
			s.msgs[i].Delivery = DeliveryDelivered
			s.msgs[i].ServerSentAt = m.ServerSentAt
			return
		}
	}

	if m.Delivery == "" {
		m.Delivery = DeliveryDelivered
	}
	s.msgs = append(s.msgs, m)
}

// ResolvePending transitions the pending message with the given correlation
// token to delivered, rewriting its local id to serverID and recording the
// backend timestamp as ServerSentAt. Reports whether a pending message was
// resolved.
//
// If serverID is already present (the echo arrived first and was inserted),
// the stale pending entry is removed instead, so the store ends with exactly
// one representation regardless of arrival order.
func (s *Store) ResolvePending(correlationToken, serverID string, sentAt time.Time) bool {
	if correlationToken == "" || serverID == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.pendingByTokenLocked(correlationToken)
	if i < 0 {
		return false
	}

	if j := s.indexByIDLocked(serverID); j >= 0 && j != i {
		s.msgs[j].Delivery = DeliveryDelivered
		if s.msgs[j].ServerSentAt.IsZero() {
			s.msgs[j].ServerSentAt = sentAt
		}
		s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
		s.dirty = true
		return true
	}

	s.msgs[i].ID = serverID
	s.msgs[i].Delivery = DeliveryDelivered
	s.msgs[i].ServerSentAt = sentAt
	s.dirty = true
	return true
}

// RemoveByID removes the message with the given canonical id. Used to roll
// back a failed optimistic send. Reports whether a message was removed.
func (s *Store) RemoveByID(id string) bool {
	if id == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexByIDLocked(id)
	if i < 0 {
		return false
	}
	s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
	s.dirty = true
	return true
}

// Prepend inserts a page of strictly-older messages at the head. The caller
// owns scroll-anchor semantics; the store only guarantees the sequence stays
// globally sorted and deduplicated.
func (s *Store) Prepend(olderPage []Message) {
	if len(olderPage) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range olderPage {
		if m.ID == "" || m.Body == "" {
			continue
		}
		if s.indexByIDLocked(m.ID) >= 0 {
			continue
		}
		if m.Delivery == "" {
			m.Delivery = DeliveryDelivered
		}
		s.msgs = append(s.msgs, m)
	}
	s.sortLocked()
	s.dirty = true
}

// Clear drops all messages. Used on logout and identity switches.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.msgs = nil
	s.display = nil
	s.dirty = false
}

// Len returns the number of messages.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

// Snapshot returns a copy of the ordered message sequence.
func (s *Store) Snapshot() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.msgs...)
}

// OldestCreatedAt returns the timestamp of the oldest message, used as the
// exclusive pagination cursor. ok is false when the store is empty.
func (s *Store) OldestCreatedAt() (ts time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.msgs) == 0 {
		return time.Time{}, false
	}
	return s.msgs[0].CreatedAt, true
}

// DisplaySequence returns the ordered display entries: messages interleaved
// with derived date separators. It is a pure function of the current message
// set: repeated calls without mutation return structurally equal output.
func (s *Store) DisplaySequence() []DisplayEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dirty || s.display == nil {
		s.display = deriveDisplayLocked(s.msgs)
		s.dirty = false
	}

	out := make([]DisplayEntry, len(s.display))
	copy(out, s.display)
	return out
}

func deriveDisplayLocked(msgs []Message) []DisplayEntry {
	if len(msgs) == 0 {
		return []DisplayEntry{}
	}

	out := make([]DisplayEntry, 0, len(msgs)+4)
	var lastDay time.Time
	for _, m := range msgs {
		day := dayOf(m.CreatedAt)
		if lastDay.IsZero() || !day.Equal(lastDay) {
			out = append(out, DisplayEntry{Kind: EntryDateSeparator, Day: day})
			lastDay = day
		}
		out = append(out, DisplayEntry{Kind: EntryMessage, Message: m})
	}
	return out
}

// ---- internal helpers (callers hold s.mu) ----

func (s *Store) indexByIDLocked(id string) int {
	for i := range s.msgs {
		if s.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) pendingByTokenLocked(token string) int {
	for i := range s.msgs {
		if s.msgs[i].Delivery == DeliveryPending &&
			s.msgs[i].Sender == SenderSelf &&
			s.msgs[i].CorrelationToken == token {
			return i
		}
	}
	return -1
}

// sortLocked keeps messages in non-decreasing CreatedAt order. Equal
// timestamps are broken by canonical id so ordering is deterministic and does
// not depend on whether a message arrived via history load or realtime push.
func (s *Store) sortLocked() {
	sort.SliceStable(s.msgs, func(i, j int) bool {
		a, b := s.msgs[i], s.msgs[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

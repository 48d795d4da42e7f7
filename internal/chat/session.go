package chat

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Identity is the session identity tuple. It is set on login or registration
// completion, may be rotated (new token, same client), and is cleared on
// logout.
type Identity struct {
	Token    string
	ClientID string
}

// Valid reports whether the identity can open a session.
func (i Identity) Valid() bool { return i.Token != "" && i.ClientID != "" }

// SessionEvents are the session's outbound signals toward the UI layer.
// All callbacks are optional and must not block.
type SessionEvents struct {
	// OnState fires on every realtime connection state change.
	OnState func(ChannelState)

	// OnError surfaces recoverable failures: transient network errors,
	// channel drops, and authentication failures (classify with
	// IsAuthFailed to redirect to re-authentication).
	OnError func(error)

	// OnSendFailed surfaces a rolled-back optimistic send with the original
	// body so the user can retry without retyping.
	OnSendFailed func(SendError)

	// OnUpdate fires after the message set changed (inbound message applied).
	OnUpdate func()
}

// SessionConfig configures a Session.
type SessionConfig struct {
	// BaseURL is the HTTP API base, e.g. "http://127.0.0.1:8080".
	BaseURL string
	// WSURL is the realtime endpoint, e.g. "ws://127.0.0.1:8080/ws".
	WSURL string

	HTTPClient  *http.Client
	DialTimeout time.Duration

	Metrics *Metrics
	Events  SessionEvents
}

// Session is the lifecycle controller of one chat session. It orchestrates
// the message store, history loader, groups client, realtime channel, and
// optimistic send coordinator in response to identity changes.
//
// Transition rules (enforced by SetIdentity):
//   - none -> active: group resolution (or department selection when no
//     group exists), initial history load, channel open.
//   - token rotation (same client id): channel bounce with the new token;
//     message store and history cursor are preserved.
//   - client id change: full teardown before fresh initialization, so one
//     account's messages can never leak into another's view.
//   - active -> none: channel closed, in-flight work abandoned, store
//     cleared.
type Session struct {
	log *slog.Logger
	cfg SessionConfig

	store   *Store
	channel *Channel
	sender  *sendCoordinator

	mu       sync.Mutex
	gen      int // bumped on every teardown; stale async results are dropped
	identity Identity
	loader   *HistoryLoader
	groups   *GroupsClient
	group    Group
	hasGroup bool
}

// NewSession constructs an idle session. Call SetIdentity to activate it.
func NewSession(log *slog.Logger, cfg SessionConfig) *Session {
	if log == nil {
		log = slog.Default()
	}

	s := &Session{
		log:   log,
		cfg:   cfg,
		store: NewStore(),
	}

	s.channel = NewChannel(log, ChannelConfig{
		WSURL:       cfg.WSURL,
		DialTimeout: cfg.DialTimeout,
		Metrics:     cfg.Metrics,
		Events: ChannelEvents{
			OnMessage: s.applyInbound,
			OnState:   cfg.Events.OnState,
			OnError:   s.surfaceError,
		},
	})

	s.sender = &sendCoordinator{
		log:      log,
		store:    s.store,
		channel:  s.channel,
		metrics:  cfg.Metrics,
		onFailed: cfg.Events.OnSendFailed,
	}

	return s
}

func (s *Session) applyInbound(m Message) {
	s.store.UpsertMany([]Message{m})
	if s.cfg.Events.OnUpdate != nil {
		s.cfg.Events.OnUpdate()
	}
}

func (s *Session) surfaceError(err error) {
	if s.cfg.Events.OnError != nil {
		s.cfg.Events.OnError(err)
	}
}

// SetIdentity drives the session state machine. It is safe to call from any
// state; failures leave the session in a degraded-but-consistent state (for
// example cached history with no live channel) and are returned for the
// caller to retry.
func (s *Session) SetIdentity(ctx context.Context, next Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.identity

	switch {
	case !next.Valid():
		s.teardownLocked()
		return nil

	case cur == next:
		return nil

	case cur.Valid() && cur.ClientID == next.ClientID:
		// Token rotation: same conversation, fresh credentials. There is no
		// live credential swap on an established connection; the channel is
		// bounced instead.
		s.identity = next
		s.loader.SetToken(next.Token)
		s.groups.SetToken(next.Token)
		s.channel.Close()
		if !s.hasGroup {
			return nil
		}
		if err := s.channel.Open(ctx, next, s.group.ID); err != nil {
			s.log.Info("chat.session.reopen.fail", "err", err)
			return err
		}
		return nil

	default:
		// Different client id (or no prior identity): full teardown first so
		// nothing from the previous account survives.
		s.teardownLocked()
		s.identity = next
		s.loader = NewHistoryLoader(s.cfg.HTTPClient, s.cfg.BaseURL, next)
		s.groups = NewGroupsClient(s.cfg.HTTPClient, s.cfg.BaseURL, next)
		return s.resolveGroupLocked(ctx)
	}
}

// resolveGroupLocked resolves the client's latest group and initializes it.
// When no group exists the session stays active without a group and the
// caller drives the department-selection flow via StartConversation.
func (s *Session) resolveGroupLocked(ctx context.Context) error {
	g, err := s.groups.LatestGroup(ctx)
	if IsNotFound(err) {
		s.log.Info("chat.session.no_group", "client_id", s.identity.ClientID)
		return nil
	}
	if err != nil {
		s.log.Info("chat.session.group_resolution.fail", "err", err)
		return err
	}

	s.group = g
	s.hasGroup = true
	return s.initGroupLocked(ctx)
}

// initGroupLocked loads the initial history page and opens the channel.
// History failures degrade (no cached messages yet, channel still opens);
// channel failures degrade the other way (cached history, no live updates).
func (s *Session) initGroupLocked(ctx context.Context) error {
	gen := s.gen

	page, err := s.loader.LoadPage(ctx, s.group.ID, nil)
	if err != nil {
		s.log.Info("chat.session.history.fail", "group_id", s.group.ID, "err", err)
		s.surfaceError(err)
	} else if s.gen == gen {
		s.store.UpsertMany(page.Messages)
	}

	if err := s.channel.Open(ctx, s.identity, s.group.ID); err != nil {
		s.log.Info("chat.session.channel.fail", "group_id", s.group.ID, "err", err)
		return err
	}
	return nil
}

// teardownLocked closes the channel, clears the store, resets cursors, and
// invalidates all outstanding async work.
func (s *Session) teardownLocked() {
	s.gen++
	s.channel.Close()
	s.store.Clear()
	s.loader = nil
	s.groups = nil
	s.group = Group{}
	s.hasGroup = false
	s.identity = Identity{}
}

// NeedsDepartment reports whether the session is active but has no
// conversation group yet (a department must be chosen to open one).
func (s *Session) NeedsDepartment() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity.Valid() && !s.hasGroup
}

// ActiveDepartments lists the departments a new inquiry can be routed to.
func (s *Session) ActiveDepartments(ctx context.Context) ([]Department, error) {
	s.mu.Lock()
	groups := s.groups
	s.mu.Unlock()

	if groups == nil {
		return nil, OpError{Op: "chat.ActiveDepartments", Kind: ErrClosed, Msg: "no active session"}
	}
	return groups.ActiveDepartments(ctx)
}

// StartConversation creates a new group routed to departmentID and
// initializes it. No-op when a group already exists.
func (s *Session) StartConversation(ctx context.Context, departmentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.identity.Valid() {
		return OpError{Op: "chat.StartConversation", Kind: ErrClosed, Msg: "no active session"}
	}
	if s.hasGroup {
		return nil
	}

	g, err := s.groups.CreateGroup(ctx, departmentID)
	if err != nil {
		return err
	}

	s.group = g
	s.hasGroup = true
	return s.initGroupLocked(ctx)
}

// Send emits one message optimistically. See sendCoordinator.Send.
func (s *Session) Send(body string) error {
	s.mu.Lock()
	id := s.identity
	g := s.group
	has := s.hasGroup
	s.mu.Unlock()

	if !id.Valid() || !has {
		return OpError{Op: "chat.Send", Kind: ErrChannelNotReady, Msg: "no active conversation"}
	}
	return s.sender.Send(id.ClientID, g.ID, body)
}

// LoadMore fetches the next older history page, using the oldest known
// message as the exclusive cursor. Results that arrive after a teardown are
// dropped, never applied to the torn-down store.
func (s *Session) LoadMore(ctx context.Context) error {
	s.mu.Lock()
	if !s.identity.Valid() || !s.hasGroup {
		s.mu.Unlock()
		return OpError{Op: "chat.LoadMore", Kind: ErrClosed, Msg: "no active conversation"}
	}
	loader := s.loader
	groupID := s.group.ID
	gen := s.gen
	if !loader.HasMore(groupID) {
		s.mu.Unlock()
		return nil
	}
	var before *time.Time
	if ts, ok := s.store.OldestCreatedAt(); ok {
		t := ts
		before = &t
	}
	s.mu.Unlock()

	page, err := loader.LoadPage(ctx, groupID, before)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		return err
	}
	if s.gen != gen {
		s.log.Debug("chat.session.history.stale_drop", "group_id", groupID)
		return nil
	}
	s.store.Prepend(page.Messages)
	return nil
}

// DisplaySequence returns the reactive view rendered by the UI layer.
func (s *Session) DisplaySequence() []DisplayEntry {
	return s.store.DisplaySequence()
}

// ConnState returns the realtime connection state.
func (s *Session) ConnState() ChannelState {
	return s.channel.State()
}

// CurrentGroup returns the active conversation group, if any.
func (s *Session) CurrentGroup() (Group, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.group, s.hasGroup
}

// Close ends the session: equivalent to SetIdentity with an empty identity.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked()
}

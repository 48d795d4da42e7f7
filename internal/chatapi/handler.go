// Package chatapi exposes the Supportline REST surface: account login,
// conversation group management, the department directory, and paginated
// message history. The realtime path lives in internal/realtime; both sides
// speak the contracts/chat/v1 types so they cannot drift apart.
package chatapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	chatv1 "supportline/contracts/chat/v1"
	"supportline/internal/realtime"
)

const defaultMaxBodyBytes = 64 << 10 // 64 KiB

// TokenIssuer mints and revokes opaque bearer tokens. Satisfied by
// realtime.MemoryTokenStore.
type TokenIssuer interface {
	Issue(clientID string) (string, error)
	Revoke(token string)
}

// Config holds tunables for the HTTP API.
type Config struct {
	MaxBodyBytes int64
}

func (c Config) withDefaults() Config {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = defaultMaxBodyBytes
	}
	return c
}

// Handler wires the REST endpoints to the account, token, group, and message
// stores.
type Handler struct {
	log *slog.Logger
	cfg Config

	accounts *realtime.AccountStore
	issuer   TokenIssuer
	verifier realtime.TokenVerifier
	groups   realtime.GroupStore
	messages realtime.MessageStore
}

// NewHandler constructs the API handler. All dependencies are required.
func NewHandler(log *slog.Logger, cfg Config, accounts *realtime.AccountStore, issuer TokenIssuer, verifier realtime.TokenVerifier, groups realtime.GroupStore, messages realtime.MessageStore) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if accounts == nil || issuer == nil || verifier == nil || groups == nil || messages == nil {
		return nil, errors.New("chatapi: missing dependency")
	}
	return &Handler{
		log:      log,
		cfg:      cfg.withDefaults(),
		accounts: accounts,
		issuer:   issuer,
		verifier: verifier,
		groups:   groups,
		messages: messages,
	}, nil
}

// Register wires API routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /api/register", h.handleRegister)
	mux.HandleFunc("POST /api/login", h.handleLogin)
	mux.HandleFunc("POST /api/logout", h.requireAuth(h.handleLogout))
	mux.HandleFunc("GET /api/departments", h.requireAuth(h.handleDepartments))
	mux.HandleFunc("GET /api/groups/latest", h.requireAuth(h.handleLatestGroup))
	mux.HandleFunc("POST /api/groups", h.requireAuth(h.handleCreateGroup))
	mux.HandleFunc("GET /api/groups/{id}/messages", h.requireAuth(h.handleHistory))
}

// ---- auth middleware ----

type ctxKey int

const ctxKeyClientID ctxKey = iota

func clientIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyClientID).(string)
	return id
}

func bearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

// requireAuth resolves the bearer token to a client identity and stashes it
// in the request context.
func (h *Handler) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "auth_failed", "missing bearer token")
			return
		}

		clientID, err := h.verifier.Verify(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "auth_failed", "invalid token")
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), ctxKeyClientID, clientID)))
	}
}

// ---- handlers ----

type registerRequest struct {
	CountryCode string `json:"country_code"`
	Number      string `json:"number"`
	Password    string `json:"password"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	acct, err := h.accounts.Register(r.Context(), req.CountryCode, req.Number, req.Password)
	if err != nil {
		writeError(w, http.StatusBadRequest, "register_failed", err.Error())
		return
	}

	token, err := h.issuer.Issue(acct.ClientID)
	if err != nil {
		h.log.Error("api.register.token.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "token issue failed")
		return
	}

	h.log.Info("api.register.ok", "client_id", acct.ClientID)
	writeJSON(w, http.StatusCreated, chatv1.LoginResponse{Token: token, ClientID: acct.ClientID})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req chatv1.LoginRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	acct, err := h.accounts.Login(r.Context(), req.CountryCode, req.Number, req.Password)
	if err != nil {
		// Unknown number and wrong password are indistinguishable.
		writeError(w, http.StatusUnauthorized, "auth_failed", "invalid credentials")
		return
	}

	token, err := h.issuer.Issue(acct.ClientID)
	if err != nil {
		h.log.Error("api.login.token.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "token issue failed")
		return
	}

	h.log.Info("api.login.ok", "client_id", acct.ClientID)
	writeJSON(w, http.StatusOK, chatv1.LoginResponse{Token: token, ClientID: acct.ClientID})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	h.issuer.Revoke(bearerToken(r))
	writeJSON(w, http.StatusOK, struct{}{})
}

func (h *Handler) handleDepartments(w http.ResponseWriter, r *http.Request) {
	deps, err := h.groups.ActiveDepartments(r.Context())
	if err != nil {
		h.log.Error("api.departments.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "department lookup failed")
		return
	}

	out := chatv1.DepartmentsResponse{Departments: make([]chatv1.DepartmentRecord, 0, len(deps))}
	for _, d := range deps {
		out.Departments = append(out.Departments, chatv1.DepartmentRecord{ID: d.ID, Name: d.Name})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleLatestGroup(w http.ResponseWriter, r *http.Request) {
	clientID := clientIDFrom(r.Context())

	g, err := h.groups.LatestGroupForClient(r.Context(), clientID)
	if errors.Is(err, realtime.ErrNoGroup) {
		writeError(w, http.StatusNotFound, "no_group", "no conversation yet")
		return
	}
	if err != nil {
		h.log.Error("api.groups.latest.fail", "client_id", clientID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "group lookup failed")
		return
	}

	writeJSON(w, http.StatusOK, groupRecord(g))
}

func (h *Handler) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	clientID := clientIDFrom(r.Context())

	var req chatv1.CreateGroupRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.DepartmentID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "missing department_id")
		return
	}

	g, err := h.groups.CreateGroup(r.Context(), clientID, req.DepartmentID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "create_failed", err.Error())
		return
	}

	h.log.Info("api.groups.create.ok", "client_id", clientID, "group_id", g.ID, "department_id", g.DepartmentID)
	writeJSON(w, http.StatusCreated, groupRecord(g))
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	clientID := clientIDFrom(r.Context())
	groupID := r.PathValue("id")

	g, err := h.groups.GetGroup(r.Context(), groupID)
	if errors.Is(err, realtime.ErrNoGroup) {
		writeError(w, http.StatusNotFound, "no_group", "unknown group")
		return
	}
	if err != nil {
		h.log.Error("api.history.group.fail", "group_id", groupID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "group lookup failed")
		return
	}
	if g.ClientID != clientID {
		// Same shape as unknown group to avoid leaking group existence.
		writeError(w, http.StatusNotFound, "no_group", "unknown group")
		return
	}

	q := r.URL.Query()

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_input", "invalid limit")
			return
		}
		limit = n
	}

	var before *time.Time
	if raw := q.Get("before"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "invalid before cursor")
			return
		}
		before = &t
	}

	res, err := h.messages.FetchHistory(r.Context(), realtime.FetchHistoryInput{
		GroupID: groupID,
		Before:  before,
		Limit:   limit,
	})
	if err != nil {
		h.log.Error("api.history.fail", "group_id", groupID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "history fetch failed")
		return
	}

	out := chatv1.HistoryResponse{
		Messages: make([]chatv1.ReceiveMessagePayload, 0, len(res.Messages)),
		HasMore:  res.HasMore,
	}
	for _, m := range res.Messages {
		out.Messages = append(out.Messages, chatv1.ReceiveMessagePayload{
			GroupID:          m.GroupID,
			ServerMsgID:      m.ServerMsgID,
			SenderID:         m.SenderID,
			SenderType:       m.SenderType,
			Body:             m.Body,
			CorrelationToken: m.CorrelationToken,
			SentAt:           m.SentAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func groupRecord(g realtime.StoredGroup) chatv1.GroupRecord {
	return chatv1.GroupRecord{
		ID:           g.ID,
		ClientID:     g.ClientID,
		DepartmentID: g.DepartmentID,
		CreatedAt:    g.CreatedAt,
	}
}

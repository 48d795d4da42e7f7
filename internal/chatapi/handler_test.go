package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	chatv1 "supportline/contracts/chat/v1"
	"supportline/internal/realtime"
)

type apiHarness struct {
	ts       *httptest.Server
	accounts *realtime.AccountStore
	tokens   *realtime.MemoryTokenStore
	groups   *realtime.InMemoryGroupStore
	messages *realtime.InMemoryStore
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	accounts := realtime.NewAccountStore(realtime.Argon2idParams{
		MemoryKiB:   8 * 1024,
		Iterations:  1,
		Parallelism: 1,
		SaltLen:     16,
		KeyLen:      32,
	})
	tokens := realtime.NewMemoryTokenStore()
	groups := realtime.NewInMemoryGroupStore()
	messages := realtime.NewInMemoryStore()

	h, err := NewHandler(log, Config{}, accounts, tokens, tokens, groups, messages)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	mux := http.NewServeMux()
	h.Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &apiHarness{ts: ts, accounts: accounts, tokens: tokens, groups: groups, messages: messages}
}

func (h *apiHarness) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, h.ts.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do %s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func (h *apiHarness) loginAs(t *testing.T, number string) chatv1.LoginResponse {
	t.Helper()

	if _, err := h.accounts.Register(context.Background(), "+1", number, "hunter22password"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	resp := h.do(t, http.MethodPost, "/api/login", "", chatv1.LoginRequest{
		CountryCode: "+1",
		Number:      number,
		Password:    "hunter22password",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	return decodeBody[chatv1.LoginResponse](t, resp)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	h := newAPIHarness(t)

	if _, err := h.accounts.Register(context.Background(), "+1", "5550001", "hunter22password"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	cases := []struct {
		name string
		req  chatv1.LoginRequest
	}{
		{"wrong password", chatv1.LoginRequest{CountryCode: "+1", Number: "5550001", Password: "wrong-password"}},
		{"unknown number", chatv1.LoginRequest{CountryCode: "+1", Number: "5559999", Password: "hunter22password"}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			resp := h.do(t, http.MethodPost, "/api/login", "", tc.req)
			if resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", resp.StatusCode)
			}
			body := decodeBody[errorResponse](t, resp)
			if body.Error.Code != "auth_failed" {
				t.Fatalf("code = %q, want auth_failed", body.Error.Code)
			}
		})
	}
}

func TestAuthRequiredOnProtectedRoutes(t *testing.T) {
	h := newAPIHarness(t)

	for _, path := range []string{"/api/departments", "/api/groups/latest"} {
		resp := h.do(t, http.MethodGet, path, "", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("GET %s without token: status = %d, want 401", path, resp.StatusCode)
		}
	}

	resp := h.do(t, http.MethodGet, "/api/departments", "not-a-token", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bogus token: status = %d, want 401", resp.StatusCode)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	h := newAPIHarness(t)
	login := h.loginAs(t, "5550002")

	if resp := h.do(t, http.MethodGet, "/api/departments", login.Token, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("pre-logout status = %d", resp.StatusCode)
	}
	if resp := h.do(t, http.MethodPost, "/api/logout", login.Token, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("logout status = %d", resp.StatusCode)
	}
	if resp := h.do(t, http.MethodGet, "/api/departments", login.Token, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("post-logout status = %d, want 401", resp.StatusCode)
	}
}

func TestGroupLifecycle(t *testing.T) {
	h := newAPIHarness(t)
	login := h.loginAs(t, "5550003")

	// No conversation yet.
	resp := h.do(t, http.MethodGet, "/api/groups/latest", login.Token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("latest (none) status = %d, want 404", resp.StatusCode)
	}

	// Departments directory drives the create flow.
	resp = h.do(t, http.MethodGet, "/api/departments", login.Token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("departments status = %d", resp.StatusCode)
	}
	deps := decodeBody[chatv1.DepartmentsResponse](t, resp)
	if len(deps.Departments) == 0 {
		t.Fatalf("no departments seeded")
	}

	resp = h.do(t, http.MethodPost, "/api/groups", login.Token, chatv1.CreateGroupRequest{
		DepartmentID: deps.Departments[0].ID,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	created := decodeBody[chatv1.GroupRecord](t, resp)
	if created.ID == "" || created.ClientID != login.ClientID {
		t.Fatalf("unexpected group record: %+v", created)
	}

	resp = h.do(t, http.MethodGet, "/api/groups/latest", login.Token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("latest status = %d", resp.StatusCode)
	}
	latest := decodeBody[chatv1.GroupRecord](t, resp)
	if latest.ID != created.ID {
		t.Fatalf("latest = %q, want %q", latest.ID, created.ID)
	}
}

func TestCreateGroupRejectsUnknownDepartment(t *testing.T) {
	h := newAPIHarness(t)
	login := h.loginAs(t, "5550004")

	resp := h.do(t, http.MethodPost, "/api/groups", login.Token, chatv1.CreateGroupRequest{
		DepartmentID: "no-such-department",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHistoryPaginationAndOwnership(t *testing.T) {
	h := newAPIHarness(t)
	login := h.loginAs(t, "5550005")

	grp, err := h.groups.CreateGroup(context.Background(), login.ClientID, "billing")
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		if _, err := h.messages.AppendMessage(context.Background(), realtime.AppendMessageInput{
			GroupID:          grp.ID,
			CorrelationToken: "tok-" + string(rune('a'+i)),
			SenderID:         login.ClientID,
			SenderType:       chatv1.UserTypeClient,
			Body:             "m",
			Now:              base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	// Newest page.
	resp := h.do(t, http.MethodGet, "/api/groups/"+grp.ID+"/messages?limit=2", login.Token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d", resp.StatusCode)
	}
	page := decodeBody[chatv1.HistoryResponse](t, resp)
	if len(page.Messages) != 2 || !page.HasMore {
		t.Fatalf("unexpected page: %d msgs hasMore=%v", len(page.Messages), page.HasMore)
	}

	// Older page via exclusive before-cursor.
	cursor := page.Messages[0].SentAt.Format(time.RFC3339Nano)
	resp = h.do(t, http.MethodGet, "/api/groups/"+grp.ID+"/messages?limit=10&before="+cursor, login.Token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history (before) status = %d", resp.StatusCode)
	}
	older := decodeBody[chatv1.HistoryResponse](t, resp)
	if len(older.Messages) != 3 || older.HasMore {
		t.Fatalf("unexpected older page: %d msgs hasMore=%v", len(older.Messages), older.HasMore)
	}
	for _, m := range older.Messages {
		if !m.SentAt.Before(page.Messages[0].SentAt) {
			t.Fatalf("boundary message re-delivered: %v", m.SentAt)
		}
	}

	// Another client must not see the group, and the response shape must not
	// reveal that it exists.
	other := h.loginAs(t, "5550006")
	resp = h.do(t, http.MethodGet, "/api/groups/"+grp.ID+"/messages", other.Token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign history status = %d, want 404", resp.StatusCode)
	}
}

func TestHistoryRejectsBadCursor(t *testing.T) {
	h := newAPIHarness(t)
	login := h.loginAs(t, "5550007")

	grp, err := h.groups.CreateGroup(context.Background(), login.ClientID, "billing")
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	resp := h.do(t, http.MethodGet, "/api/groups/"+grp.ID+"/messages?before=yesterday", login.Token, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

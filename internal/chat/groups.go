package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	chatv1 "supportline/contracts/chat/v1"
)

// Group identifies one ongoing support conversation for a client.
type Group struct {
	ID           string
	ClientID     string
	DepartmentID string
	CreatedAt    time.Time
}

// Department is one routing department, used when a client has no open group
// yet and must pick where the inquiry goes.
type Department struct {
	ID   string
	Name string
}

// GroupsClient resolves and creates conversation groups and lists active
// departments. Failures are surfaced as retryable errors; nothing is retried
// internally.
type GroupsClient struct {
	hc      *http.Client
	baseURL string

	mu    sync.Mutex
	token string
}

// NewGroupsClient constructs a client bound to one session identity.
func NewGroupsClient(hc *http.Client, baseURL string, identity Identity) *GroupsClient {
	if hc == nil {
		hc = &http.Client{Timeout: historyRequestTimeout}
	}
	return &GroupsClient{hc: hc, baseURL: baseURL, token: identity.Token}
}

// SetToken swaps the bearer token after a rotation.
func (g *GroupsClient) SetToken(token string) {
	g.mu.Lock()
	g.token = token
	g.mu.Unlock()
}

// LatestGroup returns the most recent open group for the authenticated
// client, or an ErrNotFound kind when no group exists yet.
func (g *GroupsClient) LatestGroup(ctx context.Context) (Group, error) {
	var rec chatv1.GroupRecord
	if err := g.do(ctx, http.MethodGet, "/api/groups/latest", nil, &rec); err != nil {
		return Group{}, err
	}
	return groupFromWire(rec), nil
}

// CreateGroup opens a new inquiry routed to departmentID.
func (g *GroupsClient) CreateGroup(ctx context.Context, departmentID string) (Group, error) {
	if departmentID == "" {
		return Group{}, OpError{Op: "chat.CreateGroup", Kind: ErrInvalidInput, Msg: "missing department id"}
	}

	var rec chatv1.GroupRecord
	req := chatv1.CreateGroupRequest{DepartmentID: departmentID}
	if err := g.do(ctx, http.MethodPost, "/api/groups", req, &rec); err != nil {
		return Group{}, err
	}
	return groupFromWire(rec), nil
}

// ActiveDepartments lists the departments a new inquiry can be routed to.
func (g *GroupsClient) ActiveDepartments(ctx context.Context) ([]Department, error) {
	var body chatv1.DepartmentsResponse
	if err := g.do(ctx, http.MethodGet, "/api/departments", nil, &body); err != nil {
		return nil, err
	}

	out := make([]Department, 0, len(body.Departments))
	for _, d := range body.Departments {
		out = append(out, Department{ID: d.ID, Name: d.Name})
	}
	return out, nil
}

func (g *GroupsClient) do(ctx context.Context, method, path string, in, out any) error {
	op := "chat." + method + " " + path

	var body *bytes.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return OpError{Op: op, Kind: ErrInvalidInput, Msg: err.Error()}
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: err.Error()}
	}

	g.mu.Lock()
	token := g.token
	g.mu.Unlock()
	req.Header.Set("Authorization", "Bearer "+token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusUnauthorized, http.StatusForbidden:
		return OpError{Op: op, Kind: ErrAuthFailed}
	case http.StatusNotFound:
		return OpError{Op: op, Kind: ErrNotFound}
	default:
		return fmt.Errorf("%s: unexpected status %d", op, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}

func groupFromWire(rec chatv1.GroupRecord) Group {
	return Group{
		ID:           rec.ID,
		ClientID:     rec.ClientID,
		DepartmentID: rec.DepartmentID,
		CreatedAt:    rec.CreatedAt,
	}
}

package realtime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNoGroup is returned when a client has no conversation group yet.
var ErrNoGroup = errors.New("realtime: no group")

// StoredGroup is one support conversation group. A group has exactly one
// owning client identity and a routing department; it is created once per
// new inquiry and reused while the conversation stays open.
type StoredGroup struct {
	ID           string
	ClientID     string
	DepartmentID string
	CreatedAt    time.Time
}

// Department is one routing department for new inquiries.
type Department struct {
	ID   string
	Name string
}

// GroupStore persists conversation groups and the department directory.
type GroupStore interface {
	// LatestGroupForClient returns the most recently created group owned by
	// clientID, or ErrNoGroup.
	LatestGroupForClient(ctx context.Context, clientID string) (StoredGroup, error)

	// GetGroup returns the group with the given id, or ErrNoGroup.
	GetGroup(ctx context.Context, groupID string) (StoredGroup, error)

	// CreateGroup opens a new group for clientID routed to departmentID.
	CreateGroup(ctx context.Context, clientID, departmentID string) (StoredGroup, error)

	// ActiveDepartments lists the departments accepting new inquiries.
	ActiveDepartments(ctx context.Context) ([]Department, error)

	Close() error
}

// InMemoryGroupStore is the dev fallback when no DB is configured.
type InMemoryGroupStore struct {
	mu          sync.Mutex
	byClient    map[string][]StoredGroup
	departments []Department
}

// NewInMemoryGroupStore constructs a group store seeded with the default
// department directory.
func NewInMemoryGroupStore() *InMemoryGroupStore {
	return &InMemoryGroupStore{
		byClient: make(map[string][]StoredGroup),
		departments: []Department{
			{ID: "billing", Name: "Billing"},
			{ID: "customer-service", Name: "Customer Service"},
			{ID: "sales", Name: "Sales"},
		},
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryGroupStore) Close() error { return nil }

// LatestGroupForClient returns the newest group for clientID or ErrNoGroup.
func (s *InMemoryGroupStore) LatestGroupForClient(_ context.Context, clientID string) (StoredGroup, error) {
	if clientID == "" {
		return StoredGroup{}, errors.New("missing client id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	groups := s.byClient[clientID]
	if len(groups) == 0 {
		return StoredGroup{}, ErrNoGroup
	}

	latest := groups[0]
	for _, g := range groups[1:] {
		if g.CreatedAt.After(latest.CreatedAt) {
			latest = g
		}
	}
	return latest, nil
}

// GetGroup returns the group with the given id, or ErrNoGroup.
func (s *InMemoryGroupStore) GetGroup(_ context.Context, groupID string) (StoredGroup, error) {
	if groupID == "" {
		return StoredGroup{}, errors.New("missing group id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, groups := range s.byClient {
		for _, g := range groups {
			if g.ID == groupID {
				return g, nil
			}
		}
	}
	return StoredGroup{}, ErrNoGroup
}

// CreateGroup opens a new group routed to departmentID.
func (s *InMemoryGroupStore) CreateGroup(_ context.Context, clientID, departmentID string) (StoredGroup, error) {
	if clientID == "" || departmentID == "" {
		return StoredGroup{}, errors.New("invalid input")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	for _, d := range s.departments {
		if d.ID == departmentID {
			found = true
			break
		}
	}
	if !found {
		return StoredGroup{}, errors.New("unknown department: " + departmentID)
	}

	now := time.Now().UTC()
	id, err := NewULID(now)
	if err != nil {
		return StoredGroup{}, err
	}

	g := StoredGroup{
		ID:           id,
		ClientID:     clientID,
		DepartmentID: departmentID,
		CreatedAt:    now,
	}
	s.byClient[clientID] = append(s.byClient[clientID], g)
	return g, nil
}

// ActiveDepartments lists departments in a stable order.
func (s *InMemoryGroupStore) ActiveDepartments(_ context.Context) ([]Department, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := append([]Department(nil), s.departments...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

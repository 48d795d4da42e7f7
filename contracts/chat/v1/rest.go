package chatv1

import "time"

// REST surface shared by the backend API and clients. History reuses
// ReceiveMessagePayload as the message record so the two delivery paths
// (history fetch and realtime push) can never disagree on shape.

// HistoryResponse is the paginated history window for one group.
// The "before" cursor is exclusive: a page never re-delivers the boundary
// message the caller already has.
type HistoryResponse struct {
	Messages []ReceiveMessagePayload `json:"messages"`
	HasMore  bool                    `json:"has_more"`
}

// GroupRecord identifies one ongoing support conversation for a client.
type GroupRecord struct {
	ID           string    `json:"id"`
	ClientID     string    `json:"client_id"`
	DepartmentID string    `json:"department_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// CreateGroupRequest opens a new inquiry routed to a department.
type CreateGroupRequest struct {
	DepartmentID string `json:"department_id"`
}

// DepartmentRecord is one routing department.
type DepartmentRecord struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// DepartmentsResponse lists active departments.
type DepartmentsResponse struct {
	Departments []DepartmentRecord `json:"departments"`
}

// LoginRequest authenticates a client account by phone number.
type LoginRequest struct {
	CountryCode string `json:"country_code"`
	Number      string `json:"number"`
	Password    string `json:"password"`
}

// LoginResponse carries the opaque bearer token and the client identity.
type LoginResponse struct {
	Token    string `json:"token"`
	ClientID string `json:"client_id"`
}

package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresGroupStore is a GroupStore backed by PostgreSQL.
// Like PostgresStore, it does not own the pool.
type PostgresGroupStore struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresGroupStore constructs a Postgres-backed GroupStore.
func NewPostgresGroupStore(pool *pgxpool.Pool, schema string) (*PostgresGroupStore, error) {
	if pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	if schema == "" {
		schema = "supportline"
	}
	if !isValidPGIdent(schema) {
		return nil, errors.New("realtime: invalid schema identifier")
	}
	return &PostgresGroupStore{pool: pool, schema: schema}, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresGroupStore) Close() error { return nil }

// LatestGroupForClient returns the newest group for clientID or ErrNoGroup.
func (s *PostgresGroupStore) LatestGroupForClient(ctx context.Context, clientID string) (StoredGroup, error) {
	if clientID == "" {
		return StoredGroup{}, errors.New("missing client id")
	}

	groups := pgIdent(s.schema, "groups")

	var g StoredGroup
	err := s.pool.QueryRow(ctx,
		`SELECT id, client_id, department_id, created_at
		 FROM `+groups+`
		 WHERE client_id = $1
		 ORDER BY created_at DESC
		 LIMIT 1`,
		clientID,
	).Scan(&g.ID, &g.ClientID, &g.DepartmentID, &g.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return StoredGroup{}, ErrNoGroup
	}
	if err != nil {
		return StoredGroup{}, err
	}
	return g, nil
}

// GetGroup returns the group with the given id, or ErrNoGroup.
func (s *PostgresGroupStore) GetGroup(ctx context.Context, groupID string) (StoredGroup, error) {
	if groupID == "" {
		return StoredGroup{}, errors.New("missing group id")
	}

	groups := pgIdent(s.schema, "groups")

	var g StoredGroup
	err := s.pool.QueryRow(ctx,
		`SELECT id, client_id, department_id, created_at FROM `+groups+` WHERE id = $1`,
		groupID,
	).Scan(&g.ID, &g.ClientID, &g.DepartmentID, &g.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return StoredGroup{}, ErrNoGroup
	}
	if err != nil {
		return StoredGroup{}, err
	}
	return g, nil
}

// CreateGroup opens a new group routed to departmentID.
func (s *PostgresGroupStore) CreateGroup(ctx context.Context, clientID, departmentID string) (StoredGroup, error) {
	if clientID == "" || departmentID == "" {
		return StoredGroup{}, errors.New("invalid input")
	}

	now := time.Now().UTC()
	id, err := NewULID(now)
	if err != nil {
		return StoredGroup{}, err
	}

	groups := pgIdent(s.schema, "groups")

	g := StoredGroup{ID: id, ClientID: clientID, DepartmentID: departmentID, CreatedAt: now}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+groups+` (id, client_id, department_id, created_at) VALUES ($1, $2, $3, $4)`,
		g.ID, g.ClientID, g.DepartmentID, g.CreatedAt,
	); err != nil {
		return StoredGroup{}, err
	}
	return g, nil
}

// ActiveDepartments lists departments accepting new inquiries.
func (s *PostgresGroupStore) ActiveDepartments(ctx context.Context) ([]Department, error) {
	departments := pgIdent(s.schema, "departments")

	rows, err := s.pool.Query(ctx,
		`SELECT id, name FROM `+departments+` WHERE active ORDER BY name`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Department
	for rows.Next() {
		var d Department
		if err := rows.Scan(&d.ID, &d.Name); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

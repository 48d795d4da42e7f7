package realtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a MessageStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Uses per-group transactional advisory locks to guarantee:
//   - No duplicate rows per (group_id, correlation_token)
//   - Strictly increasing sent_at per group under concurrency
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "supportline").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed MessageStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "supportline",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// AppendMessage appends a message with idempotency and strictly increasing
// per-group timestamps.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if s == nil || s.pool == nil {
		return AppendMessageResult{}, errors.New("realtime: nil store")
	}
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

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendMessageResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	messages := pgIdent(s.schema, "messages")

	// Serialize all writes per group so duplicates never consume a timestamp
	// slot and ordering stays strict under concurrency.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.GroupID); err != nil {
		return AppendMessageResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	var existing StoredMessage
	err = tx.QueryRow(ctx,
		`SELECT group_id, correlation_token, server_msg_id, sender_id, sender_type, body, sent_at
		 FROM `+messages+`
		 WHERE group_id = $1 AND correlation_token = $2`,
		in.GroupID, in.CorrelationToken,
	).Scan(
		&existing.GroupID, &existing.CorrelationToken, &existing.ServerMsgID,
		&existing.SenderID, &existing.SenderType, &existing.Body, &existing.SentAt,
	)
	switch {
	case err == nil:
		return AppendMessageResult{Stored: existing, Duplicated: true}, nil
	case errors.Is(err, pgx.ErrNoRows):
		// First delivery; fall through to insert.
	default:
		return AppendMessageResult{}, err
	}

	var lastTS time.Time
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(sent_at), 'epoch'::timestamptz) FROM `+messages+` WHERE group_id = $1`,
		in.GroupID,
	).Scan(&lastTS)
	if err != nil {
		return AppendMessageResult{}, err
	}
	if !now.After(lastTS) {
		now = lastTS.Add(time.Microsecond)
	}

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

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (group_id, correlation_token, server_msg_id, sender_id, sender_type, body, sent_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.GroupID, msg.CorrelationToken, msg.ServerMsgID, msg.SenderID, msg.SenderType, msg.Body, msg.SentAt,
	); err != nil {
		return AppendMessageResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendMessageResult{}, err
	}
	return AppendMessageResult{Stored: msg, Duplicated: false}, nil
}

// FetchHistory returns the most recent page strictly older than the cursor,
// ordered by sent_at ascending.
func (s *PostgresStore) FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error) {
	if s == nil || s.pool == nil {
		return FetchHistoryResult{}, errors.New("realtime: nil store")
	}
	if in.GroupID == "" {
		return FetchHistoryResult{}, errors.New("missing group_id")
	}

	limit := in.Limit
	if limit <= 0 {
		limit = memDefaultHistoryLimit
	}
	if limit > memMaxHistoryLimit {
		limit = memMaxHistoryLimit
	}

	messages := pgIdent(s.schema, "messages")

	var (
		rows pgx.Rows
		err  error
	)
	if in.Before != nil {
		rows, err = s.pool.Query(ctx,
			`SELECT group_id, correlation_token, server_msg_id, sender_id, sender_type, body, sent_at
			 FROM `+messages+`
			 WHERE group_id = $1 AND sent_at < $2
			 ORDER BY sent_at DESC
			 LIMIT $3`,
			in.GroupID, in.Before.UTC(), limit+1,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT group_id, correlation_token, server_msg_id, sender_id, sender_type, body, sent_at
			 FROM `+messages+`
			 WHERE group_id = $1
			 ORDER BY sent_at DESC
			 LIMIT $2`,
			in.GroupID, limit+1,
		)
	}
	if err != nil {
		return FetchHistoryResult{}, err
	}
	defer rows.Close()

	var page []StoredMessage
	for rows.Next() {
		var m StoredMessage
		if err := rows.Scan(
			&m.GroupID, &m.CorrelationToken, &m.ServerMsgID,
			&m.SenderID, &m.SenderType, &m.Body, &m.SentAt,
		); err != nil {
			return FetchHistoryResult{}, err
		}
		page = append(page, m)
	}
	if err := rows.Err(); err != nil {
		return FetchHistoryResult{}, err
	}

	hasMore := len(page) > limit
	if hasMore {
		page = page[:limit]
	}

	// Rows arrive newest-first; the contract is ascending.
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}

	return FetchHistoryResult{Messages: page, HasMore: hasMore}, nil
}

// ---- identifier quoting ----

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRe.MatchString(s)
}

// pgIdent returns a safely quoted schema-qualified identifier.
// Inputs are validated against a strict identifier pattern first.
func pgIdent(schema, table string) string {
	if !isValidPGIdent(schema) || !isValidPGIdent(table) {
		// Callers validate at construction time; this is a hard invariant.
		panic("realtime: invalid pg identifier")
	}
	return `"` + schema + `"."` + table + `"`
}

// Package realtime contains Beacon's WebSocket gateway, the durable message log and the
// publish / broadcast / replay pipeline built on top of it.
package realtime

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema/postgres.sql
var postgresSchemaSQL string

const (
	pgUniqueViolation = "23505"

	pgTokenConstraint = "uq_messages_idempotency_token"
	pgSeqConstraint   = "pk_messages"

	// Single global advisory lock key: the log has one total order.
	pgAppendLockKey = "beacon.messages.append"
)

// PostgresStore is a LogStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Appends take a transactional advisory lock and allocate MAX(seq)+1, so seq order
//     equals commit order and a rejected duplicate never burns a seq.
//   - Dedup is the UNIQUE(idempotency_token) rejection of a plain INSERT.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "beacon").
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

// NewPostgresStore constructs a Postgres-backed LogStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "beacon",
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

// Schema returns the schema name the store operates in.
func (s *PostgresStore) Schema() string { return s.schema }

// EnsureSchema creates the schema and messages table if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errors.New("realtime: nil store")
	}
	sql := strings.NewReplacer(
		"{{schema}}", pgx.Identifier{s.schema}.Sanitize(),
		"{{messages}}", pgIdent(s.schema, "messages"),
	).Replace(postgresSchemaSQL)

	if _, err := s.pool.Exec(ctx, sql); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	return nil
}

// Append inserts a message, allocating the next seq. A token collision yields OutcomeDuplicate.
func (s *PostgresStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	if s == nil || s.pool == nil {
		return storeErr(errors.New("realtime: nil store"))
	}
	if err := ctx.Err(); err != nil {
		return storeErr(err)
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
		return storeErr(fmt.Errorf("%w: begin: %v", ErrStoreUnavailable, err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, pgAppendLockKey); err != nil {
		return storeErr(fmt.Errorf("%w: advisory lock: %v", ErrStoreUnavailable, err))
	}

	messages := pgIdent(s.schema, "messages")

	var token *string
	if in.Token != "" {
		token = &in.Token
	}

	var seq int64
	err = tx.QueryRow(ctx,
		`INSERT INTO `+messages+` (seq, idempotency_token, content, created_at)
		 SELECT COALESCE(MAX(seq), 0) + 1, $1, $2, $3 FROM `+messages+`
		 RETURNING seq`,
		token, in.Content, now,
	).Scan(&seq)
	if err != nil {
		return classifyPGAppendErr(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return classifyPGAppendErr(err)
	}

	return AppendResult{
		Outcome: OutcomeInserted,
		Message: Message{Seq: seq, Token: in.Token, Content: in.Content, CreatedAt: now},
	}, nil
}

func classifyPGAppendErr(err error) (AppendResult, error) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		switch pgErr.ConstraintName {
		case pgTokenConstraint:
			return AppendResult{Outcome: OutcomeDuplicate}, nil
		case pgSeqConstraint:
			return storeErr(fmt.Errorf("%w: %s", ErrSequenceConflict, pgErr.Detail))
		}
	}
	return storeErr(fmt.Errorf("%w: insert message: %v", ErrStoreUnavailable, err))
}

// ReadRange returns messages ordered by seq ASC with seq > AfterSeq.
func (s *PostgresStore) ReadRange(ctx context.Context, in ReadRangeInput) (ReadRangeResult, error) {
	if s == nil || s.pool == nil {
		return ReadRangeResult{}, errors.New("realtime: nil store")
	}
	if err := ctx.Err(); err != nil {
		return ReadRangeResult{}, err
	}

	limit := clampReadLimit(in.Limit)
	fetch := limit + 1

	rows, err := s.pool.Query(ctx,
		`SELECT seq, COALESCE(idempotency_token, ''), content, created_at
		   FROM `+pgIdent(s.schema, "messages")+`
		  WHERE seq > $1
		  ORDER BY seq ASC
		  LIMIT $2`,
		in.AfterSeq, fetch,
	)
	if err != nil {
		return ReadRangeResult{}, fmt.Errorf("%w: read range: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	msgs := make([]Message, 0, fetch)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Seq, &m.Token, &m.Content, &m.CreatedAt); err != nil {
			return ReadRangeResult{}, fmt.Errorf("%w: scan message: %v", ErrStoreUnavailable, err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return ReadRangeResult{}, fmt.Errorf("%w: read range: %v", ErrStoreUnavailable, err)
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return ReadRangeResult{Messages: msgs, HasMore: hasMore}, nil
}

// LatestSeq returns the highest committed seq (0 when the log is empty).
func (s *PostgresStore) LatestSeq(ctx context.Context) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, errors.New("realtime: nil store")
	}
	var seq int64
	if err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM `+pgIdent(s.schema, "messages"),
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("%w: latest seq: %v", ErrStoreUnavailable, err)
	}
	return seq, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

var _ LogStore = (*PostgresStore)(nil)

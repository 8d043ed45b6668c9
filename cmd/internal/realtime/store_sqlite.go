package realtime

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

//go:embed schema/sqlite.sql
var sqliteSchemaSQL string

// SQLiteStore is a LogStore backed by a single SQLite file.
//
// The handle is limited to one open connection, which serializes writers and makes
// AUTOINCREMENT allocation match commit order.
type SQLiteStore struct {
	sqlDB *sql.DB
}

// OpenSQLiteStore opens (or creates) a SQLite log at path and applies the embedded schema.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	sqlDB, err := sql.Open("sqlite", filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA synchronous = NORMAL`,
	} {
		if _, err := sqlDB.ExecContext(ctx, pragma); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("sqlite %s: %w", pragma, err)
		}
	}
	if _, err := sqlDB.ExecContext(ctx, sqliteSchemaSQL); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStore{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Ping checks the handle is usable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if s == nil || s.sqlDB == nil {
		return errors.New("realtime: nil store")
	}
	return s.sqlDB.PingContext(ctx)
}

// Append inserts one message; a token collision yields OutcomeDuplicate.
func (s *SQLiteStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	if s == nil || s.sqlDB == nil {
		return storeErr(errors.New("realtime: nil store"))
	}
	if err := ctx.Err(); err != nil {
		return storeErr(err)
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var token any
	if in.Token != "" {
		token = in.Token
	}

	var seq int64
	err := s.sqlDB.QueryRowContext(ctx,
		`INSERT INTO messages (idempotency_token, content, created_at) VALUES (?, ?, ?) RETURNING seq`,
		token, in.Content, now.UTC().UnixMilli(),
	).Scan(&seq)
	if err != nil {
		var sqliteErr *msqlite.Error
		if errors.As(err, &sqliteErr) {
			switch sqliteErr.Code() {
			case sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
				return AppendResult{Outcome: OutcomeDuplicate}, nil
			case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY:
				return storeErr(fmt.Errorf("%w: %v", ErrSequenceConflict, err))
			}
		}
		return storeErr(fmt.Errorf("%w: insert message: %v", ErrStoreUnavailable, err))
	}

	return AppendResult{
		Outcome: OutcomeInserted,
		Message: Message{Seq: seq, Token: in.Token, Content: in.Content, CreatedAt: time.UnixMilli(now.UTC().UnixMilli()).UTC()},
	}, nil
}

// ReadRange returns messages ordered by seq ASC with seq > AfterSeq.
func (s *SQLiteStore) ReadRange(ctx context.Context, in ReadRangeInput) (ReadRangeResult, error) {
	if s == nil || s.sqlDB == nil {
		return ReadRangeResult{}, errors.New("realtime: nil store")
	}
	if err := ctx.Err(); err != nil {
		return ReadRangeResult{}, err
	}

	limit := clampReadLimit(in.Limit)
	fetch := limit + 1

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT seq, COALESCE(idempotency_token, ''), content, created_at
		   FROM messages
		  WHERE seq > ?
		  ORDER BY seq ASC
		  LIMIT ?`,
		in.AfterSeq, fetch,
	)
	if err != nil {
		return ReadRangeResult{}, fmt.Errorf("%w: read range: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	msgs := make([]Message, 0, fetch)
	for rows.Next() {
		var (
			m       Message
			created int64
		)
		if err := rows.Scan(&m.Seq, &m.Token, &m.Content, &created); err != nil {
			return ReadRangeResult{}, fmt.Errorf("%w: scan message: %v", ErrStoreUnavailable, err)
		}
		m.CreatedAt = time.UnixMilli(created).UTC()
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
func (s *SQLiteStore) LatestSeq(ctx context.Context) (int64, error) {
	if s == nil || s.sqlDB == nil {
		return 0, errors.New("realtime: nil store")
	}
	var seq int64
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM messages`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("%w: latest seq: %v", ErrStoreUnavailable, err)
	}
	return seq, nil
}

var _ LogStore = (*SQLiteStore)(nil)

package realtime

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestClassifyPGAppendErr(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		err         error
		wantOutcome AppendOutcome
		wantErr     error
	}{
		{
			name:        "token unique violation is a duplicate",
			err:         &pgconn.PgError{Code: pgUniqueViolation, ConstraintName: pgTokenConstraint},
			wantOutcome: OutcomeDuplicate,
		},
		{
			name:        "wrapped token violation is a duplicate",
			err:         fmt.Errorf("commit: %w", &pgconn.PgError{Code: pgUniqueViolation, ConstraintName: pgTokenConstraint}),
			wantOutcome: OutcomeDuplicate,
		},
		{
			name:        "primary key violation is a sequence conflict",
			err:         &pgconn.PgError{Code: pgUniqueViolation, ConstraintName: pgSeqConstraint},
			wantOutcome: OutcomeStoreError,
			wantErr:     ErrSequenceConflict,
		},
		{
			name:        "other pg error is unavailable",
			err:         &pgconn.PgError{Code: "57P01"},
			wantOutcome: OutcomeStoreError,
			wantErr:     ErrStoreUnavailable,
		},
		{
			name:        "network error is unavailable",
			err:         errors.New("connection reset by peer"),
			wantOutcome: OutcomeStoreError,
			wantErr:     ErrStoreUnavailable,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			res, err := classifyPGAppendErr(tc.err)
			if res.Outcome != tc.wantOutcome {
				t.Fatalf("outcome=%s want %s", res.Outcome, tc.wantOutcome)
			}
			if tc.wantErr == nil && err != nil {
				t.Fatalf("expected nil error, got %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("err=%v want %v", err, tc.wantErr)
			}
		})
	}
}

func TestWithSchema_RejectsInvalidIdentifiers(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "  ", "1abc", "beacon;drop", "a-b"} {
		st := &PostgresStore{}
		if err := WithSchema(in)(st); err == nil {
			t.Fatalf("WithSchema(%q) should fail", in)
		}
	}
	st := &PostgresStore{}
	if err := WithSchema(" beacon_2 ")(st); err != nil || st.schema != "beacon_2" {
		t.Fatalf("WithSchema valid: err=%v schema=%q", err, st.schema)
	}
}

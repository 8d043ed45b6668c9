package realtime

import (
	"context"
	"errors"
	"time"
)

// Message is the canonical persisted message representation.
type Message struct {
	Seq       int64
	Token     string
	Content   string
	CreatedAt time.Time
}

// AppendOutcome classifies an append attempt.
type AppendOutcome uint8

const (
	// OutcomeStoreError means the append failed for a reason other than dedup.
	OutcomeStoreError AppendOutcome = iota
	// OutcomeInserted means a new row was written and a fresh seq allocated.
	OutcomeInserted
	// OutcomeDuplicate means the idempotency token was already present.
	OutcomeDuplicate
)

func (o AppendOutcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "store_error"
	}
}

var (
	// ErrStoreUnavailable wraps storage failures (I/O, pool exhaustion, closed handle).
	ErrStoreUnavailable = errors.New("realtime: store unavailable")

	// ErrSequenceConflict reports a uniqueness violation on the sequence key itself.
	// It means the seq allocator handed out a value twice and must never be ignored.
	ErrSequenceConflict = errors.New("realtime: sequence allocator conflict")
)

// LogStore is the durable append-only message log.
//
// Requirements:
//   - Dedup on non-empty Token is enforced by a uniqueness constraint, not a pre-check
//   - Seq is strictly increasing and its order matches commit order
//   - ReadRange returns messages ordered by seq ASC, no gaps or repeats within the range
type LogStore interface {
	Append(ctx context.Context, in AppendInput) (AppendResult, error)
	ReadRange(ctx context.Context, in ReadRangeInput) (ReadRangeResult, error)
	LatestSeq(ctx context.Context) (int64, error)
	Close() error
}

// AppendInput describes an append request. An empty Token disables dedup.
type AppendInput struct {
	Content string
	Token   string
	Now     time.Time
}

// AppendResult is the append operation result.
// Message is only populated for OutcomeInserted.
type AppendResult struct {
	Outcome AppendOutcome
	Message Message
}

// ReadRangeInput describes a range read: every message with Seq > AfterSeq, up to Limit.
type ReadRangeInput struct {
	AfterSeq int64
	Limit    int
}

// ReadRangeResult contains one page of the range.
type ReadRangeResult struct {
	Messages []Message
	HasMore  bool
}

const (
	defaultReadLimit = 200
	maxReadLimit     = 1000
)

func clampReadLimit(limit int) int {
	if limit <= 0 {
		return defaultReadLimit
	}
	if limit > maxReadLimit {
		return maxReadLimit
	}
	return limit
}

func storeErr(err error) (AppendResult, error) {
	return AppendResult{Outcome: OutcomeStoreError}, err
}

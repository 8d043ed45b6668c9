package realtime

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is a dev-only fallback when no database is configured.
// It supports:
//   - Append: token uniqueness + seq allocation under one mutex (the "constraint")
//   - ReadRange: paging by after_seq over an immutable snapshot
type InMemoryStore struct {
	mu     sync.Mutex
	seq    int64
	tokens map[string]int64 // idempotency_token -> seq
	msgs   []Message        // ordered by seq
	closed bool
}

// NewInMemoryStore constructs an in-memory LogStore implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		tokens: make(map[string]int64),
		msgs:   make([]Message, 0, 256),
	}
}

// Close marks the store closed; later calls fail with ErrStoreUnavailable.
func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Append stores a message unless its token is already present.
func (s *InMemoryStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	if err := ctx.Err(); err != nil {
		return storeErr(err)
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storeErr(ErrStoreUnavailable)
	}

	if in.Token != "" {
		if _, ok := s.tokens[in.Token]; ok {
			return AppendResult{Outcome: OutcomeDuplicate}, nil
		}
	}

	// seq is allocated under mu, so this store never returns ErrSequenceConflict.
	next := s.seq + 1
	s.seq = next

	msg := Message{
		Seq:       next,
		Token:     in.Token,
		Content:   in.Content,
		CreatedAt: now,
	}
	if in.Token != "" {
		s.tokens[in.Token] = next
	}
	s.msgs = append(s.msgs, msg)

	return AppendResult{Outcome: OutcomeInserted, Message: msg}, nil
}

// ReadRange returns messages with Seq > AfterSeq ordered by seq ASC.
func (s *InMemoryStore) ReadRange(ctx context.Context, in ReadRangeInput) (ReadRangeResult, error) {
	if err := ctx.Err(); err != nil {
		return ReadRangeResult{}, err
	}
	limit := clampReadLimit(in.Limit)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ReadRangeResult{}, ErrStoreUnavailable
	}
	// msgs is append-only, so a slice header taken under the lock is a stable snapshot.
	snap := s.msgs[:len(s.msgs):len(s.msgs)]
	s.mu.Unlock()

	start := sort.Search(len(snap), func(i int) bool { return snap[i].Seq > in.AfterSeq })
	if start >= len(snap) {
		return ReadRangeResult{}, nil
	}

	end := start + limit + 1
	if end > len(snap) {
		end = len(snap)
	}
	out := append([]Message(nil), snap[start:end]...)

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return ReadRangeResult{Messages: out, HasMore: hasMore}, nil
}

// LatestSeq returns the highest allocated seq (0 when empty).
func (s *InMemoryStore) LatestSeq(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreUnavailable
	}
	return s.seq, nil
}

var _ LogStore = (*InMemoryStore)(nil)

package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	v1 "beacon/shared/contracts/realtime/v1"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustSeed(t *testing.T, st LogStore, n int) []Message {
	t.Helper()

	out := make([]Message, 0, n)
	for i := 0; i < n; i++ {
		res, err := st.Append(context.Background(), AppendInput{Content: fmt.Sprintf("m%d", i), Token: fmt.Sprintf("seed-%d", i)})
		if err != nil || res.Outcome != OutcomeInserted {
			t.Fatalf("seed %d: outcome=%s err=%v", i, res.Outcome, err)
		}
		out = append(out, res.Message)
	}
	return out
}

// drainSeqs reads n message_new envelopes off the session queue and returns their seqs.
func drainSeqs(t *testing.T, s *Session, n int, timeout time.Duration) []int64 {
	t.Helper()

	deadline := time.After(timeout)
	seqs := make([]int64, 0, n)
	for len(seqs) < n {
		select {
		case env := <-s.Outbound():
			if env.Type != v1.TypeMessageNew {
				continue
			}
			seqs = append(seqs, mustMessagePayload(t, env).Seq)
		case <-deadline:
			t.Fatalf("timed out after %d/%d messages: %v", len(seqs), n, seqs)
		}
	}
	return seqs
}

// queuedSeqs returns the seqs currently sitting on the queue without waiting.
func queuedSeqs(t *testing.T, s *Session) []int64 {
	t.Helper()

	var seqs []int64
	for {
		select {
		case env := <-s.Outbound():
			if env.Type == v1.TypeMessageNew {
				seqs = append(seqs, mustMessagePayload(t, env).Seq)
			}
		default:
			return seqs
		}
	}
}

func mustMessagePayload(t *testing.T, env v1.Envelope) v1.MessageNewPayload {
	t.Helper()

	var p v1.MessageNewPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode message_new: %v", err)
	}
	return p
}

func assertStrictlyIncreasing(t *testing.T, seqs []int64, from, to int64) {
	t.Helper()

	if int64(len(seqs)) != to-from+1 {
		t.Fatalf("expected seqs %d..%d, got %v", from, to, seqs)
	}
	for i, s := range seqs {
		if s != from+int64(i) {
			t.Fatalf("expected seqs %d..%d in order, got %v", from, to, seqs)
		}
	}
}

// ---- fakes ----

// recordingBroadcaster counts Broadcast calls.
type recordingBroadcaster struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recordingBroadcaster) Broadcast(_ context.Context, m Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
}

func (r *recordingBroadcaster) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

// failingStore fails every append with err.
type failingStore struct {
	*InMemoryStore
	err error
}

func (f *failingStore) Append(context.Context, AppendInput) (AppendResult, error) {
	return AppendResult{Outcome: OutcomeStoreError}, f.err
}

// hookStore runs onRead before every ReadRange.
type hookStore struct {
	*InMemoryStore
	onRead func(call int, in ReadRangeInput)

	mu    sync.Mutex
	calls int
}

func (h *hookStore) ReadRange(ctx context.Context, in ReadRangeInput) (ReadRangeResult, error) {
	h.mu.Lock()
	h.calls++
	call := h.calls
	h.mu.Unlock()

	if h.onRead != nil {
		h.onRead(call, in)
	}
	return h.InMemoryStore.ReadRange(ctx, in)
}

// recordingRelay captures published messages.
type recordingRelay struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recordingRelay) Publish(_ context.Context, m Message) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
	return nil
}

func (r *recordingRelay) Listen(ctx context.Context, _ func(Message)) error {
	<-ctx.Done()
	return nil
}

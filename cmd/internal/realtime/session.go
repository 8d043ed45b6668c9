package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	v1 "beacon/shared/contracts/realtime/v1"
)

// ErrSessionClosed is returned by blocking sends on a closed session.
var ErrSessionClosed = errors.New("realtime: session closed")

// OfferResult reports what a live-path Offer did with a message.
type OfferResult uint8

const (
	// OfferSkipped: seq already delivered, or the session is closed.
	OfferSkipped OfferResult = iota
	// OfferQueued: the message is on the send queue.
	OfferQueued
	// OfferBuffered: the session is replaying; the message waits in its pending buffer.
	OfferBuffered
	// OfferDropped: the send queue was full and the session was closed as a slow consumer.
	OfferDropped
)

// Session is the per-connection delivery state.
//
// Design notes:
//   - Out is never closed by the server to avoid panics from concurrent broadcasters.
//   - lastSeq only ever advances; every message_new enqueued goes through advance.
//   - While not live (replay running) broadcasts are buffered in pending and flushed by the
//     Replayer, which is the only writer of message_new during that window.
type Session struct {
	ConnID string

	out  chan v1.Envelope
	done chan struct{}

	closeOnce   sync.Once
	closeReason string

	// Serializes replays of this session.
	replayMu sync.Mutex

	mu          sync.Mutex
	lastSeq     int64
	lastWritten int64
	resumable   bool
	live        bool
	pending     []Message
	overflowed  bool
	lost        bool
	parkUntil   time.Time
}

// NewSession constructs a Session with a bounded send queue.
// A resumable session starts live: it skips replay.
func NewSession(connID string, initialSeq int64, resumable bool, queueSize int) *Session {
	if queueSize <= 0 {
		queueSize = defaultSendQueue
	}
	if initialSeq < 0 {
		initialSeq = 0
	}
	return &Session{
		ConnID:    connID,
		out:       make(chan v1.Envelope, queueSize),
		done:      make(chan struct{}),
		lastSeq:   initialSeq,
		resumable: resumable,
		live:      resumable,
	}
}

// Outbound is the connection writer's queue.
func (s *Session) Outbound() <-chan v1.Envelope { return s.out }

// Done returns a channel that is closed when the session is shutting down.
func (s *Session) Done() <-chan struct{} {
	if s == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}

// Close signals the session goroutines to stop (idempotent).
// It does NOT close the send queue to keep broadcast safe under concurrency.
func (s *Session) Close(reason string) {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeReason = reason
		s.pending = nil
		s.mu.Unlock()
		close(s.done)
	})
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	select {
	case <-s.Done():
		return true
	default:
		return false
	}
}

// CloseReason returns the reason passed to Close ("" while open).
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// LastDelivered is the highest seq handed to this connection's queue.
func (s *Session) LastDelivered() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// Resumable reports whether the transport attested that nothing was missed.
func (s *Session) Resumable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumable
}

// Live reports whether the session receives broadcasts directly.
func (s *Session) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// Offer is the broadcast path: never blocks.
func (s *Session) Offer(m Message) OfferResult {
	if s == nil || s.Closed() {
		return OfferSkipped
	}

	s.mu.Lock()
	if m.Seq <= s.lastSeq {
		s.mu.Unlock()
		return OfferSkipped
	}
	if !s.live {
		if len(s.pending) >= maxPendingDuringReplay {
			// The replayer re-reads the log from lastSeq instead.
			s.overflowed = true
			s.mu.Unlock()
			return OfferBuffered
		}
		s.pending = append(s.pending, m)
		s.mu.Unlock()
		return OfferBuffered
	}

	select {
	case s.out <- messageEnvelope(m):
		s.lastSeq = m.Seq
		s.mu.Unlock()
		return OfferQueued
	default:
		s.lost = true
		s.mu.Unlock()
		s.Close("slow consumer")
		return OfferDropped
	}
}

// Enqueue puts a control envelope on the send queue, waiting for room.
func (s *Session) Enqueue(ctx context.Context, env v1.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.Done():
		return ErrSessionClosed
	case s.out <- env:
		return nil
	}
}

// deliver is the replay path: blocks on this session's own queue only.
// Messages at or below lastSeq are skipped.
func (s *Session) deliver(ctx context.Context, m Message) (bool, error) {
	s.mu.Lock()
	if m.Seq <= s.lastSeq {
		s.mu.Unlock()
		return false, nil
	}
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-s.Done():
		return false, ErrSessionClosed
	case s.out <- messageEnvelope(m):
	}

	s.advance(m.Seq)
	return true, nil
}

func (s *Session) advance(seq int64) {
	s.mu.Lock()
	if seq > s.lastSeq {
		s.lastSeq = seq
	}
	s.mu.Unlock()
}

// beginReplay switches the session to buffering.
func (s *Session) beginReplay() {
	s.mu.Lock()
	s.live = false
	s.pending = nil
	s.overflowed = false
	s.mu.Unlock()
}

// takePending hands the buffered broadcasts to the replayer. When nothing is left it
// flips the session live under the same lock, so no broadcast can slip between.
func (s *Session) takePending() (batch []Message, overflowed, wentLive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.overflowed {
		s.overflowed = false
		s.pending = nil
		return nil, true, false
	}
	if len(s.pending) == 0 {
		s.live = true
		return nil, false, true
	}
	batch = s.pending
	s.pending = nil
	return batch, false, false
}

// MarkWritten records the seq of a message_new the writer handed to the socket.
// The peer may still not have received it; see unpark.
func (s *Session) MarkWritten(seq int64) {
	s.mu.Lock()
	if seq > s.lastWritten {
		s.lastWritten = seq
	}
	s.mu.Unlock()
}

// LastWritten is the highest seq written to a connection of this session.
func (s *Session) LastWritten() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastWritten
}

// MarkLost records that a queued message_new may not have reached the peer.
// A lost session can no longer be resumed.
func (s *Session) MarkLost() {
	s.mu.Lock()
	s.lost = true
	s.mu.Unlock()
}

func (s *Session) park(until time.Time) {
	s.mu.Lock()
	s.parkUntil = until
	s.mu.Unlock()
}

func (s *Session) parked() (bool, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.parkUntil.IsZero(), s.parkUntil
}

type unparkResult uint8

const (
	unparkOK unparkResult = iota
	unparkNotParked
	unparkStale
)

// unpark attaches a new connection to a parked session if nothing was missed.
// clientSeq is the highest seq the client reports; anything written above it died with
// the old socket, so the session cannot resume.
func (s *Session) unpark(now time.Time, clientSeq int64) unparkResult {
	closed := s.Closed()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.parkUntil.IsZero() {
		return unparkNotParked
	}
	if closed || now.After(s.parkUntil) || s.lost || !s.live || clientSeq < s.lastWritten {
		return unparkStale
	}
	s.parkUntil = time.Time{}
	s.resumable = true
	return unparkOK
}

package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// BroadcasterConfig tunes ordered release.
type BroadcasterConfig struct {
	// GapTimeout is how long a held message waits for a missing seq before the
	// broadcaster reads the gap from the log.
	GapTimeout time.Duration
}

// Broadcaster fans committed messages out to every session of this process.
//
// Ordering model:
//   - Messages are released to sessions strictly in seq order, across local publishers and
//     the relay. A message ahead of the next expected seq is held.
//   - A held gap older than GapTimeout is filled from the log. If the log has nothing for
//     it, release skips ahead.
//   - Anything below the next expected seq was already released and is dropped.
type Broadcaster struct {
	log      *slog.Logger
	store    LogStore
	registry *Registry
	relay    Relay
	metrics  *Metrics

	gapTimeout time.Duration
	now        func() time.Time

	mu       sync.Mutex
	next     int64 // 0 until the first message or Init
	held     map[int64]Message
	gapSince time.Time
}

// NewBroadcaster constructs a Broadcaster. relay and metrics may be nil.
func NewBroadcaster(log *slog.Logger, store LogStore, registry *Registry, relay Relay, metrics *Metrics, cfg BroadcasterConfig) *Broadcaster {
	if log == nil {
		log = slog.Default()
	}
	if relay == nil {
		relay = LocalRelay{}
	}
	if cfg.GapTimeout <= 0 {
		cfg.GapTimeout = defaultGapTimeout
	}
	return &Broadcaster{
		log:        log,
		store:      store,
		registry:   registry,
		relay:      relay,
		metrics:    metrics,
		gapTimeout: cfg.GapTimeout,
		now:        func() time.Time { return time.Now().UTC() },
		held:       make(map[int64]Message),
	}
}

// Init positions release right after the latest committed seq.
// Call it before serving so the first relayed message is not mistaken for the start.
func (b *Broadcaster) Init(ctx context.Context) error {
	latest, err := b.store.LatestSeq(ctx)
	if err != nil {
		return fmt.Errorf("broadcaster init: %w", err)
	}

	b.mu.Lock()
	if b.next == 0 {
		b.next = latest + 1
	}
	b.mu.Unlock()
	return nil
}

// Broadcast releases a freshly committed message locally and forwards it to peers.
func (b *Broadcaster) Broadcast(ctx context.Context, m Message) {
	b.Deliver(m)

	if err := b.relay.Publish(ctx, m); err != nil {
		b.log.Warn("broadcast.relay.publish.fail", "seq", m.Seq, "err", err)
	}
}

// Deliver feeds one committed message into ordered release.
func (b *Broadcaster) Deliver(m Message) {
	if m.Seq <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliverLocked(m)
}

func (b *Broadcaster) deliverLocked(m Message) {
	if b.next == 0 {
		b.next = m.Seq
	}

	switch {
	case m.Seq < b.next:
		return
	case m.Seq > b.next:
		if _, ok := b.held[m.Seq]; !ok {
			b.held[m.Seq] = m
		}
		if b.gapSince.IsZero() {
			b.gapSince = b.now()
		}
		return
	}

	b.release(m)
	for {
		h, ok := b.held[b.next]
		if !ok {
			break
		}
		delete(b.held, b.next)
		b.release(h)
	}

	if len(b.held) == 0 {
		b.gapSince = time.Time{}
	} else {
		b.gapSince = b.now()
	}
}

// release fans m out and advances next. Caller holds b.mu, which keeps fan-out in seq order.
func (b *Broadcaster) release(m Message) {
	b.next = m.Seq + 1

	queued := 0
	b.registry.ForEach(func(s *Session) {
		switch s.Offer(m) {
		case OfferQueued:
			queued++
		case OfferDropped:
			b.metrics.slowConsumer()
			b.log.Info("broadcast.slow_consumer", "conn_id", s.ConnID, "seq", m.Seq)
		}
	})
	b.metrics.delivered(queued)
}

// Run fills stale gaps from the log until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) error {
	tick := b.gapTimeout / 2
	if tick < 50*time.Millisecond {
		tick = 50 * time.Millisecond
	}
	t := time.NewTicker(tick)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := b.fillGap(ctx); err != nil && !errors.Is(err, context.Canceled) {
				b.log.Warn("broadcast.gap.fill.fail", "err", err)
			}
		}
	}
}

// fillGap reads a stale gap from the log. It is a no-op while no gap is older than GapTimeout.
func (b *Broadcaster) fillGap(ctx context.Context) error {
	b.mu.Lock()
	stale := !b.gapSince.IsZero() && b.now().Sub(b.gapSince) >= b.gapTimeout
	after := b.next - 1
	b.mu.Unlock()
	if !stale {
		return nil
	}

	res, err := b.store.ReadRange(ctx, ReadRangeInput{AfterSeq: after, Limit: replayPageSize})
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, m := range res.Messages {
		b.deliverLocked(m)
	}

	if len(b.held) == 0 || b.next-1 != after {
		return nil
	}

	// The log has nothing for the gap: release whatever is held, lowest first.
	lowest := int64(0)
	for seq := range b.held {
		if lowest == 0 || seq < lowest {
			lowest = seq
		}
	}
	b.log.Warn("broadcast.gap.skip", "from", b.next, "to", lowest-1)
	m := b.held[lowest]
	delete(b.held, lowest)
	b.next = lowest
	b.deliverLocked(m)
	return nil
}

// NextSeq returns the next seq ordered release expects (0 before the first message).
func (b *Broadcaster) NextSeq() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next
}

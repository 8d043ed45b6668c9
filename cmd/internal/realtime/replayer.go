package realtime

import (
	"context"
	"fmt"
	"log/slog"
)

// Replayer brings one session up to date from the log before it goes live.
type Replayer struct {
	log      *slog.Logger
	store    LogStore
	metrics  *Metrics
	pageSize int
}

// NewReplayer constructs a Replayer. metrics may be nil.
func NewReplayer(log *slog.Logger, store LogStore, metrics *Metrics) *Replayer {
	if log == nil {
		log = slog.Default()
	}
	return &Replayer{log: log, store: store, metrics: metrics, pageSize: replayPageSize}
}

// Replay enqueues every logged message after s.LastDelivered(), in seq order, then flushes
// the broadcasts buffered meanwhile and marks the session live.
//
// Resumable sessions are skipped. Replays of one session never interleave. The send blocks on
// this session's queue only; ctx cancellation or session close abandons it.
func (r *Replayer) Replay(ctx context.Context, s *Session) error {
	if s.Resumable() {
		return nil
	}

	s.replayMu.Lock()
	defer s.replayMu.Unlock()

	s.beginReplay()

	sent := 0
	defer func() { r.metrics.replayed(sent) }()

	for {
		n, err := r.drainLog(ctx, s)
		sent += n
		if err != nil {
			return err
		}

		for {
			batch, overflowed, live := s.takePending()
			if live {
				r.log.Debug("replay.done", "conn_id", s.ConnID, "last_seq", s.LastDelivered(), "sent", sent)
				return nil
			}
			if overflowed {
				// Too many broadcasts while replaying: they are all in the log.
				break
			}
			for _, m := range batch {
				ok, err := s.deliver(ctx, m)
				if err != nil {
					return err
				}
				if ok {
					sent++
				}
			}
		}
	}
}

func (r *Replayer) drainLog(ctx context.Context, s *Session) (int, error) {
	sent := 0
	for {
		after := s.LastDelivered()
		page, err := r.store.ReadRange(ctx, ReadRangeInput{AfterSeq: after, Limit: r.pageSize})
		if err != nil {
			return sent, fmt.Errorf("replay read after %d: %w", after, err)
		}
		for _, m := range page.Messages {
			ok, err := s.deliver(ctx, m)
			if err != nil {
				return sent, err
			}
			if ok {
				sent++
			}
		}
		if !page.HasMore || len(page.Messages) == 0 {
			return sent, nil
		}
	}
}

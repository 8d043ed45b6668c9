package realtime

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// MessageBroadcaster is the fan-out the Publisher hands inserted messages to.
type MessageBroadcaster interface {
	Broadcast(ctx context.Context, m Message)
}

// PublishStatus is the acknowledgement returned to the publishing client.
type PublishStatus uint8

const (
	StatusNotAcknowledged PublishStatus = iota
	StatusAcknowledged
)

func (s PublishStatus) String() string {
	if s == StatusAcknowledged {
		return "acknowledged"
	}
	return "not_acknowledged"
}

// PublishInput is one inbound message_send.
type PublishInput struct {
	ConnID  string
	Content string
	Token   string
}

// PublishResult reports the acknowledgement. Seq is 0 when unknown (duplicate) or on failure.
type PublishResult struct {
	Status  PublishStatus
	Seq     int64
	Outcome AppendOutcome
}

// Publisher is the idempotent publish path: append to the log, broadcast only on insert.
type Publisher struct {
	log     *slog.Logger
	store   LogStore
	fanout  MessageBroadcaster
	metrics *Metrics
	now     func() time.Time
}

// NewPublisher constructs a Publisher. metrics may be nil.
func NewPublisher(log *slog.Logger, store LogStore, fanout MessageBroadcaster, metrics *Metrics) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{
		log:     log,
		store:   store,
		fanout:  fanout,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Publish appends the message and, only when it was newly inserted, broadcasts it once.
// Store failures are not retried: the client retries with the same token.
func (p *Publisher) Publish(ctx context.Context, in PublishInput) PublishResult {
	res, err := p.store.Append(ctx, AppendInput{
		Content: in.Content,
		Token:   in.Token,
		Now:     p.now(),
	})
	if err != nil {
		res.Outcome = OutcomeStoreError
	}
	p.metrics.publish(res.Outcome)

	switch res.Outcome {
	case OutcomeInserted:
		p.fanout.Broadcast(ctx, res.Message)
		return PublishResult{Status: StatusAcknowledged, Seq: res.Message.Seq, Outcome: OutcomeInserted}

	case OutcomeDuplicate:
		p.log.Debug("publish.duplicate", "conn_id", in.ConnID, "token", in.Token)
		return PublishResult{Status: StatusAcknowledged, Outcome: OutcomeDuplicate}

	default:
		if errors.Is(err, ErrSequenceConflict) {
			p.metrics.invariantViolation("sequence_allocator")
			p.log.Error("publish.invariant.violation",
				"invariant", "sequence_allocator",
				"conn_id", in.ConnID,
				"token", in.Token,
				"err", err,
			)
		} else {
			p.log.Warn("publish.store.fail", "conn_id", in.ConnID, "token", in.Token, "err", err)
		}
		return PublishResult{Status: StatusNotAcknowledged, Outcome: OutcomeStoreError}
	}
}

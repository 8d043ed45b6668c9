package realtime

import "context"

// Relay carries committed messages to the other Beacon processes sharing the log.
//
// Publish is best-effort: a lost relay message is recovered by the receiver's gap fill
// (from the log) or by replay on reconnect.
type Relay interface {
	Publish(ctx context.Context, m Message) error
	// Listen blocks until ctx is done, calling deliver for every message received from peers.
	Listen(ctx context.Context, deliver func(Message)) error
}

// LocalRelay is the single-process relay: there are no peers to reach.
type LocalRelay struct{}

// Publish is a no-op.
func (LocalRelay) Publish(context.Context, Message) error { return nil }

// Listen blocks until ctx is done.
func (LocalRelay) Listen(ctx context.Context, _ func(Message)) error {
	<-ctx.Done()
	return nil
}

var _ Relay = LocalRelay{}

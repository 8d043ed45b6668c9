package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultRelayChannel = "beacon_messages"

	// Postgres caps NOTIFY payloads at 8000 bytes; stay below with some headroom.
	maxNotifyPayload = 7900

	relayBackoffMin = 250 * time.Millisecond
	relayBackoffMax = 10 * time.Second
)

// relayPayload is the NOTIFY body. Content is omitted when it would not fit;
// receivers then load the message from the log.
type relayPayload struct {
	Seq       int64     `json:"seq"`
	Content   *string   `json:"content,omitempty"`
	Token     string    `json:"token,omitempty"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// PostgresRelay fans messages out across processes with LISTEN/NOTIFY.
//
// Ownership model:
//   - The pool is owned by the caller. The listener opens its own dedicated connection
//     from the pool's config, since LISTEN state is per-connection.
type PostgresRelay struct {
	log     *slog.Logger
	pool    *pgxpool.Pool
	store   LogStore
	metrics *Metrics
	channel string
}

// PostgresRelayOption configures PostgresRelay behavior.
type PostgresRelayOption func(*PostgresRelay) error

// WithRelayChannel sets the NOTIFY channel name (default: "beacon_messages").
func WithRelayChannel(channel string) PostgresRelayOption {
	return func(r *PostgresRelay) error {
		channel = strings.TrimSpace(channel)
		if !isValidPGIdent(channel) {
			return errors.New("realtime: invalid relay channel")
		}
		r.channel = channel
		return nil
	}
}

// NewPostgresRelay constructs a relay. store resolves seq-only notifications.
func NewPostgresRelay(log *slog.Logger, pool *pgxpool.Pool, store LogStore, metrics *Metrics, opts ...PostgresRelayOption) (*PostgresRelay, error) {
	if log == nil {
		log = slog.Default()
	}
	r := &PostgresRelay{
		log:     log,
		pool:    pool,
		store:   store,
		metrics: metrics,
		channel: defaultRelayChannel,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if r.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	if r.store == nil {
		return nil, errors.New("realtime: nil store")
	}
	return r, nil
}

// Publish sends m to every listening process, including this one.
func (r *PostgresRelay) Publish(ctx context.Context, m Message) error {
	body, err := encodeRelayPayload(m)
	if err != nil {
		return err
	}
	if _, err := r.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, r.channel, body); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

func encodeRelayPayload(m Message) (string, error) {
	content := m.Content
	b, err := json.Marshal(relayPayload{Seq: m.Seq, Content: &content, Token: m.Token, CreatedAt: m.CreatedAt})
	if err != nil {
		return "", err
	}
	if len(b) <= maxNotifyPayload {
		return string(b), nil
	}
	b, err = json.Marshal(relayPayload{Seq: m.Seq})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Listen holds a LISTEN connection until ctx is done, reconnecting with backoff.
func (r *PostgresRelay) Listen(ctx context.Context, deliver func(Message)) error {
	backoff := relayBackoffMin
	for {
		started := time.Now()
		err := r.listenOnce(ctx, deliver)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > relayBackoffMax {
			backoff = relayBackoffMin
		}
		r.log.Warn("relay.listen.fail", "channel", r.channel, "err", err, "retry_in", backoff)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > relayBackoffMax {
			backoff = relayBackoffMax
		}
	}
}

func (r *PostgresRelay) listenOnce(ctx context.Context, deliver func(Message)) error {
	conn, err := pgx.ConnectConfig(ctx, r.pool.Config().ConnConfig.Copy())
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, `LISTEN `+pgx.Identifier{r.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	r.log.Info("relay.listen.start", "channel", r.channel)

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		m, err := r.decode(ctx, n.Payload)
		if err != nil {
			r.log.Warn("relay.decode.fail", "channel", r.channel, "err", err)
			continue
		}
		r.metrics.relayed()
		deliver(m)
	}
}

func (r *PostgresRelay) decode(ctx context.Context, payload string) (Message, error) {
	var p relayPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return Message{}, fmt.Errorf("invalid payload: %w", err)
	}
	if p.Seq <= 0 {
		return Message{}, fmt.Errorf("invalid seq: %d", p.Seq)
	}
	if p.Content != nil {
		return Message{Seq: p.Seq, Token: p.Token, Content: *p.Content, CreatedAt: p.CreatedAt}, nil
	}

	page, err := r.store.ReadRange(ctx, ReadRangeInput{AfterSeq: p.Seq - 1, Limit: 1})
	if err != nil {
		return Message{}, fmt.Errorf("load seq %d: %w", p.Seq, err)
	}
	if len(page.Messages) == 0 || page.Messages[0].Seq != p.Seq {
		return Message{}, fmt.Errorf("seq %d not in log", p.Seq)
	}
	return page.Messages[0], nil
}

var _ Relay = (*PostgresRelay)(nil)

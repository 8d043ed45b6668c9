package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"beacon/cmd/internal/ids"
	v1 "beacon/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const wsCloseGrace = 1 * time.Second

// GatewayConfig holds the transport knobs. Zero values fall back to defaults, except
// RecoveryWindow where zero disables session parking.
type GatewayConfig struct {
	// NOTE: DevInsecure is a dev-only knob that skips websocket's own origin verification.
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	HelloTimeout    time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	PublishRate  float64
	PublishBurst int

	RecoveryWindow time.Duration
}

// DefaultGatewayConfig returns secure defaults: origin required, localhost only.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:    true,
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:      defaultWriteTimeout,
		ReadIdleTimeout:   defaultReadIdle,
		HelloTimeout:      helloTimeout,
		SendQueueSize:     defaultSendQueue,
		HeartbeatInterval: defaultHeartbeatInterval,
		HeartbeatTimeout:  defaultHeartbeatTimeout,
		PublishRate:       defaultPublishRate,
		PublishBurst:      defaultPublishBurst,
		RecoveryWindow:    defaultRecoveryWindow,
	}
}

func (c GatewayConfig) normalized() GatewayConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = defaultReadIdle
	}
	if c.HelloTimeout <= 0 {
		c.HelloTimeout = helloTimeout
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = defaultSendQueue
	}
	if c.SendQueueSize < minSendQueue {
		c.SendQueueSize = minSendQueue
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if c.PublishRate <= 0 {
		c.PublishRate = defaultPublishRate
	}
	if c.PublishBurst <= 0 {
		c.PublishBurst = defaultPublishBurst
	}
	if c.RecoveryWindow < 0 {
		c.RecoveryWindow = 0
	}
	return c
}

// WSGateway is the WebSocket entrypoint for Beacon.
//
// It enforces origin policy, subprotocol selection, rate limits, heartbeats, and routes
// validated envelopes to the Registry, Replayer and Publisher.
type WSGateway struct {
	log       *slog.Logger
	registry  *Registry
	publisher *Publisher
	replayer  *Replayer
	store     LogStore

	cfg GatewayConfig

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	now func() time.Time
}

// NewWSGateway constructs a gateway over the delivery pipeline.
func NewWSGateway(log *slog.Logger, registry *Registry, publisher *Publisher, replayer *Replayer, store LogStore, cfg GatewayConfig) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	cfg = cfg.normalized()

	return &WSGateway{
		log:       log,
		registry:  registry,
		publisher: publisher,
		replayer:  replayer,
		store:     store,
		cfg:       cfg,

		// IMPORTANT:
		// websocket.Accept enforces its own origin policy:
		// - same-host is ok
		// - cross-origin requires OriginPatterns (host patterns)
		// We derive these patterns from allowed origins so the two layers agree.
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket connection and runs the realtime loop.
//
// Connection lifecycle:
//  1. hello (within HelloTimeout) -> resume a parked session or register a fresh one
//  2. hello_ack, then replay from last_seq (skipped on resume), then replay_done
//  3. message_send -> publish -> message_ack, until the peer leaves
//  4. the session is parked for RecoveryWindow when nothing was lost, else unregistered
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	hello, err := g.readHello(ctx, conn)
	if err != nil {
		g.log.Info("ws.hello.fail", "remote", r.RemoteAddr, "err", err)
		g.writeErrorDirect(ctx, conn, "hello_required", err.Error())
		_ = conn.Close(websocket.StatusPolicyViolation, "hello required")
		return
	}

	sess, resumed, err := g.attach(hello)
	if err != nil {
		g.log.Error("ws.attach.fail", "err", err)
		g.writeErrorDirect(ctx, conn, "internal", "session unavailable")
		_ = conn.Close(websocket.StatusInternalError, "session unavailable")
		return
	}
	connID := sess.ConnID
	log := g.log.With("conn_id", connID)
	log.Info("ws.session.start", "resumed", resumed, "last_seq", sess.LastDelivered(), "remote", r.RemoteAddr)

	// hello_ack goes out before the writer starts so it precedes anything a resumed
	// session queued while parked.
	latest, err := g.store.LatestSeq(ctx)
	if err != nil {
		log.Warn("ws.latest_seq.fail", "err", err)
	}
	ack := newPayloadEnvelope(v1.TypeHelloAck, v1.HelloAckPayload{
		ConnID:    connID,
		Resumed:   resumed,
		LatestSeq: latest,
	}, g.now())
	if err := writeEnvelope(ctx, conn, ack, g.cfg.WriteTimeout); err != nil {
		log.Info("ws.hello_ack.fail", "err", err)
		g.detach(sess, log)
		return
	}

	var closeOnce sync.Once

	// shutdown is idempotent. It never closes the session: detach decides park vs unregister.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sess.Done():
				shutdown(websocket.StatusTryAgainLater, sess.CloseReason())
				return
			case env := <-sess.Outbound():
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					if env.Type == v1.TypeMessageNew {
						sess.MarkLost()
					}
					log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
				if seq := envelopeSeq(env); seq > 0 {
					sess.MarkWritten(seq)
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= heartbeatMaxFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	replayDone := make(chan struct{})
	go func() {
		defer close(replayDone)

		if err := g.replayer.Replay(ctx, sess); err != nil {
			if ctx.Err() == nil && !errors.Is(err, ErrSessionClosed) {
				log.Warn("ws.replay.fail", "err", err)
				g.trySendError(ctx, sess, "replay_failed", "recovery unavailable, reconnect later")
				shutdown(websocket.StatusTryAgainLater, "replay failed")
			}
			return
		}
		done := newPayloadEnvelope(v1.TypeReplayDone, v1.ReplayDonePayload{LastSeq: sess.LastDelivered()}, g.now())
		_ = sess.Enqueue(ctx, done)
	}()

	rl := NewRateLimiter(g.cfg.PublishRate, g.cfg.PublishBurst)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, sess, "bad_json", "invalid JSON")
				continue readLoop
			default:
				log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, sess, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeMessageSend:
			if !rl.Allow(g.now()) {
				g.trySendError(ctx, sess, "rate_limited", "too many messages")
				shutdown(websocket.StatusPolicyViolation, "rate limited")
				break readLoop
			}
			if err := g.onMessageSend(ctx, sess, env); err != nil {
				g.trySendError(ctx, sess, "send_failed", err.Error())
				continue readLoop
			}

		case v1.TypeHello:
			g.trySendError(ctx, sess, "already_started", "hello was already received")

		default:
			g.trySendError(ctx, sess, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone
	<-replayDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}

	g.detach(sess, log)
}

// ---- session attach / detach ----

func (g *WSGateway) readHello(ctx context.Context, conn *websocket.Conn) (v1.HelloPayload, error) {
	helloCtx, cancel := context.WithTimeout(ctx, g.cfg.HelloTimeout)
	defer cancel()

	env, err := readEnvelope(helloCtx, conn)
	if err != nil {
		return v1.HelloPayload{}, fmt.Errorf("read hello: %w", err)
	}
	if err := env.Validate(); err != nil {
		return v1.HelloPayload{}, err
	}
	if env.Type != v1.TypeHello {
		return v1.HelloPayload{}, fmt.Errorf("expected %s, got %s", v1.TypeHello, env.Type)
	}

	var p v1.HelloPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return v1.HelloPayload{}, fmt.Errorf("invalid payload: %w", err)
		}
	}
	if p.LastSeq < 0 {
		return v1.HelloPayload{}, errors.New("last_seq must be >= 0")
	}
	return p, nil
}

// attach resumes the parked session named by hello.resume_id or registers a fresh one.
func (g *WSGateway) attach(hello v1.HelloPayload) (*Session, bool, error) {
	if id := strings.TrimSpace(hello.ResumeID); ids.IsULID(id) && g.cfg.RecoveryWindow > 0 {
		if sess, ok := g.registry.Resume(id, hello.LastSeq, g.now()); ok {
			return sess, true, nil
		}
	}

	connID, err := NewConnectionID(g.now())
	if err != nil {
		return nil, false, fmt.Errorf("connection id: %w", err)
	}
	sess, err := g.registry.Register(connID, hello.LastSeq, false, g.cfg.SendQueueSize)
	if err != nil {
		return nil, false, err
	}
	return sess, false, nil
}

func (g *WSGateway) detach(sess *Session, log *slog.Logger) {
	if g.cfg.RecoveryWindow > 0 && !sess.Closed() && sess.Live() {
		if g.registry.Park(sess.ConnID, g.now().Add(g.cfg.RecoveryWindow)) {
			log.Info("ws.session.park", "last_seq", sess.LastDelivered(), "window", g.cfg.RecoveryWindow)
			return
		}
	}
	reason := sess.CloseReason()
	g.registry.Unregister(sess.ConnID)
	log.Info("ws.session.end", "last_seq", sess.LastDelivered(), "reason", reason)
}

// ---- handlers ----

func (g *WSGateway) onMessageSend(ctx context.Context, sess *Session, env v1.Envelope) error {
	var p v1.MessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if utf8.RuneCountInString(p.IdempotencyToken) > maxTokenChars {
		return fmt.Errorf("idempotency_token too long: max=%d chars", maxTokenChars)
	}

	res := g.publisher.Publish(ctx, PublishInput{
		ConnID:  sess.ConnID,
		Content: p.Content,
		Token:   p.IdempotencyToken,
	})

	ack := newPayloadEnvelope(v1.TypeMessageAck, v1.MessageAckPayload{
		IdempotencyToken: p.IdempotencyToken,
		Status:           ackStatus(res.Status),
		Seq:              res.Seq,
	}, g.now())

	if err := sess.Enqueue(ctx, ack); err != nil {
		return fmt.Errorf("backpressure: ack: %w", err)
	}
	return nil
}

func ackStatus(s PublishStatus) string {
	if s == StatusAcknowledged {
		return v1.AckStatusAcknowledged
	}
	return v1.AckStatusNotAcknowledged
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, sess *Session, code, msg string) {
	env := newPayloadEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg}, g.now())
	_ = sess.Enqueue(ctx, env)
}

// writeErrorDirect is used before a session exists (no writer goroutine yet).
func (g *WSGateway) writeErrorDirect(ctx context.Context, conn *websocket.Conn, code, msg string) {
	env := newPayloadEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg}, g.now())
	_ = writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout)
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

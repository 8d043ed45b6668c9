package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	v1 "beacon/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

type wsHarness struct {
	store     *InMemoryStore
	registry  *Registry
	publisher *Publisher
	srv       *httptest.Server
}

func newWSHarness(t *testing.T, st *InMemoryStore, mutate func(*GatewayConfig)) *wsHarness {
	t.Helper()

	log := discardLogger()
	reg := NewRegistry(log, nil)
	b := NewBroadcaster(log, st, reg, nil, nil, BroadcasterConfig{})
	if err := b.Init(context.Background()); err != nil {
		t.Fatalf("broadcaster init: %v", err)
	}
	pub := NewPublisher(log, st, b, nil)

	cfg := DefaultGatewayConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	gw := NewWSGateway(log, reg, pub, NewReplayer(log, st, nil), st, cfg)

	srv := startWSTestServer(t, gw)
	t.Cleanup(srv.Close)

	return &wsHarness{store: st, registry: reg, publisher: pub, srv: srv}
}

// connect dials with a same-host origin, sends hello and returns the hello_ack.
func (h *wsHarness) connect(t *testing.T, hello v1.HelloPayload) (*websocket.Conn, v1.HelloAckPayload) {
	t.Helper()

	conn, _, err := dialWS(t, h.srv.URL, h.srv.URL, true)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })

	writeEnvelopeWS(t, conn, v1.Envelope{V: v1.Version, Type: v1.TypeHello, Payload: mustJSONRaw(t, hello)})

	env := readUntilType(t, conn, v1.TypeHelloAck, 1)
	var ack v1.HelloAckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		t.Fatalf("decode hello_ack: %v", err)
	}
	if ack.ConnID == "" {
		t.Fatalf("hello_ack without conn_id")
	}
	return conn, ack
}

func sendMessageWS(t *testing.T, conn *websocket.Conn, content, token string) v1.MessageAckPayload {
	t.Helper()

	writeEnvelopeWS(t, conn, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeMessageSend,
		Payload: mustJSONRaw(t, v1.MessageSendPayload{Content: content, IdempotencyToken: token}),
	})

	env := readUntilType(t, conn, v1.TypeMessageAck, 8)
	var ack v1.MessageAckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		t.Fatalf("decode message_ack: %v", err)
	}
	return ack
}

func readMessageNew(t *testing.T, conn *websocket.Conn) v1.MessageNewPayload {
	t.Helper()
	return mustMessagePayload(t, readUntilType(t, conn, v1.TypeMessageNew, 8))
}

func readReplayDone(t *testing.T, conn *websocket.Conn) int64 {
	t.Helper()

	env := readUntilType(t, conn, v1.TypeReplayDone, 16)
	var p v1.ReplayDonePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode replay_done: %v", err)
	}
	return p.LastSeq
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWSGateway_PublishReachesEveryClient(t *testing.T) {
	t.Parallel()

	h := newWSHarness(t, NewInMemoryStore(), nil)

	a, _ := h.connect(t, v1.HelloPayload{})
	readReplayDone(t, a)
	b, _ := h.connect(t, v1.HelloPayload{})
	readReplayDone(t, b)

	ack := sendMessageWS(t, a, "hello", "A-1")
	if ack.Status != v1.AckStatusAcknowledged || ack.Seq != 1 || ack.IdempotencyToken != "A-1" {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	got := readMessageNew(t, b)
	if got.Seq != 1 || got.Content != "hello" || got.IdempotencyToken != "A-1" {
		t.Fatalf("unexpected message_new: %+v", got)
	}
}

func TestWSGateway_RetryIsAcknowledgedWithoutRebroadcast(t *testing.T) {
	t.Parallel()

	h := newWSHarness(t, NewInMemoryStore(), nil)

	a, _ := h.connect(t, v1.HelloPayload{})
	readReplayDone(t, a)
	b, _ := h.connect(t, v1.HelloPayload{})
	readReplayDone(t, b)

	if ack := sendMessageWS(t, a, "hello", "A-1"); ack.Seq != 1 {
		t.Fatalf("first ack: %+v", ack)
	}
	retry := sendMessageWS(t, a, "hello", "A-1")
	if retry.Status != v1.AckStatusAcknowledged || retry.Seq != 0 {
		t.Fatalf("retry must be acknowledged with unknown seq, got %+v", retry)
	}
	if ack := sendMessageWS(t, a, "next", "A-2"); ack.Seq != 2 {
		t.Fatalf("second ack: %+v", ack)
	}

	// B sees 1 then 2: the retry never produced a message_new.
	if got := readMessageNew(t, b); got.Seq != 1 {
		t.Fatalf("expected seq 1, got %+v", got)
	}
	if got := readMessageNew(t, b); got.Seq != 2 || got.Content != "next" {
		t.Fatalf("expected seq 2, got %+v", got)
	}
}

func TestWSGateway_ReconnectReplaysMissedMessages(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	mustSeed(t, st, 5)
	h := newWSHarness(t, st, nil)

	conn, ack := h.connect(t, v1.HelloPayload{LastSeq: 2})
	if ack.Resumed || ack.LatestSeq != 5 {
		t.Fatalf("unexpected hello_ack: %+v", ack)
	}

	for want := int64(3); want <= 5; want++ {
		if got := readMessageNew(t, conn); got.Seq != want {
			t.Fatalf("expected seq %d, got %+v", want, got)
		}
	}
	if last := readReplayDone(t, conn); last != 5 {
		t.Fatalf("replay_done last_seq=%d want 5", last)
	}

	// Live after replay.
	h.publisher.Publish(context.Background(), PublishInput{Content: "six", Token: "t6"})
	if got := readMessageNew(t, conn); got.Seq != 6 {
		t.Fatalf("expected live seq 6, got %+v", got)
	}
}

func TestWSGateway_ResumeSkipsReplay(t *testing.T) {
	t.Parallel()

	h := newWSHarness(t, NewInMemoryStore(), nil)

	first, ack := h.connect(t, v1.HelloPayload{})
	readReplayDone(t, first)
	_ = first.Close(websocket.StatusNormalClosure, "bye")

	waitFor(t, "session to park", func() bool {
		s, ok := h.registry.Get(ack.ConnID)
		if !ok {
			return false
		}
		parked, _ := s.parked()
		return parked
	})

	// Published while the client is away: queued on the parked session.
	h.publisher.Publish(context.Background(), PublishInput{Content: "while away", Token: "w1"})

	second, resumed := h.connect(t, v1.HelloPayload{ResumeID: ack.ConnID})
	if !resumed.Resumed || resumed.ConnID != ack.ConnID {
		t.Fatalf("expected resume of %s, got %+v", ack.ConnID, resumed)
	}
	if got := readMessageNew(t, second); got.Seq != 1 || got.Content != "while away" {
		t.Fatalf("unexpected message_new: %+v", got)
	}
	if last := readReplayDone(t, second); last != 1 {
		t.Fatalf("replay_done last_seq=%d want 1", last)
	}
}

func TestWSGateway_ResumeRequiresClientToHaveSeenWrittenMessages(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		lastSeq     int64
		wantResumed bool
		wantReplay  []int64
	}{
		{name: "client saw everything", lastSeq: 3, wantResumed: true},
		{name: "frames lost with the old socket", lastSeq: 1, wantReplay: []int64{2, 3}},
		{name: "client saw nothing", lastSeq: 0, wantReplay: []int64{1, 2, 3}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newWSHarness(t, NewInMemoryStore(), nil)

			first, ack := h.connect(t, v1.HelloPayload{})
			readReplayDone(t, first)
			for i, token := range []string{"a", "b", "c"} {
				h.publisher.Publish(context.Background(), PublishInput{Content: token, Token: token})
				if got := readMessageNew(t, first); got.Seq != int64(i+1) {
					t.Fatalf("live seq=%d want %d", got.Seq, i+1)
				}
			}
			_ = first.Close(websocket.StatusNormalClosure, "bye")

			waitFor(t, "session to park", func() bool {
				s, ok := h.registry.Get(ack.ConnID)
				if !ok {
					return false
				}
				parked, _ := s.parked()
				return parked
			})

			second, hello := h.connect(t, v1.HelloPayload{LastSeq: tc.lastSeq, ResumeID: ack.ConnID})
			if hello.Resumed != tc.wantResumed {
				t.Fatalf("resumed=%v want %v", hello.Resumed, tc.wantResumed)
			}
			if !tc.wantResumed {
				if hello.ConnID == ack.ConnID {
					t.Fatalf("a refused resume must get a fresh conn id")
				}
				if _, ok := h.registry.Get(ack.ConnID); ok {
					t.Fatalf("the stale parked session must be dropped")
				}
			}
			for _, want := range tc.wantReplay {
				if got := readMessageNew(t, second); got.Seq != want {
					t.Fatalf("replayed seq=%d want %d", got.Seq, want)
				}
			}
			if last := readReplayDone(t, second); last != 3 {
				t.Fatalf("replay_done last_seq=%d want 3", last)
			}
		})
	}
}

func TestWSGateway_UnknownResumeIDFallsBackToReplay(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	mustSeed(t, st, 2)
	h := newWSHarness(t, st, nil)

	conn, ack := h.connect(t, v1.HelloPayload{LastSeq: 1, ResumeID: "01ARZ3NDEKTSV4RRFFQ69G5FAV"})
	if ack.Resumed {
		t.Fatalf("unknown resume id must not resume")
	}
	if got := readMessageNew(t, conn); got.Seq != 2 {
		t.Fatalf("expected replay of seq 2, got %+v", got)
	}
	if last := readReplayDone(t, conn); last != 2 {
		t.Fatalf("replay_done last_seq=%d want 2", last)
	}
}

func TestWSGateway_DisconnectWithoutRecoveryUnregisters(t *testing.T) {
	t.Parallel()

	h := newWSHarness(t, NewInMemoryStore(), func(c *GatewayConfig) { c.RecoveryWindow = 0 })

	conn, ack := h.connect(t, v1.HelloPayload{})
	readReplayDone(t, conn)
	_ = conn.Close(websocket.StatusNormalClosure, "bye")

	waitFor(t, "session to unregister", func() bool {
		_, ok := h.registry.Get(ack.ConnID)
		return !ok
	})
}

func TestWSGateway_HelloRequired(t *testing.T) {
	t.Parallel()

	h := newWSHarness(t, NewInMemoryStore(), nil)

	conn, _, err := dialWS(t, h.srv.URL, h.srv.URL, true)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	writeEnvelopeWS(t, conn, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeMessageSend,
		Payload: mustJSONRaw(t, v1.MessageSendPayload{Content: "x"}),
	})

	env := readUntilType(t, conn, v1.TypeError, 1)
	var p v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if p.Code != "hello_required" {
		t.Fatalf("expected hello_required, got %+v", p)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("expected policy violation close, got %v", err)
	}
	if h.registry.Len() != 0 {
		t.Fatalf("no session may be registered without hello")
	}
}

func TestWSGateway_TokenTooLongIsRejected(t *testing.T) {
	t.Parallel()

	h := newWSHarness(t, NewInMemoryStore(), nil)
	conn, _ := h.connect(t, v1.HelloPayload{})
	readReplayDone(t, conn)

	writeEnvelopeWS(t, conn, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeMessageSend,
		Payload: mustJSONRaw(t, v1.MessageSendPayload{Content: "x", IdempotencyToken: strings.Repeat("é", maxTokenChars+1)}),
	})

	env := readUntilType(t, conn, v1.TypeError, 1)
	var p v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if p.Code != "send_failed" {
		t.Fatalf("expected send_failed, got %+v", p)
	}
	if latest, _ := h.store.LatestSeq(context.Background()); latest != 0 {
		t.Fatalf("nothing may be stored, latest=%d", latest)
	}
}

func TestWSGateway_InvalidUTF8ContentIsReplaced(t *testing.T) {
	t.Parallel()

	h := newWSHarness(t, NewInMemoryStore(), nil)
	conn, _ := h.connect(t, v1.HelloPayload{})
	readReplayDone(t, conn)

	raw := []byte("{\"v\":\"v1\",\"type\":\"message_send\",\"payload\":{\"content\":\"a\xffb\",\"idempotency_token\":\"u-1\"}}")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, raw); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}

	got := readMessageNew(t, conn)
	if got.Content != "a\uFFFDb" {
		t.Fatalf("content=%q want invalid bytes replaced by U+FFFD", got.Content)
	}
	var ack v1.MessageAckPayload
	if err := json.Unmarshal(readUntilType(t, conn, v1.TypeMessageAck, 8).Payload, &ack); err != nil {
		t.Fatalf("decode message_ack: %v", err)
	}
	if ack.Status != v1.AckStatusAcknowledged || ack.Seq != 1 {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestWSGateway_OriginPolicy(t *testing.T) {
	t.Parallel()

	h := newWSHarness(t, NewInMemoryStore(), nil)

	tests := []struct {
		name   string
		origin string
	}{
		{name: "foreign origin", origin: "https://evil.example"},
		{name: "missing origin", origin: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			conn, resp, err := dialWS(t, h.srv.URL, tt.origin, true)
			if err == nil {
				_ = conn.CloseNow()
				t.Fatalf("expected dial to fail")
			}
			if resp == nil || resp.StatusCode != http.StatusForbidden {
				t.Fatalf("expected 403, got resp=%v err=%v", resp, err)
			}
		})
	}
}

func TestWSGateway_SubprotocolRequired(t *testing.T) {
	t.Parallel()

	h := newWSHarness(t, NewInMemoryStore(), nil)

	conn, _, err := dialWS(t, h.srv.URL, h.srv.URL, false)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusProtocolError {
		t.Fatalf("expected protocol error close, got %v", err)
	}
}

func TestEnforceOrigin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		required bool
		allowed  []string
		origin   string
		wantErr  bool
	}{
		{name: "exact match", required: true, allowed: []string{"https://app.example"}, origin: "https://app.example"},
		{name: "host match ignores port", required: true, allowed: []string{"http://localhost"}, origin: "http://localhost:5173"},
		{name: "wildcard", required: true, allowed: []string{"*"}, origin: "https://anything.example"},
		{name: "foreign", required: true, allowed: []string{"https://app.example"}, origin: "https://evil.example", wantErr: true},
		{name: "missing but required", required: true, allowed: []string{"https://app.example"}, wantErr: true},
		{name: "missing and optional", required: false},
		{name: "empty allowlist", required: false, origin: "https://app.example", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			g := &WSGateway{cfg: GatewayConfig{OriginRequired: tt.required, AllowedOrigins: tt.allowed}}
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			err := g.enforceOrigin(r)
			if (err != nil) != tt.wantErr {
				t.Fatalf("enforceOrigin(%q) err=%v wantErr=%v", tt.origin, err, tt.wantErr)
			}
		})
	}
}

func TestGatewayConfig_Normalized(t *testing.T) {
	t.Parallel()

	c := GatewayConfig{SendQueueSize: 4, RecoveryWindow: -time.Second}.normalized()
	if c.SendQueueSize != minSendQueue {
		t.Fatalf("send queue=%d want %d", c.SendQueueSize, minSendQueue)
	}
	if c.RecoveryWindow != 0 {
		t.Fatalf("negative recovery window must disable parking, got %v", c.RecoveryWindow)
	}
	if c.WriteTimeout != defaultWriteTimeout || c.HeartbeatInterval != defaultHeartbeatInterval {
		t.Fatalf("zero durations must take defaults: %+v", c)
	}
}

// ---- ws helpers ----

func startWSTestServer(t *testing.T, gw *WSGateway) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	return httptest.NewServer(mux)
}

func dialWS(t *testing.T, baseHTTPURL string, origin string, withSubprotocol bool) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	opts := &websocket.DialOptions{HTTPHeader: h}
	if withSubprotocol {
		opts.Subprotocols = []string{v1.Subprotocol}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), opts)
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, env v1.Envelope) {
	t.Helper()
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	if maxReads <= 0 {
		maxReads = 1
	}
	for i := 0; i < maxReads; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				t.Fatalf("connection closed while waiting for %q: %v", typ, ce)
			}
			t.Fatalf("conn.Read: %v", err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

func mustJSONRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return b
}

// Package main provides a CI-friendly WebSocket smoke test for Beacon.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/hello_ack and replay_done on a fresh connection
//   - send -> ack, and fanout message_new to another client
//   - idempotent dedupe of a retried idempotency_token
//   - resume of a parked session and replay from last_seq
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	v1 "beacon/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name    string
	conn    *websocket.Conn
	connID  string
	resumed bool
	lastSeq int64

	inbox chan v1.Envelope
	errCh chan error
}

type smokeTarget struct {
	wsURL   string
	origin  string
	timeout time.Duration
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		text    = flag.String("text", "hello beacon 👋", "Message content to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		resume  = flag.Bool("resume", true, "Also exercise session resume (requires a recovery window)")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := checkURL(*wsURL, "ws", "wss"); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if *origin != "" {
		if err := checkURL(*origin, "http", "https"); err != nil {
			fatalf("invalid -origin: %v", err)
		}
	}

	root := context.Background()
	target := smokeTarget{wsURL: *wsURL, origin: *origin, timeout: *timeout}

	a := mustConnect(root, "A", target, v1.HelloPayload{})
	defer closeWS(a.conn)
	a.mustGoLive(root, target.timeout)

	b := mustConnect(root, "B", target, v1.HelloPayload{})
	b.mustGoLive(root, target.timeout)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.connID, b.connID, *origin)
	}

	token := uuid.NewString()
	seq := mustSendAndAssertAck(root, a, token, *text, target.timeout)
	mustAssertNew(root, b, token, seq, *text, target.timeout)

	// Retry with the same token: acknowledged, not rebroadcast.
	if again := mustSendAndAssertAck(root, a, token, *text, target.timeout); again != 0 && again != seq {
		fatalf("dedupe: seq mismatch: first=%d second=%d", seq, again)
	}
	mustAssertNoType(root, b, v1.TypeMessageNew, 1200*time.Millisecond)

	if *resume {
		// B drops; A publishes while B is away; B resumes its parked session.
		closeWS(b.conn)
		time.Sleep(300 * time.Millisecond)

		token2 := uuid.NewString()
		seq2 := mustSendAndAssertAck(root, a, token2, *text+" (while away)", target.timeout)

		b2 := mustConnect(root, "B'", target, v1.HelloPayload{LastSeq: b.lastSeq, ResumeID: b.connID})
		defer closeWS(b2.conn)
		mustAssertNew(root, b2, token2, seq2, *text+" (while away)", target.timeout)
		b2.mustGoLive(root, target.timeout)

		if *verbose {
			fmt.Printf("reconnected: B'=%s resumed=%v\n", b2.connID, b2.resumed)
		}

		// A brand new client catching up from seq gets the same message by replay.
		c := mustConnect(root, "C", target, v1.HelloPayload{LastSeq: seq})
		defer closeWS(c.conn)
		mustAssertNew(root, c, token2, seq2, *text+" (while away)", target.timeout)
		c.mustGoLive(root, target.timeout)
	} else {
		closeWS(b.conn)
	}

	fmt.Printf("OK: A=%s B=%s seq=%d token=%s\n", a.connID, b.connID, seq, token)
}

// checkURL accepts raw when it parses with one of schemes and names a host.
func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !slices.Contains(schemes, u.Scheme) {
		return fmt.Errorf("scheme %q not in %v", u.Scheme, schemes)
	}
	if u.Host == "" {
		return errors.New("no host")
	}
	return nil
}

func mustConnect(parent context.Context, name string, target smokeTarget, hello v1.HelloPayload) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, target.timeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(target.origin) != "" {
		h.Set("Origin", target.origin)
	}

	conn, resp, err := websocket.Dial(ctx, target.wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:    name,
		conn:    conn,
		lastSeq: hello.LastSeq,
		inbox:   make(chan v1.Envelope, 512),
		errCh:   make(chan error, 1),
	}
	c.startReadLoop()

	mustWriteWithTimeout(parent, conn, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      fmt.Sprintf("%s-hello", name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(hello),
	}, target.timeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, target.timeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.ConnID) == "" {
		fatalf("hello_ack missing conn_id (%s)", name)
	}
	if hello.ResumeID != "" && !p.Resumed {
		fatalf("hello_ack: expected resume of %s (%s)", hello.ResumeID, name)
	}
	c.connID = p.ConnID
	c.resumed = p.Resumed
	return c
}

// mustGoLive consumes replayed messages until replay_done.
func (c *smokeClient) mustGoLive(parent context.Context, stepTimeout time.Duration) {
	skip := map[string]struct{}{v1.TypeMessageNew: {}}
	env := c.mustReadUntilType(parent, v1.TypeReplayDone, stepTimeout, skip)

	var p v1.ReplayDonePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal replay_done payload (%s): %v", c.name, err)
	}
	if p.LastSeq < c.lastSeq {
		fatalf("replay_done went backwards (%s): %d < %d", c.name, p.LastSeq, c.lastSeq)
	}
	c.lastSeq = p.LastSeq
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, token, content string, stepTimeout time.Duration) int64 {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeMessageSend,
		ID:   fmt.Sprintf("%s-send-%s", c.name, token),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.MessageSendPayload{
			Content:          content,
			IdempotencyToken: token,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	skip := map[string]struct{}{v1.TypeMessageNew: {}}
	ack := c.mustReadUntilType(parent, v1.TypeMessageAck, stepTimeout, skip)

	var p v1.MessageAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal message_ack payload (%s): %v", c.name, err)
	}
	if p.IdempotencyToken != token {
		fatalf("ack token mismatch (%s): got=%q want=%q", c.name, p.IdempotencyToken, token)
	}
	if p.Status != v1.AckStatusAcknowledged {
		fatalf("ack not acknowledged (%s): status=%q", c.name, p.Status)
	}
	if p.Seq < 0 {
		fatalf("ack invalid seq (%s): %d", c.name, p.Seq)
	}
	return p.Seq
}

func mustAssertNew(parent context.Context, c *smokeClient, token string, seq int64, content string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeMessageNew, stepTimeout, nil)

	var p v1.MessageNewPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message_new payload (%s): %v", c.name, err)
	}

	if p.IdempotencyToken != token {
		fatalf("new token mismatch (%s): got=%q want=%q", c.name, p.IdempotencyToken, token)
	}
	if seq > 0 && p.Seq != seq {
		fatalf("new seq mismatch (%s): got=%d want=%d", c.name, p.Seq, seq)
	}
	if p.Content != content {
		fatalf("new content mismatch (%s): got=%q want=%q", c.name, p.Content, content)
	}
	if p.ServerTS.IsZero() {
		fatalf("new server_ts missing/zero (%s)", c.name)
	}
	if p.Seq <= c.lastSeq {
		fatalf("seq regression (%s): got=%d last=%d", c.name, p.Seq, c.lastSeq)
	}
	c.lastSeq = p.Seq
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}

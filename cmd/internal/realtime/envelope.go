package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	v1 "beacon/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// ---- envelope construction ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	id, err := NewEnvelopeID(ts)
	if err != nil {
		// The id is diagnostic only; an envelope without one is still valid.
		id = ""
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: payload,
	}
}

func newPayloadEnvelope(typ string, payload any, ts time.Time) v1.Envelope {
	b, _ := json.Marshal(payload)
	return newEnvelope(typ, b, ts)
}

// messageEnvelope renders a stored message as message_new.
func messageEnvelope(m Message) v1.Envelope {
	return newPayloadEnvelope(v1.TypeMessageNew, v1.MessageNewPayload{
		Seq:              m.Seq,
		Content:          m.Content,
		IdempotencyToken: m.Token,
		ServerTS:         m.CreatedAt,
	}, time.Now().UTC())
}

// envelopeSeq returns the seq carried by a message_new envelope, or 0.
func envelopeSeq(env v1.Envelope) int64 {
	if env.Type != v1.TypeMessageNew {
		return 0
	}
	var p v1.MessageNewPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return 0
	}
	return p.Seq
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return readErrBadJSON
	}
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

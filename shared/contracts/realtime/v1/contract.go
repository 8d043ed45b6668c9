// Package v1 defines the Beacon Realtime Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol negotiated for this contract.
const Subprotocol = "beacon.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"
	// TypeReplayDone marks the end of recovery; the connection is live afterwards (server -> client).
	TypeReplayDone = "replay_done"

	// TypeMessageSend requests publishing a message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck acknowledges (or refuses) a publish request (server -> client).
	TypeMessageAck = "message_ack"
	// TypeMessageNew carries a stored message, live or replayed (server -> client).
	TypeMessageNew = "message_new"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Ack statuses carried by MessageAckPayload.Status.
const (
	AckStatusAcknowledged    = "acknowledged"
	AckStatusNotAcknowledged = "not_acknowledged"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeReplayDone,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessageNew,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session.
//
// LastSeq is the highest seq the client has seen (0 replays everything).
// ResumeID is the conn_id of a previous connection the client wants to resume.
type HelloPayload struct {
	LastSeq  int64  `json:"last_seq,omitempty"`
	ResumeID string `json:"resume_id,omitempty"`
}

// HelloAckPayload carries the connection id the client can later resume.
type HelloAckPayload struct {
	ConnID    string `json:"conn_id"`
	Resumed   bool   `json:"resumed"`
	LatestSeq int64  `json:"latest_seq"`
}

// ReplayDonePayload reports the seq the connection went live at.
type ReplayDonePayload struct {
	LastSeq int64 `json:"last_seq"`
}

// MessageSendPayload requests publishing a message.
type MessageSendPayload struct {
	Content          string `json:"content"`
	IdempotencyToken string `json:"idempotency_token,omitempty"`
}

// MessageAckPayload answers a send request. Seq is 0 when unknown (duplicate submission).
type MessageAckPayload struct {
	IdempotencyToken string `json:"idempotency_token,omitempty"`
	Status           string `json:"status"`
	Seq              int64  `json:"seq,omitempty"`
}

// MessageNewPayload carries one stored message.
type MessageNewPayload struct {
	Seq              int64     `json:"seq"`
	Content          string    `json:"content"`
	IdempotencyToken string    `json:"idempotency_token,omitempty"`
	ServerTS         time.Time `json:"server_ts"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

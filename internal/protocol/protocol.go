// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package protocol defines the sequenced viewer-transport messages. Every
// viewer-bound message carries the owning session id, a per-session strictly
// increasing sequence number, and a timestamp; viewer-to-server input
// carries its own sender-assigned sequence so the server can deduplicate
// retransmissions and acknowledge each one.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Type discriminates messages on the wire.
type Type string

const (
	// Server -> viewer.
	TypeHistory  Type = "history"
	TypeOutput   Type = "sequenced_output"
	TypeWaiting  Type = "waiting_state"
	TypeInputAck Type = "input_ack"
	TypeExit     Type = "exit"

	// Viewer -> server.
	TypeInput     Type = "sequenced_input"
	TypeOutputAck Type = "output_ack"
	TypeReplay    Type = "replay_request"
)

// Input operations carried by sequenced_input messages.
const (
	OpWrite  = "write"
	OpResize = "resize"
	OpKill   = "kill"
)

// Message is the wire envelope. Raw terminal bytes travel base64-encoded in
// Data so the frame stays valid JSON.
type Message struct {
	Type      Type   `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Seq       uint64 `json:"seq,omitempty"`
	AckSeq    uint64 `json:"ack_seq,omitempty"`
	FromSeq   uint64 `json:"from_seq,omitempty"`
	Data      string `json:"data,omitempty"`
	Waiting   *bool  `json:"waiting,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	Status    string `json:"status,omitempty"`
	Timestamp int64  `json:"ts,omitempty"`

	// History extras sent on attach.
	LastInputAck uint64 `json:"last_input_ack,omitempty"`

	// Input payload.
	Op   string `json:"op,omitempty"`
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
}

func now() int64 { return time.Now().UnixMilli() }

// Output builds a sequenced_output message for a raw terminal chunk.
func Output(sessionID string, seq uint64, chunk []byte) Message {
	return Message{
		Type:      TypeOutput,
		SessionID: sessionID,
		Seq:       seq,
		Data:      base64.StdEncoding.EncodeToString(chunk),
		Timestamp: now(),
	}
}

// Waiting builds a waiting_state message.
func Waiting(sessionID string, seq uint64, waiting bool) Message {
	return Message{
		Type:      TypeWaiting,
		SessionID: sessionID,
		Seq:       seq,
		Waiting:   &waiting,
		Timestamp: now(),
	}
}

// Exit builds the terminal exit message.
func Exit(sessionID string, seq uint64, exitCode int, status string) Message {
	return Message{
		Type:      TypeExit,
		SessionID: sessionID,
		Seq:       seq,
		ExitCode:  &exitCode,
		Status:    status,
		Timestamp: now(),
	}
}

// InputAck acknowledges a sequenced_input message.
func InputAck(sessionID string, ackSeq uint64) Message {
	return Message{
		Type:      TypeInputAck,
		SessionID: sessionID,
		AckSeq:    ackSeq,
		Timestamp: now(),
	}
}

// History builds the full-state snapshot sent immediately on attach, before
// any new sequenced_output.
func History(sessionID string, output []byte, lastSeq, lastInputAck uint64, waiting bool, status string) Message {
	return Message{
		Type:         TypeHistory,
		SessionID:    sessionID,
		Seq:          lastSeq,
		Data:         base64.StdEncoding.EncodeToString(output),
		Waiting:      &waiting,
		LastInputAck: lastInputAck,
		Status:       status,
		Timestamp:    now(),
	}
}

// Encode marshals a message for the wire. Marshal of this struct cannot
// fail; the error return exists for symmetry with Decode at call sites that
// forward it.
func Encode(m Message) []byte {
	data, _ := json.Marshal(m)
	return data
}

// Decode parses a wire frame.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("message missing type")
	}
	return m, nil
}

// Payload decodes the base64 Data field back to raw bytes.
func (m Message) Payload() ([]byte, error) {
	if m.Data == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(m.Data)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return b, nil
}

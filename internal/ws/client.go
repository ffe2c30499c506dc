// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package ws

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Hyper-Int/OrcaRelay/internal/protocol"
	"github.com/Hyper-Int/OrcaRelay/internal/supervisor"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 256 * 1024
)

// Client is one viewer connection attached to a supervised session. The
// supervisor pushes fan-out frames into output (and closes it to drop the
// viewer); acks and replays the client requests itself travel over direct,
// which only this client touches.
type Client struct {
	conn      *websocket.Conn
	sup       *supervisor.Supervisor
	sessionID string
	output    chan []byte
	direct    chan []byte
	log       *slog.Logger
}

// NewClient attaches a viewer connection to a session. The history frame is
// queued before the client is exposed to live fan-out. Returns the attach
// error so the handler can close the socket with a meaningful code.
func NewClient(conn *websocket.Conn, sup *supervisor.Supervisor, sessionID string, log *slog.Logger) (*Client, error) {
	c := &Client{
		conn:      conn,
		sup:       sup,
		sessionID: sessionID,
		output:    make(chan []byte, 256),
		direct:    make(chan []byte, 64),
		log:       log,
	}
	if err := sup.Attach(sessionID, c.output); err != nil {
		return nil, err
	}
	return c, nil
}

// ReadPump reads viewer-to-server messages until the connection drops.
func (c *Client) ReadPump() {
	defer func() {
		c.sup.Detach(c.sessionID, c.output)
		close(c.direct)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Debug("viewer read error", "session", c.sessionID, "error", err)
			}
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.log.Debug("invalid viewer message", "session", c.sessionID, "error", err)
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeInput:
		ack, err := c.sup.Input(c.sessionID, msg)
		if err != nil {
			return
		}
		c.sendDirect(protocol.Encode(ack))

	case protocol.TypeOutputAck:
		c.sup.AckOutput(c.sessionID, msg.AckSeq)

	case protocol.TypeReplay:
		frames, err := c.sup.Replay(c.sessionID, msg.FromSeq)
		if err != nil {
			return
		}
		for _, frame := range frames {
			c.sendDirect(frame)
		}

	default:
		c.log.Debug("unknown viewer message type", "session", c.sessionID, "type", msg.Type)
	}
}

// sendDirect queues a frame on the client-owned channel, best-effort.
func (c *Client) sendDirect(frame []byte) {
	select {
	case c.direct <- frame:
	default:
	}
}

// WritePump drains both channels to the socket with ping keepalive. Exits
// when the supervisor closes the output channel (viewer dropped or session
// torn down) or a write fails.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.output:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case frame, ok := <-c.direct:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

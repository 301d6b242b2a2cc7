// Portions of this code are:
// Copyright 2013 The Gorilla WebSocket Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pgjobs/jobqueue"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// connection is a middleman between the websocket connection and the hub.
type connection struct {
	srv *Server
	// The websocket connection.
	ws *websocket.Conn
	// Buffered channel of outbound messages.
	send chan []byte
	// Answers to requests of the peer.
	replies chan []byte
}

// request is a message sent by the peer.
type request struct {
	Type  string `json:"type"`
	Queue string `json:"queue"`
	ID    string `json:"id"`
}

// JobLookup answers a JOB_LOOKUP request.
type JobLookup struct {
	Type    string        `json:"type"`
	Message string        `json:"message,omitempty"`
	Job     *jobqueue.Job `json:"job,omitempty"`
}

// readPump pumps requests from the websocket connection and answers them.
func (c *connection) readPump() {
	defer func() {
		select {
		case c.srv.hub.unregister <- c:
		case <-c.srv.done:
		}
		c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error { c.ws.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		var msg request
		err := c.ws.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.srv.logger.Printf("monitor: %v", err)
			}
			break
		}
		switch msg.Type {
		case TypeJobLookup:
			c.reply(c.lookup(msg))
		}
	}
}

func (c *connection) lookup(msg request) *JobLookup {
	rsp := &JobLookup{Type: TypeJobLookup}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	j, err := c.srv.m.GetJobByID(ctx, msg.Queue, msg.ID)
	switch {
	case errors.Is(err, jobqueue.ErrNotFound):
		rsp.Message = "Job already removed"
	case err != nil:
		rsp.Message = "Job cannot be found"
	default:
		rsp.Job = j
	}
	return rsp
}

// reply sends v to this connection only.
func (c *connection) reply(v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.srv.logger.Printf("monitor: %v", err)
		return
	}
	select {
	case c.replies <- payload:
	default:
	}
}

// write writes a message with the given message type and payload.
func (c *connection) write(mt int, payload []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(mt, payload)
}

// writePump pumps messages from the hub to the websocket connection.
func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}
		case message := <-c.replies:
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		}
	}
}

// serveWS handles websocket requests from the peer.
func (srv *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Printf("monitor: %v", err)
		return
	}
	c := &connection{
		srv:     srv,
		ws:      ws,
		send:    make(chan []byte, 256),
		replies: make(chan []byte, 16),
	}
	select {
	case srv.hub.register <- c:
	case <-srv.done:
		ws.Close()
		return
	}
	go c.writePump()
	c.readPump()
}

// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hashicorp/argus/stream"
	"github.com/hashicorp/argus/structs"
)

const (
	// wsPingInterval is how often the server pings a subscriber.
	wsPingInterval = 30 * time.Second

	// wsMissedPongLimit closes the connection after this many unanswered
	// pings.
	wsMissedPongLimit = 3

	// wsWriteTimeout bounds one frame write to a slow client.
	wsWriteTimeout = 10 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The dashboard may be served from any LAN origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsFilter is the first client frame: the subscription filter.
type wsFilter struct {
	SeverityFloor string   `json:"severity_floor"`
	Categories    []string `json:"categories"`
}

// EventStreamRequest upgrades to a WebSocket and streams matching events,
// one JSON frame each, until the client disconnects or stops answering
// pings.
func (s *HTTPServer) EventStreamRequest(resp http.ResponseWriter, req *http.Request) {
	conn, err := wsUpgrader.Upgrade(resp, req, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var raw wsFilter
	if err := conn.ReadJSON(&raw); err != nil {
		s.logger.Debug("websocket filter frame unreadable", "error", err)
		return
	}
	filter := &stream.Filter{
		SeverityFloor: structs.Severity(raw.SeverityFloor),
		Categories:    raw.Categories,
	}

	sub := s.agent.store.Subscribe(filter)
	defer sub.Unsubscribe()
	s.logger.Debug("websocket subscriber connected",
		"remote", req.RemoteAddr, "severity_floor", raw.SeverityFloor)

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	// The reader goroutine drains control frames so pong handling works,
	// and cancels on client disconnect.
	var missedPongs atomic.Int32
	conn.SetPongHandler(func(string) error {
		missedPongs.Store(0)
		return nil
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pings := time.NewTicker(wsPingInterval)
	defer pings.Stop()

	events := make(chan *structs.Event)
	errs := make(chan error, 1)
	go func() {
		for {
			e, err := sub.Next(ctx)
			if err != nil {
				errs <- err
				return
			}
			select {
			case events <- e:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errs:
			if err != stream.ErrSubscriptionClosed && err != context.Canceled {
				s.logger.Debug("websocket subscription ended", "error", err)
			}
			return
		case e := <-events:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("websocket write failed", "remote", req.RemoteAddr, "error", err)
				return
			}
		case <-pings.C:
			if missedPongs.Add(1) > wsMissedPongLimit {
				s.logger.Debug("websocket subscriber stopped answering pings", "remote", req.RemoteAddr)
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/danielhkuo/escrutinio/middleware"
	"github.com/danielhkuo/escrutinio/readmodel"
)

const (
	liveWriteWait  = 10 * time.Second
	livePingPeriod = 30 * time.Second
)

type DashboardHandler struct {
	watcher  *readmodel.Watcher
	upgrader websocket.Upgrader
}

func NewDashboardHandler(watcher *readmodel.Watcher) *DashboardHandler {
	return &DashboardHandler{
		watcher: watcher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// same policy as CORS: any origin may watch
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Get handles GET /dashboard
func (h *DashboardHandler) Get(w http.ResponseWriter, r *http.Request) {
	middleware.JSONResponse(w, http.StatusOK, h.watcher.Current())
}

// Live handles GET /dashboard/live
// Upgrades to a websocket and pushes the dashboard on every change. The
// current dashboard is sent first.
func (h *DashboardHandler) Live(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		slog.Warn("dashboard upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	updates, cancel := h.watcher.Listen()
	defer cancel()

	// The client never sends anything meaningful; reading detects close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(livePingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return

		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Debug("dashboard client gone during ping", "error", err)
				return
			}

		case d := <-updates:
			conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := conn.WriteJSON(d); err != nil {
				slog.Debug("dashboard client gone during write", "error", err)
				return
			}
		}
	}
}

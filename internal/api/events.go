package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// handleEvents upgrades to a websocket and pushes a StatusResponse on every
// connectivity transition, after sending the current state immediately.
// UI layers use this to flip their "offline — N changes pending" banner
// without polling.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()

	send := func() error {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return wsjson.Write(sctx, conn, s.status())
	}

	if err := send(); err != nil {
		return
	}

	updates := make(chan struct{}, 1)
	cancel := s.engine.Connectivity().Subscribe(func(bool) {
		select {
		case updates <- struct{}{}:
		default:
		}
	})
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case <-updates:
			if err := send(); err != nil {
				return
			}
		}
	}
}

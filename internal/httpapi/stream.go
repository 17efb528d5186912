package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lockerhub/lockerd/internal/locker/bus"
	"github.com/lockerhub/lockerd/internal/locker/types"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Dashboards are served from their own origin; token auth already
	// gates the endpoint.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleStream upgrades to a websocket and streams the requested topics:
// an initial snapshot per topic, then live deltas in commit order.  The
// users and logs topics are admin only.  If the server evicts the
// subscription (client too slow), the connection is closed and the client
// is expected to reconnect for a fresh snapshot.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	actor := identityFrom(r)

	topicsParam := r.URL.Query().Get("topics")
	if topicsParam == "" {
		topicsParam = types.TopicLockers
	}

	var topics []string
	for _, t := range strings.Split(topicsParam, ",") {
		t = strings.TrimSpace(t)
		switch t {
		case "":
			continue
		case types.TopicLockers:
		case types.TopicUsers, types.TopicLogs:
			if !actor.Admin {
				writeError(w, http.StatusForbidden, "forbidden", "topic "+t+" requires admin")
				return
			}
		default:
			writeError(w, http.StatusBadRequest, "invalid_request", "unknown topic "+t)
			return
		}
		topics = append(topics, t)
	}
	if len(topics) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "no topics requested")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var subs []*bus.Subscription
	defer func() {
		for _, sub := range subs {
			sub.Close()
		}
	}()
	for _, t := range topics {
		sub, err := s.bus.Subscribe(ctx, t)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "subscribe failed")
			return
		}
		subs = append(subs, sub)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}
	defer conn.Close()

	merged := make(chan types.Event, 64)
	for _, sub := range subs {
		sub := sub
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-sub.Events():
					if !ok {
						// Evicted; force a reconnect.
						cancel()
						return
					}
					select {
					case merged <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}

	// Reader: only control frames are expected; any read error means the
	// client went away.
	go func() {
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-merged:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("stream write failed",
					zap.String("user_id", actor.UserID), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/livescribe/internal/session"
)

const (
	eventWriteTimeout = 5 * time.Second
	pingInterval      = 30 * time.Second
)

// kindSnapshot is the first event on every stream; it carries the full
// status so a client that connects mid-session can render immediately.
const kindSnapshot session.UpdateKind = "snapshot"

// event is one WebSocket message.
type event struct {
	session.Update
	Status  *session.Status `json:"status,omitempty"`
	Problem *Problem        `json:"problem,omitempty"`
}

func newEvent(u session.Update) event {
	ev := event{Update: u}
	if u.Err != nil {
		p := Classify(u.Err)
		ev.Problem = &p
	}
	return ev
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		slog.Debug("server: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	updates, unsubscribe := s.ctrl.Subscribe()
	defer unsubscribe()

	// The client never sends; CloseRead handles control frames and cancels
	// ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())

	status := s.ctrl.Status()
	snap := event{Update: session.Update{Kind: kindSnapshot, SessionID: status.SessionID, State: status.State}, Status: &status}
	if status.Err != nil {
		p := Classify(status.Err)
		snap.Problem = &p
	}
	if err := writeEvent(ctx, conn, snap); err != nil {
		return
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "shutting down")
			return
		case u, ok := <-updates:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := writeEvent(ctx, conn, newEvent(u)); err != nil {
				return
			}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				slog.Debug("server: websocket ping failed", "err", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev event) error {
	wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	err := wsjson.Write(wctx, conn, ev)
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Debug("server: websocket write failed", "kind", ev.Kind, "err", err)
	}
	return err
}

package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"darkroom/pkg/httpx"
	"darkroom/pkg/stream"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	streamBuffer       = 64
	streamWriteTimeout = 5 * time.Second
)

// streamEvents pushes engine events over a websocket. ?gallery_id= narrows
// the feed to one gallery.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	var accept websocket.AcceptOptions
	if len(s.WSAllowedOrigins) > 0 {
		accept.OriginPatterns = s.WSAllowedOrigins
	}
	conn, err := websocket.Accept(w, r, &accept)
	if err != nil {
		return
	}

	gallery := strings.TrimSpace(r.URL.Query().Get("gallery_id"))
	sub := s.Events.Subscribe(gallery, streamBuffer)
	defer s.Events.Unsubscribe(sub)
	s.Metrics.AddStreamSubscribers(1)
	defer s.Metrics.AddStreamSubscribers(-1)

	// CloseRead discards client frames and cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	reason := pumpEvents(ctx, conn, sub)
	_ = conn.Close(websocket.StatusNormalClosure, reason)
}

func pumpEvents(ctx context.Context, conn *websocket.Conn, sub *stream.Subscription) string {
	if err := writeEvent(ctx, conn, stream.NewEvent("ready", "", nil)); err != nil {
		return "write_failed"
	}
	for {
		select {
		case <-ctx.Done():
			return "closed"
		case evt, ok := <-sub.C:
			if !ok {
				return "closed"
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				return "write_failed"
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt stream.Event) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, evt)
}

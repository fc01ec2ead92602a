package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/apiforge/internal/bus"
)

const (
	streamBuffer   = 256
	writeTimeout   = 5 * time.Second
	sseKeepalive   = 15 * time.Second
	wsCloseMessage = "server closing"
)

// eventEnvelope is one bus event as clients see it.
type eventEnvelope struct {
	Topic   string    `json:"topic"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// eventFilter selects bus events by topic prefix and session.
type eventFilter struct {
	prefixes []string
	session  string
}

func filterFromRequest(r *http.Request) eventFilter {
	q := r.URL.Query()
	var f eventFilter
	for _, p := range strings.Split(q.Get("topics"), ",") {
		if p = strings.TrimSpace(p); p != "" {
			f.prefixes = append(f.prefixes, p)
		}
	}
	f.session = q.Get("session")
	return f
}

func (f eventFilter) match(ev bus.Event) bool {
	if len(f.prefixes) > 0 {
		ok := false
		for _, p := range f.prefixes {
			if strings.HasPrefix(ev.Topic, p) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.session == "" {
		return true
	}
	// Events without a session belong to the run as a whole and pass.
	sid, scoped := eventSession(ev.Payload)
	return !scoped || sid == f.session
}

func eventSession(payload any) (string, bool) {
	switch p := payload.(type) {
	case bus.TaskStateChangedEvent:
		return p.SessionID, true
	case bus.TaskEnqueuedEvent:
		return p.SessionID, true
	}
	return "", false
}

type client struct {
	conn   *websocket.Conn
	filter eventFilter
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	s.clientsMu.Unlock()
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()
}

// ClientCount reports connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients)
}

// handleWS streams filtered bus events as JSON envelopes. Messages from the
// client are read and discarded so control frames are processed.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Warn("ws: accept failed", "error", err)
		return
	}
	c := &client{conn: conn, filter: filterFromRequest(r)}
	s.addClient(c)
	s.logger.Info("ws: client connected", "remote", r.RemoteAddr, "topics", c.filter.prefixes, "session", c.filter.session)
	defer func() {
		s.removeClient(c)
		s.logger.Info("ws: client disconnected", "remote", r.RemoteAddr)
	}()

	sub := s.cfg.Bus.SubscribeBuffered("", streamBuffer)
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, wsCloseMessage)
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, wsCloseMessage)
				return
			}
			if !c.filter.match(ev) {
				continue
			}
			if err := s.writeWS(ctx, c, ev); err != nil {
				s.logger.Debug("ws: write failed, closing", "error", err)
				_ = conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (s *Server) writeWS(ctx context.Context, c *client, ev bus.Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, eventEnvelope{Topic: ev.Topic, At: s.cfg.Clock(), Payload: ev.Payload})
}

// handleEventStream is the Server-Sent Events variant of /ws for clients
// that cannot speak WebSocket.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	filter := filterFromRequest(r)

	sub := s.cfg.Bus.SubscribeBuffered("", streamBuffer)
	defer s.cfg.Bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	// Comment line so clients see the stream open before the first event.
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sse: client disconnected", "remote", r.RemoteAddr)
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if !filter.match(ev) {
				continue
			}
			data, err := json.Marshal(eventEnvelope{Topic: ev.Topic, At: s.cfg.Clock(), Payload: ev.Payload})
			if err != nil {
				s.logger.Warn("sse: marshal event", "topic", ev.Topic, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Topic, data)
			flusher.Flush()
		}
	}
}

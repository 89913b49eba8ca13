// Package ws carries the page protocol over websockets. Each connection is
// one page instance attached to the background service's bus.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/mmcdole/kinosync/internal/bus"
	"github.com/mmcdole/kinosync/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 << 20 // Chunks travel base64 encoded inside commands
	eventBuffer    = 256
)

// Poster accepts commands from a page.
type Poster interface {
	Post(ctx context.Context, from string, cmd domain.Command) bool
	Pending() int
}

// Connectivity reports whether the API is reachable.
type Connectivity interface {
	Online() bool
}

// Health is the /healthz body.
type Health struct {
	Online  bool `json:"online"`
	Pages   int  `json:"pages"`
	Pending int  `json:"pending"`
}

// Server serves /ws and /healthz.
type Server struct {
	hub      *bus.Hub
	svc      Poster
	net      Connectivity
	origins  []string
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewServer creates a websocket server. origins lists browser origins
// allowed in addition to the listener's own host.
func NewServer(hub *bus.Hub, svc Poster, net Connectivity, origins []string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		hub:     hub,
		svc:     svc,
		net:     net,
		origins: origins,
		logger:  logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowOriginFunc: s.allowOrigin,
		AllowedMethods:  []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders:  []string{"Content-Type"},
	}))
	r.Get("/ws", s.handleWS)
	r.Get("/healthz", s.handleHealth)
	return r
}

// checkOrigin admits native pages, which send no Origin header.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || s.allowOrigin(r, origin)
}

// allowOrigin admits the listener's own host and configured origins.
func (s *Server) allowOrigin(r *http.Request, origin string) bool {
	if slices.Contains(s.origins, "*") || slices.Contains(s.origins, origin) {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := Health{
		Online:  s.net.Online(),
		Pages:   s.hub.Count(),
		Pending: s.svc.Pending(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h); err != nil {
		s.logger.Warn("failed to write health", "error", err)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := s.hub.Connect(eventBuffer)
	logger := s.logger.With("page", client.ID)
	logger.Info("page attached", "remote", r.RemoteAddr)

	// The page context outlives the handler's request but ends with the socket.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writePump(conn, client, logger)
	}()

	s.readPump(ctx, conn, client.ID, logger)

	cancel()
	s.hub.Disconnect(client.ID)
	<-done
	conn.Close()
	logger.Info("page detached")
}

// readPump posts commands until the socket fails. Undecodable frames are dropped.
func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, clientID string, logger *slog.Logger) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("page read failed", "error", err)
			}
			return
		}

		var cmd domain.Command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			logger.Debug("undecodable frame dropped", "error", err)
			continue
		}
		if !s.svc.Post(ctx, clientID, cmd) {
			logger.Warn("background service stopped, closing page")
			return
		}
	}
}

// writePump is the only writer on conn. It returns once the bus closes the
// client's stream or a write fails.
func (s *Server) writePump(conn *websocket.Conn, client *bus.Client, logger *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-client.Events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				logger.Warn("page write failed", "event", evt.Type, "error", err)
				conn.Close()
				drain(client.Events)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				drain(client.Events)
				return
			}
		}
	}
}

// drain discards events until the bus closes the stream.
func drain(events <-chan domain.Event) {
	for range events {
	}
}

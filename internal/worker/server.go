package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dreamware/signalhub/internal/logging"
)

// Server exposes a worker over HTTP: the client websocket endpoint at "/",
// plus /health for the primary's monitor and /metrics.
type Server struct {
	node     *Node
	upgrader websocket.Upgrader
	opts     SocketOptions
	log      zerolog.Logger
}

// NewServer returns a server accepting client sockets for node.
func NewServer(node *Node, opts SocketOptions, logger zerolog.Logger) *Server {
	return &Server{
		node: node,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from arbitrary origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		opts: opts.withDefaults(),
		log:  logging.Component(logger, "server"),
	}
}

// Handler returns the routes served on the client listener.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/", s.serveClient)
	return r
}

type healthResponse struct {
	State string `json:"status"`
	Status
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	st, err := s.node.Status(ctx)
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
		return
	}
	_ = json.NewEncoder(w).Encode(healthResponse{State: "ok", Status: st})
}

func (s *Server) serveClient(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("client upgrade failed")
		return
	}
	sock := newSocket(conn, s.opts, s.log)
	go sock.writePump()

	id, err := s.node.Connect(r.Context(), sock)
	if err != nil {
		s.log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("refusing client connection")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(time.Second))
		sock.Close()
		return
	}
	sock.readPump(s.node, id)
}

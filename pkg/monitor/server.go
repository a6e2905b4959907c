package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// AgentsResponse is the body of GET /agents.
type AgentsResponse struct {
	Agents  []AgentState `json:"agents"`
	Summary Summary      `json:"summary"`
}

// server exposes the registry and the event feed over HTTP.
type server struct {
	monitor *Monitor
	http    *http.Server
	ln      net.Listener
	logger  *zap.Logger
}

func newServer(m *Monitor, ln net.Listener) *server {
	s := &server{
		monitor: m,
		ln:      ln,
		logger:  m.logger.Named("http"),
	}
	s.http = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *server) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/agents", s.handleAgents).Methods(http.MethodGet)
	r.HandleFunc("/summary", s.handleSummary).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS)
	return r
}

// serve runs until ctx is cancelled.
func (s *server) serve(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- s.http.Serve(s.ln) }()
	s.logger.Info("http feed listening", zap.Stringer("addr", s.ln.Addr()))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// handleAgents processes GET /agents.
func (s *server) handleAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, AgentsResponse{
		Agents:  s.monitor.registry.Snapshot(),
		Summary: s.monitor.registry.Summary(s.monitor.period),
	})
}

// handleSummary processes GET /summary.
func (s *server) handleSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.monitor.registry.Summary(s.monitor.period))
}

// handleWS upgrades to a websocket and subscribes it to the event feed.
func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	if !s.monitor.hub.attach(conn) {
		_ = conn.Close()
	}
}

// Package statsapi exposes the dispatcher's HTTP surface: health,
// Prometheus metrics, and a websocket feed of remote/replay stats
// snapshots, built on gorilla/mux and gorilla/websocket.
package statsapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/PayRpc/elf-dispatch/internal/broadcaster"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Snapshot is one periodic stats sample broadcast to websocket clients.
// SnapshotFunc supplies it; the hosting binary decides what's worth
// reporting (outstanding batches, shard sizes, queue depth, etc.).
type Snapshot = map[string]interface{}

// SnapshotFunc produces the next Snapshot to broadcast.
type SnapshotFunc func() Snapshot

// snapshotInterval is how often the background publisher samples
// snapshot() and fans it out to every connected websocket client.
const snapshotInterval = 2 * time.Second

// wsSubscriberBuffer bounds how many snapshots a slow websocket client
// can fall behind by before the broadcaster starts dropping its oldest
// pending one.
const wsSubscriberBuffer = 8

// Server is the stats HTTP/WS surface.
type Server struct {
	logger   *zap.Logger
	snapshot SnapshotFunc

	upgrader websocket.Upgrader
	bcast    *broadcaster.Broadcaster[Snapshot]
	stop     chan struct{}
}

// New builds a Server whose /stats/ws feed fans out a shared snapshot
// publisher (sampled every snapshotInterval) to every connected
// client, rather than each connection sampling and encoding on its
// own.
func New(snapshot SnapshotFunc, logger *zap.Logger) *Server {
	s := &Server{
		logger:   logger,
		snapshot: snapshot,
		upgrader: websocket.Upgrader{
			CheckOrigin:      func(r *http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
		bcast: broadcaster.New[Snapshot](logger),
		stop:  make(chan struct{}),
	}
	go s.publishLoop()
	return s
}

func (s *Server) publishLoop() {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.bcast.Publish(s.snapshot())
		}
	}
}

// Router builds the mux.Router serving /healthz, /stats, /metrics, and
// /stats/ws.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/stats", s.handleStats).Methods("GET")
	r.HandleFunc("/stats/ws", s.handleStream)
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.snapshot())
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("statsapi: websocket upgrade failed", zap.Error(err))
		}
		return
	}
	defer conn.Close()

	feed := s.bcast.Subscribe(wsSubscriberBuffer)
	defer s.bcast.Unsubscribe(feed)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-feed:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(snap); err != nil {
				return
			}
		}
	}
}

// ListenAndServe runs the stats HTTP server on addr until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		close(s.stop)
		s.bcast.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Package pdpserver exposes tenant load status over HTTP, WebSocket and
// grpc.health.v1.
package pdpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cordum/pdpsync/core/infra/buildinfo"
	"github.com/cordum/pdpsync/core/infra/logging"
	"github.com/cordum/pdpsync/core/infra/metrics"
	"github.com/cordum/pdpsync/core/pdp/voter"
)

const (
	wsAPIKeyProtocol = "cordum-api-key"
	wsWriteTimeout   = 10 * time.Second
	shutdownTimeout  = 5 * time.Second
)

// Options configure a Server.
type Options struct {
	Build buildinfo.Summary
	// APIKeys, when non-empty, are required on every /api/ request.
	APIKeys []string
	// AllowedOrigins lists extra WebSocket origins beyond same-host.
	AllowedOrigins []string
	// Metrics serves /metrics; nil uses the Prometheus default registry.
	Metrics http.Handler
}

// Server serves status for the tenants tracked by a voter.Source.
type Server struct {
	source  *voter.Source
	hub     *Hub
	health  *HealthReporter
	build   buildinfo.Summary
	keys    [][]byte
	origins map[string]struct{}
	metrics http.Handler
	started time.Time

	upgrader websocket.Upgrader
}

// New builds a server and subscribes its hub and health reporter to src.
func New(src *voter.Source, opts Options) *Server {
	s := &Server{
		source:  src,
		hub:     NewHub(),
		health:  NewHealthReporter(),
		build:   opts.Build,
		origins: map[string]struct{}{},
		metrics: opts.Metrics,
		started: time.Now(),
	}
	for _, k := range opts.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			s.keys = append(s.keys, []byte(k))
		}
	}
	for _, o := range opts.AllowedOrigins {
		s.origins[strings.ToLower(strings.TrimSpace(o))] = struct{}{}
	}
	if s.metrics == nil {
		s.metrics = metrics.Handler()
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:  s.allowedOrigin,
		Subprotocols: []string{wsAPIKeyProtocol},
	}
	for _, st := range src.GetAllPdpStatuses() {
		s.health.OnStatus(st)
	}
	src.AddListener(s.hub)
	src.AddListener(s.health)
	return s
}

func (s *Server) Hub() *Hub                       { return s.hub }
func (s *Server) HealthReporter() *HealthReporter { return s.health }

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics)
	mux.HandleFunc("GET /api/v1/pdps", s.handleList)
	mux.HandleFunc("GET /api/v1/pdps/stream", s.handleStream)
	mux.HandleFunc("GET /api/v1/pdps/{id}", s.handleGet)
	mux.HandleFunc("DELETE /api/v1/pdps/{id}", s.handleDelete)
	return s.apiKeyMiddleware(mux)
}

// Run listens on httpAddr and grpcAddr and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, httpAddr, grpcAddr string) error {
	httpLn, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return err
	}
	grpcLn, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		_ = httpLn.Close()
		return err
	}
	return s.Serve(ctx, httpLn, grpcLn)
}

// Serve serves HTTP on httpLn and gRPC health on grpcLn until ctx is
// cancelled or either server fails.
func (s *Server) Serve(ctx context.Context, httpLn, grpcLn net.Listener) error {
	httpSrv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	grpcSrv := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, s.health.Server())

	errCh := make(chan error, 2)
	go func() {
		logging.Info("pdp-server", "http listening", "addr", httpLn.Addr().String())
		if err := httpSrv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		logging.Info("pdp-server", "grpc health listening", "addr", grpcLn.Addr().String())
		if err := grpcSrv.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		logging.Error("pdp-server", "server error", "error", serveErr)
	}

	s.health.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logging.Error("pdp-server", "http shutdown failed", "error", err)
	}
	grpcSrv.GracefulStop()
	return serveErr
}

type healthResponse struct {
	Status        string            `json:"status"`
	Build         buildinfo.Summary `json:"build"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Pdps          map[string]int    `json:"pdps"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	counts := map[string]int{}
	for _, st := range s.source.GetAllPdpStatuses() {
		counts[string(st.State)]++
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		Build:         s.build,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Pdps:          counts,
	})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": s.sortedStatuses()})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, ok := s.source.GetPdpStatus(id)
	if !ok {
		writeError(w, http.StatusNotFound, "pdp not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.source.RemoveConfigurationForPdp(id) {
		writeError(w, http.StatusNotFound, "pdp not found: "+id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("pdp-server", "ws upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	logging.Info("pdp-server", "ws connected", "remote", r.RemoteAddr)

	ch := s.hub.register(ws)
	defer s.hub.unregister(ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, st := range s.sortedStatuses() {
		if err := writeEvent(ws, StreamEvent{Type: eventSnapshot, PdpID: st.PdpID, Status: &st}); err != nil {
			return
		}
	}
	for {
		select {
		case ev := <-ch:
			if err := writeEvent(ws, ev); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func writeEvent(ws *websocket.Conn, ev StreamEvent) error {
	_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return ws.WriteJSON(ev)
}

func (s *Server) sortedStatuses() []voter.Status {
	all := s.source.GetAllPdpStatuses()
	out := make([]voter.Status, 0, len(all))
	for _, st := range all {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PdpID < out[j].PdpID })
	return out
}

func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	if len(s.keys) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		key := strings.TrimSpace(r.Header.Get("X-API-Key"))
		if key == "" && websocket.IsWebSocketUpgrade(r) {
			key = apiKeyFromWebSocket(r)
		}
		if !s.validKey(key) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) validKey(key string) bool {
	if key == "" {
		return false
	}
	for _, k := range s.keys {
		if subtle.ConstantTimeCompare(k, []byte(key)) == 1 {
			return true
		}
	}
	return false
}

// apiKeyFromWebSocket reads the key browsers pass as the subprotocol
// following "cordum-api-key".
func apiKeyFromWebSocket(r *http.Request) string {
	protocols := websocket.Subprotocols(r)
	for i, p := range protocols {
		if strings.EqualFold(p, wsAPIKeyProtocol) && i+1 < len(protocols) {
			return strings.TrimSpace(protocols[i+1])
		}
	}
	return ""
}

func (s *Server) allowedOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if _, ok := s.origins[strings.ToLower(origin)]; ok {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("pdp-server", "encode response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

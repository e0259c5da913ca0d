// Package health provides the HTTP health and status endpoints for the
// WGX relay.
package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PeerInfo is one peer entry in the status document.
type PeerInfo struct {
	PublicKey      string   `json:"public_key"`
	Role           string   `json:"role"`
	Endpoint       string   `json:"endpoint,omitempty"`
	LastSeen       string   `json:"last_seen,omitempty"`
	BytesIn        uint64   `json:"bytes_in"`
	BytesOut       uint64   `json:"bytes_out"`
	Counterparties []string `json:"counterparties,omitempty"`
}

// SessionInfo is one session entry in the status document.
type SessionInfo struct {
	PeerKey     string `json:"peer_key"`
	LocalIndex  uint32 `json:"local_index"`
	RemoteIndex uint32 `json:"remote_index"`
	AgeSeconds  uint64 `json:"age_seconds"`
	Established bool   `json:"established"`
}

// Status is the JSON document served at /status.
type Status struct {
	PublicKey     string        `json:"public_key"`
	ListenAddr    string        `json:"listen_addr"`
	UptimeSeconds uint64        `json:"uptime_seconds"`
	Peers         []PeerInfo    `json:"peers"`
	Sessions      []SessionInfo `json:"sessions"`
}

// StatusProvider supplies the relay's current status snapshot.
type StatusProvider interface {
	Status() Status
}

// ServerConfig contains health server configuration.
type ServerConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      ":8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is the HTTP server for health, status, metrics and pprof.
type Server struct {
	cfg      ServerConfig
	provider StatusProvider
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new health server.
func NewServer(cfg ServerConfig, provider StatusProvider) *Server {
	s := &Server{
		cfg:      cfg,
		provider: provider,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Start begins listening. It returns after the listener is bound; serving
// continues in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go func() {
		_ = s.server.Serve(ln)
		s.running.Store(false)
	}()
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Address
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(s.provider.Status())
}

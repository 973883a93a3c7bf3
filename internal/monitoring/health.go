// Package monitoring serves the health, status and Prometheus metrics
// endpoints alongside a running engine.
package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/metrics"
)

// StatusProvider exposes a snapshot of the decode loop for /status. The
// engine implements it; a nil provider reports an idle server.
type StatusProvider interface {
	Status() EngineStatus
}

type EngineStatus struct {
	State          string `json:"state"`
	Position       int    `json:"position"`
	SequenceLength int    `json:"sequence_length"`
	Tokens         int    `json:"tokens"`
	Layers         int    `json:"layers"`
	Backend        string `json:"backend"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryUsedMB int    `json:"memory_used_mb"`
	TensorMB     int    `json:"tensor_mb"`
}

type statusResponse struct {
	Status    string       `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
	Uptime    string       `json:"uptime"`
	System    SystemInfo   `json:"system"`
	Engine    EngineStatus `json:"engine"`
}

// Server is the monitoring HTTP server.
type Server struct {
	startTime time.Time
	provider  StatusProvider
	server    *http.Server
	log       *logger.Logger
}

func NewServer(provider StatusProvider) *Server {
	return &Server{
		startTime: time.Now(),
		provider:  provider,
		log:       logger.Log.With("monitoring"),
	}
}

// Handler returns the route table, separate from Start so tests can drive
// it without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	s.log.Info("monitoring server listening", "addr", addr)
	return s.server.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    time.Since(s.startTime).String(),
		System:    systemInfo(),
	}
	if s.provider != nil {
		resp.Engine = s.provider.Status()
	} else {
		resp.Engine.State = "idle"
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
		TensorMB:     int(metrics.AllocatedTensorBytes() / 1024 / 1024),
	}
}

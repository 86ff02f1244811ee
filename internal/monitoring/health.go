package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// RunStatus is the JSON surface of /status.
type RunStatus struct {
	Status          string        `json:"status"`
	Timestamp       time.Time     `json:"timestamp"`
	Uptime          time.Duration `json:"uptime"`
	CurrentBlock    string        `json:"current_block"`
	BlocksCommitted int           `json:"blocks_committed"`
	BlocksTotal     int           `json:"blocks_total"`
	Samples         int           `json:"samples"`
	System          SystemInfo    `json:"system"`
}

// SystemInfo contains host-level information.
type SystemInfo struct {
	GoVersion     string `json:"go_version"`
	OS            string `json:"os"`
	Arch          string `json:"arch"`
	NumCPU        int    `json:"num_cpu"`
	MemoryUsedMB  int    `json:"memory_used_mb"`
	TensorBytesMB int    `json:"tensor_bytes_mb"`
}

// Monitor serves health, status and Prometheus metrics for a tuning run.
type Monitor struct {
	startTime time.Time
	server    *http.Server

	mu              sync.RWMutex
	currentBlock    string
	blocksCommitted int
	blocksTotal     int
	samples         int
	failed          bool
}

func NewMonitor() *Monitor {
	return &Monitor{startTime: time.Now()}
}

// Start serves the monitoring endpoints until Stop or listen failure.
func (m *Monitor) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", m.handleHealth)
	mux.HandleFunc("/healthz", m.handleHealth) // Kubernetes compatibility
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", m.handleStatus)

	m.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	logger.Log.Info("monitor listening", "addr", addr)
	return m.server.ListenAndServe()
}

func (m *Monitor) Stop(ctx context.Context) error {
	if m.server != nil {
		return m.server.Shutdown(ctx)
	}
	return nil
}

// SetPlan records the run's total block count and sample count.
func (m *Monitor) SetPlan(blocksTotal, samples int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocksTotal = blocksTotal
	m.samples = samples
}

// BlockStarted marks the block currently being tuned.
func (m *Monitor) BlockStarted(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentBlock = name
}

// BlockCommitted advances the committed counter.
func (m *Monitor) BlockCommitted(marker int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocksCommitted = marker
}

// Fail flips the health status to unhealthy.
func (m *Monitor) Fail() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = true
}

func (m *Monitor) status() RunStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	status := "healthy"
	if m.failed {
		status = "failed"
	}
	return RunStatus{
		Status:          status,
		Timestamp:       time.Now(),
		Uptime:          time.Since(m.startTime),
		CurrentBlock:    m.currentBlock,
		BlocksCommitted: m.blocksCommitted,
		BlocksTotal:     m.blocksTotal,
		Samples:         m.samples,
		System: SystemInfo{
			GoVersion:     runtime.Version(),
			OS:            runtime.GOOS,
			Arch:          runtime.GOARCH,
			NumCPU:        runtime.NumCPU(),
			MemoryUsedMB:  int(ms.Alloc / 1024 / 1024),
			TensorBytesMB: int(tensor.AllocatedBytes() / 1024 / 1024),
		},
	}
}

func (m *Monitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	s := m.status()
	if s.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]string{
		"status":    s.Status,
		"timestamp": s.Timestamp.Format(time.RFC3339),
	})
}

func (m *Monitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(m.status())
}

package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/hacluster/internal/cluster"
)

// HealthMonitor periodically checks the /health endpoint of every server
// that has joined the cluster.
//
// A NORMAL server that fails maxFailures consecutive checks is reported
// through the unhealthy callback, which marks it DOWN. A DOWN server that
// answers again is reported through the recovered callback, which counts as
// a heartbeat and returns it to NORMAL.
//
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	servers     map[string]*cluster.ServerHealth // Current health status per server name
	httpClient  *http.Client                     // HTTP client for health checks
	checkFunc   func(endpoint string) error
	onUnhealthy func(name string) // Called when a NORMAL server crosses maxFailures
	onRecovered func(name string) // Called when a DOWN server answers a health check
	logger      *zap.Logger
	metrics     *Metrics
	interval    time.Duration
	maxFailures int
	mu          sync.RWMutex
}

// NewHealthMonitor creates a monitor.
//
// Parameters:
//   - interval: how often every server is checked
//   - timeout: HTTP timeout of one check
//   - maxFailures: consecutive failures before a server is reported unhealthy
//   - logger, metrics: may be nil
//
// Example:
//
//	monitor := NewHealthMonitor(10*time.Second, 2*time.Second, 3, logger, metrics)
//	monitor.SetOnUnhealthy(func(name string) { modes.MarkDown(ctx, name) })
//	go monitor.Run(ctx, modes.Servers)
func NewHealthMonitor(interval, timeout time.Duration, maxFailures int, logger *zap.Logger, metrics *Metrics) *HealthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxFailures < 1 {
		maxFailures = 1
	}
	h := &HealthMonitor{
		servers:     make(map[string]*cluster.ServerHealth),
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger.Named("health"),
		metrics:     metrics,
		interval:    interval,
		maxFailures: maxFailures,
	}
	h.checkFunc = h.defaultHealthCheck
	return h
}

// SetOnUnhealthy sets the callback invoked when a NORMAL server becomes
// unhealthy. It runs on its own goroutine.
func (h *HealthMonitor) SetOnUnhealthy(callback func(name string)) {
	h.mu.Lock()
	h.onUnhealthy = callback
	h.mu.Unlock()
}

// SetOnRecovered sets the callback invoked when a DOWN server answers a health check.
// It runs on its own goroutine.
func (h *HealthMonitor) SetOnRecovered(callback func(name string)) {
	h.mu.Lock()
	h.onRecovered = callback
	h.mu.Unlock()
}

// SetCheckFunction overrides the HTTP check.
//
// Example:
//
//	monitor.SetCheckFunction(func(endpoint string) error {
//	    return nil
//	})
func (h *HealthMonitor) SetCheckFunction(checkFunc func(endpoint string) error) {
	h.mu.Lock()
	h.checkFunc = checkFunc
	h.mu.Unlock()
}

// Run checks the servers returned by provider every interval until ctx is
// canceled. INSTALLED servers are skipped because they have no process to
// check yet.
func (h *HealthMonitor) Run(ctx context.Context, provider func() []cluster.Server) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info("health monitor started", zap.Duration("interval", h.interval))

	h.CheckAll(ctx, provider())
	for {
		select {
		case <-ticker.C:
			h.CheckAll(ctx, provider())
		case <-ctx.Done():
			h.logger.Info("health monitor stopping")
			return nil
		}
	}
}

// CheckAll checks every server once and stops tracking servers that are no
// longer present.
func (h *HealthMonitor) CheckAll(ctx context.Context, servers []cluster.Server) {
	current := make(map[string]bool, len(servers))
	for _, server := range servers {
		if server.OperationMode == cluster.ModeInstalled {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		current[server.Name] = true
		h.checkServer(server)
	}

	h.mu.Lock()
	for name := range h.servers {
		if !current[name] {
			delete(h.servers, name)
			h.logger.Debug("server no longer monitored", zap.String("server", name))
		}
	}
	h.mu.Unlock()
}

func (h *HealthMonitor) checkServer(server cluster.Server) {
	h.mu.Lock()
	health, exists := h.servers[server.Name]
	if !exists {
		now := time.Now()
		health = &cluster.ServerHealth{
			Server:      server.Name,
			Status:      cluster.HealthUnknown,
			LastCheck:   now,
			LastHealthy: now,
		}
		h.servers[server.Name] = health
	}
	check := h.checkFunc
	h.mu.Unlock()

	err := check(server.Endpoint())
	h.metrics.healthCheck(err == nil)

	h.mu.Lock()
	defer h.mu.Unlock()

	health.LastCheck = time.Now()
	if err != nil {
		health.ConsecutiveFails++
		h.logger.Debug("health check failed",
			zap.String("server", server.Name),
			zap.Int("attempt", health.ConsecutiveFails),
			zap.Int("max_failures", h.maxFailures),
			zap.Error(err))

		if health.ConsecutiveFails < h.maxFailures {
			return
		}
		previous := health.Status
		health.Status = cluster.HealthUnhealthy
		if previous != cluster.HealthUnhealthy {
			h.logger.Warn("server unhealthy",
				zap.String("server", server.Name),
				zap.Int("failures", health.ConsecutiveFails))
		}
		// Re-reported every round while the stored mode is still NORMAL, in
		// case the previous MarkDown failed.
		if server.OperationMode == cluster.ModeNormal && h.onUnhealthy != nil {
			go h.onUnhealthy(server.Name)
		}
		return
	}

	if health.Status == cluster.HealthUnhealthy {
		h.logger.Info("server recovered", zap.String("server", server.Name))
	}
	health.Status = cluster.HealthHealthy
	health.ConsecutiveFails = 0
	health.LastHealthy = health.LastCheck
	if server.OperationMode == cluster.ModeDown && h.onRecovered != nil {
		go h.onRecovered(server.Name)
	}
}

// defaultHealthCheck performs an HTTP GET on the server's /health endpoint.
func (h *HealthMonitor) defaultHealthCheck(endpoint string) error {
	url := endpoint
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	if !strings.HasSuffix(url, "/health") {
		url = strings.TrimRight(url, "/") + "/health"
	}

	resp, err := h.httpClient.Get(url)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// GetServerHealth returns a copy of the health record of one server, or nil
// if it is not monitored.
func (h *HealthMonitor) GetServerHealth(name string) *cluster.ServerHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, ok := h.servers[name]
	if !ok {
		return nil
	}
	c := *health
	return &c
}

// GetAllServerHealth returns copies of every health record keyed by server name.
func (h *HealthMonitor) GetAllServerHealth() map[string]*cluster.ServerHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make(map[string]*cluster.ServerHealth, len(h.servers))
	for name, health := range h.servers {
		c := *health
		result[name] = &c
	}
	return result
}

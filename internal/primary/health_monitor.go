package primary

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/signalhub/internal/cluster"
	"github.com/dreamware/signalhub/internal/logging"
)

// Health states reported for a worker.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// WorkerHealth tracks the health status of a single worker.
// Thread-safe: Protected by HealthMonitor's mutex when accessed.
type WorkerHealth struct {
	LastCheck        time.Time // Timestamp of the last health check attempt
	LastHealthy      time.Time // Timestamp of the last successful health check
	Status           string    // StatusUnknown, StatusHealthy or StatusUnhealthy
	WorkerID         int       // Process id of the worker
	ConsecutiveFails int       // Number of consecutive failed health checks
}

// HealthMonitor polls each attached worker's /health endpoint. A worker that
// fails maxFailures checks in a row is reported through the onUnhealthy
// callback, which the primary uses to evict it: its link is closed and every
// connection it owned goes through the disconnect cascade.
//
// A worker whose IPC link is alive can still be unhealthy, for example when
// its client listener has stopped accepting. The link alone does not prove
// the worker can serve clients.
//
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	workers     map[int]*WorkerHealth
	httpClient  *http.Client
	checkFunc   func(addr string) error
	onUnhealthy func(workerID int)
	ctx         context.Context
	cancel      context.CancelFunc
	log         zerolog.Logger
	interval    time.Duration
	timeout     time.Duration
	mu          sync.RWMutex
	wg          sync.WaitGroup
	maxFailures int
}

// NewHealthMonitor creates a monitor that checks every interval and marks a
// worker unhealthy after 3 consecutive failures.
//
// Example:
//
//	monitor := NewHealthMonitor(5*time.Second, logger)
//	monitor.SetOnUnhealthy(func(id int) { workers.Evict(id) })
//	go monitor.Start(ctx, workers.All)
func NewHealthMonitor(interval time.Duration, logger zerolog.Logger) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())

	return &HealthMonitor{
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: 3,
		workers:     make(map[int]*WorkerHealth),
		httpClient: &http.Client{
			Timeout: 2 * time.Second,
		},
		log:    logging.Component(logger, "health"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetOnUnhealthy sets the callback invoked, on its own goroutine, when a
// worker transitions to unhealthy.
func (h *HealthMonitor) SetOnUnhealthy(callback func(workerID int)) {
	h.onUnhealthy = callback
}

// SetCheckFunction overrides the HTTP check, mainly for tests.
func (h *HealthMonitor) SetCheckFunction(checkFunc func(addr string) error) {
	h.checkFunc = checkFunc
}

// Start runs the check loop in the current goroutine until ctx is canceled
// or Stop is called. workerProvider is consulted on every tick so newly
// attached workers are picked up and detached ones forgotten.
func (h *HealthMonitor) Start(ctx context.Context, workerProvider func() []cluster.WorkerInfo) {
	h.wg.Add(1)
	defer h.wg.Done()

	if ctx == nil {
		ctx = h.ctx
	}
	if h.checkFunc == nil {
		h.checkFunc = h.defaultHealthCheck
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.log.Info().Dur("interval", h.interval).Msg("health monitor started")
	h.checkAll(workerProvider())

	for {
		select {
		case <-ticker.C:
			h.checkAll(workerProvider())
		case <-ctx.Done():
			h.log.Info().Msg("health monitor stopping due to context cancellation")
			return
		case <-h.ctx.Done():
			h.log.Info().Msg("health monitor stopping due to internal cancellation")
			return
		}
	}
}

// Stop cancels the loop and waits for it to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

func (h *HealthMonitor) checkAll(workers []cluster.WorkerInfo) {
	current := make(map[int]bool, len(workers))
	for _, w := range workers {
		current[w.ID] = true
		h.checkWorker(w)
	}

	h.mu.Lock()
	for id := range h.workers {
		if !current[id] {
			delete(h.workers, id)
			h.log.Debug().Int("worker_id", id).Msg("removed worker from health monitoring")
		}
	}
	h.mu.Unlock()
}

func (h *HealthMonitor) checkWorker(w cluster.WorkerInfo) {
	h.mu.Lock()
	health, exists := h.workers[w.ID]
	if !exists {
		health = &WorkerHealth{
			WorkerID:    w.ID,
			Status:      StatusUnknown,
			LastCheck:   time.Now(),
			LastHealthy: time.Now(),
		}
		h.workers[w.ID] = health
	}
	h.mu.Unlock()

	err := h.checkFunc(w.Addr)

	h.mu.Lock()
	defer h.mu.Unlock()

	health.LastCheck = time.Now()
	if err == nil {
		if health.Status == StatusUnhealthy {
			h.log.Info().Int("worker_id", w.ID).Msg("worker recovered")
		}
		health.Status = StatusHealthy
		health.ConsecutiveFails = 0
		health.LastHealthy = time.Now()
		return
	}

	health.ConsecutiveFails++
	h.log.Warn().Err(err).Int("worker_id", w.ID).
		Int("attempt", health.ConsecutiveFails).Int("max", h.maxFailures).
		Msg("worker health check failed")

	if health.ConsecutiveFails >= h.maxFailures && health.Status != StatusUnhealthy {
		health.Status = StatusUnhealthy
		h.log.Error().Int("worker_id", w.ID).Msg("worker marked unhealthy")
		if h.onUnhealthy != nil {
			go h.onUnhealthy(w.ID)
		}
	}
}

// defaultHealthCheck GETs addr/health and expects 200 OK. addr may be a full
// URL or host:port.
func (h *HealthMonitor) defaultHealthCheck(addr string) error {
	url := addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		url = fmt.Sprintf("http://%s", addr)
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

// WorkerHealth returns a copy of one worker's record, or nil if it is not
// monitored.
func (h *HealthMonitor) WorkerHealth(workerID int) *WorkerHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, ok := h.workers[workerID]
	if !ok {
		return nil
	}
	c := *health
	return &c
}

// AllWorkerHealth returns copies of every monitored worker's record.
func (h *HealthMonitor) AllWorkerHealth() map[int]*WorkerHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[int]*WorkerHealth, len(h.workers))
	for id, health := range h.workers {
		c := *health
		out[id] = &c
	}
	return out
}

// IsHealthy reports whether the worker passed its most recent check.
func (h *HealthMonitor) IsHealthy(workerID int) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, ok := h.workers[workerID]
	return ok && health.Status == StatusHealthy
}

// Statuses annotates workers with their current health.
func (h *HealthMonitor) Statuses(workers []cluster.WorkerInfo) []cluster.WorkerStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]cluster.WorkerStatus, 0, len(workers))
	for _, w := range workers {
		st := cluster.WorkerStatus{WorkerInfo: w, Status: StatusUnknown}
		if health, ok := h.workers[w.ID]; ok {
			st.Status = health.Status
			st.ConsecutiveFails = health.ConsecutiveFails
			st.LastHealthy = health.LastHealthy
		}
		out = append(out, st)
	}
	return out
}

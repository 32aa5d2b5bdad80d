package resilience

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HealthStatus classifies a component's condition.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "HEALTHY"
	HealthDegraded  HealthStatus = "DEGRADED"
	HealthUnhealthy HealthStatus = "UNHEALTHY"
	HealthUnknown   HealthStatus = "UNKNOWN"
)

// ComponentHealth is one component's latest check result.
type ComponentHealth struct {
	Name      string
	Status    HealthStatus
	Message   string
	LastCheck time.Time
	Latency   time.Duration
}

// HealthCheck probes one component. Checks must be fast; the monitor caps
// each sweep with a timeout and runs checks sequentially on the caller's
// goroutine.
type HealthCheck func(ctx context.Context) ComponentHealth

// HealthMonitor aggregates per-component checks plus process-level memory
// and goroutine watermarks. The engine sweeps it at cycle cadence; there is
// no background loop.
type HealthMonitor struct {
	mu sync.RWMutex

	memoryThreshold    uint64
	goroutineThreshold int
	checkTimeout       time.Duration

	startTime time.Time
	checks    map[string]HealthCheck
	latest    map[string]ComponentHealth
	overall   HealthStatus

	sweeps       int64
	failedChecks int64

	logger zerolog.Logger
}

// HealthConfig holds the process-level watermarks.
type HealthConfig struct {
	MemoryThresholdMB  uint64
	GoroutineThreshold int
	CheckTimeout       time.Duration
}

func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		MemoryThresholdMB:  500,
		GoroutineThreshold: 500,
		CheckTimeout:       5 * time.Second,
	}
}

func NewHealthMonitor(cfg HealthConfig, logger zerolog.Logger) *HealthMonitor {
	return &HealthMonitor{
		memoryThreshold:    cfg.MemoryThresholdMB * 1024 * 1024,
		goroutineThreshold: cfg.GoroutineThreshold,
		checkTimeout:       cfg.CheckTimeout,
		startTime:          time.Now(),
		checks:             make(map[string]HealthCheck),
		latest:             make(map[string]ComponentHealth),
		overall:            HealthUnknown,
		logger:             logger.With().Str("component", "health").Logger(),
	}
}

// Register adds or replaces a component check.
func (m *HealthMonitor) Register(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Healthy builds a passing result; Degraded and Unhealthy the failing ones.
func Healthy(msg string) ComponentHealth {
	return ComponentHealth{Status: HealthHealthy, Message: msg}
}

func Degraded(msg string) ComponentHealth {
	return ComponentHealth{Status: HealthDegraded, Message: msg}
}

func Unhealthy(msg string) ComponentHealth {
	return ComponentHealth{Status: HealthUnhealthy, Message: msg}
}

// Sweep runs every registered check plus the process checks and returns the
// aggregate status. Unhealthy dominates Degraded dominates Healthy.
func (m *HealthMonitor) Sweep(ctx context.Context) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, m.checkTimeout)
	defer cancel()

	m.mu.RLock()
	checks := make(map[string]HealthCheck, len(m.checks))
	for name, c := range m.checks {
		checks[name] = c
	}
	m.mu.RUnlock()

	results := make([]ComponentHealth, 0, len(checks)+2)
	for name, check := range checks {
		start := time.Now()
		h := m.run(ctx, name, check)
		h.Name = name
		h.LastCheck = time.Now()
		h.Latency = time.Since(start)
		results = append(results, h)
	}
	results = append(results, m.checkMemory(), m.checkGoroutines())

	overall := HealthHealthy
	m.mu.Lock()
	m.sweeps++
	for _, h := range results {
		m.latest[h.Name] = h
		switch h.Status {
		case HealthUnhealthy:
			m.failedChecks++
			overall = HealthUnhealthy
		case HealthDegraded:
			m.failedChecks++
			if overall != HealthUnhealthy {
				overall = HealthDegraded
			}
		}
	}
	m.overall = overall
	m.mu.Unlock()

	for _, h := range results {
		if h.Status == HealthDegraded || h.Status == HealthUnhealthy {
			m.logger.Warn().
				Str("check", h.Name).
				Str("status", string(h.Status)).
				Str("message", h.Message).
				Msg("health check failed")
		}
	}
	return overall
}

// run shields the sweep from a panicking check.
func (m *HealthMonitor) run(ctx context.Context, name string, check HealthCheck) (h ComponentHealth) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Str("check", name).Interface("panic", r).Msg("health check panicked")
			h = Unhealthy("check panicked")
		}
	}()
	return check(ctx)
}

func (m *HealthMonitor) checkMemory() ComponentHealth {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	h := Healthy("heap within threshold")
	if ms.HeapAlloc > m.memoryThreshold {
		h = Degraded("heap above threshold")
	}
	h.Name = "memory"
	h.LastCheck = time.Now()
	return h
}

func (m *HealthMonitor) checkGoroutines() ComponentHealth {
	n := runtime.NumGoroutine()
	h := Healthy("goroutine count normal")
	if n > m.goroutineThreshold {
		h = Degraded("goroutine count above threshold")
	}
	h.Name = "goroutines"
	h.LastCheck = time.Now()
	return h
}

// Overall returns the status of the last sweep.
func (m *HealthMonitor) Overall() HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.overall
}

// Snapshot copies the latest per-component results.
func (m *HealthMonitor) Snapshot() map[string]ComponentHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ComponentHealth, len(m.latest))
	for k, v := range m.latest {
		out[k] = v
	}
	return out
}

// Uptime reports time since the monitor was created.
func (m *HealthMonitor) Uptime() time.Duration {
	return time.Since(m.startTime)
}

package health

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/uppnrise/iron-veil/internal/config"
	"github.com/uppnrise/iron-veil/internal/metrics"
	"github.com/uppnrise/iron-veil/internal/state"
)

// Checker probes the upstream database with a lightweight connect-only check
// on a fixed interval. Once consecutive failures reach the unhealthy
// threshold the shared health flag flips off; once consecutive successes
// reach the healthy threshold it flips back. The flag is informational: admission never
// consults it, so connections keep flowing and fail naturally when the
// upstream is down.
type Checker struct {
	upstreamAddr string
	st           *state.State
	metrics      *metrics.Collector

	interval           time.Duration
	unhealthyThreshold int
	healthyThreshold   int
	connectTimeout     time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChecker creates a checker from the health_check config section.
func NewChecker(upstreamAddr string, st *state.State, m *metrics.Collector, cfg config.HealthCheckConfig) *Checker {
	return &Checker{
		upstreamAddr:       upstreamAddr,
		st:                 st,
		metrics:            m,
		interval:           cfg.Interval,
		unhealthyThreshold: cfg.UnhealthyThreshold,
		healthyThreshold:   cfg.HealthyThreshold,
		connectTimeout:     cfg.ConnectionTimeout,
		stopCh:             make(chan struct{}),
	}
}

// Start begins periodic probing.
func (c *Checker) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
	slog.Info("health checker started",
		"upstream", c.upstreamAddr,
		"interval", c.interval,
		"unhealthy_threshold", c.unhealthyThreshold,
		"healthy_threshold", c.healthyThreshold)
}

// Stop halts probing. Safe to call multiple times.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
	slog.Info("health checker stopped")
}

func (c *Checker) run() {
	// Probe immediately on start so the flag is populated before the first tick.
	c.probe()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.probe()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Checker) probe() {
	start := time.Now()
	conn, err := net.DialTimeout("tcp", c.upstreamAddr, c.connectTimeout)
	elapsed := time.Since(start)
	if conn != nil {
		conn.Close()
	}

	if c.metrics != nil {
		c.metrics.ProbeCompleted(elapsed, err == nil)
	}

	h := c.st.UpstreamHealth()
	h.LastCheck = time.Now().UTC()

	if err != nil {
		h.ConsecutiveFailures++
		h.ConsecutiveSuccesses = 0
		h.LastError = err.Error()
		if h.Healthy && h.ConsecutiveFailures >= c.unhealthyThreshold {
			h.Healthy = false
			slog.Warn("upstream marked unhealthy",
				"upstream", c.upstreamAddr,
				"failures", h.ConsecutiveFailures,
				"err", err)
		}
	} else {
		h.ConsecutiveSuccesses++
		h.ConsecutiveFailures = 0
		h.Latency = elapsed
		h.LastError = ""
		if !h.Healthy && h.ConsecutiveSuccesses >= c.healthyThreshold {
			h.Healthy = true
			slog.Info("upstream recovered", "upstream", c.upstreamAddr, "latency", elapsed)
		}
	}

	c.st.SetUpstreamHealth(h)
	if c.metrics != nil {
		c.metrics.SetUpstreamHealthy(h.Healthy)
	}
}

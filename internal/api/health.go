package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/lovelink/mailer/internal/pkg/httputil"
)

// HealthStatus is the body of GET /health.
type HealthStatus struct {
	Status string                    `json:"status"` // "healthy", "degraded", "unhealthy"
	Uptime string                    `json:"uptime"`
	Checks map[string]ComponentCheck `json:"checks"`
}

// ComponentCheck is the result of probing one dependency.
type ComponentCheck struct {
	Status  string `json:"status"` // "up", "down", "degraded"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// Probe pings one dependency.
type Probe func(ctx context.Context) error

// HealthChecker reports the reachability of Postgres and Redis.
type HealthChecker struct {
	probes    map[string]Probe
	timeout   time.Duration
	slow      time.Duration
	startTime time.Time
}

// NewHealthChecker creates a checker over the named probes.
func NewHealthChecker(probes map[string]Probe) *HealthChecker {
	return &HealthChecker{
		probes:    probes,
		timeout:   3 * time.Second,
		slow:      time.Second,
		startTime: time.Now(),
	}
}

// HandleHealth probes every dependency concurrently. It answers 503 when
// any dependency is down so load balancers can route around the instance.
//
//	GET /health
func (hc *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	checks := hc.runAll(r.Context())

	overall := "healthy"
	for _, c := range checks {
		if c.Status == "down" {
			overall = "unhealthy"
			break
		}
		if c.Status == "degraded" {
			overall = "degraded"
		}
	}

	code := http.StatusOK
	if overall == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	httputil.JSON(w, code, HealthStatus{
		Status: overall,
		Uptime: time.Since(hc.startTime).Truncate(time.Second).String(),
		Checks: checks,
	})
}

func (hc *HealthChecker) runAll(ctx context.Context) map[string]ComponentCheck {
	type result struct {
		name  string
		check ComponentCheck
	}
	ch := make(chan result, len(hc.probes))
	for name, probe := range hc.probes {
		go func(name string, probe Probe) {
			ch <- result{name, hc.run(ctx, probe)}
		}(name, probe)
	}

	checks := make(map[string]ComponentCheck, len(hc.probes))
	for range hc.probes {
		r := <-ch
		checks[r.name] = r.check
	}
	return checks
}

func (hc *HealthChecker) run(ctx context.Context, probe Probe) ComponentCheck {
	pingCtx, cancel := context.WithTimeout(ctx, hc.timeout)
	defer cancel()

	start := time.Now()
	err := probe(pingCtx)
	latency := time.Since(start)

	if err != nil {
		return ComponentCheck{Status: "down", Latency: latency.String(), Message: fmt.Sprintf("ping failed: %v", err)}
	}
	if latency > hc.slow {
		return ComponentCheck{Status: "degraded", Latency: latency.String(), Message: fmt.Sprintf("slow response (%s)", latency)}
	}
	return ComponentCheck{Status: "up", Latency: latency.String(), Message: "connected"}
}

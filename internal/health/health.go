// Package health checks the dependencies the payment API needs to serve
// traffic.
package health

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Checker is anything that can report its own health.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

// HealthCheck implements Checker.
func (f CheckerFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// DBChecker pings a SQL database.
type DBChecker struct {
	db *sql.DB
}

// NewDBChecker creates a new database health checker.
func NewDBChecker(db *sql.DB) *DBChecker {
	return &DBChecker{db: db}
}

// HealthCheck implements Checker.
func (d *DBChecker) HealthCheck(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// RedisChecker sends PING to Redis.
type RedisChecker struct {
	client redis.Cmdable
}

// NewRedisChecker creates a new Redis health checker.
func NewRedisChecker(client redis.Cmdable) *RedisChecker {
	return &RedisChecker{client: client}
}

// HealthCheck implements Checker.
func (r *RedisChecker) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Component is one named dependency. A failing critical component makes the
// service unready; a failing optional one only degrades it.
type Component struct {
	Name     string
	Checker  Checker
	Critical bool
}

// Check results.
const (
	StatusOK       = "ok"
	StatusError    = "error"
	StatusDegraded = "degraded"
)

// Report is the outcome of running every component check.
type Report struct {
	Ready  bool
	Checks map[string]string
}

// Run checks all components concurrently, each bounded by timeout.
func Run(ctx context.Context, components []Component, timeout time.Duration) Report {
	report := Report{Ready: true, Checks: make(map[string]string, len(components))}
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, c := range components {
		wg.Add(1)
		go func(c Component) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			err := c.Checker.HealthCheck(cctx)
			status := StatusOK
			if err != nil {
				status = StatusDegraded
				if c.Critical {
					status = StatusError
				}
				slog.WarnContext(ctx, "health check failed", "component", c.Name, "critical", c.Critical, "error", err)
			}

			mu.Lock()
			defer mu.Unlock()
			report.Checks[c.Name] = status
			if err != nil && c.Critical {
				report.Ready = false
			}
		}(c)
	}
	wg.Wait()
	return report
}

package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/metocean/bob-the-builder/internal/task"
)

const (
	defaultInterval = 15 * time.Second
	queryTimeout    = 10 * time.Second
)

var (
	tasksActiveGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bob_tasks_active",
		Help: "Number of tasks in a non-terminal state.",
	}, []string{"state"})
	oldestActiveGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bob_task_oldest_active_age_seconds",
		Help: "Age of the oldest task still in a non-terminal state.",
	})
	poolInUseGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bob_db_pool_connections_in_use",
		Help: "Number of acquired database connections.",
	})
	poolWaitGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bob_db_pool_empty_acquire_total",
		Help: "Cumulative acquires that waited for a free connection.",
	})
)

// ActiveScanner lists tasks that are not in a terminal state.
type ActiveScanner interface {
	ScanActive(ctx context.Context) ([]*task.Task, error)
}

// StartCollector refreshes the gauges every interval until ctx ends. pool
// may be nil when no postgres backend is in use.
func StartCollector(ctx context.Context, scanner ActiveScanner, pool *pgxpool.Pool, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = defaultInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := collectTaskMetrics(ctx, scanner, time.Now()); err != nil {
				logWarn(logger, "Task metrics collection failed", err)
			}
			if pool != nil {
				collectPoolMetrics(pool)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func collectTaskMetrics(ctx context.Context, scanner ActiveScanner, now time.Time) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tasks, err := scanner.ScanActive(queryCtx)
	if err != nil {
		return err
	}

	counts := make(map[task.State]int, len(task.ActiveStates))
	var oldest time.Time
	for _, t := range tasks {
		counts[t.State]++
		if oldest.IsZero() || t.CreatedAt.Before(oldest) {
			oldest = t.CreatedAt
		}
	}
	for _, state := range task.ActiveStates {
		tasksActiveGauge.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
	if oldest.IsZero() {
		oldestActiveGauge.Set(0)
	} else {
		oldestActiveGauge.Set(now.Sub(oldest).Seconds())
	}
	return nil
}

func collectPoolMetrics(pool *pgxpool.Pool) {
	stat := pool.Stat()
	poolInUseGauge.Set(float64(stat.AcquiredConns()))
	poolWaitGauge.Set(float64(stat.EmptyAcquireCount()))
}

func logWarn(logger *slog.Logger, message string, err error) {
	if logger == nil || err == nil {
		return
	}
	logger.Warn(message, "error", err)
}

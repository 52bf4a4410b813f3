package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/emergent-company/tabgraph/pkg/logger"
)

// WorkerConfig contains configuration for a background worker
type WorkerConfig struct {
	// Name is a descriptive name for the worker (for logging)
	Name string
	// PollInterval is how often to poll for new work (default: 5s)
	PollInterval time.Duration
	// StaleThresholdMinutes is how long an item can stay 'processing' before
	// it is recovered on start (default: 10)
	StaleThresholdMinutes int
	// RecoverStaleOnStart recovers stale items before the first poll
	RecoverStaleOnStart bool
}

// DefaultWorkerConfig returns a WorkerConfig with sensible defaults
func DefaultWorkerConfig(name string) WorkerConfig {
	return WorkerConfig{
		Name:                  name,
		PollInterval:          5 * time.Second,
		StaleThresholdMinutes: 10,
		RecoverStaleOnStart:   true,
	}
}

// ProcessFunc handles one batch and reports how many items succeeded and failed.
type ProcessFunc func(ctx context.Context) (succeeded, failed int, err error)

// RecoverFunc returns stale items to pending.
type RecoverFunc func(ctx context.Context, thresholdMinutes int) (int, error)

// Worker polls on an interval and runs one batch per tick.
// Stop waits for the in-flight batch.
type Worker struct {
	config       WorkerConfig
	log          *slog.Logger
	process      ProcessFunc
	recoverStale RecoverFunc

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	stopped chan struct{}

	metricsMu sync.RWMutex
	metrics   WorkerMetrics
}

// NewWorker creates a new background worker. recoverStale may be nil.
func NewWorker(config WorkerConfig, log *slog.Logger, process ProcessFunc, recoverStale RecoverFunc) *Worker {
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}
	if config.StaleThresholdMinutes <= 0 {
		config.StaleThresholdMinutes = 10
	}

	return &Worker{
		config:       config,
		log:          log.With(slog.String("worker", config.Name)),
		process:      process,
		recoverStale: recoverStale,
	}
}

// Start begins the polling loop. The loop outlives ctx, which is only used
// for stale recovery.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	if w.config.RecoverStaleOnStart && w.recoverStale != nil {
		if _, err := w.recoverStale(ctx, w.config.StaleThresholdMinutes); err != nil {
			w.log.Warn("stale recovery failed", logger.Error(err))
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	w.running = true
	w.cancel = cancel
	w.stopped = make(chan struct{})

	w.log.Info("worker starting", slog.Duration("poll_interval", w.config.PollInterval))
	go w.run(runCtx, w.stopped)
	return nil
}

// Stop cancels the loop and waits for the current batch or ctx.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.cancel()
	stopped := w.stopped
	w.mu.Unlock()

	select {
	case <-stopped:
		w.log.Info("worker stopped gracefully")
	case <-ctx.Done():
		w.log.Warn("worker stop timeout, forcing shutdown")
	}
	return nil
}

func (w *Worker) run(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	ok, failed, err := w.process(ctx)

	w.metricsMu.Lock()
	w.metrics.Batches++
	w.metrics.Succeeded += int64(ok)
	w.metrics.Failed += int64(failed)
	w.metrics.Processed += int64(ok + failed)
	w.metricsMu.Unlock()

	if err != nil && ctx.Err() == nil {
		w.log.Warn("process batch failed", logger.Error(err))
	}
}

// Metrics returns current worker metrics
func (w *Worker) Metrics() WorkerMetrics {
	w.metricsMu.RLock()
	defer w.metricsMu.RUnlock()
	return w.metrics
}

// IsRunning returns whether the worker is currently running
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// WorkerMetrics contains worker metrics
type WorkerMetrics struct {
	Batches   int64 `json:"batches"`
	Processed int64 `json:"processed"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

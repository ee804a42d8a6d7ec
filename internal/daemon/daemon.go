// Package daemon runs the local rotation signal listener. Applications post
// rotation triggers which are queued and executed asynchronously; callers
// never wait on connector latency.
package daemon

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/birchsec/birch/internal/config"
	"github.com/birchsec/birch/internal/guard"
	"github.com/birchsec/birch/internal/health"
	"github.com/birchsec/birch/internal/logging"
	"github.com/birchsec/birch/internal/pool"
	"github.com/birchsec/birch/internal/rotation"
)

// signalActor marks daemon-triggered rotations on the audit chain.
const signalActor = "app-signal"

// Daemon accepts rotation signals over local HTTP and drains them through
// the orchestrator on a single worker.
type Daemon struct {
	cfg      *config.Config
	logger   *logging.Logger
	orch     *rotation.Orchestrator
	cooldown *guard.Cooldown
	metrics  *health.RotationMetrics

	queue chan rotation.Request

	mu      sync.Mutex
	pending map[string]pool.Identity

	wg sync.WaitGroup
}

func New(cfg *config.Config, logger *logging.Logger, orch *rotation.Orchestrator, cooldown *guard.Cooldown, metrics *health.RotationMetrics) *Daemon {
	return &Daemon{
		cfg:      cfg,
		logger:   logger,
		orch:     orch,
		cooldown: cooldown,
		metrics:  metrics,
		queue:    make(chan rotation.Request, cfg.DaemonQueueSize()),
		pending:  make(map[string]pool.Identity),
	}
}

// enqueue admits a request unless its identity is already queued or running,
// or the queue is full. Duplicates are acknowledged, not re-queued.
func (d *Daemon) enqueue(req rotation.Request) (accepted, duplicate bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := req.Identity.Key()
	if _, ok := d.pending[key]; ok {
		return true, true
	}

	select {
	case d.queue <- req:
		d.pending[key] = req.Identity
		d.metrics.SetQueueDepth(len(d.queue))
		return true, false
	default:
		return false, false
	}
}

func (d *Daemon) finish(req rotation.Request) {
	d.mu.Lock()
	delete(d.pending, req.Identity.Key())
	d.metrics.SetQueueDepth(len(d.queue))
	d.mu.Unlock()
}

// worker drains the queue. A dequeued rotation runs to a terminal state and
// is never cancelled mid-flight; shutdown waits for the in-flight one.
func (d *Daemon) worker(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-d.queue:
			d.runOne(ctx, req)
		}
	}
}

func (d *Daemon) runOne(ctx context.Context, req rotation.Request) {
	defer d.finish(req)

	// the request context is detached from the shutdown context so an
	// in-flight rotation always reaches a terminal state
	runCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if _, err := d.orch.Rotate(runCtx, req); err != nil {
		d.logger.Warn("Queued rotation of %s failed: %v", req.Identity, err)
		return
	}
	d.logger.Info("Queued rotation of %s committed", req.Identity)
}

// Run serves until the context is cancelled, then drains gracefully. The
// daemon runs in the foreground; process supervision is the host's job.
func (d *Daemon) Run(ctx context.Context) error {
	workerCtx, stopWorker := context.WithCancel(context.Background())
	d.wg.Add(1)
	go d.worker(workerCtx)

	server := &http.Server{
		Addr:              d.cfg.DaemonBind(),
		Handler:           d.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	d.logger.Info("Daemon listening on %s", d.cfg.DaemonBind())

	var serveErr error
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		serveErr = server.Shutdown(shutdownCtx)
		cancel()
	case err := <-errCh:
		if err != http.ErrServerClosed {
			serveErr = err
		}
	}

	stopWorker()
	d.wg.Wait()
	return serveErr
}

// queuedIdentities reports what is queued or running, for the status surface.
func (d *Daemon) queuedIdentities() []pool.Identity {
	d.mu.Lock()
	defer d.mu.Unlock()

	ids := make([]pool.Identity, 0, len(d.pending))
	for _, id := range d.pending {
		ids = append(ids, id)
	}
	return ids
}

package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"fieldsync/internal/config"
	"fieldsync/internal/logging"
	"fieldsync/internal/outbox"
)

// Daemon coordinates the sync loop and enforces single-instance execution.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	manager *outbox.Manager
	store   outbox.Store
	api     *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	LockFilePath string
	Queue        outbox.Health
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, store outbox.Store, manager *outbox.Manager, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || store == nil || manager == nil {
		return nil, errors.New("daemon requires config, store, and manager")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	lockPath := filepath.Join(cfg.Paths.DataDir, "fieldsyncd.lock")
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		manager:  manager,
		store:    store,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}

	api, err := newAPIServer(cfg, d, logger)
	if err != nil {
		return nil, err
	}
	d.api = api
	return d, nil
}

// Start acquires the daemon lock and launches the sync loop, the auth
// watcher, and the API server.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another fieldsync daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if d.api != nil {
		if err := d.api.start(runCtx); err != nil {
			_ = d.lock.Unlock()
			cancel()
			d.cancel = nil
			return err
		}
	}

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.runLoop(runCtx)
	}()
	go func() {
		defer d.wg.Done()
		d.manager.WatchAuth(runCtx)
	}()

	d.running.Store(true)
	d.logger.Info("fieldsync daemon started", logging.String("lock", d.lockPath))
	return nil
}

// runLoop drives Process on the poll interval. A pass that parked or failed
// items re-polls on the longer error retry interval so a struggling backend
// is not hammered.
func (d *Daemon) runLoop(ctx context.Context) {
	poll := time.Duration(d.cfg.Sync.PollInterval) * time.Second
	if poll <= 0 {
		poll = 15 * time.Second
	}
	errorRetry := time.Duration(d.cfg.Sync.ErrorRetryInterval) * time.Second
	if errorRetry <= 0 {
		errorRetry = poll
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		res := d.manager.Process(ctx)
		if res.Processed > 0 || res.Failed > 0 || res.Errored > 0 {
			d.logger.Info("sync pass complete",
				logging.Int("processed", res.Processed),
				logging.Int("failed", res.Failed),
				logging.Int("errored", res.Errored),
			)
		}

		next := poll
		if res.Failed > 0 || res.Errored > 0 {
			next = errorRetry
		}
		timer.Reset(next)
	}
}

// Stop halts background processing and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.wg.Wait()
	if d.api != nil {
		d.api.stop()
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("fieldsync daemon stopped")
}

// Close stops the daemon and releases the store.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// Manager exposes the queue manager for the API server and tests.
func (d *Daemon) Manager() *outbox.Manager {
	return d.manager
}

// APIAddr returns the bound API address, or empty when the server is
// disabled or not started.
func (d *Daemon) APIAddr() string {
	if d.api == nil {
		return ""
	}
	return d.api.addr()
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) (Status, error) {
	health, err := d.manager.GetHealth(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Running:      d.running.Load(),
		LockFilePath: d.lockPath,
		Queue:        health,
	}, nil
}

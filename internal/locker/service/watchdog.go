package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lockerhub/lockerd/internal/locker/store"
	"github.com/lockerhub/lockerd/internal/locker/types"
)

// CommandWatchdog periodically flags lockers whose lock command has gone
// unacknowledged by the hardware for longer than the configured window.  It
// only observes and logs — there is no defined reconciliation for a command
// the hardware never confirms, so nothing is retried or rolled back here.
//
// A window of 0 disables the watchdog entirely.
type CommandWatchdog struct {
	store    store.Store
	window   time.Duration
	interval time.Duration
	log      *zap.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// WatchdogConfig holds the parameters for NewCommandWatchdog.
type WatchdogConfig struct {
	// WindowSeconds is how long a command may stay unacknowledged before
	// it is flagged.  0 disables the watchdog.
	WindowSeconds int

	// IntervalSeconds is how often the scan runs.  Defaults to 60.
	IntervalSeconds int
}

// NewCommandWatchdog creates a watchdog but does not start it.  Call Start
// to begin the background loop.
func NewCommandWatchdog(st store.Store, cfg WatchdogConfig, log *zap.Logger) *CommandWatchdog {
	interval := time.Duration(cfg.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	return &CommandWatchdog{
		store:    st,
		window:   time.Duration(cfg.WindowSeconds) * time.Second,
		interval: interval,
		log:      log,
		done:     make(chan struct{}),
	}
}

// Start begins the background scan loop.  The loop exits when ctx is
// cancelled or Stop is called.
func (w *CommandWatchdog) Start(ctx context.Context) {
	if w.window <= 0 {
		w.log.Info("command watchdog disabled (window=0)")
		close(w.done)
		return
	}

	ctx, w.cancel = context.WithCancel(ctx)
	go w.loop(ctx)

	w.log.Info("command watchdog started",
		zap.Duration("window", w.window), zap.Duration("interval", w.interval))
}

// Stop signals the watchdog to exit and waits for it to finish.
func (w *CommandWatchdog) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
}

func (w *CommandWatchdog) loop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Scan(ctx)
		}
	}
}

// Scan runs one pass over all lockers and logs every stale command.
// Exported so tests and ops tooling can trigger a pass directly.
func (w *CommandWatchdog) Scan(ctx context.Context) {
	lockers, err := w.store.Lockers(ctx)
	if err != nil {
		w.log.Warn("watchdog scan failed", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	for _, l := range lockers {
		if !w.stale(l, now) {
			continue
		}
		w.log.Warn("lock command unacknowledged",
			zap.String("locker_id", l.ID),
			zap.String("lock_command", string(l.LockCommand)),
			zap.String("current_state", string(l.CurrentState)),
			zap.Time("command_issued", l.LastAccess),
			zap.Time("last_state_report", l.LastStateReport))
	}
}

func (w *CommandWatchdog) stale(l types.Locker, now time.Time) bool {
	var expected types.LockState
	switch l.LockCommand {
	case types.CommandLock:
		expected = types.StateLocked
	case types.CommandUnlock:
		expected = types.StateUnlocked
	default:
		return false
	}
	if l.CurrentState == expected {
		return false
	}
	// LastAccess is stamped whenever a command is written.
	if l.LastAccess.IsZero() {
		return false
	}
	return now.Sub(l.LastAccess) > w.window
}

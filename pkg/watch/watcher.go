// Package watch polls a workflow run's log text on a fixed interval and feeds it to a tracker.
package watch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-pkgz/lgr"
)

// default polling settings.
const (
	DefaultInterval     = 5 * time.Second
	DefaultFetchTimeout = 30 * time.Second
)

// LogSource fetches the full raw log text of a run.
type LogSource interface {
	Logs(ctx context.Context, runID int64) (string, error)
}

// Target consumes log text. Apply reparses the whole text and reports whether anything changed;
// Finished reports whether polling can stop.
type Target interface {
	Apply(logText string) bool
	Finished() bool
}

// Config holds configuration for the Watcher.
type Config struct {
	Interval     time.Duration // time between polls (default: 5s)
	MaxDuration  time.Duration // stop polling after this long, 0 means no limit
	FetchTimeout time.Duration // timeout for a single log fetch (default: 30s)
}

// Watcher polls a run's logs and applies them to a target.
// each tick does one fetch; on success the target reparses the full text. failed fetches are
// skipped for that tick. ticks never overlap since a single goroutine runs them.
type Watcher struct {
	mu      sync.Mutex
	runID   int64
	src     LogSource
	target  Target
	config  Config
	log     lgr.L
	started bool
	stopped atomic.Bool // guards against double-stop panic
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a watcher for the given run. the watcher starts in stopped state; call Start to begin polling.
func New(runID int64, src LogSource, target Target, config Config, log lgr.L) *Watcher {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = DefaultFetchTimeout
	}
	if log == nil {
		log = lgr.NoOp
	}
	return &Watcher{
		runID:  runID,
		src:    src,
		target: target,
		config: config,
		log:    log,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the poll loop. the first poll happens one interval after Start.
// a stopped watcher doesn't start, its Done channel is already closed.
// note: Watcher is not reusable after it stopped - create a new instance instead.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started || w.stopped.Load() {
		return nil
	}
	w.started = true
	go w.loop(ctx)
	return nil
}

// Stop stops the watcher, blocking until the poll loop has fully stopped.
// safe to call multiple times concurrently, and before Start.
func (w *Watcher) Stop() {
	if w.stopped.Swap(true) {
		<-w.doneCh
		return
	}

	w.mu.Lock()
	close(w.stopCh)
	if !w.started {
		// the loop will never run, nothing else closes doneCh
		close(w.doneCh)
	}
	w.mu.Unlock()

	<-w.doneCh
}

// Done returns a channel closed when the poll loop exits, or when the watcher was stopped before Start.
func (w *Watcher) Done() <-chan struct{} {
	return w.doneCh
}

// loop is the main loop that polls for new log text.
func (w *Watcher) loop(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if w.config.MaxDuration > 0 {
		timer := time.NewTimer(w.config.MaxDuration)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			w.log.Logf("[DEBUG] run %d: polling canceled", w.runID)
			return
		case <-w.stopCh:
			return
		case <-deadline:
			w.log.Logf("[WARN] run %d: stopped polling after %s", w.runID, w.config.MaxDuration)
			return
		case <-ticker.C:
			if w.poll(ctx) {
				w.log.Logf("[INFO] run %d: deployment finished", w.runID)
				return
			}
		}
	}
}

// poll performs one fetch-and-reparse cycle and reports whether the target is finished.
func (w *Watcher) poll(ctx context.Context) bool {
	fetchCtx, cancel := context.WithTimeout(ctx, w.config.FetchTimeout)
	defer cancel()

	text, err := w.src.Logs(fetchCtx, w.runID)
	if err != nil {
		// logs are not available until the run starts producing output, skip this tick
		w.log.Logf("[DEBUG] run %d: logs unavailable: %v", w.runID, err)
		return false
	}

	if w.target.Apply(text) {
		w.log.Logf("[DEBUG] run %d: steps updated", w.runID)
	}
	return w.target.Finished()
}

// Package poll runs a probe on a fixed interval until it succeeds, the attempt
// budget is spent, or the caller stops it.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brojonat/solverify/service/metrics"
)

// Probe is one attempt. It returns true when the awaited condition holds.
// An error counts as a used attempt.
type Probe func(ctx context.Context) (bool, error)

// Config describes one polling run.
type Config struct {
	Interval    time.Duration
	MaxAttempts int
	Probe       Probe

	// OnSuccess runs once, on the driver goroutine, after a probe returns true.
	OnSuccess func()
	// OnExhausted runs once after MaxAttempts probes without success.
	OnExhausted func()
	// OnAttempt, if set, runs after every unsuccessful probe.
	OnAttempt func(attempt int, err error)

	// Site labels metrics, e.g. "session" or "unlock".
	Site    string
	Clock   Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// State is a snapshot of a running driver.
type State struct {
	AttemptsUsed int           `json:"attempts_used"`
	AttemptsMax  int           `json:"attempts_max"`
	Interval     time.Duration `json:"interval"`
	Running      bool          `json:"running"`
}

// Driver is a handle to one polling run. The first probe happens one
// interval after Start.
type Driver struct {
	cfg      Config
	attempts atomic.Int64
	cancel   context.CancelFunc
	done     chan struct{}

	mu      sync.Mutex
	running bool
}

var errInvalidConfig = errors.New("invalid poll config")

// Start validates cfg and begins polling. The ticker is created before Start
// returns, so a fake clock can be advanced immediately.
func Start(ctx context.Context, cfg Config) (*Driver, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("%w: interval must be positive", errInvalidConfig)
	}
	if cfg.MaxAttempts <= 0 {
		return nil, fmt.Errorf("%w: max attempts must be positive", errInvalidConfig)
	}
	if cfg.Probe == nil {
		return nil, fmt.Errorf("%w: probe is required", errInvalidConfig)
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Site == "" {
		cfg.Site = "default"
	}

	runCtx, cancel := context.WithCancel(ctx)
	d := &Driver{
		cfg:     cfg,
		cancel:  cancel,
		done:    make(chan struct{}),
		running: true,
	}

	ticker := cfg.Clock.NewTicker(cfg.Interval)
	go d.run(runCtx, ticker)
	return d, nil
}

// Stop cancels the run. It is safe to call more than once and from inside a
// callback; it does not wait for the goroutine to exit (see Done).
func (d *Driver) Stop() {
	d.cancel()
}

// Done is closed when the driver goroutine has exited.
func (d *Driver) Done() <-chan struct{} {
	return d.done
}

// State returns the current attempt counters.
func (d *Driver) State() State {
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()

	return State{
		AttemptsUsed: int(d.attempts.Load()),
		AttemptsMax:  d.cfg.MaxAttempts,
		Interval:     d.cfg.Interval,
		Running:      running,
	}
}

func (d *Driver) run(ctx context.Context, ticker Ticker) {
	defer close(d.done)
	defer ticker.Stop()
	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	log := d.cfg.Logger.With("site", d.cfg.Site)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}
		if ctx.Err() != nil {
			return
		}

		attempt := int(d.attempts.Add(1))
		ok, err := d.probe(ctx)
		if ctx.Err() != nil {
			// Stopped while probing: the result belongs to nobody.
			return
		}

		switch {
		case ok:
			d.record("success")
			log.DebugContext(ctx, "poll succeeded", "attempt", attempt)
			if d.cfg.OnSuccess != nil {
				d.cfg.OnSuccess()
			}
			return
		case err != nil:
			d.record("error")
			log.WarnContext(ctx, "poll attempt failed", "attempt", attempt, "max_attempts", d.cfg.MaxAttempts, "error", err)
		default:
			d.record("miss")
			log.DebugContext(ctx, "poll attempt missed", "attempt", attempt, "max_attempts", d.cfg.MaxAttempts)
		}

		if d.cfg.OnAttempt != nil {
			d.cfg.OnAttempt(attempt, err)
		}

		if attempt >= d.cfg.MaxAttempts {
			d.record("exhausted")
			log.InfoContext(ctx, "poll attempts exhausted", "attempts", attempt)
			if d.cfg.OnExhausted != nil {
				d.cfg.OnExhausted()
			}
			return
		}
	}
}

// probe runs the user probe, turning a panic into an error.
func (d *Driver) probe(ctx context.Context) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("probe panicked: %v", r)
		}
	}()
	return d.cfg.Probe(ctx)
}

func (d *Driver) record(outcome string) {
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.RecordPollAttempt(d.cfg.Site, outcome)
	}
}

// Package session drives one payment verification from the first ledger scan
// to a recorded purchase, with a visible countdown and automatic rechecks
// while the payment is still missing.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/brojonat/solverify/service/ledger"
	"github.com/brojonat/solverify/service/metrics"
	"github.com/brojonat/solverify/service/payment"
	"github.com/brojonat/solverify/service/poll"
)

// State of a verification session.
type State string

const (
	StateIdle      State = "idle"
	StateChecking  State = "checking"
	StateWaiting   State = "waiting"
	StateSuccess   State = "success"
	StateAbandoned State = "abandoned"
)

var (
	// ErrNoParams is returned when there is nothing to resume or recheck.
	ErrNoParams = errors.New("no verification in progress")
	// ErrCheckInProgress is returned when a manual check is already running.
	ErrCheckInProgress = errors.New("verification check already in progress")
	// ErrAlreadyVerified is returned when the session already succeeded.
	ErrAlreadyVerified = errors.New("payment already verified")
)

// Scanner finds the transfer on the ledger.
type Scanner interface {
	Scan(ctx context.Context, params payment.VerificationParams) payment.Result
}

// Ledger records verified purchases.
type Ledger interface {
	Append(ctx context.Context, amount decimal.Decimal, address string, txID *string) (*ledger.SignedRecord, error)
	FindByTransaction(ctx context.Context, txID string) (*ledger.SignedRecord, error)
}

// ParamsStore persists the parameters of an unfinished verification.
type ParamsStore interface {
	Load(ctx context.Context) (payment.VerificationParams, bool, error)
	Save(ctx context.Context, params payment.VerificationParams) error
	Clear(ctx context.Context) error
}

// Publisher is notified of every recorded purchase.
type Publisher interface {
	PublishPurchase(ctx context.Context, record ledger.SignedRecord) error
}

// Config holds the session timings.
type Config struct {
	// Countdown is the visible wait shown after a failed check.
	Countdown time.Duration
	// PollInterval and PollMaxAttempts control automatic rechecks while
	// waiting. A zero interval disables them.
	PollInterval    time.Duration
	PollMaxAttempts int
	Clock           poll.Clock
}

// DefaultConfig returns the standard timings: a five minute countdown and an
// automatic recheck every 10s, 30 times.
func DefaultConfig() Config {
	return Config{
		Countdown:       300 * time.Second,
		PollInterval:    10 * time.Second,
		PollMaxAttempts: 30,
		Clock:           poll.SystemClock,
	}
}

const countdownStep = time.Second

// Snapshot is a point-in-time view of the session.
type Snapshot struct {
	State      State                       `json:"state"`
	Params     *payment.VerificationParams `json:"params,omitempty"`
	Remaining  int                         `json:"remaining_seconds"`
	Poll       *poll.State                 `json:"poll,omitempty"`
	LastResult *payment.Result             `json:"last_result,omitempty"`
	Record     *ledger.SignedRecord        `json:"record,omitempty"`
}

// Session is a single verification state machine. All methods are safe for
// concurrent use. Only one matched result is ever appended per session.
type Session struct {
	scanner   Scanner
	ledger    Ledger
	params    ParamsStore
	presenter Presenter
	publisher Publisher
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu      sync.Mutex
	state   State
	current *payment.VerificationParams
	// gen changes whenever timers are torn down; results and ticks carrying
	// an older generation are discarded.
	gen             uint64
	manualChecking  bool
	remaining       time.Duration
	countdownCancel context.CancelFunc
	driver          *poll.Driver
	lastResult      *payment.Result
	record          *ledger.SignedRecord
}

// Option configures optional collaborators.
type Option func(*Session)

// WithPublisher publishes every recorded purchase.
func WithPublisher(p Publisher) Option {
	return func(s *Session) { s.publisher = p }
}

// WithMetrics records session metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// New creates an idle session.
func New(scanner Scanner, l Ledger, params ParamsStore, presenter Presenter, cfg Config, logger *slog.Logger, opts ...Option) *Session {
	if presenter == nil {
		presenter = NopPresenter{}
	}
	if cfg.Clock == nil {
		cfg.Clock = poll.SystemClock
	}
	s := &Session{
		scanner:   scanner,
		ledger:    l,
		params:    params,
		presenter: presenter,
		cfg:       cfg,
		logger:    logger,
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins a new verification for params, superseding any previous one,
// and performs the first check before returning.
func (s *Session) Start(ctx context.Context, params payment.VerificationParams) (payment.Result, error) {
	if err := params.Validate(); err != nil {
		return payment.Result{}, err
	}

	s.mu.Lock()
	s.stopTimersLocked()
	s.gen++
	p := params
	s.current = &p
	s.record = nil
	s.lastResult = nil
	s.manualChecking = true
	s.setStateLocked(StateChecking)
	gen := s.gen
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "verification started",
		"sender", params.SenderAddress,
		"receiver", params.ReceiverAddress,
		"amount", params.Amount.String(),
	)

	return s.check(ctx, gen, params), nil
}

// Recheck runs a manual check now. It works at any time while a verification
// is pending, whether or not the countdown has finished. With no live
// session it resumes from the persisted parameters.
func (s *Session) Recheck(ctx context.Context) (payment.Result, error) {
	s.mu.Lock()
	switch {
	case s.state == StateSuccess:
		s.mu.Unlock()
		return payment.Result{}, ErrAlreadyVerified
	case s.manualChecking:
		s.mu.Unlock()
		return payment.Result{}, ErrCheckInProgress
	}

	if s.state != StateWaiting {
		params, err := s.loadParamsLocked(ctx)
		if err != nil {
			s.mu.Unlock()
			return payment.Result{}, err
		}
		s.stopTimersLocked()
		s.gen++
		s.current = &params
		s.lastResult = nil
	}

	params := *s.current
	s.manualChecking = true
	s.setStateLocked(StateChecking)
	gen := s.gen
	s.mu.Unlock()

	return s.check(ctx, gen, params), nil
}

// Resume recreates the waiting state and its timers from the persisted
// parameters. It does nothing if a verification is already live.
func (s *Session) Resume(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateSuccess:
		s.mu.Unlock()
		return ErrAlreadyVerified
	case StateWaiting, StateChecking:
		s.mu.Unlock()
		return nil
	}

	params, err := s.loadParamsLocked(ctx)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	s.stopTimersLocked()
	s.gen++
	s.current = &params
	s.record = nil
	s.lastResult = nil
	s.setStateLocked(StateWaiting)
	s.startWaitLocked(ctx, s.gen, params)
	remaining := s.remaining
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "verification resumed", "sender", params.SenderAddress)
	s.presenter.OnWaiting(remaining)
	return nil
}

// Cancel stops every timer and abandons the session. Persisted parameters
// are kept so the verification can be resumed later.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopTimersLocked()
	s.gen++
	s.manualChecking = false
	if s.state == StateChecking || s.state == StateWaiting {
		s.setStateLocked(StateAbandoned)
	}
}

// Clear cancels the session and forgets the persisted parameters.
func (s *Session) Clear(ctx context.Context) error {
	s.Cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.params.Clear(ctx); err != nil {
		return err
	}
	s.current = nil
	s.lastResult = nil
	s.setStateLocked(StateIdle)
	return nil
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns the current state with its details.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		State:      s.state,
		Remaining:  int(s.remaining / time.Second),
		LastResult: s.lastResult,
		Record:     s.record,
	}
	if s.current != nil {
		p := *s.current
		snap.Params = &p
	}
	if s.driver != nil {
		ps := s.driver.State()
		snap.Poll = &ps
	}
	return snap
}

// check scans once for a manual trigger and settles the result.
func (s *Session) check(ctx context.Context, gen uint64, params payment.VerificationParams) payment.Result {
	s.presenter.OnChecking()
	result := s.scanner.Scan(ctx, params)
	s.settle(ctx, gen, params, result, true)
	return result
}

// settle applies a scan result. It reports whether polling can stop.
func (s *Session) settle(ctx context.Context, gen uint64, params payment.VerificationParams, result payment.Result, manual bool) (bool, error) {
	s.mu.Lock()
	if manual && gen == s.gen {
		s.manualChecking = false
	}
	if gen != s.gen || s.state == StateSuccess {
		s.mu.Unlock()
		s.logger.DebugContext(ctx, "discarding stale verification result", "kind", result.Kind)
		return true, nil
	}
	r := result
	s.lastResult = &r

	if result.IsMatched() {
		return s.completeLocked(ctx, params, result, manual)
	}

	if err := s.params.Save(ctx, params); err != nil {
		s.logger.ErrorContext(ctx, "failed to persist verification params", "error", err)
	}

	entering := s.state != StateWaiting
	switch {
	case s.countdownCancel == nil && s.driver == nil:
		s.startWaitLocked(ctx, gen, params)
	case manual && s.remaining > 0:
		s.restartCountdownLocked(ctx, gen)
	}
	if s.state == StateChecking && !s.manualChecking {
		s.setStateLocked(StateWaiting)
	}
	remaining := s.remaining
	s.mu.Unlock()

	if manual {
		s.presenter.OnFailure(result.Message(params))
	}
	if entering {
		s.presenter.OnWaiting(remaining)
	}
	return false, nil
}

// completeLocked records the match. It is entered with s.mu held and
// releases it before calling the presenter.
func (s *Session) completeLocked(ctx context.Context, params payment.VerificationParams, result payment.Result, manual bool) (bool, error) {
	// ctx may belong to the poll driver, which stopTimersLocked cancels.
	ctx = context.WithoutCancel(ctx)
	txID := result.TransactionID
	record, err := s.ledger.Append(ctx, params.Amount, params.SenderAddress, &txID)
	if errors.Is(err, ledger.ErrDuplicateTransaction) {
		// Credited earlier, possibly by another session resuming the same
		// parameters. Report that record instead of crediting twice.
		record, err = s.ledger.FindByTransaction(ctx, txID)
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to record verified purchase", "transaction_id", txID, "error", err)
		if err := s.params.Save(ctx, params); err != nil {
			s.logger.ErrorContext(ctx, "failed to persist verification params", "error", err)
		}
		if s.countdownCancel == nil && s.driver == nil {
			s.startWaitLocked(ctx, s.gen, params)
		}
		if s.state == StateChecking && !s.manualChecking {
			s.setStateLocked(StateWaiting)
		}
		s.mu.Unlock()
		if manual {
			s.presenter.OnFailure(fmt.Sprintf("Payment found in transaction %s but it could not be recorded: %v. Please try again.", txID, err))
		}
		return false, err
	}

	s.stopTimersLocked()
	s.record = record
	s.manualChecking = false
	s.setStateLocked(StateSuccess)
	if err := s.params.Clear(ctx); err != nil {
		s.logger.ErrorContext(ctx, "failed to clear verification params", "error", err)
	}
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "payment verified",
		"transaction_id", txID,
		"record_id", record.ID,
		"unit_amount", record.UnitAmount,
		"block_height", result.BlockHeight,
	)

	if s.publisher != nil {
		if err := s.publisher.PublishPurchase(ctx, *record); err != nil {
			s.logger.WarnContext(ctx, "failed to publish purchase event", "record_id", record.ID, "error", err)
		}
	}
	s.presenter.OnSuccess(*record)
	return true, nil
}

func (s *Session) loadParamsLocked(ctx context.Context) (payment.VerificationParams, error) {
	if s.current != nil {
		return *s.current, nil
	}
	params, ok, err := s.params.Load(ctx)
	if err != nil {
		return payment.VerificationParams{}, err
	}
	if !ok {
		return payment.VerificationParams{}, ErrNoParams
	}
	return params, nil
}

// startWaitLocked starts the countdown and, when configured, the automatic
// poller. Tickers are created before it returns.
func (s *Session) startWaitLocked(ctx context.Context, gen uint64, params payment.VerificationParams) {
	s.restartCountdownLocked(ctx, gen)

	if s.cfg.PollInterval <= 0 || s.cfg.PollMaxAttempts <= 0 {
		return
	}
	driver, err := poll.Start(context.WithoutCancel(ctx), poll.Config{
		Interval:    s.cfg.PollInterval,
		MaxAttempts: s.cfg.PollMaxAttempts,
		Probe: func(pctx context.Context) (bool, error) {
			result := s.scanner.Scan(pctx, params)
			return s.settle(pctx, gen, params, result, false)
		},
		OnExhausted: func() { s.onPollExhausted(gen) },
		Site:        "session",
		Clock:       s.cfg.Clock,
		Logger:      s.logger,
		Metrics:     s.metrics,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to start automatic verification", "error", err)
		return
	}
	s.driver = driver
}

func (s *Session) onPollExhausted(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.state == StateSuccess {
		s.mu.Unlock()
		return
	}
	attempts := s.cfg.PollMaxAttempts
	s.mu.Unlock()

	s.presenter.OnFailure(fmt.Sprintf(
		"Automatic verification stopped after %d attempts without finding the payment. Your details are saved; use manual recheck to try again.",
		attempts))
}

// restartCountdownLocked resets the visible countdown to its full length.
func (s *Session) restartCountdownLocked(ctx context.Context, gen uint64) {
	if s.countdownCancel != nil {
		s.countdownCancel()
		s.countdownCancel = nil
	}
	s.remaining = s.cfg.Countdown
	if s.cfg.Countdown <= 0 {
		return
	}

	cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.countdownCancel = cancel
	ticker := s.cfg.Clock.NewTicker(countdownStep)
	go s.runCountdown(cctx, gen, ticker)
}

func (s *Session) runCountdown(ctx context.Context, gen uint64, ticker poll.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}

		s.mu.Lock()
		if gen != s.gen || ctx.Err() != nil {
			s.mu.Unlock()
			return
		}
		s.remaining -= countdownStep
		if s.remaining < 0 {
			s.remaining = 0
		}
		remaining := s.remaining
		s.mu.Unlock()

		s.presenter.OnCountdownTick(remaining)
		if remaining == 0 {
			// Reaching zero only stops the display; rechecks stay available.
			return
		}
	}
}

func (s *Session) stopTimersLocked() {
	if s.countdownCancel != nil {
		s.countdownCancel()
		s.countdownCancel = nil
	}
	if s.driver != nil {
		s.driver.Stop()
		s.driver = nil
	}
}

func (s *Session) setStateLocked(state State) {
	if s.state == state {
		return
	}
	s.state = state
	if s.metrics != nil {
		s.metrics.RecordSessionTransition(string(state))
	}
}

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/brojonat/solverify/service/metrics"
	"github.com/brojonat/solverify/service/payment"
	"github.com/brojonat/solverify/service/poll"
)

// DefaultUnlockFee is the price of unlocking a gated feature.
var DefaultUnlockFee = decimal.RequireFromString("0.1")

// UnlockConfig configures an Unlocker.
type UnlockConfig struct {
	Fee         decimal.Decimal
	Interval    time.Duration
	MaxAttempts int
	Clock       poll.Clock
}

// DefaultUnlockConfig polls every 3s, 30 times, for a 0.1 SOL fee.
func DefaultUnlockConfig() UnlockConfig {
	return UnlockConfig{
		Fee:         DefaultUnlockFee,
		Interval:    3 * time.Second,
		MaxAttempts: 30,
		Clock:       poll.SystemClock,
	}
}

// UnlockCallbacks report unlock progress. Any of them may be nil.
type UnlockCallbacks struct {
	OnUnlockAttempt func(attempt, max int)
	OnUnlocked      func(txID string)
	OnUnlockFailed  func(message string)
}

// Unlocker waits for a fixed fee from a payer and reports when it lands. It
// does not write purchase records.
type Unlocker struct {
	scanner   Scanner
	receiver  string
	cfg       UnlockConfig
	callbacks UnlockCallbacks
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu       sync.Mutex
	driver   *poll.Driver
	gen      uint64
	unlocked bool
	txID     string
}

// NewUnlocker creates an Unlocker that pays out to receiver.
func NewUnlocker(scanner Scanner, receiver string, cfg UnlockConfig, callbacks UnlockCallbacks, m *metrics.Metrics, logger *slog.Logger) *Unlocker {
	if cfg.Fee.IsZero() {
		cfg.Fee = DefaultUnlockFee
	}
	if cfg.Clock == nil {
		cfg.Clock = poll.SystemClock
	}
	return &Unlocker{
		scanner:   scanner,
		receiver:  receiver,
		cfg:       cfg,
		callbacks: callbacks,
		logger:    logger,
		metrics:   m,
	}
}

// Start begins polling for the fee from payer. A previous run is stopped.
func (u *Unlocker) Start(ctx context.Context, payer string) error {
	params := payment.VerificationParams{
		Amount:          u.cfg.Fee,
		SenderAddress:   payer,
		ReceiverAddress: u.receiver,
	}
	if err := params.Validate(); err != nil {
		return err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.unlocked {
		return nil
	}
	if u.driver != nil {
		u.driver.Stop()
		u.driver = nil
	}
	u.gen++
	gen := u.gen

	driver, err := poll.Start(context.WithoutCancel(ctx), poll.Config{
		Interval:    u.cfg.Interval,
		MaxAttempts: u.cfg.MaxAttempts,
		Probe: func(pctx context.Context) (bool, error) {
			result := u.scanner.Scan(pctx, params)
			if !result.IsMatched() {
				if result.Kind == payment.KindTransientError {
					return false, fmt.Errorf("unlock scan: %s", result.Reason)
				}
				return false, nil
			}
			return u.markUnlocked(gen, result.TransactionID), nil
		},
		OnAttempt: func(attempt int, _ error) {
			if u.callbacks.OnUnlockAttempt != nil {
				u.callbacks.OnUnlockAttempt(attempt, u.cfg.MaxAttempts)
			}
		},
		OnExhausted: func() {
			u.logger.Info("unlock payment not found", "payer", payer, "attempts", u.cfg.MaxAttempts)
			if u.callbacks.OnUnlockFailed != nil {
				u.callbacks.OnUnlockFailed(fmt.Sprintf(
					"No payment of %s SOL from %s arrived after %d checks. Send the fee and try again.",
					u.cfg.Fee.String(), payer, u.cfg.MaxAttempts))
			}
		},
		Site:    "unlock",
		Clock:   u.cfg.Clock,
		Logger:  u.logger,
		Metrics: u.metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to start unlock polling: %w", err)
	}
	u.driver = driver

	u.logger.InfoContext(ctx, "waiting for unlock payment", "payer", payer, "fee", u.cfg.Fee.String())
	return nil
}

func (u *Unlocker) markUnlocked(gen uint64, txID string) bool {
	u.mu.Lock()
	if u.unlocked || u.gen != gen {
		u.mu.Unlock()
		return true
	}
	u.unlocked = true
	u.txID = txID
	u.driver = nil
	u.mu.Unlock()

	u.logger.Info("feature unlocked", "transaction_id", txID)
	if u.callbacks.OnUnlocked != nil {
		u.callbacks.OnUnlocked(txID)
	}
	return true
}

// Stop cancels polling. Safe to call more than once.
func (u *Unlocker) Stop() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.driver != nil {
		u.driver.Stop()
		u.driver = nil
	}
	u.gen++
}

// Unlocked reports whether the fee has been seen, and in which transaction.
func (u *Unlocker) Unlocked() (bool, string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.unlocked, u.txID
}

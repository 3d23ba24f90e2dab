package solana

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/brojonat/solverify/service/metrics"
	"github.com/brojonat/solverify/service/payment"
)

const (
	// DefaultScanWindow is how many of the most recent blocks a scan inspects.
	DefaultScanWindow = 20
	// DefaultScanDelay separates consecutive block fetches.
	DefaultScanDelay = 500 * time.Millisecond
)

// Querier is the remote ledger query service the scanner depends on.
type Querier interface {
	CurrentHeight(ctx context.Context) (uint64, error)
	BlockTransactions(ctx context.Context, height uint64) (*Block, error)
}

// ScannerConfig tunes the block window and the pacing between block fetches.
type ScannerConfig struct {
	Window int
	Delay  time.Duration
}

// Scanner looks for a transfer between two addresses in the most recent
// blocks of the ledger.
type Scanner struct {
	querier Querier
	window  int
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewScanner creates a Scanner. A zero Window uses DefaultScanWindow; a zero
// or negative Delay disables pacing. The limiter is shared by all scans so
// concurrent sessions do not multiply the request rate.
func NewScanner(q Querier, cfg ScannerConfig, m *metrics.Metrics, logger *slog.Logger) *Scanner {
	window := cfg.Window
	if window <= 0 {
		window = DefaultScanWindow
	}
	limit := rate.Inf
	if cfg.Delay > 0 {
		limit = rate.Every(cfg.Delay)
	}
	return &Scanner{
		querier: q,
		window:  window,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
		metrics: m,
	}
}

// Scan walks backward from the current height through the window and returns
// the first transaction whose first two participants are (sender, receiver).
// The amount is not part of the match. Scan never returns an error: failures
// are reported as a TransientError result.
func (s *Scanner) Scan(ctx context.Context, params payment.VerificationParams) (result payment.Result) {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.RecordScan(string(result.Kind), string(result.Hint), time.Since(start).Seconds())
		}
	}()

	sender := strings.TrimSpace(params.SenderAddress)
	receiver := strings.TrimSpace(params.ReceiverAddress)

	height, err := s.querier.CurrentHeight(ctx)
	if err != nil {
		hint := Classify(err)
		s.logger.WarnContext(ctx, "failed to fetch current height", "error", err, "hint", hint)
		return payment.Transient(hint, fmt.Sprintf("failed to fetch current height: %v", err))
	}

	s.logger.DebugContext(ctx, "scanning recent blocks",
		"height", height,
		"window", s.window,
		"sender", sender,
		"receiver", receiver,
	)

	var (
		fetched  int
		failed   int
		lastErr  error
		lastHint payment.Hint
	)
	for i := 0; i < s.window; i++ {
		if uint64(i) > height {
			break
		}
		slot := height - uint64(i)

		if err := s.limiter.Wait(ctx); err != nil {
			return payment.Transient(payment.HintOther, fmt.Sprintf("scan interrupted: %v", err))
		}

		block, err := s.querier.BlockTransactions(ctx, slot)
		if err != nil {
			if ctx.Err() != nil {
				return payment.Transient(payment.HintOther, fmt.Sprintf("scan interrupted: %v", ctx.Err()))
			}
			failed++
			lastErr = err
			lastHint = Classify(err)
			s.logger.WarnContext(ctx, "skipping block", "slot", slot, "error", err, "hint", lastHint)
			if s.metrics != nil {
				s.metrics.RecordBlockSkipped(string(lastHint))
			}
			continue
		}
		fetched++
		if s.metrics != nil {
			s.metrics.RecordBlockScanned(receiver)
		}

		for _, txn := range block.Transactions {
			if txn.Failed || len(txn.Participants) < 2 {
				continue
			}
			if txn.Participants[0] == sender && txn.Participants[1] == receiver {
				s.logger.InfoContext(ctx, "found matching transfer",
					"signature", txn.Signature,
					"slot", slot,
					"sender", sender,
					"receiver", receiver,
				)
				ts := txn.BlockTime
				if ts.IsZero() {
					ts = block.BlockTime
				}
				return payment.Matched(txn.Signature, slot, ts)
			}
		}
	}

	// Every block failed for a network reason: that is not a confirmed absence.
	if fetched == 0 && failed > 0 && (lastHint == payment.HintRateLimited || lastHint == payment.HintConnectivity) {
		return payment.Transient(lastHint, fmt.Sprintf("no block in the window could be fetched: %v", lastErr))
	}

	return payment.NotFound(fmt.Sprintf("no transfer from %s to %s in the last %d blocks", sender, receiver, s.window))
}

// Classify maps an RPC error to a hint for the user-facing message.
func Classify(err error) payment.Hint {
	if err == nil {
		return payment.HintNone
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "429") || strings.Contains(msg, "too many requests") || strings.Contains(msg, "rate limit") {
		return payment.HintRateLimited
	}

	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded) {
		return payment.HintConnectivity
	}
	for _, needle := range []string{
		"connection refused",
		"connection reset",
		"no such host",
		"dial tcp",
		"timeout",
		"eof",
		"network is unreachable",
		"failed to fetch",
	} {
		if strings.Contains(msg, needle) {
			return payment.HintConnectivity
		}
	}

	return payment.HintOther
}

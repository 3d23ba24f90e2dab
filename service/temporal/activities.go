package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"

	"github.com/brojonat/solverify/service/ledger"
	"github.com/brojonat/solverify/service/metrics"
	"github.com/brojonat/solverify/service/payment"
	"github.com/brojonat/solverify/service/session"
)

// ScanLedgerInput contains parameters for the ScanLedger activity.
type ScanLedgerInput struct {
	Params payment.VerificationParams `json:"params"`
}

// ScanLedgerResult wraps the scan outcome. Not finding the payment is a
// result, not an error.
type ScanLedgerResult struct {
	Result payment.Result `json:"result"`
}

// RecordPurchaseInput contains parameters for the RecordPurchase activity.
type RecordPurchaseInput struct {
	Params        payment.VerificationParams `json:"params"`
	TransactionID string                     `json:"transaction_id"`
}

// RecordPurchaseResult contains the stored record.
type RecordPurchaseResult struct {
	Record ledger.SignedRecord `json:"record"`
	// Duplicate is true when the transaction had already been recorded.
	Duplicate bool `json:"duplicate"`
}

// Activities holds the dependencies needed by Temporal activities.
// Following go-kit pattern, all dependencies are explicit.
type Activities struct {
	scanner   session.Scanner
	ledger    session.Ledger
	params    session.ParamsStore
	publisher session.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// publisher and m may be nil.
func NewActivities(
	scanner session.Scanner,
	l session.Ledger,
	params session.ParamsStore,
	publisher session.Publisher,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		scanner:   scanner,
		ledger:    l,
		params:    params,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

// ScanLedger scans the recent blocks once. Invalid parameters fail without
// retry; every other outcome is returned as a result.
func (a *Activities) ScanLedger(ctx context.Context, input ScanLedgerInput) (*ScanLedgerResult, error) {
	defer a.timed("ScanLedger")()

	if err := input.Params.Validate(); err != nil {
		return nil, temporalsdk.NewNonRetryableApplicationError("invalid verification params", "InvalidInput", err)
	}

	result := a.scanner.Scan(ctx, input.Params)
	if !result.IsMatched() {
		// Keep the parameters so the verification survives a worker restart.
		if err := a.params.Save(ctx, input.Params); err != nil {
			a.logger.WarnContext(ctx, "failed to persist verification params", "error", err)
		}
	}

	a.logger.DebugContext(ctx, "ledger scanned",
		"sender", input.Params.SenderAddress,
		"kind", result.Kind,
		"hint", result.Hint,
	)
	return &ScanLedgerResult{Result: result}, nil
}

// RecordPurchase appends the verified purchase. A transaction that is
// already recorded returns the existing record, so retries never credit twice.
func (a *Activities) RecordPurchase(ctx context.Context, input RecordPurchaseInput) (*RecordPurchaseResult, error) {
	defer a.timed("RecordPurchase")()

	if input.TransactionID == "" {
		return nil, temporalsdk.NewNonRetryableApplicationError("transaction id is required", "InvalidInput", nil)
	}

	txID := input.TransactionID
	rec, err := a.ledger.Append(ctx, input.Params.Amount, input.Params.SenderAddress, &txID)
	switch {
	case errors.Is(err, ledger.ErrDuplicateTransaction):
		existing, ferr := a.ledger.FindByTransaction(ctx, txID)
		if ferr != nil {
			return nil, fmt.Errorf("failed to load recorded purchase: %w", ferr)
		}
		a.logger.InfoContext(ctx, "purchase already recorded", "transaction_id", txID, "record_id", existing.ID)
		return &RecordPurchaseResult{Record: *existing, Duplicate: true}, nil
	case errors.Is(err, payment.ErrInvalidInput):
		return nil, temporalsdk.NewNonRetryableApplicationError("invalid purchase", "InvalidInput", err)
	case err != nil:
		return nil, fmt.Errorf("failed to record purchase: %w", err)
	}

	a.logger.InfoContext(ctx, "purchase recorded",
		"record_id", rec.ID,
		"transaction_id", txID,
		"unit_amount", rec.UnitAmount,
	)

	if a.publisher != nil {
		if err := a.publisher.PublishPurchase(ctx, *rec); err != nil {
			a.logger.WarnContext(ctx, "failed to publish purchase event", "record_id", rec.ID, "error", err)
		}
	}

	return &RecordPurchaseResult{Record: *rec}, nil
}

// ClearParams forgets the persisted verification parameters.
func (a *Activities) ClearParams(ctx context.Context) error {
	defer a.timed("ClearParams")()

	if err := a.params.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear verification params: %w", err)
	}
	return nil
}

func (a *Activities) timed(activity string) func() {
	start := time.Now()
	return func() {
		if a.metrics != nil {
			a.metrics.RecordActivityDuration(activity, time.Since(start).Seconds())
		}
	}
}

package temporal

import (
	"fmt"
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/brojonat/solverify/service/ledger"
	"github.com/brojonat/solverify/service/payment"
)

var a *Activities // for type-safe activity invocation

const (
	// RecheckSignal makes a waiting workflow scan immediately.
	RecheckSignal = "recheck"
	// ProgressQuery returns the workflow's VerifyPaymentProgress.
	ProgressQuery = "progress"

	DefaultPollInterval = 10 * time.Second
	DefaultMaxAttempts  = 30
)

// Verification outcomes.
const (
	StatusVerified  = "verified"
	StatusNotFound  = "not_found"
	StatusFailed    = "failed"
	StatusScanning  = "scanning"
	StatusWaiting   = "waiting"
	StatusRecording = "recording"
)

// VerifyPaymentInput starts a durable verification.
type VerifyPaymentInput struct {
	Params       payment.VerificationParams `json:"params"`
	PollInterval time.Duration              `json:"poll_interval"`
	MaxAttempts  int                        `json:"max_attempts"`
}

// VerifyPaymentResult is returned when the workflow completes.
type VerifyPaymentResult struct {
	Status     string               `json:"status"`
	Attempts   int                  `json:"attempts"`
	Record     *ledger.SignedRecord `json:"record,omitempty"`
	LastResult *payment.Result      `json:"last_result,omitempty"`
	Message    string               `json:"message,omitempty"`
	Error      *string              `json:"error,omitempty"`
}

// VerifyPaymentProgress is served by ProgressQuery while the workflow runs.
type VerifyPaymentProgress struct {
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastResult  *payment.Result `json:"last_result,omitempty"`
}

// VerifyPaymentWorkflow scans the ledger for the transfer described by
// input.Params, waiting PollInterval between scans, until the payment is found
// or MaxAttempts scans have missed. A RecheckSignal cuts the current wait
// short. A found payment is recorded exactly once and the persisted
// parameters are cleared; an exhausted run leaves them in place so the
// verification can be resumed.
func VerifyPaymentWorkflow(ctx workflow.Context, input VerifyPaymentInput) (*VerifyPaymentResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("VerifyPaymentWorkflow started",
		"sender", input.Params.SenderAddress,
		"receiver", input.Params.ReceiverAddress,
		"amount", input.Params.Amount.String(),
	)

	if input.PollInterval <= 0 {
		input.PollInterval = DefaultPollInterval
	}
	if input.MaxAttempts <= 0 {
		input.MaxAttempts = DefaultMaxAttempts
	}

	result := &VerifyPaymentResult{}
	progress := VerifyPaymentProgress{Status: StatusScanning, MaxAttempts: input.MaxAttempts}
	if err := workflow.SetQueryHandler(ctx, ProgressQuery, func() (VerifyPaymentProgress, error) {
		return progress, nil
	}); err != nil {
		return nil, fmt.Errorf("failed to register progress query: %w", err)
	}

	scanCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	})
	recordCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    5,
		},
	})

	recheck := workflow.GetSignalChannel(ctx, RecheckSignal)

	for attempt := 1; attempt <= input.MaxAttempts; attempt++ {
		progress.Status = StatusScanning
		progress.Attempts = attempt
		result.Attempts = attempt

		var scan *ScanLedgerResult
		err := workflow.ExecuteActivity(scanCtx, a.ScanLedger, ScanLedgerInput{Params: input.Params}).Get(ctx, &scan)
		if err != nil {
			logger.Error("ledger scan failed", "attempt", attempt, "error", err)
			errMsg := fmt.Sprintf("ledger scan failed: %v", err)
			result.Error = &errMsg
			result.Status = StatusFailed
			return result, fmt.Errorf("ledger scan failed: %w", err)
		}

		r := scan.Result
		progress.LastResult = &r
		result.LastResult = &r

		if r.IsMatched() {
			progress.Status = StatusRecording
			logger.Info("payment found", "transaction_id", r.TransactionID, "block_height", r.BlockHeight)

			var recorded *RecordPurchaseResult
			err := workflow.ExecuteActivity(recordCtx, a.RecordPurchase, RecordPurchaseInput{
				Params:        input.Params,
				TransactionID: r.TransactionID,
			}).Get(ctx, &recorded)
			if err != nil {
				logger.Error("failed to record purchase", "transaction_id", r.TransactionID, "error", err)
				errMsg := fmt.Sprintf("failed to record purchase: %v", err)
				result.Error = &errMsg
				result.Status = StatusFailed
				return result, fmt.Errorf("failed to record purchase: %w", err)
			}

			// The purchase is already recorded; a leftover params entry only
			// means a later resume finds the duplicate.
			if err := workflow.ExecuteActivity(recordCtx, a.ClearParams).Get(ctx, nil); err != nil {
				logger.Warn("failed to clear verification params", "error", err)
			}

			rec := recorded.Record
			result.Record = &rec
			result.Status = StatusVerified
			progress.Status = StatusVerified
			logger.Info("VerifyPaymentWorkflow completed",
				"record_id", rec.ID,
				"unit_amount", rec.UnitAmount,
				"duplicate", recorded.Duplicate,
				"attempts", attempt,
			)
			return result, nil
		}

		logger.Info("payment not found yet",
			"attempt", attempt,
			"max_attempts", input.MaxAttempts,
			"kind", r.Kind,
			"hint", r.Hint,
		)
		if attempt == input.MaxAttempts {
			break
		}

		progress.Status = StatusWaiting
		waitForNextAttempt(ctx, recheck, input.PollInterval)
	}

	result.Status = StatusNotFound
	progress.Status = StatusNotFound
	result.Message = fmt.Sprintf(
		"Automatic verification stopped after %d attempts without finding the payment. Your details are saved; you can resume verification later.",
		input.MaxAttempts)
	if result.LastResult != nil {
		result.Message += " " + result.LastResult.Message(input.Params)
	}
	logger.Info("VerifyPaymentWorkflow exhausted attempts", "attempts", input.MaxAttempts)
	return result, nil
}

// waitForNextAttempt sleeps for interval or until a recheck signal arrives.
func waitForNextAttempt(ctx workflow.Context, recheck workflow.ReceiveChannel, interval time.Duration) {
	timerCtx, cancelTimer := workflow.WithCancel(ctx)
	defer cancelTimer()

	selector := workflow.NewSelector(ctx)
	selector.AddFuture(workflow.NewTimer(timerCtx, interval), func(workflow.Future) {})
	selector.AddReceive(recheck, func(c workflow.ReceiveChannel, more bool) {
		c.Receive(ctx, nil)
		workflow.GetLogger(ctx).Info("recheck requested")
	})
	selector.Select(ctx)
}

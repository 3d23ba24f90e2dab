package payment

import (
	"fmt"
	"time"
)

// Kind tags the outcome of a ledger scan.
type Kind string

const (
	KindMatched        Kind = "matched"
	KindNotFound       Kind = "not_found"
	KindTransientError Kind = "transient_error"
)

// Hint narrows down why a scan failed transiently so the caller can show a
// useful message.
type Hint string

const (
	HintNone         Hint = ""
	HintRateLimited  Hint = "rate_limited"
	HintConnectivity Hint = "connectivity"
	HintOther        Hint = "other"
)

// Result is the outcome of one ledger scan.
type Result struct {
	Kind          Kind      `json:"kind"`
	TransactionID string    `json:"transaction_id,omitempty"`
	BlockHeight   uint64    `json:"block_height,omitempty"`
	Timestamp     time.Time `json:"timestamp,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Hint          Hint      `json:"hint,omitempty"`
}

// Matched builds a successful result.
func Matched(transactionID string, blockHeight uint64, timestamp time.Time) Result {
	return Result{
		Kind:          KindMatched,
		TransactionID: transactionID,
		BlockHeight:   blockHeight,
		Timestamp:     timestamp,
	}
}

// NotFound builds a result for a scan that completed without a match.
func NotFound(reason string) Result {
	return Result{Kind: KindNotFound, Reason: reason}
}

// Transient builds a result for a scan that could not complete.
func Transient(hint Hint, reason string) Result {
	if hint == HintNone {
		hint = HintOther
	}
	return Result{Kind: KindTransientError, Reason: reason, Hint: hint}
}

// IsMatched reports whether the scan found the transfer.
func (r Result) IsMatched() bool {
	return r.Kind == KindMatched
}

// Retryable reports whether another scan may still succeed. NotFound and
// TransientError are treated the same for retry purposes.
func (r Result) Retryable() bool {
	return r.Kind == KindNotFound || r.Kind == KindTransientError
}

// Message renders the user-facing explanation for a failed scan.
func (r Result) Message(p VerificationParams) string {
	switch r.Kind {
	case KindMatched:
		return fmt.Sprintf("payment confirmed in transaction %s", r.TransactionID)
	case KindNotFound:
		return fmt.Sprintf("No transfer of %s SOL from %s to %s was found. Please make sure that:\n"+
			"1. you sent the transfer from the wallet address you entered\n"+
			"2. the amount sent matches the amount you entered\n"+
			"3. the transfer is confirmed (this can take a few minutes)\n"+
			"4. the wallet address you entered has no typos",
			p.Amount.String(), p.SenderAddress, p.ReceiverAddress)
	}
	switch r.Hint {
	case HintRateLimited:
		return "The ledger API is rate limiting requests. Please wait about 30 seconds and try again."
	case HintConnectivity:
		return "Network connection failed. Please check your connection and try again."
	default:
		return fmt.Sprintf("Ledger verification failed: %s. Please make sure your network connection works and try again later.", r.Reason)
	}
}

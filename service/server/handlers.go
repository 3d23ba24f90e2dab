package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/brojonat/solverify/service/ledger"
	"github.com/brojonat/solverify/service/payment"
	"github.com/brojonat/solverify/service/session"
	"github.com/brojonat/solverify/service/temporal"
)

const (
	// maxRequestBodySize limits request bodies to 1MB to prevent DoS attacks
	maxRequestBodySize = 1 << 20
)

// Verifier runs durable verifications. *temporal.Client implements it.
type Verifier interface {
	StartVerification(ctx context.Context, input temporal.VerifyPaymentInput) (string, error)
	QueryProgress(ctx context.Context, workflowID string) (*temporal.VerifyPaymentProgress, error)
	Recheck(ctx context.Context, workflowID string) error
	CancelVerification(ctx context.Context, workflowID string) error
}

// PurchaseLister returns the records that pass integrity checks.
type PurchaseLister interface {
	LoadValid(ctx context.Context) ([]ledger.SignedRecord, error)
}

type startVerificationRequest struct {
	Amount          decimal.Decimal `json:"amount"`
	SenderAddress   string          `json:"sender_address"`
	ReceiverAddress string          `json:"receiver_address,omitempty"`
}

// params fills in the configured receiver when the request leaves it out.
func (r startVerificationRequest) params(defaultReceiver string) payment.VerificationParams {
	receiver := r.ReceiverAddress
	if receiver == "" {
		receiver = defaultReceiver
	}
	return payment.VerificationParams{
		Amount:          r.Amount,
		SenderAddress:   r.SenderAddress,
		ReceiverAddress: receiver,
	}
}

type verificationResponse struct {
	Result   *payment.Result  `json:"result,omitempty"`
	Message  string           `json:"message,omitempty"`
	Snapshot session.Snapshot `json:"snapshot"`
}

func newVerificationResponse(result *payment.Result, snap session.Snapshot) verificationResponse {
	resp := verificationResponse{Result: result, Snapshot: snap}
	if result != nil && !result.IsMatched() && snap.Params != nil {
		resp.Message = result.Message(*snap.Params)
	}
	return resp
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	return json.NewDecoder(r.Body).Decode(v)
}

// handleStartVerification starts a new verification and runs the first check
// before responding.
func handleStartVerification(sess *session.Session, receiver string, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req startVerificationRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}

		// The check outlives a dropped client so a found payment is still recorded.
		result, err := sess.Start(context.WithoutCancel(r.Context()), req.params(receiver))
		if err != nil {
			writeSessionError(w, err, logger)
			return
		}

		status := http.StatusAccepted
		if result.IsMatched() {
			status = http.StatusCreated
		}
		writeJSON(w, newVerificationResponse(&result, sess.Snapshot()), status)
	})
}

// handleRecheckVerification runs a manual check now.
func handleRecheckVerification(sess *session.Session, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result, err := sess.Recheck(context.WithoutCancel(r.Context()))
		if err != nil {
			writeSessionError(w, err, logger)
			return
		}
		writeJSON(w, newVerificationResponse(&result, sess.Snapshot()), http.StatusOK)
	})
}

// handleResumeVerification restores a verification from persisted params.
func handleResumeVerification(sess *session.Session, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := sess.Resume(context.WithoutCancel(r.Context())); err != nil {
			writeSessionError(w, err, logger)
			return
		}
		writeJSON(w, newVerificationResponse(nil, sess.Snapshot()), http.StatusOK)
	})
}

// handleCancelVerification stops the timers. With ?clear=true the persisted
// params are dropped too.
func handleCancelVerification(sess *session.Session, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		drop, _ := strconv.ParseBool(r.URL.Query().Get("clear"))
		if drop {
			if err := sess.Clear(r.Context()); err != nil {
				writeSessionError(w, err, logger)
				return
			}
		} else {
			sess.Cancel()
		}
		logger.InfoContext(r.Context(), "verification cancelled", "clear", drop)
		writeJSON(w, newVerificationResponse(nil, sess.Snapshot()), http.StatusOK)
	})
}

func handleGetVerification(sess *session.Session) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, newVerificationResponse(nil, sess.Snapshot()), http.StatusOK)
	})
}

// writeSessionError maps session errors to HTTP status codes.
func writeSessionError(w http.ResponseWriter, err error, logger *slog.Logger) {
	switch {
	case errors.Is(err, payment.ErrInvalidInput):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, session.ErrNoParams):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, session.ErrCheckInProgress), errors.Is(err, session.ErrAlreadyVerified):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		logger.Error("verification request failed", "error", err)
		writeError(w, "internal server error", http.StatusInternalServerError)
	}
}

type purchasesResponse struct {
	Records    []ledger.SignedRecord `json:"records"`
	Count      int                   `json:"count"`
	TotalUnits int64                 `json:"total_units"`
	TotalSOL   decimal.Decimal       `json:"total_sol"`
}

// handleListPurchases returns the records that pass integrity checks,
// optionally filtered by ?address=.
func handleListPurchases(purchases PurchaseLister, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		records, err := purchases.LoadValid(r.Context())
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to load purchases", "error", err)
			writeError(w, "failed to load purchases", http.StatusInternalServerError)
			return
		}

		address := r.URL.Query().Get("address")
		resp := purchasesResponse{Records: []ledger.SignedRecord{}, TotalSOL: decimal.Zero}
		for _, rec := range records {
			if address != "" && rec.TargetAddress != address {
				continue
			}
			resp.Records = append(resp.Records, rec)
			resp.TotalUnits += rec.UnitAmount
			resp.TotalSOL = resp.TotalSOL.Add(rec.SolAmount)
		}
		resp.Count = len(resp.Records)

		writeJSON(w, resp, http.StatusOK)
	})
}

type createInvoiceRequest struct {
	Amount  decimal.Decimal `json:"amount"`
	Label   string          `json:"label,omitempty"`
	Message string          `json:"message,omitempty"`
}

// handleCreateInvoice returns Solana Pay instructions for paying the
// configured receiver.
func handleCreateInvoice(receiver string, unitPrice decimal.Decimal, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req createInvoiceRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}

		invoice, err := generateInvoice(receiver, req.Amount, unitPrice, req.Label, req.Message)
		if err != nil {
			if errors.Is(err, payment.ErrInvalidInput) {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
			logger.ErrorContext(r.Context(), "failed to generate invoice", "error", err)
			writeError(w, "failed to generate invoice", http.StatusInternalServerError)
			return
		}

		logger.InfoContext(r.Context(), "invoice created", "invoice_id", invoice.ID, "amount", invoice.Amount.String())
		writeJSON(w, invoice, http.StatusCreated)
	})
}

type startWorkflowRequest struct {
	startVerificationRequest
	PollInterval string `json:"poll_interval,omitempty"`
	MaxAttempts  int    `json:"max_attempts,omitempty"`
}

type workflowResponse struct {
	WorkflowID string                          `json:"workflow_id"`
	Progress   *temporal.VerifyPaymentProgress `json:"progress,omitempty"`
	StatusURL  string                          `json:"status_url,omitempty"`
}

// handleStartWorkflow starts a durable verification.
func handleStartWorkflow(verifier Verifier, receiver string, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req startWorkflowRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}

		input := temporal.VerifyPaymentInput{
			Params:      req.params(receiver),
			MaxAttempts: req.MaxAttempts,
		}
		if err := input.Params.Validate(); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.PollInterval != "" {
			d, err := time.ParseDuration(req.PollInterval)
			if err != nil || d <= 0 {
				writeError(w, "invalid poll_interval", http.StatusBadRequest)
				return
			}
			input.PollInterval = d
		}
		if req.MaxAttempts < 0 {
			writeError(w, "max_attempts must not be negative", http.StatusBadRequest)
			return
		}

		id, err := verifier.StartVerification(r.Context(), input)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to start verification workflow", "error", err)
			writeError(w, "failed to start verification", http.StatusInternalServerError)
			return
		}

		writeJSON(w, workflowResponse{
			WorkflowID: id,
			StatusURL:  "/api/v1/workflows/verifications/" + id,
		}, http.StatusAccepted)
	})
}

func handleGetWorkflow(verifier Verifier, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("workflow_id")
		progress, err := verifier.QueryProgress(r.Context(), id)
		if err != nil {
			logger.WarnContext(r.Context(), "failed to query verification workflow", "workflow_id", id, "error", err)
			writeError(w, "verification not found", http.StatusNotFound)
			return
		}
		writeJSON(w, workflowResponse{WorkflowID: id, Progress: progress}, http.StatusOK)
	})
}

func handleRecheckWorkflow(verifier Verifier, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("workflow_id")
		if err := verifier.Recheck(r.Context(), id); err != nil {
			logger.WarnContext(r.Context(), "failed to signal verification workflow", "workflow_id", id, "error", err)
			writeError(w, "verification not found", http.StatusNotFound)
			return
		}
		writeJSON(w, workflowResponse{WorkflowID: id}, http.StatusAccepted)
	})
}

func handleCancelWorkflow(verifier Verifier, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("workflow_id")
		if err := verifier.CancelVerification(r.Context(), id); err != nil {
			logger.WarnContext(r.Context(), "failed to cancel verification workflow", "workflow_id", id, "error", err)
			writeError(w, "verification not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

package client

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/brojonat/solverify/service/temporal"
)

// WorkflowOptions tune a durable verification. Zero values use the worker
// defaults.
type WorkflowOptions struct {
	Receiver     string
	PollInterval time.Duration
	MaxAttempts  int
}

type workflowResponse struct {
	WorkflowID string                          `json:"workflow_id"`
	Progress   *temporal.VerifyPaymentProgress `json:"progress,omitempty"`
}

// StartWorkflow starts a durable verification and returns its workflow ID.
func (c *Client) StartWorkflow(ctx context.Context, amount decimal.Decimal, sender string, opts WorkflowOptions) (string, error) {
	reqBody := map[string]interface{}{
		"amount":         amount,
		"sender_address": sender,
	}
	if opts.Receiver != "" {
		reqBody["receiver_address"] = opts.Receiver
	}
	if opts.PollInterval > 0 {
		reqBody["poll_interval"] = opts.PollInterval.String()
	}
	if opts.MaxAttempts > 0 {
		reqBody["max_attempts"] = opts.MaxAttempts
	}

	var resp workflowResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/workflows/verifications", reqBody, &resp, http.StatusAccepted); err != nil {
		return "", err
	}
	c.logger.Debug("verification workflow started", "workflow_id", resp.WorkflowID)
	return resp.WorkflowID, nil
}

// WorkflowProgress returns the progress of a durable verification.
func (c *Client) WorkflowProgress(ctx context.Context, workflowID string) (*temporal.VerifyPaymentProgress, error) {
	var resp workflowResponse
	if err := c.do(ctx, http.MethodGet, workflowPath(workflowID), nil, &resp, http.StatusOK); err != nil {
		return nil, err
	}
	return resp.Progress, nil
}

// RecheckWorkflow asks a waiting durable verification to scan now.
func (c *Client) RecheckWorkflow(ctx context.Context, workflowID string) error {
	return c.do(ctx, http.MethodPost, workflowPath(workflowID)+"/recheck", nil, nil, http.StatusAccepted)
}

// CancelWorkflow cancels a durable verification.
func (c *Client) CancelWorkflow(ctx context.Context, workflowID string) error {
	return c.do(ctx, http.MethodDelete, workflowPath(workflowID), nil, nil, http.StatusNoContent)
}

func workflowPath(workflowID string) string {
	return "/api/v1/workflows/verifications/" + url.PathEscape(workflowID)
}

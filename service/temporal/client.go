package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/sdk/client"

	"github.com/brojonat/solverify/service/metrics"
	"github.com/brojonat/solverify/service/payment"
)

// Client starts and inspects verification workflows.
type Client struct {
	client    client.Client
	taskQueue string
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, m *metrics.Metrics, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return NewClientFromSDK(c, taskQueue, m, logger), nil
}

// NewClientFromSDK wraps an existing SDK client.
func NewClientFromSDK(c client.Client, taskQueue string, m *metrics.Metrics, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		client:    c,
		taskQueue: taskQueue,
		metrics:   m,
		logger:    logger,
	}
}

// WorkflowID is the workflow ID used for a verification. One sender/receiver
// pair has at most one running verification.
func WorkflowID(params payment.VerificationParams) string {
	return fmt.Sprintf("verify-payment-%s-%s", params.SenderAddress, params.ReceiverAddress)
}

// StartVerification starts VerifyPaymentWorkflow and returns its workflow ID.
func (c *Client) StartVerification(ctx context.Context, input VerifyPaymentInput) (string, error) {
	if err := input.Params.Validate(); err != nil {
		return "", err
	}

	id := WorkflowID(input.Params)
	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        id,
		TaskQueue: c.taskQueue,
		Memo: map[string]interface{}{
			"sender_address":   input.Params.SenderAddress,
			"receiver_address": input.Params.ReceiverAddress,
			"amount":           input.Params.Amount.String(),
			"created_by":       "solverify",
		},
	}, VerifyPaymentWorkflow, input)
	if err != nil {
		c.logger.Error("failed to start verification workflow", "workflow_id", id, "error", err)
		return "", fmt.Errorf("failed to start verification workflow %q: %w", id, err)
	}

	c.logger.Info("verification workflow started",
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID(),
	)
	return run.GetID(), nil
}

// GetVerificationResult blocks until the workflow completes and returns its
// result.
func (c *Client) GetVerificationResult(ctx context.Context, workflowID string) (*VerifyPaymentResult, error) {
	var result VerifyPaymentResult
	if err := c.client.GetWorkflow(ctx, workflowID, "").Get(ctx, &result); err != nil {
		return nil, fmt.Errorf("verification workflow %q failed: %w", workflowID, err)
	}
	return &result, nil
}

// Verify starts a verification and waits for it to finish.
func (c *Client) Verify(ctx context.Context, input VerifyPaymentInput) (*VerifyPaymentResult, error) {
	start := time.Now()
	id, err := c.StartVerification(ctx, input)
	if err != nil {
		return nil, err
	}

	result, err := c.GetVerificationResult(ctx, id)
	status := StatusFailed
	if err == nil {
		status = result.Status
	}
	if c.metrics != nil {
		c.metrics.RecordWorkflowDuration(status, time.Since(start).Seconds())
	}
	return result, err
}

// QueryProgress returns the progress of a running verification.
func (c *Client) QueryProgress(ctx context.Context, workflowID string) (*VerifyPaymentProgress, error) {
	value, err := c.client.QueryWorkflow(ctx, workflowID, "", ProgressQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query verification %q: %w", workflowID, err)
	}
	var progress VerifyPaymentProgress
	if err := value.Get(&progress); err != nil {
		return nil, fmt.Errorf("failed to decode verification progress: %w", err)
	}
	return &progress, nil
}

// Recheck asks a waiting verification to scan now.
func (c *Client) Recheck(ctx context.Context, workflowID string) error {
	if err := c.client.SignalWorkflow(ctx, workflowID, "", RecheckSignal, nil); err != nil {
		return fmt.Errorf("failed to signal verification %q: %w", workflowID, err)
	}
	return nil
}

// CancelVerification cancels a running verification.
func (c *Client) CancelVerification(ctx context.Context, workflowID string) error {
	if err := c.client.CancelWorkflow(ctx, workflowID, ""); err != nil {
		return fmt.Errorf("failed to cancel verification %q: %w", workflowID, err)
	}
	c.logger.Info("verification workflow cancelled", "workflow_id", workflowID)
	return nil
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

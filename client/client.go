// Package client is the HTTP client for the solverify verification service.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/brojonat/solverify/service/ledger"
	"github.com/brojonat/solverify/service/payment"
	"github.com/brojonat/solverify/service/session"
)

// Verification is the server's view of the verification session after a
// request. Result is set only when the request ran a check.
type Verification struct {
	Result   *payment.Result  `json:"result,omitempty"`
	Message  string           `json:"message,omitempty"`
	Snapshot session.Snapshot `json:"snapshot"`
}

// Verified reports whether the payment has been found and recorded.
func (v *Verification) Verified() bool {
	return v.Snapshot.State == session.StateSuccess
}

// Purchases is a filtered list of valid purchase records.
type Purchases struct {
	Records    []ledger.SignedRecord `json:"records"`
	Count      int                   `json:"count"`
	TotalUnits int64                 `json:"total_units"`
	TotalSOL   decimal.Decimal       `json:"total_sol"`
}

// Invoice holds Solana Pay payment instructions.
type Invoice struct {
	ID           string          `json:"id"`
	PayToAddress string          `json:"pay_to_address"`
	Amount       decimal.Decimal `json:"amount"`
	UnitAmount   int64           `json:"unit_amount"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	Memo         string          `json:"memo"`
	PaymentURL   string          `json:"payment_url"`
	QRCodeData   string          `json:"qr_code_data"`
	VerifyURL    string          `json:"verify_url"`
	CreatedAt    time.Time       `json:"created_at"`
}

// APIError is returned for any non-success response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed: %s", e.Message)
}

// Client is the HTTP client for the verification service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new verification service client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// StartVerification starts a verification for a transfer of amount SOL from
// sender. An empty receiver uses the server's configured address. The first
// check has already run when this returns.
func (c *Client) StartVerification(ctx context.Context, amount decimal.Decimal, sender, receiver string) (*Verification, error) {
	reqBody := map[string]interface{}{
		"amount":         amount,
		"sender_address": sender,
	}
	if receiver != "" {
		reqBody["receiver_address"] = receiver
	}

	var v Verification
	if err := c.do(ctx, http.MethodPost, "/api/v1/verifications", reqBody, &v, http.StatusCreated, http.StatusAccepted); err != nil {
		return nil, err
	}
	c.logger.Debug("verification started", "sender", sender, "state", v.Snapshot.State)
	return &v, nil
}

// Recheck runs a manual check now.
func (c *Client) Recheck(ctx context.Context) (*Verification, error) {
	var v Verification
	if err := c.do(ctx, http.MethodPost, "/api/v1/verifications/recheck", nil, &v, http.StatusOK); err != nil {
		return nil, err
	}
	return &v, nil
}

// Resume restores a saved verification on the server.
func (c *Client) Resume(ctx context.Context) (*Verification, error) {
	var v Verification
	if err := c.do(ctx, http.MethodPost, "/api/v1/verifications/resume", nil, &v, http.StatusOK); err != nil {
		return nil, err
	}
	return &v, nil
}

// Cancel stops the running verification. With dropParams the saved parameters are
// dropped too.
func (c *Client) Cancel(ctx context.Context, dropParams bool) (*Verification, error) {
	path := "/api/v1/verifications"
	if dropParams {
		path += "?clear=true"
	}
	var v Verification
	if err := c.do(ctx, http.MethodDelete, path, nil, &v, http.StatusOK); err != nil {
		return nil, err
	}
	return &v, nil
}

// Status returns the current verification snapshot.
func (c *Client) Status(ctx context.Context) (*Verification, error) {
	var v Verification
	if err := c.do(ctx, http.MethodGet, "/api/v1/verifications", nil, &v, http.StatusOK); err != nil {
		return nil, err
	}
	return &v, nil
}

// Purchases lists valid purchase records, optionally only those for address.
func (c *Client) Purchases(ctx context.Context, address string) (*Purchases, error) {
	path := "/api/v1/purchases"
	if address != "" {
		path += "?" + url.Values{"address": {address}}.Encode()
	}
	var p Purchases
	if err := c.do(ctx, http.MethodGet, path, nil, &p, http.StatusOK); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateInvoice asks the server for payment instructions.
func (c *Client) CreateInvoice(ctx context.Context, amount decimal.Decimal, label, message string) (*Invoice, error) {
	reqBody := map[string]interface{}{
		"amount":  amount,
		"label":   label,
		"message": message,
	}
	var inv Invoice
	if err := c.do(ctx, http.MethodPost, "/api/v1/invoices", reqBody, &inv, http.StatusCreated); err != nil {
		return nil, err
	}
	return &inv, nil
}

// do sends a JSON request and decodes the response into out when the status
// is one of want.
func (c *Client) do(ctx context.Context, method, path string, reqBody, out interface{}, want ...int) error {
	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if !slices.Contains(want, resp.StatusCode) {
		return c.parseErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("status %d: %s", resp.StatusCode, string(body)),
		}
	}

	return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
}

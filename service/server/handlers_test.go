package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/solverify/service/config"
	"github.com/brojonat/solverify/service/db"
	"github.com/brojonat/solverify/service/ledger"
	"github.com/brojonat/solverify/service/metrics"
	"github.com/brojonat/solverify/service/payment"
	"github.com/brojonat/solverify/service/poll"
	"github.com/brojonat/solverify/service/session"
	"github.com/brojonat/solverify/service/temporal"
)

const (
	senderAddress   = "So11111111111111111111111111111111111111112"
	receiverAddress = "B7dc7JSEsjM88nUfRbgkRzvKu6NwXzbANoJbSsyuJD2c"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedScanner returns the scripted results in order, then the fallback.
type scriptedScanner struct {
	mu       sync.Mutex
	results  []payment.Result
	fallback payment.Result
	ctxErrs  []error
}

func (s *scriptedScanner) Scan(ctx context.Context, params payment.VerificationParams) payment.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctxErrs = append(s.ctxErrs, ctx.Err())
	if len(s.results) > 0 {
		r := s.results[0]
		s.results = s.results[1:]
		return r
	}
	return s.fallback
}

func (s *scriptedScanner) Push(results ...payment.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, results...)
}

type fixture struct {
	scanner  *scriptedScanner
	ledger   *ledger.Ledger
	params   *ledger.ParamsStore
	session  *session.Session
	hub      *EventHub
	registry *prometheus.Registry
	handler  http.Handler
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	logger := discardLogger()
	kv := db.NewMemoryKV()
	f := &fixture{
		scanner:  &scriptedScanner{fallback: payment.NotFound("no transfer in the last 20 blocks")},
		ledger:   ledger.New(kv, payment.DefaultUnitPrice, logger, nil),
		params:   ledger.NewParamsStore(kv, logger),
		hub:      NewEventHub(nil, logger),
		registry: prometheus.NewRegistry(),
	}

	cfg := session.Config{
		Countdown:       300 * time.Second,
		PollInterval:    10 * time.Second,
		PollMaxAttempts: 30,
		Clock:           poll.NewFakeClock(time.Unix(1700000000, 0)),
	}
	f.session = session.New(f.scanner, f.ledger, f.params, f.hub.Presenter(), cfg, logger)
	t.Cleanup(f.session.Cancel)
	t.Cleanup(f.hub.Close)

	appCfg := &config.Config{
		ReceiverAddress: receiverAddress,
		UnitPrice:       payment.DefaultUnitPrice,
	}
	opts = append([]Option{WithMetrics(metrics.NewMetrics(f.registry))}, opts...)
	f.handler = New(":0", appCfg, f.session, f.ledger, f.hub, logger, opts...).Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func startBody(amount string) string {
	return `{"amount":"` + amount + `","sender_address":"` + senderAddress + `"}`
}

func decodeVerification(t *testing.T, w *httptest.ResponseRecorder) verificationResponse {
	t.Helper()
	var resp verificationResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

func matched(tx string) payment.Result {
	return payment.Matched(tx, 1000, time.Unix(1700000000, 0))
}

func TestStartVerification_Matched(t *testing.T) {
	f := newFixture(t)
	f.scanner.Push(matched("tx-1"))

	w := f.do(t, http.MethodPost, "/api/v1/verifications", startBody("2.5"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	resp := decodeVerification(t, w)
	require.NotNil(t, resp.Result)
	assert.Equal(t, payment.KindMatched, resp.Result.Kind)
	assert.Empty(t, resp.Message)
	assert.Equal(t, session.StateSuccess, resp.Snapshot.State)
	require.NotNil(t, resp.Snapshot.Record)
	assert.Equal(t, int64(2500), resp.Snapshot.Record.UnitAmount)
	require.NotNil(t, resp.Snapshot.Params)
	assert.Equal(t, receiverAddress, resp.Snapshot.Params.ReceiverAddress, "receiver defaults to the configured address")

	records, err := f.ledger.LoadValid(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, senderAddress, records[0].TargetAddress)
}

func TestStartVerification_ClientGoneStillRecords(t *testing.T) {
	f := newFixture(t)
	f.scanner.Push(matched("tx-gone"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/verifications", strings.NewReader(startBody("1"))).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	f.scanner.mu.Lock()
	assert.Equal(t, []error{nil}, f.scanner.ctxErrs, "scan must not see the request cancellation")
	f.scanner.mu.Unlock()

	records, err := f.ledger.LoadValid(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "tx-gone", *records[0].TransactionID)
}

func TestResumeVerification_AfterSuccessConflicts(t *testing.T) {
	f := newFixture(t)
	f.scanner.Push(matched("tx-done"))

	w := f.do(t, http.MethodPost, "/api/v1/verifications", startBody("1"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = f.do(t, http.MethodPost, "/api/v1/verifications/resume", "")
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	assert.Equal(t, session.StateSuccess, f.session.State())
}

func TestStartVerification_NotFoundWaits(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/verifications", startBody("1"))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	resp := decodeVerification(t, w)
	assert.Equal(t, payment.KindNotFound, resp.Result.Kind)
	assert.Contains(t, resp.Message, "No transfer of 1 SOL")
	assert.Equal(t, session.StateWaiting, resp.Snapshot.State)
	assert.Equal(t, 300, resp.Snapshot.Remaining)
	require.NotNil(t, resp.Snapshot.Poll)
	assert.Equal(t, 30, resp.Snapshot.Poll.AttemptsMax)

	_, ok, err := f.params.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, ok, "params persisted for resume")
}

func TestStartVerification_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `{"amount":`},
		{name: "zero amount", body: startBody("0")},
		{name: "negative amount", body: startBody("-1")},
		{name: "short sender", body: `{"amount":"1","sender_address":"abc"}`},
		{name: "missing sender", body: `{"amount":"1"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			w := f.do(t, http.MethodPost, "/api/v1/verifications", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

			var body map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.NotEmpty(t, body["error"])
			assert.Equal(t, session.StateIdle, f.session.State())
		})
	}
}

func TestRecheckVerification(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/verifications/recheck", "")
	assert.Equal(t, http.StatusNotFound, w.Code, "nothing to recheck yet")

	w = f.do(t, http.MethodPost, "/api/v1/verifications", startBody("2.5"))
	require.Equal(t, http.StatusAccepted, w.Code)

	f.scanner.Push(matched("tx-2"))
	w = f.do(t, http.MethodPost, "/api/v1/verifications/recheck", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeVerification(t, w)
	assert.Equal(t, session.StateSuccess, resp.Snapshot.State)
	require.NotNil(t, resp.Snapshot.Record)
	require.NotNil(t, resp.Snapshot.Record.TransactionID)
	assert.Equal(t, "tx-2", *resp.Snapshot.Record.TransactionID)

	w = f.do(t, http.MethodPost, "/api/v1/verifications/recheck", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRecheckVerification_TransientMessage(t *testing.T) {
	f := newFixture(t)
	f.scanner.Push(
		payment.NotFound("nothing"),
		payment.Transient(payment.HintRateLimited, "429 Too Many Requests"),
	)

	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/api/v1/verifications", startBody("1")).Code)

	w := f.do(t, http.MethodPost, "/api/v1/verifications/recheck", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeVerification(t, w)
	assert.Equal(t, payment.KindTransientError, resp.Result.Kind)
	assert.Contains(t, resp.Message, "rate limiting")
	assert.Equal(t, session.StateWaiting, resp.Snapshot.State)
}

func TestResumeVerification(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/verifications/resume", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	require.NoError(t, f.params.Save(context.Background(), payment.VerificationParams{
		Amount:          decimal.RequireFromString("0.5"),
		SenderAddress:   senderAddress,
		ReceiverAddress: receiverAddress,
	}))

	w = f.do(t, http.MethodPost, "/api/v1/verifications/resume", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeVerification(t, w)
	assert.Equal(t, session.StateWaiting, resp.Snapshot.State)
	require.NotNil(t, resp.Snapshot.Params)
	assert.Equal(t, "0.5", resp.Snapshot.Params.Amount.String())
}

func TestCancelVerification(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/api/v1/verifications", startBody("1")).Code)

	w := f.do(t, http.MethodDelete, "/api/v1/verifications", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, session.StateAbandoned, decodeVerification(t, w).Snapshot.State)

	_, ok, err := f.params.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, ok, "plain cancel keeps params")

	w = f.do(t, http.MethodDelete, "/api/v1/verifications?clear=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, session.StateIdle, decodeVerification(t, w).Snapshot.State)

	_, ok, err = f.params.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/v1/verifications/resume", "").Code)
}

func TestGetVerification(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/verifications", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeVerification(t, w)
	assert.Equal(t, session.StateIdle, resp.Snapshot.State)
	assert.Nil(t, resp.Snapshot.Params)
	assert.Nil(t, resp.Result)
}

func TestListPurchases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other := "11111111111111111111111111111111"

	tx1, tx2 := "tx-a", "tx-b"
	_, err := f.ledger.Append(ctx, decimal.RequireFromString("2.5"), senderAddress, &tx1)
	require.NoError(t, err)
	_, err = f.ledger.Append(ctx, decimal.RequireFromString("0.333"), other, &tx2)
	require.NoError(t, err)

	tests := []struct {
		name       string
		target     string
		count      int
		totalUnits int64
		totalSOL   string
	}{
		{name: "all", target: "/api/v1/purchases", count: 2, totalUnits: 2833, totalSOL: "2.833"},
		{name: "by address", target: "/api/v1/purchases?address=" + senderAddress, count: 1, totalUnits: 2500, totalSOL: "2.5"},
		{name: "unknown address", target: "/api/v1/purchases?address=nobody", count: 0, totalUnits: 0, totalSOL: "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodGet, tt.target, "")
			require.Equal(t, http.StatusOK, w.Code)

			var resp purchasesResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.count, resp.Count)
			assert.Len(t, resp.Records, tt.count)
			assert.Equal(t, tt.totalUnits, resp.TotalUnits)
			assert.Equal(t, tt.totalSOL, resp.TotalSOL.String())
		})
	}
}

type failingLister struct{}

func (failingLister) LoadValid(ctx context.Context) ([]ledger.SignedRecord, error) {
	return nil, errors.New("disk on fire")
}

func TestListPurchases_StoreError(t *testing.T) {
	handler := handleListPurchases(failingLister{}, discardLogger())
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/purchases", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestCreateInvoice(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/invoices", `{"amount":"1.5","label":"Shop"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var invoice Invoice
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &invoice))
	assert.Equal(t, receiverAddress, invoice.PayToAddress)
	assert.Equal(t, int64(1500), invoice.UnitAmount)
	assert.Contains(t, invoice.PaymentURL, "label=Shop")
	assert.NotEmpty(t, invoice.QRCodeData)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/v1/invoices", `{"amount":"0"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/v1/invoices", `not json`).Code)
}

func TestHealthAndCORS(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	w = f.do(t, http.MethodOptions, "/api/v1/verifications", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "DELETE")
}

func TestHTTPMetricsRecorded(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/api/v1/verifications", "")
	f.do(t, http.MethodPost, "/api/v1/verifications/recheck", "")

	families, err := f.registry.Gather()
	require.NoError(t, err)

	var total float64
	for _, fam := range families {
		if fam.GetName() != "http_requests_total" {
			continue
		}
		for _, m := range fam.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	assert.Equal(t, 2.0, total)
}

// fakeVerifier records calls made by the durable verification handlers.
type fakeVerifier struct {
	mu       sync.Mutex
	started  []temporal.VerifyPaymentInput
	signals  []string
	canceled []string
	err      error
}

func (v *fakeVerifier) StartVerification(ctx context.Context, input temporal.VerifyPaymentInput) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.err != nil {
		return "", v.err
	}
	v.started = append(v.started, input)
	return temporal.WorkflowID(input.Params), nil
}

func (v *fakeVerifier) QueryProgress(ctx context.Context, workflowID string) (*temporal.VerifyPaymentProgress, error) {
	if v.err != nil {
		return nil, v.err
	}
	return &temporal.VerifyPaymentProgress{Status: temporal.StatusWaiting, Attempts: 2, MaxAttempts: 30}, nil
}

func (v *fakeVerifier) Recheck(ctx context.Context, workflowID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.err != nil {
		return v.err
	}
	v.signals = append(v.signals, workflowID)
	return nil
}

func (v *fakeVerifier) CancelVerification(ctx context.Context, workflowID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.err != nil {
		return v.err
	}
	v.canceled = append(v.canceled, workflowID)
	return nil
}

func TestWorkflowEndpoints(t *testing.T) {
	verifier := &fakeVerifier{}
	f := newFixture(t, WithVerifier(verifier))

	body := `{"amount":"2.5","sender_address":"` + senderAddress + `","poll_interval":"5s","max_attempts":12}`
	w := f.do(t, http.MethodPost, "/api/v1/workflows/verifications", body)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var started workflowResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &started))
	expectedID := "verify-payment-" + senderAddress + "-" + receiverAddress
	assert.Equal(t, expectedID, started.WorkflowID)
	assert.Equal(t, "/api/v1/workflows/verifications/"+expectedID, started.StatusURL)

	require.Len(t, verifier.started, 1)
	assert.Equal(t, 5*time.Second, verifier.started[0].PollInterval)
	assert.Equal(t, 12, verifier.started[0].MaxAttempts)
	assert.Equal(t, receiverAddress, verifier.started[0].Params.ReceiverAddress)

	w = f.do(t, http.MethodGet, "/api/v1/workflows/verifications/"+expectedID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var progress workflowResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &progress))
	require.NotNil(t, progress.Progress)
	assert.Equal(t, temporal.StatusWaiting, progress.Progress.Status)
	assert.Equal(t, 2, progress.Progress.Attempts)

	w = f.do(t, http.MethodPost, "/api/v1/workflows/verifications/"+expectedID+"/recheck", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{expectedID}, verifier.signals)

	w = f.do(t, http.MethodDelete, "/api/v1/workflows/verifications/"+expectedID, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{expectedID}, verifier.canceled)
}

func TestWorkflowEndpoints_Errors(t *testing.T) {
	verifier := &fakeVerifier{}
	f := newFixture(t, WithVerifier(verifier))

	tests := []struct {
		name string
		body string
	}{
		{name: "bad poll interval", body: `{"amount":"1","sender_address":"` + senderAddress + `","poll_interval":"soon"}`},
		{name: "negative attempts", body: `{"amount":"1","sender_address":"` + senderAddress + `","max_attempts":-1}`},
		{name: "invalid amount", body: `{"amount":"0","sender_address":"` + senderAddress + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/api/v1/workflows/verifications", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
	assert.Empty(t, verifier.started)

	verifier.err = errors.New("workflow not found")
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/workflows/verifications/x", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/v1/workflows/verifications/x/recheck", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/api/v1/workflows/verifications/x", "").Code)
	assert.Equal(t, http.StatusInternalServerError, f.do(t, http.MethodPost, "/api/v1/workflows/verifications", startBody("1")).Code)
}

func TestWorkflowEndpoints_DisabledWithoutVerifier(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/v1/workflows/verifications", startBody("1"))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// sseReader reads SSE frames from a streaming response.
type sseReader struct {
	scanner *bufio.Scanner
}

// next returns the event name and data of the next frame, skipping comments.
func (r *sseReader) next(t *testing.T) (string, string) {
	t.Helper()
	var event, data string
	for r.scanner.Scan() {
		line := r.scanner.Text()
		switch {
		case line == "":
			if event != "" {
				return event, data
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
	t.Fatalf("stream ended: %v", r.scanner.Err())
	return "", ""
}

func TestStreamSessionEvents(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.handler)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/verifications/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	stream := &sseReader{scanner: bufio.NewScanner(resp.Body)}
	event, data := stream.next(t)
	require.Equal(t, "snapshot", event)
	var snap session.Snapshot
	require.NoError(t, json.Unmarshal([]byte(data), &snap))
	assert.Equal(t, session.StateIdle, snap.State)

	f.scanner.Push(matched("tx-sse"))
	startResp, err := http.Post(srv.URL+"/api/v1/verifications", "application/json", strings.NewReader(startBody("2.5")))
	require.NoError(t, err)
	startResp.Body.Close()
	require.Equal(t, http.StatusCreated, startResp.StatusCode)

	event, _ = stream.next(t)
	assert.Equal(t, session.EventChecking, event)

	event, data = stream.next(t)
	require.Equal(t, session.EventSuccess, event)
	var success session.Event
	require.NoError(t, json.Unmarshal([]byte(data), &success))
	require.NotNil(t, success.Record)
	require.NotNil(t, success.Record.TransactionID)
	assert.Equal(t, "tx-sse", *success.Record.TransactionID)
}

func TestEventHub(t *testing.T) {
	hub := NewEventHub(nil, discardLogger())

	a, unsubA := hub.Subscribe()
	b, unsubB := hub.Subscribe()
	assert.Equal(t, 2, hub.Subscribers())

	hub.Presenter().OnFailure("not yet")
	for _, ch := range []<-chan session.Event{a, b} {
		select {
		case e := <-ch:
			assert.Equal(t, session.EventFailure, e.Type)
			assert.Equal(t, "not yet", e.Message)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}

	unsubA()
	unsubA()
	assert.Equal(t, 1, hub.Subscribers())
	_, open := <-a
	assert.False(t, open)

	hub.Close()
	_, open = <-b
	assert.False(t, open)
	unsubB()

	c, _ := hub.Subscribe()
	_, open = <-c
	assert.False(t, open, "subscribing after close yields a closed channel")
}

func TestEventHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	hub := NewEventHub(nil, discardLogger())
	_, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBufferLen*2; i++ {
			hub.Presenter().OnCountdownTick(time.Duration(i) * time.Second)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

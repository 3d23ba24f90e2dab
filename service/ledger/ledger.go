// Package ledger keeps the local append-only ledger of purchase records and
// the resumable verification parameters.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/brojonat/solverify/service/db"
	"github.com/brojonat/solverify/service/metrics"
	"github.com/brojonat/solverify/service/payment"
)

// RecordsKey is the store key holding the JSON array of signed records.
const RecordsKey = "purchaseRecords"

var (
	// ErrDuplicateTransaction is returned when a transaction id has already
	// been credited by a valid record.
	ErrDuplicateTransaction = errors.New("transaction already recorded")
	// ErrRecordNotFound is returned when no valid record matches a lookup.
	ErrRecordNotFound = errors.New("purchase record not found")
	// ErrAlreadyCompleted is returned when completing a completed record.
	ErrAlreadyCompleted = errors.New("purchase record already completed")
)

// Ledger appends signed purchase records to a KV store. Records failing their
// checksum are dropped on load and never surface to callers.
type Ledger struct {
	kv      db.KV
	price   decimal.Decimal
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	now   func() time.Time
	newID func() string
}

// New creates a ledger pricing units at price. m may be nil.
func New(kv db.KV, price decimal.Decimal, logger *slog.Logger, m *metrics.Metrics) *Ledger {
	return &Ledger{
		kv:      kv,
		price:   price,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		newID:   newRecordID,
	}
}

// Price returns the unit price applied to new records.
func (l *Ledger) Price() decimal.Decimal {
	return l.price
}

// Append validates the purchase, computes the unit amount from the price,
// signs the record and persists it. A record carrying txID is completed and
// verified; without one it is pending verification.
func (l *Ledger) Append(ctx context.Context, amount decimal.Decimal, address string, txID *string) (*SignedRecord, error) {
	if err := payment.ValidateAmount(amount); err != nil {
		return nil, err
	}
	address = strings.TrimSpace(address)
	if err := payment.ValidateAddress(address); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	records, err := l.load(ctx)
	if err != nil {
		l.recordAppend("error")
		return nil, err
	}

	if txID != nil {
		for _, r := range records {
			if r.HasTransaction(*txID) {
				l.recordAppend("duplicate")
				return nil, fmt.Errorf("%w: %s", ErrDuplicateTransaction, *txID)
			}
		}
	}

	sol := payment.RoundSOL(amount)
	record := PurchaseRecord{
		ID:              l.newID(),
		CreatedAt:       l.now().UTC(),
		SolAmount:       sol,
		TargetAddress:   address,
		UnitAmount:      payment.UnitAmount(sol, l.price),
		Status:          StatusPending,
		PriceAtPurchase: l.price,
		PaymentStatus:   PaymentPendingVerification,
	}
	if txID != nil {
		id := *txID
		record.TransactionID = &id
		record.Status = StatusCompleted
		record.PaymentStatus = PaymentVerified
	}

	signed, err := Sign(record)
	if err != nil {
		l.recordAppend("error")
		return nil, err
	}

	if err := l.save(ctx, append(records, signed)); err != nil {
		l.recordAppend("error")
		return nil, err
	}
	l.recordAppend("ok")

	l.logger.InfoContext(ctx, "purchase recorded",
		"id", signed.ID,
		"target_address", signed.TargetAddress,
		"sol_amount", signed.SolAmount.String(),
		"unit_amount", signed.UnitAmount,
		"status", signed.Status,
	)

	return &signed, nil
}

// LoadValid returns every stored record whose checksum verifies, oldest first.
// Corrupt content never produces an error; only storage failures do.
func (l *Ledger) LoadValid(ctx context.Context) ([]SignedRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.load(ctx)
}

// Complete moves a pending record to completed with the matched transaction.
// It is the only mutation the ledger allows.
func (l *Ledger) Complete(ctx context.Context, id, txID string) (*SignedRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	records, err := l.load(ctx)
	if err != nil {
		return nil, err
	}

	idx := -1
	for i, r := range records {
		if r.HasTransaction(txID) && r.ID != id {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTransaction, txID)
		}
		if r.ID == id {
			idx = i
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	if records[idx].Status == StatusCompleted {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyCompleted, id)
	}

	record := records[idx].PurchaseRecord
	tx := txID
	record.TransactionID = &tx
	record.Status = StatusCompleted
	record.PaymentStatus = PaymentVerified

	signed, err := Sign(record)
	if err != nil {
		return nil, err
	}
	records[idx] = signed

	if err := l.save(ctx, records); err != nil {
		return nil, err
	}

	l.logger.InfoContext(ctx, "purchase completed", "id", id, "transaction_id", txID)
	return &signed, nil
}

// FindByTransaction returns the valid record credited for txID.
func (l *Ledger) FindByTransaction(ctx context.Context, txID string) (*SignedRecord, error) {
	records, err := l.LoadValid(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		if r.HasTransaction(txID) {
			return &r, nil
		}
	}
	return nil, fmt.Errorf("%w: transaction %s", ErrRecordNotFound, txID)
}

// load reads and filters the stored records. Callers hold l.mu.
func (l *Ledger) load(ctx context.Context) ([]SignedRecord, error) {
	raw, err := l.kv.Get(ctx, RecordsKey)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load purchase records: %w", err)
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		l.logger.WarnContext(ctx, "stored purchase records are not a list, treating as empty", "error", err)
		l.recordDropped("malformed", 1)
		return nil, nil
	}

	valid := make([]SignedRecord, 0, len(entries))
	var malformed, tampered, inconsistent int
	for _, entry := range entries {
		var r SignedRecord
		if err := json.Unmarshal(entry, &r); err != nil {
			malformed++
			continue
		}
		if !r.Verify() {
			tampered++
			continue
		}
		if !r.consistent() {
			inconsistent++
			continue
		}
		valid = append(valid, r)
	}

	if dropped := malformed + tampered + inconsistent; dropped > 0 {
		l.logger.WarnContext(ctx, "dropped invalid purchase records",
			"malformed", malformed,
			"checksum_mismatch", tampered,
			"unit_amount_mismatch", inconsistent,
		)
		l.recordDropped("malformed", malformed)
		l.recordDropped("checksum", tampered)
		l.recordDropped("unit_amount", inconsistent)
	}

	return valid, nil
}

func (l *Ledger) save(ctx context.Context, records []SignedRecord) error {
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to marshal purchase records: %w", err)
	}
	if err := l.kv.Put(ctx, RecordsKey, data); err != nil {
		return fmt.Errorf("failed to save purchase records: %w", err)
	}
	return nil
}

func (l *Ledger) recordAppend(status string) {
	if l.metrics != nil {
		l.metrics.RecordLedgerAppend(status)
	}
}

func (l *Ledger) recordDropped(reason string, count int) {
	if l.metrics != nil && count > 0 {
		l.metrics.RecordRecordsDropped(reason, count)
	}
}

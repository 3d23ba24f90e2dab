package ledger

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/brojonat/solverify/service/payment"
)

// Status of a purchase record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// PaymentStatus tracks whether the transfer behind a record has been matched
// on the ledger.
type PaymentStatus string

const (
	PaymentVerified            PaymentStatus = "verified"
	PaymentPendingVerification PaymentStatus = "pending_verification"
)

// PurchaseRecord is one credited purchase. UnitAmount is always derived from
// SolAmount and PriceAtPurchase.
type PurchaseRecord struct {
	ID              string          `json:"id"`
	CreatedAt       time.Time       `json:"created_at"`
	SolAmount       decimal.Decimal `json:"sol_amount"`
	TargetAddress   string          `json:"target_address"`
	UnitAmount      int64           `json:"unit_amount"`
	Status          Status          `json:"status"`
	TransactionID   *string         `json:"transaction_id"`
	PriceAtPurchase decimal.Decimal `json:"price_at_purchase"`
	PaymentStatus   PaymentStatus   `json:"payment_status"`
}

// SignedRecord is a PurchaseRecord plus the checksum over its serialised form.
type SignedRecord struct {
	PurchaseRecord
	Checksum string `json:"checksum"`
}

// Checksum hashes the JSON encoding of r with FNV-1a 64. It detects accidental
// or casual edits to stored records; it is not a cryptographic signature.
func Checksum(r PurchaseRecord) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record: %w", err)
	}
	h := fnv.New64a()
	_, _ = h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Sign computes the checksum of r.
func Sign(r PurchaseRecord) (SignedRecord, error) {
	sum, err := Checksum(r)
	if err != nil {
		return SignedRecord{}, err
	}
	return SignedRecord{PurchaseRecord: r, Checksum: sum}, nil
}

// Verify reports whether the stored checksum matches the record content.
func (s SignedRecord) Verify() bool {
	sum, err := Checksum(s.PurchaseRecord)
	if err != nil {
		return false
	}
	return sum == s.Checksum
}

// consistent reports whether the unit amount is what the price implies.
func (r PurchaseRecord) consistent() bool {
	return r.UnitAmount == payment.UnitAmount(r.SolAmount, r.PriceAtPurchase)
}

// HasTransaction reports whether the record was matched to txID.
func (r PurchaseRecord) HasTransaction(txID string) bool {
	return r.TransactionID != nil && *r.TransactionID == txID
}

func newRecordID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

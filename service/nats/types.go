package nats

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/brojonat/solverify/service/ledger"
)

// PurchaseEvent is published to "purchases.{target_address}" in JetStream
// every time a verified purchase is recorded.
type PurchaseEvent struct {
	RecordID      string  `json:"record_id"`
	TransactionID *string `json:"transaction_id,omitempty"`
	TargetAddress string  `json:"target_address"`

	SolAmount       decimal.Decimal `json:"sol_amount"`
	UnitAmount      int64           `json:"unit_amount"`
	PriceAtPurchase decimal.Decimal `json:"price_at_purchase"`

	Status        ledger.Status        `json:"status"`
	PaymentStatus ledger.PaymentStatus `json:"payment_status"`
	Checksum      string               `json:"checksum"`

	CreatedAt   time.Time `json:"created_at"`
	PublishedAt time.Time `json:"published_at"`
}

// FromRecord converts a signed purchase record to a PurchaseEvent.
func FromRecord(rec ledger.SignedRecord) *PurchaseEvent {
	return &PurchaseEvent{
		RecordID:        rec.ID,
		TransactionID:   rec.TransactionID,
		TargetAddress:   rec.TargetAddress,
		SolAmount:       rec.SolAmount,
		UnitAmount:      rec.UnitAmount,
		PriceAtPurchase: rec.PriceAtPurchase,
		Status:          rec.Status,
		PaymentStatus:   rec.PaymentStatus,
		Checksum:        rec.Checksum,
		CreatedAt:       rec.CreatedAt,
		PublishedAt:     time.Now().UTC(),
	}
}

// Subject returns the subject purchase events for address are published on.
// An empty address yields the wildcard covering every address.
func Subject(address string) string {
	if address == "" {
		return StreamSubjects
	}
	return fmt.Sprintf("%s.%s", subjectPrefix, address)
}

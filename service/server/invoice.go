package server

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/skip2/go-qrcode"

	"github.com/brojonat/solverify/service/payment"
)

const (
	defaultInvoiceLabel   = "Solverify"
	defaultInvoiceMessage = "Purchase"
	memoPrefix            = "solverify:"
)

// Invoice tells a buyer how to pay. The buyer enters the same amount and
// their sender address to start a verification once the transfer is sent.
type Invoice struct {
	ID           string          `json:"id"`
	PayToAddress string          `json:"pay_to_address"`
	Amount       decimal.Decimal `json:"amount"`
	UnitAmount   int64           `json:"unit_amount"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	Memo         string          `json:"memo"`
	PaymentURL   string          `json:"payment_url"`  // Solana Pay URL for wallet apps
	QRCodeData   string          `json:"qr_code_data"` // base64 PNG, empty if encoding failed
	VerifyURL    string          `json:"verify_url"`
	CreatedAt    time.Time       `json:"created_at"`
}

// generateInvoice builds the payment instructions for amount SOL paid to
// receiver.
func generateInvoice(receiver string, amount, unitPrice decimal.Decimal, label, message string) (Invoice, error) {
	if err := payment.ValidateAmount(amount); err != nil {
		return Invoice{}, err
	}
	if err := payment.ValidateAddress(receiver); err != nil {
		return Invoice{}, fmt.Errorf("receiver: %w", err)
	}
	if label == "" {
		label = defaultInvoiceLabel
	}
	if message == "" {
		message = defaultInvoiceMessage
	}

	id := uuid.New().String()
	memo := memoPrefix + id
	amount = payment.RoundSOL(amount)
	paymentURL := buildSolanaPayURL(receiver, amount, memo, label, message)

	// The URL is still usable without the image.
	qrCodeData, err := generateQRCode(paymentURL)
	if err != nil {
		qrCodeData = ""
	}

	return Invoice{
		ID:           id,
		PayToAddress: receiver,
		Amount:       amount,
		UnitAmount:   payment.UnitAmount(amount, unitPrice),
		UnitPrice:    unitPrice,
		Memo:         memo,
		PaymentURL:   paymentURL,
		QRCodeData:   qrCodeData,
		VerifyURL:    "/api/v1/verifications",
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// buildSolanaPayURL creates a Solana Pay transfer request.
// Format: solana:{recipient}?amount={amount}&label={label}&memo={memo}&message={message}
func buildSolanaPayURL(recipient string, amount decimal.Decimal, memo, label, message string) string {
	params := url.Values{}
	params.Set("amount", amount.String())
	params.Set("memo", memo)
	params.Set("label", label)
	params.Set("message", message)
	return fmt.Sprintf("solana:%s?%s", recipient, params.Encode())
}

// generateQRCode creates a QR code image from a payment URL and returns it as base64-encoded PNG.
func generateQRCode(data string) (string, error) {
	qr, err := qrcode.New(data, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("failed to create QR code: %w", err)
	}

	png, err := qr.PNG(256)
	if err != nil {
		return "", fmt.Errorf("failed to encode QR code as PNG: %w", err)
	}

	return base64.StdEncoding.EncodeToString(png), nil
}

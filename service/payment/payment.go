// Package payment holds the domain types shared by the scanner, the purchase
// ledger and the verification session.
package payment

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// ErrInvalidInput is returned when an amount or address is rejected before any
// remote call is made. It is never retried.
var ErrInvalidInput = errors.New("invalid input")

const (
	// SOLDecimalPlaces is the precision purchase amounts are rounded to.
	SOLDecimalPlaces = 8

	minAddressLength = 32
	maxAddressLength = 44
)

// DefaultUnitPrice is the authoritative price of one unit, in SOL.
// 1 unit = 0.001 SOL.
var DefaultUnitPrice = decimal.RequireFromString("0.001")

// VerificationParams describe the transfer a session is looking for.
// They are persisted so an interrupted verification can be resumed.
type VerificationParams struct {
	Amount          decimal.Decimal `json:"amount"`
	SenderAddress   string          `json:"sender_address"`
	ReceiverAddress string          `json:"receiver_address"`
}

// Validate checks the amount and both addresses.
func (p VerificationParams) Validate() error {
	if err := ValidateAmount(p.Amount); err != nil {
		return err
	}
	if err := ValidateAddress(p.SenderAddress); err != nil {
		return fmt.Errorf("sender: %w", err)
	}
	if err := ValidateAddress(p.ReceiverAddress); err != nil {
		return fmt.Errorf("receiver: %w", err)
	}
	return nil
}

// ValidateAmount rejects zero and negative amounts.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be greater than zero, got %s", ErrInvalidInput, amount.String())
	}
	return nil
}

// ValidateAddress checks that address looks like a Solana public key:
// base58, 32 to 44 characters, decoding to 32 bytes.
func ValidateAddress(address string) error {
	address = strings.TrimSpace(address)
	if len(address) < minAddressLength || len(address) > maxAddressLength {
		return fmt.Errorf("%w: address must be %d-%d characters, got %d", ErrInvalidInput, minAddressLength, maxAddressLength, len(address))
	}
	if _, err := solana.PublicKeyFromBase58(address); err != nil {
		return fmt.Errorf("%w: address is not a valid solana public key: %v", ErrInvalidInput, err)
	}
	return nil
}

// RoundSOL rounds a SOL amount to SOLDecimalPlaces.
func RoundSOL(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(SOLDecimalPlaces)
}

// UnitAmount returns round(sol / price). The result is never taken from a
// caller; it is always derived from the paid amount and the price.
func UnitAmount(sol, price decimal.Decimal) int64 {
	if !price.IsPositive() {
		return 0
	}
	return sol.Div(price).Round(0).IntPart()
}

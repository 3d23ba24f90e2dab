package solana

import (
	"time"
)

// BlockTransaction is one transaction of a block, reduced to what payment
// matching needs. Participants are the static account keys in message order;
// the first two are the fee payer (sender) and the first writable account
// (receiver of a plain transfer).
type BlockTransaction struct {
	Signature    string
	Participants []string
	BlockTime    time.Time
	Failed       bool
}

// Block is the decoded content of one slot.
type Block struct {
	Height       uint64
	BlockTime    time.Time
	Transactions []BlockTransaction
	// Undecodable counts transactions that were skipped during decoding.
	Undecodable int
}

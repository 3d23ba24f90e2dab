package solana

import (
	"time"

	"github.com/gagliardetto/solana-go/rpc"
)

// parseBlock decodes every transaction of a getBlock result. A transaction
// that cannot be decoded is counted and skipped; it never fails the block.
func parseBlock(height uint64, result *rpc.GetBlockResult) *Block {
	block := &Block{Height: height}
	if result == nil {
		return block
	}
	if result.BlockTime != nil {
		block.BlockTime = result.BlockTime.Time()
	}

	block.Transactions = make([]BlockTransaction, 0, len(result.Transactions))
	for _, twm := range result.Transactions {
		txn, ok := parseTransaction(twm, block.BlockTime)
		if !ok {
			block.Undecodable++
			continue
		}
		block.Transactions = append(block.Transactions, txn)
	}
	return block
}

func parseTransaction(twm rpc.TransactionWithMeta, blockTime time.Time) (txn BlockTransaction, ok bool) {
	// The decoder panics on some truncated payloads.
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()

	if twm.Transaction == nil {
		return BlockTransaction{}, false
	}
	tx, err := twm.GetTransaction()
	if err != nil || tx == nil || len(tx.Signatures) == 0 {
		return BlockTransaction{}, false
	}

	participants := make([]string, 0, len(tx.Message.AccountKeys))
	for _, key := range tx.Message.AccountKeys {
		participants = append(participants, key.String())
	}

	txn = BlockTransaction{
		Signature:    tx.Signatures[0].String(),
		Participants: participants,
		BlockTime:    blockTime,
		Failed:       twm.Meta != nil && twm.Meta.Err != nil,
	}
	if twm.BlockTime != nil {
		txn.BlockTime = twm.BlockTime.Time()
	}
	return txn, true
}

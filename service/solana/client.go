package solana

import (
	"context"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/brojonat/solverify/service/metrics"
	"github.com/brojonat/solverify/service/payment"
)

// RPCClient is the subset of Solana RPC we need. It lets tests fake the
// remote ledger without hitting real nodes.
type RPCClient interface {
	GetSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
	GetBlockWithOpts(ctx context.Context, slot uint64, opts *rpc.GetBlockOpts) (*rpc.GetBlockResult, error)
}

// DefaultCommitment is used for every ledger query. getBlock does not accept
// "processed", so confirmed is the freshest level both calls share.
const DefaultCommitment = rpc.CommitmentConfirmed

// Client is the read-only remote ledger query service: the current height and
// the transactions of a block.
type Client struct {
	rpc        RPCClient
	logger     *slog.Logger
	metrics    *metrics.Metrics
	endpoint   string // RPC endpoint identifier for metrics
	commitment rpc.CommitmentType
}

// NewClient creates a new Solana ledger client.
// If metrics is nil, no metrics will be recorded.
func NewClient(rpcClient RPCClient, endpoint string, m *metrics.Metrics, logger *slog.Logger) *Client {
	return &Client{
		rpc:        rpcClient,
		logger:     logger,
		metrics:    m,
		endpoint:   endpoint,
		commitment: DefaultCommitment,
	}
}

// CurrentHeight returns the most recent slot at the client's commitment.
func (c *Client) CurrentHeight(ctx context.Context) (uint64, error) {
	start := time.Now()
	slot, err := c.rpc.GetSlot(ctx, c.commitment)
	c.recordCall(ctx, "GetSlot", start, err)
	if err != nil {
		return 0, err
	}
	return slot, nil
}

// BlockTransactions fetches the block at height with full transaction detail.
// Transactions that fail to decode are skipped and counted in Undecodable.
func (c *Client) BlockTransactions(ctx context.Context, height uint64) (*Block, error) {
	rewards := false
	opts := &rpc.GetBlockOpts{
		Encoding:                       solana.EncodingBase64,
		TransactionDetails:             rpc.TransactionDetailsFull,
		Rewards:                        &rewards,
		Commitment:                     c.commitment,
		MaxSupportedTransactionVersion: &[]uint64{0}[0],
	}

	start := time.Now()
	result, err := c.rpc.GetBlockWithOpts(ctx, height, opts)
	c.recordCall(ctx, "GetBlock", start, err)
	if err != nil {
		return nil, err
	}

	block := parseBlock(height, result)
	if block.Undecodable > 0 {
		c.logger.WarnContext(ctx, "skipped undecodable transactions",
			"slot", height,
			"count", block.Undecodable,
		)
	}
	if c.metrics != nil {
		c.metrics.RecordTransactionsInspected("decoded", len(block.Transactions))
		c.metrics.RecordTransactionsInspected("undecodable", block.Undecodable)
	}

	return block, nil
}

func (c *Client) recordCall(ctx context.Context, method string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
		c.logger.DebugContext(ctx, "solana rpc call failed", "method", method, "error", err)
	}
	if c.metrics == nil {
		return
	}
	c.metrics.RecordRPCCall(method, status, c.endpoint, time.Since(start).Seconds())
	if err != nil && Classify(err) == payment.HintRateLimited {
		c.metrics.RecordRateLimitHit(c.endpoint)
	}
}

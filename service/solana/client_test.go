package solana

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/solverify/service/metrics"
)

// mockRPCClient implements RPCClient for testing.
type mockRPCClient struct {
	slot      uint64
	blocks    map[uint64]*rpc.GetBlockResult
	err       error
	blockOpts *rpc.GetBlockOpts
}

func (m *mockRPCClient) GetSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error) {
	if m.err != nil {
		return 0, m.err
	}
	return m.slot, nil
}

func (m *mockRPCClient) GetBlockWithOpts(ctx context.Context, slot uint64, opts *rpc.GetBlockOpts) (*rpc.GetBlockResult, error) {
	m.blockOpts = opts
	if m.err != nil {
		return nil, m.err
	}
	b, ok := m.blocks[slot]
	if !ok {
		return nil, fmt.Errorf("Slot %d was skipped, or missing in long-term storage", slot)
	}
	return b, nil
}

func newTestClient(mock *mockRPCClient) *Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(mock, "test", metrics.NewMetrics(prometheus.NewRegistry()), logger)
}

// encodeTransaction builds a signed-looking legacy transfer and returns it in
// the base64 wire form getBlock uses.
func encodeTransaction(t *testing.T, sig solana.Signature, keys ...solana.PublicKey) string {
	t.Helper()
	tx := &solana.Transaction{
		Signatures: []solana.Signature{sig},
		Message: solana.Message{
			Header: solana.MessageHeader{
				NumRequiredSignatures:       1,
				NumReadonlyUnsignedAccounts: 1,
			},
			AccountKeys: keys,
			Instructions: []solana.CompiledInstruction{
				{
					ProgramIDIndex: uint16(len(keys) - 1),
					Accounts:       []uint16{0, 1},
					Data:           []byte{2, 0, 0, 0, 0, 202, 154, 59, 0, 0, 0, 0},
				},
			},
		},
	}
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

// blockResult decodes a getBlock JSON response the way the RPC client would.
func blockResult(t *testing.T, blockTime int64, txs ...string) *rpc.GetBlockResult {
	t.Helper()
	type entry struct {
		Transaction []string       `json:"transaction"`
		Meta        map[string]any `json:"meta"`
	}
	payload := struct {
		BlockTime    int64   `json:"blockTime"`
		ParentSlot   uint64  `json:"parentSlot"`
		Transactions []entry `json:"transactions"`
	}{BlockTime: blockTime}
	for _, tx := range txs {
		payload.Transactions = append(payload.Transactions, entry{
			Transaction: []string{tx, "base64"},
			Meta:        map[string]any{"err": nil, "fee": 5000},
		})
	}

	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	var out rpc.GetBlockResult
	require.NoError(t, json.Unmarshal(raw, &out))
	return &out
}

func TestClient_CurrentHeight(t *testing.T) {
	c := newTestClient(&mockRPCClient{slot: 4242})

	h, err := c.CurrentHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(4242), h)

	c = newTestClient(&mockRPCClient{err: errors.New("429 Too Many Requests")})
	_, err = c.CurrentHeight(context.Background())
	assert.Error(t, err)
}

func TestClient_BlockTransactions(t *testing.T) {
	sig := solana.MustSignatureFromBase58("5j7s6NiJS3JAkvgkoc18WVAsiSaci2pxB2A6ueCJP4tprA2TFg9wSyTLeYouxPBJEMzJinENTkpA52YStRW5Dia7")
	from := solana.MustPublicKeyFromBase58(senderX)
	to := solana.MustPublicKeyFromBase58(receiverY)

	good := encodeTransaction(t, sig, from, to, solana.SystemProgramID)
	garbage := base64.StdEncoding.EncodeToString([]byte{0xff, 0x01})

	mock := &mockRPCClient{
		blocks: map[uint64]*rpc.GetBlockResult{
			77: blockResult(t, 1700000000, good, garbage),
		},
	}
	c := newTestClient(mock)

	block, err := c.BlockTransactions(context.Background(), 77)
	require.NoError(t, err)

	assert.Equal(t, uint64(77), block.Height)
	assert.Equal(t, int64(1700000000), block.BlockTime.Unix())
	assert.Equal(t, 1, block.Undecodable)
	require.Len(t, block.Transactions, 1)

	txn := block.Transactions[0]
	assert.Equal(t, sig.String(), txn.Signature)
	require.Len(t, txn.Participants, 3)
	assert.Equal(t, senderX, txn.Participants[0])
	assert.Equal(t, receiverY, txn.Participants[1])
	assert.False(t, txn.Failed)

	require.NotNil(t, mock.blockOpts)
	assert.Equal(t, rpc.TransactionDetailsFull, mock.blockOpts.TransactionDetails)
	require.NotNil(t, mock.blockOpts.MaxSupportedTransactionVersion)
	assert.Equal(t, uint64(0), *mock.blockOpts.MaxSupportedTransactionVersion)
}

func TestClient_BlockTransactionsError(t *testing.T) {
	c := newTestClient(&mockRPCClient{blocks: map[uint64]*rpc.GetBlockResult{}})

	_, err := c.BlockTransactions(context.Background(), 9)
	assert.Error(t, err)
}

func TestParseBlock_Nil(t *testing.T) {
	block := parseBlock(5, nil)
	assert.Equal(t, uint64(5), block.Height)
	assert.Empty(t, block.Transactions)
}

func TestClient_WithScanner(t *testing.T) {
	sig := solana.MustSignatureFromBase58("5j7s6NiJS3JAkvgkoc18WVAsiSaci2pxB2A6ueCJP4tprA2TFg9wSyTLeYouxPBJEMzJinENTkpA52YStRW5Dia7")
	from := solana.MustPublicKeyFromBase58(senderX)
	to := solana.MustPublicKeyFromBase58(receiverY)

	mock := &mockRPCClient{
		slot: 1005,
		blocks: map[uint64]*rpc.GetBlockResult{
			1005: blockResult(t, 1700000100),
			1003: blockResult(t, 1700000090, encodeTransaction(t, sig, from, to, solana.SystemProgramID)),
		},
	}

	result := newTestScanner(newTestClient(mock)).Scan(context.Background(), testParams())

	require.True(t, result.IsMatched())
	assert.Equal(t, sig.String(), result.TransactionID)
	assert.Equal(t, uint64(1003), result.BlockHeight)
	assert.Equal(t, int64(1700000090), result.Timestamp.Unix())
}

package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/solverify/service/db"
	"github.com/brojonat/solverify/service/payment"
)

const (
	testAddress  = "So11111111111111111111111111111111111111112"
	otherAddress = "B7dc7JSEsjM88nUfRbgkRzvKu6NwXzbANoJbSsyuJD2c"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLedger(t *testing.T) (*Ledger, *db.MemoryKV) {
	t.Helper()
	kv := db.NewMemoryKV()
	l := New(kv, payment.DefaultUnitPrice, discardLogger(), nil)

	seq := 0
	l.newID = func() string {
		seq++
		return fmt.Sprintf("rec-%d", seq)
	}
	l.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return l, kv
}

func strPtr(s string) *string { return &s }

func TestLedger_AppendRoundTrip(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	rec, err := l.Append(ctx, decimal.RequireFromString("2.5"), testAddress, strPtr("sig-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(2500), rec.UnitAmount)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, PaymentVerified, rec.PaymentStatus)
	assert.True(t, rec.PriceAtPurchase.Equal(payment.DefaultUnitPrice))
	assert.True(t, rec.Verify())

	records, err := l.LoadValid(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, rec.ID, records[0].ID)
	assert.Equal(t, rec.Checksum, records[0].Checksum)
	assert.True(t, records[0].SolAmount.Equal(decimal.RequireFromString("2.5")))
	require.NotNil(t, records[0].TransactionID)
	assert.Equal(t, "sig-1", *records[0].TransactionID)
}

func TestLedger_AppendWithoutTransactionIsPending(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	rec, err := l.Append(ctx, decimal.RequireFromString("0.333"), testAddress, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(333), rec.UnitAmount)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, PaymentPendingVerification, rec.PaymentStatus)
	assert.Nil(t, rec.TransactionID)
}

func TestLedger_AppendRoundsSolAmount(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	rec, err := l.Append(ctx, decimal.RequireFromString("1.123456789"), testAddress, nil)
	require.NoError(t, err)
	assert.True(t, rec.SolAmount.Equal(decimal.RequireFromString("1.12345679")))
	assert.Equal(t, int64(1123), rec.UnitAmount)
}

func TestLedger_AppendInvalidInput(t *testing.T) {
	ctx := context.Background()
	l, kv := newTestLedger(t)

	tests := []struct {
		name    string
		amount  string
		address string
	}{
		{name: "zero amount", amount: "0", address: testAddress},
		{name: "negative amount", amount: "-0.5", address: testAddress},
		{name: "short address", amount: "1", address: "short"},
		{name: "not base58", amount: "1", address: "0000000000000000000000000000000000000000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Append(ctx, decimal.RequireFromString(tt.amount), tt.address, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, payment.ErrInvalidInput)
		})
	}

	_, err := kv.Get(ctx, RecordsKey)
	assert.ErrorIs(t, err, db.ErrNotFound, "rejected input must not touch the store")
}

func TestLedger_DuplicateTransaction(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	_, err := l.Append(ctx, decimal.RequireFromString("1"), testAddress, strPtr("sig-dup"))
	require.NoError(t, err)

	_, err = l.Append(ctx, decimal.RequireFromString("1"), testAddress, strPtr("sig-dup"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateTransaction))

	records, err := l.LoadValid(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	found, err := l.FindByTransaction(ctx, "sig-dup")
	require.NoError(t, err)
	assert.Equal(t, records[0].ID, found.ID)

	_, err = l.FindByTransaction(ctx, "missing")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

// storedEntries decodes the raw stored array so tests can tamper with it.
func storedEntries(t *testing.T, kv db.KV) []map[string]any {
	t.Helper()
	raw, err := kv.Get(context.Background(), RecordsKey)
	require.NoError(t, err)
	var entries []map[string]any
	require.NoError(t, json.Unmarshal(raw, &entries))
	return entries
}

func storeEntries(t *testing.T, kv db.KV, entries []map[string]any) {
	t.Helper()
	raw, err := json.Marshal(entries)
	require.NoError(t, err)
	require.NoError(t, kv.Put(context.Background(), RecordsKey, raw))
}

func TestLedger_TamperedRecordExcluded(t *testing.T) {
	ctx := context.Background()
	l, kv := newTestLedger(t)

	_, err := l.Append(ctx, decimal.RequireFromString("1"), testAddress, strPtr("sig-a"))
	require.NoError(t, err)
	second, err := l.Append(ctx, decimal.RequireFromString("2"), otherAddress, strPtr("sig-b"))
	require.NoError(t, err)

	entries := storedEntries(t, kv)
	require.Len(t, entries, 2)
	entries[0]["target_address"] = otherAddress
	storeEntries(t, kv, entries)

	records, err := l.LoadValid(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, second.ID, records[0].ID)
}

func TestLedger_InflatedUnitAmountIgnored(t *testing.T) {
	ctx := context.Background()
	l, kv := newTestLedger(t)

	_, err := l.Append(ctx, decimal.RequireFromString("1"), testAddress, strPtr("sig-a"))
	require.NoError(t, err)

	// Edit the unit amount and re-sign it: the checksum now matches but the
	// amount no longer follows from the price.
	entries := storedEntries(t, kv)
	raw, err := json.Marshal(entries[0])
	require.NoError(t, err)
	var rec SignedRecord
	require.NoError(t, json.Unmarshal(raw, &rec))
	rec.UnitAmount = 1_000_000
	forged, err := Sign(rec.PurchaseRecord)
	require.NoError(t, err)
	forgedRaw, err := json.Marshal([]SignedRecord{forged})
	require.NoError(t, err)
	require.NoError(t, kv.Put(ctx, RecordsKey, forgedRaw))

	records, err := l.LoadValid(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestLedger_CorruptBlobTreatedAsEmpty(t *testing.T) {
	ctx := context.Background()
	l, kv := newTestLedger(t)

	require.NoError(t, kv.Put(ctx, RecordsKey, []byte(`{"not":"a list"}`)))
	records, err := l.LoadValid(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)

	require.NoError(t, kv.Put(ctx, RecordsKey, []byte(`[{"id": 5}, "junk"]`)))
	records, err = l.LoadValid(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)

	// appending over a corrupt blob still works
	_, err = l.Append(ctx, decimal.RequireFromString("0.5"), testAddress, nil)
	require.NoError(t, err)
	records, err = l.LoadValid(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

type failingKV struct {
	db.KV
}

func (failingKV) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, errors.New("backend unavailable")
}

func TestLedger_StorageFailureIsAnError(t *testing.T) {
	l := New(failingKV{KV: db.NewMemoryKV()}, payment.DefaultUnitPrice, discardLogger(), nil)

	_, err := l.LoadValid(context.Background())
	assert.Error(t, err)

	_, err = l.Append(context.Background(), decimal.RequireFromString("1"), testAddress, nil)
	assert.Error(t, err)
}

func TestLedger_Complete(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	pending, err := l.Append(ctx, decimal.RequireFromString("0.25"), testAddress, nil)
	require.NoError(t, err)

	done, err := l.Complete(ctx, pending.ID, "sig-late")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, PaymentVerified, done.PaymentStatus)
	assert.Equal(t, pending.UnitAmount, done.UnitAmount)
	assert.NotEqual(t, pending.Checksum, done.Checksum)

	records, err := l.LoadValid(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].HasTransaction("sig-late"))

	_, err = l.Complete(ctx, pending.ID, "sig-late")
	assert.ErrorIs(t, err, ErrAlreadyCompleted)

	_, err = l.Complete(ctx, "nope", "sig-other")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestParamsStore(t *testing.T) {
	ctx := context.Background()
	kv := db.NewMemoryKV()
	store := NewParamsStore(kv, discardLogger())

	_, ok, err := store.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	params := payment.VerificationParams{
		Amount:          decimal.RequireFromString("0.75"),
		SenderAddress:   testAddress,
		ReceiverAddress: otherAddress,
	}
	require.NoError(t, store.Save(ctx, params))

	loaded, ok, err := store.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, loaded.Amount.Equal(params.Amount))
	assert.Equal(t, params.SenderAddress, loaded.SenderAddress)
	assert.Equal(t, params.ReceiverAddress, loaded.ReceiverAddress)

	require.NoError(t, store.Clear(ctx))
	_, ok, err = store.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParamsStore_CorruptTreatedAsAbsent(t *testing.T) {
	ctx := context.Background()
	kv := db.NewMemoryKV()
	store := NewParamsStore(kv, discardLogger())

	require.NoError(t, kv.Put(ctx, ParamsKey, []byte("{broken")))
	_, ok, err := store.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, kv.Put(ctx, ParamsKey, []byte(`{"amount":"0","sender_address":"x","receiver_address":"y"}`)))
	_, ok, err = store.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

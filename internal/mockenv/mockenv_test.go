package mockenv

import (
	"context"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	oasisapi "github.com/anonymousGiga/oasis-sdk/api"
)

func addr(b byte) oasisapi.Address {
	var a oasisapi.Address
	a[0] = b
	return a
}

func TestLedgerTransferMovesBalance(t *testing.T) {
	l := NewLedger()
	from, to := addr(1), addr(2)
	l.Credit(from, "TEST", uint256.NewInt(100))

	err := l.Transfer(context.Background(), from, to, oasisapi.BaseUnits{Amount: uint256.NewInt(40), Denomination: "TEST"})
	require.NoError(t, err)
	require.Equal(t, uint256.NewInt(60), l.Balance(from, "TEST"))
	require.Equal(t, uint256.NewInt(40), l.Balance(to, "TEST"))
}

func TestLedgerTransferRejectsInsufficientBalance(t *testing.T) {
	l := NewLedger()
	from, to := addr(1), addr(2)
	err := l.Transfer(context.Background(), from, to, oasisapi.BaseUnits{Amount: uint256.NewInt(1), Denomination: "TEST"})
	require.Error(t, err)
}

func TestGasHookRecordsSettledAmount(t *testing.T) {
	h := NewGasHook(1000)
	require.Equal(t, uint64(1000), h.RemainingGas(context.Background()))
	require.NoError(t, h.UseGas(context.Background(), 250))
	require.NoError(t, h.UseGas(context.Background(), 50))
	require.Equal(t, uint64(300), h.Settled)
}

func TestKVGetInsertRemove(t *testing.T) {
	kv := NewKV()
	_, ok := kv.Get([]byte("a"))
	require.False(t, ok)

	kv.Insert([]byte("a"), []byte("1"))
	v, ok := kv.Get([]byte("a"))
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	kv.Remove([]byte("a"))
	_, ok = kv.Get([]byte("a"))
	require.False(t, ok)
}

func TestKVWithPrefixScoping(t *testing.T) {
	kv := NewKV()
	scoped := kv.WithPrefix([]byte("ns:"))
	scoped.Insert([]byte("a"), []byte("1"))

	_, ok := kv.Get([]byte("a"))
	require.False(t, ok)
	_, ok = kv.Get([]byte("ns:a"))
	require.True(t, ok)
}

func TestOverlayWritesInvisibleUntilCommit(t *testing.T) {
	kv := NewKV()
	kv.Insert([]byte("a"), []byte("1"))

	ov := kv.NewOverlay()
	ov.Insert([]byte("a"), []byte("2"))
	ov.Insert([]byte("b"), []byte("3"))

	v, _ := kv.Get([]byte("a"))
	require.Equal(t, []byte("1"), v)
	_, ok := kv.Get([]byte("b"))
	require.False(t, ok)

	v, _ = ov.Get([]byte("a"))
	require.Equal(t, []byte("2"), v)

	ov.Commit()
	v, _ = kv.Get([]byte("a"))
	require.Equal(t, []byte("2"), v)
	v, _ = kv.Get([]byte("b"))
	require.Equal(t, []byte("3"), v)
}

func TestOverlayDiscardLeavesParentUntouched(t *testing.T) {
	kv := NewKV()
	kv.Insert([]byte("a"), []byte("1"))

	ov := kv.NewOverlay()
	ov.Insert([]byte("a"), []byte("2"))
	ov.Remove([]byte("a"))
	ov.Discard()

	v, ok := kv.Get([]byte("a"))
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)
}

func TestOverlayRemoveShadowsParentValue(t *testing.T) {
	kv := NewKV()
	kv.Insert([]byte("a"), []byte("1"))

	ov := kv.NewOverlay()
	ov.Remove([]byte("a"))
	_, ok := ov.Get([]byte("a"))
	require.False(t, ok)

	v, ok := kv.Get([]byte("a"))
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)
}

func TestNestedOverlayCommitsThroughToRoot(t *testing.T) {
	kv := NewKV()
	outer := kv.NewOverlay()
	inner := outer.NewOverlay()
	inner.Insert([]byte("a"), []byte("1"))
	inner.Commit()

	_, ok := kv.Get([]byte("a"))
	require.False(t, ok, "commit to the outer overlay must not yet reach the root store")

	v, ok := outer.Get([]byte("a"))
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	outer.Commit()
	v, ok = kv.Get([]byte("a"))
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)
}

package state

import (
	"testing"

	"github.com/stretchr/testify/require"

	oasisapi "github.com/anonymousGiga/oasis-sdk/api"
	"github.com/anonymousGiga/oasis-sdk/external"
)

// memKV is a trivial in-memory external.KVStore for these tests, kept
// local rather than reused from internal/mockenv to avoid a test-only
// dependency on a package meant for the demo CLI and higher-level tests.
type memKV struct {
	prefix []byte
	data   map[string][]byte
}

func newMemKV() *memKV { return &memKV{data: map[string][]byte{}} }

func (m *memKV) full(key []byte) string { return string(append(append([]byte{}, m.prefix...), key...)) }

func (m *memKV) Get(key []byte) ([]byte, bool) {
	v, ok := m.data[m.full(key)]
	return v, ok
}
func (m *memKV) Insert(key, value []byte) { m.data[m.full(key)] = append([]byte{}, value...) }
func (m *memKV) Remove(key []byte)        { delete(m.data, m.full(key)) }
func (m *memKV) WithPrefix(prefix []byte) external.KVStore {
	return &memKV{prefix: append(append([]byte{}, m.prefix...), prefix...), data: m.data}
}
func (m *memKV) NewOverlay() external.Overlay {
	panic("not used by these tests")
}

func TestIdentityStoreAllocatesMonotonically(t *testing.T) {
	kv := newMemKV()
	ids := NewIdentityStore(kv)
	require.Equal(t, oasisapi.CodeID(0), ids.NextCodeID())
	require.Equal(t, oasisapi.CodeID(1), ids.NextCodeID())
	require.Equal(t, oasisapi.InstanceID(0), ids.NextInstanceID())
	require.Equal(t, oasisapi.CodeID(2), ids.NextCodeID())
}

func TestIdentityStoreCodeRoundTrip(t *testing.T) {
	kv := newMemKV()
	ids := NewIdentityStore(kv)
	c := oasisapi.Code{ID: 7, ABI: oasisapi.ABIOasisV1, InstantiatePolicy: oasisapi.Everyone()}
	ids.PutCode(c)
	got, ok := ids.GetCode(7)
	require.True(t, ok)
	require.Equal(t, c, got)

	_, ok = ids.GetCode(99)
	require.False(t, ok)
}

func TestDeriveAddressIsPureAndStable(t *testing.T) {
	a1 := DeriveAddress(oasisapi.InstanceID(42))
	a2 := DeriveAddress(oasisapi.InstanceID(42))
	a3 := DeriveAddress(oasisapi.InstanceID(43))
	require.Equal(t, a1, a2)
	require.NotEqual(t, a1, a3)
}

func TestInstanceStoreScopesByKindAndInstance(t *testing.T) {
	kv := newMemKV()
	s1 := NewInstanceStore(kv, 1)
	s2 := NewInstanceStore(kv, 2)

	s1.Insert(oasisapi.StorePublic, []byte("k"), []byte("v1"))
	s2.Insert(oasisapi.StorePublic, []byte("k"), []byte("v2"))

	v1, ok := s1.Get(oasisapi.StorePublic, []byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v1)

	v2, ok := s2.Get(oasisapi.StorePublic, []byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte("v2"), v2)
}

func TestInstanceStoreUnbackedKindsAreEmpty(t *testing.T) {
	kv := newMemKV()
	s := NewInstanceStore(kv, 1)
	s.Insert(oasisapi.StoreConfidential, []byte("k"), []byte("v"))
	_, ok := s.Get(oasisapi.StoreConfidential, []byte("k"))
	require.False(t, ok)
}

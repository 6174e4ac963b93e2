package contracts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"

	oasisapi "github.com/anonymousGiga/oasis-sdk/api"
	"github.com/anonymousGiga/oasis-sdk/external"
	"github.com/anonymousGiga/oasis-sdk/gas"
	"github.com/anonymousGiga/oasis-sdk/wasmvm"
)

// --- minimal hand-built WASM fixtures, mirroring wasmvm's own
// unexported test builders since those are not reachable from outside
// the wasmvm package.

func putU32(b []byte, v uint32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b = append(b, c|0x80)
		} else {
			return append(b, c)
		}
	}
}

func encodeSection(id byte, data []byte) []byte {
	out := []byte{id}
	out = putU32(out, uint32(len(data)))
	return append(out, data...)
}

func encodeName(s string) []byte {
	out := putU32(nil, uint32(len(s)))
	return append(out, s...)
}

func exportEntry(name string, idx uint32) []byte {
	out := encodeName(name)
	out = append(out, 0x00) // func export
	return putU32(out, idx)
}

// minimalContractModule builds the smallest WASM binary that satisfies
// the four required exports (spec §4.A item 4) with empty bodies, one
// memory, and no start section, suitable for Upload's structural and
// wazero-compile checks.
func minimalContractModule() []byte {
	exports := []string{"allocate", "deallocate", "instantiate", "call"}
	n := len(exports)

	typeSec := encodeSection(1, append(putU32(nil, 1), 0x60, 0, 0))

	fd := putU32(nil, uint32(n))
	for i := 0; i < n; i++ {
		fd = putU32(fd, 0)
	}
	funcSec := encodeSection(3, fd)

	memData := putU32(nil, 1)
	memData = append(memData, 0x00)
	memData = putU32(memData, 1)
	memSec := encodeSection(5, memData)

	expData := putU32(nil, uint32(n))
	for i, name := range exports {
		expData = append(expData, exportEntry(name, uint32(i))...)
	}
	exportSec := encodeSection(7, expData)

	cd := putU32(nil, uint32(n))
	for i := 0; i < n; i++ {
		body := []byte{0x00, 0x0B} // zero locals, end
		cd = putU32(cd, uint32(len(body)))
		cd = append(cd, body...)
	}
	codeSec := encodeSection(10, cd)

	out := []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}
	out = append(out, typeSec...)
	out = append(out, funcSec...)
	out = append(out, memSec...)
	out = append(out, exportSec...)
	out = append(out, codeSec...)
	return out
}

// --- in-memory fakes for the external collaborators.

type fakeOverlay struct {
	data      map[string][]byte
	committed bool
	discarded bool
}

func newFakeOverlay() *fakeOverlay { return &fakeOverlay{data: map[string][]byte{}} }

func (f *fakeOverlay) Get(key []byte) ([]byte, bool) { v, ok := f.data[string(key)]; return v, ok }
func (f *fakeOverlay) Insert(key, value []byte)      { f.data[string(key)] = append([]byte{}, value...) }
func (f *fakeOverlay) Remove(key []byte)             { delete(f.data, string(key)) }
func (f *fakeOverlay) WithPrefix(prefix []byte) external.KVStore {
	return f
}
func (f *fakeOverlay) NewOverlay() external.Overlay { return newFakeOverlay() }
func (f *fakeOverlay) Commit()                      { f.committed = true }
func (f *fakeOverlay) Discard()                     { f.discarded = true }

type fakeAccounts struct {
	err error
}

func (f *fakeAccounts) Transfer(ctx context.Context, from, to oasisapi.Address, amount oasisapi.BaseUnits) error {
	return f.err
}

type fakeGasHook struct {
	limit   uint64
	settled uint64
}

func (f *fakeGasHook) RemainingGas(ctx context.Context) uint64 { return f.limit }
func (f *fakeGasHook) UseGas(ctx context.Context, amount uint64) error {
	f.settled = amount
	return nil
}

type fakeTx struct{}

func (fakeTx) Dispatch(ctx context.Context, method string, body []byte) (oasisapi.CallResult, error) {
	return oasisapi.CallResult{}, nil
}

func testParams() gas.Params {
	return gas.DefaultParams()
}

func newTestModule(t *testing.T, params gas.Params, gasHook external.GasHook) *Module {
	t.Helper()
	rt := wazero.NewRuntime(context.Background())
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	m, err := NewModule(rt, wasmvm.NewInstrumentCache(1<<20), &fakeAccounts{}, gasHook, fakeTx{}, params)
	require.NoError(t, err)
	return m
}

func TestUploadRejectsUnsupportedABI(t *testing.T) {
	m := newTestModule(t, testParams(), &fakeGasHook{limit: 1_000_000})
	_, err := m.Upload(context.Background(), newFakeOverlay(), oasisapi.UploadRequest{ABI: oasisapi.ABI(99)})
	require.Error(t, err)
}

func TestUploadPersistsInstrumentedCodeAndAssignsID(t *testing.T) {
	m := newTestModule(t, testParams(), &fakeGasHook{limit: 10_000_000})
	kv := newFakeOverlay()
	req := oasisapi.UploadRequest{
		ABI:               oasisapi.ABIOasisV1,
		InstantiatePolicy: oasisapi.Everyone(),
		Code:              minimalContractModule(),
	}
	res, err := m.Upload(context.Background(), kv, req)
	require.NoError(t, err)
	require.Equal(t, oasisapi.CodeID(0), res.ID)

	code, err := m.Code(context.Background(), kv, res.ID)
	require.NoError(t, err)
	require.Equal(t, oasisapi.ABIOasisV1, code.ABI)
	require.Equal(t, oasisapi.Everyone(), code.InstantiatePolicy)
}

func TestUploadRejectsMalformedCode(t *testing.T) {
	m := newTestModule(t, testParams(), &fakeGasHook{limit: 10_000_000})
	_, err := m.Upload(context.Background(), newFakeOverlay(), oasisapi.UploadRequest{
		ABI:  oasisapi.ABIOasisV1,
		Code: []byte{0x01, 0x02, 0x03},
	})
	require.Error(t, err)
}

func TestUploadOutOfGasTranslatesToWireError(t *testing.T) {
	hook := &fakeGasHook{limit: 1}
	m := newTestModule(t, testParams(), hook)
	_, err := m.Upload(context.Background(), newFakeOverlay(), oasisapi.UploadRequest{
		ABI:  oasisapi.ABIOasisV1,
		Code: minimalContractModule(),
	})
	require.Error(t, err)
	require.Equal(t, oasisapi.ErrOutOfGas, err)
}

func TestUploadRejectsCodeTooLarge(t *testing.T) {
	params := testParams()
	params.Limits.MaxCodeSize = 4
	m := newTestModule(t, params, &fakeGasHook{limit: 10_000_000})
	_, err := m.Upload(context.Background(), newFakeOverlay(), oasisapi.UploadRequest{
		ABI:  oasisapi.ABIOasisV1,
		Code: minimalContractModule(),
	})
	require.Error(t, err)
}

func TestUpgradeAlwaysReportsUnsupported(t *testing.T) {
	m := newTestModule(t, testParams(), &fakeGasHook{limit: 10_000_000})
	err := m.Upgrade(context.Background(), newFakeOverlay(), oasisapi.Address{}, oasisapi.UpgradeRequest{})
	require.Error(t, err)
	ae, ok := err.(oasisapi.Error)
	require.True(t, ok)
	require.Equal(t, uint32(oasisapi.CodeUnsupported), ae.Code())
}

func TestUpgradeOutOfGasTranslatesToWireError(t *testing.T) {
	m := newTestModule(t, testParams(), &fakeGasHook{limit: 1})
	err := m.Upgrade(context.Background(), newFakeOverlay(), oasisapi.Address{}, oasisapi.UpgradeRequest{})
	require.Equal(t, oasisapi.ErrOutOfGas, err)
}

func TestCodeQueryReportsNotFound(t *testing.T) {
	m := newTestModule(t, testParams(), &fakeGasHook{limit: 10_000_000})
	_, err := m.Code(context.Background(), newFakeOverlay(), oasisapi.CodeID(42))
	require.Error(t, err)
}

func TestInstanceQueryReportsNotFound(t *testing.T) {
	m := newTestModule(t, testParams(), &fakeGasHook{limit: 10_000_000})
	_, err := m.Instance(context.Background(), newFakeOverlay(), oasisapi.InstanceID(42))
	require.Error(t, err)
}

func TestReservedQueriesReportUnsupported(t *testing.T) {
	m := newTestModule(t, testParams(), &fakeGasHook{limit: 10_000_000})
	_, err := m.InstanceStorage(context.Background(), newFakeOverlay(), oasisapi.InstanceID(0), nil)
	require.Error(t, err)
	_, err = m.PublicKey(context.Background(), oasisapi.InstanceID(0))
	require.Error(t, err)
	_, err = m.Custom(context.Background(), "anything", nil)
	require.Error(t, err)
}

func TestParametersReturnsConfiguredParams(t *testing.T) {
	params := testParams()
	params.Limits.MaxCodeSize = 123
	m := newTestModule(t, params, &fakeGasHook{limit: 10_000_000})
	require.Equal(t, uint64(123), m.Parameters(context.Background()).Limits.MaxCodeSize)
}

func TestInstantiateRejectsUnknownCode(t *testing.T) {
	m := newTestModule(t, testParams(), &fakeGasHook{limit: 10_000_000})
	_, err := m.Instantiate(context.Background(), newFakeOverlay(), oasisapi.Address{}, oasisapi.InstantiateRequest{CodeID: 99})
	require.Error(t, err)
}

func TestInstantiateEnforcesInstantiatePolicy(t *testing.T) {
	m := newTestModule(t, testParams(), &fakeGasHook{limit: 10_000_000})
	kv := newFakeOverlay()
	owner := oasisapi.Address{1}
	res, err := m.Upload(context.Background(), kv, oasisapi.UploadRequest{
		ABI:               oasisapi.ABIOasisV1,
		InstantiatePolicy: oasisapi.OnlyAddress(owner),
		Code:              minimalContractModule(),
	})
	require.NoError(t, err)

	stranger := oasisapi.Address{2}
	_, err = m.Instantiate(context.Background(), kv, stranger, oasisapi.InstantiateRequest{CodeID: res.ID})
	require.Error(t, err)
}

func TestDispatchRejectsUnknownMethod(t *testing.T) {
	m := newTestModule(t, testParams(), &fakeGasHook{limit: 10_000_000})
	_, err := m.Dispatch(context.Background(), "not.contracts.Call", nil)
	require.Error(t, err)
}

func TestDispatchRequiresOverlayOnContext(t *testing.T) {
	m := newTestModule(t, testParams(), &fakeGasHook{limit: 10_000_000})
	_, err := m.Dispatch(context.Background(), MethodCall, nil)
	require.Error(t, err)
}

func TestDispatchReportsUnknownInstanceAsFailure(t *testing.T) {
	m := newTestModule(t, testParams(), &fakeGasHook{limit: 10_000_000})
	overlay := newFakeOverlay()
	ctx := external.WithOverlay(context.Background(), overlay)
	body := oasisapi.Marshal(oasisapi.CallRequest{ID: 7})
	res, err := m.Dispatch(ctx, MethodCall, body)
	require.NoError(t, err)
	require.False(t, res.Success())
}

func TestInvokeReplyRequiresOverlayOnContext(t *testing.T) {
	m := newTestModule(t, testParams(), &fakeGasHook{limit: 10_000_000})
	_, err := m.InvokeReply(context.Background(), oasisapi.InstanceID(0), oasisapi.Envelope{})
	require.Error(t, err)
}

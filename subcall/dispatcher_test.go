package subcall

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	oasisapi "github.com/anonymousGiga/oasis-sdk/api"
	"github.com/anonymousGiga/oasis-sdk/external"
	"github.com/anonymousGiga/oasis-sdk/gas"
)

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

type fakeTx struct {
	fn func(ctx context.Context, method string, body []byte) (oasisapi.CallResult, error)
}

func (f *fakeTx) Dispatch(ctx context.Context, method string, body []byte) (oasisapi.CallResult, error) {
	return f.fn(ctx, method, body)
}

type fakeInvoker struct {
	fn func(ctx context.Context, instance oasisapi.InstanceID, envelope oasisapi.Envelope) (oasisapi.ExecutionOk, error)
}

func (f *fakeInvoker) InvokeReply(ctx context.Context, instance oasisapi.InstanceID, envelope oasisapi.Envelope) (oasisapi.ExecutionOk, error) {
	return f.fn(ctx, instance, envelope)
}

func limits() gas.Limits {
	return gas.Limits{MaxSubcallDepth: 8, MaxSubcallCount: 32}
}

func TestResolveNoMessagesReturnsDataUnchanged(t *testing.T) {
	d := &Dispatcher{Limits: limits(), Schedule: gas.Schedule{SubcallDispatch: 10}}
	meter := gas.NewMeter(1_000_000)
	out, err := d.Resolve(context.Background(), oasisapi.Address{}, 0, newFakeOverlay(), meter, oasisapi.ExecutionOk{Data: []byte("hi")})
	require.NoError(t, err)
	require.Equal(t, []byte("hi"), out)
	require.Equal(t, uint64(0), meter.Used())
}

func TestResolveCommitsChildOverlayOnSuccess(t *testing.T) {
	var seenOverlay *fakeOverlay
	tx := &fakeTx{fn: func(ctx context.Context, method string, body []byte) (oasisapi.CallResult, error) {
		ov, ok := external.OverlayFrom(ctx)
		require.True(t, ok)
		seenOverlay = ov.(*fakeOverlay)
		ov.Insert([]byte("k"), []byte("v"))
		return oasisapi.CallResult{Ok: []byte("done")}, nil
	}}
	d := &Dispatcher{Tx: tx, Limits: limits(), Schedule: gas.Schedule{SubcallDispatch: 10}}
	meter := gas.NewMeter(1_000_000)
	store := newFakeOverlay()
	msg := oasisapi.Message{Call: &oasisapi.CallMessage{ID: 1, Reply: oasisapi.NotifyNever, Method: "m", Body: []byte("b")}}
	out, err := d.Resolve(context.Background(), oasisapi.Address{}, 0, store, meter, oasisapi.ExecutionOk{Data: []byte("orig"), Messages: []oasisapi.Message{msg}})
	require.NoError(t, err)
	require.Equal(t, []byte("orig"), out)
	require.True(t, meter.Used() >= 10)
	require.True(t, seenOverlay.committed)
	require.False(t, seenOverlay.discarded)
}

func TestResolveDiscardsChildOnFailure(t *testing.T) {
	var seenOverlay *fakeOverlay
	tx := &fakeTx{fn: func(ctx context.Context, method string, body []byte) (oasisapi.CallResult, error) {
		ov, _ := external.OverlayFrom(ctx)
		seenOverlay = ov.(*fakeOverlay)
		return oasisapi.CallResult{Failed: &oasisapi.Failed{Module: "contracts", Code: 1}}, nil
	}}
	d := &Dispatcher{Tx: tx, Limits: limits(), Schedule: gas.Schedule{SubcallDispatch: 10}}
	meter := gas.NewMeter(1_000_000)
	msg := oasisapi.Message{Call: &oasisapi.CallMessage{ID: 1, Reply: oasisapi.NotifyNever, Method: "m"}}
	_, err := d.Resolve(context.Background(), oasisapi.Address{}, 0, newFakeOverlay(), meter, oasisapi.ExecutionOk{Messages: []oasisapi.Message{msg}})
	require.NoError(t, err)
	require.True(t, seenOverlay.discarded)
	require.False(t, seenOverlay.committed)
}

func TestResolveDepthGuardRejectsWhenAtLimit(t *testing.T) {
	d := &Dispatcher{Limits: gas.Limits{MaxSubcallDepth: 1, MaxSubcallCount: 32}}
	meter := gas.NewMeter(1_000_000)
	ctx := WithTxState(context.Background(), &TxState{Depth: 1})
	msg := oasisapi.Message{Call: &oasisapi.CallMessage{ID: 1}}
	_, err := d.Resolve(ctx, oasisapi.Address{}, 0, newFakeOverlay(), meter, oasisapi.ExecutionOk{Messages: []oasisapi.Message{msg}})
	require.Error(t, err)
}

func TestResolveCountGuardRejectsTooManyMessages(t *testing.T) {
	d := &Dispatcher{Limits: gas.Limits{MaxSubcallDepth: 8, MaxSubcallCount: 1}}
	meter := gas.NewMeter(1_000_000)
	msgs := []oasisapi.Message{
		{Call: &oasisapi.CallMessage{ID: 1}},
		{Call: &oasisapi.CallMessage{ID: 2}},
	}
	_, err := d.Resolve(context.Background(), oasisapi.Address{}, 0, newFakeOverlay(), meter, oasisapi.ExecutionOk{Messages: msgs})
	require.Error(t, err)
}

func TestResolveReplyOverwritesData(t *testing.T) {
	tx := &fakeTx{fn: func(ctx context.Context, method string, body []byte) (oasisapi.CallResult, error) {
		return oasisapi.CallResult{Ok: []byte("child-ok")}, nil
	}}
	inv := &fakeInvoker{fn: func(ctx context.Context, instance oasisapi.InstanceID, envelope oasisapi.Envelope) (oasisapi.ExecutionOk, error) {
		require.NotNil(t, envelope.Reply)
		return oasisapi.ExecutionOk{Data: []byte("from-reply")}, nil
	}}
	d := &Dispatcher{Tx: tx, Invoke: inv, Limits: limits(), Schedule: gas.Schedule{SubcallDispatch: 10}}
	meter := gas.NewMeter(1_000_000)
	msg := oasisapi.Message{Call: &oasisapi.CallMessage{ID: 1, Reply: oasisapi.NotifyAlways, Method: "m"}}
	out, err := d.Resolve(context.Background(), oasisapi.Address{}, 0, newFakeOverlay(), meter, oasisapi.ExecutionOk{Data: []byte("orig"), Messages: []oasisapi.Message{msg}})
	require.NoError(t, err)
	require.Equal(t, []byte("from-reply"), out)
}

func TestResolveReplyAttachesStoreOverlayToContext(t *testing.T) {
	tx := &fakeTx{fn: func(ctx context.Context, method string, body []byte) (oasisapi.CallResult, error) {
		return oasisapi.CallResult{Ok: []byte("child-ok")}, nil
	}}
	store := newFakeOverlay()
	var seenOverlay external.Overlay
	var seenMeter bool
	inv := &fakeInvoker{fn: func(ctx context.Context, instance oasisapi.InstanceID, envelope oasisapi.Envelope) (oasisapi.ExecutionOk, error) {
		ov, ok := external.OverlayFrom(ctx)
		require.True(t, ok, "handle_reply must see the invocation's own overlay on ctx")
		seenOverlay = ov
		_, seenMeter = MeterFrom(ctx)
		return oasisapi.ExecutionOk{}, nil
	}}
	d := &Dispatcher{Tx: tx, Invoke: inv, Limits: limits(), Schedule: gas.Schedule{SubcallDispatch: 10}}
	meter := gas.NewMeter(1_000_000)
	msg := oasisapi.Message{Call: &oasisapi.CallMessage{ID: 1, Reply: oasisapi.NotifyAlways, Method: "m"}}
	_, err := d.Resolve(context.Background(), oasisapi.Address{}, 0, store, meter, oasisapi.ExecutionOk{Messages: []oasisapi.Message{msg}})
	require.NoError(t, err)
	require.Same(t, store, seenOverlay)
	require.True(t, seenMeter, "handle_reply must see a gas meter on ctx")
}

func TestResolveReplyNeverSkipsDelivery(t *testing.T) {
	tx := &fakeTx{fn: func(ctx context.Context, method string, body []byte) (oasisapi.CallResult, error) {
		return oasisapi.CallResult{Ok: []byte("child-ok")}, nil
	}}
	inv := &fakeInvoker{fn: func(ctx context.Context, instance oasisapi.InstanceID, envelope oasisapi.Envelope) (oasisapi.ExecutionOk, error) {
		t.Fatal("handle_reply should not be invoked when Reply is Never")
		return oasisapi.ExecutionOk{}, nil
	}}
	d := &Dispatcher{Tx: tx, Invoke: inv, Limits: limits(), Schedule: gas.Schedule{SubcallDispatch: 10}}
	meter := gas.NewMeter(1_000_000)
	msg := oasisapi.Message{Call: &oasisapi.CallMessage{ID: 1, Reply: oasisapi.NotifyNever, Method: "m"}}
	out, err := d.Resolve(context.Background(), oasisapi.Address{}, 0, newFakeOverlay(), meter, oasisapi.ExecutionOk{Data: []byte("orig"), Messages: []oasisapi.Message{msg}})
	require.NoError(t, err)
	require.Equal(t, []byte("orig"), out)
}

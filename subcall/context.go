package subcall

import (
	"context"

	oasisapi "github.com/anonymousGiga/oasis-sdk/api"
	"github.com/anonymousGiga/oasis-sdk/gas"
)

// TxState tracks the per-transaction sub-call recursion depth and a
// count that each nested dispatch increments by one over its parent's
// (it is not a running total of sibling sub-calls) (spec §4.D's "per-transaction counter keyed
// contracts.CallDepth"). Threaded through context.Context as a typed
// value rather than held as process-global or struct-field state, the
// same pattern wasmvm.InvocationContext uses for gas/depth bookkeeping
// inside a single guest invocation.
type TxState struct {
	Depth int
	Count int
}

type txStateKey struct{}

// WithTxState attaches st to ctx. The dispatcher attaches a child state
// for each dispatched message; a top-level Instantiate/Call context
// carries none, so TxStateFrom reports depth 0 there.
func WithTxState(ctx context.Context, st *TxState) context.Context {
	return context.WithValue(ctx, txStateKey{}, st)
}

// TxStateFrom retrieves the TxState attached by WithTxState, or a fresh
// zero-value one if none is attached (depth 0, count 0).
func TxStateFrom(ctx context.Context) *TxState {
	if st, ok := ctx.Value(txStateKey{}).(*TxState); ok {
		return st
	}
	return &TxState{}
}

type meterKey struct{}

// WithMeter attaches the gas meter a child invocation must charge
// against while ctx is active. A TxDispatcher implementation that
// reenters this module for a self- or cross-contract call reads this
// meter instead of constructing a fresh top-level one, so that the
// dispatcher's own allowance bookkeeping (spec §4.D steps 1 and 7)
// stays authoritative.
func WithMeter(ctx context.Context, m *gas.Meter) context.Context {
	return context.WithValue(ctx, meterKey{}, m)
}

// MeterFrom retrieves the meter attached by WithMeter, if any.
func MeterFrom(ctx context.Context) (*gas.Meter, bool) {
	m, ok := ctx.Value(meterKey{}).(*gas.Meter)
	return m, ok
}

// Caller identifies the contract whose emitted message is being
// dispatched: the synthetic sub-call transaction's authenticated-by-
// construction sender (spec §4.D step 3, "Internal(contract.address)").
type Caller struct {
	Address  oasisapi.Address
	Instance oasisapi.InstanceID
}

type callerKey struct{}

// WithCaller attaches the emitting contract's identity to ctx before
// dispatching one of its messages, so a TxDispatcher implementation
// that reenters this module can authenticate the synthetic transaction
// without a separate signature.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom retrieves the Caller attached by WithCaller, if any.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// Package external declares the collaborator interfaces spec §1 names as
// deliberately out of scope: the balance/accounts subsystem, the
// persistent transactional key-value store, the outer transaction
// dispatcher, and the runtime's gas-metering hook. The engine only ever
// depends on these narrow surfaces; it
// never reaches into their implementations.
package external

import (
	"context"

	oasisapi "github.com/anonymousGiga/oasis-sdk/api"
)

// Accounts is the balance subsystem's interface: move tokens from one
// address to another, failing if the sender's balance is insufficient.
type Accounts interface {
	Transfer(ctx context.Context, from, to oasisapi.Address, amount oasisapi.BaseUnits) error
}

// GasHook is the runtime-provided metering hook spec §1 names
// ("exposes use_gas(n), remaining_gas()"): the outer transaction's gas
// ledger. The engine draws its per-transaction gas.Meter limit from
// RemainingGas once at entry and settles the total consumed back into
// UseGas once at exit, rather than round-tripping through the host on
// every single charge — the per-instruction and per-host-call charges
// within a transaction are tracked by the engine's own gas.Meter.
type GasHook interface {
	RemainingGas(ctx context.Context) uint64
	UseGas(ctx context.Context, amount uint64) error
}

// KVStore is the persistent store backing contract storage. WithPrefix
// returns a view scoped under the given key prefix; NewOverlay opens a
// nested transactional sub-store whose writes are invisible to the
// parent until Commit, and discarded entirely on Discard. Overlays may
// be nested arbitrarily, mirroring the sub-call dispatcher's per-context
// store stack (spec §5).
type KVStore interface {
	Get(key []byte) (value []byte, ok bool)
	Insert(key, value []byte)
	Remove(key []byte)
	WithPrefix(prefix []byte) KVStore
	NewOverlay() Overlay
}

// Overlay is a KVStore opened via NewOverlay. Exactly one of Commit or
// Discard must be called once the context it backs finishes.
type Overlay interface {
	KVStore
	Commit()
	Discard()
}

// TxDispatcher is the outer transaction dispatcher: given a method name
// and an opaque CBOR body, it runs that call to completion in the
// context already active on ctx (the child transactional context the
// sub-call dispatcher constructs) and returns its outcome.
type TxDispatcher interface {
	Dispatch(ctx context.Context, method string, body []byte) (oasisapi.CallResult, error)
}

type overlayKey struct{}

// WithOverlay attaches the transactional store a TxDispatcher
// implementation should read and write through while ctx is active,
// mirroring how a database transaction is threaded through a context in
// request-scoped code. The sub-call dispatcher sets this to each
// message's freshly opened child overlay before invoking Dispatch.
func WithOverlay(ctx context.Context, ov Overlay) context.Context {
	return context.WithValue(ctx, overlayKey{}, ov)
}

// OverlayFrom retrieves the overlay attached by WithOverlay, if any.
func OverlayFrom(ctx context.Context) (Overlay, bool) {
	ov, ok := ctx.Value(overlayKey{}).(Overlay)
	return ov, ok
}

package wasmvm

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	oasisapi "github.com/anonymousGiga/oasis-sdk/api"
	"github.com/anonymousGiga/oasis-sdk/gas"
)

const memoryPageSize = 65536

// Store is the narrow per-instance KV surface the host ABI needs,
// satisfied by an adapter over the engine's external KVStore collaborator
// (spec §1) scoped to one instance and one transactional overlay. The
// storage host functions pass the guest's kind through unchanged; only
// api.StorePublic is ever backed, and an implementation treats
// StoreConfidential and StoreInternal as an always-empty store whose
// inserts and removes are ignored.
type Store interface {
	Get(kind oasisapi.StoreKind, key []byte) (value []byte, ok bool)
	Insert(kind oasisapi.StoreKind, key, value []byte)
	Remove(kind oasisapi.StoreKind, key []byte)
}

// InvocationContext is the per-invocation state the "metering" and
// "storage" host imports close over: the active gas meter, the call-depth
// counter instrumented function bodies push/pop, the configured limits,
// and the instance's storage view. One is constructed per guest
// invocation (instantiate/call/handle_reply) by the caller of
// Instance.Invoke (the root package's runEntry).
type InvocationContext struct {
	Meter          *gas.Meter
	Schedule       gas.Schedule
	Store          Store
	MaxStackSize   uint32
	MaxMemoryPages uint32

	depth uint32
}

type invocationContextKey struct{}

// WithInvocationContext returns a context carrying ic for the host
// functions registered by RegisterHostModules to retrieve during a call.
func WithInvocationContext(ctx context.Context, ic *InvocationContext) context.Context {
	return context.WithValue(ctx, invocationContextKey{}, ic)
}

func invocationFrom(ctx context.Context) *InvocationContext {
	ic, _ := ctx.Value(invocationContextKey{}).(*InvocationContext)
	if ic == nil {
		panic("wasmvm: host function invoked without an InvocationContext")
	}
	return ic
}

// trapError is panicked by a host function to signal a specific guest
// trap reason; runtime.go's Invoke recovers it from wazero's returned
// error and maps it, via classifyTrap, to oasisapi.ErrExecutionFailed(reason).
type trapError struct{ reason string }

func (e trapError) Error() string { return e.reason }

// packRegion encodes the Host ABI's (offset, length) pair (spec §4.B)
// into the single u64 guest entry points and storage.get return.
func packRegion(offset, length uint32) uint64 {
	return uint64(offset)<<32 | uint64(length)
}

// unpackRegion reverses packRegion.
func unpackRegion(r uint64) (offset, length uint32) {
	return uint32(r >> 32), uint32(r)
}

// RegisterHostModules instantiates the "metering" and "storage" host
// modules against rt. It must be called once per wazero.Runtime before
// any guest module compiled against it is instantiated, since guest
// imports are resolved at instantiation time.
func RegisterHostModules(ctx context.Context, rt wazero.Runtime) error {
	_, err := rt.NewHostModuleBuilder(meteringModule).
		NewFunctionBuilder().WithFunc(hostUseGas).Export("use_gas").
		NewFunctionBuilder().WithFunc(hostEnterCall).Export("enter_call").
		NewFunctionBuilder().WithFunc(hostExitCall).Export("exit_call").
		NewFunctionBuilder().WithFunc(hostGrowChecked).Export("grow_checked").
		Instantiate(ctx)
	if err != nil {
		return fmt.Errorf("wasmvm: registering metering host module: %w", err)
	}

	_, err = rt.NewHostModuleBuilder("storage").
		NewFunctionBuilder().WithFunc(hostStorageGet).Export("get").
		NewFunctionBuilder().WithFunc(hostStorageInsert).Export("insert").
		NewFunctionBuilder().WithFunc(hostStorageRemove).Export("remove").
		Instantiate(ctx)
	if err != nil {
		return fmt.Errorf("wasmvm: registering storage host module: %w", err)
	}
	return nil
}

func hostUseGas(ctx context.Context, mod api.Module, amount uint64) {
	ic := invocationFrom(ctx)
	if err := ic.Meter.UseGas(gas.ResourceComputation, amount); err != nil {
		panic(err)
	}
}

func hostEnterCall(ctx context.Context, mod api.Module) {
	ic := invocationFrom(ctx)
	ic.depth++
	if ic.depth > ic.MaxStackSize {
		panic(trapError{"stack overflow"})
	}
}

func hostExitCall(ctx context.Context, mod api.Module) {
	ic := invocationFrom(ctx)
	if ic.depth > 0 {
		ic.depth--
	}
}

func hostGrowChecked(ctx context.Context, mod api.Module, deltaPages uint32) uint32 {
	ic := invocationFrom(ctx)
	if err := ic.Meter.UseGas(gas.ResourceStorageGrowth, gas.SafeMul(uint64(deltaPages), ic.Schedule.PerMemoryPage)); err != nil {
		panic(err)
	}
	currentPages := mod.Memory().Size() / memoryPageSize
	if uint64(currentPages)+uint64(deltaPages) > uint64(ic.MaxMemoryPages) {
		return 0xFFFFFFFF
	}
	prev, ok := mod.Memory().Grow(deltaPages)
	if !ok {
		return 0xFFFFFFFF
	}
	return prev
}

func hostStorageGet(ctx context.Context, mod api.Module, store, keyPtr, keyLen uint32) uint64 {
	ic := invocationFrom(ctx)
	if err := ic.Meter.UseGas(gas.ResourceStorageAccess, ic.Schedule.WasmStorageGetBase); err != nil {
		panic(err)
	}
	key, ok := mod.Memory().Read(keyPtr, keyLen)
	if !ok {
		panic(trapError{"region allocation failed: out of bounds key read"})
	}
	value, found := ic.Store.Get(oasisapi.StoreKind(store), key)
	if !found {
		return packRegion(0, 0)
	}
	region, err := copyIntoGuest(ctx, mod, value)
	if err != nil {
		panic(err)
	}
	return region
}

func hostStorageInsert(ctx context.Context, mod api.Module, store, keyPtr, keyLen, valPtr, valLen uint32) {
	ic := invocationFrom(ctx)
	if err := ic.Meter.UseGas(gas.ResourceStorageAccess, ic.Schedule.WasmStorageInsertBase); err != nil {
		panic(err)
	}
	key, ok := mod.Memory().Read(keyPtr, keyLen)
	if !ok {
		panic(trapError{"region allocation failed: out of bounds key read"})
	}
	value, ok := mod.Memory().Read(valPtr, valLen)
	if !ok {
		panic(trapError{"region allocation failed: out of bounds value read"})
	}
	ic.Store.Insert(oasisapi.StoreKind(store), append([]byte{}, key...), append([]byte{}, value...))
}

func hostStorageRemove(ctx context.Context, mod api.Module, store, keyPtr, keyLen uint32) {
	ic := invocationFrom(ctx)
	if err := ic.Meter.UseGas(gas.ResourceStorageAccess, ic.Schedule.WasmStorageRemoveBase); err != nil {
		panic(err)
	}
	key, ok := mod.Memory().Read(keyPtr, keyLen)
	if !ok {
		panic(trapError{"region allocation failed: out of bounds key read"})
	}
	ic.Store.Remove(oasisapi.StoreKind(store), key)
}

// copyIntoGuest implements the host-to-guest half of the region
// convention (spec §4.B): call the guest's allocate export, copy bytes
// into the returned offset, and pack the region.
//
// allocate.Call is itself a guest call: any trap during its execution
// (gas exhaustion, a native arithmetic or memory trap) is already
// recovered by wazero and returned here as a plain error, never a Go
// panic. copyIntoGuest preserves that and returns its own failures the
// same way, so a caller invoking it directly (outside of any other
// guest call, as Invoke does for the envelope region) can classify the
// error instead of crashing on an unrecovered panic.
func copyIntoGuest(ctx context.Context, mod api.Module, data []byte) (uint64, error) {
	allocate := mod.ExportedFunction("allocate")
	results, err := allocate.Call(ctx, uint64(len(data)))
	if err != nil {
		if gas.IsOutOfGas(err) {
			return 0, err
		}
		return 0, trapError{fmt.Sprintf("region allocation failed: %s", normalizeNativeTrap(err))}
	}
	offset := uint32(results[0])
	if len(data) > 0 && !mod.Memory().Write(offset, data) {
		return 0, trapError{"region allocation failed: guest allocate returned out-of-bounds offset"}
	}
	return packRegion(offset, uint32(len(data))), nil
}

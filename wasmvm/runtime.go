package wasmvm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tetratelabs/wazero"
	wazapi "github.com/tetratelabs/wazero/api"

	oasisapi "github.com/anonymousGiga/oasis-sdk/api"
	"github.com/anonymousGiga/oasis-sdk/gas"
)

// Entry point names a guest module exports, per spec §4.C.
const (
	EntryInstantiate  = "instantiate"
	EntryCall         = "call"
	EntryHandleReply  = "handle_reply"
)

// Instance wraps one instantiated guest module for the lifetime of a
// single invocation. The engine owns it exclusively for that lifetime
// (spec §3 "Ownership") and closes it on every exit path.
type Instance struct {
	mod wazapi.Module
}

// Instantiate instantiates compiled, already-instrumented guest code
// against rt. The returned Instance must be closed by the caller once the
// invocation (and any handle_reply calls it triggers) completes.
func Instantiate(ctx context.Context, rt wazero.Runtime, compiled wazero.CompiledModule, name string) (*Instance, error) {
	cfg := wazero.NewModuleConfig().WithName(name)
	mod, err := rt.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		return nil, oasisapi.ErrModuleLoadingFailed(err)
	}
	return &Instance{mod: mod}, nil
}

// Close releases the guest instance's linear memory and module state.
func (in *Instance) Close(ctx context.Context) error {
	return in.mod.Close(ctx)
}

// Invoke runs one of the three guest entry points per the protocol of
// spec §4.C: CBOR-encode envelope, copy it into the guest via allocate,
// call the entry point, copy the result out via deallocate, decode
// ExecutionOk, and enforce max_result_size_bytes. Any guest trap
// (including gas exhaustion and stack overflow signalled by the
// "metering" host import) is converted to a typed oasisapi.Error.
func (in *Instance) Invoke(ctx context.Context, ic *InvocationContext, entry string, envelope oasisapi.Envelope, maxResultSize int) (*oasisapi.ExecutionOk, error) {
	fn := in.mod.ExportedFunction(entry)
	if fn == nil {
		return nil, oasisapi.ErrExecutionFailed(fmt.Sprintf("missing %q export", entry))
	}

	inBytes := oasisapi.Marshal(envelope)
	ctx = WithInvocationContext(ctx, ic)
	inRegion, err := copyIntoGuest(ctx, in.mod, inBytes)
	if err != nil {
		return nil, classifyTrap(err)
	}

	results, err := fn.Call(ctx, inRegion)
	if err != nil {
		return nil, classifyTrap(err)
	}
	outOffset, outLength := unpackRegion(results[0])

	if int(outLength) > maxResultSize {
		// Still must free the guest region before surfacing the error.
		in.deallocate(ctx, outOffset, outLength)
		return nil, oasisapi.ErrResultTooLarge(int(outLength), maxResultSize)
	}

	outBytes, ok := in.mod.Memory().Read(outOffset, outLength)
	if !ok {
		return nil, oasisapi.ErrExecutionFailed("region allocation failed: guest returned out-of-bounds region")
	}
	outBytes = append([]byte{}, outBytes...)
	in.deallocate(ctx, outOffset, outLength)

	var ok2 oasisapi.ExecutionOk
	if err := oasisapi.Unmarshal(outBytes, &ok2); err != nil {
		return nil, oasisapi.ErrExecutionFailed(fmt.Sprintf("malformed ExecutionOk: %v", err))
	}
	return &ok2, nil
}

func (in *Instance) deallocate(ctx context.Context, offset, length uint32) {
	if dealloc := in.mod.ExportedFunction("deallocate"); dealloc != nil {
		// Best-effort: a failing deallocate does not change the outcome
		// already determined by the entry point's return.
		_, _ = dealloc.Call(ctx, uint64(offset), uint64(length))
	}
}

// classifyTrap maps a wazero Call error — which may wrap a panicked
// gas.outOfGasError or trapError from hostabi.go, or an engine-native
// trap (unreachable, integer divide by zero, out-of-bounds memory
// access) — to the typed error spec §7 requires.
func classifyTrap(err error) error {
	if gas.IsOutOfGas(err) {
		return oasisapi.ErrOutOfGas
	}
	var te trapError
	if errors.As(err, &te) {
		return oasisapi.ErrExecutionFailed(te.reason)
	}
	return oasisapi.ErrExecutionFailed(normalizeNativeTrap(err))
}

// normalizeNativeTrap maps wazero's own wording for a native wasm trap
// to the fixed cause vocabulary spec §8 expects, so a guest's division
// trap reads "division by zero" regardless of the runtime's own message.
func normalizeNativeTrap(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "divide by zero"):
		return "division by zero"
	case strings.Contains(msg, "out of bounds memory access"):
		return "out of bounds memory access"
	case strings.Contains(msg, "integer overflow"):
		return "integer overflow"
	case strings.Contains(msg, "unreachable"):
		return "unreachable"
	default:
		return msg
	}
}

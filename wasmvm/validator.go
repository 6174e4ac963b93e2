package wasmvm

import (
	"context"
	"fmt"
	"strings"

	"github.com/tetratelabs/wazero"

	oasisapi "github.com/anonymousGiga/oasis-sdk/api"
)

// requiredExports are the guest entry points every uploaded module must
// provide (spec §4.A item 4, §4.C).
var requiredExports = []string{"allocate", "deallocate", "instantiate", "call"}

// reservedExportPrefixes are export names the host reserves for itself;
// a guest declaring one fails CodeDeclaresReservedExport (spec §4.A item 5).
var reservedExportPrefixes = []string{"gas_limit"}

const exportKindFunc = 0

// validateStructure runs the structural checks of spec §4.A against the
// parsed module, independent of the instrumentation pass. It is run both
// before instrumentation (on guest-submitted bytes) and is implicitly
// re-satisfied after, since instrumentation only adds imports/calls and
// never removes or renames exports.
func validateStructure(m *module) error {
	if m.hasStart {
		return oasisapi.ErrDeclaresStartFunction()
	}
	if total := m.totalMemories(); total > 1 {
		return oasisapi.ErrTooManyMemories(total)
	}

	seen := map[string]bool{}
	for _, e := range m.exports {
		if e.kind != exportKindFunc {
			continue
		}
		seen[e.name] = true
		for _, prefix := range reservedExportPrefixes {
			if strings.HasPrefix(e.name, prefix) {
				return oasisapi.ErrReservedExport(e.name)
			}
		}
	}
	for _, name := range requiredExports {
		if !seen[name] {
			return oasisapi.ErrMissingRequiredExport(name)
		}
	}
	return nil
}

// Validate parses, structurally checks, and deep-validates raw WASM bytes
// against wazero's compiler, without instrumenting or retaining the
// compiled module. It is exposed separately from Instrument so Upload can
// report CodeMalformed for bytes wazero itself cannot compile; it always
// compiles, and validateStructure is the compile-free structural check.
func Validate(ctx context.Context, rt wazero.Runtime, code []byte, maxCodeSize int) error {
	if len(code) > maxCodeSize {
		return oasisapi.ErrCodeTooLarge(len(code), maxCodeSize)
	}
	m, err := parseModule(code)
	if err != nil {
		return oasisapi.ErrCodeMalformed(err)
	}
	if err := validateStructure(m); err != nil {
		return err
	}
	compiled, err := rt.CompileModule(ctx, code)
	if err != nil {
		return oasisapi.ErrCodeMalformed(err)
	}
	defer compiled.Close(ctx)
	return nil
}

// errUnsupportedOpcode is returned by the body walker in instrument.go
// when it meets bytecode outside the MVP subset this engine instruments.
func errUnsupportedOpcode(op byte, funcIdx int) error {
	return fmt.Errorf("unsupported opcode 0x%02x in function %d", op, funcIdx)
}

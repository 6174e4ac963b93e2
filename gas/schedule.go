// Package gas implements the module's gas accounting: the configurable
// cost schedule and limits of spec §4.F, and a Meter that enforces them
// with saturating arithmetic so cost computation can never overflow.
package gas

import "math"

// MaxUint64 is the saturation ceiling for gas-cost multiplication, mirroring
// the teacher's common/math saturating-arithmetic helpers.
const MaxUint64 = math.MaxUint64

// SafeAdd returns x+y, or MaxUint64 if the sum would overflow.
func SafeAdd(x, y uint64) uint64 {
	sum := x + y
	if sum < x {
		return MaxUint64
	}
	return sum
}

// SafeMul returns x*y, or MaxUint64 if the product would overflow.
func SafeMul(x, y uint64) uint64 {
	if x == 0 || y == 0 {
		return 0
	}
	p := x * y
	if p/y != x {
		return MaxUint64
	}
	return p
}

// Schedule is the configurable, consensus-stable cost table of spec §4.F.
// Every field is a base cost charged at the point named in the comment;
// multiplications against dynamic quantities (byte counts, message
// counts) always use SafeMul/SafeAdd.
type Schedule struct {
	// Entry-point base costs.
	TxUpload        uint64 `toml:"tx_upload"`
	TxUploadPerByte uint64 `toml:"tx_upload_per_byte"`
	TxInstantiate   uint64 `toml:"tx_instantiate"`
	TxCall          uint64 `toml:"tx_call"`
	TxUpgrade       uint64 `toml:"tx_upgrade"`

	// Sub-call dispatch, charged once per fanned-out message before any
	// of them execute.
	SubcallDispatch uint64 `toml:"subcall_dispatch"`

	// Host storage call base costs, charged before the underlying KV
	// operation regardless of outcome.
	WasmStorageGetBase    uint64 `toml:"wasm_storage_get_base"`
	WasmStorageInsertBase uint64 `toml:"wasm_storage_insert_base"`
	WasmStorageRemoveBase uint64 `toml:"wasm_storage_remove_base"`

	// Per-instruction metering injected by the instrumenter (§4.A).
	PerInstruction  uint64 `toml:"per_instruction"`
	PerCallOverhead uint64 `toml:"per_call_overhead"`
	PerMemoryPage   uint64 `toml:"per_memory_page"`
}

// Limits is the configurable boundary-behavior table of spec §8.
type Limits struct {
	MaxCodeSize       uint64 `toml:"max_code_size"`
	MaxStackSize      uint32 `toml:"max_stack_size"`
	MaxMemoryPages    uint32 `toml:"max_memory_pages"`
	MaxSubcallDepth   int    `toml:"max_subcall_depth"`
	MaxSubcallCount   int    `toml:"max_subcall_count"`
	MaxResultSizeBytes int   `toml:"max_result_size_bytes"`
}

// Params bundles Schedule and Limits, the full Policy & Gas Model
// configuration surface (spec §4.F). It is what config.Load populates
// from TOML and what the contracts.Parameters query returns.
type Params struct {
	Schedule Schedule `toml:"schedule"`
	Limits   Limits   `toml:"limits"`
}

// DefaultParams returns the engine's built-in cost/limit table, used
// whenever no configuration file overrides it. Values are chosen to be
// generous enough for the hello-contract scenarios of spec §8 while
// still bounding adversarial bytecode.
func DefaultParams() Params {
	return Params{
		Schedule: Schedule{
			TxUpload:              100_000,
			TxUploadPerByte:        1,
			TxInstantiate:          100_000,
			TxCall:                 50_000,
			TxUpgrade:              50_000,
			SubcallDispatch:        10_000,
			WasmStorageGetBase:     1_000,
			WasmStorageInsertBase:  2_000,
			WasmStorageRemoveBase:  1_500,
			PerInstruction:         1,
			PerCallOverhead:        100,
			PerMemoryPage:          1_000,
		},
		Limits: Limits{
			MaxCodeSize:        512 * 1024,
			MaxStackSize:       1024,
			MaxMemoryPages:     512, // 32 MiB
			MaxSubcallDepth:    8,
			MaxSubcallCount:    32,
			MaxResultSizeBytes: 256 * 1024,
		},
	}
}

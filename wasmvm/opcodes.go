package wasmvm

// Opcode bytes this instrumenter recognizes and treats specially. All other
// single-byte opcodes in the WASM MVP numeric/comparison/conversion range
// (0x45-0xC4) carry no immediate and are copied through untouched.
const (
	opUnreachable  = 0x00
	opNop          = 0x01
	opBlock        = 0x02
	opLoop         = 0x03
	opIf           = 0x04
	opElse         = 0x05
	opEnd          = 0x0B
	opBr           = 0x0C
	opBrIf         = 0x0D
	opBrTable      = 0x0E
	opReturn       = 0x0F
	opCall         = 0x10
	opCallIndirect = 0x11
	opSelectT      = 0x1C
	opMemoryGrow   = 0x40
)

// blocktypeLen returns the number of bytes the blocktype immediate of a
// block/loop/if instruction occupies at code[pos].
func blocktypeLen(code []byte, pos int) (int, error) {
	if pos >= len(code) {
		return 0, errTruncated
	}
	b := code[pos]
	if b == 0x40 || isValtype(b) {
		return 1, nil
	}
	// Otherwise it's a signed LEB128 s33 type index.
	_, n, err := readS64(code, pos)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func isValtype(b byte) bool {
	switch b {
	case 0x7F, 0x7E, 0x7D, 0x7C, 0x70, 0x6F: // i32 i64 f32 f64 funcref externref
		return true
	}
	return false
}

var errTruncated = errWasm("truncated instruction stream")

type errWasm string

func (e errWasm) Error() string { return string(e) }

// isLoadStoreOpcode reports whether op is one of the memarg-carrying memory
// instructions (i32.load .. i64.store32), 0x28 through 0x3E inclusive.
func isLoadStoreOpcode(op byte) bool {
	return op >= 0x28 && op <= 0x3E
}

// isSimpleLEBOpcode reports whether op's sole immediate is a single
// unsigned LEB128 index (local/global/table get-set, br, call).
func isSimpleLEBOpcode(op byte) bool {
	switch op {
	case 0x0C, 0x0D, 0x10, 0x20, 0x21, 0x22, 0x23, 0x24, 0x25, 0x26:
		return true
	}
	return false
}

// isUnsupportedPrefix reports extended encodings (bulk memory, SIMD,
// reference-type table ops beyond table.get/set) this instrumenter does
// not parse. Modules using them are rejected as malformed: the engine
// targets the WASM MVP core subset named in spec §4.A item 1.
func isUnsupportedPrefix(op byte) bool {
	return op == 0xFC || op == 0xFD
}

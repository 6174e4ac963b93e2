// Package wasmvm implements Component A (bytecode validator/instrumenter),
// Component B (host ABI), and Component C (instance runtime) of the
// engine: turning untrusted WASM bytes into a gas-metered, depth-limited
// module, and invoking its guest entry points through wazero.
package wasmvm

import "fmt"

// readU32 reads an unsigned LEB128-encoded u32 starting at b[off], returning
// the decoded value, the number of bytes consumed, and an error if the
// encoding is malformed or truncated.
func readU32(b []byte, off int) (uint32, int, error) {
	var result uint32
	var shift uint
	n := 0
	for {
		if off+n >= len(b) {
			return 0, 0, fmt.Errorf("truncated LEB128 u32 at offset %d", off)
		}
		byt := b[off+n]
		n++
		if shift < 32 {
			result |= uint32(byt&0x7f) << shift
		}
		if byt&0x80 == 0 {
			break
		}
		shift += 7
		if shift > 35 {
			return 0, 0, fmt.Errorf("LEB128 u32 at offset %d too long", off)
		}
	}
	return result, n, nil
}

// readS64 reads a signed LEB128-encoded i64, used for block types and
// const immediates that this instrumenter only needs to skip over.
func readS64(b []byte, off int) (int64, int, error) {
	var result int64
	var shift uint
	n := 0
	var byt byte
	for {
		if off+n >= len(b) {
			return 0, 0, fmt.Errorf("truncated LEB128 s64 at offset %d", off)
		}
		byt = b[off+n]
		n++
		result |= int64(byt&0x7f) << shift
		shift += 7
		if byt&0x80 == 0 {
			break
		}
		if shift > 70 {
			return 0, 0, fmt.Errorf("LEB128 s64 at offset %d too long", off)
		}
	}
	if shift < 64 && byt&0x40 != 0 {
		result |= -1 << shift
	}
	return result, n, nil
}

// putU32 appends the unsigned LEB128 encoding of v to b.
func putU32(b []byte, v uint32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b = append(b, c|0x80)
		} else {
			b = append(b, c)
			return b
		}
	}
}

// putU64 appends the unsigned LEB128 encoding of v to b (used for gas
// immediates, which may exceed 32 bits).
func putU64(b []byte, v uint64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b = append(b, c|0x80)
		} else {
			b = append(b, c)
			return b
		}
	}
}

// sizeU32 returns the encoded length of v's unsigned LEB128 form, used to
// compute section sizes before serializing them.
func sizeU32(v uint32) int {
	n := 1
	for v >>= 7; v != 0; v >>= 7 {
		n++
	}
	return n
}

package wasmvm

import (
	"bytes"
	"fmt"
)

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6D}
var wasmVersion = []byte{0x01, 0x00, 0x00, 0x00}

const (
	secCustom   = 0
	secType     = 1
	secImport   = 2
	secFunction = 3
	secTable    = 4
	secMemory   = 5
	secGlobal   = 6
	secExport   = 7
	secStart    = 8
	secElement  = 9
	secCode     = 10
	secData     = 11
)

// rawSection is one top-level section as it appears on the wire: its id and
// its content bytes (excluding the id byte and the size varuint).
type rawSection struct {
	id   byte
	data []byte
}

// export is a parsed entry of the export section, with enough detail to
// rewrite its function-index operand during instrumentation.
type export struct {
	name string
	kind byte // 0=func 1=table 2=mem 3=global
	// idxOff/idxLen locate the LEB128-encoded index within the export
	// section's raw bytes; patchExportIndices does not use them, since it
	// re-encodes the section from the parsed entries.
	idxOff, idxLen int
	index          uint32
}

// module is the structural parse of a WASM binary sufficient for the
// validator and instrumenter: section boundaries plus the handful of
// fields (import/function counts, exports, memory count, start presence)
// the checks in spec §4.A and the instrumentation pass in instrument.go
// need. Function bodies themselves are re-walked lazily by the
// instrumenter rather than decoded here.
type module struct {
	sections []rawSection

	numImportedFuncs int
	numImportedMems  int
	numTypes         int
	numLocalMems     int
	hasStart         bool
	exports          []export
}

// parseModule performs the raw section scan plus the minimal structural
// decode described above. It does not validate instruction-level bytecode;
// that is wazero's job once Validate hands it the module.
func parseModule(b []byte) (*module, error) {
	if len(b) < 8 || !bytes.Equal(b[:4], wasmMagic) || !bytes.Equal(b[4:8], wasmVersion) {
		return nil, fmt.Errorf("not a WASM binary module (bad magic/version)")
	}
	m := &module{}
	pos := 8
	for pos < len(b) {
		id := b[pos]
		pos++
		size, n, err := readU32(b, pos)
		if err != nil {
			return nil, fmt.Errorf("section header at offset %d: %w", pos, err)
		}
		pos += n
		if pos+int(size) > len(b) {
			return nil, fmt.Errorf("section id %d size %d overruns module", id, size)
		}
		data := b[pos : pos+int(size)]
		m.sections = append(m.sections, rawSection{id: id, data: data})
		pos += int(size)

		switch id {
		case secType:
			count, _, err := readU32(data, 0)
			if err != nil {
				return nil, fmt.Errorf("type section: %w", err)
			}
			m.numTypes = int(count)
		case secImport:
			if err := m.scanImports(data); err != nil {
				return nil, fmt.Errorf("import section: %w", err)
			}
		case secMemory:
			count, _, err := readU32(data, 0)
			if err != nil {
				return nil, fmt.Errorf("memory section: %w", err)
			}
			m.numLocalMems = int(count)
		case secStart:
			m.hasStart = true
		case secExport:
			if err := m.scanExports(data); err != nil {
				return nil, fmt.Errorf("export section: %w", err)
			}
		}
	}
	return m, nil
}

// scanImports walks the import vector counting imported functions and
// memories (needed for the function-index shift and the "at most one
// memory" check, which must count imports too).
func (m *module) scanImports(data []byte) error {
	count, n, err := readU32(data, 0)
	if err != nil {
		return err
	}
	pos := n
	for i := uint32(0); i < count; i++ {
		// module name, field name: both are (len, bytes) vectors.
		for j := 0; j < 2; j++ {
			l, n, err := readU32(data, pos)
			if err != nil {
				return err
			}
			pos += n + int(l)
		}
		if pos >= len(data) {
			return errTruncated
		}
		kind := data[pos]
		pos++
		switch kind {
		case 0: // func: typeidx
			_, n, err := readU32(data, pos)
			if err != nil {
				return err
			}
			pos += n
			m.numImportedFuncs++
		case 1: // table: elemtype + limits
			pos++ // elemtype
			pos, err = skipLimits(data, pos)
			if err != nil {
				return err
			}
		case 2: // memory: limits
			pos, err = skipLimits(data, pos)
			if err != nil {
				return err
			}
			m.numImportedMems++
		case 3: // global: valtype + mutability
			pos += 2
		default:
			return fmt.Errorf("unknown import kind %d", kind)
		}
	}
	return nil
}

func skipLimits(data []byte, pos int) (int, error) {
	if pos >= len(data) {
		return 0, errTruncated
	}
	flag := data[pos]
	pos++
	_, n, err := readU32(data, pos)
	if err != nil {
		return 0, err
	}
	pos += n
	if flag == 1 {
		_, n, err := readU32(data, pos)
		if err != nil {
			return 0, err
		}
		pos += n
	}
	return pos, nil
}

// scanExports walks the export vector, recording each entry's name, kind,
// index, and the byte offset of its index operand; patchExportIndices
// later re-encodes the section from these entries with shifted indices.
func (m *module) scanExports(data []byte) error {
	count, n, err := readU32(data, 0)
	if err != nil {
		return err
	}
	pos := n
	for i := uint32(0); i < count; i++ {
		l, n, err := readU32(data, pos)
		if err != nil {
			return err
		}
		pos += n
		name := string(data[pos : pos+int(l)])
		pos += int(l)
		if pos >= len(data) {
			return errTruncated
		}
		kind := data[pos]
		pos++
		idxOff := pos
		idx, n, err := readU32(data, pos)
		if err != nil {
			return err
		}
		pos += n
		m.exports = append(m.exports, export{name: name, kind: kind, idxOff: idxOff, idxLen: n, index: idx})
	}
	return nil
}

// totalMemories is the combined imported+declared memory count checked
// against spec §4.A item 3.
func (m *module) totalMemories() int { return m.numImportedMems + m.numLocalMems }

func (m *module) section(id byte) ([]byte, bool) {
	for _, s := range m.sections {
		if s.id == id {
			return s.data, true
		}
	}
	return nil, false
}

package wasmvm

import (
	"fmt"

	"github.com/anonymousGiga/oasis-sdk/gas"
)

// The instrumenter adds one new host import module, "metering", with four
// functions, and rewrites every local function body to call them at the
// points spec §4.A requires instrumentation: function entry (stack-depth
// push plus a static gas charge for the body), every `return` and the
// function's implicit end (stack-depth pop), every loop header (a
// per-iteration gas charge, the only way a straight-line static charge can
// bound an unbounded loop), every call/call_indirect/br/br_if (the
// "branches and calls also charge" rule), and every memory.grow (routed
// through a host function that enforces max_memory_pages and charges
// per-page gas instead of growing unconditionally).
//
// Depth and gas state live host-side, in the InvocationContext carried on
// the call's context.Context: enter_call/exit_call adjust a per-invocation
// depth counter and trap (via panic, which wazero reports as a guest
// trap) past max_stack_size; use_gas debits the active gas.Meter and
// panics on exhaustion. See hostabi.go for the host-side functions.
const (
	meteringModule = "metering"
)

var (
	typeUseGas  = functype{params: []byte{0x7E}, results: nil}          // (i64) -> ()
	typeVoid    = functype{params: nil, results: nil}                   // () -> ()
	typeGrow    = functype{params: []byte{0x7F}, results: []byte{0x7F}} // (i32) -> (i32)
)

type functype struct {
	params  []byte
	results []byte
}

func (f functype) encode() []byte {
	out := []byte{0x60}
	out = putU32(out, uint32(len(f.params)))
	out = append(out, f.params...)
	out = putU32(out, uint32(len(f.results)))
	out = append(out, f.results...)
	return out
}

// Instrument rewrites raw, already structurally-validated WASM bytes per
// spec §4.A, injecting gas metering and stack-depth limiting. The caller
// is responsible for running Validate first; Instrument re-parses the
// module (cheaply — no wazero compile) to recover the section layout it
// needs to rewrite.
func Instrument(code []byte, sched gas.Schedule) ([]byte, error) {
	m, err := parseModule(code)
	if err != nil {
		return nil, fmt.Errorf("instrument: %w", err)
	}

	oldImportFuncs := uint32(m.numImportedFuncs)
	newUseGasIdx := oldImportFuncs
	newEnterIdx := oldImportFuncs + 1
	newExitIdx := oldImportFuncs + 2
	newGrowIdx := oldImportFuncs + 3

	typeUseGasIdx := uint32(m.numTypes)
	typeVoidIdx := uint32(m.numTypes + 1)
	typeGrowIdx := uint32(m.numTypes + 2)

	sections := append([]rawSection(nil), m.sections...)

	newTypeData, ok := m.section(secType)
	newTypeData = appendTypeSection(newTypeData, ok)
	sections = upsertSection(sections, secType, newTypeData)

	newImportData, ok := m.section(secImport)
	newImportData = appendMeteringImports(newImportData, ok, typeUseGasIdx, typeVoidIdx, typeGrowIdx)
	sections = upsertSection(sections, secImport, newImportData)

	if exportData, ok := m.section(secExport); ok {
		patched, err := patchExportIndices(exportData, m.exports, oldImportFuncs, 4)
		if err != nil {
			return nil, fmt.Errorf("instrument: export section: %w", err)
		}
		sections = upsertSection(sections, secExport, patched)
	}

	if elemData, ok := m.section(secElement); ok {
		patched, err := patchElementIndices(elemData, oldImportFuncs, 4)
		if err != nil {
			return nil, fmt.Errorf("instrument: element section: %w", err)
		}
		sections = upsertSection(sections, secElement, patched)
	}

	if codeData, ok := m.section(secCode); ok {
		patched, err := rewriteCodeSection(codeData, oldImportFuncs, newUseGasIdx, newEnterIdx, newExitIdx, newGrowIdx, sched)
		if err != nil {
			return nil, fmt.Errorf("instrument: code section: %w", err)
		}
		sections = upsertSection(sections, secCode, patched)
	}

	out := append([]byte{}, wasmMagic...)
	out = append(out, wasmVersion...)
	for _, s := range sections {
		out = append(out, s.id)
		out = putU32(out, uint32(len(s.data)))
		out = append(out, s.data...)
	}
	return out, nil
}

// upsertSection replaces the first section with the given id, or inserts
// it in standard section order if absent (skipping over any leading
// custom sections, which may appear anywhere).
func upsertSection(sections []rawSection, id byte, data []byte) []rawSection {
	for i, s := range sections {
		if s.id == id {
			sections[i].data = data
			return sections
		}
	}
	insertAt := len(sections)
	for i, s := range sections {
		if s.id != secCustom && s.id > id {
			insertAt = i
			break
		}
	}
	out := append([]rawSection{}, sections[:insertAt]...)
	out = append(out, rawSection{id: id, data: data})
	out = append(out, sections[insertAt:]...)
	return out
}

func appendTypeSection(data []byte, existed bool) []byte {
	count := uint32(0)
	rest := []byte{}
	if existed {
		c, n, err := readU32(data, 0)
		if err == nil {
			count = c
			rest = data[n:]
		}
	}
	out := []byte{}
	out = putU32(out, count+3)
	out = append(out, rest...)
	out = append(out, typeUseGas.encode()...)
	out = append(out, typeVoid.encode()...)
	out = append(out, typeGrow.encode()...)
	return out
}

func encodeImportEntry(module, field string, funcTypeIdx uint32) []byte {
	out := []byte{}
	out = putU32(out, uint32(len(module)))
	out = append(out, module...)
	out = putU32(out, uint32(len(field)))
	out = append(out, field...)
	out = append(out, 0) // kind = func
	out = putU32(out, funcTypeIdx)
	return out
}

func appendMeteringImports(data []byte, existed bool, typeUseGasIdx, typeVoidIdx, typeGrowIdx uint32) []byte {
	count := uint32(0)
	rest := []byte{}
	if existed {
		c, n, err := readU32(data, 0)
		if err == nil {
			count = c
			rest = data[n:]
		}
	}
	out := []byte{}
	out = putU32(out, count+4)
	out = append(out, rest...)
	out = append(out, encodeImportEntry(meteringModule, "use_gas", typeUseGasIdx)...)
	out = append(out, encodeImportEntry(meteringModule, "enter_call", typeVoidIdx)...)
	out = append(out, encodeImportEntry(meteringModule, "exit_call", typeVoidIdx)...)
	out = append(out, encodeImportEntry(meteringModule, "grow_checked", typeGrowIdx)...)
	return out
}

// patchExportIndices rewrites the function-index operand of every
// func-kind export whose index falls in the shifted range, leaving table/
// memory/global exports and export names untouched. It re-serializes from
// the already-parsed export list rather than patching bytes in place,
// since shifted indices can change LEB128 length.
func patchExportIndices(data []byte, exports []export, oldImportFuncs uint32, shift uint32) ([]byte, error) {
	out := []byte{}
	out = putU32(out, uint32(len(exports)))
	for _, e := range exports {
		idx := e.index
		if e.kind == exportKindFunc && idx >= oldImportFuncs {
			idx += shift
		}
		out = putU32(out, uint32(len(e.name)))
		out = append(out, e.name...)
		out = append(out, e.kind)
		out = putU32(out, idx)
	}
	return out, nil
}

// patchElementIndices shifts funcidx entries embedded in active,
// table-index-0, expression-offset element segments (encoding flag 0x00),
// the common encoding hand-written or simply-compiled modules use for
// call_indirect tables. Other flag encodings (passive/declarative
// segments, or explicit table indices) are passed through unshifted: such
// segments are rare for this engine's target contracts, and rejecting
// them outright would be more disruptive than the limitation is worth.
func patchElementIndices(data []byte, oldImportFuncs uint32, shift uint32) ([]byte, error) {
	count, n, err := readU32(data, 0)
	if err != nil {
		return nil, err
	}
	pos := n
	out := []byte{}
	out = putU32(out, count)
	for i := uint32(0); i < count; i++ {
		if pos >= len(data) {
			return nil, errTruncated
		}
		flag := data[pos]
		segStart := pos
		pos++
		if flag != 0x00 {
			// Unknown/unsupported flag: we cannot safely locate this
			// segment's end without fully decoding its variant, so leave
			// the remainder of the section untouched from here on.
			out = append(out, data[segStart:]...)
			return out, nil
		}
		// offset expr: a constant expression terminated by 0x0B.
		exprStart := pos
		for pos < len(data) && data[pos] != opEnd {
			pos++
		}
		if pos >= len(data) {
			return nil, errTruncated
		}
		pos++ // consume 0x0B
		exprBytes := data[exprStart:pos]

		vecCount, n, err := readU32(data, pos)
		if err != nil {
			return nil, err
		}
		pos += n
		out = append(out, flag)
		out = append(out, exprBytes...)
		out = putU32(out, vecCount)
		for j := uint32(0); j < vecCount; j++ {
			idx, n, err := readU32(data, pos)
			if err != nil {
				return nil, err
			}
			pos += n
			if idx >= oldImportFuncs {
				idx += shift
			}
			out = putU32(out, idx)
		}
	}
	return out, nil
}

func appendCall(out []byte, funcIdx uint32) []byte {
	out = append(out, opCall)
	return putU32(out, funcIdx)
}

func appendUseGas(out []byte, useGasIdx uint32, amount uint64) []byte {
	out = append(out, 0x42) // i64.const
	out = putU64(out, amount)
	return appendCall(out, useGasIdx)
}

// rewriteCodeSection walks the code section's vector of function bodies,
// instrumenting each per the scheme documented on Instrument.
func rewriteCodeSection(data []byte, oldImportFuncs, useGasIdx, enterIdx, exitIdx, growIdx uint32, sched gas.Schedule) ([]byte, error) {
	count, n, err := readU32(data, 0)
	if err != nil {
		return nil, err
	}
	pos := n
	out := []byte{}
	out = putU32(out, count)
	for fi := uint32(0); fi < count; fi++ {
		size, n, err := readU32(data, pos)
		if err != nil {
			return nil, err
		}
		pos += n
		body := data[pos : pos+int(size)]
		pos += int(size)

		newBody, err := rewriteBody(body, int(fi), oldImportFuncs, useGasIdx, enterIdx, exitIdx, growIdx, sched)
		if err != nil {
			return nil, fmt.Errorf("function %d: %w", fi, err)
		}
		out = putU32(out, uint32(len(newBody)))
		out = append(out, newBody...)
	}
	return out, nil
}

func rewriteBody(body []byte, funcIdx int, oldImportFuncs, useGasIdx, enterIdx, exitIdx, growIdx uint32, sched gas.Schedule) ([]byte, error) {
	localsCount, n, err := readU32(body, 0)
	if err != nil {
		return nil, err
	}
	pos := n
	for i := uint32(0); i < localsCount; i++ {
		_, n, err := readU32(body, pos)
		if err != nil {
			return nil, err
		}
		pos += n + 1 // skip the run-length count and its one valtype byte
	}

	out := append([]byte{}, body[:pos]...)

	exprStart := pos
	entryCharge := sched.PerCallOverhead + sched.PerInstruction*uint64(len(body)-exprStart)
	out = appendCall(out, enterIdx)
	out = appendUseGas(out, useGasIdx, entryCharge)

	depth := 1
	i := pos
	for i < len(body) {
		op := body[i]
		opStart := i
		i++
		if isUnsupportedPrefix(op) {
			return nil, errUnsupportedOpcode(op, funcIdx)
		}
		switch op {
		case opBlock, opLoop, opIf:
			bl, err := blocktypeLen(body, i)
			if err != nil {
				return nil, err
			}
			i += bl
			depth++
			out = append(out, body[opStart:i]...)
			if op == opLoop {
				out = appendUseGas(out, useGasIdx, sched.PerInstruction)
			}
		case opEnd:
			depth--
			if depth == 0 {
				out = appendCall(out, exitIdx)
				out = append(out, op)
				if i != len(body) {
					return nil, fmt.Errorf("trailing bytes after function end")
				}
			} else {
				out = append(out, op)
			}
		case opReturn:
			out = appendCall(out, exitIdx)
			out = append(out, op)
		case opCall:
			funcIdx64, n, err := readU32(body, i)
			if err != nil {
				return nil, err
			}
			i += n
			target := funcIdx64
			if target >= oldImportFuncs {
				target += 4
			}
			out = appendUseGas(out, useGasIdx, sched.PerCallOverhead)
			out = appendCall(out, target)
		case opCallIndirect:
			typeIdx, n, err := readU32(body, i)
			if err != nil {
				return nil, err
			}
			i += n
			if i >= len(body) {
				return nil, errTruncated
			}
			tableIdx := body[i]
			i++
			out = appendUseGas(out, useGasIdx, sched.PerCallOverhead)
			out = append(out, op)
			out = putU32(out, typeIdx)
			out = append(out, tableIdx)
		case opBr, opBrIf:
			idx, n, err := readU32(body, i)
			if err != nil {
				return nil, err
			}
			i += n
			out = appendUseGas(out, useGasIdx, sched.PerInstruction)
			out = append(out, op)
			out = putU32(out, idx)
		case opBrTable:
			vecCount, n, err := readU32(body, i)
			if err != nil {
				return nil, err
			}
			i += n
			for k := uint32(0); k <= vecCount; k++ {
				_, n, err := readU32(body, i)
				if err != nil {
					return nil, err
				}
				i += n
			}
			out = appendUseGas(out, useGasIdx, sched.PerInstruction)
			out = append(out, body[opStart:i]...)
		case opMemoryGrow:
			i++ // reserved byte
			out = appendCall(out, growIdx)
		case 0x3F: // memory.size
			i++ // reserved byte
			out = append(out, body[opStart:i]...)
		case 0x41, 0x42: // i32.const, i64.const
			_, n, err := readS64(body, i)
			if err != nil {
				return nil, err
			}
			i += n
			out = append(out, body[opStart:i]...)
		case 0x43: // f32.const
			i += 4
			out = append(out, body[opStart:i]...)
		case 0x44: // f64.const
			i += 8
			out = append(out, body[opStart:i]...)
		case opSelectT:
			vecCount, n, err := readU32(body, i)
			if err != nil {
				return nil, err
			}
			i += n + int(vecCount)
			out = append(out, body[opStart:i]...)
		case opElse:
			out = append(out, op)
		default:
			if isLoadStoreOpcode(op) {
				_, n1, err := readU32(body, i)
				if err != nil {
					return nil, err
				}
				i += n1
				_, n2, err := readU32(body, i)
				if err != nil {
					return nil, err
				}
				i += n2
				out = append(out, body[opStart:i]...)
			} else if isSimpleLEBOpcode(op) {
				_, n, err := readU32(body, i)
				if err != nil {
					return nil, err
				}
				i += n
				out = append(out, body[opStart:i]...)
			} else {
				// No-immediate numeric/comparison/conversion instruction,
				// or unreachable/nop/drop/select.
				out = append(out, op)
			}
		}
	}
	return out, nil
}

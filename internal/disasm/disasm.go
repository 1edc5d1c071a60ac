// Package disasm renders emitted machine code for trace logs and tests.
package disasm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// ErrUnsupportedArch is returned for an architecture with no decoder.
var ErrUnsupportedArch = errors.New("unsupported architecture")

// Line is one decoded instruction.
type Line struct {
	// Addr is the address of the instruction, i.e. pc plus its offset.
	Addr uintptr
	// Offset from the start of the code.
	Offset int
	Bytes  []byte
	// Text is the instruction in GNU syntax, or a data directive for bytes
	// which do not decode.
	Text string
}

func (l Line) String() string {
	return fmt.Sprintf("%#x: %-24x %s", l.Addr, l.Bytes, l.Text)
}

// Disassemble decodes code as if loaded at pc. arch is "amd64" or "arm64".
func Disassemble(arch string, code []byte, pc uintptr) ([]Line, error) {
	switch arch {
	case "amd64":
		return disassembleAMD64(code, pc), nil
	case "arm64":
		return disassembleARM64(code, pc), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedArch, arch)
	}
}

func disassembleAMD64(code []byte, pc uintptr) (lines []Line) {
	for offset := 0; offset < len(code); {
		addr := pc + uintptr(offset)
		inst, err := x86asm.Decode(code[offset:], 64)
		if err != nil || inst.Len == 0 {
			lines = append(lines, Line{Addr: addr, Offset: offset, Bytes: code[offset : offset+1],
				Text: fmt.Sprintf(".byte 0x%02x", code[offset])})
			offset++
			continue
		}
		lines = append(lines, Line{Addr: addr, Offset: offset, Bytes: code[offset : offset+inst.Len],
			Text: strings.TrimSpace(x86asm.GNUSyntax(inst, uint64(addr), nil))})
		offset += inst.Len
	}
	return
}

func disassembleARM64(code []byte, pc uintptr) (lines []Line) {
	offset := 0
	for ; offset+4 <= len(code); offset += 4 {
		addr := pc + uintptr(offset)
		text := ""
		if inst, err := arm64asm.Decode(code[offset:]); err == nil {
			text = strings.TrimSpace(arm64asm.GNUSyntax(inst))
		} else {
			// Literal pool entries and padding.
			text = fmt.Sprintf(".word 0x%08x", binary.LittleEndian.Uint32(code[offset:]))
		}
		lines = append(lines, Line{Addr: addr, Offset: offset, Bytes: code[offset : offset+4], Text: text})
	}
	for ; offset < len(code); offset++ {
		lines = append(lines, Line{Addr: pc + uintptr(offset), Offset: offset, Bytes: code[offset : offset+1],
			Text: fmt.Sprintf(".byte 0x%02x", code[offset])})
	}
	return
}

package debugreg

import (
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// DisassembleAMD64 renders the instruction at pc in GNU syntax. Fault
// reports use it to show what touched a watched range; code holds the raw
// bytes fetched from pc.
func DisassembleAMD64(code []byte, pc uint64) (string, error) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return "", fmt.Errorf("debugreg: decode %#02x: %w", code, err)
	}

	return x86asm.GNUSyntax(inst, pc, nil), nil
}

// DisassembleARM64 renders the A64 instruction in code in GNU syntax.
func DisassembleARM64(code []byte) (string, error) {
	inst, err := arm64asm.Decode(code)
	if err != nil {
		return "", fmt.Errorf("debugreg: decode %#02x: %w", code, err)
	}

	return arm64asm.GNUSyntax(inst), nil
}

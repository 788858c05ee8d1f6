package engine

import "fmt"

// GP register table for the x86-64 System V ABI, keyed by the DWARF
// register number the side table uses in Location.Register entries.
// This system only ever synthesizes, walks, and jumps into x86-64
// System V frames, so no other architecture is represented here.

// NumGPRegisters is the size of the general-purpose register set this
// system ever saves, restores, or tags a Location with.
const NumGPRegisters = 16

// GPRegisterName is indexed by DWARF register number (0-15).
var GPRegisterName = [NumGPRegisters]string{
	0:  "rax",
	1:  "rdx",
	2:  "rcx",
	3:  "rbx",
	4:  "rsi",
	5:  "rdi",
	6:  "rbp",
	7:  "rsp",
	8:  "r8",
	9:  "r9",
	10: "r10",
	11: "r11",
	12: "r12",
	13: "r13",
	14: "r14",
	15: "r15",
}

// CalleeSaved reports whether the DWARF register number names a
// callee-saved (non-volatile) GP register under the System V ABI. The
// deoptimization handler does not call it, and StackMapRecord.LiveOuts
// is parsed but not checked against it.
func CalleeSaved(dwarfNum uint16) bool {
	switch dwarfNum {
	case 3, 6, 12, 13, 14, 15: // rbx, rbp, r12-r15
		return true
	default:
		return false
	}
}

// ValidRegister reports whether dwarfNum names one of the 16 GP registers
// tracked by this system. Anything else raises an invalid-register-number
// fatal error.
func ValidRegister(dwarfNum uint16) bool {
	return dwarfNum < NumGPRegisters
}

// Name returns the register mnemonic for dwarfNum, or an error if the
// number is out of the GP set.
func Name(dwarfNum uint16) (string, error) {
	if !ValidRegister(dwarfNum) {
		return "", fmt.Errorf("dwarf register number %d is not a valid x86-64 GP register", dwarfNum)
	}
	return GPRegisterName[dwarfNum], nil
}

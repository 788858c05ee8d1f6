package deopt

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// This file hand-assembles x86-64 machine code byte by byte (REX
// prefixes, ModR/M bytes, opcode selection), the same way a compiler's
// code generator builds native instructions. Here the same byte-level
// technique assembles two tiny, fixed machine-code routines —
// externally-visible assembly entry points named jmp_to_addr and
// restore_inlined. They cannot be ordinary Go functions because their
// entire purpose is to run *after* the handler has already overwritten
// the stack the Go runtime thinks is its own.

// trampolineGlobals is the process-global mutable state the register
// snapshot and jump_target must live in: they have to be written by the
// handler and read by an assembly trampoline after the native stack has
// been overwritten, so they cannot live on the stack. Its only
// concurrency guarantee is the single-threaded execution model the
// handler runs under.
var trampolineGlobals struct {
	registers         RegisterFile
	jumpTarget        uint64
	restoredBasePtr   uint64
	restoredStackSize uint64
}

// machineCodeBuilder assembles x86-64 machine code byte by byte (REX
// prefix selection, ModR/M construction).
type machineCodeBuilder struct {
	buf []byte
}

func (b *machineCodeBuilder) emit(bs ...byte) { b.buf = append(b.buf, bs...) }

func (b *machineCodeBuilder) emitU32(v uint32) {
	b.emit(byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func (b *machineCodeBuilder) emitU64(v uint64) {
	b.emitU32(uint32(v))
	b.emitU32(uint32(v >> 32))
}

// movRegImm64 assembles `mov reg64, imm64` (REX.W + B8+rd + imm64).
func (b *machineCodeBuilder) movRegImm64(regEncoding uint8, imm uint64) {
	rex := uint8(0x48) // REX.W
	if regEncoding >= 8 {
		rex |= 0x01 // REX.B
	}
	b.emit(rex, 0xB8+(regEncoding&7))
	b.emitU64(imm)
}

// movRegFromAbs loads the 64-bit value stored at absolute address addr
// into reg, by first materializing addr into the register itself and
// then doing `mov reg, [reg]` (MOV r64, r/m64, opcode 0x8B).
func (b *machineCodeBuilder) movRegFromAbs(regEncoding uint8, addr uint64) {
	b.movRegImm64(regEncoding, addr)
	rex := uint8(0x48)
	if regEncoding >= 8 {
		rex |= 0x05 // REX.R and REX.B both select the same encoded reg here
	}
	b.emit(rex, 0x8B)
	low := regEncoding & 7
	switch low {
	case 4:
		// rm=100 selects a SIB byte; [rsp]/[r12] needs SIB 0x24
		// (no index, base = the register itself).
		b.emit((low<<3)|low, 0x24)
	case 5:
		// mod=00 rm=101 means rip-relative, so [rbp]/[r13] is encoded
		// as mod=01 with a zero disp8 instead.
		b.emit(0x40|(low<<3)|low, 0x00)
	default:
		b.emit((low << 3) | low)
	}
}

// jmpAbs assembles an absolute indirect jump that clobbers no GP
// register: `jmp [rip+0]` (FF /5) with the 8-byte target stored inline
// immediately after the instruction.
func (b *machineCodeBuilder) jmpAbs(target uint64) {
	b.emit(0xFF, 0x25)
	b.emitU32(0)
	b.emitU64(target)
}

// movRspImm64 / movRbpImm64 assemble `mov rsp, imm64` / `mov rbp, imm64`.
func (b *machineCodeBuilder) movRspImm64(v uint64) { b.movRegImm64(4, v) } // rsp encoding 4
func (b *machineCodeBuilder) movRbpImm64(v uint64) { b.movRegImm64(5, v) } // rbp encoding 5

// dwarfToEncoding maps a DWARF GP register number to its x86-64
// ModR/M encoding. The two numberings agree for rax/rbx and r8-r15 but
// permute rcx/rdx and the rsi/rdi/rbp/rsp block: DWARF counts
// rax, rdx, rcx, rbx, rsi, rdi, rbp, rsp while the instruction
// encoding counts rax, rcx, rdx, rbx, rsp, rbp, rsi, rdi.
var dwarfToEncodingTable = [16]uint8{
	0: 0, // rax
	1: 2, // rdx
	2: 1, // rcx
	3: 3, // rbx
	4: 6, // rsi
	5: 7, // rdi
	6: 5, // rbp
	7: 4, // rsp
	8: 8, 9: 9, 10: 10, 11: 11, 12: 12, 13: 13, 14: 14, 15: 15,
}

func dwarfToEncoding(dwarfNum uint16) uint8 { return dwarfToEncodingTable[dwarfNum&15] }

// executableBuffer is a page of memory mapped PROT_READ|PROT_WRITE for
// the assembled machine code to be copied in, then switched to
// PROT_READ|PROT_EXEC so it can run in place; it is never writable and
// executable at once. Unlike a linker laying out a runnable text section in an ELF
// image, the "loader" here is this process's own address space, not a
// freshly exec'd file.
type executableBuffer struct {
	mem []byte
}

func newExecutableBuffer(code []byte) (*executableBuffer, error) {
	size := (len(code) + 0xFFF) &^ 0xFFF
	if size == 0 {
		size = unix.Getpagesize()
	}
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, newFatalf(CategoryAssembly, "mmap trampoline page: %v", err)
	}
	copy(mem, code)
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		unix.Munmap(mem)
		return nil, newFatalf(CategoryAssembly, "mprotect trampoline page executable: %v", err)
	}
	return &executableBuffer{mem: mem}, nil
}

func (e *executableBuffer) addr() uintptr {
	return uintptr(unsafe.Pointer(&e.mem[0]))
}

func (e *executableBuffer) release() error {
	return unix.Munmap(e.mem)
}

// callTrampoline invokes the assembled machine code at addr as a bare
// `func()`, the standard Go trick for jumping into hand-assembled native
// code: alias a function value's code pointer to addr via unsafe, then
// call it. It never returns for jmp_to_addr/restore_inlined, since both
// routines end in an unconditional jmp into the twin.
func callTrampoline(addr uintptr) {
	// A func value points at a word holding the code address, not at
	// the code itself, so fn is made to point at a word holding addr.
	code := addr
	var fn func()
	*(*unsafe.Pointer)(unsafe.Pointer(&fn)) = unsafe.Pointer(&code)
	fn()
}

// buildJmpToAddr assembles `jmp_to_addr`: reload the 16 GP
// registers from trampolineGlobals.registers and jmp to
// trampolineGlobals.jumpTarget. This is the fast-path trampoline used
// when stack assembly found no inlined frames.
func buildJmpToAddr(registersAddr, jumpTargetAddr uint64) []byte {
	b := &machineCodeBuilder{}
	for dwarf := uint16(0); dwarf < 16; dwarf++ {
		if dwarf == 6 || dwarf == 7 { // rbp, rsp restored last
			continue
		}
		b.movRegFromAbs(dwarfToEncoding(dwarf), registersAddr+uint64(dwarf)*8)
	}
	b.movRegFromAbs(dwarfToEncoding(6), registersAddr+6*8) // rbp
	b.movRegFromAbs(dwarfToEncoding(7), registersAddr+7*8) // rsp
	jt := loadU64(jumpTargetAddr)
	b.jmpAbs(jt)
	return b.buf
}

// buildRestoreInlined assembles `restore_inlined`: set rsp
// and rbp to the reconstructed top-of-stack, then dispatch to
// jump_target. Used on the slow path when stack assembly materialized a
// deeper reconstructed stack than the physical one.
func buildRestoreInlined(restoredBPAddr, restoredSPValue, jumpTargetAddr uint64) []byte {
	b := &machineCodeBuilder{}
	b.movRspImm64(restoredSPValue)
	bp := loadU64(restoredBPAddr)
	b.movRbpImm64(bp)
	jt := loadU64(jumpTargetAddr)
	b.jmpAbs(jt)
	return b.buf
}

func loadU64(addr uint64) uint64 { return readUint64At(addr) }

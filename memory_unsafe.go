package deopt

import "unsafe"

// unsafeBytesAt aliases n bytes of the running process's address space
// starting at addr as a Go byte slice, without copying. Every caller
// copies out of the result immediately (see liveProcessMemory.Read); the
// alias itself never outlives the calling statement.
//
// This file is where this package turns raw addresses into readable and
// writable memory (assemble.go and trampoline.go also use unsafe.Pointer
// for addresses of globals and buffers): the handler's entire job is reading and overwriting
// stack memory that the Go runtime does not otherwise expose, which is
// exactly the documented escape hatch unsafe.Pointer exists for.
func unsafeBytesAt(addr uint64, n int) []byte {
	if n == 0 {
		return nil
	}
	ptr := unsafe.Pointer(uintptr(addr))
	return unsafe.Slice((*byte)(ptr), n)
}

// writeUnsafeBytesAt overwrites n bytes of the running process's address
// space starting at addr. Used by placement (placement.go) and by the
// trampoline's return-address rewriting (assemble.go).
func writeUnsafeBytesAt(addr uint64, data []byte) {
	dst := unsafeBytesAt(addr, len(data))
	copy(dst, data)
}

// readUint64At reads a little-endian uint64 directly out of process
// memory at addr, e.g. for loading a frame's stored return address out
// of its linkage slot during the stack walk.
func readUint64At(addr uint64) uint64 {
	b := unsafeBytesAt(addr, 8)
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

// writeUint64At writes v as a little-endian uint64 directly into process
// memory at addr.
func writeUint64At(addr uint64, v uint64) {
	var b [8]byte
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
	b[6] = byte(v >> 48)
	b[7] = byte(v >> 56)
	writeUnsafeBytesAt(addr, b[:])
}

// addressOf returns the runtime address of a package-global value, used
// to hand trampolineGlobals' fields to the assembled machine code as
// plain addresses (assemble.go). The pointee must be a package-level
// var: it is never moved by the Go runtime's stack-copying GC, since
// only stack-allocated values are subject to that.
func addressOf(p unsafe.Pointer) uintptr {
	return uintptr(p)
}

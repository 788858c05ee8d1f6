package deopt

import (
	"encoding/binary"
	"fmt"

	"github.com/xyproto/deopt/internal/engine"
)

// LocationKind tags where a live value named by a Location lives. The
// side-table format fixes five kinds, numbered from 1 in the encoded
// kind byte (0 is never a valid kind); this system never invents a
// sixth.
type LocationKind uint8

const (
	// LocRegister: value held in the named general-purpose register.
	LocRegister LocationKind = iota + 1
	// LocDirect: value occupies Size bytes at BasePointer + Offset.
	LocDirect
	// LocIndirect: value is Size bytes at the address stored at
	// BasePointer + Offset. Extraction and placement both reject this
	// kind in the current revision.
	LocIndirect
	// LocConstant: value is a small inline 32-bit immediate.
	LocConstant
	// LocConstIndex: value is the 64-bit constant at Idx in the side
	// table's constant pool.
	LocConstIndex
)

func (k LocationKind) String() string {
	switch k {
	case LocRegister:
		return "Register"
	case LocDirect:
		return "Direct"
	case LocIndirect:
		return "Indirect"
	case LocConstant:
		return "Constant"
	case LocConstIndex:
		return "ConstIndex"
	default:
		return "Unknown"
	}
}

// Location is a tagged value describing where a live program value
// resides at an instrumentation point. Its on-disk encoding is the
// 12-byte record the side-table parser decodes.
type Location struct {
	Kind LocationKind

	// Size is the byte size from the binary encoding's u16 Size field.
	// For an even-indexed location in a live-locations pair, the real
	// payload size is instead decoded from the odd-indexed sibling
	// Location at runtime (pair discipline); this field is what the
	// compiler originally wrote and is kept for reference and
	// validation, not trusted at extraction time.
	Size uint16

	// DwarfRegNum is meaningful only for LocRegister.
	DwarfRegNum uint16

	// Offset is meaningful only for LocDirect and LocIndirect: a signed
	// byte offset from the frame's base pointer.
	Offset int32

	// Immediate is meaningful only for LocConstant: a small inline
	// 32-bit value, stored here sign-extended into an int32.
	Immediate int32

	// Idx is meaningful only for LocConstIndex: the index into the
	// side table's constant pool.
	Idx uint32
}

// decodeAsSize interprets a Location as an 8-byte unsigned integer. This
// is how the odd-indexed entry of a live-location pair is
// turned into the byte size of its even-indexed sibling. LocConstant and
// LocConstIndex are the usual kinds here, and LocDirect is accepted with
// its Offset taken as the size; anything else is a side-table layout
// violation.
func (l Location) decodeAsSize(pool []uint64) (uint64, error) {
	switch l.Kind {
	case LocConstant:
		return uint64(uint32(l.Immediate)), nil
	case LocConstIndex:
		if int(l.Idx) >= len(pool) {
			return 0, fmt.Errorf("constant pool index %d out of range (pool has %d entries)", l.Idx, len(pool))
		}
		return pool[l.Idx], nil
	case LocDirect:
		// Some encoders emit the raw size as a Direct location's Offset
		// field when the value isn't pool-worthy; accept it defensively
		// since the contract only requires decoding it as an 8-byte
		// integer.
		return uint64(l.Offset), nil
	default:
		return 0, fmt.Errorf("location kind %s cannot be decoded as a size", l.Kind)
	}
}

// RegisterFile holds a snapshot of the 16 general-purpose registers,
// indexed by DWARF register number, as captured by the call-stack walker
// or restored by the jump trampoline.
type RegisterFile [engine.NumGPRegisters]uint64

// Get returns the value saved for dwarfNum, erroring if it names a
// register outside the 16-entry GP set.
func (rf *RegisterFile) Get(dwarfNum uint16) (uint64, error) {
	if !engine.ValidRegister(dwarfNum) {
		return 0, newFatal(CategoryLocation, fmt.Sprintf("invalid register number %d", dwarfNum))
	}
	return rf[dwarfNum], nil
}

// Set stores value into the slot for dwarfNum.
func (rf *RegisterFile) Set(dwarfNum uint16, value uint64) error {
	if !engine.ValidRegister(dwarfNum) {
		return newFatal(CategoryLocation, fmt.Sprintf("invalid register number %d", dwarfNum))
	}
	rf[dwarfNum] = value
	return nil
}

// resolvedValue is the result of resolving a Location: either an owned
// heap buffer holding exactly Size bytes (the common case) or, for
// Constant/ConstIndex sources that are only ever read, the same bytes
// still expressed as a buffer for uniform copying.
type resolvedValue struct {
	bytes []byte
}

// resolveLocation resolves a Location against a register file, a base
// pointer, and an explicit byte size, producing a freshly heap-copied
// buffer of that size. LocIndirect is rejected in this revision; see
// DESIGN.md.
func resolveLocation(loc Location, regs *RegisterFile, basePointer uint64, size int, mem memoryReader) (resolvedValue, error) {
	if size <= 0 {
		return resolvedValue{}, newFatal(CategoryLocation, fmt.Sprintf("non-positive resolved size %d", size))
	}
	buf := make([]byte, size)

	switch loc.Kind {
	case LocRegister:
		v, err := regs.Get(loc.DwarfRegNum)
		if err != nil {
			return resolvedValue{}, err
		}
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], v)
		n := copy(buf, tmp[:])
		_ = n
		return resolvedValue{bytes: buf}, nil

	case LocDirect:
		addr := uint64(int64(basePointer) + int64(loc.Offset))
		if err := mem.Read(addr, buf); err != nil {
			return resolvedValue{}, err
		}
		return resolvedValue{bytes: buf}, nil

	case LocIndirect:
		return resolvedValue{}, newFatal(CategoryLocation, "indirect location extraction is not implemented")

	case LocConstIndex:
		return resolvedValue{}, newFatal(CategoryLocation, "ConstIndex payload resolution requires the constant pool; use resolveConstIndex")

	case LocConstant:
		var tmp [8]byte
		// Sign-extend the 32-bit immediate into the buffer.
		binary.LittleEndian.PutUint64(tmp[:], uint64(int64(loc.Immediate)))
		copy(buf, tmp[:])
		return resolvedValue{bytes: buf}, nil

	default:
		return resolvedValue{}, newFatal(CategoryLocation, fmt.Sprintf("unknown location kind %d", loc.Kind))
	}
}

// resolveConstIndex resolves a LocConstIndex Location against the
// side table's constant pool, truncated/extended to size bytes.
func resolveConstIndex(loc Location, pool []uint64, size int) (resolvedValue, error) {
	if loc.Kind != LocConstIndex {
		return resolvedValue{}, newFatal(CategoryLocation, "resolveConstIndex called on a non-ConstIndex location")
	}
	if int(loc.Idx) >= len(pool) {
		return resolvedValue{}, newFatal(CategoryLocation, fmt.Sprintf("constant pool index %d out of range (pool has %d entries)", loc.Idx, len(pool)))
	}
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], pool[loc.Idx])
	buf := make([]byte, size)
	copy(buf, tmp[:])
	return resolvedValue{bytes: buf}, nil
}

// memoryReader abstracts "read size bytes from address addr" so that
// extraction is not tied to one memory source. The handler reads the
// process's own live stack through liveProcessMemory (reading a Direct
// slot out of a frame of the actual call stack); tests supply their own
// implementation.
type memoryReader interface {
	Read(addr uint64, out []byte) error
}

// liveProcessMemory reads directly out of the running process's address
// space via an unsafe pointer cast. This is only safe because the
// deoptimization handler runs single-threaded, signal-free, and reads
// frames that are still live on the physical stack.
type liveProcessMemory struct{}

func (liveProcessMemory) Read(addr uint64, out []byte) error {
	if addr == 0 {
		return newFatal(CategoryLocation, "attempted read from nil address")
	}
	src := unsafeBytesAt(addr, len(out))
	copy(out, src)
	return nil
}

package deopt

// StackMapRecord corresponds one-to-one to an instrumentation point.
// Locations are always stored as live-location pairs: the even-indexed
// entry names a value's location, the odd-indexed sibling decodes to
// that value's byte size.
type StackMapRecord struct {
	PatchpointID int64
	InstrOffset  uint32
	Locations    []Location
	LiveOuts     []LiveOut

	// RecordIndex is this record's position within SideTable.MapRecords,
	// assigned during parse.
	RecordIndex int
}

// LiveOut is a callee-saved register that must also be preserved across
// an instrumentation point, per the side table's liveouts list.
type LiveOut struct {
	DwarfRegNum uint16
	Size        uint8
}

// StackSizeRecord describes one function's frame shape and the
// contiguous range of StackMapRecords that belong to it.
type StackSizeRecord struct {
	FunctionStartAddress uint64
	FunctionFrameSize    uint64
	RecordCount          uint64

	// FunctionIndex is this record's position within
	// SideTable.SizeRecords.
	FunctionIndex int

	// FirstRecordIndex is the index, into SideTable.MapRecords, of the
	// first StackMapRecord belonging to this function. Precomputed by
	// parse as the prefix sum over RecordCount.
	FirstRecordIndex int
}

// Contains reports whether mapIdx (an index into SideTable.MapRecords)
// belongs to this size record.
func (s StackSizeRecord) Contains(mapIdx int) bool {
	return mapIdx >= s.FirstRecordIndex && mapIdx < s.FirstRecordIndex+int(s.RecordCount)
}

// SideTable is the in-memory form of the compiler-emitted descriptor.
// It is read-only after parse and may be shared across handler
// invocations.
type SideTable struct {
	Version      uint8
	ConstantPool []uint64
	SizeRecords  []StackSizeRecord
	MapRecords   []StackMapRecord

	// index is the ancillary lookup structure built alongside parsing,
	// turning the linear record scan into an O(1) lookup at the cost of
	// O(num_rec) memory; see sidetable_index.go.
	index sideTableIndex
}

// StackMapFormatVersion is the only version this decoder understands.
const StackMapFormatVersion = 3

// Side-table binary layout constants, named so the parser and any
// future format revision can be audited against without re-deriving
// the arithmetic.
//
// The header is nominally "version, two reserved fields, then three
// 32-bit counts", but the field-by-field byte layout (u8 + u8 + u16 +
// u32 + u32 + u32) sums to 16 bytes, not 12; the decoder treats the
// bit-exact field layout as authoritative and uses 16. See DESIGN.md
// for this resolution.
const (
	sideTableHeaderSize   = 16 // u8 version + u8 reserved + u16 reserved + u32*3 counts
	sizeRecordEncodedSize = 24 // 3 x u64
	constantPoolEntrySize = 8  // u64
	mapRecordHeaderSize   = 16 // u64 id + u32 offset + u16 reserved + u16 numLocations
	locationEncodedSize   = 12 // u8 kind + u8 reserved + u16 size + u16 reg + u16 reserved + i32 offset
	liveOutEncodedSize    = 4  // u16 reg + u8 reserved + u8 size
	alignBoundary         = 8
)

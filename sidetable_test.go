package deopt

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// fixtureRecord is the test-only encoding input for one StackMapRecord,
// mirroring the wire shape ParseSideTable expects.
type fixtureRecord struct {
	id          int64
	instrOffset uint32
	locations   []Location
	liveOuts    []LiveOut
}

type fixtureFunction struct {
	startAddr uint64
	frameSize uint64
	records   []fixtureRecord
}

// encodeSideTable serializes functions into a StackMap v3 blob byte for
// byte, for use as ParseSideTable input in tests. It is the decoder's
// structural inverse, kept deliberately separate from production code
// so a bug in one is unlikely to be masked by the same bug in the
// other.
func encodeSideTable(constPool []uint64, functions []fixtureFunction) []byte {
	var buf bytes.Buffer

	var numRec uint32
	for _, f := range functions {
		numRec += uint32(len(f.records))
	}

	buf.WriteByte(StackMapFormatVersion)
	buf.WriteByte(0)
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	binary.Write(&buf, binary.LittleEndian, uint32(len(functions)))
	binary.Write(&buf, binary.LittleEndian, uint32(len(constPool)))
	binary.Write(&buf, binary.LittleEndian, numRec)

	for _, f := range functions {
		binary.Write(&buf, binary.LittleEndian, f.startAddr)
		binary.Write(&buf, binary.LittleEndian, f.frameSize)
		binary.Write(&buf, binary.LittleEndian, uint64(len(f.records)))
	}

	for _, v := range constPool {
		binary.Write(&buf, binary.LittleEndian, v)
	}

	for _, f := range functions {
		for _, r := range f.records {
			binary.Write(&buf, binary.LittleEndian, uint64(r.id))
			binary.Write(&buf, binary.LittleEndian, r.instrOffset)
			binary.Write(&buf, binary.LittleEndian, uint16(0))
			binary.Write(&buf, binary.LittleEndian, uint16(len(r.locations)))

			for _, loc := range r.locations {
				buf.WriteByte(uint8(loc.Kind))
				buf.WriteByte(0)
				binary.Write(&buf, binary.LittleEndian, loc.Size)
				binary.Write(&buf, binary.LittleEndian, loc.DwarfRegNum)
				binary.Write(&buf, binary.LittleEndian, uint16(0))
				switch loc.Kind {
				case LocConstIndex:
					binary.Write(&buf, binary.LittleEndian, int32(loc.Idx))
				case LocConstant:
					binary.Write(&buf, binary.LittleEndian, loc.Immediate)
				default:
					binary.Write(&buf, binary.LittleEndian, loc.Offset)
				}
			}
			padBufTo8(&buf, len(r.locations)*locationEncodedSize)

			binary.Write(&buf, binary.LittleEndian, uint16(0))
			binary.Write(&buf, binary.LittleEndian, uint16(len(r.liveOuts)))
			for _, lo := range r.liveOuts {
				binary.Write(&buf, binary.LittleEndian, lo.DwarfRegNum)
				buf.WriteByte(0)
				buf.WriteByte(lo.Size)
			}
			padBufTo8(&buf, len(r.liveOuts)*liveOutEncodedSize)
		}
	}

	return buf.Bytes()
}

func padBufTo8(buf *bytes.Buffer, byteCount int) {
	if byteCount%alignBoundary == 0 {
		return
	}
	for i := 0; i < alignBoundary-byteCount%alignBoundary; i++ {
		buf.WriteByte(0)
	}
}

func TestParseSideTableRoundTrip(t *testing.T) {
	data := encodeSideTable(
		[]uint64{8, 64},
		[]fixtureFunction{
			{
				startAddr: 0x1000,
				frameSize: 48,
				records: []fixtureRecord{
					{
						id:          0,
						instrOffset: 16,
						locations: []Location{
							{Kind: LocDirect, Size: 8, Offset: -8},
							{Kind: LocConstant, Immediate: 8},
						},
					},
					{
						id:          ^int64(0),
						instrOffset: 32,
						locations: []Location{
							{Kind: LocRegister, DwarfRegNum: 3},
							{Kind: LocConstant, Immediate: 8},
						},
					},
				},
			},
		},
	)

	st, err := ParseSideTable(data)
	if err != nil {
		t.Fatalf("ParseSideTable: %v", err)
	}
	if st.Version != StackMapFormatVersion {
		t.Fatalf("version = %d, want %d", st.Version, StackMapFormatVersion)
	}
	if len(st.SizeRecords) != 1 {
		t.Fatalf("len(SizeRecords) = %d, want 1", len(st.SizeRecords))
	}
	if len(st.MapRecords) != 2 {
		t.Fatalf("len(MapRecords) = %d, want 2", len(st.MapRecords))
	}
	if st.SizeRecords[0].FunctionFrameSize != 48 {
		t.Errorf("frame size = %d, want 48", st.SizeRecords[0].FunctionFrameSize)
	}

	rec, err := st.RecordForID(0)
	if err != nil {
		t.Fatalf("RecordForID(0): %v", err)
	}
	if rec.InstrOffset != 16 {
		t.Errorf("InstrOffset = %d, want 16", rec.InstrOffset)
	}

	twin, err := st.RecordForID(^int64(0))
	if err != nil {
		t.Fatalf("RecordForID(twin): %v", err)
	}
	if twin.InstrOffset != 32 {
		t.Errorf("twin InstrOffset = %d, want 32", twin.InstrOffset)
	}
}

func TestParseSideTableRejectsWrongVersion(t *testing.T) {
	data := encodeSideTable(nil, nil)
	data[0] = 2 // StackMapFormatVersion is 3

	_, err := ParseSideTable(data)
	if err == nil {
		t.Fatal("expected an error for an unsupported version, got nil")
	}
}

func TestParseSideTableRejectsTruncatedInput(t *testing.T) {
	data := encodeSideTable(
		[]uint64{1},
		[]fixtureFunction{{startAddr: 0x1000, frameSize: 16, records: []fixtureRecord{
			{id: 0, instrOffset: 4, locations: []Location{{Kind: LocConstant, Immediate: 8}, {Kind: LocConstant, Immediate: 8}}},
		}}},
	)
	truncated := data[:len(data)-4]

	_, err := ParseSideTable(truncated)
	if err == nil {
		t.Fatal("expected an error for truncated input, got nil")
	}
}

func TestParseSideTableRejectsOddLocationCount(t *testing.T) {
	// Hand-build a single record with 1 (odd) location, bypassing
	// encodeSideTable's own pairing since the fixture is specifically
	// testing the decoder's rejection of an unpaired record.
	var buf bytes.Buffer
	buf.WriteByte(StackMapFormatVersion)
	buf.WriteByte(0)
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	binary.Write(&buf, binary.LittleEndian, uint32(1)) // numFunc
	binary.Write(&buf, binary.LittleEndian, uint32(0)) // numConst
	binary.Write(&buf, binary.LittleEndian, uint32(1)) // numRec

	binary.Write(&buf, binary.LittleEndian, uint64(0x2000))
	binary.Write(&buf, binary.LittleEndian, uint64(32))
	binary.Write(&buf, binary.LittleEndian, uint64(1))

	binary.Write(&buf, binary.LittleEndian, uint64(0)) // id
	binary.Write(&buf, binary.LittleEndian, uint32(4)) // instr offset
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // reserved
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // numLocations = 1 (odd)
	buf.WriteByte(uint8(LocConstant))
	buf.WriteByte(0)
	binary.Write(&buf, binary.LittleEndian, uint16(8))
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	binary.Write(&buf, binary.LittleEndian, int32(8))
	padBufTo8(&buf, locationEncodedSize)
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	binary.Write(&buf, binary.LittleEndian, uint16(0))

	_, err := ParseSideTable(buf.Bytes())
	if err == nil {
		t.Fatal("expected an error for an odd location count, got nil")
	}
}

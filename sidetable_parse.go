package deopt

import (
	"encoding/binary"
	"fmt"
)

// cursor is a tiny bounds-checked reader over a byte slice, used only by
// the side-table decoder.
type cursor struct {
	data []byte
	pos  int
}

func (c *cursor) remaining() int { return len(c.data) - c.pos }

func (c *cursor) need(n int) error {
	if c.remaining() < n {
		return fmt.Errorf("side table truncated: need %d bytes at offset %d, have %d", n, c.pos, c.remaining())
	}
	return nil
}

func (c *cursor) u8() (uint8, error) {
	if err := c.need(1); err != nil {
		return 0, err
	}
	v := c.data[c.pos]
	c.pos++
	return v, nil
}

func (c *cursor) u16() (uint16, error) {
	if err := c.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(c.data[c.pos:])
	c.pos += 2
	return v, nil
}

func (c *cursor) u32() (uint32, error) {
	if err := c.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(c.data[c.pos:])
	c.pos += 4
	return v, nil
}

func (c *cursor) i32() (int32, error) {
	v, err := c.u32()
	return int32(v), err
}

func (c *cursor) u64() (uint64, error) {
	if err := c.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(c.data[c.pos:])
	c.pos += 8
	return v, nil
}

func (c *cursor) skip(n int) error {
	if err := c.need(n); err != nil {
		return err
	}
	c.pos += n
	return nil
}

// padTo8 advances past align-pad bytes if byteCount is not a multiple
// of alignBoundary. The format pads to an 8-byte boundary after each
// record's locations array and again after its liveouts array.
func (c *cursor) padTo8(byteCount int) error {
	if byteCount%alignBoundary == 0 {
		return nil
	}
	return c.skip(alignBoundary - byteCount%alignBoundary)
}

// ParseSideTable decodes a StackMap v3 blob already
// materialized as a Go byte slice — e.g. the bytes of an ELF
// `.llvm_stackmaps` section read via SectionLocator.SectionBytes
// (elfsection.go), as cmd/deopt-inspect does.
//
// parse is one-shot: every StackSizeRecord and StackMapRecord is copied
// out of data, so the SideTable owns its records independently of data's
// lifetime thereafter.
func ParseSideTable(data []byte) (*SideTable, error) {
	c := &cursor{data: data}

	version, err := c.u8()
	if err != nil {
		return nil, newFatal(CategorySideTable, err.Error())
	}
	if version != StackMapFormatVersion {
		return nil, newFatalf(CategorySideTable, "unsupported side-table version %d (want %d)", version, StackMapFormatVersion)
	}
	if _, err := c.u8(); err != nil { // reserved
		return nil, newFatal(CategorySideTable, err.Error())
	}
	if _, err := c.u16(); err != nil { // reserved
		return nil, newFatal(CategorySideTable, err.Error())
	}
	numFunc, err := c.u32()
	if err != nil {
		return nil, newFatal(CategorySideTable, err.Error())
	}
	numConst, err := c.u32()
	if err != nil {
		return nil, newFatal(CategorySideTable, err.Error())
	}
	numRec, err := c.u32()
	if err != nil {
		return nil, newFatal(CategorySideTable, err.Error())
	}

	st := &SideTable{Version: version}

	st.SizeRecords = make([]StackSizeRecord, 0, numFunc)
	for i := uint32(0); i < numFunc; i++ {
		startAddr, err := c.u64()
		if err != nil {
			return nil, newFatal(CategorySideTable, err.Error())
		}
		frameSize, err := c.u64()
		if err != nil {
			return nil, newFatal(CategorySideTable, err.Error())
		}
		recordCount, err := c.u64()
		if err != nil {
			return nil, newFatal(CategorySideTable, err.Error())
		}
		st.SizeRecords = append(st.SizeRecords, StackSizeRecord{
			FunctionStartAddress: startAddr,
			FunctionFrameSize:    frameSize,
			RecordCount:          recordCount,
			FunctionIndex:        int(i),
		})
	}

	st.ConstantPool = make([]uint64, 0, numConst)
	for i := uint32(0); i < numConst; i++ {
		v, err := c.u64()
		if err != nil {
			return nil, newFatal(CategorySideTable, err.Error())
		}
		st.ConstantPool = append(st.ConstantPool, v)
	}

	st.MapRecords = make([]StackMapRecord, 0, numRec)
	for i := uint32(0); i < numRec; i++ {
		idRaw, err := c.u64()
		if err != nil {
			return nil, newFatal(CategorySideTable, err.Error())
		}
		instrOffset, err := c.u32()
		if err != nil {
			return nil, newFatal(CategorySideTable, err.Error())
		}
		if _, err := c.u16(); err != nil { // reserved
			return nil, newFatal(CategorySideTable, err.Error())
		}
		numLocations, err := c.u16()
		if err != nil {
			return nil, newFatal(CategorySideTable, err.Error())
		}

		locs := make([]Location, 0, numLocations)
		for j := uint16(0); j < numLocations; j++ {
			kind, err := c.u8()
			if err != nil {
				return nil, newFatal(CategorySideTable, err.Error())
			}
			if _, err := c.u8(); err != nil { // reserved
				return nil, newFatal(CategorySideTable, err.Error())
			}
			size, err := c.u16()
			if err != nil {
				return nil, newFatal(CategorySideTable, err.Error())
			}
			regNum, err := c.u16()
			if err != nil {
				return nil, newFatal(CategorySideTable, err.Error())
			}
			if _, err := c.u16(); err != nil { // reserved
				return nil, newFatal(CategorySideTable, err.Error())
			}
			offset, err := c.i32()
			if err != nil {
				return nil, newFatal(CategorySideTable, err.Error())
			}

			loc := Location{
				Kind:        LocationKind(kind),
				Size:        size,
				DwarfRegNum: regNum,
				Offset:      offset,
			}
			switch loc.Kind {
			case LocRegister, LocDirect, LocIndirect, LocConstIndex:
				if loc.Kind == LocConstIndex {
					loc.Idx = uint32(offset)
				}
			case LocConstant:
				loc.Immediate = offset
			default:
				return nil, newFatalf(CategorySideTable, "unknown location kind %d in patchpoint %d", kind, int64(idRaw))
			}
			locs = append(locs, loc)
		}
		if len(locs)%2 != 0 {
			return nil, newFatalf(CategorySideTable, "patchpoint %d has an odd number of locations (%d); live-location pair discipline violated", int64(idRaw), len(locs))
		}
		if err := c.padTo8(int(numLocations) * locationEncodedSize); err != nil {
			return nil, newFatal(CategorySideTable, err.Error())
		}

		if _, err := c.u16(); err != nil { // 2-byte pad before the liveouts count
			return nil, newFatal(CategorySideTable, err.Error())
		}
		numLiveOuts, err := c.u16()
		if err != nil {
			return nil, newFatal(CategorySideTable, err.Error())
		}
		liveOuts := make([]LiveOut, 0, numLiveOuts)
		for j := uint16(0); j < numLiveOuts; j++ {
			regNum, err := c.u16()
			if err != nil {
				return nil, newFatal(CategorySideTable, err.Error())
			}
			if _, err := c.u8(); err != nil { // reserved
				return nil, newFatal(CategorySideTable, err.Error())
			}
			size, err := c.u8()
			if err != nil {
				return nil, newFatal(CategorySideTable, err.Error())
			}
			liveOuts = append(liveOuts, LiveOut{DwarfRegNum: regNum, Size: size})
		}
		if err := c.padTo8(int(numLiveOuts) * liveOutEncodedSize); err != nil {
			return nil, newFatal(CategorySideTable, err.Error())
		}

		st.MapRecords = append(st.MapRecords, StackMapRecord{
			PatchpointID: int64(idRaw),
			InstrOffset:  instrOffset,
			Locations:    locs,
			LiveOuts:     liveOuts,
			RecordIndex:  int(i),
		})
	}

	st.buildIndex()
	return st, nil
}

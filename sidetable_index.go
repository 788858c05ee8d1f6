package deopt

import (
	"fmt"
	"sort"

	"golang.org/x/arch/x86/x86asm"
)

// sideTableIndex is a precomputed lookup structure that turns the
// linear record scan into an O(1) lookup at the cost of O(num_rec)
// memory: a build-once map from a name or id to its reachable
// structure, applied to side-table records instead of a call graph.
type sideTableIndex struct {
	byPatchpointID map[int64]int  // patchpoint id -> index into MapRecords
	byFuncStart    map[uint64]int // function start address -> index into SizeRecords
}

// buildIndex populates SideTable.index and each StackSizeRecord's
// FirstRecordIndex as a prefix sum over RecordCount. Called once by
// ParseSideTable.
func (st *SideTable) buildIndex() {
	idx := sideTableIndex{
		byPatchpointID: make(map[int64]int, len(st.MapRecords)),
		byFuncStart:    make(map[uint64]int, len(st.SizeRecords)),
	}

	prefix := 0
	for i := range st.SizeRecords {
		st.SizeRecords[i].FirstRecordIndex = prefix
		idx.byFuncStart[st.SizeRecords[i].FunctionStartAddress] = i
		prefix += int(st.SizeRecords[i].RecordCount)
	}
	for i, r := range st.MapRecords {
		idx.byPatchpointID[r.PatchpointID] = i
	}
	st.index = idx
}

// RecordForID implements record_for_id: look up a StackMapRecord by its
// patchpoint identifier.
func (st *SideTable) RecordForID(id int64) (*StackMapRecord, error) {
	i, ok := st.index.byPatchpointID[id]
	if !ok {
		return nil, newFatalf(CategorySideTable, "could not find record for patchpoint id %d", id).withPatchpoint(id)
	}
	return &st.MapRecords[i], nil
}

// SizeRecordForMapIndex implements size_record_for_map_index: find the
// StackSizeRecord containing a given map-record index, using the
// cumulative record-count prefix sum.
func (st *SideTable) SizeRecordForMapIndex(mapIdx int) (*StackSizeRecord, error) {
	if mapIdx < 0 || mapIdx >= len(st.MapRecords) {
		return nil, newFatalf(CategorySideTable, "map record index %d out of range", mapIdx)
	}
	// Binary search over FirstRecordIndex since size records are
	// contiguous and ordered.
	i := sort.Search(len(st.SizeRecords), func(i int) bool {
		return st.SizeRecords[i].FirstRecordIndex+int(st.SizeRecords[i].RecordCount) > mapIdx
	})
	if i >= len(st.SizeRecords) || !st.SizeRecords[i].Contains(mapIdx) {
		return nil, newFatalf(CategorySideTable, "no size record contains map index %d", mapIdx)
	}
	return &st.SizeRecords[i], nil
}

// SizeRecordForFunctionStart implements size_record_for_function_start.
func (st *SideTable) SizeRecordForFunctionStart(addr uint64) (*StackSizeRecord, error) {
	i, ok := st.index.byFuncStart[addr]
	if !ok {
		return nil, newFatalf(CategorySideTable, "no size record for function start 0x%x", addr)
	}
	return &st.SizeRecords[i], nil
}

// LastRecordIn implements last_record_in: the record with the largest
// InstrOffset belonging to sizeRec's function. Size records are
// contiguous and ordered by ascending InstrOffset, so this is just the
// last element of the function's range.
func (st *SideTable) LastRecordIn(sizeRec *StackSizeRecord) (*StackMapRecord, error) {
	if sizeRec.RecordCount == 0 {
		return nil, newFatalf(CategorySideTable, "function at 0x%x has no records", sizeRec.FunctionStartAddress)
	}
	lastIdx := sizeRec.FirstRecordIndex + int(sizeRec.RecordCount) - 1
	return &st.MapRecords[lastIdx], nil
}

// FirstRecordStrictlyAfter implements first_record_strictly_after: the
// smallest record whose (function_start + instr_offset) >= addr and
// whose enclosing function contains addr.
func (st *SideTable) FirstRecordStrictlyAfter(addr uint64) (*StackMapRecord, error) {
	sizeRec, err := st.functionContaining(addr)
	if err != nil {
		return nil, err
	}
	best := -1
	for i := sizeRec.FirstRecordIndex; i < sizeRec.FirstRecordIndex+int(sizeRec.RecordCount); i++ {
		candidate := sizeRec.FunctionStartAddress + uint64(st.MapRecords[i].InstrOffset)
		if candidate >= addr {
			if best == -1 || candidate < sizeRec.FunctionStartAddress+uint64(st.MapRecords[best].InstrOffset) {
				best = i
			}
		}
	}
	if best == -1 {
		return nil, newFatalf(CategorySideTable, "no record strictly after 0x%x", addr)
	}
	return &st.MapRecords[best], nil
}

// functionContaining finds the StackSizeRecord whose function code
// range [start, start+len) contains addr. The side table does not carry
// an explicit function length, so this uses the conservative next-
// function-start boundary the same way twin_lookup does below.
func (st *SideTable) functionContaining(addr uint64) (*StackSizeRecord, error) {
	var best *StackSizeRecord
	for i := range st.SizeRecords {
		s := &st.SizeRecords[i]
		if s.FunctionStartAddress <= addr {
			if best == nil || s.FunctionStartAddress > best.FunctionStartAddress {
				best = s
			}
		}
	}
	if best == nil {
		return nil, newFatalf(CategorySideTable, "no function contains address 0x%x", addr)
	}
	return best, nil
}

// patchpointCallShadow is the fixed architectural constant:
// instrumentation emits 13 for every patchpoint shadow. This matches
// the minimum x86-64 patchpoint call size but is not derived from the
// instruction stream, so it is taken as a constant rather than
// re-derived.
const patchpointCallShadow = 13

// TwinLookup implements twin_lookup: the inverse of a call return. Given
// a return address observed on the physical stack, find the optimized
// patchpoint whose call instruction lies immediately before that
// address, take its bitwise complement to find the twin's identifier
// (Patchpoint Identifier Convention), and return the
// indices of both the twin's StackSizeRecord and StackMapRecord.
//
// Locating "the call that returns to returnAddr" from a bare return
// address is, in general, an x86 instruction-length problem: the side
// table only gives us InstrOffset (the start of the call instruction,
// not its length). This decodes forward from InstrOffset with
// golang.org/x/arch/x86/x86asm to confirm the call's encoded length
// actually lands on returnAddr, the same technique the Go toolchain's
// own x86asm-based tools (cmd/objdump, delve) use to correlate
// addresses with instruction boundaries.
func (st *SideTable) TwinLookup(returnAddr uint64, codeAt func(addr uint64, n int) []byte) (sizeIdx, mapIdx int, err error) {
	_, optMapIdx, err := st.optimizedRecordForReturn(returnAddr, codeAt)
	if err != nil {
		return 0, 0, err
	}
	optRec := &st.MapRecords[optMapIdx]
	twinID := ^optRec.PatchpointID
	twinMapIdx, ok := st.index.byPatchpointID[twinID]
	if !ok {
		return 0, 0, newFatalf(CategoryStackWalk, "twin_lookup: no twin record for complemented id %d (optimized id %d)", twinID, optRec.PatchpointID).withPatchpoint(optRec.PatchpointID)
	}
	twinSizeRec, serr := st.SizeRecordForMapIndex(twinMapIdx)
	if serr != nil {
		return 0, 0, serr
	}
	return twinSizeRec.FunctionIndex, twinMapIdx, nil
}

// optimizedRecordForReturn is the first half of twin_lookup's contract:
// find the optimized patchpoint whose call lies immediately before
// returnAddr. Exposed separately because step 4 needs the
// optimized record attached to each walked frame, while TwinLookup's
// return value is the twin's indices (literal wording:
// "take ~id, look up the twin record, and return both indices").
func (st *SideTable) optimizedRecordForReturn(returnAddr uint64, codeAt func(addr uint64, n int) []byte) (sizeIdx, mapIdx int, err error) {
	optSizeRec, err := st.functionContaining(returnAddr - 1)
	if err != nil {
		return 0, 0, newFatalf(CategoryStackWalk, "twin_lookup: %v", err)
	}

	for i := optSizeRec.FirstRecordIndex; i < optSizeRec.FirstRecordIndex+int(optSizeRec.RecordCount); i++ {
		rec := &st.MapRecords[i]
		callSiteAddr := optSizeRec.FunctionStartAddress + uint64(rec.InstrOffset)

		length := patchpointCallShadow
		if codeAt != nil {
			if buf := codeAt(callSiteAddr, 16); len(buf) > 0 {
				if inst, decErr := x86asm.Decode(buf, 64); decErr == nil && inst.Len > 0 {
					length = inst.Len
				}
			}
		}
		if callSiteAddr+uint64(length) == returnAddr {
			return optSizeRec.FunctionIndex, i, nil
		}
	}
	return 0, 0, newFatalf(CategoryStackWalk, fmt.Sprintf("twin_lookup: no patchpoint call spans return address 0x%x", returnAddr))
}

// OptimizedRecordForReturn exports optimizedRecordForReturn for
// AttachRecords (stackwalk.go), which needs the optimized record itself,
// not just the twin's indices.
func (st *SideTable) OptimizedRecordForReturn(returnAddr uint64, codeAt func(addr uint64, n int) []byte) (sizeIdx, mapIdx int, err error) {
	return st.optimizedRecordForReturn(returnAddr, codeAt)
}

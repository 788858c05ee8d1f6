package deopt

// SynthesizeInlinedFrames runs after the walker has captured the
// physical call stack, detects places where that stack is shallower
// than the unoptimized program's control flow demands (because the
// optimizer inlined one or more calls), and materializes virtual
// Frames for them.
//
// Detection rule: for every pair of adjacent captured frames
// (frame_i, frame_{i+1}), if frame_i.StoredReturnAddress lies outside
// the code range of the function containing frame_{i+1}'s record, some
// number of inlined calls were absorbed into frame_{i+1}'s physical
// frame and must be synthesized between them.
//
// Inlining may be nested arbitrarily deeply; this re-scans until a full
// pass produces no new insertions.
func SynthesizeInlinedFrames(state *CallStackState, st *SideTable) error {
	for {
		inserted, err := synthesizeOnePass(state, st)
		if err != nil {
			return err
		}
		if !inserted {
			return nil
		}
	}
}

func synthesizeOnePass(state *CallStackState, st *SideTable) (bool, error) {
	for i := 0; i < len(state.Frames)-1; i++ {
		cur := &state.Frames[i]
		next := &state.Frames[i+1]

		// A frame already synthesized had its relationship to whatever
		// follows it fully resolved by the synthesizeBetween call that
		// created it (the sweep stopped exactly at the first record
		// belonging to the true enclosing function); it carries no
		// StoredReturnAddress of its own to re-check on a later pass.
		if cur.Inlined {
			continue
		}

		enclosing := next.SizeRecord
		if enclosing == nil {
			continue
		}
		if functionContainsAddr(st, enclosing, cur.StoredReturnAddress) {
			continue // no mismatch: nothing absorbed between i and i+1
		}

		synth, err := synthesizeBetween(st, cur, enclosing, next.RealBasePointer)
		if err != nil {
			return false, err
		}
		if len(synth) == 0 {
			continue
		}

		// Insert after index i, in order of increasing execution depth.
		rest := append([]Frame{}, state.Frames[i+1:]...)
		state.Frames = append(state.Frames[:i+1], append(synth, rest...)...)
		return true, nil
	}
	return false, nil
}

// functionContainsAddr reports whether addr falls inside sizeRec's
// function, using the next function's start address (or +∞ for the last
// function) as the conservative upper bound, since the side table does
// not carry an explicit function length.
func functionContainsAddr(st *SideTable, sizeRec *StackSizeRecord, addr uint64) bool {
	if addr < sizeRec.FunctionStartAddress {
		return false
	}
	end := functionEndAddr(st, sizeRec)
	return addr < end
}

func functionEndAddr(st *SideTable, sizeRec *StackSizeRecord) uint64 {
	end := ^uint64(0)
	for i := range st.SizeRecords {
		s := &st.SizeRecords[i]
		if s.FunctionStartAddress > sizeRec.FunctionStartAddress && s.FunctionStartAddress < end {
			end = s.FunctionStartAddress
		}
	}
	return end
}

// synthesizeBetween walks forward through the side table from
// cur.StoredReturnAddress, collecting every patchpoint record from that
// address up to the next record that belongs to the enclosing physical
// function. A record counts as belonging to it when its function_start
// equals the physical function's start; the patchpoint ID sequence is
// not consulted. Each collected record becomes a synthetic Frame with
// Inlined = true and RealBasePointer set to enclosingBP, the physical
// enclosing frame's base pointer; BasePointer is left unbound until
// stack assembly (assemble.go).
func synthesizeBetween(st *SideTable, cur *Frame, enclosing *StackSizeRecord, enclosingBP uint64) ([]Frame, error) {
	startRec, err := st.FirstRecordStrictlyAfter(cur.StoredReturnAddress)
	if err != nil {
		return nil, newFatalf(CategoryInline, "synthesizing inlined frames after 0x%x: %v", cur.StoredReturnAddress, err)
	}

	var synth []Frame
	for i := startRec.RecordIndex; i < len(st.MapRecords); i++ {
		rec := &st.MapRecords[i]
		recAddr := functionStartOf(st, rec) + uint64(rec.InstrOffset)

		// Ownership check: this record belongs to the physical
		// enclosing function once its function_start matches; the
		// record's ID is not compared against that function's other IDs.
		recSizeRec, err := st.SizeRecordForMapIndex(i)
		if err != nil {
			return nil, newFatalf(CategoryInline, "%v", err)
		}
		if recSizeRec.FunctionStartAddress == enclosing.FunctionStartAddress {
			_ = recAddr
			break
		}

		twinSizeIdx, twinMapIdx, err := st.TwinLookup(recAddr+patchpointCallShadow, nil)
		if err != nil {
			// Not every absorbed record is itself a call site with a
			// resolvable twin; fall back to record_for_id on its own
			// complement, which is always valid under the optimized-ID/
			// twin-ID bitwise-complement convention.
			twinID := ^rec.PatchpointID
			twinRec, terr := st.RecordForID(twinID)
			if terr != nil {
				return nil, newFatalf(CategoryInline, "no twin for inlined record id %d: %v", rec.PatchpointID, terr)
			}
			twinSizeRec2, serr := st.SizeRecordForMapIndex(twinRec.RecordIndex)
			if serr != nil {
				return nil, newFatalf(CategoryInline, "%v", serr)
			}
			synth = append(synth, Frame{
				RealBasePointer: enclosingBP,
				Registers:       cur.Registers,
				Record:          rec,
				SizeRecord:      recSizeRec,
				TwinRecord:      twinRec,
				TwinSizeRecord:  twinSizeRec2,
				FrameSize:       recSizeRec.FunctionFrameSize,
				Inlined:         true,
			})
			continue
		}

		synth = append(synth, Frame{
			RealBasePointer: enclosingBP,
			Registers:       cur.Registers,
			Record:          rec,
			SizeRecord:      recSizeRec,
			TwinRecord:      &st.MapRecords[twinMapIdx],
			TwinSizeRecord:  &st.SizeRecords[twinSizeIdx],
			FrameSize:       recSizeRec.FunctionFrameSize,
			Inlined:         true,
		})
	}
	return synth, nil
}

func functionStartOf(st *SideTable, rec *StackMapRecord) uint64 {
	sr, err := st.SizeRecordForMapIndex(rec.RecordIndex)
	if err != nil {
		return 0
	}
	return sr.FunctionStartAddress
}

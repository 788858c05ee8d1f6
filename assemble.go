package deopt

import (
	"os"
	"unsafe"
)

// assemble.go rewrites the physical stack (or, when inlining forced a
// deeper reconstruction, builds a scratch stack and re-parents onto
// it) before jumping into the twin.

const patchpointCallSize = patchpointCallShadow // the fixed 13-byte patchpoint shadow: a twin's continuation is this far past its InstrOffset

// AssembleAndJump picks the no-inlining fast path or the inlining slow
// path based on whether any frame in state was synthesized by
// SynthesizeInlinedFrames, applies extraction and placement, rewrites
// return addresses, and transfers control. It never returns on
// success. Only the pairing check and extraction run before anything
// is written: an error from placement, from the fast-path checks or
// from setting up the trampoline page can come after some live values
// or return-address slots have already been overwritten.
func AssembleAndJump(state *CallStackState, pool []uint64) error {
	if traceFramesEnabled() {
		state.dumpTrace(os.Stderr)
	}

	// Catch a twin-pairing violation before any value has been copied
	// or any return-address slot rewritten; placement re-checks this
	// per frame, but by then earlier frames may already be mutated.
	if currentConfig.ValidateFramePairing {
		for _, f := range state.Frames {
			if f.Record != nil && f.TwinRecord != nil && len(f.Record.Locations) != len(f.TwinRecord.Locations) {
				return newFatalf(CategoryLocation,
					"location array length mismatch between twin records: optimized has %d, twin has %d (patchpoint %d / %d)",
					len(f.Record.Locations), len(f.TwinRecord.Locations), f.Record.PatchpointID, f.TwinRecord.PatchpointID,
				).withPatchpoint(f.Record.PatchpointID)
			}
		}
	}

	extracted, err := ExtractLiveValues(state.Frames, pool)
	if err != nil {
		return err
	}

	hasInlined := false
	for _, f := range state.Frames {
		if f.Inlined {
			hasInlined = true
			break
		}
	}

	if !hasInlined {
		// The physical stack is already dimensionally correct: every
		// frame's BasePointer already equals its RealBasePointer, so
		// placement can write straight into the live, already-mapped
		// stack memory those frames occupy.
		if err := PlaceLiveValues(state.Frames, extracted); err != nil {
			return err
		}
		return assembleFastPath(state)
	}
	return assembleSlowPath(state, extracted)
}

// assembleFastPath handles the no-inlining case: the physical stack is
// already dimensionally correct, so return-address slots are rewritten
// in place. A frame's slot holds the address its caller resumes at, so
// frame i's slot receives the twin continuation of frame i+1's record;
// the shallowest frame's slot is left alone and still returns into
// main.
func assembleFastPath(state *CallStackState) error {
	if len(state.Frames) == 0 {
		return newFatal(CategoryStackWalk, "no frames captured for guard failure")
	}
	v := newFrameValidator(currentConfig.TraceFrames)

	for i := 0; i+1 < len(state.Frames); i++ {
		f := &state.Frames[i]
		next := &state.Frames[i+1]
		if next.TwinRecord == nil || next.TwinSizeRecord == nil {
			return newFatal(CategoryStackWalk, "frame missing twin record during fast-path assembly")
		}
		continuation := next.TwinSizeRecord.FunctionStartAddress + uint64(next.TwinRecord.InstrOffset) + patchpointCallSize
		writeUint64At(f.ReturnAddressSlot, continuation)
		v.layoutFrame("fast-path frame", f.FrameSize)
	}

	frame0 := state.Frames[0]
	if frame0.TwinRecord == nil || frame0.TwinSizeRecord == nil {
		return newFatal(CategoryStackWalk, "fail frame missing twin record during fast-path assembly")
	}
	trampolineGlobals.registers = frame0.Registers
	trampolineGlobals.jumpTarget = frame0.TwinSizeRecord.FunctionStartAddress + uint64(frame0.TwinRecord.InstrOffset)

	buf, err := newExecutableBuffer(buildJmpToAddr(regSnapshotAddr(), jumpTargetAddr()))
	if err != nil {
		return err
	}
	defer buf.release()
	callTrampoline(buf.addr())
	panic("unreachable: jmp_to_addr trampoline must not return")
}

// assembleSlowPath handles the inlining case: a scratch buffer is laid
// out in ascending physical-address order, copied onto a stack region
// grown below main, then control is handed to restore_inlined.
//
// Frame layout, per frame, low to high address: FrameSize bytes whose
// top word is the saved-base-pointer slot, then one return-address
// word, FrameSize+8 bytes in all. A frame's BasePointer points at that
// slot, above the rest of its locals region, so that a Direct
// location's frame-relative (typically negative) Offset lands inside
// that region.
func assembleSlowPath(state *CallStackState, extracted [][]extractedValue) error {
	if len(state.Frames) == 0 {
		return newFatal(CategoryStackWalk, "no frames captured for guard failure")
	}

	var totalSize uint64
	for _, f := range state.Frames {
		totalSize += f.FrameSize + wordSize
	}

	v := newFrameValidator(currentConfig.TraceFrames)
	scratch := newScratchBuffer("inlined-stack-assembly", totalSize)

	// destBase is where the reconstructed stack will ultimately live,
	// once grown into below main — but it is not backed by real stack
	// memory yet, so placement below targets the scratch buffer
	// through this translation rather than destBase+frameBase[i]
	// directly.
	destBase := state.MainBasePtr - totalSize

	// Lay out from the deepest frame (index 0) to the shallowest. Each
	// frame's allotment is FrameSize+wordSize bytes: its locals with
	// the saved-base-pointer slot at the top (the frame's BasePointer
	// points at that slot, locals live at negative offsets from it),
	// then the return-address word immediately above.
	var cursor uint64
	frameBase := make([]uint64, len(state.Frames))
	for i, f := range state.Frames {
		if f.TwinRecord == nil || f.TwinSizeRecord == nil {
			return newFatal(CategoryStackWalk, "frame missing twin record during slow-path assembly")
		}
		if f.FrameSize < wordSize {
			return newFatalf(CategoryAssembly, "frame size %d is too small to hold a saved base pointer", f.FrameSize)
		}
		frameBase[i] = cursor + f.FrameSize - wordSize

		// A frame's return-address word holds where its caller resumes:
		// the twin continuation of the frame above, or, for the
		// shallowest frame, the original stored return address so that
		// execution still rejoins main where the optimized run left it.
		var resume uint64
		if i+1 < len(state.Frames) {
			next := &state.Frames[i+1]
			if next.TwinRecord == nil || next.TwinSizeRecord == nil {
				return newFatal(CategoryStackWalk, "frame missing twin record during slow-path assembly")
			}
			resume = next.TwinSizeRecord.FunctionStartAddress + uint64(next.TwinRecord.InstrOffset) + patchpointCallSize
		} else {
			resume = f.StoredReturnAddress
		}
		scratch.writeUint64(frameBase[i]+wordSize, resume)
		cursor += f.FrameSize + wordSize
		v.layoutFrame("synthesized frame", f.FrameSize)
	}

	// Chain saved base pointers: the slot a frame's base pointer names
	// holds its caller's reconstructed base pointer, and the
	// shallowest frame chains into main's still-physical one. These
	// are absolute run-time addresses, so the caller's buffer offset
	// is rebased onto destBase before being stored.
	for i := 0; i+1 < len(state.Frames); i++ {
		scratch.writeUint64(frameBase[i], destBase+frameBase[i+1])
	}
	last := len(state.Frames) - 1
	scratch.writeUint64(frameBase[last], state.MainBasePtr)

	if err := v.validateTotal(totalSize); err != nil {
		return err
	}

	for i := range state.Frames {
		state.Frames[i].BasePointer = destBase + frameBase[i]
	}

	if err := PlaceLiveValuesToScratch(state.Frames, extracted, scratch, destBase); err != nil {
		return err
	}

	scratch.commit()
	growStackAndCopy(destBase, scratch.data, totalSize)
	scratch.releaseAfterCopy()

	frame0 := state.Frames[0]
	trampolineGlobals.restoredBasePtr = destBase + frameBase[0]
	trampolineGlobals.restoredStackSize = totalSize
	trampolineGlobals.jumpTarget = frame0.TwinSizeRecord.FunctionStartAddress + uint64(frame0.TwinRecord.InstrOffset)

	buf, err := newExecutableBuffer(buildRestoreInlined(restoredBPAddr(), destBase, jumpTargetAddr()))
	if err != nil {
		return err
	}
	defer buf.release()
	callTrampoline(buf.addr())
	panic("unreachable: restore_inlined trampoline must not return")
}

// growStackAndCopy writes the scratch buffer to dest. A native-stack
// implementation would grow its call stack by recursing until rsp <=
// dest before the memcpy; Go's goroutine stacks are moved and resized
// transparently by the runtime, and dest here is always process
// memory reached through the unsafe accessors rather than this
// goroutine's own stack, so the recursive growth step isn't needed —
// writing to the destination range directly is sufficient.
func growStackAndCopy(dest uint64, data []byte, size uint64) {
	writeUnsafeBytesAt(dest, data[:size])
}

func regSnapshotAddr() uint64 {
	return uint64(addressOf(unsafe.Pointer(&trampolineGlobals.registers)))
}
func jumpTargetAddr() uint64 {
	return uint64(addressOf(unsafe.Pointer(&trampolineGlobals.jumpTarget)))
}
func restoredBPAddr() uint64 {
	return uint64(addressOf(unsafe.Pointer(&trampolineGlobals.restoredBasePtr)))
}

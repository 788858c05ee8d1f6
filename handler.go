package deopt

// handler.go implements the guard handler's top-level algorithm: the
// one function a compiled program's `patchpoint` callback slot actually
// calls when a guard fails.

// CodeReader supplies raw instruction bytes at an address, used by
// TwinLookup/OptimizedRecordForReturn to decode call-instruction
// lengths.
type CodeReader func(addr uint64, n int) []byte

// HandleGuardFailure runs the full deoptimization algorithm. id is the
// failing guard's patchpoint_id, the handler's single argument per its
// entry contract. It must not return on success: the final step is an
// unconditional tail-transfer into the twin. A returned error means the
// handler detected an unrecoverable condition; an error raised during
// placement or assembly can come after part of the stack was already
// rewritten (see AssembleAndJump). The caller is expected to report it
// and exit(1) — a handler that returns is itself a failure mode.
func HandleGuardFailure(id int64, sideTableBytes []byte, cur UnwindCursor, codeAt CodeReader) error {
	state, st, err := prepareGuardFailure(id, sideTableBytes, cur, codeAt)
	if err != nil {
		return err
	}

	// Steps 7-9: extraction + placement, return-address rewriting and
	// jump_target assignment are performed inside AssembleAndJump/
	// assembleFastPath/assembleSlowPath. Register restoration for
	// frame_0 happens on the fast path only; the slow path's
	// restore_inlined trampoline sets rsp and rbp and nothing else.
	//
	// Step 10: dispatch to jmp_to_addr or restore_inlined.
	return AssembleAndJump(state, st.ConstantPool)
}

// prepareGuardFailure runs steps 1-6 of HandleGuardFailure's algorithm:
// everything up to, but not including, extraction/placement/dispatch.
// Split out so scenario tests can drive the reconstruction logic itself
// without triggering AssembleAndJump's final, non-returning jump into
// fabricated machine code.
func prepareGuardFailure(id int64, sideTableBytes []byte, cur UnwindCursor, codeAt CodeReader) (*CallStackState, *SideTable, error) {
	// Step 1: locate and parse the side table.
	st, err := ParseSideTable(sideTableBytes)
	if err != nil {
		return nil, nil, err
	}

	// Step 2: resolve opt_record / twin_record and their enclosing size
	// records, failing fatally if absent.
	optRecord, err := st.RecordForID(id)
	if err != nil {
		return nil, nil, err
	}
	twinRecord, err := st.RecordForID(^id)
	if err != nil {
		return nil, nil, err
	}
	optMapIdx := st.index.byPatchpointID[id]
	twinMapIdx := st.index.byPatchpointID[^id]
	optSizeRec, err := st.SizeRecordForMapIndex(optMapIdx)
	if err != nil {
		return nil, nil, err
	}
	twinSizeRec, err := st.SizeRecordForMapIndex(twinMapIdx)
	if err != nil {
		return nil, nil, err
	}

	// Step 3: capture the physical call stack. The deepest captured
	// frame is the function the failing guard fired in, since the
	// handler runs in a normal frame immediately above it.
	state, err := CaptureCallStack(cur)
	if err != nil {
		return nil, nil, err
	}
	if len(state.Frames) == 0 {
		return nil, nil, newFatal(CategoryStackWalk, "no frames captured for guard failure").withPatchpoint(id)
	}

	// The fail frame is the deepest captured frame itself: it keeps the
	// physical frame's registers, base pointer, and return slot, and
	// takes the failing guard's own records in place of a return-address
	// lookup. Its frame size is the twin function's, since that is the
	// frame being reconstructed.
	fail := &state.Frames[0]
	fail.Record = optRecord
	fail.SizeRecord = optSizeRec
	fail.TwinRecord = twinRecord
	fail.TwinSizeRecord = twinSizeRec
	fail.FrameSize = twinSizeRec.FunctionFrameSize

	// Step 4: attach optimized + twin records to every frame above the
	// fail frame, each from the return address stored one frame below.
	if err := AttachRecords(state, st, codeAt); err != nil {
		return nil, nil, err
	}

	// Step 5: synthesize inlined frames until a fixpoint. A guard that
	// failed inside an inlined callee needs no special casing here: the
	// fail frame's stored return address resolves to a call-site record
	// attributed to the inlined callee's function, and the detector
	// inserts the missing frames between it and its physical caller the
	// same way it does mid-stack.
	if err := SynthesizeInlinedFrames(state, st); err != nil {
		return nil, nil, err
	}

	return state, st, nil
}

package deopt

import "github.com/xyproto/deopt/internal/engine"

// UnwindCursor is the platform-provided stack-unwind collaborator: a
// unidirectional cursor over the physical call stack. A production
// build backs this with a real
// DWARF/.eh_frame unwinder (or a frame-pointer walk, since the ABI this
// system targets always maintains rbp chains); tests back it with a
// fabricated stack (see scenario fixtures).
type UnwindCursor interface {
	// Step advances to the next physical frame, walking from the
	// guard's own frame up toward main. Returns false once there is
	// nothing left to walk.
	Step() bool

	// ReadRegister returns the value of the named DWARF GP register in
	// the current frame.
	ReadRegister(dwarfNum uint16) (uint64, error)

	// ReadProcedureName returns the symbol name of the function owning
	// the current frame, used only to detect the main frame.
	ReadProcedureName() (string, error)

	// BasePointer returns the current frame's base pointer.
	BasePointer() (uint64, error)
}

// wordSize is the System V AMD64 ABI pointer/word size.
const wordSize = 8

// CaptureCallStack captures the current physical call stack starting
// above the guard-failure handler's own frame, ascending until and
// including the frame of main.
//
// For each frame it records all 16 GP registers, the base pointer, the
// address of the return-address slot (base_pointer + word_size), the
// return address stored there, and sets RealBasePointer = BasePointer
// and Inlined = false; per-frame StackMapRecord attachment (TwinLookup)
// is done by the caller (handler.go), since it needs the SideTable.
func CaptureCallStack(cur UnwindCursor) (*CallStackState, error) {
	state := &CallStackState{}

	for cur.Step() {
		name, err := cur.ReadProcedureName()
		if err != nil {
			return nil, newFatalf(CategoryStackWalk, "reading procedure name: %v", err)
		}

		bp, err := cur.BasePointer()
		if err != nil {
			return nil, newFatalf(CategoryStackWalk, "reading base pointer: %v", err)
		}

		if name == "main" {
			var regs RegisterFile
			for r := uint16(0); r < engine.NumGPRegisters; r++ {
				v, err := cur.ReadRegister(r)
				if err != nil {
					return nil, newFatalf(CategoryStackWalk, "reading register %d in main: %v", r, err)
				}
				regs[r] = v
			}
			state.MainRegisters = regs
			state.MainBasePtr = bp
			break
		}

		var regs RegisterFile
		for r := uint16(0); r < engine.NumGPRegisters; r++ {
			v, err := cur.ReadRegister(r)
			if err != nil {
				return nil, newFatalf(CategoryStackWalk, "reading register %d in %s: %v", r, name, err)
			}
			regs[r] = v
		}

		slot := bp + wordSize
		retAddr := readUint64At(slot)

		state.Frames = append(state.Frames, Frame{
			ReturnAddressSlot:   slot,
			StoredReturnAddress: retAddr,
			BasePointer:         bp,
			RealBasePointer:     bp,
			Registers:           regs,
			Inlined:             false,
		})
	}

	return state, nil
}

// AttachRecords attaches an optimized StackMapRecord and its twin to
// every captured frame above the deepest one. A frame's return address
// is stored in the frame below it, so frame i's record comes from
// TwinLookup on frame i-1's StoredReturnAddress: that is the call-site
// record at which frame i resumes, and its enclosing function is frame
// i's own function — which is why extraction and placement can use the
// frame's own base pointer. The deepest frame's record is the failing
// guard's own, attached by the handler before this runs.
func AttachRecords(state *CallStackState, st *SideTable, codeAt func(addr uint64, n int) []byte) error {
	for i := 1; i < len(state.Frames); i++ {
		f := &state.Frames[i]
		returnAddr := state.Frames[i-1].StoredReturnAddress

		optSizeIdx, optMapIdx, err := st.OptimizedRecordForReturn(returnAddr, codeAt)
		if err != nil {
			return err
		}
		f.Record = &st.MapRecords[optMapIdx]
		f.SizeRecord = &st.SizeRecords[optSizeIdx]
		f.FrameSize = st.SizeRecords[optSizeIdx].FunctionFrameSize

		twinSizeIdx, twinMapIdx, err := st.TwinLookup(returnAddr, codeAt)
		if err != nil {
			return err
		}
		f.TwinRecord = &st.MapRecords[twinMapIdx]
		f.TwinSizeRecord = &st.SizeRecords[twinSizeIdx]
	}
	return nil
}

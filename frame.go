package deopt

import (
	"fmt"
	"io"
)

// Frame describes one level of the reconstructed unoptimized call
// stack.
type Frame struct {
	ReturnAddressSlot   uint64 // address where the return address lives
	StoredReturnAddress uint64 // value read out of that slot before mutation
	FrameSize           uint64
	BasePointer         uint64

	// RealBasePointer differs from BasePointer only for synthesized
	// inlined frames: it is the physical enclosing frame's base pointer,
	// used for extracting live values whose offsets were recorded
	// relative to the frame that was actually executing.
	RealBasePointer uint64

	Registers RegisterFile

	// Record is the optimized StackMapRecord associated with this
	// frame, found via TwinLookup.
	Record *StackMapRecord

	// SizeRecord is Record's enclosing StackSizeRecord.
	SizeRecord *StackSizeRecord

	// TwinRecord and TwinSizeRecord are Record's counterpart in the
	// unoptimized twin function, found via the bitwise-complement
	// patchpoint identifier convention. TwinLookup's contract returns
	// these two indices directly; they are cached here once per frame
	// since both extraction (source side) and placement (destination
	// side) need them.
	TwinRecord     *StackMapRecord
	TwinSizeRecord *StackSizeRecord

	// Inlined marks a frame synthesized by SynthesizeInlinedFrames
	// rather than captured directly off the physical stack.
	Inlined bool
}

// CallStackState is an ordered sequence of Frames: index 0 is the
// deepest frame (where the guard fired), the last is the shallowest
// frame below main. Main itself is never a Frame — its registers and
// base pointer are captured separately, and it is neither restored nor
// subject to return-address rewriting.
type CallStackState struct {
	Frames []Frame

	// MainRegisters is the register snapshot captured for the main
	// frame; main is not itself subject to return-address rewriting.
	MainRegisters RegisterFile
	MainBasePtr   uint64
}

// dumpTrace prints a frame-by-frame summary to w, gated by
// HandlerConfig.TraceFrames — useful for diagnosing the frame-assembly
// bugs that tend to dominate this subsystem, since it dumps the whole
// CallStackState before committing to the jump.
func (s *CallStackState) dumpTrace(w io.Writer) {
	for i, f := range s.Frames {
		id := int64(-1)
		if f.Record != nil {
			id = f.Record.PatchpointID
		}
		fmt.Fprintf(w, "frame[%d]: inlined=%v id=%d bp=0x%x real_bp=0x%x frame_size=%d return_addr=0x%x\n",
			i, f.Inlined, id, f.BasePointer, f.RealBasePointer, f.FrameSize, f.StoredReturnAddress)
	}
	fmt.Fprintf(w, "main: bp=0x%x\n", s.MainBasePtr)
}

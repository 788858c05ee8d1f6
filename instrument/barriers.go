package instrument

import (
	"strconv"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/types"
)

// InsertOptimizationBarriers implements the Optimization Barriers
// pass: before and after every instrumentation call in f, insert an
// empty inline-asm call marked side-effectful, then split the
// enclosing basic block immediately before and after that envelope,
// so the emitted native code for the instrumentation call cannot have
// global reloads sunk into its shadow by a later optimization pass.
func InsertOptimizationBarriers(f *ir.Func) error {
	barrierAsm := ir.NewInlineAsm(types.NewPointer(types.NewFunc(types.Void)), "", "~{memory}")
	barrierAsm.SideEffect = true

	var rebuilt []*ir.Block
	for _, b := range f.Blocks {
		rebuilt = append(rebuilt, splitAroundInstrumentation(f, b, barrierAsm)...)
	}
	f.Blocks = rebuilt
	return nil
}

// splitAroundInstrumentation walks b's instructions; whenever it finds
// a call to an instrumentation intrinsic, it closes the current block
// with an unconditional branch into a fresh block holding the barrier,
// the instrumentation call, and a second barrier, then opens another
// fresh block for whatever follows. Blocks without instrumentation
// calls pass through unchanged.
//
// The first segment reuses b itself (with its instruction list
// rebuilt) so that branches elsewhere in f that target b keep
// targeting the split's head.
func splitAroundInstrumentation(f *ir.Func, b *ir.Block, barrierAsm *ir.InlineAsm) []*ir.Block {
	origInsts := b.Insts
	origTerm := b.Term

	var out []*ir.Block
	cur := b
	cur.Insts = nil
	cur.Term = nil

	splitIndex := 0
	newBlock := func() *ir.Block {
		nb := ir.NewBlock(blockSplitName(b, splitIndex))
		nb.Parent = f
		splitIndex++
		return nb
	}

	for _, inst := range origInsts {
		call, ok := inst.(*ir.InstCall)
		if !ok || !isIntrinsicCall(call) {
			cur.Insts = append(cur.Insts, inst)
			continue
		}

		envelope := newBlock()
		cur.Term = ir.NewBr(envelope)
		out = append(out, cur)

		envelope.Insts = append(envelope.Insts,
			ir.NewCall(barrierAsm),
			call,
			ir.NewCall(barrierAsm),
		)

		cur = newBlock()
		envelope.Term = ir.NewBr(cur)
		out = append(out, envelope)
	}
	cur.Term = origTerm
	out = append(out, cur)
	return out
}

func blockSplitName(b *ir.Block, index int) string {
	base := b.Name()
	if base == "" {
		base = "bb"
	}
	return base + ".barrier." + strconv.Itoa(index)
}

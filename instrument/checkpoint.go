package instrument

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"

	"github.com/xyproto/deopt"
)

// patchpointShadowBytes is the fixed code shadow every instrumentation
// intrinsic reserves, matching the minimum x86-64 patchpoint call size.
// It is an architectural constant, not derived from the instruction
// stream.
const patchpointShadowBytes = 13

// nextID returns the ID for position pos within a function. If twinIDs
// is non-nil (the function's twin has already been processed), the ID
// is the complement of the twin's ID at the same position, keeping the
// identifier pairing intact in either processing order; otherwise IDs
// are allocated consecutively from 0.
func nextID(pos int, twinIDs []int64) int64 {
	if twinIDs != nil && pos < len(twinIDs) {
		return ^twinIDs[pos]
	}
	return int64(pos)
}

// InsertCheckpoints implements Checkpoint Insertion: emit an
// instrumentation call after every non-inline-asm, non-externally-
// linked call, and one immediately before every guard point (in this
// corpus, the return instruction). isTwin selects the intrinsic flavor
// for newly-emitted checkpoints: stackmap in twins, patchpoint (with
// the guard-failure handler as callback) in optimized functions. A
// call the redirection pass already turned into a patchpoint is its
// own checkpoint: it is numbered in place rather than shadowed by a
// second intrinsic, so both members of a twin pair see the same
// sequence of instrumentation positions.
//
// Each checkpoint's operand list is extended with the live-variable
// recording for its position: every SSA value live across the
// checkpoint, paired with its allocation size in bytes.
//
// twinIDs carries the already-assigned ID sequence for f's twin, if any
// (nil when processing the first of a pair); the returned slice is this
// function's own ID sequence, to be recorded in registry and handed to
// the twin's own InsertCheckpoints call.
func InsertCheckpoints(f *ir.Func, isTwin bool, twinIDs []int64, registry *deopt.TwinRegistry) ([]int64, error) {
	var assigned []int64
	pos := 0

	allocate := func() int64 {
		id := nextID(pos, twinIDs)
		assigned = append(assigned, id)
		registry.AddPatchpoint(f.Name(), id)
		pos++
		return id
	}

	for _, block := range f.Blocks {
		rewritten := make([]ir.Instruction, 0, len(block.Insts)+4)
		for _, inst := range block.Insts {
			rewritten = append(rewritten, inst)

			call, ok := inst.(*ir.InstCall)
			if !ok {
				continue
			}
			if _, isAsm := call.Callee.(*ir.InlineAsm); isAsm {
				continue
			}

			if isIntrinsicCall(call) {
				// A patchpoint left by RedirectCalls: number it in
				// place and attach its live recording.
				id := allocate()
				call.Args[0] = constant.NewInt(types.I64, id)
				call.Args = append(call.Args, LiveValuesAcross(f, call, block)...)
				continue
			}

			if callee, ok := call.Callee.(*ir.Func); ok {
				if callee.Name() == guardHandlerName {
					continue
				}
				if len(callee.Blocks) == 0 {
					continue // externally-linked declaration, not instrumented
				}
			}

			id := allocate()
			live := LiveValuesAcross(f, call, block)
			rewritten = append(rewritten, instrumentationCall(f, id, isTwin, live))
		}
		block.Insts = rewritten

		if isGuardPoint(block) {
			id := allocate()
			live := LiveValuesAcross(f, nil, block)
			block.Insts = append(block.Insts, instrumentationCall(f, id, isTwin, live))
		}
	}

	return assigned, nil
}

// isGuardPoint reports whether block's terminator is a guard location:
// in this corpus, a return instruction. In production the optimizer
// itself supplies the guard locations; a guard is treated like any
// other instrumentation point, so nothing here is specific to returns
// beyond selecting them.
func isGuardPoint(block *ir.Block) bool {
	_, ok := block.Term.(*ir.TermRet)
	return ok
}

// instrumentationCall builds the call to the appropriate intrinsic
// flavor: stackmap(id, shadow, live...) in twins, patchpoint(id,
// shadow, handler, 1, id, live...) in optimized functions — the
// handler callback receives the failing guard's patchpoint id as its
// single argument.
func instrumentationCall(f *ir.Func, id int64, isTwin bool, liveArgs []value.Value) *ir.InstCall {
	if isTwin {
		decl := intrinsicDecl(f.Parent, stackmapIntrinsic, types.Void)
		args := append([]value.Value{
			constant.NewInt(types.I64, id),
			constant.NewInt(types.I32, patchpointShadowBytes),
		}, liveArgs...)
		return ir.NewCall(decl, args...)
	}

	decl := intrinsicDecl(f.Parent, patchpointVoidIntrinsic, types.Void)
	handler := handlerRef(f.Parent)
	args := append([]value.Value{
		constant.NewInt(types.I64, id),
		constant.NewInt(types.I32, patchpointShadowBytes),
		handler,
		constant.NewInt(types.I32, 1),
		constant.NewInt(types.I64, id),
	}, liveArgs...)
	return ir.NewCall(decl, args...)
}

// handlerRef returns the module's declaration of the guard-failure
// handler symbol, creating and attaching it on first use.
func handlerRef(m *ir.Module) *ir.Global {
	if m != nil {
		for _, g := range m.Globals {
			if g.Name() == guardHandlerName {
				return g
			}
		}
	}
	g := ir.NewGlobal(guardHandlerName, types.I8)
	if m != nil {
		m.Globals = append(m.Globals, g)
	}
	return g
}

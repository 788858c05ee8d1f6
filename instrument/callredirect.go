package instrument

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
)

// guardHandlerName is the symbol the instrumented program calls into on
// a patchpoint miss; redirection and checkpoint insertion both leave
// calls to it untouched, since it is the handler itself, not
// instrumented code.
const guardHandlerName = "deopt_guard_failure"

// Intrinsic names accepted by the host toolchain.
const (
	stackmapIntrinsic       = "llvm.experimental.stackmap"
	patchpointVoidIntrinsic = "llvm.experimental.patchpoint.void"
	patchpointI64Intrinsic  = "llvm.experimental.patchpoint.i64"
)

// RedirectCalls implements Call Redirection in Twins: within twin (an
// __unopt_f clone), rewrite every direct call whose callee has a twin
// into a patchpoint-style call carrying that twin as its callback, so
// the exact return address of the call is observable at runtime
// through the side table. twinOf maps an original function's name to
// its clone, as populated by CloneTwins.
//
// The call instruction is mutated in place rather than replaced: its
// pointer identity is what every later use in the twin refers to, so
// mutating it redirects the call without a use-list rewrite. Only when
// the return type forces a truncate or bitcast back from i64 does a
// new instruction appear, and then the uses are repointed at it.
func RedirectCalls(twin *ir.Func, twinOf map[string]*ir.Func) error {
	for _, block := range twin.Blocks {
		rewritten := make([]ir.Instruction, 0, len(block.Insts))
		for _, inst := range block.Insts {
			call, ok := inst.(*ir.InstCall)
			if !ok {
				rewritten = append(rewritten, inst)
				continue
			}
			callee, ok := call.Callee.(*ir.Func)
			if !ok {
				rewritten = append(rewritten, inst) // indirect call or inline asm
				continue
			}
			if callee.Name() == guardHandlerName {
				rewritten = append(rewritten, inst)
				continue
			}
			target, hasTwin := twinOf[callee.Name()]
			if !hasTwin {
				rewritten = append(rewritten, inst)
				continue
			}

			conv := redirectCall(twin, call, target)
			rewritten = append(rewritten, call)
			if conv != nil {
				rewritten = append(rewritten, conv)
			}
		}
		block.Insts = rewritten
	}
	return nil
}

// redirectCall rewrites call into a patchpoint intrinsic call whose
// callback is target, choosing the variant by the original return type:
// patchpoint_void for void, patchpoint_i64 otherwise. For a non-void,
// non-i64 return type it returns the conversion instruction to insert
// after the call; the caller places it and redirectCall repoints the
// call's other uses at it.
func redirectCall(twin *ir.Func, call *ir.InstCall, target *ir.Func) ir.Instruction {
	retType := call.Type()
	origArgs := append([]value.Value{}, call.Args...)

	callback := constant.NewBitCast(target, types.NewPointer(types.I8))
	header := []value.Value{
		// The id operand is a placeholder here; Checkpoint Insertion
		// owns ID assignment and rewrites it when it numbers this
		// function's instrumentation points.
		constant.NewInt(types.I64, 0),
		constant.NewInt(types.I32, patchpointShadowBytes),
		callback,
		constant.NewInt(types.I32, int64(len(origArgs))),
	}

	if types.Equal(retType, types.Void) {
		call.Callee = intrinsicDecl(twin.Parent, patchpointVoidIntrinsic, types.Void)
		call.Args = append(header, origArgs...)
		call.Typ = types.Void
		return nil
	}

	call.Callee = intrinsicDecl(twin.Parent, patchpointI64Intrinsic, types.I64)
	call.Args = append(header, origArgs...)
	call.Typ = types.I64

	if types.Equal(retType, types.I64) {
		return nil
	}

	var conv ir.Instruction
	if intType, ok := retType.(*types.IntType); ok && intType.BitSize < 64 {
		conv = ir.NewTrunc(call, retType)
	} else {
		conv = ir.NewBitCast(call, retType)
	}
	replaceUses(twin, call, conv.(value.Value), conv)
	return conv
}

// intrinsicDecl returns the module's declaration of the named
// instrumentation intrinsic, creating and attaching it on first use.
// The intrinsics take a fixed (id, shadow-bytes, ...) header followed
// by a variadic tail of live operands, so the declarations are
// variadic.
func intrinsicDecl(m *ir.Module, name string, retType types.Type) *ir.Func {
	if m != nil {
		for _, f := range m.Funcs {
			if f.Name() == name {
				return f
			}
		}
	}

	var params []*ir.Param
	switch name {
	case stackmapIntrinsic:
		params = []*ir.Param{
			ir.NewParam("id", types.I64),
			ir.NewParam("numShadowBytes", types.I32),
		}
	default:
		params = []*ir.Param{
			ir.NewParam("id", types.I64),
			ir.NewParam("numShadowBytes", types.I32),
			ir.NewParam("target", types.NewPointer(types.I8)),
			ir.NewParam("numArgs", types.I32),
		}
	}
	decl := ir.NewFunc(name, retType, params...)
	decl.Sig.Variadic = true
	if m != nil {
		decl.Parent = m
		m.Funcs = append(m.Funcs, decl)
	}
	return decl
}

// isIntrinsicCall reports whether call targets one of the three
// instrumentation intrinsics.
func isIntrinsicCall(call *ir.InstCall) bool {
	callee, ok := call.Callee.(*ir.Func)
	if !ok {
		return false
	}
	switch callee.Name() {
	case stackmapIntrinsic, patchpointVoidIntrinsic, patchpointI64Intrinsic:
		return true
	default:
		return false
	}
}

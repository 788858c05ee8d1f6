// Package instrument implements the build-time LLVM IR transformation
// passes that turn an ordinarily-compiled module into one carrying
// optimized/unoptimized twin function pairs, patchpoint-style
// instrumentation calls, and a side table a guard-failure handler can
// walk at runtime.
//
// These passes walk basic blocks and rewrite instructions one function
// at a time, the same shape a compiler backend's own instruction-
// selection and register-allocation passes take, using
// github.com/llir/llvm for the IR representation itself.
package instrument

import (
	"strings"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/value"

	"github.com/xyproto/deopt"
)

const twinPrefix = "__unopt_"

// CloneTwins implements the Twin Cloning pass: for every function
// defined in m with a body and not externally-available, clone it into
// __unopt_f, attaching no-inline and no-optimize attributes to the
// clone. Functions already bearing the twin prefix are skipped, so
// running this pass twice on the same module is a no-op on its own
// output.
func CloneTwins(m *ir.Module, registry *deopt.TwinRegistry) ([]*ir.Func, error) {
	var twins []*ir.Func

	existing := make(map[string]bool, len(m.Funcs))
	for _, f := range m.Funcs {
		existing[f.Name()] = true
	}

	originals := make([]*ir.Func, len(m.Funcs))
	copy(originals, m.Funcs)

	for _, f := range originals {
		if strings.HasPrefix(f.Name(), twinPrefix) {
			continue
		}
		if len(f.Blocks) == 0 {
			continue // declaration only, no body to clone
		}
		if f.Linkage == enum.LinkageAvailableExternally {
			continue
		}
		if existing[twinPrefix+f.Name()] {
			continue // already cloned on a previous run
		}

		twin := cloneFunc(f, twinPrefix+f.Name())
		twin.FuncAttrs = append(twin.FuncAttrs, enum.FuncAttrNoInline, enum.FuncAttrOptNone, enum.FuncAttrNoUnwind)
		twin.Parent = m

		m.Funcs = append(m.Funcs, twin)
		twins = append(twins, twin)
		registry.MarkEntry(f.Name())
	}

	return twins, nil
}

// cloneFunc produces a structurally independent copy of f under a new
// name: same signature, params, and block/instruction structure, with
// every intra-function value reference rewritten to point at the
// clone's own instructions, blocks, and params rather than f's. LLVM
// IR values are identity-compared pointers, so the clone carries a
// fresh instruction stream; sharing one with the original would make
// every later twin-only rewrite corrupt the optimized sibling too.
//
// Cloning runs in two passes: first copy every block and instruction
// and record the old-to-new value mapping, then remap operands — a
// use can precede its definition in block order (loop phis), so the
// mapping must be complete before any operand is rewritten.
func cloneFunc(f *ir.Func, name string) *ir.Func {
	twin := ir.NewFunc(name, f.Sig.RetType, clonedParams(f)...)
	twin.CallingConv = f.CallingConv
	twin.Sig.Variadic = f.Sig.Variadic

	remap := make(map[value.Value]value.Value, len(f.Params))
	for i, p := range f.Params {
		remap[p] = twin.Params[i]
	}

	for _, b := range f.Blocks {
		nb := ir.NewBlock(b.Name())
		nb.Parent = twin
		twin.Blocks = append(twin.Blocks, nb)
		remap[b] = nb
	}

	cloned := make(map[ir.Instruction]bool)
	for bi, b := range f.Blocks {
		nb := twin.Blocks[bi]
		for _, inst := range b.Insts {
			ci := shallowCloneInst(inst)
			nb.Insts = append(nb.Insts, ci)
			if ci != inst {
				cloned[ci] = true
				if ov, ok := inst.(value.Value); ok {
					remap[ov] = ci.(value.Value)
				}
			}
		}
		nb.Term = shallowCloneTerm(b.Term)
	}

	for _, nb := range twin.Blocks {
		for _, inst := range nb.Insts {
			if !cloned[inst] {
				continue // shared with the original; leave its operands alone
			}
			for _, p := range instOperands(inst) {
				if nv, ok := remap[*p]; ok {
					*p = nv
				}
			}
		}
		if nb.Term != nil {
			for _, p := range termOperands(nb.Term) {
				if nv, ok := remap[*p]; ok {
					*p = nv
				}
			}
		}
	}

	return twin
}

// shallowCloneInst copies one instruction by value, deep-copying any
// operand-carrying slices so a later in-place operand rewrite cannot
// reach back into the original's storage. An instruction kind outside
// the set these passes handle is returned as-is, shared; the caller
// skips remapping shared instructions, which leaves them referencing
// the original's values rather than half-rewritten ones.
func shallowCloneInst(inst ir.Instruction) ir.Instruction {
	switch i := inst.(type) {
	case *ir.InstAlloca:
		c := *i
		return &c
	case *ir.InstLoad:
		c := *i
		return &c
	case *ir.InstStore:
		c := *i
		return &c
	case *ir.InstAdd:
		c := *i
		return &c
	case *ir.InstSub:
		c := *i
		return &c
	case *ir.InstMul:
		c := *i
		return &c
	case *ir.InstSDiv:
		c := *i
		return &c
	case *ir.InstUDiv:
		c := *i
		return &c
	case *ir.InstSRem:
		c := *i
		return &c
	case *ir.InstURem:
		c := *i
		return &c
	case *ir.InstAnd:
		c := *i
		return &c
	case *ir.InstOr:
		c := *i
		return &c
	case *ir.InstXor:
		c := *i
		return &c
	case *ir.InstShl:
		c := *i
		return &c
	case *ir.InstLShr:
		c := *i
		return &c
	case *ir.InstAShr:
		c := *i
		return &c
	case *ir.InstICmp:
		c := *i
		return &c
	case *ir.InstCall:
		c := *i
		c.Args = append([]value.Value{}, i.Args...)
		return &c
	case *ir.InstTrunc:
		c := *i
		return &c
	case *ir.InstZExt:
		c := *i
		return &c
	case *ir.InstSExt:
		c := *i
		return &c
	case *ir.InstBitCast:
		c := *i
		return &c
	case *ir.InstPtrToInt:
		c := *i
		return &c
	case *ir.InstIntToPtr:
		c := *i
		return &c
	case *ir.InstGetElementPtr:
		c := *i
		c.Indices = append([]value.Value{}, i.Indices...)
		return &c
	case *ir.InstPhi:
		c := *i
		c.Incs = make([]*ir.Incoming, len(i.Incs))
		for j, inc := range i.Incs {
			ci := *inc
			c.Incs[j] = &ci
		}
		return &c
	default:
		return inst
	}
}

func shallowCloneTerm(term ir.Terminator) ir.Terminator {
	switch t := term.(type) {
	case *ir.TermRet:
		c := *t
		return &c
	case *ir.TermBr:
		c := *t
		return &c
	case *ir.TermCondBr:
		c := *t
		return &c
	default:
		return term
	}
}

func clonedParams(f *ir.Func) []*ir.Param {
	params := make([]*ir.Param, len(f.Params))
	for i, p := range f.Params {
		params[i] = ir.NewParam(p.Name(), p.Typ)
	}
	return params
}

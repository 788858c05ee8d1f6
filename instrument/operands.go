package instrument

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/value"
)

// instOperands returns pointers to every value operand of inst, for the
// instruction set these passes encounter. Walking operands through
// pointers lets the twin cloner remap references in place and lets the
// call redirector replace uses of a rewritten call without a separate
// use-list structure.
func instOperands(inst ir.Instruction) []*value.Value {
	switch i := inst.(type) {
	case *ir.InstAlloca:
		if i.NElems != nil {
			return []*value.Value{&i.NElems}
		}
		return nil
	case *ir.InstLoad:
		return []*value.Value{&i.Src}
	case *ir.InstStore:
		return []*value.Value{&i.Src, &i.Dst}
	case *ir.InstAdd:
		return []*value.Value{&i.X, &i.Y}
	case *ir.InstSub:
		return []*value.Value{&i.X, &i.Y}
	case *ir.InstMul:
		return []*value.Value{&i.X, &i.Y}
	case *ir.InstSDiv:
		return []*value.Value{&i.X, &i.Y}
	case *ir.InstUDiv:
		return []*value.Value{&i.X, &i.Y}
	case *ir.InstSRem:
		return []*value.Value{&i.X, &i.Y}
	case *ir.InstURem:
		return []*value.Value{&i.X, &i.Y}
	case *ir.InstAnd:
		return []*value.Value{&i.X, &i.Y}
	case *ir.InstOr:
		return []*value.Value{&i.X, &i.Y}
	case *ir.InstXor:
		return []*value.Value{&i.X, &i.Y}
	case *ir.InstShl:
		return []*value.Value{&i.X, &i.Y}
	case *ir.InstLShr:
		return []*value.Value{&i.X, &i.Y}
	case *ir.InstAShr:
		return []*value.Value{&i.X, &i.Y}
	case *ir.InstICmp:
		return []*value.Value{&i.X, &i.Y}
	case *ir.InstCall:
		out := make([]*value.Value, 0, len(i.Args)+1)
		out = append(out, &i.Callee)
		for j := range i.Args {
			out = append(out, &i.Args[j])
		}
		return out
	case *ir.InstTrunc:
		return []*value.Value{&i.From}
	case *ir.InstZExt:
		return []*value.Value{&i.From}
	case *ir.InstSExt:
		return []*value.Value{&i.From}
	case *ir.InstBitCast:
		return []*value.Value{&i.From}
	case *ir.InstPtrToInt:
		return []*value.Value{&i.From}
	case *ir.InstIntToPtr:
		return []*value.Value{&i.From}
	case *ir.InstGetElementPtr:
		out := make([]*value.Value, 0, len(i.Indices)+1)
		out = append(out, &i.Src)
		for j := range i.Indices {
			out = append(out, &i.Indices[j])
		}
		return out
	case *ir.InstPhi:
		var out []*value.Value
		for _, inc := range i.Incs {
			out = append(out, &inc.X, &inc.Pred)
		}
		return out
	default:
		return nil
	}
}

// termOperands is instOperands for block terminators. Branch targets
// are values of label type, so block references remap through the same
// mechanism as ordinary operands.
func termOperands(term ir.Terminator) []*value.Value {
	switch t := term.(type) {
	case *ir.TermRet:
		if t.X != nil {
			return []*value.Value{&t.X}
		}
		return nil
	case *ir.TermBr:
		return []*value.Value{&t.Target}
	case *ir.TermCondBr:
		return []*value.Value{&t.Cond, &t.TargetTrue, &t.TargetFalse}
	default:
		return nil
	}
}

// replaceUses rewrites every operand of f's instructions and
// terminators that references old to reference new instead, skipping
// the single instruction skip (typically the conversion that consumes
// old and must keep referencing it).
func replaceUses(f *ir.Func, old, new value.Value, skip ir.Instruction) {
	for _, b := range f.Blocks {
		for _, inst := range b.Insts {
			if inst == skip {
				continue
			}
			for _, p := range instOperands(inst) {
				if *p == old {
					*p = new
				}
			}
		}
		if b.Term != nil {
			for _, p := range termOperands(b.Term) {
				if *p == old {
					*p = new
				}
			}
		}
	}
}

package instrument

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
)

// LiveValuesAcross implements Live-Variable Recording for one
// instrumentation point: compute the set of SSA values live across it
// — those defined by an instruction that dominates the point and used
// by an instruction that the point dominates — plus a constant operand
// of a return the point guards, and return them interleaved with an 8-byte
// integer constant carrying each value's allocation size, ready to
// append to the instrumentation call.
//
// at is the instruction the checkpoint sits immediately after; nil
// means the checkpoint sits at the end of atBlock's instruction list,
// immediately before its terminator (the guard-point case).
//
// Dominance is computed with the standard iterative dataflow algorithm
// (intersect predecessors' dominator sets until a fixpoint) rather
// than a tree structure, since instrumentation only asks "does A
// dominate B" for pairs within one function, not repeated tree
// queries.
func LiveValuesAcross(f *ir.Func, at ir.Instruction, atBlock *ir.Block) []value.Value {
	dom := computeDominators(f)

	type defSite struct {
		block *ir.Block
		inst  ir.Instruction
	}
	defs := make(map[value.Value]defSite)
	for _, b := range f.Blocks {
		for _, inst := range b.Insts {
			if v, ok := inst.(value.Value); ok {
				defs[v] = defSite{block: b, inst: inst}
			}
		}
	}

	var live []value.Value
	seen := make(map[value.Value]bool)

	record := func(v value.Value) {
		if seen[v] {
			return
		}
		seen[v] = true
		live = append(live, v)
	}

	// consider reports whether a use of v at (useBlock, afterAt) makes
	// v live across the checkpoint: its definition must dominate the
	// checkpoint, and the checkpoint must dominate the use.
	consider := func(v value.Value, useBlock *ir.Block, useInst ir.Instruction) {
		d, isLocal := defs[v]
		if !isLocal {
			return // param, constant, or global: no local live range
		}
		if d.block == atBlock {
			if at != nil && !instructionBefore(atBlock, d.inst, at) && d.inst != at {
				return
			}
		} else if !dominates(dom, d.block, atBlock) {
			return
		}
		if useBlock == atBlock {
			// useInst == nil marks a use in the terminator, which sits
			// after every checkpoint position in the block.
			if useInst != nil && at != nil && !instructionBefore(atBlock, at, useInst) {
				return
			}
			if useInst != nil && at == nil {
				return // guard sits after all instructions; no inst use follows it
			}
		} else if !dominates(dom, atBlock, useBlock) {
			return
		}
		record(v)
	}

	for _, b := range f.Blocks {
		for _, inst := range b.Insts {
			for _, p := range instOperands(inst) {
				consider(*p, b, inst)
			}
		}
		if b.Term != nil {
			for _, p := range termOperands(b.Term) {
				consider(*p, b, nil)
			}
		}
	}

	// A guard on a return also records the return's operand when it is a
	// constant, so the twin can resume with the same result; a locally
	// defined operand is already covered by the loop above, and a
	// parameter or global operand is not recorded.
	if at == nil {
		if ret, ok := atBlock.Term.(*ir.TermRet); ok && ret.X != nil {
			if _, isConst := ret.X.(constant.Constant); isConst {
				record(ret.X)
			}
		}
	}

	withSizes := make([]value.Value, 0, len(live)*2)
	for _, v := range live {
		withSizes = append(withSizes, v, constant.NewInt(types.I64, allocationSize(v)))
	}
	return withSizes
}

// allocationSize returns v's recorded allocation size in bytes: for
// stack-allocated aggregates the actual allocation size, otherwise the
// default of 8.
func allocationSize(v value.Value) int64 {
	alloca, ok := v.(*ir.InstAlloca)
	if !ok {
		return 8
	}
	return typeSize(alloca.ElemType)
}

func typeSize(t types.Type) int64 {
	switch tt := t.(type) {
	case *types.IntType:
		return int64(tt.BitSize+7) / 8
	case *types.PointerType:
		return 8
	case *types.FloatType:
		switch tt.Kind {
		case types.FloatKindHalf:
			return 2
		case types.FloatKindFloat:
			return 4
		default:
			return 8
		}
	case *types.ArrayType:
		return int64(tt.Len) * typeSize(tt.ElemType)
	case *types.StructType:
		var sum int64
		for _, field := range tt.Fields {
			sum += typeSize(field)
		}
		return sum
	default:
		return 8
	}
}

// instructionBefore reports whether a appears strictly before target in
// b's instruction list.
func instructionBefore(b *ir.Block, a, target ir.Instruction) bool {
	for _, inst := range b.Insts {
		if inst == target {
			return false
		}
		if inst == a {
			return true
		}
	}
	return false
}

type domSets map[*ir.Block]map[*ir.Block]bool

func computeDominators(f *ir.Func) domSets {
	dom := make(domSets, len(f.Blocks))
	if len(f.Blocks) == 0 {
		return dom
	}
	entry := f.Blocks[0]

	all := make(map[*ir.Block]bool, len(f.Blocks))
	for _, b := range f.Blocks {
		all[b] = true
	}
	for _, b := range f.Blocks {
		if b == entry {
			dom[b] = map[*ir.Block]bool{entry: true}
		} else {
			dom[b] = cloneSet(all)
		}
	}

	preds := predecessorsOf(f)

	changed := true
	for changed {
		changed = false
		for _, b := range f.Blocks {
			if b == entry {
				continue
			}
			var merged map[*ir.Block]bool
			for _, p := range preds[b] {
				if merged == nil {
					merged = cloneSet(dom[p])
					continue
				}
				for k := range merged {
					if !dom[p][k] {
						delete(merged, k)
					}
				}
			}
			if merged == nil {
				merged = map[*ir.Block]bool{}
			}
			merged[b] = true
			if !setEqual(merged, dom[b]) {
				dom[b] = merged
				changed = true
			}
		}
	}
	return dom
}

func predecessorsOf(f *ir.Func) map[*ir.Block][]*ir.Block {
	preds := make(map[*ir.Block][]*ir.Block, len(f.Blocks))
	for _, b := range f.Blocks {
		for _, succ := range successors(b) {
			preds[succ] = append(preds[succ], b)
		}
	}
	return preds
}

func successors(b *ir.Block) []*ir.Block {
	var out []*ir.Block
	appendBlock := func(v value.Value) {
		if blk, ok := v.(*ir.Block); ok {
			out = append(out, blk)
		}
	}
	switch t := b.Term.(type) {
	case *ir.TermBr:
		appendBlock(t.Target)
	case *ir.TermCondBr:
		appendBlock(t.TargetTrue)
		appendBlock(t.TargetFalse)
	}
	return out
}

func dominates(dom domSets, a, b *ir.Block) bool {
	if a == b {
		return true
	}
	set, ok := dom[b]
	if !ok {
		return false
	}
	return set[a]
}

func cloneSet(s map[*ir.Block]bool) map[*ir.Block]bool {
	out := make(map[*ir.Block]bool, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

func setEqual(a, b map[*ir.Block]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

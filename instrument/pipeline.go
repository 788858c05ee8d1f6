package instrument

import (
	"github.com/llir/llvm/ir"

	"github.com/xyproto/deopt"
)

// RunPipeline executes the instrumentation passes in their fixed
// order, each seeing the output of its predecessor: Twin Cloning, Call
// Redirection, Checkpoint Insertion (with Live-Variable Recording
// folded into each checkpoint's operand list), then Optimization
// Barriers.
func RunPipeline(m *ir.Module) (*deopt.TwinRegistry, error) {
	registry := deopt.NewTwinRegistry()

	twins, err := CloneTwins(m, registry)
	if err != nil {
		return nil, err
	}

	twinOf := make(map[string]*ir.Func, len(twins))
	for _, t := range twins {
		orig := t.Name()[len(twinPrefix):]
		twinOf[orig] = t
	}

	for _, twin := range twins {
		if err := RedirectCalls(twin, twinOf); err != nil {
			return nil, err
		}
	}

	origToIDs := make(map[string][]int64)
	originals := make([]*ir.Func, 0, len(m.Funcs))
	for _, f := range m.Funcs {
		if !isTwinFunc(f) && len(f.Blocks) > 0 {
			originals = append(originals, f)
		}
	}

	for _, f := range originals {
		ids, err := InsertCheckpoints(f, false, nil, registry)
		if err != nil {
			return nil, err
		}
		origToIDs[f.Name()] = ids
		if err := InsertOptimizationBarriers(f); err != nil {
			return nil, err
		}
	}
	for _, twin := range twins {
		origName := twin.Name()[len(twinPrefix):]
		if _, err := InsertCheckpoints(twin, true, origToIDs[origName], registry); err != nil {
			return nil, err
		}
		if err := InsertOptimizationBarriers(twin); err != nil {
			return nil, err
		}
	}

	return registry, nil
}

func isTwinFunc(f *ir.Func) bool {
	name := f.Name()
	return len(name) >= len(twinPrefix) && name[:len(twinPrefix)] == twinPrefix
}

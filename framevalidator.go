// framevalidator.go - Track stack-assembly layout to detect corruption
package deopt

import (
	"fmt"
	"os"
)

// frameValidator tracks the running layout of the reconstructed
// unoptimized stack as assembleSlowPath (assemble.go) lays out
// synthesized + real frames one by one. It is a debugging aid gated by
// config, not a correctness dependency: when disabled it is a no-op.
type frameValidator struct {
	cursor     uint64   // bytes laid out so far
	operations []string // history, for diagnostics
	enabled    bool
}

func newFrameValidator(enabled bool) *frameValidator {
	return &frameValidator{operations: make([]string, 0, 32), enabled: enabled}
}

func (v *frameValidator) layoutFrame(label string, frameSize uint64) {
	if !v.enabled {
		return
	}
	v.cursor += frameSize + wordSize
	v.operations = append(v.operations, fmt.Sprintf("layout %s (frame_size=%d, cursor=%d)", label, frameSize, v.cursor))
	if traceFramesEnabled() {
		fmt.Fprintf(os.Stderr, "ASSEMBLE: %s, cursor now %d\n", v.operations[len(v.operations)-1], v.cursor)
	}
}

// validateTotal fails if the running cursor does not exactly match the
// total_size computed up front: the sum over synthesized + real frames
// of frame_size + word_size.
func (v *frameValidator) validateTotal(totalSize uint64) error {
	if !v.enabled {
		return nil
	}
	if v.cursor != totalSize {
		dumpOperations(v.operations)
		return newFatalf(CategoryAssembly, "stack assembly imbalance: laid out %d bytes, expected total_size %d", v.cursor, totalSize)
	}
	return nil
}

func dumpOperations(ops []string) {
	start := len(ops) - 20
	if start < 0 {
		start = 0
	}
	for i := start; i < len(ops); i++ {
		fmt.Fprintf(os.Stderr, " %s\n", ops[i])
	}
}

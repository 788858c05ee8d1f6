// scratchbuffer.go - Explicit lifecycle management for the stack-assembly
// scratch buffer
package deopt

import (
	"fmt"
	"os"
)

// scratchBuffer is the temporary buffer the inlining slow path
// allocates to hold the reconstructed stack before it is copied to
// main_base - total_size. It tracks an explicit committed/released
// lifecycle: committed means laid out and ready to copy into the
// target stack region; writing after commit, or releasing before it,
// is a programming error this type panics on rather than silently
// permits.
type scratchBuffer struct {
	data      []byte
	name      string
	committed bool
	released  bool
}

func newScratchBuffer(name string, size uint64) *scratchBuffer {
	return &scratchBuffer{data: make([]byte, size), name: name}
}

// write copies p into the buffer at byte offset off. Panics if the
// buffer has already been committed.
func (s *scratchBuffer) write(off uint64, p []byte) {
	if s.committed {
		panic(fmt.Sprintf("scratchBuffer(%s): write after commit", s.name))
	}
	copy(s.data[off:], p)
}

func (s *scratchBuffer) writeUint64(off uint64, v uint64) {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	s.write(off, b[:])
}

// commit marks the buffer as laid out and ready to be copied into the
// target stack region.
func (s *scratchBuffer) commit() {
	if traceFramesEnabled() {
		fmt.Fprintf(os.Stderr, "scratchBuffer(%s): committed with %d bytes\n", s.name, len(s.data))
	}
	s.committed = true
}

// releaseAfterCopy zeroes and releases the buffer. Must be called after
// the committed contents have been copied to their destination and
// before control transfers via the jump trampoline, since the jump
// overwrites the current stack and there would be nothing left to free
// afterward.
func (s *scratchBuffer) releaseAfterCopy() {
	if !s.committed {
		panic(fmt.Sprintf("scratchBuffer(%s): released before commit", s.name))
	}
	for i := range s.data {
		s.data[i] = 0
	}
	s.data = nil
	s.released = true
}

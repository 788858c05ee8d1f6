package deopt

// placementTarget abstracts where a Direct destination's bytes actually
// land. In the fast path the physical stack is already dimensionally
// correct (Frame.BasePointer equals Frame.RealBasePointer), so
// placement writes straight into the running process's memory. In the
// slow path the reconstructed frames live in a not-yet-committed
// scratch buffer (Frame.BasePointer names an address that is not
// backed by real stack memory until growStackAndCopy runs), so
// placement must write into that buffer instead. Confusing a frame's
// BasePointer with its RealBasePointer here is the single most common
// source of bugs in this subsystem; see DESIGN.md.
type placementTarget interface {
	writeAt(addr uint64, data []byte)
}

// directMemoryTarget writes straight into the running process's
// address space; used by the no-inlining fast path.
type directMemoryTarget struct{}

func (directMemoryTarget) writeAt(addr uint64, data []byte) { writeUnsafeBytesAt(addr, data) }

// scratchMemoryTarget redirects a Direct destination's absolute address
// into an offset within a not-yet-committed scratchBuffer, by
// subtracting the buffer's eventual base address. Used by the inlining
// slow path, where frameBase[i] (and hence Frame.BasePointer) has
// already been computed but the memory it names has not yet been
// grown into.
type scratchMemoryTarget struct {
	buf      *scratchBuffer
	destBase uint64
}

func (t scratchMemoryTarget) writeAt(addr uint64, data []byte) {
	t.buf.write(addr-t.destBase, data)
}

// PlaceLiveValues performs the placement half of live-value transfer:
// for the same frame sequence extraction walked, retrieve each frame's unoptimized
// StackMapRecord via Frame.TwinRecord, and write extracted pair j into
// the destination pair j names. Destinations are always relative to
// the frame's own (assembled) BasePointer, never RealBasePointer:
// RealBasePointer only ever names where a value was read FROM in a
// physical, already-running frame; it is never where a value should be
// written TO in the reconstructed one.
func PlaceLiveValues(frames []Frame, extracted [][]extractedValue) error {
	return placeLiveValues(frames, extracted, directMemoryTarget{})
}

// PlaceLiveValuesToScratch is PlaceLiveValues for the inlining slow
// path: Direct destinations are redirected into buf via target's
// destBase translation rather than written straight to process memory,
// since the addresses named by the reconstructed frames' BasePointers
// are not yet backed by committed stack memory at placement time.
func PlaceLiveValuesToScratch(frames []Frame, extracted [][]extractedValue, buf *scratchBuffer, destBase uint64) error {
	return placeLiveValues(frames, extracted, scratchMemoryTarget{buf: buf, destBase: destBase})
}

func placeLiveValues(frames []Frame, extracted [][]extractedValue, target placementTarget) error {
	for fi, f := range frames {
		if f.TwinRecord == nil {
			return newFatal(CategoryLocation, "frame has no attached twin record")
		}
		twinLocs := f.TwinRecord.Locations
		if len(twinLocs) != len(f.Record.Locations) {
			return newFatalf(CategoryLocation,
				"location array length mismatch between twin records: optimized has %d, twin has %d (patchpoint %d / %d)",
				len(f.Record.Locations), len(twinLocs), f.Record.PatchpointID, f.TwinRecord.PatchpointID,
			).withPatchpoint(f.Record.PatchpointID)
		}

		vals := extracted[fi]
		for j := 0; j+1 < len(twinLocs); j += 2 {
			dest := twinLocs[j]
			pairIdx := j / 2
			if pairIdx >= len(vals) {
				return newFatalf(CategoryLocation, "missing extracted value for pair %d of patchpoint %d", pairIdx, f.Record.PatchpointID).withPatchpoint(f.Record.PatchpointID)
			}
			src := vals[pairIdx].bytes

			switch dest.Kind {
			case LocDirect:
				addr := uint64(int64(f.BasePointer) + int64(dest.Offset))
				target.writeAt(addr, src)

			case LocRegister:
				n := len(src)
				if n > 8 {
					n = 8
				}
				var v uint64
				for k := n - 1; k >= 0; k-- {
					v = v<<8 | uint64(src[k])
				}
				if err := frames[fi].Registers.Set(dest.DwarfRegNum, v); err != nil {
					return err
				}

			case LocIndirect:
				return newFatal(CategoryLocation, "indirect placement is not implemented")

			case LocConstant, LocConstIndex:
				// Nothing to write: these destinations are read-only.

			default:
				if strictLocationChecks() {
					return newFatalf(CategoryLocation, "unknown destination location kind %d", dest.Kind)
				}
			}
		}
	}
	return nil
}

package deopt

// extractedValue is one heap-copied live value produced by extraction;
// its length is the decoded payload size.
type extractedValue struct {
	bytes []byte
}

// ExtractLiveValues performs the extraction half of live-value transfer:
// for every frame (main is never captured as a frame, so every entry
// here is restored), retrieve its optimized StackMapRecord's locations.
// Pairs are processed in order: the second element of each pair is
// decoded as an 8-byte integer to yield the payload size; the first
// element is then decoded using RealBasePointer and Registers.
func ExtractLiveValues(frames []Frame, pool []uint64) ([][]extractedValue, error) {
	mem := liveProcessMemory{}
	out := make([][]extractedValue, len(frames))

	for fi, f := range frames {
		if f.Record == nil {
			return nil, newFatal(CategoryLocation, "frame has no attached optimized record")
		}
		locs := f.Record.Locations
		if len(locs)%2 != 0 {
			return nil, newFatalf(CategoryLocation, "optimized record %d has an odd number of locations", f.Record.PatchpointID).withPatchpoint(f.Record.PatchpointID)
		}

		vals := make([]extractedValue, 0, len(locs)/2)
		for j := 0; j+1 < len(locs); j += 2 {
			valueLoc := locs[j]
			sizeLoc := locs[j+1]

			size, err := sizeLoc.decodeAsSize(pool)
			if err != nil {
				return nil, newFatalf(CategoryLocation, "decoding size for pair %d of record %d: %v", j/2, f.Record.PatchpointID, err).withPatchpoint(f.Record.PatchpointID)
			}
			if size > 64 {
				// 64 bytes is the largest live object size this system
				// tracks; a bigger decoded size means the pair
				// discipline was violated upstream.
				return nil, newFatalf(CategoryLocation, "decoded size %d exceeds the maximum tracked live-object size (64)", size)
			}

			var rv resolvedValue
			if valueLoc.Kind == LocConstIndex {
				rv, err = resolveConstIndex(valueLoc, pool, int(size))
			} else {
				rv, err = resolveLocation(valueLoc, &frames[fi].Registers, f.RealBasePointer, int(size), mem)
			}
			if err != nil {
				return nil, newFatalf(CategoryLocation, "extracting pair %d of record %d: %v", j/2, f.Record.PatchpointID, err).withPatchpoint(f.Record.PatchpointID)
			}
			vals = append(vals, extractedValue{bytes: rv.bytes})
		}
		out[fi] = vals
	}
	return out, nil
}

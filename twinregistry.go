// twinregistry.go - Build-time bookkeeping for patchpoint identifiers
package deopt

import (
	"fmt"
	"sort"
)

// TwinRegistry is the process-wide mapping from function name to the
// list of patchpoint IDs assigned within it, built up by the Checkpoint
// Insertion pass as it walks a module. The passes do not read it back
// when numbering a twin: the complemented IDs come from the ID list the
// pass returns for the sibling.
//
// It tracks function-to-IDs edges and the functions that received a
// twin, for reporting (PrintSummary).
type TwinRegistry struct {
	idsByFunction map[string][]int64
	entryPoints   map[string]bool
}

func NewTwinRegistry() *TwinRegistry {
	return &TwinRegistry{
		idsByFunction: make(map[string][]int64),
		entryPoints:   make(map[string]bool),
	}
}

// AddPatchpoint records that patchpoint id was assigned within
// funcName. The Checkpoint Insertion pass calls this once per
// numbered instrumentation point, in either member of a twin pair.
func (r *TwinRegistry) AddPatchpoint(funcName string, id int64) {
	r.idsByFunction[funcName] = append(r.idsByFunction[funcName], id)
}

// MarkEntry records funcName as an entry point. Twin Cloning calls it
// for every function it gives a twin.
func (r *TwinRegistry) MarkEntry(funcName string) {
	r.entryPoints[funcName] = true
}

// IDsFor returns the patchpoint IDs assigned within funcName, in
// insertion order.
func (r *TwinRegistry) IDsFor(funcName string) []int64 {
	return r.idsByFunction[funcName]
}

// Functions returns every function name with at least one recorded
// patchpoint, sorted for deterministic iteration.
func (r *TwinRegistry) Functions() []string {
	names := make([]string, 0, len(r.idsByFunction))
	for name := range r.idsByFunction {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PrintSummary reports per-function patchpoint counts.
func (r *TwinRegistry) PrintSummary() {
	fmt.Println("=== Patchpoint Registry ===")
	fmt.Println()

	fmt.Println("Entry Points:")
	entries := make([]string, 0, len(r.entryPoints))
	for name := range r.entryPoints {
		entries = append(entries, name)
	}
	sort.Strings(entries)
	for _, name := range entries {
		fmt.Printf(" - %s\n", name)
	}
	fmt.Println()

	for _, name := range r.Functions() {
		ids := r.idsByFunction[name]
		fmt.Printf(" %s: %d patchpoint(s)\n", name, len(ids))
		for _, id := range ids {
			fmt.Printf(" id=%d twin=%d\n", id, ^id)
		}
	}
}

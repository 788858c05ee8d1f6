// Command deopt-inspect loads a linked binary's side table and reports
// on its structure: load it from an ELF image and report on patchpoint
// records by ID or owning function, rather than executing anything.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/xyproto/deopt"
)

func main() {
	var (
		file   = flag.String("file", "", "path to the ELF image carrying .llvm_stackmaps")
		id     = flag.Int64("id", 0, "report the StackMapRecord for this patchpoint id")
		fn     = flag.String("fn", "", "report every record belonging to the function starting at this name's address")
		verify = flag.Bool("verify", false, "parse the side table and verify structural invariants, then exit")
	)
	flag.Parse()

	if *file == "" {
		fmt.Fprintln(os.Stderr, "usage: deopt-inspect -file <elf-image> [-id N | -fn NAME | -verify]")
		os.Exit(1)
	}

	if err := run(*file, *id, *fn, *verify); err != nil {
		fmt.Fprintln(os.Stderr, "deopt-inspect:", err)
		os.Exit(1)
	}
}

func run(path string, id int64, fn string, verify bool) error {
	locator, err := deopt.OpenSectionLocator(path)
	if err != nil {
		return err
	}
	defer locator.Close()

	data, err := locator.SectionBytes(".llvm_stackmaps")
	if err != nil {
		return err
	}

	st, err := deopt.ParseSideTable(data)
	if err != nil {
		return err
	}

	fmt.Printf("side table: version=%d functions=%d records=%d constants=%d\n",
		st.Version, len(st.SizeRecords), len(st.MapRecords), len(st.ConstantPool))

	if verify {
		return verifySideTable(st)
	}

	switch {
	case id != 0:
		rec, err := st.RecordForID(id)
		if err != nil {
			return err
		}
		printRecord(rec)

	case fn != "":
		addr, err := locator.SymbolStart(fn)
		if err != nil {
			return err
		}
		sizeRec, err := st.SizeRecordForFunctionStart(addr)
		if err != nil {
			return err
		}
		fmt.Printf("function %s at 0x%x: frame_size=%d records=%d\n",
			fn, sizeRec.FunctionStartAddress, sizeRec.FunctionFrameSize, sizeRec.RecordCount)
		for i := sizeRec.FirstRecordIndex; i < sizeRec.FirstRecordIndex+int(sizeRec.RecordCount); i++ {
			printRecord(&st.MapRecords[i])
		}

	default:
		for i := range st.MapRecords {
			printRecord(&st.MapRecords[i])
		}
	}

	return nil
}

func printRecord(rec *deopt.StackMapRecord) {
	fmt.Printf(" record id=%d twin=%d instr_offset=%d locations=%d live_outs=%d\n",
		rec.PatchpointID, ^rec.PatchpointID, rec.InstrOffset, len(rec.Locations), len(rec.LiveOuts))
}

// verifySideTable checks the table's structural invariants: every
// record has an even number of locations (the live-location pair
// discipline) and a resolvable twin.
func verifySideTable(st *deopt.SideTable) error {
	for i := range st.MapRecords {
		rec := &st.MapRecords[i]
		if len(rec.Locations)%2 != 0 {
			return fmt.Errorf("record id=%d has an odd number of locations (%d)", rec.PatchpointID, len(rec.Locations))
		}
		if _, err := st.RecordForID(^rec.PatchpointID); err != nil {
			return fmt.Errorf("record id=%d has no resolvable twin: %w", rec.PatchpointID, err)
		}
	}
	fmt.Println("verify: ok")
	return nil
}

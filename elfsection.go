package deopt

import (
	"debug/elf"
	"fmt"
)

// elfsection.go is the opposite direction of a linker's own section
// writer: a minimal reader of an already-linked binary, locating the
// side-table's home section.
//
// Unlike every other file in this package, this one is deliberately
// built on the standard library's debug/elf instead of a third-party
// package. Locating a named section in an ELF file and resolving it to
// a runtime address is explicitly a linker/loader's job, which is out
// of scope here; debug/elf exists precisely to answer "where is
// section X" without reimplementing one, and no library in this
// module's dependency graph does that job better than
// the standard library already does.

// SectionLocator resolves the side table's home section,
// ".llvm_stackmaps", to a load address within the running process.
type SectionLocator struct {
	f *elf.File
}

// OpenSectionLocator opens path (typically /proc/self/exe) for section
// lookups.
func OpenSectionLocator(path string) (*SectionLocator, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, newFatalf(CategorySideTable, "open ELF image %s: %v", path, err)
	}
	return &SectionLocator{f: f}, nil
}

func (sl *SectionLocator) Close() error { return sl.f.Close() }

// SectionStart returns the file-relative virtual address of the named
// section.
func (sl *SectionLocator) SectionStart(name string) (uint64, error) {
	sec := sl.f.Section(name)
	if sec == nil {
		return 0, newFatalf(CategorySideTable, "section %s not present in ELF image", name)
	}
	return sec.Addr, nil
}

// SectionBytes returns the raw, file-resident contents of the named
// section, which for ".llvm_stackmaps" is exactly the encoded side
// table ParseSideTable expects.
func (sl *SectionLocator) SectionBytes(name string) ([]byte, error) {
	sec := sl.f.Section(name)
	if sec == nil {
		return nil, newFatalf(CategorySideTable, "section %s not present in ELF image", name)
	}
	data, err := sec.Data()
	if err != nil {
		return nil, newFatalf(CategorySideTable, "read section %s: %v", name, err)
	}
	return data, nil
}

// SymbolStart returns the address of the symbol named name, e.g. a
// function's entry address as recorded in the ELF symbol table.
func (sl *SectionLocator) SymbolStart(name string) (uint64, error) {
	syms, err := sl.f.Symbols()
	if err != nil {
		return 0, newFatalf(CategorySideTable, "read ELF symbol table: %v", err)
	}
	for _, s := range syms {
		if s.Name == name {
			return s.Value, nil
		}
	}
	return 0, newFatalf(CategorySideTable, "symbol %s not found", name)
}

// SymbolEnd returns the address immediately past the symbol named
// name. The inlined-frame detector does not call it: inline.go bounds
// a function's instruction range by the next function's start address
// in the side table.
func (sl *SectionLocator) SymbolEnd(name string) (uint64, error) {
	syms, err := sl.f.Symbols()
	if err != nil {
		return 0, newFatalf(CategorySideTable, "read ELF symbol table: %v", err)
	}
	for _, s := range syms {
		if s.Name == name {
			return s.Value + s.Size, nil
		}
	}
	return 0, newFatalf(CategorySideTable, "symbol %s not found", name)
}

func (sl *SectionLocator) String() string {
	return fmt.Sprintf("SectionLocator(%s)", sl.f.FileHeader.Machine)
}

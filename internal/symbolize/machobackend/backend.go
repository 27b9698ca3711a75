// Package machobackend implements the Mach-O symbolication backend: thin
// binaries with an embedded __DWARF segment, fat/universal binaries (slice
// selected by host architecture), and linker output that defers its debug
// info to OSO-referenced .o object files.
package machobackend

import (
	"io"
	"runtime"
	"sort"

	dwarf "github.com/blacktop/go-dwarf"
	macho "github.com/blacktop/go-macho"

	"github.com/fathomsym/fixstacks/internal/symbolize/symtab"
)

// Opener recursively resolves a path through the same module cache the
// engine uses for top-level modules, letting OSO-referenced .o objects
// reuse the at-most-once-parse guarantee instead of being parsed ad hoc.
type Opener func(path string) (*symtab.SymbolTable, error)

// Mach-O CPU type constants (mach/machine.h); not re-exported under these
// names by every Mach-O library version, so declared directly.
const (
	cpuTypeX86_64 = 0x01000007
	cpuTypeI386   = 0x00000007
	cpuTypeARM64  = 0x0100000c
	cpuTypeARM    = 0x0000000c
)

// stab nlist type bytes (a.out stab(5)).
const (
	nOSO = 0x66
	nFUN = 0x24
)

// hostCPUType maps the running GOARCH to the Mach-O cpu_type_t that a fat
// slice must carry to be considered a host match.
func hostCPUType() uint32 {
	switch runtime.GOARCH {
	case "amd64":
		return cpuTypeX86_64
	case "386":
		return cpuTypeI386
	case "arm64":
		return cpuTypeARM64
	case "arm":
		return cpuTypeARM
	default:
		return 0
	}
}

// Parse opens path as a Mach-O module (thin or fat) and builds its symbol
// table. opener is used to recursively resolve OSO-referenced .o objects
// through the caller's module cache; it may be nil when such resolution is
// not required (plain thin binaries with embedded DWARF).
func Parse(path string, opener Opener) (*symtab.SymbolTable, error) {
	if fat, err := macho.OpenFat(path); err == nil {
		defer fat.Close()
		return parseFat(fat, opener)
	}

	f, err := macho.Open(path)
	if err != nil {
		return nil, symtab.ErrMalformedObject
	}
	defer f.Close()
	return parseThin(f, opener)
}

func parseFat(fat *macho.FatFile, opener Opener) (*symtab.SymbolTable, error) {
	if len(fat.Arches) == 0 {
		return nil, symtab.ErrArchUnavailable
	}

	want := hostCPUType()
	best := -1
	for i, arch := range fat.Arches {
		if uint32(arch.CPU) != want {
			continue
		}
		if best == -1 || arch.SubCPU > fat.Arches[best].SubCPU {
			best = i
		}
	}
	if best == -1 {
		best = 0
	}
	if want != 0 && !anyExactMatch(fat.Arches, want) {
		// No exact CPU-type match anywhere in the fat file: per spec this
		// is arch_unavailable rather than an arbitrary first-slice guess.
		return nil, symtab.ErrArchUnavailable
	}

	return parseThin(fat.Arches[best].File, opener)
}

func anyExactMatch(arches []macho.FatArch, want uint32) bool {
	for _, a := range arches {
		if uint32(a.CPU) == want {
			return true
		}
	}
	return false
}

func parseThin(f *macho.File, opener Opener) (*symtab.SymbolTable, error) {
	if d, err := f.DWARF(); err == nil {
		return buildFromDWARF(d)
	}

	if f.Symtab != nil {
		if st, err := buildFromOSO(f, opener); err == nil {
			return st, nil
		} else if err != symtab.ErrMissingDebugInfo {
			return nil, err
		}
	}

	return nil, symtab.ErrMissingDebugInfo
}

func buildFromDWARF(d *dwarf.Data) (*symtab.SymbolTable, error) {
	funcs := dwarfFuncs(d)
	lines := dwarfLines(d)
	if len(funcs) == 0 && lines == nil {
		return nil, symtab.ErrMissingDebugInfo
	}
	return &symtab.SymbolTable{Funcs: funcs, Lines: lines, Backend: symtab.BackendMachO}, nil
}

func dwarfFuncs(d *dwarf.Data) []symtab.FuncEntry {
	var out []symtab.FuncEntry
	r := d.Reader()
	for {
		ent, err := r.Next()
		if ent == nil || err != nil {
			break
		}
		if ent.Tag != dwarf.TagSubprogram {
			continue
		}
		name, ok := ent.Val(dwarf.AttrName).(string)
		if !ok {
			continue
		}
		low, ok := ent.Val(dwarf.AttrLowpc).(uint64)
		if !ok {
			continue
		}
		var high uint64
		switch hv := ent.Val(dwarf.AttrHighpc).(type) {
		case uint64:
			high = hv
		case int64:
			high = low + uint64(hv)
		default:
			continue
		}
		out = append(out, symtab.FuncEntry{Start: low, Size: high - low, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	symtab.FillMissingSizes(out)
	return out
}

func dwarfLines(d *dwarf.Data) *symtab.LineTable {
	lt := &symtab.LineTable{}
	fileIDs := make(map[string]int)
	fileID := func(name string) int {
		if id, ok := fileIDs[name]; ok {
			return id
		}
		id := len(lt.Files)
		lt.Files = append(lt.Files, name)
		fileIDs[name] = id
		return id
	}

	dr := d.Reader()
	for {
		ent, err := dr.Next()
		if ent == nil || err != nil {
			break
		}
		if ent.Tag != dwarf.TagCompileUnit {
			continue
		}
		lr, err := d.LineReader(ent)
		if err != nil || lr == nil {
			continue
		}
		for {
			var row dwarf.LineEntry
			if err := lr.Next(&row); err != nil {
				if err == io.EOF {
					break
				}
				break
			}
			if row.EndSequence {
				continue
			}
			name := ""
			if row.File != nil {
				name = row.File.Name
			}
			lt.Rows = append(lt.Rows, symtab.LineRow{Offset: row.Address, FileID: fileID(name), Line: row.Line})
		}
	}
	if len(lt.Rows) == 0 {
		return nil
	}
	sort.Slice(lt.Rows, func(i, j int) bool { return lt.Rows[i].Offset < lt.Rows[j].Offset })
	return lt
}

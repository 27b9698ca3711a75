package machobackend

import (
	"sort"
	"strings"

	"github.com/ianlancetaylor/demangle"

	macho "github.com/blacktop/go-macho"

	"github.com/fathomsym/fixstacks/internal/symbolize/symtab"
)

// stabPair is one N_FUN linked-address/size pair plus the OSO path it
// belongs to, read from the debug map the linker leaves in the symbol
// table when no DWARF is embedded in the final binary.
type stabPair struct {
	osoPath string
	name    string
	start   uint64
	size    uint64
}

// buildFromOSO reads N_OSO/N_FUN stab pairs from f's symbol table to
// recover function boundaries directly, then, for each referenced object
// file, opens it through opener to recover a line table and remaps its
// offsets into the linked address space.
func buildFromOSO(f *macho.File, opener Opener) (*symtab.SymbolTable, error) {
	if f.Symtab == nil {
		return nil, symtab.ErrMissingDebugInfo
	}

	pairs, oso, ok := scanStabs(f.Symtab.Syms)
	if !ok || len(pairs) == 0 {
		return nil, symtab.ErrMissingDebugInfo
	}

	return buildFromPairs(pairs, oso, opener)
}

// buildFromPairs turns stab pairs already scanned from a symbol table into a
// SymbolTable, recursing into each referenced object file through opener to
// recover and remap its line table. Split out from buildFromOSO so the
// name-matching/remap logic can be exercised without a real *macho.File.
func buildFromPairs(pairs []stabPair, oso []string, opener Opener) (*symtab.SymbolTable, error) {
	funcs := make([]symtab.FuncEntry, 0, len(pairs))
	for _, p := range pairs {
		funcs = append(funcs, symtab.FuncEntry{Start: p.start, Size: p.size, Name: demangle.Filter(p.name)})
	}
	sort.Slice(funcs, func(i, j int) bool { return funcs[i].Start < funcs[j].Start })

	lines := &symtab.LineTable{}
	fileIDs := make(map[string]int)
	fileID := func(name string) int {
		if id, ok := fileIDs[name]; ok {
			return id
		}
		id := len(lines.Files)
		lines.Files = append(lines.Files, name)
		fileIDs[name] = id
		return id
	}

	if opener != nil {
		for _, path := range oso {
			objTable, err := opener(path)
			if err != nil || objTable == nil {
				continue
			}
			byName := make(map[string]symtab.FuncEntry, len(objTable.Funcs))
			for _, fn := range objTable.Funcs {
				byName[fn.Name] = fn
			}

			for _, p := range pairs {
				if p.osoPath != path {
					continue
				}
				local, ok := byName[p.name]
				if !ok || objTable.Lines == nil {
					continue
				}
				delta := int64(p.start) - int64(local.Start)
				for _, row := range objTable.Lines.Rows {
					if row.Offset < local.Start || row.Offset >= local.End() {
						continue
					}
					linked := uint64(int64(row.Offset) + delta)
					name := objTable.Lines.FileAt(row.FileID)
					lines.Rows = append(lines.Rows, symtab.LineRow{
						Offset: linked,
						FileID: fileID(name),
						Line:   row.Line,
					})
				}
			}
		}
	}

	var lt *symtab.LineTable
	if len(lines.Rows) > 0 {
		sort.Slice(lines.Rows, func(i, j int) bool { return lines.Rows[i].Offset < lines.Rows[j].Offset })
		lt = lines
	}

	if len(funcs) == 0 {
		return nil, symtab.ErrMissingStabsTarget
	}

	return &symtab.SymbolTable{Funcs: funcs, Lines: lt, Backend: symtab.BackendMachO}, nil
}

// scanStabs walks the symbol table in order, pairing each named N_FUN
// (function start, linked address) with the following unnamed N_FUN
// (function size), attributing both to the most recently seen N_OSO
// object path.
func scanStabs(syms []macho.Symbol) ([]stabPair, []string, bool) {
	var pairs []stabPair
	var osoPaths []string
	seenOSO := make(map[string]bool)

	var currentOSO string
	var pending *stabPair

	for _, s := range syms {
		switch s.Type {
		case nOSO:
			currentOSO = s.Name
			if currentOSO != "" && !seenOSO[currentOSO] {
				seenOSO[currentOSO] = true
				osoPaths = append(osoPaths, currentOSO)
			}
			pending = nil
		case nFUN:
			if s.Name != "" {
				pending = &stabPair{osoPath: currentOSO, name: stripStabUnderscore(s.Name), start: s.Value}
			} else if pending != nil {
				pending.size = s.Value
				pairs = append(pairs, *pending)
				pending = nil
			}
		}
	}

	return pairs, osoPaths, len(osoPaths) > 0
}

// stripStabUnderscore removes the single leading underscore the Mach-O
// toolchain prepends to every C symbol's nlist name (the same convention
// debug/macho's own loader works around when reading symbol tables). A stab
// name stripped here matches both the DWARF DW_AT_name read from the
// referenced .o (which never carries the underscore) and the C++/Rust
// mangled forms demangle.Filter expects.
func stripStabUnderscore(name string) string {
	if strings.HasPrefix(name, "_") {
		return name[1:]
	}
	return name
}

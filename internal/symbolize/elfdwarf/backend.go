// Package elfdwarf parses an ELF module into a symtab.SymbolTable, walking
// DWARF debug info when present and falling back to the ELF symbol table
// otherwise.
package elfdwarf

import (
	"debug/dwarf"
	"debug/elf"
	"io"
	"sort"

	"github.com/ianlancetaylor/demangle"

	"github.com/fathomsym/fixstacks/internal/symbolize/symtab"
)

// AttrLinkageName is DW_AT_linkage_name, not exposed as a named constant by
// the debug/dwarf package.
const AttrLinkageName dwarf.Attr = 0x6e

// Parse opens path as an ELF file and builds its symbol table. DWARF is
// preferred; the raw symbol table is used only when no .debug_info (or
// .zdebug_info) section is present and the file has no .gnu_debuglink
// section. A binary that defers its debug info to a debuglink sidecar fails
// with ErrMissingDebugInfo; the sidecar is not followed.
func Parse(path string) (*symtab.SymbolTable, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, symtab.ErrMalformedObject
	}
	defer f.Close()

	if f.Section(".debug_info") != nil || f.Section(".zdebug_info") != nil {
		dwarfData, err := f.DWARF()
		if err != nil {
			return nil, symtab.ErrUnsupportedCompress
		}
		return buildFromDWARF(dwarfData)
	}

	if f.Section(".gnu_debuglink") != nil {
		return nil, symtab.ErrMissingDebugInfo
	}

	return buildFromSymtab(f)
}

func buildFromDWARF(d *dwarf.Data) (*symtab.SymbolTable, error) {
	funcs := dwarfFuncTable(d)
	lines := dwarfLineTable(d)
	inlines := dwarfInlineTable(d)

	if len(funcs) == 0 && lines == nil {
		return nil, symtab.ErrMissingDebugInfo
	}

	return &symtab.SymbolTable{
		Funcs:   funcs,
		Lines:   lines,
		Inlines: inlines,
		Backend: symtab.BackendELF,
	}, nil
}

func dwarfFuncTable(d *dwarf.Data) []symtab.FuncEntry {
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

		name, ok := ent.Val(AttrLinkageName).(string)
		if !ok {
			name, ok = ent.Val(dwarf.AttrName).(string)
			if !ok {
				continue
			}
		}
		name = demangle.Filter(name)

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

// dwarfInlineTable walks every DW_TAG_inlined_subroutine in d and resolves
// each to the name of the DW_TAG_subprogram its DW_AT_abstract_origin
// points at, recording nesting depth so SymbolTable.Lookup can prefer the
// innermost origin enclosing a queried offset, per the ELF+DWARF backend's
// inline-collapse requirement.
func dwarfInlineTable(d *dwarf.Data) []symtab.InlineEntry {
	origins := collectOriginNames(d)

	var out []symtab.InlineEntry
	var stack []dwarf.Tag
	inlineDepth := 0

	r := d.Reader()
	for {
		ent, err := r.Next()
		if err != nil {
			break
		}
		if ent == nil {
			break
		}
		if ent.Tag == 0 {
			if len(stack) > 0 {
				top := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				if top == dwarf.TagInlinedSubroutine {
					inlineDepth--
				}
			}
			continue
		}

		if ent.Tag == dwarf.TagInlinedSubroutine {
			low, lowOK := ent.Val(dwarf.AttrLowpc).(uint64)
			var high uint64
			highOK := false
			switch hv := ent.Val(dwarf.AttrHighpc).(type) {
			case uint64:
				high, highOK = hv, true
			case int64:
				high, highOK = low+uint64(hv), true
			}

			if lowOK && highOK {
				originOff, _ := ent.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset)
				callLine, _ := ent.Val(dwarf.AttrCallLine).(int64)
				out = append(out, symtab.InlineEntry{
					Start:    low,
					Size:     high - low,
					Depth:    inlineDepth,
					Name:     origins[originOff],
					CallLine: int(callLine),
				})
			}
		}

		if ent.Children {
			stack = append(stack, ent.Tag)
			if ent.Tag == dwarf.TagInlinedSubroutine {
				inlineDepth++
			}
		}
	}

	return out
}

// collectOriginNames maps every DW_TAG_subprogram's own offset to its
// (demangled) name, so a DW_TAG_inlined_subroutine's DW_AT_abstract_origin
// reference can be resolved to the inlined function's name.
func collectOriginNames(d *dwarf.Data) map[dwarf.Offset]string {
	out := make(map[dwarf.Offset]string)
	r := d.Reader()
	for {
		ent, err := r.Next()
		if ent == nil || err != nil {
			break
		}
		if ent.Tag != dwarf.TagSubprogram {
			continue
		}
		name, ok := ent.Val(AttrLinkageName).(string)
		if !ok {
			name, ok = ent.Val(dwarf.AttrName).(string)
		}
		if !ok {
			continue
		}
		out[ent.Offset] = demangle.Filter(name)
	}
	return out
}

func dwarfLineTable(d *dwarf.Data) *symtab.LineTable {
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
			lt.Rows = append(lt.Rows, symtab.LineRow{
				Offset: row.Address,
				FileID: fileID(name),
				Line:   row.Line,
			})
		}
	}

	if len(lt.Rows) == 0 {
		return nil
	}
	sort.Slice(lt.Rows, func(i, j int) bool { return lt.Rows[i].Offset < lt.Rows[j].Offset })
	return lt
}

func buildFromSymtab(f *elf.File) (*symtab.SymbolTable, error) {
	syms, err := f.Symbols()
	if err != nil {
		if err == elf.ErrNoSymbols {
			return nil, symtab.ErrMissingDebugInfo
		}
		return nil, symtab.ErrMalformedObject
	}

	var isReloc bool
	switch f.Type {
	case elf.ET_EXEC:
		isReloc = false
	case elf.ET_DYN:
		isReloc = true
	default:
		return nil, symtab.ErrMissingDebugInfo
	}

	var funcs []symtab.FuncEntry
	for _, sym := range syms {
		if elf.SymType(sym.Info&0xf) != elf.STT_FUNC || sym.Section == elf.SHN_UNDEF {
			continue
		}
		start := sym.Value
		if isReloc {
			if int(sym.Section) >= len(f.Sections) {
				continue
			}
			sec := f.Sections[sym.Section]
			start = start - sec.Addr + sec.Offset
		}
		funcs = append(funcs, symtab.FuncEntry{
			Start: start,
			Size:  sym.Size,
			Name:  demangle.Filter(sym.Name),
		})
	}

	if len(funcs) == 0 {
		return nil, symtab.ErrMissingDebugInfo
	}

	sort.Slice(funcs, func(i, j int) bool { return funcs[i].Start < funcs[j].Start })
	symtab.FillMissingSizes(funcs)

	return &symtab.SymbolTable{
		Funcs:   funcs,
		Backend: symtab.BackendELF,
	}, nil
}

// Package pepdb implements the PE + PDB symbolication backend: it reads a
// PE's embedded CodeView debug directory to locate its PDB, then parses
// that PDB's MSF container directly to recover function names and line
// tables.
package pepdb

import (
	"path/filepath"
	"sort"

	"github.com/saferwall/pe"

	"github.com/fathomsym/fixstacks/internal/symbolize/symtab"
)

// Parse opens path as a PE file, locates its companion PDB (at the absolute
// path recorded in the PE when that file exists, otherwise the file of the
// same base name beside the PE), and builds a symbol table from
// the PDB's DBI module list and per-module line subsections.
func Parse(path string) (*symtab.SymbolTable, error) {
	f, err := pe.New(path, &pe.Options{})
	if err != nil {
		return nil, symtab.ErrMalformedObject
	}
	defer f.Close()
	if err := f.Parse(); err != nil {
		return nil, symtab.ErrMalformedObject
	}

	cv, ok := findCodeViewPDB70(f)
	if !ok {
		return nil, symtab.ErrPDBNotFound
	}

	pdbPath := cv.PDBFileName
	if !filepath.IsAbs(pdbPath) {
		pdbPath = filepath.Join(filepath.Dir(path), filepath.Base(pdbPath))
	}

	pdbFile, size, err := openAt(pdbPath)
	if err != nil && filepath.IsAbs(cv.PDBFileName) {
		pdbFile, size, err = openAt(filepath.Join(filepath.Dir(path), filepath.Base(cv.PDBFileName)))
	}
	if err != nil {
		return nil, symtab.ErrPDBNotFound
	}
	defer pdbFile.Close()

	msf, err := readMSF(pdbFile, size)
	if err != nil {
		return nil, symtab.ErrMalformedObject
	}

	info, err := parsePDBInfo(msf.stream(1))
	if err != nil {
		return nil, symtab.ErrMalformedObject
	}
	if !pdbGUIDMatches(info, cv.Signature, cv.Age) {
		return nil, symtab.ErrPDBMismatch
	}

	dbiData := msf.stream(3)
	if dbiData == nil {
		return nil, symtab.ErrMissingDebugInfo
	}
	_, modules, err := parseDBI(dbiData)
	if err != nil {
		return nil, symtab.ErrMalformedObject
	}

	sections := peSections(f)

	var funcs []symtab.FuncEntry
	lines := &symtab.LineTable{}
	fileIDs := make(map[string]int)

	resolveName := func() func(chkOffset uint32, fileChk map[uint32]uint32) string {
		namesLookup := namesStreamStrings(msf.stream(int(namesStreamIndex(info))))
		return func(chkOffset uint32, fileChk map[uint32]uint32) string {
			nameOff, ok := fileChk[chkOffset]
			if !ok {
				return ""
			}
			return namesLookup(nameOff)
		}
	}()

	for _, mod := range modules {
		modData := msf.stream(int(mod.SymStream))
		if modData == nil {
			continue
		}
		mf := parseModuleStream(modData, mod.SymByteSize, mod.C11ByteSize, mod.C13ByteSize)

		for _, fn := range mf.funcs {
			segment := uint16(fn.Start >> 32)
			offset := uint32(fn.Start)
			rva, ok := segmentRVA(sections, segment, offset)
			if !ok {
				continue
			}
			funcs = append(funcs, symtab.FuncEntry{Start: rva, Name: fn.Name})
		}

		if len(mf.rows) > 0 {
			chk := fileChecksums(extractC13(modData, mod.SymByteSize, mod.C11ByteSize, mod.C13ByteSize))
			for _, row := range mf.rows {
				rva, ok := segmentRVA(sections, row.segment, row.offset)
				if !ok {
					continue
				}
				name := resolveName(row.fileChk, chk)
				id, ok := fileIDs[name]
				if !ok {
					id = len(lines.Files)
					lines.Files = append(lines.Files, name)
					fileIDs[name] = id
				}
				lines.Rows = append(lines.Rows, symtab.LineRow{Offset: rva, FileID: id, Line: row.line})
			}
		}
	}

	if len(funcs) == 0 {
		return nil, symtab.ErrMissingDebugInfo
	}

	sort.Slice(funcs, func(i, j int) bool { return funcs[i].Start < funcs[j].Start })
	symtab.FillMissingSizes(funcs)

	var lt *symtab.LineTable
	if len(lines.Rows) > 0 {
		sortLineRows(lines.Rows)
		lt = lines
	}

	return &symtab.SymbolTable{
		Funcs:   funcs,
		Lines:   lt,
		Backend: symtab.BackendPE,
	}, nil
}

type codeViewRef struct {
	Signature    [16]byte
	Age          uint32
	PDBFileName  string
}

// findCodeViewPDB70 scans the PE's debug directory for a CodeView RSDS
// (PDB 7.0) record; PDB 2.0 (NB10) binaries are not supported, matching
// the spec's scope.
func findCodeViewPDB70(f *pe.File) (codeViewRef, bool) {
	for _, d := range f.Debugs {
		info, ok := d.Info.(pe.CVInfoPDB70)
		if !ok {
			continue
		}
		var sig [16]byte
		g := info.Signature
		putGUID(&sig, g.Data1, g.Data2, g.Data3, g.Data4)
		return codeViewRef{Signature: sig, Age: info.Age, PDBFileName: info.PDBFileName}, true
	}
	return codeViewRef{}, false
}

func putGUID(out *[16]byte, d1 uint32, d2, d3 uint16, d4 [8]byte) {
	out[0] = byte(d1)
	out[1] = byte(d1 >> 8)
	out[2] = byte(d1 >> 16)
	out[3] = byte(d1 >> 24)
	out[4] = byte(d2)
	out[5] = byte(d2 >> 8)
	out[6] = byte(d3)
	out[7] = byte(d3 >> 8)
	copy(out[8:], d4[:])
}

func peSections(f *pe.File) []peSection {
	out := make([]peSection, 0, len(f.Sections))
	for _, s := range f.Sections {
		out = append(out, peSection{VirtualAddress: s.Header.VirtualAddress})
	}
	return out
}

func namesStreamIndex(info *pdbInfo) int {
	if info.namesStreamIndex >= 0 {
		return info.namesStreamIndex
	}
	return -1
}

// extractC13 slices out exactly the C13 line-subsection bytes from a
// module's private stream, mirroring the bounds parseModuleStream computed
// internally.
func extractC13(data []byte, symByteSize, c11Size, c13Size uint32) []byte {
	start := int(symByteSize) + int(c11Size)
	end := start + int(c13Size)
	if start < 0 || end > len(data) || start >= end {
		return nil
	}
	return data[start:end]
}

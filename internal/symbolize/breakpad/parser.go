// Package breakpad implements the Breakpad `.sym` text symbol file
// backend: a hand-written line-oriented parser in the idiom of the
// teacher's own text-format readers (bufio.Scanner, strings.Fields,
// sorted slice plus binary search), since no third-party Breakpad
// grammar library exists anywhere in the retrieved corpus.
package breakpad

import (
	"bufio"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/fathomsym/fixstacks/internal/symbolize/symtab"
)

// Parse reads a Breakpad .sym stream and builds a symbol table from its
// FUNC/line/PUBLIC records. Any grammar violation abandons the whole file;
// partial parses are never returned.
func Parse(r io.Reader) (*symtab.SymbolTable, error) {
	p := &parser{
		files:   make(map[int]string),
		origins: make(map[int]string),
	}
	if err := p.run(r); err != nil {
		return nil, err
	}

	if len(p.funcs) == 0 && len(p.publics) == 0 {
		return nil, symtab.ErrMissingDebugInfo
	}

	sort.Slice(p.funcs, func(i, j int) bool { return p.funcs[i].Start < p.funcs[j].Start })
	symtab.FillMissingSizes(p.funcs)
	sort.Slice(p.publics, func(i, j int) bool { return p.publics[i].Start < p.publics[j].Start })

	var lt *symtab.LineTable
	if len(p.rows) > 0 {
		sort.Slice(p.rows, func(i, j int) bool { return p.rows[i].Offset < p.rows[j].Offset })
		lt = &symtab.LineTable{Files: p.fileNames, Rows: p.rows}
	}

	sort.Slice(p.inlines, func(i, j int) bool { return p.inlines[i].Start < p.inlines[j].Start })

	return &symtab.SymbolTable{
		Funcs:   p.funcs,
		Lines:   lt,
		Publics: p.publics,
		Inlines: p.inlines,
		Backend: symtab.BackendBreakpad,
	}, nil
}

type parser struct {
	sawModule bool

	files     map[int]string
	fileNames []string
	fileIDs   map[int]int // breakpad FILE id -> LineTable.Files index

	origins map[int]string

	funcs       []symtab.FuncEntry
	publics     []symtab.FuncEntry
	rows        []symtab.LineRow
	inlines     []symtab.InlineEntry
	currentFunc int // index into funcs of the most recently opened FUNC, or -1
}

func (p *parser) run(r io.Reader) error {
	p.fileIDs = make(map[int]int)
	p.currentFunc = -1

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		if !p.sawModule {
			if !strings.HasPrefix(trimmed, "MODULE ") {
				return &symtab.MalformedLineError{Line: lineNo, Reason: "expected MODULE as first non-empty line"}
			}
			p.sawModule = true
			continue
		}

		fields := strings.Fields(trimmed)
		switch fields[0] {
		case "MODULE":
			return &symtab.MalformedLineError{Line: lineNo, Reason: "duplicate MODULE record"}
		case "FILE":
			if err := p.parseFile(fields, lineNo); err != nil {
				return err
			}
		case "INLINE_ORIGIN":
			if err := p.parseInlineOrigin(fields, lineNo); err != nil {
				return err
			}
		case "FUNC":
			if err := p.parseFunc(fields, lineNo); err != nil {
				return err
			}
		case "PUBLIC":
			if err := p.parsePublic(fields, lineNo); err != nil {
				return err
			}
		case "INLINE":
			if err := p.parseInline(fields, lineNo); err != nil {
				return err
			}
		case "STACK", "CFI":
			// Unwind data; irrelevant to symbol lookup.
		default:
			if err := p.parseLineRecord(fields, lineNo); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return &symtab.MalformedLineError{Line: lineNo, Reason: err.Error()}
	}
	if !p.sawModule {
		return &symtab.MalformedLineError{Line: 0, Reason: "empty file, no MODULE record"}
	}
	return nil
}

func (p *parser) parseFile(fields []string, lineNo int) error {
	if len(fields) < 3 {
		return &symtab.MalformedLineError{Line: lineNo, Reason: "FILE requires an id and a path"}
	}
	id, err := strconv.Atoi(fields[1])
	if err != nil {
		return &symtab.MalformedLineError{Line: lineNo, Reason: "FILE id is not an integer"}
	}
	path := cleanBreakpadPath(strings.Join(fields[2:], " "))
	p.files[id] = path
	return nil
}

func (p *parser) parseInlineOrigin(fields []string, lineNo int) error {
	if len(fields) < 3 {
		return &symtab.MalformedLineError{Line: lineNo, Reason: "INLINE_ORIGIN requires an id and a name"}
	}
	id, err := strconv.Atoi(fields[1])
	if err != nil {
		return &symtab.MalformedLineError{Line: lineNo, Reason: "INLINE_ORIGIN id is not an integer"}
	}
	p.origins[id] = strings.Join(fields[2:], " ")
	return nil
}

// parseFunc handles `FUNC [m] <addr> <size> <param_size> <name>`.
func (p *parser) parseFunc(fields []string, lineNo int) error {
	fields = fields[1:]
	if len(fields) > 0 && fields[0] == "m" {
		fields = fields[1:]
	}
	if len(fields) < 4 {
		return &symtab.MalformedLineError{Line: lineNo, Reason: "FUNC requires addr, size, param_size, name"}
	}
	addr, err := parseHex(fields[0])
	if err != nil {
		return &symtab.MalformedLineError{Line: lineNo, Reason: "FUNC address is not hex"}
	}
	size, err := parseHex(fields[1])
	if err != nil {
		return &symtab.MalformedLineError{Line: lineNo, Reason: "FUNC size is not hex"}
	}
	name := strings.Join(fields[3:], " ")

	p.funcs = append(p.funcs, symtab.FuncEntry{Start: addr, Size: size, Name: name})
	p.currentFunc = len(p.funcs) - 1
	return nil
}

// parsePublic handles `PUBLIC [m] <addr> <param_size> <name>`.
func (p *parser) parsePublic(fields []string, lineNo int) error {
	fields = fields[1:]
	if len(fields) > 0 && fields[0] == "m" {
		fields = fields[1:]
	}
	if len(fields) < 3 {
		return &symtab.MalformedLineError{Line: lineNo, Reason: "PUBLIC requires addr, param_size, name"}
	}
	addr, err := parseHex(fields[0])
	if err != nil {
		return &symtab.MalformedLineError{Line: lineNo, Reason: "PUBLIC address is not hex"}
	}
	name := strings.Join(fields[2:], " ")
	p.publics = append(p.publics, symtab.FuncEntry{Start: addr, Name: name})
	return nil
}

// parseInline handles
// `INLINE <depth> <call_site_line> <call_site_file_id> <origin_id> <addr_hex> <size_hex> [<addr_hex> <size_hex>]...`,
// emitting one InlineEntry per address range so that, per the returned
// name only ever coming from the innermost origin, Lookup can pick the
// range with the greatest depth covering a given offset.
func (p *parser) parseInline(fields []string, lineNo int) error {
	fields = fields[1:]
	if len(fields) < 6 || (len(fields)-4)%2 != 0 {
		return &symtab.MalformedLineError{Line: lineNo, Reason: "INLINE requires depth, call_site_line, call_site_file_id, origin_id, and at least one address/size range"}
	}

	depth, err := strconv.Atoi(fields[0])
	if err != nil {
		return &symtab.MalformedLineError{Line: lineNo, Reason: "INLINE depth is not an integer"}
	}
	callLine, err := strconv.Atoi(fields[1])
	if err != nil {
		return &symtab.MalformedLineError{Line: lineNo, Reason: "INLINE call_site_line is not an integer"}
	}
	callFileID, err := strconv.Atoi(fields[2])
	if err != nil {
		return &symtab.MalformedLineError{Line: lineNo, Reason: "INLINE call_site_file_id is not an integer"}
	}
	originID, err := strconv.Atoi(fields[3])
	if err != nil {
		return &symtab.MalformedLineError{Line: lineNo, Reason: "INLINE origin_id is not an integer"}
	}

	name := p.origins[originID]
	callFile := p.files[callFileID]

	for i := 4; i+1 < len(fields); i += 2 {
		addr, err := parseHex(fields[i])
		if err != nil {
			return &symtab.MalformedLineError{Line: lineNo, Reason: "INLINE range address is not hex"}
		}
		size, err := parseHex(fields[i+1])
		if err != nil {
			return &symtab.MalformedLineError{Line: lineNo, Reason: "INLINE range size is not hex"}
		}
		p.inlines = append(p.inlines, symtab.InlineEntry{
			Start:    addr,
			Size:     size,
			Depth:    depth,
			Name:     name,
			CallFile: callFile,
			CallLine: callLine,
		})
	}
	return nil
}

// parseLineRecord handles a bare `<addr> <size> <line> <file_id>` row,
// attributed to the most recently opened FUNC.
func (p *parser) parseLineRecord(fields []string, lineNo int) error {
	if p.currentFunc < 0 {
		return &symtab.MalformedLineError{Line: lineNo, Reason: "line record outside any FUNC"}
	}
	if len(fields) != 4 {
		return &symtab.MalformedLineError{Line: lineNo, Reason: "line record requires addr, size, line, file_id"}
	}
	addr, err := parseHex(fields[0])
	if err != nil {
		return &symtab.MalformedLineError{Line: lineNo, Reason: "line record address is not hex"}
	}
	lineNum, err := strconv.Atoi(fields[2])
	if err != nil {
		return &symtab.MalformedLineError{Line: lineNo, Reason: "line number is not an integer"}
	}
	fileID, err := strconv.Atoi(fields[3])
	if err != nil {
		return &symtab.MalformedLineError{Line: lineNo, Reason: "file id is not an integer"}
	}

	path := p.files[fileID]
	idx, ok := p.fileIDs[fileID]
	if !ok {
		idx = len(p.fileNames)
		p.fileNames = append(p.fileNames, path)
		p.fileIDs[fileID] = idx
	}

	p.rows = append(p.rows, symtab.LineRow{Offset: addr, FileID: idx, Line: lineNum})
	return nil
}

func parseHex(s string) (uint64, error) {
	return strconv.ParseUint(s, 16, 64)
}

// cleanBreakpadPath strips the Breakpad-Firefox "<prefix>:<rev>:" path
// decoration (e.g. "hg:hg.mozilla.org/mozilla-central:js/src/vm/Stack.cpp:abcd1234")
// down to the bare source path when the stripped suffix still names a file.
func cleanBreakpadPath(raw string) string {
	parts := strings.Split(raw, ":")
	if len(parts) < 4 {
		return raw
	}
	// <vcs>:<repo>:<path>:<rev>
	candidate := strings.Join(parts[2:len(parts)-1], ":")
	if candidate == "" {
		return raw
	}
	return candidate
}

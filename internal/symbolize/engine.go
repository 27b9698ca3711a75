// Package symbolize implements the stack-frame symbolication engine: a
// module cache that parses each referenced binary at most once, dispatching
// by format probe to the ELF+DWARF, PE+PDB, Mach-O, and Breakpad backends.
package symbolize

import (
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	fserrors "github.com/fathomsym/fixstacks/internal/errors"
	"github.com/fathomsym/fixstacks/internal/symbolize/breakpad"
	"github.com/fathomsym/fixstacks/internal/symbolize/elfdwarf"
	"github.com/fathomsym/fixstacks/internal/symbolize/machobackend"
	"github.com/fathomsym/fixstacks/internal/symbolize/pepdb"
	"github.com/fathomsym/fixstacks/internal/symbolize/probe"
	"github.com/fathomsym/fixstacks/internal/symbolize/symtab"
)

// probeReadLimit bounds how much of a candidate module is read for format
// sniffing; comfortably larger than any probe needs (a 64-arch fat header is
// at most a few KB) without loading the whole file just to classify it.
const probeReadLimit = 64 * 1024

// Engine is the symbolication façade: it owns the module cache and
// dispatches (path, offset) queries to the right backend, absorbing every
// backend/probe/cache error into NotFound per the engine's error policy.
type Engine struct {
	cache  *moduleCache
	remap  symtab.RemapRule
	logger zerolog.Logger

	breakpadDir    string
	breakpadFileID string
}

// NewEngine returns a ready Engine with an empty module cache. logger is
// used as given; callers tag it with a component field (see
// logging.NewWithComponent) before constructing the Engine.
func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{cache: newModuleCache(), logger: logger}
}

// SetRemap configures the --local retry policy: when a module path from
// input cannot be opened directly, the engine retries under
// filepath.Join(rule.Dir, filepath.Base(path)).
func (e *Engine) SetRemap(rule symtab.RemapRule) {
	e.remap = rule
}

// SetBreakpadResolver switches the engine into Breakpad mode: every module
// path is resolved to dir/<basename>/<UUID>/<basename>.sym, where UUID comes
// from invoking fileidPath on the original file.
func (e *Engine) SetBreakpadResolver(dir, fileidPath string) {
	e.breakpadDir = dir
	e.breakpadFileID = fileidPath
}

// Resolve answers a single (module_path, offset) query. Any failure —
// unreadable file, unrecognized format, malformed object, missing debug
// info — is absorbed into a NotFound result; the caller never observes the
// underlying error kind, per the engine's error-handling policy.
func (e *Engine) Resolve(path string, offset uint64) (symtab.Resolution, bool) {
	table, err := e.cache.resolve(path, func() (*symtab.SymbolTable, error) {
		table, err := e.parseModule(path)
		if err != nil {
			e.logger.Warn().Str("module", path).Err(err).Msg("module symbolication failed")
		}
		return table, err
	})
	if err != nil {
		return symtab.Resolution{}, false
	}
	if table == nil {
		return symtab.Resolution{}, false
	}
	return table.Lookup(offset)
}

// ParseCount exposes the cache's parse counter for at-most-once-parse tests.
func (e *Engine) ParseCount() int {
	return e.cache.ParseCount()
}

func (e *Engine) parseModule(path string) (*symtab.SymbolTable, error) {
	if e.breakpadDir != "" {
		symPath, err := e.resolveBreakpadPath(path)
		if err != nil {
			return nil, err
		}
		return breakpad.ParseFile(symPath)
	}

	resolved, data, err := e.openForProbe(path)
	if err != nil {
		return nil, err
	}

	format, err := probe.Detect(data)
	if err != nil {
		return nil, err
	}

	switch format {
	case probe.FormatELF:
		return elfdwarf.Parse(resolved)
	case probe.FormatPE:
		return pepdb.Parse(resolved)
	case probe.FormatMachO:
		return machobackend.Parse(resolved, e.openerFor())
	case probe.FormatBreakpad:
		return breakpad.ParseFile(resolved)
	default:
		return nil, symtab.ErrUnknownFormat
	}
}

// openForProbe reads the leading bytes of path for format sniffing, retrying
// under the --local remap directory if the original path does not open and a
// remap rule is configured. It returns the path that actually opened.
func (e *Engine) openForProbe(path string) (string, []byte, error) {
	data, err := e.readPrefix(path)
	if err == nil {
		return path, data, nil
	}
	if !e.remap.Enabled() {
		return "", nil, symtab.ErrIO
	}

	alt := filepath.Join(e.remap.Dir, filepath.Base(path))
	data, err = e.readPrefix(alt)
	if err != nil {
		return "", nil, symtab.ErrIO
	}
	return alt, data, nil
}

func (e *Engine) readPrefix(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fserrors.DeferClose(e.logger, f, "failed to close probed module file")
	return io.ReadAll(io.LimitReader(f, probeReadLimit))
}

// openerFor builds the machobackend.Opener the Mach-O backend uses to
// recursively resolve OSO-referenced .o objects through this same cache,
// giving them the same at-most-once-parse guarantee as top-level modules.
func (e *Engine) openerFor() machobackend.Opener {
	return func(objPath string) (*symtab.SymbolTable, error) {
		table, err := e.cache.resolve(objPath, func() (*symtab.SymbolTable, error) {
			return e.parseModule(objPath)
		})
		return table, err
	}
}

// resolveBreakpadPath computes dir/<basename>/<UUID>/<basename>.sym for path,
// invoking the configured fileid helper to obtain the UUID.
func (e *Engine) resolveBreakpadPath(path string) (string, error) {
	base := filepath.Base(path)

	out, err := exec.Command(e.breakpadFileID, path).Output()
	if err != nil {
		return "", symtab.ErrIO
	}

	id, err := uuid.Parse(strings.TrimSpace(string(out)))
	if err != nil {
		return "", symtab.ErrIO
	}

	return filepath.Join(e.breakpadDir, base, id.String(), base+".sym"), nil
}

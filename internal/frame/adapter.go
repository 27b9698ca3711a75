// Package frame implements the frame-rewrite adapter: the thin boundary
// between the line-processing loop and the symbolication engine. It finds
// `[<path> +0x<hex>]` tokens in a line, resolves each through the engine,
// and substitutes the best available rendering.
package frame

import (
	"bufio"
	"io"
	"regexp"
	"strconv"

	"github.com/fathomsym/fixstacks/internal/symbolize"
	"github.com/fathomsym/fixstacks/internal/symbolize/symtab"
)

// frameToken matches an optional "???" placeholder immediately followed by
// "[<path> +0x<hex>]". The path is any run of non-']' characters.
var frameToken = regexp.MustCompile(`(\?\?\?)?\[([^\]]+) \+0x([0-9a-fA-F]+)\]`)

// Rewrite replaces every frame token in line with its resolved rendering,
// leaving surrounding text untouched. A line with no token is returned
// byte-identical, satisfying the passthrough invariant.
func Rewrite(line string, engine *symbolize.Engine) string {
	return frameToken.ReplaceAllStringFunc(line, func(match string) string {
		groups := frameToken.FindStringSubmatch(match)
		path := groups[2]
		offset, err := strconv.ParseUint(groups[3], 16, 64)
		if err != nil {
			return match
		}
		return render(engine, path, offset, match)
	})
}

// render resolves (path, offset) and formats the best available rendering.
// Native backends render "<function> (<file>:<line>)"; Breakpad renders
// "<function> [<file>:<line>]". Missing components degrade gracefully: an
// unresolved module passes its original bracketed token through unchanged
// (orig) rather than reconstructing it, so hex case/padding in the input is
// preserved byte-for-byte; a missing file/line omits the trailing group
// entirely rather than dropping the function name.
func render(engine *symbolize.Engine, path string, offset uint64, orig string) string {
	res, ok := engine.Resolve(path, offset)
	if !ok {
		return orig
	}

	fn := res.Function
	if fn == "" {
		fn = "???"
	}

	if res.File == "" || res.Line <= 0 {
		return fn
	}

	lp, rp := "(", ")"
	if res.Backend == symtab.BackendBreakpad {
		lp, rp = "[", "]"
	}
	return fn + " " + lp + res.File + ":" + strconv.Itoa(res.Line) + rp
}

// RewriteLines reads lines from r, rewrites each through the engine, and
// writes the result to w, preserving input order. Non-frame lines pass
// through byte-identical; only stdin/stdout I/O failures are returned.
func RewriteLines(r io.Reader, w io.Writer, engine *symbolize.Engine) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	out := bufio.NewWriter(w)
	defer out.Flush()

	for scanner.Scan() {
		rewritten := Rewrite(scanner.Text(), engine)
		if _, err := out.WriteString(rewritten); err != nil {
			return err
		}
		if _, err := out.WriteString("\n"); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return out.Flush()
}


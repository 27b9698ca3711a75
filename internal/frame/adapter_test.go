package frame

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathomsym/fixstacks/internal/symbolize"
)

const adapterSampleSym = `MODULE Linux x86_64 000000000000000000000000000000000 lib1.so
FILE 0 lib1.c
FUNC 1000 20 0 main
1000 10 24 0
`

func TestRewrite_PassthroughWhenNoFrameToken(t *testing.T) {
	e := symbolize.NewEngine(zerolog.Nop())
	line := `this line has no frame token at all`
	assert.Equal(t, line, Rewrite(line, e))
}

func TestRewrite_UnknownFilePassesBracketedFormThrough(t *testing.T) {
	e := symbolize.NewEngine(zerolog.Nop())
	line := `#06: ???[tests/does-not-exist +0x0]`
	assert.Equal(t, line, Rewrite(line, e))
}

func TestRewrite_ResolvesBreakpadFrame(t *testing.T) {
	dir := t.TempDir()
	symPath := filepath.Join(dir, "lib1.sym")
	require.NoError(t, os.WriteFile(symPath, []byte(adapterSampleSym), 0o644))

	e := symbolize.NewEngine(zerolog.Nop())
	line := "#05: ???[" + symPath + " +0x1005]"
	got := Rewrite(line, e)
	assert.Equal(t, "#05: main [lib1.c:24]", got)
}

func TestRewrite_PreservesSurroundingText(t *testing.T) {
	dir := t.TempDir()
	symPath := filepath.Join(dir, "lib1.sym")
	require.NoError(t, os.WriteFile(symPath, []byte(adapterSampleSym), 0o644))

	e := symbolize.NewEngine(zerolog.Nop())
	line := "prefix-text ???[" + symPath + " +0x1005] suffix-text"
	got := Rewrite(line, e)
	assert.True(t, strings.HasPrefix(got, "prefix-text "))
	assert.True(t, strings.HasSuffix(got, " suffix-text"))
}

func TestRewriteLines_PreservesOrderAndPassthrough(t *testing.T) {
	e := symbolize.NewEngine(zerolog.Nop())
	input := "line one\nline two\nline three\n"
	var out bytes.Buffer

	require.NoError(t, RewriteLines(strings.NewReader(input), &out, e))
	assert.Equal(t, input, out.String())
}

package elfdwarf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fathomsym/fixstacks/internal/symbolize/symtab"
)

func TestParse_NotAnELFFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notelf.bin")
	assert.NoError(t, os.WriteFile(path, []byte("not an elf file"), 0o644))

	_, err := Parse(path)
	assert.ErrorIs(t, err, symtab.ErrMalformedObject)
}

func TestParse_MissingFile(t *testing.T) {
	_, err := Parse(filepath.Join(t.TempDir(), "does-not-exist"))
	assert.ErrorIs(t, err, symtab.ErrMalformedObject)
}

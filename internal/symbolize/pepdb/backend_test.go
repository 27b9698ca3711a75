package pepdb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fathomsym/fixstacks/internal/symbolize/symtab"
)

func TestParse_NotAPEFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notpe.bin")
	assert.NoError(t, os.WriteFile(path, []byte("not a pe file"), 0o644))

	_, err := Parse(path)
	assert.ErrorIs(t, err, symtab.ErrMalformedObject)
}

func TestParse_MissingFile(t *testing.T) {
	_, err := Parse(filepath.Join(t.TempDir(), "does-not-exist.exe"))
	assert.ErrorIs(t, err, symtab.ErrMalformedObject)
}

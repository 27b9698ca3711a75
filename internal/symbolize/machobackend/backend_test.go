package machobackend

import (
	"os"
	"path/filepath"
	"testing"

	macho "github.com/blacktop/go-macho"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathomsym/fixstacks/internal/symbolize/symtab"
)

func TestParse_NotAMachOFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notmacho.bin")
	require.NoError(t, os.WriteFile(path, []byte("not a macho file"), 0o644))

	_, err := Parse(path, nil)
	assert.ErrorIs(t, err, symtab.ErrMalformedObject)
}

func TestParse_MissingFile(t *testing.T) {
	_, err := Parse(filepath.Join(t.TempDir(), "does-not-exist"), nil)
	assert.ErrorIs(t, err, symtab.ErrMalformedObject)
}

func TestScanStabs_PairsFunAndSize(t *testing.T) {
	syms := []macho.Symbol{
		{Name: "/tmp/build/lib1.o", Type: nOSO, Value: 0},
		{Name: "_lib1_A", Type: nFUN, Value: 0x1000},
		{Name: "", Type: nFUN, Value: 0x20},
		{Name: "/tmp/build/lib2.o", Type: nOSO, Value: 0},
		{Name: "_lib2_B", Type: nFUN, Value: 0x2000},
		{Name: "", Type: nFUN, Value: 0x40},
	}

	pairs, oso, ok := scanStabs(syms)
	require.True(t, ok)
	require.Len(t, pairs, 2)
	require.Equal(t, []string{"/tmp/build/lib1.o", "/tmp/build/lib2.o"}, oso)

	assert.Equal(t, "/tmp/build/lib1.o", pairs[0].osoPath)
	assert.Equal(t, "lib1_A", pairs[0].name)
	assert.Equal(t, uint64(0x1000), pairs[0].start)
	assert.Equal(t, uint64(0x20), pairs[0].size)

	assert.Equal(t, "/tmp/build/lib2.o", pairs[1].osoPath)
	assert.Equal(t, uint64(0x2000), pairs[1].start)
	assert.Equal(t, uint64(0x40), pairs[1].size)
}

func TestScanStabs_NoOSOIsNotOK(t *testing.T) {
	_, _, ok := scanStabs([]macho.Symbol{{Name: "_f", Type: nFUN, Value: 0x10}})
	assert.False(t, ok)
}

func TestScanStabs_UnterminatedFunIsDropped(t *testing.T) {
	syms := []macho.Symbol{
		{Name: "/tmp/build/lib1.o", Type: nOSO, Value: 0},
		{Name: "_lib1_A", Type: nFUN, Value: 0x1000},
	}
	pairs, _, ok := scanStabs(syms)
	assert.True(t, ok)
	assert.Empty(t, pairs)
}

func TestStripStabUnderscore(t *testing.T) {
	assert.Equal(t, "lib1_B", stripStabUnderscore("_lib1_B"))
	assert.Equal(t, "already_bare", stripStabUnderscore("already_bare"))
	assert.Equal(t, "", stripStabUnderscore(""))
}

// TestBuildFromPairs_MatchesStrippedNameAgainstObjectDWARF drives the
// leading-underscore stripping all the way through name-matching: the
// object's own table (standing in for DWARF read from the referenced .o) is
// keyed by the bare C name, the same as a real .o's DW_AT_name would be, and
// the remap must find it even though the stab itself carries "_lib1_B".
func TestBuildFromPairs_MatchesStrippedNameAgainstObjectDWARF(t *testing.T) {
	pairs := []stabPair{
		{osoPath: "/tmp/build/lib1.o", name: stripStabUnderscore("_lib1_B"), start: 0x4000, size: 0x10},
	}
	oso := []string{"/tmp/build/lib1.o"}

	objTable := &symtab.SymbolTable{
		Funcs: []symtab.FuncEntry{{Start: 0x10, Size: 0x10, Name: "lib1_B"}},
		Lines: &symtab.LineTable{
			Files: []string{"tests/mac-lib1.c"},
			Rows: []symtab.LineRow{
				{Offset: 0x10, FileID: 0, Line: 17},
				{Offset: 0x18, FileID: 0, Line: 18},
			},
		},
	}

	opener := func(path string) (*symtab.SymbolTable, error) {
		require.Equal(t, "/tmp/build/lib1.o", path)
		return objTable, nil
	}

	table, err := buildFromPairs(pairs, oso, opener)
	require.NoError(t, err)
	require.Len(t, table.Funcs, 1)
	assert.Equal(t, "lib1_B", table.Funcs[0].Name)

	require.NotNil(t, table.Lines)
	require.Len(t, table.Lines.Rows, 2)
	assert.Equal(t, uint64(0x4000), table.Lines.Rows[0].Offset)
	assert.Equal(t, 17, table.Lines.Rows[0].Line)
	assert.Equal(t, "tests/mac-lib1.c", table.Lines.FileAt(table.Lines.Rows[0].FileID))
}

func TestBuildFromPairs_NoOpenerStillReturnsFuncs(t *testing.T) {
	pairs := []stabPair{{osoPath: "/tmp/build/lib1.o", name: "lib1_B", start: 0x4000, size: 0x10}}
	table, err := buildFromPairs(pairs, []string{"/tmp/build/lib1.o"}, nil)
	require.NoError(t, err)
	require.Len(t, table.Funcs, 1)
	assert.Nil(t, table.Lines)
}

package symbolize

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathomsym/fixstacks/internal/symbolize/symtab"
)

func TestModuleCache_ParsesAtMostOnce(t *testing.T) {
	c := newModuleCache()
	var calls int32

	parse := func() (*symtab.SymbolTable, error) {
		atomic.AddInt32(&calls, 1)
		return &symtab.SymbolTable{Backend: symtab.BackendELF}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.resolve("/bin/app", parse)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 1, c.ParseCount())
}

func TestModuleCache_StickyFailure(t *testing.T) {
	c := newModuleCache()
	wantErr := errors.New("boom")
	var calls int

	parse := func() (*symtab.SymbolTable, error) {
		calls++
		return nil, wantErr
	}

	_, err := c.resolve("/bin/broken", parse)
	require.ErrorIs(t, err, wantErr)

	_, err = c.resolve("/bin/broken", parse)
	require.ErrorIs(t, err, wantErr)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, c.ParseCount())
}

func TestModuleCache_DistinctPathSpellingsAreIndependent(t *testing.T) {
	c := newModuleCache()
	parse := func() (*symtab.SymbolTable, error) {
		return &symtab.SymbolTable{Backend: symtab.BackendELF}, nil
	}

	_, _ = c.resolve("./app", parse)
	_, _ = c.resolve("app", parse)

	assert.Equal(t, 2, c.ParseCount())
}

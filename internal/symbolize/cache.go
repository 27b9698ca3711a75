package symbolize

import (
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/fathomsym/fixstacks/internal/symbolize/symtab"
)

// moduleRecord is the cache's unit of storage: either a parsed symbol table
// or a sticky failure, never both, never re-attempted once set.
type moduleRecord struct {
	table *symtab.SymbolTable
	err   error
}

// moduleCache guarantees each distinct path string is handed to a backend
// parser at most once for the life of the process. It keys on the path as
// observed, not on inode, per the accepted-redundancy decision: two spellings
// of the same file produce two independent records.
type moduleCache struct {
	mu      sync.RWMutex
	records map[string]moduleRecord
	group   singleflight.Group

	parseCount int // number of times parseFn actually ran; test-only observability
}

func newModuleCache() *moduleCache {
	return &moduleCache{records: make(map[string]moduleRecord)}
}

// resolve returns the cached record for path, parsing it through parseFn on
// first access. Concurrent callers for the same path coalesce onto a single
// parseFn invocation via singleflight; the result (success or failure) is
// installed atomically with respect to any concurrent observer.
func (c *moduleCache) resolve(path string, parseFn func() (*symtab.SymbolTable, error)) (*symtab.SymbolTable, error) {
	c.mu.RLock()
	rec, ok := c.records[path]
	c.mu.RUnlock()
	if ok {
		return rec.table, rec.err
	}

	v, _, _ := c.group.Do(path, func() (interface{}, error) {
		c.mu.RLock()
		rec, ok := c.records[path]
		c.mu.RUnlock()
		if ok {
			return rec, nil
		}

		table, err := parseFn()
		c.parseCountInc()

		rec = moduleRecord{table: table, err: err}
		c.mu.Lock()
		c.records[path] = rec
		c.mu.Unlock()
		return rec, nil
	})

	rec = v.(moduleRecord)
	return rec.table, rec.err
}

func (c *moduleCache) parseCountInc() {
	c.mu.Lock()
	c.parseCount++
	c.mu.Unlock()
}

// ParseCount returns the number of times a module was actually handed to a
// backend parser, for exercising the at-most-once-parse invariant in tests.
func (c *moduleCache) ParseCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.parseCount
}

package breakpad

import (
	"os"

	"github.com/fathomsym/fixstacks/internal/symbolize/symtab"
)

// ParseFile opens path as a Breakpad .sym file and parses it.
func ParseFile(path string) (*symtab.SymbolTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, symtab.ErrIO
	}
	defer f.Close()
	return Parse(f)
}

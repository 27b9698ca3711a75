package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBreakpadFlag_Valid(t *testing.T) {
	dir, fileidPath, err := parseBreakpadFlag("/symbols,/usr/local/bin/fileid")
	require.NoError(t, err)
	assert.Equal(t, "/symbols", dir)
	assert.Equal(t, "/usr/local/bin/fileid", fileidPath)
}

func TestParseBreakpadFlag_ValueContainsComma(t *testing.T) {
	// SplitN(..., 2) keeps the split to the first comma, so a fileid path
	// containing its own comma survives intact in the second half.
	dir, fileidPath, err := parseBreakpadFlag("/symbols,/opt/a,b/fileid")
	require.NoError(t, err)
	assert.Equal(t, "/symbols", dir)
	assert.Equal(t, "/opt/a,b/fileid", fileidPath)
}

func TestParseBreakpadFlag_MissingComma(t *testing.T) {
	_, _, err := parseBreakpadFlag("/symbols")
	require.Error(t, err)
}

func TestParseBreakpadFlag_EmptyDir(t *testing.T) {
	_, _, err := parseBreakpadFlag(",/usr/local/bin/fileid")
	require.Error(t, err)
}

func TestParseBreakpadFlag_EmptyFileIDPath(t *testing.T) {
	_, _, err := parseBreakpadFlag("/symbols,")
	require.Error(t, err)
}

func TestParseBreakpadFlag_Empty(t *testing.T) {
	_, _, err := parseBreakpadFlag("")
	require.Error(t, err)
}

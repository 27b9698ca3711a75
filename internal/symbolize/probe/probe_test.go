package probe

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathomsym/fixstacks/internal/symbolize/symtab"
)

func TestDetectELF(t *testing.T) {
	data := append([]byte{0x7f, 'E', 'L', 'F'}, make([]byte, 60)...)
	f, err := Detect(data)
	require.NoError(t, err)
	assert.Equal(t, FormatELF, f)
}

func buildPE(lfanew uint32) []byte {
	data := make([]byte, lfanew+4)
	data[0] = 'M'
	data[1] = 'Z'
	binary.LittleEndian.PutUint32(data[0x3c:0x40], lfanew)
	copy(data[lfanew:], []byte{'P', 'E', 0, 0})
	return data
}

func TestDetectPE(t *testing.T) {
	f, err := Detect(buildPE(0x80))
	require.NoError(t, err)
	assert.Equal(t, FormatPE, f)
}

func TestDetectPE_TruncatedLfanew(t *testing.T) {
	data := []byte{'M', 'Z'}
	_, err := Detect(data)
	assert.ErrorIs(t, err, symtab.ErrUnknownFormat)
}

func TestDetectMachOThin64LE(t *testing.T) {
	data := append([]byte{0xcf, 0xfa, 0xed, 0xfe}, make([]byte, 28)...)
	f, err := Detect(data)
	require.NoError(t, err)
	assert.Equal(t, FormatMachO, f)
}

func TestDetectMachOFat(t *testing.T) {
	data := []byte{0xca, 0xfe, 0xba, 0xbe, 0, 0, 0, 2}
	f, err := Detect(data)
	require.NoError(t, err)
	assert.Equal(t, FormatMachO, f)
}

func TestDetectMachOFat_InsaneArchCount(t *testing.T) {
	data := []byte{0xca, 0xfe, 0xba, 0xbe, 0xff, 0xff, 0xff, 0xff}
	_, err := Detect(data)
	assert.ErrorIs(t, err, symtab.ErrUnknownFormat)
}

func TestDetectBreakpad(t *testing.T) {
	data := []byte("MODULE Linux x86_64 000000000000000000000000000000000 libfoo.so\nFUNC 0 1 0 main\n")
	f, err := Detect(data)
	require.NoError(t, err)
	assert.Equal(t, FormatBreakpad, f)
}

func TestDetectBreakpad_BlankLinesSkipped(t *testing.T) {
	data := []byte("\n\nMODULE Linux x86_64 0 libfoo.so\n")
	f, err := Detect(data)
	require.NoError(t, err)
	assert.Equal(t, FormatBreakpad, f)
}

func TestDetectUnknown(t *testing.T) {
	_, err := Detect([]byte("not a binary"))
	assert.ErrorIs(t, err, symtab.ErrUnknownFormat)
}

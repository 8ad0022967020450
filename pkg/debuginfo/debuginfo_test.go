package debuginfo

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/symcache/symcache"
)

// inlineFrames holds the expected inline chains of testdata/inline.c, innermost first.
var inlineFrames = []struct {
	addr   uint64
	frames []string
}{
	{0x1020, []string{"main /src/inline.c:20"}},
	{0x1024, []string{"main /src/inline.c:20"}},
	{0x1120, []string{"leaf /src/inline.c:4", "middle /src/inline.c:9", "outer /src/inline.c:14"}},
	{0x1129, []string{"leaf /src/inline.c:4", "middle /src/inline.c:9", "outer /src/inline.c:14"}},
	{0x112a, []string{"leaf /src/inline.c:4", "middle /src/inline.c:10", "outer /src/inline.c:14"}},
	{0x112c, []string{"middle /src/inline.c:10", "outer /src/inline.c:14"}},
	{0x112e, []string{"leaf /src/inline.c:4", "middle /src/inline.c:10", "outer /src/inline.c:14"}},
	{0x1134, []string{"outer /src/inline.c:15"}},
	{0x1138, []string{"outer /src/inline.c:16"}},
	{0x1139, nil},
	{0x10, nil},
}

func lookupFrames(t *testing.T, c *symcache.Cache, addr uint64) []string {
	t.Helper()
	var res []string
	for _, l := range c.Lookup(addr) {
		if l.FullPath == "" && l.Line == 0 {
			res = append(res, l.SymbolName)
			continue
		}
		res = append(res, fmt.Sprintf("%s %s:%d", l.SymbolName, l.FullPath, l.Line))
	}
	return res
}

func buildCache(t *testing.T, s *Symbols) *symcache.Cache {
	t.Helper()
	buf, err := s.Build()
	require.NoError(t, err)
	c, err := symcache.Open(buf, symcache.WithChecksum())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRead(t *testing.T) {
	for _, name := range []string{"inline.sym", "inline.sym.gz", "inline.elf"} {
		t.Run(name, func(t *testing.T) {
			s, err := ReadFile(filepath.Join("testdata", name))
			require.NoError(t, err)
			require.Equal(t, symcache.ArchAmd64, s.Module.Arch)
			require.Equal(t, "5eafbc24-1dd3-45bc-743b-cbe9530c14be", s.Module.DebugID.String())

			c := buildCache(t, s)
			for _, tc := range inlineFrames {
				require.Equal(t, tc.frames, lookupFrames(t, c, tc.addr), "%#x", tc.addr)
			}
		})
	}
}

func TestReadUnknownFormat(t *testing.T) {
	_, err := Read([]byte("not debug info"))
	require.ErrorIs(t, err, ErrUnknownFormat)

	data, err := os.ReadFile(filepath.Join("testdata", "inline.c"))
	require.NoError(t, err)
	compressed, err := Compress(data, CompressionZstd)
	require.NoError(t, err)
	_, err = Read(compressed)
	require.ErrorIs(t, err, ErrUnknownFormat)
}

func TestDetectFormat(t *testing.T) {
	require.Equal(t, FormatELF, DetectFormat([]byte("\x7fELF\x02\x01")))
	require.Equal(t, FormatBreakpad, DetectFormat([]byte("MODULE Linux x86_64 0 a")))
	require.Equal(t, FormatUnknown, DetectFormat([]byte("MODULE")))
	require.Equal(t, FormatUnknown, DetectFormat(nil))
}

func TestParseAddress(t *testing.T) {
	testcases := []struct {
		in       string
		expected uint64
		err      bool
	}{
		{"0", 0, false},
		{"1a2B", 0x1a2b, false},
		{"0x1000", 0x1000, false},
		{"0XFFFFFFFFFFFFFFFF", 0xffffffffffffffff, false},
		{"", 0, true},
		{"0x", 0, true},
		{"xyz", 0, true},
		{"10000000000000000", 0, true},
	}
	for _, tc := range testcases {
		t.Run(tc.in, func(t *testing.T) {
			v, err := ParseAddress(tc.in)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expected, v)
		})
	}
}

func TestCompression(t *testing.T) {
	data := []byte("MODULE Linux x86_64 5EAFBC241DD345BC743BCBE9530C14BE0 inline.elf\n")
	for _, c := range []Compression{CompressionNone, CompressionGzip, CompressionZstd} {
		t.Run(string(c), func(t *testing.T) {
			compressed, err := Compress(data, c)
			require.NoError(t, err)
			require.Equal(t, c, DetectCompression(compressed))

			decompressed, err := Decompress(compressed)
			require.NoError(t, err)
			require.Equal(t, data, decompressed)
		})
	}

	_, err := Compress(data, "lz4")
	require.Error(t, err)
	_, err = Decompress([]byte{0x1f, 0x8b, 0x00})
	require.Error(t, err)
}

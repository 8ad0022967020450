package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/symcache/pkg/symbolizer"
	"github.com/grafana/symcache/symcache"
)

var inlineSymbols = filepath.Join("..", "..", "pkg", "debuginfo", "testdata", "inline.sym")

func testContext() (context.Context, *bytes.Buffer) {
	var buf bytes.Buffer
	return withOutput(context.Background(), &buf), &buf
}

func buildInlineCache(t *testing.T, version uint32) string {
	t.Helper()
	ctx, out := testContext()
	path := filepath.Join(t.TempDir(), "inline.symcache")
	require.NoError(t, build(ctx, &buildParams{input: inlineSymbols, output: path, version: version}))
	require.Equal(t, path+"\n", out.String())
	return path
}

func TestBuildOutputPath(t *testing.T) {
	for input, expected := range map[string]string{
		"lib.so.sym":    "lib.so.symcache",
		"lib.so.sym.gz": "lib.so.symcache",
		"app.debug":     "app.symcache",
		"app":           "app.symcache",
	} {
		require.Equal(t, expected, (&buildParams{input: input}).outputPath(), input)
	}
	require.Equal(t, "out", (&buildParams{input: "app", output: "out"}).outputPath())
}

func TestLookup(t *testing.T) {
	path := buildInlineCache(t, symcache.LatestVersion)
	tests := []struct {
		name     string
		address  string
		frame    frameParams
		contains []string
		excludes []string
	}{
		{
			name:     "inline chain",
			address:  "0x1120",
			contains: []string{"0x1120", "outer /src/inline.c:14", "middle /src/inline.c:9", "leaf /src/inline.c:4"},
		},
		{
			name:     "return address",
			address:  "112d",
			frame:    frameParams{correct: true},
			contains: []string{"0x112c", "middle /src/inline.c:10"},
			excludes: []string{"leaf"},
		},
		{
			name:     "crashing frame",
			address:  "0x112e",
			frame:    frameParams{correct: true, crashing: true, signal: 11, ip: "0x112e"},
			contains: []string{"0x112e", "leaf /src/inline.c:4"},
		},
		{
			name:     "unknown address",
			address:  "0x10",
			contains: []string{"??"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx, out := testContext()
			require.NoError(t, lookup(ctx, &lookupParams{path: path, addresses: []string{tc.address}, frame: tc.frame}))
			for _, s := range tc.contains {
				require.Contains(t, out.String(), s)
			}
			for _, s := range tc.excludes {
				require.NotContains(t, out.String(), s)
			}
		})
	}
}

func TestInfoAndDump(t *testing.T) {
	for _, version := range []uint32{1, symcache.LatestVersion} {
		path := buildInlineCache(t, version)

		ctx, out := testContext()
		require.NoError(t, info(ctx, &infoParams{paths: []string{path}, verifyChecksum: true}))
		require.Contains(t, out.String(), "x86_64")
		require.Contains(t, out.String(), "5eafbc24-1dd3-45bc-743b-cbe9530c14be")

		ctx, out = testContext()
		require.NoError(t, dump(ctx, &dumpParams{path: path}))
		require.Contains(t, out.String(), "outer")
		require.NotContains(t, out.String(), "/src/inline.c")

		ctx, out = testContext()
		require.NoError(t, dump(ctx, &dumpParams{path: path, lines: true}))
		require.Contains(t, out.String(), "/src/inline.c")
		require.Contains(t, out.String(), "leaf")
	}
}

func TestCorrect(t *testing.T) {
	tests := []struct {
		arch     string
		address  string
		frame    frameParams
		expected string
		err      bool
	}{
		{arch: "x86_64", address: "0x1000", expected: "0x1000\t0xfff\n"},
		{arch: "arm64", address: "0x1003", expected: "0x1003\t0xffc\n"},
		{arch: "x86_64", address: "0x1000", frame: frameParams{crashing: true}, expected: "0x1000\t0x1000\n"},
		{arch: "x86_64", address: "0x1000", frame: frameParams{crashing: true, signal: 11, ip: "0x2000"}, expected: "0x1000\t0xfff\n"},
		{arch: "unknown", address: "0x1000", err: true},
		{arch: "x86_64", address: "zzz", err: true},
	}
	for _, tc := range tests {
		ctx, out := testContext()
		err := correct(ctx, &correctParams{arch: tc.arch, addresses: []string{tc.address}, frame: tc.frame})
		if tc.err {
			require.Error(t, err)
			continue
		}
		require.NoError(t, err)
		require.Equal(t, tc.expected, out.String())
	}
}

func TestConfigLoad(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		return path
	}

	cfg, err := (&configParams{}).load()
	require.NoError(t, err)
	require.Equal(t, 128, cfg.CacheSize)
	require.Equal(t, symbolizer.BackendFilesystem, cfg.Storage.Backend)

	cfg, err = (&configParams{configFile: write("valid.yaml", `
symbolizer:
  cache_size: 5
  demangle: full
  storage:
    backend: memory
`)}).load()
	require.NoError(t, err)
	require.Equal(t, 5, cfg.CacheSize)
	require.Equal(t, 10, cfg.MaxConcurrency)
	require.Equal(t, "full", cfg.Demangle)
	require.Equal(t, symbolizer.BackendMemory, cfg.Storage.Backend)

	cfg, err = (&configParams{configFile: write("empty.yaml", ""), directory: "/tmp/symbols"}).load()
	require.NoError(t, err)
	require.Equal(t, "/tmp/symbols", cfg.Storage.Directory)

	_, err = (&configParams{configFile: write("unknown.yaml", "symbolizer:\n  cache: 1\n")}).load()
	require.Error(t, err)

	_, err = (&configParams{configFile: write("invalid.yaml", "symbolizer:\n  demangle: some\n")}).load()
	require.Error(t, err)
}

func TestUploadAndSymbolicate(t *testing.T) {
	dir := t.TempDir()
	cfg := &configParams{directory: dir}
	ctx, _ := testContext()
	require.NoError(t, upload(ctx, &uploadParams{configParams: cfg, paths: []string{inlineSymbols}}))

	_, err := os.Stat(filepath.Join(dir, "5eafbc24-1dd3-45bc-743b-cbe9530c14be", "x86_64.symcache"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "5eafbc24-1dd3-45bc-743b-cbe9530c14be", "symbols.sym"))
	require.NoError(t, err)

	req := symbolizer.Request{
		Modules: []symbolizer.Module{{
			Name:        "inline.elf",
			DebugID:     "5eafbc24-1dd3-45bc-743b-cbe9530c14be",
			Arch:        "x86_64",
			BaseAddress: 0x400000,
		}},
		Stacktraces: []symbolizer.Stacktrace{{Frames: []symbolizer.Frame{
			{Module: 0, Address: 0x401121, Trust: symbolizer.TrustCFI},
		}}},
	}
	data, err := json.Marshal(req)
	require.NoError(t, err)
	reqPath := filepath.Join(t.TempDir(), "request.json")
	require.NoError(t, os.WriteFile(reqPath, data, 0o644))

	ctx, out := testContext()
	require.NoError(t, symbolicate(ctx, &symbolicateParams{configParams: cfg, request: reqPath}))
	var resp symbolizer.Response
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	frame := resp.Stacktraces[0].Frames[0]
	require.Equal(t, symbolizer.FrameSymbolicated, frame.Status)
	require.Equal(t, uint64(0x401120), frame.InstructionAddress)
	require.Len(t, frame.Locations, 3)
	require.Equal(t, "leaf", frame.Locations[0].Function)
	require.Equal(t, "outer", frame.Locations[2].Function)
}

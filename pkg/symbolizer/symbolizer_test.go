package symbolizer

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/go-kit/log"
	"github.com/google/pprof/profile"
	"github.com/grafana/dskit/flagext"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/thanos-io/objstore"
	"go.uber.org/goleak"

	"github.com/grafana/symcache/pkg/debuginfo"
	"github.com/grafana/symcache/symcache"
)

// testSymbols describes libtest.so:
//
// 0x1000 -> _ZN3foo3barEv (/src/lib.c:10)
// 0x1010 -> helper (/src/lib.c:30) inlined into _ZN3foo3barEv (/src/lib.c:11)
// 0x1018 -> _ZN3foo3barEv (/src/lib.c:12)
// 0x2000 -> exported
const testSymbols = `MODULE Linux x86_64 5EAFBC241DD345BC743BCBE9530C14BE0 libtest.so
FILE 0 /src/lib.c
INLINE_ORIGIN 0 helper
FUNC 1000 20 0 _ZN3foo3barEv
INLINE 0 11 0 0 1010 8
1000 10 10 0
1010 8 30 0
1018 8 12 0
PUBLIC 2000 0 exported
`

const (
	testDebugID = "5eafbc24-1dd3-45bc-743b-cbe9530c14be"
	testBase    = 0x7f0000000000
)

var testID = symcache.DebugID{}

func init() {
	var err error
	testID, err = symcache.ParseDebugID(testDebugID)
	if err != nil {
		panic(err)
	}
}

func newTestSymbolizer(t *testing.T, bucket objstore.Bucket, reg prometheus.Registerer, opts ...func(*Config)) *Symbolizer {
	t.Helper()
	var cfg Config
	flagext.DefaultValues(&cfg)
	cfg.Storage.Backend = BackendMemory
	for _, o := range opts {
		o(&cfg)
	}
	s, err := New(log.NewNopLogger(), cfg, reg, bucket)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func uploadSource(t *testing.T, bucket objstore.Bucket, src string) {
	t.Helper()
	require.NoError(t, NewStore(bucket).PutSource(context.Background(), testID, strings.NewReader(src)))
}

func testModule() Module {
	return Module{Name: "libtest.so", DebugID: testDebugID, Arch: "x86_64", BaseAddress: testBase}
}

func functions(f SymbolicatedFrame) []string {
	res := make([]string, 0, len(f.Locations))
	for _, l := range f.Locations {
		if l.File == "" {
			res = append(res, l.Function)
			continue
		}
		res = append(res, fmt.Sprintf("%s %s:%d", l.Function, l.File, l.Line))
	}
	return res
}

func TestSymbolicate(t *testing.T) {
	bucket := objstore.NewInMemBucket()
	uploadSource(t, bucket, testSymbols)
	s := newTestSymbolizer(t, bucket, prometheus.NewPedanticRegistry())

	req := &Request{
		Modules: []Module{
			testModule(),
			{Name: "missing.so", DebugID: "dfb8e43a-f242-3d73-a453-aeb6a777ef75", Arch: "x86_64", BaseAddress: 0x4000},
			{Name: "broken.so", DebugID: "not-a-debug-id"},
		},
		Signal: 11,
		Stacktraces: []Stacktrace{{
			Registers: map[string]uint64{"rip": testBase + 0x1004},
			Frames: []Frame{
				{Module: 0, Address: testBase + 0x1004, Trust: TrustContext},
				{Module: 0, Address: testBase + 0x1013, Trust: TrustCFI},
				{Module: 0, Address: testBase + 0x101b, Trust: TrustScan},
				{Module: 1, Address: 0x5000, Trust: TrustCFI},
				{Module: -1, Address: 0x10, Trust: TrustScan},
				{Module: 0, Address: testBase + 0x3001, Trust: TrustCFI},
				{Module: 2, Address: 0x10, Trust: TrustCFI},
			},
		}},
	}
	resp, err := s.Symbolicate(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, []string{FrameSymbolicated, FrameMissing, FrameMalformed}, []string{
		resp.Modules[0].Status, resp.Modules[1].Status, resp.Modules[2].Status,
	})
	require.Empty(t, resp.Modules[0].Error)
	require.NotEmpty(t, resp.Modules[2].Error)

	frames := resp.Stacktraces[0].Frames
	expected := []struct {
		status    string
		address   uint64
		functions []string
	}{
		{FrameSymbolicated, testBase + 0x1004, []string{"_ZN3foo3barEv /src/lib.c:10"}},
		{FrameSymbolicated, testBase + 0x1012, []string{"helper /src/lib.c:30", "_ZN3foo3barEv /src/lib.c:11"}},
		{FrameSymbolicated, testBase + 0x101a, []string{"_ZN3foo3barEv /src/lib.c:12"}},
		{FrameMissing, 0x4fff, []string{"missing.so!0xfff"}},
		{FrameUnknownImage, 0x10, []string{"unknown!0x10"}},
		{FrameMissingSymbol, testBase + 0x3000, []string{"libtest.so!0x3000"}},
		{FrameMalformed, 0x10, []string{"broken.so!0x10"}},
	}
	require.Len(t, frames, len(expected))
	for i, e := range expected {
		require.Equal(t, e.status, frames[i].Status, "frame %d", i)
		require.Equal(t, e.address, frames[i].InstructionAddress, "frame %d", i)
		require.Equal(t, e.functions, functions(frames[i]), "frame %d", i)
	}
	require.Equal(t, uint32(1), frames[1].Locations[0].InlineDepth)
	require.Equal(t, uint64(0x1000), frames[1].Locations[0].SymbolAddress)

	exists, err := bucket.Exists(context.Background(), CachePath(testID, symcache.ArchAmd64))
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, 1.0, testutil.ToFloat64(s.metrics.moduleLoads.WithLabelValues("source", statusSuccess)))
	require.Equal(t, 1.0, testutil.ToFloat64(s.metrics.moduleLoads.WithLabelValues("source", statusNotFound)))
	require.Equal(t, 1.0, testutil.ToFloat64(s.metrics.openCaches))

	// served from memory
	_, err = s.Symbolicate(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 1.0, testutil.ToFloat64(s.metrics.moduleLoads.WithLabelValues("source", statusSuccess)))
	require.Equal(t, 1.0, testutil.ToFloat64(s.metrics.cacheOperations.WithLabelValues("memory", "get", statusSuccess)))
	require.Equal(t, 1.0, testutil.ToFloat64(s.metrics.cacheOperations.WithLabelValues("not_found", "get", statusSuccess)))

	require.NoError(t, s.Close())
	require.Equal(t, 0.0, testutil.ToFloat64(s.metrics.openCaches))
}

func TestSymbolicateInvalidRequest(t *testing.T) {
	s := newTestSymbolizer(t, objstore.NewInMemBucket(), nil)
	_, err := s.Symbolicate(context.Background(), &Request{
		Stacktraces: []Stacktrace{{Frames: []Frame{{Module: 3}}}},
	})
	require.Error(t, err)
}

func TestSymbolicateDemangle(t *testing.T) {
	bucket := objstore.NewInMemBucket()
	uploadSource(t, bucket, testSymbols)
	s := newTestSymbolizer(t, bucket, nil, func(cfg *Config) { cfg.Demangle = "full" })

	resp, err := s.Symbolicate(context.Background(), &Request{
		Modules:     []Module{testModule()},
		Stacktraces: []Stacktrace{{Frames: []Frame{{Module: 0, Address: testBase + 0x1001}}}},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"foo::bar() /src/lib.c:10"}, functions(resp.Stacktraces[0].Frames[0]))
}

func TestSymbolicateStoredCache(t *testing.T) {
	records := []symcache.SourceRecord{{Start: 0x1000, End: 0x1100, Symbol: "prebuilt"}}
	testcases := []struct {
		name     string
		version  uint32
		source   bool
		expected string
		rebuilt  bool
	}{
		{name: "latest version", version: symcache.LatestVersion, expected: "prebuilt"},
		{name: "latest version with source", version: symcache.LatestVersion, source: true, expected: "prebuilt"},
		{name: "outdated without source", version: 1, expected: "prebuilt"},
		{name: "outdated with source", version: 1, source: true, expected: "_ZN3foo3barEv", rebuilt: true},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			bucket := objstore.NewInMemBucket()
			store := NewStore(bucket)
			data, err := symcache.Build(records, symcache.ArchAmd64, testID, symcache.WithFormatVersion(tc.version))
			require.NoError(t, err)
			require.NoError(t, store.PutCache(ctx, testID, symcache.ArchAmd64, data))
			if tc.source {
				uploadSource(t, bucket, testSymbols)
			}

			s := newTestSymbolizer(t, bucket, nil)
			resp, err := s.Symbolicate(ctx, &Request{
				Modules:     []Module{testModule()},
				Stacktraces: []Stacktrace{{Frames: []Frame{{Module: 0, Address: testBase + 0x1001}}}},
			})
			require.NoError(t, err)
			require.Equal(t, tc.expected, resp.Stacktraces[0].Frames[0].Locations[0].Function)

			stored, err := store.GetCache(ctx, testID, symcache.ArchAmd64)
			require.NoError(t, err)
			c, err := symcache.Open(stored)
			require.NoError(t, err)
			require.Equal(t, tc.rebuilt || tc.version == symcache.LatestVersion, c.IsLatestVersion())
		})
	}
}

func TestSymbolicateCorruptCache(t *testing.T) {
	ctx := context.Background()
	bucket := objstore.NewInMemBucket()
	uploadSource(t, bucket, testSymbols)
	require.NoError(t, bucket.Upload(ctx, CachePath(testID, symcache.ArchAmd64), strings.NewReader("garbage")))

	s := newTestSymbolizer(t, bucket, nil)
	resp, err := s.Symbolicate(ctx, &Request{
		Modules:     []Module{testModule()},
		Stacktraces: []Stacktrace{{Frames: []Frame{{Module: 0, Address: testBase + 0x2001}}}},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"exported"}, functions(resp.Stacktraces[0].Frames[0]))
}

func TestSymbolicateUnknownArch(t *testing.T) {
	bucket := objstore.NewInMemBucket()
	uploadSource(t, bucket, testSymbols)
	s := newTestSymbolizer(t, bucket, nil)

	m := testModule()
	m.Arch = "vax"
	resp, err := s.Symbolicate(context.Background(), &Request{
		Modules:     []Module{m},
		Stacktraces: []Stacktrace{{Frames: []Frame{{Module: 0, Address: testBase + 0x1010, Trust: TrustCFI}}}},
	})
	require.NoError(t, err)
	frame := resp.Stacktraces[0].Frames[0]
	require.Equal(t, uint64(testBase+0x1010), frame.InstructionAddress)
	require.Equal(t, "helper", frame.Locations[0].Function)
}

func TestSymbolicateForget(t *testing.T) {
	ctx := context.Background()
	bucket := objstore.NewInMemBucket()
	s := newTestSymbolizer(t, bucket, nil)
	req := &Request{
		Modules:     []Module{testModule()},
		Stacktraces: []Stacktrace{{Frames: []Frame{{Module: 0, Address: testBase + 0x2001}}}},
	}

	resp, err := s.Symbolicate(ctx, req)
	require.NoError(t, err)
	require.Equal(t, FrameMissing, resp.Stacktraces[0].Frames[0].Status)

	uploadSource(t, bucket, testSymbols)
	resp, err = s.Symbolicate(ctx, req)
	require.NoError(t, err)
	require.Equal(t, FrameMissing, resp.Stacktraces[0].Frames[0].Status)

	s.Forget(testID, symcache.ArchAmd64)
	resp, err = s.Symbolicate(ctx, req)
	require.NoError(t, err)
	require.Equal(t, FrameSymbolicated, resp.Stacktraces[0].Frames[0].Status)
}

func TestSymbolicateConcurrent(t *testing.T) {
	defer goleak.VerifyNone(t)

	bucket := objstore.NewInMemBucket()
	uploadSource(t, bucket, testSymbols)
	var cfg Config
	flagext.DefaultValues(&cfg)
	cfg.Storage.Backend = BackendMemory
	// every request evicts the cache of the previous one
	cfg.CacheSize = 1
	s, err := New(log.NewNopLogger(), cfg, nil, bucket)
	require.NoError(t, err)
	defer s.Close()

	other := testModule()
	other.Arch = "arm64"

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := testModule()
			if i%2 == 1 {
				m = other
			}
			for j := 0; j < 20; j++ {
				resp, err := s.Symbolicate(context.Background(), &Request{
					Modules:     []Module{m},
					Stacktraces: []Stacktrace{{Frames: []Frame{{Module: 0, Address: testBase + 0x2000, Trust: TrustContext}}}},
				})
				if !assertNoError(t, err) {
					return
				}
				frame := resp.Stacktraces[0].Frames[0]
				if frame.Status != FrameSymbolicated || frame.Locations[0].Function != "exported" {
					t.Errorf("unexpected frame %+v", frame)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func assertNoError(t *testing.T, err error) bool {
	if err != nil {
		t.Error(err)
		return false
	}
	return true
}

func TestSymbolizeProfile(t *testing.T) {
	bucket := objstore.NewInMemBucket()
	uploadSource(t, bucket, testSymbols)
	s := newTestSymbolizer(t, bucket, nil)

	symbolized := &profile.Mapping{ID: 2, Start: 0x400000, Limit: 0x500000, File: "/bin/app", HasFunctions: true}
	m := &profile.Mapping{
		ID:      1,
		Start:   testBase,
		Limit:   testBase + 0x10000,
		File:    "/usr/lib/libtest.so",
		BuildID: "24bcaf5ed31dbc45743bcbe9530c14be9813a43d",
	}
	main := &profile.Function{ID: 1, Name: "main", Filename: "main.c"}
	p := &profile.Profile{
		Mapping:  []*profile.Mapping{m, symbolized},
		Function: []*profile.Function{main},
		Location: []*profile.Location{
			{ID: 1, Mapping: m, Address: testBase + 0x1012},
			{ID: 2, Mapping: m, Address: testBase + 0x2000},
			{ID: 3, Mapping: m, Address: testBase + 0x9000},
			{ID: 4, Mapping: symbolized, Address: 0x400100, Line: []profile.Line{{Function: main, Line: 3}}},
		},
	}
	require.NoError(t, s.SymbolizeProfile(context.Background(), p))

	lines := func(loc *profile.Location) []string {
		var res []string
		for _, l := range loc.Line {
			res = append(res, fmt.Sprintf("%s %s:%d", l.Function.Name, l.Function.Filename, l.Line))
		}
		return res
	}
	require.Equal(t, []string{"helper /src/lib.c:30", "_ZN3foo3barEv /src/lib.c:11"}, lines(p.Location[0]))
	require.Equal(t, []string{"exported :0"}, lines(p.Location[1]))
	require.Equal(t, []string{"libtest.so!0x9000 :0"}, lines(p.Location[2]))
	require.Equal(t, []string{"main main.c:3"}, lines(p.Location[3]))
	require.True(t, m.HasFunctions)
	require.True(t, m.HasFilenames)
	require.True(t, m.HasLineNumbers)
	require.True(t, m.HasInlineFrames)
	require.Len(t, p.Function, 5)
	requireUniqueFunctionIDs(t, p)

	var buf bytes.Buffer
	require.NoError(t, p.Write(&buf))
	_, err := profile.Parse(&buf)
	require.NoError(t, err)

	archs, err := s.Store().Caches(context.Background(), testID)
	require.NoError(t, err)
	require.Equal(t, []symcache.Arch{symcache.ArchAmd64}, archs)
}

func requireUniqueFunctionIDs(t *testing.T, p *profile.Profile) {
	t.Helper()
	ids := make(map[uint64]string, len(p.Function))
	for _, fn := range p.Function {
		require.NotZero(t, fn.ID)
		prev, ok := ids[fn.ID]
		require.False(t, ok, "function %q reuses id %d of %q", fn.Name, fn.ID, prev)
		ids[fn.ID] = fn.Name
	}
}

func TestSymbolizeProfileMappings(t *testing.T) {
	bucket := objstore.NewInMemBucket()
	uploadSource(t, bucket, testSymbols)
	s := newTestSymbolizer(t, bucket, nil)

	testcases := []struct {
		name      string
		start     uint64
		offset    uint64
		functions []*profile.Function
		expected  []string
	}{
		{
			name:     "mapping at file start",
			start:    testBase,
			expected: []string{"helper /src/lib.c:30", "_ZN3foo3barEv /src/lib.c:11"},
		},
		{
			name:     "mapping with file offset",
			start:    testBase + 0x1000,
			offset:   0x1000,
			expected: []string{"helper /src/lib.c:30", "_ZN3foo3barEv /src/lib.c:11"},
		},
		{
			name:   "sparse function ids",
			start:  testBase,
			offset: 0,
			functions: []*profile.Function{
				{ID: 1, Name: "a", Filename: "a.c"},
				{ID: 3, Name: "b", Filename: "b.c"},
			},
			expected: []string{"helper /src/lib.c:30", "_ZN3foo3barEv /src/lib.c:11"},
		},
		{
			name:     "offset past start",
			start:    0x1000,
			offset:   0x2000,
			expected: nil,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			m := &profile.Mapping{
				ID:      1,
				Start:   tc.start,
				Limit:   tc.start + 0x10000,
				Offset:  tc.offset,
				File:    "/usr/lib/libtest.so",
				BuildID: "24bcaf5ed31dbc45743bcbe9530c14be9813a43d",
			}
			p := &profile.Profile{
				Mapping:  []*profile.Mapping{m},
				Function: tc.functions,
				Location: []*profile.Location{
					{ID: 1, Mapping: m, Address: tc.start - tc.offset + 0x1012},
				},
			}
			for i, fn := range tc.functions {
				p.Location = append(p.Location, &profile.Location{
					ID:      uint64(i + 2),
					Mapping: m,
					Address: tc.start + 0x9000,
					Line:    []profile.Line{{Function: fn, Line: 1}},
				})
			}
			require.NoError(t, s.SymbolizeProfile(context.Background(), p))

			var lines []string
			for _, l := range p.Location[0].Line {
				lines = append(lines, fmt.Sprintf("%s %s:%d", l.Function.Name, l.Function.Filename, l.Line))
			}
			require.Equal(t, tc.expected, lines)
			requireUniqueFunctionIDs(t, p)
			require.NoError(t, p.CheckValid())

			var buf bytes.Buffer
			require.NoError(t, p.Write(&buf))
			parsed, err := profile.Parse(&buf)
			require.NoError(t, err)
			require.Len(t, parsed.Function, len(p.Function))
		})
	}
}

func TestConfigValidate(t *testing.T) {
	testcases := []struct {
		name   string
		modify func(*Config)
		valid  bool
	}{
		{"defaults", func(*Config) {}, true},
		{"memory backend", func(cfg *Config) { cfg.Storage.Backend = BackendMemory }, true},
		{"zero cache size", func(cfg *Config) { cfg.CacheSize = 0 }, false},
		{"zero not found cache size", func(cfg *Config) { cfg.NotFoundCacheSize = 0 }, false},
		{"zero concurrency", func(cfg *Config) { cfg.MaxConcurrency = 0 }, false},
		{"unknown demangle mode", func(cfg *Config) { cfg.Demangle = "some" }, false},
		{"unknown backend", func(cfg *Config) { cfg.Storage.Backend = "s3" }, false},
		{"missing directory", func(cfg *Config) { cfg.Storage.Directory = "" }, false},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			var cfg Config
			flagext.DefaultValues(&cfg)
			tc.modify(&cfg)
			if tc.valid {
				require.NoError(t, cfg.Validate())
			} else {
				require.Error(t, cfg.Validate())
			}
		})
	}
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	bucket, err := NewBucket(ctx, StorageConfig{Backend: BackendFilesystem, Directory: t.TempDir(), Prefix: "symbols"})
	require.NoError(t, err)
	store := NewStore(bucket)

	_, err = store.GetCache(ctx, testID, symcache.ArchAmd64)
	require.True(t, store.IsNotFound(err))

	data, err := symcache.Build([]symcache.SourceRecord{{Start: 1, End: 2, Symbol: "a"}}, symcache.ArchAmd64, testID)
	require.NoError(t, err)
	require.NoError(t, store.PutCache(ctx, testID, symcache.ArchAmd64, data))
	require.NoError(t, store.PutCache(ctx, testID, symcache.ArchArm64, data))

	got, err := store.GetCache(ctx, testID, symcache.ArchAmd64)
	require.NoError(t, err)
	require.Equal(t, data, got)

	archs, err := store.Caches(ctx, testID)
	require.NoError(t, err)
	require.ElementsMatch(t, []symcache.Arch{symcache.ArchAmd64, symcache.ArchArm64}, archs)

	compressed, err := debuginfo.Compress([]byte(testSymbols), debuginfo.CompressionGzip)
	require.NoError(t, err)
	require.NoError(t, store.PutSource(ctx, testID, bytes.NewReader(compressed)))
	src, err := store.GetSource(ctx, testID)
	require.NoError(t, err)
	require.Equal(t, testSymbols, string(src))

	exists, err := bucket.Exists(ctx, "5eafbc24-1dd3-45bc-743b-cbe9530c14be/x86_64.symcache")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestCacheHandle(t *testing.T) {
	c, err := symcache.Open(mustBuild(t))
	require.NoError(t, err)
	closed := 0
	h := newCacheHandle(c, func() { closed++ })

	require.True(t, h.acquire())
	h.release()
	require.Equal(t, 0, closed)
	require.Len(t, h.cache.Lookup(0x1000), 1)

	h.release()
	require.Equal(t, 1, closed)
	require.False(t, h.acquire())
}

func mustBuild(t *testing.T) []byte {
	t.Helper()
	syms, err := debuginfo.ParseBreakpad(strings.NewReader(testSymbols))
	require.NoError(t, err)
	data, err := syms.Build()
	require.NoError(t, err)
	return data
}

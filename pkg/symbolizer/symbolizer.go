package symbolizer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"github.com/thanos-io/objstore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/grafana/symcache/pkg/debuginfo"
	"github.com/grafana/symcache/symcache"
)

// acquireAttempts bounds retries when a cache is evicted between loading and
// acquiring it.
const acquireAttempts = 3

type Symbolizer struct {
	logger   log.Logger
	cfg      Config
	store    *Store
	metrics  *metrics
	demangle func(string) string

	caches   *lru.Cache[moduleKey, *cacheHandle]
	notFound *lru.Cache[moduleKey, struct{}]
	loads    singleflight.Group
}

func New(logger log.Logger, cfg Config, reg prometheus.Registerer, bucket objstore.Bucket) (*Symbolizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if bucket == nil {
		return nil, fmt.Errorf("storage bucket is required for the symbolizer")
	}

	s := &Symbolizer{
		logger:   logger,
		cfg:      cfg,
		store:    NewStore(bucket),
		metrics:  newMetrics(reg),
		demangle: newDemangler(cfg.Demangle),
	}
	var err error
	s.caches, err = lru.NewWithEvict(cfg.CacheSize, func(_ moduleKey, h *cacheHandle) {
		h.release()
	})
	if err != nil {
		return nil, err
	}
	s.notFound, err = lru.New[moduleKey, struct{}](cfg.NotFoundCacheSize)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Store gives access to the bucket the symbolizer reads from.
func (s *Symbolizer) Store() *Store {
	return s.store
}

// Close releases all cached modules. Lookups in flight keep their caches
// open until they finish.
func (s *Symbolizer) Close() error {
	s.caches.Purge()
	return nil
}

// Forget drops the module from both caches, for instance after new symbols
// were uploaded.
func (s *Symbolizer) Forget(id symcache.DebugID, arch symcache.Arch) {
	key := moduleKey{debugID: id, arch: arch}
	s.caches.Remove(key)
	s.notFound.Remove(key)
}

type loadedModule struct {
	key    moduleKey
	handle *cacheHandle
	err    error
}

func (m *loadedModule) status() string {
	switch {
	case m.err == nil:
		return FrameSymbolicated
	case errors.Is(m.err, moduleNotFoundError{}):
		return FrameMissing
	}
	return FrameMalformed
}

// Symbolicate resolves every frame of the request. Modules that cannot be
// loaded do not fail the request, their frames get fallback symbols.
func (s *Symbolizer) Symbolicate(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	status := statusSuccess
	defer func() {
		s.metrics.requestDuration.WithLabelValues("stacktraces", status).Observe(time.Since(start).Seconds())
	}()

	if err := req.Validate(); err != nil {
		status = statusError
		return nil, err
	}

	modules, err := s.loadModules(ctx, req.Modules)
	defer releaseModules(modules)
	if err != nil {
		status = statusError
		return nil, err
	}

	resp := &Response{
		Stacktraces: make([]SymbolicatedStacktrace, len(req.Stacktraces)),
		Modules:     make([]ModuleStatus, len(req.Modules)),
	}
	for i, m := range req.Modules {
		ms := ModuleStatus{Name: m.Name, DebugID: m.DebugID, Status: modules[i].status()}
		if modules[i].err != nil {
			ms.Error = modules[i].err.Error()
		}
		resp.Modules[i] = ms
	}

	var buf []symcache.SourceLocation
	for i, st := range req.Stacktraces {
		frames := make([]SymbolicatedFrame, len(st.Frames))
		for j, f := range st.Frames {
			frames[j], buf = s.symbolicateFrame(req, st, modules, j == 0 && f.Trust == TrustContext, f, buf)
			s.metrics.frames.WithLabelValues(frames[j].Status).Inc()
		}
		resp.Stacktraces[i].Frames = frames
	}
	return resp, nil
}

func (s *Symbolizer) symbolicateFrame(
	req *Request,
	st Stacktrace,
	modules []*loadedModule,
	crashing bool,
	f Frame,
	buf []symcache.SourceLocation,
) (SymbolicatedFrame, []symcache.SourceLocation) {
	res := SymbolicatedFrame{InstructionAddress: f.Address}
	if f.Module < 0 {
		res.Status = FrameUnknownImage
		res.Locations = fallbackLocations("", f.Address)
		return res, buf
	}
	module, loaded := req.Modules[f.Module], modules[f.Module]
	res.Module = module.Name

	arch := loaded.key.arch
	var ip uint64
	if name := arch.CPUFamily().IPRegisterName(); name != "" {
		ip = st.Registers[name]
	}
	if !req.Precise {
		res.InstructionAddress = symcache.FindBestInstruction(f.Address, arch.String(), crashing, req.Signal, ip)
	}
	if res.InstructionAddress < module.BaseAddress {
		res.Status = FrameUnknownImage
		res.Locations = fallbackLocations(module.Name, f.Address)
		return res, buf
	}
	rel := res.InstructionAddress - module.BaseAddress

	if loaded.handle == nil {
		res.Status = loaded.status()
		res.Locations = fallbackLocations(module.Name, rel)
		return res, buf
	}
	buf = loaded.handle.cache.LookupInto(buf, rel)
	if len(buf) == 0 {
		res.Status = FrameMissingSymbol
		res.Locations = fallbackLocations(module.Name, rel)
		return res, buf
	}
	res.Status = FrameSymbolicated
	res.Locations = make([]Location, len(buf))
	for i, l := range buf {
		res.Locations[i] = s.location(l)
	}
	return res, buf
}

func (s *Symbolizer) location(l symcache.SourceLocation) Location {
	name := l.SymbolName
	if s.demangle != nil {
		name = s.demangle(name)
	}
	loc := Location{
		Function:      name,
		File:          l.FullPath,
		Line:          l.Line,
		SymbolAddress: l.SymbolAddress,
		InlineDepth:   l.InlineDepth,
	}
	if l.Language != symcache.LanguageUnknown {
		loc.Language = l.Language.String()
	}
	return loc
}

func fallbackLocations(moduleName string, addr uint64) []Location {
	prefix := "unknown"
	if moduleName != "" {
		prefix = moduleName
	}
	return []Location{{Function: fmt.Sprintf("%s!0x%x", prefix, addr)}}
}

// loadModules acquires the cache of every module. Modules sharing a cache
// are loaded once. Per-module failures are recorded, only a cancelled
// context fails the whole call.
func (s *Symbolizer) loadModules(ctx context.Context, modules []Module) ([]*loadedModule, error) {
	res := make([]*loadedModule, len(modules))
	var byKey map[moduleKey][]int
	{
		valid := make([]int, 0, len(modules))
		for i, m := range modules {
			key, err := parseModule(m)
			res[i] = &loadedModule{key: key, err: err}
			if err == nil {
				valid = append(valid, i)
			}
		}
		byKey = lo.GroupBy(valid, func(i int) moduleKey { return res[i].key })
	}

	var (
		mu   sync.Mutex
		errs *multierror.Error
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrency)
	for key, indexes := range byKey {
		g.Go(func() error {
			for _, i := range indexes {
				h, err := s.acquire(ctx, key)
				res[i].handle, res[i].err = h, err
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					if !errors.Is(err, moduleNotFoundError{}) {
						mu.Lock()
						errs = multierror.Append(errs, err)
						mu.Unlock()
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	if err := errs.ErrorOrNil(); err != nil {
		level.Warn(s.logger).Log("msg", "failed to load symbols", "err", err)
	}
	return res, nil
}

func releaseModules(modules []*loadedModule) {
	for _, m := range modules {
		if m != nil && m.handle != nil {
			m.handle.release()
		}
	}
}

// acquire returns a referenced cache for key. The caller must release it.
func (s *Symbolizer) acquire(ctx context.Context, key moduleKey) (*cacheHandle, error) {
	for attempt := 0; attempt < acquireAttempts; attempt++ {
		if _, ok := s.notFound.Get(key); ok {
			s.metrics.cacheOperations.WithLabelValues("not_found", "get", statusSuccess).Inc()
			return nil, moduleNotFoundError{key: key}
		}
		if h, ok := s.caches.Get(key); ok {
			s.metrics.cacheOperations.WithLabelValues("memory", "get", statusSuccess).Inc()
			if h.acquire() {
				return h, nil
			}
			continue
		}
		s.metrics.cacheOperations.WithLabelValues("memory", "get", statusMiss).Inc()

		v, err, _ := s.loads.Do(key.String(), func() (interface{}, error) {
			return s.load(ctx, key)
		})
		if err != nil {
			return nil, err
		}
		if h := v.(*cacheHandle); h.acquire() {
			return h, nil
		}
	}
	return nil, fmt.Errorf("%s: evicted while loading", key)
}

// load reads the cache from storage, building it from the symbol file when
// it is missing, corrupt or written by an older version.
func (s *Symbolizer) load(ctx context.Context, key moduleKey) (*cacheHandle, error) {
	data, err := s.store.GetCache(ctx, key.debugID, key.arch)
	switch {
	case err == nil:
		s.metrics.cacheOperations.WithLabelValues("object_storage", "get", statusSuccess).Inc()
		c, err := symcache.Open(data, s.openOptions()...)
		if err != nil {
			level.Warn(s.logger).Log("msg", "stored symbol cache is unusable, rebuilding", "key", key, "err", err)
			break
		}
		if c.IsLatestVersion() {
			s.metrics.moduleLoads.WithLabelValues("object_storage", statusSuccess).Inc()
			return s.register(key, c), nil
		}
		h, err := s.build(ctx, key)
		if err == nil {
			_ = c.Close()
			return h, nil
		}
		level.Warn(s.logger).Log("msg", "using outdated symbol cache", "key", key, "version", c.Version(), "err", err)
		s.metrics.moduleLoads.WithLabelValues("object_storage", statusSuccess).Inc()
		return s.register(key, c), nil
	case s.store.IsNotFound(err):
		s.metrics.cacheOperations.WithLabelValues("object_storage", "get", statusMiss).Inc()
	default:
		s.metrics.cacheOperations.WithLabelValues("object_storage", "get", statusError).Inc()
		s.metrics.moduleLoads.WithLabelValues("object_storage", statusError).Inc()
		return nil, fmt.Errorf("get %s: %w", key, err)
	}

	h, err := s.build(ctx, key)
	if err != nil {
		if errors.Is(err, moduleNotFoundError{}) {
			s.notFound.Add(key, struct{}{})
			s.metrics.moduleLoads.WithLabelValues("source", statusNotFound).Inc()
		} else {
			s.metrics.moduleLoads.WithLabelValues("source", statusError).Inc()
		}
		return nil, err
	}
	return h, nil
}

func (s *Symbolizer) openOptions() []symcache.Option {
	if s.cfg.VerifyChecksum {
		return []symcache.Option{symcache.WithChecksum()}
	}
	return nil
}

// build converts the stored symbol file into a cache and writes it back.
func (s *Symbolizer) build(ctx context.Context, key moduleKey) (*cacheHandle, error) {
	src, err := s.store.GetSource(ctx, key.debugID)
	if err != nil {
		if s.store.IsNotFound(err) {
			return nil, moduleNotFoundError{key: key}
		}
		return nil, fmt.Errorf("get symbols of %s: %w", key.debugID, err)
	}

	start := time.Now()
	syms, err := debuginfo.Read(src)
	if err != nil {
		return nil, fmt.Errorf("read symbols of %s: %w", key.debugID, err)
	}
	if syms.Module.DebugID != key.debugID {
		level.Warn(s.logger).Log("msg", "symbol file debug id does not match", "expected", key.debugID, "actual", syms.Module.DebugID)
	}
	arch := key.arch
	if arch == symcache.ArchUnknown {
		arch = syms.Module.Arch
	}
	data, err := symcache.Build(syms.Records, arch, key.debugID, symcache.WithLogger(s.logger))
	if err != nil {
		return nil, fmt.Errorf("build symbol cache for %s: %w", key.debugID, err)
	}
	s.metrics.buildDuration.Observe(time.Since(start).Seconds())

	if err := s.store.PutCache(ctx, key.debugID, arch, data); err != nil {
		level.Warn(s.logger).Log("msg", "failed to store symbol cache", "key", key, "err", err)
		s.metrics.cacheOperations.WithLabelValues("object_storage", "set", statusError).Inc()
	} else {
		s.metrics.cacheOperations.WithLabelValues("object_storage", "set", statusSuccess).Inc()
	}

	c, err := symcache.Open(data)
	if err != nil {
		return nil, err
	}
	s.metrics.moduleLoads.WithLabelValues("source", statusSuccess).Inc()
	return s.register(key, c), nil
}

// register hands the cache to the LRU, which owns the initial reference.
func (s *Symbolizer) register(key moduleKey, c *symcache.Cache) *cacheHandle {
	s.metrics.openCaches.Inc()
	h := newCacheHandle(c, s.metrics.openCaches.Dec)
	s.caches.Remove(key)
	s.caches.Add(key, h)
	s.notFound.Remove(key)
	return h
}

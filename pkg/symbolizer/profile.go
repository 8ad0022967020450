package symbolizer

import (
	"context"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-kit/log/level"
	"github.com/google/pprof/profile"

	"github.com/grafana/symcache/symcache"
)

// SymbolizeProfile adds lines and functions to the locations of p that have
// none. Mappings are matched by build id. Location addresses are taken
// relative to the mapping start less its file offset, which is where the
// object would be loaded at offset zero.
func (s *Symbolizer) SymbolizeProfile(ctx context.Context, p *profile.Profile) error {
	start := time.Now()
	status := statusSuccess
	defer func() {
		s.metrics.requestDuration.WithLabelValues("pprof", status).Observe(time.Since(start).Seconds())
	}()

	// pprof addresses already point into the calling instruction
	req := &Request{Precise: true}
	mappingModules := make(map[*profile.Mapping]int)
	for _, m := range p.Mapping {
		if m.HasFunctions {
			continue
		}
		mod, err := s.profileModule(ctx, m)
		if err != nil {
			level.Debug(s.logger).Log("msg", "mapping cannot be symbolized", "file", m.File, "err", err)
			continue
		}
		mappingModules[m] = len(req.Modules)
		req.Modules = append(req.Modules, mod)
	}
	if len(req.Modules) == 0 {
		return nil
	}

	var (
		locs   []*profile.Location
		frames []Frame
	)
	for _, loc := range p.Location {
		if loc.Mapping == nil || len(loc.Line) > 0 {
			continue
		}
		i, ok := mappingModules[loc.Mapping]
		if !ok {
			continue
		}
		locs = append(locs, loc)
		frames = append(frames, Frame{Module: i, Address: loc.Address})
	}
	req.Stacktraces = []Stacktrace{{Frames: frames}}

	resp, err := s.Symbolicate(ctx, req)
	if err != nil {
		status = statusError
		return fmt.Errorf("symbolicate profile: %w", err)
	}

	type funcKey struct{ name, file string }
	functions := make(map[funcKey]*profile.Function, len(p.Function))
	for _, fn := range p.Function {
		functions[funcKey{fn.Name, fn.Filename}] = fn
	}
	// function ids are not necessarily dense
	var nextID uint64
	for _, fn := range p.Function {
		nextID = max(nextID, fn.ID)
	}
	for i, f := range resp.Stacktraces[0].Frames {
		loc := locs[i]
		loc.Line = make([]profile.Line, 0, len(f.Locations))
		for _, l := range f.Locations {
			key := funcKey{l.Function, l.File}
			fn, ok := functions[key]
			if !ok {
				nextID++
				fn = &profile.Function{ID: nextID, Name: l.Function, SystemName: l.Function, Filename: l.File}
				functions[key] = fn
				p.Function = append(p.Function, fn)
			}
			loc.Line = append(loc.Line, profile.Line{Function: fn, Line: int64(l.Line)})
			if l.File != "" {
				loc.Mapping.HasFilenames = true
			}
			if l.Line != 0 {
				loc.Mapping.HasLineNumbers = true
			}
		}
		loc.Mapping.HasFunctions = true
		loc.Mapping.HasInlineFrames = loc.Mapping.HasInlineFrames || len(f.Locations) > 1
	}
	return nil
}

// profileModule maps a pprof mapping onto a module with a known cache.
// Mappings carry no architecture, so the first cache stored for the debug id
// is used.
func (s *Symbolizer) profileModule(ctx context.Context, m *profile.Mapping) (Module, error) {
	if m.BuildID == "" {
		return Module{}, fmt.Errorf("empty build id")
	}
	id, err := debugIDFromProfile(m.BuildID)
	if err != nil {
		return Module{}, err
	}
	arch := symcache.ArchUnknown
	archs, err := s.store.Caches(ctx, id)
	if err != nil {
		return Module{}, err
	}
	if len(archs) > 0 {
		arch = archs[0]
	}
	if m.Offset > m.Start {
		return Module{}, fmt.Errorf("mapping offset %#x exceeds start %#x", m.Offset, m.Start)
	}
	return Module{
		Name:        filepath.Base(m.File),
		DebugID:     id.String(),
		Arch:        arch.String(),
		BaseAddress: m.Start - m.Offset,
	}, nil
}

// debugIDFromProfile accepts GNU build ids in hex as well as debug ids.
func debugIDFromProfile(buildID string) (symcache.DebugID, error) {
	if raw, err := hex.DecodeString(buildID); err == nil && len(raw) > 0 {
		return symcache.DebugIDFromBuildID(raw)
	}
	return symcache.ParseDebugID(buildID)
}

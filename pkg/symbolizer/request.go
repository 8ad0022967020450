package symbolizer

import (
	"fmt"

	"github.com/grafana/symcache/symcache"
)

// Frame trust levels, as reported by stack walkers. The frame recovered
// from the crash context is the crashing frame.
const (
	TrustContext = "context"
	TrustCFI     = "cfi"
	TrustScan    = "scan"
)

// Frame statuses.
const (
	FrameSymbolicated  = "symbolicated"
	FrameMissingSymbol = "missing_symbol"
	FrameMissing       = "missing"
	FrameUnknownImage  = "unknown_image"
	FrameMalformed     = "malformed"
)

type Request struct {
	Modules     []Module     `json:"modules" yaml:"modules"`
	Stacktraces []Stacktrace `json:"stacktraces" yaml:"stacktraces"`
	// Signal that caused the crash, 0 if the process did not crash.
	Signal uint32 `json:"signal,omitempty" yaml:"signal"`
	// Precise disables instruction correction.
	Precise bool `json:"precise,omitempty" yaml:"precise"`
}

// Module is one loaded image of the process.
type Module struct {
	Name    string `json:"name" yaml:"name"`
	DebugID string `json:"debug_id" yaml:"debug_id"`
	Arch    string `json:"arch" yaml:"arch"`
	// BaseAddress is where the image was loaded. Frame addresses are
	// absolute, cache addresses are relative to it.
	BaseAddress uint64 `json:"base_address" yaml:"base_address"`
}

type Stacktrace struct {
	Frames []Frame `json:"frames" yaml:"frames"`
	// Registers of the thread, only the instruction pointer is used.
	Registers map[string]uint64 `json:"registers,omitempty" yaml:"registers"`
}

type Frame struct {
	// Module is an index into Request.Modules.
	Module  int    `json:"module" yaml:"module"`
	Address uint64 `json:"address" yaml:"address"`
	Trust   string `json:"trust,omitempty" yaml:"trust"`
}

type Response struct {
	Stacktraces []SymbolicatedStacktrace `json:"stacktraces"`
	Modules     []ModuleStatus           `json:"modules"`
}

type ModuleStatus struct {
	Name    string `json:"name"`
	DebugID string `json:"debug_id"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

type SymbolicatedStacktrace struct {
	Frames []SymbolicatedFrame `json:"frames"`
}

type SymbolicatedFrame struct {
	Status string `json:"status"`
	Module string `json:"module,omitempty"`
	// InstructionAddress is the absolute address after instruction correction.
	InstructionAddress uint64     `json:"instruction_address"`
	Locations          []Location `json:"locations"`
}

// Location is one frame of an inline chain, innermost first.
type Location struct {
	Function      string `json:"function"`
	File          string `json:"file,omitempty"`
	Line          uint32 `json:"line,omitempty"`
	Language      string `json:"language,omitempty"`
	SymbolAddress uint64 `json:"symbol_address"`
	InlineDepth   uint32 `json:"inline_depth"`
}

func (r *Request) Validate() error {
	for i, st := range r.Stacktraces {
		for j, f := range st.Frames {
			if f.Module < -1 || f.Module >= len(r.Modules) {
				return fmt.Errorf("stacktrace %d frame %d: module %d out of range", i, j, f.Module)
			}
		}
	}
	return nil
}

// moduleKey identifies one cache.
type moduleKey struct {
	debugID symcache.DebugID
	arch    symcache.Arch
}

func (k moduleKey) String() string {
	return CachePath(k.debugID, k.arch)
}

// parseModule resolves the cache key of m. Unknown architectures are kept
// so lookups still work with uncorrected addresses.
func parseModule(m Module) (moduleKey, error) {
	id, err := symcache.ParseDebugID(m.DebugID)
	if err != nil {
		return moduleKey{}, fmt.Errorf("module %q: %w", m.Name, err)
	}
	arch, err := symcache.ParseArch(m.Arch)
	if err != nil {
		arch = symcache.ArchUnknown
	}
	return moduleKey{debugID: id, arch: arch}, nil
}

type moduleNotFoundError struct {
	key moduleKey
}

func (e moduleNotFoundError) Error() string {
	return fmt.Sprintf("no symbols found for %s", e.key.debugID)
}

func (e moduleNotFoundError) Is(target error) bool {
	_, ok := target.(moduleNotFoundError)
	return ok
}

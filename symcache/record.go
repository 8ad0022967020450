package symcache

import "fmt"

// SourceRecord is one fact produced by a debug information reader: the
// address range [Start, End) maps to Symbol at File:Line. Records sharing a
// range at increasing InlineDepth describe an inline call chain, depth 0
// being the concrete (outermost) function.
type SourceRecord struct {
	Start       uint64
	End         uint64
	Symbol      string
	File        string
	Line        uint32
	Language    Language
	InlineDepth uint32
}

func (r SourceRecord) String() string {
	return fmt.Sprintf("[%#x, %#x) %s %s:%d depth: %d", r.Start, r.End, r.Symbol, r.File, r.Line, r.InlineDepth)
}

// hasLineInfo reports whether the record carries more than a symbol name.
func (r *SourceRecord) hasLineInfo() bool {
	return r.Line != 0 || r.File != ""
}

func (r *SourceRecord) contains(addr uint64) bool {
	return r.Start <= addr && addr < r.End
}

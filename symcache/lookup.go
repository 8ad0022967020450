package symcache

import (
	"fmt"
	"sort"
)

// SourceLocation is one frame of the inline chain at an address.
type SourceLocation struct {
	// Start of the enclosing (outermost) function.
	SymbolAddress uint64
	// The address that was looked up.
	InstructionAddress uint64
	// Start of the matched row, equal to SymbolAddress when no row matched.
	LineAddress uint64

	Line        uint32
	Language    Language
	SymbolName  string
	FullPath    string
	InlineDepth uint32
}

func (l SourceLocation) String() string {
	if l.FullPath == "" {
		return fmt.Sprintf("%s+%#x", l.SymbolName, l.InstructionAddress-l.SymbolAddress)
	}
	return fmt.Sprintf("%s %s:%d", l.SymbolName, l.FullPath, l.Line)
}

// Lookup resolves addr into its inline chain, innermost frame first. An
// address outside every function yields an empty result.
func (c *Cache) Lookup(addr uint64) []SourceLocation {
	return c.LookupInto(nil, addr)
}

// LookupInto is like Lookup but appends to dst[:0], allowing callers to reuse
// the slice across lookups.
func (c *Cache) LookupInto(dst []SourceLocation, addr uint64) []SourceLocation {
	dst = dst[:0]
	v := c.v
	addr &= v.arch.addressMask()

	n := v.functionCount()
	i := sort.Search(n, func(i int) bool {
		return v.functionStart(i) > addr
	}) - 1
	if i < 0 {
		return dst
	}
	fn := v.function(i)
	if addr >= fn.end {
		return dst
	}

	offset := addr - fn.start
	first, last := v.rowsOf(fn)
	// Rows starting after the address cannot cover it. Inline ranges may start
	// before finer grained depth 0 rows, so everything up to the first row is
	// checked.
	j := first + sort.Search(last-first, func(k int) bool {
		return uint64(v.lineOffset(first+k)) > offset
	}) - 1

	var seen uint64 // depths below 64 already emitted
	for ; j >= first; j-- {
		r := v.line(j)
		if offset >= uint64(r.offset)+uint64(r.size) {
			continue
		}
		if r.depth < 64 {
			if seen&(1<<r.depth) != 0 {
				continue
			}
			seen |= 1 << r.depth
		} else if containsDepth(dst, r.depth) {
			continue
		}
		dst = append(dst, SourceLocation{
			SymbolAddress:      fn.start,
			InstructionAddress: addr,
			LineAddress:        fn.start + uint64(r.offset),
			Line:               r.line,
			Language:           languageFromValue(r.lang),
			SymbolName:         v.str(r.name),
			FullPath:           v.str(r.file),
			InlineDepth:        r.depth,
		})
	}

	if seen&1 == 0 {
		// no row for the concrete function, fall back to the index entry
		dst = append(dst, SourceLocation{
			SymbolAddress:      fn.start,
			InstructionAddress: addr,
			LineAddress:        fn.start,
			Language:           languageFromValue(fn.lang),
			SymbolName:         v.str(fn.name),
		})
	}
	sort.Slice(dst, func(a, b int) bool {
		return dst[a].InlineDepth > dst[b].InlineDepth
	})
	return dst
}

func containsDepth(locs []SourceLocation, depth uint32) bool {
	for i := range locs {
		if locs[i].InlineDepth == depth {
			return true
		}
	}
	return false
}

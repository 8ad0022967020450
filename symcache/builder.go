package symcache

import (
	"io"
	"math"
	"sort"

	"github.com/go-kit/log/level"
)

// BuildStats describes what the builder did with its input.
type BuildStats struct {
	Records    int // records accepted by Add
	Duplicates int // byte-identical records removed
	Functions  int // function index entries written
	Lines      int // detail rows written
	Dropped    int // records not covered by any function, or shadowed by another one
	Strings    int // distinct strings in the pool
}

// Builder accumulates records for one module and serializes them into the
// cache layout. It is not safe for concurrent use.
type Builder struct {
	arch    Arch
	debugID DebugID
	opt     options

	records []SourceRecord
	stats   BuildStats
}

// NewBuilder creates a builder for a module of the given architecture.
func NewBuilder(arch Arch, debugID DebugID, opts ...Option) *Builder {
	return &Builder{
		arch:    arch,
		debugID: debugID,
		opt:     applyOptions(opts),
	}
}

// Build is a convenience wrapper around Builder.
func Build(records []SourceRecord, arch Arch, debugID DebugID, opts ...Option) ([]byte, error) {
	b := NewBuilder(arch, debugID, opts...)
	for _, r := range records {
		if err := b.Add(r); err != nil {
			return nil, err
		}
	}
	return b.Bytes()
}

// Add validates and queues one record. A record whose range is empty or
// inverted is rejected; no other semantics are checked.
func (b *Builder) Add(r SourceRecord) error {
	if r.End <= r.Start {
		return buildError(ErrInvalidRange, "record %s: end must be greater than start", r)
	}
	if r.End > b.arch.addressMask() {
		return buildError(ErrAddressTooWide, "record %s does not fit %s addresses", r, b.arch)
	}
	b.records = append(b.records, r)
	b.stats.Records++
	return nil
}

// Stats is only complete after Bytes or WriteTo.
func (b *Builder) Stats() BuildStats {
	return b.stats
}

// WriteTo serializes the cache into w.
func (b *Builder) WriteTo(w io.Writer) (int64, error) {
	buf, err := b.Bytes()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(buf)
	return int64(n), err
}

type buildFunction struct {
	start, end uint64
	name       string
	lang       Language
	rows       []SourceRecord
}

// Bytes compacts the queued records and returns the serialized cache.
func (b *Builder) Bytes() ([]byte, error) {
	l, err := layoutFor(b.opt.version)
	if err != nil {
		return nil, buildError(err, "cannot write version %d", b.opt.version)
	}

	// everything but the accepted records is counted again on each build
	b.stats = BuildStats{Records: b.stats.Records}

	records := b.dedup()
	functions := b.collectFunctions(records)
	for i := range functions {
		if err := b.normalizeRows(&functions[i]); err != nil {
			return nil, err
		}
	}
	if b.stats.Dropped > 0 {
		level.Debug(b.opt.logger).Log("msg", "dropped records while building symcache", "count", b.stats.Dropped, "debug_id", b.debugID)
	}
	return b.serialize(l, functions), nil
}

func recordLess(a, c *SourceRecord) bool {
	if a.Start != c.Start {
		return a.Start < c.Start
	}
	if a.InlineDepth != c.InlineDepth {
		return a.InlineDepth < c.InlineDepth
	}
	if a.hasLineInfo() != c.hasLineInfo() {
		return a.hasLineInfo()
	}
	if a.End != c.End {
		return a.End > c.End
	}
	if a.Symbol != c.Symbol {
		return a.Symbol < c.Symbol
	}
	if a.File != c.File {
		return a.File < c.File
	}
	if a.Line != c.Line {
		return a.Line < c.Line
	}
	return a.Language < c.Language
}

// dedup sorts the records and drops byte-identical ones.
func (b *Builder) dedup() []SourceRecord {
	records := make([]SourceRecord, len(b.records))
	copy(records, b.records)
	sort.Slice(records, func(i, j int) bool {
		return recordLess(&records[i], &records[j])
	})
	out := records[:0]
	for i := range records {
		if len(out) > 0 && out[len(out)-1] == records[i] {
			b.stats.Duplicates++
			continue
		}
		out = append(out, records[i])
	}
	return out
}

// collectFunctions derives the function index from depth 0 records and
// attaches every detail row to the function covering its start.
func (b *Builder) collectFunctions(records []SourceRecord) []buildFunction {
	var (
		functions []buildFunction
		inlined   []SourceRecord
	)
	for _, r := range records {
		if r.InlineDepth > 0 {
			inlined = append(inlined, r)
			continue
		}
		if n := len(functions); n > 0 {
			last := &functions[n-1]
			switch {
			case r.Symbol == last.name && r.Start <= last.end:
				if r.End > last.end {
					last.end = r.End
				}
				if r.hasLineInfo() {
					last.rows = append(last.rows, r)
				}
				continue
			case r.Start == last.start:
				// shadowed by a function sorted before it
				b.stats.Dropped++
				continue
			case r.Start < last.end:
				last.end = r.Start
			}
		}
		fn := buildFunction{start: r.Start, end: r.End, name: r.Symbol, lang: r.Language}
		if r.hasLineInfo() {
			fn.rows = append(fn.rows, r)
		}
		functions = append(functions, fn)
	}

	for _, r := range inlined {
		i := sort.Search(len(functions), func(i int) bool {
			return functions[i].start > r.Start
		}) - 1
		if i < 0 || r.Start >= functions[i].end {
			b.stats.Dropped++
			continue
		}
		functions[i].rows = append(functions[i].rows, r)
	}
	return functions
}

// normalizeRows clips rows to their function, removes same-depth overlaps and
// orders rows by address, outermost first on ties. Rows left with nothing to
// cover are counted as dropped.
func (b *Builder) normalizeRows(fn *buildFunction) error {
	if fn.end-fn.start > math.MaxUint32 {
		return buildError(ErrInvalidRange, "function %q spans [%#x, %#x), more than 4GiB", fn.name, fn.start, fn.end)
	}
	rows := fn.rows[:0]
	for _, r := range fn.rows {
		if r.Start >= fn.end {
			b.stats.Dropped++
			continue
		}
		if r.End > fn.end {
			r.End = fn.end
		}
		rows = append(rows, r)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].InlineDepth != rows[j].InlineDepth {
			return rows[i].InlineDepth < rows[j].InlineDepth
		}
		return rows[i].Start < rows[j].Start
	})
	out := rows[:0]
	for _, r := range rows {
		if n := len(out); n > 0 && out[n-1].InlineDepth == r.InlineDepth && r.Start < out[n-1].End {
			if r.Start == out[n-1].Start {
				b.stats.Dropped++
				continue
			}
			out[n-1].End = r.Start
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		return out[i].InlineDepth < out[j].InlineDepth
	})
	fn.rows = out
	return nil
}

// stringPool interns strings and hands out (offset, length) references.
type stringPool struct {
	refs map[string]stringRef
	data []byte
}

func newStringPool() *stringPool {
	return &stringPool{refs: make(map[string]stringRef)}
}

func (p *stringPool) add(s string) stringRef {
	if ref, ok := p.refs[s]; ok {
		return ref
	}
	ref := stringRef{offset: uint32(len(p.data)), length: uint32(len(s))}
	p.data = append(p.data, s...)
	p.refs[s] = ref
	return ref
}

func (p *stringPool) addOptional(s string) stringRef {
	if s == "" {
		return missingString
	}
	return p.add(s)
}

func (b *Builder) serialize(l layout, functions []buildFunction) []byte {
	addrSize := b.arch.addressSize()
	fnSize := functionEntrySize(addrSize)
	strs := newStringPool()

	lineCount := 0
	for i := range functions {
		lineCount += len(functions[i].rows)
	}

	hdr := header{
		version:  b.opt.version,
		arch:     uint32(b.arch),
		debugID:  b.debugID,
		addrSize: uint32(addrSize),
	}

	fnTable := make([]byte, len(functions)*fnSize)
	lineTable := make([]byte, lineCount*lineEntrySize)
	row := 0
	for i := range functions {
		fn := &functions[i]
		e := functionEntry{
			start:     fn.start,
			end:       fn.end,
			name:      strs.add(fn.name),
			lang:      uint32(fn.lang),
			firstLine: uint32(row),
			lineCount: uint32(len(fn.rows)),
		}
		putFunction(fnTable[i*fnSize:], addrSize, &e)
		for _, r := range fn.rows {
			le := lineEntry{
				offset: uint32(r.Start - fn.start),
				size:   uint32(r.End - r.Start),
				line:   r.Line,
				depth:  r.InlineDepth,
				name:   strs.add(r.Symbol),
				file:   strs.addOptional(r.File),
				lang:   uint32(r.Language),
			}
			if r.Line != 0 {
				hdr.flags |= flagHasLineInfo
			}
			if r.File != "" {
				hdr.flags |= flagHasFileInfo
			}
			putLine(lineTable[row*lineEntrySize:], &le)
			row++
		}
	}

	pos := uint32(headerSize)
	hdr.functions = tableHeader{count: uint32(len(functions)), offset: l.storedOffset(pos)}
	pos += uint32(len(fnTable))
	hdr.lines = tableHeader{count: uint32(lineCount), offset: l.storedOffset(pos)}
	pos += uint32(len(lineTable))
	hdr.strings = tableHeader{count: uint32(len(strs.data)), offset: l.storedOffset(pos)}
	pos += uint32(len(strs.data))

	buf := make([]byte, pos)
	copy(buf[headerSize:], fnTable)
	copy(buf[headerSize+len(fnTable):], lineTable)
	copy(buf[headerSize+len(fnTable)+len(lineTable):], strs.data)
	if !b.opt.noChecksum {
		hdr.flags |= flagChecksum
		hdr.crc = bodyChecksum(buf)
	}
	hdr.write(buf)

	b.stats.Functions = len(functions)
	b.stats.Lines = lineCount
	b.stats.Strings = len(strs.refs)
	return buf
}

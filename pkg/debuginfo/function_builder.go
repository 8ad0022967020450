package debuginfo

import (
	"sort"

	"github.com/grafana/symcache/symcache"
)

// functionBuilder collects the leaf line rows and inlinee ranges of one
// concrete function and turns them into per-depth source records.
type functionBuilder struct {
	start, end uint64
	name       string
	lang       symcache.Language
	lines      []lineRow
	inlinees   []inlinee
}

func newFunctionBuilder(name string, start, end uint64) *functionBuilder {
	return &functionBuilder{name: name, start: start, end: end}
}

// addLine records the innermost source location of [start, end).
func (fn *functionBuilder) addLine(start, end uint64, file string, line uint32) {
	if end <= start {
		return
	}
	fn.lines = append(fn.lines, lineRow{start: start, end: end, file: file, line: line})
}

// addInlinee records a call to name, inlined into the frame at depth-1 from
// the given call site.
func (fn *functionBuilder) addInlinee(depth uint32, name string, start, end uint64, callFile string, callLine uint32) {
	if end <= start || depth == 0 {
		return
	}
	fn.inlinees = append(fn.inlinees, inlinee{
		start:    start,
		end:      end,
		depth:    depth,
		name:     name,
		callFile: callFile,
		callLine: callLine,
	})
}

type lineRow struct {
	start, end uint64
	line       uint32
	file       string
}

type inlinee struct {
	start, end uint64
	depth      uint32 // 1 for the first level of inlining
	name       string
	callFile   string
	callLine   uint32
}

type segmentFrame struct {
	name string
	file string
	line uint32
}

// appendRecords flattens a function with its line and inline records into one
// record per depth and address segment. Leaf lines belong to the innermost
// inlinee active at their address, each outer frame reports the call site of
// the frame nested in it.
func (fn *functionBuilder) appendRecords(records []symcache.SourceRecord) []symcache.SourceRecord {
	records = append(records, symcache.SourceRecord{Start: fn.start, End: fn.end, Symbol: fn.name, Language: fn.lang})

	sort.SliceStable(fn.lines, func(i, j int) bool { return fn.lines[i].start < fn.lines[j].start })
	sort.SliceStable(fn.inlinees, func(i, j int) bool {
		if fn.inlinees[i].depth != fn.inlinees[j].depth {
			return fn.inlinees[i].depth < fn.inlinees[j].depth
		}
		return fn.inlinees[i].start < fn.inlinees[j].start
	})

	bounds := []uint64{fn.start, fn.end}
	for _, l := range fn.lines {
		bounds = append(bounds, l.start, l.end)
	}
	for _, in := range fn.inlinees {
		bounds = append(bounds, in.start, in.end)
	}
	sort.Slice(bounds, func(i, j int) bool { return bounds[i] < bounds[j] })

	// open records per depth, extended while consecutive segments agree
	var open []symcache.SourceRecord
	flush := func(from int) {
		for _, r := range open[from:] {
			if r.InlineDepth > 0 || r.Line != 0 || r.File != "" {
				records = append(records, r)
			}
		}
		open = open[:from]
	}

	var stack []segmentFrame
	for i := 0; i+1 < len(bounds); i++ {
		start, end := bounds[i], bounds[i+1]
		if start == end || start < fn.start || end > fn.end {
			continue
		}
		stack = fn.frameStack(stack[:0], start)
		for depth, f := range stack {
			if depth < len(open) {
				o := &open[depth]
				if o.End == start && o.Symbol == f.name && o.File == f.file && o.Line == f.line {
					o.End = end
					continue
				}
				flush(depth)
			}
			open = append(open, symcache.SourceRecord{
				Start:       start,
				End:         end,
				Symbol:      f.name,
				File:        f.file,
				Line:        f.line,
				Language:    fn.lang,
				InlineDepth: uint32(depth),
			})
		}
		if len(open) > len(stack) {
			flush(len(stack))
		}
	}
	flush(0)
	return records
}

// frameStack returns the frames active at addr, outermost first.
func (fn *functionBuilder) frameStack(stack []segmentFrame, addr uint64) []segmentFrame {
	stack = append(stack, segmentFrame{name: fn.name})
	for _, in := range fn.inlinees {
		if int(in.depth) != len(stack) || addr < in.start || addr >= in.end {
			continue
		}
		parent := &stack[len(stack)-1]
		parent.file, parent.line = in.callFile, in.callLine
		stack = append(stack, segmentFrame{name: in.name})
	}
	i := sort.Search(len(fn.lines), func(i int) bool { return fn.lines[i].start > addr }) - 1
	if i >= 0 && addr < fn.lines[i].end {
		leaf := &stack[len(stack)-1]
		leaf.file, leaf.line = fn.lines[i].file, fn.lines[i].line
	}
	return stack
}

package debuginfo

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/grafana/symcache/symcache"
)

// ParseError reports a malformed line of a Breakpad symbol file.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("breakpad: line %d: %s", e.Line, e.Msg)
}

const maxBreakpadLine = 4 << 20

type breakpadPublic struct {
	addr uint64
	name string
}

type breakpadParser struct {
	lineNo  int
	module  Module
	files   map[uint64]string
	origins map[uint64]string
	funcs   []*functionBuilder
	publics []breakpadPublic
	fn      *functionBuilder
}

// ParseBreakpad reads a Breakpad text symbol file. INFO and STACK records are
// ignored. Line and inline records are attached to the preceding FUNC record.
func ParseBreakpad(r io.Reader) (*Symbols, error) {
	p := &breakpadParser{
		files:   make(map[uint64]string),
		origins: make(map[uint64]string),
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxBreakpadLine)
	for sc.Scan() {
		p.lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		if err := p.parseLine(line); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("breakpad: %w", err)
	}
	if p.lineNo == 0 {
		return nil, &ParseError{Line: 1, Msg: "missing MODULE record"}
	}
	return &Symbols{Module: p.module, Records: p.records()}, nil
}

func (p *breakpadParser) errorf(format string, args ...interface{}) error {
	return &ParseError{Line: p.lineNo, Msg: fmt.Sprintf(format, args...)}
}

func (p *breakpadParser) parseLine(line string) error {
	keyword, rest, _ := strings.Cut(line, " ")
	if p.lineNo == 1 && keyword != "MODULE" {
		return p.errorf("missing MODULE record")
	}
	switch keyword {
	case "MODULE":
		if p.lineNo != 1 {
			return p.errorf("MODULE record must be the first line")
		}
		return p.parseModule(rest)
	case "FILE":
		id, name, err := p.idAndName(rest)
		if err != nil {
			return err
		}
		p.files[id] = name
	case "INLINE_ORIGIN":
		id, name, err := p.idAndName(rest)
		if err != nil {
			return err
		}
		p.origins[id] = name
	case "FUNC":
		return p.parseFunc(rest)
	case "INLINE":
		return p.parseInline(rest)
	case "PUBLIC":
		p.fn = nil
		return p.parsePublic(rest)
	case "INFO":
		p.fn = nil
		if kind, value, ok := strings.Cut(rest, " "); ok && kind == "CODE_ID" {
			p.module.CodeID, _, _ = strings.Cut(value, " ")
		}
	case "STACK":
		p.fn = nil
	default:
		return p.parseLineRecord(line)
	}
	return nil
}

func (p *breakpadParser) parseModule(rest string) error {
	fields := strings.SplitN(rest, " ", 4)
	if len(fields) != 4 {
		return p.errorf("invalid MODULE record")
	}
	id, err := symcache.ParseDebugID(fields[2])
	if err != nil {
		return p.errorf("invalid debug id: %v", err)
	}
	arch, err := symcache.ParseArch(fields[1])
	if err != nil {
		// left for the caller to override
		arch = symcache.ArchUnknown
	}
	p.module = Module{
		OS:       fields[0],
		ArchName: fields[1],
		Arch:     arch,
		DebugID:  id,
		Name:     fields[3],
	}
	return nil
}

func (p *breakpadParser) idAndName(rest string) (uint64, string, error) {
	idStr, name, ok := strings.Cut(rest, " ")
	if !ok {
		return 0, "", p.errorf("missing name")
	}
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return 0, "", p.errorf("invalid id %q", idStr)
	}
	return id, name, nil
}

// skipMulti drops the optional "m" marker of FUNC and PUBLIC records.
func skipMulti(rest string) string {
	if strings.HasPrefix(rest, "m ") {
		return rest[2:]
	}
	return rest
}

func (p *breakpadParser) parseFunc(rest string) error {
	fields := strings.SplitN(skipMulti(rest), " ", 4)
	if len(fields) < 3 {
		return p.errorf("invalid FUNC record")
	}
	addr, err := ParseAddress(fields[0])
	if err != nil {
		return p.errorf("invalid FUNC address %q", fields[0])
	}
	size, err := ParseAddress(fields[1])
	if err != nil {
		return p.errorf("invalid FUNC size %q", fields[1])
	}
	name := ""
	if len(fields) == 4 {
		name = fields[3]
	}
	if name == "" {
		name = "<unknown>"
	}
	if size == 0 {
		p.fn = nil
		return nil
	}
	p.fn = newFunctionBuilder(name, addr, addr+size)
	p.funcs = append(p.funcs, p.fn)
	return nil
}

func (p *breakpadParser) parseLineRecord(line string) error {
	fields := strings.Fields(line)
	if len(fields) != 4 {
		return p.errorf("unknown record")
	}
	addr, err := ParseAddress(fields[0])
	if err != nil {
		return p.errorf("invalid line address %q", fields[0])
	}
	size, err := ParseAddress(fields[1])
	if err != nil {
		return p.errorf("invalid line size %q", fields[1])
	}
	lineNo, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return p.errorf("invalid line number %q", fields[2])
	}
	fileID, err := strconv.ParseUint(fields[3], 10, 64)
	if err != nil {
		return p.errorf("invalid file id %q", fields[3])
	}
	if p.fn == nil || size == 0 {
		return nil
	}
	if lineNo < 0 {
		// dump_syms writes negative lines for broken debug info
		lineNo = 0
	}
	p.fn.addLine(addr, addr+size, p.files[fileID], uint32(lineNo))
	return nil
}

func (p *breakpadParser) parseInline(rest string) error {
	fields := strings.Fields(rest)
	if len(fields) < 6 || len(fields)%2 != 0 {
		return p.errorf("invalid INLINE record")
	}
	nums := make([]uint64, 4)
	for i := range nums {
		v, err := strconv.ParseUint(fields[i], 10, 64)
		if err != nil {
			return p.errorf("invalid INLINE field %q", fields[i])
		}
		nums[i] = v
	}
	if p.fn == nil {
		return nil
	}
	depth, callLine, callFile, origin := nums[0], nums[1], nums[2], nums[3]
	name, ok := p.origins[origin]
	if !ok {
		name = "<unknown>"
	}
	for i := 4; i < len(fields); i += 2 {
		addr, err := ParseAddress(fields[i])
		if err != nil {
			return p.errorf("invalid INLINE address %q", fields[i])
		}
		size, err := ParseAddress(fields[i+1])
		if err != nil {
			return p.errorf("invalid INLINE size %q", fields[i+1])
		}
		if size == 0 {
			continue
		}
		p.fn.addInlinee(uint32(depth)+1, name, addr, addr+size, p.files[callFile], uint32(callLine))
	}
	return nil
}

func (p *breakpadParser) parsePublic(rest string) error {
	fields := strings.SplitN(skipMulti(rest), " ", 3)
	if len(fields) < 2 {
		return p.errorf("invalid PUBLIC record")
	}
	addr, err := ParseAddress(fields[0])
	if err != nil {
		return p.errorf("invalid PUBLIC address %q", fields[0])
	}
	name := "<unknown>"
	if len(fields) == 3 && fields[2] != "" {
		name = fields[2]
	}
	p.publics = append(p.publics, breakpadPublic{addr: addr, name: name})
	return nil
}

// records converts the parsed functions and public symbols into source records.
func (p *breakpadParser) records() []symcache.SourceRecord {
	sort.SliceStable(p.funcs, func(i, j int) bool { return p.funcs[i].start < p.funcs[j].start })
	var records []symcache.SourceRecord
	for _, fn := range p.funcs {
		records = fn.appendRecords(records)
	}
	return p.appendPublics(records)
}

// appendPublics adds public symbols not covered by a function. A public symbol
// extends to the next symbol, the last one covers a single byte.
func (p *breakpadParser) appendPublics(records []symcache.SourceRecord) []symcache.SourceRecord {
	if len(p.publics) == 0 {
		return records
	}
	sort.SliceStable(p.publics, func(i, j int) bool { return p.publics[i].addr < p.publics[j].addr })
	covered := func(addr uint64) bool {
		i := sort.Search(len(p.funcs), func(i int) bool { return p.funcs[i].start > addr }) - 1
		return i >= 0 && addr < p.funcs[i].end
	}
	nextStart := func(addr uint64) uint64 {
		next := uint64(0)
		if i := sort.Search(len(p.funcs), func(i int) bool { return p.funcs[i].start > addr }); i < len(p.funcs) {
			next = p.funcs[i].start
		}
		if i := sort.Search(len(p.publics), func(i int) bool { return p.publics[i].addr > addr }); i < len(p.publics) {
			if next == 0 || p.publics[i].addr < next {
				next = p.publics[i].addr
			}
		}
		if next == 0 {
			return addr + 1
		}
		return next
	}
	for _, pub := range p.publics {
		if covered(pub.addr) {
			continue
		}
		records = append(records, symcache.SourceRecord{
			Start:  pub.addr,
			End:    nextStart(pub.addr),
			Symbol: pub.name,
		})
	}
	return records
}

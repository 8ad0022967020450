package debuginfo

import (
	"bytes"
	"debug/dwarf"
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/go-delve/delve/pkg/dwarf/godwarf"
	"github.com/google/uuid"
	"github.com/ulikunitz/xz"

	"github.com/grafana/symcache/symcache"
)

const (
	ntGNUBuildID = 3
	textHashSize = 4096
)

var ErrNoBuildID = errors.New("build ID not found")

// ReadELF collects the function symbols of f and, when present, its DWARF
// line tables and inline trees. Addresses are made relative to the load
// address of the object.
func ReadELF(f *elf.File) (*Symbols, error) {
	r := &elfReader{
		f:     f,
		load:  elfLoadAddress(f),
		names: make(map[dwarf.Offset]string),
	}
	arch := elfArch(f)
	module := Module{
		OS:          "linux",
		ArchName:    arch.String(),
		Arch:        arch,
		LoadAddress: r.load,
	}
	if soname, err := f.DynString(elf.DT_SONAME); err == nil && len(soname) > 0 {
		module.Name = soname[0]
	}

	buildID, err := GNUBuildID(f)
	switch {
	case err == nil:
		module.CodeID = hex.EncodeToString(buildID)
		module.DebugID = elfDebugID(buildID, f.ByteOrder)
	case errors.Is(err, ErrNoBuildID):
		if text := f.Section(".text"); text != nil && text.Type == elf.SHT_PROGBITS {
			hash, err := hashText(text)
			if err != nil {
				return nil, err
			}
			module.DebugID = elfDebugID(hash, f.ByteOrder)
		}
	default:
		return nil, err
	}

	records := r.symbols(f)
	mini, err := r.miniDebugInfoSymbols()
	if err != nil {
		return nil, fmt.Errorf("read .gnu_debugdata: %w", err)
	}
	records = append(records, mini...)

	if hasDWARF(f) {
		d, err := f.DWARF()
		if err != nil {
			return nil, fmt.Errorf("load DWARF: %w", err)
		}
		dw, err := r.dwarfRecords(d)
		if err != nil {
			return nil, err
		}
		records = append(records, dw...)
	}
	return &Symbols{Module: module, Records: records}, nil
}

type elfReader struct {
	f     *elf.File
	load  uint64
	d     *dwarf.Data
	names map[dwarf.Offset]string
}

func elfArch(f *elf.File) symcache.Arch {
	switch f.Machine {
	case elf.EM_386:
		return symcache.ArchX86
	case elf.EM_X86_64:
		return symcache.ArchAmd64
	case elf.EM_AARCH64:
		return symcache.ArchArm64
	case elf.EM_ARM:
		return symcache.ArchArm
	case elf.EM_PPC:
		return symcache.ArchPpc
	case elf.EM_PPC64:
		return symcache.ArchPpc64
	case elf.EM_MIPS, elf.EM_MIPS_RS3_LE:
		if f.Class == elf.ELFCLASS64 {
			return symcache.ArchMips64
		}
		return symcache.ArchMips
	}
	return symcache.ArchUnknown
}

// elfLoadAddress is the virtual address of the first PT_LOAD segment,
// regardless of its permissions. It is zero for most position independent
// objects.
func elfLoadAddress(f *elf.File) uint64 {
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD {
			return p.Vaddr
		}
	}
	return 0
}

// GNUBuildID returns the NT_GNU_BUILD_ID note of f, looking at PT_NOTE
// segments first and the .note.gnu.build-id section second.
func GNUBuildID(f *elf.File) ([]byte, error) {
	for _, p := range f.Progs {
		if p.Type != elf.PT_NOTE {
			continue
		}
		data, err := io.ReadAll(p.Open())
		if err != nil {
			return nil, fmt.Errorf("reading PT_NOTE: %w", err)
		}
		if id := findNote(data, f.ByteOrder, "GNU", ntGNUBuildID); len(id) > 0 {
			return id, nil
		}
	}
	if s := f.Section(".note.gnu.build-id"); s != nil {
		data, err := s.Data()
		if err != nil {
			return nil, fmt.Errorf("reading .note.gnu.build-id: %w", err)
		}
		if id := findNote(data, f.ByteOrder, "GNU", ntGNUBuildID); len(id) > 0 {
			return id, nil
		}
	}
	return nil, ErrNoBuildID
}

func findNote(data []byte, order binary.ByteOrder, name string, typ uint32) []byte {
	align4 := func(n uint32) uint32 { return (n + 3) &^ 3 }
	for len(data) >= 12 {
		nameSize := order.Uint32(data[0:4])
		descSize := order.Uint32(data[4:8])
		noteType := order.Uint32(data[8:12])
		data = data[12:]
		if uint64(align4(nameSize)) > uint64(len(data)) {
			return nil
		}
		noteName := data[:nameSize]
		data = data[align4(nameSize):]
		if uint64(descSize) > uint64(len(data)) {
			return nil
		}
		desc := data[:descSize]
		if uint64(align4(descSize)) > uint64(len(data)) {
			data = nil
		} else {
			data = data[align4(descSize):]
		}
		if noteType == typ && string(bytes.TrimRight(noteName, "\x00")) == name {
			return desc
		}
	}
	return nil
}

// elfDebugID treats the first 16 bytes of id as a GUID. Little endian objects
// store its first three fields byte swapped.
func elfDebugID(id []byte, order binary.ByteOrder) symcache.DebugID {
	if order == binary.LittleEndian {
		d, _ := symcache.DebugIDFromBuildID(id)
		return d
	}
	var u uuid.UUID
	copy(u[:], id)
	return symcache.DebugID{UUID: u}
}

// hashText XORs the first page of .text into 16 bytes, for objects without a
// build id.
func hashText(s *elf.Section) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(s.Open(), textHashSize))
	if err != nil {
		return nil, fmt.Errorf("reading .text: %w", err)
	}
	hash := make([]byte, 16)
	for i, b := range data {
		hash[i%len(hash)] ^= b
	}
	return hash, nil
}

func hasDWARF(f *elf.File) bool {
	return f.Section(".debug_info") != nil || f.Section(".zdebug_info") != nil
}

// symbols returns one record per sized STT_FUNC symbol of the static and
// dynamic symbol tables.
func (r *elfReader) symbols(f *elf.File) []symcache.SourceRecord {
	var records []symcache.SourceRecord
	syms, _ := f.Symbols()
	records = r.appendSymbols(records, syms)
	dynsyms, _ := f.DynamicSymbols()
	return r.appendSymbols(records, dynsyms)
}

func (r *elfReader) appendSymbols(records []symcache.SourceRecord, syms []elf.Symbol) []symcache.SourceRecord {
	for _, sym := range syms {
		if sym.Info&0xf != byte(elf.STT_FUNC) || sym.Section == elf.SHN_UNDEF {
			continue
		}
		if sym.Size == 0 || sym.Value < r.load || sym.Name == "" {
			continue
		}
		records = append(records, symcache.SourceRecord{
			Start:  sym.Value - r.load,
			End:    sym.Value - r.load + sym.Size,
			Symbol: sym.Name,
		})
	}
	return records
}

// miniDebugInfoSymbols reads the xz compressed symbol table some
// distributions keep in .gnu_debugdata.
func (r *elfReader) miniDebugInfoSymbols() ([]symcache.SourceRecord, error) {
	s := r.f.Section(".gnu_debugdata")
	if s == nil {
		return nil, nil
	}
	data, err := s.Data()
	if err != nil {
		return nil, err
	}
	xr, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var uncompressed bytes.Buffer
	if _, err = io.Copy(&uncompressed, xr); err != nil {
		return nil, err
	}
	mini, err := elf.NewFile(bytes.NewReader(uncompressed.Bytes()))
	if err != nil {
		return nil, err
	}
	defer mini.Close()
	return r.symbols(mini), nil
}

// dwarfRecords walks all compile units and flattens every concrete
// subprogram with its inlined calls.
func (r *elfReader) dwarfRecords(d *dwarf.Data) ([]symcache.SourceRecord, error) {
	r.d = d
	var records []symcache.SourceRecord
	rd := d.Reader()
	for {
		cu, err := rd.Next()
		if err != nil {
			return nil, fmt.Errorf("read compile unit: %w", err)
		}
		if cu == nil {
			return records, nil
		}
		if cu.Tag != dwarf.TagCompileUnit && cu.Tag != dwarf.TagPartialUnit {
			rd.SkipChildren()
			continue
		}
		lang := dwarfLanguage(cu)
		rows, files, err := r.lineRows(cu)
		if err != nil {
			return nil, err
		}
		if !cu.Children {
			continue
		}
		for depth := 1; depth > 0; {
			e, err := rd.Next()
			if err != nil {
				return nil, fmt.Errorf("read entry: %w", err)
			}
			if e == nil {
				return records, nil
			}
			if e.Tag == 0 {
				depth--
				continue
			}
			if e.Tag != dwarf.TagSubprogram {
				if e.Children {
					depth++
				}
				continue
			}
			if isConcrete(e) {
				tree, err := godwarf.LoadTree(e.Offset, d, 0)
				if err != nil {
					return nil, fmt.Errorf("load subprogram tree at %#x: %w", e.Offset, err)
				}
				records = r.appendSubprogram(records, tree, rows, files, lang)
			}
			if e.Children {
				rd.SkipChildren()
			}
		}
	}
}

func isConcrete(e *dwarf.Entry) bool {
	return e.AttrField(dwarf.AttrLowpc) != nil || e.AttrField(dwarf.AttrRanges) != nil
}

// lineRows turns the line program of cu into address ranges sorted by start.
func (r *elfReader) lineRows(cu *dwarf.Entry) ([]lineRow, []*dwarf.LineFile, error) {
	lr, err := r.d.LineReader(cu)
	if err != nil {
		return nil, nil, fmt.Errorf("create line reader: %w", err)
	}
	if lr == nil {
		return nil, nil, nil
	}
	var (
		rows     []lineRow
		prev     dwarf.LineEntry
		havePrev bool
	)
	for {
		var e dwarf.LineEntry
		if err := lr.Next(&e); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, nil, fmt.Errorf("read line entry: %w", err)
		}
		if havePrev && e.Address > prev.Address && prev.Address >= r.load {
			row := lineRow{
				start: prev.Address - r.load,
				end:   e.Address - r.load,
				line:  uint32(prev.Line),
			}
			if prev.File != nil {
				row.file = prev.File.Name
			}
			rows = append(rows, row)
		}
		prev, havePrev = e, !e.EndSequence
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].start < rows[j].start })
	return rows, lr.Files(), nil
}

func (r *elfReader) appendSubprogram(records []symcache.SourceRecord, tree *godwarf.Tree, rows []lineRow, files []*dwarf.LineFile, lang symcache.Language) []symcache.SourceRecord {
	name := r.name(tree.Entry, tree.Offset)
	var builders []*functionBuilder
	for _, rng := range tree.Ranges {
		if rng[1] <= rng[0] || rng[0] < r.load {
			continue
		}
		fn := newFunctionBuilder(name, rng[0]-r.load, rng[1]-r.load)
		fn.lang = lang
		i := sort.Search(len(rows), func(i int) bool { return rows[i].end > fn.start })
		for ; i < len(rows) && rows[i].start < fn.end; i++ {
			fn.addLine(max(rows[i].start, fn.start), min(rows[i].end, fn.end), rows[i].file, rows[i].line)
		}
		builders = append(builders, fn)
	}
	if len(builders) == 0 {
		return records
	}
	r.addInlinees(builders, tree.Children, 1, files)
	for _, fn := range builders {
		records = fn.appendRecords(records)
	}
	return records
}

// addInlinees registers every inlined call below children. Lexical blocks
// do not start a new frame.
func (r *elfReader) addInlinees(builders []*functionBuilder, children []*godwarf.Tree, depth uint32, files []*dwarf.LineFile) {
	for _, c := range children {
		switch c.Tag {
		case dwarf.TagInlinedSubroutine:
			name := r.name(c.Entry, c.Offset)
			callFile := ""
			if idx, ok := c.Val(dwarf.AttrCallFile).(int64); ok && idx >= 0 && int(idx) < len(files) && files[idx] != nil {
				callFile = files[idx].Name
			}
			callLine, _ := c.Val(dwarf.AttrCallLine).(int64)
			for _, rng := range c.Ranges {
				if rng[0] < r.load {
					continue
				}
				start, end := rng[0]-r.load, rng[1]-r.load
				for _, fn := range builders {
					if start < fn.end && fn.start < end {
						fn.addInlinee(depth, name, max(start, fn.start), min(end, fn.end), callFile, uint32(callLine))
					}
				}
			}
			r.addInlinees(builders, c.Children, depth+1, files)
		case dwarf.TagLexDwarfBlock:
			r.addInlinees(builders, c.Children, depth, files)
		}
	}
}

// name prefers the linkage name and follows abstract origins and
// specifications when the entry itself carries neither.
func (r *elfReader) name(e godwarf.Entry, off dwarf.Offset) string {
	if name, ok := r.names[off]; ok {
		return name
	}
	name := r.resolveName(e, 0)
	r.names[off] = name
	return name
}

func (r *elfReader) resolveName(e godwarf.Entry, hops int) string {
	if name, ok := e.Val(dwarf.AttrLinkageName).(string); ok && name != "" {
		return name
	}
	if name, ok := e.Val(dwarf.AttrName).(string); ok && name != "" {
		return name
	}
	if hops > 4 {
		return "<unknown>"
	}
	for _, attr := range []dwarf.Attr{dwarf.AttrAbstractOrigin, dwarf.AttrSpecification} {
		off, ok := e.Val(attr).(dwarf.Offset)
		if !ok {
			continue
		}
		rd := r.d.Reader()
		rd.Seek(off)
		ref, err := rd.Next()
		if err != nil || ref == nil {
			continue
		}
		return r.resolveName(ref, hops+1)
	}
	return "<unknown>"
}

// DWARF language codes.
const (
	dwLangC89    = 0x01
	dwLangC      = 0x02
	dwLangCpp    = 0x04
	dwLangC99    = 0x0c
	dwLangObjC   = 0x10
	dwLangObjCpp = 0x11
	dwLangD      = 0x13
	dwLangGo     = 0x16
	dwLangCpp03  = 0x19
	dwLangCpp11  = 0x1a
	dwLangRust   = 0x1c
	dwLangC11    = 0x1d
	dwLangSwift  = 0x1e
	dwLangCpp14  = 0x21
	dwLangCpp17  = 0x2a
	dwLangCpp20  = 0x2b
	dwLangC17    = 0x2c
)

func dwarfLanguage(cu *dwarf.Entry) symcache.Language {
	code, _ := cu.Val(dwarf.AttrLanguage).(int64)
	switch code {
	case dwLangC89, dwLangC, dwLangC99, dwLangC11, dwLangC17:
		return symcache.LanguageC
	case dwLangCpp, dwLangCpp03, dwLangCpp11, dwLangCpp14, dwLangCpp17, dwLangCpp20:
		return symcache.LanguageCpp
	case dwLangObjC:
		return symcache.LanguageObjC
	case dwLangObjCpp:
		return symcache.LanguageObjCpp
	case dwLangD:
		return symcache.LanguageD
	case dwLangGo:
		return symcache.LanguageGo
	case dwLangRust:
		return symcache.LanguageRust
	case dwLangSwift:
		return symcache.LanguageSwift
	}
	return symcache.LanguageUnknown
}

package symcache

import (
	"encoding/binary"
	"hash/crc32"
)

// header is the fixed-size preamble shared by all layout versions.
//
//	0x00 magic         [4]byte "SYMC"
//	0x04 version       u32
//	0x08 arch          u32
//	0x0c flags         u32
//	0x10 debug uuid    [16]byte
//	0x20 appendix      u32
//	0x24 address size  u32 (4 or 8)
//	0x28 function count, function table offset
//	0x30 line count, line table offset
//	0x38 string bytes, string pool offset
//	0x40 body crc32c   u32
//	0x44 reserved
//
// All integers are little-endian.
type header struct {
	version  uint32
	arch     uint32
	flags    uint32
	debugID  DebugID
	addrSize uint32

	functions tableHeader
	lines     tableHeader
	strings   tableHeader

	crc uint32
}

// tableHeader locates one table. For the string pool count is the size in bytes.
type tableHeader struct {
	count  uint32
	offset uint32
}

func (h *header) write(dst []byte) {
	_ = dst[headerSize-1]
	copy(dst[0:4], magic[:])
	le := binary.LittleEndian
	le.PutUint32(dst[0x04:], h.version)
	le.PutUint32(dst[0x08:], h.arch)
	le.PutUint32(dst[0x0c:], h.flags)
	copy(dst[0x10:0x20], h.debugID.UUID[:])
	le.PutUint32(dst[0x20:], h.debugID.Appendix)
	le.PutUint32(dst[0x24:], h.addrSize)
	le.PutUint32(dst[0x28:], h.functions.count)
	le.PutUint32(dst[0x2c:], h.functions.offset)
	le.PutUint32(dst[0x30:], h.lines.count)
	le.PutUint32(dst[0x34:], h.lines.offset)
	le.PutUint32(dst[0x38:], h.strings.count)
	le.PutUint32(dst[0x3c:], h.strings.offset)
	le.PutUint32(dst[0x40:], h.crc)
}

func readHeader(buf []byte) (header, error) {
	var h header
	if len(buf) < 4 {
		return h, formatError(ErrTruncated, "buffer of %d bytes is too small for a header", len(buf))
	}
	var m [4]byte
	copy(m[:], buf[:4])
	switch m {
	case magic:
	case magicFlipped:
		return h, formatError(ErrWrongEndianness, "cache was written with the opposite byte order")
	default:
		return h, formatError(ErrBadMagic, "unexpected magic %q", m[:])
	}
	if len(buf) < headerSize {
		return h, formatError(ErrTruncated, "buffer of %d bytes is too small for a header", len(buf))
	}
	le := binary.LittleEndian
	h.version = le.Uint32(buf[0x04:])
	h.arch = le.Uint32(buf[0x08:])
	h.flags = le.Uint32(buf[0x0c:])
	copy(h.debugID.UUID[:], buf[0x10:0x20])
	h.debugID.Appendix = le.Uint32(buf[0x20:])
	h.addrSize = le.Uint32(buf[0x24:])
	h.functions = tableHeader{count: le.Uint32(buf[0x28:]), offset: le.Uint32(buf[0x2c:])}
	h.lines = tableHeader{count: le.Uint32(buf[0x30:]), offset: le.Uint32(buf[0x34:])}
	h.strings = tableHeader{count: le.Uint32(buf[0x38:]), offset: le.Uint32(buf[0x3c:])}
	h.crc = le.Uint32(buf[0x40:])
	return h, nil
}

// layout is implemented once per format version. Decoding produces a view
// with absolute table slices, so the lookup path never depends on the version.
type layout interface {
	// decode slices the tables described by hdr out of buf.
	decode(buf []byte, hdr *header) (*view, error)
	// storedOffset converts an absolute table position into the value stored in the header.
	storedOffset(pos uint32) uint32
}

var layouts = map[uint32]layout{
	1: layoutV1{},
	2: layoutV2{},
}

func layoutFor(version uint32) (layout, error) {
	if version > LatestVersion {
		return nil, formatError(ErrUnsupportedVersion, "version %d is newer than the latest supported version %d", version, LatestVersion)
	}
	l, ok := layouts[version]
	if !ok {
		return nil, formatError(ErrUnsupportedVersion, "version %d is not supported", version)
	}
	return l, nil
}

// view is a decoded, version independent window over a cache buffer.
type view struct {
	hdr       header
	arch      Arch
	addrSize  int
	functions []byte
	lines     []byte
	strings   []byte
}

// sliceTables resolves the three tables, base being added to every stored offset.
func sliceTables(buf []byte, hdr *header, base uint64) (*view, error) {
	arch, ok := archFromValue(hdr.arch)
	if !ok {
		return nil, newError(KindUnknownArchitecture, ErrCorrupt, "architecture tag %d", hdr.arch)
	}
	if hdr.addrSize != 4 && hdr.addrSize != 8 {
		return nil, formatError(ErrCorrupt, "invalid address size %d, expected 4 or 8", hdr.addrSize)
	}
	v := &view{
		hdr:      *hdr,
		arch:     arch,
		addrSize: int(hdr.addrSize),
	}
	var err error
	fnSize := uint64(functionEntrySize(v.addrSize))
	if v.functions, err = section(buf, "function", base+uint64(hdr.functions.offset), uint64(hdr.functions.count)*fnSize); err != nil {
		return nil, err
	}
	if v.lines, err = section(buf, "line", base+uint64(hdr.lines.offset), uint64(hdr.lines.count)*lineEntrySize); err != nil {
		return nil, err
	}
	if v.strings, err = section(buf, "string", base+uint64(hdr.strings.offset), uint64(hdr.strings.count)); err != nil {
		return nil, err
	}
	return v, nil
}

func section(buf []byte, name string, offset, size uint64) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	if offset < headerSize || offset+size > uint64(len(buf)) {
		return nil, formatError(ErrTruncated, "%s table [%d, %d) out of bounds of %d bytes", name, offset, offset+size, len(buf))
	}
	return buf[offset : offset+size : offset+size], nil
}

func bodyChecksum(buf []byte) uint32 {
	return crc32.Checksum(buf[headerSize:], castagnoli)
}

// functionEntry is a decoded function index entry.
type functionEntry struct {
	start, end uint64
	name       stringRef
	lang       uint32
	firstLine  uint32
	lineCount  uint32
}

// lineEntry is a decoded detail row. offset is relative to the function start.
type lineEntry struct {
	offset uint32
	size   uint32
	line   uint32
	depth  uint32
	name   stringRef
	file   stringRef
	lang   uint32
}

type stringRef struct {
	offset uint32
	length uint32
}

var missingString = stringRef{offset: noString}

func (v *view) functionCount() int {
	return int(v.hdr.functions.count)
}

func (v *view) functionStart(i int) uint64 {
	off := i * functionEntrySize(v.addrSize)
	return v.readAddr(v.functions[off:])
}

func (v *view) function(i int) functionEntry {
	le := binary.LittleEndian
	b := v.functions[i*functionEntrySize(v.addrSize):]
	e := functionEntry{
		start: v.readAddr(b),
		end:   v.readAddr(b[v.addrSize:]),
	}
	b = b[2*v.addrSize:]
	e.name = stringRef{offset: le.Uint32(b[0:]), length: le.Uint32(b[4:])}
	e.lang = le.Uint32(b[8:])
	e.firstLine = le.Uint32(b[12:])
	e.lineCount = le.Uint32(b[16:])
	return e
}

func (v *view) readAddr(b []byte) uint64 {
	if v.addrSize == 4 {
		return uint64(binary.LittleEndian.Uint32(b))
	}
	return binary.LittleEndian.Uint64(b)
}

func (v *view) line(i int) lineEntry {
	le := binary.LittleEndian
	b := v.lines[i*lineEntrySize : (i+1)*lineEntrySize]
	return lineEntry{
		offset: le.Uint32(b[0:]),
		size:   le.Uint32(b[4:]),
		line:   le.Uint32(b[8:]),
		depth:  le.Uint32(b[12:]),
		name:   stringRef{offset: le.Uint32(b[16:]), length: le.Uint32(b[20:])},
		file:   stringRef{offset: le.Uint32(b[24:]), length: le.Uint32(b[28:])},
		lang:   le.Uint32(b[32:]),
	}
}

// lineOffset reads only the address offset of row i.
func (v *view) lineOffset(i int) uint32 {
	return binary.LittleEndian.Uint32(v.lines[i*lineEntrySize:])
}

// rowsOf returns the detail row range of a function, clamped to the table.
func (v *view) rowsOf(e functionEntry) (int, int) {
	total := uint64(v.hdr.lines.count)
	first := uint64(e.firstLine)
	last := first + uint64(e.lineCount)
	if first > total || last > total {
		return 0, 0
	}
	return int(first), int(last)
}

// str copies a string out of the pool. Invalid references resolve to "".
func (v *view) str(ref stringRef) string {
	if ref.offset == noString {
		return ""
	}
	end := uint64(ref.offset) + uint64(ref.length)
	if end > uint64(len(v.strings)) {
		return ""
	}
	return string(v.strings[ref.offset:end])
}

func putFunction(dst []byte, addrSize int, e *functionEntry) {
	le := binary.LittleEndian
	if addrSize == 4 {
		le.PutUint32(dst[0:], uint32(e.start))
		le.PutUint32(dst[4:], uint32(e.end))
	} else {
		le.PutUint64(dst[0:], e.start)
		le.PutUint64(dst[8:], e.end)
	}
	b := dst[2*addrSize:]
	le.PutUint32(b[0:], e.name.offset)
	le.PutUint32(b[4:], e.name.length)
	le.PutUint32(b[8:], e.lang)
	le.PutUint32(b[12:], e.firstLine)
	le.PutUint32(b[16:], e.lineCount)
}

func putLine(dst []byte, e *lineEntry) {
	le := binary.LittleEndian
	le.PutUint32(dst[0:], e.offset)
	le.PutUint32(dst[4:], e.size)
	le.PutUint32(dst[8:], e.line)
	le.PutUint32(dst[12:], e.depth)
	le.PutUint32(dst[16:], e.name.offset)
	le.PutUint32(dst[20:], e.name.length)
	le.PutUint32(dst[24:], e.file.offset)
	le.PutUint32(dst[28:], e.file.length)
	le.PutUint32(dst[32:], e.lang)
}

package symcache

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/edsrzf/mmap-go"
)

// Cache is an opened, immutable symbol cache. All lookup methods are safe for
// concurrent use. The buffer passed to Open must outlive the Cache.
type Cache struct {
	buf  []byte
	v    *view
	mm   mmap.MMap
	file *os.File
}

// Open validates buf and returns a Cache backed by it. buf is not copied.
func Open(buf []byte, opts ...Option) (*Cache, error) {
	o := applyOptions(opts)
	hdr, err := readHeader(buf)
	if err != nil {
		return nil, err
	}
	l, err := layoutFor(hdr.version)
	if err != nil {
		return nil, err
	}
	v, err := l.decode(buf, &hdr)
	if err != nil {
		return nil, err
	}
	if o.checksum && hdr.flags&flagChecksum != 0 {
		if sum := bodyChecksum(buf); sum != hdr.crc {
			return nil, formatError(ErrChecksum, "expected %08x, got %08x", hdr.crc, sum)
		}
	}
	return &Cache{buf: buf, v: v}, nil
}

// OpenFile memory-maps the file at path. The mapping is released by Close.
func OpenFile(path string, opts ...Option) (*Cache, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if fi.Size() == 0 {
		_ = f.Close()
		return nil, formatError(ErrTruncated, "%s is empty", path)
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	c, err := Open(m, opts...)
	if err != nil {
		_ = m.Unmap()
		_ = f.Close()
		return nil, err
	}
	c.mm = m
	c.file = f
	return c, nil
}

// OpenReader reads r to the end and opens the result.
func OpenReader(r io.Reader, opts ...Option) (*Cache, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return Open(buf, opts...)
}

// Close releases the memory mapping of caches opened with OpenFile. It is a
// no-op for caches opened from a buffer. Lookup results stay valid after Close.
func (c *Cache) Close() error {
	if c.mm == nil {
		return nil
	}
	err := c.mm.Unmap()
	if cerr := c.file.Close(); err == nil {
		err = cerr
	}
	c.mm = nil
	c.file = nil
	c.buf = nil
	c.v = &view{hdr: c.v.hdr, arch: c.v.arch, addrSize: c.v.addrSize}
	c.v.hdr.functions.count = 0
	c.v.hdr.lines.count = 0
	return err
}

func (c *Cache) Arch() Arch {
	return c.v.arch
}

func (c *Cache) DebugID() DebugID {
	return c.v.hdr.debugID
}

// Version is the layout version the cache was written with.
func (c *Cache) Version() uint32 {
	return c.v.hdr.version
}

func (c *Cache) IsLatestVersion() bool {
	return c.v.hdr.version == LatestVersion
}

// HasLineInfo reports whether any row carries a line number.
func (c *Cache) HasLineInfo() bool {
	return c.v.hdr.flags&flagHasLineInfo != 0
}

// HasFileInfo reports whether any row carries a file path.
func (c *Cache) HasFileInfo() bool {
	return c.v.hdr.flags&flagHasFileInfo != 0
}

// Bytes returns the serialized cache. The slice aliases the backing buffer
// and must not be modified.
func (c *Cache) Bytes() []byte {
	return c.buf
}

// NewReader returns a reader over the serialized cache.
func (c *Cache) NewReader() *bytes.Reader {
	return bytes.NewReader(c.buf)
}

// WriteTo dumps the serialized cache into w.
func (c *Cache) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(c.buf)
	return int64(n), err
}

// Function describes one entry of the function index.
type Function struct {
	Start    uint64
	End      uint64
	Name     string
	Language Language
	Lines    []Line
}

// Line is a detail row with its address resolved.
type Line struct {
	Start       uint64
	End         uint64
	Line        uint32
	InlineDepth uint32
	Symbol      string
	File        string
	Language    Language
}

// Functions enumerates the function index in address order.
func (c *Cache) Functions() []Function {
	n := c.v.functionCount()
	fns := make([]Function, 0, n)
	for i := 0; i < n; i++ {
		e := c.v.function(i)
		fn := Function{
			Start:    e.start,
			End:      e.end,
			Name:     c.v.str(e.name),
			Language: languageFromValue(e.lang),
		}
		first, last := c.v.rowsOf(e)
		for j := first; j < last; j++ {
			r := c.v.line(j)
			start := e.start + uint64(r.offset)
			fn.Lines = append(fn.Lines, Line{
				Start:       start,
				End:         start + uint64(r.size),
				Line:        r.line,
				InlineDepth: r.depth,
				Symbol:      c.v.str(r.name),
				File:        c.v.str(r.file),
				Language:    languageFromValue(r.lang),
			})
		}
		fns = append(fns, fn)
	}
	return fns
}

func (c *Cache) String() string {
	return fmt.Sprintf("symcache{arch=%s, debug_id=%s, version=%d, functions=%d}",
		c.v.arch, c.v.hdr.debugID, c.v.hdr.version, c.v.functionCount())
}

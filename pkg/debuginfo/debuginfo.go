// Package debuginfo turns Breakpad symbol files and ELF objects into
// symcache source records.
package debuginfo

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/grafana/symcache/symcache"
)

// Module describes the object the records were read from.
type Module struct {
	Name     string
	OS       string
	ArchName string
	Arch     symcache.Arch
	DebugID  symcache.DebugID
	// CodeID is the hex encoded build id, if any.
	CodeID string
	// LoadAddress was subtracted from all record addresses.
	LoadAddress uint64
}

// Symbols holds everything needed to build a cache for one module.
type Symbols struct {
	Module  Module
	Records []symcache.SourceRecord
}

// Build serializes the records into a symcache.
func (s *Symbols) Build(opts ...symcache.Option) ([]byte, error) {
	return symcache.Build(s.Records, s.Module.Arch, s.Module.DebugID, opts...)
}

// Format of a debug information file.
type Format string

const (
	FormatUnknown  Format = ""
	FormatBreakpad Format = "breakpad"
	FormatELF      Format = "elf"
)

var ErrUnknownFormat = errors.New("unknown debug information format")

// DetectFormat looks at the first bytes of data.
func DetectFormat(data []byte) Format {
	switch {
	case bytes.HasPrefix(data, []byte(elf.ELFMAG)):
		return FormatELF
	case bytes.HasPrefix(data, []byte("MODULE ")):
		return FormatBreakpad
	}
	return FormatUnknown
}

// Read parses data as either format, decompressing it first if needed.
func Read(data []byte) (*Symbols, error) {
	data, err := Decompress(data)
	if err != nil {
		return nil, err
	}
	switch DetectFormat(data) {
	case FormatELF:
		f, err := elf.NewFile(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("parse ELF file: %w", err)
		}
		defer f.Close()
		return ReadELF(f)
	case FormatBreakpad:
		return ParseBreakpad(bytes.NewReader(data))
	}
	return nil, ErrUnknownFormat
}

// ReadFile reads and parses the file at path.
func ReadFile(path string) (*Symbols, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := Read(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// ParseAddress converts a hex string in either 0xABC123 or just ABC123 form
// into an integer.
func ParseAddress(addr string) (uint64, error) {
	addr = strings.TrimPrefix(strings.TrimPrefix(addr, "0x"), "0X")
	return strconv.ParseUint(addr, 16, 64)
}

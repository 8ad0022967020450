package symcache

import "hash/crc32"

// File format constants
const (
	// LatestVersion is the layout written by default and the newest one Open accepts.
	LatestVersion uint32 = 2

	// Oldest layout that still has a decoder.
	minSupportedVersion uint32 = 1

	// Size of the file header in bytes, identical for all versions.
	headerSize = 0x50

	// Size of a detail (line) row in bytes.
	lineEntrySize = 36

	// Size of the fixed part of a function index entry, not counting the two addresses.
	functionFieldsSize = 20

	// Marks a missing string reference.
	noString uint32 = 0xffffffff
)

// Header flag bits
const (
	flagHasLineInfo uint32 = 1 << iota
	flagHasFileInfo
	flagChecksum
)

var (
	castagnoli = crc32.MakeTable(crc32.Castagnoli)

	magic        = [4]byte{'S', 'Y', 'M', 'C'}
	magicFlipped = [4]byte{'C', 'M', 'Y', 'S'}
)

func functionEntrySize(addrSize int) int {
	return 2*addrSize + functionFieldsSize
}

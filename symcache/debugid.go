package symcache

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// DebugID identifies one build of one module independently of its
// architecture: a UUID plus an optional appendix (the PDB age on Windows).
type DebugID struct {
	UUID     uuid.UUID
	Appendix uint32
}

// NilDebugID is the zero identifier used by modules without one.
var NilDebugID DebugID

// ParseDebugID accepts the canonical form ("dfb8e43a-f242-3d73-a453-aeb6a777ef75-a")
// as well as the Breakpad form ("DFB8E43AF2423D73A453AEB6A777EF75A").
func ParseDebugID(s string) (DebugID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return NilDebugID, fmt.Errorf("empty debug id")
	}
	if strings.Contains(s, "-") {
		return parseHyphenated(s)
	}
	return parseCompact(s)
}

func parseHyphenated(s string) (DebugID, error) {
	const uuidLen = 36
	if len(s) < uuidLen {
		return NilDebugID, fmt.Errorf("invalid debug id %q", s)
	}
	u, err := uuid.Parse(s[:uuidLen])
	if err != nil {
		return NilDebugID, fmt.Errorf("invalid debug id %q: %w", s, err)
	}
	id := DebugID{UUID: u}
	rest := s[uuidLen:]
	if rest == "" {
		return id, nil
	}
	if rest[0] != '-' || len(rest) == 1 {
		return NilDebugID, fmt.Errorf("invalid debug id appendix in %q", s)
	}
	appendix, err := strconv.ParseUint(rest[1:], 16, 32)
	if err != nil {
		return NilDebugID, fmt.Errorf("invalid debug id appendix in %q: %w", s, err)
	}
	id.Appendix = uint32(appendix)
	return id, nil
}

func parseCompact(s string) (DebugID, error) {
	if len(s) < 32 || len(s) > 40 {
		return NilDebugID, fmt.Errorf("invalid debug id %q", s)
	}
	u, err := uuid.Parse(s[:32])
	if err != nil {
		return NilDebugID, fmt.Errorf("invalid debug id %q: %w", s, err)
	}
	id := DebugID{UUID: u}
	if len(s) > 32 {
		appendix, err := strconv.ParseUint(s[32:], 16, 32)
		if err != nil {
			return NilDebugID, fmt.Errorf("invalid debug id appendix in %q: %w", s, err)
		}
		id.Appendix = uint32(appendix)
	}
	return id, nil
}

// DebugIDFromBuildID derives a debug id from an ELF GNU build id. The first
// 16 bytes are interpreted as a little-endian GUID, shorter ids are zero padded.
func DebugIDFromBuildID(buildID []byte) (DebugID, error) {
	if len(buildID) == 0 {
		return NilDebugID, fmt.Errorf("empty build id")
	}
	var b [16]byte
	copy(b[:], buildID)
	binary.BigEndian.PutUint32(b[0:4], binary.LittleEndian.Uint32(b[0:4]))
	binary.BigEndian.PutUint16(b[4:6], binary.LittleEndian.Uint16(b[4:6]))
	binary.BigEndian.PutUint16(b[6:8], binary.LittleEndian.Uint16(b[6:8]))
	return DebugID{UUID: uuid.UUID(b)}, nil
}

func (id DebugID) IsNil() bool {
	return id == NilDebugID
}

// String returns the normalized, lowercase form.
func (id DebugID) String() string {
	if id.Appendix == 0 {
		return id.UUID.String()
	}
	return fmt.Sprintf("%s-%x", id.UUID.String(), id.Appendix)
}

// Breakpad returns the form used in Breakpad MODULE records.
func (id DebugID) Breakpad() string {
	hex := strings.ToUpper(strings.ReplaceAll(id.UUID.String(), "-", ""))
	return fmt.Sprintf("%s%X", hex, id.Appendix)
}

func (id DebugID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *DebugID) UnmarshalText(text []byte) error {
	parsed, err := ParseDebugID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

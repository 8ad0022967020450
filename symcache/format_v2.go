package symcache

// layoutV2 stores file-absolute table offsets.
type layoutV2 struct{}

func (layoutV2) decode(buf []byte, hdr *header) (*view, error) {
	return sliceTables(buf, hdr, 0)
}

func (layoutV2) storedOffset(pos uint32) uint32 {
	return pos
}

package symcache

// layoutV1 is the first published layout. Table offsets are stored relative
// to the end of the header.
type layoutV1 struct{}

func (layoutV1) decode(buf []byte, hdr *header) (*view, error) {
	return sliceTables(buf, hdr, headerSize)
}

func (layoutV1) storedOffset(pos uint32) uint32 {
	return pos - headerSize
}

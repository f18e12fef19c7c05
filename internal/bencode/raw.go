package bencode

// FindTopLevelRaw scans the top-level dictionary encoded in b and returns
// the exact, unmodified bytes of the value associated with key, without
// decoding and re-encoding it. This is required for info-hash computation:
// SHA-1 must be taken over the original byte slice of the "info" value
// exactly as it appeared in the torrent file, so the hash never depends on
// a decode/re-encode round trip reproducing those bytes.
func FindTopLevelRaw(b []byte, key string) (raw []byte, found bool, err error) {
	if len(b) == 0 || b[0] != 'd' {
		return nil, false, newErr(0, KindUnknownToken)
	}
	pos := 1
	for {
		if pos >= len(b) {
			return nil, false, newErr(pos, KindUnexpectedEOF)
		}
		if b[pos] == 'e' {
			return nil, false, nil
		}
		k, n, derr := decodeString(b, pos)
		if derr != nil {
			return nil, false, derr
		}
		pos = n
		valStart := pos
		_, valEnd, derr := decodeValue(b, pos)
		if derr != nil {
			return nil, false, derr
		}
		if string(k) == key {
			return b[valStart:valEnd], true, nil
		}
		pos = valEnd
	}
}

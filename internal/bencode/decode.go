package bencode

// Decode parses a single top-level bencoded value from b and returns it.
// The returned value is one of: int64, []byte, []interface{}, or *Dict.
//
// Decode does not accept trailing bytes; use DecodeValue for that (e.g. when
// parsing a torrent file's "info" sub-value out of a larger dictionary that
// the caller has already sliced).
func Decode(b []byte) (interface{}, error) {
	v, n, err := decodeValue(b, 0)
	if err != nil {
		return nil, err
	}
	if n != len(b) {
		return nil, newErr(n, KindTrailingBytes)
	}
	return v, nil
}

// DecodeValue parses a single bencoded value starting at offset 0 and
// returns it plus the offset of the first unconsumed byte. It does not
// error on trailing bytes, which lets callers decode a value embedded
// inside a larger buffer (e.g. extracting "info" while keeping its raw
// byte range for info-hash computation).
func DecodeValue(b []byte) (value interface{}, consumed int, err error) {
	return decodeValue(b, 0)
}

func decodeValue(b []byte, pos int) (interface{}, int, error) {
	if pos >= len(b) {
		return nil, pos, newErr(pos, KindUnexpectedEOF)
	}
	switch c := b[pos]; {
	case c == 'i':
		return decodeInt(b, pos)
	case c == 'l':
		return decodeList(b, pos)
	case c == 'd':
		return decodeDict(b, pos)
	case c >= '0' && c <= '9':
		return decodeString(b, pos)
	default:
		return nil, pos, newErr(pos, KindUnknownToken)
	}
}

// decodeInt parses "i<digits>e". No leading zeros are allowed except the
// literal "0"; "-0" is invalid; "i-0e" and "i01e" are rejected.
func decodeInt(b []byte, pos int) (int64, int, error) {
	start := pos
	pos++ // skip 'i'
	digitsStart := pos
	neg := false
	if pos < len(b) && b[pos] == '-' {
		neg = true
		pos++
	}
	if pos >= len(b) || b[pos] < '0' || b[pos] > '9' {
		return 0, start, newErr(start, KindInvalidInteger)
	}
	numStart := pos
	for pos < len(b) && b[pos] >= '0' && b[pos] <= '9' {
		pos++
	}
	if pos >= len(b) || b[pos] != 'e' {
		return 0, start, newErr(start, KindInvalidInteger)
	}
	digits := b[numStart:pos]
	if len(digits) > 1 && digits[0] == '0' {
		return 0, start, newErr(start, KindInvalidInteger)
	}
	if neg && len(digits) == 1 && digits[0] == '0' {
		return 0, start, newErr(start, KindInvalidInteger)
	}
	_ = digitsStart
	var n int64
	for _, d := range digits {
		n = n*10 + int64(d-'0')
	}
	if neg {
		n = -n
	}
	return n, pos + 1, nil
}

// decodeString parses "<len>:<bytes>".
func decodeString(b []byte, pos int) ([]byte, int, error) {
	start := pos
	lenStart := pos
	for pos < len(b) && b[pos] >= '0' && b[pos] <= '9' {
		pos++
	}
	if pos == lenStart {
		return nil, start, newErr(start, KindUnknownToken)
	}
	if len(b[lenStart:pos]) > 1 && b[lenStart] == '0' {
		return nil, start, newErr(start, KindLengthOverflow)
	}
	if pos >= len(b) || b[pos] != ':' {
		return nil, start, newErr(start, KindUnexpectedEOF)
	}
	var length int64
	for _, d := range b[lenStart:pos] {
		length = length*10 + int64(d-'0')
		if length > int64(len(b)) {
			return nil, start, newErr(start, KindLengthOverflow)
		}
	}
	pos++ // skip ':'
	end := pos + int(length)
	if end > len(b) || end < pos {
		return nil, start, newErr(start, KindUnexpectedEOF)
	}
	out := make([]byte, length)
	copy(out, b[pos:end])
	return out, end, nil
}

func decodeList(b []byte, pos int) ([]interface{}, int, error) {
	start := pos
	pos++ // skip 'l'
	var list []interface{}
	for {
		if pos >= len(b) {
			return nil, start, newErr(start, KindUnexpectedEOF)
		}
		if b[pos] == 'e' {
			return list, pos + 1, nil
		}
		v, n, err := decodeValue(b, pos)
		if err != nil {
			return nil, pos, err
		}
		list = append(list, v)
		pos = n
	}
}

func decodeDict(b []byte, pos int) (*Dict, int, error) {
	start := pos
	pos++ // skip 'd'
	d := NewDict()
	var lastKey []byte
	first := true
	for {
		if pos >= len(b) {
			return nil, start, newErr(start, KindUnexpectedEOF)
		}
		if b[pos] == 'e' {
			return d, pos + 1, nil
		}
		if b[pos] < '0' || b[pos] > '9' {
			return nil, pos, newErr(pos, KindUnknownToken)
		}
		key, n, err := decodeString(b, pos)
		if err != nil {
			return nil, pos, err
		}
		if !first && string(key) <= string(lastKey) {
			return nil, pos, newErr(pos, KindNonLexKeys)
		}
		lastKey = key
		first = false
		pos = n
		val, n2, err := decodeValue(b, pos)
		if err != nil {
			return nil, pos, err
		}
		d.Set(string(key), val)
		pos = n2
	}
}

package bencode

import (
	"sort"
	"strconv"
)

// Encode serializes a value produced by Decode (int64, []byte, string,
// []interface{}, or *Dict) into canonical bencoding. Dictionary keys are
// always emitted in lexicographic byte order regardless of insertion order,
// which is required for info-hash stability.
func Encode(v interface{}) []byte {
	var buf []byte
	return appendValue(buf, v)
}

func appendValue(buf []byte, v interface{}) []byte {
	switch t := v.(type) {
	case int64:
		return appendInt(buf, t)
	case int:
		return appendInt(buf, int64(t))
	case []byte:
		return appendString(buf, t)
	case string:
		return appendString(buf, []byte(t))
	case []interface{}:
		return appendList(buf, t)
	case *Dict:
		return appendDict(buf, t)
	default:
		panic("bencode: unsupported type in Encode")
	}
}

func appendInt(buf []byte, n int64) []byte {
	buf = append(buf, 'i')
	buf = strconv.AppendInt(buf, n, 10)
	buf = append(buf, 'e')
	return buf
}

func appendString(buf []byte, s []byte) []byte {
	buf = strconv.AppendInt(buf, int64(len(s)), 10)
	buf = append(buf, ':')
	buf = append(buf, s...)
	return buf
}

func appendList(buf []byte, list []interface{}) []byte {
	buf = append(buf, 'l')
	for _, v := range list {
		buf = appendValue(buf, v)
	}
	buf = append(buf, 'e')
	return buf
}

func appendDict(buf []byte, d *Dict) []byte {
	buf = append(buf, 'd')
	keys := make([]string, len(d.keys))
	copy(keys, d.keys)
	sort.Strings(keys)
	for _, k := range keys {
		buf = appendString(buf, []byte(k))
		val, _ := d.Get(k)
		buf = appendValue(buf, val)
	}
	buf = append(buf, 'e')
	return buf
}

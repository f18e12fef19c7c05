// Package bencode implements the bencoding used by the BitTorrent wire and
// file formats: integers, byte strings, lists and ordered dictionaries.
package bencode

import "fmt"

// Kind classifies a DecodeError.
type Kind int

const (
	// KindUnexpectedEOF means the input ended before a value finished.
	KindUnexpectedEOF Kind = iota
	// KindInvalidInteger means an "i...e" token had a malformed body.
	KindInvalidInteger
	// KindLengthOverflow means a string length prefix overflowed or was negative.
	KindLengthOverflow
	// KindNonLexKeys means a dictionary's keys were not in lexicographic order.
	KindNonLexKeys
	// KindTrailingBytes means the input had bytes left after a single top-level value.
	KindTrailingBytes
	// KindUnknownToken means the next byte did not start any known bencode type.
	KindUnknownToken
)

func (k Kind) String() string {
	switch k {
	case KindUnexpectedEOF:
		return "unexpected-eof"
	case KindInvalidInteger:
		return "invalid-integer"
	case KindLengthOverflow:
		return "length-overflow"
	case KindNonLexKeys:
		return "non-lex-keys"
	case KindTrailingBytes:
		return "trailing-bytes"
	case KindUnknownToken:
		return "unknown-token"
	default:
		return "unknown"
	}
}

// DecodeError is returned by Decode/Unmarshal when the input is malformed.
type DecodeError struct {
	Position int
	Kind     Kind
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("bencode: %s at offset %d", e.Kind, e.Position)
}

func newErr(pos int, k Kind) error {
	return &DecodeError{Position: pos, Kind: k}
}

// Dict is an ordered bencoded dictionary. Entries are kept in the order they
// were inserted or decoded in; Encode always emits keys in lexicographic
// byte order regardless of entry order, per the wire format requirement.
type Dict struct {
	keys   []string
	values map[string]interface{}
}

// NewDict returns an empty ordered dictionary.
func NewDict() *Dict {
	return &Dict{values: make(map[string]interface{})}
}

// Set inserts or overwrites a key.
func (d *Dict) Set(key string, value interface{}) {
	if _, ok := d.values[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.values[key] = value
}

// Get looks up a key.
func (d *Dict) Get(key string) (interface{}, bool) {
	v, ok := d.values[key]
	return v, ok
}

// Keys returns the dictionary's keys in lexicographic order.
func (d *Dict) Keys() []string {
	keys := make([]string, len(d.keys))
	copy(keys, d.keys)
	sortStrings(keys)
	return keys
}

// Len returns the number of entries.
func (d *Dict) Len() int { return len(d.keys) }

func sortStrings(s []string) {
	// insertion sort: dictionaries are small (a few dozen keys at most)
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

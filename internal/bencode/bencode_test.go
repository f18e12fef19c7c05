package bencode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripScalars(t *testing.T) {
	cases := []struct {
		in  string
		val interface{}
	}{
		{"i0e", int64(0)},
		{"i42e", int64(42)},
		{"i-42e", int64(-42)},
		{"4:spam", []byte("spam")},
		{"0:", []byte("")},
		{"l4:spam4:eggse", []interface{}{[]byte("spam"), []byte("eggs")}},
	}
	for _, c := range cases {
		v, err := Decode([]byte(c.in))
		require.NoError(t, err)
		assert.Equal(t, c.val, v)
		assert.Equal(t, []byte(c.in), Encode(v))
	}
}

func TestDecodeDict(t *testing.T) {
	v, err := Decode([]byte("d3:bar4:spam3:fooi42ee"))
	require.NoError(t, err)
	d, ok := v.(*Dict)
	require.True(t, ok)
	assert.Equal(t, []string{"bar", "foo"}, d.Keys())
	foo, _ := d.Get("foo")
	assert.Equal(t, int64(42), foo)
}

func TestNonLexKeysRejected(t *testing.T) {
	_, err := Decode([]byte("d3:fooi1e3:bari2ee"))
	require.Error(t, err)
	de, ok := err.(*DecodeError)
	require.True(t, ok)
	assert.Equal(t, KindNonLexKeys, de.Kind)
}

func TestInvalidIntegers(t *testing.T) {
	for _, in := range []string{"i01e", "i-0e", "ie", "i-e"} {
		_, err := Decode([]byte(in))
		require.Error(t, err, in)
		de, ok := err.(*DecodeError)
		require.True(t, ok)
		assert.Equal(t, KindInvalidInteger, de.Kind)
	}
}

func TestUnexpectedEOF(t *testing.T) {
	for _, in := range []string{"4:spa", "l4:spam", "d3:fooi1e", "i42"} {
		_, err := Decode([]byte(in))
		require.Error(t, err, in)
	}
}

func TestTrailingBytes(t *testing.T) {
	_, err := Decode([]byte("i1ei2e"))
	require.Error(t, err)
	de, ok := err.(*DecodeError)
	require.True(t, ok)
	assert.Equal(t, KindTrailingBytes, de.Kind)
}

func TestLengthOverflow(t *testing.T) {
	_, err := Decode([]byte("99999999999999999999:x"))
	require.Error(t, err)
	de, ok := err.(*DecodeError)
	require.True(t, ok)
	assert.Equal(t, KindLengthOverflow, de.Kind)
}

func TestEncodeCanonicalKeyOrder(t *testing.T) {
	d := NewDict()
	d.Set("z", int64(1))
	d.Set("a", int64(2))
	d.Set("m", int64(3))
	assert.Equal(t, []byte("d1:ai2e1:mi3e1:zi1ee"), Encode(d))
}

package bitfield

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetTestClear(t *testing.T) {
	bf := New(10)
	assert.False(t, bf.Test(3))
	bf.Set(3)
	assert.True(t, bf.Test(3))
	bf.Clear(3)
	assert.False(t, bf.Test(3))
}

func TestMSBFirstPacking(t *testing.T) {
	bf := New(3)
	bf.Set(0)
	assert.Equal(t, []byte{0x80}, bf.Bytes())
}

func TestSetAllClearsPadding(t *testing.T) {
	bf := New(3)
	bf.SetAll()
	assert.Equal(t, []byte{0xE0}, bf.Bytes())
	assert.True(t, bf.All())
}

func TestNewBytesRejectsPadding(t *testing.T) {
	_, err := NewBytes([]byte{0x01}, 3)
	require.Error(t, err)
}

func TestNewBytesRoundTrip(t *testing.T) {
	bf := New(20)
	bf.Set(0)
	bf.Set(19)
	bf2, err := NewBytes(bf.Bytes(), 20)
	require.NoError(t, err)
	assert.True(t, bf2.Test(0))
	assert.True(t, bf2.Test(19))
	assert.Equal(t, uint32(2), bf2.Count())
}

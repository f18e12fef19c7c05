package magnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHex(t *testing.T) {
	m, err := New("magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567&dn=Example&tr=http://tracker.example/announce&so=0,2,4-9")
	require.NoError(t, err)
	assert.Equal(t, "Example", m.Name)
	assert.Equal(t, []string{"http://tracker.example/announce"}, m.Trackers)
	require.Len(t, m.Select, 3)
	assert.Equal(t, IndexRange{Start: 4, End: 9}, m.Select[2])
}

func TestMissingXT(t *testing.T) {
	_, err := New("magnet:?dn=Example")
	require.Error(t, err)
}

func TestNonMagnetScheme(t *testing.T) {
	_, err := New("http://example.com")
	require.Error(t, err)
}

package humanresumer

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccBitTorrent/ccbt-sub002/internal/resumer"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	spec := &resumer.Spec{
		InfoHash:  make([]byte, 20),
		Bitfield:  []byte{0xAB},
		Dest:      "/data/x",
		Port:      6882,
		Name:      "example",
		Trackers:  []string{"http://tracker.example/announce", "udp://tracker2.example:80"},
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		Stats:     resumer.Stats{BytesDownloaded: 10, BytesUploaded: 20, BytesWasted: 1},
	}
	raw := Encode(spec)
	got, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, spec.InfoHash, got.InfoHash)
	assert.Equal(t, spec.Bitfield, got.Bitfield)
	assert.Equal(t, spec.Trackers, got.Trackers)
	assert.True(t, spec.CreatedAt.Equal(got.CreatedAt))
}

func TestSaveLoadAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint")
	spec := &resumer.Spec{Name: "atomic", Port: 1234, CreatedAt: time.Now().UTC().Truncate(time.Second)}
	require.NoError(t, Save(path, spec))
	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "atomic", got.Name)
	assert.Equal(t, 1234, got.Port)
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope"))
	assert.ErrorIs(t, err, resumer.ErrNotFound)
}

func TestFileResumerReadReturnsNotFoundBeforeFirstWrite(t *testing.T) {
	r, err := NewFileResumer(t.TempDir(), "torrent1")
	require.NoError(t, err)
	_, err = r.Read()
	assert.ErrorIs(t, err, resumer.ErrNotFound)
}

func TestFileResumerWriteThenRead(t *testing.T) {
	r, err := NewFileResumer(t.TempDir(), "torrent1")
	require.NoError(t, err)
	spec := &resumer.Spec{
		InfoHash:  make([]byte, 20),
		Name:      "example",
		Port:      6882,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, r.Write(spec))
	got, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, "example", got.Name)
	assert.Equal(t, 6882, got.Port)
}

func TestFileResumerPartialWritesMerge(t *testing.T) {
	r, err := NewFileResumer(t.TempDir(), "torrent1")
	require.NoError(t, err)
	require.NoError(t, r.Write(&resumer.Spec{Name: "example", CreatedAt: time.Now().UTC()}))
	require.NoError(t, r.WriteInfo([]byte("d4:infod1:ae1:bee")))
	require.NoError(t, r.WriteBitfield([]byte{0xFF}))
	require.NoError(t, r.WriteStats(resumer.Stats{BytesDownloaded: 100}))

	got, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, "example", got.Name)
	assert.Equal(t, []byte("d4:infod1:ae1:bee"), got.Info)
	assert.Equal(t, []byte{0xFF}, got.Bitfield)
	assert.Equal(t, int64(100), got.BytesDownloaded)
}

func TestFileResumerWriteInfoWithoutPriorWrite(t *testing.T) {
	r, err := NewFileResumer(t.TempDir(), "torrent1")
	require.NoError(t, err)
	require.NoError(t, r.WriteInfo([]byte("info-bytes")))
	got, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, []byte("info-bytes"), got.Info)
}

func TestFileResumerWriteStartedIsIndependentOfCheckpoint(t *testing.T) {
	r, err := NewFileResumer(t.TempDir(), "torrent1")
	require.NoError(t, err)
	require.NoError(t, r.WriteStarted(true))
	// Started has no effect on the Checkpoint itself; reading it still
	// reports ErrNotFound until a real Spec is written.
	_, err = r.Read()
	assert.ErrorIs(t, err, resumer.ErrNotFound)
}

package boltdbresumer

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/boltdb/bolt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccBitTorrent/ccbt-sub002/internal/resumer"
)

func openTestDB(t *testing.T) *bolt.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "resume.db")
	db, err := bolt.Open(path, 0640, &bolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte("torrents"))
		return err
	}))
	t.Cleanup(func() { db.Close() })
	return db
}

func TestWriteReadRoundTrip(t *testing.T) {
	db := openTestDB(t)
	r, err := New(db, []byte("torrents"), []byte("tid1"))
	require.NoError(t, err)

	spec := &resumer.Spec{
		InfoHash:  make([]byte, 20),
		Bitfield:  []byte{0xF0},
		Dest:      "/data/tid1",
		Port:      6881,
		Name:      "example",
		Trackers:  []string{"http://tracker.example/announce"},
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		Stats:     resumer.Stats{BytesDownloaded: 100, BytesUploaded: 50},
	}
	require.NoError(t, r.Write(spec))

	got, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, spec.InfoHash, got.InfoHash)
	assert.Equal(t, spec.Bitfield, got.Bitfield)
	assert.Equal(t, spec.Dest, got.Dest)
	assert.Equal(t, spec.Port, got.Port)
	assert.Equal(t, spec.Name, got.Name)
	assert.Equal(t, spec.Trackers, got.Trackers)
	assert.Equal(t, spec.BytesDownloaded, got.BytesDownloaded)
	assert.True(t, spec.CreatedAt.Equal(got.CreatedAt))
}

func TestReadMissingReturnsNotFound(t *testing.T) {
	db := openTestDB(t)
	r, err := New(db, []byte("torrents"), []byte("tid2"))
	require.NoError(t, err)
	_, err = r.Read()
	assert.ErrorIs(t, err, resumer.ErrNotFound)
}

func TestWriteBitfieldPartialUpdate(t *testing.T) {
	db := openTestDB(t)
	r, err := New(db, []byte("torrents"), []byte("tid3"))
	require.NoError(t, err)
	require.NoError(t, r.Write(&resumer.Spec{Name: "x"}))
	require.NoError(t, r.WriteBitfield([]byte{0xFF}))
	got, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, "x", got.Name)
	assert.Equal(t, []byte{0xFF}, got.Bitfield)
}

func TestCleanupRemovesStaleCheckpoints(t *testing.T) {
	db := openTestDB(t)
	old, err := New(db, []byte("torrents"), []byte("old"))
	require.NoError(t, err)
	require.NoError(t, old.Write(&resumer.Spec{CreatedAt: time.Now().Add(-48 * time.Hour)}))

	fresh, err := New(db, []byte("torrents"), []byte("fresh"))
	require.NoError(t, err)
	require.NoError(t, fresh.Write(&resumer.Spec{CreatedAt: time.Now()}))

	require.NoError(t, Cleanup(db, []byte("torrents"), 24*time.Hour, time.Now()))

	_, err = old.Read()
	assert.ErrorIs(t, err, resumer.ErrNotFound)
	_, err = fresh.Read()
	assert.NoError(t, err)
}

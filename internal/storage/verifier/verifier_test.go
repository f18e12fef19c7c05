package verifier

import (
	"context"
	"crypto/sha1" //nolint:gosec
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccBitTorrent/ccbt-sub002/internal/metainfo"
	"github.com/ccBitTorrent/ccbt-sub002/internal/storage/filestorage"
	"github.com/ccBitTorrent/ccbt-sub002/internal/storage/pieceio"
)

func TestRunVerifiesCorrectAndIncorrectPieces(t *testing.T) {
	good := make([]byte, 16)
	for i := range good {
		good[i] = byte(i)
	}
	bad := make([]byte, 8)
	hGood := sha1.Sum(good) //nolint:gosec
	hBad := sha1.Sum(bad)   //nolint:gosec
	info := &metainfo.Info{
		Name: "t", PieceLength: 16, TotalLength: 24,
		Pieces: [][20]byte{hGood, hBad},
		Files:  []metainfo.FileEntry{{Path: []string{"t.bin"}, Length: 24, Offset: 0}},
	}
	sto, err := filestorage.New(t.TempDir())
	require.NoError(t, err)
	layout, err := pieceio.NewLayout(info, sto)
	require.NoError(t, err)
	defer layout.Close()
	require.NoError(t, layout.WriteAt(good, 0))
	require.NoError(t, layout.WriteAt([]byte("mismatch"), 16)) // wrong content for piece 1's hash

	progressC := make(chan Progress, 8)
	res, err := Run(context.Background(), info, layout, 2, progressC)
	require.NoError(t, err)
	require.Len(t, res.Verified, 2)
	assert.True(t, res.Verified[0])
	assert.False(t, res.Verified[1])
}

func TestVerifyOne(t *testing.T) {
	data := make([]byte, 16)
	h := sha1.Sum(data) //nolint:gosec
	info := &metainfo.Info{
		Name: "t", PieceLength: 16, TotalLength: 16,
		Pieces: [][20]byte{h},
		Files:  []metainfo.FileEntry{{Path: []string{"t.bin"}, Length: 16, Offset: 0}},
	}
	sto, err := filestorage.New(t.TempDir())
	require.NoError(t, err)
	layout, err := pieceio.NewLayout(info, sto)
	require.NoError(t, err)
	defer layout.Close()
	require.NoError(t, layout.WriteAt(data, 0))

	ok, err := VerifyOne(info, layout, 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

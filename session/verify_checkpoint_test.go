package session

import (
	"crypto/sha1" //nolint:gosec // BitTorrent v1 piece hashes are defined as SHA-1.
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccBitTorrent/ccbt-sub002/internal/bitfield"
	"github.com/ccBitTorrent/ccbt-sub002/internal/metainfo"
	"github.com/ccBitTorrent/ccbt-sub002/internal/storage/filestorage"
	"github.com/ccBitTorrent/ccbt-sub002/internal/storage/pieceio"
)

func twoPieceInfo(t *testing.T, piece0, piece1 []byte) *metainfo.Info {
	t.Helper()
	require.Len(t, piece0, 16)
	require.Len(t, piece1, 16)
	h0 := sha1.Sum(piece0) //nolint:gosec
	h1 := sha1.Sum(piece1) //nolint:gosec
	return &metainfo.Info{
		Name: "t", PieceLength: 16, TotalLength: 32,
		Pieces: [][20]byte{h0, h1},
		Files:  []metainfo.FileEntry{{Path: []string{"t.bin"}, Length: 32, Offset: 0}},
	}
}

func TestVerifyCheckpointBitfieldAcceptsMatchingContent(t *testing.T) {
	piece0 := make([]byte, 16)
	piece1 := bytes16(0x01)
	info := twoPieceInfo(t, piece0, piece1)

	sto, err := filestorage.New(t.TempDir())
	require.NoError(t, err)
	layout, err := pieceio.NewLayout(info, sto)
	require.NoError(t, err)
	require.NoError(t, layout.WriteAt(piece0, 0))
	require.NoError(t, layout.WriteAt(piece1, 16))
	require.NoError(t, layout.Close())

	bf := bitfield.New(2)
	bf.Set(0)
	bf.Set(1)

	assert.True(t, verifyCheckpointBitfield(info, sto, bf.Bytes()))
}

func TestVerifyCheckpointBitfieldRejectsCorruptedContent(t *testing.T) {
	piece0 := make([]byte, 16)
	piece1 := bytes16(0x02)
	info := twoPieceInfo(t, piece0, piece1)

	sto, err := filestorage.New(t.TempDir())
	require.NoError(t, err)
	layout, err := pieceio.NewLayout(info, sto)
	require.NoError(t, err)
	require.NoError(t, layout.WriteAt(piece0, 0))
	// Piece 1's on-disk content doesn't match the hash recorded in info,
	// simulating a checkpoint that's gone stale relative to the files.
	require.NoError(t, layout.WriteAt(make([]byte, 16), 16))
	require.NoError(t, layout.Close())

	bf := bitfield.New(2)
	bf.Set(0)
	bf.Set(1)

	assert.False(t, verifyCheckpointBitfield(info, sto, bf.Bytes()))
}

func TestVerifyCheckpointBitfieldIgnoresUnclaimedPieces(t *testing.T) {
	piece0 := make([]byte, 16)
	piece1 := bytes16(0x03)
	info := twoPieceInfo(t, piece0, piece1)

	sto, err := filestorage.New(t.TempDir())
	require.NoError(t, err)
	layout, err := pieceio.NewLayout(info, sto)
	require.NoError(t, err)
	require.NoError(t, layout.WriteAt(piece0, 0))
	// Piece 1 never written and isn't claimed verified, so it must not be
	// read at all.
	require.NoError(t, layout.Close())

	bf := bitfield.New(2)
	bf.Set(0)

	assert.True(t, verifyCheckpointBitfield(info, sto, bf.Bytes()))
}

func bytes16(b byte) []byte {
	out := make([]byte, 16)
	for i := range out {
		out[i] = b
	}
	return out
}

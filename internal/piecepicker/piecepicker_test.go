package piecepicker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccBitTorrent/ccbt-sub002/internal/bitfield"
	"github.com/ccBitTorrent/ccbt-sub002/internal/peer"
	"github.com/ccBitTorrent/ccbt-sub002/internal/piece"
)

func testPieces(n int) []*piece.Piece {
	pieces := make([]*piece.Piece, n)
	for i := range pieces {
		pieces[i] = piece.New(uint32(i), piece.BlockSize, [20]byte{})
	}
	return pieces
}

func fullBitfield(n int) *bitfield.Bitfield {
	bf := bitfield.New(uint32(n))
	bf.SetAll()
	return bf
}

func TestRarestFirstPrefersLeastAvailable(t *testing.T) {
	pieces := testPieces(3)
	pp := New(pieces, RarestFirst)

	common := &peer.Peer{}
	rare := &peer.Peer{}

	pp.HandleHaveAll(common)
	bf := bitfield.New(3)
	bf.Set(1)
	pp.HandleBitfield(rare, bf)

	next := pp.Next(rare)
	require.NotNil(t, next)
	assert.Equal(t, uint32(1), next.Index)
}

func TestNextSkipsDoNotDownload(t *testing.T) {
	pieces := testPieces(2)
	pieces[0].Priority = piece.DoNotDownload
	pp := New(pieces, RarestFirst)

	pe := &peer.Peer{}
	pp.HandleHaveAll(pe)

	next := pp.Next(pe)
	require.NotNil(t, next)
	assert.Equal(t, uint32(1), next.Index)
}

func TestHandleDisconnectRemovesAvailability(t *testing.T) {
	pieces := testPieces(1)
	pp := New(pieces, RarestFirst)
	pe := &peer.Peer{}
	pp.HandleHaveAll(pe)
	assert.Equal(t, int32(1), pp.Availability(0))
	pp.HandleDisconnect(pe)
	assert.Equal(t, int32(0), pp.Availability(0))
}

func TestEndgameAllowsDuplicateInFlightAssignment(t *testing.T) {
	pieces := testPieces(1)
	pieces[0].State = piece.InFlight
	pp := New(pieces, RarestFirst)

	a := &peer.Peer{}
	b := &peer.Peer{}
	pp.HandleHaveAll(a)
	pp.HandleHaveAll(b)
	pp.MarkInFlight(a, 0)

	next := pp.Next(b)
	require.NotNil(t, next, "endgame should allow a second peer onto the only remaining piece")
	assert.Equal(t, uint32(0), next.Index)
}

func TestPenalizePeerBlacklistsAfterThreshold(t *testing.T) {
	pieces := testPieces(1)
	pp := New(pieces, RarestFirst)
	pe := &peer.Peer{}
	pp.HandleHaveAll(pe)

	for i := 0; i < defaultBadnessLimit; i++ {
		pp.PenalizePeer(pe)
	}
	assert.True(t, pp.Blacklisted(pe))
	assert.Nil(t, pp.Next(pe))
}

func TestSequentialPrefersWindowThenFallsBack(t *testing.T) {
	pieces := testPieces(5)
	pp := New(pieces, Sequential)
	pp.SetSequentialWindow(3, 2)

	pe := &peer.Peer{}
	pp.HandleHaveAll(pe)

	next := pp.Next(pe)
	require.NotNil(t, next)
	assert.Equal(t, uint32(3), next.Index)

	pieces[3].State = piece.Verified
	pieces[4].State = piece.Verified
	next = pp.Next(pe)
	require.NotNil(t, next)
	assert.Equal(t, uint32(0), next.Index)
}

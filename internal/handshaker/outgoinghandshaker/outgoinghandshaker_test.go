package outgoinghandshaker

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccBitTorrent/ccbt-sub002/internal/peerprotocol"
)

func TestOutgoingHandshakerCompletes(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var ourID, remoteID, infoHash [20]byte
	ourID[0] = 1
	remoteID[0] = 2
	infoHash[0] = 7

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		hs, err := peerprotocol.ReadHandshake(conn)
		if err != nil || hs.InfoHash != infoHash {
			return
		}
		var reserved [8]byte
		peerprotocol.SetBit(&reserved, peerprotocol.ReservedFast)
		peerprotocol.WriteHandshake(conn, infoHash, remoteID, reserved)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	h := New(addr)
	resultC := make(chan *OutgoingHandshaker, 1)
	go h.Run(time.Second, time.Second, ourID, infoHash, resultC, true, false)

	res := <-resultC
	require.NoError(t, res.Error)
	assert.Equal(t, remoteID, res.PeerID)
	assert.True(t, res.FastExtension)
	assert.False(t, res.ExtensionProtocol)
}

func TestOutgoingHandshakerRejectsInfoHashMismatch(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var ourID, remoteID, infoHash, otherHash [20]byte
	otherHash[0] = 0xFF

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = peerprotocol.ReadHandshake(conn)
		peerprotocol.WriteHandshake(conn, otherHash, remoteID, [8]byte{})
	}()

	addr := ln.Addr().(*net.TCPAddr)
	h := New(addr)
	resultC := make(chan *OutgoingHandshaker, 1)
	go h.Run(time.Second, time.Second, ourID, infoHash, resultC, false, false)

	res := <-resultC
	assert.ErrorIs(t, res.Error, errInfoHash)
}

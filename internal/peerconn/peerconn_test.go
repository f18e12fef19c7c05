package peerconn

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccBitTorrent/ccbt-sub002/internal/bitfield"
	"github.com/ccBitTorrent/ccbt-sub002/internal/logger"
	"github.com/ccBitTorrent/ccbt-sub002/internal/peerprotocol"
	"github.com/ccBitTorrent/ccbt-sub002/internal/ratelimit"
)

func pipeConns(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	l := logger.New("error")
	var idA, idB [20]byte
	ca := New(a, idA, true, true, l)
	cb := New(b, idB, true, true, l)
	go ca.Run()
	go cb.Run()
	t.Cleanup(func() {
		ca.Close()
		cb.Close()
	})
	return ca, cb
}

func TestHaveRoundTrip(t *testing.T) {
	ca, cb := pipeConns(t)
	ca.SendHave(7)
	select {
	case msg := <-cb.Messages():
		h, ok := msg.(HaveMessage)
		require.True(t, ok)
		assert.Equal(t, uint32(7), h.Index)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestBitfieldRoundTrip(t *testing.T) {
	ca, cb := pipeConns(t)
	bf := bitfield.New(10)
	bf.Set(3)
	ca.SendBitfield(bf)
	select {
	case msg := <-cb.Messages():
		b, ok := msg.(BitfieldMessage)
		require.True(t, ok)
		assert.Equal(t, bf.Bytes(), b.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestPieceRoundTrip(t *testing.T) {
	ca, cb := pipeConns(t)
	data := []byte("hello block")
	ca.SendPiece(1, 16384, data)
	select {
	case msg := <-cb.Messages():
		p, ok := msg.(PieceMessage)
		require.True(t, ok)
		assert.Equal(t, uint32(1), p.Index)
		assert.Equal(t, data, p.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestPieceRoundTripThrottledByLimiter(t *testing.T) {
	ca, cb := pipeConns(t)
	// 1 MiB/s with a 1 MiB burst: a 16 KiB block is admitted in one wait,
	// so receipt must arrive well before the test deadline without the
	// limiter itself ever rejecting the call outright.
	lim := ratelimit.New(1<<20, 1<<20)
	ca.SetLimiter(lim)
	cb.SetLimiter(lim)

	data := bytes.Repeat([]byte{0x7}, 16384)
	ca.SendPiece(2, 0, data)
	select {
	case msg := <-cb.Messages():
		p, ok := msg.(PieceMessage)
		require.True(t, ok)
		assert.Equal(t, data, p.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestExtensionHandshakeRoundTrip(t *testing.T) {
	ca, cb := pipeConns(t)
	h := peerprotocol.ExtensionHandshakeMessage{M: map[string]int64{peerprotocol.ExtensionMetadataName: int64(peerprotocol.ExtensionMetadataLocalID)}}
	ca.SendExtensionHandshake(h)
	select {
	case msg := <-cb.Messages():
		got, ok := msg.(ExtensionHandshakeMessage)
		require.True(t, ok)
		assert.Equal(t, int64(peerprotocol.ExtensionMetadataLocalID), got.M[peerprotocol.ExtensionMetadataName])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

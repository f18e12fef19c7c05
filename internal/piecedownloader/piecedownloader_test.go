package piecedownloader

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccBitTorrent/ccbt-sub002/internal/logger"
	"github.com/ccBitTorrent/ccbt-sub002/internal/peer"
	"github.com/ccBitTorrent/ccbt-sub002/internal/peerconn"
	"github.com/ccBitTorrent/ccbt-sub002/internal/piece"
)

func newTestPeer(t *testing.T) (*peer.Peer, *peerconn.Conn) {
	t.Helper()
	a, b := net.Pipe()
	l := logger.New("error")
	var id [20]byte
	ca := peerconn.New(a, id, false, false, l)
	cb := peerconn.New(b, id, false, false, l)
	go ca.Run()
	go cb.Run()
	t.Cleanup(func() {
		ca.Close()
		cb.Close()
	})
	return peer.New(ca, a.RemoteAddr(), l), cb
}

// TestPieceDownloaderCompletesPiece drives the downloader the way its owning
// torrent would: requests observed on the wire are answered immediately,
// and the resulting PieceMessage is fed back into d.PieceC directly.
func TestPieceDownloaderCompletesPiece(t *testing.T) {
	pe, remote := newTestPeer(t)
	pi := piece.New(0, 32*1024, [20]byte{})
	d := New(pi, pe)

	stopC := make(chan struct{})
	defer close(stopC)
	go d.Run(stopC)

	go func() {
		for i := 0; i < pi.NumBlocks(); i++ {
			msg := <-remote.Messages()
			req, ok := msg.(peerconn.RequestMessage)
			require.True(t, ok)
			data := make([]byte, req.Length)
			for j := range data {
				data[j] = byte(req.Begin + uint32(j))
			}
			remote.SendPiece(req.Index, req.Begin, data)
		}
	}()

	go func() {
		for {
			select {
			case msg := <-pe.Messages():
				pm, ok := msg.(peerconn.PieceMessage)
				if !ok {
					continue
				}
				b := pi.GetBlock(pm.Begin, uint32(len(pm.Data)))
				if b == nil {
					continue
				}
				select {
				case d.PieceC <- peer.Piece{Block: b, Data: pm.Data}:
				case <-stopC:
					return
				}
			case <-stopC:
				return
			}
		}
	}()

	select {
	case data := <-d.DoneC:
		assert.Len(t, data, 32*1024)
	case err := <-d.ErrC:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for piece completion")
	}
}

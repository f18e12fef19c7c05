package session

import (
	"net"
	"testing"

	metrics "github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccBitTorrent/ccbt-sub002/internal/logger"
	"github.com/ccBitTorrent/ccbt-sub002/internal/peer"
	"github.com/ccBitTorrent/ccbt-sub002/internal/peerconn"
)

// pipePeer returns an Active, interested peer backed by one end of an
// in-memory net.Pipe; the other end is left undrained, which is fine since
// Choke/Unchoke only enqueue onto Conn's buffered send queue.
func pipePeer(t *testing.T) *peer.Peer {
	t.Helper()
	a, _ := net.Pipe()
	t.Cleanup(func() { a.Close() })
	var id [20]byte
	pc := peerconn.New(a, id, true, true, logger.New("error"))
	pe := peer.New(pc, a.LocalAddr(), logger.New("error"))
	pe.PeerInterested = true
	return pe
}

func barePeersActor(t *testing.T, n int) (*torrentActor, []*peer.Peer) {
	t.Helper()
	cfg := DefaultConfig()
	ta := &torrentActor{
		config:        cfg,
		peers:         map[*peer.Peer]struct{}{},
		state:         Downloading,
		downloadSpeed: metrics.NewEWMA1(),
		uploadSpeed:   metrics.NewEWMA1(),
	}
	peers := make([]*peer.Peer, n)
	for i := range peers {
		pe := pipePeer(t)
		peers[i] = pe
		ta.peers[pe] = struct{}{}
	}
	return ta, peers
}

func countOptimistic(peers []*peer.Peer) int {
	n := 0
	for _, pe := range peers {
		if pe.OptimisticUnchoked {
			n++
		}
	}
	return n
}

func TestRecalculateChokingUnchokesConfiguredCount(t *testing.T) {
	ta, peers := barePeersActor(t, 6)
	ta.config.UnchokedPeers = 2

	ta.recalculateChoking(false)

	unchoked := 0
	for _, pe := range peers {
		if !pe.AmChoking {
			unchoked++
		}
	}
	assert.Equal(t, 2, unchoked)
}

func TestRecalculateChokingHonorsOptimisticSlotCount(t *testing.T) {
	ta, peers := barePeersActor(t, 6)
	ta.config.UnchokedPeers = 2
	ta.config.OptimisticUnchokedPeers = 3

	ta.recalculateChoking(true)

	// 2 regular + 3 optimistic slots requested, 4 peers remain choked after
	// the regular ranking, so all 3 optimistic slots must be granted.
	assert.Equal(t, 3, countOptimistic(peers))
}

func TestRecalculateChokingOptimisticSlotCountClampsToAvailablePeers(t *testing.T) {
	ta, peers := barePeersActor(t, 3)
	ta.config.UnchokedPeers = 2
	ta.config.OptimisticUnchokedPeers = 5

	ta.recalculateChoking(true)

	// Only 1 peer is left outside the regular ranking, so at most 1 slot
	// can be granted even though the config asks for 5.
	assert.Equal(t, 1, countOptimistic(peers))
}

func TestRecalculateChokingWithoutOptimisticGrantsNoSlot(t *testing.T) {
	ta, peers := barePeersActor(t, 4)
	ta.config.UnchokedPeers = 1

	ta.recalculateChoking(false)

	assert.Equal(t, 0, countOptimistic(peers))
	require.NotEmpty(t, peers)
}

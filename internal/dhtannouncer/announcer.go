package dhtannouncer

import (
	"net"

	"github.com/nictuku/dht"
)

// Announcer is a single torrent's handle onto the shared Node. Peers found
// for its info hash arrive on Peers(); NeedMorePeers toggles whether the
// info hash is in the node's pending set, from which the node issues one
// PeersRequest per tick (picked in map iteration order).
type Announcer struct {
	node     *Node
	infoHash dht.InfoHash
	peersC   chan []*net.TCPAddr
	closeC   chan struct{}
}

// Peers delivers batches of discovered peer addresses.
func (a *Announcer) Peers() <-chan []*net.TCPAddr { return a.peersC }

// NeedMorePeers starts or stops periodic lookups for this torrent.
func (a *Announcer) NeedMorePeers(need bool) {
	a.node.setPending(a.infoHash, need)
}

// Close unregisters the announcer from its node.
func (a *Announcer) Close() {
	select {
	case <-a.closeC:
	default:
		close(a.closeC)
	}
	a.node.unregister(a)
}

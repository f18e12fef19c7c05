// Package dhtannouncer wraps github.com/nictuku/dht into a per-torrent
// announcer: one shared DHT node services many torrents, rate-limited to
// one outstanding PeersRequest per second, with results fanned out by
// info hash to whichever torrent asked for them (spec.md §4.6, BEP 5).
package dhtannouncer

import (
	"net"
	"sync"
	"time"

	"github.com/nictuku/dht"
)

// NodeConfig mirrors the subset of dht.Config the session exposes as
// tunables.
type NodeConfig struct {
	Address          string
	Port             int
	BootstrapNodes   string
	SaveRoutingTable bool
}

var defaultBootstrapNodes = "router.bittorrent.com:6881,dht.transmissionbt.com:6881," +
	"router.utorrent.com:6881,dht.libtorrent.org:25401,dht.aelitis.com:6881"

// Node owns the shared DHT routing table and dispatches peer lookups for
// every torrent that has registered an Announcer.
type Node struct {
	dht *dht.DHT

	mu        sync.Mutex
	pending   map[dht.InfoHash]struct{}
	announcer map[dht.InfoHash][]*Announcer

	closeC chan struct{}
}

// NewNode starts a DHT node and its background dispatch loop.
func NewNode(cfg NodeConfig) (*Node, error) {
	dcfg := dht.NewConfig()
	dcfg.Address = cfg.Address
	dcfg.Port = cfg.Port
	dcfg.SaveRoutingTable = cfg.SaveRoutingTable
	dcfg.DHTRouters = cfg.BootstrapNodes
	if dcfg.DHTRouters == "" {
		dcfg.DHTRouters = defaultBootstrapNodes
	}

	node, err := dht.New(dcfg)
	if err != nil {
		return nil, err
	}
	if err := node.Start(); err != nil {
		return nil, err
	}

	n := &Node{
		dht:       node,
		pending:   make(map[dht.InfoHash]struct{}),
		announcer: make(map[dht.InfoHash][]*Announcer),
		closeC:    make(chan struct{}),
	}
	go n.run()
	return n, nil
}

// Announcer registers ih for periodic DHT peer lookups and returns a
// handle the torrent uses to receive results and pause/resume requests.
func (n *Node) Announcer(infoHash [20]byte) *Announcer {
	ih := dht.InfoHash(infoHash[:])
	a := &Announcer{
		node:     n,
		infoHash: ih,
		peersC:   make(chan []*net.TCPAddr),
		closeC:   make(chan struct{}),
	}
	n.mu.Lock()
	n.announcer[ih] = append(n.announcer[ih], a)
	n.mu.Unlock()
	return a
}

// AddNode feeds addr (host:port) to the DHT routing table as a candidate
// node, used to fold a peer's BEP 5 Port announcement into discovery
// instead of discarding it.
func (n *Node) AddNode(addr string) {
	n.dht.AddNode(addr)
}

// Stop shuts the DHT node down.
func (n *Node) Stop() {
	close(n.closeC)
	n.dht.Stop()
}

func (n *Node) run() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.requestOne()
		case res := <-n.dht.PeersRequestResults:
			n.dispatch(res)
		case <-n.closeC:
			return
		}
	}
}

// requestOne issues at most one PeersRequest per tick, matching the
// upstream DHT implementation's own internal rate limiting.
func (n *Node) requestOne() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ih := range n.pending {
		n.dht.PeersRequest(string(ih), true)
		return
	}
}

func (n *Node) dispatch(res map[dht.InfoHash][]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ih, peers := range res {
		addrs := parsePeers(peers)
		if len(addrs) == 0 {
			continue
		}
		for _, a := range n.announcer[ih] {
			select {
			case a.peersC <- addrs:
			case <-a.closeC:
			}
		}
	}
}

func (n *Node) setPending(ih dht.InfoHash, want bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if want {
		n.pending[ih] = struct{}{}
	} else {
		delete(n.pending, ih)
	}
}

func (n *Node) unregister(a *Announcer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	list := n.announcer[a.infoHash]
	for i, x := range list {
		if x == a {
			n.announcer[a.infoHash] = append(list[:i], list[i+1:]...)
			break
		}
	}
	delete(n.pending, a.infoHash)
}

// parsePeers decodes the 6-byte compact IPv4 peer strings the dht package
// returns. IPv6 is not supported by nictuku/dht.
func parsePeers(peers []string) []*net.TCPAddr {
	var addrs []*net.TCPAddr
	for _, p := range peers {
		if len(p) != 6 {
			continue
		}
		addrs = append(addrs, &net.TCPAddr{
			IP:   net.IPv4(p[0], p[1], p[2], p[3]),
			Port: int(p[4])<<8 | int(p[5]),
		})
	}
	return addrs
}

// Package peer wraps a handshaken peerconn.Conn with the per-peer state
// machine (spec.md §3 "PeerSession", §4.4) that the scheduler and
// downloaders interact with: choke flags, per-choke-period byte counters,
// EWMA rates, and the extension handshake, if any.
package peer

import (
	"errors"
	"net"
	"sync/atomic"
	"time"

	metrics "github.com/rcrowley/go-metrics"

	"github.com/ccBitTorrent/ccbt-sub002/internal/bitfield"
	"github.com/ccBitTorrent/ccbt-sub002/internal/logger"
	"github.com/ccBitTorrent/ccbt-sub002/internal/peerconn"
	"github.com/ccBitTorrent/ccbt-sub002/internal/peerprotocol"
	"github.com/ccBitTorrent/ccbt-sub002/internal/piece"
)

// State is the high-level lifecycle state of a PeerSession.
type State int

const (
	Connecting State = iota
	Handshaking
	BitfieldPending
	Active
	Choked
	Disconnecting
	Dead
)

// Piece is a delivered block, handed to whichever downloader owns its piece.
type Piece struct {
	Block *piece.Block
	Data  []byte
}

// Request is an inbound RejectRequest keyed to the block it targets.
type Request struct {
	Peer  *Peer
	Block *piece.Block
	peerprotocol.RequestMessage
}

// Message wraps a decoded message the owning torrent handles directly
// (Have, Bitfield, HaveAll/HaveNone, ut_pex, unrecognized extensions)
// rather than routing it to a downloader.
type Message struct {
	Peer    *Peer
	Message interface{}
}

// ErrPeerClosed is returned by SendRequest once the peer has disconnected.
var ErrPeerClosed = errors.New("peer: connection closed")

// Peer is a connected PeerSession: the wire-level Conn plus everything the
// scheduler and choking algorithm need to rank and drive it.
type Peer struct {
	conn *peerconn.Conn
	Addr net.Addr

	FastExtension      bool
	ExtensionHandshake *peerprotocol.ExtensionHandshakeMessage

	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool

	OptimisticUnchoked bool
	Snubbed            bool

	BytesDownloadedInChokePeriod int64
	BytesUploadedInChokePeriod   int64

	downloadSpeed metrics.EWMA
	uploadSpeed   metrics.EWMA

	lastDataAt atomic.Value // time.Time

	state State
	log   logger.Logger
}

// New wraps conn as an Active-bound Peer (BitfieldPending until the first
// bitfield-shaped message arrives).
func New(conn *peerconn.Conn, addr net.Addr, l logger.Logger) *Peer {
	p := &Peer{
		conn:          conn,
		Addr:          addr,
		FastExtension: conn.FastExtension,
		AmChoking:     true,
		PeerChoking:   true,
		downloadSpeed: metrics.NewEWMA1(),
		uploadSpeed:   metrics.NewEWMA1(),
		state:         BitfieldPending,
		log:           l,
	}
	p.lastDataAt.Store(time.Now())
	return p
}

// ID returns the peer's handshake peer id.
func (p *Peer) ID() [20]byte { return p.conn.ID() }

func (p *Peer) String() string { return p.conn.String() }

// State returns the current lifecycle state.
func (p *Peer) State() State { return p.state }

// SetState transitions the peer's lifecycle state.
func (p *Peer) SetState(s State) { p.state = s }

// Logger returns this peer's logger, tagged with its address.
func (p *Peer) Logger() logger.Logger { return p.log }

// Messages returns the underlying connection's decoded message stream.
func (p *Peer) Messages() <-chan interface{} { return p.conn.Messages() }

// Close tears down the connection.
func (p *Peer) Close() {
	p.state = Dead
	p.conn.Close()
}

// Run starts the connection's read/write loops; call in its own goroutine.
func (p *Peer) Run() { p.conn.Run() }

// Choke/Unchoke/Interested/NotInterested send the corresponding
// payload-less state message and update our local flag.
func (p *Peer) Choke() {
	if p.AmChoking {
		return
	}
	p.AmChoking = true
	p.conn.SendMessage(peerprotocol.Choke)
}

func (p *Peer) Unchoke() {
	if !p.AmChoking {
		return
	}
	p.AmChoking = false
	p.conn.SendMessage(peerprotocol.Unchoke)
}

func (p *Peer) SendInterested() {
	if p.AmInterested {
		return
	}
	p.AmInterested = true
	p.conn.SendMessage(peerprotocol.Interested)
}

func (p *Peer) SendNotInterested() {
	if !p.AmInterested {
		return
	}
	p.AmInterested = false
	p.conn.SendMessage(peerprotocol.NotInterested)
}

// SendRequest enqueues an outbound block request. Never call this while
// PeerChoking is true unless index is on the peer's allowed-fast set
// (spec.md I6).
func (p *Peer) SendRequest(index, begin, length uint32) error {
	if p.state == Dead {
		return ErrPeerClosed
	}
	p.conn.SendRequest(peerprotocol.Request, index, begin, length)
	return nil
}

// SendCancel cancels a previously requested block.
func (p *Peer) SendCancel(index, begin, length uint32) {
	p.conn.SendRequest(peerprotocol.Cancel, index, begin, length)
}

// SendHave announces possession of a newly verified piece.
func (p *Peer) SendHave(index uint32) { p.conn.SendHave(index) }

// SendBitfield announces our current piece possession right after the
// connection becomes Active.
func (p *Peer) SendBitfield(bf *bitfield.Bitfield) { p.conn.SendBitfield(bf) }

// SendPort announces our DHT node's listening port (BEP 5).
func (p *Peer) SendPort(port uint16) { p.conn.SendPort(port) }

// SendPiece serves a block to this peer, accounting the bytes for the
// choking algorithm and upload-rate EWMA.
func (p *Peer) SendPiece(index, begin uint32, data []byte) {
	p.conn.SendPiece(index, begin, data)
	p.uploadSpeed.Update(int64(len(data)))
	p.BytesUploadedInChokePeriod += int64(len(data))
}

// SendExtensionHandshake advertises our supported extensions.
func (p *Peer) SendExtensionHandshake(h peerprotocol.ExtensionHandshakeMessage) {
	p.conn.SendExtensionHandshake(h)
}

// SendExtensionMetadata sends a ut_metadata sub-message.
func (p *Peer) SendExtensionMetadata(m peerprotocol.ExtensionMetadataMessage, data []byte) {
	p.conn.SendExtensionMetadata(peerprotocol.ExtensionMetadataLocalID, m, data)
}

// SendExtensionPEX sends a ut_pex sub-message.
func (p *Peer) SendExtensionPEX(m peerprotocol.ExtensionPEXMessage) {
	p.conn.SendExtensionPEX(peerprotocol.ExtensionPEXLocalID, m)
}

// AccountDownload records bytes accepted from a PIECE message for the EWMA
// download rate and the choke-period counter, and refreshes the
// last-activity timestamp used for idle/snub detection.
func (p *Peer) AccountDownload(n int) {
	p.downloadSpeed.Update(int64(n))
	p.BytesDownloadedInChokePeriod += int64(n)
	p.lastDataAt.Store(time.Now())
}

// DownloadRate and UploadRate return the current EWMA rate in bytes/sec.
func (p *Peer) DownloadRate() int64 {
	p.downloadSpeed.Tick()
	return int64(p.downloadSpeed.Rate())
}

func (p *Peer) UploadRate() int64 {
	p.uploadSpeed.Tick()
	return int64(p.uploadSpeed.Rate())
}

// IdleFor reports how long it has been since data was last received.
func (p *Peer) IdleFor() time.Duration {
	last, _ := p.lastDataAt.Load().(time.Time)
	return time.Since(last)
}

// ResetChokePeriodCounters clears the per-10s byte counters used by the
// choking algorithm's ranking.
func (p *Peer) ResetChokePeriodCounters() {
	p.BytesDownloadedInChokePeriod = 0
	p.BytesUploadedInChokePeriod = 0
}

// HasExtension reports whether the peer's handshake advertised name.
func (p *Peer) HasExtension(name string) bool {
	if p.ExtensionHandshake == nil {
		return false
	}
	_, ok := p.ExtensionHandshake.M[name]
	return ok
}

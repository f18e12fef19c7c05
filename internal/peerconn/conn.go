// Package peerconn implements the per-peer TCP session: framed message
// read/write loops layered on internal/peerprotocol, producing a channel of
// decoded messages and accepting outbound messages on a bounded queue.
package peerconn

import (
	"net"
	"time"

	"github.com/ccBitTorrent/ccbt-sub002/internal/bitfield"
	"github.com/ccBitTorrent/ccbt-sub002/internal/logger"
	"github.com/ccBitTorrent/ccbt-sub002/internal/peerprotocol"
	"github.com/ccBitTorrent/ccbt-sub002/internal/ratelimit"
)

// idleTimeout matches spec.md §4.4: "no data for 2 minutes" triggers a
// keep-alive probe then disconnect.
const idleTimeout = 2 * time.Minute

// writeQueueDepth bounds outbound backpressure before SendMessage blocks.
const writeQueueDepth = 256

// Conn is one peer's framed wire session after a successful handshake.
type Conn struct {
	conn          net.Conn
	id            [20]byte
	FastExtension bool
	ExtensionIDs  bool // extension protocol (BEP 10) negotiated

	log     logger.Logger
	limiter *ratelimit.Limiter

	messagesC chan interface{}
	sendC     chan interface{}
	closeC    chan struct{}
	closedC   chan struct{}
}

// outboundSimple, outboundHave, etc. are the tagged variants accepted on
// the write queue; writeLoop switches on their concrete type.
type outboundSimple struct{ id peerprotocol.MessageID }
type outboundHave struct{ index uint32 }
type outboundBitfield struct{ data []byte }
type outboundRequest struct {
	id                   peerprotocol.MessageID
	index, begin, length uint32
}
type outboundPiece struct {
	index, begin uint32
	data         []byte
}
type outboundPort struct{ port uint16 }
type outboundExtHandshake struct{ h peerprotocol.ExtensionHandshakeMessage }
type outboundExtMetadata struct {
	localID byte
	m       peerprotocol.ExtensionMetadataMessage
	data    []byte
}
type outboundExtPEX struct {
	localID byte
	m       peerprotocol.ExtensionPEXMessage
}

// New wraps an already-handshaken net.Conn.
func New(conn net.Conn, id [20]byte, fastExtension, extensionProtocol bool, l logger.Logger) *Conn {
	return &Conn{
		conn:          conn,
		id:            id,
		FastExtension: fastExtension,
		ExtensionIDs:  extensionProtocol,
		log:           l,
		messagesC:     make(chan interface{}, 64),
		sendC:         make(chan interface{}, writeQueueDepth),
		closeC:        make(chan struct{}),
		closedC:       make(chan struct{}),
	}
}

// SetLimiter attaches the torrent-wide byte-rate limiter that PIECE payload
// transfer waits on in both directions. Passing nil disables limiting.
func (c *Conn) SetLimiter(l *ratelimit.Limiter) { c.limiter = l }

// ID returns the peer's handshake-provided peer id.
func (c *Conn) ID() [20]byte { return c.id }

// String returns the remote address for logging.
func (c *Conn) String() string { return c.conn.RemoteAddr().String() }

// Messages returns the channel of decoded inbound messages; it is closed
// when the connection's read loop stops.
func (c *Conn) Messages() <-chan interface{} { return c.messagesC }

// Close tears down both loops and the underlying socket, waiting for them
// to finish so no goroutine leaks past Close.
func (c *Conn) Close() {
	select {
	case <-c.closeC:
	default:
		close(c.closeC)
	}
	<-c.closedC
}

// Run starts the read and write loops and blocks until either stops or
// Close is called.
func (c *Conn) Run() {
	defer close(c.closedC)
	readDone := make(chan struct{})
	go func() {
		c.readLoop()
		close(readDone)
	}()
	writeDone := make(chan struct{})
	go func() {
		c.writeLoop()
		close(writeDone)
	}()
	select {
	case <-c.closeC:
	case <-readDone:
	case <-writeDone:
	}
	c.conn.Close()
	<-readDone
	<-writeDone
}

// SendMessage queues a payload-less or simple-shaped message (Choke,
// Unchoke, Interested, NotInterested, HaveAll, HaveNone).
func (c *Conn) SendMessage(id peerprotocol.MessageID) {
	c.enqueue(outboundSimple{id: id})
}

// SendHave queues a Have message.
func (c *Conn) SendHave(index uint32) {
	c.enqueue(outboundHave{index: index})
}

// SendBitfield queues a Bitfield message.
func (c *Conn) SendBitfield(bf *bitfield.Bitfield) {
	c.enqueue(outboundBitfield{data: append([]byte(nil), bf.Bytes()...)})
}

// SendRequest queues a Request/Cancel/RejectRequest-shaped message.
func (c *Conn) SendRequest(id peerprotocol.MessageID, index, begin, length uint32) {
	c.enqueue(outboundRequest{id: id, index: index, begin: begin, length: length})
}

// SendPort queues a Port message.
func (c *Conn) SendPort(port uint16) {
	c.enqueue(outboundPort{port: port})
}

// SendPiece queues a Piece message; data is referenced, not copied, so the
// caller must not mutate it after calling SendPiece.
func (c *Conn) SendPiece(index, begin uint32, data []byte) {
	c.enqueue(outboundPiece{index: index, begin: begin, data: data})
}

// SendExtensionHandshake queues an Extended(id=0) handshake message.
func (c *Conn) SendExtensionHandshake(h peerprotocol.ExtensionHandshakeMessage) {
	c.enqueue(outboundExtHandshake{h: h})
}

// SendExtensionMetadata queues a ut_metadata sub-message; data is the
// trailing raw piece bytes for MetadataData, nil otherwise.
func (c *Conn) SendExtensionMetadata(localID byte, m peerprotocol.ExtensionMetadataMessage, data []byte) {
	c.enqueue(outboundExtMetadata{localID: localID, m: m, data: data})
}

// SendExtensionPEX queues a ut_pex sub-message.
func (c *Conn) SendExtensionPEX(localID byte, m peerprotocol.ExtensionPEXMessage) {
	c.enqueue(outboundExtPEX{localID: localID, m: m})
}

func (c *Conn) enqueue(m interface{}) {
	select {
	case c.sendC <- m:
	case <-c.closeC:
	}
}

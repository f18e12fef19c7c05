// Package outgoinghandshaker dials a peer address and runs the BEP 3
// handshake before the connection is promoted to a peerconn.Conn.
package outgoinghandshaker

import (
	"errors"
	"net"
	"time"

	"github.com/ccBitTorrent/ccbt-sub002/internal/peerprotocol"
)

var (
	errOwnConnection = errors.New("outgoinghandshaker: dropped own connection")
	errInfoHash      = errors.New("outgoinghandshaker: info hash mismatch")
)

// OutgoingHandshaker dials Addr, performs the handshake, and reports the
// outcome on a shared result channel.
type OutgoingHandshaker struct {
	Addr              *net.TCPAddr
	Conn              net.Conn
	PeerID            [20]byte
	FastExtension     bool
	ExtensionProtocol bool
	Error             error

	closeC chan struct{}
}

// New returns an OutgoingHandshaker that has not yet dialed addr.
func New(addr *net.TCPAddr) *OutgoingHandshaker {
	return &OutgoingHandshaker{Addr: addr, closeC: make(chan struct{})}
}

// Run dials Addr, exchanges handshakes for infoHash, and always finishes by
// sending h on resultC. If Close is called before the dial completes, Run
// aborts as soon as it notices.
func (h *OutgoingHandshaker) Run(connectTimeout, handshakeTimeout time.Duration, ourPeerID, infoHash [20]byte, resultC chan *OutgoingHandshaker, enableFast, enableExtension bool) {
	defer func() { resultC <- h }()

	dialer := net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.Dial("tcp", h.Addr.String())
	if err != nil {
		h.Error = err
		return
	}
	select {
	case <-h.closeC:
		conn.Close()
		h.Error = errors.New("outgoinghandshaker: cancelled")
		return
	default:
	}
	h.Conn = conn

	if err := conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		h.Error = err
		return
	}
	defer conn.SetDeadline(time.Time{})

	var reserved [8]byte
	if enableFast {
		peerprotocol.SetBit(&reserved, peerprotocol.ReservedFast)
	}
	if enableExtension {
		peerprotocol.SetBit(&reserved, peerprotocol.ReservedExtension)
	}
	if err := peerprotocol.WriteHandshake(conn, infoHash, ourPeerID, reserved); err != nil {
		h.Error = err
		return
	}

	hs, err := peerprotocol.ReadHandshake(conn)
	if err != nil {
		h.Error = err
		return
	}
	if hs.InfoHash != infoHash {
		h.Error = errInfoHash
		return
	}
	if hs.PeerID == ourPeerID {
		h.Error = errOwnConnection
		return
	}

	h.PeerID = hs.PeerID
	h.FastExtension = enableFast && peerprotocol.TestBit(hs.Reserved, peerprotocol.ReservedFast)
	h.ExtensionProtocol = enableExtension && peerprotocol.TestBit(hs.Reserved, peerprotocol.ReservedExtension)
}

// Close aborts a pending or in-progress handshake.
func (h *OutgoingHandshaker) Close() {
	close(h.closeC)
	if h.Conn != nil {
		h.Conn.Close()
	}
}

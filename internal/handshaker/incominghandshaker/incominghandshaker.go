// Package incominghandshaker runs the BEP 3 handshake side of an accepted
// TCP connection before it is promoted to a peerconn.Conn (spec.md §4.4).
package incominghandshaker

import (
	"errors"
	"net"
	"time"

	"github.com/ccBitTorrent/ccbt-sub002/internal/peerprotocol"
)

var (
	errUnknownInfoHash = errors.New("incominghandshaker: unknown info hash")
	errOwnConnection   = errors.New("incominghandshaker: dropped own connection")
)

// IncomingHandshaker drives one accepted connection's handshake to
// completion and reports the outcome on a shared result channel, the way
// the owning torrent's run loop expects (one struct carries both the
// input and, once Run returns, the output).
type IncomingHandshaker struct {
	Conn              net.Conn
	PeerID            [20]byte
	FastExtension     bool
	ExtensionProtocol bool
	Error             error

	closeC chan struct{}
}

// New wraps an accepted connection whose handshake has not yet been read.
func New(conn net.Conn) *IncomingHandshaker {
	return &IncomingHandshaker{Conn: conn, closeC: make(chan struct{})}
}

// CheckInfoHash reports whether infoHash is one this session is serving;
// Run rejects the connection when it returns false.
type CheckInfoHash func(infoHash [20]byte) bool

// Run reads the remote handshake, validates it against ourPeerID and
// checkInfoHash, writes our own handshake in reply, and always finishes by
// sending h on resultC. enableFast/enableExtension select which of our
// reserved bits we advertise back.
func (h *IncomingHandshaker) Run(ourPeerID [20]byte, checkInfoHash CheckInfoHash, resultC chan *IncomingHandshaker, timeout time.Duration, enableFast, enableExtension bool) {
	defer func() { resultC <- h }()

	if err := h.Conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		h.Error = err
		return
	}
	defer h.Conn.SetDeadline(time.Time{})

	hs, err := peerprotocol.ReadHandshake(h.Conn)
	if err != nil {
		h.Error = err
		return
	}
	if !checkInfoHash(hs.InfoHash) {
		h.Error = errUnknownInfoHash
		return
	}
	if hs.PeerID == ourPeerID {
		h.Error = errOwnConnection
		return
	}

	var reserved [8]byte
	if enableFast && peerprotocol.TestBit(hs.Reserved, peerprotocol.ReservedFast) {
		peerprotocol.SetBit(&reserved, peerprotocol.ReservedFast)
		h.FastExtension = true
	}
	if enableExtension {
		peerprotocol.SetBit(&reserved, peerprotocol.ReservedExtension)
		h.ExtensionProtocol = peerprotocol.TestBit(hs.Reserved, peerprotocol.ReservedExtension)
	}
	if err := peerprotocol.WriteHandshake(h.Conn, hs.InfoHash, ourPeerID, reserved); err != nil {
		h.Error = err
		return
	}
	h.PeerID = hs.PeerID
}

// Close aborts an in-progress handshake by closing the underlying
// connection, unblocking any pending Read/Write in Run.
func (h *IncomingHandshaker) Close() {
	h.Conn.Close()
}

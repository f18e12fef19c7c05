// Package peerprotocol implements BEP 3 handshake and message framing plus
// BEP 6 (fast extension), BEP 10 (extension protocol), and BEP 5 (DHT port)
// on top of it (spec.md §4.4).
package peerprotocol

import (
	"bytes"
	"errors"
	"io"
)

// Protocol is the fixed handshake literal.
const Protocol = "BitTorrent protocol"

// Reserved bit positions within the 8 handshake reserved bytes, counted
// from the first bit of the first byte (bit 0) to the last bit of the
// eighth byte (bit 63), matching common BEP numbering conventions.
const (
	ReservedDHT       = 63 // BEP 5: DHT port message supported
	ReservedFast      = 61 // BEP 6: fast extension
	ReservedExtension = 43 // BEP 10: extension protocol
)

// HandshakeMessage is the 68-byte handshake exchanged immediately after
// connecting (or accepting).
type HandshakeMessage struct {
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

var errBadProtocol = errors.New("peerprotocol: unexpected protocol string")

// WriteHandshake writes the 68-byte handshake to w.
func WriteHandshake(w io.Writer, infoHash, peerID [20]byte, reserved [8]byte) error {
	buf := make([]byte, 0, 68)
	buf = append(buf, byte(len(Protocol)))
	buf = append(buf, Protocol...)
	buf = append(buf, reserved[:]...)
	buf = append(buf, infoHash[:]...)
	buf = append(buf, peerID[:]...)
	_, err := w.Write(buf)
	return err
}

// ReadHandshake reads and parses a 68-byte handshake from r.
func ReadHandshake(r io.Reader) (*HandshakeMessage, error) {
	var lenByte [1]byte
	if _, err := io.ReadFull(r, lenByte[:]); err != nil {
		return nil, err
	}
	protoBuf := make([]byte, lenByte[0])
	if _, err := io.ReadFull(r, protoBuf); err != nil {
		return nil, err
	}
	if !bytes.Equal(protoBuf, []byte(Protocol)) {
		return nil, errBadProtocol
	}
	var rest [48]byte
	if _, err := io.ReadFull(r, rest[:]); err != nil {
		return nil, err
	}
	hs := &HandshakeMessage{}
	copy(hs.Reserved[:], rest[0:8])
	copy(hs.InfoHash[:], rest[8:28])
	copy(hs.PeerID[:], rest[28:48])
	return hs, nil
}

// SetBit sets reserved bit position (ReservedDHT/ReservedFast/ReservedExtension).
func SetBit(reserved *[8]byte, pos int) {
	reserved[pos/8] |= 1 << uint(7-pos%8)
}

// TestBit reports whether reserved bit position is set.
func TestBit(reserved [8]byte, pos int) bool {
	return reserved[pos/8]&(1<<uint(7-pos%8)) != 0
}

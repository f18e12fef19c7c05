// Package pex implements BEP 11 peer exchange bookkeeping for one peer
// session: the swarm-membership set it has been told about, diffed against
// what was last sent to produce the next added/dropped announcement, plus
// the incoming rate limit (spec.md §4.6).
package pex

import (
	"encoding/binary"
	"net"
	"time"
)

// incomingInterval bounds how often an incoming ut_pex message is honored
// for a single peer (spec.md: "at most one per 30s per peer").
const incomingInterval = 30 * time.Second

// PEX tracks one peer's view of the swarm for periodic ut_pex exchange.
type PEX struct {
	known    map[string]struct{} // compact endpoints currently believed live
	lastSent map[string]struct{} // compact endpoints included in the last Generate

	lastIncomingAt time.Time
}

// New returns an empty PEX tracker.
func New() *PEX {
	return &PEX{
		known:    make(map[string]struct{}),
		lastSent: make(map[string]struct{}),
	}
}

func compactEndpoint(addr *net.TCPAddr) (string, bool) {
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return "", false
	}
	b := make([]byte, 6)
	copy(b, ip4)
	binary.BigEndian.PutUint16(b[4:], uint16(addr.Port))
	return string(b), true
}

// Add records that addr is part of the swarm, to be announced on the next
// Generate unless it is dropped first.
func (p *PEX) Add(addr *net.TCPAddr) {
	if cp, ok := compactEndpoint(addr); ok {
		p.known[cp] = struct{}{}
	}
}

// Drop forgets addr, causing the next Generate to announce it as dropped
// if it had previously been sent.
func (p *PEX) Drop(addr *net.TCPAddr) {
	if cp, ok := compactEndpoint(addr); ok {
		delete(p.known, cp)
	}
}

// Generate returns the compact-endpoint blobs to send as "added" and
// "dropped" for this peer, relative to the last call, and advances the
// last-sent set. A peer that has seen nothing new gets two empty slices,
// so callers should skip sending when both are empty.
func (p *PEX) Generate() (added, dropped []byte) {
	for cp := range p.known {
		if _, ok := p.lastSent[cp]; !ok {
			added = append(added, []byte(cp)...)
		}
	}
	for cp := range p.lastSent {
		if _, ok := p.known[cp]; !ok {
			dropped = append(dropped, []byte(cp)...)
		}
	}
	p.lastSent = make(map[string]struct{}, len(p.known))
	for cp := range p.known {
		p.lastSent[cp] = struct{}{}
	}
	return added, dropped
}

// AllowIncoming reports whether an incoming ut_pex message arriving at now
// should be processed, enforcing the per-peer rate limit. It records now
// as the start of a new window only when it allows the message, so the
// first message in each window wins and rejected ones do not extend it.
func (p *PEX) AllowIncoming(now time.Time) bool {
	if !p.lastIncomingAt.IsZero() && now.Sub(p.lastIncomingAt) < incomingInterval {
		return false
	}
	p.lastIncomingAt = now
	return true
}

// ParseCompactEndpoints splits a packed added/dropped blob into
// individual *net.TCPAddr entries (spec.md §4.4, 6 bytes per peer).
func ParseCompactEndpoints(b []byte) []*net.TCPAddr {
	var out []*net.TCPAddr
	for i := 0; i+6 <= len(b); i += 6 {
		ip := net.IPv4(b[i], b[i+1], b[i+2], b[i+3])
		port := binary.BigEndian.Uint16(b[i+4 : i+6])
		out = append(out, &net.TCPAddr{IP: ip, Port: int(port)})
	}
	return out
}

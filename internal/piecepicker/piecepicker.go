// Package piecepicker implements the per-torrent scheduler state: piece
// availability, selection strategy, endgame, and per-peer badness tracking
// (spec.md §4.5). It is owned by a single run loop the way the teacher's
// torrent type owns its scheduler-adjacent fields; it does no locking of
// its own and must only be touched from that one goroutine (spec.md §5
// "shared-resource policy").
package piecepicker

import (
	"math/rand"

	"github.com/ccBitTorrent/ccbt-sub002/internal/bitfield"
	"github.com/ccBitTorrent/ccbt-sub002/internal/peer"
	"github.com/ccBitTorrent/ccbt-sub002/internal/piece"
)

// Strategy selects how PiecePicker ranks Missing pieces (spec.md §9: model
// as a tagged variant, not a class hierarchy).
type Strategy int

const (
	RarestFirst Strategy = iota
	Sequential
	RoundRobin
)

// defaultEndgameThreshold and defaultEndgameDuplicates follow spec.md §4.5's
// suggested defaults.
const (
	defaultEndgameThreshold  = 20
	defaultEndgameDuplicates = 3
	defaultBadnessLimit      = 5
)

// PiecePicker tracks which peers have which pieces and decides what to
// request next for a given peer.
type PiecePicker struct {
	pieces       []*piece.Piece
	availability []int32
	peerBitfields map[*peer.Peer]*bitfield.Bitfield

	strategy      Strategy
	streamWindow  int // Sequential: prefetch length in pieces beyond the anchor
	streamAnchor  int

	roundRobinCursor int

	endgameThreshold  int
	endgameDuplicates int
	endgameActive     bool

	// inflight[pieceIndex] is the set of peers a piece's blocks are
	// currently requested from; used to decide endgame duplication, not
	// block-level bookkeeping (piecedownloader owns that).
	inflight map[uint32]map[*peer.Peer]struct{}

	badness     map[*peer.Peer]int
	blacklisted map[*peer.Peer]struct{}

	// boundaryPieces holds the first and last piece index of every file in
	// the torrent, broken out for streaming media players that probe a
	// file's start/end before the rest (spec.md §4.5 rarest-first tiebreak).
	boundaryPieces map[uint32]struct{}
}

// New returns a PiecePicker for pieces using strategy.
func New(pieces []*piece.Piece, strategy Strategy) *PiecePicker {
	return &PiecePicker{
		pieces:            pieces,
		availability:      make([]int32, len(pieces)),
		peerBitfields:     make(map[*peer.Peer]*bitfield.Bitfield),
		strategy:          strategy,
		endgameThreshold:  defaultEndgameThreshold,
		endgameDuplicates: defaultEndgameDuplicates,
		inflight:          make(map[uint32]map[*peer.Peer]struct{}),
		badness:           make(map[*peer.Peer]int),
		blacklisted:       make(map[*peer.Peer]struct{}),
	}
}

// SetSequentialWindow configures the Sequential strategy's anchor and
// prefetch length, both in piece indices.
func (pp *PiecePicker) SetSequentialWindow(anchor, window int) {
	pp.streamAnchor = anchor
	pp.streamWindow = window
}

// SetBoundaryPieces marks the given piece indices as file boundaries;
// nextRarestFirst prefers them over equally-rare interior pieces.
func (pp *PiecePicker) SetBoundaryPieces(indices map[uint32]struct{}) {
	pp.boundaryPieces = indices
}

// HandleBitfield applies a peer's full bitfield, incrementing availability
// for every piece it has (spec.md I5).
func (pp *PiecePicker) HandleBitfield(pe *peer.Peer, bf *bitfield.Bitfield) {
	pp.clearPeer(pe)
	pp.peerBitfields[pe] = bf
	for i := uint32(0); i < bf.Len(); i++ {
		if bf.Test(i) {
			pp.availability[i]++
		}
	}
}

// HandleHaveAll treats the peer as if it announced every piece.
func (pp *PiecePicker) HandleHaveAll(pe *peer.Peer) {
	bf := bitfield.New(uint32(len(pp.pieces)))
	bf.SetAll()
	pp.HandleBitfield(pe, bf)
}

// HandleHaveNone clears any availability this peer previously contributed.
func (pp *PiecePicker) HandleHaveNone(pe *peer.Peer) {
	pp.clearPeer(pe)
	pp.peerBitfields[pe] = bitfield.New(uint32(len(pp.pieces)))
}

// HandleHave records a single newly-announced piece.
func (pp *PiecePicker) HandleHave(pe *peer.Peer, index uint32) {
	bf, ok := pp.peerBitfields[pe]
	if !ok {
		bf = bitfield.New(uint32(len(pp.pieces)))
		pp.peerBitfields[pe] = bf
	}
	if !bf.Test(index) {
		bf.Set(index)
		pp.availability[index]++
	}
}

// HandleDisconnect decrements availability for everything this peer had
// announced and forgets it (spec.md §4.5 "Availability maintenance").
func (pp *PiecePicker) HandleDisconnect(pe *peer.Peer) {
	pp.clearPeer(pe)
	delete(pp.peerBitfields, pe)
	for idx, peers := range pp.inflight {
		delete(peers, pe)
		if len(peers) == 0 {
			delete(pp.inflight, idx)
		}
	}
}

func (pp *PiecePicker) clearPeer(pe *peer.Peer) {
	bf, ok := pp.peerBitfields[pe]
	if !ok {
		return
	}
	for i := uint32(0); i < bf.Len(); i++ {
		if bf.Test(i) {
			pp.availability[i]--
		}
	}
}

// Availability returns the current availability count for a piece.
func (pp *PiecePicker) Availability(index uint32) int32 { return pp.availability[index] }

// PeerHas reports whether pe announced possession of index.
func (pp *PiecePicker) PeerHas(pe *peer.Peer, index uint32) bool {
	bf, ok := pp.peerBitfields[pe]
	return ok && bf.Test(index)
}

// updateEndgame flips endgame on when few enough pieces remain outstanding.
func (pp *PiecePicker) updateEndgame() {
	remaining := 0
	for _, p := range pp.pieces {
		if p.State == piece.Missing || p.State == piece.InFlight {
			remaining++
		}
	}
	threshold := defaultEndgameThreshold
	if pct := len(pp.pieces) * 2 / 100; pct > threshold {
		threshold = pct
	}
	pp.endgameActive = remaining > 0 && remaining <= threshold
}

// Next picks the next assignable piece for pe, or nil if none is currently
// assignable (no shared piece, none unblocked, or pe is blacklisted).
func (pp *PiecePicker) Next(pe *peer.Peer) *piece.Piece {
	if _, blocked := pp.blacklisted[pe]; blocked {
		return nil
	}
	pp.updateEndgame()
	switch pp.strategy {
	case Sequential:
		if p := pp.nextSequential(pe); p != nil {
			return p
		}
		return pp.nextRarestFirst(pe)
	case RoundRobin:
		return pp.nextRoundRobin(pe)
	default:
		return pp.nextRarestFirst(pe)
	}
}

func (pp *PiecePicker) assignable(pe *peer.Peer, p *piece.Piece) bool {
	if p.Priority == piece.DoNotDownload {
		return false
	}
	if !pp.PeerHas(pe, p.Index) {
		return false
	}
	switch p.State {
	case piece.Missing:
		return true
	case piece.InFlight:
		if !pp.endgameActive {
			return false
		}
		peers := pp.inflight[p.Index]
		return len(peers) < pp.endgameDuplicates
	default:
		return false
	}
}

func (pp *PiecePicker) nextRarestFirst(pe *peer.Peer) *piece.Piece {
	var best *piece.Piece
	bestAvail := int32(-1)
	bestBoundary := false
	for _, p := range pp.pieces {
		if !pp.assignable(pe, p) {
			continue
		}
		av := pp.availability[p.Index]
		if av <= 0 {
			continue
		}
		_, boundary := pp.boundaryPieces[p.Index]
		switch {
		case best == nil || av < bestAvail:
			best, bestAvail, bestBoundary = p, av, boundary
		case av == bestAvail && boundary && !bestBoundary:
			// Equally rare: a file's first/last piece wins, so media
			// players probing for a header/trailer see it sooner.
			best, bestBoundary = p, true
		}
	}
	return best
}

func (pp *PiecePicker) nextSequential(pe *peer.Peer) *piece.Piece {
	end := pp.streamAnchor + pp.streamWindow
	for i := pp.streamAnchor; i < end && i < len(pp.pieces); i++ {
		if i < 0 {
			continue
		}
		p := pp.pieces[i]
		if pp.assignable(pe, p) {
			return p
		}
	}
	return nil
}

func (pp *PiecePicker) nextRoundRobin(pe *peer.Peer) *piece.Piece {
	n := len(pp.pieces)
	for i := 0; i < n; i++ {
		idx := (pp.roundRobinCursor + i) % n
		p := pp.pieces[idx]
		if pp.assignable(pe, p) {
			pp.roundRobinCursor = (idx + 1) % n
			return p
		}
	}
	return nil
}

// MarkInFlight records that pe now holds an outstanding request against
// piece index (called once per piece assignment, not per block).
func (pp *PiecePicker) MarkInFlight(pe *peer.Peer, index uint32) {
	peers, ok := pp.inflight[index]
	if !ok {
		peers = make(map[*peer.Peer]struct{})
		pp.inflight[index] = peers
	}
	peers[pe] = struct{}{}
}

// InflightPeers returns the peers currently holding requests against a
// piece (more than one only during endgame).
func (pp *PiecePicker) InflightPeers(index uint32) []*peer.Peer {
	peers := pp.inflight[index]
	out := make([]*peer.Peer, 0, len(peers))
	for pe := range peers {
		out = append(out, pe)
	}
	return out
}

// ReleasePiece forgets in-flight bookkeeping for a piece, e.g. on failure
// or completion.
func (pp *PiecePicker) ReleasePiece(index uint32) {
	delete(pp.inflight, index)
}

// PenalizePeer increments pe's failure count and blacklists it once it
// crosses the badness limit (spec.md §4.5 "Partial progress / failure").
func (pp *PiecePicker) PenalizePeer(pe *peer.Peer) {
	pp.badness[pe]++
	if pp.badness[pe] >= defaultBadnessLimit {
		pp.blacklisted[pe] = struct{}{}
	}
}

// Blacklisted reports whether pe has been blacklisted for repeated bad pieces.
func (pp *PiecePicker) Blacklisted(pe *peer.Peer) bool {
	_, ok := pp.blacklisted[pe]
	return ok
}

// EndgameActive reports whether the picker has switched the torrent's
// remaining pieces into endgame mode.
func (pp *PiecePicker) EndgameActive() bool { return pp.endgameActive }

// RandomBlacklistedSample returns up to n blacklisted peers, used by the
// session to decide eviction candidates when connection slots are scarce.
func (pp *PiecePicker) RandomBlacklistedSample(n int) []*peer.Peer {
	out := make([]*peer.Peer, 0, n)
	for pe := range pp.blacklisted {
		out = append(out, pe)
		if len(out) == n {
			break
		}
	}
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

package session

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/ccBitTorrent/ccbt-sub002/internal/acceptor"
	"github.com/ccBitTorrent/ccbt-sub002/internal/allocator"
	"github.com/ccBitTorrent/ccbt-sub002/internal/announcer"
	"github.com/ccBitTorrent/ccbt-sub002/internal/handshaker/incominghandshaker"
	"github.com/ccBitTorrent/ccbt-sub002/internal/handshaker/outgoinghandshaker"
	"github.com/ccBitTorrent/ccbt-sub002/internal/piece"
	"github.com/ccBitTorrent/ccbt-sub002/internal/piecepicker"
	"github.com/ccBitTorrent/ccbt-sub002/internal/storage/pieceio"
	"github.com/ccBitTorrent/ccbt-sub002/internal/storage/piecewriter"
	"github.com/ccBitTorrent/ccbt-sub002/internal/storage/verifier"
)

// run is the torrent's single-goroutine event loop: every field on
// torrentActor is touched only from here (or from setup code before this
// goroutine starts), so nothing needs locking.
func (t *torrentActor) run() {
	defer close(t.doneC)

	t.unchokeTicker = time.NewTicker(10 * time.Second)
	t.optimisticTicker = time.NewTicker(30 * time.Second)
	t.resumeWriteTicker = time.NewTicker(t.config.BitfieldWriteInterval)
	pexTicker := time.NewTicker(60 * time.Second)
	defer t.unchokeTicker.Stop()
	defer t.optimisticTicker.Stop()
	defer t.resumeWriteTicker.Stop()
	defer pexTicker.Stop()

	for {
		var pwResultC chan piecewriter.Result
		if t.writer != nil {
			pwResultC = t.writer.ResultC
		}
		var dhtPeersC <-chan []*net.TCPAddr
		if t.dhtAnn != nil {
			dhtPeersC = t.dhtAnn.Peers()
		}

		select {
		case doneC := <-t.closeC:
			t.doClose()
			close(doneC)
			return

		case <-t.startCommandC:
			t.doStart()

		case <-t.stopCommandC:
			t.doStop()

		case req := <-t.statsCommandC:
			req.Response <- t.buildStats()

		case req := <-t.trackersCommandC:
			req.Response <- t.buildTrackerStatus()

		case req := <-t.peersCommandC:
			req.Response <- t.connectedAddrs()

		case addrs := <-t.addPeersCommandC:
			t.addrList.Push(addrs, time.Now())
			t.dialMorePeers()

		case addrs := <-t.trackerResultC:
			t.addrList.Push(addrs, time.Now())
			t.dialMorePeers()

		case addrs := <-dhtPeersC:
			t.addrList.Push(addrs, time.Now())
			t.dialMorePeers()

		case conn := <-t.incomingConnC:
			t.handleIncomingConn(conn)

		case h := <-t.incomingHandshakerResultC:
			t.handleIncomingHandshakeResult(h)

		case h := <-t.outgoingHandshakerResultC:
			t.handleOutgoingHandshakeResult(h)

		case pe := <-t.peerDisconnectedC:
			t.handlePeerDisconnected(pe)

		case pm := <-t.messagesC:
			t.handlePeerMessage(pm)

		case req := <-t.announcerRequestC:
			select {
			case req.Response <- announcer.Response{Torrent: t.announceStats()}:
			case <-req.Cancel:
			}

		case p := <-t.allocatorProgressC:
			t.bytesAllocated = p.AllocatedSize

		case a := <-t.allocatorResultC:
			t.handleAllocationDone(a)

		case p := <-t.verifierProgressC:
			_ = p // discarded; Stats() reflects verified pieces only once the pass finishes

		case v := <-t.verifierResultC:
			t.handleVerificationDone(v)

		case res := <-pwResultC:
			t.handlePieceWriteResult(res)

		case <-t.unchokeTicker.C:
			t.recalculateChoking(false)

		case <-t.optimisticTicker.C:
			t.recalculateChoking(true)

		case <-t.resumeWriteTicker.C:
			t.writeCheckpoint()

		case <-pexTicker.C:
			if t.config.PEXEnabled && !t.private {
				t.exchangePEX()
			}
		}
	}
}

func (t *torrentActor) doStart() {
	if t.state == Downloading || t.state == Seeding || t.state == Checking || t.state == Allocating {
		return
	}
	t.startedAt = time.Now()
	t.lastError = nil

	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(t.port)))
	if err == nil {
		t.acceptorListener(ln)
	} else {
		t.log.Warningln("cannot listen on port", t.port, ":", err)
	}

	t.startAnnouncers()
	if t.dhtAnn != nil {
		t.dhtAnn.NeedMorePeers(true)
	}

	if t.info == nil {
		// Magnet: we need metadata before we can allocate/verify.
		t.state = Downloading
		t.dialMorePeers()
		return
	}

	t.state = Allocating
	t.startAllocation()
}

func (t *torrentActor) startAllocation() {
	t.allocatorResultC = make(chan *allocator.Allocator, 1)
	allocator.New(t.storage, t.info, t.allocatorProgressC, t.allocatorResultC)
}

func (t *torrentActor) handleAllocationDone(a *allocator.Allocator) {
	if a.Error != nil {
		t.fail(a.Error)
		return
	}
	layout, err := pieceio.NewLayout(t.info, t.storage)
	if err != nil {
		t.fail(err)
		return
	}
	t.layout = layout
	t.writer = piecewriter.New(layout, int64(t.config.HashCheckWorkers))

	t.state = Checking
	go t.startVerify()
}

func (t *torrentActor) startVerify() {
	progress := make(chan verifier.Progress, 8)
	go func() {
		for p := range progress {
			select {
			case t.verifierProgressC <- verifierProgress{Checked: p.Checked}:
			default:
			}
		}
	}()
	res, err := verifier.Run(context.Background(), t.info, t.layout, t.config.HashCheckWorkers, progress)
	close(progress)
	if err != nil {
		t.verifierResultC <- verifierResult{Err: err}
		return
	}
	t.verifierResultC <- verifierResult{Verified: res.Verified}
}

func (t *torrentActor) handleVerificationDone(v verifierResult) {
	if v.Err != nil {
		t.fail(v.Err)
		return
	}
	if t.bitfield == nil {
		t.bitfield = bitfieldFromVerified(v.Verified)
	}
	for i, ok := range v.Verified {
		if ok {
			t.pieces[i].State = piece.Verified
			t.bitfield.Set(uint32(i))
		}
	}
	t.picker = piecepicker.New(t.pieces, piecepicker.RarestFirst)
	t.picker.SetBoundaryPieces(fileBoundaryPieces(t.info))
	t.checkCompletion()
	if !t.completed {
		t.state = Downloading
	}
	t.dialMorePeers()
}

func (t *torrentActor) checkCompletion() {
	if t.bitfield != nil && t.bitfield.All() {
		t.completed = true
		t.state = Seeding
		if t.stoppedEventAnnouncer == nil {
			t.writeCheckpoint()
		}
	}
}

func (t *torrentActor) doStop() {
	if t.state == Stopped || t.state == Paused {
		return
	}
	t.stopAnnouncers()
	if t.dhtAnn != nil {
		t.dhtAnn.NeedMorePeers(false)
	}
	for pe := range t.peers {
		pe.Close()
	}
	if t.acceptor != nil {
		t.acceptor.Close()
		t.acceptor = nil
	}
	t.state = Paused
	t.writeCheckpoint()
}

func (t *torrentActor) doClose() {
	t.doStop()
	if t.layout != nil {
		t.layout.Close()
	}
}

func (t *torrentActor) acceptorListener(ln net.Listener) {
	a := acceptor.New(ln, t.log)
	t.acceptor = a
	go a.Run()
	go func() {
		for {
			select {
			case conn := <-a.ConnC:
				select {
				case t.incomingConnC <- conn:
				case <-t.doneC:
					conn.Close()
					return
				}
			case <-t.doneC:
				return
			}
		}
	}()
}

func (t *torrentActor) handleIncomingConn(conn net.Conn) {
	if len(t.incomingHandshakers)+len(t.incomingPeers) >= t.config.MaxPeerAccept {
		conn.Close()
		return
	}
	ip := conn.RemoteAddr().(*net.TCPAddr).IP
	if t.session.blocklist != nil && t.session.blocklist.Blocked(ip) {
		conn.Close()
		return
	}
	if _, ok := t.connectedIPs[ip.String()]; ok {
		conn.Close()
		return
	}
	h := incominghandshaker.New(conn)
	t.incomingHandshakers[h] = struct{}{}
	t.connectedIPs[ip.String()] = struct{}{}
	go h.Run(t.peerID, t.checkInfoHash, t.incomingHandshakerResultC, t.config.PeerHandshakeTimeout, enableFastExtension, enableExtensionProtocol)
}

func (t *torrentActor) checkInfoHash(ih [20]byte) bool {
	return ih == t.ih
}

func (t *torrentActor) handleIncomingHandshakeResult(h *incominghandshaker.IncomingHandshaker) {
	delete(t.incomingHandshakers, h)
	if h.Error != nil {
		delete(t.connectedIPs, h.Conn.RemoteAddr().(*net.TCPAddr).IP.String())
		return
	}
	t.startPeer(h.Conn, h.Conn.RemoteAddr(), h.PeerID, h.FastExtension, h.ExtensionProtocol, true)
}

func (t *torrentActor) dialMorePeers() {
	if t.state != Downloading && t.state != Seeding {
		return
	}
	free := t.config.MaxPeerDial - len(t.outgoingHandshakers)
	if free <= 0 {
		return
	}
	for _, addr := range t.addrList.Pop(free, time.Now()) {
		if _, ok := t.connectedIPs[addr.IP.String()]; ok {
			continue
		}
		h := outgoinghandshaker.New(addr)
		t.outgoingHandshakers[h] = struct{}{}
		t.connectedIPs[addr.IP.String()] = struct{}{}
		go h.Run(t.config.PeerConnectTimeout, t.config.PeerHandshakeTimeout, t.peerID, t.ih, t.outgoingHandshakerResultC, enableFastExtension, enableExtensionProtocol)
	}
}

func (t *torrentActor) handleOutgoingHandshakeResult(h *outgoinghandshaker.OutgoingHandshaker) {
	delete(t.outgoingHandshakers, h)
	if h.Error != nil {
		delete(t.connectedIPs, h.Addr.IP.String())
		t.addrList.MarkFailed(h.Addr, time.Now(), 30*time.Second)
		return
	}
	t.addrList.MarkSuccess(h.Addr, time.Now())
	t.startPeer(h.Conn, h.Addr, h.PeerID, h.FastExtension, h.ExtensionProtocol, false)
}


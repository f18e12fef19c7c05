package session

import (
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/ccBitTorrent/ccbt-sub002/internal/bitfield"
	"github.com/ccBitTorrent/ccbt-sub002/internal/infodownloader"
	"github.com/ccBitTorrent/ccbt-sub002/internal/metainfo"
	"github.com/ccBitTorrent/ccbt-sub002/internal/peer"
	"github.com/ccBitTorrent/ccbt-sub002/internal/peerconn"
	"github.com/ccBitTorrent/ccbt-sub002/internal/peerprotocol"
	"github.com/ccBitTorrent/ccbt-sub002/internal/piece"
	"github.com/ccBitTorrent/ccbt-sub002/internal/piecedownloader"
	"github.com/ccBitTorrent/ccbt-sub002/internal/storage/piecewriter"
)

func (t *torrentActor) startPeer(conn net.Conn, addr net.Addr, peerID [20]byte, fastExt, extProto bool, incoming bool) {
	if _, ok := t.peerIDs[peerID]; ok {
		conn.Close()
		return
	}
	pc := peerconn.New(conn, peerID, fastExt, extProto, t.log)
	pc.SetLimiter(t.downLimiter)
	pe := peer.New(pc, addr, t.log)
	t.peers[pe] = struct{}{}
	t.peerIDs[peerID] = struct{}{}
	if incoming {
		t.incomingPeers[pe] = struct{}{}
	} else {
		t.outgoingPeers[pe] = struct{}{}
	}
	pe.SetState(peer.Active)

	if t.bitfield != nil {
		pe.SendBitfield(t.bitfield)
	}
	if extProto {
		m := map[string]int64{peerprotocol.ExtensionMetadataName: int64(peerprotocol.ExtensionMetadataLocalID)}
		if t.config.PEXEnabled && !t.private {
			m[peerprotocol.ExtensionPEXName] = int64(peerprotocol.ExtensionPEXLocalID)
		}
		h := peerprotocol.ExtensionHandshakeMessage{M: m, V: t.config.ExtensionHandshakeClientVersion}
		if t.info != nil {
			h.MetadataSize = int64(len(t.info.Bytes))
		}
		pe.SendExtensionHandshake(h)
	}

	go pe.Run()
	go t.pumpPeerMessages(pe)
}

// pumpPeerMessages forwards a peer's decoded message stream into the
// actor's single messagesC, and reports disconnection once the stream
// closes — the only place outside the actor goroutine that touches a peer.
func (t *torrentActor) pumpPeerMessages(pe *peer.Peer) {
	for msg := range pe.Messages() {
		select {
		case t.messagesC <- peerMessage{Peer: pe, Message: msg}:
		case <-t.doneC:
			return
		}
	}
	select {
	case t.peerDisconnectedC <- pe:
	case <-t.doneC:
	}
}

func (t *torrentActor) handlePeerDisconnected(pe *peer.Peer) {
	if _, ok := t.peers[pe]; !ok {
		return
	}
	delete(t.peers, pe)
	delete(t.incomingPeers, pe)
	delete(t.outgoingPeers, pe)
	delete(t.peerIDs, pe.ID())
	delete(t.connectedIPs, addrIP(pe.Addr))
	if t.picker != nil {
		t.picker.HandleDisconnect(pe)
	}
	if pd, ok := t.pieceDownloaders[pe]; ok {
		pd.Piece.State = piece.Missing
		if t.picker != nil {
			t.picker.ReleasePiece(pd.Piece.Index)
		}
		delete(t.pieceDownloaders, pe)
	}
	delete(t.infoDownloaders, pe)
	pe.Close()
	t.dialMorePeers()
}

func addrIP(a net.Addr) string {
	if tcp, ok := a.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	return a.String()
}

func (t *torrentActor) handlePeerMessage(pm peerMessage) {
	pe := pm.Peer
	if _, ok := t.peers[pe]; !ok {
		return
	}
	switch m := pm.Message.(type) {
	case peerconn.ChokeMessage:
		pe.PeerChoking = true
		if pd, ok := t.pieceDownloaders[pe]; ok {
			select {
			case pd.ChokeC <- struct{}{}:
			default:
			}
		}
	case peerconn.UnchokeMessage:
		pe.PeerChoking = false
		if pd, ok := t.pieceDownloaders[pe]; ok {
			select {
			case pd.UnchokeC <- struct{}{}:
			default:
			}
		}
		t.assignPiece(pe)
	case peerconn.InterestedMessage:
		pe.PeerInterested = true
	case peerconn.NotInterestedMessage:
		pe.PeerInterested = false
	case peerconn.HaveAllMessage:
		if t.picker != nil {
			t.picker.HandleHaveAll(pe)
		}
		t.sendInterestIfUseful(pe)
	case peerconn.HaveNoneMessage:
		if t.picker != nil {
			t.picker.HandleHaveNone(pe)
		}
	case peerconn.HaveMessage:
		if t.picker != nil {
			t.picker.HandleHave(pe, m.Index)
		}
		t.sendInterestIfUseful(pe)
	case peerconn.BitfieldMessage:
		if t.picker != nil {
			if bf, err := bitfield.NewBytes(m.Data, uint32(len(t.pieces))); err == nil {
				t.picker.HandleBitfield(pe, bf)
			}
		}
		t.sendInterestIfUseful(pe)
	case peerconn.RequestMessage:
		t.handlePeerRequest(pe, m.RequestMessage)
	case peerconn.CancelMessage:
		// Outbound Piece messages are not queryable/cancelable once queued;
		// a cancel that arrives too late just wastes one upload.
	case peerconn.RejectMessage:
		if pd, ok := t.pieceDownloaders[pe]; ok {
			blk := pd.Piece.GetBlock(m.Begin, m.Length)
			if blk != nil {
				select {
				case pd.RejectC <- peer.Request{Peer: pe, Block: blk, RequestMessage: m.RequestMessage}:
				default:
				}
			}
		}
	case peerconn.AllowedFastMessage:
		// Fast-extension allowed-fast set: no special scheduling priority
		// is implemented beyond normal rarest-first selection.
	case peerconn.PieceMessage:
		t.handlePieceMessage(pe, m)
	case peerconn.PortMessage:
		t.handlePortMessage(pe, m)
	case peerconn.ExtensionHandshakeMessage:
		h := m.ExtensionHandshakeMessage
		pe.ExtensionHandshake = &h
		t.handleExtensionHandshake(pe)
	case peerconn.ExtensionMetadataMessage:
		t.handleMetadataMessage(pe, m)
	case peerconn.ExtensionPEXMessage:
		t.handlePEXMessage(pe, m)
	case pieceAssembled:
		t.handleAssembledPiece(pe, m)
	case pieceFailed:
		t.handleFailedPiece(pe, m)
	}
}

func (t *torrentActor) sendInterestIfUseful(pe *peer.Peer) {
	if t.picker == nil {
		return
	}
	for _, p := range t.pieces {
		if p.State == piece.Missing && t.picker.PeerHas(pe, p.Index) {
			pe.SendInterested()
			t.assignPiece(pe)
			return
		}
	}
	pe.SendNotInterested()
}

func (t *torrentActor) assignPiece(pe *peer.Peer) {
	if t.picker == nil || pe.PeerChoking {
		return
	}
	if _, busy := t.pieceDownloaders[pe]; busy {
		return
	}
	p := t.picker.Next(pe)
	if p == nil {
		return
	}
	p.State = piece.InFlight
	t.picker.MarkInFlight(pe, p.Index)
	pd := piecedownloader.New(p, pe)
	t.pieceDownloaders[pe] = pd
	stopC := make(chan struct{})
	go func() {
		pd.Run(stopC)
	}()
	go t.watchPieceDownloader(pe, pd, stopC)
}

// watchPieceDownloader waits for a piece to finish or fail and reports the
// outcome back onto the actor loop via messagesC-shaped internal events.
func (t *torrentActor) watchPieceDownloader(pe *peer.Peer, pd *piecedownloader.PieceDownloader, stopC chan struct{}) {
	select {
	case data := <-pd.DoneC:
		select {
		case t.messagesC <- peerMessage{Peer: pe, Message: pieceAssembled{Downloader: pd, Data: data}}:
		case <-t.doneC:
		}
	case err := <-pd.ErrC:
		select {
		case t.messagesC <- peerMessage{Peer: pe, Message: pieceFailed{Downloader: pd, Err: err}}:
		case <-t.doneC:
		}
	case <-t.doneC:
		close(stopC)
	}
}

type pieceAssembled struct {
	Downloader *piecedownloader.PieceDownloader
	Data       []byte
}
type pieceFailed struct {
	Downloader *piecedownloader.PieceDownloader
	Err        error
}

func (t *torrentActor) handlePieceMessage(pe *peer.Peer, m peerconn.PieceMessage) {
	pd, ok := t.pieceDownloaders[pe]
	if !ok || pd.Piece.Index != m.Index {
		return
	}
	blk := pd.Piece.GetBlock(m.Begin, uint32(len(m.Data)))
	if blk == nil {
		return
	}
	pe.AccountDownload(len(m.Data))
	t.bytesDownloaded += int64(len(m.Data))
	t.downloadSpeed.Update(int64(len(m.Data)))
	select {
	case pd.PieceC <- peer.Piece{Block: blk, Data: m.Data}:
	default:
	}
}

func (t *torrentActor) handleAssembledPiece(pe *peer.Peer, a pieceAssembled) {
	delete(t.pieceDownloaders, pe)
	if t.writer == nil {
		return
	}
	t.writer.Submit(piecewriter.Request{
		Piece:        a.Downloader.Piece,
		Data:         a.Data,
		Contributors: []string{pe.String()},
	})
	a.Downloader.Piece.Writing = true
	t.assignPiece(pe)
}

func (t *torrentActor) handleFailedPiece(pe *peer.Peer, f pieceFailed) {
	delete(t.pieceDownloaders, pe)
	if t.picker != nil {
		t.picker.ReleasePiece(f.Downloader.Piece.Index)
		t.picker.PenalizePeer(pe)
	}
	f.Downloader.Piece.State = piece.Missing
	t.log.Debugln("piece download failed:", f.Err)
}

func (t *torrentActor) handlePieceWriteResult(res piecewriter.Result) {
	res.Piece.Writing = false
	if !res.OK {
		// Contributors are recorded by address string only; without a live
		// *peer.Peer to hand PenalizePeer, a bad piece just gets re-picked
		// from a (possibly different) peer next time.
		res.Piece.State = piece.Missing
		res.Piece.FailCount++
		return
	}
	res.Piece.State = piece.Verified
	if t.bitfield != nil {
		t.bitfield.Set(res.Piece.Index)
	}
	if t.picker != nil {
		t.picker.ReleasePiece(res.Piece.Index)
	}
	for pe := range t.peers {
		pe.SendHave(res.Piece.Index)
	}
	t.checkCompletion()
}

func (t *torrentActor) handlePeerRequest(pe *peer.Peer, req peerprotocol.RequestMessage) {
	if pe.AmChoking || t.layout == nil {
		return
	}
	idx := int(req.Index)
	if idx < 0 || idx >= len(t.pieces) || t.pieces[idx].State != piece.Verified {
		return
	}
	if data, ok := t.cache.Get(req.Index); ok {
		t.servePieceBytes(pe, req, data)
		return
	}
	abs := t.layout.PieceOffset(req.Index)
	data, err := t.layout.ReadAt(abs, int64(t.pieces[idx].Length))
	if err != nil {
		return
	}
	t.cache.Put(req.Index, data)
	t.servePieceBytes(pe, req, data)
}

func (t *torrentActor) servePieceBytes(pe *peer.Peer, req peerprotocol.RequestMessage, full []byte) {
	end := req.Begin + req.Length
	if end > uint32(len(full)) {
		return
	}
	pe.SendPiece(req.Index, req.Begin, full[req.Begin:end])
	t.bytesUploaded += int64(req.Length)
	t.uploadSpeed.Update(int64(req.Length))
}

func (t *torrentActor) handleExtensionHandshake(pe *peer.Peer) {
	if t.config.PEXEnabled && pe.HasExtension(peerprotocol.ExtensionPEXName) {
		t.pex.Add(addrToTCP(pe.Addr))
	}
	if t.info == nil && pe.HasExtension(peerprotocol.ExtensionMetadataName) {
		if _, busy := t.infoDownloaders[pe]; !busy && pe.ExtensionHandshake.MetadataSize > 0 {
			d := infodownloader.New(pe)
			t.infoDownloaders[pe] = d
			d.RequestBlocks(5)
		}
	}
}

func addrToTCP(a net.Addr) *net.TCPAddr {
	if tcp, ok := a.(*net.TCPAddr); ok {
		return tcp
	}
	return nil
}

func (t *torrentActor) handleMetadataMessage(pe *peer.Peer, m peerconn.ExtensionMetadataMessage) {
	switch m.Type {
	case peerprotocol.MetadataRequest:
		if t.info == nil {
			return
		}
		chunk := t.info.Bytes[m.Piece*16*1024:]
		if len(chunk) > 16*1024 {
			chunk = chunk[:16*1024]
		}
		reply := peerprotocol.ExtensionMetadataMessage{Type: peerprotocol.MetadataData, Piece: m.Piece, TotalSize: int64(len(t.info.Bytes))}
		pe.SendExtensionMetadata(reply, chunk)
	case peerprotocol.MetadataData:
		d, ok := t.infoDownloaders[pe]
		if !ok {
			return
		}
		if err := d.GotBlock(uint32(m.Piece), m.Data); err != nil {
			return
		}
		if d.Done() {
			t.handleInfoDownloadDone(d)
			return
		}
		d.RequestBlocks(5)
	case peerprotocol.MetadataReject:
		delete(t.infoDownloaders, pe)
	}
}

func (t *torrentActor) handleInfoDownloadDone(d *infodownloader.InfoDownloader) {
	for pe := range t.infoDownloaders {
		delete(t.infoDownloaders, pe)
	}
	info, err := infoFromMetadataBytes(d.Bytes, t.ih)
	if err != nil {
		t.log.Warningln("downloaded metadata failed validation:", err)
		return
	}
	t.info = info
	t.magnet = nil
	t.name = info.Name
	t.private = info.Private
	t.bitfield = bitfield.New(uint32(info.NumPieces()))
	t.pieces = makePieces(info)
	if t.resume != nil {
		t.resume.WriteInfo(info.Bytes)
	}
	if t.private && t.dhtAnn != nil {
		// A magnet link gives no opportunity to know Private in advance, so the
		// DHT announcer is only started speculatively; tear it down once the
		// downloaded metadata says otherwise (spec.md private-torrent invariant).
		t.dhtAnn.Close()
		t.dhtAnn = nil
	}
	t.state = Allocating
	t.startAllocation()
}

func infoFromMetadataBytes(raw []byte, expected [20]byte) (*metainfo.Info, error) {
	info, err := metainfo.NewInfo(raw)
	if err != nil {
		return nil, err
	}
	if info.Hash != expected {
		return nil, &metainfo.InvalidTorrent{Reason: "metadata does not match requested info hash"}
	}
	return info, nil
}

// handlePortMessage folds a peer's BEP 5 Port announcement into the shared
// DHT routing table as a candidate node, rather than discarding it; private
// torrents never feed the DHT, regardless of where the address came from.
func (t *torrentActor) handlePortMessage(pe *peer.Peer, m peerconn.PortMessage) {
	if t.private || t.session.dhtNode == nil {
		return
	}
	tcpAddr, ok := pe.Addr.(*net.TCPAddr)
	if !ok {
		return
	}
	addr := net.JoinHostPort(tcpAddr.IP.String(), strconv.Itoa(int(m.Port)))
	t.session.dhtNode.AddNode(addr)
}

func (t *torrentActor) handlePEXMessage(pe *peer.Peer, m peerconn.ExtensionPEXMessage) {
	if !t.config.PEXEnabled || t.private || !t.pex.AllowIncoming(time.Now()) {
		return
	}
	added := pexParse(m.Added)
	t.AddPeersInline(added)
	for _, a := range pexParse(m.Dropped) {
		_ = a
	}
}

func pexParse(b []byte) []*net.TCPAddr {
	out := make([]*net.TCPAddr, 0, len(b)/6)
	for i := 0; i+6 <= len(b); i += 6 {
		ip := net.IPv4(b[i], b[i+1], b[i+2], b[i+3])
		port := int(b[i+4])<<8 | int(b[i+5])
		out = append(out, &net.TCPAddr{IP: ip, Port: port})
	}
	return out
}

func (t *torrentActor) AddPeersInline(addrs []*net.TCPAddr) {
	if len(addrs) == 0 {
		return
	}
	t.addrList.Push(addrs, time.Now())
	t.dialMorePeers()
}

func (t *torrentActor) exchangePEX() {
	for pe := range t.peers {
		if !pe.HasExtension(peerprotocol.ExtensionPEXName) {
			continue
		}
		added, dropped := t.pex.Generate()
		if len(added) == 0 && len(dropped) == 0 {
			continue
		}
		pe.SendExtensionPEX(peerprotocol.ExtensionPEXMessage{Added: added, Dropped: dropped})
	}
}

// recalculateChoking re-ranks connected peers by download (leeching) or
// upload (seeding) rate and unchokes the top UnchokedPeers. When optimistic
// is true it also unchokes up to OptimisticUnchokedPeers of the remaining
// peers, taken consecutively from a start index derived from the current
// time; no selection state carries over between calls (spec.md §4.4
// "Choking algorithm").
func (t *torrentActor) recalculateChoking(optimistic bool) {
	t.downloadSpeed.Tick()
	t.uploadSpeed.Tick()
	peers := make([]*peer.Peer, 0, len(t.peers))
	for pe := range t.peers {
		if pe.PeerInterested {
			peers = append(peers, pe)
		}
	}
	seeding := t.state == Seeding || t.state == Completed
	sort.Slice(peers, func(i, j int) bool {
		if seeding {
			return peers[i].UploadRate() > peers[j].UploadRate()
		}
		return peers[i].DownloadRate() > peers[j].DownloadRate()
	})

	unchoked := t.config.UnchokedPeers
	for i, pe := range peers {
		if i < unchoked {
			pe.Unchoke()
		} else {
			pe.OptimisticUnchoked = false
			pe.Choke()
		}
		pe.ResetChokePeriodCounters()
	}

	if optimistic && len(peers) > unchoked {
		choked := peers[unchoked:]
		slots := t.config.OptimisticUnchokedPeers
		if slots > len(choked) {
			slots = len(choked)
		}
		start := int(time.Now().UnixNano()) % len(choked)
		for i := 0; i < slots; i++ {
			pe := choked[(start+i)%len(choked)]
			pe.OptimisticUnchoked = true
			pe.Unchoke()
		}
	}
}

func (t *torrentActor) fail(err error) {
	t.lastError = err
	t.state = Error
	t.log.Errorln("torrent error:", err)
}

package session

import (
	"crypto/rand"
	"net"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/ccBitTorrent/ccbt-sub002/internal/acceptor"
	"github.com/ccBitTorrent/ccbt-sub002/internal/addrlist"
	"github.com/ccBitTorrent/ccbt-sub002/internal/allocator"
	"github.com/ccBitTorrent/ccbt-sub002/internal/announcer"
	"github.com/ccBitTorrent/ccbt-sub002/internal/bitfield"
	"github.com/ccBitTorrent/ccbt-sub002/internal/dhtannouncer"
	"github.com/ccBitTorrent/ccbt-sub002/internal/handshaker/incominghandshaker"
	"github.com/ccBitTorrent/ccbt-sub002/internal/handshaker/outgoinghandshaker"
	"github.com/ccBitTorrent/ccbt-sub002/internal/infodownloader"
	"github.com/ccBitTorrent/ccbt-sub002/internal/logger"
	"github.com/ccBitTorrent/ccbt-sub002/internal/magnet"
	"github.com/ccBitTorrent/ccbt-sub002/internal/metainfo"
	"github.com/ccBitTorrent/ccbt-sub002/internal/peer"
	"github.com/ccBitTorrent/ccbt-sub002/internal/pex"
	"github.com/ccBitTorrent/ccbt-sub002/internal/piece"
	"github.com/ccBitTorrent/ccbt-sub002/internal/piecedownloader"
	"github.com/ccBitTorrent/ccbt-sub002/internal/piecepicker"
	"github.com/ccBitTorrent/ccbt-sub002/internal/ratelimit"
	"github.com/ccBitTorrent/ccbt-sub002/internal/resumer"
	"github.com/ccBitTorrent/ccbt-sub002/internal/storage"
	"github.com/ccBitTorrent/ccbt-sub002/internal/storage/piececache"
	"github.com/ccBitTorrent/ccbt-sub002/internal/storage/pieceio"
	"github.com/ccBitTorrent/ccbt-sub002/internal/storage/piecewriter"
	"github.com/ccBitTorrent/ccbt-sub002/internal/tracker"
)

// Every handshake advertises both the fast extension (BEP 6) and the
// extension protocol (BEP 10), which in turn carries ut_metadata and
// ut_pex.
const (
	enableFastExtension   = true
	enableExtensionProtocol = true
)

// State is a torrent's lifecycle stage (spec.md §4.7 "Lifecycle states").
type State int

const (
	Queued State = iota
	Checking
	Allocating
	Downloading
	Seeding
	Stopped
	Paused
	Completed
	Error
)

func (s State) String() string {
	switch s {
	case Queued:
		return "queued"
	case Checking:
		return "checking"
	case Allocating:
		return "allocating"
	case Downloading:
		return "downloading"
	case Seeding:
		return "seeding"
	case Stopped:
		return "stopped"
	case Paused:
		return "paused"
	case Completed:
		return "completed"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time snapshot of a torrent's status.
type Stats struct {
	State           State
	BytesTotal      int64
	BytesCompleted  int64
	BytesDownloaded int64
	BytesUploaded   int64
	BytesWasted     int64
	PeerCount       int
	Seeders         int
	Leechers        int
	DownloadSpeed   int64
	UploadSpeed     int64
	Error           error
}

// Torrent is the session's public handle onto one download.
type Torrent struct {
	*torrentActor
}

// Start resumes a Queued/Stopped/Paused torrent.
func (t *Torrent) Start() {
	select {
	case t.startCommandC <- struct{}{}:
	case <-t.doneC:
	}
}

// Stop pauses the torrent, announcing the stopped event to its trackers.
func (t *Torrent) Stop() {
	select {
	case t.stopCommandC <- struct{}{}:
	case <-t.doneC:
	}
}

// Close stops the torrent permanently and releases its resources.
func (t *Torrent) Close() {
	doneC := make(chan struct{})
	select {
	case t.closeC <- doneC:
		<-doneC
	case <-t.doneC:
	}
}

// ID returns the session-local identifier used for checkpoint storage.
func (t *Torrent) ID() string { return t.id }

// Name returns the torrent's display name.
func (t *Torrent) Name() string { return t.name }

// Stats returns a snapshot of the torrent's current status.
func (t *Torrent) Stats() Stats {
	req := statsRequest{Response: make(chan Stats, 1)}
	select {
	case t.statsCommandC <- req:
		return <-req.Response
	case <-t.doneC:
		return Stats{State: Stopped}
	}
}

// Trackers returns the current tracker URLs and their last announce error.
func (t *Torrent) Trackers() []TrackerStatus {
	req := trackersRequest{Response: make(chan []TrackerStatus, 1)}
	select {
	case t.trackersCommandC <- req:
		return <-req.Response
	case <-t.doneC:
		return nil
	}
}

// Peers returns the addresses of currently connected peers.
func (t *Torrent) Peers() []*net.TCPAddr {
	req := peersRequest{Response: make(chan []*net.TCPAddr, 1)}
	select {
	case t.peersCommandC <- req:
		return <-req.Response
	case <-t.doneC:
		return nil
	}
}

// AddPeers manually injects candidate peer addresses (e.g. from an
// external discovery mechanism).
func (t *Torrent) AddPeers(addrs []*net.TCPAddr) {
	select {
	case t.addPeersCommandC <- addrs:
	case <-t.doneC:
	}
}

type statsRequest struct{ Response chan Stats }
type trackersRequest struct{ Response chan []TrackerStatus }
type peersRequest struct{ Response chan []*net.TCPAddr }

// TrackerStatus reports one tracker's URL and last announce outcome.
type TrackerStatus struct {
	URL      string
	LastError error
}

// torrentActor is the single goroutine that owns every mutable piece of
// state for one torrent (spec.md §4.7 "Torrent actor").
type torrentActor struct {
	session *Session
	config  Config
	log     logger.Logger

	id   string
	name string
	port int

	info     *metainfo.Info
	magnet   *magnet.Magnet // non-nil until metadata is known
	ih       [20]byte
	private  bool

	storage storage.Storage
	layout  *pieceio.Layout
	resume  resumer.Resumer

	bitfield *bitfield.Bitfield
	pieces   []*piece.Piece

	peerID [20]byte

	trackers  []tracker.Tracker
	announcers []*announcer.PeriodicalAnnouncer
	stoppedEventAnnouncer *announcer.StopAnnouncer
	announcerRequestC chan *announcer.Request
	trackerResultC    chan []*net.TCPAddr

	dhtAnn *dhtannouncer.Announcer

	picker *piecepicker.PiecePicker
	cache  *piececache.Cache
	writer *piecewriter.Pool

	downLimiter *ratelimit.Limiter

	addrList *addrlist.AddrList

	acceptor *acceptor.Acceptor

	peers         map[*peer.Peer]struct{}
	incomingPeers map[*peer.Peer]struct{}
	outgoingPeers map[*peer.Peer]struct{}
	connectedIPs  map[string]struct{}
	peerIDs       map[[20]byte]struct{}

	pieceDownloaders map[*peer.Peer]*piecedownloader.PieceDownloader
	infoDownloaders  map[*peer.Peer]*infodownloader.InfoDownloader

	incomingHandshakers map[*incominghandshaker.IncomingHandshaker]struct{}
	outgoingHandshakers map[*outgoinghandshaker.OutgoingHandshaker]struct{}

	incomingConnC             chan net.Conn
	incomingHandshakerResultC chan *incominghandshaker.IncomingHandshaker
	outgoingHandshakerResultC chan *outgoinghandshaker.OutgoingHandshaker
	peerDisconnectedC         chan *peer.Peer
	messagesC                 chan peerMessage

	pex *pex.PEX

	allocatorProgressC chan allocator.Progress
	allocatorResultC   chan *allocator.Allocator
	bytesAllocated     int64

	verifierProgressC chan verifierProgress
	verifierResultC   chan verifierResult

	state     State
	completed bool
	lastError error

	bytesDownloaded int64
	bytesUploaded   int64
	bytesWasted     int64
	startedAt       time.Time

	downloadSpeed metrics.EWMA
	uploadSpeed   metrics.EWMA

	startCommandC chan struct{}
	stopCommandC  chan struct{}
	closeC        chan chan struct{}
	doneC         chan struct{}

	statsCommandC    chan statsRequest
	trackersCommandC chan trackersRequest
	peersCommandC    chan peersRequest
	addPeersCommandC chan []*net.TCPAddr

	resumeWriteTicker *time.Ticker
	unchokeTicker     *time.Ticker
	optimisticTicker  *time.Ticker

	mu sync.Mutex // not locked anywhere; Stats()/Trackers()/Peers() reach the actor through its command channels
}

type peerMessage struct {
	Peer    *peer.Peer
	Message interface{}
}

type verifierProgress struct{ Checked uint32 }
type verifierResult struct {
	Verified []bool
	Err      error
}

func (t *torrentActor) infoHash() [20]byte { return t.ih }

func newTorrent(s *Session, id string, info *metainfo.Info, st storage.Storage, res resumer.Resumer, port int, trackers []tracker.Tracker, dhtAnn *dhtannouncer.Announcer) *Torrent {
	a := baseTorrentActor(s, id, st, res, port, trackers, dhtAnn)
	a.info = info
	a.name = info.Name
	a.ih = info.Hash
	a.private = info.Private
	a.bitfield = bitfield.New(uint32(info.NumPieces()))
	a.pieces = makePieces(info)
	go a.run()
	return &Torrent{a}
}

func newTorrentFromMagnet(s *Session, id string, ma *magnet.Magnet, st storage.Storage, res resumer.Resumer, port int, trackers []tracker.Tracker, dhtAnn *dhtannouncer.Announcer) *Torrent {
	a := baseTorrentActor(s, id, st, res, port, trackers, dhtAnn)
	a.magnet = ma
	a.name = ma.Name
	a.ih = ma.InfoHash
	go a.run()
	return &Torrent{a}
}

func baseTorrentActor(s *Session, id string, st storage.Storage, res resumer.Resumer, port int, trackers []tracker.Tracker, dhtAnn *dhtannouncer.Announcer) *torrentActor {
	a := &torrentActor{
		session:                   s,
		config:                    s.config,
		log:                       s.log,
		id:                        id,
		port:                      port,
		storage:                   st,
		resume:                    res,
		trackers:                  trackers,
		dhtAnn:                    dhtAnn,
		peerID:                    newPeerID(),
		addrList:                  addrlist.New(2000),
		peers:                     make(map[*peer.Peer]struct{}),
		incomingPeers:             make(map[*peer.Peer]struct{}),
		outgoingPeers:             make(map[*peer.Peer]struct{}),
		connectedIPs:              make(map[string]struct{}),
		peerIDs:                   make(map[[20]byte]struct{}),
		pieceDownloaders:          make(map[*peer.Peer]*piecedownloader.PieceDownloader),
		infoDownloaders:           make(map[*peer.Peer]*infodownloader.InfoDownloader),
		incomingHandshakers:       make(map[*incominghandshaker.IncomingHandshaker]struct{}),
		outgoingHandshakers:       make(map[*outgoinghandshaker.OutgoingHandshaker]struct{}),
		incomingConnC:             make(chan net.Conn),
		incomingHandshakerResultC: make(chan *incominghandshaker.IncomingHandshaker),
		outgoingHandshakerResultC: make(chan *outgoinghandshaker.OutgoingHandshaker),
		peerDisconnectedC:         make(chan *peer.Peer),
		messagesC:                 make(chan peerMessage, 256),
		pex:                       pex.New(),
		allocatorProgressC:        make(chan allocator.Progress, 8),
		allocatorResultC:          make(chan *allocator.Allocator, 1),
		verifierProgressC:         make(chan verifierProgress, 8),
		verifierResultC:           make(chan verifierResult, 1),
		announcerRequestC:         make(chan *announcer.Request),
		trackerResultC:            make(chan []*net.TCPAddr, 8),
		downLimiter:               ratelimit.New(s.config.DownloadSpeedLimit, s.config.UploadSpeedLimit),
		cache:                     piececache.New(s.config.PieceCacheBudget),
		startCommandC:             make(chan struct{}),
		stopCommandC:              make(chan struct{}),
		closeC:                    make(chan chan struct{}),
		doneC:                     make(chan struct{}),
		statsCommandC:             make(chan statsRequest),
		trackersCommandC:          make(chan trackersRequest),
		peersCommandC:             make(chan peersRequest),
		addPeersCommandC:          make(chan []*net.TCPAddr),
		state:                     Queued,
		downloadSpeed:             metrics.NewEWMA1(),
		uploadSpeed:               metrics.NewEWMA1(),
	}
	return a
}

func makePieces(info *metainfo.Info) []*piece.Piece {
	n := info.NumPieces()
	pieces := make([]*piece.Piece, n)
	for i := 0; i < n; i++ {
		pieces[i] = piece.New(uint32(i), uint32(info.PieceLen(i)), info.Pieces[i])
	}
	return pieces
}

// fileBoundaryPieces returns the set of piece indices holding the first or
// last byte of some file in info, used to bias rarest-first piece
// selection toward file headers/trailers (spec.md §4.5).
func fileBoundaryPieces(info *metainfo.Info) map[uint32]struct{} {
	out := make(map[uint32]struct{}, 2*len(info.Files))
	for _, f := range info.Files {
		if f.Length <= 0 {
			continue
		}
		first := uint32(f.Offset / info.PieceLength)
		last := uint32((f.Offset + f.Length - 1) / info.PieceLength)
		out[first] = struct{}{}
		out[last] = struct{}{}
	}
	return out
}

func (t *torrentActor) loadBitfield(b []byte) {
	if t.info == nil {
		return
	}
	bf, err := bitfield.NewBytes(b, uint32(t.info.NumPieces()))
	if err != nil {
		return
	}
	t.bitfield = bf
	for i := uint32(0); i < bf.Len(); i++ {
		if bf.Test(i) {
			t.pieces[i].State = piece.Verified
		}
	}
}

func bitfieldFromVerified(verified []bool) *bitfield.Bitfield {
	return bitfield.New(uint32(len(verified)))
}

func newPeerID() [20]byte {
	var id [20]byte
	copy(id[:], "-CB0100-")
	rand.Read(id[8:])
	return id
}

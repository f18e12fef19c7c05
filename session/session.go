// Package session implements the top-level client: it owns the set of
// active torrents, the shared BoltDB checkpoint store, the blocklist, the
// tracker and DHT plumbing, and the pool of listening ports handed out to
// torrents (spec.md §4.7 "Session supervisor").
package session

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	uuid "github.com/satori/go.uuid"

	"github.com/ccBitTorrent/ccbt-sub002/internal/bitfield"
	"github.com/ccBitTorrent/ccbt-sub002/internal/blocklist"
	"github.com/ccBitTorrent/ccbt-sub002/internal/dhtannouncer"
	"github.com/ccBitTorrent/ccbt-sub002/internal/logger"
	"github.com/ccBitTorrent/ccbt-sub002/internal/magnet"
	"github.com/ccBitTorrent/ccbt-sub002/internal/metainfo"
	"github.com/ccBitTorrent/ccbt-sub002/internal/resumer"
	"github.com/ccBitTorrent/ccbt-sub002/internal/resumer/boltdbresumer"
	"github.com/ccBitTorrent/ccbt-sub002/internal/resumer/humanresumer"
	"github.com/ccBitTorrent/ccbt-sub002/internal/storage"
	"github.com/ccBitTorrent/ccbt-sub002/internal/storage/filestorage"
	"github.com/ccBitTorrent/ccbt-sub002/internal/storage/pieceio"
	"github.com/ccBitTorrent/ccbt-sub002/internal/storage/verifier"
	"github.com/ccBitTorrent/ccbt-sub002/internal/tracker"
	"github.com/ccBitTorrent/ccbt-sub002/internal/trackermanager"
)

var (
	sessionBucket  = []byte("session")
	torrentsBucket = []byte("torrents")
)

// ErrInvalidPort is returned when the configured port range has no free
// ports left to assign to a new torrent.
var ErrInvalidPort = errors.New("session: no free port available")

// ErrNotFound is returned by GetTorrent/RemoveTorrent for an unknown id.
var ErrNotFound = errors.New("session: torrent not found")

// Session owns every active Torrent and the resources they share.
type Session struct {
	config Config
	db     *bolt.DB
	log    logger.Logger

	blocklist      *blocklist.Blocklist
	trackerManager *trackermanager.TrackerManager
	dhtNode        *dhtannouncer.Node

	mu                 sync.Mutex
	torrents           map[string]*Torrent
	torrentsByInfoHash map[[20]byte][]*Torrent
	availablePorts     map[uint16]struct{}

	checkpointDir string

	closeC chan struct{}
}

// New opens (creating if necessary) the checkpoint database at
// cfg.Database, starts the DHT node if enabled, and resumes any torrents
// it finds checkpointed.
func New(cfg Config) (*Session, error) {
	dbPath, err := expandHomeDir(cfg.Database)
	if err != nil {
		return nil, err
	}
	checkpointDir, err := expandHomeDir(cfg.CheckpointDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, err
	}
	db, err := bolt.Open(dbPath, 0o640, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}

	var ids []string
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(sessionBucket); err != nil {
			return err
		}
		b, err := tx.CreateBucketIfNotExists(torrentsBucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	var dhtNode *dhtannouncer.Node
	if cfg.DHTEnabled {
		dhtNode, err = dhtannouncer.NewNode(dhtannouncer.NodeConfig{
			Address: cfg.DHTAddress,
			Port:    int(cfg.DHTPort),
		})
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	ports := make(map[uint16]struct{}, int(cfg.PortEnd)-int(cfg.PortBegin))
	for p := cfg.PortBegin; p < cfg.PortEnd; p++ {
		ports[p] = struct{}{}
	}

	bl := blocklist.New()
	l := logger.New("info")

	s := &Session{
		config:             cfg,
		db:                 db,
		log:                l,
		blocklist:          bl,
		trackerManager:     trackermanager.New(bl),
		dhtNode:            dhtNode,
		torrents:           make(map[string]*Torrent),
		torrentsByInfoHash: make(map[[20]byte][]*Torrent),
		availablePorts:     ports,
		checkpointDir:      checkpointDir,
		closeC:             make(chan struct{}),
	}

	if err := s.loadExistingTorrents(ids); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// AddTorrent parses a ".torrent" file from r and starts downloading it.
func (s *Session) AddTorrent(r io.Reader) (*Torrent, error) {
	mi, err := metainfo.New(r)
	if err != nil {
		return nil, err
	}
	return s.addFromInfo(mi.Info, mi.GetTrackers(), mi.Info.Bytes)
}

// AddMagnet starts downloading the torrent described by a magnet URI,
// fetching its metadata over the wire before pieces can be scheduled.
func (s *Session) AddMagnet(uri string) (*Torrent, error) {
	ma, err := magnet.New(uri)
	if err != nil {
		return nil, err
	}
	return s.addMagnet(ma)
}

func (s *Session) addFromInfo(info *metainfo.Info, trackers []string, rawInfo []byte) (*Torrent, error) {
	port, err := s.allocatePort()
	if err != nil {
		return nil, err
	}
	id := newTorrentID()

	dest, err := expandHomeDir(filepath.Join(s.config.DataDir, info.Name))
	if err != nil {
		s.releasePort(port)
		return nil, err
	}
	st, err := filestorage.NewWithPrealloc(dest, storage.Prealloc(s.config.Prealloc))
	if err != nil {
		s.releasePort(port)
		return nil, err
	}
	res, err := s.newResumer(id)
	if err != nil {
		s.releasePort(port)
		return nil, err
	}

	spec := &resumer.Spec{
		InfoHash:  info.Hash[:],
		Info:      rawInfo,
		Dest:      dest,
		Port:      port,
		Name:      info.Name,
		Trackers:  trackers,
		CreatedAt: time.Now(),
	}
	if err := res.Write(spec); err != nil {
		s.releasePort(port)
		return nil, err
	}

	trks := s.parseTrackers(trackers)
	var dhtAnn *dhtannouncer.Announcer
	if s.dhtNode != nil && !info.Private {
		dhtAnn = s.dhtNode.Announcer(info.Hash)
	}

	t := newTorrent(s, id, info, st, res, port, trks, dhtAnn)
	return s.register(t, info.Hash)
}

func (s *Session) addMagnet(ma *magnet.Magnet) (*Torrent, error) {
	port, err := s.allocatePort()
	if err != nil {
		return nil, err
	}
	id := newTorrentID()

	dest, err := expandHomeDir(filepath.Join(s.config.DataDir, id))
	if err != nil {
		s.releasePort(port)
		return nil, err
	}
	st, err := filestorage.NewWithPrealloc(dest, storage.Prealloc(s.config.Prealloc))
	if err != nil {
		s.releasePort(port)
		return nil, err
	}
	res, err := s.newResumer(id)
	if err != nil {
		s.releasePort(port)
		return nil, err
	}

	spec := &resumer.Spec{
		InfoHash:  ma.InfoHash[:],
		Dest:      dest,
		Port:      port,
		Name:      ma.Name,
		Trackers:  ma.Trackers,
		CreatedAt: time.Now(),
	}
	if err := res.Write(spec); err != nil {
		s.releasePort(port)
		return nil, err
	}

	trks := s.parseTrackers(ma.Trackers)
	var dhtAnn *dhtannouncer.Announcer
	if s.dhtNode != nil {
		dhtAnn = s.dhtNode.Announcer(ma.InfoHash)
	}

	t := newTorrentFromMagnet(s, id, ma, st, res, port, trks, dhtAnn)
	return s.register(t, ma.InfoHash)
}

// newResumer opens the BoltDB sub-bucket that tracks id's existence across
// restarts, then returns the Resumer that actually stores the Checkpoint
// payload: boltdbresumer.Resumer writes into that same sub-bucket, while
// humanresumer.FileResumer (CheckpointFormatHuman) writes a sibling file
// under Config.CheckpointDir, leaving the sub-bucket empty but present so
// loadExistingTorrents still discovers id on the next restart regardless
// of format.
func (s *Session) newResumer(id string) (resumer.Resumer, error) {
	bres, err := boltdbresumer.New(s.db, torrentsBucket, []byte(id))
	if err != nil {
		return nil, err
	}
	if s.config.CheckpointFormat == CheckpointFormatHuman {
		return humanresumer.NewFileResumer(s.checkpointDir, id)
	}
	return bres, nil
}

func (s *Session) register(t *Torrent, infoHash [20]byte) (*Torrent, error) {
	s.mu.Lock()
	s.torrents[t.id] = t
	s.torrentsByInfoHash[infoHash] = append(s.torrentsByInfoHash[infoHash], t)
	s.mu.Unlock()
	t.Start()
	return t, nil
}

func (s *Session) parseTrackers(urls []string) []tracker.Tracker {
	var out []tracker.Tracker
	for _, u := range urls {
		trk, err := s.trackerManager.Get(u, s.config.TrackerHTTPTimeout, s.config.TrackerHTTPUserAgent)
		if err != nil {
			s.log.Warningln("cannot parse tracker url:", err)
			continue
		}
		out = append(out, trk)
	}
	return out
}

func (s *Session) allocatePort() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := range s.availablePorts {
		delete(s.availablePorts, p)
		return int(p), nil
	}
	return 0, ErrInvalidPort
}

func (s *Session) releasePort(p int) {
	s.mu.Lock()
	s.availablePorts[uint16(p)] = struct{}{}
	s.mu.Unlock()
}

// GetTorrent returns the Torrent with the given id.
func (s *Session) GetTorrent(id string) (*Torrent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.torrents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

// ListTorrents returns every torrent known to the session.
func (s *Session) ListTorrents() []*Torrent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Torrent, 0, len(s.torrents))
	for _, t := range s.torrents {
		out = append(out, t)
	}
	return out
}

// RemoveTorrent stops a torrent and deletes its bucket (including its
// binary checkpoint) from the session database. Downloaded files are never
// deleted, and a human-format checkpoint file is left on disk.
func (s *Session) RemoveTorrent(id string) error {
	s.mu.Lock()
	t, ok := s.torrents[id]
	if ok {
		delete(s.torrents, id)
		list := s.torrentsByInfoHash[t.infoHash()]
		for i, x := range list {
			if x == t {
				s.torrentsByInfoHash[t.infoHash()] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	t.Close()
	s.releasePort(t.port)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(torrentsBucket)
		if b == nil {
			return nil
		}
		return b.DeleteBucket([]byte(id))
	})
}

// Close stops every torrent, the DHT node, and the checkpoint database.
func (s *Session) Close() error {
	select {
	case <-s.closeC:
	default:
		close(s.closeC)
	}
	for _, t := range s.ListTorrents() {
		t.Close()
	}
	if s.dhtNode != nil {
		s.dhtNode.Stop()
	}
	return s.db.Close()
}

func (s *Session) loadExistingTorrents(ids []string) error {
	for _, id := range ids {
		res, err := s.newResumer(id)
		if err != nil {
			s.log.Warningln("cannot open checkpoint for", id, ":", err)
			continue
		}
		spec, err := res.Read()
		if err == resumer.ErrNotFound {
			continue
		}
		if err != nil {
			s.log.Warningln("cannot read checkpoint for", id, ":", err)
			continue
		}
		if err := s.resumeFromSpec(id, res, spec); err != nil {
			s.log.Warningln("cannot resume torrent", id, ":", err)
		}
	}
	return nil
}

func (s *Session) resumeFromSpec(id string, res resumer.Resumer, spec *resumer.Spec) error {
	s.mu.Lock()
	if _, taken := s.availablePorts[uint16(spec.Port)]; taken {
		delete(s.availablePorts, uint16(spec.Port))
	}
	s.mu.Unlock()

	st, err := filestorage.NewWithPrealloc(spec.Dest, storage.Prealloc(s.config.Prealloc))
	if err != nil {
		return err
	}
	trks := s.parseTrackers(spec.Trackers)

	var infoHash [20]byte
	copy(infoHash[:], spec.InfoHash)

	var dhtAnn *dhtannouncer.Announcer
	if s.dhtNode != nil {
		dhtAnn = s.dhtNode.Announcer(infoHash)
	}

	if len(spec.Info) == 0 {
		ma := &magnet.Magnet{InfoHash: infoHash, Name: spec.Name, Trackers: spec.Trackers}
		t := newTorrentFromMagnet(s, id, ma, st, res, spec.Port, trks, dhtAnn)
		_, err := s.register(t, infoHash)
		return err
	}

	info, err := metainfo.NewInfo(spec.Info)
	if err != nil {
		return err
	}
	t := newTorrent(s, id, info, st, res, spec.Port, trks, dhtAnn)
	if spec.Bitfield != nil {
		if s.config.ParanoidCheckpoint && !verifyCheckpointBitfield(info, st, spec.Bitfield) {
			s.log.Warningln("checkpoint for", id, "failed paranoid verification, discarding bitfield")
		} else {
			t.loadBitfield(spec.Bitfield)
		}
	}
	_, err = s.register(t, infoHash)
	return err
}

// verifyCheckpointBitfield re-hashes every piece raw claims verified,
// rejecting the whole checkpoint on the first mismatch or read error
// (spec.md §4.3 "verify_checkpoint", gated behind Config.ParanoidCheckpoint
// since it re-reads and re-hashes potentially large amounts of on-disk
// content that the unconditional Checking pass would otherwise re-derive
// anyway; paranoia lets a corrupt checkpoint be caught and discarded before
// any stats/state built on it are trusted).
func verifyCheckpointBitfield(info *metainfo.Info, st storage.Storage, raw []byte) bool {
	bf, err := bitfield.NewBytes(raw, uint32(info.NumPieces()))
	if err != nil {
		return false
	}
	layout, err := pieceio.NewLayout(info, st)
	if err != nil {
		return false
	}
	defer layout.Close()
	for i := uint32(0); i < bf.Len(); i++ {
		if !bf.Test(i) {
			continue
		}
		ok, err := verifier.VerifyOne(info, layout, i)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

func newTorrentID() string {
	id, err := uuid.NewV1()
	if err != nil {
		var b [16]byte
		rand.Read(b[:])
		return bytesToID(b[:])
	}
	return bytesToID(id.Bytes())
}

func bytesToID(b []byte) string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	var buf bytes.Buffer
	for _, x := range b {
		buf.WriteByte(alphabet[int(x)%len(alphabet)])
	}
	return buf.String()
}

package session

import (
	"time"

	homedir "github.com/mitchellh/go-homedir"
)

// Config holds every tunable of a Session. A Config is frozen once passed
// to New: Session never mutates it, so the caller may safely reuse one
// Config value across Session restarts (spec.md §4.7 "Config").
type Config struct {
	// Database is the path to the BoltDB file that stores binary
	// checkpoints, one bucket per torrent id.
	Database string
	// DataDir is the default directory new torrents are downloaded into
	// when no destination is given explicitly.
	DataDir string

	// PortBegin/PortEnd bound the inclusive-exclusive range of TCP ports
	// handed out to torrents for their listening socket.
	PortBegin uint16
	PortEnd   uint16

	DHTEnabled bool
	DHTAddress string
	DHTPort    uint16

	MaxOpenFiles int
	MaxPeerAccept int
	MaxPeerDial   int

	UnchokedPeers           int
	OptimisticUnchokedPeers int

	PeerConnectTimeout   time.Duration
	PeerHandshakeTimeout time.Duration
	RequestTimeout       time.Duration
	PieceTimeout         time.Duration

	TrackerHTTPTimeout   time.Duration
	TrackerHTTPUserAgent string
	TrackerNumWant       int

	PEXEnabled bool

	BitfieldWriteInterval time.Duration
	StatsWriteInterval    time.Duration
	CheckpointMaxAge      time.Duration

	PeerReadBufferSize int

	DownloadSpeedLimit int // bytes/sec, <=0 unlimited
	UploadSpeedLimit   int

	HashCheckWorkers int

	Prealloc int // storage.Prealloc value

	PieceCacheBudget int64

	BlocklistReloadInterval time.Duration

	ExtensionHandshakeClientVersion string

	// CheckpointFormat selects the on-disk Checkpoint encoding: "binary"
	// (default, boltdbresumer's compact layout in Database) or "human"
	// (humanresumer's bencoded one-file-per-torrent layout, rooted at
	// CheckpointDir) for operators who want to inspect or hand-edit
	// checkpoints (spec.md §6 "Checkpoint format").
	CheckpointFormat string
	CheckpointDir    string

	// ParanoidCheckpoint re-hashes every piece a loaded checkpoint claims
	// verified before trusting its bitfield (spec.md §4.3 "verify_checkpoint":
	// "used on startup when paranoia is requested"). A checkpoint that fails
	// this check is discarded rather than trusted, and the torrent starts
	// Checking from scratch instead.
	ParanoidCheckpoint bool
}

// CheckpointFormatBinary and CheckpointFormatHuman are the two values
// Config.CheckpointFormat accepts; the zero value behaves like binary.
const (
	CheckpointFormatBinary = "binary"
	CheckpointFormatHuman  = "human"
)

// DefaultConfig returns a Config with the same defaults the reference
// client ships with.
func DefaultConfig() Config {
	return Config{
		DataDir:                 "~/torrents",
		Database:                "~/rain/session.db",
		PortBegin:               50000,
		PortEnd:                 60000,
		MaxOpenFiles:            1024,
		MaxPeerAccept:           200,
		MaxPeerDial:             50,
		UnchokedPeers:           4,
		OptimisticUnchokedPeers: 1,
		PeerConnectTimeout:      5 * time.Second,
		PeerHandshakeTimeout:    10 * time.Second,
		RequestTimeout:          20 * time.Second,
		PieceTimeout:            30 * time.Second,
		TrackerHTTPTimeout:      30 * time.Second,
		TrackerHTTPUserAgent:    "ccbt/1.0",
		TrackerNumWant:          50,
		PEXEnabled:              true,
		BitfieldWriteInterval:   30 * time.Second,
		StatsWriteInterval:      30 * time.Second,
		CheckpointMaxAge:        30 * 24 * time.Hour,
		PeerReadBufferSize:      64 * 1024,
		HashCheckWorkers:        4,
		PieceCacheBudget:        256 * 1024 * 1024,
		BlocklistReloadInterval: 24 * time.Hour,
		CheckpointFormat:        CheckpointFormatBinary,
		CheckpointDir:           "~/rain/checkpoints",
	}
}

func expandHomeDir(path string) (string, error) {
	if path == "" {
		return path, nil
	}
	return homedir.Expand(path)
}

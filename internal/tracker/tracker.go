// Package tracker defines the announce/scrape contract implemented by
// httptracker (BEP 3) and udptracker (BEP 15), and the shared request/
// response shapes they both produce (spec.md §4.6).
package tracker

import (
	"context"
	"net"
	"time"
)

// Event is the BEP 3 announce event.
type Event int

const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventCompleted:
		return "completed"
	default:
		return ""
	}
}

// Torrent is the subset of torrent state an announce/scrape request needs.
type Torrent struct {
	BytesUploaded   int64
	BytesDownloaded int64
	BytesLeft       int64
	InfoHash        [20]byte
	PeerID          [20]byte
	Port            int
}

// AnnounceResponse is the parsed result of a successful announce.
type AnnounceResponse struct {
	Interval   time.Duration
	Peers      []*net.TCPAddr
	Leechers   int32
	Seeders    int32
	WarningMsg string
}

// ScrapeResponse is the parsed result of a BEP 48 scrape.
type ScrapeResponse struct {
	Complete   int32
	Incomplete int32
	Downloaded int32
}

// Tracker announces to and optionally scrapes a single tracker URL.
type Tracker interface {
	// URL returns the tracker's announce URL, used for BEP 12 tier
	// reordering and logging.
	URL() string
	Announce(ctx context.Context, t Torrent, e Event, numwant int) (*AnnounceResponse, error)
	Scrape(ctx context.Context, infoHashes [][20]byte) (*ScrapeResponse, error)
}

// Error wraps a tracker-reported failure (the "failure reason" string of
// BEP 3, or a transport-level error) with whether retry makes sense.
type Error struct {
	Msg         string
	Recoverable bool
}

func (e *Error) Error() string { return "tracker: " + e.Msg }

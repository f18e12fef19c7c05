// Package trackermanager dispatches a tracker announce URL to the right
// protocol client (BEP 3 HTTP or BEP 15 UDP), caching one client instance
// per URL so a UDP tracker's connection id survives across announces
// (spec.md §4.6).
package trackermanager

import (
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/ccBitTorrent/ccbt-sub002/internal/blocklist"
	"github.com/ccBitTorrent/ccbt-sub002/internal/tracker"
	"github.com/ccBitTorrent/ccbt-sub002/internal/tracker/httptracker"
	"github.com/ccBitTorrent/ccbt-sub002/internal/tracker/udptracker"
)

// TrackerManager builds and caches tracker.Tracker clients by URL.
type TrackerManager struct {
	blocklist *blocklist.Blocklist

	mu       sync.Mutex
	trackers map[string]tracker.Tracker
}

// New returns a TrackerManager that filters announce responses through bl.
func New(bl *blocklist.Blocklist) *TrackerManager {
	return &TrackerManager{
		blocklist: bl,
		trackers:  make(map[string]tracker.Tracker),
	}
}

// Get returns the cached tracker.Tracker for rawURL, constructing one on
// first use.
func (m *TrackerManager) Get(rawURL string, httpTimeout time.Duration, userAgent string) (tracker.Tracker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.trackers[rawURL]; ok {
		return t, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	var t tracker.Tracker
	switch u.Scheme {
	case "http", "https":
		t, err = httptracker.New(rawURL, httpTimeout, userAgent)
	case "udp":
		t, err = udptracker.New(rawURL)
	default:
		return nil, errors.New("trackermanager: unsupported tracker scheme: " + u.Scheme)
	}
	if err != nil {
		return nil, err
	}
	t = &filteringTracker{Tracker: t, blocklist: m.blocklist}
	m.trackers[rawURL] = t
	return t, nil
}

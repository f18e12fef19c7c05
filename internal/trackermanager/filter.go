package trackermanager

import (
	"context"

	"github.com/ccBitTorrent/ccbt-sub002/internal/blocklist"
	"github.com/ccBitTorrent/ccbt-sub002/internal/tracker"
)

// filteringTracker drops peers that match the shared blocklist from every
// announce response before it reaches the torrent.
type filteringTracker struct {
	tracker.Tracker
	blocklist *blocklist.Blocklist
}

func (f *filteringTracker) Announce(ctx context.Context, to tracker.Torrent, ev tracker.Event, numwant int) (*tracker.AnnounceResponse, error) {
	resp, err := f.Tracker.Announce(ctx, to, ev, numwant)
	if err != nil || resp == nil || f.blocklist == nil {
		return resp, err
	}
	kept := resp.Peers[:0]
	for _, p := range resp.Peers {
		if !f.blocklist.Blocked(p.IP) {
			kept = append(kept, p)
		}
	}
	resp.Peers = kept
	return resp, nil
}

package announcer

import (
	"context"
	"sync"
	"time"

	"github.com/ccBitTorrent/ccbt-sub002/internal/logger"
	"github.com/ccBitTorrent/ccbt-sub002/internal/tracker"
)

// StopAnnouncer sends a single "stopped" event to every tracker in
// parallel, each bounded by timeout, then signals Done.
type StopAnnouncer struct {
	doneC chan struct{}
}

// NewStopAnnouncer fires the stopped announce in the background.
func NewStopAnnouncer(trackers []tracker.Tracker, to tracker.Torrent, timeout time.Duration, l logger.Logger) *StopAnnouncer {
	s := &StopAnnouncer{doneC: make(chan struct{})}
	go s.run(trackers, to, timeout, l)
	return s
}

func (s *StopAnnouncer) run(trackers []tracker.Tracker, to tracker.Torrent, timeout time.Duration, l logger.Logger) {
	defer close(s.doneC)

	var wg sync.WaitGroup
	for _, trk := range trackers {
		wg.Add(1)
		go func(trk tracker.Tracker) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if _, err := trk.Announce(ctx, to, tracker.EventStopped, 0); err != nil && l != nil {
				l.Debugln("stopped announce failed for", trk.URL(), ":", err)
			}
		}(trk)
	}
	wg.Wait()
}

// Done signals when every tracker has been notified, or timeout expired.
func (s *StopAnnouncer) Done() <-chan struct{} { return s.doneC }

// Close is a no-op kept for symmetry with PeriodicalAnnouncer; the stop
// announce always runs to completion or timeout on its own.
func (s *StopAnnouncer) Close() {}

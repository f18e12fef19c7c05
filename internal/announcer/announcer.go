// Package announcer drives the periodic tracker announce loop: it asks
// the owning torrent for up-to-date stats, announces to one tracker, and
// forwards discovered peers, backing off on failure per spec.md §4.6/§7.
package announcer

import (
	"context"
	"net"
	"time"

	"github.com/ccBitTorrent/ccbt-sub002/internal/logger"
	"github.com/ccBitTorrent/ccbt-sub002/internal/tracker"
)

// Request is sent by a PeriodicalAnnouncer to the owning torrent's run
// loop to fetch the live stats an announce needs.
type Request struct {
	Response chan Response
	Cancel   chan struct{}
}

// Response carries the torrent stats a Request asked for.
type Response struct {
	Torrent tracker.Torrent
}

const (
	minInterval     = 15 * time.Second
	maxInterval     = 30 * time.Minute
	defaultInterval = 30 * time.Minute
)

// PeriodicalAnnouncer repeatedly announces a single tracker and reports
// the peers it discovers, backing off exponentially (capped at the
// tracker's own interval) after failures.
type PeriodicalAnnouncer struct {
	Tracker tracker.Tracker

	requestC chan *Request
	resultC  chan []*net.TCPAddr
	numWant  int
	log      logger.Logger

	closeC chan struct{}
	doneC  chan struct{}

	lastAnnounce time.Time
	lastError    error
}

// New starts a PeriodicalAnnouncer goroutine. requestC is used to ask the
// torrent for current stats before each announce; discovered peers are
// sent on resultC.
func New(trk tracker.Tracker, requestC chan *Request, numWant int, startNow bool, resultC chan []*net.TCPAddr, l logger.Logger) *PeriodicalAnnouncer {
	a := &PeriodicalAnnouncer{
		Tracker:  trk,
		requestC: requestC,
		resultC:  resultC,
		numWant:  numWant,
		log:      l,
		closeC:   make(chan struct{}),
		doneC:    make(chan struct{}),
	}
	go a.run(startNow)
	return a
}

func (a *PeriodicalAnnouncer) run(startNow bool) {
	defer close(a.doneC)

	wait := time.Duration(0)
	if !startNow {
		wait = minInterval
	}
	backoff := minInterval
	interval := defaultInterval
	for {
		select {
		case <-time.After(wait):
		case <-a.closeC:
			return
		}

		stats, ok := a.fetchStats()
		if !ok {
			return
		}
		resp, err := a.Tracker.Announce(context.Background(), stats, eventFor(a.lastAnnounce), a.numWant)
		a.lastAnnounce = time.Now()
		if err != nil {
			a.lastError = err
			if a.log != nil {
				a.log.Debugln("announce error:", err)
			}
			backoff *= 2
			if backoff > interval {
				backoff = interval
			}
			wait = backoff
			continue
		}
		a.lastError = nil
		backoff = minInterval
		wait = resp.Interval
		if wait < minInterval {
			wait = minInterval
		}
		if wait > maxInterval {
			wait = maxInterval
		}
		interval = wait
		if len(resp.Peers) > 0 {
			select {
			case a.resultC <- resp.Peers:
			case <-a.closeC:
				return
			}
		}
	}
}

func (a *PeriodicalAnnouncer) fetchStats() (tracker.Torrent, bool) {
	req := &Request{Response: make(chan Response), Cancel: make(chan struct{})}
	select {
	case a.requestC <- req:
	case <-a.closeC:
		return tracker.Torrent{}, false
	}
	select {
	case resp := <-req.Response:
		return resp.Torrent, true
	case <-a.closeC:
		close(req.Cancel)
		return tracker.Torrent{}, false
	}
}

func eventFor(lastAnnounce time.Time) tracker.Event {
	if lastAnnounce.IsZero() {
		return tracker.EventStarted
	}
	return tracker.EventNone
}

// LastError returns the error from the most recent announce, if any.
func (a *PeriodicalAnnouncer) LastError() error { return a.lastError }

// Close stops the announcer and waits for its goroutine to exit.
func (a *PeriodicalAnnouncer) Close() {
	select {
	case <-a.closeC:
	default:
		close(a.closeC)
	}
	<-a.doneC
}

package announcer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccBitTorrent/ccbt-sub002/internal/tracker"
)

type fakeTracker struct {
	announceC chan tracker.Event
	resp      *tracker.AnnounceResponse
	err       error
}

func (f *fakeTracker) URL() string { return "fake://tracker" }

func (f *fakeTracker) Announce(ctx context.Context, to tracker.Torrent, ev tracker.Event, numwant int) (*tracker.AnnounceResponse, error) {
	select {
	case f.announceC <- ev:
	default:
	}
	return f.resp, f.err
}

func (f *fakeTracker) Scrape(ctx context.Context, infoHashes [][20]byte) (*tracker.ScrapeResponse, error) {
	return &tracker.ScrapeResponse{}, nil
}

func TestPeriodicalAnnouncerFetchesStatsAndReportsPeers(t *testing.T) {
	ft := &fakeTracker{
		announceC: make(chan tracker.Event, 1),
		resp: &tracker.AnnounceResponse{
			Interval: time.Hour,
			Peers:    []*net.TCPAddr{{IP: net.ParseIP("1.1.1.1"), Port: 1}},
		},
	}
	requestC := make(chan *Request, 1)
	resultC := make(chan []*net.TCPAddr, 1)

	a := New(ft, requestC, 50, true, resultC, nil)
	defer a.Close()

	select {
	case req := <-requestC:
		req.Response <- Response{Torrent: tracker.Torrent{Port: 6881}}
	case <-time.After(time.Second):
		t.Fatal("announcer never requested stats")
	}

	select {
	case ev := <-ft.announceC:
		assert.Equal(t, tracker.EventStarted, ev)
	case <-time.After(time.Second):
		t.Fatal("announce never happened")
	}

	select {
	case peers := <-resultC:
		require.Len(t, peers, 1)
		assert.Equal(t, "1.1.1.1", peers[0].IP.String())
	case <-time.After(time.Second):
		t.Fatal("no peers reported")
	}
}

func TestStopAnnouncerSignalsDone(t *testing.T) {
	ft := &fakeTracker{announceC: make(chan tracker.Event, 1), resp: &tracker.AnnounceResponse{}}
	s := NewStopAnnouncer([]tracker.Tracker{ft}, tracker.Torrent{}, time.Second, nil)
	select {
	case <-s.Done():
		assert.Equal(t, tracker.EventStopped, <-ft.announceC)
	case <-time.After(2 * time.Second):
		t.Fatal("stop announcer never finished")
	}
}

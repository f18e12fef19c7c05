package session

import (
	"net"
	"time"

	"github.com/ccBitTorrent/ccbt-sub002/internal/announcer"
	"github.com/ccBitTorrent/ccbt-sub002/internal/resumer"
	"github.com/ccBitTorrent/ccbt-sub002/internal/tracker"
)

func (t *torrentActor) buildStats() Stats {
	var total, completed int64
	if t.info != nil {
		total = t.info.TotalLength
	}
	if t.bitfield != nil {
		for i := uint32(0); i < t.bitfield.Len(); i++ {
			if t.bitfield.Test(i) {
				completed += int64(t.pieces[i].Length)
			}
		}
	}
	var seeders, leechers int
	for pe := range t.peers {
		if pe.PeerChoking {
			leechers++
		} else {
			seeders++
		}
	}
	return Stats{
		State:           t.state,
		BytesTotal:      total,
		BytesCompleted:  completed,
		BytesDownloaded: t.bytesDownloaded,
		BytesUploaded:   t.bytesUploaded,
		BytesWasted:     t.bytesWasted,
		PeerCount:       len(t.peers),
		Seeders:         seeders,
		Leechers:        leechers,
		DownloadSpeed:   int64(t.downloadSpeed.Rate()),
		UploadSpeed:     int64(t.uploadSpeed.Rate()),
		Error:           t.lastError,
	}
}

func (t *torrentActor) buildTrackerStatus() []TrackerStatus {
	out := make([]TrackerStatus, 0, len(t.trackers))
	byURL := make(map[string]error, len(t.announcers))
	for _, a := range t.announcers {
		byURL[a.Tracker.URL()] = a.LastError()
	}
	for _, trk := range t.trackers {
		out = append(out, TrackerStatus{URL: trk.URL(), LastError: byURL[trk.URL()]})
	}
	return out
}

func (t *torrentActor) connectedAddrs() []*net.TCPAddr {
	out := make([]*net.TCPAddr, 0, len(t.peers))
	for pe := range t.peers {
		if tcp, ok := pe.Addr.(*net.TCPAddr); ok {
			out = append(out, tcp)
		}
	}
	return out
}

func (t *torrentActor) announceStats() tracker.Torrent {
	var total int64
	if t.info != nil {
		total = t.info.TotalLength
	}
	left := total - t.bytesDownloaded
	if left < 0 {
		left = 0
	}
	return tracker.Torrent{
		BytesUploaded:   t.bytesUploaded,
		BytesDownloaded: t.bytesDownloaded,
		BytesLeft:       left,
		InfoHash:        t.ih,
		PeerID:          t.peerID,
		Port:            t.port,
	}
}

func (t *torrentActor) startAnnouncers() {
	for _, trk := range t.trackers {
		a := announcer.New(trk, t.announcerRequestC, t.config.TrackerNumWant, true, t.trackerResultC, t.log)
		t.announcers = append(t.announcers, a)
	}
}

func (t *torrentActor) stopAnnouncers() {
	for _, a := range t.announcers {
		a.Close()
	}
	t.announcers = nil
	if len(t.trackers) > 0 {
		t.stoppedEventAnnouncer = announcer.NewStopAnnouncer(t.trackers, t.announceStats(), 5*time.Second, t.log)
	}
}

func (t *torrentActor) writeCheckpoint() {
	if t.resume == nil {
		return
	}
	if t.bitfield != nil {
		t.resume.WriteBitfield(t.bitfield.Bytes())
	}
	t.resume.WriteStats(resumer.Stats{
		BytesDownloaded: t.bytesDownloaded,
		BytesUploaded:   t.bytesUploaded,
		BytesWasted:     t.bytesWasted,
		SeededFor:       time.Since(t.startedAt),
	})
}

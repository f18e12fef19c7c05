package httptracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccBitTorrent/ccbt-sub002/internal/tracker"
)

func TestAnnounceParsesCompactPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("compact"))
		// one compact IPv4 peer: 1.2.3.4:6881
		body := "d8:intervali1800e5:peers6:" + string([]byte{1, 2, 3, 4, 0x1a, 0xe1}) + "e"
		w.Write([]byte(body))
	}))
	defer srv.Close()

	tr, err := New(srv.URL+"/announce", 5*time.Second, "test/1.0")
	require.NoError(t, err)

	resp, err := tr.Announce(context.Background(), tracker.Torrent{Port: 6881}, tracker.EventStarted, 50)
	require.NoError(t, err)
	assert.Equal(t, 1800*time.Second, resp.Interval)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, "1.2.3.4", resp.Peers[0].IP.String())
	assert.Equal(t, 6881, resp.Peers[0].Port)
}

func TestAnnounceSurfacesFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("d14:failure reason22:torrent not registerede"))
	}))
	defer srv.Close()

	tr, err := New(srv.URL+"/announce", 5*time.Second, "")
	require.NoError(t, err)

	_, err = tr.Announce(context.Background(), tracker.Torrent{}, tracker.EventNone, 50)
	require.Error(t, err)
	var terr *tracker.Error
	require.ErrorAs(t, err, &terr)
	assert.False(t, terr.Recoverable)
}

func TestScrapeURLDerivation(t *testing.T) {
	u, err := scrapeURLFor("http://example.com/announce")
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/scrape", u)

	_, err = scrapeURLFor("http://example.com/foo")
	assert.Error(t, err)
}

package trackermanager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccBitTorrent/ccbt-sub002/internal/tracker/httptracker"
	"github.com/ccBitTorrent/ccbt-sub002/internal/tracker/udptracker"
)

func TestGetDispatchesByScheme(t *testing.T) {
	m := New(nil)

	ht, err := m.Get("http://example.com/announce", 5*time.Second, "ua")
	require.NoError(t, err)
	ft, ok := ht.(*filteringTracker)
	require.True(t, ok)
	_, ok = ft.Tracker.(*httptracker.Tracker)
	assert.True(t, ok)

	ut, err := m.Get("udp://example.com:80/announce", 5*time.Second, "ua")
	require.NoError(t, err)
	ft2 := ut.(*filteringTracker)
	_, ok = ft2.Tracker.(*udptracker.Tracker)
	assert.True(t, ok)

	_, err = m.Get("ftp://example.com/announce", 5*time.Second, "ua")
	assert.Error(t, err)
}

func TestGetCachesByURL(t *testing.T) {
	m := New(nil)
	a, err := m.Get("http://example.com/announce", time.Second, "")
	require.NoError(t, err)
	b, err := m.Get("http://example.com/announce", time.Second, "")
	require.NoError(t, err)
	assert.Same(t, a, b)
}

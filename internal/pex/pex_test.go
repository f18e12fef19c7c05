package pex

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func addr(ip string, port int) *net.TCPAddr {
	return &net.TCPAddr{IP: net.ParseIP(ip), Port: port}
}

func TestGenerateReportsAddedThenDropped(t *testing.T) {
	p := New()
	p.Add(addr("1.2.3.4", 6881))

	added, dropped := p.Generate()
	assert.Len(t, added, 6)
	assert.Empty(t, dropped)

	added, dropped = p.Generate()
	assert.Empty(t, added)
	assert.Empty(t, dropped)

	p.Drop(addr("1.2.3.4", 6881))
	added, dropped = p.Generate()
	assert.Empty(t, added)
	assert.Len(t, dropped, 6)
}

func TestAllowIncomingRateLimits(t *testing.T) {
	p := New()
	now := time.Unix(1000, 0)
	assert.True(t, p.AllowIncoming(now))
	assert.False(t, p.AllowIncoming(now.Add(5*time.Second)))
	assert.True(t, p.AllowIncoming(now.Add(31*time.Second)))
}

func TestParseCompactEndpoints(t *testing.T) {
	a := addr("10.0.0.1", 6881)
	added, _ := (func() ([]byte, []byte) {
		p := New()
		p.Add(a)
		return p.Generate()
	})()

	parsed := ParseCompactEndpoints(added)
	if assert.Len(t, parsed, 1) {
		assert.True(t, parsed[0].IP.Equal(a.IP))
		assert.Equal(t, a.Port, parsed[0].Port)
	}
}

func TestIgnoresNonIPv4Addresses(t *testing.T) {
	p := New()
	p.Add(&net.TCPAddr{IP: net.ParseIP("::1"), Port: 1})
	added, _ := p.Generate()
	assert.Empty(t, added)
}

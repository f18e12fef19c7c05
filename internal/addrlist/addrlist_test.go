package addrlist

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(s string) *net.TCPAddr {
	a, err := net.ResolveTCPAddr("tcp", s)
	if err != nil {
		panic(err)
	}
	return a
}

func TestPushPopRespectsCooldown(t *testing.T) {
	l := New(10)
	now := time.Now()
	l.Push([]*net.TCPAddr{addr("1.2.3.4:6881"), addr("5.6.7.8:6881")}, now)
	l.MarkFailed(addr("1.2.3.4:6881"), now, time.Minute)

	got := l.Pop(10, now)
	require.Len(t, got, 1)
	assert.Equal(t, "5.6.7.8:6881", got[0].String())
}

func TestPopPrefersSucceeded(t *testing.T) {
	l := New(10)
	now := time.Now()
	l.Push([]*net.TCPAddr{addr("1.1.1.1:1"), addr("2.2.2.2:2")}, now)
	l.MarkSuccess(addr("2.2.2.2:2"), now)
	got := l.Pop(1, now)
	require.Len(t, got, 1)
	assert.Equal(t, "2.2.2.2:2", got[0].String())
}

func TestEvictsOldestWhenFull(t *testing.T) {
	l := New(1)
	now := time.Now()
	l.Push([]*net.TCPAddr{addr("1.1.1.1:1")}, now)
	l.Push([]*net.TCPAddr{addr("2.2.2.2:2")}, now.Add(time.Second))
	assert.Equal(t, 1, l.Len())
}

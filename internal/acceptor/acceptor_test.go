package acceptor

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccBitTorrent/ccbt-sub002/internal/logger"
)

func TestAcceptorDeliversConnections(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	a := New(ln, logger.New("error"))
	go a.Run()
	defer a.Close()

	addr := ln.Addr().(*net.TCPAddr)
	dialed := make(chan struct{})
	go func() {
		conn, err := net.Dial("tcp", addr.String())
		if err == nil {
			conn.Close()
		}
		close(dialed)
	}()

	select {
	case conn := <-a.ConnC:
		conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accepted connection")
	}
	<-dialed
}

func TestAcceptorCloseStopsLoop(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	a := New(ln, logger.New("error"))
	done := make(chan struct{})
	go func() {
		a.Run()
		close(done)
	}()

	a.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.NotNil(t, a.Addr())
}

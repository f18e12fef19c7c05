// Package acceptor owns the listening socket for incoming peer
// connections. Accepting is serialized on one goroutine; each accepted
// connection is handed off and the accept loop immediately continues,
// so one slow handshake never stalls new incoming connections
// (spec.md §5 "shared-resource policy").
package acceptor

import (
	"net"

	"github.com/ccBitTorrent/ccbt-sub002/internal/logger"
)

// Acceptor runs Accept in a loop on one listener and delivers every
// accepted connection on ConnC.
type Acceptor struct {
	ln     net.Listener
	ConnC  chan net.Conn
	closeC chan struct{}
	log    logger.Logger
}

// New wraps an already-bound listener.
func New(ln net.Listener, l logger.Logger) *Acceptor {
	return &Acceptor{
		ln:     ln,
		ConnC:  make(chan net.Conn),
		closeC: make(chan struct{}),
		log:    l,
	}
}

// Addr returns the bound local address, e.g. to discover an ephemeral port.
func (a *Acceptor) Addr() net.Addr { return a.ln.Addr() }

// Run accepts connections until Close is called, delivering each one on
// ConnC. A connection nobody receives before Close is reached is dropped.
func (a *Acceptor) Run() {
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			select {
			case <-a.closeC:
				return
			default:
				a.log.Debugln("acceptor: accept error:", err)
				return
			}
		}
		select {
		case a.ConnC <- conn:
		case <-a.closeC:
			conn.Close()
			return
		}
	}
}

// Close stops the accept loop and closes the listener.
func (a *Acceptor) Close() {
	close(a.closeC)
	a.ln.Close()
}

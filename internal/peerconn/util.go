package peerconn

import (
	"errors"
	"net"
	"time"
)

var (
	errUnknownMessage = errors.New("peerconn: unknown message id")
	errShortExtended  = errors.New("peerconn: extended message missing local id byte")
)

func setReadDeadline(conn net.Conn, d time.Duration) error {
	return conn.SetReadDeadline(time.Now().Add(d))
}

func zeroTimeIfNoDeadline() time.Time {
	return time.Time{}
}

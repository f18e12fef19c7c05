// Package ratelimit provides global and per-torrent byte-rate limiting on
// top of golang.org/x/time/rate, used to cap PIECE payload throughput in
// both directions before bytes hit the wire (spec.md §5 "shared-resource
// policy": cost is paid before performing the operation).
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter caps download and upload byte rates independently. A zero-value
// bound (<=0) disables limiting on that direction.
type Limiter struct {
	down *rate.Limiter
	up   *rate.Limiter
}

// New returns a Limiter with the given bytes/second bounds. A non-positive
// bound means unlimited.
func New(downBytesPerSec, upBytesPerSec int) *Limiter {
	l := &Limiter{}
	if downBytesPerSec > 0 {
		l.down = rate.NewLimiter(rate.Limit(downBytesPerSec), downBytesPerSec)
	}
	if upBytesPerSec > 0 {
		l.up = rate.NewLimiter(rate.Limit(upBytesPerSec), upBytesPerSec)
	}
	return l
}

// SetLimits updates both bounds in place; non-positive disables that direction.
func (l *Limiter) SetLimits(downBytesPerSec, upBytesPerSec int) {
	if downBytesPerSec > 0 {
		if l.down == nil {
			l.down = rate.NewLimiter(rate.Limit(downBytesPerSec), downBytesPerSec)
		} else {
			l.down.SetLimit(rate.Limit(downBytesPerSec))
			l.down.SetBurst(downBytesPerSec)
		}
	} else {
		l.down = nil
	}
	if upBytesPerSec > 0 {
		if l.up == nil {
			l.up = rate.NewLimiter(rate.Limit(upBytesPerSec), upBytesPerSec)
		} else {
			l.up.SetLimit(rate.Limit(upBytesPerSec))
			l.up.SetBurst(upBytesPerSec)
		}
	} else {
		l.up = nil
	}
}

// WaitDown blocks until n bytes of download are admitted, or ctx is done.
func (l *Limiter) WaitDown(ctx context.Context, n int) error {
	if l.down == nil {
		return nil
	}
	return waitN(ctx, l.down, n)
}

// WaitUp blocks until n bytes of upload are admitted, or ctx is done.
func (l *Limiter) WaitUp(ctx context.Context, n int) error {
	if l.up == nil {
		return nil
	}
	return waitN(ctx, l.up, n)
}

// waitN spends n tokens even when n exceeds the bucket's burst size, by
// waiting for the burst repeatedly; rate.Limiter.WaitN rejects requests
// larger than the burst outright, which a 16 KiB block easily can be for a
// tight global limit.
func waitN(ctx context.Context, l *rate.Limiter, n int) error {
	burst := l.Burst()
	if burst <= 0 {
		burst = 1
	}
	for n > 0 {
		take := n
		if take > burst {
			take = burst
		}
		if err := l.WaitN(ctx, take); err != nil {
			return err
		}
		n -= take
	}
	return nil
}

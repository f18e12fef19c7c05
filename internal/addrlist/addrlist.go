// Package addrlist keeps the bounded, deduplicated pool of candidate peer
// endpoints for one torrent, fed by trackers, DHT, and PEX, and drained by
// the session as it fills connection slots (spec.md §4.6 "Candidate pool").
package addrlist

import (
	"net"
	"sort"
	"time"
)

// entry tracks one candidate address's history.
type entry struct {
	addr        *net.TCPAddr
	lastSeen    time.Time
	succeeded   bool
	cooldownEnd time.Time
}

// AddrList is a bounded pool of candidate peer addresses for one torrent.
// Not safe for concurrent use; callers serialize access (it is owned by
// the torrent's single run loop).
type AddrList struct {
	maxItems int
	entries  map[string]*entry
}

// New returns an empty AddrList with the given capacity.
func New(maxItems int) *AddrList {
	return &AddrList{maxItems: maxItems, entries: make(map[string]*entry)}
}

// Push adds or refreshes candidate addresses. Entries already under
// cooldown keep their cooldown; new entries are immediately eligible.
func (l *AddrList) Push(addrs []*net.TCPAddr, now time.Time) {
	for _, a := range addrs {
		key := a.String()
		if e, ok := l.entries[key]; ok {
			e.lastSeen = now
			continue
		}
		if len(l.entries) >= l.maxItems {
			l.evictOldest()
		}
		l.entries[key] = &entry{addr: a, lastSeen: now}
	}
}

func (l *AddrList) evictOldest() {
	var oldestKey string
	var oldest time.Time
	first := true
	for k, e := range l.entries {
		if first || e.lastSeen.Before(oldest) {
			oldest = e.lastSeen
			oldestKey = k
			first = false
		}
	}
	if oldestKey != "" {
		delete(l.entries, oldestKey)
	}
}

// Pop returns up to n addresses not currently under cooldown, highest
// score first, and marks them as dispatched by removing them from the pool
// (callers re-Push on disconnect if the address should be retried later).
func (l *AddrList) Pop(n int, now time.Time) []*net.TCPAddr {
	candidates := make([]*entry, 0, len(l.entries))
	for _, e := range l.entries {
		if e.cooldownEnd.After(now) {
			continue
		}
		candidates = append(candidates, e)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].succeeded != candidates[j].succeeded {
			return candidates[i].succeeded
		}
		return candidates[i].lastSeen.After(candidates[j].lastSeen)
	})
	if n > len(candidates) {
		n = len(candidates)
	}
	out := make([]*net.TCPAddr, n)
	for i := 0; i < n; i++ {
		out[i] = candidates[i].addr
		delete(l.entries, candidates[i].addr.String())
	}
	return out
}

// MarkSuccess records that a connection to addr succeeded, boosting its
// future priority if it is pushed again.
func (l *AddrList) MarkSuccess(addr *net.TCPAddr, now time.Time) {
	l.entries[addr.String()] = &entry{addr: addr, lastSeen: now, succeeded: true}
}

// MarkFailed puts addr on a cooldown before it can be retried.
func (l *AddrList) MarkFailed(addr *net.TCPAddr, now time.Time, cooldown time.Duration) {
	l.entries[addr.String()] = &entry{addr: addr, lastSeen: now, cooldownEnd: now.Add(cooldown)}
}

// Len returns the number of tracked (not necessarily eligible) addresses.
func (l *AddrList) Len() int {
	return len(l.entries)
}

package waf

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// IPReputation tracks one client IP's standing with the WAF.
type IPReputation struct {
	IP             string    `json:"ip"`
	SuspicionCount int       `json:"suspicion_count"`
	Blocked        bool      `json:"blocked"`
	FirstViolation time.Time `json:"first_violation"`
	LastViolation  time.Time `json:"last_violation"`
}

// ReputationTracker holds per-IP reputation behind an expirable LRU so stale
// entries age out instead of growing without bound. An explicit Unblock
// always wins over accumulated state.
type ReputationTracker struct {
	entries *expirable.LRU[string, *IPReputation]
	mutex   sync.Mutex
}

// NewReputationTracker creates a tracker bounded to maxEntries with the
// given per-entry TTL.
func NewReputationTracker(maxEntries int, ttl time.Duration) *ReputationTracker {
	if maxEntries <= 0 {
		maxEntries = 100000
	}
	return &ReputationTracker{
		entries: expirable.NewLRU[string, *IPReputation](maxEntries, nil, ttl),
	}
}

// RecordViolation increments the suspicion counter for an IP, creating the
// entry on first violation, and returns the new count.
func (rt *ReputationTracker) RecordViolation(ip string) int {
	rt.mutex.Lock()
	defer rt.mutex.Unlock()

	rep, ok := rt.entries.Get(ip)
	if !ok {
		rep = &IPReputation{IP: ip, FirstViolation: time.Now()}
	}
	rep.SuspicionCount++
	rep.LastViolation = time.Now()
	rt.entries.Add(ip, rep)

	return rep.SuspicionCount
}

// IsBlocked reports whether an IP is in the block set.
func (rt *ReputationTracker) IsBlocked(ip string) bool {
	rt.mutex.Lock()
	defer rt.mutex.Unlock()

	rep, ok := rt.entries.Get(ip)
	return ok && rep.Blocked
}

// Block adds an IP to the block set, creating a reputation entry if needed.
func (rt *ReputationTracker) Block(ip string) {
	rt.mutex.Lock()
	defer rt.mutex.Unlock()

	rep, ok := rt.entries.Get(ip)
	if !ok {
		rep = &IPReputation{IP: ip, FirstViolation: time.Now()}
	}
	rep.Blocked = true
	rt.entries.Add(ip, rep)
}

// Unblock removes an IP from the block set and resets its suspicion count.
func (rt *ReputationTracker) Unblock(ip string) {
	rt.mutex.Lock()
	defer rt.mutex.Unlock()

	rt.entries.Remove(ip)
}

// ClearSuspicion resets the suspicion counter for an IP without touching
// its blocked flag.
func (rt *ReputationTracker) ClearSuspicion(ip string) {
	rt.mutex.Lock()
	defer rt.mutex.Unlock()

	rep, ok := rt.entries.Get(ip)
	if !ok {
		return
	}
	if !rep.Blocked {
		rt.entries.Remove(ip)
		return
	}
	rep.SuspicionCount = 0
	rt.entries.Add(ip, rep)
}

// BlockedIPs lists all currently blocked IPs.
func (rt *ReputationTracker) BlockedIPs() []string {
	rt.mutex.Lock()
	defer rt.mutex.Unlock()

	var blocked []string
	for _, ip := range rt.entries.Keys() {
		if rep, ok := rt.entries.Peek(ip); ok && rep.Blocked {
			blocked = append(blocked, ip)
		}
	}
	return blocked
}

// SuspiciousIPs returns the suspicion counts of all unblocked IPs with at
// least one violation on record.
func (rt *ReputationTracker) SuspiciousIPs() map[string]int {
	rt.mutex.Lock()
	defer rt.mutex.Unlock()

	suspicious := make(map[string]int)
	for _, ip := range rt.entries.Keys() {
		if rep, ok := rt.entries.Peek(ip); ok && !rep.Blocked && rep.SuspicionCount > 0 {
			suspicious[ip] = rep.SuspicionCount
		}
	}
	return suspicious
}

// SuspicionCount returns the current counter for an IP.
func (rt *ReputationTracker) SuspicionCount(ip string) int {
	rt.mutex.Lock()
	defer rt.mutex.Unlock()

	rep, ok := rt.entries.Get(ip)
	if !ok {
		return 0
	}
	return rep.SuspicionCount
}

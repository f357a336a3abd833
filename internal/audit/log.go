// Package audit keeps the security audit trail: an in-memory ring of recent
// entries for the admin surface plus an optional hash-chained file sink for
// tamper-evident long-term storage.
package audit

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Entry result values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultBlocked = "blocked"
)

// DefaultRetention is the ring buffer capacity.
const DefaultRetention = 10000

// Entry is one audit record.
type Entry struct {
	Timestamp       time.Time `json:"timestamp"`
	UserID          string    `json:"user_id"`
	Action          string    `json:"action"`
	Resource        string    `json:"resource"`
	IP              string    `json:"ip"`
	UserAgent       string    `json:"user_agent"`
	Result          string    `json:"result"`
	ComplianceFlags []string  `json:"compliance_flags,omitempty"`
}

// Log is the audit trail. Writes go to the ring, the structured logger, and
// the chain sink when one is attached.
type Log struct {
	entries  []Entry
	start    int
	count    int
	capacity int
	mutex    sync.Mutex

	logger *logrus.Logger
	chain  *ChainWriter

	nowFunc func() time.Time
}

// NewLog creates an audit log retaining up to capacity entries in memory.
// chain may be nil.
func NewLog(capacity int, chain *ChainWriter, logger *logrus.Logger) *Log {
	if capacity <= 0 {
		capacity = DefaultRetention
	}
	return &Log{
		entries:  make([]Entry, capacity),
		capacity: capacity,
		logger:   logger,
		chain:    chain,
		nowFunc:  time.Now,
	}
}

// Record appends an entry, stamping it if the caller left Timestamp zero.
func (l *Log) Record(entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.nowFunc()
	}

	l.mutex.Lock()
	pos := (l.start + l.count) % l.capacity
	l.entries[pos] = entry
	if l.count < l.capacity {
		l.count++
	} else {
		l.start = (l.start + 1) % l.capacity
	}
	l.mutex.Unlock()

	l.logger.WithFields(logrus.Fields{
		"user_id":  entry.UserID,
		"action":   entry.Action,
		"resource": entry.Resource,
		"ip":       entry.IP,
		"result":   entry.Result,
		"type":     "audit",
	}).Info("Audit entry")

	if l.chain != nil {
		if err := l.chain.Append(entry); err != nil {
			l.logger.WithError(err).Error("Failed to append audit entry to chain")
		}
	}
}

// Entries returns up to limit entries, most recent first. limit <= 0 returns
// everything retained.
func (l *Log) Entries(limit int) []Entry {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if limit <= 0 || limit > l.count {
		limit = l.count
	}

	out := make([]Entry, limit)
	for i := 0; i < limit; i++ {
		pos := (l.start + l.count - 1 - i) % l.capacity
		out[i] = l.entries[pos]
	}
	return out
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.count
}

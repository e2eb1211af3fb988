// Package history keeps a bounded log of recent broadcast messages.
package history

import (
	"errors"
	"sync"
	"time"

	"github.com/aeolun/sistchat/pkg/protocol"
)

var ErrInvalidCapacity = errors.New("history: capacity must be greater than 0")

// Record is a broadcast message and the time the server accepted it.
type Record struct {
	Sender     string    `json:"sender"`
	Content    string    `json:"content"`
	ReceivedAt time.Time `json:"received_at"`
}

// Log is a fixed-size ring of broadcast records. When full, every append
// overwrites the oldest record.
type Log struct {
	mu    sync.RWMutex
	buf   []Record
	next  int
	size  int
	total uint64
	now   func() time.Time
}

// NewLog builds a log holding at most capacity records.
func NewLog(capacity int) (*Log, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	return &Log{
		buf: make([]Record, capacity),
		now: time.Now,
	}, nil
}

// Append records msg.
func (l *Log) Append(msg protocol.Message) {
	rec := Record{
		Sender:     msg.Sender,
		Content:    msg.Content,
		ReceivedAt: l.now(),
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf[l.next] = rec
	l.next = (l.next + 1) % len(l.buf)
	if l.size < len(l.buf) {
		l.size++
	}
	l.total++
}

// Recent returns up to n records, newest first. n <= 0 returns everything held.
func (l *Log) Recent(n int) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 || n > l.size {
		n = l.size
	}
	out := make([]Record, n)
	idx := l.next
	for i := 0; i < n; i++ {
		idx = (idx - 1 + len(l.buf)) % len(l.buf)
		out[i] = l.buf[idx]
	}
	return out
}

// Len returns the number of records currently held.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Total returns the number of appends since creation, evicted ones included.
func (l *Log) Total() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.total
}

func (l *Log) Cap() int {
	return len(l.buf)
}

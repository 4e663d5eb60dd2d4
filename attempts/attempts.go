// Package attempts stores failed login attempts per IP address, for the
// login throttle of the connection manager.
package attempts

import (
	"context"
	"sync"
	"time"
)

// Record is what is known about an IP address.
type Record struct {
	// LoginsAmount counts consecutive attempts made too quickly or failed.
	LoginsAmount int
	// LastLogin is the time of the last attempt.
	LastLogin time.Time
}

// Store keeps Records by IP address. A missing record reads as the zero
// Record.
type Store interface {
	Get(ctx context.Context, ip string) (Record, error)
	Put(ctx context.Context, ip string, r Record) error
}

// Memory is a Store kept in process memory.
type Memory struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record)}
}

func (m *Memory) Get(ctx context.Context, ip string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[ip], nil
}

func (m *Memory) Put(ctx context.Context, ip string, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[ip] = r
	return nil
}

// Len returns the number of IP addresses with a record.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

package logging

import (
	"slices"
	"sync"
	"time"
)

const (
	// DefaultMaxEntries is the number of entries kept per key when the
	// collector is created without a limit.
	DefaultMaxEntries = 500
	// DefaultMaxKeys is the number of keys kept when the collector is created
	// without a limit.
	DefaultMaxKeys = 1000
)

// LogEntry represents a single log record with structured data.
type LogEntry struct {
	Time       time.Time      `json:"time"`
	Level      string         `json:"level"`
	Message    string         `json:"message"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// LogCollector stores captured log entries grouped by key, usually an
// execution ID. Each key keeps at most maxEntries entries, dropping the oldest
// first. Once maxKeys keys exist, adding a new key evicts the oldest one.
type LogCollector struct {
	mu         sync.RWMutex
	maxEntries int
	maxKeys    int
	logs       map[string][]LogEntry
	dropped    map[string]int
	order      []string
}

// NewLogCollector creates a collector. Non-positive limits use
// DefaultMaxEntries and DefaultMaxKeys.
func NewLogCollector(maxEntries, maxKeys int) *LogCollector {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	return &LogCollector{
		maxEntries: maxEntries,
		maxKeys:    maxKeys,
		logs:       make(map[string][]LogEntry),
		dropped:    make(map[string]int),
	}
}

// AddLog appends an entry for key.
func (c *LogCollector) AddLog(key string, entry LogEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.logs[key]; !ok {
		if len(c.order) >= c.maxKeys {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.logs, oldest)
			delete(c.dropped, oldest)
		}
		c.order = append(c.order, key)
	}
	logs := append(c.logs[key], entry)
	if over := len(logs) - c.maxEntries; over > 0 {
		logs = slices.Delete(logs, 0, over)
		c.dropped[key] += over
	}
	c.logs[key] = logs
}

// GetLogs returns a copy of the entries for key, oldest first.
func (c *LogCollector) GetLogs(key string) []LogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.logs[key])
}

// Dropped returns how many entries of key were discarded to stay in bounds.
func (c *LogCollector) Dropped(key string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dropped[key]
}

// Forget removes everything stored for key.
func (c *LogCollector) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.logs, key)
	delete(c.dropped, key)
	c.order = slices.DeleteFunc(c.order, func(k string) bool { return k == key })
}

// Keys returns the keys with stored entries, sorted.
func (c *LogCollector) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.logs))
	for k := range c.logs {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nomis52/tenantflow/execution"
)

// DiskStore persists each execution as a JSON file in a directory. All
// histories are also held in memory; the files are read once at startup.
type DiskStore struct {
	dir    string
	logger *slog.Logger
	// maxFinished bounds how many terminal executions are kept. Zero keeps
	// everything.
	maxFinished int

	mu    sync.Mutex
	cache *MemoryStore
}

// NewDiskStore opens dir, creating it if needed, and loads the executions
// stored there. Unreadable files are logged and skipped.
func NewDiskStore(dir string, maxFinished int, logger *slog.Logger) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	s := &DiskStore{
		dir:         dir,
		logger:      logger,
		maxFinished: maxFinished,
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Append implements Store. The execution's file is rewritten atomically.
func (s *DiskStore) Append(ctx context.Context, h Header, events ...execution.Event) error {
	if strings.ContainsAny(h.ID, `/\`) || h.ID == "." || h.ID == ".." {
		return fmt.Errorf("invalid execution id %q", h.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existing, err := s.cache.Load(ctx, h.ID)
	if err != nil && len(events) > 0 && events[0].Seq != 1 {
		return err
	}
	var last int64
	if n := len(existing); n > 0 {
		last = existing[n-1].Seq
	}
	if err := checkAppend(h, events, len(existing) > 0, last); err != nil {
		return err
	}

	rec := record{Header: h, Events: append(existing, events...)}
	if err := s.write(rec); err != nil {
		return err
	}
	if err := s.cache.Append(ctx, h, events...); err != nil {
		return err
	}

	if h.Status.IsTerminal() {
		s.prune(ctx)
	}
	return nil
}

// Load implements Store.
func (s *DiskStore) Load(ctx context.Context, id string) (Header, []execution.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Load(ctx, id)
}

// List implements Store.
func (s *DiskStore) List(ctx context.Context, f Filter) ([]Header, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.List(ctx, f)
}

// Close implements Store.
func (s *DiskStore) Close() error {
	return nil
}

// Reload re-reads every execution file from disk.
func (s *DiskStore) Reload() error {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read state directory: %w", err)
	}

	cache := NewMemoryStore()
	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".json" {
			continue
		}
		path := filepath.Join(s.dir, file.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("failed to read execution file", "file", path, "error", err)
			continue
		}
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			s.logger.Warn("failed to parse execution file", "file", path, "error", err)
			continue
		}
		if _, err := execution.Replay(rec.Events); err != nil {
			s.logger.Warn("skipping execution with invalid history", "file", path, "error", err)
			continue
		}
		cache.records[rec.Header.ID] = &rec
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = cache
	s.logger.Info("loaded executions from disk", "dir", s.dir, "count", len(cache.records))
	return nil
}

func (s *DiskStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *DiskStore) write(rec record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal execution %s: %w", rec.Header.ID, err)
	}

	path := s.path(rec.Header.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write execution file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace execution file: %w", err)
	}
	s.logger.Debug("saved execution to disk", "path", path, "last_seq", rec.Header.LastSeq)
	return nil
}

// prune removes the oldest terminal executions beyond maxFinished. An
// execution with an attempt still running is kept until that attempt's
// outcome has been recorded.
func (s *DiskStore) prune(ctx context.Context) {
	if s.maxFinished <= 0 {
		return
	}
	finished, _ := s.cache.List(ctx, Filter{Statuses: []execution.Status{
		execution.StatusCompleted,
		execution.StatusFailed,
		execution.StatusCancelled,
		execution.StatusTimedOut,
	}})
	if len(finished) <= s.maxFinished {
		return
	}
	for _, h := range finished[s.maxFinished:] {
		if _, events, err := s.cache.Load(ctx, h.ID); err == nil && attemptRunning(events) {
			s.logger.Debug("not pruning execution with a running attempt", "execution_id", h.ID)
			continue
		}
		if err := os.Remove(s.path(h.ID)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to prune execution file", "execution_id", h.ID, "error", err)
			continue
		}
		s.cache.mu.Lock()
		delete(s.cache.records, h.ID)
		s.cache.mu.Unlock()
	}
}

// attemptRunning reports whether any step of the history has started an
// attempt whose outcome is not yet recorded.
func attemptRunning(events []execution.Event) bool {
	x, err := execution.Replay(events)
	if err != nil {
		return false
	}
	for _, rec := range x.History {
		if rec.Status == execution.StepStatusRunning {
			return true
		}
	}
	return false
}

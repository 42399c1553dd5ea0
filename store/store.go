// Package store persists execution histories.
//
// A history is the append-only list of execution.Events of one execution. A
// Header summarising the latest state is stored alongside it so executions can
// be listed without replaying them. Appends are optimistic: the first appended
// event must directly follow the last stored one, otherwise the append fails
// with ErrSequenceConflict and nothing is written.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/nomis52/tenantflow/execution"
)

var (
	// ErrNotFound is returned for an unknown execution ID.
	ErrNotFound = errors.New("execution not found")
	// ErrSequenceConflict is returned when appended events do not follow the
	// stored history.
	ErrSequenceConflict = errors.New("event sequence conflict")
)

// Header is the listing view of an execution.
type Header struct {
	ID           string           `json:"id"`
	TenantID     string           `json:"tenant_id"`
	WorkflowType string           `json:"workflow_type"`
	Version      int              `json:"version"`
	Status       execution.Status `json:"status"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
	LastSeq      int64            `json:"last_seq"`
}

// HeaderOf returns the header for an execution.
func HeaderOf(x *execution.Execution) Header {
	return Header{
		ID:           x.ID,
		TenantID:     x.Tenant.ID,
		WorkflowType: x.WorkflowType,
		Version:      x.Version,
		Status:       x.Status,
		CreatedAt:    x.CreatedAt,
		UpdatedAt:    x.UpdatedAt,
		LastSeq:      x.LastSeq,
	}
}

// Filter selects executions in List. Zero fields match everything.
type Filter struct {
	TenantID     string
	WorkflowType string
	Statuses     []execution.Status
	// NonTerminal selects executions that have not finished.
	NonTerminal bool
	Limit       int
}

// Match reports whether h is selected by f.
func (f Filter) Match(h Header) bool {
	if f.TenantID != "" && h.TenantID != f.TenantID {
		return false
	}
	if f.WorkflowType != "" && h.WorkflowType != f.WorkflowType {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, h.Status) {
		return false
	}
	if f.NonTerminal && h.Status.IsTerminal() {
		return false
	}
	return true
}

// Store persists execution histories.
type Store interface {
	// Append stores events and replaces the header. h must describe the state
	// after the events are applied.
	Append(ctx context.Context, h Header, events ...execution.Event) error
	// Load returns the header and full history of an execution.
	Load(ctx context.Context, id string) (Header, []execution.Event, error)
	// List returns matching headers, newest first.
	List(ctx context.Context, f Filter) ([]Header, error)
	Close() error
}

// checkAppend validates an append against the stored last sequence number.
// exists reports whether the execution is already stored.
func checkAppend(h Header, events []execution.Event, exists bool, lastSeq int64) error {
	if len(events) == 0 {
		return fmt.Errorf("append to %s: no events", h.ID)
	}
	if h.ID == "" {
		return fmt.Errorf("append: execution id is required")
	}
	first := events[0].Seq
	if !exists && first != 1 {
		return fmt.Errorf("%w: %s", ErrNotFound, h.ID)
	}
	if first != lastSeq+1 {
		return fmt.Errorf("%w: %s has seq %d, append starts at %d", ErrSequenceConflict, h.ID, lastSeq, first)
	}
	for i, e := range events {
		if e.Seq != first+int64(i) {
			return fmt.Errorf("append to %s: events are not contiguous at seq %d", h.ID, e.Seq)
		}
	}
	if h.LastSeq != events[len(events)-1].Seq {
		return fmt.Errorf("append to %s: header seq %d does not match last event %d", h.ID, h.LastSeq, events[len(events)-1].Seq)
	}
	return nil
}

func sortHeaders(hs []Header) {
	sort.Slice(hs, func(i, j int) bool {
		if !hs[i].CreatedAt.Equal(hs[j].CreatedAt) {
			return hs[i].CreatedAt.After(hs[j].CreatedAt)
		}
		return hs[i].ID < hs[j].ID
	})
}

func limit(hs []Header, n int) []Header {
	if n > 0 && len(hs) > n {
		return hs[:n]
	}
	return hs
}

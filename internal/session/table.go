// Package session tracks the live browser context held by each session.
package session

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/surf-session-core/internal/metrics"
	"golang.org/x/sync/singleflight"
)

// ErrNoHandle is returned when a factory succeeds without producing a handle
var ErrNoHandle = errors.New("factory returned no handle")

// Handle is a live resource owned by one session
type Handle interface {
	Close() error
}

// Factory opens a new handle for a session
type Factory[H Handle] func(ctx context.Context) (H, error)

// Table holds at most one handle per session. Concurrent GetOrCreate calls for the
// same session share a single factory invocation.
type Table[H Handle] struct {
	mu      sync.Mutex
	handles map[string]H
	group   singleflight.Group
	metrics *metrics.Collector
}

func NewTable[H Handle](metricsCollector *metrics.Collector) *Table[H] {
	return &Table[H]{
		handles: make(map[string]H),
		metrics: metricsCollector,
	}
}

// GetOrCreate returns the session's handle, calling factory only when none exists.
// created reports whether this call stored a new handle.
func (t *Table[H]) GetOrCreate(ctx context.Context, session string, factory Factory[H]) (handle H, created bool, err error) {
	if h, ok := t.Get(session); ok {
		return h, false, nil
	}

	// Only the goroutine that runs the function sees stored set.
	stored := false
	v, err, _ := t.group.Do(session, func() (any, error) {
		if h, ok := t.Get(session); ok {
			return h, nil
		}
		h, err := factory(ctx)
		if err != nil {
			return nil, err
		}
		if isNil(h) {
			return nil, ErrNoHandle
		}
		stored = true

		t.mu.Lock()
		t.handles[session] = h
		t.recordCount()
		t.mu.Unlock()

		log.WithField("session", session).Debug("Session handle created")
		return h, nil
	})
	if err != nil {
		var zero H
		return zero, false, fmt.Errorf("create session %s: %w", session, err)
	}
	h, _ := v.(H)
	return h, stored, nil
}

func isNil(h any) bool {
	v := reflect.ValueOf(h)
	if !v.IsValid() {
		return true
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	return false
}

// Get returns the session's handle if one is open
func (t *Table[H]) Get(session string) (H, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.handles[session]
	return h, ok
}

// Close releases the session's handle. Closing an unknown session is a no-op.
func (t *Table[H]) Close(session string) error {
	t.mu.Lock()
	h, ok := t.handles[session]
	if ok {
		delete(t.handles, session)
		t.recordCount()
	}
	t.mu.Unlock()

	if !ok {
		return nil
	}
	if err := h.Close(); err != nil {
		return fmt.Errorf("close session %s: %w", session, err)
	}
	log.WithField("session", session).Debug("Session handle closed")
	return nil
}

// CloseAll releases every handle and empties the table
func (t *Table[H]) CloseAll() error {
	t.mu.Lock()
	handles := t.handles
	t.handles = make(map[string]H)
	t.recordCount()
	t.mu.Unlock()

	var errs []error
	for session, h := range handles {
		if err := h.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session %s: %w", session, err))
		}
	}
	if len(handles) > 0 {
		log.Infof("Closed %d sessions", len(handles))
	}
	return errors.Join(errs...)
}

// Sessions returns the ids of every open session, sorted
func (t *Table[H]) Sessions() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.handles))
	for s := range t.handles {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of open sessions
func (t *Table[H]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles)
}

func (t *Table[H]) recordCount() {
	if t.metrics != nil {
		t.metrics.SetLiveContexts(len(t.handles))
	}
}

// Package profile persists browser-session profiles, one JSON file per profile.
//
// Every record is loaded into memory when the store opens. Each mutation writes the
// affected file before the in-memory index changes, so disk and memory agree after
// every call that returns.
package profile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/surf-session-core/internal/metrics"
	"github.com/surf-session-core/internal/storage"
	"github.com/surf-session-core/internal/types"
)

const (
	fileExt       = ".json"
	sidecarSuffix = "_storage"
	importedName  = "Imported Profile"
)

// SnapshotSource is a live browser context whose state can be captured
type SnapshotSource interface {
	SnapshotState(ctx context.Context) (json.RawMessage, error)
	// ViewportSize reports the viewport of the context's first page, or nil
	ViewportSize() *types.Viewport
}

type Store struct {
	mu       sync.RWMutex
	dir      string
	profiles map[string]*types.Profile
	now      func() time.Time
	metrics  *metrics.Collector
}

type Option func(*Store)

// WithClock replaces time.Now, mainly for tests
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(s *Store) { s.metrics = c }
}

// NewStore opens dir, creating it if needed, and loads every profile file in it
func NewStore(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create profiles directory: %w", err)
	}

	s := &Store{
		dir:      dir,
		profiles: make(map[string]*types.Profile),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.loadAll(); err != nil {
		return nil, err
	}
	s.recordCount()

	return s, nil
}

func (s *Store) loadAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read profiles directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileExt) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warnf("Skipping unreadable profile %s: %v", path, err)
			continue
		}
		var p types.Profile
		if err := json.Unmarshal(data, &p); err != nil || p.ID == "" {
			log.Warnf("Skipping malformed profile %s: %v", path, err)
			continue
		}
		normalize(&p)
		s.profiles[p.ID] = &p
	}

	log.Infof("Loaded %d profiles from %s", len(s.profiles), s.dir)
	return nil
}

// Create captures src into a new profile. A nil src creates a profile without a snapshot.
func (s *Store) Create(ctx context.Context, name string, src SnapshotSource, metadata map[string]any) (types.Profile, error) {
	state, viewport, err := capture(ctx, src)
	if err != nil {
		return types.Profile{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	p := &types.Profile{
		ID:           types.NewID("profile", now),
		Name:         name,
		Created:      now,
		LastUsed:     now,
		Metadata:     types.CloneMetadata(metadata),
		StorageState: state,
	}
	if p.Metadata == nil {
		p.Metadata = map[string]any{}
	}
	p.Viewport = viewport

	if err := s.insert(p); err != nil {
		return types.Profile{}, err
	}

	log.WithFields(log.Fields{
		"profile_id": p.ID,
		"name":       p.Name,
	}).Info("Profile created")

	return p.Clone(), nil
}

// Update replaces the snapshot from src and shallow-merges patch into the metadata
func (s *Store) Update(ctx context.Context, id string, src SnapshotSource, patch map[string]any) (types.Profile, error) {
	s.mu.RLock()
	_, ok := s.profiles[id]
	s.mu.RUnlock()
	if !ok {
		return types.Profile{}, notFound(id)
	}

	state, viewport, err := capture(ctx, src)
	if err != nil {
		return types.Profile{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.profiles[id]
	if !ok {
		return types.Profile{}, notFound(id)
	}

	next := current.Clone()
	next.StorageState = state
	next.LastUsed = s.now()
	if next.Metadata == nil {
		next.Metadata = map[string]any{}
	}
	for k, v := range patch {
		next.Metadata[k] = v
	}
	if viewport != nil {
		next.Viewport = viewport
	}

	if err := s.insert(&next); err != nil {
		return types.Profile{}, err
	}
	return next.Clone(), nil
}

// Load returns the profile and refreshes its LastUsed. Use Get for a read without side effects.
func (s *Store) Load(id string) (types.Profile, error) {
	return s.Touch(id)
}

// Touch sets LastUsed to now and persists the profile
func (s *Store) Touch(id string) (types.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.profiles[id]
	if !ok {
		return types.Profile{}, notFound(id)
	}

	next := current.Clone()
	next.LastUsed = s.now()
	if err := s.insert(&next); err != nil {
		return types.Profile{}, err
	}
	return next.Clone(), nil
}

// Get returns the profile without touching LastUsed
func (s *Store) Get(id string) (types.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[id]
	if !ok {
		return types.Profile{}, notFound(id)
	}
	return p.Clone(), nil
}

// FindByName returns the most recently used profile with the given name
func (s *Store) FindByName(name string) (types.Profile, bool) {
	for _, p := range s.List() {
		if p.Name == name {
			return p, true
		}
	}
	return types.Profile{}, false
}

// List returns every profile, most recently used first
func (s *Store) List() []types.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].LastUsed.Equal(out[j].LastUsed) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastUsed.After(out[j].LastUsed)
	})
	return out
}

// Delete removes the profile file and its sidecar directory, if any
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.deleteLocked(id)
}

func (s *Store) deleteLocked(id string) error {
	if _, ok := s.profiles[id]; !ok {
		return notFound(id)
	}

	// sidecar first so a failed removal leaves the record whole
	if err := os.RemoveAll(s.SidecarDir(id)); err != nil {
		return fmt.Errorf("remove profile storage: %w", err)
	}
	if err := os.Remove(s.filePath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove profile file: %w", err)
	}

	delete(s.profiles, id)
	s.recordCount()

	log.WithField("profile_id", id).Info("Profile deleted")
	return nil
}

// Clone copies a profile under a new id and name and records where it came from
func (s *Store) Clone(id, newName string) (types.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.profiles[id]
	if !ok {
		return types.Profile{}, notFound(id)
	}

	now := s.now()
	cloned := original.Clone()
	cloned.ID = types.NewID("profile", now)
	cloned.Name = newName
	cloned.Created = now
	cloned.LastUsed = now
	if cloned.Metadata == nil {
		cloned.Metadata = map[string]any{}
	}
	cloned.Metadata["clonedFrom"] = id

	if err := s.insert(&cloned); err != nil {
		return types.Profile{}, err
	}
	return cloned.Clone(), nil
}

// CleanupOlderThan deletes profiles not used within the last days days
func (s *Store) CleanupOlderThan(days int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().AddDate(0, 0, -days)
	var stale []string
	for id, p := range s.profiles {
		if p.LastUsed.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)

	deleted := 0
	for _, id := range stale {
		if err := s.deleteLocked(id); err != nil {
			return deleted, err
		}
		deleted++
	}
	if deleted > 0 {
		log.Infof("Cleaned up %d profiles unused for %d days", deleted, days)
	}
	return deleted, nil
}

// SidecarDir is where large auxiliary data for a profile lives
func (s *Store) SidecarDir(id string) string {
	return filepath.Join(s.dir, id+sidecarSuffix)
}

// ContextOptions converts a profile into base context options
func ContextOptions(p types.Profile) types.ContextOptions {
	opts := types.ContextOptions{ContextPreferences: p.ContextPreferences.Clone()}
	if len(p.StorageState) > 0 {
		opts.StorageState = append(json.RawMessage(nil), p.StorageState...)
	}
	return opts
}

// insert persists p and then indexes what a reload would read back, so metadata
// values take their decoded JSON types (numbers become float64). p is updated to
// the indexed form. Caller holds s.mu.
func (s *Store) insert(p *types.Profile) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	var stored types.Profile
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("decode profile: %w", err)
	}
	normalize(&stored)

	if err := storage.WriteFileAtomic(s.filePath(p.ID), data); err != nil {
		return fmt.Errorf("save profile %s: %w", p.ID, err)
	}

	*p = stored
	s.profiles[p.ID] = &stored
	s.recordCount()
	return nil
}

func (s *Store) filePath(id string) string {
	return filepath.Join(s.dir, id+fileExt)
}

func (s *Store) recordCount() {
	if s.metrics != nil {
		s.metrics.SetProfiles(len(s.profiles))
	}
}

func capture(ctx context.Context, src SnapshotSource) (json.RawMessage, *types.Viewport, error) {
	if src == nil {
		return nil, nil, nil
	}
	state, err := src.SnapshotState(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("capture session state: %w", err)
	}
	return compact(state), src.ViewportSize(), nil
}

// normalize compacts the snapshot so reloaded profiles compare equal to captured ones
func normalize(p *types.Profile) {
	p.StorageState = compact(p.StorageState)
	if p.Metadata == nil {
		p.Metadata = map[string]any{}
	}
}

func compact(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return append(json.RawMessage(nil), raw...)
	}
	return json.RawMessage(buf.Bytes())
}

func notFound(id string) error {
	return fmt.Errorf("profile %s: %w", id, types.ErrNotFound)
}

// Package browser opens browser contexts for sessions, combining stored profiles,
// rotated proxies and caller overrides, and saves live sessions back into profiles.
package browser

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/surf-session-core/internal/profile"
	"github.com/surf-session-core/internal/registry"
	"github.com/surf-session-core/internal/session"
	"github.com/surf-session-core/internal/types"
)

// Context is a live browser context that can be snapshotted and closed
type Context interface {
	profile.SnapshotSource
	Close() error
}

// Engine opens browser contexts
type Engine interface {
	NewContext(ctx context.Context, launch types.LaunchOptions, opts types.ContextOptions) (Context, error)
}

// EngineFunc adapts a function to Engine
type EngineFunc func(ctx context.Context, launch types.LaunchOptions, opts types.ContextOptions) (Context, error)

func (f EngineFunc) NewContext(ctx context.Context, launch types.LaunchOptions, opts types.ContextOptions) (Context, error) {
	return f(ctx, launch, opts)
}

// Rotator binds proxies to sessions
type Rotator interface {
	Select(session string, cfg types.RotationConfig, geo types.GeoFilter) (types.Proxy, bool)
	ReleaseSession(session string)
}

// Request describes the context a session wants
type Request struct {
	ProfileID string                `json:"profile_id,omitempty"`
	Launch    types.LaunchOptions   `json:"launch"`
	Rotation  *types.RotationConfig `json:"rotation,omitempty"` // nil runs without a proxy
	Geo       types.GeoFilter       `json:"geo"`
	Overrides types.ContextOptions  `json:"overrides"`
}

type Manager struct {
	engine   Engine
	profiles *profile.Store
	rotator  Rotator
	sessions *session.Table[Context]
}

func NewManager(engine Engine, profiles *profile.Store, rotator Rotator, sessions *session.Table[Context]) *Manager {
	return &Manager{
		engine:   engine,
		profiles: profiles,
		rotator:  rotator,
		sessions: sessions,
	}
}

// GetOrCreateContext returns the session's live context, opening one from req if needed
func (m *Manager) GetOrCreateContext(ctx context.Context, sessionID string, req Request) (Context, error) {
	c, created, err := m.sessions.GetOrCreate(ctx, sessionID, func(ctx context.Context) (Context, error) {
		opts, err := m.resolve(sessionID, req)
		if err != nil {
			return nil, err
		}
		return m.engine.NewContext(ctx, req.Launch, opts)
	})
	if err != nil {
		return nil, err
	}
	if created {
		log.WithFields(log.Fields{
			"session":    sessionID,
			"profile_id": req.ProfileID,
		}).Info("Browser context opened")
	}
	return c, nil
}

// resolve builds the final context options for a new context
func (m *Manager) resolve(sessionID string, req Request) (types.ContextOptions, error) {
	var base types.ContextOptions
	if req.ProfileID != "" {
		p, err := m.profiles.Load(req.ProfileID)
		if err != nil {
			return types.ContextOptions{}, err
		}
		base = profile.ContextOptions(p)
	}

	var forced types.ContextOptions
	if req.Rotation != nil && m.rotator != nil {
		if p, ok := m.rotator.Select(sessionID, *req.Rotation, req.Geo); ok {
			settings := registry.PlaywrightProxy(p)
			forced.Proxy = &settings
		} else {
			log.WithField("session", sessionID).Warn("No eligible proxy, running without one")
		}
	}

	return MergeContextOptions(base, forced, req.Overrides), nil
}

// SaveSession snapshots the session's context into a profile. With overwrite, an existing
// profile of the same name is updated instead of creating a second one.
func (m *Manager) SaveSession(ctx context.Context, sessionID, name string, metadata map[string]any, overwrite bool) (types.Profile, error) {
	c, ok := m.sessions.Get(sessionID)
	if !ok {
		return types.Profile{}, fmt.Errorf("session %s: %w", sessionID, types.ErrNotFound)
	}

	if overwrite {
		if existing, found := m.profiles.FindByName(name); found {
			return m.profiles.Update(ctx, existing.ID, c, metadata)
		}
	}
	return m.profiles.Create(ctx, name, c, metadata)
}

// LoadSession replaces the session's context with one opened from the stored profile
func (m *Manager) LoadSession(ctx context.Context, profileID, sessionID string, req Request) (Context, error) {
	if _, err := m.profiles.Get(profileID); err != nil {
		return nil, err
	}
	if err := m.sessions.Close(sessionID); err != nil {
		log.Warnf("Closing previous context for %s: %v", sessionID, err)
	}
	req.ProfileID = profileID
	return m.GetOrCreateContext(ctx, sessionID, req)
}

// CloseSession closes the session's context and drops its proxy binding
func (m *Manager) CloseSession(sessionID string) error {
	if m.rotator != nil {
		m.rotator.ReleaseSession(sessionID)
	}
	return m.sessions.Close(sessionID)
}

// CloseAll closes every live context and drops every binding they hold
func (m *Manager) CloseAll() error {
	if m.rotator != nil {
		for _, s := range m.sessions.Sessions() {
			m.rotator.ReleaseSession(s)
		}
	}
	return m.sessions.CloseAll()
}

// ActiveSessions lists sessions holding a live context
func (m *Manager) ActiveSessions() []string {
	return m.sessions.Sessions()
}

// Package selector binds proxies to sessions and decides when a session rotates.
package selector

import (
	"math/rand/v2"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/surf-session-core/internal/metrics"
	"github.com/surf-session-core/internal/types"
)

// minReliability is the lowest measured reliability a proxy may have to be picked
const minReliability = 50.0

// Source lists the proxies a selection may choose from
type Source interface {
	List() []types.Proxy
}

type Selector struct {
	mu           sync.Mutex
	source       Source
	active       map[string]types.Proxy
	lastRotation map[string]time.Time
	usage        map[string]int
	cursor       int
	now          func() time.Time
	intn         func(n int) int
	metrics      *metrics.Collector
}

type Option func(*Selector)

func WithClock(now func() time.Time) Option {
	return func(s *Selector) { s.now = now }
}

// WithRand replaces the uniform index source used by random and geo-based picks
func WithRand(intn func(n int) int) Option {
	return func(s *Selector) { s.intn = intn }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(s *Selector) { s.metrics = c }
}

func New(source Source, opts ...Option) *Selector {
	s := &Selector{
		source:       source,
		active:       make(map[string]types.Proxy),
		lastRotation: make(map[string]time.Time),
		usage:        make(map[string]int),
		now:          time.Now,
		intn:         rand.IntN,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select returns the proxy bound to session, rotating first when cfg says it is due.
// ok is false when no proxy is bound and none is eligible; the caller then runs without a proxy.
func (s *Selector) Select(session string, cfg types.RotationConfig, geo types.GeoFilter) (types.Proxy, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.shouldRotate(session, cfg) {
		p, ok := s.active[session]
		return p.Clone(), ok
	}

	pool := eligible(s.source.List(), geo)
	if len(pool) == 0 {
		if s.metrics != nil {
			s.metrics.RecordEmptyPool()
		}
		log.WithFields(log.Fields{
			"session": session,
			"country": geo.Country,
			"city":    geo.City,
		}).Debug("No eligible proxy")
		return types.Proxy{}, false
	}

	pick, ok := strategies[cfg.Strategy]
	if !ok {
		log.Warnf("Unknown rotation strategy %q, using first eligible proxy", cfg.Strategy)
		pick = pickFirst
	}
	chosen := pick(s, pool)

	s.active[session] = chosen
	s.lastRotation[session] = s.now()
	s.usage[chosen.ID]++

	if s.metrics != nil {
		s.metrics.RecordRotation(string(cfg.Strategy))
		s.metrics.SetActiveBindings(len(s.active))
	}

	log.WithFields(log.Fields{
		"session":  session,
		"proxy_id": chosen.ID,
		"strategy": cfg.Strategy,
	}).Debug("Proxy bound")

	return chosen.Clone(), true
}

func (s *Selector) shouldRotate(session string, cfg types.RotationConfig) bool {
	if !cfg.Enabled {
		_, bound := s.active[session]
		return !bound
	}

	last, ok := s.lastRotation[session]
	if !ok {
		return true
	}
	return s.now().Sub(last) >= time.Duration(cfg.Interval)*time.Second
}

// eligible applies the exact-match geo filter and drops proxies measured below minReliability
func eligible(all []types.Proxy, geo types.GeoFilter) []types.Proxy {
	pool := make([]types.Proxy, 0, len(all))
	for _, p := range all {
		if geo.Country != "" && p.Country != geo.Country {
			continue
		}
		if geo.City != "" && p.City != geo.City {
			continue
		}
		if p.Reliability != nil && *p.Reliability < minReliability {
			continue
		}
		pool = append(pool, p)
	}
	return pool
}

// Current returns the session's binding without rotating
func (s *Selector) Current(session string) (types.Proxy, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.active[session]
	return p.Clone(), ok
}

// Release drops every binding to proxyID and forgets its usage. It returns how many sessions were unbound.
func (s *Selector) Release(proxyID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	released := 0
	for session, p := range s.active {
		if p.ID == proxyID {
			delete(s.active, session)
			delete(s.lastRotation, session)
			released++
		}
	}
	delete(s.usage, proxyID)

	if s.metrics != nil {
		s.metrics.SetActiveBindings(len(s.active))
	}
	return released
}

// ReleaseSession forgets the session's binding and rotation time
func (s *Selector) ReleaseSession(session string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.active, session)
	delete(s.lastRotation, session)

	if s.metrics != nil {
		s.metrics.SetActiveBindings(len(s.active))
	}
}

// ActiveCount is the number of sessions currently bound to a proxy
func (s *Selector) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Usage returns how many times proxyID has been bound across all sessions
func (s *Selector) Usage(proxyID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage[proxyID]
}

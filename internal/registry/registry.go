// Package registry keeps the set of known upstream proxies.
//
// The whole list lives in memory and is written through to a storage.Storage
// backend after every mutation. Connectivity probing is delegated to a Prober.
package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/surf-session-core/internal/metrics"
	"github.com/surf-session-core/internal/storage"
	"github.com/surf-session-core/internal/types"
)

// reliabilityWeight is how far one probe moves reliability toward 0 or 100
const reliabilityWeight = 0.3

// Prober checks whether a proxy can carry traffic
type Prober interface {
	Probe(ctx context.Context, p types.Proxy) types.ProbeResult
}

// Binder holds per-session proxy bindings that must not outlive the proxy
type Binder interface {
	Release(proxyID string) int
	ActiveCount() int
}

// Overrides are applied to every proxy parsed from a line list. Empty fields leave the parsed value alone.
type Overrides struct {
	Country       string         `json:"country,omitempty"`
	City          string         `json:"city,omitempty"`
	Provider      string         `json:"provider,omitempty"`
	IsResidential *bool          `json:"is_residential,omitempty"`
	Bypass        []string       `json:"bypass,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Patch changes descriptive fields of a proxy. Measurement fields are only written by probes.
type Patch struct {
	Name          *string        `json:"name,omitempty"`
	Server        *string        `json:"server,omitempty"`
	Username      *string        `json:"username,omitempty"`
	Password      *string        `json:"password,omitempty"`
	Bypass        []string       `json:"bypass,omitempty"`
	Type          *string        `json:"type,omitempty"`
	Country       *string        `json:"country,omitempty"`
	City          *string        `json:"city,omitempty"`
	Provider      *string        `json:"provider,omitempty"`
	IsResidential *bool          `json:"is_residential,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type Registry struct {
	mu      sync.RWMutex
	proxies map[string]*types.Proxy
	order   []string
	store   storage.Storage
	prober  Prober
	binder  Binder
	now     func() time.Time
	metrics *metrics.Collector
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(r *Registry) { r.metrics = c }
}

// New loads every stored proxy from store. prober may be nil if probing is never used.
func New(store storage.Storage, prober Prober, opts ...Option) (*Registry, error) {
	r := &Registry{
		proxies: make(map[string]*types.Proxy),
		store:   store,
		prober:  prober,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	list, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load proxies: %w", err)
	}
	for i := range list {
		p := list[i].Clone()
		if p.ID == "" {
			log.Warnf("Skipping stored proxy without id: %s", p.Server)
			continue
		}
		if _, dup := r.proxies[p.ID]; dup {
			continue
		}
		r.proxies[p.ID] = &p
		r.order = append(r.order, p.ID)
	}
	r.recordCount()

	log.Infof("Loaded %d proxies", len(r.order))
	return r, nil
}

// AttachBinder connects the session bindings that must be released when a proxy is removed
func (r *Registry) AttachBinder(b Binder) {
	r.mu.Lock()
	r.binder = b
	r.mu.Unlock()
}

// Add validates and stores a new proxy under a fresh id
func (r *Registry) Add(p types.Proxy) (types.Proxy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := p.Clone()
	rec.ID = types.NewID("proxy", r.now())
	rec.LastChecked = r.now()
	if rec.Type == "" {
		scheme, _ := splitServer(rec.Server)
		rec.Type = types.ProxyType(scheme)
	}
	if rec.Name == "" {
		rec.Name = hostOf(rec.Server)
	}
	if err := validate(&rec); err != nil {
		return types.Proxy{}, err
	}

	r.proxies[rec.ID] = &rec
	r.order = append(r.order, rec.ID)
	if err := r.persistLocked(); err != nil {
		delete(r.proxies, rec.ID)
		r.order = r.order[:len(r.order)-1]
		return types.Proxy{}, err
	}
	r.recordCount()

	log.WithFields(log.Fields{
		"proxy_id": rec.ID,
		"server":   rec.Server,
	}).Debug("Proxy added")

	return rec.Clone(), nil
}

// AddFromLines parses each non-blank line and adds it. Lines that fail are logged and skipped.
func (r *Registry) AddFromLines(lines []string, overrides Overrides) []types.Proxy {
	added := make([]types.Proxy, 0, len(lines))
	skipped := 0

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parsed, err := ParseLine(line)
		if err != nil {
			log.Warnf("Skipping proxy line: %v", err)
			skipped++
			continue
		}
		overrides.apply(&parsed)

		p, err := r.Add(parsed)
		if err != nil {
			log.Warnf("Failed to add proxy %s: %v", line, err)
			skipped++
			continue
		}
		added = append(added, p)
	}

	if skipped > 0 {
		log.Infof("Added %d proxies from list, skipped %d", len(added), skipped)
	}
	return added
}

func (o Overrides) apply(p *types.Proxy) {
	if o.Country != "" {
		p.Country = o.Country
	}
	if o.City != "" {
		p.City = o.City
	}
	if o.Provider != "" {
		p.Provider = o.Provider
	}
	if o.IsResidential != nil {
		p.IsResidential = *o.IsResidential
	}
	if len(o.Bypass) > 0 {
		p.Bypass = append([]string(nil), o.Bypass...)
	}
	if len(o.Metadata) > 0 {
		p.Metadata = types.CloneMetadata(o.Metadata)
	}
}

// Get returns a copy of the proxy
func (r *Registry) Get(id string) (types.Proxy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.proxies[id]
	if !ok {
		return types.Proxy{}, notFound(id)
	}
	return p.Clone(), nil
}

// Update applies patch and re-validates the record
func (r *Registry) Update(id string, patch Patch) (types.Proxy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.proxies[id]
	if !ok {
		return types.Proxy{}, notFound(id)
	}

	next := current.Clone()
	patch.apply(&next)
	if err := validate(&next); err != nil {
		return types.Proxy{}, err
	}

	r.proxies[id] = &next
	if err := r.persistLocked(); err != nil {
		r.proxies[id] = current
		return types.Proxy{}, err
	}
	return next.Clone(), nil
}

func (pt Patch) apply(p *types.Proxy) {
	if pt.Name != nil {
		p.Name = *pt.Name
	}
	if pt.Server != nil {
		p.Server = *pt.Server
		if pt.Type == nil {
			scheme, _ := splitServer(p.Server)
			p.Type = types.ProxyType(scheme)
		}
	}
	if pt.Username != nil {
		p.Username = *pt.Username
	}
	if pt.Password != nil {
		p.Password = *pt.Password
	}
	if pt.Bypass != nil {
		p.Bypass = append([]string(nil), pt.Bypass...)
	}
	if pt.Type != nil {
		p.Type = types.ProxyType(*pt.Type)
	}
	if pt.Country != nil {
		p.Country = *pt.Country
	}
	if pt.City != nil {
		p.City = *pt.City
	}
	if pt.Provider != nil {
		p.Provider = *pt.Provider
	}
	if pt.IsResidential != nil {
		p.IsResidential = *pt.IsResidential
	}
	if len(pt.Metadata) > 0 {
		if p.Metadata == nil {
			p.Metadata = map[string]any{}
		}
		for k, v := range pt.Metadata {
			p.Metadata[k] = v
		}
	}
}

// Remove deletes the proxy and releases every session bound to it
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	current, ok := r.proxies[id]
	if !ok {
		r.mu.Unlock()
		return notFound(id)
	}

	idx := r.indexOf(id)
	delete(r.proxies, id)
	order := append([]string(nil), r.order[:idx]...)
	r.order = append(order, r.order[idx+1:]...)

	if err := r.persistLocked(); err != nil {
		r.proxies[id] = current
		r.order = append(r.order[:idx], append([]string{id}, r.order[idx:]...)...)
		r.mu.Unlock()
		return err
	}
	r.recordCount()
	binder := r.binder
	r.mu.Unlock()

	released := 0
	if binder != nil {
		released = binder.Release(id)
	}

	log.WithFields(log.Fields{
		"proxy_id":          id,
		"sessions_released": released,
	}).Info("Proxy removed")
	return nil
}

// List returns every proxy in insertion order
func (r *Registry) List() []types.Proxy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Proxy, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.proxies[id].Clone())
	}
	return out
}

// Len returns the number of registered proxies
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// TestOne probes a proxy and records the measurement. Failures are reported in the result, never as an error.
func (r *Registry) TestOne(ctx context.Context, id string) types.TestResult {
	r.mu.RLock()
	current, ok := r.proxies[id]
	var snapshot types.Proxy
	if ok {
		snapshot = current.Clone()
	}
	r.mu.RUnlock()

	if !ok {
		return types.TestResult{Success: false, Error: "not found"}
	}
	if r.prober == nil {
		return types.TestResult{Success: false, Error: "no prober configured"}
	}

	res := r.prober.Probe(ctx, snapshot)

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok = r.proxies[id]
	if !ok {
		return types.TestResult{Success: false, Error: "removed during probe"}
	}

	next := current.Clone()
	next.LastChecked = r.now()
	if res.Reachable {
		latency := res.LatencyMs
		next.Speed = &latency
		next.Reliability = blend(next.Reliability, 100)
	} else {
		next.Reliability = blend(next.Reliability, 0)
	}

	r.proxies[id] = &next
	if err := r.persistLocked(); err != nil {
		log.Errorf("Failed to persist probe result for %s: %v", id, err)
	}

	if !res.Reachable {
		msg := res.Error
		if msg == "" {
			msg = "unreachable"
		}
		return types.TestResult{Success: false, Error: msg}
	}
	latency := res.LatencyMs
	return types.TestResult{Success: true, Latency: &latency}
}

// TestAll probes every proxy one after another and returns every result
func (r *Registry) TestAll(ctx context.Context) map[string]types.TestResult {
	r.mu.RLock()
	ids := append([]string(nil), r.order...)
	r.mu.RUnlock()

	results := make(map[string]types.TestResult, len(ids))
	alive := 0
	for _, id := range ids {
		res := r.TestOne(ctx, id)
		if res.Success {
			alive++
		}
		results[id] = res
	}

	log.Infof("Tested %d proxies, %d reachable", len(ids), alive)
	return results
}

// Statistics summarizes the registry. Active counts sessions currently bound to a proxy.
func (r *Registry) Statistics() types.Statistics {
	// The binder takes its own lock and calls back into List, so ask it before locking here.
	r.mu.RLock()
	binder := r.binder
	r.mu.RUnlock()

	active := 0
	if binder != nil {
		active = binder.ActiveCount()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := types.Statistics{
		Total:     len(r.order),
		Active:    active,
		ByCountry: make(map[string]int),
	}

	var totalSpeed float64
	speedCount := 0
	for _, id := range r.order {
		p := r.proxies[id]
		if p.IsResidential {
			stats.Residential++
		}
		if p.Country != "" {
			stats.ByCountry[p.Country]++
		}
		if p.Reliability != nil {
			switch {
			case *p.Reliability >= 80:
				stats.ByReliability.High++
			case *p.Reliability >= 50:
				stats.ByReliability.Medium++
			default:
				stats.ByReliability.Low++
			}
		}
		if p.Speed != nil {
			totalSpeed += *p.Speed
			speedCount++
		}
	}
	if speedCount > 0 {
		stats.AverageSpeed = totalSpeed / float64(speedCount)
	}
	return stats
}

// PlaywrightProxy converts a proxy into engine proxy settings
func PlaywrightProxy(p types.Proxy) types.ProxySettings {
	settings := types.ProxySettings{Server: p.Server}
	if p.Username != "" && p.Password != "" {
		settings.Username = p.Username
		settings.Password = p.Password
	}
	if len(p.Bypass) > 0 {
		settings.Bypass = strings.Join(p.Bypass, ",")
	}
	return settings
}

// Close releases the storage backend
func (r *Registry) Close() error {
	return r.store.Close()
}

// persistLocked writes the full list. Caller holds r.mu.
func (r *Registry) persistLocked() error {
	list := make([]types.Proxy, 0, len(r.order))
	for _, id := range r.order {
		list = append(list, *r.proxies[id])
	}
	if err := r.store.Save(list); err != nil {
		log.Errorf("Failed to save proxies: %v", err)
		return fmt.Errorf("save proxies: %w", err)
	}
	return nil
}

func (r *Registry) indexOf(id string) int {
	for i, v := range r.order {
		if v == id {
			return i
		}
	}
	return -1
}

func (r *Registry) recordCount() {
	if r.metrics != nil {
		r.metrics.SetProxies(len(r.order))
	}
}

func blend(current *float64, target float64) *float64 {
	var v float64
	if current == nil {
		v = target
	} else {
		v = *current + (target-*current)*reliabilityWeight
	}
	return &v
}

func notFound(id string) error {
	return fmt.Errorf("proxy %s: %w", id, types.ErrNotFound)
}

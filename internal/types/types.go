package types

import (
	"encoding/json"
	"time"
)

// ProxyType is the upstream protocol of a proxy endpoint
type ProxyType string

const (
	ProxyHTTP   ProxyType = "http"
	ProxyHTTPS  ProxyType = "https"
	ProxySOCKS4 ProxyType = "socks4"
	ProxySOCKS5 ProxyType = "socks5"
)

// Valid reports whether t is one of the supported proxy protocols
func (t ProxyType) Valid() bool {
	switch t {
	case ProxyHTTP, ProxyHTTPS, ProxySOCKS4, ProxySOCKS5:
		return true
	}
	return false
}

// Proxy describes one upstream proxy endpoint and its measured health
type Proxy struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Server        string         `json:"server"` // scheme://host:port
	Username      string         `json:"username,omitempty"`
	Password      string         `json:"password,omitempty"`
	Bypass        []string       `json:"bypass,omitempty"`
	Type          ProxyType      `json:"type,omitempty"`
	Country       string         `json:"country,omitempty"`
	City          string         `json:"city,omitempty"`
	Provider      string         `json:"provider,omitempty"`
	IsResidential bool           `json:"is_residential,omitempty"`
	Speed         *float64       `json:"speed,omitempty"`       // latency in ms
	Reliability   *float64       `json:"reliability,omitempty"` // 0-100
	LastChecked   time.Time      `json:"last_checked"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Clone returns a deep copy of p
func (p Proxy) Clone() Proxy {
	out := p
	if p.Bypass != nil {
		out.Bypass = append([]string(nil), p.Bypass...)
	}
	if p.Speed != nil {
		v := *p.Speed
		out.Speed = &v
	}
	if p.Reliability != nil {
		v := *p.Reliability
		out.Reliability = &v
	}
	out.Metadata = CloneMetadata(p.Metadata)
	return out
}

// ProxySettings is the proxy block handed to the automation engine
type ProxySettings struct {
	Server   string `json:"server"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Bypass   string `json:"bypass,omitempty"`
}

// Viewport is a browser viewport size in CSS pixels
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Geolocation is an emulated device position
type Geolocation struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
}

// HTTPCredentials are used for HTTP authentication challenges
type HTTPCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// ContextPreferences are the context-level overrides a profile may carry
type ContextPreferences struct {
	UserAgent        string            `json:"user_agent,omitempty"`
	Viewport         *Viewport         `json:"viewport,omitempty"`
	Locale           string            `json:"locale,omitempty"`
	Timezone         string            `json:"timezone,omitempty"`
	Geolocation      *Geolocation      `json:"geolocation,omitempty"`
	Permissions      []string          `json:"permissions,omitempty"`
	ExtraHTTPHeaders map[string]string `json:"extra_http_headers,omitempty"`
	Proxy            *ProxySettings    `json:"proxy,omitempty"`
}

// Profile is a durable snapshot of browser-session state
type Profile struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Created      time.Time       `json:"created"`
	LastUsed     time.Time       `json:"last_used"`
	Metadata     map[string]any  `json:"metadata"`
	StorageState json.RawMessage `json:"storage_state,omitempty"`
	ContextPreferences
}

// Clone returns a deep copy of p
func (p Profile) Clone() Profile {
	out := p
	out.Metadata = CloneMetadata(p.Metadata)
	if p.StorageState != nil {
		out.StorageState = append(json.RawMessage(nil), p.StorageState...)
	}
	out.ContextPreferences = p.ContextPreferences.Clone()
	return out
}

// IsZero reports whether no preference is set
func (c ContextPreferences) IsZero() bool {
	return c.UserAgent == "" && c.Viewport == nil && c.Locale == "" && c.Timezone == "" &&
		c.Geolocation == nil && len(c.Permissions) == 0 && len(c.ExtraHTTPHeaders) == 0 && c.Proxy == nil
}

// Clone returns a deep copy of c
func (c ContextPreferences) Clone() ContextPreferences {
	out := c
	if c.Viewport != nil {
		v := *c.Viewport
		out.Viewport = &v
	}
	if c.Geolocation != nil {
		g := *c.Geolocation
		if g.Accuracy != nil {
			a := *g.Accuracy
			g.Accuracy = &a
		}
		out.Geolocation = &g
	}
	if c.Permissions != nil {
		out.Permissions = append([]string(nil), c.Permissions...)
	}
	if c.ExtraHTTPHeaders != nil {
		out.ExtraHTTPHeaders = make(map[string]string, len(c.ExtraHTTPHeaders))
		for k, v := range c.ExtraHTTPHeaders {
			out.ExtraHTTPHeaders[k] = v
		}
	}
	if c.Proxy != nil {
		p := *c.Proxy
		out.Proxy = &p
	}
	return out
}

// ContextOptions is the fully merged set of settings used to open a browser context
type ContextOptions struct {
	ContextPreferences
	StorageState      json.RawMessage  `json:"storage_state,omitempty"`
	HTTPCredentials   *HTTPCredentials `json:"http_credentials,omitempty"`
	IgnoreHTTPSErrors *bool            `json:"ignore_https_errors,omitempty"`
	JavaScriptEnabled *bool            `json:"javascript_enabled,omitempty"`
	Offline           *bool            `json:"offline,omitempty"`
	IsMobile          *bool            `json:"is_mobile,omitempty"`
	HasTouch          *bool            `json:"has_touch,omitempty"`
	DeviceScaleFactor *float64         `json:"device_scale_factor,omitempty"`
	TimeoutMs         float64          `json:"timeout_ms,omitempty"`
}

// LaunchOptions selects which pooled browser a context is opened on
type LaunchOptions struct {
	Browser  string `json:"browser,omitempty"` // chromium, firefox, webkit
	Headless bool   `json:"headless"`
}

// RotationStrategy picks the next proxy from an eligible pool
type RotationStrategy string

const (
	StrategyRandom     RotationStrategy = "random"
	StrategyRoundRobin RotationStrategy = "round-robin"
	StrategyLeastUsed  RotationStrategy = "least-used"
	StrategyFastest    RotationStrategy = "fastest"
	StrategyGeoBased   RotationStrategy = "geo-based"
)

// RotationConfig controls when and how a session's proxy is rotated
type RotationConfig struct {
	Enabled  bool             `json:"enabled" yaml:"enabled"`
	Interval int              `json:"interval" yaml:"interval"` // seconds
	Strategy RotationStrategy `json:"strategy" yaml:"strategy"`
}

// GeoFilter narrows the candidate pool by exact location match
type GeoFilter struct {
	Country string `json:"country,omitempty" yaml:"country,omitempty"`
	City    string `json:"city,omitempty" yaml:"city,omitempty"`
}

// ProbeResult is what a connectivity probe reports for one proxy
type ProbeResult struct {
	Reachable bool
	LatencyMs float64
	Error     string
}

// TestResult is the outcome of testing one registered proxy
type TestResult struct {
	Success bool     `json:"success"`
	Latency *float64 `json:"latency,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// ReliabilityBuckets counts measured proxies by reliability band
type ReliabilityBuckets struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
}

// Statistics summarizes the proxy registry
type Statistics struct {
	Total         int                `json:"total"`
	Active        int                `json:"active"`
	Residential   int                `json:"residential"`
	ByCountry     map[string]int     `json:"by_country"`
	ByReliability ReliabilityBuckets `json:"by_reliability"`
	AverageSpeed  float64            `json:"average_speed"`
}

// CloneMetadata copies the top level of a metadata map
func CloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

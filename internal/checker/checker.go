package checker

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/surf-session-core/internal/config"
	"github.com/surf-session-core/internal/metrics"
	"github.com/surf-session-core/internal/types"
)

const (
	ModeConnectOnly = "connect-only"
	ModeFullHTTP    = "full-http"
)

// Checker probes a single proxy per call. Probes are never retried.
type Checker struct {
	config  config.CheckerConfig
	metrics *metrics.Collector
}

func NewChecker(cfg config.CheckerConfig, metricsCollector *metrics.Collector) *Checker {
	return &Checker{
		config:  cfg,
		metrics: metricsCollector,
	}
}

// Probe reports whether p is reachable and how long the check took
func (c *Checker) Probe(ctx context.Context, p types.Proxy) types.ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	startTime := time.Now()
	result := c.probe(ctx, p, startTime)

	if c.metrics != nil {
		if result.Reachable {
			c.metrics.RecordProbeSuccess(result.LatencyMs)
		} else {
			c.metrics.RecordProbeFailure()
		}
	}

	log.WithFields(log.Fields{
		"proxy_id":  p.ID,
		"server":    p.Server,
		"reachable": result.Reachable,
		"latency":   result.LatencyMs,
	}).Debug("Proxy probed")

	return result
}

func (c *Checker) probe(ctx context.Context, p types.Proxy, startTime time.Time) types.ProbeResult {
	proxyURL, err := url.Parse(p.Server)
	if err != nil {
		return failure("parse proxy URL: %v", err)
	}
	if proxyURL.Host == "" {
		return failure("parse proxy URL: missing host in %q", p.Server)
	}

	if c.config.Mode == ModeConnectOnly {
		return c.checkConnectOnly(ctx, proxyURL.Host, startTime)
	}

	proxyType := p.Type
	if proxyType == "" {
		proxyType = types.ProxyType(proxyURL.Scheme)
	}

	switch proxyType {
	case types.ProxySOCKS4:
		return c.checkSOCKS4(ctx, proxyURL.Host, startTime)
	case types.ProxySOCKS5:
		return c.checkSOCKS5(ctx, proxyURL.Host, p.Username, p.Password, startTime)
	default:
		if p.Username != "" {
			proxyURL.User = url.UserPassword(p.Username, p.Password)
		}
		return c.checkFullHTTP(ctx, proxyURL, startTime)
	}
}

func (c *Checker) checkConnectOnly(ctx context.Context, hostPort string, startTime time.Time) types.ProbeResult {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", hostPort)
	if err != nil {
		return failure("connect: %v", err)
	}
	defer conn.Close()

	return success(startTime)
}

func (c *Checker) checkFullHTTP(ctx context.Context, proxyURL *url.URL, startTime time.Time) types.ProbeResult {
	// A transport per probe keeps the proxy setting private to this request
	transport := c.newTransport()
	transport.Proxy = http.ProxyURL(proxyURL)
	defer transport.CloseIdleConnections()

	return c.fetch(ctx, transport, startTime)
}

func (c *Checker) fetch(ctx context.Context, transport *http.Transport, startTime time.Time) types.ProbeResult {
	client := &http.Client{
		Transport: transport,
		Timeout:   c.timeout(),
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse // Don't follow redirects
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.TestURL, nil)
	if err != nil {
		return failure("create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return failure("request: %v", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	// Consider 2xx and 3xx as success
	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return success(startTime)
	}
	return failure("HTTP %d", resp.StatusCode)
}

func (c *Checker) newTransport() *http.Transport {
	timeout := c.timeout()
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: timeout,
		}).DialContext,
		ForceAttemptHTTP2:   false,
		DisableKeepAlives:   true,
		TLSHandshakeTimeout: timeout,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true, // Required for proxy checking
		},
	}
}

func (c *Checker) timeout() time.Duration {
	if c.config.TimeoutMs <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.config.TimeoutMs) * time.Millisecond
}

func success(startTime time.Time) types.ProbeResult {
	return types.ProbeResult{
		Reachable: true,
		LatencyMs: float64(time.Since(startTime).Microseconds()) / 1000.0,
	}
}

func failure(format string, args ...any) types.ProbeResult {
	return types.ProbeResult{
		Reachable: false,
		Error:     fmt.Sprintf(format, args...),
	}
}

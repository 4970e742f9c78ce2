package aggregator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/surf-session-core/internal/checker"
	"github.com/surf-session-core/internal/config"
	"github.com/surf-session-core/internal/metrics"
	"github.com/surf-session-core/internal/registry"
	"github.com/surf-session-core/internal/types"
)

var (
	// Matches IP:PORT with an optional scheme and credentials anywhere in a line
	proxyRegex = regexp.MustCompile(`(?:(socks5|socks4|https?)://)?(?:([^\s:@/]+):([^\s@/]+)@)?(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}):(\d{2,5})`)
)

// Registry is where fetched proxies are registered
type Registry interface {
	AddFromLines(lines []string, overrides registry.Overrides) []types.Proxy
	List() []types.Proxy
}

type Aggregator struct {
	config   config.AggregatorConfig
	metrics  *metrics.Collector
	client   *http.Client
	registry Registry
}

type SourceStats struct {
	URL          string `json:"url"`
	ProxiesFound int    `json:"proxies_found"`
	ProxiesAdded int    `json:"proxies_added"`
	Error        string `json:"error,omitempty"`
}

func NewAggregator(cfg config.AggregatorConfig, reg Registry, metricsCollector *metrics.Collector) *Aggregator {
	return &Aggregator{
		config:   cfg,
		metrics:  metricsCollector,
		registry: reg,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Run aggregates once immediately and then every interval until ctx is done
func (a *Aggregator) Run(ctx context.Context) {
	if _, err := a.Aggregate(ctx); err != nil {
		log.Errorf("Aggregation failed: %v", err)
	}

	ticker := time.NewTicker(time.Duration(a.config.IntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Aggregation loop stopped")
			return
		case <-ticker.C:
			if _, err := a.Aggregate(ctx); err != nil {
				log.Errorf("Aggregation failed: %v", err)
			}
		}
	}
}

// Aggregate fetches every enabled source and registers the proxies not already known
func (a *Aggregator) Aggregate(ctx context.Context) (map[string]SourceStats, error) {
	enabledSources := make([]config.Source, 0)
	for _, source := range a.config.Sources {
		if source.Enabled {
			enabledSources = append(enabledSources, source)
		}
	}

	if len(enabledSources) == 0 {
		return nil, fmt.Errorf("no enabled sources")
	}

	start := time.Now()
	log.Infof("Fetching from %d sources", len(enabledSources))

	fetched := make([][]string, len(enabledSources))
	stats := make([]SourceStats, len(enabledSources))

	// Fetch from all sources concurrently
	var wg sync.WaitGroup
	for i, source := range enabledSources {
		wg.Add(1)
		go func(i int, src config.Source) {
			defer wg.Done()

			fetchStart := time.Now()
			lines, err := a.fetchSource(ctx, src)
			stats[i] = SourceStats{URL: src.URL, ProxiesFound: len(lines)}

			if err != nil {
				stats[i].Error = err.Error()
				log.Warnf("Source %s failed: %v (took %v)", src.URL, err, time.Since(fetchStart))
				return
			}
			log.Infof("Source %s returned %d proxies (took %v)", src.URL, len(lines), time.Since(fetchStart))
			fetched[i] = lines
		}(i, source)
	}
	wg.Wait()

	// Registration runs source by source so each source's overrides apply to its own lines
	known := make(map[string]struct{})
	for _, p := range a.registry.List() {
		known[address(p.Server)] = struct{}{}
	}

	total := 0
	for i, src := range enabledSources {
		lines := a.fresh(ctx, fetched[i], known)
		if len(lines) == 0 {
			continue
		}

		overrides := registry.Overrides{Country: src.Country, Provider: src.Provider}
		if src.Residential {
			residential := true
			overrides.IsResidential = &residential
		}
		added := a.registry.AddFromLines(lines, overrides)
		stats[i].ProxiesAdded = len(added)
		total += len(added)

		if a.metrics != nil {
			a.metrics.RecordProxiesImported(src.URL, len(added))
		}
	}

	byURL := make(map[string]SourceStats, len(stats))
	for _, s := range stats {
		byURL[s.URL] = s
	}

	log.Infof("Aggregation cycle complete: %d new proxies in %v", total, time.Since(start))
	return byURL, nil
}

// address strips the scheme so the same endpoint listed under two protocols is registered once
func address(server string) string {
	if i := strings.Index(server, "://"); i >= 0 {
		return server[i+3:]
	}
	return server
}

// fresh drops lines already registered or seen earlier in this cycle, then applies the TCP pre-filter
func (a *Aggregator) fresh(ctx context.Context, lines []string, known map[string]struct{}) []string {
	candidates := make([]types.Proxy, 0, len(lines))
	raw := make(map[string]string, len(lines))
	for _, line := range lines {
		p, err := registry.ParseLine(line)
		if err != nil {
			continue
		}
		key := address(p.Server)
		if _, dup := known[key]; dup {
			continue
		}
		known[key] = struct{}{}
		candidates = append(candidates, p)
		raw[p.Server] = line
	}

	if a.config.Prefilter && len(candidates) > 0 {
		candidates = checker.FastConnectFilter(ctx, candidates, a.config.PrefilterTimeoutMs, a.config.PrefilterConcurrency)
	}

	out := make([]string, 0, len(candidates))
	for _, p := range candidates {
		out = append(out, raw[p.Server])
	}
	return out
}

func (a *Aggregator) fetchSource(ctx context.Context, source config.Source) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if a.config.UserAgent != "" {
		req.Header.Set("User-Agent", a.config.UserAgent)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	// Limit body read to 10MB
	limitedReader := io.LimitReader(resp.Body, 10*1024*1024)

	return parseProxies(limitedReader, sourceProtocol(source))
}

// sourceProtocol resolves "auto" or empty from hints in the source URL
func sourceProtocol(source config.Source) string {
	if source.Protocol != "" && source.Protocol != "auto" {
		return source.Protocol
	}
	u := strings.ToLower(source.URL)
	switch {
	case strings.Contains(u, "socks5"):
		return "socks5"
	case strings.Contains(u, "socks4"):
		return "socks4"
	default:
		return "http"
	}
}

// parseProxies extracts proxy lines in registry line format from free-form text
func parseProxies(r io.Reader, defaultProtocol string) ([]string, error) {
	lines := make([]string, 0)
	seen := make(map[string]struct{})
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		matches := proxyRegex.FindStringSubmatch(line)
		if matches == nil {
			continue
		}
		protocol, user, pass, ip, port := matches[1], matches[2], matches[3], matches[4], matches[5]
		if protocol == "" {
			protocol = defaultProtocol
		}

		var out string
		if user != "" {
			out = fmt.Sprintf("%s://%s:%s@%s:%s", protocol, user, pass, ip, port)
		} else {
			out = fmt.Sprintf("%s://%s:%s", protocol, ip, port)
		}
		if _, dup := seen[out]; dup {
			continue
		}
		seen[out] = struct{}{}
		lines = append(lines, out)
	}

	if err := scanner.Err(); err != nil {
		return lines, fmt.Errorf("scan: %w", err)
	}

	return lines, nil
}

package checker

import (
	"context"
	"net"
	"net/url"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/surf-session-core/internal/types"
)

// FastConnectFilter keeps only the proxies that accept a TCP connection, in their original order.
// It is a cheap pre-filter for freshly fetched lists before they are registered.
func FastConnectFilter(ctx context.Context, proxies []types.Proxy, timeoutMs int, concurrency int) []types.Proxy {
	if len(proxies) == 0 {
		return proxies
	}
	if concurrency <= 0 {
		concurrency = 64
	}

	log.Infof("Starting fast TCP filter: %d proxies, concurrency=%d, timeout=%dms",
		len(proxies), concurrency, timeoutMs)

	startTime := time.Now()
	timeout := time.Duration(timeoutMs) * time.Millisecond
	alive := make([]bool, len(proxies))

	// Semaphore for concurrency control
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i, p := range proxies {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return nil
		}
		wg.Add(1)

		go func(i int, server string) {
			defer wg.Done()
			defer func() { <-sem }()

			alive[i] = testTCPConnection(ctx, server, timeout)
		}(i, p.Server)
	}

	wg.Wait()

	connectable := make([]types.Proxy, 0, len(proxies))
	for i, ok := range alive {
		if ok {
			connectable = append(connectable, proxies[i])
		}
	}

	log.Infof("Fast filter complete: %d/%d connectable in %v",
		len(connectable), len(proxies), time.Since(startTime))

	return connectable
}

// testTCPConnection tests if a TCP connection can be established to the server's host:port
func testTCPConnection(ctx context.Context, server string, timeout time.Duration) bool {
	u, err := url.Parse(server)
	if err != nil || u.Host == "" {
		return false
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", u.Host)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

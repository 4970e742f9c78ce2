package checker

import (
	"context"
	"net"
	"time"

	"github.com/surf-session-core/internal/types"
	"golang.org/x/net/proxy"
)

// checkSOCKS4 only verifies the TCP handshake. x/net/proxy speaks SOCKS5, not SOCKS4.
func (c *Checker) checkSOCKS4(ctx context.Context, proxyAddr string, startTime time.Time) types.ProbeResult {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return failure("SOCKS4 connect: %v", err)
	}
	defer conn.Close()

	return success(startTime)
}

// checkSOCKS5 fetches the test URL through a SOCKS5 proxy, authenticating when a username is set
func (c *Checker) checkSOCKS5(ctx context.Context, proxyAddr, username, password string, startTime time.Time) types.ProbeResult {
	var auth *proxy.Auth
	if username != "" {
		auth = &proxy.Auth{User: username, Password: password}
	}

	dialer, err := proxy.SOCKS5("tcp", proxyAddr, auth, &net.Dialer{Timeout: c.timeout()})
	if err != nil {
		return failure("SOCKS5 dialer error: %v", err)
	}

	transport := c.newTransport()
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		transport.DialContext = cd.DialContext
	} else {
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
	}
	defer transport.CloseIdleConnections()

	result := c.fetch(ctx, transport, startTime)
	if !result.Reachable {
		result.Error = "SOCKS5 " + result.Error
	}
	return result
}

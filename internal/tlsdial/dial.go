// Package tlsdial opens the per-attempt connection to an upstream
// backend (spec.md §4.4.5 step 1), adapted from the teacher library's
// pkg/transport connect/TLS-upgrade path but trimmed to what a single,
// unpooled attempt needs: no connection reuse, no SOCKS leg — just a
// direct TCP dial, optionally TLS-wrapped.
package tlsdial

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/chainproxy/chainproxy/internal/proxyerr"
)

// Dial opens a connection to address. If scheme is "https" the socket
// is TLS-wrapped using sni as the ServerName, HTTP/1.1 is forced via
// ALPN, and certificate/hostname verification is deliberately disabled
// (spec.md §4.4.5 step 1, §9): the upstream proxies in this pool
// routinely present certificates whose CN doesn't match the address
// used to reach them, so verification is never toggleable from config.
func Dial(ctx context.Context, address, scheme, sni string, connTimeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: connTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, proxyerr.New(proxyerr.TypeConnection, "dial", address, "failed to connect to upstream", err)
	}

	if scheme != "https" {
		return conn, nil
	}

	tlsConn, err := upgradeTLS(ctx, conn, sni, connTimeout)
	if err != nil {
		conn.Close()
		return nil, proxyerr.New(proxyerr.TypeTLS, "handshake", address, "TLS handshake failed", err)
	}
	return tlsConn, nil
}

func upgradeTLS(ctx context.Context, conn net.Conn, sni string, timeout time.Duration) (net.Conn, error) {
	cfg := &tls.Config{
		ServerName: sni,
		// Never verified: see package doc and spec.md §9. This pool's
		// upstream proxies are expected to present self-signed or
		// mismatched certificates.
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
		// Force HTTP/1.1: exclude h2 from the ALPN offer so the
		// upstream can't negotiate HTTP/2 (spec.md §1 Non-goals).
		NextProtos: []string{"http/1.1"},
	}

	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	tlsCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(tlsCtx); err != nil {
		return nil, err
	}
	return tlsConn, nil
}

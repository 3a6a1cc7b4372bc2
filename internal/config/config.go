// Package config loads the backend proxy list (spec.md §4.1, §6): a
// text file with one proxy URL per line, following the same
// net/url-based parsing idiom as the teacher library's
// client.ParseProxyURL, but resolving a full backend.Descriptor per
// line instead of a single ad-hoc ProxyConfig.
package config

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/chainproxy/chainproxy/internal/backend"
)

const (
	defaultHTTPPort  = "80"
	defaultHTTPSPort = "443"
)

// LoadFile reads path and builds a backend.Registry from it. The loader
// is invoked once at startup; there is no hot reload (spec.md §4.1).
func LoadFile(path string) (*backend.Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// Load parses the proxy list from r and builds a backend.Registry.
// Each non-empty, non-"#"-prefixed line must be a proxy URL of the form
// scheme://[user[:pass]@]host[:port]. An empty resulting list is a hard
// error, matching the Rust original's "no proxies loaded" bail.
func Load(r io.Reader) (*backend.Registry, error) {
	scanner := bufio.NewScanner(r)
	// Config lines are short; the default bufio.Scanner token limit is
	// more than enough, no need to raise it.

	var descriptors []backend.Descriptor
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		d, err := parseLine(line, lineNo)
		if err != nil {
			return nil, err
		}
		descriptors = append(descriptors, d)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	if len(descriptors) == 0 {
		return nil, fmt.Errorf("config: no proxies loaded")
	}

	return backend.NewRegistry(descriptors), nil
}

func parseLine(line string, lineNo int) (backend.Descriptor, error) {
	u, err := url.Parse(line)
	if err != nil {
		return backend.Descriptor{}, fmt.Errorf("config: line %d: invalid proxy url %q: %w", lineNo, line, err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return backend.Descriptor{}, fmt.Errorf("config: line %d: unsupported scheme %q (must be http or https)", lineNo, u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return backend.Descriptor{}, fmt.Errorf("config: line %d: missing host", lineNo)
	}

	portStr := u.Port()
	if portStr == "" {
		if scheme == "http" {
			portStr = defaultHTTPPort
		} else {
			portStr = defaultHTTPSPort
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return backend.Descriptor{}, fmt.Errorf("config: line %d: invalid port %q", lineNo, portStr)
	}

	address, err := resolveAddress(host, portStr)
	if err != nil {
		return backend.Descriptor{}, fmt.Errorf("config: line %d: %w", lineNo, err)
	}

	var username, password string
	if u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
	}

	return backend.Descriptor{
		Address:  address,
		Scheme:   scheme,
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
		Original: line,
	}, nil
}

// resolveAddress implements spec.md §4.1 step 3: try the literal
// host:port directly as a socket address first; if that fails (it's a
// DNS name, not a literal IP), resolve it and take the first result.
func resolveAddress(host, portStr string) (string, error) {
	literal := net.JoinHostPort(host, portStr)
	if ip := net.ParseIP(host); ip != nil {
		return literal, nil
	}

	addrs, err := net.LookupHost(host)
	if err != nil {
		return "", fmt.Errorf("could not resolve hostname %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("could not resolve hostname %s: no addresses returned", host)
	}
	return net.JoinHostPort(addrs[0], portStr), nil
}

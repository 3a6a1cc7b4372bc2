// Package httpframe implements the wire-level byte framing the session
// engine needs: finding the end of an HTTP header block, reading one
// under a size cap and deadline, injecting a Proxy-Authorization line,
// and parsing a response status line (spec.md §4.4.2, §4.4.5).
package httpframe

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/chainproxy/chainproxy/internal/proxyerr"
)

const (
	// HeaderLimit is the hard cap on accumulated header bytes before a
	// read is rejected as too large (spec.md §4.4.2).
	HeaderLimit = 64 * 1024
	// ChunkSize is the read buffer size used while accumulating a
	// header (spec.md §4.4.2).
	ChunkSize = 4 * 1024
	// headerTerminator is the four-byte sequence marking the end of an
	// HTTP header block.
	headerTerminator = "\r\n\r\n"
)

// DeadlineReader is the minimal surface ReadMessage needs: a byte
// source that supports per-read timeouts. net.Conn satisfies this.
type DeadlineReader interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// FindHeaderEnd returns the offset of the first occurrence of
// "\r\n\r\n" in buf, or -1 if absent (spec.md §8 invariant 6).
func FindHeaderEnd(buf []byte) int {
	return bytes.Index(buf, []byte(headerTerminator))
}

// ReadMessage accumulates bytes from r in chunks of up to ChunkSize
// until the header terminator appears, the buffer exceeds HeaderLimit,
// a chunk read times out, or EOF arrives first. On success it returns
// the header (including the terminator) and any trailing bytes read
// past it (the body prefix) — spec.md §4.4.2 and §8 invariant 6.
func ReadMessage(r DeadlineReader, timeout time.Duration, op string) (header, bodyPrefix []byte, err error) {
	buf := make([]byte, 0, ChunkSize)
	chunk := make([]byte, ChunkSize)

	for {
		if err := r.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, nil, proxyerr.New(proxyerr.TypeIO, op, "", "set read deadline", err)
		}

		n, readErr := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)

			if len(buf) > HeaderLimit {
				return nil, nil, proxyerr.New(proxyerr.TypeFraming, op, "", fmt.Sprintf("header exceeded %d bytes", HeaderLimit), nil)
			}

			if pos := FindHeaderEnd(buf); pos >= 0 {
				end := pos + len(headerTerminator)
				header = append([]byte(nil), buf[:end]...)
				bodyPrefix = append([]byte(nil), buf[end:]...)
				return header, bodyPrefix, nil
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				return nil, nil, proxyerr.New(proxyerr.TypeIO, op, "", "connection closed while reading message", readErr)
			}
			if proxyerr.IsTimeout(readErr) {
				return nil, nil, proxyerr.New(proxyerr.TypeTimeout, op, "", "timed out reading message", readErr)
			}
			return nil, nil, proxyerr.New(proxyerr.TypeIO, op, "", "read failed", readErr)
		}
	}
}

// IsConnect reports whether header's request line uses the CONNECT
// method (case-insensitive).
func IsConnect(header []byte) (bool, error) {
	line, err := requestLine(header)
	if err != nil {
		return false, err
	}
	method, _, _ := strings.Cut(line, " ")
	return strings.EqualFold(method, "CONNECT"), nil
}

func requestLine(header []byte) (string, error) {
	idx := bytes.IndexAny(header, "\r\n")
	if idx < 0 {
		return "", proxyerr.New(proxyerr.TypeProtocol, "parse-request-line", "", "header has no line terminator", nil)
	}
	return string(header[:idx]), nil
}

// BuildRequestHeader injects a "Proxy-Authorization: <auth>" line just
// before the blank-line terminator, unless a Proxy-Authorization header
// already exists (any case), in which case the header is returned
// unchanged (spec.md §4.4.5 step 2, §8 invariants 4 and 5). If auth is
// empty, original is returned unchanged.
func BuildRequestHeader(original []byte, auth string) ([]byte, error) {
	if auth == "" {
		return original, nil
	}
	if len(original) < len(headerTerminator) || string(original[len(original)-len(headerTerminator):]) != headerTerminator {
		return nil, proxyerr.New(proxyerr.TypeProtocol, "build-request-header", "", "malformed HTTP header: missing terminator", nil)
	}

	withoutBlank := original[:len(original)-len(headerTerminator)]
	for _, line := range bytes.Split(withoutBlank, []byte("\r\n")) {
		trimmed := strings.TrimSpace(string(line))
		if strings.HasPrefix(strings.ToLower(trimmed), "proxy-authorization:") {
			return original, nil
		}
	}

	const prefix = "Proxy-Authorization: "
	out := make([]byte, 0, len(original)+len(prefix)+len(auth)+2)
	out = append(out, withoutBlank...)
	out = append(out, "\r\n"...)
	out = append(out, prefix...)
	out = append(out, auth...)
	out = append(out, headerTerminator...)
	return out, nil
}

// ParseStatusCode extracts the numeric status code from an HTTP
// response's status line (spec.md §4.4.5 step 5).
func ParseStatusCode(header []byte) (int, error) {
	line, err := requestLine(header)
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, proxyerr.New(proxyerr.TypeProtocol, "parse-status", "", "status line missing status code: "+line, nil)
	}
	status, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, proxyerr.New(proxyerr.TypeProtocol, "parse-status", "", "invalid status code: "+fields[1], err)
	}
	return status, nil
}

// ServiceUnavailable is the bit-exact canned 503 response written
// whenever the session engine can't complete an attempt before
// splicing begins (spec.md §6).
var ServiceUnavailable = []byte("HTTP/1.1 503 Service Unavailable\r\n" +
	"Content-Length: 19\r\n" +
	"Content-Type: text/plain\r\n" +
	"Connection: close\r\n" +
	"\r\n" +
	"Service Unavailable")

// WriteServiceUnavailable writes the canned 503 response to w.
func WriteServiceUnavailable(w io.Writer) error {
	_, err := w.Write(ServiceUnavailable)
	return err
}

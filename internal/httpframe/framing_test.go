package httpframe

import (
	"bytes"
	"net"
	"strings"
	"testing"
	"time"
)

func TestFindHeaderEnd(t *testing.T) {
	// Invariant 6: find_header_end returns the offset of the first
	// occurrence; splitting at offset+4 yields (header, body_prefix)
	// with header ending in \r\n\r\n.
	buf := []byte("GET / HTTP/1.1\r\nHost: x\r\n\r\nbody-bytes-follow")
	pos := FindHeaderEnd(buf)
	if pos < 0 {
		t.Fatal("expected terminator to be found")
	}
	header := buf[:pos+4]
	body := buf[pos+4:]
	if !bytes.HasSuffix(header, []byte("\r\n\r\n")) {
		t.Errorf("header does not end in terminator: %q", header)
	}
	if string(body) != "body-bytes-follow" {
		t.Errorf("body = %q, want %q", body, "body-bytes-follow")
	}
}

func TestFindHeaderEndNotPresent(t *testing.T) {
	if pos := FindHeaderEnd([]byte("no terminator here")); pos != -1 {
		t.Errorf("expected -1, got %d", pos)
	}
}

func TestBuildRequestHeaderIdempotent(t *testing.T) {
	// Invariant 4: header with an existing Proxy-Authorization line is
	// returned unchanged regardless of case.
	for _, existing := range []string{"Proxy-Authorization", "proxy-authorization", "PROXY-AUTHORIZATION"} {
		h := []byte("GET / HTTP/1.1\r\nHost: x\r\n" + existing + ": Basic XXXX\r\n\r\n")
		got, err := BuildRequestHeader(h, "Basic dTpw")
		if err != nil {
			t.Fatalf("BuildRequestHeader error: %v", err)
		}
		if !bytes.Equal(got, h) {
			t.Errorf("header with existing %s line was modified:\ngot:  %q\nwant: %q", existing, got, h)
		}
	}
}

func TestBuildRequestHeaderInjectsAuth(t *testing.T) {
	// Invariant 5: rewritten header (a) still ends in \r\n\r\n, (b)
	// contains exactly one Proxy-Authorization line, (c) preserves
	// every pre-existing header line byte-for-byte.
	h := []byte("GET http://target/ HTTP/1.1\r\nHost: target\r\n\r\n")
	got, err := BuildRequestHeader(h, "Basic dTpw")
	if err != nil {
		t.Fatalf("BuildRequestHeader error: %v", err)
	}
	if !bytes.HasSuffix(got, []byte("\r\n\r\n")) {
		t.Errorf("result does not end in terminator: %q", got)
	}
	count := strings.Count(strings.ToLower(string(got)), "proxy-authorization:")
	if count != 1 {
		t.Errorf("expected exactly one Proxy-Authorization line, found %d in %q", count, got)
	}
	want := "GET http://target/ HTTP/1.1\r\nHost: target\r\nProxy-Authorization: Basic dTpw\r\n\r\n"
	if string(got) != want {
		t.Errorf("got:\n%q\nwant:\n%q", got, want)
	}
	for _, line := range []string{"GET http://target/ HTTP/1.1", "Host: target"} {
		if !strings.Contains(string(got), line) {
			t.Errorf("missing pre-existing line %q", line)
		}
	}
}

func TestBuildRequestHeaderNoAuthUnchanged(t *testing.T) {
	h := []byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	got, err := BuildRequestHeader(h, "")
	if err != nil {
		t.Fatalf("BuildRequestHeader error: %v", err)
	}
	if !bytes.Equal(got, h) {
		t.Error("header should be unchanged when no auth is supplied")
	}
}

func TestBuildRequestHeaderMalformed(t *testing.T) {
	if _, err := BuildRequestHeader([]byte("no terminator"), "Basic x"); err == nil {
		t.Error("expected error for header without terminator")
	}
}

func TestParseStatusCode(t *testing.T) {
	tests := []struct {
		line    string
		want    int
		wantErr bool
	}{
		{"HTTP/1.1 200 OK\r\n\r\n", 200, false},
		{"HTTP/1.1 407 Proxy Authentication Required\r\n\r\n", 407, false},
		{"garbage\r\n\r\n", 0, true},
		{"HTTP/1.1 notanumber\r\n\r\n", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseStatusCode([]byte(tt.line))
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseStatusCode(%q) error = %v, wantErr %v", tt.line, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("ParseStatusCode(%q) = %d, want %d", tt.line, got, tt.want)
		}
	}
}

func TestIsConnect(t *testing.T) {
	tests := []struct {
		header string
		want   bool
	}{
		{"CONNECT example.com:443 HTTP/1.1\r\n\r\n", true},
		{"connect example.com:443 HTTP/1.1\r\n\r\n", true},
		{"GET / HTTP/1.1\r\n\r\n", false},
	}
	for _, tt := range tests {
		got, err := IsConnect([]byte(tt.header))
		if err != nil {
			t.Fatalf("IsConnect error: %v", err)
		}
		if got != tt.want {
			t.Errorf("IsConnect(%q) = %v, want %v", tt.header, got, tt.want)
		}
	}
}

func TestReadMessageSplitsHeaderAndBodyPrefix(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go func() {
		clientConn.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\nBODY"))
	}()

	header, body, err := ReadMessage(serverConn, time.Second, "test-read")
	if err != nil {
		t.Fatalf("ReadMessage error: %v", err)
	}
	if string(header) != "GET / HTTP/1.1\r\nHost: x\r\n\r\n" {
		t.Errorf("header = %q", header)
	}
	if string(body) != "BODY" {
		t.Errorf("body = %q", body)
	}
}

func TestReadMessageTooLarge(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go func() {
		big := bytes.Repeat([]byte("A"), HeaderLimit+1)
		clientConn.Write(big)
	}()

	_, _, err := ReadMessage(serverConn, time.Second, "test-read")
	if err == nil {
		t.Fatal("expected an error for oversized header")
	}
}

func TestReadMessageTimeout(t *testing.T) {
	_, serverConn := net.Pipe()
	defer serverConn.Close()

	_, _, err := ReadMessage(serverConn, 20*time.Millisecond, "test-read")
	if err == nil {
		t.Fatal("expected a timeout error")
	}
}

func TestWriteServiceUnavailable(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteServiceUnavailable(&buf); err != nil {
		t.Fatalf("WriteServiceUnavailable error: %v", err)
	}
	want := "HTTP/1.1 503 Service Unavailable\r\nContent-Length: 19\r\nContent-Type: text/plain\r\nConnection: close\r\n\r\nService Unavailable"
	if buf.String() != want {
		t.Errorf("got:\n%q\nwant:\n%q", buf.String(), want)
	}
}

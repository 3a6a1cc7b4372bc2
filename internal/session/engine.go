// Package session implements the per-connection proxy engine: the
// state machine that reads an initial HTTP proxy request, selects an
// upstream from the shared backend pool, retries across peers on
// failure, and either tunnels bytes bidirectionally (CONNECT) or
// forwards the response and splices streams (spec.md §4.4).
package session

import (
	"context"
	"encoding/base64"
	"io"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/chainproxy/chainproxy/internal/backend"
	"github.com/chainproxy/chainproxy/internal/httpframe"
	"github.com/chainproxy/chainproxy/internal/logging"
	"github.com/chainproxy/chainproxy/internal/metrics"
	"github.com/chainproxy/chainproxy/internal/proxyerr"
	"github.com/chainproxy/chainproxy/internal/tlsdial"
)

const (
	// maxIterations is a hard safety cap on the selection/retry loop,
	// independent of registry size (spec.md §4.4.4, §9 OQ2 — preserved
	// verbatim even though a registry larger than this would make the
	// cap bind before the attempted-set does).
	maxIterations = 256
	// headerTimeout bounds every header read, downstream and upstream
	// (spec.md §4.4.2, §4.4.5 step 4, §5).
	headerTimeout = 30 * time.Second
	// defaultDialTimeout is the one caller-configurable knob added for
	// §9 OQ3 ("no timeout on upstream connect() beyond what the
	// transport layer provides... consider adding one").
	defaultDialTimeout = 10 * time.Second
)

// logModule is the logging.Logger module name used for every log line
// this package emits.
const logModule = "session"

// ShuttingDown reports whether the process is shutting down; new
// sessions are rejected at entry when it returns true (spec.md §4.4.1,
// §5 Cancellation). A plain func rather than a channel so callers can
// back it with an atomic.Bool, a context, or anything else.
type ShuttingDown func() bool

// Engine is shared by every session on a listener; one call to Handle
// per accepted client connection (spec.md §4.4).
type Engine struct {
	Registry *backend.Registry
	Selector *backend.Selector
	Bans     *backend.BanSet
	Log      *logging.Logger
	Metrics  *metrics.Collector

	// DialTimeout bounds connecting to a single backend. Zero means
	// defaultDialTimeout.
	DialTimeout time.Duration
}

func (e *Engine) dialTimeout() time.Duration {
	if e.DialTimeout > 0 {
		return e.DialTimeout
	}
	return defaultDialTimeout
}

// initialRequest is the parsed first request read from the client
// (spec.md §3 Session state).
type initialRequest struct {
	header     []byte
	bodyPrefix []byte
	isConnect  bool
}

// outcomeKind classifies a single attempt (spec.md §4.4.4 step 5).
type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeRetry
	outcomeError
)

type attemptOutcome struct {
	kind       outcomeKind
	upstream   net.Conn
	respHeader []byte
	respBody   []byte
	status     int
	err        error
}

// Handle drives one client connection through the full state machine:
// READ_REQ -> SELECT -> ATTEMPT -> SPLICE -> DONE, with FAIL_503 and
// ABORT as the other terminal states (spec.md §4.4.7). It always
// closes downstream before returning.
func (e *Engine) Handle(ctx context.Context, downstream net.Conn, shuttingDown ShuttingDown) {
	sessionID := uuid.NewString()
	defer downstream.Close()

	if shuttingDown != nil && shuttingDown() {
		e.Log.Debugf(logModule, "session=%s shutdown in progress, rejecting new connection", sessionID)
		return
	}

	e.Metrics.SessionsStarted.Inc()
	e.Metrics.ActiveSessions.Inc()
	defer e.Metrics.ActiveSessions.Dec()

	initial, err := e.readInitialRequest(downstream)
	if err != nil {
		e.Log.Debugf(logModule, "session=%s failed to read downstream request: %v", sessionID, err)
		e.Metrics.SessionsFailed.Inc()
		return
	}

	if e.Registry.Empty() {
		e.Log.Debugf(logModule, "session=%s backend registry empty, returning 503", sessionID)
		httpframe.WriteServiceUnavailable(downstream)
		e.Metrics.SessionsFailed.Inc()
		return
	}

	if !e.selectAndAttempt(ctx, downstream, initial, sessionID) {
		e.Metrics.SessionsFailed.Inc()
	}
}

func (e *Engine) readInitialRequest(downstream net.Conn) (initialRequest, error) {
	header, bodyPrefix, err := httpframe.ReadMessage(downstream, headerTimeout, "read-downstream-header")
	if err != nil {
		return initialRequest{}, err
	}
	isConnect, err := httpframe.IsConnect(header)
	if err != nil {
		return initialRequest{}, err
	}
	return initialRequest{header: header, bodyPrefix: bodyPrefix, isConnect: isConnect}, nil
}

// selectAndAttempt runs the selection/retry loop (spec.md §4.4.4) and
// returns true once an attempt succeeded and was committed; commit can
// still stop before splicing if forwarding the response fails.
func (e *Engine) selectAndAttempt(ctx context.Context, downstream net.Conn, initial initialRequest, sessionID string) bool {
	attempted := make(map[string]struct{})
	var lastErr error

	for i := 0; i < maxIterations; i++ {
		if len(attempted) >= e.Registry.Len() {
			break
		}

		b, ok := e.Selector.Select()
		if !ok {
			break
		}

		if e.Bans.Contains(b.Address) {
			attempted[b.Address] = struct{}{}
			continue
		}
		if _, tried := attempted[b.Address]; tried {
			continue
		}
		attempted[b.Address] = struct{}{}

		outcome := e.attemptOnce(ctx, b, initial, sessionID)
		switch outcome.kind {
		case outcomeSuccess:
			e.commit(downstream, outcome, initial, b, sessionID)
			return true
		case outcomeRetry:
			e.Log.Debugf(logModule, "session=%s backend=%s status=%d banned, retrying", sessionID, b.Address, outcome.status)
			continue
		case outcomeError:
			lastErr = outcome.err
			e.Log.Debugf(logModule, "session=%s backend=%s attempt failed: %v", sessionID, b.Address, outcome.err)
			continue
		}
	}

	httpframe.WriteServiceUnavailable(downstream)
	if lastErr != nil {
		e.Log.Infof(logModule, "session=%s all attempts failed, last error: %v", sessionID, lastErr)
	} else {
		e.Log.Infof(logModule, "session=%s no healthy proxies available", sessionID)
	}
	return false
}

// attemptOnce performs exactly one connect-send-read cycle against a
// single backend (spec.md §4.4.5).
func (e *Engine) attemptOnce(ctx context.Context, b backend.Descriptor, initial initialRequest, sessionID string) attemptOutcome {
	upstream, err := dial(ctx, b, e.dialTimeout())
	if err != nil {
		return attemptOutcome{kind: outcomeError, err: err}
	}

	authHeader := ""
	if b.HasCredentials() {
		authHeader = "Basic " + base64.StdEncoding.EncodeToString([]byte(b.Username+":"+b.Password))
	}

	rewritten, err := httpframe.BuildRequestHeader(initial.header, authHeader)
	if err != nil {
		upstream.Close()
		return attemptOutcome{kind: outcomeError, err: err}
	}

	e.Log.Debugf(logModule, "session=%s backend=%s request header: %q", sessionID, b.Address, rewritten)

	if _, err := upstream.Write(rewritten); err != nil {
		upstream.Close()
		return attemptOutcome{kind: outcomeError, err: proxyerr.New(proxyerr.TypeIO, "send-request-header", b.Address, "failed to send request header", err)}
	}
	if len(initial.bodyPrefix) > 0 {
		if _, err := upstream.Write(initial.bodyPrefix); err != nil {
			upstream.Close()
			return attemptOutcome{kind: outcomeError, err: proxyerr.New(proxyerr.TypeIO, "send-request-body-prefix", b.Address, "failed to send request body prefix", err)}
		}
	}

	respHeader, respBody, err := httpframe.ReadMessage(upstream, headerTimeout, "read-upstream-header")
	if err != nil {
		upstream.Close()
		return attemptOutcome{kind: outcomeError, err: err}
	}

	status, err := httpframe.ParseStatusCode(respHeader)
	if err != nil {
		upstream.Close()
		return attemptOutcome{kind: outcomeError, err: err}
	}

	if proxyerr.IsBanWorthy(status) {
		e.ban(b.Address)
		upstream.Close()
		return attemptOutcome{kind: outcomeRetry, status: status}
	}

	return attemptOutcome{kind: outcomeSuccess, upstream: upstream, respHeader: respHeader, respBody: respBody, status: status}
}

func (e *Engine) ban(addr string) {
	e.Bans.Insert(addr)
	e.Metrics.BackendsBanned.Inc()
	e.Log.Debugf(logModule, "backend=%s banned, ban set size now %d", addr, e.Bans.Size())
}

// commit forwards the response header and splices the two sockets
// together (spec.md §4.4.6).
func (e *Engine) commit(downstream net.Conn, outcome attemptOutcome, initial initialRequest, b backend.Descriptor, sessionID string) {
	upstream := outcome.upstream
	defer upstream.Close()

	if _, err := downstream.Write(outcome.respHeader); err != nil {
		e.Log.Debugf(logModule, "session=%s failed to forward response header: %v", sessionID, err)
		return
	}
	if len(outcome.respBody) > 0 {
		if _, err := downstream.Write(outcome.respBody); err != nil {
			e.Log.Debugf(logModule, "session=%s failed to forward response body prefix: %v", sessionID, err)
			return
		}
	}

	// Defensive re-check: this can only trigger if a ban-worthy status
	// leaked past attemptOnce's own check (spec.md §4.4.6 step 2).
	if proxyerr.IsBanWorthy(outcome.status) {
		e.ban(b.Address)
		e.Log.Debugf(logModule, "session=%s status=%d leaked past attempt classification, banning without splice", sessionID, outcome.status)
		return
	}

	if initial.isConnect {
		e.Log.Debugf(logModule, "session=%s CONNECT tunnel established via %s", sessionID, b.Address)
	} else {
		e.Log.Debugf(logModule, "session=%s forwarded response from %s status=%d", sessionID, b.Address, outcome.status)
	}

	e.Metrics.SessionsSpliced.Inc()
	n := splice(downstream, upstream)
	e.Metrics.BytesSpliced.Add(float64(n))
}

// splice copies bytes bidirectionally between a and b until either
// direction errors or reaches EOF (spec.md §4.4.6 step 3, §5). Returns
// the total bytes copied in both directions.
func splice(a, b net.Conn) int64 {
	var total int64
	done := make(chan int64, 2)

	cp := func(dst, src net.Conn) {
		n, _ := io.Copy(dst, src)
		done <- n
	}

	go cp(a, b)
	go cp(b, a)

	total += <-done
	// One direction ending (EOF or error) is enough to consider the
	// splice finished; close both ends to unblock the other copy.
	a.Close()
	b.Close()
	total += <-done
	return total
}

// dial opens the attempt's upstream connection, using the backend's
// host as the TLS ServerName for https peers (spec.md §4.4.5 step 1).
func dial(ctx context.Context, b backend.Descriptor, timeout time.Duration) (net.Conn, error) {
	return tlsdial.Dial(ctx, b.Address, b.Scheme, b.Host, timeout)
}

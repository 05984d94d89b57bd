// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"

	"github.com/mcpstudio/engine/internal/jsonrpc2"
)

// HTTPTransport is a request-stream pair transport (spec.md §4.A): the
// client POSTs JSON-RPC frames, and the server pushes responses and
// server-initiated requests as SSE events over a persistent hanging GET
// bound by the Mcp-Session-Id header.
type HTTPTransport struct {
	URL string

	// HTTPClient is the client used for requests; a nil client selects
	// http.DefaultClient.
	HTTPClient *http.Client

	// Header carries additional headers sent with every request.
	Header http.Header

	// TokenSource, if set, supplies a bearer token applied to every request
	// (an oauth2.TokenSource, so the caller may plug in any OAuth2 flow
	// without this transport knowing the mechanism).
	TokenSource oauth2.TokenSource

	// MaxRetries bounds retries of a POST or hanging-GET attempt for
	// transient errors; 0 disables retries.
	MaxRetries int

	// InitialBackoff is the base retry delay; 0 selects 1s.
	InitialBackoff time.Duration
}

func (t *HTTPTransport) Connect(ctx context.Context) (jsonrpc2.Framer, error) {
	client := t.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	backoff := t.InitialBackoff
	if backoff == 0 {
		backoff = time.Second
	}
	c := &httpSSEFramer{
		url:            t.URL,
		client:         client,
		header:         t.Header,
		tokenSource:    t.TokenSource,
		incoming:       make(chan []byte, 100),
		done:           make(chan struct{}),
		pendingFrames:  make(chan *jsonrpc2.Frame, 100),
		maxRetries:     t.MaxRetries,
		initialBackoff: backoff,
		randSource:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	c.sessionID.Store("")

	go c.startFrameWriter()
	go c.startEventStreamReceiver()

	return c, nil
}

// httpSSEFramer implements jsonrpc2.Framer over the streamable HTTP
// transport (client side): POST to send, a resumable hanging GET to
// receive, keyed by Mcp-Session-Id with Last-Event-ID replay.
type httpSSEFramer struct {
	url         string
	client      *http.Client
	header      http.Header
	tokenSource oauth2.TokenSource

	sessionID atomic.Value

	incoming chan []byte
	done     chan struct{}

	closeOnce sync.Once
	closeErr  error

	mu          sync.Mutex
	lastEventID string
	err         error

	pendingFrames chan *jsonrpc2.Frame

	maxRetries     int
	initialBackoff time.Duration
	randSource     *rand.Rand

	cancelHangingGet context.CancelFunc
}

func (f *httpSSEFramer) Recv(ctx context.Context) (*jsonrpc2.Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.err != nil {
			return nil, f.err
		}
		return nil, io.EOF
	case data := <-f.incoming:
		return jsonrpc2.DecodeMessage(data)
	}
}

func (f *httpSSEFramer) Send(ctx context.Context, frame *jsonrpc2.Frame) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.err != nil {
			return f.err
		}
		return io.EOF
	case f.pendingFrames <- frame:
		return nil
	}
}

func (f *httpSSEFramer) startFrameWriter() {
	for {
		select {
		case <-f.done:
			return
		case frame := <-f.pendingFrames:
			ctx, cancel := context.WithCancel(context.Background())
			go func(frame *jsonrpc2.Frame) {
				defer cancel()
				currentSessionID := f.sessionID.Load().(string)
				var lastErr error
				for i := 0; i <= f.maxRetries; i++ {
					select {
					case <-f.done:
						return
					case <-ctx.Done():
						return
					default:
					}
					gotSessionID, err := f.postFrame(ctx, currentSessionID, frame)
					if err == nil {
						if currentSessionID == "" && gotSessionID != "" {
							f.sessionID.Store(gotSessionID)
						}
						return
					}
					lastErr = err
					if !isRetryableHTTP(err) || i == f.maxRetries {
						break
					}
					f.sleepBackoff(ctx, i)
				}
				f.mu.Lock()
				f.err = fmt.Errorf("POST failed after %d retries: %w", f.maxRetries, lastErr)
				f.mu.Unlock()
				f.Close()
			}(frame)
		}
	}
}

func (f *httpSSEFramer) sleepBackoff(ctx context.Context, attempt int) {
	d := f.initialBackoff * time.Duration(1<<uint(attempt))
	jitter := time.Duration(f.randSource.Int63n(int64(d/2) + 1))
	select {
	case <-ctx.Done():
	case <-time.After(d + jitter):
	}
}

func (f *httpSSEFramer) applyAuth(ctx context.Context, req *http.Request) error {
	if f.tokenSource == nil {
		return nil
	}
	tok, err := f.tokenSource.Token()
	if err != nil {
		return fmt.Errorf("fetching oauth2 token: %w", err)
	}
	tok.SetAuthHeader(req)
	return nil
}

func (f *httpSSEFramer) postFrame(ctx context.Context, currentSessionID string, frame *jsonrpc2.Frame) (string, error) {
	data, err := jsonrpc2.EncodeMessage(frame)
	if err != nil {
		return "", fmt.Errorf("encoding frame: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("building POST: %w", err)
	}
	for k, vs := range f.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if currentSessionID != "" {
		req.Header.Set("Mcp-Session-Id", currentSessionID)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if err := f.applyAuth(ctx, req); err != nil {
		return "", err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("POST request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return "", &httpStatusError{StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}

	newSessionID := resp.Header.Get("Mcp-Session-Id")
	if newSessionID == "" {
		newSessionID = currentSessionID
	}
	if resp.Header.Get("Content-Type") == "text/event-stream" {
		go f.handleSSE(resp)
	} else {
		resp.Body.Close()
	}
	return newSessionID, nil
}

func (f *httpSSEFramer) startEventStreamReceiver() {
	backoff := f.initialBackoff
	retries := 0

	for {
		select {
		case <-f.done:
			return
		default:
		}

		sessionID := f.sessionID.Load().(string)
		if sessionID == "" {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		f.mu.Lock()
		f.cancelHangingGet = cancel
		lastEventID := f.lastEventID
		f.mu.Unlock()

		err := f.performHangingGet(ctx, sessionID, lastEventID)

		f.mu.Lock()
		f.cancelHangingGet = nil
		f.mu.Unlock()
		cancel()

		if err == nil {
			retries = 0
			backoff = f.initialBackoff
			continue
		}

		if retries >= f.maxRetries {
			f.mu.Lock()
			f.err = fmt.Errorf("SSE stream failed after %d retries: %w", f.maxRetries, err)
			f.mu.Unlock()
			f.Close()
			return
		}
		delay := backoff + time.Duration(f.randSource.Int63n(int64(backoff/2)+1))
		select {
		case <-f.done:
			return
		case <-time.After(delay):
			retries++
			backoff *= 2
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
		}
	}
}

func (f *httpSSEFramer) performHangingGet(ctx context.Context, sessionID, lastEventID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return fmt.Errorf("building GET: %w", err)
	}
	req.Header.Set("Mcp-Session-Id", sessionID)
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	if err := f.applyAuth(ctx, req); err != nil {
		return err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return &httpStatusError{StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}
	return f.handleSSE(resp)
}

func (f *httpSSEFramer) handleSSE(resp *http.Response) error {
	defer resp.Body.Close()
	for evt, err := range scanEvents(resp.Body) {
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("scanning SSE stream: %w", err)
		}
		if evt.id != "" {
			f.mu.Lock()
			f.lastEventID = evt.id
			f.mu.Unlock()
		}
		select {
		case f.incoming <- evt.data:
		case <-f.done:
			return io.EOF
		}
	}
	return nil
}

func (f *httpSSEFramer) Close() error {
	f.closeOnce.Do(func() {
		close(f.done)
		f.mu.Lock()
		if f.cancelHangingGet != nil {
			f.cancelHangingGet()
		}
		f.mu.Unlock()

		sessionID := f.sessionID.Load().(string)
		if sessionID != "" {
			req, err := http.NewRequest(http.MethodDelete, f.url, nil)
			if err != nil {
				f.closeErr = fmt.Errorf("building DELETE: %w", err)
			} else {
				req.Header.Set("Mcp-Session-Id", sessionID)
				if _, err := f.client.Do(req); err != nil {
					f.closeErr = fmt.Errorf("terminating session: %w", err)
				}
			}
		}
	})
	return f.closeErr
}

// httpStatusError wraps a non-2xx HTTP response for retry classification.
type httpStatusError struct {
	StatusCode int
	Err        error
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("HTTP status %d: %v", e.StatusCode, e.Err)
}

func (e *httpStatusError) Unwrap() error { return e.Err }

func isRetryableHTTP(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *httpStatusError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests,
			http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		default:
			return false
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

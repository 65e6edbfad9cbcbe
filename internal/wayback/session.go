package wayback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Version is the module version reported in the default user agent string.
const Version = "0.1.0"

// DefaultUserAgent is used when a Session isn't given an explicit one.
var DefaultUserAgent = fmt.Sprintf("edgi.web_monitoring.WaybackClient/%s", Version)

// retryableStatuses is the set of HTTP statuses worth retrying, per spec:
// Wayback sometimes produces these transiently even though they'd be odd to
// retry in most other contexts.
var retryableStatuses = map[int]bool{
	413: true, 421: true, 429: true,
	500: true, 502: true, 503: true, 504: true, 599: true,
}

// Response is a lightweight, owned snapshot of an HTTP response: it never
// carries a live network connection, so it's safe to stash in a history
// slice without holding a body or socket open. This is the "duck-typed
// response interface" spec.md asks for: do-request returns one of these,
// with Next populated only when the server asked for a redirect and
// automatic redirect-following was disabled.
type Response struct {
	StatusCode int
	URL        *url.URL
	Next       *url.URL // Location target, if this was a 3xx and redirects are disabled
	Header     http.Header
	Body       []byte
	Encoding   string
}

// HasMementoDatetime reports whether this response carries a
// Memento-Datetime header, marking it as an archived capture rather than a
// transport-level response from the Wayback Machine itself.
func (r *Response) HasMementoDatetime() bool {
	return r.Header.Get("Memento-Datetime") != ""
}

// OK reports whether the status code is in the 2xx range.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Session is a resilient HTTP session: a retry/backoff policy with
// classification of retryable transport errors and retryable status codes,
// wrapping a shared, connection-pooling *http.Client.
type Session struct {
	Retries   int
	Backoff   time.Duration
	Timeout   time.Duration // 0 means no explicit timeout
	UserAgent string

	client *http.Client
}

// NewSession constructs a resilient session. retries is the number of
// retries beyond the first attempt (so retries+1 total attempts); backoff is
// the base used to compute "backoff * 2^(k-1)" delays between attempts.
func NewSession(retries int, backoff time.Duration, timeout time.Duration, userAgent string) *Session {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &Session{
		Retries:   retries,
		Backoff:   backoff,
		Timeout:   timeout,
		UserAgent: userAgent,
		client: &http.Client{
			// Redirects are resolved by callers (C5's state machine), never
			// automatically: the duck-typed Response.Next field is how a
			// caller is told a redirect was offered.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
			Transport: &http.Transport{
				MaxIdleConns:        200,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Send issues req, retrying per the resilient-session policy described in
// spec.md §4.2. The first retry is immediate; subsequent retries sleep
// backoff*2^(k-1) seconds. allowRedirects controls whether a 3xx response is
// returned with Next populated (false) or followed transparently by the
// underlying client (true) — C5 always passes false so it can implement its
// own redirect state machine.
func (s *Session) Send(ctx context.Context, method, rawURL string, allowRedirects bool) (*Response, error) {
	attemptTimeout := s.Timeout

	var (
		attempt int
		start   = time.Now()
	)
	for {
		reqCtx := ctx
		var cancel context.CancelFunc
		if attemptTimeout > 0 {
			reqCtx, cancel = context.WithTimeout(ctx, attemptTimeout)
		}
		req, err := http.NewRequestWithContext(reqCtx, method, rawURL, nil)
		if err != nil {
			if cancel != nil {
				cancel()
			}
			return nil, err
		}
		req.Header.Set("User-Agent", s.UserAgent)

		client := s.client
		if allowRedirects {
			// Build a one-off client sharing the transport but following
			// redirects normally, for callers that don't need the manual
			// redirect state machine (e.g. CDX queries).
			c := *s.client
			c.CheckRedirect = nil
			client = &c
		}

		resp, sendErr := client.Do(req)

		if sendErr == nil {
			result, readErr := readResponse(resp)
			if cancel != nil {
				// The body has been fully read; release the per-attempt
				// timeout now instead of letting cancels pile up across
				// retries.
				cancel()
			}
			if readErr != nil {
				sendErr = readErr
			} else if attempt >= s.Retries || !s.shouldRetry(result) {
				return result, nil
			}
		} else if cancel != nil {
			cancel()
		}

		if sendErr != nil {
			if !s.shouldRetryError(sendErr) {
				return nil, sendErr
			}
			if attempt >= s.Retries {
				return nil, &RetryExhaustedError{Attempts: attempt + 1, Elapsed: time.Since(start), Cause: sendErr}
			}
		}

		if attempt > 0 {
			delay := s.Backoff * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		attempt++
	}
}

func readResponse(resp *http.Response) (*Response, error) {
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	result := &Response{
		StatusCode: resp.StatusCode,
		URL:        resp.Request.URL,
		Header:     resp.Header,
		Body:       body,
		Encoding:   charsetOf(resp.Header.Get("Content-Type")),
	}

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		if loc := resp.Header.Get("Location"); loc != "" {
			next, err := resp.Request.URL.Parse(loc)
			if err == nil {
				result.Next = next
			}
		}
	}

	return result, nil
}

// charsetOf extracts the charset parameter from a Content-Type header value,
// mirroring what Python requests exposes as Response.encoding.
func charsetOf(contentType string) string {
	if contentType == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return params["charset"]
}

// shouldRetry reports whether a completed response warrants a retry. A
// memento is never retried on a retryable status: the error was the
// captured page, not a transport problem.
func (s *Session) shouldRetry(r *Response) bool {
	if r.HasMementoDatetime() {
		return false
	}
	return retryableStatuses[r.StatusCode]
}

// shouldRetryError classifies a transport error as retryable. This mirrors
// spec.md's "retryable transport errors" (connect-timeout, pool-exhausted,
// read-timeout, proxy error, generic retry error, timeout) union "generic
// connection errors", expressed in terms of Go's net/http error shapes
// rather than a Python requests/urllib3 vocabulary.
func (s *Session) shouldRetryError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		// Dial failures (connection refused, no route, DNS) and read/write
		// failures on an established connection both count as handleable
		// connection errors.
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return false
}

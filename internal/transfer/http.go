package transfer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"time"

	"transferengine/internal/taskstore"
)

// ErrLinkExpired signals a 403 response, which the donor treated as a
// distinct fault from a generic HTTP error because it means retrying the
// same URL will never succeed without a fresh one from the client.
var ErrLinkExpired = errors.New("link expired or forbidden")

// ErrRedirectBlocked signals a 3xx response returned as-is because the
// task's redirect option is disabled, per §4.4's redirect policy.
var ErrRedirectBlocked = errors.New("redirect blocked by task policy")

const maxRedirects = 10

type redirectPolicyKey struct{}

// withRedirectPolicy attaches a task's per-request redirect-enabled option
// to ctx so the shared client's CheckRedirect hook can honor it without
// needing a client per task.
func withRedirectPolicy(ctx context.Context, enabled bool) context.Context {
	return context.WithValue(ctx, redirectPolicyKey{}, enabled)
}

// redirectPolicyFrom reports the redirect-enabled option threaded through
// ctx, defaulting to enabled for call sites (e.g. tests) that never set one.
func redirectPolicyFrom(ctx context.Context) bool {
	if v, ok := ctx.Value(redirectPolicyKey{}).(bool); ok {
		return v
	}
	return true
}

// newHTTPClient builds the shared client used for every transfer. A
// CheckRedirect hook enforces §4.4's redirect policy: when the task disabled
// redirects it stops immediately via ErrUseLastResponse so the caller sees
// the bare 3xx response and can report Reason Redirect; otherwise it follows
// up to the fixed cap.
func newHTTPClient(connectTimeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: 0, // overall timeout is managed per-request via context
		Transport: &http.Transport{
			TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
			DialContext:         nil,
			TLSHandshakeTimeout: connectTimeout,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if !redirectPolicyFrom(req.Context()) {
				return http.ErrUseLastResponse
			}
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
}

// newRequest builds an *http.Request applying the task's configured
// headers in order; userAgent falls back to a default when cfg carries none.
func newRequest(ctx context.Context, method, url string, headers taskstore.HeaderMap, userAgent string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	for name, values := range headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		ua := userAgent
		if ua == "" {
			ua = "transferengine/1.0"
		}
		req.Header.Set("User-Agent", ua)
	}
	return req, nil
}

// ProbeResult is what a HEAD-less range probe (Range: bytes=0-0) tells us
// about a resource before the real transfer starts.
type ProbeResult struct {
	SupportsRanges bool
	TotalSize      int64
	ETag           string
	LastModified   string
	StatusCode     int
}

// ProbeURL issues a minimal ranged GET to discover whether the server
// supports byte ranges and how large the resource is, without downloading
// the whole body.
func ProbeURL(ctx context.Context, client *http.Client, url string, headers taskstore.HeaderMap, userAgent string) (*ProbeResult, error) {
	req, err := newRequest(ctx, http.MethodGet, url, headers, userAgent)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err := client.Do(req)
	if err != nil {
		return nil, friendlyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return nil, ErrLinkExpired
	}
	if resp.StatusCode >= 300 && resp.StatusCode < 400 && !redirectPolicyFrom(ctx) {
		return nil, ErrRedirectBlocked
	}

	result := &ProbeResult{
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		StatusCode:   resp.StatusCode,
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		result.SupportsRanges = true
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			var total int64
			fmt.Sscanf(cr, "bytes 0-0/%d", &total)
			result.TotalSize = total
		}
	case http.StatusOK:
		result.SupportsRanges = resp.Header.Get("Accept-Ranges") == "bytes"
		result.TotalSize = resp.ContentLength
	default:
		return result, fmt.Errorf("unexpected probe status: %d", resp.StatusCode)
	}

	return result, nil
}

func friendlyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: timed out", err)
	}
	return err
}

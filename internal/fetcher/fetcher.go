// Package fetcher retrieves remote resources as text. Playlist and guide
// hosts in the wild frequently sit behind strict or missing CORS headers and
// flaky CDNs, so a fetch walks an ordered chain of transport strategies and
// returns the first non-empty body.
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/voyagen/streamvault/internal/metrics"
)

// ErrNetwork is returned when every transport strategy failed.
var ErrNetwork = errors.New("all transport strategies failed")

// maxBodySize caps response bodies; guide feeds can be large but a text
// resource past this size is junk.
const maxBodySize = 64 * 1024 * 1024

// Fetcher fetches text over an ordered strategy chain:
//  1. direct GET of the URL
//  2. GET through a scheme-stripping passthrough proxy
//  3. GET through a CORS relay that wraps the body in a JSON envelope
//
// Proxy URLs are configuration; either may be empty, which skips that tier.
type Fetcher struct {
	client    *http.Client
	userAgent string
	proxyURL  string // passthrough proxy base, target appended without scheme
	relayURL  string // CORS relay base, target appended URL-escaped
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithUserAgent sets the User-Agent header sent on every request.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) { f.userAgent = ua }
}

// WithProxies sets the passthrough proxy and CORS relay base URLs.
func WithProxies(proxyURL, relayURL string) Option {
	return func(f *Fetcher) {
		f.proxyURL = proxyURL
		f.relayURL = relayURL
	}
}

// WithClient replaces the HTTP client (tests).
func WithClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// New creates a Fetcher with the given request timeout.
func New(timeout time.Duration, opts ...Option) *Fetcher {
	f := &Fetcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: "StreamVault/1.0",
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// FetchText fetches rawURL as text, trying each strategy in order until one
// yields a non-error, non-empty body. Each strategy's failure is swallowed;
// when the whole chain fails the error wraps ErrNetwork. The fetcher never
// retries over time and never caches.
func (f *Fetcher) FetchText(ctx context.Context, rawURL string) (string, error) {
	var lastErr error
	for _, s := range f.strategies(rawURL) {
		body, err := s.fetch(ctx)
		if err != nil {
			metrics.FetchAttempts.WithLabelValues(s.name, "error").Inc()
			lastErr = err
			continue
		}
		if strings.TrimSpace(body) == "" {
			metrics.FetchAttempts.WithLabelValues(s.name, "empty").Inc()
			lastErr = fmt.Errorf("%s: empty body", s.name)
			continue
		}
		metrics.FetchAttempts.WithLabelValues(s.name, "ok").Inc()
		return body, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no transport strategies configured")
	}
	return "", fmt.Errorf("%w: %s: %v", ErrNetwork, rawURL, lastErr)
}

type strategy struct {
	name  string
	fetch func(ctx context.Context) (string, error)
}

func (f *Fetcher) strategies(rawURL string) []strategy {
	out := []strategy{{
		name:  "direct",
		fetch: func(ctx context.Context) (string, error) { return f.get(ctx, rawURL) },
	}}
	if f.proxyURL != "" {
		target := f.proxyURL + stripScheme(rawURL)
		out = append(out, strategy{
			name:  "proxy",
			fetch: func(ctx context.Context) (string, error) { return f.get(ctx, target) },
		})
	}
	if f.relayURL != "" {
		target := f.relayURL + url.QueryEscape(rawURL)
		out = append(out, strategy{
			name:  "relay",
			fetch: func(ctx context.Context) (string, error) { return f.getEnvelope(ctx, target) },
		})
	}
	return out
}

// get performs a plain GET and returns the body as a string.
func (f *Fetcher) get(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("NewRequest: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("Do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", fmt.Errorf("ReadAll: %w", err)
	}
	return string(body), nil
}

// getEnvelope performs a GET and unwraps a {"contents": "..."} JSON envelope.
func (f *Fetcher) getEnvelope(ctx context.Context, rawURL string) (string, error) {
	body, err := f.get(ctx, rawURL)
	if err != nil {
		return "", err
	}
	var envelope struct {
		Contents string `json:"contents"`
	}
	if err := json.Unmarshal([]byte(body), &envelope); err != nil {
		return "", fmt.Errorf("unwrap envelope: %w", err)
	}
	return envelope.Contents, nil
}

// stripScheme drops the http:// or https:// prefix so the target can be
// appended to a passthrough proxy base URL.
func stripScheme(rawURL string) string {
	if rest, ok := strings.CutPrefix(rawURL, "https://"); ok {
		return rest
	}
	if rest, ok := strings.CutPrefix(rawURL, "http://"); ok {
		return rest
	}
	return rawURL
}

// Package resolver turns nominal channel URLs into directly playable stream
// URLs. A nominal URL that points at another playlist is fetched once and the
// preferred manifest line inside it is selected; everything else passes
// through untouched. Results go into a shared cache so repeated lookups cost
// nothing, and an in-flight set short-circuits duplicate concurrent work.
package resolver

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/voyagen/streamvault/internal/metrics"
	"github.com/voyagen/streamvault/internal/playlist"
)

// TextFetcher fetches a URL as text. Satisfied by *fetcher.Fetcher.
type TextFetcher interface {
	FetchText(ctx context.Context, rawURL string) (string, error)
}

// Resolver resolves nominal URLs to playable ones. Construct with New; the
// cache and in-flight set are shared by everything holding the same Resolver.
type Resolver struct {
	fetcher TextFetcher
	timeout time.Duration

	mu       sync.Mutex
	cache    map[string]string
	inFlight map[string]struct{}

	prewarmOnce   sync.Once
	prewarmMu     sync.Mutex
	prewarmCh     chan string
	prewarmClosed bool
	prewarmWG     sync.WaitGroup
}

// New creates a Resolver. timeout bounds each background prewarm fetch.
func New(f TextFetcher, timeout time.Duration) *Resolver {
	return &Resolver{
		fetcher:  f,
		timeout:  timeout,
		cache:    make(map[string]string),
		inFlight: make(map[string]struct{}),
	}
}

// Resolve returns a playable URL for nominalURL. It never fails: the worst
// case is the nominal URL handed back unchanged.
//
// precomputed is the fast path for callers that already hold a resolved URL
// (a populated ResolvedURL field); pass "" otherwise. When a resolution for
// the same URL is already in flight the nominal URL is returned immediately
// rather than waiting; the finished resolution lands in the cache for the
// next call.
func (r *Resolver) Resolve(ctx context.Context, nominalURL, precomputed string) string {
	if precomputed != "" {
		metrics.Resolutions.WithLabelValues("precomputed").Inc()
		return precomputed
	}

	r.mu.Lock()
	if resolved, ok := r.cache[nominalURL]; ok {
		r.mu.Unlock()
		metrics.Resolutions.WithLabelValues("cache_hit").Inc()
		return resolved
	}
	if _, busy := r.inFlight[nominalURL]; busy {
		r.mu.Unlock()
		metrics.Resolutions.WithLabelValues("in_flight").Inc()
		return nominalURL
	}
	if !playlist.IsPlaylistURL(nominalURL) {
		r.mu.Unlock()
		metrics.Resolutions.WithLabelValues("passthrough").Inc()
		return nominalURL
	}
	r.inFlight[nominalURL] = struct{}{}
	r.mu.Unlock()

	body, err := r.fetcher.FetchText(ctx, nominalURL)

	r.mu.Lock()
	delete(r.inFlight, nominalURL)
	if err != nil {
		r.mu.Unlock()
		metrics.Resolutions.WithLabelValues("fetch_failed").Inc()
		return nominalURL
	}
	resolved := selectStreamURL(body, nominalURL)
	r.cache[nominalURL] = resolved
	r.mu.Unlock()
	metrics.Resolutions.WithLabelValues("resolved").Inc()
	return resolved
}

// ClearCache discards every cached resolution, forcing re-resolution on the
// next lookup. In-flight state is left alone.
func (r *Resolver) ClearCache() {
	r.mu.Lock()
	r.cache = make(map[string]string)
	r.mu.Unlock()
}

// CacheLen returns the number of cached resolutions.
func (r *Resolver) CacheLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}

// StartPrewarm starts a bounded background pool that resolves URLs enqueued
// via Prewarm. Jobs only populate the cache; nothing waits on them.
func (r *Resolver) StartPrewarm(workers, queueSize int) {
	r.prewarmOnce.Do(func() {
		r.prewarmMu.Lock()
		r.prewarmCh = make(chan string, queueSize)
		r.prewarmMu.Unlock()
		for range workers {
			r.prewarmWG.Add(1)
			go func() {
				defer r.prewarmWG.Done()
				for u := range r.prewarmCh {
					ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
					r.Resolve(ctx, u, "")
					cancel()
				}
			}()
		}
	})
}

// Prewarm enqueues a fire-and-forget resolution. It never blocks; when the
// queue is full, the pool was never started, or the pool is already closed,
// the job is dropped and false is returned.
func (r *Resolver) Prewarm(nominalURL string) bool {
	r.prewarmMu.Lock()
	defer r.prewarmMu.Unlock()
	if r.prewarmCh == nil || r.prewarmClosed {
		return false
	}
	select {
	case r.prewarmCh <- nominalURL:
		return true
	default:
		log.Printf("resolver: prewarm queue full, dropping %s", nominalURL)
		return false
	}
}

// Close drains the prewarm pool. Safe to call without StartPrewarm, and
// Prewarm calls arriving after Close drop their job instead of panicking.
func (r *Resolver) Close() {
	r.prewarmMu.Lock()
	if r.prewarmCh != nil && !r.prewarmClosed {
		r.prewarmClosed = true
		close(r.prewarmCh)
	}
	r.prewarmMu.Unlock()
	r.prewarmWG.Wait()
}

// selectStreamURL picks the playable line out of a fetched playlist body:
// the first absolute URL ending in the adaptive-bitrate manifest extension
// wins; failing that, the first absolute URL of any kind; failing that, the
// original nominal URL.
func selectStreamURL(body, nominalURL string) string {
	var firstURL string
	for _, raw := range strings.Split(body, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !isAbsoluteURL(line) {
			continue
		}
		if playlist.IsManifestURL(line) {
			return line
		}
		if firstURL == "" {
			firstURL = line
		}
	}
	if firstURL != "" {
		return firstURL
	}
	return nominalURL
}

func isAbsoluteURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

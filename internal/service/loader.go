// Package service orchestrates the engine: it reads sources from the
// registry, fetches and parses their playlists, merges manual channels, and
// keeps the in-memory channel batch that consumers query. The batch is
// replaced wholesale on every sync; nothing is patched incrementally.
package service

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/voyagen/streamvault/internal/cache"
	"github.com/voyagen/streamvault/internal/metrics"
	"github.com/voyagen/streamvault/internal/models"
	"github.com/voyagen/streamvault/internal/playlist"
	"github.com/voyagen/streamvault/internal/registry"
	"github.com/voyagen/streamvault/internal/resolver"
)

const syncLockKey = "streamvault:lock:sync"

// TextFetcher fetches a URL as text. Satisfied by *fetcher.Fetcher.
type TextFetcher interface {
	FetchText(ctx context.Context, rawURL string) (string, error)
}

// Loader loads channels from registered sources and serves the current
// batch. A nil redis disables the cross-replica sync lock.
type Loader struct {
	reg      registry.Registry
	fetcher  TextFetcher
	parser   *playlist.Parser
	resolver *resolver.Resolver
	redis    *cache.Redis

	syncMu sync.Mutex // one sync at a time within this process

	mu       sync.RWMutex
	channels []models.Channel
	skipped  []playlist.Skipped
	lastSync time.Time

	cron *cron.Cron
}

// NewLoader creates a Loader. The parser is wired to the resolver so nested
// playlist URLs found during parsing are pre-resolved in the background.
func NewLoader(reg registry.Registry, f TextFetcher, r *resolver.Resolver, redis *cache.Redis) *Loader {
	return &Loader{
		reg:      reg,
		fetcher:  f,
		parser:   playlist.NewParser(r),
		resolver: r,
		redis:    redis,
	}
}

// SyncAll reloads every registered source and replaces the channel batch.
// Per-source failures degrade to fewer channels; SyncAll only fails when the
// registry itself cannot be read.
func (l *Loader) SyncAll(ctx context.Context) error {
	l.syncMu.Lock()
	defer l.syncMu.Unlock()

	// Across replicas, let one instance do the work.
	if l.redis != nil {
		unlock, err := cache.TryLock(ctx, l.redis, syncLockKey, 5*time.Minute)
		if err == cache.ErrLocked {
			log.Println("sync: another instance holds the sync lock, skipping")
			return nil
		}
		if err == nil {
			defer unlock()
		}
	}

	start := time.Now()
	sources, err := l.reg.List(ctx)
	if err != nil {
		return fmt.Errorf("list sources: %w", err)
	}

	var channels []models.Channel
	var skipped []playlist.Skipped
	var manual []models.Channel

	for _, src := range sources {
		switch src.Kind {
		case models.SourceKindPlaylist:
			text, err := l.fetcher.FetchText(ctx, src.URL)
			if err != nil {
				log.Printf("sync: source %q: %v", src.Name, err)
				continue
			}
			res := l.parser.Parse(text, src.Name)
			for _, ch := range res.Channels {
				ch.SourceID = src.ID
				channels = append(channels, *ch)
			}
			skipped = append(skipped, res.Skipped...)
			metrics.ChannelsLoaded.WithLabelValues(src.Name).Set(float64(len(res.Channels)))
		case models.SourceKindManualChannel:
			manual = append(manual, manualChannel(src))
		default:
			log.Printf("sync: source %q: unknown kind %q", src.Name, src.Kind)
		}
	}

	// Manual channels go after all playlist channels.
	channels = append(channels, manual...)

	l.mu.Lock()
	l.channels = channels
	l.skipped = skipped
	l.lastSync = time.Now()
	l.mu.Unlock()

	metrics.SyncDuration.Observe(time.Since(start).Seconds())
	log.Printf("sync: loaded %d channels from %d sources in %v",
		len(channels), len(sources), time.Since(start).Round(time.Millisecond))
	return nil
}

// Refresh handles one refresh job: optionally drop the resolution cache,
// then re-sync the named source, or everything when the job carries no
// source id.
func (l *Loader) Refresh(ctx context.Context, job cache.RefreshJob) error {
	if job.ClearCache {
		l.resolver.ClearCache()
	}
	if job.SourceID == "" {
		return l.SyncAll(ctx)
	}
	return l.syncOne(ctx, job.SourceID)
}

// syncOne reloads a single source and splices its channels into the batch,
// leaving every other source's channels untouched.
func (l *Loader) syncOne(ctx context.Context, id string) error {
	l.syncMu.Lock()
	defer l.syncMu.Unlock()

	sources, err := l.reg.List(ctx)
	if err != nil {
		return fmt.Errorf("list sources: %w", err)
	}
	var src *models.CustomSource
	for i := range sources {
		if sources[i].ID == id {
			src = &sources[i]
			break
		}
	}
	if src == nil {
		return fmt.Errorf("source %s: %w", id, registry.ErrNotFound)
	}

	var fresh []models.Channel
	switch src.Kind {
	case models.SourceKindPlaylist:
		text, err := l.fetcher.FetchText(ctx, src.URL)
		if err != nil {
			return fmt.Errorf("fetch %q: %w", src.Name, err)
		}
		res := l.parser.Parse(text, src.Name)
		for _, ch := range res.Channels {
			ch.SourceID = src.ID
			fresh = append(fresh, *ch)
		}
		metrics.ChannelsLoaded.WithLabelValues(src.Name).Set(float64(len(res.Channels)))
	case models.SourceKindManualChannel:
		fresh = append(fresh, manualChannel(*src))
	default:
		return fmt.Errorf("source %q: unknown kind %q", src.Name, src.Kind)
	}

	l.mu.Lock()
	kept := make([]models.Channel, 0, len(l.channels))
	for _, ch := range l.channels {
		if ch.SourceID == id {
			continue
		}
		kept = append(kept, ch)
	}
	l.channels = append(kept, fresh...)
	l.lastSync = time.Now()
	l.mu.Unlock()

	log.Printf("sync: reloaded source %q, %d channels", src.Name, len(fresh))
	return nil
}

// manualChannel builds the descriptor a manual source declares.
func manualChannel(src models.CustomSource) models.Channel {
	name := src.Name
	if name == "" {
		name = "Custom channel"
	}
	return models.Channel{
		ID:         "manual-" + src.ID,
		Name:       name,
		LogoURL:    playlist.PlaceholderLogo(name),
		StreamURL:  src.URL,
		Group:      "Custom",
		SourceName: src.Name,
		SourceID:   src.ID,
	}
}

// Channels returns a copy of the current batch.
func (l *Loader) Channels() []models.Channel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.Channel, len(l.channels))
	copy(out, l.channels)
	return out
}

// Channel returns the channel with the given id from the current batch.
func (l *Loader) Channel(id string) (models.Channel, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, ch := range l.channels {
		if ch.ID == id {
			return ch, true
		}
	}
	return models.Channel{}, false
}

// Skipped returns the lines the last sync's parses dropped.
func (l *Loader) Skipped() []playlist.Skipped {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]playlist.Skipped, len(l.skipped))
	copy(out, l.skipped)
	return out
}

// LastSync returns when the batch was last replaced.
func (l *Loader) LastSync() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastSync
}

// ResolveChannel resolves the channel's playable URL, stores it back on the
// batch entry, and returns it. Unknown ids resolve to "", false.
func (l *Loader) ResolveChannel(ctx context.Context, id string) (string, bool) {
	l.mu.RLock()
	var nominal, precomputed string
	found := false
	for _, ch := range l.channels {
		if ch.ID == id {
			nominal, precomputed = ch.StreamURL, ch.ResolvedURL
			found = true
			break
		}
	}
	l.mu.RUnlock()
	if !found {
		return "", false
	}

	resolved := l.resolver.Resolve(ctx, nominal, precomputed)

	l.mu.Lock()
	for i := range l.channels {
		if l.channels[i].ID == id {
			l.channels[i].ResolvedURL = resolved
			break
		}
	}
	l.mu.Unlock()
	return resolved, true
}

// StartCron schedules periodic re-syncs with the given cron expression.
func (l *Loader) StartCron(ctx context.Context, spec string) error {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if err := l.SyncAll(ctx); err != nil {
			log.Printf("sync: scheduled run: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("cron: %w", err)
	}
	c.Start()
	l.cron = c
	return nil
}

// StopCron stops the periodic sync schedule, waiting for a running job.
func (l *Loader) StopCron() {
	if l.cron != nil {
		<-l.cron.Stop().Done()
	}
}

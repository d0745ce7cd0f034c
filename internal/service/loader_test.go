package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voyagen/streamvault/internal/cache"
	"github.com/voyagen/streamvault/internal/models"
	"github.com/voyagen/streamvault/internal/registry"
	"github.com/voyagen/streamvault/internal/resolver"
)

type stubFetcher struct {
	mu     sync.Mutex
	bodies map[string]string
	calls  map[string]int
}

func newStubFetcher(bodies map[string]string) *stubFetcher {
	return &stubFetcher{bodies: bodies, calls: make(map[string]int)}
}

func (s *stubFetcher) FetchText(_ context.Context, rawURL string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[rawURL]++
	body, ok := s.bodies[rawURL]
	if !ok {
		return "", errors.New("unreachable")
	}
	return body, nil
}

func newTestLoader(t *testing.T, bodies map[string]string, sources ...models.CustomSource) (*Loader, *stubFetcher) {
	t.Helper()
	reg := registry.NewMemory()
	for i := range sources {
		if err := reg.Add(context.Background(), &sources[i]); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	f := newStubFetcher(bodies)
	res := resolver.New(f, time.Second)
	return NewLoader(reg, f, res, nil), f
}

const loaderPlaylist = "#EXTM3U\n#EXTINF:-1 group-title=\"News\",One\nhttp://cdn/one.ts\n#EXTINF:-1,Two\nhttp://cdn/two.m3u\n"

func TestSyncAllLoadsChannels(t *testing.T) {
	l, _ := newTestLoader(t,
		map[string]string{"http://host/list.m3u": loaderPlaylist},
		models.CustomSource{Name: "main", URL: "http://host/list.m3u", Kind: models.SourceKindPlaylist},
	)

	if err := l.SyncAll(context.Background()); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	channels := l.Channels()
	if len(channels) != 2 {
		t.Fatalf("got %d channels, want 2", len(channels))
	}
	if channels[0].ID != "main-1" || channels[1].ID != "main-2" {
		t.Errorf("IDs = %q, %q", channels[0].ID, channels[1].ID)
	}
	if l.LastSync().IsZero() {
		t.Error("LastSync not stamped")
	}
}

func TestSyncAllToleratesFailingSource(t *testing.T) {
	l, _ := newTestLoader(t,
		map[string]string{"http://good/list.m3u": loaderPlaylist},
		models.CustomSource{Name: "bad", URL: "http://bad/list.m3u", Kind: models.SourceKindPlaylist},
		models.CustomSource{Name: "good", URL: "http://good/list.m3u", Kind: models.SourceKindPlaylist},
	)

	if err := l.SyncAll(context.Background()); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if got := len(l.Channels()); got != 2 {
		t.Errorf("got %d channels, want 2 from the surviving source", got)
	}
}

func TestSyncAllManualChannelsLast(t *testing.T) {
	l, _ := newTestLoader(t,
		map[string]string{"http://host/list.m3u": loaderPlaylist},
		models.CustomSource{ID: "m1", Name: "My Feed", URL: "http://cdn/custom.ts", Kind: models.SourceKindManualChannel},
		models.CustomSource{Name: "main", URL: "http://host/list.m3u", Kind: models.SourceKindPlaylist},
	)

	if err := l.SyncAll(context.Background()); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	channels := l.Channels()
	if len(channels) != 3 {
		t.Fatalf("got %d channels, want 3", len(channels))
	}
	last := channels[2]
	if last.ID != "manual-m1" {
		t.Errorf("manual channel ID = %q", last.ID)
	}
	if last.Group != "Custom" {
		t.Errorf("manual channel group = %q", last.Group)
	}
	if last.StreamURL != "http://cdn/custom.ts" {
		t.Errorf("manual channel URL = %q", last.StreamURL)
	}
}

func TestSyncAllReplacesBatch(t *testing.T) {
	reg := registry.NewMemory()
	src := models.CustomSource{Name: "main", URL: "http://host/list.m3u", Kind: models.SourceKindPlaylist}
	if err := reg.Add(context.Background(), &src); err != nil {
		t.Fatal(err)
	}
	f := newStubFetcher(map[string]string{"http://host/list.m3u": loaderPlaylist})
	l := NewLoader(reg, f, resolver.New(f, time.Second), nil)

	if err := l.SyncAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := reg.Remove(context.Background(), src.ID); err != nil {
		t.Fatal(err)
	}
	if err := l.SyncAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(l.Channels()); got != 0 {
		t.Errorf("batch not replaced, still %d channels", got)
	}
}

func TestResolveChannelStoresResult(t *testing.T) {
	l, f := newTestLoader(t,
		map[string]string{
			"http://host/list.m3u":  "#EXTINF:-1,Nested\nhttp://cdn/nested.m3u\n",
			"http://cdn/nested.m3u": "http://cdn/real.m3u8\n",
		},
		models.CustomSource{Name: "main", URL: "http://host/list.m3u", Kind: models.SourceKindPlaylist},
	)
	if err := l.SyncAll(context.Background()); err != nil {
		t.Fatal(err)
	}

	resolved, ok := l.ResolveChannel(context.Background(), "main-1")
	if !ok {
		t.Fatal("channel not found")
	}
	if resolved != "http://cdn/real.m3u8" {
		t.Errorf("resolved = %q", resolved)
	}
	ch, _ := l.Channel("main-1")
	if ch.ResolvedURL != "http://cdn/real.m3u8" {
		t.Errorf("ResolvedURL not written back, got %q", ch.ResolvedURL)
	}

	// Second resolve comes from the stored value, not another fetch.
	l.ResolveChannel(context.Background(), "main-1")
	f.mu.Lock()
	calls := f.calls["http://cdn/nested.m3u"]
	f.mu.Unlock()
	if calls != 1 {
		t.Errorf("nested playlist fetched %d times, want 1", calls)
	}
}

func TestResolveChannelUnknownID(t *testing.T) {
	l, _ := newTestLoader(t, nil)
	if _, ok := l.ResolveChannel(context.Background(), "missing"); ok {
		t.Error("unknown channel id resolved")
	}
}

func TestRefreshClearsCache(t *testing.T) {
	bodies := map[string]string{
		"http://host/list.m3u":  "#EXTINF:-1,Nested\nhttp://cdn/nested.m3u\n",
		"http://cdn/nested.m3u": "http://cdn/real.m3u8\n",
	}
	reg := registry.NewMemory()
	if err := reg.Add(context.Background(), &models.CustomSource{
		Name: "main", URL: "http://host/list.m3u", Kind: models.SourceKindPlaylist,
	}); err != nil {
		t.Fatal(err)
	}
	f := newStubFetcher(bodies)
	res := resolver.New(f, time.Second)
	l := NewLoader(reg, f, res, nil)

	if err := l.SyncAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	l.ResolveChannel(context.Background(), "main-1")
	if res.CacheLen() != 1 {
		t.Fatalf("CacheLen = %d", res.CacheLen())
	}

	if err := l.Refresh(context.Background(), cache.RefreshJob{ClearCache: true}); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if res.CacheLen() != 0 {
		t.Errorf("CacheLen = %d after clearing refresh", res.CacheLen())
	}
}

func TestRefreshSingleSource(t *testing.T) {
	bodies := map[string]string{
		"http://a/list.m3u": "#EXTINF:-1,A1\nhttp://cdn/a1.ts\n",
		"http://b/list.m3u": "#EXTINF:-1,B1\nhttp://cdn/b1.ts\n",
	}
	reg := registry.NewMemory()
	srcA := models.CustomSource{Name: "alpha", URL: "http://a/list.m3u", Kind: models.SourceKindPlaylist}
	srcB := models.CustomSource{Name: "beta", URL: "http://b/list.m3u", Kind: models.SourceKindPlaylist}
	for _, s := range []*models.CustomSource{&srcA, &srcB} {
		if err := reg.Add(context.Background(), s); err != nil {
			t.Fatal(err)
		}
	}
	f := newStubFetcher(bodies)
	l := NewLoader(reg, f, resolver.New(f, time.Second), nil)
	if err := l.SyncAll(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Source beta grows a channel; refreshing it must not re-fetch alpha.
	f.mu.Lock()
	f.bodies["http://b/list.m3u"] = "#EXTINF:-1,B1\nhttp://cdn/b1.ts\n#EXTINF:-1,B2\nhttp://cdn/b2.ts\n"
	f.mu.Unlock()

	if err := l.Refresh(context.Background(), cache.RefreshJob{SourceID: srcB.ID}); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	channels := l.Channels()
	if len(channels) != 3 {
		t.Fatalf("got %d channels, want 3", len(channels))
	}
	if channels[0].Name != "A1" {
		t.Errorf("alpha channel disturbed: %+v", channels[0])
	}
	for _, ch := range channels[1:] {
		if ch.SourceID != srcB.ID {
			t.Errorf("channel %q has SourceID %q, want %q", ch.Name, ch.SourceID, srcB.ID)
		}
	}
	f.mu.Lock()
	alphaFetches := f.calls["http://a/list.m3u"]
	f.mu.Unlock()
	if alphaFetches != 1 {
		t.Errorf("alpha fetched %d times, want 1 (only the initial sync)", alphaFetches)
	}
}

func TestRefreshUnknownSource(t *testing.T) {
	l, _ := newTestLoader(t, nil)
	err := l.Refresh(context.Background(), cache.RefreshJob{SourceID: "nope"})
	if !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("Refresh = %v, want ErrNotFound", err)
	}
}

func TestSkippedReported(t *testing.T) {
	l, _ := newTestLoader(t,
		map[string]string{"http://host/list.m3u": "http://stray/url.ts\n#EXTINF:-1,Ok\nhttp://cdn/ok.ts\n"},
		models.CustomSource{Name: "main", URL: "http://host/list.m3u", Kind: models.SourceKindPlaylist},
	)
	if err := l.SyncAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(l.Skipped()); got != 1 {
		t.Errorf("Skipped = %d entries, want 1", got)
	}
}

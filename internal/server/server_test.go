package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/voyagen/streamvault/internal/config"
	"github.com/voyagen/streamvault/internal/models"
	"github.com/voyagen/streamvault/internal/registry"
	"github.com/voyagen/streamvault/internal/resolver"
	"github.com/voyagen/streamvault/internal/service"
)

type stubFetcher struct {
	bodies map[string]string
}

func (s *stubFetcher) FetchText(_ context.Context, rawURL string) (string, error) {
	body, ok := s.bodies[rawURL]
	if !ok {
		return "", errors.New("unreachable")
	}
	return body, nil
}

const serverPlaylist = "#EXTM3U\n#EXTINF:-1 tvg-id=\"one.us\" group-title=\"News\",One\nhttp://cdn/one.ts\n"

func newTestServer(t *testing.T, bodies map[string]string) (*Server, registry.Registry) {
	t.Helper()
	reg := registry.NewMemory()
	f := &stubFetcher{bodies: bodies}
	loader := service.NewLoader(reg, f, resolver.New(f, time.Second), nil)
	cfg := &config.Config{ServerPort: "0", Timeout: time.Second}
	return New(loader, reg, f, nil, cfg), reg
}

func doJSON(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, r)
	return w
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	w := doJSON(t, srv, http.MethodGet, "/api/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("status field = %v", resp["status"])
	}
}

func TestAddSourceAndListChannels(t *testing.T) {
	srv, _ := newTestServer(t, map[string]string{"http://host/list.m3u": serverPlaylist})

	w := doJSON(t, srv, http.MethodPost, "/api/sources",
		`{"name":"main","url":"http://host/list.m3u"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	var src models.CustomSource
	if err := json.Unmarshal(w.Body.Bytes(), &src); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if src.ID == "" {
		t.Error("response source has no id")
	}
	if src.Kind != models.SourceKindPlaylist {
		t.Errorf("kind defaulted to %q", src.Kind)
	}

	// Adding the source triggers a sync, so channels are available now.
	w = doJSON(t, srv, http.MethodGet, "/api/channels", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var list struct {
		Channels []models.Channel `json:"channels"`
		Total    int              `json:"total"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Total != 1 || len(list.Channels) != 1 {
		t.Fatalf("list = %+v", list)
	}
	if list.Channels[0].ID != "main-1" {
		t.Errorf("channel id = %q", list.Channels[0].ID)
	}
}

func TestAddSourceValidation(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	tests := []struct {
		name string
		body string
	}{
		{"not json", "{{{"},
		{"missing url", `{"name":"x"}`},
		{"bad scheme", `{"name":"x","url":"ftp://host/list.m3u"}`},
		{"bad kind", `{"name":"x","url":"http://host/a.m3u","kind":"wat"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, srv, http.MethodPost, "/api/sources", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestDeleteSource(t *testing.T) {
	srv, reg := newTestServer(t, map[string]string{"http://host/list.m3u": serverPlaylist})
	src := &models.CustomSource{Name: "main", URL: "http://host/list.m3u", Kind: models.SourceKindPlaylist}
	if err := reg.Add(context.Background(), src); err != nil {
		t.Fatal(err)
	}

	w := doJSON(t, srv, http.MethodDelete, "/api/sources/"+src.ID, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d", w.Code)
	}

	w = doJSON(t, srv, http.MethodDelete, "/api/sources/"+src.ID, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", w.Code)
	}
}

func TestRefreshSourceInline(t *testing.T) {
	// Without Redis the refresh runs inline and reports completion.
	srv, reg := newTestServer(t, map[string]string{"http://host/list.m3u": serverPlaylist})
	src := &models.CustomSource{Name: "main", URL: "http://host/list.m3u", Kind: models.SourceKindPlaylist}
	if err := reg.Add(context.Background(), src); err != nil {
		t.Fatal(err)
	}

	w := doJSON(t, srv, http.MethodPost, "/api/sources/"+src.ID+"/refresh", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	if got := len(srv.loader.Channels()); got != 1 {
		t.Errorf("refresh loaded %d channels, want 1", got)
	}

	w = doJSON(t, srv, http.MethodPost, "/api/sources/nope/refresh", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown source status = %d, want 404", w.Code)
	}
}

func TestResolveChannelEndpoint(t *testing.T) {
	srv, reg := newTestServer(t, map[string]string{
		"http://host/list.m3u":  "#EXTINF:-1,Nested\nhttp://cdn/nested.m3u\n",
		"http://cdn/nested.m3u": "http://cdn/real.m3u8\n",
	})
	if err := reg.Add(context.Background(), &models.CustomSource{
		Name: "main", URL: "http://host/list.m3u", Kind: models.SourceKindPlaylist,
	}); err != nil {
		t.Fatal(err)
	}
	if err := srv.loader.SyncAll(context.Background()); err != nil {
		t.Fatal(err)
	}

	w := doJSON(t, srv, http.MethodGet, "/api/channels/main-1/resolve", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["url"] != "http://cdn/real.m3u8" {
		t.Errorf("url = %q", resp["url"])
	}

	w = doJSON(t, srv, http.MethodGet, "/api/channels/nope/resolve", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown channel status = %d", w.Code)
	}
}

func TestGuideEndpointSynthetic(t *testing.T) {
	// Every guide fetch fails, so the response carries placeholder data.
	srv, _ := newTestServer(t, nil)
	w := doJSON(t, srv, http.MethodGet, "/api/guide/one.us", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp guideResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Synthetic {
		t.Error("want synthetic guide when no source is reachable")
	}
	if resp.Current == nil || resp.Current.Title != "Current Program" {
		t.Errorf("current = %+v", resp.Current)
	}
	if resp.Next == nil || resp.Next.Title != "Next Program" {
		t.Errorf("next = %+v", resp.Next)
	}
	srv.stopGuides()
}

// blockingFetcher parks every fetch until release is closed.
type blockingFetcher struct {
	started chan struct{}
	release chan struct{}
}

func (f *blockingFetcher) FetchText(ctx context.Context, _ string) (string, error) {
	select {
	case f.started <- struct{}{}:
	default:
	}
	select {
	case <-f.release:
	case <-ctx.Done():
	}
	return "", errors.New("unavailable")
}

func TestGuideLoadingChannelDoesNotBlockRequests(t *testing.T) {
	f := &blockingFetcher{started: make(chan struct{}, 4), release: make(chan struct{})}
	reg := registry.NewMemory()
	loader := service.NewLoader(reg, f, resolver.New(f, time.Second), nil)
	cfg := &config.Config{ServerPort: "0", Timeout: 5 * time.Second}
	srv := New(loader, reg, f, nil, cfg)

	first := make(chan struct{})
	go func() {
		srv.guideFor("one.us")
		close(first)
	}()
	<-f.started

	// A second request for the channel must see the guide immediately even
	// though its first fetch is still in flight.
	second := make(chan struct{})
	go func() {
		srv.guideFor("one.us")
		close(second)
	}()
	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("request for a loading channel blocked behind its first fetch")
	}

	close(f.release)
	<-first
	srv.stopGuides()
}

func TestPlaylistOutput(t *testing.T) {
	srv, reg := newTestServer(t, map[string]string{"http://host/list.m3u": serverPlaylist})
	if err := reg.Add(context.Background(), &models.CustomSource{
		Name: "main", URL: "http://host/list.m3u", Kind: models.SourceKindPlaylist,
	}); err != nil {
		t.Fatal(err)
	}
	if err := srv.loader.SyncAll(context.Background()); err != nil {
		t.Fatal(err)
	}

	w := doJSON(t, srv, http.MethodGet, "/playlist.m3u", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	if !strings.HasPrefix(body, "#EXTM3U\n") {
		t.Errorf("playlist missing header: %q", body)
	}
	if !strings.Contains(body, `group-title="News"`) {
		t.Errorf("playlist missing group attribute: %q", body)
	}
	if !strings.Contains(body, "http://cdn/one.ts\n") {
		t.Errorf("playlist missing stream URL: %q", body)
	}
	if got := w.Header().Get("Content-Type"); got != "audio/x-mpegurl" {
		t.Errorf("Content-Type = %q", got)
	}
}

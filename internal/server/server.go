// Package server exposes the engine over a small JSON/M3U HTTP surface.
// All engine logic lives in the library packages; handlers here only decode
// requests and encode results.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/voyagen/streamvault/internal/cache"
	"github.com/voyagen/streamvault/internal/config"
	"github.com/voyagen/streamvault/internal/epg"
	"github.com/voyagen/streamvault/internal/metrics"
	"github.com/voyagen/streamvault/internal/models"
	"github.com/voyagen/streamvault/internal/registry"
	"github.com/voyagen/streamvault/internal/service"
)

// Server holds dependencies for the HTTP API.
type Server struct {
	loader  *service.Loader
	reg     registry.Registry
	fetcher service.TextFetcher
	redis   *cache.Redis // nil disables the refresh job queue
	cfg     *config.Config
	mux     *http.ServeMux

	guideMu sync.Mutex
	guides  map[string]*epg.Guide
}

// New creates a Server and registers routes. redis may be nil.
func New(loader *service.Loader, reg registry.Registry, f service.TextFetcher, redis *cache.Redis, cfg *config.Config) *Server {
	srv := &Server{
		loader:  loader,
		reg:     reg,
		fetcher: f,
		redis:   redis,
		cfg:     cfg,
		mux:     http.NewServeMux(),
		guides:  make(map[string]*epg.Guide),
	}
	srv.routes()
	return srv
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// Sources
	s.mux.HandleFunc("GET /api/sources", s.handleListSources)
	s.mux.HandleFunc("POST /api/sources", s.handleAddSource)
	s.mux.HandleFunc("DELETE /api/sources/{id}", s.handleDeleteSource)
	s.mux.HandleFunc("POST /api/sources/{id}/refresh", s.handleRefreshSource)

	// Channels
	s.mux.HandleFunc("GET /api/channels", s.handleListChannels)
	s.mux.HandleFunc("GET /api/channels/{id}", s.handleGetChannel)
	s.mux.HandleFunc("GET /api/channels/{id}/resolve", s.handleResolveChannel)

	// Guide
	s.mux.HandleFunc("GET /api/guide/{channelID}", s.handleGuide)

	// Merged playlist output
	s.mux.HandleFunc("GET /playlist.m3u", s.handlePlaylist)

	s.mux.Handle("GET /metrics", metrics.Handler())
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the HTTP server on the configured port.
// It blocks until the server is shut down or ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := ":" + s.cfg.ServerPort
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      withCORS(withLogging(s)),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		s.stopGuides()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("server shutdown: %v", err)
		}
	}()

	log.Printf("listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ListenAndServe: %w", err)
	}
	return nil
}

// --- handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"last_sync": s.loader.LastSync(),
	})
}

// --- source handlers ---

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.reg.List(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if sources == nil {
		sources = []models.CustomSource{}
	}
	writeJSON(w, http.StatusOK, sources)
}

type addSourceRequest struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Kind string `json:"kind"`
}

func (s *Server) handleAddSource(w http.ResponseWriter, r *http.Request) {
	var req addSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if req.Kind == "" {
		req.Kind = models.SourceKindPlaylist
	}
	if req.Kind != models.SourceKindPlaylist && req.Kind != models.SourceKindManualChannel {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("kind must be %q or %q",
			models.SourceKindPlaylist, models.SourceKindManualChannel))
		return
	}
	if req.URL == "" {
		writeErr(w, http.StatusBadRequest, errors.New("url is required"))
		return
	}
	if u, err := url.ParseRequestURI(req.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		writeErr(w, http.StatusBadRequest, errors.New("url must be a valid http or https URL"))
		return
	}
	if req.Name == "" {
		req.Name = "source"
	}

	src := &models.CustomSource{Name: req.Name, URL: req.URL, Kind: req.Kind}
	if err := s.reg.Add(r.Context(), src); err != nil {
		writeErr(w, http.StatusInternalServerError, fmt.Errorf("add source: %w", err))
		return
	}
	if err := s.loader.SyncAll(r.Context()); err != nil {
		log.Printf("server: sync after add: %v", err)
	}
	writeJSON(w, http.StatusCreated, src)
}

func (s *Server) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.reg.Remove(r.Context(), id); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeErr(w, http.StatusNotFound, fmt.Errorf("source %s not found", id))
			return
		}
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.loader.SyncAll(r.Context()); err != nil {
		log.Printf("server: sync after delete: %v", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefreshSource(w http.ResponseWriter, r *http.Request) {
	// A user-initiated refresh forces re-resolution, so cached resolutions
	// are dropped along the way.
	job := cache.RefreshJob{SourceID: r.PathValue("id"), ClearCache: true}

	if s.redis != nil {
		if err := cache.Enqueue(r.Context(), s.redis, cache.DefaultQueue, job); err != nil {
			writeErr(w, http.StatusInternalServerError, fmt.Errorf("enqueue refresh: %w", err))
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
		return
	}

	if err := s.loader.Refresh(r.Context(), job); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeErr(w, http.StatusNotFound, err)
			return
		}
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

// --- channel handlers ---

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels := s.loader.Channels()
	if group := r.URL.Query().Get("group"); group != "" {
		filtered := channels[:0]
		for _, ch := range channels {
			if ch.Group == group {
				filtered = append(filtered, ch)
			}
		}
		channels = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"channels": channels,
		"total":    len(channels),
	})
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.loader.Channel(r.PathValue("id"))
	if !ok {
		writeErr(w, http.StatusNotFound, errors.New("channel not found"))
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (s *Server) handleResolveChannel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	resolved, ok := s.loader.ResolveChannel(r.Context(), id)
	if !ok {
		writeErr(w, http.StatusNotFound, errors.New("channel not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "url": resolved})
}

// --- guide handler ---

type guideResponse struct {
	ChannelID string           `json:"channel_id"`
	Current   *models.Program  `json:"current,omitempty"`
	Progress  *float64         `json:"progress,omitempty"`
	Next      *models.Program  `json:"next,omitempty"`
	Today     []models.Program `json:"today"`
	Synthetic bool             `json:"synthetic"`
}

func (s *Server) handleGuide(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("channelID")
	g := s.guideFor(channelID)

	resp := guideResponse{ChannelID: channelID, Synthetic: g.Synthetic()}
	if cur, ok := g.CurrentProgram(); ok {
		resp.Current = &cur
		p := cur.Progress(time.Now())
		resp.Progress = &p
	}
	if next, ok := g.NextProgram(); ok {
		resp.Next = &next
	}
	resp.Today = g.TodayPrograms()
	if resp.Today == nil {
		resp.Today = []models.Program{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// guideFor returns the running guide for a channel, creating and starting it
// on first use. Guides run until server shutdown. The first load happens
// outside the map lock, so a slow guide source only delays its own channel;
// a concurrent request for a channel still loading sees the guide's interim
// state rather than waiting.
func (s *Server) guideFor(channelID string) *epg.Guide {
	s.guideMu.Lock()
	if g, ok := s.guides[channelID]; ok {
		s.guideMu.Unlock()
		return g
	}
	g := epg.NewGuide(channelID, s.cfg.EPGURL, s.fetcher)
	s.guides[channelID] = g
	s.guideMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	g.Refresh(ctx)
	cancel()
	g.Start(context.Background())
	return g
}

func (s *Server) stopGuides() {
	s.guideMu.Lock()
	defer s.guideMu.Unlock()
	for _, g := range s.guides {
		g.Stop()
	}
}

// --- playlist output ---

// handlePlaylist renders the current batch back out as a merged M3U, using
// the resolved URL where one exists.
func (s *Server) handlePlaylist(w http.ResponseWriter, _ *http.Request) {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	for _, ch := range s.loader.Channels() {
		fmt.Fprintf(&b, "#EXTINF:-1 tvg-id=%q tvg-logo=%q group-title=%q,%s\n",
			ch.TvgID, ch.LogoURL, ch.Group, ch.Name)
		u := ch.StreamURL
		if ch.ResolvedURL != "" {
			u = ch.ResolvedURL
		}
		b.WriteString(u)
		b.WriteString("\n")
	}
	w.Header().Set("Content-Type", "audio/x-mpegurl")
	_, _ = w.Write([]byte(b.String()))
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: encode response: %v", err)
	}
}

func writeErr(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %v", r.Method, r.URL.Path, time.Since(start).Round(time.Millisecond))
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

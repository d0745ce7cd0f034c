package epg

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voyagen/streamvault/internal/metrics"
	"github.com/voyagen/streamvault/internal/models"
)

// ErrScheduleUnavailable is the advisory error recorded when every candidate
// guide source was exhausted and the guide fell back to synthetic data. The
// guide still serves programs; the flag lets callers tell placeholder data
// from the real thing.
var ErrScheduleUnavailable = errors.New("no guide source yielded a schedule")

// DefaultRefreshInterval is how often a running guide re-fetches its sources.
const DefaultRefreshInterval = 30 * time.Second

const syntheticSlots = 12
const syntheticSlotLen = 2 * time.Hour

// countryGuides maps a coarse locale hint (the suffix of an XMLTV channel id
// such as "BBC1.uk") to a country guide feed.
var countryGuides = map[string]string{
	"us": "https://epg.pw/xmltv/epg_US.xml",
	"uk": "https://epg.pw/xmltv/epg_GB.xml",
	"gb": "https://epg.pw/xmltv/epg_GB.xml",
	"de": "https://epg.pw/xmltv/epg_DE.xml",
	"fr": "https://epg.pw/xmltv/epg_FR.xml",
	"es": "https://epg.pw/xmltv/epg_ES.xml",
	"it": "https://epg.pw/xmltv/epg_IT.xml",
	"ca": "https://epg.pw/xmltv/epg_CA.xml",
	"au": "https://epg.pw/xmltv/epg_AU.xml",
}

// defaultGuideURL is the broadly applicable fallback when the channel id
// carries no recognized locale hint.
const defaultGuideURL = "https://epg.pw/xmltv/epg_US.xml"

// TextFetcher fetches a URL as text. Satisfied by *fetcher.Fetcher.
type TextFetcher interface {
	FetchText(ctx context.Context, rawURL string) (string, error)
}

// GuideOption configures a Guide.
type GuideOption func(*Guide)

// WithNow replaces the guide's clock (tests).
func WithNow(now func() time.Time) GuideOption {
	return func(g *Guide) { g.now = now }
}

// WithInterval sets the periodic refresh interval.
func WithInterval(d time.Duration) GuideOption {
	return func(g *Guide) { g.interval = d }
}

// WithFallbacks replaces the built-in fallback guide URLs (tests).
func WithFallbacks(byCountry map[string]string, generic string) GuideOption {
	return func(g *Guide) {
		g.countryGuides = byCountry
		g.genericGuide = generic
	}
}

// Guide acquires and serves the program schedule for one channel. Construct
// with NewGuide, call Refresh (or Start for periodic refresh), then query
// CurrentProgram / NextProgram / TodayPrograms.
type Guide struct {
	channelID string // XMLTV schedule identifier; empty disables the guide
	sourceURL string // explicit guide URL, tried first; may be empty
	fetcher   TextFetcher

	now           func() time.Time
	interval      time.Duration
	countryGuides map[string]string
	genericGuide  string

	mu        sync.RWMutex
	programs  []models.Program
	err       error // advisory; set alongside synthetic data
	synthetic bool
	loading   bool

	refreshing atomic.Bool // coalesces overlapping ticks
	stopOnce   sync.Once
	stop       chan struct{}
	done       chan struct{}
}

// NewGuide creates a Guide for the channel schedule identified by channelID.
// sourceURL is an optional explicit guide feed tried before the fallbacks.
func NewGuide(channelID, sourceURL string, f TextFetcher, opts ...GuideOption) *Guide {
	g := &Guide{
		channelID:     channelID,
		sourceURL:     sourceURL,
		fetcher:       f,
		now:           time.Now,
		interval:      DefaultRefreshInterval,
		countryGuides: countryGuides,
		genericGuide:  defaultGuideURL,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Refresh re-acquires the schedule: each candidate source is fetched and
// parsed in order, and the first one containing a non-empty schedule for this
// channel wins. When every candidate fails, a synthetic placeholder schedule
// is installed and the advisory error is set. Refresh never returns an error
// to the caller; the guide is always usable afterwards.
func (g *Guide) Refresh(ctx context.Context) {
	if g.channelID == "" {
		g.mu.Lock()
		g.programs = nil
		g.err = nil
		g.synthetic = false
		g.mu.Unlock()
		metrics.GuideRefreshes.WithLabelValues("noop").Inc()
		return
	}

	g.mu.Lock()
	g.loading = true
	g.mu.Unlock()

	for _, candidate := range g.candidates() {
		programs, err := g.tryCandidate(ctx, candidate)
		if err != nil {
			log.Printf("epg: guide %s: %v", g.channelID, err)
			continue
		}
		g.mu.Lock()
		g.programs = programs
		g.err = nil
		g.synthetic = false
		g.loading = false
		g.mu.Unlock()
		metrics.GuideRefreshes.WithLabelValues("source").Inc()
		return
	}

	// All candidates exhausted: synthesize a plausible schedule so there is
	// always something to render, and record the advisory error.
	g.mu.Lock()
	g.programs = g.syntheticSchedule()
	g.err = ErrScheduleUnavailable
	g.synthetic = true
	g.loading = false
	g.mu.Unlock()
	metrics.GuideRefreshes.WithLabelValues("synthetic").Inc()
}

// candidates builds the ordered guide source list: the explicit URL first,
// then a locale-hinted country feed, then the generic feed.
func (g *Guide) candidates() []string {
	var out []string
	if g.sourceURL != "" {
		out = append(out, g.sourceURL)
	}
	if i := strings.LastIndex(g.channelID, "."); i >= 0 {
		hint := strings.ToLower(g.channelID[i+1:])
		if u, ok := g.countryGuides[hint]; ok {
			return append(out, u)
		}
	}
	return append(out, g.genericGuide)
}

func (g *Guide) tryCandidate(ctx context.Context, rawURL string) ([]models.Program, error) {
	text, err := g.fetcher.FetchText(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	for _, sched := range ParseXMLTV(text) {
		if sched.ChannelID == g.channelID && len(sched.Programs) > 0 {
			return sched.Programs, nil
		}
	}
	return nil, fmt.Errorf("%s: no programs for channel %s", rawURL, g.channelID)
}

// syntheticSchedule builds 12 two-hour slots around now: two fully in the
// past, the slot containing now labeled as the current program, the one
// after it as the next.
func (g *Guide) syntheticSchedule() []models.Program {
	now := g.now()
	base := now.Add(-2 * syntheticSlotLen).Truncate(syntheticSlotLen)
	programs := make([]models.Program, 0, syntheticSlots)
	for i := range syntheticSlots {
		start := base.Add(time.Duration(i) * syntheticSlotLen)
		stop := start.Add(syntheticSlotLen)
		var title string
		switch {
		case !start.After(now) && stop.After(now):
			title = "Current Program"
		case start.After(now) && !start.After(now.Add(syntheticSlotLen)):
			title = "Next Program"
		default:
			title = "Program " + strconv.Itoa(i+1)
		}
		programs = append(programs, models.Program{
			ID:          g.channelID + "-" + strconv.FormatInt(start.Unix(), 10),
			Title:       title,
			Description: "Schedule information is currently unavailable.",
			Start:       start,
			Stop:        stop,
		})
	}
	return programs
}

// Start launches the periodic refresh loop; the first tick fires after one
// interval, so callers wanting data right away call Refresh first. Ticks
// that arrive while a refresh is still in flight are skipped rather than
// queued. Stop ends the loop.
func (g *Guide) Start(ctx context.Context) {
	go func() {
		defer close(g.done)
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		for {
			select {
			case <-g.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.refreshOnce(ctx)
			}
		}
	}()
}

func (g *Guide) refreshOnce(ctx context.Context) {
	if !g.refreshing.CompareAndSwap(false, true) {
		return
	}
	defer g.refreshing.Store(false)
	g.Refresh(ctx)
}

// Stop cancels the periodic refresh loop and waits for it to exit. The
// guide's data stays queryable after Stop.
func (g *Guide) Stop() {
	g.stopOnce.Do(func() { close(g.stop) })
	<-g.done
}

// CurrentProgram returns the program whose [start, stop) interval contains
// now. With overlapping malformed data the first match in list order wins.
func (g *Guide) CurrentProgram() (models.Program, bool) {
	now := g.now()
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, p := range g.programs {
		if !p.Start.After(now) && p.Stop.After(now) {
			return p, true
		}
	}
	return models.Program{}, false
}

// NextProgram returns the earliest program starting strictly after now.
func (g *Guide) NextProgram() (models.Program, bool) {
	now := g.now()
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, p := range g.programs {
		if p.Start.After(now) {
			return p, true
		}
	}
	return models.Program{}, false
}

// TodayPrograms returns the programs starting within the local calendar day
// containing now.
func (g *Guide) TodayPrograms() []models.Program {
	now := g.now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	dayEnd := dayStart.AddDate(0, 0, 1)

	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []models.Program
	for _, p := range g.programs {
		if !p.Start.Before(dayStart) && p.Start.Before(dayEnd) {
			out = append(out, p)
		}
	}
	return out
}

// Programs returns a copy of the full schedule.
func (g *Guide) Programs() []models.Program {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.Program, len(g.programs))
	copy(out, g.programs)
	return out
}

// Synthetic reports whether the current schedule is placeholder data.
func (g *Guide) Synthetic() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.synthetic
}

// Err returns the advisory error from the last refresh, if any.
func (g *Guide) Err() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.err
}

// Loading reports whether a refresh is underway.
func (g *Guide) Loading() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.loading
}

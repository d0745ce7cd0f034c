// Package playlist parses M3U-family playlists into channel descriptors.
// Playlists in the wild are frequently malformed, so parsing is permissive:
// a bad record degrades to fewer channels, never to an error. Dropped lines
// are reported alongside the parsed output.
package playlist

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/voyagen/streamvault/internal/models"
)

const (
	extinfMarker  = "#EXTINF"
	commentMarker = "#"
	defaultGroup  = "General"
)

var (
	reTvgID   = regexp.MustCompile(`tvg-id="([^"]*)"`)
	reTvgLogo = regexp.MustCompile(`tvg-logo="([^"]*)"`)
	reGroup   = regexp.MustCompile(`group-title="([^"]*)"`)

	// rePlaylistURL matches URLs that point at another playlist rather than
	// at a directly playable manifest target, e.g. "http://x/list.m3u" or
	// "http://x/list.m3u8?token=abc".
	rePlaylistURL = regexp.MustCompile(`(?i)\.m3u8?(\?.*)?$`)

	// reManifestURL matches the adaptive-bitrate manifest extension only.
	reManifestURL = regexp.MustCompile(`(?i)\.m3u8(\?.*)?$`)
)

// IsPlaylistURL reports whether rawURL looks like a playlist reference that
// needs a level of resolution before playback.
func IsPlaylistURL(rawURL string) bool {
	return rePlaylistURL.MatchString(rawURL)
}

// IsManifestURL reports whether rawURL ends in the adaptive-bitrate manifest
// extension (optionally followed by a query string).
func IsManifestURL(rawURL string) bool {
	return reManifestURL.MatchString(rawURL)
}

// Skipped records a line the parser dropped, so callers and tests can see
// what went missing from a malformed playlist.
type Skipped struct {
	LineNum int    `json:"line_num"`
	Line    string `json:"line"`
	Reason  string `json:"reason"`
}

// Result is the output of one parse: channels in source order plus the lines
// that were silently dropped.
type Result struct {
	Channels []*models.Channel
	Skipped  []Skipped
}

// Prewarmer receives fire-and-forget resolution work for channels whose URL
// is itself a nested playlist, so the resolution cache is warm by the time a
// consumer selects the channel. Enqueue must not block; it reports whether
// the job was accepted.
type Prewarmer interface {
	Prewarm(nominalURL string) bool
}

// Parser converts playlist text into channel descriptors. The zero value is
// usable; attach a Prewarmer to trigger background resolution of nested
// playlist URLs during parsing.
type Parser struct {
	prewarm Prewarmer
}

// NewParser creates a Parser. prewarm may be nil.
func NewParser(prewarm Prewarmer) *Parser {
	return &Parser{prewarm: prewarm}
}

// Parse converts text into channel descriptors tagged with sourceName.
// Empty input yields an empty result, not an error. Duplicate URLs produce
// independent descriptors.
//
// The parser is a two-state line machine: an #EXTINF line opens a pending
// channel (state A -> B); the next non-blank, non-comment line is taken as
// its stream URL and finalizes it (state B -> A). Comment lines seen while
// waiting for a URL are playlist directives and are skipped without
// consuming the pending channel.
func (p *Parser) Parse(text, sourceName string) *Result {
	res := &Result{}
	var pending *models.Channel

	for i, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		if pending == nil {
			// State A: seeking metadata.
			if strings.HasPrefix(line, extinfMarker) {
				pending = p.parseMetadata(line, len(res.Channels)+1)
				continue
			}
			if !strings.HasPrefix(line, commentMarker) {
				res.Skipped = append(res.Skipped, Skipped{
					LineNum: i + 1,
					Line:    line,
					Reason:  "stream URL without preceding metadata",
				})
			}
			continue
		}

		// State B: seeking the stream URL.
		if strings.HasPrefix(line, commentMarker) {
			continue
		}
		pending.StreamURL = line
		pending.ID = sourceName + "-" + strconv.Itoa(len(res.Channels)+1)
		pending.SourceName = sourceName
		res.Channels = append(res.Channels, pending)
		if p.prewarm != nil && IsPlaylistURL(line) {
			p.prewarm.Prewarm(line)
		}
		pending = nil
	}

	return res
}

// parseMetadata extracts name, logo, and group from an #EXTINF line. n is
// the 1-based position this channel will take, used for the synthetic name.
func (p *Parser) parseMetadata(line string, n int) *models.Channel {
	ch := &models.Channel{Group: defaultGroup}

	if m := reGroup.FindStringSubmatch(line); m != nil && strings.TrimSpace(m[1]) != "" {
		ch.Group = strings.TrimSpace(m[1])
	}
	if m := reTvgID.FindStringSubmatch(line); m != nil {
		ch.TvgID = strings.TrimSpace(m[1])
	}

	// Display name is whatever follows the last comma. Attribute values are
	// quoted, so a last-comma split survives commas inside attributes but
	// not commas inside the name itself; that is the accepted trade-off of
	// the format.
	if i := strings.LastIndex(line, ","); i >= 0 {
		ch.Name = strings.TrimSpace(line[i+1:])
	}
	if ch.Name == "" {
		ch.Name = "Channel " + strconv.Itoa(n)
	}

	if m := reTvgLogo.FindStringSubmatch(line); m != nil && strings.TrimSpace(m[1]) != "" {
		ch.LogoURL = strings.TrimSpace(m[1])
	} else {
		ch.LogoURL = PlaceholderLogo(ch.Name)
	}
	return ch
}

// PlaceholderLogo builds a deterministic fallback image URL from the first
// character of the channel name, so renderers always have something to show.
func PlaceholderLogo(name string) string {
	first := "?"
	for _, r := range name {
		first = string(r)
		break
	}
	return "https://placehold.co/128x128?text=" + url.QueryEscape(first)
}

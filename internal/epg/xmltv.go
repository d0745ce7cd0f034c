// Package epg acquires and serves electronic program guide data. The XMLTV
// parser here tolerates the malformed feeds real guide hosts publish: bad
// entries are skipped, and a document that fails to parse at all yields an
// empty result rather than an error.
package epg

import (
	"encoding/xml"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/voyagen/streamvault/internal/models"
)

// xmltvTimeLayout is the fixed 14-digit prefix of XMLTV timestamps.
const xmltvTimeLayout = "20060102150405"

type xmltvDoc struct {
	XMLName    xml.Name         `xml:"tv"`
	Programmes []xmltvProgramme `xml:"programme"`
}

type xmltvProgramme struct {
	Channel  string `xml:"channel,attr"`
	Start    string `xml:"start,attr"`
	Stop     string `xml:"stop,attr"`
	Title    string `xml:"title"`
	Desc     string `xml:"desc"`
	Category string `xml:"category"`
}

// ParseXMLTV converts XMLTV text into per-channel schedules sorted ascending
// by start time. Programme entries missing their channel reference or either
// timestamp are skipped; a document-level parse failure yields an empty
// result.
//
// Timestamps are read from the 14-digit YYYYMMDDHHMMSS prefix and interpreted
// in the process local time zone; a trailing timezone offset in the feed is
// ignored.
func ParseXMLTV(text string) []models.Schedule {
	var doc xmltvDoc
	if err := xml.Unmarshal([]byte(text), &doc); err != nil {
		return nil
	}

	byChannel := make(map[string][]models.Program)
	var order []string
	for _, p := range doc.Programmes {
		channel := strings.TrimSpace(p.Channel)
		if channel == "" {
			continue
		}
		start, ok := parseXMLTVTime(p.Start)
		if !ok {
			continue
		}
		stop, ok := parseXMLTVTime(p.Stop)
		if !ok {
			continue
		}
		if !start.Before(stop) {
			continue
		}

		title := strings.TrimSpace(p.Title)
		if title == "" {
			title = "Untitled program"
		}
		if _, seen := byChannel[channel]; !seen {
			order = append(order, channel)
		}
		byChannel[channel] = append(byChannel[channel], models.Program{
			ID:          channel + "-" + strconv.FormatInt(start.Unix(), 10),
			Title:       title,
			Description: strings.TrimSpace(p.Desc),
			Category:    strings.TrimSpace(p.Category),
			Start:       start,
			Stop:        stop,
		})
	}

	schedules := make([]models.Schedule, 0, len(order))
	for _, channel := range order {
		programs := byChannel[channel]
		sort.SliceStable(programs, func(i, j int) bool {
			return programs[i].Start.Before(programs[j].Start)
		})
		schedules = append(schedules, models.Schedule{ChannelID: channel, Programs: programs})
	}
	return schedules
}

// parseXMLTVTime parses the 14-digit timestamp prefix in local time.
func parseXMLTVTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if len(s) < len(xmltvTimeLayout) {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(xmltvTimeLayout, s[:len(xmltvTimeLayout)], time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

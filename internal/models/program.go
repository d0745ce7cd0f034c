package models

import "time"

// Program is a single guide entry. Start is always before Stop; entries that
// would violate that are dropped at parse time.
type Program struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Category    string    `json:"category,omitempty"`
	Start       time.Time `json:"start"`
	Stop        time.Time `json:"stop"`
}

// Progress returns how far through the program "now" is, clamped to [0,100].
func (p Program) Progress(now time.Time) float64 {
	total := p.Stop.Sub(p.Start)
	if total <= 0 {
		return 0
	}
	pct := float64(now.Sub(p.Start)) / float64(total) * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// Schedule is one channel's program list, sorted ascending by start time.
type Schedule struct {
	ChannelID string    `json:"channel_id"`
	Programs  []Program `json:"programs"`
}

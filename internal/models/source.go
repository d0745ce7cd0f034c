package models

import "time"

// Source kind constants.
const (
	SourceKindPlaylist      = "playlist"
	SourceKindManualChannel = "manual"
)

// CustomSource is a user-added source persisted in the registry.
// A playlist source carries the playlist URL; a manual source declares a
// single channel directly (name + stream URL).
type CustomSource struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	URL       string     `json:"url,omitempty"`
	Kind      string     `json:"kind"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

package models

// Channel represents a single stream entry parsed from a playlist.
// ResolvedURL starts empty and is populated asynchronously by the resolver;
// the whole batch is replaced wholesale when a source is reloaded.
type Channel struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	LogoURL     string `json:"logo_url"`
	StreamURL   string `json:"stream_url"`
	ResolvedURL string `json:"resolved_url,omitempty"`
	Group       string `json:"group"`
	SourceName  string `json:"source_name"`
	// SourceID back-references the CustomSource this channel came from.
	SourceID string `json:"source_id,omitempty"`
	// TvgID links the channel to its guide schedule (XMLTV channel id).
	TvgID string `json:"tvg_id,omitempty"`
}

package castmeta

// Receiver track fields.
const (
	TrackTypeText          = "TEXT"
	TrackSubtypeCaptions   = "CAPTIONS"
	TrackContentTypeWebVTT = "text/vtt"
)

// Track is one receiver-side text track. IDs are list positions and stay
// stable for the life of the loaded media.
type Track struct {
	ID          int
	ContentID   string
	ContentType string
	Type        string
	Subtype     string
	Name        string
	Language    string
}

// Tracks maps the subtitles of md to receiver tracks.
func Tracks(md CastMetadata) []Track {
	if len(md.subtitles) == 0 {
		return nil
	}

	tracks := make([]Track, 0, len(md.subtitles))
	for i, s := range md.subtitles {
		tracks = append(tracks, Track{
			ID:          i,
			ContentID:   md.SubtitleURL(s.ISO639),
			ContentType: TrackContentTypeWebVTT,
			Type:        TrackTypeText,
			Subtype:     TrackSubtypeCaptions,
			Name:        s.Language,
			Language:    s.ISO639,
		})
	}
	return tracks
}

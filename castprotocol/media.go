package castprotocol

import (
	"popcast.app/popcast/castmeta"
	"popcast.app/popcast/playback"
)

// Receiver metadata types.
const (
	metadataTypeMovie  = 1
	metadataTypeTVShow = 2
)

// MediaTrack represents a media track (audio, video, or text/subtitles).
type MediaTrack struct {
	TrackId     int    `json:"trackId"`
	Type        string `json:"type"`             // "TEXT", "AUDIO", "VIDEO"
	SubType     string `json:"subtype"`          // "SUBTITLES", "CAPTIONS", etc.
	ContentId   string `json:"trackContentId"`   // URL to the track content (e.g., WebVTT file)
	ContentType string `json:"trackContentType"` // MIME type (e.g., "text/vtt")
	Name        string `json:"name"`             // Display name (e.g., "English")
	Language    string `json:"language"`         // Language code (e.g., "en")
}

// MediaItemWithTracks is the media object of a LOAD request with text
// tracks, metadata and track style.
type MediaItemWithTracks struct {
	ContentId      string          `json:"contentId"`
	ContentType    string          `json:"contentType"`
	StreamType     string          `json:"streamType"`
	Duration       float32         `json:"duration,omitempty"`
	Metadata       *MediaMeta      `json:"metadata,omitempty"`
	Tracks         []MediaTrack    `json:"tracks,omitempty"`
	TextTrackStyle *TextTrackStyle `json:"textTrackStyle,omitempty"`
}

// MediaMeta contains metadata about the media.
type MediaMeta struct {
	MetadataType int     `json:"metadataType"`
	Title        string  `json:"title,omitempty"`
	Images       []Image `json:"images,omitempty"`
}

// Image is a cover shown by the receiver.
type Image struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// TextTrackStyle is the receiver's subtitle style object.
type TextTrackStyle struct {
	FontFamily      string `json:"fontFamily,omitempty"`
	ForegroundColor string `json:"foregroundColor,omitempty"`
}

func trackStyle(s playback.TextTrackStyle) *TextTrackStyle {
	if s == (playback.TextTrackStyle{}) {
		return nil
	}
	return &TextTrackStyle{FontFamily: s.FontFamily, ForegroundColor: s.ForegroundColor}
}

// mediaItem builds the LOAD media object for md.
func mediaItem(md castmeta.CastMetadata) MediaItemWithTracks {
	meta := &MediaMeta{
		MetadataType: metadataTypeMovie,
		Title:        md.Title(),
	}
	if md.Kind() == castmeta.KindEpisode {
		meta.MetadataType = metadataTypeTVShow
	}
	if img := md.ImageURL(); img != "" {
		meta.Images = []Image{{URL: img, Width: castmeta.CoverWidth, Height: castmeta.CoverHeight}}
	}

	item := MediaItemWithTracks{
		ContentId:   md.ContentURL(),
		ContentType: md.ContentType(),
		StreamType:  "BUFFERED",
		Duration:    float32(md.Duration()),
		Metadata:    meta,
		// receiver default style until the user picks one
		TextTrackStyle: &TextTrackStyle{},
	}

	for _, t := range castmeta.Tracks(md) {
		item.Tracks = append(item.Tracks, MediaTrack{
			TrackId:     t.ID,
			Type:        t.Type,
			SubType:     t.Subtype,
			ContentId:   t.ContentID,
			ContentType: t.ContentType,
			Name:        t.Name,
			Language:    t.Language,
		})
	}
	return item
}

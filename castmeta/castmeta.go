// Package castmeta turns a local media item and its resolved playback inputs
// into the immutable descriptor loaded onto a cast receiver.
package castmeta

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"slices"
	"strings"
)

// Content types the receiver is told to expect. Movies and episodes come
// from different upstream containers and the receiver refuses playback when
// the declared type is wrong.
const (
	ContentTypeMovie   = "video/mp4"
	ContentTypeEpisode = "video/x-matroska"
)

// Cover art is requested in this size from the receiver metadata.
const (
	CoverWidth  = 480
	CoverHeight = 720
)

// SubtitlesDir is the directory below the assets root holding converted
// subtitle files.
const SubtitlesDir = "Subtitles"

var (
	ErrMissingTitle      = errors.New("castmeta: missing title")
	ErrMissingContentURL = errors.New("castmeta: missing content url")
	ErrUnknownKind       = errors.New("castmeta: unknown media kind")
)

// MetadataError reports why a CastMetadata could not be built.
type MetadataError struct {
	MediaID string
	Err     error
}

func (e *MetadataError) Error() string {
	if e.MediaID == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s (media %s)", e.Err, e.MediaID)
}

func (e *MetadataError) Unwrap() error { return e.Err }

// Kind tells movies and episodes apart.
type Kind int

const (
	KindMovie Kind = iota
	KindEpisode
)

func (k Kind) String() string {
	switch k {
	case KindMovie:
		return "movie"
	case KindEpisode:
		return "episode"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "movie", "":
		return KindMovie, nil
	case "episode", "show":
		return KindEpisode, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Subtitle describes one subtitle source. Two subtitles are the same track
// iff their links match.
type Subtitle struct {
	Language string
	ISO639   string
	Link     string
}

// Equal compares by source link.
func (s Subtitle) Equal(o Subtitle) bool {
	return s.Link == o.Link
}

// IsLocal reports whether Link already points at a file on disk.
func (s Subtitle) IsLocal() bool {
	l := strings.ToLower(s.Link)
	return !strings.HasPrefix(l, "http://") && !strings.HasPrefix(l, "https://")
}

// Item is what the builder needs to know about a playable title.
type Item interface {
	ID() string
	Title() string
	CoverImage() string
	Subtitles() []Subtitle
	Kind() Kind
}

// Movie is a feature film.
type Movie struct {
	IMDbID    string
	Name      string
	Year      int
	Cover     string
	Subs      []Subtitle
	TraktSlug string
}

func (m *Movie) ID() string            { return m.IMDbID }
func (m *Movie) Title() string         { return m.Name }
func (m *Movie) CoverImage() string    { return m.Cover }
func (m *Movie) Subtitles() []Subtitle { return m.Subs }
func (m *Movie) Kind() Kind            { return KindMovie }

// Show groups episodes.
type Show struct {
	IMDbID string
	Name   string
	Cover  string
}

// Episode is one episode of a Show.
type Episode struct {
	TVDBID string
	Show   *Show
	Season int
	Number int
	Name   string
	Cover  string
	Subs   []Subtitle
}

func (e *Episode) ID() string            { return e.TVDBID }
func (e *Episode) Title() string         { return e.Name }
func (e *Episode) Subtitles() []Subtitle { return e.Subs }
func (e *Episode) Kind() Kind            { return KindEpisode }

// CoverImage prefers the show's poster; episode stills have the wrong
// aspect for the receiver's idle screen.
func (e *Episode) CoverImage() string {
	if e.Show != nil && e.Show.Cover != "" {
		return e.Show.Cover
	}
	return e.Cover
}

// CastMetadata is the immutable description of one playback request. Build
// a new one through Builder to play something else.
type CastMetadata struct {
	mediaID       string
	kind          Kind
	title         string
	contentURL    string
	contentType   string
	subtitles     []Subtitle
	selected      *Subtitle
	imageURL      string
	startPosition float64
	duration      float64
	assetsPath    string
	assetsURL     string
}

func (m CastMetadata) MediaID() string        { return m.mediaID }
func (m CastMetadata) Kind() Kind             { return m.kind }
func (m CastMetadata) Title() string          { return m.title }
func (m CastMetadata) ContentURL() string     { return m.contentURL }
func (m CastMetadata) ContentType() string    { return m.contentType }
func (m CastMetadata) ImageURL() string       { return m.imageURL }
func (m CastMetadata) StartPosition() float64 { return m.startPosition }
func (m CastMetadata) Duration() float64      { return m.duration }
func (m CastMetadata) AssetsPath() string     { return m.assetsPath }
func (m CastMetadata) AssetsURL() string      { return m.assetsURL }

// Subtitles returns a copy of the ordered subtitle list.
func (m CastMetadata) Subtitles() []Subtitle { return slices.Clone(m.subtitles) }

// SelectedSubtitle returns the subtitle picked before the load, if any.
func (m CastMetadata) SelectedSubtitle() (Subtitle, bool) {
	if m.selected == nil {
		return Subtitle{}, false
	}
	return *m.selected, true
}

// TrackIndex returns the track id assigned to s at load time, or -1.
func (m CastMetadata) TrackIndex(s Subtitle) int {
	return slices.IndexFunc(m.subtitles, s.Equal)
}

// SubtitleFile is where the converted file for iso lives on disk.
func (m CastMetadata) SubtitleFile(iso string) string {
	return filepath.Join(m.assetsPath, SubtitlesDir, iso+".vtt")
}

// SubtitleURL is the receiver-facing location of the converted file for iso.
// Without an assets URL the path relative to the assets root is used.
func (m CastMetadata) SubtitleURL(iso string) string {
	if m.assetsURL == "" {
		return path.Join(filepath.ToSlash(m.assetsPath), SubtitlesDir, iso+".vtt")
	}
	return strings.TrimSuffix(m.assetsURL, "/") + "/" + SubtitlesDir + "/" + iso + ".vtt"
}

// PositionLookup returns the last known watch position of a media id in
// seconds.
type PositionLookup interface {
	LastPosition(mediaID string) (float64, bool)
}

// Inputs are the resolved playback inputs of one request.
type Inputs struct {
	// ContentURL is receiver reachable: a streaming URL or a local file
	// already exposed by the media server.
	ContentURL string
	// AssetsPath is the local directory holding the media's side files.
	AssetsPath string
	// AssetsURL is AssetsPath as served to the receiver.
	AssetsURL string
	// StartPosition overrides the watch-history position when set.
	StartPosition *float64
	Duration      float64
	Subtitle      *Subtitle
}

// Builder creates CastMetadata values. It does no I/O.
type Builder struct {
	Positions PositionLookup
}

// Build validates item and in and returns the descriptor. Missing title or
// content URL yields a *MetadataError, never a partial value.
func (b Builder) Build(item Item, in Inputs) (CastMetadata, error) {
	if item == nil {
		return CastMetadata{}, &MetadataError{Err: ErrMissingTitle}
	}

	id := item.ID()
	title := strings.TrimSpace(item.Title())
	if title == "" {
		return CastMetadata{}, &MetadataError{MediaID: id, Err: ErrMissingTitle}
	}
	if strings.TrimSpace(in.ContentURL) == "" {
		return CastMetadata{}, &MetadataError{MediaID: id, Err: ErrMissingContentURL}
	}

	var contentType string
	switch item.Kind() {
	case KindMovie:
		contentType = ContentTypeMovie
	case KindEpisode:
		contentType = ContentTypeEpisode
	default:
		return CastMetadata{}, &MetadataError{MediaID: id, Err: ErrUnknownKind}
	}

	start := 0.0
	switch {
	case in.StartPosition != nil:
		start = *in.StartPosition
	case b.Positions != nil:
		if p, ok := b.Positions.LastPosition(id); ok {
			start = p
		}
	}
	if start < 0 {
		start = 0
	}

	subs := slices.Clone(item.Subtitles())

	var selected *Subtitle
	if in.Subtitle != nil {
		s := *in.Subtitle
		// a preselected subtitle outside the item's list still gets a track
		if !slices.ContainsFunc(subs, s.Equal) {
			subs = append(subs, s)
		}
		selected = &s
	}

	return CastMetadata{
		mediaID:       id,
		kind:          item.Kind(),
		title:         title,
		contentURL:    in.ContentURL,
		contentType:   contentType,
		subtitles:     subs,
		selected:      selected,
		imageURL:      item.CoverImage(),
		startPosition: start,
		duration:      in.Duration,
		assetsPath:    in.AssetsPath,
		assetsURL:     in.AssetsURL,
	}, nil
}

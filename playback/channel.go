package playback

import (
	"context"

	"popcast.app/popcast/castmeta"
)

// MediaChannel issues commands to the receiver of one connected session.
// Implementations must not block the caller on network round trips; results
// surface through the status subscription.
type MediaChannel interface {
	LoadMedia(md castmeta.CastMetadata) error
	Play() error
	Pause() error
	// Seek moves to position seconds. resume asks the receiver to play
	// afterwards.
	Seek(position float64, resume bool) error
	SetVolume(level float64) error
	SetMuted(muted bool) error
	// SetActiveTracks activates the given track ids. An empty list turns
	// subtitles off.
	SetActiveTracks(ids []int) error
	SetTextTrackStyle(style TextTrackStyle) error
	Stop() error
	// Subscribe registers fn for status pushes. fn may run on any
	// goroutine. The returned func unsubscribes.
	Subscribe(fn func(Status)) (unsubscribe func())
}

// Progress is one watch-history report.
type Progress struct {
	MediaID string
	Kind    castmeta.Kind
	// Fraction is the watched share, 0..1.
	Fraction float64
	Position float64
	Status   ProgressStatus
}

// WatchHistory receives progress reports. ReportProgress must return
// promptly.
type WatchHistory interface {
	ReportProgress(p Progress)
}

// SubtitleFetcher downloads link, converts it to WebVTT and stores it in dir
// named after iso. It returns the local path.
type SubtitleFetcher interface {
	FetchAndConvert(ctx context.Context, link, dir, iso string) (string, error)
}

// AssetCache removes a media item's cached files.
type AssetCache interface {
	DeleteCachedAssets(path string) error
}

// StreamCanceller stops the streaming engine feeding the current media.
type StreamCanceller interface {
	CancelStreaming()
}

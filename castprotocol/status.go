package castprotocol

import (
	"github.com/vishen/go-chromecast/cast"

	"popcast.app/popcast/playback"
)

// finishThreshold is how close to the end a vanished media status counts as
// finished playback.
const finishThreshold = 1.5

// statusFromMedia maps the library's cached status to a playback.Status.
func statusFromMedia(media *cast.Media, vol *cast.Volume) playback.Status {
	var s playback.Status
	if vol != nil {
		s.Volume = float64(vol.Level)
		s.Muted = vol.Muted
	}
	if media == nil {
		s.PlayerState = playback.StateIdle
		return s
	}

	s.PlayerState = playback.ParsePlayerState(media.PlayerState)
	s.IdleReason = playback.ParseIdleReason(media.IdleReason)
	s.StreamPosition = float64(media.CurrentTime)
	if media.Media.Duration > 0 {
		s.StreamDuration = float64(media.Media.Duration)
	}
	return s
}

// statusTracker turns successive polls into status pushes. Receivers drop
// the media status once playback ends instead of reporting IDLE/FINISHED,
// so a vanished status right after playing near the end is reported as
// finished.
type statusTracker struct {
	hadMedia bool
	last     playback.Status
}

// next returns the status to push for one poll and whether to push it.
func (t *statusTracker) next(media *cast.Media, vol *cast.Volume) (playback.Status, bool) {
	s := statusFromMedia(media, vol)

	if media == nil {
		if !t.hadMedia {
			// nothing loaded yet
			return s, false
		}
		t.hadMedia = false

		s.StreamPosition = t.last.StreamPosition
		s.StreamDuration = t.last.StreamDuration
		switch {
		case t.last.PlayerState == playback.StateIdle:
			return s, false
		case t.last.StreamDuration > 0 && t.last.StreamPosition >= t.last.StreamDuration-finishThreshold:
			s.IdleReason = playback.IdleFinished
		default:
			s.IdleReason = playback.IdleInterrupted
		}
		t.last = s
		return s, true
	}

	t.hadMedia = true
	t.last = s
	return s, true
}

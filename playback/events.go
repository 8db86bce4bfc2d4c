package playback

import (
	"errors"

	"popcast.app/popcast/castmeta"
)

var (
	ErrLoadTimeout      = errors.New("playback: receiver did not start playing")
	ErrUnknownSubtitle  = errors.New("playback: subtitle is not part of the loaded media")
	ErrNoSubtitleSource = errors.New("playback: no subtitle fetcher configured")
	ErrClosed           = errors.New("playback: reconciler closed")
)

// EndReason says why a reconciler tore down.
type EndReason int

const (
	EndFinished EndReason = iota
	EndCancelled
	EndInterrupted
	EndError
	EndLoadTimeout
	EndStopped
	EndDetached
)

func (r EndReason) String() string {
	switch r {
	case EndFinished:
		return "finished"
	case EndCancelled:
		return "cancelled"
	case EndInterrupted:
		return "interrupted"
	case EndError:
		return "error"
	case EndLoadTimeout:
		return "load timeout"
	case EndStopped:
		return "stopped"
	case EndDetached:
		return "detached"
	default:
		return "unknown"
	}
}

func endReasonFor(r IdleReason) EndReason {
	switch r {
	case IdleCancelled:
		return EndCancelled
	case IdleInterrupted:
		return EndInterrupted
	case IdleError:
		return EndError
	default:
		return EndFinished
	}
}

// Event is a notification for the UI collaborator. The set is closed.
type Event interface {
	playbackEvent()
}

type (
	// BufferingStarted asks the UI to show a buffering indicator.
	BufferingStarted struct{}

	// StateChanged carries a new remote player state.
	StateChanged struct {
		State  PlayerState
		Reason IdleReason
	}

	// PositionChanged drives the elapsed/remaining display.
	PositionChanged struct {
		Position  float64
		Duration  float64
		Scrubbing bool
	}

	// VolumeChanged mirrors the receiver's volume.
	VolumeChanged struct {
		Level float64
		Muted bool
	}

	// LoadTimedOut reports that the receiver never began playing. Teardown
	// follows after a grace delay.
	LoadTimedOut struct{}

	// SubtitleActivated reports a track switch. Subtitle is nil when
	// subtitles were turned off.
	SubtitleActivated struct {
		Subtitle *castmeta.Subtitle
		TrackID  int
	}

	// SubtitleActivationFailed reports an abandoned track switch. Playback
	// continues.
	SubtitleActivationFailed struct {
		Subtitle castmeta.Subtitle
		Err      error
	}

	// PlaybackEnded is the last event of a reconciler.
	PlaybackEnded struct {
		Reason EndReason
		Err    error
	}
)

func (BufferingStarted) playbackEvent()         {}
func (StateChanged) playbackEvent()             {}
func (PositionChanged) playbackEvent()          {}
func (VolumeChanged) playbackEvent()            {}
func (LoadTimedOut) playbackEvent()             {}
func (SubtitleActivated) playbackEvent()        {}
func (SubtitleActivationFailed) playbackEvent() {}
func (PlaybackEnded) playbackEvent()            {}

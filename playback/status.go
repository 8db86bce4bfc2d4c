package playback

import (
	"fmt"
	"slices"
)

// PlayerState is the receiver's player state.
type PlayerState int

const (
	StateUnknown PlayerState = iota
	StateIdle
	StateBuffering
	StatePlaying
	StatePaused
)

func (s PlayerState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateBuffering:
		return "BUFFERING"
	case StatePlaying:
		return "PLAYING"
	case StatePaused:
		return "PAUSED"
	default:
		return "UNKNOWN"
	}
}

// ParsePlayerState maps the receiver's wire names.
func ParsePlayerState(s string) PlayerState {
	switch s {
	case "IDLE":
		return StateIdle
	case "BUFFERING", "LOADING":
		return StateBuffering
	case "PLAYING":
		return StatePlaying
	case "PAUSED":
		return StatePaused
	default:
		return StateUnknown
	}
}

// IdleReason says why the player went idle.
type IdleReason int

const (
	IdleNone IdleReason = iota
	IdleFinished
	IdleError
	IdleCancelled
	IdleInterrupted
)

func (r IdleReason) String() string {
	switch r {
	case IdleFinished:
		return "FINISHED"
	case IdleError:
		return "ERROR"
	case IdleCancelled:
		return "CANCELLED"
	case IdleInterrupted:
		return "INTERRUPTED"
	default:
		return "NONE"
	}
}

// ParseIdleReason maps the receiver's wire names.
func ParseIdleReason(s string) IdleReason {
	switch s {
	case "FINISHED":
		return IdleFinished
	case "ERROR":
		return IdleError
	case "CANCELLED":
		return IdleCancelled
	case "INTERRUPTED":
		return IdleInterrupted
	default:
		return IdleNone
	}
}

// Status is one snapshot of the remote player, recomputed from every push.
type Status struct {
	PlayerState    PlayerState
	IdleReason     IdleReason
	StreamPosition float64
	StreamDuration float64
	ActiveTrackIDs []int
	Volume         float64
	Muted          bool
}

func (s Status) String() string {
	if s.PlayerState == StateIdle {
		return fmt.Sprintf("%s(%s) %.1f/%.1f", s.PlayerState, s.IdleReason, s.StreamPosition, s.StreamDuration)
	}
	return fmt.Sprintf("%s %.1f/%.1f", s.PlayerState, s.StreamPosition, s.StreamDuration)
}

// Clone returns a copy that shares no memory with s.
func (s Status) Clone() Status {
	s.ActiveTrackIDs = slices.Clone(s.ActiveTrackIDs)
	return s
}

// ProgressStatus is the watch-history state reported for a media item.
type ProgressStatus int

const (
	ProgressWatching ProgressStatus = iota
	ProgressPaused
	ProgressFinished
)

func (p ProgressStatus) String() string {
	switch p {
	case ProgressWatching:
		return "watching"
	case ProgressPaused:
		return "paused"
	case ProgressFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// TextTrackStyle is the receiver's subtitle rendering style. Colors are
// #RRGGBBAA strings.
type TextTrackStyle struct {
	FontFamily      string
	ForegroundColor string
}

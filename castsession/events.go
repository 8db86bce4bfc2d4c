package castsession

import (
	"errors"

	"popcast.app/popcast/devices"
	"popcast.app/popcast/playback"
)

var (
	ErrDeviceUnavailable  = errors.New("castsession: device unavailable")
	ErrSessionStartFailed = errors.New("castsession: session start failed")
	ErrNotConnected       = errors.New("castsession: no connected session")
)

// State of the single session.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Ending
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Ending:
		return "ending"
	default:
		return "unknown"
	}
}

// Event is a callback from the session SDK.
type Event interface {
	sessionEvent()
}

type (
	// SessionStarted reports a live session with Device.
	SessionStarted struct {
		Device  devices.Device
		Channel playback.MediaChannel
	}

	// SessionStartFailed reports that Device could not be reached or the
	// receiver app did not launch.
	SessionStartFailed struct {
		Device devices.Device
		Err    error
	}

	// SessionEnded reports the end of the current session. Err is set when
	// ending failed.
	SessionEnded struct {
		Err error
	}
)

func (SessionStarted) sessionEvent()     {}
func (SessionStartFailed) sessionEvent() {}
func (SessionEnded) sessionEvent()       {}

// Notification is what the UI collaborator hears. The set is closed.
type Notification interface {
	notification()
}

type (
	// ConnectedNotice closes the device chooser. MediaLoading tells whether
	// a load was issued.
	ConnectedNotice struct {
		Device       devices.Device
		MediaLoading bool
	}

	// DisconnectedNotice is sent when a session ends with nothing queued.
	// It also closes the device chooser.
	DisconnectedNotice struct{}

	// ConnectionFailedNotice reports a failed connect. No retry follows.
	ConnectionFailedNotice struct {
		Device devices.Device
		Err    error
	}

	// SessionEndFailedNotice reports a failed disconnect. Any queued switch
	// was dropped.
	SessionEndFailedNotice struct {
		Err error
	}
)

func (ConnectedNotice) notification()        {}
func (DisconnectedNotice) notification()     {}
func (ConnectionFailedNotice) notification() {}
func (SessionEndFailedNotice) notification() {}

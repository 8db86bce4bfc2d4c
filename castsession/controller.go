// Package castsession owns the lifecycle of the single cast session: connect,
// switch and disconnect. Every Controller method must run on the control
// queue; adapters on other goroutines use Deliver.
package castsession

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"popcast.app/popcast/castmeta"
	"popcast.app/popcast/devices"
	"popcast.app/popcast/dispatch"
	"popcast.app/popcast/internal/metrics"
	"popcast.app/popcast/playback"
)

// SessionManager is the session SDK. Only one session exists at a time.
// Outcomes arrive later as Events; a returned error means the command was
// not issued at all.
type SessionManager interface {
	StartSession(d devices.Device) error
	EndSession() error
}

// DeviceSource tells whether a device is still reachable.
type DeviceSource interface {
	Contains(d devices.Device) bool
}

// Playback is the post-connect media handler of one session.
type Playback interface {
	Begin()
	Detach(release bool)
}

// PlaybackFactory builds the Playback for a fresh session. onClose must be
// called when playback ends on its own so the session can be closed.
type PlaybackFactory interface {
	NewPlayback(ch playback.MediaChannel, md castmeta.CastMetadata, onClose func(playback.EndReason)) Playback
}

// PlaybackFactoryFunc adapts a func to PlaybackFactory.
type PlaybackFactoryFunc func(ch playback.MediaChannel, md castmeta.CastMetadata, onClose func(playback.EndReason)) Playback

func (f PlaybackFactoryFunc) NewPlayback(ch playback.MediaChannel, md castmeta.CastMetadata, onClose func(playback.EndReason)) Playback {
	return f(ch, md, onClose)
}

// request is one selectDevice call.
type request struct {
	device   devices.Device
	metadata *castmeta.CastMetadata
}

// Controller is the session state machine.
type Controller struct {
	Logger zerolog.Logger

	sdk      SessionManager
	source   DeviceSource
	queue    dispatch.Queue
	factory  PlaybackFactory
	notify   func(Notification)
	newID    func() string
	state    State
	current  *request
	channel  playback.MediaChannel
	playback Playback
	// playbackGen identifies the live Playback for its onClose callback.
	playbackGen int
	sessionID   string

	// pending is a single slot, not a queue: each new selection overwrites
	// it and superseded requests are dropped on purpose.
	pending *request
	// endAfterStart is set when a selection arrives while connecting; the
	// start is let through and the session ended right after.
	endAfterStart bool
}

// NewController wires a Controller. notify receives UI notifications and may
// be nil.
func NewController(sdk SessionManager, source DeviceSource, q dispatch.Queue, factory PlaybackFactory, notify func(Notification)) *Controller {
	if notify == nil {
		notify = func(Notification) {}
	}
	return &Controller{
		Logger:  zerolog.Nop(),
		sdk:     sdk,
		source:  source,
		queue:   q,
		factory: factory,
		notify:  notify,
		newID:   func() string { return uuid.NewString() },
	}
}

// State returns the session state.
func (c *Controller) State() State { return c.state }

// Device returns the device the session is bound to or being connected to.
func (c *Controller) Device() (devices.Device, bool) {
	if c.current == nil {
		return devices.Device{}, false
	}
	return c.current.device, true
}

// Pending returns the queued switch target, if any.
func (c *Controller) Pending() (devices.Device, bool) {
	if c.pending == nil {
		return devices.Device{}, false
	}
	return c.pending.device, true
}

// SessionID tags the current session in logs.
func (c *Controller) SessionID() string { return c.sessionID }

// SelectDevice connects to d, switches to it or, when d is the current
// device, disconnects. md is loaded once connected; nil connects without
// media. A device missing from the source fails with ErrDeviceUnavailable.
func (c *Controller) SelectDevice(d devices.Device, md *castmeta.CastMetadata) error {
	if c.source != nil && !c.source.Contains(d) {
		c.log().Warn().Str("Method", "SelectDevice").Str("Device", d.Name).Msg("device no longer visible")
		metrics.SessionFailuresTotal.WithLabelValues("device_unavailable").Inc()
		return fmt.Errorf("%w: %s", ErrDeviceUnavailable, d.Name)
	}

	req := &request{device: d, metadata: md}

	switch c.state {
	case Disconnected:
		c.start(req)

	case Connecting:
		c.endAfterStart = true
		if c.current.device.Equal(d) {
			c.pending = nil
		} else {
			c.pending = req
		}

	case Connected:
		if c.current.device.Equal(d) {
			c.pending = nil
		} else {
			c.pending = req
		}
		c.end()

	case Ending:
		if c.current != nil && c.current.device.Equal(d) {
			c.pending = nil
		} else {
			c.pending = req
		}
	}

	return nil
}

// Close ends the session at the user's request and drops any queued switch.
func (c *Controller) Close() {
	c.pending = nil
	switch c.state {
	case Connecting:
		c.endAfterStart = true
	case Connected:
		c.end()
	}
}

// Load replaces the media playing on the connected receiver.
func (c *Controller) Load(md castmeta.CastMetadata) error {
	if c.state != Connected || c.channel == nil {
		return ErrNotConnected
	}

	release := true
	if c.current.metadata != nil {
		release = c.current.metadata.ContentURL() != md.ContentURL()
	}
	c.detachPlayback(release)

	c.current.metadata = &md
	c.beginPlayback(md)
	return nil
}

// Deliver posts ev on the control queue.
func (c *Controller) Deliver(ev Event) {
	c.queue.Post(func() { c.Handle(ev) })
}

// Handle applies one SDK callback.
func (c *Controller) Handle(ev Event) {
	switch e := ev.(type) {
	case SessionStarted:
		c.onStarted(e)
	case SessionStartFailed:
		c.onStartFailed(e)
	case SessionEnded:
		c.onEnded(e)
	}
}

func (c *Controller) onStarted(e SessionStarted) {
	if c.state != Connecting || !c.current.device.Equal(e.Device) {
		c.log().Debug().Str("Method", "onStarted").Str("Device", e.Device.Name).Msg("stale session start")
		return
	}

	c.setState(Connected)
	c.channel = e.Channel

	if c.endAfterStart {
		c.endAfterStart = false
		c.end()
		return
	}

	md := c.current.metadata
	c.notify(ConnectedNotice{Device: c.current.device, MediaLoading: md != nil})
	if md != nil {
		c.beginPlayback(*md)
	}
}

func (c *Controller) onStartFailed(e SessionStartFailed) {
	if c.state != Connecting || !c.current.device.Equal(e.Device) {
		c.log().Debug().Str("Method", "onStartFailed").Str("Device", e.Device.Name).Msg("stale start failure")
		return
	}

	err := e.Err
	if err == nil {
		err = ErrSessionStartFailed
	} else {
		err = fmt.Errorf("%w: %w", ErrSessionStartFailed, err)
	}

	c.log().Error().Str("Method", "onStartFailed").Str("Device", e.Device.Name).Err(err).Msg("session start failed")
	metrics.SessionFailuresTotal.WithLabelValues("start").Inc()

	failed := c.current.device
	c.reset()
	c.notify(ConnectionFailedNotice{Device: failed, Err: err})

	// a selection made while connecting still gets its turn
	if c.endAfterStart {
		c.endAfterStart = false
		next := c.pending
		c.pending = nil
		if next != nil && !next.device.Equal(failed) {
			c.startPending(next)
		}
	}
}

func (c *Controller) onEnded(e SessionEnded) {
	if c.state == Disconnected || c.state == Connecting {
		c.log().Debug().Str("Method", "onEnded").Str("State", c.state.String()).Msg("stale session end")
		return
	}

	next := c.pending
	c.pending = nil

	if e.Err != nil {
		// a failed end leaves the receiver in an unknown state, so the
		// queued switch is not attempted
		c.detachPlayback(true)
		c.log().Error().Str("Method", "onEnded").Err(e.Err).Msg("session end failed")
		metrics.SessionFailuresTotal.WithLabelValues("end").Inc()
		c.reset()
		c.notify(SessionEndFailedNotice{Err: e.Err})
		return
	}

	c.detachPlayback(!c.carriesStream(next))
	c.log().Info().Str("Method", "onEnded").Msg("session ended")
	c.reset()

	if next != nil {
		metrics.PendingSwitchesTotal.Inc()
		c.startPending(next)
		return
	}
	c.notify(DisconnectedNotice{})
}

// carriesStream reports whether next plays the same stream as the current
// session, in which case cached media must survive the switch.
func (c *Controller) carriesStream(next *request) bool {
	if next == nil || next.metadata == nil || c.current == nil || c.current.metadata == nil {
		return false
	}
	return next.metadata.ContentURL() == c.current.metadata.ContentURL()
}

func (c *Controller) startPending(next *request) {
	if c.source != nil && !c.source.Contains(next.device) {
		metrics.SessionFailuresTotal.WithLabelValues("device_unavailable").Inc()
		c.notify(ConnectionFailedNotice{
			Device: next.device,
			Err:    fmt.Errorf("%w: %s", ErrDeviceUnavailable, next.device.Name),
		})
		return
	}
	c.start(next)
}

func (c *Controller) start(req *request) {
	c.current = req
	c.sessionID = c.newID()
	c.endAfterStart = false
	c.setState(Connecting)

	c.log().Info().Str("Method", "start").Str("Device", req.device.Name).Str("Addr", req.device.Addr).Msg("starting session")
	if err := c.sdk.StartSession(req.device); err != nil {
		c.onStartFailed(SessionStartFailed{Device: req.device, Err: err})
	}
}

func (c *Controller) end() {
	c.setState(Ending)
	c.log().Info().Str("Method", "end").Msg("ending session")
	if err := c.sdk.EndSession(); err != nil {
		c.onEnded(SessionEnded{Err: err})
	}
}

func (c *Controller) beginPlayback(md castmeta.CastMetadata) {
	if c.factory == nil {
		return
	}

	c.playbackGen++
	gen := c.playbackGen
	p := c.factory.NewPlayback(c.channel, md, func(reason playback.EndReason) {
		c.onPlaybackClosed(gen, reason)
	})
	c.playback = p
	p.Begin()
}

// onPlaybackClosed closes the session once playback ended by itself or by
// the user.
func (c *Controller) onPlaybackClosed(gen int, reason playback.EndReason) {
	if gen != c.playbackGen || c.playback == nil {
		return
	}
	c.playback = nil
	c.log().Debug().Str("Method", "onPlaybackClosed").Str("Reason", reason.String()).Msg("playback closed")

	if c.state == Connected {
		c.pending = nil
		c.end()
	}
}

func (c *Controller) detachPlayback(release bool) {
	if c.playback == nil {
		return
	}
	p := c.playback
	c.playback = nil
	c.playbackGen++
	p.Detach(release)
}

func (c *Controller) reset() {
	c.setState(Disconnected)
	c.current = nil
	c.channel = nil
	c.sessionID = ""
}

func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	c.log().Debug().Str("From", c.state.String()).Str("To", s.String()).Msg("session state")
	c.state = s
	metrics.SessionTransitionsTotal.WithLabelValues(s.String()).Inc()
}

func (c *Controller) log() *zerolog.Logger {
	l := c.Logger.With().Str("Session", c.sessionID).Logger()
	return &l
}

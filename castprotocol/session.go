package castprotocol

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"popcast.app/popcast/castsession"
	"popcast.app/popcast/devices"
	"popcast.app/popcast/playback"
)

var ErrSessionBusy = errors.New("castprotocol: a session command is already running")

// channel is what SessionManager needs from a connected client.
type channel interface {
	playback.MediaChannel
	Connect() error
	Run()
	Close(stopMedia bool) error
}

// SessionManager implements castsession.SessionManager on top of
// go-chromecast. Commands run on their own goroutine and outcomes are
// delivered as castsession events.
type SessionManager struct {
	Logger zerolog.Logger

	deliver func(castsession.Event)
	dial    func(d devices.Device) (channel, error)

	mu      sync.Mutex
	current channel
	busy    bool
}

// NewSessionManager returns a SessionManager delivering events to deliver,
// normally Controller.Deliver.
func NewSessionManager(deliver func(castsession.Event)) *SessionManager {
	m := &SessionManager{
		Logger:  zerolog.Nop(),
		deliver: deliver,
	}
	m.dial = m.dialChromecast
	return m
}

var _ castsession.SessionManager = (*SessionManager)(nil)

func (m *SessionManager) dialChromecast(d devices.Device) (channel, error) {
	c, err := NewCastClient(d.Addr)
	if err != nil {
		return nil, err
	}
	c.Logger = m.Logger.With().Str("Device", d.Name).Logger()
	return c, nil
}

// StartSession connects to d and launches the default receiver.
func (m *SessionManager) StartSession(d devices.Device) error {
	m.mu.Lock()
	if m.busy || m.current != nil {
		m.mu.Unlock()
		return ErrSessionBusy
	}
	m.busy = true
	m.mu.Unlock()

	go func() {
		ch, err := m.dial(d)
		if err == nil {
			err = ch.Connect()
		}

		m.mu.Lock()
		m.busy = false
		if err != nil {
			m.mu.Unlock()
			m.Logger.Error().Str("Method", "StartSession").Str("Device", d.Name).Err(err).Msg("start failed")
			m.deliver(castsession.SessionStartFailed{Device: d, Err: err})
			return
		}
		m.current = ch
		m.mu.Unlock()

		if cc, ok := ch.(*CastClient); ok {
			cc.OnLost = func(error) { m.dropLost(ch) }
		}
		ch.Run()
		m.deliver(castsession.SessionStarted{Device: d, Channel: ch})
	}()
	return nil
}

// EndSession stops media and closes the connection.
func (m *SessionManager) EndSession() error {
	m.mu.Lock()
	ch := m.current
	if m.busy {
		m.mu.Unlock()
		return ErrSessionBusy
	}
	m.current = nil
	m.busy = ch != nil
	m.mu.Unlock()

	if ch == nil {
		// nothing to close, but the caller still waits for the callback
		go m.deliver(castsession.SessionEnded{})
		return nil
	}

	go func() {
		err := ch.Close(true)
		m.mu.Lock()
		m.busy = false
		m.mu.Unlock()
		m.deliver(castsession.SessionEnded{Err: err})
	}()
	return nil
}

// dropLost reports a session that died underneath.
func (m *SessionManager) dropLost(ch channel) {
	m.mu.Lock()
	if m.current != ch {
		m.mu.Unlock()
		return
	}
	m.current = nil
	m.mu.Unlock()

	go func() {
		_ = ch.Close(false)
		m.deliver(castsession.SessionEnded{})
	}()
}

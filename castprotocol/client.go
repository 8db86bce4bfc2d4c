package castprotocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vishen/go-chromecast/application"
	"github.com/vishen/go-chromecast/cast"

	"popcast.app/popcast/castmeta"
	"popcast.app/popcast/playback"
)

const (
	defaultPort = 8009
	// status poll cadence; the library has no push callbacks
	pollInterval = time.Second
	// consecutive failed polls before the connection is considered lost
	maxPollFailures = 5
)

var (
	ErrNotConnected = errors.New("castprotocol: not connected")
	ErrNoTransport  = errors.New("castprotocol: media receiver transport not available")
	ErrNoMedia      = errors.New("castprotocol: no media session")
)

// castApp is the subset of *application.Application in use.
type castApp interface {
	Start(addr string, port int) error
	Update() error
	Status() (*cast.Application, *cast.Media, *cast.Volume)
	App() *cast.Application
	Unpause() error
	Pause() error
	Stop() error
	SeekFromStart(value int) error
	SetVolume(value float32) error
	SetMuted(value bool) error
	Close(stopMedia bool) error
}

// CastClient wraps go-chromecast Application as a playback.MediaChannel.
// Commands run in order on a worker goroutine and status is polled.
type CastClient struct {
	app         castApp
	conn        sender // keep reference to connection for custom commands
	mu          sync.RWMutex
	host        string
	port        int
	connected   bool
	Logger      zerolog.Logger
	LogOutput   io.Writer
	initLogOnce sync.Once

	subMu   sync.Mutex
	subs    map[int]func(playback.Status)
	nextSub int
	tracker statusTracker

	cmds    chan func()
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	// OnLost is called once when polling keeps failing.
	OnLost   func(err error)
	lostOnce sync.Once

	sleep    func(time.Duration)
	pollTick time.Duration
}

var _ playback.MediaChannel = (*CastClient)(nil)

// Log returns the zerolog logger, initializing it lazily if LogOutput is set.
func (c *CastClient) Log() *zerolog.Logger {
	if c.LogOutput != nil {
		c.initLogOnce.Do(func() {
			c.Logger = zerolog.New(c.LogOutput).With().Timestamp().Logger()
		})
	}
	return &c.Logger
}

// NewCastClient prepares a client for the receiver at deviceAddr (host or
// host:port).
func NewCastClient(deviceAddr string) (*CastClient, error) {
	host, port, err := splitAddr(deviceAddr)
	if err != nil {
		return nil, err
	}

	// Create our own connection that we can use for custom commands
	conn := cast.NewConnection()

	app := application.NewApplication(
		application.WithConnection(conn),
		application.WithConnectionRetries(5), // slow TVs need time to wake
	)

	c := newCastClient(app, conn)
	c.host = host
	c.port = port
	return c, nil
}

func newCastClient(app castApp, conn sender) *CastClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &CastClient{
		app:      app,
		conn:     conn,
		port:     defaultPort,
		Logger:   zerolog.Nop(),
		subs:     make(map[int]func(playback.Status)),
		cmds:     make(chan func(), 32),
		ctx:      ctx,
		cancel:   cancel,
		sleep:    time.Sleep,
		pollTick: pollInterval,
	}
}

func splitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		// bare host
		if addr == "" {
			return "", 0, fmt.Errorf("parse device addr: empty")
		}
		return addr, defaultPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("parse device addr: %w", err)
	}
	return host, port, nil
}

// Connect establishes the connection and launches the default media
// receiver. It blocks and must not run on the control queue.
func (c *CastClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.app == nil {
		return fmt.Errorf("chromecast connect: app is nil")
	}

	c.Log().Debug().Str("Method", "Connect").Str("Host", c.host).Int("Port", c.port).Msg("connecting")
	if err := c.app.Start(c.host, c.port); err != nil {
		c.Log().Error().Str("Method", "Connect").Err(err).Msg("connection failed")
		return fmt.Errorf("chromecast connect: %w", err)
	}

	if err := LaunchDefaultReceiver(c.conn); err != nil {
		c.Log().Error().Str("Method", "Connect").Err(err).Msg("launch receiver failed")
		_ = c.app.Close(false)
		return err
	}

	if _, err := c.waitTransport(8); err != nil {
		_ = c.app.Close(false)
		return err
	}

	c.connected = true
	c.Log().Debug().Str("Method", "Connect").Msg("connected successfully")
	return nil
}

// Run starts the command worker and the status poller.
func (c *CastClient) Run() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	c.wg.Add(2)
	go c.worker()
	go c.poller()
}

func (c *CastClient) worker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case fn := <-c.cmds:
			fn()
		}
	}
}

func (c *CastClient) poller() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.pollTick)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}

		if err := c.poll(); err != nil {
			failures++
			c.Log().Debug().Str("Method", "poller").Int("Failures", failures).Err(err).Msg("status poll failed")
			if failures >= maxPollFailures {
				c.lost(err)
				return
			}
			continue
		}
		failures = 0
	}
}

// poll refreshes the status once and pushes it to subscribers.
func (c *CastClient) poll() error {
	if err := c.app.Update(); err != nil {
		return err
	}
	_, media, vol := c.app.Status()

	c.subMu.Lock()
	s, ok := c.tracker.next(media, vol)
	c.subMu.Unlock()
	if ok {
		c.publish(s)
	}
	return nil
}

func (c *CastClient) lost(err error) {
	c.lostOnce.Do(func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		c.Log().Warn().Str("Method", "lost").Err(err).Msg("connection lost")
		if c.OnLost != nil {
			c.OnLost(err)
		}
	})
}

// Subscribe implements playback.MediaChannel.
func (c *CastClient) Subscribe(fn func(playback.Status)) func() {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *CastClient) publish(s playback.Status) {
	c.subMu.Lock()
	fns := make([]func(playback.Status), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

// enqueue runs fn on the worker. Failures are logged under method.
func (c *CastClient) enqueue(method string, fn func() error) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	job := func() {
		if err := fn(); err != nil {
			c.Log().Error().Str("Method", method).Err(err).Msg("failed")
		}
	}
	select {
	case c.cmds <- job:
		return nil
	case <-c.ctx.Done():
		return ErrNotConnected
	}
}

// waitTransport retries getting the media receiver's transport id with
// backoff (handles "media receiver app not available").
func (c *CastClient) waitTransport(attempts int) (string, error) {
	for i := range attempts {
		if err := c.app.Update(); err != nil {
			c.Log().Debug().Str("Method", "waitTransport").Int("Attempt", i+1).Err(err).Msg("app.Update retry")
			c.sleep(time.Duration(i+1) * 500 * time.Millisecond)
			continue
		}
		if app := c.app.App(); app != nil && app.TransportId != "" {
			return app.TransportId, nil
		}
		c.sleep(time.Duration(i+1) * 500 * time.Millisecond)
	}
	return "", ErrNoTransport
}

// mediaSession returns the transport and media session ids of the loaded
// media.
func (c *CastClient) mediaSession() (string, int, error) {
	if err := c.app.Update(); err != nil {
		return "", 0, err
	}
	app, media, _ := c.app.Status()
	if app == nil || app.TransportId == "" {
		return "", 0, ErrNoTransport
	}
	if media == nil || media.MediaSessionId == 0 {
		return "", 0, ErrNoMedia
	}
	return app.TransportId, media.MediaSessionId, nil
}

// LoadMedia implements playback.MediaChannel. A failed load is reported as
// an IDLE/ERROR status push.
func (c *CastClient) LoadMedia(md castmeta.CastMetadata) error {
	return c.enqueue("LoadMedia", func() error {
		if err := c.load(md); err != nil {
			c.publish(playback.Status{PlayerState: playback.StateIdle, IdleReason: playback.IdleError})
			return err
		}
		return nil
	})
}

func (c *CastClient) load(md castmeta.CastMetadata) error {
	c.Log().Debug().Str("Method", "Load").Str("URL", md.ContentURL()).Str("ContentType", md.ContentType()).
		Float64("StartTime", md.StartPosition()).Int("Tracks", len(md.Subtitles())).Msg("loading media")

	transportId, err := c.waitTransport(8)
	if err != nil {
		return err
	}
	c.Log().Debug().Str("Method", "Load").Str("TransportId", transportId).Msg("got transport ID")

	c.subMu.Lock()
	c.tracker = statusTracker{}
	c.subMu.Unlock()

	return LoadWithTracks(c.conn, transportId, md)
}

// Play resumes playback.
func (c *CastClient) Play() error {
	return c.enqueue("Play", c.app.Unpause)
}

// Pause pauses playback.
func (c *CastClient) Pause() error {
	return c.enqueue("Pause", c.app.Pause)
}

// Stop stops playback and closes the media session.
func (c *CastClient) Stop() error {
	return c.enqueue("Stop", c.app.Stop)
}

// Seek seeks to position in seconds from start and resumes if asked.
func (c *CastClient) Seek(position float64, resume bool) error {
	seconds := int(math.Round(position))
	return c.enqueue("Seek", func() error {
		c.Log().Debug().Str("Method", "Seek").Int("Seconds", seconds).Bool("Resume", resume).Msg("seeking")
		if err := c.app.SeekFromStart(seconds); err != nil {
			return err
		}
		if resume {
			return c.app.Unpause()
		}
		return nil
	})
}

// SetVolume sets volume (0.0 to 1.0).
func (c *CastClient) SetVolume(level float64) error {
	return c.enqueue("SetVolume", func() error {
		return c.app.SetVolume(float32(level))
	})
}

// SetMuted sets mute state.
func (c *CastClient) SetMuted(muted bool) error {
	return c.enqueue("SetMuted", func() error {
		return c.app.SetMuted(muted)
	})
}

// SetActiveTracks implements playback.MediaChannel.
func (c *CastClient) SetActiveTracks(ids []int) error {
	ids = append([]int(nil), ids...)
	return c.enqueue("SetActiveTracks", func() error {
		transportId, sessionId, err := c.mediaSession()
		if err != nil {
			return err
		}
		return EditTracks(c.conn, transportId, sessionId, ids)
	})
}

// SetTextTrackStyle implements playback.MediaChannel.
func (c *CastClient) SetTextTrackStyle(style playback.TextTrackStyle) error {
	return c.enqueue("SetTextTrackStyle", func() error {
		transportId, sessionId, err := c.mediaSession()
		if err != nil {
			return err
		}
		return SetTrackStyle(c.conn, transportId, sessionId, trackStyle(style))
	})
}

// Close stops the background goroutines and disconnects from the device.
func (c *CastClient) Close(stopMedia bool) error {
	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.Log().Debug().Str("Method", "Close").Bool("StopMedia", stopMedia).Msg("closing connection")
	c.connected = false
	err := c.app.Close(stopMedia)
	if err != nil {
		c.Log().Error().Str("Method", "Close").Err(err).Msg("failed")
	}
	return err
}

// IsConnected returns whether client is connected.
func (c *CastClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Host returns the hostname of the Chromecast device.
func (c *CastClient) Host() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.host
}

// Package playback reconciles the local view of a cast session with the
// remote player. All Reconciler methods must run on the control queue.
package playback

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"popcast.app/popcast/castmeta"
	"popcast.app/popcast/dispatch"
	"popcast.app/popcast/internal/metrics"
)

const (
	// TickInterval is the cadence of the interpolated position display.
	TickInterval = time.Second
	// WatchdogTimeout is how long a load may go without reporting progress.
	WatchdogTimeout = 30 * time.Second
	// WatchdogGrace separates the load error from the teardown.
	WatchdogGrace = 3 * time.Second
	// SkipInterval is the rewind and fast-forward step in seconds.
	SkipInterval = 30.0
)

// Config wires a Reconciler. Channel, Queue and Clock are required.
type Config struct {
	Channel  MediaChannel
	Metadata castmeta.CastMetadata
	Queue    dispatch.Queue
	Clock    dispatch.Clock

	History   WatchHistory
	Subtitles SubtitleFetcher
	Cache     AssetCache
	Streamer  StreamCanceller
	// KeepCache skips cached asset removal after teardown.
	KeepCache bool

	// OnEvent receives UI notifications.
	OnEvent func(Event)
	// OnClose asks the session owner to end the session. It is not called
	// after Detach.
	OnClose func(EndReason)

	Logger zerolog.Logger
}

type statusKey struct {
	state  PlayerState
	reason IdleReason
}

// Reconciler owns one loaded media item on the receiver.
type Reconciler struct {
	cfg Config
	log zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	begun       bool
	closed      bool
	failed      bool
	haveStatus  bool
	sawProgress bool

	last    Status
	lastKey statusKey
	lastAt  time.Time

	unsubscribe func()
	tick        dispatch.Timer
	watchdog    dispatch.Timer
	grace       dispatch.Timer

	scrubbing bool
	scrubPos  float64

	// fetched maps subtitle links to converted local files.
	fetched  map[string]string
	inflight map[string]bool
	// wanted is the link of the latest subtitle selection, "" for none.
	wanted string
}

// New returns a Reconciler ready for Begin.
func New(cfg Config) *Reconciler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		cfg:      cfg,
		log:      cfg.Logger.With().Str("Media", cfg.Metadata.MediaID()).Logger(),
		ctx:      ctx,
		cancel:   cancel,
		fetched:  make(map[string]string),
		inflight: make(map[string]bool),
	}
}

// Metadata returns the media this reconciler loaded.
func (r *Reconciler) Metadata() castmeta.CastMetadata { return r.cfg.Metadata }

// Closed reports whether teardown has run.
func (r *Reconciler) Closed() bool { return r.closed }

// Begin subscribes to status pushes, issues the load and arms the watchdog.
func (r *Reconciler) Begin() {
	if r.begun || r.closed {
		return
	}
	r.begun = true

	q := r.cfg.Queue
	r.unsubscribe = r.cfg.Channel.Subscribe(func(s Status) {
		s = s.Clone()
		q.Post(func() { r.HandleStatus(s) })
	})

	r.watchdog = r.cfg.Clock.AfterFunc(WatchdogTimeout, r.watchdogFired)

	md := r.cfg.Metadata
	r.log.Debug().Str("Method", "Begin").Str("URL", md.ContentURL()).
		Str("ContentType", md.ContentType()).Float64("Start", md.StartPosition()).
		Msg("loading media")

	if err := r.cfg.Channel.LoadMedia(md); err != nil {
		r.log.Error().Str("Method", "Begin").Err(err).Msg("load failed")
		r.teardown(EndError, err, false, true, true)
	}
}

// HandleStatus applies one status push. Pushes are deduplicated by player
// state and idle reason; position-only updates refresh interpolation.
func (r *Reconciler) HandleStatus(s Status) {
	if r.closed || r.failed || !r.begun {
		return
	}

	first := !r.haveStatus
	r.haveStatus = true
	r.last = s
	r.lastAt = r.cfg.Clock.Now()

	if s.StreamPosition > 0 && !r.sawProgress {
		r.sawProgress = true
		r.stopTimer(&r.watchdog)
	}

	if first {
		r.onFirstStatus(s)
	}

	key := statusKey{state: s.PlayerState, reason: s.IdleReason}
	if first || key != r.lastKey {
		r.lastKey = key
		r.transition(s)
		if r.closed {
			return
		}
	}

	if !r.scrubbing {
		r.emit(PositionChanged{Position: r.Position(), Duration: r.duration()})
	}
}

func (r *Reconciler) onFirstStatus(s Status) {
	if sub, ok := r.cfg.Metadata.SelectedSubtitle(); ok {
		r.SelectSubtitle(&sub)
	}
	r.ensureTick()
	r.emit(VolumeChanged{Level: s.Volume, Muted: s.Muted})
}

func (r *Reconciler) transition(s Status) {
	r.log.Debug().Str("Method", "transition").Str("Status", s.String()).Msg("player state")
	metrics.PlayerStateChangesTotal.WithLabelValues(s.PlayerState.String()).Inc()

	switch s.PlayerState {
	case StatePlaying:
		r.report(ProgressWatching)
		r.ensureTick()
		r.emit(StateChanged{State: StatePlaying})
	case StatePaused:
		r.report(ProgressPaused)
		r.stopTimer(&r.tick)
		r.emit(StateChanged{State: StatePaused})
	case StateBuffering:
		r.emit(BufferingStarted{})
		r.emit(StateChanged{State: StateBuffering})
	case StateIdle:
		if s.IdleReason == IdleNone {
			// between commands
			return
		}
		r.report(ProgressFinished)
		r.emit(StateChanged{State: StateIdle, Reason: s.IdleReason})
		r.teardown(endReasonFor(s.IdleReason), nil, false, true, true)
	}
}

// Position is the best estimate of the remote stream position. While
// playing it advances with wall time since the last push.
func (r *Reconciler) Position() float64 {
	if r.scrubbing {
		return r.scrubPos
	}
	if !r.haveStatus {
		return 0
	}

	pos := r.last.StreamPosition
	if r.last.PlayerState == StatePlaying {
		pos += r.cfg.Clock.Now().Sub(r.lastAt).Seconds()
	}
	if d := r.duration(); d > 0 && pos > d {
		pos = d
	}
	return pos
}

// State is the last reported player state.
func (r *Reconciler) State() PlayerState {
	if !r.haveStatus {
		return StateUnknown
	}
	return r.last.PlayerState
}

func (r *Reconciler) duration() float64 {
	if r.last.StreamDuration > 0 {
		return r.last.StreamDuration
	}
	return r.cfg.Metadata.Duration()
}

func (r *Reconciler) fraction() float64 {
	d := r.duration()
	if d <= 0 {
		return 0
	}
	f := r.Position() / d
	return min(max(f, 0), 1)
}

func (r *Reconciler) report(status ProgressStatus) {
	if r.cfg.History == nil {
		return
	}
	md := r.cfg.Metadata
	r.cfg.History.ReportProgress(Progress{
		MediaID:  md.MediaID(),
		Kind:     md.Kind(),
		Fraction: r.fraction(),
		Position: r.Position(),
		Status:   status,
	})
}

func (r *Reconciler) ensureTick() {
	if r.tick != nil || r.closed {
		return
	}
	r.tick = r.cfg.Clock.AfterFunc(TickInterval, r.onTick)
}

func (r *Reconciler) onTick() {
	r.tick = nil
	if r.closed {
		return
	}
	if !r.scrubbing {
		r.emit(PositionChanged{Position: r.Position(), Duration: r.duration()})
	}
	r.ensureTick()
}

func (r *Reconciler) watchdogFired() {
	r.watchdog = nil
	if r.closed || r.sawProgress {
		return
	}

	r.log.Warn().Str("Method", "watchdogFired").Msg("no playback progress, closing")
	metrics.LoadWatchdogTimeoutsTotal.Inc()

	r.failed = true
	r.stopTimer(&r.tick)
	r.emit(LoadTimedOut{})
	r.grace = r.cfg.Clock.AfterFunc(WatchdogGrace, func() {
		r.grace = nil
		r.teardown(EndLoadTimeout, ErrLoadTimeout, true, true, true)
	})
}

// Play resumes a paused receiver.
func (r *Reconciler) Play() error {
	if r.closed {
		return ErrClosed
	}
	return r.cfg.Channel.Play()
}

// Pause pauses the receiver.
func (r *Reconciler) Pause() error {
	if r.closed {
		return ErrClosed
	}
	return r.cfg.Channel.Pause()
}

// TogglePlayPause flips between playing and paused based on the last
// reported state. Other states are left alone.
func (r *Reconciler) TogglePlayPause() error {
	switch r.State() {
	case StatePaused:
		return r.Play()
	case StatePlaying:
		return r.Pause()
	}
	return nil
}

// Seek moves playback to position seconds and keeps playing. The display
// follows the next status push.
func (r *Reconciler) Seek(position float64) error {
	if r.closed {
		return ErrClosed
	}
	return r.cfg.Channel.Seek(r.clamp(position), true)
}

// Rewind seeks SkipInterval seconds back.
func (r *Reconciler) Rewind() error {
	return r.Seek(r.Position() - SkipInterval)
}

// FastForward seeks SkipInterval seconds ahead.
func (r *Reconciler) FastForward() error {
	return r.Seek(r.Position() + SkipInterval)
}

func (r *Reconciler) clamp(pos float64) float64 {
	if pos < 0 {
		return 0
	}
	if d := r.duration(); d > 0 && pos > d {
		return d
	}
	return pos
}

// SetVolume sets the receiver volume, 0..1.
func (r *Reconciler) SetVolume(level float64) error {
	if r.closed {
		return ErrClosed
	}
	return r.cfg.Channel.SetVolume(min(max(level, 0), 1))
}

// SetMuted mutes or unmutes the receiver.
func (r *Reconciler) SetMuted(muted bool) error {
	if r.closed {
		return ErrClosed
	}
	return r.cfg.Channel.SetMuted(muted)
}

// BeginScrub starts a seek drag. The receiver is paused and the display
// follows ScrubTo until EndScrub.
func (r *Reconciler) BeginScrub() error {
	if r.closed {
		return ErrClosed
	}
	if r.scrubbing {
		return nil
	}
	r.scrubPos = r.Position()
	r.scrubbing = true
	return r.cfg.Channel.Pause()
}

// ScrubTo moves the local display to position while dragging.
func (r *Reconciler) ScrubTo(position float64) {
	if !r.scrubbing || r.closed {
		return
	}
	r.scrubPos = r.clamp(position)
	r.emit(PositionChanged{Position: r.scrubPos, Duration: r.duration(), Scrubbing: true})
}

// EndScrub issues one seek to the dragged position and resumes playback.
func (r *Reconciler) EndScrub() error {
	if !r.scrubbing {
		return nil
	}
	r.scrubbing = false
	if r.closed {
		return ErrClosed
	}
	return r.cfg.Channel.Seek(r.scrubPos, true)
}

// Scrubbing reports whether a seek drag is active.
func (r *Reconciler) Scrubbing() bool { return r.scrubbing }

// SetTextTrackStyle changes how the receiver renders subtitles.
func (r *Reconciler) SetTextTrackStyle(style TextTrackStyle) error {
	if r.closed {
		return ErrClosed
	}
	return r.cfg.Channel.SetTextTrackStyle(style)
}

// SelectSubtitle activates sub on the receiver, fetching and converting it
// first when it is a remote link not yet fetched in this session. A nil sub
// turns subtitles off. Later selections win over slow fetches.
func (r *Reconciler) SelectSubtitle(sub *castmeta.Subtitle) {
	if r.closed {
		return
	}

	if sub == nil {
		r.wanted = ""
		if err := r.cfg.Channel.SetActiveTracks(nil); err != nil {
			r.log.Error().Str("Method", "SelectSubtitle").Err(err).Msg("clear tracks")
			return
		}
		r.emit(SubtitleActivated{TrackID: -1})
		return
	}

	s := *sub
	idx := r.cfg.Metadata.TrackIndex(s)
	if idx < 0 {
		r.emit(SubtitleActivationFailed{Subtitle: s, Err: ErrUnknownSubtitle})
		return
	}
	r.wanted = s.Link

	if s.IsLocal() {
		r.activate(s, idx)
		return
	}
	if _, ok := r.fetched[s.Link]; ok {
		r.activate(s, idx)
		return
	}
	if r.inflight[s.Link] {
		// activated when the running fetch lands
		return
	}
	if r.cfg.Subtitles == nil {
		r.emit(SubtitleActivationFailed{Subtitle: s, Err: ErrNoSubtitleSource})
		return
	}

	r.inflight[s.Link] = true
	dir := r.cfg.Metadata.AssetsPath()
	fetcher := r.cfg.Subtitles
	ctx := r.ctx
	q := r.cfg.Queue

	r.log.Debug().Str("Method", "SelectSubtitle").Str("Link", s.Link).Msg("fetching subtitle")
	go func() {
		path, err := fetcher.FetchAndConvert(ctx, s.Link, dir, s.ISO639)
		q.Post(func() { r.fetchDone(s, idx, path, err) })
	}()
}

func (r *Reconciler) fetchDone(s castmeta.Subtitle, idx int, path string, err error) {
	delete(r.inflight, s.Link)
	if r.closed {
		return
	}

	if err != nil {
		metrics.SubtitleFetchesTotal.WithLabelValues("error").Inc()
		r.log.Error().Str("Method", "fetchDone").Str("Link", s.Link).Err(err).Msg("subtitle fetch failed")
		if r.wanted == s.Link {
			r.wanted = ""
		}
		r.emit(SubtitleActivationFailed{Subtitle: s, Err: err})
		return
	}

	metrics.SubtitleFetchesTotal.WithLabelValues("ok").Inc()
	r.fetched[s.Link] = path
	if r.wanted == s.Link {
		r.activate(s, idx)
	}
}

func (r *Reconciler) activate(s castmeta.Subtitle, idx int) {
	if err := r.cfg.Channel.SetActiveTracks([]int{idx}); err != nil {
		r.emit(SubtitleActivationFailed{Subtitle: s, Err: err})
		return
	}
	r.emit(SubtitleActivated{Subtitle: &s, TrackID: idx})
}

// Stop ends playback at the user's request: the receiver is told to stop
// without waiting for it, then local state is torn down.
func (r *Reconciler) Stop() {
	r.teardown(EndStopped, nil, true, true, true)
}

// Detach tears down after the session ended underneath. No commands are
// sent and OnClose is not called. release cancels streaming and drops the
// cache; it is false when the same media moves to another receiver.
func (r *Reconciler) Detach(release bool) {
	r.teardown(EndDetached, nil, false, false, release)
}

// teardown runs at most once per reconciler.
func (r *Reconciler) teardown(reason EndReason, err error, stopReceiver, notify, release bool) {
	if r.closed {
		return
	}
	r.closed = true

	r.stopTimer(&r.tick)
	r.stopTimer(&r.watchdog)
	r.stopTimer(&r.grace)
	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}
	r.cancel()

	if stopReceiver {
		if serr := r.cfg.Channel.Stop(); serr != nil {
			r.log.Debug().Str("Method", "teardown").Err(serr).Msg("stop command")
		}
	}

	if release {
		r.release()
	}

	r.log.Info().Str("Method", "teardown").Str("Reason", reason.String()).Msg("playback ended")
	r.emit(PlaybackEnded{Reason: reason, Err: err})

	if notify && r.cfg.OnClose != nil {
		r.cfg.OnClose(reason)
	}
}

func (r *Reconciler) release() {
	if r.cfg.Streamer != nil {
		r.cfg.Streamer.CancelStreaming()
	}

	if r.cfg.KeepCache || r.cfg.Cache == nil {
		return
	}
	if dir := r.cfg.Metadata.AssetsPath(); dir != "" {
		if err := r.cfg.Cache.DeleteCachedAssets(dir); err != nil {
			r.log.Error().Str("Method", "release").Err(err).Msg("remove cached assets")
		}
	}
}

func (r *Reconciler) stopTimer(t *dispatch.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (r *Reconciler) emit(e Event) {
	if r.cfg.OnEvent != nil {
		r.cfg.OnEvent(e)
	}
}

package interactive

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/mattn/go-runewidth"

	"popcast.app/popcast/castmeta"
	"popcast.app/popcast/castsession"
	"popcast.app/popcast/devices"
	"popcast.app/popcast/dispatch"
	"popcast.app/popcast/playback"
)

const volumeStep = 0.05

// Player is the part of the playback reconciler the screen drives. Calls
// are posted on the control queue.
type Player interface {
	TogglePlayPause() error
	Rewind() error
	FastForward() error
	SetVolume(level float64) error
	SetMuted(muted bool) error
	SelectSubtitle(sub *castmeta.Subtitle)
	Stop()
}

// Sessions is the part of the session controller the device chooser
// drives. Calls are posted on the control queue.
type Sessions interface {
	SelectDevice(d devices.Device, md *castmeta.CastMetadata) error
	Close()
}

type mode int

const (
	modeChooser mode = iota
	modePlayer
)

type action int

const (
	actionNone action = iota
	actionQuit
	actionTogglePlay
	actionMute
	actionVolumeUp
	actionVolumeDown
	actionRewind
	actionForward
	actionNextSubtitle
	actionUp
	actionDown
	actionSelect
	actionDisconnect
	actionChooser
)

// CastScreen is the terminal UI: a device chooser and a cast player.
// Handle* methods run on the control queue, key events on the tcell loop.
type CastScreen struct {
	Current tcell.Screen

	queue    dispatch.Queue
	sessions Sessions
	exit     func()

	mu         sync.Mutex
	mode       mode
	media      *castmeta.CastMetadata
	player     Player
	devices    []devices.Device
	cursor     int
	connected  string
	lastAction string
	position   float64
	duration   float64
	volume     float64
	muted      bool
	subtitles  []castmeta.Subtitle
	// subIdx is the active subtitle, -1 when off
	subIdx   int
	finished bool
}

// InitCastScreen creates a screen. exit is called once the user quits or
// playback ends.
func InitCastScreen(q dispatch.Queue, sessions Sessions, media *castmeta.CastMetadata, exit func()) (*CastScreen, error) {
	s, err := tcell.NewScreen()
	if err != nil {
		return nil, fmt.Errorf("cast interactive: %w", err)
	}
	return newCastScreen(s, q, sessions, media, exit), nil
}

func newCastScreen(s tcell.Screen, q dispatch.Queue, sessions Sessions, media *castmeta.CastMetadata, exit func()) *CastScreen {
	p := &CastScreen{
		Current:    s,
		queue:      q,
		sessions:   sessions,
		exit:       exit,
		media:      media,
		lastAction: "Searching for devices...",
		volume:     1,
		subIdx:     -1,
	}
	if media != nil {
		p.subtitles = media.Subtitles()
		if sel, ok := media.SelectedSubtitle(); ok {
			p.subIdx = media.TrackIndex(sel)
		}
	}
	return p
}

// InterInit initializes the terminal and runs the key loop until the screen
// is finished. Errors go to c.
func (p *CastScreen) InterInit(c chan<- error) {
	s := p.Current
	if err := s.Init(); err != nil {
		c <- fmt.Errorf("cast interactive: %w", err)
		return
	}

	defStyle := tcell.StyleDefault.
		Background(tcell.ColorBlack).
		Foreground(tcell.ColorWhite)
	s.SetStyle(defStyle)
	p.redraw()

	for {
		switch ev := s.PollEvent().(type) {
		case nil:
			// screen finished
			return
		case *tcell.EventResize:
			s.Sync()
			p.redraw()
		case *tcell.EventKey:
			p.HandleKeyEvent(ev)
		}
	}
}

// Fini closes the screen and calls exit once.
func (p *CastScreen) Fini() {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return
	}
	p.finished = true
	p.mu.Unlock()

	p.Current.Fini()
	if p.exit != nil {
		p.exit()
	}
}

// SetPlayer attaches the player of a new session. nil detaches.
func (p *CastScreen) SetPlayer(pl Player) {
	p.mu.Lock()
	p.player = pl
	if pl != nil {
		p.mode = modePlayer
	}
	p.mu.Unlock()
	p.redraw()
}

// SetDevices is the device registry observer.
func (p *CastScreen) SetDevices(list []devices.Device, _ devices.Change) {
	p.mu.Lock()
	p.devices = list
	if p.cursor >= len(list) {
		p.cursor = max(len(list)-1, 0)
	}
	if len(list) == 0 && p.mode == modeChooser {
		p.lastAction = "Searching for devices..."
	}
	p.mu.Unlock()
	p.redraw()
}

// HandleNotice renders session controller notifications.
func (p *CastScreen) HandleNotice(n castsession.Notification) {
	p.mu.Lock()
	switch n := n.(type) {
	case castsession.ConnectedNotice:
		p.connected = n.Device.Name
		if n.MediaLoading {
			p.mode = modePlayer
			p.lastAction = "Waiting for status..."
		} else {
			p.lastAction = "Connected to " + n.Device.Name
		}
	case castsession.DisconnectedNotice:
		p.connected = ""
		p.player = nil
		p.mode = modeChooser
		p.lastAction = "Disconnected"
	case castsession.ConnectionFailedNotice:
		p.connected = ""
		p.mode = modeChooser
		p.lastAction = "Connection to " + n.Device.Name + " failed"
	case castsession.SessionEndFailedNotice:
		p.lastAction = "Disconnect failed"
	}
	p.mu.Unlock()
	p.redraw()
}

// HandlePlaybackEvent renders reconciler events.
func (p *CastScreen) HandlePlaybackEvent(ev playback.Event) {
	var done bool

	p.mu.Lock()
	switch ev := ev.(type) {
	case playback.BufferingStarted:
		p.lastAction = "Buffering..."
	case playback.StateChanged:
		p.lastAction = stateLabel(ev.State)
	case playback.PositionChanged:
		p.position, p.duration = ev.Position, ev.Duration
	case playback.VolumeChanged:
		p.volume, p.muted = ev.Level, ev.Muted
	case playback.LoadTimedOut:
		p.lastAction = "Receiver did not start playing"
	case playback.SubtitleActivated:
		p.subIdx = -1
		if ev.Subtitle != nil {
			p.subIdx = ev.TrackID
		}
	case playback.SubtitleActivationFailed:
		p.lastAction = "Subtitles " + ev.Subtitle.Language + " unavailable"
	case playback.PlaybackEnded:
		p.player = nil
		p.lastAction = "Stopped"
		done = ev.Reason != playback.EndDetached
	}
	p.mu.Unlock()

	if done {
		p.Fini()
		return
	}
	p.redraw()
}

// HandleKeyEvent maps a key to an action and runs it.
func (p *CastScreen) HandleKeyEvent(ev *tcell.EventKey) {
	p.mu.Lock()
	m := p.mode
	p.mu.Unlock()

	p.handleAction(keyAction(m, ev))
}

func keyAction(m mode, ev *tcell.EventKey) action {
	switch ev.Key() {
	case tcell.KeyEscape, tcell.KeyCtrlC:
		return actionQuit
	case tcell.KeyPgUp:
		return actionVolumeUp
	case tcell.KeyPgDn:
		return actionVolumeDown
	case tcell.KeyLeft:
		return actionRewind
	case tcell.KeyRight:
		return actionForward
	case tcell.KeyUp:
		return actionUp
	case tcell.KeyDown:
		return actionDown
	case tcell.KeyEnter:
		if m == modeChooser {
			return actionSelect
		}
	case tcell.KeyTab:
		return actionChooser
	case tcell.KeyRune:
		switch ev.Rune() {
		case 'q':
			return actionQuit
		case 'p', ' ':
			return actionTogglePlay
		case 'm':
			return actionMute
		case 'c':
			return actionNextSubtitle
		case 'd':
			return actionDisconnect
		}
	}
	return actionNone
}

func (p *CastScreen) handleAction(a action) {
	p.mu.Lock()
	pl := p.player
	m := p.mode
	volume, muted := p.volume, p.muted
	p.mu.Unlock()

	switch a {
	case actionQuit:
		if pl != nil {
			p.post(func() { pl.Stop() })
		}
		p.post(p.sessions.Close)
		p.Fini()
		return
	case actionDisconnect:
		p.post(p.sessions.Close)
	case actionChooser:
		p.mu.Lock()
		if p.mode == modePlayer {
			p.mode = modeChooser
		} else if p.player != nil {
			p.mode = modePlayer
		}
		p.mu.Unlock()
	case actionUp, actionDown:
		p.moveCursor(a)
	case actionSelect:
		p.selectDevice()
	}

	if m == modePlayer && pl != nil {
		switch a {
		case actionTogglePlay:
			p.post(func() { _ = pl.TogglePlayPause() })
		case actionMute:
			p.post(func() { _ = pl.SetMuted(!muted) })
		case actionVolumeUp, actionVolumeDown:
			delta := volumeStep
			if a == actionVolumeDown {
				delta = -delta
			}
			level := clampVolume(volume + delta)
			p.post(func() { _ = pl.SetVolume(level) })
		case actionRewind:
			p.post(func() { _ = pl.Rewind() })
		case actionForward:
			p.post(func() { _ = pl.FastForward() })
		case actionNextSubtitle:
			p.cycleSubtitle(pl)
		}
	}

	p.redraw()
}

func (p *CastScreen) moveCursor(a action) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mode != modeChooser || len(p.devices) == 0 {
		return
	}
	if a == actionUp {
		p.cursor = (p.cursor - 1 + len(p.devices)) % len(p.devices)
	} else {
		p.cursor = (p.cursor + 1) % len(p.devices)
	}
}

func (p *CastScreen) selectDevice() {
	p.mu.Lock()
	if p.mode != modeChooser || len(p.devices) == 0 {
		p.mu.Unlock()
		return
	}
	d := p.devices[p.cursor]
	md := p.media
	p.lastAction = "Connecting to " + d.Name + "..."
	p.mu.Unlock()

	p.post(func() {
		if err := p.sessions.SelectDevice(d, md); err != nil {
			p.mu.Lock()
			p.lastAction = d.Name + " is no longer available"
			p.mu.Unlock()
			p.redraw()
		}
	})
}

func (p *CastScreen) cycleSubtitle(pl Player) {
	p.mu.Lock()
	next := nextSubtitle(p.subIdx, len(p.subtitles))
	var sub *castmeta.Subtitle
	if next >= 0 {
		s := p.subtitles[next]
		sub = &s
	}
	p.mu.Unlock()

	p.post(func() { pl.SelectSubtitle(sub) })
}

func (p *CastScreen) post(fn func()) {
	p.queue.Post(fn)
}

func (p *CastScreen) emitStr(x, y int, style tcell.Style, str string) {
	s := p.Current
	for _, c := range str {
		var comb []rune
		w := runewidth.RuneWidth(c)
		if w == 0 {
			comb = []rune{c}
			c = ' '
			w = 1
		}
		s.SetContent(x, y, c, comb, style)
		x += w
	}
}

func (p *CastScreen) emitCentered(y int, style tcell.Style, str string) {
	w, _ := p.Current.Size()
	p.emitStr(w/2-runewidth.StringWidth(str)/2, y, style, str)
}

func (p *CastScreen) redraw() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}

	s := p.Current
	s.Clear()
	if p.mode == modeChooser {
		p.drawChooser()
	} else {
		p.drawPlayer()
	}
	s.Show()
}

func (p *CastScreen) drawChooser() {
	_, h := p.Current.Size()
	bold := tcell.StyleDefault.Bold(true)
	selected := tcell.StyleDefault.Reverse(true)

	p.emitStr(1, 1, tcell.StyleDefault, "Press ESC / q to exit.")
	p.emitCentered(3, bold, "Select a device")

	for i, d := range p.devices {
		style := tcell.StyleDefault
		if i == p.cursor {
			style = selected
		}
		label := d.Name
		if d.Model != "" {
			label += " (" + d.Model + ")"
		}
		if d.Name == p.connected {
			label += " *"
		}
		p.emitCentered(5+i, style, label)
	}

	p.emitCentered(h-3, tcell.StyleDefault, p.lastAction)
	p.emitCentered(h-2, tcell.StyleDefault, `"Enter" (Connect)  "d" (Disconnect)  "Tab" (Player)`)
}

func (p *CastScreen) drawPlayer() {
	w, h := p.Current.Size()
	bold := tcell.StyleDefault.Bold(true)
	blink := tcell.StyleDefault.Blink(true)

	title := ""
	if p.media != nil {
		title = p.media.Title()
	}

	p.emitStr(1, 1, tcell.StyleDefault, "Press ESC to stop and exit.")
	if p.connected != "" {
		p.emitStr(1, 2, tcell.StyleDefault, "Casting to "+p.connected)
	}
	p.emitCentered(h/2-3, tcell.StyleDefault, "Title: "+title)

	switch p.lastAction {
	case "Waiting for status...", "Buffering...":
		p.emitCentered(h/2-1, blink, p.lastAction)
	default:
		p.emitCentered(h/2-1, bold, p.lastAction)
	}

	if p.duration > 0 {
		bar := progressBar(min(w-24, 60), p.position/p.duration)
		p.emitCentered(h/2+1, tcell.StyleDefault, formatTime(p.position)+" "+bar+" "+formatTime(p.duration))
	}

	vol := fmt.Sprintf("Volume %d%%", int(math.Round(p.volume*100)))
	if p.muted {
		vol = "MUTED"
	}
	p.emitCentered(h/2+3, tcell.StyleDefault, vol)

	sub := "Subtitles off"
	if p.subIdx >= 0 && p.subIdx < len(p.subtitles) {
		sub = "Subtitles " + p.subtitles[p.subIdx].Language
	}
	p.emitCentered(h/2+4, tcell.StyleDefault, sub)

	p.emitCentered(h/2+6, tcell.StyleDefault, `"p" (Play/Pause)  "m" (Mute/Unmute)  "c" (Subtitles)`)
	p.emitCentered(h/2+7, tcell.StyleDefault, `"Left" "Right" (-30s/+30s)  "Page Up" "Page Down" (Volume)`)
	p.emitCentered(h/2+8, tcell.StyleDefault, `"Tab" (Devices)`)
}

func stateLabel(s playback.PlayerState) string {
	switch s {
	case playback.StatePlaying:
		return "Playing"
	case playback.StatePaused:
		return "Paused"
	case playback.StateBuffering:
		return "Buffering..."
	case playback.StateIdle:
		return "Stopped"
	default:
		return "Waiting for status..."
	}
}

// formatTime renders seconds as m:ss or h:mm:ss.
func formatTime(sec float64) string {
	total := int(math.Max(sec, 0))
	h, m, s := total/3600, total/60%60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

func progressBar(width int, fraction float64) string {
	if width < 2 {
		return ""
	}
	fraction = min(max(fraction, 0), 1)
	filled := int(math.Round(fraction * float64(width)))
	return "[" + strings.Repeat("=", filled) + strings.Repeat(" ", width-filled) + "]"
}

// nextSubtitle cycles off -> 0 -> 1 ... -> off.
func nextSubtitle(current, n int) int {
	if n == 0 || current+1 >= n {
		return -1
	}
	return current + 1
}

func clampVolume(v float64) float64 {
	return min(max(v, 0), 1)
}

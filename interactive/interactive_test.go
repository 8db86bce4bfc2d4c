package interactive

import (
	"testing"

	"github.com/gdamore/tcell/v2"
	"github.com/stretchr/testify/require"

	"popcast.app/popcast/castmeta"
	"popcast.app/popcast/castsession"
	"popcast.app/popcast/devices"
	"popcast.app/popcast/dispatch"
	"popcast.app/popcast/playback"
)

type fakePlayer struct {
	calls  []string
	volume float64
	muted  bool
	subs   []*castmeta.Subtitle
}

func (f *fakePlayer) TogglePlayPause() error { f.calls = append(f.calls, "toggle"); return nil }
func (f *fakePlayer) Rewind() error          { f.calls = append(f.calls, "rewind"); return nil }
func (f *fakePlayer) FastForward() error     { f.calls = append(f.calls, "forward"); return nil }
func (f *fakePlayer) Stop()                  { f.calls = append(f.calls, "stop") }

func (f *fakePlayer) SetVolume(level float64) error {
	f.calls = append(f.calls, "volume")
	f.volume = level
	return nil
}

func (f *fakePlayer) SetMuted(muted bool) error {
	f.calls = append(f.calls, "mute")
	f.muted = muted
	return nil
}

func (f *fakePlayer) SelectSubtitle(sub *castmeta.Subtitle) {
	f.calls = append(f.calls, "subtitle")
	f.subs = append(f.subs, sub)
}

type fakeSessions struct {
	selected []devices.Device
	closed   int
	err      error
}

func (f *fakeSessions) SelectDevice(d devices.Device, _ *castmeta.CastMetadata) error {
	f.selected = append(f.selected, d)
	return f.err
}

func (f *fakeSessions) Close() { f.closed++ }

func newTestScreen(t *testing.T, media *castmeta.CastMetadata) (*CastScreen, *fakeSessions, *int) {
	t.Helper()

	s := tcell.NewSimulationScreen("")
	require.NoError(t, s.Init())
	s.SetSize(100, 30)

	sessions := &fakeSessions{}
	exits := new(int)
	p := newCastScreen(s, dispatch.Inline{}, sessions, media, func() { *exits++ })
	return p, sessions, exits
}

func testMedia(t *testing.T) *castmeta.CastMetadata {
	t.Helper()

	md, err := castmeta.Builder{}.Build(&castmeta.Movie{
		IMDbID: "tt0113277",
		Name:   "Heat",
		Subs: []castmeta.Subtitle{
			{Language: "English", ISO639: "en", Link: "/tmp/en.srt"},
			{Language: "Greek", ISO639: "el", Link: "/tmp/el.srt"},
		},
	}, castmeta.Inputs{
		ContentURL: "http://192.168.1.5:3500/heat.mp4",
	})
	require.NoError(t, err)
	return &md
}

func TestKeyAction(t *testing.T) {
	tt := []struct {
		name string
		mode mode
		key  tcell.Key
		ch   rune
		want action
	}{
		{"escape quits", modePlayer, tcell.KeyEscape, 0, actionQuit},
		{"q quits", modeChooser, tcell.KeyRune, 'q', actionQuit},
		{"p toggles", modePlayer, tcell.KeyRune, 'p', actionTogglePlay},
		{"space toggles", modePlayer, tcell.KeyRune, ' ', actionTogglePlay},
		{"m mutes", modePlayer, tcell.KeyRune, 'm', actionMute},
		{"page up", modePlayer, tcell.KeyPgUp, 0, actionVolumeUp},
		{"page down", modePlayer, tcell.KeyPgDn, 0, actionVolumeDown},
		{"left rewinds", modePlayer, tcell.KeyLeft, 0, actionRewind},
		{"right forwards", modePlayer, tcell.KeyRight, 0, actionForward},
		{"c cycles subtitles", modePlayer, tcell.KeyRune, 'c', actionNextSubtitle},
		{"enter selects in chooser", modeChooser, tcell.KeyEnter, 0, actionSelect},
		{"enter ignored in player", modePlayer, tcell.KeyEnter, 0, actionNone},
		{"d disconnects", modeChooser, tcell.KeyRune, 'd', actionDisconnect},
		{"tab switches", modePlayer, tcell.KeyTab, 0, actionChooser},
		{"unbound rune", modePlayer, tcell.KeyRune, 'z', actionNone},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			got := keyAction(tc.mode, tcell.NewEventKey(tc.key, tc.ch, tcell.ModNone))
			if got != tc.want {
				t.Fatalf("%s: got %d, want %d", tc.name, got, tc.want)
			}
		})
	}
}

func TestFormatTime(t *testing.T) {
	tt := []struct {
		in   float64
		want string
	}{
		{0, "0:00"},
		{-3, "0:00"},
		{59.9, "0:59"},
		{61, "1:01"},
		{3600, "1:00:00"},
		{7384, "2:03:04"},
	}

	for _, tc := range tt {
		if got := formatTime(tc.in); got != tc.want {
			t.Fatalf("formatTime(%v): got %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestProgressBar(t *testing.T) {
	require.Equal(t, "[     ]", progressBar(5, 0))
	require.Equal(t, "[==   ]", progressBar(5, 0.4))
	require.Equal(t, "[=====]", progressBar(5, 1.7))
	require.Equal(t, "[     ]", progressBar(5, -1))
	require.Empty(t, progressBar(1, 0.5))
}

func TestNextSubtitle(t *testing.T) {
	require.Equal(t, -1, nextSubtitle(-1, 0))
	require.Equal(t, 0, nextSubtitle(-1, 2))
	require.Equal(t, 1, nextSubtitle(0, 2))
	require.Equal(t, -1, nextSubtitle(1, 2))
}

func TestStateLabel(t *testing.T) {
	require.Equal(t, "Playing", stateLabel(playback.StatePlaying))
	require.Equal(t, "Paused", stateLabel(playback.StatePaused))
	require.Equal(t, "Buffering...", stateLabel(playback.StateBuffering))
	require.Equal(t, "Stopped", stateLabel(playback.StateIdle))
	require.Equal(t, "Waiting for status...", stateLabel(playback.StateUnknown))
}

func TestChooserSelectsDevice(t *testing.T) {
	p, sessions, _ := newTestScreen(t, testMedia(t))

	list := []devices.Device{
		{ID: "a", UniqueID: "1", Name: "Living Room TV", Model: "Chromecast Ultra"},
		{ID: "b", UniqueID: "2", Name: "Kitchen"},
	}
	p.SetDevices(list, devices.Change{})

	p.handleAction(actionDown)
	p.handleAction(actionSelect)
	require.Equal(t, []devices.Device{list[1]}, sessions.selected)

	p.handleAction(actionDown)
	p.handleAction(actionSelect)
	require.Equal(t, list[0], sessions.selected[1])

	p.handleAction(actionUp)
	require.Equal(t, 1, p.cursor)

	p.SetDevices(list[:1], devices.Change{})
	require.Equal(t, 0, p.cursor)

	p.handleAction(actionDisconnect)
	require.Equal(t, 1, sessions.closed)
}

func TestChooserReportsVanishedDevice(t *testing.T) {
	p, sessions, _ := newTestScreen(t, nil)
	sessions.err = devices.ErrDeviceNotAvailable

	p.SetDevices([]devices.Device{{ID: "a", Name: "Bedroom"}}, devices.Change{})
	p.handleAction(actionSelect)
	require.Equal(t, "Bedroom is no longer available", p.lastAction)
}

func TestPlayerControls(t *testing.T) {
	p, sessions, exits := newTestScreen(t, testMedia(t))
	pl := &fakePlayer{}

	p.HandleNotice(castsession.ConnectedNotice{Device: devices.Device{Name: "Den"}, MediaLoading: true})
	p.SetPlayer(pl)
	require.Equal(t, modePlayer, p.mode)
	require.Equal(t, "Den", p.connected)

	p.HandlePlaybackEvent(playback.VolumeChanged{Level: 0.5})
	p.handleAction(actionTogglePlay)
	p.handleAction(actionVolumeUp)
	require.InDelta(t, 0.55, pl.volume, 1e-9)

	p.HandlePlaybackEvent(playback.VolumeChanged{Level: 1})
	p.handleAction(actionVolumeUp)
	require.InDelta(t, 1.0, pl.volume, 1e-9)

	p.handleAction(actionMute)
	require.True(t, pl.muted)
	p.handleAction(actionRewind)
	p.handleAction(actionForward)

	p.handleAction(actionNextSubtitle)
	require.Equal(t, "en", pl.subs[0].ISO639)
	p.HandlePlaybackEvent(playback.SubtitleActivated{Subtitle: pl.subs[0], TrackID: 0})
	p.handleAction(actionNextSubtitle)
	require.Equal(t, "el", pl.subs[1].ISO639)
	p.HandlePlaybackEvent(playback.SubtitleActivated{Subtitle: pl.subs[1], TrackID: 1})
	p.handleAction(actionNextSubtitle)
	require.Nil(t, pl.subs[2])

	require.Equal(t, []string{"toggle", "volume", "volume", "mute", "rewind", "forward", "subtitle", "subtitle", "subtitle"}, pl.calls)

	p.handleAction(actionQuit)
	require.Equal(t, "stop", pl.calls[len(pl.calls)-1])
	require.Equal(t, 1, sessions.closed)
	require.Equal(t, 1, *exits)

	// second quit is a no-op for the screen
	p.Fini()
	require.Equal(t, 1, *exits)
}

func TestPlaybackEndedExits(t *testing.T) {
	tt := []struct {
		name      string
		reason    playback.EndReason
		wantExits int
	}{
		{"finished", playback.EndFinished, 1},
		{"error", playback.EndError, 1},
		{"detached keeps the screen", playback.EndDetached, 0},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			p, _, exits := newTestScreen(t, testMedia(t))
			p.SetPlayer(&fakePlayer{})

			p.HandlePlaybackEvent(playback.PlaybackEnded{Reason: tc.reason})
			require.Equal(t, tc.wantExits, *exits)
			require.Nil(t, p.player)
		})
	}
}

func TestDisconnectReturnsToChooser(t *testing.T) {
	p, _, _ := newTestScreen(t, testMedia(t))
	pl := &fakePlayer{}
	p.SetPlayer(pl)

	p.HandleNotice(castsession.DisconnectedNotice{})
	require.Equal(t, modeChooser, p.mode)

	// player keys do nothing without a player
	p.handleAction(actionTogglePlay)
	require.Empty(t, pl.calls)

	p.HandleNotice(castsession.ConnectionFailedNotice{Device: devices.Device{Name: "Den"}})
	require.Equal(t, "Connection to Den failed", p.lastAction)
}

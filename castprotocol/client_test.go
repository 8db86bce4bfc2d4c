package castprotocol

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vishen/go-chromecast/cast"

	"popcast.app/popcast/castmeta"
	"popcast.app/popcast/castsession"
	"popcast.app/popcast/devices"
	"popcast.app/popcast/playback"
)

type mockApp struct {
	mock.Mock
}

func (m *mockApp) Start(addr string, port int) error { return m.Called(addr, port).Error(0) }
func (m *mockApp) Update() error                     { return m.Called().Error(0) }
func (m *mockApp) Status() (*cast.Application, *cast.Media, *cast.Volume) {
	args := m.Called()
	app, _ := args.Get(0).(*cast.Application)
	media, _ := args.Get(1).(*cast.Media)
	vol, _ := args.Get(2).(*cast.Volume)
	return app, media, vol
}
func (m *mockApp) App() *cast.Application {
	app, _ := m.Called().Get(0).(*cast.Application)
	return app
}
func (m *mockApp) Unpause() error                { return m.Called().Error(0) }
func (m *mockApp) Pause() error                  { return m.Called().Error(0) }
func (m *mockApp) Stop() error                   { return m.Called().Error(0) }
func (m *mockApp) SeekFromStart(value int) error { return m.Called(value).Error(0) }
func (m *mockApp) SetVolume(value float32) error { return m.Called(value).Error(0) }
func (m *mockApp) SetMuted(value bool) error     { return m.Called(value).Error(0) }
func (m *mockApp) Close(stopMedia bool) error    { return m.Called(stopMedia).Error(0) }

type sent struct {
	dest      string
	namespace string
	body      map[string]any
}

type recordingConn struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (r *recordingConn) Send(requestID int, payload cast.Payload, sourceID, destinationID, namespace string) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var body map[string]any
	if err := json.Unmarshal(b, &body); err != nil {
		return err
	}
	r.mu.Lock()
	r.sent = append(r.sent, sent{dest: destinationID, namespace: namespace, body: body})
	r.mu.Unlock()
	return r.err
}

func testMetadata(t *testing.T) castmeta.CastMetadata {
	t.Helper()
	start := 95.0
	md, err := castmeta.Builder{}.Build(&castmeta.Episode{
		TVDBID: "127131",
		Name:   "Pilot",
		Show:   &castmeta.Show{Name: "Lost", Cover: "http://img/lost.jpg"},
		Subs: []castmeta.Subtitle{
			{Language: "English", ISO639: "en", Link: "https://subs/en.srt.gz"},
			{Language: "Español", ISO639: "es", Link: "https://subs/es.srt.gz"},
		},
	}, castmeta.Inputs{
		ContentURL:    "http://192.168.1.5:3500/pilot.mkv",
		AssetsPath:    "/cache/pilot",
		AssetsURL:     "http://192.168.1.5:3500/assets",
		StartPosition: &start,
	})
	require.NoError(t, err)
	return md
}

func newTestClient(app castApp, conn sender) *CastClient {
	c := newCastClient(app, conn)
	c.sleep = func(time.Duration) {}
	c.connected = true
	return c
}

func TestLoadSendsTracksAndMetadata(t *testing.T) {
	app := &mockApp{}
	app.On("Update").Return(nil)
	app.On("App").Return(&cast.Application{TransportId: "transport-1"})
	conn := &recordingConn{}

	c := newTestClient(app, conn)
	require.NoError(t, c.load(testMetadata(t)))

	require.Len(t, conn.sent, 1)
	msg := conn.sent[0]
	require.Equal(t, "transport-1", msg.dest)
	require.Equal(t, namespaceMedia, msg.namespace)
	require.Equal(t, "LOAD", msg.body["type"])
	require.Equal(t, true, msg.body["autoplay"])
	require.Equal(t, 95.0, msg.body["currentTime"])
	require.NotContains(t, msg.body, "activeTrackIds")

	media := msg.body["media"].(map[string]any)
	require.Equal(t, "http://192.168.1.5:3500/pilot.mkv", media["contentId"])
	require.Equal(t, "video/x-matroska", media["contentType"])
	require.Equal(t, "BUFFERED", media["streamType"])

	meta := media["metadata"].(map[string]any)
	require.Equal(t, float64(metadataTypeTVShow), meta["metadataType"])
	img := meta["images"].([]any)[0].(map[string]any)
	require.Equal(t, "http://img/lost.jpg", img["url"])
	require.Equal(t, 480.0, img["width"])
	require.Equal(t, 720.0, img["height"])

	tracks := media["tracks"].([]any)
	require.Len(t, tracks, 2)
	es := tracks[1].(map[string]any)
	require.Equal(t, 1.0, es["trackId"])
	require.Equal(t, "http://192.168.1.5:3500/assets/Subtitles/es.vtt", es["trackContentId"])
	require.Equal(t, "text/vtt", es["trackContentType"])
	require.Equal(t, "TEXT", es["type"])
	require.Equal(t, "CAPTIONS", es["subtype"])
	require.Equal(t, "es", es["language"])
}

func TestLoadWithoutTransportFails(t *testing.T) {
	app := &mockApp{}
	app.On("Update").Return(errors.New("not ready"))
	conn := &recordingConn{}

	c := newTestClient(app, conn)
	require.ErrorIs(t, c.load(testMetadata(t)), ErrNoTransport)
	require.Empty(t, conn.sent)
}

func TestEditTracksKeepsEmptyList(t *testing.T) {
	conn := &recordingConn{}
	require.NoError(t, EditTracks(conn, "t", 7, nil))

	body := conn.sent[0].body
	require.Equal(t, "EDIT_TRACKS_INFO", body["type"])
	require.Equal(t, 7.0, body["mediaSessionId"])
	require.Equal(t, []any{}, body["activeTrackIds"])

	require.NoError(t, SetTrackStyle(conn, "t", 7, trackStyle(playback.TextTrackStyle{FontFamily: "Helvetica", ForegroundColor: "#FFFFFFFF"})))
	style := conn.sent[1].body["textTrackStyle"].(map[string]any)
	require.Equal(t, "Helvetica", style["fontFamily"])
	require.NotContains(t, conn.sent[1].body, "activeTrackIds")
}

func TestLaunchDefaultReceiver(t *testing.T) {
	conn := &recordingConn{}
	require.NoError(t, LaunchDefaultReceiver(conn))
	require.Equal(t, "receiver-0", conn.sent[0].dest)
	require.Equal(t, namespaceReceiver, conn.sent[0].namespace)
	require.Equal(t, "LAUNCH", conn.sent[0].body["type"])
	require.Equal(t, DefaultReceiverAppID, conn.sent[0].body["appId"])
}

func TestStatusTracker(t *testing.T) {
	playing := func(pos, dur float32) *cast.Media {
		m := &cast.Media{PlayerState: "PLAYING", CurrentTime: pos, MediaSessionId: 1}
		m.Media.Duration = dur
		return m
	}

	tests := []struct {
		name       string
		polls      []*cast.Media
		wantPushes int
		wantLast   playback.Status
	}{
		{
			name:       "nothing loaded yet",
			polls:      []*cast.Media{nil, nil},
			wantPushes: 0,
		},
		{
			name:       "vanished near the end is finished",
			polls:      []*cast.Media{playing(10, 100), playing(99, 100), nil, nil},
			wantPushes: 3,
			wantLast:   playback.Status{PlayerState: playback.StateIdle, IdleReason: playback.IdleFinished, StreamPosition: 99, StreamDuration: 100},
		},
		{
			name:       "vanished mid stream is interrupted",
			polls:      []*cast.Media{playing(10, 100), nil},
			wantPushes: 2,
			wantLast:   playback.Status{PlayerState: playback.StateIdle, IdleReason: playback.IdleInterrupted, StreamPosition: 10, StreamDuration: 100},
		},
		{
			name: "explicit idle reason passes through",
			polls: []*cast.Media{playing(10, 100), {
				PlayerState: "IDLE",
				IdleReason:  "ERROR",
			}},
			wantPushes: 2,
			wantLast:   playback.Status{PlayerState: playback.StateIdle, IdleReason: playback.IdleError},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var tr statusTracker
			var pushes []playback.Status
			for _, m := range tc.polls {
				if s, ok := tr.next(m, &cast.Volume{Level: 0.5}); ok {
					pushes = append(pushes, s)
				}
			}
			require.Len(t, pushes, tc.wantPushes)
			if tc.wantPushes == 0 {
				return
			}
			last := pushes[len(pushes)-1]
			last.Volume = 0
			require.Equal(t, tc.wantLast, last)
		})
	}
}

func TestCommandsRunOnWorker(t *testing.T) {
	app := &mockApp{}
	app.On("Update").Return(nil).Maybe()
	app.On("Status").Return(nil, nil, nil).Maybe()
	app.On("Pause").Return(nil).Once()
	app.On("SeekFromStart", 42).Return(nil).Once()
	app.On("Unpause").Return(nil).Once()
	app.On("SetVolume", float32(0.25)).Return(nil).Once()
	app.On("Close", true).Return(nil).Once()

	c := newTestClient(app, &recordingConn{})
	c.pollTick = time.Hour
	c.Run()

	require.NoError(t, c.Pause())
	require.NoError(t, c.Seek(41.6, true))
	require.NoError(t, c.SetVolume(0.25))

	done := make(chan struct{})
	require.NoError(t, c.enqueue("sync", func() error { close(done); return nil }))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not drain")
	}

	require.NoError(t, c.Close(true))
	require.ErrorIs(t, c.Play(), ErrNotConnected)
	app.AssertExpectations(t)
}

func TestPollPublishesToSubscribers(t *testing.T) {
	app := &mockApp{}
	m := &cast.Media{PlayerState: "PAUSED", CurrentTime: 12, MediaSessionId: 3}
	m.Media.Duration = 60
	app.On("Update").Return(nil)
	app.On("Status").Return(&cast.Application{TransportId: "t"}, m, &cast.Volume{Level: 0.8, Muted: true})

	c := newTestClient(app, &recordingConn{})
	var got []playback.Status
	unsub := c.Subscribe(func(s playback.Status) { got = append(got, s) })

	require.NoError(t, c.poll())
	unsub()
	require.NoError(t, c.poll())

	require.Len(t, got, 1)
	require.Equal(t, playback.StatePaused, got[0].PlayerState)
	require.InDelta(t, 12, got[0].StreamPosition, 1e-6)
	require.InDelta(t, 60, got[0].StreamDuration, 1e-6)
	require.InDelta(t, 0.8, got[0].Volume, 1e-6)
	require.True(t, got[0].Muted)
}

type fakeChannel struct {
	playback.MediaChannel
	connectErr error
	closed     chan bool
}

func (f *fakeChannel) Connect() error { return f.connectErr }
func (f *fakeChannel) Run()           {}
func (f *fakeChannel) Close(stop bool) error {
	f.closed <- stop
	return nil
}

func TestSessionManagerDeliversOutcomes(t *testing.T) {
	events := make(chan castsession.Event, 4)
	m := NewSessionManager(func(ev castsession.Event) { events <- ev })

	ch := &fakeChannel{closed: make(chan bool, 1)}
	m.dial = func(devices.Device) (channel, error) { return ch, nil }

	dev := devices.Device{ID: "a", UniqueID: "1", Name: "TV"}
	require.NoError(t, m.StartSession(dev))

	ev := <-events
	started, ok := ev.(castsession.SessionStarted)
	require.True(t, ok)
	require.True(t, started.Device.Equal(dev))
	require.ErrorIs(t, m.StartSession(dev), ErrSessionBusy)

	require.NoError(t, m.EndSession())
	require.True(t, <-ch.closed)
	require.Equal(t, castsession.SessionEnded{}, <-events)

	ch.connectErr = errors.New("refused")
	require.NoError(t, m.StartSession(dev))
	failed, ok := (<-events).(castsession.SessionStartFailed)
	require.True(t, ok)
	require.EqualError(t, failed.Err, "refused")
}

package torrentstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/rs/zerolog"

	"popcast.app/popcast/internal/metrics"
	"popcast.app/popcast/playback"
)

const (
	addMagnetTimeout = 10 * time.Second
	progressInterval = time.Second
	readahead        = 8 << 20
	assetsDirPrefix  = "assets-"
)

var (
	ErrNoVideoFile   = errors.New("torrentstream: torrent has no video file")
	ErrNotStreaming  = errors.New("torrentstream: nothing is streaming")
	ErrOutsideCache  = errors.New("torrentstream: path outside the cache dir")
	ErrClientBusy    = errors.New("torrentstream: torrent client busy, try again later")
	ErrEngineStopped = errors.New("torrentstream: engine closed")
)

var videoExts = map[string]bool{
	".mp4": true, ".m4v": true, ".mkv": true, ".avi": true, ".webm": true, ".mov": true,
}

// Progress is a download snapshot of the streamed file.
type Progress struct {
	Fraction  float64
	Completed int64
	Length    int64
	// Speed in bytes per second since the last snapshot.
	Speed int64
	Seeds int
}

// Stream is the file picked from an opened torrent.
type Stream struct {
	Name   string
	Length int64
	// DataPath is where the file lands on disk.
	DataPath string
	// AssetsPath holds per-media files such as converted subtitles.
	AssetsPath string

	file *torrent.File
}

// NewReader returns a seekable reader over the file, blocking until the
// requested pieces arrive.
func (s *Stream) NewReader() (io.ReadSeekCloser, error) {
	if s.file == nil {
		return nil, ErrNotStreaming
	}
	r := s.file.NewReader()
	r.SetReadahead(readahead)
	return r, nil
}

// Engine streams one torrent at a time into a cache directory. It is the
// stream canceller and asset cache of the playback layer.
type Engine struct {
	Logger zerolog.Logger

	// OnProgress is called from the progress goroutine.
	OnProgress func(Progress)

	client  *torrent.Client
	dataDir string

	mu      sync.Mutex
	current *torrent.Torrent
	stop    context.CancelFunc
	// assets path -> torrent data path, removed together
	owned map[string]string
}

var (
	_ playback.StreamCanceller = (*Engine)(nil)
	_ playback.AssetCache      = (*Engine)(nil)
)

// New starts a torrent client storing data under dataDir.
func New(dataDir string) (*Engine, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create torrent data dir: %w", err)
	}

	clientConfig := torrent.NewDefaultClientConfig()
	clientConfig.DataDir = dataDir
	// any free port, several instances may run side by side
	clientConfig.ListenPort = 0

	client, err := torrent.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("start torrent client: %w", err)
	}

	e := newEngine(dataDir)
	e.client = client
	return e, nil
}

// NewCache returns an Engine without a torrent client. It only manages
// assets dirs for local media; Open fails with ErrEngineStopped.
func NewCache(dataDir string) *Engine {
	return newEngine(dataDir)
}

func newEngine(dataDir string) *Engine {
	return &Engine{
		Logger:  zerolog.Nop(),
		dataDir: dataDir,
		owned:   make(map[string]string),
	}
}

// DataDir is the cache root.
func (e *Engine) DataDir() string { return e.dataDir }

// Open adds magnet, waits for its metadata and starts downloading the
// largest video file. A running stream is cancelled first.
func (e *Engine) Open(ctx context.Context, magnet string) (*Stream, error) {
	if e.client == nil {
		return nil, ErrEngineStopped
	}
	e.CancelStreaming()

	ch := make(chan addResult, 1)
	go func() {
		t, err := e.client.AddMagnet(magnet)
		ch <- addResult{t, err}
	}()

	var t *torrent.Torrent
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("add magnet: %w", res.err)
		}
		t = res.t
	case <-time.After(addMagnetTimeout):
		go dropLate(ch)
		return nil, ErrClientBusy
	case <-ctx.Done():
		go dropLate(ch)
		return nil, ctx.Err()
	}

	e.Logger.Debug().Str("Method", "Open").Str("InfoHash", t.InfoHash().HexString()).Msg("waiting for metadata")
	select {
	case <-t.GotInfo():
	case <-ctx.Done():
		t.Drop()
		return nil, ctx.Err()
	}

	files := t.Files()
	candidates := make([]fileCandidate, len(files))
	for i, f := range files {
		candidates[i] = fileCandidate{path: f.Path(), length: f.Length()}
	}
	idx := pickVideoFile(candidates)
	if idx < 0 {
		t.Drop()
		return nil, ErrNoVideoFile
	}

	f := files[idx]
	f.Download()

	s := &Stream{
		Name:       filepath.Base(f.Path()),
		Length:     f.Length(),
		DataPath:   filepath.Join(e.dataDir, filepath.FromSlash(f.Path())),
		AssetsPath: filepath.Join(e.dataDir, assetsDirPrefix+t.InfoHash().HexString()),
		file:       f,
	}

	progressCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.current = t
	e.stop = cancel
	e.owned[s.AssetsPath] = filepath.Join(e.dataDir, filepath.FromSlash(t.Name()))
	e.mu.Unlock()

	go e.reportProgress(progressCtx, t, f)

	e.Logger.Info().Str("Method", "Open").Str("File", s.Name).Int64("Length", s.Length).Msg("streaming")
	return s, nil
}

type addResult struct {
	t   *torrent.Torrent
	err error
}

// dropLate drops a torrent whose add finished after Open gave up.
func dropLate(ch <-chan addResult) {
	if res := <-ch; res.t != nil {
		res.t.Drop()
	}
}

func (e *Engine) reportProgress(ctx context.Context, t *torrent.Torrent, f *torrent.File) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	var last int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		completed := f.BytesCompleted()
		p := Progress{
			Completed: completed,
			Length:    f.Length(),
			Speed:     int64(float64(completed-last) / progressInterval.Seconds()),
			Seeds:     t.Stats().ConnectedSeeders,
		}
		if p.Length > 0 {
			p.Fraction = float64(completed) / float64(p.Length)
		}
		last = completed

		metrics.TorrentDownloadedBytes.Set(float64(completed))
		if e.OnProgress != nil {
			e.OnProgress(p)
		}
	}
}

// CancelStreaming implements playback.StreamCanceller. Downloaded data is
// kept until DeleteCachedAssets.
func (e *Engine) CancelStreaming() {
	e.mu.Lock()
	t, stop := e.current, e.stop
	e.current, e.stop = nil, nil
	e.mu.Unlock()

	if stop != nil {
		stop()
	}
	if t != nil {
		e.Logger.Debug().Str("Method", "CancelStreaming").Str("InfoHash", t.InfoHash().HexString()).Msg("dropping torrent")
		t.Drop()
		metrics.TorrentDownloadedBytes.Set(0)
	}
}

// DeleteCachedAssets implements playback.AssetCache. Only paths inside the
// cache dir are removed; torrent data belonging to path goes with it.
func (e *Engine) DeleteCachedAssets(path string) error {
	if err := e.inCache(path); err != nil {
		return err
	}

	e.mu.Lock()
	data, ok := e.owned[path]
	delete(e.owned, path)
	e.mu.Unlock()

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove assets: %w", err)
	}
	if ok && e.inCache(data) == nil {
		if err := os.RemoveAll(data); err != nil {
			return fmt.Errorf("remove torrent data: %w", err)
		}
	}

	e.Logger.Debug().Str("Method", "DeleteCachedAssets").Str("Path", path).Msg("cache removed")
	return nil
}

// NewAssetsDir creates a fresh assets dir in the cache for media that is not
// streamed from a torrent.
func (e *Engine) NewAssetsDir() (string, error) {
	if err := os.MkdirAll(e.dataDir, 0o755); err != nil {
		return "", err
	}
	return os.MkdirTemp(e.dataDir, assetsDirPrefix)
}

func (e *Engine) inCache(path string) error {
	root, err := filepath.Abs(e.dataDir)
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s", ErrOutsideCache, path)
	}
	return nil
}

// Close cancels streaming and stops the client.
func (e *Engine) Close() error {
	e.CancelStreaming()
	if e.client == nil {
		return nil
	}
	errList := e.client.Close()
	e.client = nil
	if len(errList) > 0 {
		return errList[0]
	}
	return nil
}

type fileCandidate struct {
	path   string
	length int64
}

// pickVideoFile returns the index of the largest video file, or -1.
// Sample clips are only picked when nothing else is there.
func pickVideoFile(files []fileCandidate) int {
	best, bestSample := -1, -1
	for i, f := range files {
		if !videoExts[strings.ToLower(filepath.Ext(f.path))] {
			continue
		}
		if strings.Contains(strings.ToLower(filepath.Base(f.path)), "sample") {
			if bestSample < 0 || f.length > files[bestSample].length {
				bestSample = i
			}
			continue
		}
		if best < 0 || f.length > files[best].length {
			best = i
		}
	}
	if best < 0 {
		return bestSample
	}
	return best
}

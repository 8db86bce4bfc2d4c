package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"popcast.app/popcast/castmeta"
	"popcast.app/popcast/castprotocol"
	"popcast.app/popcast/castsession"
	"popcast.app/popcast/devices"
	"popcast.app/popcast/dispatch"
	"popcast.app/popcast/httphandlers"
	"popcast.app/popcast/interactive"
	"popcast.app/popcast/internal/config"
	"popcast.app/popcast/internal/metrics"
	"popcast.app/popcast/internal/torrentstream"
	"popcast.app/popcast/playback"
	"popcast.app/popcast/subtitles"
	"popcast.app/popcast/utils"
	"popcast.app/popcast/watchhistory"
)

const (
	discoveryWait = 10 * time.Second
	listWait      = 3 * time.Second
	shutdownGrace = 2 * time.Second
	positionsFile = "positions.json"
	logFile       = "popcast.log"
)

var (
	version    string
	build      string
	videoArg   = flag.String("v", "", "Path to the video file.")
	magnetArg  = flag.String("m", "", "Magnet link to stream.")
	subsArg    = flag.String("s", "", "Path or URL of the subtitles file.")
	langArg    = flag.String("lang", "", "ISO 639-1 code of the subtitles. (default from settings)")
	titleArg   = flag.String("title", "", "Title shown on the receiver. (default file name)")
	idArg      = flag.String("id", "", "IMDb id of a movie or TVDB id of an episode, used for watch history.")
	kindArg    = flag.String("kind", "movie", "Media kind: movie or episode.")
	listPtr    = flag.Bool("l", false, "List all available Chromecast devices.")
	targetPtr  = flag.String("t", "", "Cast to a specific device name or id.")
	debugPtr   = flag.Bool("debug", false, "Enable debug logging.")
	logJSONPtr = flag.Bool("logjson", false, "Log JSON to stderr instead of the log file.")
	versionPtr = flag.Bool("version", false, "Print version.")
)

func main() {
	flag.Parse()
	checkVerflag()
	check(checkflags())

	conf, err := config.GetAppConfig()
	check(err)

	logger, closeLog, err := newLogger(*debugPtr, *logJSONPtr)
	check(err)
	defer closeLog()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	check(run(ctx, cancel, conf, logger))
}

func run(ctx context.Context, cancel context.CancelFunc, conf *config.Config, logger zerolog.Logger) error {
	reg := prometheus.NewRegistry()
	metrics.Register(reg)

	// the loop outlives ctx so a quit can still stop the receiver
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	loop := dispatch.NewLoop(256)
	go loop.Run(loopCtx)

	registry := devices.NewRegistry(nil)
	discovery := devices.NewDiscovery(registry, loop)
	discovery.Logger = logger.With().Str("Component", "Discovery").Logger()
	go discovery.Run(ctx)

	if *listPtr {
		time.Sleep(listWait)
		return listFlagFunction(registry.Devices())
	}

	var target devices.Device
	if *targetPtr != "" || hasMedia() {
		d, err := waitForDevice(ctx, registry, *targetPtr)
		if err != nil {
			return errors.Wrap(err, "device lookup error")
		}
		target = d
	}

	configDir, err := config.Dir()
	if err != nil {
		return err
	}
	positions, err := watchhistory.OpenPositionStore(filepath.Join(configDir, positionsFile))
	if err != nil {
		return err
	}
	positions.Logger = logger.With().Str("Component", "Positions").Logger()

	history := watchhistory.Multi{positions}
	scrobbler := watchhistory.NewScrobbler("", conf.TraktClientID, conf.TraktAccessToken)
	scrobbler.Logger = logger.With().Str("Component", "Trakt").Logger()
	if scrobbler.IsConfigured() {
		go scrobbler.Run(ctx)
		history = append(history, scrobbler)
	}

	fetcher := subtitles.NewFetcher()
	fetcher.Logger = logger.With().Str("Component", "Subtitles").Logger()

	var engine *torrentstream.Engine
	if *magnetArg != "" {
		engine, err = torrentstream.New(conf.TorrentDataDir)
		if err != nil {
			return err
		}
	} else {
		engine = torrentstream.NewCache(conf.TorrentDataDir)
	}
	engine.Logger = logger.With().Str("Component", "Torrent").Logger()
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Error().Err(err).Msg("torrent client close")
		}
	}()

	var md *castmeta.CastMetadata
	if hasMedia() {
		srv, built, err := serveMedia(ctx, conf, target, engine, fetcher, positions, reg, logger)
		if err != nil {
			return err
		}
		defer srv.StopServer()
		md = &built
	}

	var scr *interactive.CastScreen
	var controller *castsession.Controller
	sdk := castprotocol.NewSessionManager(func(ev castsession.Event) { controller.Deliver(ev) })
	sdk.Logger = logger.With().Str("Component", "Cast").Logger()

	style := playback.TextTrackStyle{
		FontFamily:      conf.PreferredSubtitleFont,
		ForegroundColor: conf.PreferredSubtitleColor,
	}

	factory := castsession.PlaybackFactoryFunc(func(ch playback.MediaChannel, md castmeta.CastMetadata, onClose func(playback.EndReason)) castsession.Playback {
		var r *playback.Reconciler
		styled := false
		r = playback.New(playback.Config{
			Channel:   ch,
			Metadata:  md,
			Queue:     loop,
			Clock:     dispatch.NewClock(loop),
			History:   history,
			Subtitles: fetcher,
			Cache:     engine,
			Streamer:  engine,
			KeepCache: !conf.RemoveCacheOnPlayerExit,
			OnEvent: func(ev playback.Event) {
				// first status: the media session exists now
				if _, ok := ev.(playback.VolumeChanged); ok && !styled {
					styled = true
					if err := r.SetTextTrackStyle(style); err != nil {
						logger.Debug().Err(err).Msg("text track style")
					}
				}
				scr.HandlePlaybackEvent(ev)
			},
			OnClose: onClose,
			Logger:  logger.With().Str("Component", "Playback").Logger(),
		})
		scr.SetPlayer(r)
		return r
	})

	controller = castsession.NewController(sdk, registry, loop, factory, func(n castsession.Notification) {
		scr.HandleNotice(n)
	})
	controller.Logger = logger.With().Str("Component", "Session").Logger()

	scr, err = interactive.InitCastScreen(loop, controller, md, cancel)
	if err != nil {
		return err
	}
	registry.SetObserver(scr.SetDevices)
	scr.SetDevices(registry.Devices(), devices.Change{})

	// without -t the user picks the device in the chooser
	if *targetPtr != "" {
		loop.Post(func() {
			if err := controller.SelectDevice(target, md); err != nil {
				logger.Error().Err(err).Str("Device", target.Name).Msg("select device")
			}
		})
	}

	screenErr := make(chan error, 1)
	go scr.InterInit(screenErr)

	select {
	case <-ctx.Done():
	case err := <-screenErr:
		return err
	}

	scr.Fini()
	flush(loop)
	return nil
}

// flush waits for commands posted before shutdown.
func flush(q dispatch.Queue) {
	flushed := make(chan struct{})
	q.Post(func() { close(flushed) })
	select {
	case <-flushed:
	case <-time.After(shutdownGrace):
	}
}

func serveMedia(ctx context.Context, conf *config.Config, target devices.Device, engine *torrentstream.Engine,
	fetcher *subtitles.Fetcher, positions *watchhistory.PositionStore, reg *prometheus.Registry, logger zerolog.Logger,
) (*httphandlers.HTTPserver, castmeta.CastMetadata, error) {
	whereToListen, err := utils.ListenAddrFor(target.Addr, conf.ListenPort)
	if err != nil {
		return nil, castmeta.CastMetadata{}, err
	}

	prefix, err := utils.RandomString()
	if err != nil {
		return nil, castmeta.CastMetadata{}, err
	}
	base := "http://" + whereToListen + "/" + prefix

	s := httphandlers.NewServer(whereToListen)
	s.Logger = logger.With().Str("Component", "HTTP").Logger()
	if conf.MetricsEnabled {
		s.EnableMetrics(reg)
	}

	var contentURL, assetsPath, name string
	switch {
	case *magnetArg != "":
		stream, err := engine.Open(ctx, *magnetArg)
		if err != nil {
			return nil, castmeta.CastMetadata{}, err
		}
		name = stream.Name
		assetsPath = stream.AssetsPath
		urlPath := "/" + prefix + "/" + utils.ConvertFilename(stream.Name)
		s.AddStream(urlPath, stream.Name, "", stream.NewReader)
		contentURL = "http://" + whereToListen + urlPath
	default:
		absVideoFile, err := filepath.Abs(*videoArg)
		if err != nil {
			return nil, castmeta.CastMetadata{}, err
		}
		name = filepath.Base(absVideoFile)
		assetsPath, err = engine.NewAssetsDir()
		if err != nil {
			return nil, castmeta.CastMetadata{}, err
		}
		urlPath := "/" + prefix + "/" + utils.ConvertFilename(absVideoFile)
		s.AddFile(urlPath, absVideoFile, "")
		contentURL = "http://" + whereToListen + urlPath
	}

	if err := os.MkdirAll(assetsPath, 0o755); err != nil {
		return nil, castmeta.CastMetadata{}, err
	}
	s.AddAssets("/"+prefix+"/assets/", assetsPath)

	lang := *langArg
	if lang == "" {
		lang = conf.PreferredSubtitleLanguage
	}

	var sub *castmeta.Subtitle
	if *subsArg != "" {
		link := *subsArg
		if !isRemote(link) {
			link, err = filepath.Abs(link)
			if err != nil {
				return nil, castmeta.CastMetadata{}, err
			}
			if _, err := fetcher.ConvertFile(link, assetsPath, lang); err != nil {
				return nil, castmeta.CastMetadata{}, errors.Wrap(err, "subtitle conversion error")
			}
		}
		sub = &castmeta.Subtitle{Language: strings.ToUpper(lang), ISO639: lang, Link: link}
	}

	serverStarted := make(chan error, 1)
	go s.StartServer(serverStarted)
	if err := <-serverStarted; err != nil {
		return nil, castmeta.CastMetadata{}, err
	}

	title := *titleArg
	if title == "" {
		title = strings.TrimSuffix(name, filepath.Ext(name))
	}
	id := *idArg
	if id == "" {
		id = name
	}

	kind, _ := castmeta.ParseKind(*kindArg)
	var item castmeta.Item
	switch kind {
	case castmeta.KindEpisode:
		item = &castmeta.Episode{TVDBID: id, Name: title}
	default:
		item = &castmeta.Movie{IMDbID: id, Name: title}
	}

	md, err := castmeta.Builder{Positions: positions}.Build(item, castmeta.Inputs{
		ContentURL: contentURL,
		AssetsPath: assetsPath,
		AssetsURL:  base + "/assets",
		Subtitle:   sub,
	})
	if err != nil {
		s.StopServer()
		return nil, castmeta.CastMetadata{}, err
	}

	return s, md, nil
}

func waitForDevice(ctx context.Context, registry *devices.Registry, target string) (devices.Device, error) {
	ctx, cancel := context.WithTimeout(ctx, discoveryWait)
	defer cancel()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		var d devices.Device
		var err error
		if target == "" {
			d, err = registry.DevicePicker(1)
		} else {
			d, err = registry.Lookup(target)
		}
		if err == nil {
			return d, nil
		}

		select {
		case <-ctx.Done():
			return devices.Device{}, err
		case <-ticker.C:
		}
	}
}

func hasMedia() bool {
	return *videoArg != "" || *magnetArg != ""
}

// newLogger logs to a file in the config dir since the terminal belongs to
// the interactive screen. -logjson sends JSON to stderr instead.
func newLogger(debug, jsonOut bool) (zerolog.Logger, func(), error) {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}

	if jsonOut {
		return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger(), func() {}, nil
	}

	if !debug {
		return zerolog.Nop(), func() {}, nil
	}

	dir, err := config.Dir()
	if err != nil {
		return zerolog.Nop(), nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return zerolog.Nop(), nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, logFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return zerolog.Nop(), nil, err
	}

	var out io.Writer = zerolog.ConsoleWriter{Out: f, NoColor: true, TimeFormat: time.RFC3339}
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), func() { _ = f.Close() }, nil
}

func check(err error) {
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Encountered error(s): %s\n", err)
		os.Exit(1)
	}
}

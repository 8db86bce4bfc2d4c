package httphandlers

import (
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/h2non/filetype"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"popcast.app/popcast/internal/metrics"
)

const (
	routeMedia   = "media"
	routeAssets  = "assets"
	sniffLen     = 261
	fallbackMIME = "application/octet-stream"
)

// HTTPserver serves media and subtitle assets to receivers on the LAN.
type HTTPserver struct {
	http *http.Server
	Mux  *http.ServeMux

	Logger zerolog.Logger

	mu       sync.Mutex
	handlers map[string]mediaHandler
	assets   map[string]string
}

type mediaHandler struct {
	name        string
	contentType string
	open        func() (io.ReadSeekCloser, time.Time, error)
}

// NewServer constractor generates a new HTTPserver type listening on a.
func NewServer(a string) *HTTPserver {
	mux := http.NewServeMux()
	srv := &HTTPserver{
		http:     &http.Server{Addr: a, Handler: mux, ReadHeaderTimeout: 10 * time.Second},
		Mux:      mux,
		Logger:   zerolog.Nop(),
		handlers: make(map[string]mediaHandler),
		assets:   make(map[string]string),
	}

	mux.HandleFunc("/", srv.ServeMediaHandler())
	return srv
}

// AddFile serves the local file at filePath under urlPath. An empty
// contentType is sniffed from the file.
func (s *HTTPserver) AddFile(urlPath, filePath, contentType string) {
	s.addHandler(urlPath, mediaHandler{
		name:        filepath.Base(filePath),
		contentType: contentType,
		open: func() (io.ReadSeekCloser, time.Time, error) {
			f, err := os.Open(filePath)
			if err != nil {
				return nil, time.Time{}, err
			}
			info, err := f.Stat()
			if err != nil {
				f.Close()
				return nil, time.Time{}, err
			}
			return f, info.ModTime(), nil
		},
	})
}

// AddStream serves readers returned by open under urlPath. Each request
// gets its own reader.
func (s *HTTPserver) AddStream(urlPath, name, contentType string, open func() (io.ReadSeekCloser, error)) {
	s.addHandler(urlPath, mediaHandler{
		name:        name,
		contentType: contentType,
		open: func() (io.ReadSeekCloser, time.Time, error) {
			r, err := open()
			return r, time.Time{}, err
		},
	})
}

func (s *HTTPserver) addHandler(urlPath string, h mediaHandler) {
	s.mu.Lock()
	s.handlers[cleanURLPath(urlPath)] = h
	s.mu.Unlock()
}

// RemoveHandler dynamically removes a handler.
func (s *HTTPserver) RemoveHandler(urlPath string) {
	s.mu.Lock()
	delete(s.handlers, cleanURLPath(urlPath))
	s.mu.Unlock()
}

// AddAssets serves the directory dir under prefix. Receivers fetch text
// tracks cross-origin, so responses carry CORS headers.
func (s *HTTPserver) AddAssets(prefix, dir string) {
	prefix = strings.TrimSuffix(cleanURLPath(prefix), "/") + "/"

	s.mu.Lock()
	_, exists := s.assets[prefix]
	s.assets[prefix] = dir
	s.mu.Unlock()

	if !exists {
		s.Mux.Handle(prefix, s.instrument(routeAssets, s.assetsHandler(prefix)))
	}
}

// EnableMetrics exposes g on /metrics.
func (s *HTTPserver) EnableMetrics(g prometheus.Gatherer) {
	s.Mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}

// StartServer listens and serves until StopServer. serverStarted receives
// nil once the listener is up, or the listen error.
func (s *HTTPserver) StartServer(serverStarted chan<- error) {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		serverStarted <- fmt.Errorf("server listen error: %w", err)
		return
	}

	s.Logger.Debug().Str("Method", "StartServer").Str("Addr", ln.Addr().String()).Msg("media server listening")
	serverStarted <- nil
	_ = s.http.Serve(ln)
}

// StopServer forcefully closes the HTTP server.
func (s *HTTPserver) StopServer() {
	_ = s.http.Close()
}

// ServeMediaHandler serves registered media paths with range support.
func (s *HTTPserver) ServeMediaHandler() http.HandlerFunc {
	return s.instrument(routeMedia, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		h, exists := s.handlers[cleanURLPath(r.URL.Path)]
		s.mu.Unlock()

		if !exists {
			http.Error(w, "not exists", http.StatusNotFound)
			return
		}

		f, modtime, err := h.open()
		if err != nil {
			s.Logger.Error().Str("Method", "ServeMediaHandler").Str("Path", r.URL.Path).Err(err).Msg("open failed")
			http.NotFound(w, r)
			return
		}
		defer f.Close()

		ctype := h.contentType
		if ctype == "" {
			ctype = detectContentType(h.name, f)
		}
		w.Header().Set("Content-Type", ctype)
		w.Header().Set("Access-Control-Allow-Origin", "*")

		http.ServeContent(w, r, h.name, modtime, f)
	})).ServeHTTP
}

func (s *HTTPserver) assetsHandler(prefix string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		dir, ok := s.assets[prefix]
		s.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Range")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if path.Ext(r.URL.Path) == ".vtt" {
			w.Header().Set("Content-Type", "text/vtt; charset=utf-8")
		}

		http.StripPrefix(strings.TrimSuffix(prefix, "/"), http.FileServer(http.Dir(dir))).ServeHTTP(w, r)
	})
}

// detectContentType guesses from the extension first and the magic bytes
// second. f is rewound afterwards.
func detectContentType(name string, f io.ReadSeeker) string {
	if ctype := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); ctype != "" {
		return ctype
	}

	head := make([]byte, sniffLen)
	n, _ := io.ReadFull(f, head)
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fallbackMIME
	}

	kind, err := filetype.Match(head[:n])
	if err != nil || kind == filetype.Unknown {
		return fallbackMIME
	}
	return kind.MIME.Value
}

func cleanURLPath(p string) string {
	if p == "" || p[0] != '/' {
		p = "/" + p
	}
	return path.Clean(p)
}

// statusRecorder keeps the status code and body size for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

func (s *HTTPserver) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		metrics.MediaRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		metrics.MediaBytesServed.Add(float64(rec.bytes))

		s.Logger.Debug().Str("Method", r.Method).Str("Path", r.URL.Path).Str("Range", r.Header.Get("Range")).
			Int("Status", rec.status).Int64("Bytes", rec.bytes).Msg("served")
	})
}

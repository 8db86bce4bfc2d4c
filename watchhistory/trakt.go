package watchhistory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"popcast.app/popcast/castmeta"
	"popcast.app/popcast/internal/metrics"
	"popcast.app/popcast/playback"
)

const (
	// DefaultTraktURL is the public Trakt API.
	DefaultTraktURL = "https://api.trakt.tv"

	traktAPIVersion    = "2"
	traktTimeout       = 15 * time.Second
	traktRetryMax      = 2
	traktRateLimit     = 1 // per second
	traktRateBurst     = 2
	scrobbleQueueDepth = 16
)

var (
	ErrNotConfigured = errors.New("watchhistory: trakt client not configured")
	ErrQueueFull     = errors.New("watchhistory: scrobble queue full")
)

// HTTPError is a non-2xx answer from the Trakt API.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("trakt error(%d): %s", e.StatusCode, e.Body)
}

type traktIDs struct {
	IMDb string `json:"imdb,omitempty"`
	TVDB string `json:"tvdb,omitempty"`
}

type traktItem struct {
	IDs traktIDs `json:"ids"`
}

type scrobbleRequest struct {
	Movie    *traktItem `json:"movie,omitempty"`
	Episode  *traktItem `json:"episode,omitempty"`
	Progress float64    `json:"progress"`
}

// Scrobbler reports playback progress to Trakt. ReportProgress only queues,
// the requests run on the goroutine started by Run.
type Scrobbler struct {
	Logger zerolog.Logger

	baseURL     string
	clientID    string
	accessToken string

	httpClient *http.Client
	limiter    *rate.Limiter
	queue      chan playback.Progress

	mu   sync.Mutex
	last map[string]playback.ProgressStatus
}

var _ playback.WatchHistory = (*Scrobbler)(nil)

// NewScrobbler returns a Scrobbler for baseURL. An empty baseURL selects
// DefaultTraktURL.
func NewScrobbler(baseURL, clientID, accessToken string) *Scrobbler {
	if baseURL == "" {
		baseURL = DefaultTraktURL
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = traktRetryMax
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 4 * time.Second
	retryClient.Logger = nil
	retryClient.HTTPClient = &http.Client{
		Timeout: traktTimeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout: 5 * time.Second,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Scrobbler{
		Logger:      zerolog.Nop(),
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		clientID:    clientID,
		accessToken: accessToken,
		httpClient:  retryClient.StandardClient(),
		limiter:     rate.NewLimiter(rate.Every(time.Second/traktRateLimit), traktRateBurst),
		queue:       make(chan playback.Progress, scrobbleQueueDepth),
		last:        make(map[string]playback.ProgressStatus),
	}
}

// IsConfigured returns true if the client has credentials.
func (s *Scrobbler) IsConfigured() bool {
	return s.clientID != "" && s.accessToken != ""
}

// ReportProgress implements playback.WatchHistory. Repeated reports of the
// same status for the same media are collapsed.
func (s *Scrobbler) ReportProgress(p playback.Progress) {
	if !s.IsConfigured() || p.MediaID == "" {
		return
	}

	s.mu.Lock()
	prev, seen := s.last[p.MediaID]
	if seen && prev == p.Status {
		s.mu.Unlock()
		return
	}
	s.last[p.MediaID] = p.Status
	if p.Status == playback.ProgressFinished {
		delete(s.last, p.MediaID)
	}
	s.mu.Unlock()

	select {
	case s.queue <- p:
	default:
		metrics.ScrobblesTotal.WithLabelValues(p.Status.String(), "dropped").Inc()
		s.Logger.Warn().Str("Method", "ReportProgress").Str("MediaID", p.MediaID).Err(ErrQueueFull).Msg("scrobble dropped")
	}
}

// Run sends queued reports until ctx is done.
func (s *Scrobbler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-s.queue:
			if err := s.Scrobble(ctx, p); err != nil {
				s.Logger.Error().Str("Method", "Run").Str("MediaID", p.MediaID).Str("Status", p.Status.String()).Err(err).Msg("scrobble failed")
			}
		}
	}
}

// Scrobble sends one report synchronously.
func (s *Scrobbler) Scrobble(ctx context.Context, p playback.Progress) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}

	err := s.scrobble(ctx, p)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.ScrobblesTotal.WithLabelValues(p.Status.String(), result).Inc()
	return err
}

func (s *Scrobbler) scrobble(ctx context.Context, p playback.Progress) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("scrobble rate limit: %w", err)
	}

	body, err := json.Marshal(scrobbleBody(p))
	if err != nil {
		return fmt.Errorf("scrobble marshal: %w", err)
	}

	url := s.baseURL + "/scrobble/" + scrobbleAction(p.Status)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("scrobble request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("trakt-api-version", traktAPIVersion)
	req.Header.Set("trakt-api-key", s.clientID)
	req.Header.Set("Authorization", "Bearer "+s.accessToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("scrobble call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	s.Logger.Debug().Str("Method", "scrobble").Str("MediaID", p.MediaID).Str("Status", p.Status.String()).
		Float64("Progress", percent(p.Fraction)).Msg("scrobbled")
	return nil
}

func scrobbleAction(st playback.ProgressStatus) string {
	switch st {
	case playback.ProgressPaused:
		return "pause"
	case playback.ProgressFinished:
		return "stop"
	default:
		return "start"
	}
}

func scrobbleBody(p playback.Progress) scrobbleRequest {
	req := scrobbleRequest{Progress: percent(p.Fraction)}
	if p.Kind == castmeta.KindEpisode {
		req.Episode = &traktItem{IDs: traktIDs{TVDB: p.MediaID}}
	} else {
		req.Movie = &traktItem{IDs: traktIDs{IMDb: p.MediaID}}
	}
	return req
}

// percent turns a 0..1 fraction into a two decimal percentage.
func percent(fraction float64) float64 {
	f := min(max(fraction, 0), 1)
	return math.Round(f*10000) / 100
}

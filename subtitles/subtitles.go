package subtitles

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/h2non/filetype"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"github.com/saintfish/chardet"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"

	"popcast.app/popcast/castmeta"
)

const (
	httpClientTimeout   = 20 * time.Second
	httpDialTimeout     = 5 * time.Second
	httpRetryMax        = 3
	maxSubtitleBytes    = 8 << 20
	charsetSniffBytes   = 4096
	minCharsetConfident = 30
)

var (
	ErrEmptySubtitle = errors.New("subtitles: empty subtitle file")
	ErrBadStatus     = errors.New("subtitles: unexpected http status")
	ErrTooLarge      = errors.New("subtitles: subtitle file too large")
)

// srt uses a comma before the milliseconds, WebVTT a dot
var srtTimestamp = regexp.MustCompile(`(\d{2}:\d{2}:\d{2}),(\d{3})`)

// Fetcher downloads subtitles and stores them as WebVTT files the receiver
// can load.
type Fetcher struct {
	Logger zerolog.Logger
	client *http.Client
}

// NewFetcher returns a Fetcher backed by a retrying HTTP client.
func NewFetcher() *Fetcher {
	return &Fetcher{
		Logger: zerolog.Nop(),
		client: newRetryableHTTPClient(httpRetryMax),
	}
}

func newRetryableHTTPClient(retryMax int) *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = retryMax
	retryClient.RetryWaitMin = 200 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.Logger = nil
	retryClient.HTTPClient = &http.Client{
		Timeout: httpClientTimeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: httpDialTimeout,
			}).DialContext,
			TLSHandshakeTimeout: httpDialTimeout,
		},
	}

	return retryClient.StandardClient()
}

// FetchAndConvert downloads link, converts it to WebVTT and writes it to
// <dir>/Subtitles/<iso>.vtt. It returns the written path.
func (f *Fetcher) FetchAndConvert(ctx context.Context, link, dir, iso string) (string, error) {
	f.Logger.Debug().Str("Method", "FetchAndConvert").Str("Link", link).Str("Lang", iso).Msg("downloading subtitle")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return "", fmt.Errorf("subtitle request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("subtitle download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s", ErrBadStatus, resp.Status)
	}

	raw, err := readLimited(resp.Body)
	if err != nil {
		return "", err
	}

	return f.store(raw, dir, iso)
}

// ConvertFile converts a local subtitle file into <dir>/Subtitles/<iso>.vtt.
func (f *Fetcher) ConvertFile(path, dir, iso string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open subtitle: %w", err)
	}
	defer file.Close()

	raw, err := readLimited(file)
	if err != nil {
		return "", err
	}

	return f.store(raw, dir, iso)
}

func (f *Fetcher) store(raw []byte, dir, iso string) (string, error) {
	text, err := Decode(raw)
	if err != nil {
		return "", err
	}

	vtt, err := ToWebVTT(bytes.NewReader(text))
	if err != nil {
		return "", err
	}

	out := filepath.Join(dir, castmeta.SubtitlesDir, iso+".vtt")
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return "", fmt.Errorf("create subtitles dir: %w", err)
	}
	if err := os.WriteFile(out, vtt, 0o644); err != nil {
		return "", fmt.Errorf("write subtitle: %w", err)
	}

	f.Logger.Debug().Str("Method", "store").Str("Path", out).Int("Bytes", len(vtt)).Msg("subtitle stored")
	return out, nil
}

func readLimited(r io.Reader) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r, maxSubtitleBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read subtitle: %w", err)
	}
	if len(raw) > maxSubtitleBytes {
		return nil, ErrTooLarge
	}
	return raw, nil
}

// Decode gunzips raw when it is gzip compressed and transcodes the text to
// UTF-8 using the detected charset.
func Decode(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, ErrEmptySubtitle
	}

	if filetype.Is(raw, "gz") {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("gunzip subtitle: %w", err)
		}
		defer zr.Close()

		raw, err = readLimited(zr)
		if err != nil {
			return nil, err
		}
		if len(raw) == 0 {
			return nil, ErrEmptySubtitle
		}
	}

	raw = bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))
	return toUTF8(raw)
}

func toUTF8(raw []byte) ([]byte, error) {
	if isASCII(raw) {
		return raw, nil
	}

	sniff := raw
	if len(sniff) > charsetSniffBytes {
		sniff = sniff[:charsetSniffBytes]
	}

	det := chardet.NewTextDetector()
	guess, err := det.DetectBest(sniff)
	if err != nil || guess.Confidence < minCharsetConfident {
		return raw, nil
	}

	charset := strings.ToLower(guess.Charset)
	if charset == "utf-8" {
		return raw, nil
	}

	enc, err := htmlindex.Get(charset)
	if err != nil {
		// unknown to x/text, keep the bytes as they are
		return raw, nil
	}

	out, _, err := transform.Bytes(enc.NewDecoder(), raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s subtitle: %w", charset, err)
	}
	return out, nil
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c >= 0x80 {
			return false
		}
	}
	return true
}

// ToWebVTT converts SRT text to WebVTT. Input that already is WebVTT is
// returned with normalized line endings.
func ToWebVTT(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxSubtitleBytes)

	first := true
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")

		if first {
			first = false
			if strings.HasPrefix(line, "WEBVTT") {
				buf.WriteString(line)
				buf.WriteString("\n")
				continue
			}
			buf.WriteString("WEBVTT\n\n")
		}

		if strings.Contains(line, " --> ") {
			line = srtTimestamp.ReplaceAllString(line, "$1.$2")
		}

		buf.WriteString(line)
		buf.WriteString("\n")
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read srt: %w", err)
	}
	if first {
		return nil, ErrEmptySubtitle
	}

	return buf.Bytes(), nil
}

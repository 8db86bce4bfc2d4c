package torrentstream

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPickVideoFile(t *testing.T) {
	tt := []struct {
		name  string
		files []fileCandidate
		want  int
	}{
		{
			name: "largest video wins",
			files: []fileCandidate{
				{"Heat/heat.nfo", 1 << 10},
				{"Heat/heat.mkv", 4 << 30},
				{"Heat/extras.mp4", 300 << 20},
			},
			want: 1,
		},
		{
			name: "sample skipped",
			files: []fileCandidate{
				{"Show/Sample/sample.mkv", 50 << 20},
				{"Show/episode.MP4", 40 << 20},
			},
			want: 1,
		},
		{
			name: "only a sample",
			files: []fileCandidate{
				{"x/readme.txt", 10},
				{"x/SAMPLE.mkv", 5 << 20},
			},
			want: 1,
		},
		{
			name:  "no video",
			files: []fileCandidate{{"album/track.flac", 30 << 20}},
			want:  -1,
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			if got := pickVideoFile(tc.files); got != tc.want {
				t.Fatalf("%s: got %d, want %d", tc.name, got, tc.want)
			}
		})
	}
}

func TestDeleteCachedAssets(t *testing.T) {
	root := t.TempDir()
	e := newEngine(filepath.Join(root, "cache"))

	assets, err := e.NewAssetsDir()
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(assets, "Subtitles"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(assets, "Subtitles", "en.vtt"), []byte("WEBVTT\n"), 0o644))

	data := filepath.Join(e.DataDir(), "Heat (1995)")
	require.NoError(t, os.MkdirAll(data, 0o755))
	e.owned[assets] = data

	require.NoError(t, e.DeleteCachedAssets(assets))
	require.NoDirExists(t, assets)
	require.NoDirExists(t, data)
	require.DirExists(t, e.DataDir())
}

func TestDeleteCachedAssetsStaysInCache(t *testing.T) {
	root := t.TempDir()
	e := newEngine(filepath.Join(root, "cache"))
	outside := filepath.Join(root, "precious")
	require.NoError(t, os.MkdirAll(outside, 0o755))

	for _, p := range []string{outside, e.DataDir(), filepath.Join(e.DataDir(), "..", "precious")} {
		require.ErrorIs(t, e.DeleteCachedAssets(p), ErrOutsideCache, p)
	}
	require.DirExists(t, outside)
}

func TestCancelStreamingWithoutTorrent(t *testing.T) {
	e := newEngine(t.TempDir())
	e.CancelStreaming()
	e.CancelStreaming()
	require.NoError(t, e.Close())

	_, err := e.Open(t.Context(), "magnet:?xt=urn:btih:0000000000000000000000000000000000000000")
	require.ErrorIs(t, err, ErrEngineStopped)

	_, err = (&Stream{}).NewReader()
	require.ErrorIs(t, err, ErrNotStreaming)
}

package watchhistory

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"popcast.app/popcast/castmeta"
	"popcast.app/popcast/playback"
)

// minResumePosition is the shortest position worth resuming from.
const minResumePosition = 5.0

type positionEntry struct {
	Position  float64   `json:"position"`
	Fraction  float64   `json:"fraction"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PositionStore keeps the last watch position per media id in a JSON file.
// It is both the resume source for castmeta.Builder and a watch history
// sink.
type PositionStore struct {
	Logger zerolog.Logger

	path string
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]positionEntry
}

var (
	_ playback.WatchHistory   = (*PositionStore)(nil)
	_ castmeta.PositionLookup = (*PositionStore)(nil)
)

// OpenPositionStore loads the store at path. A missing file is an empty
// store.
func OpenPositionStore(path string) (*PositionStore, error) {
	s := &PositionStore{
		Logger:  zerolog.Nop(),
		path:    path,
		now:     time.Now,
		entries: make(map[string]positionEntry),
	}

	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read positions: %w", err)
	}

	if len(b) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(b, &s.entries); err != nil {
		return nil, fmt.Errorf("parse positions: %w", err)
	}
	return s, nil
}

// LastPosition implements castmeta.PositionLookup.
func (s *PositionStore) LastPosition(mediaID string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[mediaID]
	if !ok || e.Position < minResumePosition {
		return 0, false
	}
	return e.Position, true
}

// ReportProgress implements playback.WatchHistory. Finished media is
// forgotten so the next cast starts from the beginning.
func (s *PositionStore) ReportProgress(p playback.Progress) {
	if p.MediaID == "" {
		return
	}

	s.mu.Lock()
	if p.Status == playback.ProgressFinished {
		delete(s.entries, p.MediaID)
	} else {
		s.entries[p.MediaID] = positionEntry{
			Position:  p.Position,
			Fraction:  p.Fraction,
			UpdatedAt: s.now().UTC(),
		}
	}
	err := s.saveLocked()
	s.mu.Unlock()

	if err != nil {
		s.Logger.Error().Str("Method", "ReportProgress").Str("MediaID", p.MediaID).Err(err).Msg("save positions")
	}
}

func (s *PositionStore) saveLocked() error {
	b, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Multi fans a report out to several histories.
type Multi []playback.WatchHistory

// ReportProgress implements playback.WatchHistory.
func (m Multi) ReportProgress(p playback.Progress) {
	for _, h := range m {
		if h != nil {
			h.ReportProgress(p)
		}
	}
}

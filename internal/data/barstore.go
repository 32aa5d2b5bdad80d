package data

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "adx-trader/internal/errors"
	"adx-trader/internal/models"
)

// BarStore keeps the bars of one (symbol, timeframe) in two tiers: a bounded
// in-memory window of the most recent bars and an append-only JSONL log. The
// log is the source of truth; memory always holds a suffix of it.
type BarStore struct {
	symbol    string
	timeframe models.Timeframe
	path      string
	capacity  int
	logger    zerolog.Logger

	mu   sync.RWMutex
	bars []models.Bar
	file *os.File
}

// NewBarStore opens (creating if needed) the bar log for (symbol, timeframe)
// under dir and returns an empty store. Call Load to rehydrate memory.
func NewBarStore(dir, symbol string, tf models.Timeframe, capacity int, logger zerolog.Logger) (*BarStore, error) {
	if capacity < 1 {
		capacity = 1
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, apperrors.NewFileError("mkdir", dir, err)
	}
	path := filepath.Join(dir, models.BarLogName(symbol, tf)+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, apperrors.NewFileError("open", path, err)
	}
	return &BarStore{
		symbol:    symbol,
		timeframe: tf,
		path:      path,
		capacity:  capacity,
		logger:    logger.With().Str("component", "bar_store").Str("symbol", symbol).Str("timeframe", string(tf)).Logger(),
		bars:      make([]models.Bar, 0, capacity),
		file:      f,
	}, nil
}

// Symbol returns the store's symbol.
func (s *BarStore) Symbol() string { return s.symbol }

// Timeframe returns the store's bar interval.
func (s *BarStore) Timeframe() models.Timeframe { return s.timeframe }

// Path returns the current log file path.
func (s *BarStore) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}

// Append durably writes the bar and then admits it to the memory window.
// On any disk failure the memory window is left untouched.
func (s *BarStore) Append(bar models.Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeLine(bar); err != nil {
		return err
	}
	s.admit(bar)
	return nil
}

// writeLine marshals, appends, and fsyncs one bar; callers hold the write lock.
func (s *BarStore) writeLine(bar models.Bar) error {
	line, err := json.Marshal(bar)
	if err != nil {
		return apperrors.NewFileWriteFailed(s.path, err)
	}
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return apperrors.NewFileWriteFailed(s.path, err)
	}
	if err := s.file.Sync(); err != nil {
		return apperrors.NewFileWriteFailed(s.path, err)
	}
	return nil
}

// admit pushes a bar into the memory window, evicting the oldest when full.
func (s *BarStore) admit(bar models.Bar) {
	if len(s.bars) == s.capacity {
		copy(s.bars, s.bars[1:])
		s.bars[len(s.bars)-1] = bar
		return
	}
	s.bars = append(s.bars, bar)
}

// Recent returns the k most recent bars, oldest first. Requests larger than
// the memory window fall back to a scan of the log.
func (s *BarStore) Recent(k int) ([]models.Bar, error) {
	if k <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	if k <= len(s.bars) {
		out := make([]models.Bar, k)
		copy(out, s.bars[len(s.bars)-k:])
		s.mu.RUnlock()
		return out, nil
	}
	path := s.path
	s.mu.RUnlock()

	all, err := readBarLog(path, s.logger)
	if err != nil {
		return nil, err
	}
	if k > len(all) {
		k = len(all)
	}
	return all[len(all)-k:], nil
}

// Last returns the most recent bar, if any.
func (s *BarStore) Last() (models.Bar, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.bars) == 0 {
		return models.Bar{}, false
	}
	return s.bars[len(s.bars)-1], true
}

// Len returns the number of bars in the memory window.
func (s *BarStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bars)
}

// Load rehydrates the memory window with the last k logged bars and returns
// how many were loaded. k is capped at the window capacity.
func (s *BarStore) Load(k int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k > s.capacity {
		k = s.capacity
	}
	all, err := readBarLog(s.path, s.logger)
	if err != nil {
		return 0, err
	}
	if k > len(all) {
		k = len(all)
	}
	s.bars = s.bars[:0]
	s.bars = append(s.bars, all[len(all)-k:]...)
	return k, nil
}

// Rotate archives the current log under a timestamped name and rewrites the
// memory window into a fresh log at newPath (empty keeps the current path).
func (s *BarStore) Rotate(newPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if newPath == "" {
		newPath = s.path
	}

	if err := s.file.Close(); err != nil {
		return apperrors.NewFileError("close", s.path, err)
	}
	archive := s.path + "." + time.Now().Format("20060102_150405") + ".archive"
	if err := os.Rename(s.path, archive); err != nil {
		return apperrors.NewFileError("rename", s.path, err)
	}

	f, err := os.OpenFile(newPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return apperrors.NewFileError("open", newPath, err)
	}
	s.file = f
	s.path = newPath

	for _, bar := range s.bars {
		if err := s.writeLine(bar); err != nil {
			return err
		}
	}
	s.logger.Info().Str("archive", archive).Int("tail_bars", len(s.bars)).Msg("bar log rotated")
	return nil
}

// Close releases the log file handle.
func (s *BarStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// readBarLog scans a bar log, skipping unparseable lines.
func readBarLog(path string, logger zerolog.Logger) ([]models.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.NewFileError("open", path, err)
	}
	defer f.Close()

	var bars []models.Bar
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var bar models.Bar
		if err := json.Unmarshal(line, &bar); err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("skipping corrupt bar line")
			continue
		}
		bars = append(bars, bar)
	}
	if err := scanner.Err(); err != nil {
		return nil, apperrors.NewFileError("scan", path, err)
	}
	return bars, nil
}

package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	apperrors "adx-trader/internal/errors"
	"adx-trader/internal/models"
)

// Artifacts writes the day's review files under the data directory:
// trades_YYYYMMDD.json, bias_YYYYMMDD.json, signals_YYYYMMDD.jsonl and
// positions_YYYYMMDD.json. JSON collections are written atomically via a
// temp file and rename; the signals log is append-only.
type Artifacts struct {
	dir string
}

// NewArtifacts creates an artifact writer rooted at dir.
func NewArtifacts(dir string) *Artifacts {
	return &Artifacts{dir: dir}
}

// Dir returns the artifact directory.
func (a *Artifacts) Dir() string {
	return a.dir
}

// WriteTrades writes the day's closed trades as one JSON collection. A day
// with no trades produces no file.
func (a *Artifacts) WriteTrades(date time.Time, trades []models.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	return a.writeJSON(a.pathFor("trades", date, "json"), trades)
}

// WriteBias writes the daily direction results, one entry per underlying.
func (a *Artifacts) WriteBias(date time.Time, biases []models.DailyBias) error {
	if len(biases) == 0 {
		return nil
	}
	return a.writeJSON(a.pathFor("bias", date, "json"), biases)
}

// WritePositions snapshots the open position set, typically before shutdown.
func (a *Artifacts) WritePositions(date time.Time, positions []models.Position) error {
	if len(positions) == 0 {
		return nil
	}
	return a.writeJSON(a.pathFor("positions", date, "json"), positions)
}

// AppendSignal records one entry signal on the day's signal log.
func (a *Artifacts) AppendSignal(date time.Time, sig models.EntrySignal) error {
	path := a.pathFor("signals", date, "jsonl")
	if err := os.MkdirAll(a.dir, 0755); err != nil {
		return apperrors.NewFileError("mkdir", a.dir, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return apperrors.NewFileWriteFailed(path, err)
	}
	defer f.Close()

	line, err := json.Marshal(sig)
	if err != nil {
		return apperrors.NewFileWriteFailed(path, err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return apperrors.NewFileWriteFailed(path, err)
	}
	return nil
}

// ReadTrades loads a day's trade collection back. A missing file returns
// (nil, nil).
func (a *Artifacts) ReadTrades(date time.Time) ([]models.Trade, error) {
	data, err := os.ReadFile(a.pathFor("trades", date, "json"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewFileError("read", a.dir, err)
	}
	var trades []models.Trade
	if err := json.Unmarshal(data, &trades); err != nil {
		return nil, fmt.Errorf("parse trades artifact: %w", err)
	}
	return trades, nil
}

func (a *Artifacts) pathFor(kind string, date time.Time, ext string) string {
	return filepath.Join(a.dir, fmt.Sprintf("%s_%s.%s", kind, date.Format("20060102"), ext))
}

func (a *Artifacts) writeJSON(path string, v any) error {
	if err := os.MkdirAll(a.dir, 0755); err != nil {
		return apperrors.NewFileError("mkdir", a.dir, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return apperrors.NewFileWriteFailed(path, err)
	}

	tmp, err := os.CreateTemp(a.dir, filepath.Base(path)+".tmp")
	if err != nil {
		return apperrors.NewFileWriteFailed(path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return apperrors.NewFileWriteFailed(path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return apperrors.NewFileWriteFailed(path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return apperrors.NewFileWriteFailed(path, err)
	}
	return nil
}

package broker

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/rs/zerolog"

	apperrors "adx-trader/internal/errors"
	"adx-trader/internal/events"
	"adx-trader/internal/models"
)

// Config underlying names to their NSE index symbols.
var indexAliases = map[string]string{
	"NIFTY":      "NIFTY 50",
	"BANKNIFTY":  "NIFTY BANK",
	"FINNIFTY":   "NIFTY FIN SERVICE",
	"MIDCPNIFTY": "NIFTY MID SELECT",
	"INDIAVIX":   "INDIA VIX",
}

// IndexSymbol resolves a config underlying name to its NSE index symbol.
// Unknown names pass through unchanged.
func IndexSymbol(underlying string) string {
	if sym, ok := indexAliases[strings.ToUpper(underlying)]; ok {
		return sym
	}
	return underlying
}

// InstrumentDirectory holds the downloaded instrument master: index rows
// from NSE and index option contracts from NFO. A CSV cache makes the
// directory usable when the morning download fails.
type InstrumentDirectory struct {
	gateway   Gateway
	bus       *events.Bus
	cachePath string
	logger    zerolog.Logger
	now       func() time.Time

	mu          sync.RWMutex
	byToken     map[uint32]models.Instrument
	options     map[string][]models.Instrument
	indices     map[string]models.Instrument
	refreshedAt time.Time
}

// NewInstrumentDirectory creates a directory backed by the gateway, caching
// under dataDir.
func NewInstrumentDirectory(gateway Gateway, bus *events.Bus, dataDir string, logger zerolog.Logger) *InstrumentDirectory {
	return &InstrumentDirectory{
		gateway:   gateway,
		bus:       bus,
		cachePath: filepath.Join(dataDir, "instruments.csv"),
		logger:    logger.With().Str("component", "instrument_directory").Logger(),
		now:       time.Now,
		byToken:   make(map[uint32]models.Instrument),
		options:   make(map[string][]models.Instrument),
		indices:   make(map[string]models.Instrument),
	}
}

// Refresh downloads the NFO and NSE masters, rebuilds the lookup maps and
// rewrites the CSV cache.
func (d *InstrumentDirectory) Refresh(ctx context.Context) error {
	nfo, err := d.gateway.Instruments(ctx, models.NFO)
	if err != nil {
		return err
	}
	nse, err := d.gateway.Instruments(ctx, models.NSE)
	if err != nil {
		return err
	}

	kept := d.rebuild(nfo, nse)

	if err := d.saveCache(kept); err != nil {
		d.logger.Warn().Err(err).Msg("instrument cache write failed")
	}

	if d.bus != nil {
		key := "instrument_master:" + d.now().UTC().Format("2006-01-02")
		if err := d.bus.Emit(events.InstrumentMasterDownloaded, key, map[string]any{
			"nfo_rows": len(nfo),
			"nse_rows": len(nse),
			"kept":     len(kept),
		}); err != nil {
			d.logger.Warn().Err(err).Msg("instrument master event publish failed")
		}
	}
	return nil
}

// LoadCache rehydrates the directory from the CSV cache.
func (d *InstrumentDirectory) LoadCache() error {
	f, err := os.Open(d.cachePath)
	if err != nil {
		return apperrors.NewFileError("open", d.cachePath, err)
	}
	defer f.Close()

	var rows []models.Instrument
	if err := gocsv.UnmarshalFile(f, &rows); err != nil {
		return apperrors.NewDeserialization(d.cachePath, "invalid instrument cache", err)
	}
	for i := range rows {
		if rows[i].ExpiryStr != "" {
			if exp, err := time.Parse("2006-01-02", rows[i].ExpiryStr); err == nil {
				rows[i].Expiry = exp
			}
		}
	}
	d.rebuild(rows, nil)
	d.logger.Info().Int("rows", len(rows)).Str("path", d.cachePath).Msg("instrument cache loaded")
	return nil
}

// rebuild replaces the lookup maps and returns the retained rows. Index
// rows and index derivatives are kept; single-stock rows are dropped to
// bound memory.
func (d *InstrumentDirectory) rebuild(groups ...[]models.Instrument) []models.Instrument {
	byToken := make(map[uint32]models.Instrument)
	options := make(map[string][]models.Instrument)
	indices := make(map[string]models.Instrument)
	var kept []models.Instrument

	for _, rows := range groups {
		for _, inst := range rows {
			switch inst.Kind {
			case models.KindIndexOpt:
				options[inst.Underlying] = append(options[inst.Underlying], inst)
			case models.KindIndex:
				indices[inst.Symbol] = inst
			case models.KindIndexFut:
				// retained for token lookups only
			default:
				continue
			}
			byToken[inst.Token] = inst
			kept = append(kept, inst)
		}
	}
	for _, opts := range options {
		sort.Slice(opts, func(i, j int) bool { return opts[i].Expiry.Before(opts[j].Expiry) })
	}

	d.mu.Lock()
	d.byToken = byToken
	d.options = options
	d.indices = indices
	d.refreshedAt = d.now()
	d.mu.Unlock()
	return kept
}

func (d *InstrumentDirectory) saveCache(rows []models.Instrument) error {
	if err := os.MkdirAll(filepath.Dir(d.cachePath), 0755); err != nil {
		return apperrors.NewFileError("mkdir", filepath.Dir(d.cachePath), err)
	}
	f, err := os.Create(d.cachePath)
	if err != nil {
		return apperrors.NewFileWriteFailed(d.cachePath, err)
	}
	defer f.Close()
	if err := gocsv.MarshalFile(&rows, f); err != nil {
		return apperrors.NewFileWriteFailed(d.cachePath, err)
	}
	return nil
}

// FindOption returns the option contract for (underlying, strike, type)
// with the nearest expiry on or after the given date.
func (d *InstrumentDirectory) FindOption(underlying string, strike float64, optType models.OptionType, onOrAfter time.Time) (models.Instrument, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	day := onOrAfter.Truncate(24 * time.Hour)
	suffix := string(optType)
	for _, inst := range d.options[strings.ToUpper(underlying)] {
		if math.Abs(inst.Strike-strike) > 1e-6 {
			continue
		}
		if !strings.HasSuffix(inst.Symbol, suffix) {
			continue
		}
		if inst.Expiry.Before(day) {
			continue
		}
		// options are sorted by expiry, first hit is nearest
		return inst, nil
	}
	return models.Instrument{}, apperrors.NewInstrumentNotFound(
		fmt.Sprintf("%s %.2f %s expiring on/after %s", underlying, strike, optType, day.Format("2006-01-02")))
}

// UnderlyingToken resolves a config underlying name to its index token and
// NSE symbol.
func (d *InstrumentDirectory) UnderlyingToken(underlying string) (uint32, string, error) {
	symbol := IndexSymbol(underlying)

	d.mu.RLock()
	defer d.mu.RUnlock()

	if inst, ok := d.indices[symbol]; ok {
		return inst.Token, inst.Symbol, nil
	}
	return 0, "", apperrors.NewInstrumentNotFound("index " + symbol)
}

// TokenSymbol returns the trading symbol for an instrument token.
func (d *InstrumentDirectory) TokenSymbol(token uint32) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	inst, ok := d.byToken[token]
	return inst.Symbol, ok
}

// LotSize returns the contract lot size for an underlying, zero when the
// directory has no contracts for it.
func (d *InstrumentDirectory) LotSize(underlying string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	opts := d.options[strings.ToUpper(underlying)]
	if len(opts) == 0 {
		return 0
	}
	return opts[0].LotSize
}

// Expiries returns the distinct option expiries for an underlying on or
// after the given date, ascending.
func (d *InstrumentDirectory) Expiries(underlying string, onOrAfter time.Time) []time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()

	day := onOrAfter.Truncate(24 * time.Hour)
	seen := make(map[time.Time]bool)
	var out []time.Time
	for _, inst := range d.options[strings.ToUpper(underlying)] {
		if inst.Expiry.Before(day) || seen[inst.Expiry] {
			continue
		}
		seen[inst.Expiry] = true
		out = append(out, inst.Expiry)
	}
	return out
}

// Count returns the number of instruments held.
func (d *InstrumentDirectory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byToken)
}

// RefreshedAt returns when the directory was last rebuilt.
func (d *InstrumentDirectory) RefreshedAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.refreshedAt
}

// Package indicators implements the Wilder-smoothed indicator set the
// strategy trades on: ADX with directional movement, RSI, EMA, SMA, ATR,
// and session VWAP.
package indicators

import (
	"context"
	"sort"
	"sync"

	"adx-trader/internal/models"
)

// Metric names the Panel reports under.
const (
	MetricADX     = "adx"
	MetricPlusDI  = "plus_di"
	MetricMinusDI = "minus_di"
	MetricRSI     = "rsi"
	MetricEMA     = "ema"
	MetricSMA     = "sma"
	MetricATR     = "atr"
	MetricVWAP    = "vwap"
)

// PanelConfig selects the periods a Panel computes with.
type PanelConfig struct {
	ADXPeriod int
	RSIPeriod int
	EMAPeriod int
	SMAPeriod int
	ATRPeriod int
	Workers   int
}

// Panel computes the latest reading of every registered metric over one bar
// series, fanning the calculations out across a small worker pool. Metrics
// without enough bars are skipped rather than reported as zero.
type Panel struct {
	workers int

	mu      sync.RWMutex
	metrics map[string]func(bars []models.Bar) (float64, error)
}

// NewPanel creates an empty panel.
func NewPanel(workers int) *Panel {
	if workers <= 0 {
		workers = 4
	}
	return &Panel{
		workers: workers,
		metrics: make(map[string]func(bars []models.Bar) (float64, error)),
	}
}

// DefaultPanel builds the standard indicator panel at the given periods.
// The ADX contributes three metrics: the smoothed ADX plus both DI lines.
func DefaultPanel(cfg PanelConfig) *Panel {
	p := NewPanel(cfg.Workers)
	adx := NewADX(cfg.ADXPeriod)
	p.Register(MetricADX, func(bars []models.Bar) (float64, error) {
		snap, err := adx.Latest(bars)
		return snap.ADX, err
	})
	p.Register(MetricPlusDI, func(bars []models.Bar) (float64, error) {
		snap, err := adx.Latest(bars)
		return snap.PlusDI, err
	})
	p.Register(MetricMinusDI, func(bars []models.Bar) (float64, error) {
		snap, err := adx.Latest(bars)
		return snap.MinusDI, err
	})
	p.Register(MetricRSI, NewRSI(cfg.RSIPeriod).Latest)
	p.Register(MetricEMA, NewEMA(cfg.EMAPeriod).Latest)
	p.Register(MetricSMA, NewSMA(cfg.SMAPeriod).Latest)
	p.Register(MetricATR, NewATR(cfg.ATRPeriod).Latest)
	p.Register(MetricVWAP, NewVWAP().Latest)
	return p
}

// Register adds or replaces a metric.
func (p *Panel) Register(name string, latest func(bars []models.Bar) (float64, error)) {
	p.mu.Lock()
	p.metrics[name] = latest
	p.mu.Unlock()
}

// Names lists the registered metrics in sorted order.
func (p *Panel) Names() []string {
	p.mu.RLock()
	names := make([]string, 0, len(p.metrics))
	for name := range p.metrics {
		names = append(names, name)
	}
	p.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Compute evaluates every metric against the bar series. The result holds
// only the metrics that had enough data; cancellation stops the workers
// early and returns whatever finished.
func (p *Panel) Compute(ctx context.Context, bars []models.Bar) map[string]float64 {
	p.mu.RLock()
	type job struct {
		name   string
		latest func(bars []models.Bar) (float64, error)
	}
	jobs := make([]job, 0, len(p.metrics))
	for name, fn := range p.metrics {
		jobs = append(jobs, job{name, fn})
	}
	p.mu.RUnlock()

	work := make(chan job, len(jobs))
	results := make(map[string]float64, len(jobs))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range work {
				if ctx.Err() != nil {
					return
				}
				value, err := j.latest(bars)
				if err != nil {
					continue
				}
				mu.Lock()
				results[j.name] = value
				mu.Unlock()
			}
		}()
	}
	for _, j := range jobs {
		work <- j
	}
	close(work)
	wg.Wait()

	return results
}

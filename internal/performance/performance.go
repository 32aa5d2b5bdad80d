// Package performance computes the trading day's report from closed trades:
// totals, win rate, profit factor, drawdown on the intraday equity curve and
// a per-exit-reason breakdown. Ratios that need both wins and losses stay
// zero when one side is empty. Sharpe is deliberately absent; a single day
// of trades has no returns series to support it.
package performance

import (
	"math"
	"sort"
	"time"

	"adx-trader/internal/models"
)

// ReasonStats aggregates trades that share an exit reason.
type ReasonStats struct {
	Trades int     `json:"trades"`
	Wins   int     `json:"wins"`
	NetPnL float64 `json:"net_pnl"`
}

// Report is the day's performance summary.
type Report struct {
	Date        string `json:"date"`
	TotalTrades int    `json:"total_trades"`
	Wins        int    `json:"wins"`
	Losses      int    `json:"losses"`

	GrossPnL  float64 `json:"gross_pnl"`
	Brokerage float64 `json:"brokerage"`
	NetPnL    float64 `json:"net_pnl"`
	NetPnLPct float64 `json:"net_pnl_pct"`

	WinRate      float64 `json:"win_rate"`
	AvgWin       float64 `json:"avg_win"`
	AvgLoss      float64 `json:"avg_loss"`
	LargestWin   float64 `json:"largest_win"`
	LargestLoss  float64 `json:"largest_loss"`
	ProfitFactor float64 `json:"profit_factor"`

	MaxDrawdown    float64 `json:"max_drawdown"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`

	AvgDuration time.Duration `json:"avg_duration"`

	ByExitReason map[models.ExitReason]ReasonStats `json:"by_exit_reason"`
}

// BuildReport computes the report for one trading day. capital anchors the
// equity curve and the percent figures; trades may arrive in any order.
func BuildReport(date string, capital float64, trades []models.Trade) Report {
	r := Report{
		Date:         date,
		TotalTrades:  len(trades),
		ByExitReason: make(map[models.ExitReason]ReasonStats),
	}
	if len(trades) == 0 {
		return r
	}

	ordered := make([]models.Trade, len(trades))
	copy(ordered, trades)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].ExitTime.Before(ordered[j].ExitTime)
	})

	var totalWins, totalLosses float64
	var totalDuration time.Duration

	equity := capital
	peak := capital

	for _, t := range ordered {
		r.GrossPnL += t.GrossPnL
		r.Brokerage += t.Brokerage
		r.NetPnL += t.NetPnL
		totalDuration += t.Duration

		if t.Win() {
			r.Wins++
			totalWins += t.NetPnL
			if t.NetPnL > r.LargestWin {
				r.LargestWin = t.NetPnL
			}
		} else {
			r.Losses++
			totalLosses += t.NetPnL
			if t.NetPnL < r.LargestLoss {
				r.LargestLoss = t.NetPnL
			}
		}

		stats := r.ByExitReason[t.ExitReason]
		stats.Trades++
		if t.Win() {
			stats.Wins++
		}
		stats.NetPnL += t.NetPnL
		r.ByExitReason[t.ExitReason] = stats

		equity += t.NetPnL
		if equity > peak {
			peak = equity
		}
		if dd := peak - equity; dd > r.MaxDrawdown {
			r.MaxDrawdown = dd
			if peak > 0 {
				r.MaxDrawdownPct = dd / peak * 100
			}
		}
	}

	r.WinRate = float64(r.Wins) / float64(r.TotalTrades) * 100
	if r.Wins > 0 {
		r.AvgWin = totalWins / float64(r.Wins)
	}
	if r.Losses > 0 {
		r.AvgLoss = totalLosses / float64(r.Losses)
	}
	if lossMagnitude := math.Abs(totalLosses); lossMagnitude > 0 && totalWins > 0 {
		r.ProfitFactor = totalWins / lossMagnitude
	}
	if capital > 0 {
		r.NetPnLPct = r.NetPnL / capital * 100
	}
	r.AvgDuration = totalDuration / time.Duration(len(ordered))

	return r
}

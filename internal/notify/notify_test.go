package notify

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"adx-trader/internal/models"
)

// recordingChannel captures notifications for assertions.
type recordingChannel struct {
	mu   sync.Mutex
	sent []Notification
	fail bool
}

func (r *recordingChannel) Name() string { return "recording" }

func (r *recordingChannel) Send(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return context.DeadlineExceeded
	}
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingChannel) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.sent))
	copy(out, r.sent)
	return out
}

func TestLevelFiltering(t *testing.T) {
	tests := []struct {
		level     Level
		typ       Type
		delivered bool
	}{
		{LevelAll, TypeInfo, true},
		{LevelAll, TypeTrade, true},
		{LevelTradesOnly, TypeTrade, true},
		{LevelTradesOnly, TypeSummary, true},
		{LevelTradesOnly, TypeInfo, false},
		{LevelTradesOnly, TypeAlert, false},
		{LevelTradesOnly, TypeError, true},
		{LevelErrorsOnly, TypeError, true},
		{LevelErrorsOnly, TypeTrade, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.level)+"/"+string(tt.typ), func(t *testing.T) {
			rec := &recordingChannel{}
			n := NewNotifier(tt.level, zerolog.Nop(), rec)
			n.Send(context.Background(), Notification{Type: tt.typ, Title: "t"})
			got := len(rec.all()) == 1
			if got != tt.delivered {
				t.Errorf("delivered = %v, want %v", got, tt.delivered)
			}
		})
	}
}

func TestChannelFailureDoesNotBlockOthers(t *testing.T) {
	bad := &recordingChannel{fail: true}
	good := &recordingChannel{}
	n := NewNotifier(LevelAll, zerolog.Nop(), bad, good)

	n.Send(context.Background(), Notification{Type: TypeInfo, Title: "t"})

	if len(good.all()) != 1 {
		t.Errorf("healthy channel got %d notifications, want 1", len(good.all()))
	}
}

func TestSendTradeFormatsVerdictAndAmounts(t *testing.T) {
	rec := &recordingChannel{}
	n := NewNotifier(LevelAll, zerolog.Nop(), rec)

	n.SendTrade(context.Background(), models.Trade{
		Symbol:     "NIFTY25SEP23550CE",
		Side:       models.OrderSideBuy,
		Quantity:   75,
		EntryPrice: 100,
		ExitPrice:  130,
		NetPnL:     2231.25,
		ExitReason: models.ExitTarget,
	})

	sent := rec.all()
	if len(sent) != 1 {
		t.Fatalf("sent %d notifications, want 1", len(sent))
	}
	if !strings.Contains(sent[0].Title, "WIN") {
		t.Errorf("title missing verdict: %q", sent[0].Title)
	}
	if !strings.Contains(sent[0].Message, "₹2,231.25") {
		t.Errorf("message missing formatted pnl: %q", sent[0].Message)
	}
	if !strings.Contains(sent[0].Message, string(models.ExitTarget)) {
		t.Errorf("message missing exit reason: %q", sent[0].Message)
	}
}

func TestSendSummaryWinRate(t *testing.T) {
	rec := &recordingChannel{}
	n := NewNotifier(LevelAll, zerolog.Nop(), rec)

	n.SendSummary(context.Background(), "2025-09-02", 4, 3, -1250.50)

	sent := rec.all()
	if len(sent) != 1 {
		t.Fatalf("sent %d notifications, want 1", len(sent))
	}
	if !strings.Contains(sent[0].Message, "75%") {
		t.Errorf("message missing win rate: %q", sent[0].Message)
	}
	if !strings.Contains(sent[0].Message, "-₹1,250.50") {
		t.Errorf("message missing net pnl: %q", sent[0].Message)
	}
}

func TestFormatCurrencyIndianGrouping(t *testing.T) {
	tests := []struct {
		amount float64
		want   string
	}{
		{0, "₹0.00"},
		{999, "₹999.00"},
		{1000, "₹1,000.00"},
		{123456, "₹1,23,456.00"},
		{12345678.9, "₹1,23,45,678.90"},
		{-5000, "-₹5,000.00"},
	}
	for _, tt := range tests {
		if got := formatCurrency(tt.amount); got != tt.want {
			t.Errorf("formatCurrency(%v) = %q, want %q", tt.amount, got, tt.want)
		}
	}
}

func TestTerminalChannelPlainOutput(t *testing.T) {
	var sb strings.Builder
	term := NewTerminalChannel()
	term.out = &sb
	term.SetColorEnabled(false)
	term.SetBellEnabled(false)

	err := term.Send(context.Background(), Notification{
		Type:      TypeTrade,
		Title:     "Position closed",
		Message:   "net ₹500.00",
		Timestamp: time.Date(2025, 9, 2, 14, 5, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	out := sb.String()
	if !strings.Contains(out, "14:05:00") || !strings.Contains(out, "Position closed") {
		t.Errorf("unexpected terminal line: %q", out)
	}
	if strings.Contains(out, "\033[") {
		t.Errorf("color disabled but ANSI codes present: %q", out)
	}
	if strings.Contains(out, "\a") {
		t.Errorf("bell disabled but bell present: %q", out)
	}
}

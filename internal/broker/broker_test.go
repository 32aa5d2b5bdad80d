package broker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	apperrors "adx-trader/internal/errors"
	"adx-trader/internal/models"
)

func TestTokenManagerSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	tm := NewTokenManager(path)

	expiry := time.Date(2025, 9, 24, 0, 30, 0, 0, time.UTC)
	saved := TokenSet{
		AccessToken:  "access-abc",
		FeedToken:    "access-abc",
		RefreshToken: "refresh-xyz",
		AccessExpiry: expiry,
		FeedExpiry:   expiry,
	}
	if err := tm.Save(saved); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("token file mode = %o, want 0600", perm)
	}

	loaded, err := NewTokenManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded == nil {
		t.Fatal("Load returned nil for existing file")
	}
	if loaded.AccessToken != saved.AccessToken || loaded.RefreshToken != saved.RefreshToken {
		t.Errorf("loaded tokens = %+v, want %+v", loaded, saved)
	}
	if !loaded.AccessExpiry.Equal(expiry) {
		t.Errorf("AccessExpiry = %v, want %v", loaded.AccessExpiry, expiry)
	}
}

func TestTokenManagerLoadMissingFile(t *testing.T) {
	tm := NewTokenManager(filepath.Join(t.TempDir(), "absent.json"))
	ts, err := tm.Load()
	if err != nil {
		t.Fatalf("Load on missing file: %v", err)
	}
	if ts != nil {
		t.Errorf("Load on missing file = %+v, want nil", ts)
	}
}

func TestTokenManagerValidHonorsExpiry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	tm := NewTokenManager(path)

	expiry := time.Date(2025, 9, 24, 0, 30, 0, 0, time.UTC)
	if err := tm.Save(TokenSet{AccessToken: "tok", AccessExpiry: expiry}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	before := expiry.Add(-time.Hour)
	after := expiry.Add(time.Minute)
	if !tm.Valid(before) {
		t.Error("token should be valid before expiry")
	}
	if tm.Valid(after) {
		t.Error("token should be invalid after expiry")
	}
	if tm.Valid(expiry) {
		t.Error("token should be invalid exactly at expiry")
	}
	if got := tm.ExpiresIn(before); got != time.Hour {
		t.Errorf("ExpiresIn = %v, want 1h", got)
	}
	if got := tm.ExpiresIn(after); got != 0 {
		t.Errorf("ExpiresIn past expiry = %v, want 0", got)
	}

	if err := tm.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if tm.Valid(before) {
		t.Error("token should be invalid after Clear")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("token file should be removed after Clear")
	}
}

func TestNextTokenExpiry(t *testing.T) {
	ist, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}

	cases := []struct {
		name string
		at   time.Time
		want time.Time
	}{
		{
			name: "midday rolls to next morning",
			at:   time.Date(2025, 9, 23, 10, 0, 0, 0, ist),
			want: time.Date(2025, 9, 24, 6, 0, 0, 0, ist),
		},
		{
			name: "pre-dawn expires same morning",
			at:   time.Date(2025, 9, 24, 5, 0, 0, 0, ist),
			want: time.Date(2025, 9, 24, 6, 0, 0, 0, ist),
		},
		{
			name: "exactly six rolls a day",
			at:   time.Date(2025, 9, 24, 6, 0, 0, 0, ist),
			want: time.Date(2025, 9, 25, 6, 0, 0, 0, ist),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := nextTokenExpiry(tc.at, ist)
			if !got.Equal(tc.want) {
				t.Errorf("nextTokenExpiry(%v) = %v, want %v", tc.at, got, tc.want)
			}
			if got.Location() != time.UTC {
				t.Errorf("expiry location = %v, want UTC", got.Location())
			}
		})
	}
}

func TestKiteIntervalMapping(t *testing.T) {
	cases := []struct {
		tf   models.Timeframe
		want string
	}{
		{models.TimeframeMinute, "minute"},
		{models.TimeframeFiveMin, "5minute"},
		{models.TimeframeFifteen, "15minute"},
		{models.TimeframeHourly, "60minute"},
		{models.TimeframeDaily, "day"},
		{models.Timeframe("bogus"), "day"},
	}
	for _, tc := range cases {
		if got := kiteInterval(tc.tf); got != tc.want {
			t.Errorf("kiteInterval(%q) = %q, want %q", tc.tf, got, tc.want)
		}
	}
}

func TestPaperGatewayAutoFillAppliesSlippage(t *testing.T) {
	pg := NewPaperGateway(nil, 50, true, zerolog.Nop())
	pg.UpdatePrice("NIFTY24SEP23550CE", 100)

	res, err := pg.PlaceOrder(context.Background(), OrderRequest{
		Symbol:     "NIFTY24SEP23550CE",
		Exchange:   models.NFO,
		Side:       models.OrderSideBuy,
		Quantity:   75,
		LimitPrice: 102,
		OrderType:  models.OrderTypeLimit,
		Product:    models.ProductMIS,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.Status != StatusComplete {
		t.Fatalf("status = %s, want COMPLETE", res.Status)
	}
	if res.FilledQty != 75 {
		t.Errorf("FilledQty = %d, want 75", res.FilledQty)
	}
	// 50 bps of 100 pushes the buy fill to 100.5, inside the 102 limit.
	if res.AveragePrice != 100.5 {
		t.Errorf("AveragePrice = %v, want 100.5", res.AveragePrice)
	}
}

func TestPaperGatewayFillNeverCrossesLimit(t *testing.T) {
	pg := NewPaperGateway(nil, 200, true, zerolog.Nop())
	pg.UpdatePrice("NIFTY24SEP23550CE", 100)

	res, err := pg.PlaceOrder(context.Background(), OrderRequest{
		Symbol:     "NIFTY24SEP23550CE",
		Exchange:   models.NFO,
		Side:       models.OrderSideBuy,
		Quantity:   75,
		LimitPrice: 100,
		OrderType:  models.OrderTypeLimit,
		Product:    models.ProductMIS,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	// 200 bps would price the fill at 102; the limit caps it.
	if res.AveragePrice != 100 {
		t.Errorf("AveragePrice = %v, want 100 (limit cap)", res.AveragePrice)
	}
}

func TestPaperGatewayRestingOrderFillsOnPoll(t *testing.T) {
	pg := NewPaperGateway(nil, 0, false, zerolog.Nop())
	pg.UpdatePrice("NIFTY24SEP23550CE", 105)

	res, err := pg.PlaceOrder(context.Background(), OrderRequest{
		Symbol:     "NIFTY24SEP23550CE",
		Exchange:   models.NFO,
		Side:       models.OrderSideBuy,
		Quantity:   75,
		LimitPrice: 100,
		OrderType:  models.OrderTypeLimit,
		Product:    models.ProductMIS,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.Status != StatusOpen {
		t.Fatalf("unmarketable order status = %s, want OPEN", res.Status)
	}

	// Still resting while the market stays above the limit.
	polled, err := pg.OrderStatus(context.Background(), res.BrokerOrderID)
	if err != nil {
		t.Fatalf("OrderStatus: %v", err)
	}
	if polled.Status != StatusOpen {
		t.Fatalf("status after flat poll = %s, want OPEN", polled.Status)
	}

	pg.ProcessTick(models.Tick{Symbol: "NIFTY24SEP23550CE", LastPrice: 99.5})
	polled, err = pg.OrderStatus(context.Background(), res.BrokerOrderID)
	if err != nil {
		t.Fatalf("OrderStatus after tick: %v", err)
	}
	if polled.Status != StatusComplete {
		t.Fatalf("status after crossing tick = %s, want COMPLETE", polled.Status)
	}
	if polled.AveragePrice != 99.5 {
		t.Errorf("AveragePrice = %v, want 99.5", polled.AveragePrice)
	}
}

func TestPaperGatewayRejectsNonPositiveQuantity(t *testing.T) {
	pg := NewPaperGateway(nil, 0, true, zerolog.Nop())
	_, err := pg.PlaceOrder(context.Background(), OrderRequest{
		Symbol:    "NIFTY24SEP23550CE",
		Side:      models.OrderSideBuy,
		Quantity:  0,
		OrderType: models.OrderTypeLimit,
	})
	var orderErr *apperrors.OrderError
	if !errors.As(err, &orderErr) {
		t.Fatalf("err = %v, want *apperrors.OrderError", err)
	}
}

func TestPaperGatewayUnknownOrderID(t *testing.T) {
	pg := NewPaperGateway(nil, 0, true, zerolog.Nop())
	_, err := pg.OrderStatus(context.Background(), "PAPER_0_999")
	var orderErr *apperrors.OrderError
	if !errors.As(err, &orderErr) {
		t.Fatalf("err = %v, want *apperrors.OrderError", err)
	}
}

func TestClassifyInstrument(t *testing.T) {
	cases := []struct {
		name string
		inst kiteconnect.Instrument
		want models.InstrumentKind
	}{
		{"index call", kiteconnect.Instrument{InstrumentType: "CE", Name: "NIFTY", Segment: "NFO-OPT"}, models.KindIndexOpt},
		{"index put", kiteconnect.Instrument{InstrumentType: "PE", Name: "BANKNIFTY", Segment: "NFO-OPT"}, models.KindIndexOpt},
		{"stock option", kiteconnect.Instrument{InstrumentType: "CE", Name: "RELIANCE", Segment: "NFO-OPT"}, models.KindStockOpt},
		{"index future", kiteconnect.Instrument{InstrumentType: "FUT", Name: "FINNIFTY", Segment: "NFO-FUT"}, models.KindIndexFut},
		{"stock future", kiteconnect.Instrument{InstrumentType: "FUT", Name: "TCS", Segment: "NFO-FUT"}, models.KindStockFut},
		{"index row", kiteconnect.Instrument{InstrumentType: "EQ", Name: "NIFTY 50", Segment: "INDICES"}, models.KindIndex},
		{"equity row", kiteconnect.Instrument{InstrumentType: "EQ", Name: "RELIANCE", Segment: "NSE"}, models.KindStock},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classifyInstrument(tc.inst); got != tc.want {
				t.Errorf("classifyInstrument = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestIndexSymbol(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"NIFTY", "NIFTY 50"},
		{"BANKNIFTY", "NIFTY BANK"},
		{"FINNIFTY", "NIFTY FIN SERVICE"},
		{"INDIAVIX", "INDIA VIX"},
		{"nifty", "NIFTY 50"},
		{"NIFTY 50", "NIFTY 50"},
	}
	for _, tc := range cases {
		if got := IndexSymbol(tc.in); got != tc.want {
			t.Errorf("IndexSymbol(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func expiryDate(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func testInstrumentRows() []models.Instrument {
	sep25 := expiryDate(2025, 9, 25)
	oct01 := expiryDate(2025, 10, 1)
	return []models.Instrument{
		{Token: 256265, Symbol: "NIFTY 50", Underlying: "NIFTY 50", Exchange: models.NSE, Segment: "INDICES", Kind: models.KindIndex},
		{Token: 264969, Symbol: "INDIA VIX", Underlying: "INDIA VIX", Exchange: models.NSE, Segment: "INDICES", Kind: models.KindIndex},
		{Token: 1001, Symbol: "NIFTY25SEP23500CE", Underlying: "NIFTY", Exchange: models.NFO, Segment: "NFO-OPT", LotSize: 75, TickSize: 0.05, Expiry: sep25, ExpiryStr: "2025-09-25", Strike: 23500, Kind: models.KindIndexOpt},
		{Token: 1002, Symbol: "NIFTY25SEP23500PE", Underlying: "NIFTY", Exchange: models.NFO, Segment: "NFO-OPT", LotSize: 75, TickSize: 0.05, Expiry: sep25, ExpiryStr: "2025-09-25", Strike: 23500, Kind: models.KindIndexOpt},
		{Token: 1003, Symbol: "NIFTY25O0123500CE", Underlying: "NIFTY", Exchange: models.NFO, Segment: "NFO-OPT", LotSize: 75, TickSize: 0.05, Expiry: oct01, ExpiryStr: "2025-10-01", Strike: 23500, Kind: models.KindIndexOpt},
		{Token: 1004, Symbol: "NIFTY25SEP23550CE", Underlying: "NIFTY", Exchange: models.NFO, Segment: "NFO-OPT", LotSize: 75, TickSize: 0.05, Expiry: sep25, ExpiryStr: "2025-09-25", Strike: 23550, Kind: models.KindIndexOpt},
	}
}

func newTestDirectory(t *testing.T) *InstrumentDirectory {
	t.Helper()
	d := NewInstrumentDirectory(nil, nil, t.TempDir(), zerolog.Nop())
	d.rebuild(testInstrumentRows())
	return d
}

func TestFindOptionNearestExpiry(t *testing.T) {
	d := newTestDirectory(t)

	inst, err := d.FindOption("NIFTY", 23500, models.OptionCall, expiryDate(2025, 9, 23))
	if err != nil {
		t.Fatalf("FindOption: %v", err)
	}
	if inst.Symbol != "NIFTY25SEP23500CE" {
		t.Errorf("symbol = %s, want NIFTY25SEP23500CE", inst.Symbol)
	}

	// Same strike after the Sep expiry rolls to the October contract.
	inst, err = d.FindOption("NIFTY", 23500, models.OptionCall, expiryDate(2025, 9, 26))
	if err != nil {
		t.Fatalf("FindOption after roll: %v", err)
	}
	if inst.Symbol != "NIFTY25O0123500CE" {
		t.Errorf("symbol = %s, want NIFTY25O0123500CE", inst.Symbol)
	}

	// Expiry day itself still matches.
	inst, err = d.FindOption("NIFTY", 23500, models.OptionPut, expiryDate(2025, 9, 25))
	if err != nil {
		t.Fatalf("FindOption on expiry day: %v", err)
	}
	if inst.Symbol != "NIFTY25SEP23500PE" {
		t.Errorf("symbol = %s, want NIFTY25SEP23500PE", inst.Symbol)
	}

	if _, err := d.FindOption("NIFTY", 99999, models.OptionCall, expiryDate(2025, 9, 23)); err == nil {
		t.Error("FindOption on unknown strike should fail")
	}
	var brokerErr *apperrors.BrokerError
	_, err = d.FindOption("BANKNIFTY", 23500, models.OptionCall, expiryDate(2025, 9, 23))
	if !errors.As(err, &brokerErr) {
		t.Errorf("unknown underlying err = %v, want *apperrors.BrokerError", err)
	}
}

func TestUnderlyingTokenResolvesAlias(t *testing.T) {
	d := newTestDirectory(t)

	token, symbol, err := d.UnderlyingToken("NIFTY")
	if err != nil {
		t.Fatalf("UnderlyingToken: %v", err)
	}
	if token != 256265 || symbol != "NIFTY 50" {
		t.Errorf("UnderlyingToken = (%d, %s), want (256265, NIFTY 50)", token, symbol)
	}

	token, _, err = d.UnderlyingToken("INDIAVIX")
	if err != nil {
		t.Fatalf("UnderlyingToken vix: %v", err)
	}
	if token != 264969 {
		t.Errorf("vix token = %d, want 264969", token)
	}

	if _, _, err := d.UnderlyingToken("BANKNIFTY"); err == nil {
		t.Error("missing index should fail")
	}
}

func TestDirectoryLookups(t *testing.T) {
	d := newTestDirectory(t)

	if got := d.LotSize("NIFTY"); got != 75 {
		t.Errorf("LotSize = %d, want 75", got)
	}
	if got := d.LotSize("BANKNIFTY"); got != 0 {
		t.Errorf("LotSize for unknown = %d, want 0", got)
	}

	sym, ok := d.TokenSymbol(1001)
	if !ok || sym != "NIFTY25SEP23500CE" {
		t.Errorf("TokenSymbol(1001) = (%s, %v)", sym, ok)
	}

	exps := d.Expiries("NIFTY", expiryDate(2025, 9, 23))
	if len(exps) != 2 {
		t.Fatalf("Expiries = %v, want two dates", exps)
	}
	if !exps[0].Equal(expiryDate(2025, 9, 25)) || !exps[1].Equal(expiryDate(2025, 10, 1)) {
		t.Errorf("Expiries = %v, want [2025-09-25 2025-10-01]", exps)
	}

	exps = d.Expiries("NIFTY", expiryDate(2025, 9, 26))
	if len(exps) != 1 || !exps[0].Equal(expiryDate(2025, 10, 1)) {
		t.Errorf("Expiries after roll = %v, want [2025-10-01]", exps)
	}
}

type fakeGateway struct {
	instruments map[models.Exchange][]models.Instrument
}

func (f *fakeGateway) Authenticate(context.Context) error { return nil }
func (f *fakeGateway) IsAuthenticated() bool              { return true }
func (f *fakeGateway) PlaceOrder(context.Context, OrderRequest) (OrderResult, error) {
	return OrderResult{}, nil
}
func (f *fakeGateway) OrderStatus(context.Context, string) (OrderResult, error) {
	return OrderResult{}, nil
}
func (f *fakeGateway) HistoricalCandles(context.Context, uint32, models.Timeframe, time.Time, time.Time) ([]models.Bar, error) {
	return nil, nil
}
func (f *fakeGateway) LTP(context.Context, uint32) (float64, error)         { return 0, nil }
func (f *fakeGateway) Quote(context.Context, string) (*models.Quote, error) { return nil, nil }
func (f *fakeGateway) Instruments(_ context.Context, ex models.Exchange) ([]models.Instrument, error) {
	return f.instruments[ex], nil
}

func TestDirectoryRefreshAndCacheRoundTrip(t *testing.T) {
	rows := testInstrumentRows()
	var nfo, nse []models.Instrument
	for _, r := range rows {
		if r.Exchange == models.NFO {
			nfo = append(nfo, r)
		} else {
			nse = append(nse, r)
		}
	}
	gw := &fakeGateway{instruments: map[models.Exchange][]models.Instrument{
		models.NFO: nfo,
		models.NSE: nse,
	}}

	dir := t.TempDir()
	d := NewInstrumentDirectory(gw, nil, dir, zerolog.Nop())
	if err := d.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if d.Count() != len(rows) {
		t.Errorf("Count = %d, want %d", d.Count(), len(rows))
	}

	// A fresh directory must come back from the CSV cache alone.
	d2 := NewInstrumentDirectory(nil, nil, dir, zerolog.Nop())
	if err := d2.LoadCache(); err != nil {
		t.Fatalf("LoadCache: %v", err)
	}
	inst, err := d2.FindOption("NIFTY", 23550, models.OptionCall, expiryDate(2025, 9, 23))
	if err != nil {
		t.Fatalf("FindOption from cache: %v", err)
	}
	if inst.Token != 1004 || !inst.Expiry.Equal(expiryDate(2025, 9, 25)) {
		t.Errorf("cached contract = %+v, want token 1004 expiring 2025-09-25", inst)
	}
	if _, _, err := d2.UnderlyingToken("NIFTY"); err != nil {
		t.Errorf("UnderlyingToken from cache: %v", err)
	}
}

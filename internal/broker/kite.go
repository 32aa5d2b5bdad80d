package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	"adx-trader/internal/config"
	apperrors "adx-trader/internal/errors"
	"adx-trader/internal/models"
	"adx-trader/internal/resilience"
)

const kiteLoginBase = "https://kite.zerodha.com"

// Index names as they appear in the instrument master's name column.
var indexUnderlyings = map[string]bool{
	"NIFTY":      true,
	"BANKNIFTY":  true,
	"FINNIFTY":   true,
	"MIDCPNIFTY": true,
}

// KiteGateway is the live Zerodha Kite Connect gateway. Every REST call
// passes through a per-class rate limiter and a shared circuit breaker.
type KiteGateway struct {
	client  *kiteconnect.Client
	creds   config.KiteCredentials
	tokens  *TokenManager
	limiter *resilience.RateLimiter
	breaker *resilience.Breaker
	logger  zerolog.Logger
	loc     *time.Location

	loginBase string
	now       func() time.Time

	mu            sync.RWMutex
	authenticated bool
}

var _ Gateway = (*KiteGateway)(nil)

// NewKiteGateway creates the live gateway. The token file defaults to
// tokens.json in the config directory when creds.TokenFile is empty.
func NewKiteGateway(creds config.KiteCredentials, limits resilience.RateLimits, logger zerolog.Logger) (*KiteGateway, error) {
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, apperrors.NewConfigError("kite api_key and api_secret are required", nil)
	}
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		return nil, apperrors.NewConfigError("IST timezone unavailable", err)
	}
	tokenFile := creds.TokenFile
	if tokenFile == "" {
		tokenFile = filepath.Join(config.DefaultConfigDir(), "tokens.json")
	}
	componentLogger := logger.With().Str("component", "kite_gateway").Logger()
	return &KiteGateway{
		client:    kiteconnect.New(creds.APIKey),
		creds:     creds,
		tokens:    NewTokenManager(tokenFile),
		limiter:   resilience.NewRateLimiter(limits),
		breaker:   resilience.NewBreaker("kite_rest", resilience.DefaultBreakerConfig(), logger),
		logger:    componentLogger,
		loc:       loc,
		loginBase: kiteLoginBase,
		now:       time.Now,
	}, nil
}

// Authenticate restores the persisted session when still valid, otherwise
// runs the headless TOTP login. Kite access tokens expire at 06:00 IST, so
// a morning start usually needs a fresh login.
func (g *KiteGateway) Authenticate(ctx context.Context) error {
	if g.tokens.Valid(g.now()) {
		ts := g.tokens.Current()
		g.client.SetAccessToken(ts.AccessToken)
		if _, err := g.client.GetUserProfile(); err == nil {
			g.setAuthenticated(true)
			g.logger.Info().Time("expires", ts.AccessExpiry).Msg("restored broker session")
			return nil
		}
		g.logger.Warn().Msg("persisted token rejected by broker, logging in afresh")
	}

	if g.creds.TOTPSecret == "" {
		return apperrors.NewAuthFailed("no valid session and totp_secret is not configured", nil)
	}
	requestToken, err := g.headlessLogin(ctx)
	if err != nil {
		return err
	}
	return g.ExchangeToken(requestToken)
}

// ExchangeToken trades a request token for an access token and persists it.
// The auth command calls this directly for the manual login flow.
func (g *KiteGateway) ExchangeToken(requestToken string) error {
	session, err := g.client.GenerateSession(requestToken, g.creds.APISecret)
	if err != nil {
		return apperrors.NewAuthFailed("session exchange failed", err)
	}
	g.client.SetAccessToken(session.AccessToken)

	expiry := nextTokenExpiry(g.now(), g.loc)
	ts := TokenSet{
		AccessToken:  session.AccessToken,
		FeedToken:    session.AccessToken,
		RefreshToken: session.RefreshToken,
		AccessExpiry: expiry,
		FeedExpiry:   expiry,
	}
	if err := g.tokens.Save(ts); err != nil {
		// The session works for this run even if persistence failed.
		g.logger.Error().Err(err).Msg("token save failed")
	}
	g.setAuthenticated(true)
	g.logger.Info().Str("user", g.creds.UserID).Time("expires", expiry).Msg("broker session established")
	return nil
}

// Logout invalidates the broker session and removes the token file.
func (g *KiteGateway) Logout() error {
	if g.IsAuthenticated() {
		if _, err := g.client.InvalidateAccessToken(); err != nil {
			g.logger.Warn().Err(err).Msg("access token invalidation failed")
		}
	}
	g.setAuthenticated(false)
	return g.tokens.Clear()
}

// IsAuthenticated reports whether a broker session is active.
func (g *KiteGateway) IsAuthenticated() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.authenticated
}

func (g *KiteGateway) setAuthenticated(v bool) {
	g.mu.Lock()
	g.authenticated = v
	g.mu.Unlock()
}

// AccessToken returns the current access token for the WebSocket ticker.
func (g *KiteGateway) AccessToken() string {
	ts := g.tokens.Current()
	if ts == nil {
		return ""
	}
	return ts.AccessToken
}

// LoginURL returns the Kite Connect login page for the manual auth flow.
func (g *KiteGateway) LoginURL() string {
	return g.client.GetLoginURL()
}

func (g *KiteGateway) ensureAuth() error {
	if !g.IsAuthenticated() {
		return apperrors.NewAuthFailed("broker session not established", nil)
	}
	return nil
}

// PlaceOrder submits a regular-variety order.
func (g *KiteGateway) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := g.ensureAuth(); err != nil {
		return OrderResult{}, err
	}
	if err := g.limiter.Wait(ctx, resilience.ClassOrders); err != nil {
		return OrderResult{}, err
	}

	params := kiteconnect.OrderParams{
		Exchange:        string(req.Exchange),
		Tradingsymbol:   req.Symbol,
		TransactionType: string(req.Side),
		OrderType:       string(req.OrderType),
		Product:         string(req.Product),
		Quantity:        req.Quantity,
		Validity:        "DAY",
		Tag:             req.Tag,
	}
	if req.OrderType == models.OrderTypeLimit {
		params.Price = req.LimitPrice
	}

	resp, err := resilience.ExecuteWithResult(g.breaker, ctx, func() (kiteconnect.OrderResponse, error) {
		return g.client.PlaceOrder(kiteconnect.VarietyRegular, params)
	})
	if err != nil {
		return OrderResult{}, apperrors.NewOrderPlacementFailed("", req.Symbol, "broker rejected order", err)
	}
	g.logger.Info().
		Str("order_id", resp.OrderID).
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Int("quantity", req.Quantity).
		Float64("price", req.LimitPrice).
		Msg("order placed")
	return OrderResult{BrokerOrderID: resp.OrderID, Status: StatusOpen, Message: "accepted"}, nil
}

// OrderStatus looks up an order in the day's order book.
func (g *KiteGateway) OrderStatus(ctx context.Context, brokerOrderID string) (OrderResult, error) {
	if err := g.ensureAuth(); err != nil {
		return OrderResult{}, err
	}
	if err := g.limiter.Wait(ctx, resilience.ClassOrders); err != nil {
		return OrderResult{}, err
	}

	orders, err := resilience.ExecuteWithResult(g.breaker, ctx, func() (kiteconnect.Orders, error) {
		return g.client.GetOrders()
	})
	if err != nil {
		return OrderResult{}, apperrors.NewBrokerError("order book fetch failed", err)
	}
	for _, o := range orders {
		if o.OrderID != brokerOrderID {
			continue
		}
		return OrderResult{
			BrokerOrderID: o.OrderID,
			Status:        o.Status,
			FilledQty:     int(o.FilledQuantity),
			AveragePrice:  o.AveragePrice,
			Message:       o.StatusMessage,
		}, nil
	}
	return OrderResult{}, apperrors.NewOrderNotFound(brokerOrderID)
}

// HistoricalCandles fetches completed bars for an instrument token.
// Timestamps come back in IST and are normalized to UTC.
func (g *KiteGateway) HistoricalCandles(ctx context.Context, token uint32, tf models.Timeframe, from, to time.Time) ([]models.Bar, error) {
	if err := g.ensureAuth(); err != nil {
		return nil, err
	}
	if err := g.limiter.Wait(ctx, resilience.ClassHistorical); err != nil {
		return nil, err
	}

	data, err := resilience.ExecuteWithResult(g.breaker, ctx, func() ([]kiteconnect.HistoricalData, error) {
		return g.client.GetHistoricalData(int(token), kiteInterval(tf), from, to, false, false)
	})
	if err != nil {
		return nil, apperrors.NewHTTPError("historical", fmt.Sprintf("candle fetch failed for token %d", token), err)
	}

	bars := make([]models.Bar, len(data))
	for i, d := range data {
		bars[i] = models.Bar{
			Timestamp: d.Date.Time.UTC(),
			Open:      d.Open,
			High:      d.High,
			Low:       d.Low,
			Close:     d.Close,
			Volume:    int64(d.Volume),
			Complete:  true,
		}
	}
	return bars, nil
}

// LTP returns the last traded price for an instrument token. The quote API
// accepts numeric tokens as well as exchange:symbol pairs.
func (g *KiteGateway) LTP(ctx context.Context, token uint32) (float64, error) {
	if err := g.ensureAuth(); err != nil {
		return 0, err
	}
	if err := g.limiter.Wait(ctx, resilience.ClassMarketData); err != nil {
		return 0, err
	}

	key := strconv.FormatUint(uint64(token), 10)
	quotes, err := resilience.ExecuteWithResult(g.breaker, ctx, func() (kiteconnect.QuoteLTP, error) {
		return g.client.GetLTP(key)
	})
	if err != nil {
		return 0, apperrors.NewHTTPError("ltp", fmt.Sprintf("ltp fetch failed for token %d", token), err)
	}
	q, ok := quotes[key]
	if !ok {
		return 0, apperrors.NewMissingData(key, "no ltp returned for token")
	}
	return q.LastPrice, nil
}

// Quote fetches a full quote for an exchange-prefixed symbol.
func (g *KiteGateway) Quote(ctx context.Context, symbol string) (*models.Quote, error) {
	if err := g.ensureAuth(); err != nil {
		return nil, err
	}
	if err := g.limiter.Wait(ctx, resilience.ClassMarketData); err != nil {
		return nil, err
	}

	quotes, err := resilience.ExecuteWithResult(g.breaker, ctx, func() (kiteconnect.Quote, error) {
		return g.client.GetQuote(symbol)
	})
	if err != nil {
		return nil, apperrors.NewHTTPError("quote", "quote fetch failed for "+symbol, err)
	}
	q, ok := quotes[symbol]
	if !ok {
		return nil, apperrors.NewMissingData(symbol, "no quote returned")
	}

	out := &models.Quote{
		Symbol:    symbol,
		LTP:       q.LastPrice,
		Open:      q.OHLC.Open,
		High:      q.OHLC.High,
		Low:       q.OHLC.Low,
		Close:     q.OHLC.Close,
		Volume:    int64(q.Volume),
		Change:    q.NetChange,
		Timestamp: q.LastTradeTime.Time.UTC(),
	}
	if q.OHLC.Close != 0 {
		out.ChangePercent = q.NetChange / q.OHLC.Close * 100
	}
	return out, nil
}

// Instruments downloads the instrument master and keeps rows for the
// requested exchange.
func (g *KiteGateway) Instruments(ctx context.Context, exchange models.Exchange) ([]models.Instrument, error) {
	if err := g.ensureAuth(); err != nil {
		return nil, err
	}
	if err := g.limiter.Wait(ctx, resilience.ClassMarketData); err != nil {
		return nil, err
	}

	rows, err := resilience.ExecuteWithResult(g.breaker, ctx, func() (kiteconnect.Instruments, error) {
		return g.client.GetInstruments()
	})
	if err != nil {
		return nil, apperrors.NewHTTPError("instruments", "instrument master download failed", err)
	}

	var out []models.Instrument
	for _, inst := range rows {
		if inst.Exchange != string(exchange) {
			continue
		}
		out = append(out, mapInstrument(inst))
	}
	g.logger.Info().Str("exchange", string(exchange)).Int("count", len(out)).Msg("instrument master downloaded")
	return out, nil
}

func mapInstrument(inst kiteconnect.Instrument) models.Instrument {
	m := models.Instrument{
		Token:      uint32(inst.InstrumentToken),
		Symbol:     inst.Tradingsymbol,
		Underlying: inst.Name,
		Exchange:   models.Exchange(inst.Exchange),
		Segment:    inst.Segment,
		LotSize:    int(inst.LotSize),
		TickSize:   inst.TickSize,
		Strike:     inst.StrikePrice,
		Kind:       classifyInstrument(inst),
	}
	if expiry := inst.Expiry.Time; !expiry.IsZero() {
		// Kite reports expiry as midnight IST. Keep the calendar date,
		// pinned to UTC so date comparisons are location-free.
		y, mth, d := expiry.Date()
		m.Expiry = time.Date(y, mth, d, 0, 0, 0, 0, time.UTC)
		m.ExpiryStr = m.Expiry.Format("2006-01-02")
	}
	return m
}

func classifyInstrument(inst kiteconnect.Instrument) models.InstrumentKind {
	switch inst.InstrumentType {
	case "CE", "PE":
		if indexUnderlyings[inst.Name] {
			return models.KindIndexOpt
		}
		return models.KindStockOpt
	case "FUT":
		if indexUnderlyings[inst.Name] {
			return models.KindIndexFut
		}
		return models.KindStockFut
	default:
		if inst.Segment == "INDICES" {
			return models.KindIndex
		}
		return models.KindStock
	}
}

// headlessLogin drives the kite.zerodha.com login flow with the configured
// password and TOTP secret, returning the request token normally handed to
// the redirect URL.
func (g *KiteGateway) headlessLogin(ctx context.Context) (string, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return "", apperrors.NewAuthFailed("cookie jar init failed", err)
	}
	hc := &http.Client{Jar: jar, Timeout: 30 * time.Second}

	requestID, err := g.submitPassword(ctx, hc)
	if err != nil {
		return "", err
	}
	if err := g.submitTOTP(ctx, hc, requestID); err != nil {
		return "", err
	}
	return g.captureRequestToken(ctx, hc)
}

type loginResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		RequestID string `json:"request_id"`
	} `json:"data"`
}

func (g *KiteGateway) submitPassword(ctx context.Context, hc *http.Client) (string, error) {
	form := url.Values{
		"user_id":  {g.creds.UserID},
		"password": {g.creds.Password},
	}
	var lr loginResponse
	if err := g.postForm(ctx, hc, g.loginBase+"/api/login", form, &lr); err != nil {
		return "", err
	}
	if lr.Data.RequestID == "" {
		return "", apperrors.NewAuthFailed("login rejected: "+lr.Message, nil)
	}
	return lr.Data.RequestID, nil
}

func (g *KiteGateway) submitTOTP(ctx context.Context, hc *http.Client, requestID string) error {
	code, err := totp.GenerateCode(g.creds.TOTPSecret, g.now())
	if err != nil {
		return apperrors.NewAuthFailed("totp code generation failed", err)
	}
	form := url.Values{
		"user_id":     {g.creds.UserID},
		"request_id":  {requestID},
		"twofa_value": {code},
		"twofa_type":  {"totp"},
	}
	var lr loginResponse
	if err := g.postForm(ctx, hc, g.loginBase+"/api/twofa", form, &lr); err != nil {
		return err
	}
	if lr.Status != "success" {
		return apperrors.NewAuthFailed("two-factor rejected: "+lr.Message, nil)
	}
	return nil
}

// captureRequestToken walks the connect redirect chain until the app
// redirect carrying request_token appears, and stops there rather than
// following it.
func (g *KiteGateway) captureRequestToken(ctx context.Context, hc *http.Client) (string, error) {
	var token string
	hc.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if t := req.URL.Query().Get("request_token"); t != "" {
			token = t
			return http.ErrUseLastResponse
		}
		return nil
	}

	connectURL := g.loginBase + "/connect/login?api_key=" + url.QueryEscape(g.creds.APIKey) + "&v=3"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, connectURL, nil)
	if err != nil {
		return "", apperrors.NewHTTPError("login", "request build failed", err)
	}
	resp, err := hc.Do(req)
	if resp != nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
	}
	if token == "" {
		if err != nil {
			return "", apperrors.NewAuthFailed("request token capture failed", err)
		}
		return "", apperrors.NewAuthFailed("redirect chain ended without a request token", nil)
	}
	return token, nil
}

func (g *KiteGateway) postForm(ctx context.Context, hc *http.Client, endpoint string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return apperrors.NewHTTPError("login", "request build failed", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := hc.Do(req)
	if err != nil {
		return apperrors.NewHTTPError("login", "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apperrors.NewHTTPError("login", "response read failed", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apperrors.NewAuthFailed(fmt.Sprintf("unexpected login response (HTTP %d)", resp.StatusCode), err)
	}
	return nil
}

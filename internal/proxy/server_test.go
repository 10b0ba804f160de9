package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/errs"
	"execution-core/internal/execution"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/license"
)

type fakeVenue struct {
	mu        sync.Mutex
	creds     common.Credentials
	params    []url.Values
	orders    []common.OrderRequest
	cancels   []string
	positions []common.Position
	open      map[string][]common.OpenOrder
	placeErr  error
}

func (f *fakeVenue) PlaceOrderParams(ctx context.Context, params url.Values) (common.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return common.OrderResult{}, f.placeErr
	}
	f.params = append(f.params, params)
	raw := []byte(`{"symbol":"` + params.Get("symbol") + `","orderId":42,"clientOrderId":"c1","status":"FILLED","executedQty":"` +
		params.Get("quantity") + `","avgPrice":"100.5"}`)
	return common.OrderResult{OrderID: "42", Symbol: params.Get("symbol"), Raw: raw}, nil
}

func (f *fakeVenue) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, req)
	return common.OrderResult{OrderID: "9" + req.Symbol, Symbol: req.Symbol}, nil
}

func (f *fakeVenue) CancelOrder(ctx context.Context, symbol, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, symbol+":"+orderID)
	return nil
}

func (f *fakeVenue) Positions(ctx context.Context) ([]common.Position, error) {
	return f.positions, nil
}

func (f *fakeVenue) OpenOrders(ctx context.Context, symbol string) ([]common.OpenOrder, error) {
	return f.open[symbol], nil
}

type harness struct {
	server *Server
	store  *Store
	venue  *fakeVenue
	token  string
	counts []int
}

var (
	keysOnce        sync.Once
	privPEM, pubPEM string
	keysErr         error
)

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	keysOnce.Do(func() { privPEM, pubPEM, keysErr = license.GenerateKeyPair(2048) })
	require.NoError(t, keysErr)
	priv, pub := privPEM, pubPEM
	key, err := license.ParsePrivateKey(priv)
	require.NoError(t, err)
	token, err := license.CreateToken(key, license.IssueOptions{Issuer: "issuer", Audience: "proxy", Scopes: []string{license.ScopeMainnet}, TTL: time.Hour})
	require.NoError(t, err)
	verifier, err := license.NewVerifier(pub, "issuer", "proxy")
	require.NoError(t, err)

	h := &harness{venue: &fakeVenue{open: map[string][]common.OpenOrder{}}, token: token}
	h.store = NewStore(StoreConfig{MaxSize: 2, IdleTimeout: time.Hour}, func(creds common.Credentials) (Venue, error) {
		h.venue.creds = creds
		return h.venue, nil
	}, func(n int) { h.counts = append(h.counts, n) })
	h.server = NewServer(h.store, Options{Verifier: verifier, RatePerSec: 1000, RateBurst: 1000})
	return h
}

func (h *harness) post(t *testing.T, path string, body any, token string) (int, map[string]any) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.server.Router.ServeHTTP(rec, req)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return rec.Code, out
}

func register(env string) map[string]string {
	return map[string]string{"installId": "inst-1", "environment": env, "apiKey": "AKTEST123", "apiSecret": "SKTEST456"}
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec := httptest.NewRecorder()
	h.server.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"name":"execution-proxy"}`, rec.Body.String())
}

func TestRegisterValidation(t *testing.T) {
	h := newHarness(t)
	code, body := h.post(t, "/api/session/register", map[string]string{"installId": "inst-1"}, "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "bad_request", body["error"])
}

func TestMainnetRegisterNeedsLicense(t *testing.T) {
	h := newHarness(t)
	code, body := h.post(t, "/api/session/register", register("mainnet"), "")
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "license_required", body["error"])
	assert.Equal(t, 0, h.store.Len())

	code, _ = h.post(t, "/api/session/register", register("mainnet"), "not-a-jwt")
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = h.post(t, "/api/session/register", register("mainnet"), h.token)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, common.EnvLive, h.venue.creds.Environment)

	// Orders on a mainnet session re-check the license.
	code, body = h.post(t, "/api/order/futures", map[string]any{"installId": "inst-1", "params": map[string]any{"symbol": "BTCUSDT"}}, "")
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "license_required", body["error"])
}

func TestOrderRequiresSession(t *testing.T) {
	h := newHarness(t)
	code, body := h.post(t, "/api/order/futures", map[string]any{"installId": "ghost", "params": map[string]any{"symbol": "BTCUSDT"}}, "")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "no_session", body["error"])
}

func TestTestnetOrderRelaysParams(t *testing.T) {
	h := newHarness(t)
	code, _ := h.post(t, "/api/session/register", register("testnet"), "")
	require.Equal(t, http.StatusOK, code)

	code, body := h.post(t, "/api/order/futures", map[string]any{
		"installId": "inst-1",
		"params":    map[string]any{"symbol": "BTCUSDT", "side": "BUY", "type": "MARKET", "quantity": 0.01, "reduceOnly": false},
	}, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ok"])
	data := body["data"].(map[string]any)
	assert.Equal(t, float64(42), data["orderId"])

	require.Len(t, h.venue.params, 1)
	assert.Equal(t, "0.01", h.venue.params[0].Get("quantity"))
	assert.Equal(t, "false", h.venue.params[0].Get("reduceOnly"))
}

func TestVenueRejectionCarriesPayload(t *testing.T) {
	h := newHarness(t)
	h.venue.placeErr = errs.NewVenueError(-2019, "Margin is insufficient.")
	h.post(t, "/api/session/register", register("testnet"), "")

	code, body := h.post(t, "/api/order/futures", map[string]any{"installId": "inst-1", "params": map[string]any{"symbol": "BTCUSDT"}}, "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "binance_error", body["error"])
	venue := body["binance"].(map[string]any)
	assert.Equal(t, float64(-2019), venue["code"])
}

func TestKillSwitchClosesAndCancels(t *testing.T) {
	h := newHarness(t)
	h.venue.positions = []common.Position{
		{Symbol: "BTCUSDT", Amount: -0.5},
		{Symbol: "ETHUSDT", Amount: 0},
	}
	h.venue.open["BTCUSDT"] = []common.OpenOrder{{Symbol: "BTCUSDT", OrderID: "7"}}
	h.post(t, "/api/session/register", register("testnet"), "")

	code, body := h.post(t, "/api/kill-switch/futures", map[string]string{"installId": "inst-1"}, "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["closed"], 1)
	assert.Len(t, body["cancelled"], 1)

	require.Len(t, h.venue.orders, 1)
	assert.Equal(t, common.SideBuy, h.venue.orders[0].Side)
	assert.True(t, h.venue.orders[0].ReduceOnly)
	assert.Equal(t, 0.5, h.venue.orders[0].Qty)
	assert.Equal(t, []string{"BTCUSDT:7"}, h.venue.cancels)
}

func TestClearAndLRU(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"a", "b", "c"} {
		code, _ := h.post(t, "/api/session/register", map[string]string{"installId": id, "environment": "testnet", "apiKey": "k", "apiSecret": "s"}, "")
		require.Equal(t, http.StatusOK, code)
	}
	assert.Equal(t, 2, h.store.Len())
	_, _, ok := h.store.Get("a")
	assert.False(t, ok, "oldest session evicted")

	code, _ := h.post(t, "/api/session/clear", map[string]string{"installId": "b"}, "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, h.store.Len())
	assert.Equal(t, 1, h.counts[len(h.counts)-1])
}

func TestIdleSessionExpires(t *testing.T) {
	var mu sync.Mutex
	var counts []int
	store := NewStore(StoreConfig{MaxSize: 4, IdleTimeout: 60 * time.Millisecond}, func(common.Credentials) (Venue, error) {
		return &fakeVenue{}, nil
	}, func(n int) {
		mu.Lock()
		counts = append(counts, n)
		mu.Unlock()
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store.Start(ctx)
	defer store.Stop()

	require.NoError(t, store.Set("inst-1", common.EnvTest, "k", "s"))
	require.Eventually(t, func() bool {
		_, _, ok := store.Get("inst-1")
		return !ok && store.Len() == 0
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(counts) > 0 && counts[len(counts)-1] == 0
	}, time.Second, 5*time.Millisecond, "expiry is reported")
}

func TestSessionUseRestartsIdleTimer(t *testing.T) {
	store := NewStore(StoreConfig{MaxSize: 4, IdleTimeout: 150 * time.Millisecond}, func(common.Credentials) (Venue, error) {
		return &fakeVenue{}, nil
	}, nil)
	require.NoError(t, store.Set("inst-1", common.EnvTest, "k", "s"))
	created, _, ok := store.Get("inst-1")
	require.True(t, ok)

	for i := 0; i < 6; i++ {
		time.Sleep(50 * time.Millisecond)
		_, _, ok := store.Get("inst-1")
		require.True(t, ok, "used session stays registered")
	}
	sess, _, _ := store.Get("inst-1")
	assert.True(t, sess.LastUsed.After(created.LastUsed))
	assert.Equal(t, created.CreatedAt, sess.CreatedAt)
}

func TestStoreStopDropsSessions(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Set("inst-1", common.EnvTest, "k", "s"))
	h.store.Start(context.Background())
	h.store.Stop()
	h.store.Stop()
	assert.Equal(t, 0, h.store.Len())
	assert.Equal(t, 0, h.counts[len(h.counts)-1])
}

type staticToken string

func (s staticToken) Token() string { return string(s) }

func TestExecutionClientAgainstProxy(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(h.server.Router)
	defer srv.Close()

	client := execution.NewProxyClient(srv.URL, "inst-1", staticToken(h.token))
	ctx := context.Background()
	require.NoError(t, client.Register(ctx, common.Credentials{APIKey: "AKTEST123", APISecret: "SKTEST456", Environment: common.EnvLive}))
	assert.True(t, client.Registered())

	res, err := client.PlaceOrder(ctx, common.OrderRequest{Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 0.01, Market: common.MarketFutures})
	require.NoError(t, err)
	assert.Equal(t, "42", res.OrderID)
	assert.Equal(t, 100.5, res.AvgPrice)

	h.venue.mu.Lock()
	h.venue.placeErr = errs.NewVenueError(-2019, "Margin is insufficient.")
	h.venue.mu.Unlock()
	_, err = client.PlaceOrder(ctx, common.OrderRequest{Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 0.01, Market: common.MarketFutures})
	apiErr, ok := errs.AsVenueError(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, int64(-2019), apiErr.Code)

	require.NoError(t, client.Clear(ctx))
	assert.Equal(t, 0, h.store.Len())
	_, err = client.PlaceOrder(ctx, common.OrderRequest{Symbol: "BTCUSDT"})
	assert.True(t, errors.Is(err, execution.ErrNoProxySession))
}

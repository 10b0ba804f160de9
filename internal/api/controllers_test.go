package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/asl"
	"execution-core/internal/audit"
	"execution-core/internal/connection"
	"execution-core/internal/errs"
	"execution-core/internal/events"
	"execution-core/internal/execution"
	"execution-core/internal/metadata"
	"execution-core/internal/vault"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/license"
)

const testAPIToken = "local-secret"

type fakeVault struct {
	mu       sync.Mutex
	profiles []vault.Profile
	active   string
	unlocked bool
}

func (f *fakeVault) IsInitialized(ctx context.Context) (bool, error) { return true, nil }
func (f *fakeVault) Initialize(ctx context.Context, passphrase string) error {
	return vault.ErrVaultInitialized
}
func (f *fakeVault) ListProfiles(ctx context.Context) ([]vault.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]vault.Profile(nil), f.profiles...), nil
}

func (f *fakeVault) SaveProfile(ctx context.Context, in vault.ProfileInput, passphrase string) (vault.Profile, error) {
	if passphrase != "Str0ng!Pass" {
		return vault.Profile{}, errs.ErrInvalidPassphrase
	}
	env, _ := common.ParseEnvironment(in.Environment)
	p := vault.Profile{ID: "p-" + in.Name, Name: in.Name, Environment: env, PublicKey: in.APIKey}
	f.mu.Lock()
	f.profiles = append(f.profiles, p)
	if f.active == "" {
		f.active = p.ID
	}
	f.mu.Unlock()
	return p, nil
}

func (f *fakeVault) DeleteProfile(ctx context.Context, profileID string) error {
	return errs.ErrProfileNotFound
}

func (f *fakeVault) SetActiveProfile(ctx context.Context, profileID string) error {
	f.mu.Lock()
	f.active = profileID
	f.mu.Unlock()
	return nil
}

func (f *fakeVault) GetActiveProfileID(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, nil
}

func (f *fakeVault) ActiveProfile() (vault.Profile, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.unlocked || len(f.profiles) == 0 {
		return vault.Profile{}, false
	}
	return f.profiles[0], true
}

func (f *fakeVault) Lock() {
	f.mu.Lock()
	f.unlocked = false
	f.mu.Unlock()
}

type fakeEngine struct {
	vault     *fakeVault
	orders    []metadata.OrderParams
	result    execution.Result
	connected bool
}

func (f *fakeEngine) Resume(ctx context.Context, passphrase string) (vault.Profile, error) {
	if passphrase != "Str0ng!Pass" {
		return vault.Profile{}, errs.ErrInvalidPassphrase
	}
	f.vault.mu.Lock()
	f.vault.unlocked = true
	f.vault.mu.Unlock()
	f.connected = true
	p, _ := f.vault.ActiveProfile()
	return p, nil
}

func (f *fakeEngine) Connect(ctx context.Context) error {
	f.connected = true
	return nil
}

func (f *fakeEngine) Disconnect() { f.connected = false }

func (f *fakeEngine) ConnectionStatus() connection.Status {
	if f.connected {
		return connection.Status{State: connection.StateConnected, Trading: true}
	}
	return connection.Status{State: connection.StateDisconnected}
}

func (f *fakeEngine) PlaceOrder(ctx context.Context, p metadata.OrderParams) execution.Result {
	f.orders = append(f.orders, p)
	res := f.result
	res.Symbol = p.Symbol
	return res
}

func (f *fakeEngine) CancelOrder(ctx context.Context, symbol, orderID string) errs.Result {
	return errs.OK(map[string]any{"symbol": symbol, "orderId": orderID})
}

func (f *fakeEngine) CloseAllPositions(ctx context.Context) execution.KillSwitchResult {
	return execution.KillSwitchResult{Success: true, Message: "No open positions found"}
}

func (f *fakeEngine) Positions(ctx context.Context) ([]common.Position, error) {
	return []common.Position{{Symbol: "BTCUSDT", Amount: 0.5}}, nil
}

func (f *fakeEngine) RegisterProxySession(ctx context.Context) error { return errs.ErrLicenseRequired }
func (f *fakeEngine) ClearProxySession(ctx context.Context) error    { return nil }

type fakeStops struct {
	records map[string]asl.Record
}

func (f *fakeStops) Positions() []asl.Record {
	out := []asl.Record{}
	for _, r := range f.records {
		out = append(out, r)
	}
	return out
}

func (f *fakeStops) Get(id string) (asl.Record, bool) {
	r, ok := f.records[id]
	return r, ok
}

func (f *fakeStops) Remove(id string) bool {
	_, ok := f.records[id]
	delete(f.records, id)
	return ok
}

type testEnv struct {
	server *Server
	ts     *httptest.Server
	vault  *fakeVault
	engine *fakeEngine
	bus    *events.Bus
	audit  *audit.Log
	token  string
}

func newTestAPIServer(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fv := &fakeVault{}
	env := &testEnv{
		vault:  fv,
		engine: &fakeEngine{vault: fv, result: execution.Result{Success: true, OrderID: "1", Path: execution.PathREST}},
		bus:    events.NewBus(),
		audit:  audit.New(nil),
	}
	env.server = NewServer(Deps{
		Vault:  fv,
		Engine: env.engine,
		Stops:  &fakeStops{records: map[string]asl.Record{"BTCUSDT_LONG": {ID: "BTCUSDT_LONG", Symbol: "BTCUSDT", Side: asl.Long}}},
		Bus:    env.bus,
		Audit:  env.audit,
		Gate:   license.NewGate("", nil),
	}, Options{APIToken: testAPIToken, RatePerSec: 1000, RateBurst: 1000, Version: "test"})
	env.ts = httptest.NewServer(env.server.Router)
	t.Cleanup(env.ts.Close)

	var resp struct {
		Token string `json:"token"`
	}
	status := env.do(t, http.MethodPost, "/api/auth/token", "", map[string]string{"apiToken": testAPIToken}, &resp)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, resp.Token)
	env.token = resp.Token
	return env
}

func (e *testEnv) do(t *testing.T, method, path, token string, payload any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(payload))
	}
	req, err := http.NewRequest(method, e.ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestTokenRequired(t *testing.T) {
	env := newTestAPIServer(t)

	var resp struct {
		Code string `json:"code"`
	}
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/api/profiles", "", nil, &resp))
	assert.Equal(t, "MISSING_TOKEN", resp.Code)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/api/profiles", "forged", nil, &resp))
	assert.Equal(t, "INVALID_TOKEN", resp.Code)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodPost, "/api/auth/token", "", map[string]string{"apiToken": "nope"}, nil))
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", "", nil, nil))
}

func TestProfileLifecycle(t *testing.T) {
	env := newTestAPIServer(t)

	var bad struct {
		Code string `json:"code"`
	}
	status := env.do(t, http.MethodPost, "/api/profiles", env.token, map[string]string{"name": "main"}, &bad)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "INVALID_REQUEST", bad.Code)

	profile := map[string]string{"name": "main", "environment": "testnet", "apiKey": "AKTEST123", "apiSecret": "SKTEST456", "passphrase": "wrong"}
	var failed errs.Result
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodPost, "/api/profiles", env.token, profile, &failed))
	assert.Equal(t, errs.KindInvalidPassphrase, failed.Error)

	profile["passphrase"] = "Str0ng!Pass"
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/profiles", env.token, profile, nil))

	var list struct {
		Success bool `json:"success"`
		Data    struct {
			Profiles        []vault.Profile `json:"profiles"`
			ActiveProfileID string          `json:"activeProfileId"`
		} `json:"data"`
	}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/profiles", env.token, nil, &list))
	require.Len(t, list.Data.Profiles, 1)
	assert.Equal(t, "AKTEST123", list.Data.Profiles[0].PublicKey)
	assert.Equal(t, "p-main", list.Data.ActiveProfileID)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/api/profiles/ghost", env.token, nil, nil))
	assert.Len(t, env.audit.Entries(audit.TypeInfo), 1)
}

func TestUnlockAndConnectionStatus(t *testing.T) {
	env := newTestAPIServer(t)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodPost, "/api/vault/unlock", env.token, map[string]string{"passphrase": "nope"}, nil))
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/vault/unlock", env.token, map[string]string{"passphrase": "Str0ng!Pass"}, nil))

	var status struct {
		Data connection.Status `json:"data"`
	}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/connection", env.token, nil, &status))
	assert.Equal(t, connection.StateConnected, status.Data.State)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/disconnect", env.token, nil, &status))
	assert.Equal(t, connection.StateDisconnected, status.Data.State)

	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/api/vault/initialize", env.token, map[string]string{"passphrase": "Str0ng!Pass"}, nil))
}

func TestPlaceOrderStatusFollowsResult(t *testing.T) {
	env := newTestAPIServer(t)

	var ok execution.Result
	status := env.do(t, http.MethodPost, "/api/orders", env.token, map[string]any{
		"symbol": "btcusdt", "side": "BUY", "type": "MARKET", "quantity": 0.01, "stopLossPercent": 2,
	}, &ok)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, ok.Success)
	require.Len(t, env.engine.orders, 1)
	assert.Equal(t, "BTCUSDT", env.engine.orders[0].Symbol)
	assert.Equal(t, 2.0, env.engine.orders[0].StopLossPct)

	env.engine.result = execution.Result{Error: errs.KindLicenseRequired, NeedsUserAction: true}
	var denied execution.Result
	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodPost, "/api/orders", env.token, map[string]any{"symbol": "BTCUSDT", "side": "BUY"}, &denied))
	assert.True(t, denied.NeedsUserAction)

	env.engine.result = execution.Result{Error: errs.KindInvalidCallbackRate}
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/orders", env.token, map[string]any{"symbol": "BTCUSDT", "side": "BUY"}, nil))

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/orders", env.token, map[string]any{"type": "MARKET"}, nil))
}

func TestKillSwitchAndTrailingStops(t *testing.T) {
	env := newTestAPIServer(t)

	var kill execution.KillSwitchResult
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/kill-switch", env.token, nil, &kill))
	assert.True(t, kill.Success)
	assert.Equal(t, 0, kill.Closed)

	var one struct {
		Data asl.Record `json:"data"`
	}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/asl/btcusdt_long", env.token, nil, &one))
	assert.Equal(t, asl.Long, one.Data.Side)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodDelete, "/api/asl/BTCUSDT_LONG", env.token, nil, nil))
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/api/asl/BTCUSDT_LONG", env.token, nil, nil))

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/reconciliation", env.token, nil, nil))
	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodPost, "/api/proxy/register", env.token, nil, nil))
}

func TestLicenseUpdate(t *testing.T) {
	env := newTestAPIServer(t)

	var resp struct {
		Data struct {
			State   license.State `json:"state"`
			Mainnet bool          `json:"mainnet"`
		} `json:"data"`
	}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/license", env.token, nil, &resp))
	assert.Equal(t, "free", resp.Data.State.Plan)
	assert.False(t, resp.Data.Mainnet)

	priv, _, err := license.GenerateKeyPair(2048)
	require.NoError(t, err)
	key, err := license.ParsePrivateKey(priv)
	require.NoError(t, err)
	tok, err := license.CreateToken(key, license.IssueOptions{Plan: "pro", Scopes: []string{license.ScopeMainnet}, TTL: time.Hour})
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPut, "/api/license", env.token, map[string]string{"token": tok}, &resp))
	assert.True(t, resp.Data.State.Active)
	assert.True(t, resp.Data.Mainnet)
}

func TestAuditExport(t *testing.T) {
	env := newTestAPIServer(t)
	env.audit.Trade(audit.Trade{Symbol: "BTCUSDT", Side: "BUY", OrderID: "1"})

	req, err := http.NewRequest(http.MethodGet, env.ts.URL+"/api/audit/export", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+env.token)
	resp, err := env.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "audit-log.json")

	var body struct {
		Trades []audit.Entry `json:"trades"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Len(t, body.Trades, 1)
}

func TestWebsocketStreamsEvents(t *testing.T) {
	env := newTestAPIServer(t)

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws?token=" + env.token + "&kinds=execution"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The server subscribes after the handshake, so keep publishing until the first frame lands.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				env.bus.Publish(events.KindMarkPrice, events.MarkPrice{Symbol: "BTCUSDT", Price: 1})
				env.bus.Publish(events.KindExecution, events.Execution{Symbol: "BTCUSDT", Side: "BUY", OrderID: "7", Success: true})
			}
		}
	}()

	var got events.Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, events.KindExecution, got.Kind)
	payload, ok := got.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "7", payload["orderId"])

	_, _, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(env.ts.URL, "http")+"/ws", nil)
	assert.Error(t, err, "upgrade without a token is refused")
}

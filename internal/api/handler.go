// Package api is the local UI boundary: profile management, connection control, order entry,
// the kill switch and an event stream, served over HTTP and a websocket.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"execution-core/internal/asl"
	"execution-core/internal/audit"
	"execution-core/internal/connection"
	"execution-core/internal/errs"
	"execution-core/internal/events"
	"execution-core/internal/execution"
	"execution-core/internal/metadata"
	"execution-core/internal/middleware"
	"execution-core/internal/monitor"
	"execution-core/internal/reconciliation"
	"execution-core/internal/vault"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/license"
)

// Vault is the profile store. *vault.Vault implements it.
type Vault interface {
	IsInitialized(ctx context.Context) (bool, error)
	Initialize(ctx context.Context, passphrase string) error
	ListProfiles(ctx context.Context) ([]vault.Profile, error)
	SaveProfile(ctx context.Context, in vault.ProfileInput, passphrase string) (vault.Profile, error)
	DeleteProfile(ctx context.Context, profileID string) error
	SetActiveProfile(ctx context.Context, profileID string) error
	GetActiveProfileID(ctx context.Context) (string, error)
	ActiveProfile() (vault.Profile, bool)
	Lock()
}

// Executor is the execution engine. *execution.Engine implements it.
type Executor interface {
	Resume(ctx context.Context, passphrase string) (vault.Profile, error)
	Connect(ctx context.Context) error
	Disconnect()
	ConnectionStatus() connection.Status
	PlaceOrder(ctx context.Context, p metadata.OrderParams) execution.Result
	CancelOrder(ctx context.Context, symbol, orderID string) errs.Result
	CloseAllPositions(ctx context.Context) execution.KillSwitchResult
	Positions(ctx context.Context) ([]common.Position, error)
	RegisterProxySession(ctx context.Context) error
	ClearProxySession(ctx context.Context) error
}

// Stops is the trailing stop engine. *asl.Engine implements it.
type Stops interface {
	Positions() []asl.Record
	Get(id string) (asl.Record, bool)
	Remove(id string) bool
}

// Reconciler is the reconciliation service. *reconciliation.Service implements it.
type Reconciler interface {
	Reconcile(ctx context.Context) (*reconciliation.Report, error)
	Last() *reconciliation.Report
}

// Deps wires a Server. Reconciler, Metrics, Gate and Handler may be nil.
type Deps struct {
	Vault      Vault
	Engine     Executor
	Stops      Stops
	Bus        *events.Bus
	Audit      *audit.Log
	Gate       *license.Gate
	Reconciler Reconciler
	Metrics    *monitor.Metrics
	Handler    http.Handler // Prometheus exposition, served at /metrics
}

// Options configures the HTTP surface.
type Options struct {
	APIToken    string // empty disables authentication
	CORSOrigins []string
	RatePerSec  float64
	RateBurst   int
	Timeout     time.Duration
	Observer    middleware.Observer
	Version     string
}

// Server wires HTTP endpoints around the execution core.
type Server struct {
	Router *gin.Engine
	deps   Deps
	opts   Options
}

func NewServer(d Deps, opts Options) *Server {
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 50
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if d.Audit == nil {
		d.Audit = audit.New(nil)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.RequestLogger(opts.Observer))
	r.Use(middleware.RateLimit(middleware.NewIPLimiter(opts.RatePerSec, opts.RateBurst)))
	r.Use(middleware.CORS(opts.CORSOrigins))

	s := &Server{Router: r, deps: d, opts: opts}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	if s.deps.Handler != nil {
		s.Router.GET("/metrics", gin.WrapH(s.deps.Handler))
	} else {
		s.Router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	s.Router.GET("/ws", s.tokenAuth(true), s.websocket)

	api := s.Router.Group("/api")
	api.POST("/auth/token", s.issueToken)

	protected := api.Group("")
	protected.Use(s.tokenAuth(false), middleware.Timeout(s.opts.Timeout))
	{
		protected.GET("/vault", s.getVaultStatus)
		protected.POST("/vault/initialize", s.initializeVault)
		protected.POST("/vault/unlock", s.unlock)
		protected.POST("/vault/lock", s.lock)

		protected.GET("/profiles", s.getProfiles)
		protected.POST("/profiles", s.saveProfile)
		protected.DELETE("/profiles/:id", s.deleteProfile)
		protected.POST("/profiles/:id/activate", s.activateProfile)

		protected.POST("/connect", s.connect)
		protected.POST("/disconnect", s.disconnect)
		protected.GET("/connection", s.getConnectionStatus)

		protected.POST("/orders", s.placeOrder)
		protected.DELETE("/orders/:symbol/:orderId", s.cancelOrder)
		protected.POST("/kill-switch", s.closeAllPositions)

		protected.GET("/positions", s.getPositions)
		protected.GET("/asl", s.getTrailingStops)
		protected.GET("/asl/:id", s.getTrailingStop)
		protected.DELETE("/asl/:id", s.removeTrailingStop)

		protected.GET("/reconciliation", s.getReconciliation)
		protected.POST("/reconciliation/run", s.runReconciliation)

		protected.GET("/audit", s.getAudit)
		protected.GET("/audit/trades", s.getTrades)
		protected.GET("/audit/export", s.exportAudit)
		protected.DELETE("/audit", s.clearAudit)

		protected.GET("/status", s.getStatus)
		protected.GET("/license", s.getLicense)
		protected.PUT("/license", s.setLicense)

		protected.POST("/proxy/register", s.registerProxy)
		protected.POST("/proxy/clear", s.clearProxy)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": s.opts.Version})
}

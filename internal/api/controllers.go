package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"execution-core/internal/audit"
	"execution-core/internal/errs"
	"execution-core/internal/metadata"
	"execution-core/internal/vault"
)

type passphraseRequest struct {
	Passphrase string `json:"passphrase" binding:"required"`
}

type saveProfileRequest struct {
	Name        string `json:"name" binding:"required,min=1,max=64"`
	Environment string `json:"environment" binding:"required,oneof=test testnet live mainnet"`
	APIKey      string `json:"apiKey" binding:"required"`
	APISecret   string `json:"apiSecret" binding:"required"`
	Passphrase  string `json:"passphrase" binding:"required"`
}

type licenseRequest struct {
	Token string `json:"token"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{"code": code, "error": msg})
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(k errs.Kind) int {
	switch {
	case k == "":
		return http.StatusOK
	case errs.IsValidationKind(k), k == errs.KindWeakPassphrase, k == errs.KindVenueRejected:
		return http.StatusBadRequest
	case k == errs.KindInvalidPassphrase:
		return http.StatusUnauthorized
	case k == errs.KindLicenseRequired:
		return http.StatusForbidden
	case k == errs.KindProfileNotFound:
		return http.StatusNotFound
	case k == errs.KindNoActiveProfile:
		return http.StatusConflict
	case k == errs.KindRequestTimeout:
		return http.StatusGatewayTimeout
	case k == errs.KindConnectionFailed:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// respondResult writes r with the status of its error kind.
func respondResult(c *gin.Context, r errs.Result) {
	if r.Success {
		c.JSON(http.StatusOK, r)
		return
	}
	c.JSON(statusFor(r.Error), r)
}

func respondErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, vault.ErrVaultInitialized), errors.Is(err, vault.ErrProfileLimit):
		c.JSON(http.StatusConflict, errs.Fail(err))
	case errors.Is(err, vault.ErrVaultNotInitialized):
		c.JSON(http.StatusPreconditionFailed, errs.Fail(err))
	default:
		respondResult(c, errs.Fail(err))
	}
}

func (s *Server) getVaultStatus(c *gin.Context) {
	initialized, err := s.deps.Vault.IsInitialized(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	active, unlocked := s.deps.Vault.ActiveProfile()
	body := gin.H{"initialized": initialized, "unlocked": unlocked}
	if unlocked {
		body["activeProfile"] = active
	}
	c.JSON(http.StatusOK, errs.OK(body))
}

func (s *Server) initializeVault(c *gin.Context) {
	var req passphraseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if err := s.deps.Vault.Initialize(c.Request.Context(), req.Passphrase); err != nil {
		respondErr(c, err)
		return
	}
	s.deps.Audit.Info("vault initialized", nil)
	c.JSON(http.StatusOK, errs.OK(nil))
}

// unlock activates the stored profile and reconnects, which is also how a restarted process
// resumes trading.
func (s *Server) unlock(c *gin.Context) {
	var req passphraseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	profile, err := s.deps.Engine.Resume(c.Request.Context(), req.Passphrase)
	if err != nil {
		// A returned profile means the unlock worked and only the connect failed.
		if profile.ID != "" {
			c.JSON(statusFor(errs.KindOf(err)), gin.H{
				"success": false, "profile": profile, "error": errs.KindOf(err), "message": err.Error(),
			})
			return
		}
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, errs.OK(profile))
}

func (s *Server) lock(c *gin.Context) {
	s.deps.Engine.Disconnect()
	s.deps.Vault.Lock()
	c.JSON(http.StatusOK, errs.OK(nil))
}

func (s *Server) getProfiles(c *gin.Context) {
	ctx := c.Request.Context()
	profiles, err := s.deps.Vault.ListProfiles(ctx)
	if err != nil {
		respondErr(c, err)
		return
	}
	activeID, err := s.deps.Vault.GetActiveProfileID(ctx)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, errs.OK(gin.H{"profiles": profiles, "activeProfileId": activeID}))
}

func (s *Server) saveProfile(c *gin.Context) {
	var req saveProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	profile, err := s.deps.Vault.SaveProfile(c.Request.Context(), vault.ProfileInput{
		Name:        strings.TrimSpace(req.Name),
		Environment: req.Environment,
		APIKey:      strings.TrimSpace(req.APIKey),
		APISecret:   strings.TrimSpace(req.APISecret),
	}, req.Passphrase)
	if err != nil {
		respondErr(c, err)
		return
	}
	s.deps.Audit.Info("profile saved", map[string]any{"profile": profile.Name, "environment": profile.Environment})
	c.JSON(http.StatusOK, errs.OK(profile))
}

func (s *Server) deleteProfile(c *gin.Context) {
	id := c.Param("id")
	if err := s.deps.Vault.DeleteProfile(c.Request.Context(), id); err != nil {
		respondErr(c, err)
		return
	}
	s.deps.Audit.Info("profile deleted", map[string]any{"profileId": id})
	c.JSON(http.StatusOK, errs.OK(nil))
}

func (s *Server) activateProfile(c *gin.Context) {
	id := c.Param("id")
	if err := s.deps.Vault.SetActiveProfile(c.Request.Context(), id); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, errs.OK(gin.H{"activeProfileId": id, "unlockRequired": true}))
}

func (s *Server) connect(c *gin.Context) {
	if err := s.deps.Engine.Connect(c.Request.Context()); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, errs.OK(s.deps.Engine.ConnectionStatus()))
}

func (s *Server) disconnect(c *gin.Context) {
	s.deps.Engine.Disconnect()
	c.JSON(http.StatusOK, errs.OK(s.deps.Engine.ConnectionStatus()))
}

func (s *Server) getConnectionStatus(c *gin.Context) {
	c.JSON(http.StatusOK, errs.OK(s.deps.Engine.ConnectionStatus()))
}

func (s *Server) placeOrder(c *gin.Context) {
	var req metadata.OrderParams
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if req.Symbol == "" || req.Side == "" {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "symbol and side are required")
		return
	}
	req.Symbol = strings.ToUpper(req.Symbol)
	res := s.deps.Engine.PlaceOrder(c.Request.Context(), req)
	if res.Success {
		c.JSON(http.StatusOK, res)
		return
	}
	c.JSON(statusFor(res.Error), res)
}

func (s *Server) cancelOrder(c *gin.Context) {
	respondResult(c, s.deps.Engine.CancelOrder(c.Request.Context(), strings.ToUpper(c.Param("symbol")), c.Param("orderId")))
}

func (s *Server) closeAllPositions(c *gin.Context) {
	res := s.deps.Engine.CloseAllPositions(c.Request.Context())
	if res.Success {
		c.JSON(http.StatusOK, res)
		return
	}
	c.JSON(statusFor(res.Error), res)
}

func (s *Server) getPositions(c *gin.Context) {
	positions, err := s.deps.Engine.Positions(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, errs.OK(positions))
}

func (s *Server) getTrailingStops(c *gin.Context) {
	c.JSON(http.StatusOK, errs.OK(s.deps.Stops.Positions()))
}

func (s *Server) getTrailingStop(c *gin.Context) {
	rec, ok := s.deps.Stops.Get(strings.ToUpper(c.Param("id")))
	if !ok {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "no trailing stop for "+c.Param("id"))
		return
	}
	c.JSON(http.StatusOK, errs.OK(rec))
}

// removeTrailingStop stops trailing a position. The resting stop order stays on the venue.
func (s *Server) removeTrailingStop(c *gin.Context) {
	id := strings.ToUpper(c.Param("id"))
	if !s.deps.Stops.Remove(id) {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "no trailing stop for "+id)
		return
	}
	s.deps.Audit.Info("trailing stop removed", map[string]any{"position": id})
	c.JSON(http.StatusOK, errs.OK(nil))
}

func (s *Server) getReconciliation(c *gin.Context) {
	if s.deps.Reconciler == nil {
		respondError(c, http.StatusNotFound, "DISABLED", "reconciliation is not running")
		return
	}
	c.JSON(http.StatusOK, errs.OK(s.deps.Reconciler.Last()))
}

func (s *Server) runReconciliation(c *gin.Context) {
	if s.deps.Reconciler == nil {
		respondError(c, http.StatusNotFound, "DISABLED", "reconciliation is not running")
		return
	}
	report, err := s.deps.Reconciler.Reconcile(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, errs.OK(report))
}

func (s *Server) getAudit(c *gin.Context) {
	c.JSON(http.StatusOK, errs.OK(s.deps.Audit.Entries(audit.Type(c.Query("type")))))
}

func (s *Server) getTrades(c *gin.Context) {
	c.JSON(http.StatusOK, errs.OK(s.deps.Audit.Trades()))
}

func (s *Server) exportAudit(c *gin.Context) {
	data, err := s.deps.Audit.Export(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="audit-log.json"`)
	c.Data(http.StatusOK, "application/json", data)
}

func (s *Server) clearAudit(c *gin.Context) {
	s.deps.Audit.Clear()
	c.JSON(http.StatusOK, errs.OK(nil))
}

func (s *Server) getStatus(c *gin.Context) {
	body := gin.H{
		"version":    s.opts.Version,
		"connection": s.deps.Engine.ConnectionStatus(),
		"trailing":   len(s.deps.Stops.Positions()),
	}
	if s.deps.Metrics != nil {
		body["metrics"] = s.deps.Metrics.Snapshot()
	}
	c.JSON(http.StatusOK, errs.OK(body))
}

func (s *Server) getLicense(c *gin.Context) {
	if s.deps.Gate == nil {
		c.JSON(http.StatusOK, errs.OK(gin.H{"plan": "free", "mainnet": false}))
		return
	}
	c.JSON(http.StatusOK, errs.OK(gin.H{"state": s.deps.Gate.State(), "mainnet": s.deps.Gate.MainnetAllowed()}))
}

// setLicense stores a new license token. An empty token drops the license.
func (s *Server) setLicense(c *gin.Context) {
	if s.deps.Gate == nil {
		respondError(c, http.StatusNotFound, "DISABLED", "licensing is not configured")
		return
	}
	var req licenseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	s.deps.Gate.SetToken(strings.TrimSpace(req.Token))
	state := s.deps.Gate.State()
	log.Info().Str("plan", state.Plan).Bool("active", state.Active).Msg("license updated")
	s.deps.Audit.Info("license updated", map[string]any{"plan": state.Plan, "active": state.Active})
	c.JSON(http.StatusOK, errs.OK(gin.H{"state": state, "mainnet": s.deps.Gate.MainnetAllowed()}))
}

func (s *Server) registerProxy(c *gin.Context) {
	if err := s.deps.Engine.RegisterProxySession(c.Request.Context()); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, errs.OK(nil))
}

func (s *Server) clearProxy(c *gin.Context) {
	if err := s.deps.Engine.ClearProxySession(c.Request.Context()); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, errs.OK(nil))
}

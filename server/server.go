// Package server exposes the facilitator over HTTP: verification,
// settlement, audit queries, webhook management, discovery and health.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/x402kit/facilitator/audit"
	"github.com/x402kit/facilitator/chain"
	"github.com/x402kit/facilitator/discovery"
	"github.com/x402kit/facilitator/exact"
	"github.com/x402kit/facilitator/pricing"
	"github.com/x402kit/facilitator/replay"
	"github.com/x402kit/facilitator/token"
	"github.com/x402kit/facilitator/types"
	"github.com/x402kit/facilitator/webhook"
)

// Server wires the HTTP surface to the core.
type Server struct {
	verifier     *exact.Verifier
	orchestrator *exact.Orchestrator
	records      audit.Store
	nonces       replay.Store
	hooks        *webhook.Dispatcher
	catalog      *discovery.Catalog
	registry     *token.Registry
	prices       *pricing.Cache
	network      types.Network
	splitterAddr string

	ready  atomic.Bool
	logger *slog.Logger
}

// Options configure a server.
type Options struct {
	Verifier      *exact.Verifier
	Orchestrator  *exact.Orchestrator
	Records       audit.Store
	Nonces        replay.Store
	Hooks         *webhook.Dispatcher
	Catalog       *discovery.Catalog
	Registry      *token.Registry
	Prices        *pricing.Cache
	Network       types.Network
	SplitterAddr  string
	Logger        *slog.Logger
}

// New builds the server. Call SetReady once stores and the signer are
// connected; until then every payment route answers 503.
func New(opts Options) *Server {
	return &Server{
		verifier:     opts.Verifier,
		orchestrator: opts.Orchestrator,
		records:      opts.Records,
		nonces:       opts.Nonces,
		hooks:        opts.Hooks,
		catalog:      opts.Catalog,
		registry:     opts.Registry,
		prices:       opts.Prices,
		network:      opts.Network,
		splitterAddr: opts.SplitterAddr,
		logger:       opts.Logger,
	}
}

// SetReady marks initialization complete.
func (s *Server) SetReady() {
	s.ready.Store(true)
}

// Router assembles the gin engine with every route registered.
func (s *Server) Router(rateLimit int, rateWindow time.Duration) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	if rateLimit > 0 {
		r.Use(newRateLimiter(rateLimit, rateWindow).middleware())
	}

	r.GET("/supported", s.handleSupported)
	r.POST("/verify", s.handleVerify)
	r.POST("/verify/quick", s.handleVerifyQuick)
	r.POST("/settle", s.handleSettle)
	r.GET("/settle/recent", s.handleRecent)
	r.GET("/settle/stats", s.handleStats)
	r.POST("/webhooks", s.handleWebhookRegister)
	r.GET("/webhooks", s.handleWebhookList)
	r.DELETE("/webhooks/:id", s.handleWebhookDelete)
	r.GET("/discovery/resources", s.handleDiscovery)
	r.GET("/health", s.handleHealth)

	return r
}

// paymentRequest accepts both field spellings: newer clients send
// paymentPayload, older ones send payload; x402Version may arrive at
// the top level instead of nested.
type paymentRequest struct {
	X402Version         int                        `json:"x402Version,omitempty"`
	PaymentPayload      *types.PaymentPayload      `json:"paymentPayload,omitempty"`
	Payload             *types.PaymentPayload      `json:"payload,omitempty"`
	PaymentRequirements *types.PaymentRequirements `json:"paymentRequirements,omitempty"`
}

func (req *paymentRequest) resolve() (*types.PaymentPayload, *types.PaymentRequirements, bool) {
	payload := req.PaymentPayload
	if payload == nil {
		payload = req.Payload
	}
	if payload == nil || req.PaymentRequirements == nil {
		return nil, nil, false
	}
	if payload.X402Version == 0 && req.X402Version != 0 {
		payload.X402Version = req.X402Version
	}
	return payload, req.PaymentRequirements, true
}

func (s *Server) handleSupported(c *gin.Context) {
	kinds := make([]gin.H, 0, len(chain.SupportedNetworks()))
	for _, network := range chain.SupportedNetworks() {
		kinds = append(kinds, gin.H{
			"x402Version": 2,
			"scheme":      types.SchemeExact,
			"network":     network,
		})
	}

	tokens := make([]gin.H, 0)
	for _, rec := range s.registry.All() {
		tokens = append(tokens, gin.H{
			"address":   rec.Address,
			"symbol":    rec.Symbol,
			"decimals":  rec.Decimals,
			"feeBps":    rec.FeeBps,
			"feeExempt": rec.FeeExempt,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"kinds":    kinds,
		"tokens":   tokens,
		"versions": []int{1, 2},
	})
}

func (s *Server) handleVerify(c *gin.Context) {
	s.verifyWith(c, s.verifier.Verify)
}

func (s *Server) handleVerifyQuick(c *gin.Context) {
	s.verifyWith(c, s.verifier.VerifyQuick)
}

func (s *Server) verifyWith(c *gin.Context, verify func(context.Context, types.PaymentPayload, types.PaymentRequirements) types.VerifyResult) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "facilitator initializing"})
		return
	}

	var req paymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request"})
		return
	}
	payload, requirements, ok := req.resolve()
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "paymentPayload and paymentRequirements are required"})
		return
	}

	result := verify(c.Request.Context(), *payload, *requirements)

	// The allowance-missing case needs a user action before retrying,
	// so it gets its own status.
	if !result.IsValid && result.InvalidReason == types.ReasonOuterAllowanceRequired {
		c.JSON(http.StatusPreconditionFailed, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleSettle(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":       "facilitator initializing",
			"errorReason": types.ReasonFacilitatorNotConfigured,
		})
		return
	}

	var req paymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request"})
		return
	}
	payload, requirements, ok := req.resolve()
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "paymentPayload and paymentRequirements are required"})
		return
	}

	// Settlement failures still answer 200: the settlement attempt
	// itself was a successful interaction.
	result := s.orchestrator.Settle(c.Request.Context(), *payload, *requirements)
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleRecent(c *gin.Context) {
	limit := 20
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	records, err := s.records.Recent(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("recent records read failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store unavailable"})
		return
	}

	out := make([]gin.H, 0, len(records))
	for _, rec := range records {
		out = append(out, gin.H{
			"id":        rec.ID,
			"payer":     redact(rec.Payer),
			"receiver":  redact(rec.Receiver),
			"symbol":    rec.TokenSymbol,
			"amount":    rec.Amount,
			"fee":       rec.Fee,
			"network":   rec.Network,
			"status":    rec.Status,
			"protocol":  rec.Protocol,
			"createdAt": rec.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"transactions": out})
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.records.Stats(c.Request.Context())
	if err != nil {
		s.logger.Error("stats read failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store unavailable"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

type webhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events,omitempty"`
	Secret string   `json:"secret,omitempty"`
}

func (s *Server) handleWebhookRegister(c *gin.Context) {
	var req webhookRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.URL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}

	reg, err := s.hooks.Register(req.URL, req.Secret, req.Events)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, reg)
}

func (s *Server) handleWebhookList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"webhooks": s.hooks.List()})
}

func (s *Server) handleWebhookDelete(c *gin.Context) {
	if err := s.hooks.Deactivate(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deactivated": true})
}

func (s *Server) handleDiscovery(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"resources": s.catalog.List()})
}

func (s *Server) handleHealth(c *gin.Context) {
	warnings := make([]string, 0)
	if !s.nonces.Durable() {
		warnings = append(warnings, "replay store is not durable; unsuitable for production")
	}
	if s.prices != nil && s.prices.Stale() {
		warnings = append(warnings, "price source is stale")
	}
	if s.splitterAddr == "" {
		warnings = append(warnings, "fee splitter not configured")
	}

	status := "ok"
	if !s.ready.Load() {
		status = "initializing"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   status,
		"network":  s.network,
		"warnings": warnings,
	})
}

// redact shortens an address for external consumers the same way log
// lines do.
func redact(addr string) string {
	if len(addr) < 12 {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-4:]
}

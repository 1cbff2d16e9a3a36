package gateway

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tradewire/terminal-api/internal/auth"
	"github.com/tradewire/terminal-api/internal/types"
	"github.com/tradewire/terminal-api/pkg/middleware"
	"github.com/tradewire/terminal-api/pkg/response"
)

// GinHandlers contains the HTTP handlers for the gateway API.
type GinHandlers struct {
	gateway *Gateway
	auth    *auth.Service
}

func NewGinHandlers(g *Gateway, authService *auth.Service) *GinHandlers {
	return &GinHandlers{gateway: g, auth: authService}
}

// SetupRouter builds the gin engine with all routes registered.
func (h *GinHandlers) SetupRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger())

	router.GET("/health", h.HealthHandler())

	v1 := router.Group("/api/v1")
	v1.POST("/auth/token", h.TokenHandler())

	authed := v1.Group("")
	authed.Use(middleware.JWTAuth(h.auth))
	{
		authed.POST("/connect", h.ConnectHandler())
		authed.POST("/disconnect", h.DisconnectHandler())
		authed.GET("/account/status", h.AccountStatusHandler())
		authed.GET("/account/info", h.AccountInfoHandler())

		authed.POST("/orders", h.SubmitOrderHandler())
		authed.GET("/orders", h.OrderHistoryHandler())
		authed.GET("/orders/:client_order_id", h.GetOrderHandler())
		authed.DELETE("/orders/:client_order_id", h.CancelOrderHandler())

		authed.GET("/positions", h.PositionsHandler())
		authed.POST("/positions/:ticket/close", h.ClosePositionHandler())

		authed.GET("/symbols", h.SymbolsHandler())
		authed.GET("/market/quotes", h.QuotesHandler())
		authed.GET("/market/quotes/:symbol", h.QuoteHandler())
		authed.GET("/market/history/:symbol", h.HistoryHandler())

		authed.GET("/ws", h.StreamHandler())
	}

	return router
}

type tokenRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// TokenHandler issues a JWT for the given user id. Identity federation
// sits in front of the gateway in production; this endpoint backs local
// and simulation use.
func (h *GinHandlers) TokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req tokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}
		token, err := h.auth.GenerateToken(req.UserID)
		response.Handle(c, token, err)
	}
}

type connectRequest struct {
	Login    int64  `json:"login"`
	Password string `json:"password"`
	Server   string `json:"server"`
}

// ConnectHandler establishes the user's broker session. A body with
// login details stores a fresh credential; an empty body reconnects
// with the stored one.
func (h *GinHandlers) ConnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.UserID(c)

		var cred *types.BrokerCredential
		var req connectRequest
		if err := c.ShouldBindJSON(&req); err == nil && req.Login != 0 {
			cred = &types.BrokerCredential{
				Login:    req.Login,
				Password: req.Password,
				Server:   req.Server,
			}
		}

		info, err := h.gateway.ConnectAccount(c.Request.Context(), userID, cred)
		response.Handle(c, info, err)
	}
}

func (h *GinHandlers) DisconnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		err := h.gateway.DisconnectAccount(c.Request.Context(), middleware.UserID(c))
		response.Handle(c, gin.H{"disconnected": err == nil}, err)
	}
}

func (h *GinHandlers) AccountStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		state := h.gateway.AccountStatus(middleware.UserID(c))
		response.Success(c, gin.H{"state": state})
	}
}

func (h *GinHandlers) AccountInfoHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		info, err := h.gateway.AccountInfo(c.Request.Context(), middleware.UserID(c))
		response.Handle(c, info, err)
	}
}

func (h *GinHandlers) SubmitOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.OrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}
		req.UserID = middleware.UserID(c)

		rec, err := h.gateway.SubmitOrder(c.Request.Context(), req)
		response.Handle(c, rec, err)
	}
}

func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rec, err := h.gateway.GetOrder(middleware.UserID(c), c.Param("client_order_id"))
		response.Handle(c, rec, err)
	}
}

func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rec, err := h.gateway.CancelOrder(c.Request.Context(), middleware.UserID(c), c.Param("client_order_id"))
		response.Handle(c, rec, err)
	}
}

func (h *GinHandlers) OrderHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		records, err := h.gateway.OrderHistory(middleware.UserID(c), limit)
		response.Handle(c, records, err)
	}
}

func (h *GinHandlers) PositionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		positions, err := h.gateway.Positions(c.Request.Context(), middleware.UserID(c))
		response.Handle(c, positions, err)
	}
}

type closePositionRequest struct {
	Volume float64 `json:"volume"`
}

// ClosePositionHandler closes a position fully, or partially when a
// volume is supplied.
func (h *GinHandlers) ClosePositionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req closePositionRequest
		_ = c.ShouldBindJSON(&req)

		res, err := h.gateway.ClosePosition(c.Request.Context(), middleware.UserID(c), c.Param("ticket"), req.Volume)
		response.Handle(c, res, err)
	}
}

func (h *GinHandlers) SymbolsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.gateway.Symbols())
	}
}

func (h *GinHandlers) QuotesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.gateway.Quotes())
	}
}

func (h *GinHandlers) QuoteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tick, err := h.gateway.Quote(middleware.UserID(c), c.Param("symbol"))
		response.Handle(c, tick, err)
	}
}

func (h *GinHandlers) HistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		count, _ := strconv.Atoi(c.DefaultQuery("count", "100"))
		bars, err := h.gateway.HistoricalData(
			c.Request.Context(),
			middleware.UserID(c),
			c.Param("symbol"),
			c.DefaultQuery("timeframe", "M1"),
			count,
		)
		response.Handle(c, bars, err)
	}
}

// HealthHandler serves the full health report. Unhealthy reports get a
// 503 so load balancers can act on status codes alone.
func (h *GinHandlers) HealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report := h.gateway.HealthReport()
		status := http.StatusOK
		if report.Status == "unhealthy" {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, report)
	}
}

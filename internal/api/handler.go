package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"commerce-service/internal/apperr"
	"commerce-service/internal/payment"
	"commerce-service/internal/service"
	"commerce-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// UserIDHeader carries the caller identity set by the upstream gateway
const UserIDHeader = "X-User-ID"

const userIDKey = "user_id"

// Pinger is a dependency checked by the readiness endpoint
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services are the core components exposed over HTTP
type Services struct {
	Carts    *service.CartService
	Checkout *service.Checkout
	Orders   *service.OrderService
	Stock    *service.StockLedger
	Payments *service.PaymentCallback
	Webhook  *payment.WebhookVerifier
}

// Handler contains HTTP handlers
type Handler struct {
	svc    Services
	checks map[string]Pinger
	logger *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(svc Services) *Handler {
	return &Handler{
		svc:    svc,
		checks: make(map[string]Pinger),
		logger: util.ComponentLogger("http"),
	}
}

// AddReadinessCheck registers a dependency for /ready
func (h *Handler) AddReadinessCheck(name string, p Pinger) {
	h.checks[name] = p
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.POST("/payments/webhook", h.paymentWebhook)

	user := v1.Group("", requireUser())
	{
		user.GET("/cart", h.getCart)
		user.GET("/cart/count", h.cartCount)
		user.POST("/cart/items", h.addCartItem)
		user.PUT("/cart/items", h.updateCartItem)
		user.DELETE("/cart/items/:productId", h.removeCartItem)
		user.DELETE("/cart", h.clearCart)

		user.POST("/orders", h.createOrder)
		user.GET("/orders", h.listMyOrders)
		user.GET("/orders/:id", h.getOrder)
		user.POST("/orders/:id/cancel", h.cancelOrder)
	}

	admin := v1.Group("/admin")
	{
		admin.GET("/orders", h.listOrders)
		admin.PATCH("/orders/:id/status", h.updateOrderStatus)
		admin.PATCH("/orders/:id/payment-status", h.updatePaymentStatus)
		admin.POST("/orders/:id/refund", h.refundOrder)

		admin.POST("/inventory/validate", h.validateStock)
		admin.POST("/inventory/reserve", h.reserveStock)
		admin.POST("/inventory/restore", h.restoreStock)
		admin.GET("/inventory/low-stock", h.lowStock)
		admin.GET("/inventory/out-of-stock", h.outOfStock)
		admin.GET("/inventory/:productId", h.productStock)
		admin.POST("/inventory/:productId/adjust", h.adjustStock)
		admin.PUT("/inventory/:productId/stock", h.setStock)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every registered dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "not ready",
			"details": failed,
			"time":    time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// requireUser rejects requests without a caller identity
func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(UserIDHeader)
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing " + UserIDHeader + " header",
				"code":  "unauthenticated",
			})
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

func currentUser(c *gin.Context) string {
	return c.GetString(userIDKey)
}

// respondError maps a domain error to its HTTP status. Unclassified errors
// are logged and answered without details.
func (h *Handler) respondError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(status, gin.H{
			"error": "Internal server error",
			"code":  apperr.CodeOf(err),
		})
		return
	}

	c.JSON(status, gin.H{
		"error": err.Error(),
		"code":  apperr.CodeOf(err),
	})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "Invalid request body",
		"code":    apperr.ErrInvalidInput.Code,
		"details": err.Error(),
	})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}

package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/payment"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Pinger reports whether a backing dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	orderService *service.OrderService
	coordinator  *service.FulfillmentCoordinator
	ledger       *service.InventoryLedger
	store        Pinger
	logger       *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	orderService *service.OrderService,
	coordinator *service.FulfillmentCoordinator,
	ledger *service.InventoryLedger,
	store Pinger,
) *Handler {
	return &Handler{
		orderService: orderService,
		coordinator:  coordinator,
		ledger:       ledger,
		store:        store,
		logger:       util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/payments/callback", h.paymentCallback)
		v1.POST("/payments/ipn", h.paymentCallback)

		v1.POST("/orders", h.createOrder)
		v1.GET("/orders/:id", h.getOrder)
		v1.PATCH("/orders/:id/status", h.updateOrderStatus)

		v1.POST("/inventory", h.createInventory)
		v1.GET("/inventory/:productId", h.getInventory)
		v1.GET("/inventory/:productId/availability", h.checkAvailability)
		v1.POST("/inventory/:productId/adjust", h.adjustStock)
		v1.GET("/inventory/:productId/movements", h.listMovements)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready only when the store answers
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "not ready",
			"details": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// paymentCallback handles gateway success callbacks and IPN deliveries
func (h *Handler) paymentCallback(c *gin.Context) {
	var form payment.CallbackForm
	if err := c.ShouldBind(&form); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"status":  models.CallbackRejected,
			"error":   "Invalid callback payload",
			"details": err.Error(),
		})
		return
	}

	cb, err := payment.ParseCallback(&form)
	if err != nil {
		util.PaymentCallbacksTotal.WithLabelValues(service.ErrorReason(err)).Inc()
		h.logger.Warn("Payment callback rejected at adapter",
			zap.String("order_id", form.TransactionID),
			zap.String("val_id", form.ValidationID),
			zap.String("status", form.Status),
			zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{
			"status":   models.CallbackRejected,
			"order_id": form.TransactionID,
			"error":    err.Error(),
		})
		return
	}

	result, err := h.coordinator.HandlePaymentCallback(c.Request.Context(), cb)
	if err != nil {
		body := gin.H{
			"status":   models.CallbackRejected,
			"order_id": cb.TransactionID,
			"error":    err.Error(),
		}
		c.JSON(statusFor(err), body)
		return
	}

	c.JSON(http.StatusOK, result)
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	order, err := h.orderService.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		respondError(c, "Failed to create order", err)
		return
	}

	c.JSON(http.StatusCreated, order)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	order, err := h.orderService.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "Order not found", err)
		return
	}

	c.JSON(http.StatusOK, order)
}

// UpdateStatusRequest represents a manual status transition
type UpdateStatusRequest struct {
	Status      models.OrderStatus `json:"status" binding:"required"`
	Actor       string             `json:"actor"`
	Location    string             `json:"location"`
	Description string             `json:"description"`
}

// updateOrderStatus handles operator and carrier transitions
func (h *Handler) updateOrderStatus(c *gin.Context) {
	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	if req.Actor == "" {
		req.Actor = "operator"
	}

	order, err := h.coordinator.UpdateOrderStatus(c.Request.Context(), c.Param("id"), req.Status, models.TransitionMetadata{
		Actor:       req.Actor,
		Location:    req.Location,
		Description: req.Description,
	})
	if err != nil {
		respondError(c, "Failed to update order status", err)
		return
	}

	c.JSON(http.StatusOK, order)
}

// CreateInventoryRequest represents a new product's stock record
type CreateInventoryRequest struct {
	ProductID    string `json:"product_id" binding:"required"`
	InitialCount int    `json:"initial_count" binding:"min=0"`
}

// createInventory handles product stock creation
func (h *Handler) createInventory(c *gin.Context) {
	var req CreateInventoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	rec, err := h.ledger.CreateRecord(c.Request.Context(), req.ProductID, req.InitialCount)
	if err != nil {
		respondError(c, "Failed to create inventory record", err)
		return
	}

	c.JSON(http.StatusCreated, rec)
}

// getInventory handles get inventory by product ID
func (h *Handler) getInventory(c *gin.Context) {
	rec, err := h.ledger.GetRecord(c.Request.Context(), c.Param("productId"))
	if err != nil {
		respondError(c, "Inventory not found", err)
		return
	}

	c.JSON(http.StatusOK, rec)
}

// checkAvailability handles availability lookups
func (h *Handler) checkAvailability(c *gin.Context) {
	quantity, err := strconv.Atoi(c.DefaultQuery("quantity", "1"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid quantity",
		})
		return
	}

	productID := c.Param("productId")
	available, err := h.ledger.CheckAvailability(c.Request.Context(), productID, quantity)
	if err != nil {
		respondError(c, "Failed to check availability", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"product_id": productID,
		"quantity":   quantity,
		"available":  available,
	})
}

// AdjustStockRequest represents an administrative stock correction
type AdjustStockRequest struct {
	Delta  int                   `json:"delta" binding:"required"`
	Reason models.MovementReason `json:"reason"`
	Note   string                `json:"note"`
}

// adjustStock handles administrative corrections
func (h *Handler) adjustStock(c *gin.Context) {
	var req AdjustStockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	if req.Reason == "" {
		req.Reason = models.MovementAdjustment
	}

	rec, err := h.coordinator.AdjustStock(c.Request.Context(), c.Param("productId"), req.Delta, req.Reason, req.Note)
	if err != nil {
		respondError(c, "Failed to adjust stock", err)
		return
	}

	c.JSON(http.StatusOK, rec)
}

// listMovements handles movement history reads
func (h *Handler) listMovements(c *gin.Context) {
	movements, err := h.ledger.Movements(c.Request.Context(), c.Param("productId"))
	if err != nil {
		respondError(c, "Failed to list movements", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"product_id": c.Param("productId"),
		"movements":  movements,
	})
}

func respondError(c *gin.Context, msg string, err error) {
	c.JSON(statusFor(err), gin.H{
		"error":   msg,
		"reason":  service.ErrorReason(err),
		"details": err.Error(),
	})
}

// statusFor maps a domain error to its HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrOrderNotFound), errors.Is(err, models.ErrProductNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrInsufficientStock),
		errors.Is(err, models.ErrNegativeStock),
		errors.Is(err, models.ErrInvalidRelease),
		errors.Is(err, models.ErrInvalidConfirmation),
		errors.Is(err, models.ErrProductExists):
		return http.StatusConflict
	case errors.Is(err, models.ErrInvalidQuantity),
		errors.Is(err, models.ErrInvalidReason),
		errors.Is(err, models.ErrInvalidOrder),
		errors.Is(err, payment.ErrInvalidCallback),
		errors.Is(err, models.ErrVerificationFailed):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrVerificationTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, models.ErrLockTimeout):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrAmountMismatch):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
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

package api

import (
	"net/http"
	"strconv"

	"commerce-service/internal/apperr"
	"commerce-service/internal/models"

	"github.com/gin-gonic/gin"
)

type stockLinesRequest struct {
	Items []models.StockLine `json:"items" binding:"required,min=1,dive"`
}

type adjustRequest struct {
	VariantID string `json:"variant_id"`
	Delta     int    `json:"delta"`
	Reason    string `json:"reason"`
}

type setStockRequest struct {
	Quantity *int `json:"quantity" binding:"required"`
}

func (h *Handler) validateStock(c *gin.Context) {
	var req stockLinesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if err := h.svc.Stock.ValidateStock(c.Request.Context(), req.Items); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

func (h *Handler) reserveStock(c *gin.Context) {
	var req stockLinesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if err := h.svc.Stock.ReserveStock(c.Request.Context(), req.Items); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reserved": true})
}

func (h *Handler) restoreStock(c *gin.Context) {
	var req stockLinesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if err := h.svc.Stock.RestoreStock(c.Request.Context(), req.Items); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"restored": true})
}

func (h *Handler) adjustStock(c *gin.Context) {
	var req adjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	productID := c.Param("productId")
	var (
		quantity int
		err      error
	)
	if req.VariantID != "" {
		quantity, err = h.svc.Stock.AdjustVariantStock(c.Request.Context(), productID, req.VariantID, req.Delta, req.Reason)
	} else {
		quantity, err = h.svc.Stock.AdjustStock(c.Request.Context(), productID, req.Delta, req.Reason)
	}
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"product_id": productID,
		"variant_id": req.VariantID,
		"quantity":   quantity,
	})
}

func (h *Handler) setStock(c *gin.Context) {
	var req setStockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	productID := c.Param("productId")
	if err := h.svc.Stock.SetStock(c.Request.Context(), productID, *req.Quantity); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"product_id": productID, "quantity": *req.Quantity})
}

func (h *Handler) productStock(c *gin.Context) {
	quantity, err := h.svc.Stock.GetProductStock(c.Request.Context(), c.Param("productId"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"product_id":   c.Param("productId"),
		"quantity":     quantity,
		"low_stock":    h.svc.Stock.IsLowStock(quantity, 0),
		"out_of_stock": h.svc.Stock.IsOutOfStock(quantity),
	})
}

// lowStock reports products and variants at or below the threshold
func (h *Handler) lowStock(c *gin.Context) {
	threshold := 0
	if raw := c.Query("threshold"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.respondError(c, apperr.ErrInvalidInput)
			return
		}
		threshold = n
	}

	products, err := h.svc.Stock.GetLowStockProducts(c.Request.Context(), threshold)
	if err != nil {
		h.respondError(c, err)
		return
	}
	variants, err := h.svc.Stock.GetLowStockVariants(c.Request.Context(), threshold)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"products": products, "variants": variants})
}

func (h *Handler) outOfStock(c *gin.Context) {
	products, err := h.svc.Stock.GetOutOfStockProducts(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": products})
}

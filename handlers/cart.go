package handlers

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Chachompoo/chaploy-project/models"
)

// CartHandler prices client-held cart state against the live catalog. The
// client never supplies a price or a name; lines whose product is gone are
// silently dropped.
type CartHandler struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewCartHandler(db *sql.DB, logger *zap.Logger) *CartHandler {
	return &CartHandler{
		db:     db,
		logger: logger,
	}
}

func (h *CartHandler) ResolveCart(c *gin.Context) {
	ctx, span := otel.Tracer("chaploy-shop").Start(c.Request.Context(), "ResolveCart")
	defer span.End()

	var req models.ResolveCartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resolved := make([]models.ResolvedLine, 0, len(req.Lines))
	subtotal := 0.0

	for _, line := range mergeLines(req.Lines) {
		var name string
		var price float64
		err := h.db.QueryRowContext(ctx,
			"SELECT name, price FROM products WHERE id = $1",
			line.ProductID,
		).Scan(&name, &price)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				// product no longer exists, drop the line
				continue
			}
			span.RecordError(err)
			h.logger.Error("Failed to resolve cart line", zap.Int("product_id", line.ProductID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}

		lineSubtotal := price * float64(line.Quantity)
		resolved = append(resolved, models.ResolvedLine{
			ProductID: line.ProductID,
			Name:      name,
			UnitPrice: price,
			Quantity:  line.Quantity,
			Subtotal:  lineSubtotal,
		})
		subtotal += lineSubtotal
	}

	span.SetAttributes(attribute.Int("cart.lines", len(resolved)))
	c.JSON(http.StatusOK, models.ResolveCartResponse{
		Lines:    resolved,
		Subtotal: subtotal,
	})
}

// IncrementCheck is the interactive stock guard used while a customer
// builds a cart: may one more unit of this product be added?
func (h *CartHandler) IncrementCheck(c *gin.Context) {
	ctx, span := otel.Tracer("chaploy-shop").Start(c.Request.Context(), "IncrementCheck")
	defer span.End()

	var req models.IncrementCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	span.SetAttributes(
		attribute.Int("product.id", req.ProductID),
		attribute.Int("cart.current_qty", req.CurrentQty),
	)

	var stock int
	err := h.db.QueryRowContext(ctx,
		"SELECT stock FROM products WHERE id = $1",
		req.ProductID,
	).Scan(&stock)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Product not found"})
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to check stock", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	resp := models.IncrementCheckResponse{Stock: stock}
	if req.CurrentQty >= stock {
		resp.Allowed = false
		resp.Reason = "out of stock"
	} else {
		resp.Allowed = true
	}
	c.JSON(http.StatusOK, resp)
}

// mergeLines folds duplicate product references into one line, preserving
// first-seen order.
func mergeLines(lines []models.CartLine) []models.CartLine {
	index := make(map[int]int, len(lines))
	merged := make([]models.CartLine, 0, len(lines))
	for _, line := range lines {
		if line.Quantity <= 0 {
			continue
		}
		if i, ok := index[line.ProductID]; ok {
			merged[i].Quantity += line.Quantity
			continue
		}
		index[line.ProductID] = len(merged)
		merged = append(merged, line)
	}
	return merged
}

func parseID(raw string) (int, bool) {
	id, err := strconv.Atoi(raw)
	return id, err == nil && id > 0
}

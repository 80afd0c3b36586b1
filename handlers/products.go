package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Chachompoo/chaploy-project/cache"
	"github.com/Chachompoo/chaploy-project/circuitbreaker"
	"github.com/Chachompoo/chaploy-project/models"
)

const productCacheTTL = 5 * time.Minute

// ProductHandler serves the read side of the catalog that the cart
// resolver and the storefront pages depend on. Catalog writes are an admin
// concern handled elsewhere.
type ProductHandler struct {
	db             *sql.DB
	redisClient    *redis.Client
	logger         *zap.Logger
	circuitBreaker *circuitbreaker.CircuitBreaker
}

func NewProductHandler(db *sql.DB, redisClient *redis.Client, logger *zap.Logger) *ProductHandler {
	return &ProductHandler{
		db:             db,
		redisClient:    redisClient,
		logger:         logger,
		circuitBreaker: circuitbreaker.NewCircuitBreaker(5, 30*time.Second),
	}
}

func (h *ProductHandler) GetProducts(c *gin.Context) {
	ctx, span := otel.Tracer("chaploy-shop").Start(c.Request.Context(), "GetProducts")
	defer span.End()

	rows, err := h.db.QueryContext(ctx,
		"SELECT id, name, description, price, stock, status, image, created_at, updated_at FROM products ORDER BY created_at DESC")
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to fetch products", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	defer rows.Close()

	var products []models.Product
	for rows.Next() {
		var p models.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Stock, &p.Status, &p.Image, &p.CreatedAt, &p.UpdatedAt); err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to scan product", zap.Error(err))
			continue
		}
		products = append(products, p)
	}

	span.SetAttributes(attribute.Int("products.count", len(products)))
	c.JSON(http.StatusOK, products)
}

func (h *ProductHandler) GetProduct(c *gin.Context) {
	ctx, span := otel.Tracer("chaploy-shop").Start(c.Request.Context(), "GetProduct")
	defer span.End()

	id := c.Param("id")
	span.SetAttributes(attribute.String("product.id", id))

	// Try to get from cache first
	if h.redisClient != nil {
		cachedData, err := cache.GetProduct(ctx, h.redisClient, id)
		if err == nil {
			var product models.Product
			if err := json.Unmarshal(cachedData, &product); err == nil {
				span.SetAttributes(attribute.Bool("cache.hit", true))
				c.JSON(http.StatusOK, product)
				return
			}
		}
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	// Get from database with circuit breaker
	var product models.Product
	dbErr := h.circuitBreaker.Execute(ctx, func() error {
		return h.db.QueryRowContext(ctx,
			"SELECT id, name, description, price, stock, status, image, created_at, updated_at FROM products WHERE id = $1",
			id,
		).Scan(&product.ID, &product.Name, &product.Description, &product.Price, &product.Stock, &product.Status, &product.Image, &product.CreatedAt, &product.UpdatedAt)
	})

	if dbErr != nil {
		if errors.Is(dbErr, circuitbreaker.ErrCircuitOpen) {
			span.SetAttributes(attribute.String("circuit.state", "open"))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service temporarily unavailable"})
			return
		}
		if errors.Is(dbErr, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Product not found"})
			return
		}
		span.RecordError(dbErr)
		h.logger.Error("Failed to fetch product", zap.Error(dbErr))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if h.redisClient != nil {
		cache.SetProduct(ctx, h.redisClient, id, product, productCacheTTL)
	}

	c.JSON(http.StatusOK, product)
}

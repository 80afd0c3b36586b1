package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Chachompoo/chaploy-project/cache"
	"github.com/Chachompoo/chaploy-project/kafka"
	"github.com/Chachompoo/chaploy-project/middleware"
	"github.com/Chachompoo/chaploy-project/models"
)

const orderEventsTopic = "order_events"

// FileStore is the slice of blob storage the lifecycle handlers need:
// keeping payment slips and receipts, and removing a slip again when the
// checkout transaction it belongs to rolls back.
type FileStore interface {
	SaveSlip(r io.Reader, originalName string) (string, error)
	SaveReceipt(name string, r io.Reader) (string, error)
	Remove(path string) error
	Exists(path string) bool
}

// CheckoutHandler converts a client cart into a persisted order. Customer
// upsert, stock re-validation, order header, line items, stock decrement and
// the pending payment row all commit in one transaction; the uploaded slip
// is removed again if any of it fails.
type CheckoutHandler struct {
	db          *sql.DB
	producer    sarama.SyncProducer
	files       FileStore
	redisClient *redis.Client
	logger      *zap.Logger
	shippingFee float64
}

func NewCheckoutHandler(db *sql.DB, producer sarama.SyncProducer, files FileStore, redisClient *redis.Client, logger *zap.Logger) *CheckoutHandler {
	fee, err := strconv.ParseFloat(getEnv("SHIPPING_FEE", "0"), 64)
	if err != nil || fee < 0 {
		fee = 0
	}
	return &CheckoutHandler{
		db:          db,
		producer:    producer,
		files:       files,
		redisClient: redisClient,
		logger:      logger,
		shippingFee: fee,
	}
}

// lockedProduct is a product row read under FOR UPDATE inside the checkout
// transaction.
type lockedProduct struct {
	id    int
	name  string
	price float64
	stock int
}

func (h *CheckoutHandler) Checkout(c *gin.Context) {
	ctx, span := otel.Tracer("chaploy-shop").Start(c.Request.Context(), "Checkout")
	defer span.End()

	lines, err := parseCartForm(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(lines) == 0 {
		// empty basket is a no-op, not an error
		c.JSON(http.StatusOK, gin.H{"message": "Your basket is empty"})
		return
	}

	shippingAddress := c.PostForm("shipping_address")
	contactName := c.PostForm("contact_name")
	contactPhone := c.PostForm("contact_phone")
	if shippingAddress == "" || contactName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Shipping address and contact name are required"})
		return
	}

	customerID, loggedIn := middleware.CustomerID(c)
	guestEmail := c.PostForm("email")
	guestFirstname := c.PostForm("firstname")
	if !loggedIn && guestEmail == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Login or an email address is required"})
		return
	}

	slipHeader, err := c.FormFile("slip")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Payment slip is required"})
		return
	}
	slipFile, err := slipHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Payment slip could not be read"})
		return
	}
	defer slipFile.Close()

	slipPath, err := h.files.SaveSlip(slipFile, slipHeader.Filename)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to store payment slip", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	span.SetAttributes(attribute.Int("cart.lines", len(lines)))

	order, customer, err := h.createOrder(ctx, createOrderParams{
		customerID:      customerID,
		loggedIn:        loggedIn,
		guestEmail:      guestEmail,
		guestFirstname:  guestFirstname,
		lines:           lines,
		shippingAddress: shippingAddress,
		contactName:     contactName,
		contactPhone:    contactPhone,
		slipPath:        slipPath,
	})
	if err != nil {
		// the slip must not outlive a failed checkout
		if removeErr := h.files.Remove(slipPath); removeErr != nil {
			h.logger.Error("Failed to remove orphaned slip", zap.String("path", slipPath), zap.Error(removeErr))
		}

		var conflict *models.StockConflictError
		switch {
		case errors.As(err, &conflict):
			span.SetAttributes(attribute.Bool("stock.conflict", true))
			c.JSON(http.StatusConflict, gin.H{
				"error":       "Insufficient stock",
				"product_ids": conflict.ProductIDs,
			})
		case errors.Is(err, models.ErrEmptyCart):
			c.JSON(http.StatusOK, gin.H{"message": "Your basket is empty"})
		case errors.Is(err, sql.ErrNoRows):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Account not found"})
		default:
			span.RecordError(err)
			h.logger.Error("Checkout failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		}
		return
	}

	span.SetAttributes(attribute.Int("order.id", order.ID))

	// post-commit follow-ups: cache invalidation and the created event are
	// best effort, the order already exists
	if h.redisClient != nil {
		for _, line := range lines {
			cache.DeleteProduct(ctx, h.redisClient, strconv.Itoa(line.ProductID))
		}
	}

	middleware.RecordOrderCreated()

	if h.producer != nil {
		event := models.OrderEvent{
			EventType:     models.EventOrderCreated,
			OrderID:       order.ID,
			CustomerID:    customer.ID,
			CustomerName:  customer.FullName(),
			CustomerEmail: customer.Email,
			Total:         order.Total,
		}
		if err := kafka.PublishOrderEvent(ctx, h.producer, orderEventsTopic, event, h.logger); err != nil {
			h.logger.Error("Failed to publish order_created event", zap.Error(err))
		}
	}

	h.logger.Info("Order created",
		zap.Int("order_id", order.ID),
		zap.Int("customer_id", customer.ID),
		zap.Float64("total", order.Total),
	)
	c.JSON(http.StatusCreated, models.CheckoutResponse{
		OrderID: order.ID,
		Total:   order.Total,
	})
}

type createOrderParams struct {
	customerID      int
	loggedIn        bool
	guestEmail      string
	guestFirstname  string
	lines           []models.CartLine
	shippingAddress string
	contactName     string
	contactPhone    string
	slipPath        string
}

// createOrder runs the atomic unit: either the order, its items, the stock
// decrement and the pending payment all exist afterwards, or none of them do.
func (h *CheckoutHandler) createOrder(ctx context.Context, p createOrderParams) (models.Order, models.Customer, error) {
	var order models.Order
	var customer models.Customer

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return order, customer, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	customer, err = h.resolveCustomer(ctx, tx, p)
	if err != nil {
		return order, customer, err
	}

	// lock every referenced product row in id order so two concurrent
	// checkouts over the same products cannot deadlock, and so the stock
	// check and the decrement happen under the same lock
	ids := make([]int64, 0, len(p.lines))
	for _, line := range p.lines {
		ids = append(ids, int64(line.ProductID))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	rows, err := tx.QueryContext(ctx,
		"SELECT id, name, price, stock FROM products WHERE id = ANY($1) ORDER BY id FOR UPDATE",
		pq.Array(ids),
	)
	if err != nil {
		return order, customer, fmt.Errorf("failed to lock products: %w", err)
	}
	locked := make(map[int]lockedProduct)
	for rows.Next() {
		var lp lockedProduct
		if err := rows.Scan(&lp.id, &lp.name, &lp.price, &lp.stock); err != nil {
			rows.Close()
			return order, customer, fmt.Errorf("failed to scan product: %w", err)
		}
		locked[lp.id] = lp
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return order, customer, fmt.Errorf("failed to read products: %w", err)
	}

	// unknown products are dropped; stock shortfalls abort the whole cart
	resolved := make([]models.ResolvedLine, 0, len(p.lines))
	var conflicts []int
	subtotal := 0.0
	for _, line := range p.lines {
		lp, ok := locked[line.ProductID]
		if !ok {
			continue
		}
		if line.Quantity > lp.stock {
			conflicts = append(conflicts, line.ProductID)
			continue
		}
		lineSubtotal := lp.price * float64(line.Quantity)
		resolved = append(resolved, models.ResolvedLine{
			ProductID: lp.id,
			Name:      lp.name,
			UnitPrice: lp.price,
			Quantity:  line.Quantity,
			Subtotal:  lineSubtotal,
		})
		subtotal += lineSubtotal
	}
	if len(conflicts) > 0 {
		sort.Ints(conflicts)
		return order, customer, &models.StockConflictError{ProductIDs: conflicts}
	}
	if len(resolved) == 0 {
		return order, customer, models.ErrEmptyCart
	}

	total := subtotal + h.shippingFee

	err = tx.QueryRowContext(ctx,
		`INSERT INTO orders (customer_id, subtotal, shipping_fee, total, payment_status, order_status, shipping_address, contact_name, contact_phone)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id, created_at`,
		customer.ID, subtotal, h.shippingFee, total,
		models.PaymentStatusPending, models.OrderStatusPending,
		p.shippingAddress, p.contactName, p.contactPhone,
	).Scan(&order.ID, &order.CreatedAt)
	if err != nil {
		return order, customer, fmt.Errorf("failed to insert order: %w", err)
	}

	for _, line := range resolved {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO order_items (order_id, product_id, quantity, unit_price, subtotal) VALUES ($1, $2, $3, $4, $5)",
			order.ID, line.ProductID, line.Quantity, line.UnitPrice, line.Subtotal,
		); err != nil {
			return order, customer, fmt.Errorf("failed to insert order item: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE products SET stock = stock - $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2",
			line.Quantity, line.ProductID,
		); err != nil {
			return order, customer, fmt.Errorf("failed to decrement stock: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO payments (order_id, amount, slip_path, status) VALUES ($1, $2, $3, $4)",
		order.ID, total, p.slipPath, models.PaymentStatePending,
	); err != nil {
		return order, customer, fmt.Errorf("failed to insert payment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return order, customer, fmt.Errorf("failed to commit checkout: %w", err)
	}

	order.CustomerID = customer.ID
	order.Subtotal = subtotal
	order.ShippingFee = h.shippingFee
	order.Total = total
	order.PaymentStatus = models.PaymentStatusPending
	order.OrderStatus = models.OrderStatusPending
	return order, customer, nil
}

// resolveCustomer finds the acting customer inside the checkout
// transaction: by authenticated id, else by email lookup, else by creating
// a fresh customer record for a guest.
func (h *CheckoutHandler) resolveCustomer(ctx context.Context, tx *sql.Tx, p createOrderParams) (models.Customer, error) {
	var customer models.Customer

	if p.loggedIn {
		err := tx.QueryRowContext(ctx,
			"SELECT id, firstname, lastname, email FROM customers WHERE id = $1",
			p.customerID,
		).Scan(&customer.ID, &customer.Firstname, &customer.Lastname, &customer.Email)
		if err != nil {
			return customer, err
		}
		return customer, nil
	}

	err := tx.QueryRowContext(ctx,
		"SELECT id, firstname, lastname, email FROM customers WHERE email = $1",
		p.guestEmail,
	).Scan(&customer.ID, &customer.Firstname, &customer.Lastname, &customer.Email)
	if err == nil {
		return customer, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return customer, fmt.Errorf("failed to look up customer: %w", err)
	}

	firstname := p.guestFirstname
	if firstname == "" {
		firstname = p.contactName
	}
	err = tx.QueryRowContext(ctx,
		"INSERT INTO customers (firstname, email, phone) VALUES ($1, $2, $3) RETURNING id",
		firstname, p.guestEmail, p.contactPhone,
	).Scan(&customer.ID)
	if err != nil {
		return customer, fmt.Errorf("failed to create customer: %w", err)
	}
	customer.Firstname = firstname
	customer.Email = p.guestEmail
	return customer, nil
}

func parseCartForm(c *gin.Context) ([]models.CartLine, error) {
	raw := c.PostForm("cart")
	if raw == "" {
		return nil, nil
	}
	var lines []models.CartLine
	if err := json.Unmarshal([]byte(raw), &lines); err != nil {
		return nil, fmt.Errorf("invalid cart payload")
	}
	for _, line := range lines {
		if line.ProductID <= 0 || line.Quantity <= 0 {
			return nil, fmt.Errorf("cart lines need a product id and a positive quantity")
		}
	}
	return mergeLines(lines), nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

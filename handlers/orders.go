package handlers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Chachompoo/chaploy-project/kafka"
	"github.com/Chachompoo/chaploy-project/middleware"
	"github.com/Chachompoo/chaploy-project/models"
)

// OrderHandler serves order reads and drives the order status state
// machine: staff fulfilment updates and customer/staff cancellation.
type OrderHandler struct {
	db       *sql.DB
	producer sarama.SyncProducer
	logger   *zap.Logger
}

func NewOrderHandler(db *sql.DB, producer sarama.SyncProducer, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{
		db:       db,
		producer: producer,
		logger:   logger,
	}
}

type orderSummary struct {
	ID            int     `json:"id"`
	Subtotal      float64 `json:"subtotal"`
	ShippingFee   float64 `json:"shipping_fee"`
	Total         float64 `json:"total"`
	PaymentStatus string  `json:"payment_status"`
	OrderStatus   string  `json:"order_status"`
	StatusLabel   string  `json:"status_label"`
	SlipPath      string  `json:"slip_path,omitempty"`
	CreatedAt     string  `json:"created_at"`
}

// ListMyOrders returns the purchase history of the authenticated customer.
func (h *OrderHandler) ListMyOrders(c *gin.Context) {
	ctx, span := otel.Tracer("chaploy-shop").Start(c.Request.Context(), "ListMyOrders")
	defer span.End()

	customerID, _ := middleware.CustomerID(c)

	rows, err := h.db.QueryContext(ctx,
		`SELECT o.id, o.subtotal, o.shipping_fee, o.total, o.payment_status, o.order_status, o.created_at, s.fullname, p.slip_path
		 FROM orders o
		 LEFT JOIN staff s ON o.cancelled_by = s.id
		 LEFT JOIN payments p ON p.order_id = o.id
		 WHERE o.customer_id = $1
		 ORDER BY o.created_at DESC`,
		customerID,
	)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to list orders", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	defer rows.Close()

	summaries := make([]orderSummary, 0)
	for rows.Next() {
		var s orderSummary
		var created sql.NullTime
		var staffName, slipPath sql.NullString
		if err := rows.Scan(&s.ID, &s.Subtotal, &s.ShippingFee, &s.Total, &s.PaymentStatus, &s.OrderStatus, &created, &staffName, &slipPath); err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to scan order", zap.Error(err))
			continue
		}
		s.StatusLabel = statusLabel(models.OrderStatus(s.OrderStatus), staffName)
		s.SlipPath = slipPath.String
		if created.Valid {
			s.CreatedAt = created.Time.Format("02/01/2006 15:04")
		}
		summaries = append(summaries, s)
	}

	span.SetAttributes(attribute.Int("orders.count", len(summaries)))
	c.JSON(http.StatusOK, summaries)
}

// GetOrder returns one order. Customers only see their own; staff see all.
func (h *OrderHandler) GetOrder(c *gin.Context) {
	ctx, span := otel.Tracer("chaploy-shop").Start(c.Request.Context(), "GetOrder")
	defer span.End()

	orderID, ok := parseID(c.Param("id"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID"})
		return
	}
	span.SetAttributes(attribute.Int("order.id", orderID))

	query := `SELECT o.id, o.customer_id, o.subtotal, o.shipping_fee, o.total, o.payment_status, o.order_status,
			o.shipping_address, o.contact_name, o.contact_phone, o.cancelled_by, o.receipt_path, o.created_at, o.updated_at
		 FROM orders o WHERE o.id = $1`
	args := []any{orderID}
	if _, _, isStaff := middleware.StaffIdentity(c); !isStaff {
		customerID, ok := middleware.CustomerID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Login required"})
			return
		}
		query += " AND o.customer_id = $2"
		args = append(args, customerID)
	}

	var order models.Order
	err := h.db.QueryRowContext(ctx, query, args...).Scan(
		&order.ID, &order.CustomerID, &order.Subtotal, &order.ShippingFee, &order.Total,
		&order.PaymentStatus, &order.OrderStatus, &order.ShippingAddress, &order.ContactName,
		&order.ContactPhone, &order.CancelledBy, &order.ReceiptPath, &order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to get order", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, order)
}

// GetOrderItems returns the immutable line items of an order, with the
// unit price snapshot taken at purchase time.
func (h *OrderHandler) GetOrderItems(c *gin.Context) {
	ctx, span := otel.Tracer("chaploy-shop").Start(c.Request.Context(), "GetOrderItems")
	defer span.End()

	orderID, ok := parseID(c.Param("id"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID"})
		return
	}
	span.SetAttributes(attribute.Int("order.id", orderID))

	if !h.canSeeOrder(ctx, c, orderID) {
		return
	}

	rows, err := h.db.QueryContext(ctx,
		`SELECT oi.id, oi.order_id, oi.product_id, COALESCE(p.name, ''), oi.quantity, oi.unit_price, oi.subtotal
		 FROM order_items oi
		 LEFT JOIN products p ON oi.product_id = p.id
		 WHERE oi.order_id = $1
		 ORDER BY oi.id`,
		orderID,
	)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to fetch order items", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	defer rows.Close()

	items := make([]models.OrderItem, 0)
	for rows.Next() {
		var item models.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.Name, &item.Quantity, &item.UnitPrice, &item.Subtotal); err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to scan order item", zap.Error(err))
			continue
		}
		items = append(items, item)
	}

	c.JSON(http.StatusOK, items)
}

// UpdateStatus is the staff fulfilment progression:
// pending -> confirmed -> shipped -> delivered. Cancellation has its own
// path and its own rules.
func (h *OrderHandler) UpdateStatus(c *gin.Context) {
	ctx, span := otel.Tracer("chaploy-shop").Start(c.Request.Context(), "UpdateOrderStatus")
	defer span.End()

	orderID, ok := parseID(c.Param("id"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID"})
		return
	}

	var req models.UpdateOrderStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	target, recognized := models.ParseOrderStatus(req.Status)
	if !recognized {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Unknown status %q", req.Status)})
		return
	}
	if target == models.OrderStatusCancelled {
		c.JSON(http.StatusConflict, gin.H{"error": "Use the cancel operation to cancel an order"})
		return
	}

	span.SetAttributes(
		attribute.Int("order.id", orderID),
		attribute.String("order.target_status", string(target)),
	)

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to begin transaction", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	defer tx.Rollback()

	var current models.OrderStatus
	err = tx.QueryRowContext(ctx,
		"SELECT order_status FROM orders WHERE id = $1 FOR UPDATE",
		orderID,
	).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to load order", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if !current.CanProgressTo(target) {
		c.JSON(http.StatusConflict, gin.H{
			"error": fmt.Sprintf("Cannot move order from %s to %s", current, target),
		})
		return
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE orders SET order_status = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2",
		target, orderID,
	); err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to update order status", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to commit status update", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	h.logger.Info("Order status updated",
		zap.Int("order_id", orderID),
		zap.String("from", string(current)),
		zap.String("to", string(target)),
	)
	c.JSON(http.StatusOK, gin.H{"order_id": orderID, "order_status": target})
}

// Cancel ends an order. Customers may only abandon their own pending
// orders; staff may cancel any non-terminal order, and the staff identity
// is recorded for the audit trail.
func (h *OrderHandler) Cancel(c *gin.Context) {
	ctx, span := otel.Tracer("chaploy-shop").Start(c.Request.Context(), "CancelOrder")
	defer span.End()

	orderID, ok := parseID(c.Param("id"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID"})
		return
	}
	span.SetAttributes(attribute.Int("order.id", orderID))

	var req models.CancelOrderRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	staffID, staffName, isStaff := middleware.StaffIdentity(c)
	customerID, isCustomer := middleware.CustomerID(c)
	if !isStaff && !isCustomer {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Login required"})
		return
	}
	actor := models.ActorCustomer
	if isStaff {
		actor = models.ActorStaff
	}
	span.SetAttributes(attribute.String("cancel.actor", string(actor)))

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to begin transaction", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	defer tx.Rollback()

	var status models.OrderStatus
	var ownerID int
	var total float64
	var firstname, lastname, email string
	err = tx.QueryRowContext(ctx,
		`SELECT o.order_status, o.customer_id, o.total, c.firstname, c.lastname, c.email
		 FROM orders o
		 JOIN customers c ON o.customer_id = c.id
		 WHERE o.id = $1
		 FOR UPDATE OF o`,
		orderID,
	).Scan(&status, &ownerID, &total, &firstname, &lastname, &email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to load order", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if actor == models.ActorCustomer && ownerID != customerID {
		// do not leak other customers' orders
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		return
	}
	if !status.CancellableBy(actor) {
		c.JSON(http.StatusConflict, gin.H{"error": "This order cannot be cancelled"})
		return
	}

	var cancelledBy any
	if isStaff {
		cancelledBy = staffID
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE orders SET order_status = $1, cancelled_by = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $3",
		models.OrderStatusCancelled, cancelledBy, orderID,
	); err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to cancel order", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to commit cancellation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	middleware.RecordOrderCancelled(string(actor))

	label := models.CancellationLabel("")
	if isStaff {
		label = models.CancellationLabel(staffName)
	}

	if h.producer != nil {
		customer := models.Customer{ID: ownerID, Firstname: firstname, Lastname: lastname, Email: email}
		event := models.OrderEvent{
			EventType:     models.EventOrderCancelled,
			OrderID:       orderID,
			CustomerID:    ownerID,
			CustomerName:  customer.FullName(),
			CustomerEmail: email,
			Total:         total,
			CancelledBy:   label,
			Reason:        req.Reason,
		}
		if err := kafka.PublishOrderEvent(ctx, h.producer, orderEventsTopic, event, h.logger); err != nil {
			h.logger.Error("Failed to publish order_cancelled event", zap.Error(err))
		}
	}

	h.logger.Info("Order cancelled",
		zap.Int("order_id", orderID),
		zap.String("actor", string(actor)),
	)
	c.JSON(http.StatusOK, gin.H{"order_id": orderID, "order_status": models.OrderStatusCancelled, "cancelled_by": label})
}

// canSeeOrder enforces read access: staff see everything, customers only
// their own orders. Writes the HTTP error itself when access is denied.
func (h *OrderHandler) canSeeOrder(ctx context.Context, c *gin.Context, orderID int) bool {
	if _, _, isStaff := middleware.StaffIdentity(c); isStaff {
		return true
	}
	customerID, ok := middleware.CustomerID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Login required"})
		return false
	}

	var ownerID int
	err := h.db.QueryRowContext(ctx,
		"SELECT customer_id FROM orders WHERE id = $1",
		orderID,
	).Scan(&ownerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
			return false
		}
		h.logger.Error("Failed to check order ownership", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return false
	}
	if ownerID != customerID {
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		return false
	}
	return true
}

func statusLabel(status models.OrderStatus, staffName sql.NullString) string {
	if status != models.OrderStatusCancelled {
		return string(status)
	}
	if staffName.Valid {
		return models.CancellationLabel(staffName.String)
	}
	return models.CancellationLabel("")
}

package handlers

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"math"
	"net/http"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Chachompoo/chaploy-project/kafka"
	"github.com/Chachompoo/chaploy-project/middleware"
	"github.com/Chachompoo/chaploy-project/models"
	"github.com/Chachompoo/chaploy-project/receipts"
)

// PaymentHandler verifies pending payments and serves receipts. A payment
// is verified exactly once; the receipt PDF is generated after commit and
// can always be regenerated from the order rows, so losing the file is
// never fatal.
type PaymentHandler struct {
	db       *sql.DB
	producer sarama.SyncProducer
	files    FileStore
	logger   *zap.Logger
}

func NewPaymentHandler(db *sql.DB, producer sarama.SyncProducer, files FileStore, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{
		db:       db,
		producer: producer,
		files:    files,
		logger:   logger,
	}
}

// Verify moves one payment from pending to verified, flips the order's
// payment_status to paid, and kicks off the receipt. Staff only.
func (h *PaymentHandler) Verify(c *gin.Context) {
	ctx, span := otel.Tracer("chaploy-shop").Start(c.Request.Context(), "VerifyPayment")
	defer span.End()

	paymentID, ok := parseID(c.Param("id"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payment ID"})
		return
	}
	span.SetAttributes(attribute.Int("payment.id", paymentID))

	staffID, _, isStaff := middleware.StaffIdentity(c)
	if !isStaff {
		c.JSON(http.StatusForbidden, gin.H{"error": "Staff access required"})
		return
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to begin transaction", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	defer tx.Rollback()

	var payment models.Payment
	var orderTotal float64
	var orderStatus models.OrderStatus
	var customer models.Customer
	err = tx.QueryRowContext(ctx,
		`SELECT p.id, p.order_id, p.amount, p.status, o.total, o.order_status, c.firstname, c.lastname, c.email
		 FROM payments p
		 JOIN orders o ON p.order_id = o.id
		 JOIN customers c ON o.customer_id = c.id
		 WHERE p.id = $1
		 FOR UPDATE OF p, o`,
		paymentID,
	).Scan(&payment.ID, &payment.OrderID, &payment.Amount, &payment.Status,
		&orderTotal, &orderStatus, &customer.Firstname, &customer.Lastname, &customer.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Payment not found"})
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to load payment", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if payment.Status == models.PaymentStateVerified {
		c.JSON(http.StatusConflict, gin.H{"error": "Payment already verified"})
		return
	}
	if orderStatus == models.OrderStatusCancelled {
		c.JSON(http.StatusConflict, gin.H{"error": "Order has been cancelled"})
		return
	}
	if math.Abs(payment.Amount-orderTotal) > 0.005 {
		h.logger.Warn("Payment amount does not match order total",
			zap.Int("payment_id", payment.ID),
			zap.Int("order_id", payment.OrderID),
			zap.Float64("amount", payment.Amount),
			zap.Float64("order_total", orderTotal),
		)
		c.JSON(http.StatusConflict, gin.H{"error": "Payment amount does not match order total"})
		return
	}

	result, err := tx.ExecContext(ctx,
		"UPDATE payments SET status = $1, verified_by = $2, verified_at = CURRENT_TIMESTAMP WHERE id = $3 AND status = $4",
		models.PaymentStateVerified, staffID, payment.ID, models.PaymentStatePending,
	)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to verify payment", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	affected, err := result.RowsAffected()
	if err != nil || affected == 0 {
		// someone else won the race between our read and this update
		c.JSON(http.StatusConflict, gin.H{"error": "Payment already verified"})
		return
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE orders SET payment_status = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2",
		models.PaymentStatusPaid, payment.OrderID,
	); err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to mark order paid", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to commit verification", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	middleware.RecordPaymentVerified()

	// the receipt is a post-commit follow-up: the verification stands even
	// if rendering or storing the PDF fails
	receiptPath, err := h.buildAndStoreReceipt(ctx, payment.OrderID)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to generate receipt",
			zap.Int("order_id", payment.OrderID),
			zap.Error(err),
		)
	}

	if h.producer != nil {
		event := models.OrderEvent{
			EventType:     models.EventPaymentVerified,
			OrderID:       payment.OrderID,
			CustomerName:  customer.FullName(),
			CustomerEmail: customer.Email,
			Total:         orderTotal,
			PaymentID:     payment.ID,
			ReceiptPath:   receiptPath,
		}
		if err := kafka.PublishOrderEvent(ctx, h.producer, orderEventsTopic, event, h.logger); err != nil {
			h.logger.Error("Failed to publish payment_verified event", zap.Error(err))
		}
	}

	h.logger.Info("Payment verified",
		zap.Int("payment_id", payment.ID),
		zap.Int("order_id", payment.OrderID),
		zap.Int("staff_id", staffID),
	)
	c.JSON(http.StatusOK, models.VerifyPaymentResponse{
		PaymentID:   payment.ID,
		OrderID:     payment.OrderID,
		Amount:      payment.Amount,
		ReceiptPath: receiptPath,
	})
}

// GetReceipt serves the receipt PDF for a paid order. If the stored file is
// gone it is rebuilt from the order rows; the generator is deterministic,
// so the replacement is byte-identical to the original.
func (h *PaymentHandler) GetReceipt(c *gin.Context) {
	ctx, span := otel.Tracer("chaploy-shop").Start(c.Request.Context(), "GetReceipt")
	defer span.End()

	orderID, ok := parseID(c.Param("id"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID"})
		return
	}
	span.SetAttributes(attribute.Int("order.id", orderID))

	var customerID int
	var paymentStatus models.PaymentStatus
	var receiptPath sql.NullString
	err := h.db.QueryRowContext(ctx,
		"SELECT customer_id, payment_status, receipt_path FROM orders WHERE id = $1",
		orderID,
	).Scan(&customerID, &paymentStatus, &receiptPath)
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

	if _, _, isStaff := middleware.StaffIdentity(c); !isStaff {
		requesterID, ok := middleware.CustomerID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Login required"})
			return
		}
		if requesterID != customerID {
			c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
			return
		}
	}

	if paymentStatus != models.PaymentStatusPaid {
		c.JSON(http.StatusNotFound, gin.H{"error": "No receipt for this order"})
		return
	}

	if receiptPath.Valid && h.files.Exists(receiptPath.String) {
		c.FileAttachment(receiptPath.String, receipts.Filename(orderID))
		return
	}

	path, err := h.buildAndStoreReceipt(ctx, orderID)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to regenerate receipt", zap.Int("order_id", orderID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	c.FileAttachment(path, receipts.Filename(orderID))
}

// buildAndStoreReceipt renders the order's receipt, stores it, and records
// the stored path on the order row.
func (h *PaymentHandler) buildAndStoreReceipt(ctx context.Context, orderID int) (string, error) {
	var order models.Order
	var customer models.Customer
	err := h.db.QueryRowContext(ctx,
		`SELECT o.id, o.customer_id, o.subtotal, o.shipping_fee, o.total, o.shipping_address, o.created_at,
			c.id, c.firstname, c.lastname, c.email
		 FROM orders o
		 JOIN customers c ON o.customer_id = c.id
		 WHERE o.id = $1`,
		orderID,
	).Scan(&order.ID, &order.CustomerID, &order.Subtotal, &order.ShippingFee, &order.Total,
		&order.ShippingAddress, &order.CreatedAt,
		&customer.ID, &customer.Firstname, &customer.Lastname, &customer.Email)
	if err != nil {
		return "", err
	}

	rows, err := h.db.QueryContext(ctx,
		`SELECT oi.product_id, COALESCE(p.name, ''), oi.quantity, oi.unit_price, oi.subtotal
		 FROM order_items oi
		 LEFT JOIN products p ON oi.product_id = p.id
		 WHERE oi.order_id = $1
		 ORDER BY oi.id`,
		orderID,
	)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		var item models.OrderItem
		if err := rows.Scan(&item.ProductID, &item.Name, &item.Quantity, &item.UnitPrice, &item.Subtotal); err != nil {
			return "", err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := receipts.Build(&buf, order, items, customer); err != nil {
		return "", err
	}

	path, err := h.files.SaveReceipt(receipts.Filename(orderID), &buf)
	if err != nil {
		return "", err
	}

	if _, err := h.db.ExecContext(ctx,
		"UPDATE orders SET receipt_path = $1 WHERE id = $2",
		path, orderID,
	); err != nil {
		h.logger.Error("Failed to record receipt path", zap.Int("order_id", orderID), zap.Error(err))
	}
	return path, nil
}

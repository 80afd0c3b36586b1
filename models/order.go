package models

import (
	"database/sql"
	"time"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusShipped   OrderStatus = "shipped"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// PaymentStatus is the order-level payment flag, flipped to paid when a
// payment record for the order is verified.
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
)

type ActorType string

const (
	ActorCustomer ActorType = "customer"
	ActorStaff    ActorType = "staff"
)

type Order struct {
	ID              int           `json:"id"`
	CustomerID      int           `json:"customer_id"`
	Subtotal        float64       `json:"subtotal"`
	ShippingFee     float64       `json:"shipping_fee"`
	Total           float64       `json:"total"`
	PaymentStatus   PaymentStatus `json:"payment_status"`
	OrderStatus     OrderStatus   `json:"order_status"`
	ShippingAddress string        `json:"shipping_address"`
	ContactName     string        `json:"contact_name"`
	ContactPhone    string        `json:"contact_phone"`
	CancelledBy     sql.NullInt64 `json:"-"`
	ReceiptPath     sql.NullString `json:"-"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// OrderItem snapshots the unit price at purchase time. It is written once,
// inside the checkout transaction, and never updated afterwards.
type OrderItem struct {
	ID        int     `json:"id"`
	OrderID   int     `json:"order_id"`
	ProductID int     `json:"product_id"`
	Name      string  `json:"name"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
	Subtotal  float64 `json:"subtotal"`
}

func ParseOrderStatus(s string) (OrderStatus, bool) {
	switch OrderStatus(s) {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusShipped,
		OrderStatusDelivered, OrderStatusCancelled:
		return OrderStatus(s), true
	}
	return "", false
}

// Terminal reports whether no further transition is defined from s.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCancelled
}

// fulfilment progression driven by staff status updates
var orderProgression = map[OrderStatus]OrderStatus{
	OrderStatusPending:   OrderStatusConfirmed,
	OrderStatusConfirmed: OrderStatusShipped,
	OrderStatusShipped:   OrderStatusDelivered,
}

// CanProgressTo reports whether a staff status update from s to t is a
// defined forward transition. Cancellation is not a progression; it goes
// through CancellableBy.
func (s OrderStatus) CanProgressTo(t OrderStatus) bool {
	return orderProgression[s] == t
}

// CancellableBy reports whether the given actor may cancel an order in
// state s. Customers may only abandon orders that have not been confirmed;
// staff may cancel anything that is not already terminal.
func (s OrderStatus) CancellableBy(actor ActorType) bool {
	switch actor {
	case ActorCustomer:
		return s == OrderStatusPending
	case ActorStaff:
		return !s.Terminal()
	}
	return false
}

// CancellationLabel composes the audit display for a cancelled order.
func CancellationLabel(staffName string) string {
	if staffName == "" {
		return "Cancelled by customer"
	}
	return "Cancelled by " + staffName
}

type CheckoutResponse struct {
	OrderID int     `json:"order_id"`
	Total   float64 `json:"total"`
}

type UpdateOrderStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

type CancelOrderRequest struct {
	Reason string `json:"reason"`
}

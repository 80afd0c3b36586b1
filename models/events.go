package models

const (
	EventOrderCreated    = "order_created"
	EventPaymentVerified = "payment_verified"
	EventOrderCancelled  = "order_cancelled"
)

// OrderEvent is the payload published to the order_events topic after a
// lifecycle transition commits. It carries enough customer detail for the
// notification consumer to address an email without another DB round trip.
type OrderEvent struct {
	EventType     string  `json:"event_type"`
	OrderID       int     `json:"order_id"`
	CustomerID    int     `json:"customer_id"`
	CustomerName  string  `json:"customer_name"`
	CustomerEmail string  `json:"customer_email"`
	Total         float64 `json:"total"`
	PaymentID     int     `json:"payment_id,omitempty"`
	ReceiptPath   string  `json:"receipt_path,omitempty"`
	CancelledBy   string  `json:"cancelled_by,omitempty"`
	Reason        string  `json:"reason,omitempty"`
}

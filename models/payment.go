package models

import (
	"database/sql"
	"time"
)

type PaymentState string

const (
	PaymentStatePending  PaymentState = "pending"
	PaymentStateVerified PaymentState = "verified"
)

// Payment is one proof-of-payment submission for an order. The slip is the
// uploaded bank-transfer image; status moves pending -> verified exactly once.
type Payment struct {
	ID          int           `json:"id"`
	OrderID     int           `json:"order_id"`
	Amount      float64       `json:"amount"`
	SlipPath    string        `json:"slip_path"`
	Status      PaymentState  `json:"status"`
	VerifiedBy  sql.NullInt64 `json:"-"`
	VerifiedAt  sql.NullTime  `json:"-"`
	SubmittedAt time.Time     `json:"submitted_at"`
}

type VerifyPaymentResponse struct {
	PaymentID   int     `json:"payment_id"`
	OrderID     int     `json:"order_id"`
	Amount      float64 `json:"amount"`
	ReceiptPath string  `json:"receipt_path,omitempty"`
}

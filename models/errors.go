package models

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyCart         = errors.New("cart is empty")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// StockConflictError is returned when checkout asks for more units than are
// available at commit time. It carries every offending product so the client
// can fix the whole cart in one go.
type StockConflictError struct {
	ProductIDs []int
}

func (e *StockConflictError) Error() string {
	return fmt.Sprintf("insufficient stock for products %v", e.ProductIDs)
}

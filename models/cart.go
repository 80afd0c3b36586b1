package models

// CartLine is what the client holds: a product reference and a quantity.
// Price and name are never taken from the client; they are re-resolved from
// the products table whenever the cart matters.
type CartLine struct {
	ProductID int `json:"product_id" binding:"required"`
	Quantity  int `json:"quantity" binding:"required,gt=0"`
}

// ResolvedLine is a cart line priced from the catalog at resolution time.
type ResolvedLine struct {
	ProductID int     `json:"product_id"`
	Name      string  `json:"name"`
	UnitPrice float64 `json:"unit_price"`
	Quantity  int     `json:"quantity"`
	Subtotal  float64 `json:"subtotal"`
}

type ResolveCartRequest struct {
	Lines []CartLine `json:"lines" binding:"required"`
}

type ResolveCartResponse struct {
	Lines    []ResolvedLine `json:"lines"`
	Subtotal float64        `json:"subtotal"`
}

type IncrementCheckRequest struct {
	ProductID  int `json:"product_id" binding:"required"`
	CurrentQty int `json:"current_qty" binding:"gte=0"`
}

type IncrementCheckResponse struct {
	Allowed bool   `json:"allowed"`
	Stock   int    `json:"stock"`
	Reason  string `json:"reason,omitempty"`
}

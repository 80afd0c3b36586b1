package receipts

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/Chachompoo/chaploy-project/models"
)

func sampleOrder() (models.Order, []models.OrderItem, models.Customer) {
	order := models.Order{
		ID:              41,
		CustomerID:      7,
		Subtotal:        200.0,
		ShippingFee:     0.0,
		Total:           200.0,
		ShippingAddress: "12 Sukhumvit Rd, Bangkok",
		CreatedAt:       time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC),
	}
	items := []models.OrderItem{
		{ProductID: 7, Name: "Ceramic Mug", Quantity: 2, UnitPrice: 100.0, Subtotal: 200.0},
	}
	customer := models.Customer{ID: 7, Firstname: "Somchai", Lastname: "P.", Email: "som@example.com"}
	return order, items, customer
}

func TestBuild_Deterministic(t *testing.T) {
	order, items, customer := sampleOrder()

	var first, second bytes.Buffer
	if err := Build(&first, order, items, customer); err != nil {
		t.Fatalf("First build failed: %v", err)
	}
	if err := Build(&second, order, items, customer); err != nil {
		t.Fatalf("Second build failed: %v", err)
	}

	if first.Len() == 0 {
		t.Fatal("Expected a non-empty PDF")
	}
	if !bytes.Equal(first.Bytes(), second.Bytes()) {
		t.Error("Expected byte-identical output for identical inputs")
	}
}

func TestBuild_TotalMismatch(t *testing.T) {
	order, items, customer := sampleOrder()
	order.Total = 250.0

	var buf bytes.Buffer
	err := Build(&buf, order, items, customer)
	if err == nil {
		t.Fatal("Expected an integrity error")
	}

	var integrity *IntegrityError
	if !errors.As(err, &integrity) {
		t.Fatalf("Expected IntegrityError, got %T: %v", err, err)
	}
	if integrity.Stored != 250.0 || integrity.Computed != 200.0 {
		t.Errorf("Unexpected integrity numbers: %+v", integrity)
	}
	if buf.Len() != 0 {
		t.Error("No PDF may be written when the totals disagree")
	}
}

func TestBuild_ShippingFeeCountsTowardTotal(t *testing.T) {
	order, items, customer := sampleOrder()
	order.ShippingFee = 50.0
	order.Total = 250.0

	var buf bytes.Buffer
	if err := Build(&buf, order, items, customer); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
}

func TestNumber(t *testing.T) {
	if got := Number(41); got != "RCP-000041" {
		t.Errorf("Expected RCP-000041, got %s", got)
	}
	if got := Filename(41); got != "RCP-000041.pdf" {
		t.Errorf("Expected RCP-000041.pdf, got %s", got)
	}
}

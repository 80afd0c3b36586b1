package receipts

import (
	"fmt"
	"io"
	"math"

	"github.com/go-pdf/fpdf"

	"github.com/Chachompoo/chaploy-project/models"
)

// IntegrityError means the stored order total disagrees with the sum of its
// line items. The receipt is refused rather than printed with numbers that
// do not add up.
type IntegrityError struct {
	OrderID  int
	Stored   float64
	Computed float64
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("order %d total mismatch: stored %.2f, computed %.2f",
		e.OrderID, e.Stored, e.Computed)
}

// Number derives the receipt number from the order id, so regenerating a
// receipt always yields the same identifier.
func Number(orderID int) string {
	return fmt.Sprintf("RCP-%06d", orderID)
}

// Filename is the stored document name for an order's receipt.
func Filename(orderID int) string {
	return Number(orderID) + ".pdf"
}

// Build renders the receipt PDF for a verified payment. It is a pure
// function of the order, its items and the customer: the creation date is
// pinned to the order timestamp, so the same inputs produce byte-identical
// output and a re-send equals the original.
func Build(w io.Writer, order models.Order, items []models.OrderItem, customer models.Customer) error {
	computed := 0.0
	for _, item := range items {
		computed += item.Subtotal
	}
	computed += order.ShippingFee
	if math.Abs(computed-order.Total) > 0.005 {
		return &IntegrityError{OrderID: order.ID, Stored: order.Total, Computed: computed}
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetCreationDate(order.CreatedAt)
	pdf.SetTitle(Number(order.ID), false)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 18)
	pdf.Cell(0, 10, "Chaploy")
	pdf.Ln(10)

	pdf.SetFont("Helvetica", "", 11)
	pdf.Cell(0, 6, fmt.Sprintf("Receipt %s", Number(order.ID)))
	pdf.Ln(6)
	pdf.Cell(0, 6, fmt.Sprintf("Order #%d placed %s", order.ID, order.CreatedAt.Format("02/01/2006 15:04")))
	pdf.Ln(6)
	pdf.Cell(0, 6, fmt.Sprintf("Billed to: %s <%s>", customer.FullName(), customer.Email))
	pdf.Ln(6)
	if order.ShippingAddress != "" {
		pdf.Cell(0, 6, fmt.Sprintf("Ship to: %s", order.ShippingAddress))
		pdf.Ln(6)
	}
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "B", 11)
	pdf.CellFormat(90, 8, "Item", "B", 0, "L", false, 0, "")
	pdf.CellFormat(20, 8, "Qty", "B", 0, "R", false, 0, "")
	pdf.CellFormat(35, 8, "Unit Price", "B", 0, "R", false, 0, "")
	pdf.CellFormat(35, 8, "Subtotal", "B", 1, "R", false, 0, "")

	pdf.SetFont("Helvetica", "", 11)
	for _, item := range items {
		pdf.CellFormat(90, 8, item.Name, "", 0, "L", false, 0, "")
		pdf.CellFormat(20, 8, fmt.Sprintf("%d", item.Quantity), "", 0, "R", false, 0, "")
		pdf.CellFormat(35, 8, fmt.Sprintf("%.2f", item.UnitPrice), "", 0, "R", false, 0, "")
		pdf.CellFormat(35, 8, fmt.Sprintf("%.2f", item.Subtotal), "", 1, "R", false, 0, "")
	}

	pdf.Ln(2)
	pdf.SetFont("Helvetica", "", 11)
	pdf.CellFormat(145, 7, "Subtotal", "T", 0, "R", false, 0, "")
	pdf.CellFormat(35, 7, fmt.Sprintf("%.2f", order.Subtotal), "T", 1, "R", false, 0, "")
	pdf.CellFormat(145, 7, "Shipping", "", 0, "R", false, 0, "")
	pdf.CellFormat(35, 7, fmt.Sprintf("%.2f", order.ShippingFee), "", 1, "R", false, 0, "")
	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(145, 8, "Total (THB)", "", 0, "R", false, 0, "")
	pdf.CellFormat(35, 8, fmt.Sprintf("%.2f", order.Total), "", 1, "R", false, 0, "")

	pdf.Ln(8)
	pdf.SetFont("Helvetica", "I", 10)
	pdf.Cell(0, 6, "Payment received with thanks.")

	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("failed to render receipt: %w", err)
	}
	return nil
}

package handlers

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/gin-gonic/gin"

	"github.com/Chachompoo/chaploy-project/models"
)

func setupPaymentTest(t *testing.T, producer sarama.SyncProducer, files FileStore, identity gin.HandlerFunc) (sqlmock.Sqlmock, *gin.Engine, *sql.DB) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}

	handler := &PaymentHandler{
		db:       db,
		producer: producer,
		files:    files,
		logger:   newTestLogger(t),
	}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	if identity != nil {
		router.Use(identity)
	}
	router.POST("/payments/:id/verify", handler.Verify)
	router.GET("/orders/:id/receipt", handler.GetReceipt)

	return mock, router, db
}

func expectVerifyRow(mock sqlmock.Sqlmock, paymentID int, status models.PaymentState, amount, total float64, orderStatus models.OrderStatus) {
	mock.ExpectQuery("SELECT p.id, p.order_id, p.amount, p.status, o.total, o.order_status").
		WithArgs(paymentID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "order_id", "amount", "status", "total", "order_status", "firstname", "lastname", "email",
		}).AddRow(paymentID, 41, amount, status, total, orderStatus, "Somchai", "P.", "som@example.com"))
}

func TestVerifyPayment_Success_PublishesOneEvent(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var event models.OrderEvent
		if err := json.Unmarshal(val, &event); err != nil {
			return err
		}
		if event.EventType != models.EventPaymentVerified {
			t.Errorf("Expected event type %s, got %s", models.EventPaymentVerified, event.EventType)
		}
		if event.OrderID != 41 || event.PaymentID != 5 {
			t.Errorf("Unexpected event identifiers: %+v", event)
		}
		if event.ReceiptPath == "" {
			t.Error("Expected the event to carry a receipt path")
		}
		return nil
	})

	files := newFakeFileStore()
	mock, router, db := setupPaymentTest(t, producer, files, asStaff(9, "Nok A."))
	defer db.Close()

	created := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)

	mock.ExpectBegin()
	expectVerifyRow(mock, 5, models.PaymentStatePending, 200.0, 200.0, models.OrderStatusPending)
	mock.ExpectExec("UPDATE payments SET status").
		WithArgs(models.PaymentStateVerified, 9, 5, models.PaymentStatePending).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE orders SET payment_status").
		WithArgs(models.PaymentStatusPaid, 41).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// receipt generation after commit
	mock.ExpectQuery("SELECT o.id, o.customer_id, o.subtotal").
		WithArgs(41).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "customer_id", "subtotal", "shipping_fee", "total", "shipping_address", "created_at",
			"c_id", "firstname", "lastname", "email",
		}).AddRow(41, 7, 200.0, 0.0, 200.0, "12 Sukhumvit Rd, Bangkok", created, 7, "Somchai", "P.", "som@example.com"))
	mock.ExpectQuery("SELECT oi.product_id").
		WithArgs(41).
		WillReturnRows(sqlmock.NewRows([]string{"product_id", "name", "quantity", "unit_price", "subtotal"}).
			AddRow(7, "Ceramic Mug", 2, 100.0, 200.0))
	mock.ExpectExec("UPDATE orders SET receipt_path").
		WithArgs("uploads/receipts/RCP-000041.pdf", 41).
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := httptest.NewRequest(http.MethodPost, "/payments/5/verify", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var resp models.VerifyPaymentResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.PaymentID != 5 || resp.OrderID != 41 {
		t.Errorf("Unexpected response: %+v", resp)
	}
	if len(files.receipts) != 1 {
		t.Errorf("Expected one stored receipt, got %d", len(files.receipts))
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
	if err := producer.Close(); err != nil {
		t.Errorf("Producer expectations were not met: %v", err)
	}
}

func TestVerifyPayment_AlreadyVerified(t *testing.T) {
	// no producer expectations: a repeat verification must publish nothing
	producer := mocks.NewSyncProducer(t, nil)
	mock, router, db := setupPaymentTest(t, producer, newFakeFileStore(), asStaff(9, "Nok A."))
	defer db.Close()

	mock.ExpectBegin()
	expectVerifyRow(mock, 5, models.PaymentStateVerified, 200.0, 200.0, models.OrderStatusConfirmed)
	mock.ExpectRollback()

	req := httptest.NewRequest(http.MethodPost, "/payments/5/verify", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusConflict, w.Code, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
	if err := producer.Close(); err != nil {
		t.Errorf("Producer expectations were not met: %v", err)
	}
}

func TestVerifyPayment_CancelledOrder(t *testing.T) {
	mock, router, db := setupPaymentTest(t, nil, newFakeFileStore(), asStaff(9, "Nok A."))
	defer db.Close()

	mock.ExpectBegin()
	expectVerifyRow(mock, 5, models.PaymentStatePending, 200.0, 200.0, models.OrderStatusCancelled)
	mock.ExpectRollback()

	req := httptest.NewRequest(http.MethodPost, "/payments/5/verify", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusConflict, w.Code, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestVerifyPayment_AmountMismatch(t *testing.T) {
	mock, router, db := setupPaymentTest(t, nil, newFakeFileStore(), asStaff(9, "Nok A."))
	defer db.Close()

	mock.ExpectBegin()
	expectVerifyRow(mock, 5, models.PaymentStatePending, 150.0, 200.0, models.OrderStatusPending)
	mock.ExpectRollback()

	req := httptest.NewRequest(http.MethodPost, "/payments/5/verify", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusConflict, w.Code, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestVerifyPayment_NotFound(t *testing.T) {
	mock, router, db := setupPaymentTest(t, nil, newFakeFileStore(), asStaff(9, "Nok A."))
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT p.id, p.order_id, p.amount, p.status, o.total, o.order_status").
		WithArgs(99).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	req := httptest.NewRequest(http.MethodPost, "/payments/99/verify", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusNotFound, w.Code, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestVerifyPayment_RequiresStaff(t *testing.T) {
	mock, router, db := setupPaymentTest(t, nil, newFakeFileStore(), asCustomer(7))
	defer db.Close()

	req := httptest.NewRequest(http.MethodPost, "/payments/5/verify", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusForbidden, w.Code, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestGetReceipt_ServesStoredFile(t *testing.T) {
	files := newFakeFileStore()
	files.dir = t.TempDir()
	path, err := files.SaveReceipt("RCP-000041.pdf", bytes.NewReader([]byte("%PDF-1.4 receipt")))
	if err != nil {
		t.Fatalf("Failed to seed receipt: %v", err)
	}

	mock, router, db := setupPaymentTest(t, nil, files, asCustomer(7))
	defer db.Close()

	mock.ExpectQuery("SELECT customer_id, payment_status, receipt_path FROM orders WHERE id = \\$1").
		WithArgs(41).
		WillReturnRows(sqlmock.NewRows([]string{"customer_id", "payment_status", "receipt_path"}).
			AddRow(7, models.PaymentStatusPaid, path))

	req := httptest.NewRequest(http.MethodGet, "/orders/41/receipt", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	if w.Body.String() != "%PDF-1.4 receipt" {
		t.Errorf("Expected the stored receipt bytes, got %q", w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestGetReceipt_UnpaidOrder(t *testing.T) {
	mock, router, db := setupPaymentTest(t, nil, newFakeFileStore(), asCustomer(7))
	defer db.Close()

	mock.ExpectQuery("SELECT customer_id, payment_status, receipt_path FROM orders WHERE id = \\$1").
		WithArgs(41).
		WillReturnRows(sqlmock.NewRows([]string{"customer_id", "payment_status", "receipt_path"}).
			AddRow(7, models.PaymentStatusPending, nil))

	req := httptest.NewRequest(http.MethodGet, "/orders/41/receipt", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusNotFound, w.Code, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestGetReceipt_OtherCustomer(t *testing.T) {
	mock, router, db := setupPaymentTest(t, nil, newFakeFileStore(), asCustomer(8))
	defer db.Close()

	mock.ExpectQuery("SELECT customer_id, payment_status, receipt_path FROM orders WHERE id = \\$1").
		WithArgs(41).
		WillReturnRows(sqlmock.NewRows([]string{"customer_id", "payment_status", "receipt_path"}).
			AddRow(7, models.PaymentStatusPaid, "uploads/receipts/RCP-000041.pdf"))

	req := httptest.NewRequest(http.MethodGet, "/orders/41/receipt", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusNotFound, w.Code, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

package handlers

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"

	"github.com/Chachompoo/chaploy-project/models"
)

func setupCartTest(t *testing.T) (sqlmock.Sqlmock, *gin.Engine, *sql.DB) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}

	handler := NewCartHandler(db, newTestLogger(t))

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/cart/resolve", handler.ResolveCart)
	router.POST("/cart/increment", handler.IncrementCheck)

	return mock, router, db
}

func TestResolveCart_DropsRemovedProducts(t *testing.T) {
	mock, router, db := setupCartTest(t)
	defer db.Close()

	mock.ExpectQuery("SELECT name, price FROM products WHERE id = \\$1").
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"name", "price"}).AddRow("Ceramic Mug", 100.0))
	mock.ExpectQuery("SELECT name, price FROM products WHERE id = \\$1").
		WithArgs(2).
		WillReturnError(sql.ErrNoRows)

	payload := bytes.NewBufferString(`{"lines":[{"product_id":1,"quantity":2},{"product_id":2,"quantity":1}]}`)
	req := httptest.NewRequest(http.MethodPost, "/cart/resolve", payload)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var resp models.ResolveCartResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(resp.Lines) != 1 {
		t.Fatalf("Expected the removed product to be dropped, got %d lines", len(resp.Lines))
	}
	if resp.Subtotal != 200.0 {
		t.Errorf("Expected subtotal 200, got %f", resp.Subtotal)
	}
	if resp.Lines[0].UnitPrice != 100.0 {
		t.Errorf("Expected catalog price 100, got %f", resp.Lines[0].UnitPrice)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestResolveCart_MergesDuplicateLines(t *testing.T) {
	mock, router, db := setupCartTest(t)
	defer db.Close()

	// two references to product 1 become a single resolved line of qty 3
	mock.ExpectQuery("SELECT name, price FROM products WHERE id = \\$1").
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"name", "price"}).AddRow("Ceramic Mug", 100.0))

	payload := bytes.NewBufferString(`{"lines":[{"product_id":1,"quantity":2},{"product_id":1,"quantity":1}]}`)
	req := httptest.NewRequest(http.MethodPost, "/cart/resolve", payload)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var resp models.ResolveCartResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(resp.Lines) != 1 || resp.Lines[0].Quantity != 3 {
		t.Fatalf("Expected one merged line of qty 3, got %+v", resp.Lines)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestIncrementCheck_DeniedAtStockCeiling(t *testing.T) {
	mock, router, db := setupCartTest(t)
	defer db.Close()

	mock.ExpectQuery("SELECT stock FROM products WHERE id = \\$1").
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"stock"}).AddRow(3))

	payload := bytes.NewBufferString(`{"product_id":1,"current_qty":3}`)
	req := httptest.NewRequest(http.MethodPost, "/cart/increment", payload)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var resp models.IncrementCheckResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Allowed {
		t.Error("Expected the increment to be denied at the stock ceiling")
	}
	if resp.Reason != "out of stock" {
		t.Errorf("Expected out of stock reason, got %q", resp.Reason)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestIncrementCheck_AllowedBelowStock(t *testing.T) {
	mock, router, db := setupCartTest(t)
	defer db.Close()

	mock.ExpectQuery("SELECT stock FROM products WHERE id = \\$1").
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"stock"}).AddRow(3))

	payload := bytes.NewBufferString(`{"product_id":1,"current_qty":2}`)
	req := httptest.NewRequest(http.MethodPost, "/cart/increment", payload)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var resp models.IncrementCheckResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !resp.Allowed {
		t.Error("Expected the increment to be allowed below stock")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestIncrementCheck_UnknownProduct(t *testing.T) {
	mock, router, db := setupCartTest(t)
	defer db.Close()

	mock.ExpectQuery("SELECT stock FROM products WHERE id = \\$1").
		WithArgs(99).
		WillReturnError(sql.ErrNoRows)

	payload := bytes.NewBufferString(`{"product_id":99,"current_qty":1}`)
	req := httptest.NewRequest(http.MethodPost, "/cart/increment", payload)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusNotFound, w.Code, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

package handlers

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/Chachompoo/chaploy-project/middleware"
	"github.com/Chachompoo/chaploy-project/models"
)

// AuthHandler issues identity tokens for customers and staff. The core
// lifecycle operations only consume identities; this is the minimal
// collaborator that produces them.
type AuthHandler struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewAuthHandler(db *sql.DB, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		db:     db,
		logger: logger,
	}
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var customerID int
	var passwordHash string
	err := h.db.QueryRowContext(c.Request.Context(),
		"SELECT customer_id, password_hash FROM accounts WHERE email = $1",
		req.Email,
	).Scan(&customerID, &passwordHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
			return
		}
		h.logger.Error("Database error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}

	token, err := middleware.CustomerToken(customerID, req.Email)
	if err != nil {
		h.logger.Error("Failed to generate token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	h.logger.Info("Customer logged in", zap.String("email", req.Email))
	c.JSON(http.StatusOK, models.LoginResponse{Token: token})
}

func (h *AuthHandler) StaffLogin(c *gin.Context) {
	var req models.StaffLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var staff models.Staff
	err := h.db.QueryRowContext(c.Request.Context(),
		"SELECT id, fullname, password_hash FROM staff WHERE username = $1",
		req.Username,
	).Scan(&staff.ID, &staff.Fullname, &staff.PasswordHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
			return
		}
		h.logger.Error("Database error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(staff.PasswordHash), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}

	token, err := middleware.StaffToken(staff.ID, staff.Fullname)
	if err != nil {
		h.logger.Error("Failed to generate token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	h.logger.Info("Staff logged in", zap.String("username", req.Username))
	c.JSON(http.StatusOK, models.LoginResponse{Token: token})
}

package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	ctxCustomerID    = "customer_id"
	ctxCustomerEmail = "customer_email"
	ctxStaffID       = "staff_id"
	ctxStaffName     = "staff_name"
)

func jwtSecret() []byte {
	return []byte(getEnv("JWT_SECRET", "chaploy-secret-key"))
}

// CustomerToken issues a signed token for a shop customer.
func CustomerToken(customerID int, email string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"role":        "customer",
		"customer_id": customerID,
		"email":       email,
		"exp":         time.Now().Add(24 * time.Hour).Unix(),
	})
	return token.SignedString(jwtSecret())
}

// StaffToken issues a signed token for a staff member.
func StaffToken(staffID int, fullname string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"role":     "staff",
		"staff_id": staffID,
		"name":     fullname,
		"exp":      time.Now().Add(12 * time.Hour).Unix(),
	})
	return token.SignedString(jwtSecret())
}

// Authenticate parses a Bearer token if one is present and stores the acting
// identity on the request context. Requests without a token pass through
// anonymously; the Require* middlewares decide whether that is acceptable.
func Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.Next()
			return
		}

		tokenString := strings.TrimPrefix(header, "Bearer ")
		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return jwtSecret(), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		switch claims["role"] {
		case "customer":
			if id, ok := claims["customer_id"].(float64); ok {
				c.Set(ctxCustomerID, int(id))
			}
			if email, ok := claims["email"].(string); ok {
				c.Set(ctxCustomerEmail, email)
			}
		case "staff":
			if id, ok := claims["staff_id"].(float64); ok {
				c.Set(ctxStaffID, int(id))
			}
			if name, ok := claims["name"].(string); ok {
				c.Set(ctxStaffName, name)
			}
		}

		c.Next()
	}
}

// RequireCustomer rejects requests that carry no customer identity.
func RequireCustomer() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := CustomerID(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Login required"})
			return
		}
		c.Next()
	}
}

// RequireStaff rejects requests that carry no staff identity.
func RequireStaff() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, _, ok := StaffIdentity(c); !ok {
			if _, customer := CustomerID(c); customer {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Staff access required"})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Login required"})
			return
		}
		c.Next()
	}
}

func CustomerID(c *gin.Context) (int, bool) {
	id, ok := c.Get(ctxCustomerID)
	if !ok {
		return 0, false
	}
	customerID, ok := id.(int)
	return customerID, ok
}

func CustomerEmail(c *gin.Context) string {
	email, _ := c.Get(ctxCustomerEmail)
	s, _ := email.(string)
	return s
}

func StaffIdentity(c *gin.Context) (int, string, bool) {
	id, ok := c.Get(ctxStaffID)
	if !ok {
		return 0, "", false
	}
	staffID, ok := id.(int)
	if !ok {
		return 0, "", false
	}
	name, _ := c.Get(ctxStaffName)
	fullname, _ := name.(string)
	return staffID, fullname, true
}

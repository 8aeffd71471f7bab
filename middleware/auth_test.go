package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/AnTengye/contractbill/config"
	"github.com/AnTengye/contractbill/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testAuth = &config.AuthConfig{JWTSecret: "test-secret-key", TokenExpireHours: 24}

func tokenFor(t *testing.T, username, role string) string {
	t.Helper()
	token, _, err := GenerateToken(&config.User{Username: username, Tenant: "acme", Role: role}, testAuth)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	return token
}

func TestGenerateToken(t *testing.T) {
	token, expiresAt, err := GenerateToken(&config.User{Username: "testuser", Tenant: "testtenant"}, testAuth)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	if token == "" {
		t.Error("Expected non-empty token")
	}

	expectedExpiry := time.Now().Add(24 * time.Hour)
	if expiresAt.Before(expectedExpiry.Add(-time.Minute)) || expiresAt.After(expectedExpiry.Add(time.Minute)) {
		t.Errorf("Expiry time %v is not within expected range of %v", expiresAt, expectedExpiry)
	}

	claims := &Claims{}
	if _, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(testAuth.JWTSecret), nil
	}); err != nil {
		t.Fatalf("Failed to parse token: %v", err)
	}
	if claims.Role != RoleFinance {
		t.Errorf("Expected default role finance, got %q", claims.Role)
	}
}

func TestAuthMiddleware(t *testing.T) {
	token := tokenFor(t, "testuser", RoleCFO)

	tests := []struct {
		name           string
		authHeader     string
		expectedStatus int
	}{
		{"valid token", "Bearer " + token, http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"invalid format", token, http.StatusUnauthorized},
		{"invalid token", "Bearer invalid.token.here", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(AuthMiddleware(testAuth))
			router.GET("/test", func(c *gin.Context) {
				c.JSON(http.StatusOK, gin.H{
					"role":  GetRole(c),
					"actor": logger.Actor(c.Request.Context()),
				})
			})

			req := httptest.NewRequest("GET", "/test", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
			if w.Code == http.StatusOK && w.Body.String() != `{"actor":"testuser","role":"cfo"}` {
				t.Errorf("Unexpected body %s", w.Body.String())
			}
		})
	}
}

func TestAuthMiddlewareExpiredToken(t *testing.T) {
	claims := Claims{
		Username: "testuser",
		Tenant:   "testtenant",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
		},
	}
	tokenString, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testAuth.JWTSecret))

	router := gin.New()
	router.Use(AuthMiddleware(testAuth))
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer "+tokenString)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status %d for expired token, got %d", http.StatusUnauthorized, w.Code)
	}
}

func TestRequireRole(t *testing.T) {
	router := gin.New()
	router.Use(AuthMiddleware(testAuth))
	router.POST("/approve", RequireRole(RoleCFO), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	tests := []struct {
		role string
		want int
	}{
		{RoleFinance, http.StatusForbidden},
		{RoleCFO, http.StatusNoContent},
		{RoleAdmin, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/approve", nil)
			req.Header.Set("Authorization", "Bearer "+tokenFor(t, "u", tt.role))
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestContextGetters(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())

	if GetUsername(c) != "" || GetTenant(c) != "" || GetRole(c) != "" {
		t.Error("Expected empty values on a fresh context")
	}

	c.Set("username", "testuser")
	c.Set("tenant", "testtenant")
	c.Set("role", RoleCFO)
	if GetUsername(c) != "testuser" {
		t.Errorf("Expected 'testuser', got '%s'", GetUsername(c))
	}
	if GetTenant(c) != "testtenant" {
		t.Errorf("Expected 'testtenant', got '%s'", GetTenant(c))
	}
	if GetRole(c) != RoleCFO {
		t.Errorf("Expected 'cfo', got '%s'", GetRole(c))
	}
}

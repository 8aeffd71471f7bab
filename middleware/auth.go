package middleware

import (
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/AnTengye/contractbill/config"
	"github.com/AnTengye/contractbill/model"
	"github.com/AnTengye/contractbill/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleFinance = model.RoleFinance
	RoleCFO     = model.RoleCFO
	RoleAdmin   = model.RoleAdmin
)

// Claims represents the JWT claims
type Claims struct {
	Username string `json:"username"`
	Tenant   string `json:"tenant"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// GenerateToken signs a token for user. Users without a role are treated as finance.
func GenerateToken(user *config.User, cfg *config.AuthConfig) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(time.Duration(cfg.TokenExpireHours) * time.Hour)
	role := user.Role
	if role == "" {
		role = RoleFinance
	}

	claims := Claims{
		Username: user.Username,
		Tenant:   user.Tenant,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Username,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(cfg.JWTSecret))
	if err != nil {
		return "", time.Time{}, err
	}
	return tokenString, expiresAt, nil
}

// AuthMiddleware validates the bearer token and stores the identity in both
// the gin context and the request context.
func AuthMiddleware(cfg *config.AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			return
		}

		scheme, tokenString, ok := strings.Cut(authHeader, " ")
		if !ok || scheme != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header format"})
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			return []byte(cfg.JWTSecret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			return
		}

		c.Set("username", claims.Username)
		c.Set("tenant", claims.Tenant)
		c.Set("role", claims.Role)
		c.Request = c.Request.WithContext(
			logger.WithActor(c.Request.Context(), claims.Username, claims.Tenant, claims.Role))

		c.Next()
	}
}

// RequireRole rejects callers whose role is not listed. Admin passes every check.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := GetRole(c)
		if role == RoleAdmin || slices.Contains(roles, role) {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Insufficient role"})
	}
}

func GetUsername(c *gin.Context) string {
	return c.GetString("username")
}

func GetTenant(c *gin.Context) string {
	return c.GetString("tenant")
}

func GetRole(c *gin.Context) string {
	return c.GetString("role")
}

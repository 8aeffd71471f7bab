package handler

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/AnTengye/contractbill/config"
	"github.com/AnTengye/contractbill/middleware"
	"github.com/AnTengye/contractbill/pkg/logger"
	"github.com/gin-gonic/gin"
)

type AuthHandler struct {
	config *config.Config
}

func NewAuthHandler(cfg *config.Config) *AuthHandler {
	return &AuthHandler{config: cfg}
}

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Identity is the caller as the billing API sees it.
type Identity struct {
	Username string `json:"username"`
	Tenant   string `json:"tenant"`
	Role     string `json:"role"`
}

type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
	Identity
}

// Login exchanges configured credentials for a signed bearer token.
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}

	user := h.config.FindUser(req.Username)
	if user == nil || subtle.ConstantTimeCompare([]byte(user.Password), []byte(req.Password)) != 1 {
		logger.Warn(c.Request.Context(), "login rejected", "username", req.Username)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid username or password"})
		return
	}

	token, expiresAt, err := middleware.GenerateToken(user, &h.config.Auth)
	if err != nil {
		respondError(c, err)
		return
	}

	id := Identity{Username: user.Username, Tenant: user.Tenant, Role: user.Role}
	if id.Role == "" {
		id.Role = middleware.RoleFinance
	}
	logger.Info(c.Request.Context(), "login succeeded", "username", id.Username, "tenant", id.Tenant, "role", id.Role)
	c.JSON(http.StatusOK, LoginResponse{
		Token:     token,
		ExpiresAt: expiresAt.Format(time.RFC3339),
		Identity:  id,
	})
}

// GetCurrentUser echoes the identity carried by the bearer token.
func (h *AuthHandler) GetCurrentUser(c *gin.Context) {
	c.JSON(http.StatusOK, Identity{
		Username: middleware.GetUsername(c),
		Tenant:   middleware.GetTenant(c),
		Role:     middleware.GetRole(c),
	})
}

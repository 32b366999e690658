package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"grimoire/pkg/auth"
	"grimoire/pkg/metrics"
)

type AuthService interface {
	Signup(ctx context.Context, email, password string) (*auth.Session, error)
	Login(ctx context.Context, email, password string) (*auth.Session, error)
}

type AuthHandler struct {
	svc     AuthService
	metrics *metrics.Metrics
}

func NewAuthHandler(svc AuthService, m *metrics.Metrics) *AuthHandler {
	return &AuthHandler{svc: svc, metrics: m}
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *AuthHandler) Signup(c *gin.Context) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errBadBody)
		return
	}

	session, err := h.svc.Signup(c.Request.Context(), req.Email, req.Password)
	h.metrics.AuthAttempt("signup", err)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errBadBody)
		return
	}

	session, err := h.svc.Login(c.Request.Context(), req.Email, req.Password)
	h.metrics.AuthAttempt("login", err)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/tech-arch1tect/otpauth/middleware/jwt"
	"github.com/tech-arch1tect/otpauth/services/auth"
	"github.com/tech-arch1tect/otpauth/services/logging"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Options(
	fx.Provide(ProvideHandlers),
)

type AuthService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.Response, error)
	VerifyOTP(ctx context.Context, req auth.VerifyRequest) (*auth.Response, error)
	Login(ctx context.Context, req auth.LoginRequest) (*auth.Response, error)
	GetProfile(ctx context.Context, email string) (*auth.Profile, error)
}

type MessageResponse struct {
	Message string `json:"message"`
}

// Handlers exposes the auth operations over HTTP.
type Handlers struct {
	auth   AuthService
	logger *logging.Service
}

func New(svc AuthService, logger *logging.Service) *Handlers {
	return &Handlers{auth: svc, logger: logger.Named("http")}
}

func ProvideHandlers(svc *auth.Service, logger *logging.Service) *Handlers {
	return New(svc, logger)
}

// Routes mounts the API. requireAuth guards the profile endpoint.
func (h *Handlers) Routes(e *echo.Echo, requireAuth echo.MiddlewareFunc) {
	e.GET("/health", h.Health)

	api := e.Group("/api")
	api.POST("/auth/register", h.Register)
	api.POST("/auth/verify", h.Verify)
	api.POST("/auth/login", h.Login)
	api.GET("/user", h.Profile, requireAuth)
}

func (h *Handlers) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) Register(c echo.Context) error {
	var req auth.RegisterRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, MessageResponse{Message: "Invalid request body"})
	}

	resp, err := h.auth.Register(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handlers) Verify(c echo.Context) error {
	var req auth.VerifyRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, MessageResponse{Message: "Invalid request body"})
	}

	resp, err := h.auth.VerifyOTP(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handlers) Login(c echo.Context) error {
	var req auth.LoginRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, MessageResponse{Message: "Invalid request body"})
	}

	resp, err := h.auth.Login(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handlers) Profile(c echo.Context) error {
	email := jwt.GetEmail(c)
	if email == "" {
		return c.JSON(http.StatusUnauthorized, MessageResponse{Message: "Authentication required"})
	}

	profile, err := h.auth.GetProfile(c.Request().Context(), email)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, profile)
}

// errorStatus maps service errors to a status and the message clients see.
// An empty message passes err.Error() through.
var errorStatus = []struct {
	err     error
	status  int
	message string
}{
	{auth.ErrValidation, http.StatusBadRequest, ""},
	{auth.ErrDuplicateAccount, http.StatusConflict, "Email already exists"},
	{auth.ErrAccountNotFound, http.StatusNotFound, "User not found"},
	{auth.ErrInvalidCredentials, http.StatusUnauthorized, "Invalid credentials"},
	{auth.ErrAccountNotActivated, http.StatusForbidden, "Account not activated. Please verify your OTP first."},
	{auth.ErrInvalidOrExpiredOTP, http.StatusBadRequest, "Invalid or expired OTP"},
	{auth.ErrInvalidOTP, http.StatusBadRequest, "Invalid OTP"},
	{auth.ErrOTPExpired, http.StatusBadRequest, "OTP has expired"},
	{auth.ErrStoreUnavailable, http.StatusServiceUnavailable, "Service temporarily unavailable"},
}

// fail writes the error as {"message"}. Wrapped causes never reach the
// client except for validation details.
func (h *Handlers) fail(c echo.Context, err error) error {
	for _, m := range errorStatus {
		if !errors.Is(err, m.err) {
			continue
		}
		message := m.message
		if message == "" {
			message = err.Error()
		}
		if m.err == auth.ErrStoreUnavailable {
			h.logger.Error("request failed on unavailable store",
				zap.String("path", c.Path()), zap.Error(err))
		}
		return c.JSON(m.status, MessageResponse{Message: message})
	}

	h.logger.Error("unhandled request error", zap.String("path", c.Path()), zap.Error(err))
	return c.JSON(http.StatusInternalServerError, MessageResponse{Message: "Internal server error"})
}

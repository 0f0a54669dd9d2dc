package jwt

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/tech-arch1tect/otpauth/services/jwt"
)

const (
	AccountIDKey = "_jwt_account_id"
	EmailKey     = "_jwt_email"
	ClaimsKey    = "_jwt_claims"
)

type TokenValidator interface {
	ValidateToken(tokenString string) (*jwt.Claims, error)
}

func RequireJWT(validator TokenValidator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Authorization header required")
			}

			if !strings.HasPrefix(authHeader, "Bearer ") {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid authorization header format")
			}

			tokenString := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
			if tokenString == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "JWT token required")
			}

			claims, err := validator.ValidateToken(tokenString)
			if err != nil {
				switch {
				case errors.Is(err, jwt.ErrExpiredToken):
					return echo.NewHTTPError(http.StatusUnauthorized, "JWT token has expired")
				case errors.Is(err, jwt.ErrMalformedToken):
					return echo.NewHTTPError(http.StatusUnauthorized, "Malformed JWT token")
				case errors.Is(err, jwt.ErrInvalidSignature):
					return echo.NewHTTPError(http.StatusUnauthorized, "Invalid JWT token signature")
				default:
					return echo.NewHTTPError(http.StatusUnauthorized, "Invalid JWT token")
				}
			}

			c.Set(AccountIDKey, claims.AccountID)
			c.Set(EmailKey, claims.Subject)
			c.Set(ClaimsKey, claims)

			return next(c)
		}
	}
}

func GetAccountID(c echo.Context) uint {
	if id, ok := c.Get(AccountIDKey).(uint); ok {
		return id
	}
	return 0
}

// GetEmail returns the token subject, which is the account email.
func GetEmail(c echo.Context) string {
	if email, ok := c.Get(EmailKey).(string); ok {
		return email
	}
	return ""
}

func GetClaims(c echo.Context) *jwt.Claims {
	if claims, ok := c.Get(ClaimsKey).(*jwt.Claims); ok {
		return claims
	}
	return nil
}

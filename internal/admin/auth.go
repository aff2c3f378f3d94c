package admin

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	logx "autopub/pkg/logx"
)

const tokenIssuer = "autopub"

// IssueToken signs an HS256 operator token for subject valid for ttl.
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is empty")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    tokenIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func validateToken(secret, raw string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(tokenIssuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// bearerAuth rejects requests without a valid bearer token. An empty secret
// disables the check.
func (s *Server) bearerAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if s.cfg.JWTSecret == "" {
			return c.Next()
		}
		h := c.Get(fiber.HeaderAuthorization)
		raw, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			return fail(c, fiber.StatusUnauthorized, "missing bearer token")
		}
		claims, err := validateToken(s.cfg.JWTSecret, strings.TrimSpace(raw))
		if err != nil {
			s.log.Debug("token rejected", logx.Err(err))
			return fail(c, fiber.StatusUnauthorized, "invalid or expired token")
		}
		c.Locals("operator", claims.Subject)
		return c.Next()
	}
}

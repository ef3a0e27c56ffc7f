package http

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"traffic-monitor-service/internal/config"
)

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer"
	operatorSubject     = "operator"
)

var (
	ErrInvalidCredentials = errors.New("invalid operator password")
	ErrTokenInvalid       = errors.New("token is invalid or expired")
)

// Authenticator issues and checks operator tokens. With no secret configured
// every request is let through.
type Authenticator struct {
	secret   []byte
	password string
	ttl      time.Duration
	now      func() time.Time
}

func NewAuthenticator(cfg config.AuthConfig) *Authenticator {
	return &Authenticator{
		secret:   []byte(cfg.JWTSecret),
		password: cfg.OperatorPassword,
		ttl:      cfg.TokenTTL,
		now:      time.Now,
	}
}

func (a *Authenticator) Enabled() bool {
	return len(a.secret) > 0
}

func (a *Authenticator) IssueToken(password string) (string, time.Time, error) {
	if !a.Enabled() {
		return "", time.Time{}, errors.New("authentication is disabled")
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(a.password)) != 1 {
		return "", time.Time{}, ErrInvalidCredentials
	}

	now := a.now()
	expiresAt := now.Add(a.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   operatorSubject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return token, expiresAt, nil
}

func (a *Authenticator) ValidateToken(tokenString string) error {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if claims.Subject != operatorSubject {
		return fmt.Errorf("%w: unexpected subject", ErrTokenInvalid)
	}
	return nil
}

// Middleware requires a bearer token. Browsers cannot set headers on a
// websocket handshake, so a "token" query parameter is accepted as well.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.Enabled() {
			c.Next()
			return
		}

		token := c.Query("token")
		if header := c.GetHeader(authorizationHeader); header != "" {
			fields := strings.Fields(header)
			if len(fields) != 2 || !strings.EqualFold(fields[0], bearerPrefix) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("invalid authorization header"))
				return
			}
			token = fields[1]
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("missing authorization header"))
			return
		}

		if err := a.ValidateToken(token); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(ErrTokenInvalid.Error()))
			return
		}
		c.Next()
	}
}

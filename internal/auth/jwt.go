package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/golang-jwt/jwt/v5"

	"ipwarden/internal/support"
)

const (
	RoleAdmin = "admin"

	secretEnv       = "WARDEN_JWT_SECRET"
	defaultTokenTTL = 24 * time.Hour
)

var (
	secretOnce sync.Once
	secret     []byte

	ErrMissingToken = errors.New("missing or malformed Authorization header")
	ErrInvalidToken = errors.New("invalid token")
)

func jwtSecret() []byte {
	secretOnce.Do(func() {
		value := support.GetEnv(secretEnv, "")
		if value == "" {
			log.Warn("WARDEN_JWT_SECRET is not set, admin API tokens cannot be validated")
		}
		secret = []byte(value)
	})
	return secret
}

// SetSecret replaces the signing secret.
func SetSecret(value string) {
	secretOnce.Do(func() {})
	secret = []byte(value)
}

// GenerateJWT issues an HS256 token for subject with the given role.
func GenerateJWT(subject, role string, ttl time.Duration) (string, error) {
	key := jwtSecret()
	if len(key) == 0 {
		return "", fmt.Errorf("auth: %s is empty", secretEnv)
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": role,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

func ValidateJWT(tokenString string) (jwt.MapClaims, error) {
	key := jwtSecret()
	if len(key) == 0 {
		return nil, ErrInvalidToken
	}
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func extractClaims(r *http.Request) (jwt.MapClaims, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, ErrMissingToken
	}
	return ValidateJWT(strings.TrimPrefix(header, "Bearer "))
}

// IsAdmin lets the request through only with a valid token carrying the admin role.
func IsAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := extractClaims(r)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if role, _ := claims["role"].(string); role != RoleAdmin {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

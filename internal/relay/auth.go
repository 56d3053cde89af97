package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuth is the class of every token validation failure. The link is
// closed with reason "Authentication failed" without detailing why.
var ErrAuth = errors.New("authentication failed")

// tokenClaims is the signed claim set a peer presents on link
// establishment. ClientID is the peer id the bearer is authorized to use.
type tokenClaims struct {
	ClientID string `json:"clientId"`
	jwt.RegisteredClaims
}

// Authenticate validates a bearer token against the shared secret and
// returns the peer id it authorizes.
func Authenticate(secret []byte, token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: missing token", ErrAuth)
	}
	parsed, err := jwt.ParseWithClaims(token, &tokenClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuth, err)
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid {
		return "", fmt.Errorf("%w: invalid claims", ErrAuth)
	}
	if claims.ClientID == "" {
		return "", fmt.Errorf("%w: token carries no clientId", ErrAuth)
	}
	return claims.ClientID, nil
}

// MintToken signs a claim for clientID, valid for ttl. Used by deployment
// tooling and tests; nodes normally receive their token via configuration.
func MintToken(secret []byte, clientID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

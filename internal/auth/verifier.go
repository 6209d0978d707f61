package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"fieldhub/internal/models"
)

var (
	ErrNoToken      = errors.New("token is empty")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims is the token body issued by the authentication service.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// Identity is what a verified token says about its bearer.
type Identity struct {
	PrincipalID string
	Role        models.Role
	ExpiresAt   time.Time
}

func (i *Identity) Principal() models.Principal {
	return models.Principal{ID: i.PrincipalID, Role: i.Role}
}

// Verifier checks token signature and expiry. It holds either an HMAC shared
// secret or a JWKS key set.
type Verifier struct {
	secret []byte
	keys   *KeySet
	issuer string
	leeway time.Duration
}

// NewHMACVerifier verifies HS256/384/512 tokens signed with secret.
func NewHMACVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer, leeway: 5 * time.Second}
}

// NewJWKSVerifier verifies RS256 tokens against keys.
func NewJWKSVerifier(keys *KeySet, issuer string) *Verifier {
	return &Verifier{keys: keys, issuer: issuer, leeway: 5 * time.Second}
}

// Verify validates a JWT token and returns the identity it carries.
func (v *Verifier) Verify(tokenString string) (*Identity, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return nil, ErrNoToken
	}

	opts := []jwt.ParserOption{
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.keyFunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	role := models.RoleOperator
	if claims.Role != "" {
		parsed, ok := models.ParseRole(claims.Role)
		if !ok {
			return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
		}
		role = parsed
	}

	id := &Identity{PrincipalID: strings.TrimSpace(claims.Subject), Role: role}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}

func (v *Verifier) keyFunc(token *jwt.Token) (any, error) {
	if v.keys != nil {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid not found in token header")
		}
		return v.keys.Key(kid)
	}

	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	if len(v.secret) == 0 {
		return nil, errors.New("no signing secret configured")
	}
	return v.secret, nil
}

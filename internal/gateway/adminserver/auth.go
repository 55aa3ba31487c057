package adminserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/lestrrat-go/jwx/jwk"
)

// Adapted from _examples/EternisAI-enchanted-proxy/internal/auth's
// jwt_validator.go + middleware.go: a JWKS-backed bearer validator
// guarding the admin/status surface, since SPEC_FULL.md's domain-stack
// binding table keeps golang-jwt/jwt/v4 and lestrrat-go/jwx for this
// purpose rather than leaving the session-snapshot endpoint open.

var (
	errNoJWKS        = errors.New("no JWKS URL configured")
	errInvalidToken  = errors.New("invalid admin bearer token")
	errMissingBearer = errors.New("missing bearer token")
)

// operatorClaims is the subset of standard JWT claims the admin
// surface cares about: who is calling, nothing about the survey
// domain itself.
type operatorClaims struct {
	Sub   string `json:"sub"`
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// TokenValidator validates an admin bearer token and returns the
// calling operator's identity.
type TokenValidator interface {
	ValidateToken(tokenString string) (string, error)
}

// jwksValidator validates tokens against a remote JSON Web Key Set,
// re-fetching once on an unknown key id before failing. devMode (no
// JWKS URL configured) accepts any well-formed token unverified, for
// local development — matching the teacher's own devMode fallback.
type jwksValidator struct {
	keySet  jwk.Set
	jwksURL string
	devMode bool
}

// NewJWKSValidator builds a TokenValidator. An empty jwksURL runs in
// development mode: tokens are parsed but not cryptographically
// verified.
func NewJWKSValidator(jwksURL string) (TokenValidator, error) {
	if jwksURL == "" {
		return &jwksValidator{devMode: true}, nil
	}
	keySet, err := jwk.Fetch(context.Background(), jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", jwksURL, err)
	}
	return &jwksValidator{keySet: keySet, jwksURL: jwksURL}, nil
}

func (v *jwksValidator) refreshKeys() error {
	if v.jwksURL == "" {
		return errNoJWKS
	}
	keySet, err := jwk.Fetch(context.Background(), v.jwksURL)
	if err != nil {
		return fmt.Errorf("failed to refresh JWKS from %s: %w", v.jwksURL, err)
	}
	v.keySet = keySet
	return nil
}

func (v *jwksValidator) ValidateToken(tokenString string) (string, error) {
	if v.devMode {
		token, _, err := new(jwt.Parser).ParseUnverified(tokenString, &operatorClaims{})
		if err != nil {
			return "", fmt.Errorf("%w: %v", errInvalidToken, err)
		}
		claims, ok := token.Claims.(*operatorClaims)
		if !ok || claims.Sub == "" {
			return "", errInvalidToken
		}
		return identity(claims), nil
	}

	if v.keySet == nil {
		return "", errNoJWKS
	}

	header, _, err := new(jwt.Parser).ParseUnverified(tokenString, &operatorClaims{})
	if err != nil {
		return "", fmt.Errorf("%w: failed to parse token header: %v", errInvalidToken, err)
	}
	kid, ok := header.Header["kid"].(string)
	if !ok {
		return "", fmt.Errorf("%w: token header missing kid", errInvalidToken)
	}

	key, found := v.keySet.LookupKeyID(kid)
	if !found {
		if err := v.refreshKeys(); err != nil {
			return "", fmt.Errorf("%w: key %s not found and refresh failed: %v", errInvalidToken, kid, err)
		}
		key, found = v.keySet.LookupKeyID(kid)
		if !found {
			return "", fmt.Errorf("%w: key %s not found", errInvalidToken, kid)
		}
	}

	var rawKey interface{}
	if err := key.Raw(&rawKey); err != nil {
		return "", fmt.Errorf("%w: failed to materialize key: %v", errInvalidToken, err)
	}

	validated, err := jwt.ParseWithClaims(tokenString, &operatorClaims{}, func(*jwt.Token) (interface{}, error) {
		return rawKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", errInvalidToken, err)
	}
	claims, ok := validated.Claims.(*operatorClaims)
	if !ok || !validated.Valid {
		return "", errInvalidToken
	}
	if !claims.VerifyExpiresAt(time.Now(), true) {
		return "", errInvalidToken
	}
	return identity(claims), nil
}

func identity(claims *operatorClaims) string {
	if claims.Email != "" {
		return claims.Email
	}
	return claims.Sub
}

// requireBearer is gin middleware extracting and validating the
// Authorization header's bearer token, rejecting the request with 401
// on any failure. Grounded on FirebaseAuthMiddleware.RequireAuth.
func requireBearer(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(401, gin.H{"error": errMissingBearer.Error()})
			return
		}
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(401, gin.H{"error": "Authorization header must be a Bearer token"})
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" {
			c.AbortWithStatusJSON(401, gin.H{"error": errMissingBearer.Error()})
			return
		}
		operator, err := validator.ValidateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(401, gin.H{"error": "invalid or expired token"})
			return
		}
		c.Set("operator", operator)
		c.Next()
	}
}

package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/juju/collections/set"
)

// PermissionMigrate guards every backup, restore and delete operation.
const PermissionMigrate = "migration.admin"

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
	CallerID   string
}

func (e ForbiddenError) Error() string {
	if e.CallerID == "" {
		return fmt.Sprintf("permission %s required", e.Permission)
	}
	return fmt.Sprintf("permission %s required for %s", e.Permission, e.CallerID)
}

// Caller is the identity a request runs as.
type Caller struct {
	ID     string
	Admin  bool
	Source string
}

// Authorizer decides which callers are administrators.
type Authorizer struct {
	admins set.Strings
}

func NewAuthorizer(admins []string) Authorizer {
	return Authorizer{admins: set.NewStrings(admins...)}
}

// Caller resolves a bare id, as passed with --actor-id.
func (a Authorizer) Caller(id string) Caller {
	return Caller{ID: id, Admin: a.admins.Contains(id), Source: "actor"}
}

func (a Authorizer) RequireAdmin(c Caller) error {
	if c.ID == "" {
		return errors.New("caller id required")
	}
	if !c.Admin && !a.admins.Contains(c.ID) {
		return ForbiddenError{Permission: PermissionMigrate, CallerID: c.ID}
	}
	return nil
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Admin bool `json:"admin,omitempty"`
}

// ParseToken validates an HS256 token and resolves its subject.
func (a Authorizer) ParseToken(token, secret string) (Caller, error) {
	if strings.TrimSpace(secret) == "" {
		return Caller{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Caller{}, err
	}
	if !parsed.Valid {
		return Caller{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Caller{}, errors.New("subject claim required")
	}
	return Caller{
		ID:     claims.Subject,
		Admin:  claims.Admin || a.admins.Contains(claims.Subject),
		Source: "jwt",
	}, nil
}

// IssueToken signs an HS256 token for subject.
func IssueToken(subject string, admin bool, secret string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Admin: admin,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

package auth_test

import (
	"errors"
	"testing"
	"time"

	"migratory/internal/auth"
)

func TestRequireAdmin(t *testing.T) {
	a := auth.NewAuthorizer([]string{"admin-1"})
	if err := a.RequireAdmin(a.Caller("admin-1")); err != nil {
		t.Fatalf("admin rejected: %v", err)
	}
	err := a.RequireAdmin(a.Caller("user-2"))
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) || forbidden.Permission != auth.PermissionMigrate {
		t.Fatalf("expected forbidden error, got %v", err)
	}
	if err := a.RequireAdmin(auth.Caller{}); err == nil {
		t.Fatalf("anonymous caller must be rejected")
	}
}

func TestTokenRoundTrip(t *testing.T) {
	a := auth.NewAuthorizer([]string{"admin-1"})
	now := time.Now()
	tok, err := auth.IssueToken("admin-1", false, "s3cret", time.Hour, now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	c, err := a.ParseToken(tok, "s3cret")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.ID != "admin-1" || !c.Admin || c.Source != "jwt" {
		t.Fatalf("unexpected caller %+v", c)
	}

	tok, _ = auth.IssueToken("user-2", true, "s3cret", time.Hour, now)
	c, err = a.ParseToken(tok, "s3cret")
	if err != nil || !c.Admin {
		t.Fatalf("admin claim ignored: %+v %v", c, err)
	}
}

func TestTokenRejected(t *testing.T) {
	a := auth.NewAuthorizer(nil)
	tok, _ := auth.IssueToken("user-2", false, "s3cret", time.Hour, time.Now())
	if _, err := a.ParseToken(tok, "other"); err == nil {
		t.Fatalf("wrong secret must fail")
	}
	expired, _ := auth.IssueToken("user-2", false, "s3cret", time.Minute, time.Now().Add(-time.Hour))
	if _, err := a.ParseToken(expired, "s3cret"); err == nil {
		t.Fatalf("expired token must fail")
	}
	if _, err := a.ParseToken(tok, ""); err == nil {
		t.Fatalf("missing secret must fail")
	}
}

package app_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"migratory/internal/app"
	"migratory/internal/auth"
	"migratory/internal/config"
)

func TestOpenSeedsRootAndDefaults(t *testing.T) {
	dir := t.TempDir()
	a, err := app.Open(context.Background(), dir, app.Options{SeedRoot: true, ActorID: "tester"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	if a.Config.Stack != app.DefaultStack {
		t.Fatalf("expected default stack, got %s", a.Config.Stack)
	}
	id, err := a.Store.Nodes.GetRootID(context.Background())
	if err != nil || id != "root" {
		t.Fatalf("root not seeded: %q %v", id, err)
	}
	if _, err := os.Stat(filepath.Join(dir, ".migratory", "archives")); err != nil {
		t.Fatalf("archive dir not created: %v", err)
	}
}

func TestCallerResolution(t *testing.T) {
	dir := t.TempDir()
	cfg := config.GenerateDefault("prod") + "\n"
	if err := os.WriteFile(config.Path(dir), []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	a, err := app.Open(context.Background(), dir, app.Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	if a.Config.Stack != "prod" {
		t.Fatalf("config not loaded: %s", a.Config.Stack)
	}
	c, err := a.Caller("migration-admin", "")
	if err != nil || !c.Admin {
		t.Fatalf("unexpected caller %+v %v", c, err)
	}
	if _, err := a.Caller("", ""); err == nil {
		t.Fatalf("an empty caller must be rejected")
	}

	a.Config.Auth.TokenSecret = "s3cret"
	tok, _ := auth.IssueToken("svc", true, "s3cret", time.Hour, time.Now())
	c, err = a.Caller("ignored", tok)
	if err != nil || c.ID != "svc" || !c.Admin {
		t.Fatalf("token caller %+v %v", c, err)
	}
}

package migrate

import (
	"context"
	"testing"

	"migratory/internal/db"
)

func TestMigrateIsIdempotentAndVersioned(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	if v, err := Version(ctx, conn); err != nil || v != 0 {
		t.Fatalf("fresh db version %d %v", v, err)
	}
	latest, err := Latest()
	if err != nil || latest < 1 {
		t.Fatalf("latest %d %v", latest, err)
	}
	for i := 0; i < 2; i++ {
		if err := MigrateContext(ctx, conn); err != nil {
			t.Fatalf("migrate run %d: %v", i, err)
		}
	}
	if v, err := Version(ctx, conn); err != nil || v != latest {
		t.Fatalf("expected version %d, got %d %v", latest, v, err)
	}
	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&n); err != nil || n != 1 {
		t.Fatalf("schema_version rows %d %v", n, err)
	}
}

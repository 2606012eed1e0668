package auth_test

import (
	"context"
	"errors"
	"testing"

	"taskrelay/internal/db"
	"taskrelay/internal/domain"
	"taskrelay/internal/engine/auth"
	"taskrelay/internal/migrate"
	"taskrelay/internal/repo"
)

func TestRequireMember(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	r := repo.Repo{DB: conn}
	if err := r.InsertCollection(ctx, nil, domain.Collection{ID: "col-1", Name: "c", CreatedBy: "alice", CreatedAt: "2024-01-01T00:00:00Z"}); err != nil {
		t.Fatal(err)
	}
	if err := r.AddMember(ctx, nil, "col-1", "alice", "owner", "2024-01-01T00:00:00Z"); err != nil {
		t.Fatal(err)
	}
	svc := auth.Service{DB: conn}
	if err := svc.RequireMember(ctx, "col-1", "alice"); err != nil {
		t.Fatalf("alice should be allowed: %v", err)
	}
	err = svc.RequireMember(ctx, "col-1", "bob")
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) || forbidden.ActorID != "bob" {
		t.Fatalf("expected forbidden error, got %v", err)
	}
	if _, err := svc.IsMember(ctx, "col-1", ""); err == nil {
		t.Fatalf("expected error for empty actor")
	}
}

package app

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"taskrelay/internal/config"
	"taskrelay/internal/migrate"
	"taskrelay/internal/realtime"
)

func TestOpenWiresHubPublisher(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt, err := Open(ctx, t.TempDir(), config.Default(), logger)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()

	if v, err := migrate.Version(ctx, rt.DB); err != nil || v == 0 {
		t.Fatalf("expected migrated schema, got version %d err %v", v, err)
	}
	if _, ok := rt.Engine.Publisher.(*realtime.Hub); !ok {
		t.Fatalf("expected hub publisher without kafka, got %T", rt.Engine.Publisher)
	}
	// No bridge without brokers; must be a no-op.
	rt.StartRealtime(ctx)

	c, err := rt.Engine.CreateCollection(ctx, "Ops", "alice")
	if err != nil {
		t.Fatalf("create collection: %v", err)
	}
	if _, err := rt.Engine.Repo.GetCollection(ctx, c.ID); err != nil {
		t.Fatalf("get collection: %v", err)
	}
}

func TestCloseIsRepeatable(t *testing.T) {
	rt, err := Open(context.Background(), t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

package repo_test

import (
	"context"
	"errors"
	"testing"

	"taskrelay/internal/db"
	"taskrelay/internal/domain"
	"taskrelay/internal/migrate"
	"taskrelay/internal/repo"
)

const ts = "2024-01-01T00:00:00Z"

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	if err := r.InsertCollection(ctx, nil, domain.Collection{ID: "col-1", Name: "Team", CreatedBy: "alice", CreatedAt: ts}); err != nil {
		t.Fatalf("insert collection: %v", err)
	}
	if err := r.InsertWorkUnit(ctx, nil, domain.WorkUnit{
		ID: "wu-1", CollectionID: "col-1", CreatorID: "alice", Title: "Fix login",
		WorkflowStatus: domain.StatusCreated, CreatedAt: ts, UpdatedAt: ts,
	}); err != nil {
		t.Fatalf("insert work unit: %v", err)
	}
	return r
}

func TestMessageSequenceAndArtifacts(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	first := domain.Message{ID: "m-1", WorkUnitID: "wu-1", Role: domain.RoleUser, AuthorID: "alice", Body: "hi", DeliveryStatus: domain.DeliverySending, CreatedAt: ts}
	if err := r.InsertMessage(ctx, nil, &first); err != nil {
		t.Fatalf("insert message: %v", err)
	}
	ext := "engine-7"
	second := domain.Message{ID: "m-2", WorkUnitID: "wu-1", Role: domain.RoleAgent, Body: "done", DeliveryStatus: domain.DeliverySent, ExternalID: &ext, CreatedAt: ts}
	if err := r.InsertMessage(ctx, nil, &second); err != nil {
		t.Fatalf("insert message: %v", err)
	}
	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("unexpected sequence %d %d", first.Seq, second.Seq)
	}
	if err := r.InsertArtifact(ctx, nil, domain.Artifact{ID: "a-1", MessageID: "m-2", Kind: domain.ArtifactCodeChange, ContentJSON: `{"diff":"+"}`, CreatedAt: ts}); err != nil {
		t.Fatalf("insert artifact: %v", err)
	}
	got, err := r.GetMessage(ctx, "m-2")
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if len(got.Artifacts) != 1 || got.Artifacts[0].Kind != domain.ArtifactCodeChange {
		t.Fatalf("expected artifact, got %+v", got.Artifacts)
	}
	found, err := r.FindMessageByExternalID(ctx, nil, "wu-1", "engine-7")
	if err != nil || found.ID != "m-2" {
		t.Fatalf("find by external id: %+v %v", found, err)
	}
	if _, err := r.FindMessageByExternalID(ctx, nil, "wu-1", "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	list, err := r.ListMessages(ctx, "wu-1")
	if err != nil || len(list) != 2 || list[0].ID != "m-1" {
		t.Fatalf("list messages: %+v %v", list, err)
	}
}

func TestDeliveryStatusOnlyLeavesSending(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	m := domain.Message{ID: "m-1", WorkUnitID: "wu-1", Role: domain.RoleUser, Body: "hi", DeliveryStatus: domain.DeliverySending, CreatedAt: ts}
	if err := r.InsertMessage(ctx, nil, &m); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateDeliveryStatus(ctx, "m-1", domain.DeliverySent); err != nil {
		t.Fatalf("to sent: %v", err)
	}
	if err := r.UpdateDeliveryStatus(ctx, "m-1", domain.DeliveryError); err != nil {
		t.Fatalf("second update: %v", err)
	}
	got, err := r.GetMessage(ctx, "m-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.DeliveryStatus != domain.DeliverySent {
		t.Fatalf("sent message changed status to %s", got.DeliveryStatus)
	}
	if err := r.UpdateDeliveryStatus(ctx, "nope", domain.DeliverySent); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpdateWorkflow(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	corr := "job-1"
	if _, err := r.UpdateWorkflow(ctx, nil, "wu-1", repo.WorkflowUpdate{Status: domain.StatusQueued, CorrelationID: &corr, UpdatedAt: ts}); err == nil {
		t.Fatalf("expected constraint violation for queued work unit with correlation id")
	}

	started := ts
	changed, err := r.UpdateWorkflow(ctx, nil, "wu-1", repo.WorkflowUpdate{Status: domain.StatusRunning, CorrelationID: &corr, StartedAt: &started, UpdatedAt: ts})
	if err != nil || !changed {
		t.Fatalf("to running: %v changed=%v", err, changed)
	}
	completed := ts
	changed, err = r.UpdateWorkflow(ctx, nil, "wu-1", repo.WorkflowUpdate{Status: domain.StatusCompleted, CompletedAt: &completed, UpdatedAt: ts, OnlyIfActive: true})
	if err != nil || !changed {
		t.Fatalf("to completed: %v changed=%v", err, changed)
	}
	changed, err = r.UpdateWorkflow(ctx, nil, "wu-1", repo.WorkflowUpdate{Status: domain.StatusFailed, UpdatedAt: ts, OnlyIfActive: true})
	if err != nil || changed {
		t.Fatalf("terminal status should not be overwritten: %v changed=%v", err, changed)
	}
	wu, err := r.GetWorkUnit(ctx, "wu-1")
	if err != nil {
		t.Fatal(err)
	}
	if wu.WorkflowStatus != domain.StatusCompleted || wu.ExternalCorrelationID == nil || *wu.ExternalCorrelationID != "job-1" {
		t.Fatalf("unexpected work unit %+v", wu)
	}
}

func TestSetCorrelationIDIgnoresStatus(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	completed := ts
	if _, err := r.UpdateWorkflow(ctx, nil, "wu-1", repo.WorkflowUpdate{Status: domain.StatusCompleted, CompletedAt: &completed, UpdatedAt: ts}); err != nil {
		t.Fatalf("to completed: %v", err)
	}
	if err := r.SetCorrelationID(ctx, "wu-1", "job-7", ts); err != nil {
		t.Fatalf("set correlation: %v", err)
	}
	wu, err := r.GetWorkUnit(ctx, "wu-1")
	if err != nil {
		t.Fatal(err)
	}
	if wu.WorkflowStatus != domain.StatusCompleted || wu.ExternalCorrelationID == nil || *wu.ExternalCorrelationID != "job-7" {
		t.Fatalf("unexpected work unit %+v", wu)
	}
	if err := r.SetCorrelationID(ctx, "missing", "job-8", ts); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSoftDeleteAndTitle(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if err := r.UpdateWorkUnitTitle(ctx, nil, "wu-1", "Fix signup", ts); err != nil {
		t.Fatalf("title: %v", err)
	}
	if err := r.SoftDeleteWorkUnit(ctx, "wu-1", ts); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := r.SoftDeleteWorkUnit(ctx, "wu-1", "2024-02-01T00:00:00Z"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	wu, err := r.GetWorkUnit(ctx, "wu-1")
	if err != nil {
		t.Fatal(err)
	}
	if wu.Title != "Fix signup" || wu.DeletedAt == nil || *wu.DeletedAt != ts {
		t.Fatalf("unexpected work unit %+v", wu)
	}
	if err := r.UpdateWorkUnitTitle(ctx, nil, "wu-1", "again", ts); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for deleted work unit, got %v", err)
	}
	if err := r.SoftDeleteWorkUnit(ctx, "missing", ts); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAccountsAndInfrastructure(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if _, err := r.GetInfrastructure(ctx, "col-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected no infrastructure, got %v", err)
	}
	if err := r.UpsertInfrastructure(ctx, domain.Infrastructure{CollectionID: "col-1", SandboxURL: "https://sbx", PoolID: "pool", UpdatedAt: ts}); err != nil {
		t.Fatal(err)
	}
	inf, err := r.GetInfrastructure(ctx, "col-1")
	if err != nil || inf.SandboxURL != "https://sbx" || inf.SecretAlias != "" {
		t.Fatalf("unexpected infrastructure %+v %v", inf, err)
	}
	if err := r.UpsertAccount(ctx, domain.Account{ActorID: "alice", Provider: "github", Handle: "al", AccessToken: "tok", UpdatedAt: ts}); err != nil {
		t.Fatal(err)
	}
	if err := r.UpsertAccount(ctx, domain.Account{ActorID: "alice", Provider: "github", Handle: "alice", AccessToken: "tok2", UpdatedAt: ts}); err != nil {
		t.Fatal(err)
	}
	acct, err := r.GetAccount(ctx, "alice", "github")
	if err != nil || acct.Handle != "alice" || acct.AccessToken != "tok2" {
		t.Fatalf("unexpected account %+v %v", acct, err)
	}
	if err := r.AddMember(ctx, nil, "col-1", "alice", "", ts); err != nil {
		t.Fatal(err)
	}
	ok, err := r.IsMember(ctx, "col-1", "alice")
	if err != nil || !ok {
		t.Fatalf("expected member: %v", err)
	}
	ok, _ = r.IsMember(ctx, "col-1", "bob")
	if ok {
		t.Fatalf("bob should not be a member")
	}
}

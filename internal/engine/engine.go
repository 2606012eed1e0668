package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskrelay/internal/config"
	"taskrelay/internal/domain"
	"taskrelay/internal/engine/auth"
	"taskrelay/internal/events"
	"taskrelay/internal/realtime"
	"taskrelay/internal/repo"
	"taskrelay/internal/vault"
	"taskrelay/internal/workflow"
)

// ErrValidation marks caller input errors.
var ErrValidation = errors.New("validation failed")

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Auth      auth.Service
	Vault     *vault.Vault
	Workflow  *workflow.Client
	Publisher realtime.Publisher
	Callbacks CallbackConfig
	// Provider is the identity provider whose account is forwarded with jobs.
	Provider string
	Now      func() time.Time
	Logger   *slog.Logger
}

// CallbackConfig controls the webhook URL handed to the workflow engine.
type CallbackConfig struct {
	// BaseURL is the public URL of this service including its API base path.
	BaseURL string
	Secret  string
}

func New(db *sql.DB, cfg *config.Config, v *vault.Vault, pub realtime.Publisher, logger *slog.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if v == nil {
		v = vault.New(cfg.KeySource(), logger)
	}
	if pub == nil {
		pub = realtime.NopPublisher{}
	}
	provider := cfg.Engine.Provider
	if provider == "" {
		provider = "github"
	}
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		Auth:      auth.Service{DB: db},
		Vault:     v,
		Workflow:  workflow.New(cfg.Workflow()),
		Publisher: pub,
		Callbacks: CallbackConfig{
			BaseURL: strings.TrimRight(cfg.Server.PublicURL, "/") + cfg.Server.BasePath,
			Secret:  cfg.Webhook.Secret,
		},
		Provider: provider,
		Now:      time.Now,
		Logger:   logger,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) vault() *vault.Vault {
	if e.Vault != nil {
		return e.Vault
	}
	return vault.New(nil, e.logger())
}

// publish sends a realtime event. Delivery is best effort; failures are logged.
func (e Engine) publish(ctx context.Context, channel, event string, payload any) {
	if e.Publisher == nil {
		return
	}
	if err := e.Publisher.Publish(ctx, channel, event, payload); err != nil {
		e.logger().Warn("realtime publish failed", "channel", channel, "event", event, "error", err)
	}
}

// audit appends an event outside a transaction; failures are logged.
func (e Engine) audit(ctx context.Context, evtType, entityKind, entityID, actorID string, payload events.EventPayload) {
	if err := e.Events.Append(ctx, nil, evtType, entityKind, entityID, actorID, payload); err != nil {
		e.logger().Warn("append audit event failed", "type", evtType, "entity_id", entityID, "error", err)
	}
}

func newID() string {
	return uuid.NewString()
}

// CreateCollection creates a collection and makes actorID its owner.
func (e Engine) CreateCollection(ctx context.Context, name, actorID string) (domain.Collection, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Collection{}, validationError("name is required")
	}
	if actorID == "" {
		return domain.Collection{}, validationError("actor_id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Collection{}, err
	}
	defer tx.Rollback()

	c := domain.Collection{ID: newID(), Name: name, CreatedBy: actorID, CreatedAt: e.stamp()}
	if err := e.Repo.InsertCollection(ctx, tx, c); err != nil {
		return domain.Collection{}, fmt.Errorf("insert collection: %w", err)
	}
	if err := e.Repo.AddMember(ctx, tx, c.ID, actorID, "owner", c.CreatedAt); err != nil {
		return domain.Collection{}, fmt.Errorf("add owner: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeCollectionCreated, "collection", c.ID, actorID, events.EventPayload{"name": c.Name}); err != nil {
		return domain.Collection{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Collection{}, err
	}
	return c, nil
}

// AddMember grants actorID access to a collection.
func (e Engine) AddMember(ctx context.Context, collectionID, actorID string) error {
	if _, err := e.Repo.GetCollection(ctx, collectionID); err != nil {
		return err
	}
	return e.Repo.AddMember(ctx, nil, collectionID, actorID, "member", e.stamp())
}

// SetInfrastructure records the execution endpoints used for a collection's jobs.
func (e Engine) SetInfrastructure(ctx context.Context, inf domain.Infrastructure) (domain.Infrastructure, error) {
	if _, err := e.Repo.GetCollection(ctx, inf.CollectionID); err != nil {
		return domain.Infrastructure{}, err
	}
	inf.UpdatedAt = e.stamp()
	if err := e.Repo.UpsertInfrastructure(ctx, inf); err != nil {
		return domain.Infrastructure{}, err
	}
	return inf, nil
}

// SetCredential encrypts token with the vault and stores it on the actor's account.
func (e Engine) SetCredential(ctx context.Context, actorID, provider, handle, token string) (domain.Account, error) {
	if actorID == "" {
		return domain.Account{}, validationError("actor_id is required")
	}
	if provider = strings.TrimSpace(provider); provider == "" {
		return domain.Account{}, validationError("provider is required")
	}
	if handle = strings.TrimSpace(handle); handle == "" {
		return domain.Account{}, validationError("handle is required")
	}
	sealed, err := e.vault().EncryptString(ctx, "access_token", token)
	if err != nil {
		if errors.Is(err, vault.ErrEmptyValue) {
			return domain.Account{}, validationError("token is required")
		}
		return domain.Account{}, err
	}
	acct := domain.Account{ActorID: actorID, Provider: provider, Handle: handle, AccessToken: sealed, UpdatedAt: e.stamp()}
	if err := e.Repo.UpsertAccount(ctx, acct); err != nil {
		return domain.Account{}, err
	}
	e.audit(ctx, events.TypeCredentialStored, "account", actorID+"/"+provider, actorID, events.EventPayload{
		"provider": provider,
		"key_id":   e.vault().ActiveKeyID(),
	})
	return acct, nil
}

// GetWorkUnit returns a live work unit; soft deleted ones are reported as not found.
func (e Engine) GetWorkUnit(ctx context.Context, id string) (domain.WorkUnit, error) {
	w, err := e.Repo.GetWorkUnit(ctx, id)
	if err != nil {
		return w, err
	}
	if w.DeletedAt != nil {
		return domain.WorkUnit{}, repo.ErrNotFound
	}
	return w, nil
}

// UpdateTitle renames a work unit and broadcasts the change to its task and
// collection channels.
func (e Engine) UpdateTitle(ctx context.Context, workUnitID, title, actorID string) (domain.WorkUnit, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return domain.WorkUnit{}, validationError("title is required")
	}
	w, err := e.GetWorkUnit(ctx, workUnitID)
	if err != nil {
		return domain.WorkUnit{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkUnit{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateWorkUnitTitle(ctx, tx, w.ID, title, e.stamp()); err != nil {
		return domain.WorkUnit{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeWorkUnitTitle, "work_unit", w.ID, actorID, events.EventPayload{"from": w.Title, "to": title}); err != nil {
		return domain.WorkUnit{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkUnit{}, err
	}
	e.broadcastTitle(ctx, w, title)
	return e.Repo.GetWorkUnit(ctx, w.ID)
}

func (e Engine) broadcastTitle(ctx context.Context, w domain.WorkUnit, title string) {
	payload := realtime.TitleUpdatePayload{TargetID: w.ID, Title: title}
	e.publish(ctx, realtime.ChannelName(realtime.TargetWorkUnit, w.ID), realtime.EventTitleUpdate, payload)
	e.publish(ctx, realtime.ChannelName(realtime.TargetCollection, w.CollectionID), realtime.EventTitleUpdate, payload)
}

// SoftDelete hides a work unit from further dispatches and callbacks.
func (e Engine) SoftDelete(ctx context.Context, workUnitID, actorID string) error {
	if err := e.Repo.SoftDeleteWorkUnit(ctx, workUnitID, e.stamp()); err != nil {
		return err
	}
	e.audit(ctx, events.TypeWorkUnitDeleted, "work_unit", workUnitID, actorID, nil)
	return nil
}

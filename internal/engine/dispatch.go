package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"taskrelay/internal/domain"
	"taskrelay/internal/events"
	"taskrelay/internal/realtime"
	"taskrelay/internal/repo"
	"taskrelay/internal/workflow"
)

// CreateWorkUnitOptions are parameters for creating and dispatching a work unit.
type CreateWorkUnitOptions struct {
	Title         string
	Description   string
	CollectionID  string
	CreatorID     string
	Message       string
	AssigneeID    string
	RepositoryRef string
	Estimate      *float64
	Mode          string
	ContextTags   []string
	ExtraContext  map[string]any
	Attachments   []workflow.Attachment
}

type CreateResult struct {
	WorkUnit domain.WorkUnit `json:"work_unit"`
	Message  domain.Message  `json:"message"`
	Dispatch *DispatchResult `json:"dispatch"`
}

// ContinueOptions are parameters for adding a message to an existing work unit.
type ContinueOptions struct {
	WorkUnitID   string
	Body         string
	CreatorID    string
	Mode         string
	ContextTags  []string
	ExtraContext map[string]any
	Attachments  []workflow.Attachment
	ReplyTo      string
}

type ContinueResult struct {
	WorkUnit domain.WorkUnit `json:"work_unit"`
	Message  domain.Message  `json:"message"`
	Dispatch *DispatchResult `json:"dispatch"`
}

// DispatchResult reports the outcome of a submission to the workflow engine.
// A failed dispatch is a result, not an error: the message stays recorded.
type DispatchResult struct {
	Success       bool   `json:"success"`
	CorrelationID string `json:"correlation_id,omitempty"`
	WorkflowID    int    `json:"workflow_id,omitempty"`
	StatusCode    int    `json:"status_code,omitempty"`
	Error         string `json:"error,omitempty"`
}

type dispatchInput struct {
	ActorID      string
	Mode         string
	ContextTags  []string
	ExtraContext map[string]any
	Attachments  []workflow.Attachment
}

func (e Engine) CreateWorkUnitAndDispatch(ctx context.Context, opts CreateWorkUnitOptions) (CreateResult, error) {
	opts.Title = strings.TrimSpace(opts.Title)
	if opts.Title == "" {
		return CreateResult{}, validationError("title is required")
	}
	if opts.CollectionID == "" {
		return CreateResult{}, validationError("collection_id is required")
	}
	if strings.TrimSpace(opts.Message) == "" {
		return CreateResult{}, validationError("message is required")
	}
	if opts.CreatorID == "" {
		return CreateResult{}, validationError("creator_id is required")
	}
	if opts.Estimate != nil && *opts.Estimate < 0 {
		return CreateResult{}, validationError("estimate must not be negative")
	}
	if _, err := e.Repo.GetCollection(ctx, opts.CollectionID); err != nil {
		return CreateResult{}, err
	}

	now := e.stamp()
	wu := domain.WorkUnit{
		ID:             newID(),
		CollectionID:   opts.CollectionID,
		CreatorID:      opts.CreatorID,
		Title:          opts.Title,
		Description:    opts.Description,
		WorkflowStatus: domain.StatusCreated,
		AssigneeID:     optional(opts.AssigneeID),
		RepositoryRef:  optional(opts.RepositoryRef),
		Estimate:       opts.Estimate,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	msg := domain.Message{
		ID:             newID(),
		WorkUnitID:     wu.ID,
		Role:           domain.RoleUser,
		AuthorID:       opts.CreatorID,
		Body:           opts.Message,
		DeliveryStatus: domain.DeliverySending,
		CreatedAt:      now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return CreateResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertWorkUnit(ctx, tx, wu); err != nil {
		return CreateResult{}, fmt.Errorf("insert work unit: %w", err)
	}
	if err := e.Repo.InsertMessage(ctx, tx, &msg); err != nil {
		return CreateResult{}, fmt.Errorf("insert message: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeWorkUnitCreated, "work_unit", wu.ID, opts.CreatorID, events.EventPayload{
		"collection_id": wu.CollectionID,
		"title":         wu.Title,
		"message_id":    msg.ID,
	}); err != nil {
		return CreateResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return CreateResult{}, err
	}
	e.publish(ctx, realtime.ChannelName(realtime.TargetWorkUnit, wu.ID), realtime.EventNewMessage,
		realtime.NewMessagePayload{MessageID: msg.ID, WorkUnitID: wu.ID})

	result := e.dispatch(ctx, wu, msg, dispatchInput{
		ActorID:      opts.CreatorID,
		Mode:         opts.Mode,
		ContextTags:  opts.ContextTags,
		ExtraContext: opts.ExtraContext,
		Attachments:  opts.Attachments,
	})
	wu, msg, err = e.reload(ctx, wu.ID, msg.ID)
	if err != nil {
		return CreateResult{}, err
	}
	return CreateResult{WorkUnit: wu, Message: msg, Dispatch: result}, nil
}

func (e Engine) ContinueWorkUnit(ctx context.Context, opts ContinueOptions) (ContinueResult, error) {
	if strings.TrimSpace(opts.Body) == "" {
		return ContinueResult{}, validationError("body is required")
	}
	if opts.CreatorID == "" {
		return ContinueResult{}, validationError("creator_id is required")
	}
	wu, err := e.GetWorkUnit(ctx, opts.WorkUnitID)
	if err != nil {
		return ContinueResult{}, err
	}
	msg := domain.Message{
		ID:             newID(),
		WorkUnitID:     wu.ID,
		Role:           domain.RoleUser,
		AuthorID:       opts.CreatorID,
		Body:           opts.Body,
		DeliveryStatus: domain.DeliverySending,
		ReplyToID:      optional(opts.ReplyTo),
		CreatedAt:      e.stamp(),
	}
	if err := e.Repo.InsertMessage(ctx, nil, &msg); err != nil {
		return ContinueResult{}, fmt.Errorf("insert message: %w", err)
	}
	e.audit(ctx, events.TypeMessageAppended, "message", msg.ID, opts.CreatorID, events.EventPayload{"work_unit_id": wu.ID, "role": msg.Role})
	e.publish(ctx, realtime.ChannelName(realtime.TargetWorkUnit, wu.ID), realtime.EventNewMessage,
		realtime.NewMessagePayload{MessageID: msg.ID, WorkUnitID: wu.ID})

	result := e.dispatch(ctx, wu, msg, dispatchInput{
		ActorID:      opts.CreatorID,
		Mode:         opts.Mode,
		ContextTags:  opts.ContextTags,
		ExtraContext: opts.ExtraContext,
		Attachments:  opts.Attachments,
	})
	wu, msg, err = e.reload(ctx, wu.ID, msg.ID)
	if err != nil {
		return ContinueResult{}, err
	}
	return ContinueResult{WorkUnit: wu, Message: msg, Dispatch: result}, nil
}

func (e Engine) reload(ctx context.Context, workUnitID, messageID string) (domain.WorkUnit, domain.Message, error) {
	wu, err := e.Repo.GetWorkUnit(ctx, workUnitID)
	if err != nil {
		return domain.WorkUnit{}, domain.Message{}, err
	}
	msg, err := e.Repo.GetMessage(ctx, messageID)
	if err != nil {
		return domain.WorkUnit{}, domain.Message{}, err
	}
	return wu, msg, nil
}

// dispatch submits the persisted message to the workflow engine. It never
// returns an error: every failure is recorded on the work unit and message
// and reported through the result. A nil result means the engine is not
// configured and nothing was attempted.
func (e Engine) dispatch(ctx context.Context, wu domain.WorkUnit, msg domain.Message, in dispatchInput) *DispatchResult {
	log := e.logger().With("work_unit_id", wu.ID, "message_id", msg.ID)
	if !e.Workflow.Configured() {
		e.setDelivery(ctx, msg.ID, domain.DeliverySent)
		log.Debug("workflow engine not configured; skipping dispatch")
		return nil
	}

	handle, token, err := e.resolveCredentials(ctx, in.ActorID)
	if err != nil {
		// The work unit keeps its prior status; nothing was submitted.
		log.Error("resolve credentials", "actor_id", in.ActorID, "error", err)
		e.setDelivery(ctx, msg.ID, domain.DeliveryError)
		e.audit(ctx, events.TypeDispatchFailed, "work_unit", wu.ID, in.ActorID, events.EventPayload{"stage": "credentials"})
		return &DispatchResult{Success: false, Error: "credential resolution failed"}
	}

	inf, err := e.Repo.GetInfrastructure(ctx, wu.CollectionID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		log.Error("load infrastructure", "collection_id", wu.CollectionID, "error", err)
		e.setDelivery(ctx, msg.ID, domain.DeliveryError)
		e.audit(ctx, events.TypeDispatchFailed, "work_unit", wu.ID, in.ActorID, events.EventPayload{"stage": "infrastructure"})
		return &DispatchResult{Success: false, Error: "infrastructure lookup failed"}
	}

	workflowID, err := e.Workflow.SelectTemplate(in.Mode)
	if err != nil {
		log.Error("select workflow template", "mode", in.Mode, "error", err)
		e.setDelivery(ctx, msg.ID, domain.DeliveryError)
		e.failWorkUnit(ctx, wu)
		e.audit(ctx, events.TypeDispatchFailed, "work_unit", wu.ID, in.ActorID, events.EventPayload{"stage": "template", "mode": in.Mode})
		return &DispatchResult{Success: false, Error: err.Error()}
	}

	contextTags := in.ContextTags
	if contextTags == nil {
		contextTags = []string{}
	}
	attachments := in.Attachments
	if attachments == nil {
		attachments = []workflow.Attachment{}
	}
	mode := in.Mode
	if mode == "" {
		mode = workflow.ModeDefault
	}
	job := workflow.JobDescriptor{
		WorkUnitID:     wu.ID,
		Message:        msg.Body,
		Context:        contextTags,
		ExtraContext:   in.ExtraContext,
		WebhookURL:     e.WebhookURL(wu.ID),
		GithubUsername: handle,
		GithubToken:    token,
		SandboxURL:     inf.SandboxURL,
		SecretAlias:    inf.SecretAlias,
		PoolID:         inf.PoolID,
		Attachments:    attachments,
		Mode:           mode,
	}
	if wu.RepositoryRef != nil {
		job.Repository = *wu.RepositoryRef
	}

	// A queued work unit carries no correlation id, even one from an earlier run.
	noCorrelation := ""
	e.setWorkflow(ctx, wu, repo.WorkflowUpdate{Status: domain.StatusQueued, CorrelationID: &noCorrelation, UpdatedAt: e.stamp()})

	resp, err := e.Workflow.Submit(ctx, workflow.SubmitRequest{
		Name:       wu.Title,
		WorkflowID: workflowID,
		WebhookURL: job.WebhookURL,
		Vars:       job,
	})
	if err != nil {
		res := &DispatchResult{Success: false, WorkflowID: workflowID, Error: err.Error()}
		var terr *workflow.TransportError
		if errors.As(err, &terr) && terr.Delivered() {
			// The engine received the message; it refused the job.
			res.StatusCode = terr.StatusCode
			e.setDelivery(ctx, msg.ID, domain.DeliverySent)
		} else {
			e.setDelivery(ctx, msg.ID, domain.DeliveryError)
		}
		log.Warn("workflow submission failed", "workflow_id", workflowID, "status_code", res.StatusCode, "error", err)
		e.failWorkUnit(ctx, wu)
		e.audit(ctx, events.TypeDispatchFailed, "work_unit", wu.ID, in.ActorID, events.EventPayload{
			"stage":       "submit",
			"workflow_id": workflowID,
			"status_code": res.StatusCode,
		})
		return res
	}

	e.setDelivery(ctx, msg.ID, domain.DeliverySent)
	started := e.stamp()
	// Only a queued unit becomes running; a fast callback may already have finished it.
	e.setWorkflow(ctx, wu, repo.WorkflowUpdate{Status: domain.StatusRunning, StartedAt: &started, ClearCompleted: true, UpdatedAt: started, RequireStatus: domain.StatusQueued})
	if resp.JobID != "" {
		// Stored whichever status won, once the unit has left queued.
		if err := e.Repo.SetCorrelationID(ctx, wu.ID, resp.JobID, started); err != nil {
			log.Error("store correlation id", "correlation_id", resp.JobID, "error", err)
		}
	} else {
		log.Warn("workflow response carried no job id", "workflow_id", workflowID)
	}
	e.audit(ctx, events.TypeDispatchSubmitted, "work_unit", wu.ID, in.ActorID, events.EventPayload{
		"workflow_id":    workflowID,
		"correlation_id": resp.JobID,
		"mode":           mode,
	})
	log.Info("work unit dispatched", "workflow_id", workflowID, "correlation_id", resp.JobID)
	return &DispatchResult{Success: true, CorrelationID: resp.JobID, WorkflowID: workflowID, StatusCode: resp.StatusCode}
}

// resolveCredentials returns the actor's identity handle and plaintext token.
// A missing account yields empty values.
func (e Engine) resolveCredentials(ctx context.Context, actorID string) (string, string, error) {
	acct, err := e.Repo.GetAccount(ctx, actorID, e.Provider)
	if errors.Is(err, repo.ErrNotFound) {
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}
	if acct.AccessToken == "" {
		return acct.Handle, "", nil
	}
	token, err := e.vault().DecryptField(ctx, "access_token", acct.AccessToken)
	if err != nil {
		return "", "", err
	}
	return acct.Handle, token, nil
}

func (e Engine) setDelivery(ctx context.Context, messageID, status string) {
	if err := e.Repo.UpdateDeliveryStatus(ctx, messageID, status); err != nil {
		e.logger().Error("update delivery status", "message_id", messageID, "status", status, "error", err)
	}
}

func (e Engine) failWorkUnit(ctx context.Context, wu domain.WorkUnit) {
	completed := e.stamp()
	e.setWorkflow(ctx, wu, repo.WorkflowUpdate{Status: domain.StatusFailed, CompletedAt: &completed, UpdatedAt: completed})
}

// setWorkflow persists a workflow transition and announces it on the task channel.
func (e Engine) setWorkflow(ctx context.Context, wu domain.WorkUnit, u repo.WorkflowUpdate) {
	changed, err := e.Repo.UpdateWorkflow(ctx, nil, wu.ID, u)
	if err != nil {
		e.logger().Error("update workflow status", "work_unit_id", wu.ID, "status", u.Status, "error", err)
		return
	}
	if !changed {
		return
	}
	e.announceStatus(ctx, wu.ID)
}

func (e Engine) announceStatus(ctx context.Context, workUnitID string) {
	cur, err := e.Repo.GetWorkUnit(ctx, workUnitID)
	if err != nil {
		e.logger().Warn("reload work unit for status event", "work_unit_id", workUnitID, "error", err)
		return
	}
	e.publish(ctx, realtime.ChannelName(realtime.TargetWorkUnit, cur.ID), realtime.EventWorkflowStatus, realtime.WorkflowStatusPayload{
		WorkUnitID:  cur.ID,
		Status:      cur.WorkflowStatus,
		StartedAt:   cur.WorkflowStartedAt,
		CompletedAt: cur.WorkflowCompletedAt,
	})
}

func optional(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

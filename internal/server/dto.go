package server

import (
	"encoding/json"

	"taskrelay/internal/domain"
	"taskrelay/internal/engine"
	"taskrelay/internal/workflow"
)

// Request payloads

type CreateCollectionRequest struct {
	Name string `json:"name"`
}

type AddMemberRequest struct {
	ActorID string `json:"actor_id"`
}

type SetInfrastructureRequest struct {
	SandboxURL  *string `json:"sandbox_url,omitempty"`
	SecretAlias *string `json:"secret_alias,omitempty"`
	PoolID      *string `json:"pool_id,omitempty"`
}

type AttachmentRequest struct {
	Name        string `json:"name"`
	URL         string `json:"url" format:"uri"`
	ContentType string `json:"content_type,omitempty"`
}

type CreateWorkUnitRequest struct {
	Title         string              `json:"title"`
	Description   *string             `json:"description,omitempty"`
	Message       string              `json:"message"`
	AssigneeID    *string             `json:"assignee_id,omitempty"`
	RepositoryRef *string             `json:"repository_ref,omitempty"`
	Estimate      *float64            `json:"estimate,omitempty"`
	Mode          string              `json:"mode,omitempty" enum:"live,test,unit,integration,default"`
	Context       []string            `json:"context,omitempty"`
	ExtraContext  map[string]any      `json:"extra_context,omitempty"`
	Attachments   []AttachmentRequest `json:"attachments,omitempty"`
}

type ContinueWorkUnitRequest struct {
	Body         string              `json:"body"`
	ReplyTo      *string             `json:"reply_to,omitempty"`
	Mode         string              `json:"mode,omitempty" enum:"live,test,unit,integration,default"`
	Context      []string            `json:"context,omitempty"`
	ExtraContext map[string]any      `json:"extra_context,omitempty"`
	Attachments  []AttachmentRequest `json:"attachments,omitempty"`
}

type UpdateWorkUnitRequest struct {
	Title string `json:"title"`
}

type SetCredentialRequest struct {
	Handle string `json:"handle"`
	Token  string `json:"token"`
}

// Response payloads

type CollectionResponse struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	CreatedBy string   `json:"created_by"`
	Members   []string `json:"members,omitempty"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

type WorkUnitResponse struct {
	ID                    string   `json:"id"`
	CollectionID          string   `json:"collection_id"`
	CreatorID             string   `json:"creator_id"`
	Title                 string   `json:"title"`
	Description           string   `json:"description,omitempty"`
	WorkflowStatus        string   `json:"workflow_status" enum:"created,queued,running,completed,failed"`
	ExternalCorrelationID *string  `json:"external_correlation_id,omitempty"`
	AssigneeID            *string  `json:"assignee_id,omitempty"`
	RepositoryRef         *string  `json:"repository_ref,omitempty"`
	Estimate              *float64 `json:"estimate,omitempty"`
	WorkflowStartedAt     *string  `json:"workflow_started_at,omitempty" format:"date-time"`
	WorkflowCompletedAt   *string  `json:"workflow_completed_at,omitempty" format:"date-time"`
	CreatedAt             string   `json:"created_at" format:"date-time"`
	UpdatedAt             string   `json:"updated_at" format:"date-time"`
}

type ArtifactResponse struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind" enum:"code_change,form,preview,text"`
	Title     string          `json:"title,omitempty"`
	Content   json.RawMessage `json:"content"`
	CreatedAt string          `json:"created_at" format:"date-time"`
}

type MessageResponse struct {
	ID             string             `json:"id"`
	WorkUnitID     string             `json:"work_unit_id"`
	Seq            int64              `json:"seq"`
	Role           string             `json:"role" enum:"user,agent"`
	AuthorID       string             `json:"author_id,omitempty"`
	Body           string             `json:"body"`
	DeliveryStatus string             `json:"delivery_status" enum:"sending,sent,error"`
	ReplyToID      *string            `json:"reply_to_id,omitempty"`
	Artifacts      []ArtifactResponse `json:"artifacts"`
	CreatedAt      string             `json:"created_at" format:"date-time"`
}

type DispatchResponse struct {
	Success       bool   `json:"success"`
	CorrelationID string `json:"correlation_id,omitempty"`
	WorkflowID    int    `json:"workflow_id,omitempty"`
	StatusCode    int    `json:"status_code,omitempty"`
	Error         string `json:"error,omitempty"`
}

// DispatchOutcomeResponse is returned by create and continue. Dispatch is
// null when no workflow engine is configured.
type DispatchOutcomeResponse struct {
	WorkUnit WorkUnitResponse  `json:"work_unit"`
	Message  MessageResponse   `json:"message"`
	Dispatch *DispatchResponse `json:"dispatch"`
}

type CredentialResponse struct {
	ActorID   string `json:"actor_id"`
	Provider  string `json:"provider"`
	Handle    string `json:"handle"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type CallbackResponse struct {
	WorkUnitID     string   `json:"work_unit_id"`
	WorkflowStatus string   `json:"workflow_status" enum:"created,queued,running,completed,failed"`
	MessageIDs     []string `json:"message_ids"`
	Duplicates     int      `json:"duplicates"`
	StatusApplied  bool     `json:"status_applied"`
}

// StreamState is sent on realtime streams whenever the subscription changes state.
type StreamState struct {
	State string `json:"state" enum:"disconnected,connecting,connected"`
	Error string `json:"error,omitempty"`
}

// Conversion helpers

func collectionResponse(c domain.Collection, members []string) CollectionResponse {
	return CollectionResponse{
		ID:        c.ID,
		Name:      c.Name,
		CreatedBy: c.CreatedBy,
		Members:   members,
		CreatedAt: c.CreatedAt,
	}
}

func workUnitResponse(w domain.WorkUnit) WorkUnitResponse {
	return WorkUnitResponse{
		ID:                    w.ID,
		CollectionID:          w.CollectionID,
		CreatorID:             w.CreatorID,
		Title:                 w.Title,
		Description:           w.Description,
		WorkflowStatus:        w.WorkflowStatus,
		ExternalCorrelationID: w.ExternalCorrelationID,
		AssigneeID:            w.AssigneeID,
		RepositoryRef:         w.RepositoryRef,
		Estimate:              w.Estimate,
		WorkflowStartedAt:     w.WorkflowStartedAt,
		WorkflowCompletedAt:   w.WorkflowCompletedAt,
		CreatedAt:             w.CreatedAt,
		UpdatedAt:             w.UpdatedAt,
	}
}

func messageResponse(m domain.Message) MessageResponse {
	res := MessageResponse{
		ID:             m.ID,
		WorkUnitID:     m.WorkUnitID,
		Seq:            m.Seq,
		Role:           m.Role,
		AuthorID:       m.AuthorID,
		Body:           m.Body,
		DeliveryStatus: m.DeliveryStatus,
		ReplyToID:      m.ReplyToID,
		Artifacts:      []ArtifactResponse{},
		CreatedAt:      m.CreatedAt,
	}
	for _, a := range m.Artifacts {
		res.Artifacts = append(res.Artifacts, ArtifactResponse{
			ID:        a.ID,
			Kind:      a.Kind,
			Title:     a.Title,
			Content:   rawJSON(a.ContentJSON),
			CreatedAt: a.CreatedAt,
		})
	}
	return res
}

func dispatchOutcome(w domain.WorkUnit, m domain.Message, d *engine.DispatchResult) DispatchOutcomeResponse {
	res := DispatchOutcomeResponse{
		WorkUnit: workUnitResponse(w),
		Message:  messageResponse(m),
	}
	if d != nil {
		dr := DispatchResponse(*d)
		res.Dispatch = &dr
	}
	return res
}

func attachments(in []AttachmentRequest) []workflow.Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]workflow.Attachment, 0, len(in))
	for _, a := range in {
		out = append(out, workflow.Attachment(a))
	}
	return out
}

// JSON helpers

func rawJSON(s string) json.RawMessage {
	if s == "" || !json.Valid([]byte(s)) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(s)
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

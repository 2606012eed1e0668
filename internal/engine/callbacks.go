package engine

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"golang.org/x/crypto/hkdf"

	"taskrelay/internal/domain"
	"taskrelay/internal/events"
	"taskrelay/internal/realtime"
	"taskrelay/internal/repo"
)

// CallbackPayload is the body the workflow engine posts to the webhook.
// Every field is optional.
type CallbackPayload struct {
	Status          string                `json:"status,omitempty"`
	Message         *CallbackMessage      `json:"message,omitempty"`
	Messages        []CallbackMessage     `json:"messages,omitempty"`
	Title           string                `json:"title,omitempty"`
	Recommendations *RecommendationCounts `json:"recommendations,omitempty"`
	Error           string                `json:"error,omitempty"`
}

type CallbackMessage struct {
	// ID is the engine's identifier for the message; retries carrying the
	// same id are ignored.
	ID        string             `json:"id,omitempty"`
	Body      string             `json:"body,omitempty"`
	ReplyTo   string             `json:"reply_to,omitempty"`
	Artifacts []CallbackArtifact `json:"artifacts,omitempty"`
}

type CallbackArtifact struct {
	Kind    string          `json:"kind"`
	Title   string          `json:"title,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

type RecommendationCounts struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
}

type CallbackResult struct {
	WorkUnit      domain.WorkUnit `json:"work_unit"`
	MessageIDs    []string        `json:"message_ids"`
	Duplicates    int             `json:"duplicates"`
	StatusApplied bool            `json:"status_applied"`
}

// callbackStatuses maps engine status words onto workflow states.
var callbackStatuses = map[string]string{
	"running":   domain.StatusRunning,
	"started":   domain.StatusRunning,
	"completed": domain.StatusCompleted,
	"complete":  domain.StatusCompleted,
	"succeeded": domain.StatusCompleted,
	"success":   domain.StatusCompleted,
	"failed":    domain.StatusFailed,
	"error":     domain.StatusFailed,
}

var artifactKinds = map[string]bool{
	domain.ArtifactCodeChange: true,
	domain.ArtifactForm:       true,
	domain.ArtifactPreview:    true,
	domain.ArtifactText:       true,
}

// HandleCallback records engine progress for a work unit and publishes
// id-only realtime events. Redelivered messages and repeated terminal
// statuses are accepted without effect.
func (e Engine) HandleCallback(ctx context.Context, workUnitID string, p CallbackPayload) (CallbackResult, error) {
	wu, err := e.GetWorkUnit(ctx, workUnitID)
	if err != nil {
		return CallbackResult{}, err
	}
	status := ""
	if p.Status != "" {
		var ok bool
		status, ok = callbackStatuses[strings.ToLower(strings.TrimSpace(p.Status))]
		if !ok {
			return CallbackResult{}, validationError("unknown status %q", p.Status)
		}
	}
	incoming := p.Messages
	if p.Message != nil {
		incoming = append([]CallbackMessage{*p.Message}, incoming...)
	}
	for _, m := range incoming {
		for _, a := range m.Artifacts {
			if !artifactKinds[a.Kind] {
				return CallbackResult{}, validationError("unknown artifact kind %q", a.Kind)
			}
			if len(a.Content) > 0 && !json.Valid(a.Content) {
				return CallbackResult{}, validationError("artifact content must be JSON")
			}
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return CallbackResult{}, err
	}
	defer tx.Rollback()

	now := e.stamp()
	res := CallbackResult{MessageIDs: []string{}}
	for _, in := range incoming {
		if strings.TrimSpace(in.Body) == "" && len(in.Artifacts) == 0 {
			continue
		}
		if in.ID != "" {
			_, err := e.Repo.FindMessageByExternalID(ctx, tx, wu.ID, in.ID)
			if err == nil {
				res.Duplicates++
				continue
			}
			if !errors.Is(err, repo.ErrNotFound) {
				return CallbackResult{}, err
			}
		}
		msg := domain.Message{
			ID:             newID(),
			WorkUnitID:     wu.ID,
			Role:           domain.RoleAgent,
			Body:           in.Body,
			DeliveryStatus: domain.DeliverySent,
			ReplyToID:      optional(in.ReplyTo),
			ExternalID:     optional(in.ID),
			CreatedAt:      now,
		}
		if err := e.Repo.InsertMessage(ctx, tx, &msg); err != nil {
			return CallbackResult{}, fmt.Errorf("insert agent message: %w", err)
		}
		for _, a := range in.Artifacts {
			content := string(a.Content)
			if content == "" {
				content = "{}"
			}
			if err := e.Repo.InsertArtifact(ctx, tx, domain.Artifact{
				ID: newID(), MessageID: msg.ID, Kind: a.Kind, Title: a.Title, ContentJSON: content, CreatedAt: now,
			}); err != nil {
				return CallbackResult{}, fmt.Errorf("insert artifact: %w", err)
			}
		}
		if err := e.Events.Append(ctx, tx, events.TypeMessageAppended, "message", msg.ID, "engine", events.EventPayload{
			"work_unit_id": wu.ID,
			"role":         msg.Role,
			"artifacts":    len(in.Artifacts),
		}); err != nil {
			return CallbackResult{}, err
		}
		res.MessageIDs = append(res.MessageIDs, msg.ID)
	}

	if status != "" {
		update := repo.WorkflowUpdate{Status: status, UpdatedAt: now, OnlyIfActive: true}
		if status == domain.StatusCompleted || status == domain.StatusFailed {
			update.CompletedAt = &now
		} else if wu.WorkflowStartedAt == nil {
			update.StartedAt = &now
		}
		applied, err := e.Repo.UpdateWorkflow(ctx, tx, wu.ID, update)
		if err != nil {
			return CallbackResult{}, fmt.Errorf("update workflow status: %w", err)
		}
		res.StatusApplied = applied
		if applied {
			payload := events.EventPayload{"from": wu.WorkflowStatus, "to": status}
			if p.Error != "" {
				payload["error"] = p.Error
			}
			if err := e.Events.Append(ctx, tx, events.TypeWorkflowStatus, "work_unit", wu.ID, "engine", payload); err != nil {
				return CallbackResult{}, err
			}
		}
	}

	title := strings.TrimSpace(p.Title)
	if title != "" && title != wu.Title {
		if err := e.Repo.UpdateWorkUnitTitle(ctx, tx, wu.ID, title, now); err != nil {
			return CallbackResult{}, err
		}
	} else {
		title = ""
	}

	if err := tx.Commit(); err != nil {
		return CallbackResult{}, err
	}

	taskChannel := realtime.ChannelName(realtime.TargetWorkUnit, wu.ID)
	for _, id := range res.MessageIDs {
		e.publish(ctx, taskChannel, realtime.EventNewMessage, realtime.NewMessagePayload{MessageID: id, WorkUnitID: wu.ID})
	}
	if res.StatusApplied {
		e.announceStatus(ctx, wu.ID)
	}
	if title != "" {
		e.broadcastTitle(ctx, wu, title)
	}
	if p.Recommendations != nil {
		e.publish(ctx, realtime.ChannelName(realtime.TargetCollection, wu.CollectionID), realtime.EventRecommendationsUpdated,
			realtime.RecommendationsPayload{CollectionID: wu.CollectionID, Total: p.Recommendations.Total, Pending: p.Recommendations.Pending})
	}

	res.WorkUnit, err = e.Repo.GetWorkUnit(ctx, wu.ID)
	if err != nil {
		return CallbackResult{}, err
	}
	return res, nil
}

// WebhookURL is the callback address handed to the workflow engine for a work unit.
func (e Engine) WebhookURL(workUnitID string) string {
	q := url.Values{}
	q.Set("work_unit_id", workUnitID)
	if tok := e.callbackToken(workUnitID); tok != "" {
		q.Set("token", tok)
	}
	return strings.TrimRight(e.Callbacks.BaseURL, "/") + "/webhook?" + q.Encode()
}

// VerifyCallbackToken checks the token carried by an inbound callback. With
// no webhook secret configured every token is accepted.
func (e Engine) VerifyCallbackToken(workUnitID, token string) bool {
	if e.Callbacks.Secret == "" {
		return true
	}
	want := e.callbackToken(workUnitID)
	if want == "" || token == "" {
		return false
	}
	return hmac.Equal([]byte(want), []byte(token))
}

func (e Engine) callbackToken(workUnitID string) string {
	if e.Callbacks.Secret == "" {
		return ""
	}
	kdf := hkdf.New(sha256.New, []byte(e.Callbacks.Secret), nil, []byte("taskrelay webhook "+workUnitID))
	buf := make([]byte, 32)
	if _, err := io.ReadFull(kdf, buf); err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

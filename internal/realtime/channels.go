// Package realtime fans work unit progress out to connected clients over
// named publish/subscribe channels.
package realtime

import "fmt"

// TargetType selects the entity a channel is derived from.
type TargetType string

const (
	TargetWorkUnit   TargetType = "work_unit"
	TargetCollection TargetType = "collection"
)

// Channel name prefixes, shared by publishers and subscribers.
const (
	workUnitPrefix   = "task-"
	collectionPrefix = "workspace-"
)

// Event names.
const (
	EventNewMessage             = "new-message"
	EventWorkflowStatus         = "workflow-status"
	EventTitleUpdate            = "title-update"
	EventRecommendationsUpdated = "recommendations-updated"
)

// ChannelName derives the channel for a target. Unknown target types yield "".
func ChannelName(target TargetType, id string) string {
	switch target {
	case TargetWorkUnit:
		return workUnitPrefix + id
	case TargetCollection:
		return collectionPrefix + id
	default:
		return ""
	}
}

func validTarget(target TargetType, id string) error {
	if id == "" {
		return fmt.Errorf("target id required")
	}
	if ChannelName(target, id) == "" {
		return fmt.Errorf("unknown target type %q", target)
	}
	return nil
}

// NewMessagePayload carries only the id; subscribers hydrate the message themselves.
type NewMessagePayload struct {
	MessageID  string `json:"message_id"`
	WorkUnitID string `json:"work_unit_id"`
}

type WorkflowStatusPayload struct {
	WorkUnitID  string  `json:"work_unit_id"`
	Status      string  `json:"status"`
	StartedAt   *string `json:"started_at,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

type TitleUpdatePayload struct {
	TargetID string `json:"target_id"`
	Title    string `json:"title"`
}

type RecommendationsPayload struct {
	CollectionID string `json:"collection_id"`
	Total        int    `json:"total"`
	Pending      int    `json:"pending"`
}

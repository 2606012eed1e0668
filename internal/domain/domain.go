package domain

// Work unit lifecycle states.
const (
	StatusCreated   = "created"
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Message author roles.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// Message delivery states.
const (
	DeliverySending = "sending"
	DeliverySent    = "sent"
	DeliveryError   = "error"
)

// Artifact payload kinds.
const (
	ArtifactCodeChange = "code_change"
	ArtifactForm       = "form"
	ArtifactPreview    = "preview"
	ArtifactText       = "text"
)

type Collection struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedBy string `json:"created_by"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Infrastructure holds the per-collection execution endpoints handed to the
// workflow engine. A collection without a row runs with empty values.
type Infrastructure struct {
	CollectionID string `json:"collection_id"`
	SandboxURL   string `json:"sandbox_url,omitempty"`
	SecretAlias  string `json:"secret_alias,omitempty"`
	PoolID       string `json:"pool_id,omitempty"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

// Account links an actor to an identity provider. AccessToken holds the
// serialized vault envelope, or a legacy plaintext value for rows written
// before encryption was introduced.
type Account struct {
	ActorID     string `json:"actor_id"`
	Provider    string `json:"provider"`
	Handle      string `json:"handle"`
	AccessToken string `json:"-"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type WorkUnit struct {
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
	DeletedAt             *string  `json:"deleted_at,omitempty" format:"date-time"`
	CreatedAt             string   `json:"created_at" format:"date-time"`
	UpdatedAt             string   `json:"updated_at" format:"date-time"`
}

// Terminal reports whether the work unit reached a final workflow state.
func (w WorkUnit) Terminal() bool {
	return w.WorkflowStatus == StatusCompleted || w.WorkflowStatus == StatusFailed
}

type Message struct {
	ID             string     `json:"id"`
	WorkUnitID     string     `json:"work_unit_id"`
	Seq            int64      `json:"seq"`
	Role           string     `json:"role" enum:"user,agent"`
	AuthorID       string     `json:"author_id,omitempty"`
	Body           string     `json:"body"`
	DeliveryStatus string     `json:"delivery_status" enum:"sending,sent,error"`
	ReplyToID      *string    `json:"reply_to_id,omitempty"`
	ExternalID     *string    `json:"external_id,omitempty"`
	Artifacts      []Artifact `json:"artifacts,omitempty"`
	CreatedAt      string     `json:"created_at" format:"date-time"`
}

type Artifact struct {
	ID          string `json:"id"`
	MessageID   string `json:"message_id"`
	Kind        string `json:"kind" enum:"code_change,form,preview,text"`
	Title       string `json:"title,omitempty"`
	ContentJSON string `json:"content_json"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

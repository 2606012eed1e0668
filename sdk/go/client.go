package taskrelaysdk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"taskrelay/internal/domain"
	"taskrelay/internal/realtime"
)

// Client is a minimal taskrelay HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, bearerToken string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v1",
		BearerToken: bearerToken,
		Timeout:     10 * time.Second,
	}
}

type Collection struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	CreatedBy string   `json:"created_by"`
	Members   []string `json:"members"`
	CreatedAt string   `json:"created_at"`
}

type WorkUnit struct {
	ID                    string   `json:"id"`
	CollectionID          string   `json:"collection_id"`
	CreatorID             string   `json:"creator_id"`
	Title                 string   `json:"title"`
	Description           string   `json:"description"`
	WorkflowStatus        string   `json:"workflow_status"`
	ExternalCorrelationID *string  `json:"external_correlation_id"`
	Estimate              *float64 `json:"estimate"`
	WorkflowStartedAt     *string  `json:"workflow_started_at"`
	WorkflowCompletedAt   *string  `json:"workflow_completed_at"`
	CreatedAt             string   `json:"created_at"`
	UpdatedAt             string   `json:"updated_at"`
}

type Artifact struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Title     string          `json:"title"`
	Content   json.RawMessage `json:"content"`
	CreatedAt string          `json:"created_at"`
}

type Message struct {
	ID             string     `json:"id"`
	WorkUnitID     string     `json:"work_unit_id"`
	Seq            int64      `json:"seq"`
	Role           string     `json:"role"`
	AuthorID       string     `json:"author_id"`
	Body           string     `json:"body"`
	DeliveryStatus string     `json:"delivery_status"`
	ReplyToID      *string    `json:"reply_to_id"`
	Artifacts      []Artifact `json:"artifacts"`
	CreatedAt      string     `json:"created_at"`
}

type Dispatch struct {
	Success       bool   `json:"success"`
	CorrelationID string `json:"correlation_id"`
	WorkflowID    int    `json:"workflow_id"`
	StatusCode    int    `json:"status_code"`
	Error         string `json:"error"`
}

// DispatchOutcome is returned by CreateWorkUnit and Continue. Dispatch is nil
// when the server has no workflow engine configured.
type DispatchOutcome struct {
	WorkUnit WorkUnit  `json:"work_unit"`
	Message  Message   `json:"message"`
	Dispatch *Dispatch `json:"dispatch"`
}

type Attachment struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
}

type CreateWorkUnitInput struct {
	Title         string         `json:"title"`
	Description   string         `json:"description,omitempty"`
	Message       string         `json:"message"`
	AssigneeID    string         `json:"assignee_id,omitempty"`
	RepositoryRef string         `json:"repository_ref,omitempty"`
	Estimate      *float64       `json:"estimate,omitempty"`
	Mode          string         `json:"mode,omitempty"`
	Context       []string       `json:"context,omitempty"`
	ExtraContext  map[string]any `json:"extra_context,omitempty"`
	Attachments   []Attachment   `json:"attachments,omitempty"`
}

type ContinueInput struct {
	Body         string         `json:"body"`
	ReplyTo      string         `json:"reply_to,omitempty"`
	Mode         string         `json:"mode,omitempty"`
	Context      []string       `json:"context,omitempty"`
	ExtraContext map[string]any `json:"extra_context,omitempty"`
	Attachments  []Attachment   `json:"attachments,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateCollection creates a collection owned by the caller.
func (c *Client) CreateCollection(ctx context.Context, name string) (Collection, error) {
	var resp Collection
	err := c.do(ctx, http.MethodPost, "collections", map[string]any{"name": name}, &resp)
	return resp, err
}

// GetCollection returns a collection with its members.
func (c *Client) GetCollection(ctx context.Context, id string) (Collection, error) {
	var resp Collection
	err := c.do(ctx, http.MethodGet, "collections/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// AddMember grants actorID access to a collection.
func (c *Client) AddMember(ctx context.Context, collectionID, actorID string) error {
	endpoint := fmt.Sprintf("collections/%s/members", url.PathEscape(collectionID))
	return c.do(ctx, http.MethodPost, endpoint, map[string]any{"actor_id": actorID}, nil)
}

// CreateWorkUnit creates a work unit and dispatches its first message.
func (c *Client) CreateWorkUnit(ctx context.Context, collectionID string, in CreateWorkUnitInput) (DispatchOutcome, error) {
	var resp DispatchOutcome
	endpoint := fmt.Sprintf("collections/%s/work-units", url.PathEscape(collectionID))
	err := c.do(ctx, http.MethodPost, endpoint, in, &resp)
	return resp, err
}

// Continue appends a message to a work unit and dispatches it.
func (c *Client) Continue(ctx context.Context, workUnitID string, in ContinueInput) (DispatchOutcome, error) {
	var resp DispatchOutcome
	endpoint := fmt.Sprintf("work-units/%s/messages", url.PathEscape(workUnitID))
	err := c.do(ctx, http.MethodPost, endpoint, in, &resp)
	return resp, err
}

func (c *Client) GetWorkUnit(ctx context.Context, id string) (WorkUnit, error) {
	var resp WorkUnit
	err := c.do(ctx, http.MethodGet, "work-units/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) UpdateTitle(ctx context.Context, id, title string) (WorkUnit, error) {
	var resp WorkUnit
	err := c.do(ctx, http.MethodPatch, "work-units/"+url.PathEscape(id), map[string]any{"title": title}, &resp)
	return resp, err
}

func (c *Client) DeleteWorkUnit(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "work-units/"+url.PathEscape(id), nil, nil)
}

// GetMessage fetches a message with its artifacts.
func (c *Client) GetMessage(ctx context.Context, id string) (Message, error) {
	var resp Message
	err := c.do(ctx, http.MethodGet, "messages/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// SetCredential stores the caller's access token for an identity provider.
func (c *Client) SetCredential(ctx context.Context, provider, handle, token string) error {
	endpoint := "me/credentials/" + url.PathEscape(provider)
	return c.do(ctx, http.MethodPut, endpoint, map[string]any{"handle": handle, "token": token}, nil)
}

// MessageFetcher hydrates realtime announcements through the API, for a
// realtime.Manager running outside the server process.
func (c *Client) MessageFetcher() realtime.MessageFetcher {
	return realtime.FetcherFunc(func(ctx context.Context, id string) (domain.Message, error) {
		m, err := c.GetMessage(ctx, id)
		if err != nil {
			return domain.Message{}, err
		}
		return m.domain(), nil
	})
}

func (m Message) domain() domain.Message {
	out := domain.Message{
		ID:             m.ID,
		WorkUnitID:     m.WorkUnitID,
		Seq:            m.Seq,
		Role:           m.Role,
		AuthorID:       m.AuthorID,
		Body:           m.Body,
		DeliveryStatus: m.DeliveryStatus,
		ReplyToID:      m.ReplyToID,
		CreatedAt:      m.CreatedAt,
	}
	for _, a := range m.Artifacts {
		out.Artifacts = append(out.Artifacts, domain.Artifact{
			ID:          a.ID,
			MessageID:   m.ID,
			Kind:        a.Kind,
			Title:       a.Title,
			ContentJSON: string(a.Content),
			CreatedAt:   a.CreatedAt,
		})
	}
	return out
}

// StreamEvent is one server-sent event from a realtime stream.
type StreamEvent struct {
	Name string
	Data json.RawMessage
}

// StreamWorkUnit follows a work unit's realtime stream until ctx is
// cancelled, the server closes it, or fn returns an error.
func (c *Client) StreamWorkUnit(ctx context.Context, workUnitID string, fn func(StreamEvent) error) error {
	return c.stream(ctx, fmt.Sprintf("work-units/%s/events", url.PathEscape(workUnitID)), fn)
}

// StreamCollection follows a collection's realtime stream.
func (c *Client) StreamCollection(ctx context.Context, collectionID string, fn func(StreamEvent) error) error {
	return c.stream(ctx, fmt.Sprintf("collections/%s/events", url.PathEscape(collectionID)), fn)
}

func (c *Client) stream(ctx context.Context, endpoint string, fn func(StreamEvent) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(endpoint), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)
	// Streams outlive the request timeout of the default client.
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	var evt StreamEvent
	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if evt.Name == "" && data.Len() == 0 {
				continue
			}
			evt.Data = append(json.RawMessage(nil), data.Bytes()...)
			if err := fn(evt); err != nil {
				return err
			}
			evt = StreamEvent{}
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			evt.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return scanner.Err()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
}

func (c *Client) url(endpoint string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base + "/" + strings.TrimLeft(endpoint, "/")
}

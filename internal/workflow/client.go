package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// SubmitRequest describes one job submission.
type SubmitRequest struct {
	Name       string
	WorkflowID int
	WebhookURL string
	Vars       JobDescriptor
}

// SubmitResponse is the engine's answer to an accepted submission.
type SubmitResponse struct {
	StatusCode int
	JobID      string
	Body       []byte
}

type submitBody struct {
	Name           string         `json:"name"`
	WorkflowID     int            `json:"workflow_id"`
	WebhookURL     string         `json:"webhook_url"`
	WorkflowParams workflowParams `json:"workflow_params"`
}

type workflowParams struct {
	SetVar struct {
		Attributes struct {
			Vars JobDescriptor `json:"vars"`
		} `json:"attributes"`
	} `json:"set_var"`
}

// Client submits jobs to the workflow engine.
type Client struct {
	config     Config
	httpClient *http.Client
}

// New creates a client; the request timeout comes from cfg.Timeout.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Config() Config { return c.config }

// Configured reports whether the client has everything needed to submit.
func (c *Client) Configured() bool {
	return c != nil && c.config.Configured()
}

// SelectTemplate picks the workflow id for mode from the configured list.
func (c *Client) SelectTemplate(mode string) (int, error) {
	return SelectTemplate(c.config.Templates, mode)
}

// Submit posts a job to {BaseURL}/projects. Any failure to obtain a 2xx
// response is returned as *TransportError.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (SubmitResponse, error) {
	if !c.Configured() {
		return SubmitResponse{}, ErrNotConfigured
	}
	var body submitBody
	body.Name = req.Name
	body.WorkflowID = req.WorkflowID
	body.WebhookURL = req.WebhookURL
	body.WorkflowParams.SetVar.Attributes.Vars = req.Vars
	data, err := json.Marshal(body)
	if err != nil {
		return SubmitResponse{}, fmt.Errorf("marshaling submission: %w", err)
	}

	url := strings.TrimRight(c.config.BaseURL, "/") + "/projects"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return SubmitResponse{}, &TransportError{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Token token="+c.config.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return SubmitResponse{}, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return SubmitResponse{}, &TransportError{StatusCode: resp.StatusCode, Err: fmt.Errorf("reading response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := respBody
		if len(snippet) > 4096 {
			snippet = snippet[:4096]
		}
		return SubmitResponse{}, &TransportError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	out := SubmitResponse{StatusCode: resp.StatusCode, Body: respBody}
	out.JobID, _ = ExtractJobID(respBody)
	return out, nil
}

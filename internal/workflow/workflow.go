// Package workflow talks to the external asynchronous workflow engine that
// executes delegated coding jobs out of process.
package workflow

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrNotConfigured indicates the engine base URL, API key or template list is missing.
var ErrNotConfigured = errors.New("workflow engine not configured")

// Dispatch modes understood by SelectTemplate.
const (
	ModeLive        = "live"
	ModeTest        = "test"
	ModeUnit        = "unit"
	ModeIntegration = "integration"
	ModeDefault     = "default"
)

const defaultTimeout = 30 * time.Second

type Config struct {
	BaseURL   string
	APIKey    string
	Templates []int
	Timeout   time.Duration
}

// Configured reports whether submissions can be attempted at all.
func (c Config) Configured() bool {
	return strings.TrimSpace(c.BaseURL) != "" && strings.TrimSpace(c.APIKey) != "" && len(c.Templates) > 0
}

// ParseTemplates parses the comma separated workflow template id list.
// Blank entries are skipped; positions of the remaining ids are significant.
func ParseTemplates(csv string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid workflow template id %q: %w", part, err)
		}
		out = append(out, id)
	}
	return out, nil
}

// SelectTemplate maps a dispatch mode onto the positional template list:
// live uses index 0, unit and integration use index 2, anything else uses
// index 1 and falls back to index 0 when only one template is configured.
func SelectTemplate(templates []int, mode string) (int, error) {
	if len(templates) == 0 {
		return 0, ErrNotConfigured
	}
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case ModeLive:
		return templates[0], nil
	case ModeUnit, ModeIntegration:
		if len(templates) < 3 {
			return 0, fmt.Errorf("mode %s requires a third workflow template, %d configured", mode, len(templates))
		}
		return templates[2], nil
	default:
		if len(templates) > 1 {
			return templates[1], nil
		}
		return templates[0], nil
	}
}

// Attachment is a file reference forwarded to the engine with a job.
type Attachment struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
}

// JobDescriptor is the variable set handed to the workflow template.
type JobDescriptor struct {
	WorkUnitID     string         `json:"work_unit_id"`
	Message        string         `json:"message"`
	Context        []string       `json:"context"`
	ExtraContext   map[string]any `json:"extra_context,omitempty"`
	WebhookURL     string         `json:"webhook_url"`
	GithubUsername string         `json:"github_username"`
	GithubToken    string         `json:"github_token"`
	SandboxURL     string         `json:"sandbox_url"`
	SecretAlias    string         `json:"secret_alias"`
	PoolID         string         `json:"pool_id"`
	Repository     string         `json:"repository,omitempty"`
	Attachments    []Attachment   `json:"attachments"`
	Mode           string         `json:"mode"`
}

// TransportError covers every submission that did not produce a 2xx
// response: network failures, timeouts and rejected requests.
type TransportError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("workflow engine request failed: %v", e.Err)
	}
	return fmt.Sprintf("workflow engine returned status %d: %s", e.StatusCode, e.Body)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Delivered reports whether the engine received the request and answered,
// as opposed to a network failure or timeout.
func (e *TransportError) Delivered() bool { return e.StatusCode != 0 }

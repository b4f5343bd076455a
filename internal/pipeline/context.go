package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"

	"planline/internal/domain"
	"planline/internal/model"
)

// ErrMissingArtifact marks a step whose prerequisite was not produced.
var ErrMissingArtifact = errors.New("missing artifact")

type MissingArtifactError struct {
	Key domain.ArtifactKind
}

func (e *MissingArtifactError) Error() string {
	return fmt.Sprintf("%s not found in context", e.Key)
}

func (e *MissingArtifactError) Is(target error) bool {
	return target == ErrMissingArtifact
}

// Brief is the read-only description of the work item handed to every agent.
type Brief struct {
	TenantID          string            `json:"tenant_id"`
	WorkItemID        string            `json:"work_item_id"`
	Title             string            `json:"title"`
	Description       string            `json:"description,omitempty"`
	Repository        domain.Repository `json:"repository"`
	RepositoryContext string            `json:"repository_context,omitempty"`
	Questions         []domain.Question `json:"questions,omitempty"`
	Answers           []domain.Answer   `json:"answers,omitempty"`
}

type FileChange struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Context is the typed state threaded through one pipeline run. It is plain
// data so it can be stored as a checkpoint payload and rehydrated.
type Context struct {
	Brief     Brief            `json:"brief"`
	Artifacts domain.Artifacts `json:"artifacts"`

	// Revision inputs. Regenerate discards the rejected plan instead of
	// refining it, so Existing stays empty.
	Existing   domain.Artifacts `json:"existing,omitempty"`
	Feedback   string           `json:"feedback,omitempty"`
	Regenerate bool             `json:"regenerate,omitempty"`

	Questions     []domain.Question `json:"questions,omitempty"`
	FileChanges   []FileChange      `json:"file_changes,omitempty"`
	ReviewSummary string            `json:"review_summary,omitempty"`

	TokenUsage model.TokenUsage `json:"token_usage"`
	Completed  []string         `json:"completed,omitempty"`
}

func NewContext(b Brief) *Context {
	return &Context{Brief: b}
}

// Artifact returns a produced artifact or a MissingArtifactError.
func (c *Context) Artifact(k domain.ArtifactKind) (string, error) {
	v := c.Artifacts.Get(k)
	if v == "" {
		return "", &MissingArtifactError{Key: k}
	}
	return v, nil
}

func (c *Context) UserStories() (string, error) {
	return c.Artifact(domain.ArtifactUserStories)
}

func (c *Context) APIDesign() (string, error) {
	return c.Artifact(domain.ArtifactAPIDesign)
}

func (c *Context) DatabaseSchema() (string, error) {
	return c.Artifact(domain.ArtifactDatabaseSchema)
}

func (c *Context) TestScenarios() (string, error) {
	return c.Artifact(domain.ArtifactTestScenarios)
}

func (c *Context) ImplementationSteps() (string, error) {
	return c.Artifact(domain.ArtifactImplementationSteps)
}

func (c *Context) SetArtifact(k domain.ArtifactKind, v string) {
	c.Artifacts.Set(k, v)
}

// IsRevision reports whether the run regenerates artifacts from feedback.
func (c *Context) IsRevision() bool {
	return c.Feedback != ""
}

func (c *Context) markCompleted(agent string) {
	if !c.HasCompleted(agent) {
		c.Completed = append(c.Completed, agent)
	}
}

// HasCompleted reports whether agent already succeeded in this run.
func (c *Context) HasCompleted(agent string) bool {
	for _, a := range c.Completed {
		if a == agent {
			return true
		}
	}
	return false
}

// Encode serialises the context for a checkpoint.
func (c *Context) Encode() (json.RawMessage, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode pipeline context: %w", err)
	}
	return b, nil
}

// DecodeContext rehydrates a context written by Encode.
func DecodeContext(raw []byte) (*Context, error) {
	var c Context
	if len(raw) == 0 {
		return &c, nil
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode pipeline context: %w", err)
	}
	return &c, nil
}

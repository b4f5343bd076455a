package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models planline.yml, the per-tenant orchestration policy.
type Config struct {
	Tenant struct {
		ID   string `yaml:"id" json:"id"`
		Name string `yaml:"name" json:"name"`
	} `yaml:"tenant" json:"tenant"`
	Orchestrator Orchestrator                 `yaml:"orchestrator" json:"orchestrator"`
	Checkpoints  Checkpoints                  `yaml:"checkpoints" json:"checkpoints"`
	Reviews      Reviews                      `yaml:"reviews" json:"reviews"`
	Checklists   map[string]ChecklistTemplate `yaml:"checklists" json:"checklists"`
	Webhooks     []WebhookConfig              `yaml:"webhooks" json:"webhooks,omitempty"`
}

type Orchestrator struct {
	MaxRetries            int      `yaml:"max_retries" json:"max_retries"`
	MaxRevisionIterations int      `yaml:"max_revision_iterations" json:"max_revision_iterations"`
	RetryBackoff          Duration `yaml:"retry_backoff" json:"retry_backoff"`

	// PlanOnlyCompletion lets an approved plan complete without implementation.
	PlanOnlyCompletion bool   `yaml:"plan_only_completion" json:"plan_only_completion"`
	PlanPath           string `yaml:"plan_path" json:"plan_path"`
	BranchPrefix       string `yaml:"branch_prefix" json:"branch_prefix"`
}

type Checkpoints struct {
	DefaultTTL Duration            `yaml:"default_ttl" json:"default_ttl"`
	TTL        map[string]Duration `yaml:"ttl" json:"ttl,omitempty"`
}

// TTLFor returns the expiry window for a checkpoint id.
func (c Checkpoints) TTLFor(checkpointID string) time.Duration {
	if d, ok := c.TTL[checkpointID]; ok && d > 0 {
		return time.Duration(d)
	}
	return time.Duration(c.DefaultTTL)
}

type Reviews struct {
	Default                []ReviewerConfig `yaml:"default" json:"default"`
	ApproveWithoutRequired bool             `yaml:"approve_without_required" json:"approve_without_required"`
}

type ReviewerConfig struct {
	ID        string `yaml:"id" json:"id"`
	Required  bool   `yaml:"required" json:"required"`
	Checklist string `yaml:"checklist,omitempty" json:"checklist,omitempty"`
}

type ChecklistTemplate struct {
	Description string                  `yaml:"description" json:"description,omitempty"`
	Items       []ChecklistItemTemplate `yaml:"items" json:"items"`
}

type ChecklistItemTemplate struct {
	ID       string `yaml:"id" json:"id"`
	Category string `yaml:"category" json:"category,omitempty"`
	Title    string `yaml:"title" json:"title"`
	Severity string `yaml:"severity" json:"severity"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// Duration is a time.Duration that reads "720h" style strings.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	parsed, err := time.ParseDuration(n.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", n.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	*d = Duration(parsed)
	return nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Tenant.ID == "" {
		return fmt.Errorf("config.tenant.id is required")
	}
	if c.Orchestrator.MaxRetries < 0 {
		return fmt.Errorf("config.orchestrator.max_retries must be >= 0")
	}
	if c.Orchestrator.MaxRevisionIterations < 1 {
		return fmt.Errorf("config.orchestrator.max_revision_iterations must be >= 1")
	}
	if c.Checkpoints.DefaultTTL <= 0 {
		return fmt.Errorf("config.checkpoints.default_ttl must be positive")
	}
	for id, ttl := range c.Checkpoints.TTL {
		if id == "" {
			return fmt.Errorf("config.checkpoints.ttl has empty checkpoint id")
		}
		if ttl <= 0 {
			return fmt.Errorf("checkpoint ttl for %s must be positive", id)
		}
	}
	for name, tmpl := range c.Checklists {
		if name == "" {
			return fmt.Errorf("config.checklists contains empty template name")
		}
		seen := map[string]bool{}
		for _, it := range tmpl.Items {
			if it.ID == "" || it.Title == "" {
				return fmt.Errorf("checklist %s has item without id or title", name)
			}
			if seen[it.ID] {
				return fmt.Errorf("checklist %s has duplicate item %s", name, it.ID)
			}
			seen[it.ID] = true
			if it.Severity != "required" && it.Severity != "recommended" {
				return fmt.Errorf("checklist %s item %s severity must be required or recommended", name, it.ID)
			}
		}
	}
	seenReviewers := map[string]bool{}
	for _, r := range c.Reviews.Default {
		if r.ID == "" {
			return fmt.Errorf("config.reviews.default contains empty reviewer id")
		}
		if seenReviewers[r.ID] {
			return fmt.Errorf("reviewer %s listed twice", r.ID)
		}
		seenReviewers[r.ID] = true
		if r.Checklist != "" {
			if _, ok := c.Checklists[r.Checklist]; !ok {
				return fmt.Errorf("reviewer %s references unknown checklist %s", r.ID, r.Checklist)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "planline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(tenantID string) string {
	return fmt.Sprintf(defaultTemplate, tenantID, tenantID)
}

// Default returns the default Config struct for a tenant.
func Default(tenantID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(tenantID))).Decode(&cfg)
	cfg.Tenant.ID = tenantID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `tenant:
  id: %s
  name: %s

orchestrator:
  max_retries: 3
  max_revision_iterations: 3
  retry_backoff: 1m
  plan_only_completion: false
  plan_path: docs/plans
  branch_prefix: planline/

checkpoints:
  default_ttl: 720h
  ttl:
    awaiting_answers: 720h
    awaiting_review: 720h
    planning_progress: 168h

reviews:
  approve_without_required: false
  default: []

checklists:
  default:
    description: "Baseline plan review"
    items:
      - id: requirements-covered
        category: scope
        title: "Requirements cover the ticket"
        severity: required
      - id: schema-safe
        category: data
        title: "Schema changes are backward compatible"
        severity: required
      - id: tests-listed
        category: quality
        title: "Test scenarios cover failure paths"
        severity: recommended
`

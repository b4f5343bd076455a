package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ArtifactKind names one of the five planning artifacts.
type ArtifactKind string

const (
	ArtifactUserStories         ArtifactKind = "UserStories"
	ArtifactAPIDesign           ArtifactKind = "ApiDesign"
	ArtifactDatabaseSchema      ArtifactKind = "DatabaseSchema"
	ArtifactTestScenarios       ArtifactKind = "TestScenarios"
	ArtifactImplementationSteps ArtifactKind = "ImplementationSteps"
)

// AllArtifacts lists artifacts in pipeline order.
var AllArtifacts = []ArtifactKind{
	ArtifactUserStories,
	ArtifactAPIDesign,
	ArtifactDatabaseSchema,
	ArtifactTestScenarios,
	ArtifactImplementationSteps,
}

var artifactTitles = map[ArtifactKind]string{
	ArtifactUserStories:         "Requirements",
	ArtifactAPIDesign:           "Interface Design",
	ArtifactDatabaseSchema:      "Schema Design",
	ArtifactTestScenarios:       "Test Design",
	ArtifactImplementationSteps: "Implementation Steps",
}

// Title returns the human heading used in rendered plans.
func (k ArtifactKind) Title() string {
	if t, ok := artifactTitles[k]; ok {
		return t
	}
	return string(k)
}

// Valid reports whether k is one of the five artifacts.
func (k ArtifactKind) Valid() bool {
	_, ok := artifactTitles[k]
	return ok
}

// ParseArtifactKind accepts canonical names and a few loose aliases.
func ParseArtifactKind(v string) (ArtifactKind, bool) {
	norm := strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.TrimSpace(v)))
	switch norm {
	case "userstories", "requirements", "stories":
		return ArtifactUserStories, true
	case "apidesign", "interfacedesign", "api", "interface":
		return ArtifactAPIDesign, true
	case "databaseschema", "schemadesign", "schema", "database", "sql":
		return ArtifactDatabaseSchema, true
	case "testscenarios", "testdesign", "tests", "testing":
		return ArtifactTestScenarios, true
	case "implementationsteps", "implementation", "steps", "implementationplan":
		return ArtifactImplementationSteps, true
	}
	return "", false
}

// Artifacts holds the five optional artifact bodies.
type Artifacts struct {
	UserStories         string `json:"user_stories,omitempty"`
	APIDesign           string `json:"api_design,omitempty"`
	DatabaseSchema      string `json:"database_schema,omitempty"`
	TestScenarios       string `json:"test_scenarios,omitempty"`
	ImplementationSteps string `json:"implementation_steps,omitempty"`
}

// Get returns the artifact body for k.
func (a Artifacts) Get(k ArtifactKind) string {
	switch k {
	case ArtifactUserStories:
		return a.UserStories
	case ArtifactAPIDesign:
		return a.APIDesign
	case ArtifactDatabaseSchema:
		return a.DatabaseSchema
	case ArtifactTestScenarios:
		return a.TestScenarios
	case ArtifactImplementationSteps:
		return a.ImplementationSteps
	}
	return ""
}

// Set writes the artifact body for k.
func (a *Artifacts) Set(k ArtifactKind, v string) {
	switch k {
	case ArtifactUserStories:
		a.UserStories = v
	case ArtifactAPIDesign:
		a.APIDesign = v
	case ArtifactDatabaseSchema:
		a.DatabaseSchema = v
	case ArtifactTestScenarios:
		a.TestScenarios = v
	case ArtifactImplementationSteps:
		a.ImplementationSteps = v
	}
}

// Present returns the kinds with non-empty bodies.
func (a Artifacts) Present() []ArtifactKind {
	var out []ArtifactKind
	for _, k := range AllArtifacts {
		if strings.TrimSpace(a.Get(k)) != "" {
			out = append(out, k)
		}
	}
	return out
}

type Plan struct {
	WorkItemID string    `json:"work_item_id"`
	TenantID   string    `json:"tenant_id"`
	Version    int       `json:"version"`
	Artifacts  Artifacts `json:"artifacts"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// PlanVersion is an immutable snapshot taken before an update.
type PlanVersion struct {
	WorkItemID string    `json:"work_item_id"`
	Version    int       `json:"version"`
	Artifacts  Artifacts `json:"artifacts"`
	Author     string    `json:"author"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

var ErrNoArtifactUpdates = errors.New("no artifact updates")

// NewPlan creates the first version of a plan.
func NewPlan(tenantID, workItemID string, artifacts Artifacts, now time.Time) Plan {
	now = now.UTC()
	return Plan{
		WorkItemID: workItemID,
		TenantID:   tenantID,
		Version:    1,
		Artifacts:  artifacts,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// HasMultipleArtifacts reports whether more than one artifact is populated.
func (p Plan) HasMultipleArtifacts() bool {
	return len(p.Artifacts.Present()) > 1
}

// UpdateArtifacts snapshots the current artifacts, applies updates and bumps
// the version. The returned snapshot must be persisted with the plan.
func (p *Plan) UpdateArtifacts(updates map[ArtifactKind]string, author, reason string, now time.Time) (PlanVersion, error) {
	if len(updates) == 0 {
		return PlanVersion{}, ErrNoArtifactUpdates
	}
	for k := range updates {
		if !k.Valid() {
			return PlanVersion{}, fmt.Errorf("unknown artifact %q", k)
		}
	}
	now = now.UTC()
	snap := PlanVersion{
		WorkItemID: p.WorkItemID,
		Version:    p.Version,
		Artifacts:  p.Artifacts,
		Author:     author,
		Reason:     reason,
		CreatedAt:  now,
	}
	for k, v := range updates {
		p.Artifacts.Set(k, v)
	}
	p.Version++
	p.UpdatedAt = now
	return snap, nil
}

// Markdown renders the plan as a single document.
func (p Plan) Markdown(title string) string {
	var b strings.Builder
	if title != "" {
		fmt.Fprintf(&b, "# Plan: %s\n\n", title)
	}
	fmt.Fprintf(&b, "_Version %d_\n", p.Version)
	for _, k := range AllArtifacts {
		body := strings.TrimSpace(p.Artifacts.Get(k))
		if body == "" {
			continue
		}
		fmt.Fprintf(&b, "\n## %s\n\n%s\n", k.Title(), body)
	}
	return b.String()
}

package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestUpdateArtifactsIsVersionMonotonic(t *testing.T) {
	p := NewPlan("t1", "wi-1", Artifacts{UserStories: "stories v0"}, testNow)
	initial := p.Version
	var history []PlanVersion
	var prior []Artifacts
	const n = 5
	for i := 0; i < n; i++ {
		prior = append(prior, p.Artifacts)
		snap, err := p.UpdateArtifacts(map[ArtifactKind]string{
			ArtifactImplementationSteps: fmt.Sprintf("## Step 1\nrev %d", i),
		}, "planner", "revision", testNow)
		if err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
		history = append(history, snap)
	}
	if p.Version != initial+n {
		t.Fatalf("version %d want %d", p.Version, initial+n)
	}
	if len(history) != n {
		t.Fatalf("history %d", len(history))
	}
	for i, snap := range history {
		if snap.Version != initial+i {
			t.Fatalf("snapshot %d has version %d", i, snap.Version)
		}
		if snap.Artifacts != prior[i] {
			t.Fatalf("snapshot %d does not match prior state", i)
		}
	}
	if p.Artifacts.UserStories != "stories v0" {
		t.Fatalf("unaffected artifact changed")
	}
}

func TestUpdateArtifactsRejectsEmptyAndUnknown(t *testing.T) {
	p := NewPlan("t1", "wi-1", Artifacts{}, testNow)
	if _, err := p.UpdateArtifacts(nil, "a", "r", testNow); !errors.Is(err, ErrNoArtifactUpdates) {
		t.Fatalf("expected ErrNoArtifactUpdates, got %v", err)
	}
	if _, err := p.UpdateArtifacts(map[ArtifactKind]string{"Bogus": "x"}, "a", "r", testNow); err == nil {
		t.Fatalf("expected unknown artifact error")
	}
	if p.Version != 1 {
		t.Fatalf("failed update bumped version")
	}
}

func TestHasMultipleArtifacts(t *testing.T) {
	p := NewPlan("t1", "wi-1", Artifacts{UserStories: "a"}, testNow)
	if p.HasMultipleArtifacts() {
		t.Fatalf("single artifact reported as multiple")
	}
	p.Artifacts.APIDesign = "b"
	if !p.HasMultipleArtifacts() {
		t.Fatalf("expected multiple")
	}
}

func TestParseArtifactKindAliases(t *testing.T) {
	cases := map[string]ArtifactKind{
		"ImplementationSteps": ArtifactImplementationSteps,
		"implementation_steps": ArtifactImplementationSteps,
		"Schema Design":       ArtifactDatabaseSchema,
		"api":                 ArtifactAPIDesign,
		"requirements":        ArtifactUserStories,
		"test-design":         ArtifactTestScenarios,
	}
	for in, want := range cases {
		got, ok := ParseArtifactKind(in)
		if !ok || got != want {
			t.Fatalf("%q -> %v %v", in, got, ok)
		}
	}
	if _, ok := ParseArtifactKind("frontend"); ok {
		t.Fatalf("unexpected match")
	}
}

func TestPlanMarkdownSkipsEmptySections(t *testing.T) {
	p := NewPlan("t1", "wi-1", Artifacts{UserStories: "As a user", ImplementationSteps: "## Step 1\nDo it"}, testNow)
	md := p.Markdown("Login")
	if !strings.Contains(md, "# Plan: Login") || !strings.Contains(md, "## Requirements") || !strings.Contains(md, "## Implementation Steps") {
		t.Fatalf("missing sections:\n%s", md)
	}
	if strings.Contains(md, "## Schema Design") {
		t.Fatalf("empty section rendered")
	}
}

package config

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("acme")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Tenant.ID != "acme" {
		t.Fatalf("tenant id %q", cfg.Tenant.ID)
	}
	if cfg.Orchestrator.PlanOnlyCompletion {
		t.Fatalf("plan-only completion must default to off")
	}
	if got := cfg.Checkpoints.TTLFor("awaiting_answers"); got != 30*24*time.Hour {
		t.Fatalf("awaiting_answers ttl %v", got)
	}
	if got := cfg.Checkpoints.TTLFor("unknown"); got != 30*24*time.Hour {
		t.Fatalf("fallback ttl %v", got)
	}
}

func TestConfigSurvivesJSONRoundTrip(t *testing.T) {
	cfg := Default("acme")
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Config
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Checkpoints.TTLFor("planning_progress") != 7*24*time.Hour {
		t.Fatalf("ttl lost: %v", back.Checkpoints.TTL)
	}
	if err := back.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateRejectsBadReviewers(t *testing.T) {
	yml := strings.Replace(GenerateDefault("acme"), "  default: []", "  default:\n    - id: alice\n      required: true\n      checklist: missing", 1)
	if _, err := FromYAML([]byte(yml)); err == nil || !strings.Contains(err.Error(), "unknown checklist") {
		t.Fatalf("expected unknown checklist error, got %v", err)
	}
}

func TestValidateRejectsBadDuration(t *testing.T) {
	yml := strings.Replace(GenerateDefault("acme"), "default_ttl: 720h", "default_ttl: soon", 1)
	if _, err := FromYAML([]byte(yml)); err == nil {
		t.Fatalf("expected duration error")
	}
}

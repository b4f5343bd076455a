package app

import (
	"context"
	"errors"
	"fmt"

	"planline/internal/config"
	"planline/internal/engine"
	"planline/internal/repo"
)

// ResolveTenantAndConfig picks the active tenant and makes sure it has a
// stored config, seeding defaults if missing. It prefers the override, then
// the only tenant in the database. An unknown override is created on the fly.
func ResolveTenantAndConfig(ctx context.Context, e engine.Engine, tenantOverride, actorID string) (string, *config.Config, error) {
	tenantID := tenantOverride
	if tenantID == "" {
		t, err := e.Repo.SingleTenant(ctx)
		if err != nil {
			return "", nil, fmt.Errorf("tenant not specified; use --tenant")
		}
		tenantID = t.ID
	}
	if _, err := e.Repo.GetTenant(ctx, tenantID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if actorID == "" {
			actorID = "local-user"
		}
		if _, err := e.CreateTenant(ctx, tenantID, tenantID, "", actorID); err != nil {
			return "", nil, fmt.Errorf("create tenant: %w", err)
		}
	}
	cfg, err := e.Repo.GetTenantConfig(ctx, tenantID)
	if errors.Is(err, repo.ErrNotFound) {
		cfg = config.Default(tenantID)
		if err := e.SetTenantConfig(ctx, tenantID, cfg, actorID); err != nil {
			return "", nil, fmt.Errorf("seed tenant config: %w", err)
		}
	} else if err != nil {
		return "", nil, err
	}
	cfg.Tenant.ID = tenantID
	return tenantID, cfg, nil
}

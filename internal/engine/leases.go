package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"planline/internal/domain"
	"planline/internal/events"
	"planline/internal/repo"
)

// processLeaseTTL bounds a lease taken by a Process call made outside a
// worker claim.
const processLeaseTTL = 10 * time.Minute

type leaseOwnerKey struct{}

// WithLeaseOwner marks ctx as running under a lease held by ownerID. Process
// then checks that lease instead of claiming its own.
func WithLeaseOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, leaseOwnerKey{}, ownerID)
}

func leaseOwner(ctx context.Context) string {
	owner, _ := ctx.Value(leaseOwnerKey{}).(string)
	return owner
}

// holdLease makes sure the caller may advance workItemID. A caller carrying
// a lease owner must not be preempted by another live lease; any other caller
// claims a short lease released by the returned func.
func (e Engine) holdLease(ctx context.Context, workItemID string) (func(), error) {
	if owner := leaseOwner(ctx); owner != "" {
		l, err := e.Repo.GetLeaseTx(ctx, nil, workItemID)
		if errors.Is(err, repo.ErrNotFound) {
			return func() {}, nil
		}
		if err != nil {
			return nil, err
		}
		exp, _ := time.Parse(time.RFC3339, l.ExpiresAt)
		if l.OwnerID != owner && e.now().Before(exp) {
			return nil, ErrLeaseHeld
		}
		return func() {}, nil
	}
	owner := "process-" + uuid.NewString()
	if _, err := e.ClaimLease(ctx, workItemID, owner, processLeaseTTL); err != nil {
		return nil, err
	}
	return func() {
		_ = e.ReleaseLease(context.WithoutCancel(ctx), workItemID, owner)
	}, nil
}

// ClaimLease obtains a lease transactionally. The owner of an unexpired
// lease may extend it; anyone else gets ErrLeaseHeld.
func (e Engine) ClaimLease(ctx context.Context, workItemID, ownerID string, ttl time.Duration) (domain.Lease, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Lease{}, err
	}
	defer tx.Rollback()

	w, err := e.Repo.GetWorkItemTx(ctx, tx, workItemID)
	if err != nil {
		return domain.Lease{}, err
	}
	now := e.now()
	newLease := domain.Lease{
		WorkItemID: workItemID,
		OwnerID:    ownerID,
		AcquiredAt: now.Format(time.RFC3339),
		ExpiresAt:  now.Add(ttl).Format(time.RFC3339),
	}
	existing, err := e.Repo.GetLeaseTx(ctx, tx, workItemID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.Lease{}, err
	}
	if err == nil {
		exp, _ := time.Parse(time.RFC3339, existing.ExpiresAt)
		if now.Before(exp) && existing.OwnerID != ownerID {
			return domain.Lease{}, ErrLeaseHeld
		}
	}
	if err := e.Repo.UpsertLease(ctx, tx, newLease); err != nil {
		return domain.Lease{}, err
	}
	if err := e.Events.Append(ctx, tx, events.LeaseClaimed, w.TenantID, "lease", workItemID, ownerID, events.EventPayload{"expires_at": newLease.ExpiresAt}); err != nil {
		return domain.Lease{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Lease{}, err
	}
	return newLease, nil
}

func (e Engine) ReleaseLease(ctx context.Context, workItemID, ownerID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	w, err := e.Repo.GetWorkItemTx(ctx, tx, workItemID)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteLease(ctx, tx, workItemID, ownerID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.LeaseReleased, w.TenantID, "lease", workItemID, ownerID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

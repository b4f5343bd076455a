// Package review folds individual reviewer verdicts into one plan decision.
package review

import (
	"fmt"
	"strings"

	"planline/internal/domain"
)

// Policy carries the tenant settings that affect aggregation.
type Policy struct {
	// ApproveWithoutRequired approves a plan that has no required reviewer.
	ApproveWithoutRequired bool
}

type Outcome struct {
	Decision         domain.ReviewStatus `json:"decision"`
	Required         int                 `json:"required"`
	ApprovedRequired int                 `json:"approved_required"`
	Optional         int                 `json:"optional"`

	// Blocking lists required reviewers that have not approved.
	Blocking []string `json:"blocking,omitempty"`
}

// Aggregate applies the approval protocol. Regeneration beats refinement,
// refinement beats approval, and only required reviewers count.
func Aggregate(reviews []domain.PlanReview, p Policy) Outcome {
	var out Outcome
	regenerate, refine := false, false
	for _, r := range reviews {
		if !r.IsRequired {
			out.Optional++
			continue
		}
		out.Required++
		switch r.Status {
		case domain.ReviewApproved:
			out.ApprovedRequired++
			continue
		case domain.ReviewRejectedForRegeneration:
			regenerate = true
		case domain.ReviewRejectedForRefinement:
			refine = true
		}
		out.Blocking = append(out.Blocking, r.ReviewerID)
	}
	switch {
	case regenerate:
		out.Decision = domain.ReviewRejectedForRegeneration
	case refine:
		out.Decision = domain.ReviewRejectedForRefinement
	case out.Required == 0 && p.ApproveWithoutRequired:
		out.Decision = domain.ReviewApproved
	case out.Required > 0 && out.ApprovedRequired == out.Required:
		out.Decision = domain.ReviewApproved
	default:
		out.Decision = domain.ReviewPending
	}
	return out
}

func (o Outcome) Final() bool {
	return o.Decision != domain.ReviewPending
}

type Mode string

const (
	ModeNone      Mode = "none"
	ModeSelective Mode = "selective"
	ModeFull      Mode = "full"
)

// RevisionMode maps a rejected outcome onto how the plan is regenerated.
func RevisionMode(o Outcome) Mode {
	switch o.Decision {
	case domain.ReviewRejectedForRefinement:
		return ModeSelective
	case domain.ReviewRejectedForRegeneration:
		return ModeFull
	}
	return ModeNone
}

// CollectFeedback joins the reasons of rejecting reviews, required
// reviewers first.
func CollectFeedback(reviews []domain.PlanReview) string {
	var required, optional []string
	for _, r := range reviews {
		if !r.Status.Rejected() || strings.TrimSpace(r.Decision) == "" {
			continue
		}
		line := fmt.Sprintf("[%s] %s", r.ReviewerID, strings.TrimSpace(r.Decision))
		if r.IsRequired {
			required = append(required, line)
		} else {
			optional = append(optional, line)
		}
	}
	return strings.Join(append(required, optional...), "\n\n")
}

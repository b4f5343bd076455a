package domain

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

type ReviewStatus string

const (
	ReviewPending                 ReviewStatus = "Pending"
	ReviewApproved                ReviewStatus = "Approved"
	ReviewRejectedForRefinement   ReviewStatus = "RejectedForRefinement"
	ReviewRejectedForRegeneration ReviewStatus = "RejectedForRegeneration"
)

// Rejected reports whether s is one of the rejection statuses.
func (s ReviewStatus) Rejected() bool {
	return s == ReviewRejectedForRefinement || s == ReviewRejectedForRegeneration
}

func ParseReviewStatus(v string) (ReviewStatus, error) {
	switch ReviewStatus(v) {
	case ReviewPending, ReviewApproved, ReviewRejectedForRefinement, ReviewRejectedForRegeneration:
		return ReviewStatus(v), nil
	}
	return "", fmt.Errorf("unknown review status %q", v)
}

var (
	ErrReviewNotPending    = errors.New("review is not pending")
	ErrReasonRequired      = errors.New("rejection reason is required")
	ErrChecklistIncomplete = errors.New("required checklist items are not checked")
	ErrChecklistItem       = errors.New("checklist item not found")
)

type Severity string

const (
	SeverityRequired    Severity = "required"
	SeverityRecommended Severity = "recommended"
)

type ChecklistItem struct {
	ID       string   `json:"id"`
	Category string   `json:"category,omitempty"`
	Title    string   `json:"title"`
	Severity Severity `json:"severity" enum:"required,recommended"`
	Checked  bool     `json:"checked"`
}

type ReviewChecklist struct {
	Template string          `json:"template"`
	Items    []ChecklistItem `json:"items"`
}

// AllRequiredItemsChecked reports whether every required item is checked.
func (c *ReviewChecklist) AllRequiredItemsChecked() bool {
	if c == nil {
		return true
	}
	for _, it := range c.Items {
		if it.Severity == SeverityRequired && !it.Checked {
			return false
		}
	}
	return true
}

// Unchecked returns titles of required items not yet checked.
func (c *ReviewChecklist) Unchecked() []string {
	if c == nil {
		return nil
	}
	var out []string
	for _, it := range c.Items {
		if it.Severity == SeverityRequired && !it.Checked {
			out = append(out, it.Title)
		}
	}
	return out
}

// SetChecked toggles one item by id.
func (c *ReviewChecklist) SetChecked(itemID string, checked bool) error {
	if c == nil {
		return ErrChecklistItem
	}
	for i := range c.Items {
		if c.Items[i].ID == itemID {
			c.Items[i].Checked = checked
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrChecklistItem, itemID)
}

func (c *ReviewChecklist) uncheckAll() {
	if c == nil {
		return
	}
	for i := range c.Items {
		c.Items[i].Checked = false
	}
}

type PlanReview struct {
	WorkItemID string           `json:"work_item_id"`
	ReviewerID string           `json:"reviewer_id"`
	IsRequired bool             `json:"is_required"`
	Status     ReviewStatus     `json:"status"`
	Decision   string           `json:"decision,omitempty"`
	AssignedAt time.Time        `json:"assigned_at"`
	ReviewedAt *time.Time       `json:"reviewed_at,omitempty"`
	Checklist  *ReviewChecklist `json:"checklist,omitempty"`
}

// Approve moves a pending review to Approved.
func (r *PlanReview) Approve(decision string, now time.Time) error {
	if r.Status != ReviewPending {
		return fmt.Errorf("%w: reviewer %s is %s", ErrReviewNotPending, r.ReviewerID, r.Status)
	}
	if !r.Checklist.AllRequiredItemsChecked() {
		return fmt.Errorf("%w: %s", ErrChecklistIncomplete, strings.Join(r.Checklist.Unchecked(), ", "))
	}
	now = now.UTC()
	r.Status = ReviewApproved
	r.Decision = strings.TrimSpace(decision)
	r.ReviewedAt = &now
	return nil
}

// Reject moves a pending review to one of the rejection statuses.
func (r *PlanReview) Reject(status ReviewStatus, reason string, now time.Time) error {
	if !status.Rejected() {
		return fmt.Errorf("status %s is not a rejection", status)
	}
	if r.Status != ReviewPending {
		return fmt.Errorf("%w: reviewer %s is %s", ErrReviewNotPending, r.ReviewerID, r.Status)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return ErrReasonRequired
	}
	now = now.UTC()
	r.Status = status
	r.Decision = reason
	r.ReviewedAt = &now
	return nil
}

// ResetForNewPlan returns the review to Pending for a new plan iteration.
func (r *PlanReview) ResetForNewPlan(now time.Time) {
	r.Status = ReviewPending
	r.Decision = ""
	r.ReviewedAt = nil
	r.AssignedAt = now.UTC()
	r.Checklist.uncheckAll()
}

type InlineCommentAnchor struct {
	Artifact  ArtifactKind `json:"artifact,omitempty"`
	StartLine int          `json:"start_line"`
	EndLine   int          `json:"end_line"`
	Snippet   string       `json:"snippet,omitempty"`
}

// Validate checks the line range.
func (a InlineCommentAnchor) Validate() error {
	if a.StartLine < 1 {
		return errors.New("anchor start_line must be >= 1")
	}
	if a.EndLine < a.StartLine {
		return errors.New("anchor end_line must be >= start_line")
	}
	if a.Artifact != "" && !a.Artifact.Valid() {
		return fmt.Errorf("anchor references unknown artifact %q", a.Artifact)
	}
	return nil
}

type ReviewComment struct {
	ID         string               `json:"id"`
	WorkItemID string               `json:"work_item_id"`
	AuthorID   string               `json:"author_id"`
	Body       string               `json:"body"`
	Mentions   []string             `json:"mentions"`
	Anchor     *InlineCommentAnchor `json:"anchor,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
}

var mentionPattern = regexp.MustCompile(`(?:^|[^\w@])@([A-Za-z0-9][A-Za-z0-9_.-]*)`)

// ParseMentions returns the distinct @user ids in body, sorted.
func ParseMentions(body string) []string {
	seen := map[string]bool{}
	for _, m := range mentionPattern.FindAllStringSubmatch(body, -1) {
		id := strings.TrimRight(m[1], ".-")
		if id != "" {
			seen[id] = true
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

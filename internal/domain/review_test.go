package domain

import (
	"errors"
	"reflect"
	"testing"
)

func TestReviewOnlyPendingTransitions(t *testing.T) {
	r := &PlanReview{ReviewerID: "alice", IsRequired: true, Status: ReviewPending}
	if err := r.Approve("looks good", testNow); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := r.Approve("again", testNow); !errors.Is(err, ErrReviewNotPending) {
		t.Fatalf("expected ErrReviewNotPending, got %v", err)
	}
	if err := r.Reject(ReviewRejectedForRefinement, "late change", testNow); !errors.Is(err, ErrReviewNotPending) {
		t.Fatalf("expected ErrReviewNotPending, got %v", err)
	}
	if r.Status != ReviewApproved {
		t.Fatalf("status changed to %s", r.Status)
	}
}

func TestRejectRequiresReason(t *testing.T) {
	r := &PlanReview{ReviewerID: "bob", Status: ReviewPending}
	if err := r.Reject(ReviewRejectedForRegeneration, "   ", testNow); !errors.Is(err, ErrReasonRequired) {
		t.Fatalf("expected ErrReasonRequired, got %v", err)
	}
	if err := r.Reject(ReviewApproved, "x", testNow); err == nil {
		t.Fatalf("approved is not a rejection")
	}
	if err := r.Reject(ReviewRejectedForRegeneration, "start over", testNow); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if r.Decision != "start over" || r.ReviewedAt == nil {
		t.Fatalf("decision not recorded")
	}
}

func TestApprovalGatedByChecklist(t *testing.T) {
	r := &PlanReview{ReviewerID: "carol", Status: ReviewPending, Checklist: &ReviewChecklist{
		Template: "default",
		Items: []ChecklistItem{
			{ID: "security", Title: "Security reviewed", Severity: SeverityRequired},
			{ID: "docs", Title: "Docs updated", Severity: SeverityRecommended},
		},
	}}
	if err := r.Approve("", testNow); !errors.Is(err, ErrChecklistIncomplete) {
		t.Fatalf("expected ErrChecklistIncomplete, got %v", err)
	}
	if err := r.Checklist.SetChecked("security", true); err != nil {
		t.Fatalf("check: %v", err)
	}
	if err := r.Checklist.SetChecked("missing", true); !errors.Is(err, ErrChecklistItem) {
		t.Fatalf("expected ErrChecklistItem, got %v", err)
	}
	if err := r.Approve("", testNow); err != nil {
		t.Fatalf("approve after checklist: %v", err)
	}
}

func TestResetForNewPlan(t *testing.T) {
	later := testNow.AddDate(0, 0, 2)
	r := &PlanReview{ReviewerID: "dan", Status: ReviewPending, AssignedAt: testNow, Checklist: &ReviewChecklist{
		Items: []ChecklistItem{{ID: "a", Severity: SeverityRequired}},
	}}
	_ = r.Checklist.SetChecked("a", true)
	if err := r.Approve("ok", testNow); err != nil {
		t.Fatalf("approve: %v", err)
	}
	r.ResetForNewPlan(later)
	if r.Status != ReviewPending || r.Decision != "" || r.ReviewedAt != nil {
		t.Fatalf("not reset: %+v", r)
	}
	if !r.AssignedAt.Equal(later) {
		t.Fatalf("assigned_at not re-stamped")
	}
	if r.Checklist.AllRequiredItemsChecked() {
		t.Fatalf("checklist should be cleared")
	}
}

func TestParseMentions(t *testing.T) {
	got := ParseMentions("@bob please check with @alice. cc @bob, mail a@b.com")
	want := []string{"alice", "bob"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
	if len(ParseMentions("no mentions")) != 0 {
		t.Fatalf("expected none")
	}
}

func TestAnchorValidate(t *testing.T) {
	if err := (InlineCommentAnchor{StartLine: 3, EndLine: 2}).Validate(); err == nil {
		t.Fatalf("expected range error")
	}
	if err := (InlineCommentAnchor{StartLine: 1, EndLine: 1, Artifact: ArtifactDatabaseSchema}).Validate(); err != nil {
		t.Fatalf("valid anchor: %v", err)
	}
}

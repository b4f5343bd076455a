package domain

import (
	"reflect"
	"testing"
)

func TestNumberQuestions(t *testing.T) {
	got := NumberQuestions([]Question{
		{ID: "fmt", Text: " Which format? "},
		{Text: "   "},
		{ID: "fmt", Text: "Who may export?"},
		{Text: "How far back?"},
	})
	want := []Question{
		{ID: "fmt", Text: "Which format?"},
		{ID: "q2", Text: "Who may export?"},
		{ID: "q3", Text: "How far back?"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("questions = %+v, want %+v", got, want)
	}
	if out := NumberQuestions(nil); len(out) != 0 {
		t.Fatalf("expected no questions, got %+v", out)
	}
}

package pipeline

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"planline/internal/domain"
)

var ErrValidation = errors.New("validation failed")

// Validator checks an extracted artifact body.
type Validator func(content string) error

var (
	sqlDDLPattern       = regexp.MustCompile(`(?i)\b(CREATE|ALTER)\b`)
	sqlDestroyPattern   = regexp.MustCompile(`(?i)\bDROP\s+(DATABASE|SCHEMA)\b`)
	stepHeadingPattern  = regexp.MustCompile(`(?mi)^\s{0,3}(?:#{1,6}\s*(?:step\s*)?\d+\b|(?:step\s+)?\d+[.)]\s+\S)`)
	markdownHeading     = regexp.MustCompile(`(?m)^\s{0,3}#{1,6}\s+\S`)
	markdownListPattern = regexp.MustCompile(`(?m)^\s*(?:[-*+]|\d+[.)])\s+\S`)
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func NonEmpty(content string) error {
	if strings.TrimSpace(content) == "" {
		return invalid("empty output")
	}
	return nil
}

// SQLSchema requires DDL and refuses destructive statements.
func SQLSchema(content string) error {
	if err := NonEmpty(content); err != nil {
		return err
	}
	if !sqlDDLPattern.MatchString(content) {
		return invalid("schema contains no CREATE or ALTER statement")
	}
	if m := sqlDestroyPattern.FindString(content); m != "" {
		return invalid("schema contains forbidden statement %q", m)
	}
	return nil
}

// NumberedSteps requires at least one numbered step.
func NumberedSteps(content string) error {
	if err := NonEmpty(content); err != nil {
		return err
	}
	if !stepHeadingPattern.MatchString(content) {
		return invalid("no numbered implementation step found")
	}
	return nil
}

// Structured requires a markdown heading or list.
func Structured(content string) error {
	if err := NonEmpty(content); err != nil {
		return err
	}
	if !markdownHeading.MatchString(content) && !markdownListPattern.MatchString(content) {
		return invalid("expected markdown headings or a list")
	}
	return nil
}

var artifactValidators = map[domain.ArtifactKind]Validator{
	domain.ArtifactUserStories:         Structured,
	domain.ArtifactAPIDesign:           Structured,
	domain.ArtifactDatabaseSchema:      SQLSchema,
	domain.ArtifactTestScenarios:       Structured,
	domain.ArtifactImplementationSteps: NumberedSteps,
}

// ValidateArtifact applies the gate of kind to body, whichever agent or
// caller produced it.
func ValidateArtifact(kind domain.ArtifactKind, body string) error {
	v, ok := artifactValidators[kind]
	if !ok {
		return invalid("unknown artifact %q", kind)
	}
	if err := v(body); err != nil {
		return fmt.Errorf("%s: %w", kind, err)
	}
	return nil
}

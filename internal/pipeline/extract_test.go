package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planline/internal/domain"
)

func TestExtractArtifactPreference(t *testing.T) {
	fenced := "intro\n```sql\nCREATE TABLE a(id int);\n```\noutro"
	assert.Equal(t, "CREATE TABLE a(id int);", ExtractArtifact(fenced, []string{"sql"}, []string{"schema"}))

	headed := "Sure.\n## Schema\nCREATE TABLE b(id int);\n## Notes\nignored"
	assert.Equal(t, "CREATE TABLE b(id int);", ExtractArtifact(headed, []string{"sql"}, []string{"schema"}))

	plain := "  CREATE TABLE c(id int);  "
	assert.Equal(t, "CREATE TABLE c(id int);", ExtractArtifact(plain, []string{"sql"}, []string{"schema"}))
}

func TestHeadingSectionKeepsSubheadings(t *testing.T) {
	out := "# Implementation Steps\n## Step 1: a\n## Step 2: b\n# Appendix\nx"
	body, ok := headingSection(out, []string{"implementation steps"})
	require.True(t, ok)
	assert.Equal(t, "## Step 1: a\n## Step 2: b", body)
}

func TestValidators(t *testing.T) {
	assert.NoError(t, SQLSchema("ALTER TABLE orders ADD COLUMN exported_at TEXT;"))
	assert.ErrorIs(t, SQLSchema("SELECT 1;"), ErrValidation)
	assert.ErrorIs(t, SQLSchema("CREATE TABLE x(id int);\ndrop  schema public;"), ErrValidation)
	assert.ErrorIs(t, SQLSchema("   "), ErrValidation)

	assert.NoError(t, NumberedSteps("## Step 1: add table"))
	assert.NoError(t, NumberedSteps("### 2. wire handler"))
	assert.NoError(t, NumberedSteps("1. create migration"))
	assert.ErrorIs(t, NumberedSteps("Add a table and then an endpoint."), ErrValidation)

	assert.NoError(t, Structured("- item"))
	assert.NoError(t, Structured("## Heading\ntext"))
	assert.ErrorIs(t, Structured("just prose"), ErrValidation)
}

func TestValidateArtifactByKind(t *testing.T) {
	assert.NoError(t, ValidateArtifact(domain.ArtifactDatabaseSchema, "CREATE TABLE exports(id int);"))
	assert.ErrorIs(t, ValidateArtifact(domain.ArtifactDatabaseSchema, "CREATE TABLE t(id int);\nDROP DATABASE prod;"), ErrValidation)
	assert.ErrorIs(t, ValidateArtifact(domain.ArtifactImplementationSteps, "just do it"), ErrValidation)
	assert.ErrorIs(t, ValidateArtifact(domain.ArtifactAPIDesign, "prose only"), ErrValidation)
	assert.NoError(t, ValidateArtifact(domain.ArtifactTestScenarios, "- empty export"))
	assert.ErrorIs(t, ValidateArtifact(domain.ArtifactKind("Diagram"), "- x"), ErrValidation)
}

func TestParseQuestions(t *testing.T) {
	qs, err := ParseQuestions("1. Which format?\n2) Who may export?")
	require.NoError(t, err)
	require.Len(t, qs, 2)
	assert.Equal(t, "q2", qs[1].ID)

	qs, err = ParseQuestions("[]")
	require.NoError(t, err)
	assert.Empty(t, qs)

	qs, err = ParseQuestions("None.")
	require.NoError(t, err)
	assert.Empty(t, qs)

	qs, err = ParseQuestions(`[{"id": "fmt", "question": "Which format?"}, {"id": "fmt", "text": "Dup id"}]`)
	require.NoError(t, err)
	require.Len(t, qs, 2)
	assert.Equal(t, "fmt", qs[0].ID)
	assert.Equal(t, "q2", qs[1].ID)

	_, err = ParseQuestions("I have no idea what you want.")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestDecodeJSONRepairs(t *testing.T) {
	var v struct {
		Artifacts []string `json:"affected_artifacts"`
	}
	raw := ExtractJSON("```json\n{\"affected_artifacts\": [\"DatabaseSchema\",], // schema only\n}\n```")
	require.NoError(t, DecodeJSON(raw, &v))
	assert.Equal(t, []string{"DatabaseSchema"}, v.Artifacts)

	require.NoError(t, DecodeJSON(`{'affected_artifacts': ['ApiDesign']}`, &v))
	assert.Equal(t, []string{"ApiDesign"}, v.Artifacts)
}

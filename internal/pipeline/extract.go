package pipeline

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

var (
	jsonBlockPattern      = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	jsonObjectPattern     = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	jsonArrayBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\[.*\\])\\s*```")
	jsonArrayPattern      = regexp.MustCompile(`(?s)\[[\s\S]*\]`)
	trailingCommaPattern  = regexp.MustCompile(`,\s*([}\]])`)
	fencePattern          = regexp.MustCompile("(?s)```([A-Za-z0-9_+-]*)[^\\n]*\\n(.*?)```")
	headingPattern        = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*#*\s*$`)
)

// ExtractJSON returns the JSON object in a model reply, tolerating code
// fences, line comments and trailing commas.
func ExtractJSON(content string) string {
	if m := jsonBlockPattern.FindStringSubmatch(content); len(m) > 1 {
		return cleanJSON(m[1])
	}
	if m := jsonObjectPattern.FindString(content); m != "" {
		return cleanJSON(m)
	}
	return ""
}

// ExtractJSONArray returns the JSON array in a model reply.
func ExtractJSONArray(content string) string {
	if m := jsonArrayBlockPattern.FindStringSubmatch(content); len(m) > 1 {
		return cleanJSON(m[1])
	}
	if m := jsonArrayPattern.FindString(content); m != "" {
		return cleanJSON(m)
	}
	return ""
}

// DecodeJSON unmarshals raw into v, repairing malformed JSON once.
func DecodeJSON(raw string, v any) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("no JSON found")
	}
	err := json.Unmarshal([]byte(raw), v)
	if err == nil {
		return nil
	}
	fixed, repairErr := jsonrepair.JSONRepair(raw)
	if repairErr != nil {
		return fmt.Errorf("decode JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(fixed), v); err != nil {
		return fmt.Errorf("decode repaired JSON: %w", err)
	}
	return nil
}

func cleanJSON(raw string) string {
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		lines[i] = stripLineComment(line)
	}
	return trailingCommaPattern.ReplaceAllString(strings.Join(lines, "\n"), "$1")
}

// stripLineComment drops a // comment that sits outside a JSON string.
func stripLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}
	inString, escaped := false, false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if !inString && ch == '/' && i+1 < len(line) && line[i+1] == '/' {
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}

// ExtractArtifact pulls an artifact body out of a model reply. It tries a
// fenced block in one of langs, then a section under one of headings, then
// falls back to the whole reply.
func ExtractArtifact(output string, langs, headings []string) string {
	if body, ok := fencedBlock(output, langs); ok {
		return body
	}
	if body, ok := headingSection(output, headings); ok {
		return body
	}
	return strings.TrimSpace(output)
}

func fencedBlock(output string, langs []string) (string, bool) {
	if len(langs) == 0 {
		return "", false
	}
	for _, m := range fencePattern.FindAllStringSubmatch(output, -1) {
		lang := strings.ToLower(m[1])
		for _, want := range langs {
			if lang == want {
				body := strings.TrimSpace(m[2])
				return body, body != ""
			}
		}
	}
	return "", false
}

// headingSection returns the body under a matching heading, up to the next
// heading of the same or a higher level.
func headingSection(output string, headings []string) (string, bool) {
	if len(headings) == 0 {
		return "", false
	}
	lines := strings.Split(output, "\n")
	start, level := -1, 0
	for i, line := range lines {
		m := headingPattern.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		if start >= 0 {
			if len(m[1]) <= level {
				body := strings.TrimSpace(strings.Join(lines[start+1:i], "\n"))
				return body, body != ""
			}
			continue
		}
		title := strings.ToLower(m[2])
		for _, h := range headings {
			if strings.Contains(title, strings.ToLower(h)) {
				start, level = i, len(m[1])
				break
			}
		}
	}
	if start < 0 {
		return "", false
	}
	body := strings.TrimSpace(strings.Join(lines[start+1:], "\n"))
	return body, body != ""
}

var fileHeaderPattern = regexp.MustCompile(`(?m)^#{2,4}\s*File:\s*` + "`?" + `([^\s` + "`" + `]+)` + "`?" + `\s*$`)

// ExtractFileChanges parses "### File: path" headers each followed by a
// fenced block.
func ExtractFileChanges(output string) []FileChange {
	locs := fileHeaderPattern.FindAllStringSubmatchIndex(output, -1)
	var out []FileChange
	for i, loc := range locs {
		path := output[loc[2]:loc[3]]
		end := len(output)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		m := fencePattern.FindStringSubmatch(output[loc[1]:end])
		if m == nil {
			continue
		}
		out = append(out, FileChange{Path: path, Content: m[2]})
	}
	return out
}

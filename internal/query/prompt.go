package query

import (
	"fmt"
	"strings"

	"orgcrm/internal/schema"
)

// NotAQuerySentinel is the reply the model is told to give for prompts
// that do not ask for member data.
const NotAQuerySentinel = "NO"

// SystemPrompt instructs the model to answer with a single filter over the
// fields of s, or with the sentinel.
func SystemPrompt(s *schema.Schema) string {
	var b strings.Builder
	b.WriteString("You are a MongoDB expert translating requests about an organization's member records into query filters.\n")
	b.WriteString("Member records have these fields:\n")
	for _, f := range s.Fields {
		fmt.Fprintf(&b, "- %s (%s): %s\n", f.Name, f.Type, f.Label)
	}
	b.WriteString("\nIf the request asks to find, list or filter members, reply with exactly one JSON filter object and nothing else.\n")
	b.WriteString("Use only the fields above and these operators: " + strings.Join(allowedOperatorNames(), ", ") + ", $and, $or, $nor.\n")
	b.WriteString("Values must be plain strings, numbers, booleans or null. Numbers must not be quoted.\n")
	fmt.Fprintf(&b, "Otherwise reply with exactly %s.\n", NotAQuerySentinel)
	return b.String()
}

// UserPrompt frames the caller's request.
func UserPrompt(prompt string) string {
	return "Generate a MongoDB filter for: " + strings.TrimSpace(prompt)
}

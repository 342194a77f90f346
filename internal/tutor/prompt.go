package tutor

import (
	"fmt"
	"strings"

	"mindtrail/api/internal/graph"
	"mindtrail/api/internal/protocol"
)

const socraticInstructions = `You are a Socratic tutor helping a learner build a map of what they understand.
Never lecture. Ask one focused question at a time, build on what the learner
already said, and let them reach conclusions themselves. Keep replies short.

When the exchange has surfaced a concept the learner now understands and it is
not already on the map, add it as a node. Prefer attaching new concepts to the
root so the map grows broad rather than deep; only name a different parent when
the new concept is clearly a detail of that parent.`

// BuildSystemPrompt assembles the tutor instructions, the labels already on the
// map, optional document context and the reply protocol.
func BuildSystemPrompt(labels []string, docName, docContext string, maxDocChars int) string {
	var b strings.Builder
	b.WriteString(socraticInstructions)

	b.WriteString("\n\nConcepts already on the map:\n")
	if len(labels) == 0 {
		b.WriteString("(none yet)\n")
	}
	for i, label := range labels {
		fmt.Fprintf(&b, "%d. %s\n", i+1, label)
	}

	if doc := strings.TrimSpace(docContext); doc != "" {
		doc = truncate(doc, maxDocChars)
		name := strings.TrimSpace(docName)
		if name == "" {
			name = "uploaded document"
		}
		fmt.Fprintf(&b, "\nThe learner is studying %q. Ground your questions in it:\n<document>\n%s\n</document>\n", name, doc)
	}

	b.WriteString("\n")
	b.WriteString(protocolInstructions())
	return b.String()
}

func protocolInstructions() string {
	return fmt.Sprintf(`Reply format:
Write your message to the learner first. Then, on its own line, write %s
followed by either a JSON object {"label": "...", "description": "...", "emoji": "...", "parentLabel": "..."}
or null when no concept should be added. The label must not repeat an existing concept.
Then, on its own line, write %s followed by a JSON array of up to %d short
answers the learner might give next.`, protocol.ActionMarker, protocol.RepliesMarker, protocol.MaxQuickReplies)
}

func childrenPrompt(parent graph.Node, existing []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "List 3 to 5 sub-concepts a learner should explore under %q", parent.Label)
	if parent.Description != "" {
		fmt.Fprintf(&b, " (%s)", parent.Description)
	}
	b.WriteString(".\n")
	if len(existing) > 0 {
		fmt.Fprintf(&b, "Do not repeat any of: %s.\n", strings.Join(existing, "; "))
	}
	b.WriteString(`Answer with only a JSON array of objects {"label": "...", "description": "...", "emoji": "..."}.`)
	return b.String()
}

// truncate cuts s to at most limit runes.
func truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "\n[truncated]"
}

// Package protocol parses the delimited sections the tutor model appends to
// its replies: an optional "add node" instruction and a list of quick replies.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	ActionMarker  = "---GRAPH_ACTION---"
	RepliesMarker = "---QUICK_REPLIES---"

	MaxQuickReplies = 4
)

var (
	ErrNoJSON = errors.New("no JSON value found")
)

// GraphAction asks the graph store to append one concept node.
type GraphAction struct {
	Label       string `json:"label"`
	Description string `json:"description"`
	Emoji       string `json:"emoji,omitempty"`
	ParentLabel string `json:"parentLabel,omitempty"`
	// Image is never produced by the model; the chat handler sets it when the
	// user attached an image to the turn.
	Image string `json:"image,omitempty"`
}

// Reply is a model response split into its sections. ActionErr and RepliesErr
// record malformed sections; they never make the reply unusable.
type Reply struct {
	Message      string
	Action       *GraphAction
	QuickReplies []string
	ActionErr    error
	RepliesErr   error
}

// Parse splits raw into the human-readable message and the optional trailing
// sections. Missing markers are not errors.
func Parse(raw string) Reply {
	actionAt := strings.Index(raw, ActionMarker)
	repliesAt := strings.Index(raw, RepliesMarker)

	reply := Reply{QuickReplies: []string{}}

	cut := len(raw)
	if actionAt >= 0 {
		cut = actionAt
	}
	if repliesAt >= 0 && repliesAt < cut {
		cut = repliesAt
	}
	reply.Message = strings.TrimSpace(raw[:cut])

	if actionAt >= 0 {
		section := sectionAfter(raw, actionAt+len(ActionMarker), repliesAt)
		reply.Action, reply.ActionErr = parseAction(section)
	}
	if repliesAt >= 0 {
		section := sectionAfter(raw, repliesAt+len(RepliesMarker), actionAt)
		replies, err := parseReplies(section)
		if err != nil {
			reply.RepliesErr = err
		} else {
			reply.QuickReplies = replies
		}
	}
	return reply
}

// ParseChildren decodes the JSON array of sub-concepts returned by the
// "generate children" prompt. Entries without a label are dropped.
func ParseChildren(raw string) ([]GraphAction, error) {
	body, err := extractJSON(stripFences(raw), '[', ']')
	if err != nil {
		return nil, err
	}
	var items []GraphAction
	if err := json.Unmarshal([]byte(body), &items); err != nil {
		return nil, fmt.Errorf("decode children: %w", err)
	}
	children := make([]GraphAction, 0, len(items))
	for _, item := range items {
		item = item.normalized()
		if item.Label == "" {
			continue
		}
		children = append(children, item)
	}
	return children, nil
}

// sectionAfter returns raw[start:] up to the other marker when that marker
// follows start.
func sectionAfter(raw string, start, other int) string {
	end := len(raw)
	if other >= start {
		end = other
	}
	return raw[start:end]
}

func parseAction(section string) (*GraphAction, error) {
	body := strings.TrimSpace(stripFences(section))
	switch strings.ToLower(body) {
	case "", "null", "none", "{}":
		return nil, nil
	}
	obj, err := extractJSON(body, '{', '}')
	if err != nil {
		return nil, err
	}
	var action GraphAction
	if err := json.Unmarshal([]byte(obj), &action); err != nil {
		return nil, fmt.Errorf("decode graph action: %w", err)
	}
	action = action.normalized()
	action.Image = ""
	if action.Label == "" {
		return nil, nil
	}
	return &action, nil
}

func parseReplies(section string) ([]string, error) {
	body := strings.TrimSpace(stripFences(section))
	if body == "" || strings.EqualFold(body, "null") {
		return []string{}, nil
	}
	arr, err := extractJSON(body, '[', ']')
	if err != nil {
		return nil, err
	}
	var raw []string
	if err := json.Unmarshal([]byte(arr), &raw); err != nil {
		return nil, fmt.Errorf("decode quick replies: %w", err)
	}

	replies := make([]string, 0, MaxQuickReplies)
	seen := make(map[string]struct{}, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		key := strings.ToLower(r)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		replies = append(replies, r)
		if len(replies) == MaxQuickReplies {
			break
		}
	}
	return replies, nil
}

func (a GraphAction) normalized() GraphAction {
	a.Label = strings.Join(strings.Fields(a.Label), " ")
	a.Description = strings.TrimSpace(a.Description)
	a.Emoji = strings.TrimSpace(a.Emoji)
	a.ParentLabel = strings.TrimSpace(a.ParentLabel)
	return a
}

// stripFences removes markdown code fence lines such as ```json.
func stripFences(s string) string {
	if !strings.Contains(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func extractJSON(s string, open, close byte) (string, error) {
	start := strings.IndexByte(s, open)
	end := strings.LastIndexByte(s, close)
	if start < 0 || end <= start {
		return "", ErrNoJSON
	}
	return s[start : end+1], nil
}

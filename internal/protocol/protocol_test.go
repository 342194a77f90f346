package protocol

import (
	"reflect"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantMessage string
		wantAction  *GraphAction
		wantReplies []string
		actionErr   bool
		repliesErr  bool
	}{
		{
			name:        "plain text only",
			raw:         "  What do you think a plant needs to grow?  ",
			wantMessage: "What do you think a plant needs to grow?",
			wantReplies: []string{},
		},
		{
			name: "full protocol",
			raw: "Great insight! Light energy is captured by chlorophyll.\n" +
				ActionMarker + "\n" +
				`{"label":"Chlorophyll","description":"Pigment that absorbs light","emoji":"🌿","parentLabel":"Photosynthesis"}` + "\n" +
				RepliesMarker + "\n" +
				`["Why is it green?", "What about other pigments?"]`,
			wantMessage: "Great insight! Light energy is captured by chlorophyll.",
			wantAction: &GraphAction{
				Label:       "Chlorophyll",
				Description: "Pigment that absorbs light",
				Emoji:       "🌿",
				ParentLabel: "Photosynthesis",
			},
			wantReplies: []string{"Why is it green?", "What about other pigments?"},
		},
		{
			name:        "replies without action",
			raw:         "Keep going.\n" + RepliesMarker + "\n[\"Tell me more\"]",
			wantMessage: "Keep going.",
			wantReplies: []string{"Tell me more"},
		},
		{
			name:        "action without replies",
			raw:         "Noted.\n" + ActionMarker + "\n{\"label\":\"Osmosis\",\"description\":\"Water movement\"}",
			wantMessage: "Noted.",
			wantAction:  &GraphAction{Label: "Osmosis", Description: "Water movement"},
			wantReplies: []string{},
		},
		{
			name:        "null action",
			raw:         "Hmm?\n" + ActionMarker + "\nnull\n" + RepliesMarker + "\n[]",
			wantMessage: "Hmm?",
			wantReplies: []string{},
		},
		{
			name: "fenced json",
			raw: "Yes.\n" + ActionMarker + "\n```json\n{\"label\":\"Cell Wall\",\"description\":\"Rigid layer\"}\n```\n" +
				RepliesMarker + "\n```json\n[\"Next?\"]\n```",
			wantMessage: "Yes.",
			wantAction:  &GraphAction{Label: "Cell Wall", Description: "Rigid layer"},
			wantReplies: []string{"Next?"},
		},
		{
			name:        "malformed action degrades",
			raw:         "Ok.\n" + ActionMarker + "\n{\"label\": \"Broken\",,}\n" + RepliesMarker + "\n[\"A\"]",
			wantMessage: "Ok.",
			wantReplies: []string{"A"},
			actionErr:   true,
		},
		{
			name:        "malformed replies degrade",
			raw:         "Ok.\n" + ActionMarker + "\n{\"label\":\"Fine\",\"description\":\"d\"}\n" + RepliesMarker + "\n[\"unterminated",
			wantMessage: "Ok.",
			wantAction:  &GraphAction{Label: "Fine", Description: "d"},
			wantReplies: []string{},
			repliesErr:  true,
		},
		{
			name:        "empty label dropped",
			raw:         "Ok.\n" + ActionMarker + "\n{\"label\":\"   \",\"description\":\"d\"}",
			wantMessage: "Ok.",
			wantReplies: []string{},
		},
		{
			name:        "markers out of order",
			raw:         "Swap.\n" + RepliesMarker + "\n[\"one\"]\n" + ActionMarker + "\n{\"label\":\"Late\",\"description\":\"x\"}",
			wantMessage: "Swap.",
			wantAction:  &GraphAction{Label: "Late", Description: "x"},
			wantReplies: []string{"one"},
		},
		{
			name:        "replies trimmed deduplicated and capped",
			raw:         "Hi\n" + RepliesMarker + "\n[\" a \", \"A\", \"\", \"b\", \"c\", \"d\", \"e\"]",
			wantMessage: "Hi",
			wantReplies: []string{"a", "b", "c", "d"},
		},
		{
			name:        "model image field ignored",
			raw:         "x\n" + ActionMarker + "\n{\"label\":\"Leaf\",\"description\":\"organ\",\"image\":\"http://evil\"}",
			wantMessage: "x",
			wantAction:  &GraphAction{Label: "Leaf", Description: "organ"},
			wantReplies: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.raw)
			if got.Message != tt.wantMessage {
				t.Fatalf("Message = %q, want %q", got.Message, tt.wantMessage)
			}
			if !reflect.DeepEqual(got.Action, tt.wantAction) {
				t.Fatalf("Action = %+v, want %+v", got.Action, tt.wantAction)
			}
			if !reflect.DeepEqual(got.QuickReplies, tt.wantReplies) {
				t.Fatalf("QuickReplies = %#v, want %#v", got.QuickReplies, tt.wantReplies)
			}
			if (got.ActionErr != nil) != tt.actionErr {
				t.Fatalf("ActionErr = %v, want error %v", got.ActionErr, tt.actionErr)
			}
			if (got.RepliesErr != nil) != tt.repliesErr {
				t.Fatalf("RepliesErr = %v, want error %v", got.RepliesErr, tt.repliesErr)
			}
		})
	}
}

func TestParseChildren(t *testing.T) {
	raw := "Here you go:\n```json\n[" +
		`{"label":"Light reactions","description":"Thylakoid stage","emoji":"☀️"},` +
		`{"label":"","description":"skip me"},` +
		`{"label":"Calvin  cycle","description":"Carbon fixation"}` +
		"]\n```"
	children, err := ParseChildren(raw)
	if err != nil {
		t.Fatalf("ParseChildren() error = %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("expected 2 children, got %+v", children)
	}
	if children[1].Label != "Calvin cycle" {
		t.Fatalf("label not normalized: %q", children[1].Label)
	}
}

func TestParseChildrenRejectsGarbage(t *testing.T) {
	if _, err := ParseChildren("no json here"); err == nil {
		t.Fatal("expected error for reply without array")
	}
	if _, err := ParseChildren("[{bad}]"); err == nil {
		t.Fatal("expected error for malformed array")
	}
}

// Package tutor prompts the hosted model for Socratic replies and concept
// expansions and turns its text into graph actions.
package tutor

import (
	"context"
	"log"
	"strings"

	"mindtrail/api/internal/graph"
	"mindtrail/api/internal/llm"
	"mindtrail/api/internal/metrics"
	"mindtrail/api/internal/protocol"
)

type Completer interface {
	Complete(ctx context.Context, messages []llm.Message) (string, error)
}

type Tutor struct {
	llm         Completer
	maxDocChars int
}

func New(completer Completer, maxDocChars int) *Tutor {
	return &Tutor{llm: completer, maxDocChars: maxDocChars}
}

type Request struct {
	Message    string
	Image      string
	History    []graph.Message
	Labels     []string
	DocName    string
	DocContext string
}

type Response struct {
	Reply protocol.Reply
	Raw   string
}

// imagePlaceholder stands in for a past image-only turn.
const imagePlaceholder = "[image]"

// Respond runs one tutoring turn.
func (t *Tutor) Respond(ctx context.Context, req Request) (Response, error) {
	messages := []llm.Message{{
		Role:    llm.RoleSystem,
		Content: BuildSystemPrompt(req.Labels, req.DocName, req.DocContext, t.maxDocChars),
	}}
	for _, m := range req.History {
		role := llm.RoleUser
		if m.Role == graph.RoleAssistant {
			role = llm.RoleAssistant
		}
		// past images are not resent
		content := m.Content
		if strings.TrimSpace(content) == "" && m.Image != "" {
			content = imagePlaceholder
		}
		messages = append(messages, llm.Message{Role: role, Content: content})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: req.Message, Image: req.Image})

	raw, err := t.llm.Complete(ctx, messages)
	if err != nil {
		metrics.LLMCalls.WithLabelValues("chat", "error").Inc()
		return Response{}, err
	}
	metrics.LLMCalls.WithLabelValues("chat", "ok").Inc()

	reply := protocol.Parse(raw)
	recordSections(reply)
	if reply.ActionErr != nil {
		log.Printf("tutor: dropped malformed graph action: %v", reply.ActionErr)
	}
	if reply.RepliesErr != nil {
		log.Printf("tutor: dropped malformed quick replies: %v", reply.RepliesErr)
	}
	return Response{Reply: reply, Raw: raw}, nil
}

// GenerateChildren proposes sub-concepts for parent.
func (t *Tutor) GenerateChildren(ctx context.Context, parent graph.Node, existingLabels []string) ([]protocol.GraphAction, error) {
	raw, err := t.llm.Complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: "You design concise concept maps for learners."},
		{Role: llm.RoleUser, Content: childrenPrompt(parent, existingLabels)},
	})
	if err != nil {
		metrics.LLMCalls.WithLabelValues("expand", "error").Inc()
		return nil, err
	}
	metrics.LLMCalls.WithLabelValues("expand", "ok").Inc()

	children, err := protocol.ParseChildren(raw)
	if err != nil {
		metrics.ProtocolSections.WithLabelValues("children", "malformed").Inc()
		return nil, err
	}
	metrics.ProtocolSections.WithLabelValues("children", "present").Inc()
	return children, nil
}

func recordSections(reply protocol.Reply) {
	switch {
	case reply.ActionErr != nil:
		metrics.ProtocolSections.WithLabelValues("action", "malformed").Inc()
	case reply.Action != nil:
		metrics.ProtocolSections.WithLabelValues("action", "present").Inc()
	default:
		metrics.ProtocolSections.WithLabelValues("action", "absent").Inc()
	}
	switch {
	case reply.RepliesErr != nil:
		metrics.ProtocolSections.WithLabelValues("quick_replies", "malformed").Inc()
	case len(reply.QuickReplies) > 0:
		metrics.ProtocolSections.WithLabelValues("quick_replies", "present").Inc()
	default:
		metrics.ProtocolSections.WithLabelValues("quick_replies", "absent").Inc()
	}
}

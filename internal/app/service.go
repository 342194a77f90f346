package app

import (
	"bytes"
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"mindtrail/api/internal/config"
	"mindtrail/api/internal/export"
	"mindtrail/api/internal/graph"
	"mindtrail/api/internal/history"
	"mindtrail/api/internal/llm"
	"mindtrail/api/internal/pdftext"
	"mindtrail/api/internal/protocol"
	"mindtrail/api/internal/search"
	"mindtrail/api/internal/tutor"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type tutorService interface {
	Respond(ctx context.Context, req tutor.Request) (tutor.Response, error)
	graph.ChildGenerator
}

type historyService interface {
	Record(session graph.Session, message string) (history.Version, error)
	History(sessionID string, limit int) ([]history.Version, error)
	Snapshot(sessionID, hash string) (graph.Session, history.Version, error)
	Remove(sessionID string) error
}

type searchService interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexSession(session graph.Session)
	RemoveSession(sessionID string)
	ReindexAll(sessions []graph.Session)
}

type exporter interface {
	Export(ctx context.Context, session graph.Session, format export.Format) (*export.Result, error)
}

type archiver interface {
	Archive(ctx context.Context, filename, contentType string, data []byte) (string, error)
}

// Deps are the collaborators of Service. History, Search and Archive are
// optional; a nil value disables the feature.
type Deps struct {
	Graph    *graph.Store
	Backend  pinger
	Tutor    tutorService
	History  historyService
	Search   searchService
	Exporter exporter
	Archive  archiver
}

type Service struct {
	cfg      config.Config
	graph    *graph.Store
	backend  pinger
	tutor    tutorService
	history  historyService
	search   searchService
	exporter exporter
	archive  archiver
}

func New(cfg config.Config, deps Deps) *Service {
	return &Service{
		cfg:      cfg,
		graph:    deps.Graph,
		backend:  deps.Backend,
		tutor:    deps.Tutor,
		history:  deps.History,
		search:   deps.Search,
		exporter: deps.Exporter,
		archive:  deps.Archive,
	}
}

// Bootstrap restores saved sessions and rebuilds the search index from them.
func (s *Service) Bootstrap(ctx context.Context) error {
	if err := s.graph.Restore(ctx); err != nil {
		return err
	}
	if s.search != nil {
		s.search.ReindexAll(s.graph.SavedSessions())
	}
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Ping(ctx)
}

func (s *Service) Graph() *graph.Store {
	return s.graph
}

type ChatInput struct {
	Message         string `json:"message"`
	Image           string `json:"image"`
	DocumentName    string `json:"documentName"`
	DocumentContext string `json:"documentContext"`
}

type ChatResult struct {
	Message      string                `json:"message"`
	QuickReplies []string              `json:"quickReplies"`
	Action       *protocol.GraphAction `json:"action"`
	Node         *graph.Node           `json:"node"`
	Added        bool                  `json:"added"`
	Graph        graph.State           `json:"graph"`
}

// Chat runs one tutoring turn: the user message is recorded, the model
// answers, and its graph action (if any) is applied.
func (s *Service) Chat(ctx context.Context, input ChatInput) (ChatResult, error) {
	message := strings.TrimSpace(input.Message)
	image := strings.TrimSpace(input.Image)
	if message == "" && image == "" {
		return ChatResult{}, validationError("message or image is required")
	}
	if image != "" && !validImageRef(image) {
		return ChatResult{}, validationError("image must be a data:image URL or an http(s) URL")
	}

	s.graph.SetLoading(true)
	defer s.graph.SetLoading(false)

	past := s.graph.History(s.cfg.HistoryLimit)
	s.graph.AddMessage(graph.RoleUser, message, image, nil)

	resp, err := s.tutor.Respond(ctx, tutor.Request{
		Message:    message,
		Image:      image,
		History:    past,
		Labels:     s.graph.Labels(),
		DocName:    strings.TrimSpace(input.DocumentName),
		DocContext: input.DocumentContext,
	})
	if err != nil {
		return ChatResult{}, modelError("chat", err)
	}

	reply := resp.Reply
	result := ChatResult{
		Message:      reply.Message,
		QuickReplies: reply.QuickReplies,
		Action:       reply.Action,
	}
	if result.QuickReplies == nil {
		result.QuickReplies = []string{}
	}
	if reply.Action != nil {
		action := *reply.Action
		if image != "" {
			action.Image = image
		}
		node, added := s.graph.AddNodeFromChat(action)
		if node.ID != "" {
			result.Node = &node
		}
		result.Added = added
	}

	s.graph.AddMessage(graph.RoleAssistant, reply.Message, "", result.QuickReplies)
	result.Graph = s.graph.State()
	return result, nil
}

// Expand asks the model for sub-concepts of the node and attaches them.
func (s *Service) Expand(ctx context.Context, nodeID string) (map[string]any, error) {
	added, err := s.graph.ExpandNode(ctx, nodeID, s.tutor)
	if err != nil {
		if errors.Is(err, graph.ErrNodeNotFound) {
			return nil, err
		}
		return nil, modelError("expand", err)
	}
	return map[string]any{
		"nodes": added,
		"graph": s.graph.State(),
	}, nil
}

func (s *Service) AddNode(action protocol.GraphAction) (map[string]any, error) {
	node, added, err := s.graph.AddNode(action)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"node":  node,
		"added": added,
		"graph": s.graph.State(),
	}, nil
}

func (s *Service) MoveNode(nodeID string, pos graph.Position) (graph.Node, error) {
	return s.graph.MoveNode(nodeID, pos)
}

func (s *Service) ResetGraph() graph.State {
	s.graph.Reset()
	return s.graph.State()
}

type UploadResult struct {
	pdftext.Document
	FileName   string `json:"fileName"`
	ArchiveKey string `json:"archiveKey,omitempty"`
}

// ExtractPDF pulls the text out of an uploaded PDF and archives the original
// when object storage is configured.
func (s *Service) ExtractPDF(ctx context.Context, filename, contentType string, data []byte) (UploadResult, error) {
	doc, err := pdftext.Extract(bytes.NewReader(data), int64(len(data)), s.cfg.PDFMaxChars)
	if err != nil {
		return UploadResult{}, err
	}
	result := UploadResult{Document: doc, FileName: filename}
	if s.archive != nil {
		key, err := s.archive.Archive(ctx, filename, contentType, data)
		if err != nil {
			log.Printf("attachments: archive %s: %v", filename, err)
		} else {
			result.ArchiveKey = key
		}
	}
	return result, nil
}

func (s *Service) ListSessions() []graph.SessionSummary {
	return s.graph.Sessions()
}

// SaveSession persists the current graph, then records a history version and
// refreshes the search index. Only the persist step can fail the save.
func (s *Service) SaveSession(ctx context.Context, name string) (graph.Session, error) {
	session, err := s.graph.SaveSession(ctx, name)
	if err != nil {
		return graph.Session{}, err
	}
	if s.history != nil {
		if _, err := s.history.Record(session, ""); err != nil {
			log.Printf("history: record %s: %v", session.ID, err)
		}
	}
	if s.search != nil {
		s.search.IndexSession(session)
	}
	return session, nil
}

func (s *Service) GetSession(ctx context.Context, id string) (graph.Session, error) {
	return s.graph.Session(ctx, id)
}

func (s *Service) LoadSession(ctx context.Context, id string) (graph.State, error) {
	if _, err := s.graph.LoadSession(ctx, id); err != nil {
		return graph.State{}, err
	}
	return s.graph.State(), nil
}

func (s *Service) DeleteSession(ctx context.Context, id string) error {
	if err := s.graph.DeleteSession(ctx, id); err != nil {
		return err
	}
	if s.history != nil {
		if err := s.history.Remove(id); err != nil && !errors.Is(err, history.ErrInvalidID) {
			log.Printf("history: remove %s: %v", id, err)
		}
	}
	if s.search != nil {
		s.search.RemoveSession(id)
	}
	return nil
}

// SessionHistory lists saved versions of a session, newest first. A session
// saved before history was enabled has an empty history.
func (s *Service) SessionHistory(ctx context.Context, id string, limit int) (map[string]any, error) {
	if _, err := s.graph.Session(ctx, id); err != nil {
		return nil, err
	}
	versions := []history.Version{}
	if s.history != nil {
		items, err := s.history.History(id, limit)
		switch {
		case err == nil:
			versions = items
		case errors.Is(err, history.ErrNotFound):
		default:
			return nil, err
		}
	}
	return map[string]any{
		"sessionId": id,
		"versions":  versions,
	}, nil
}

func (s *Service) SessionSnapshot(ctx context.Context, id, hash string) (map[string]any, error) {
	if s.history == nil {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Version not found", nil)
	}
	session, version, err := s.history.Snapshot(id, hash)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"version": version,
		"session": session,
	}, nil
}

func (s *Service) ExportSession(ctx context.Context, id, rawFormat string) (*export.Result, error) {
	format, err := export.ParseFormat(rawFormat)
	if err != nil {
		return nil, validationError("format must be 'pdf', 'docx' or 'html'")
	}
	session, err := s.graph.Session(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.exporter.Export(ctx, session, format)
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: strings.TrimSpace(q.Text)}
	}
	return s.search.Search(ctx, q)
}

func modelError(operation string, err error) error {
	if errors.Is(err, llm.ErrNotConfigured) {
		return domainError(http.StatusServiceUnavailable, "LLM_UNAVAILABLE", "Chat model is not configured", nil)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	log.Printf("tutor: %s failed: %v", operation, err)
	return domainError(http.StatusBadGateway, "LLM_FAILED", "Chat model request failed", nil)
}

func validImageRef(ref string) bool {
	lower := strings.ToLower(ref)
	return strings.HasPrefix(lower, "data:image/") ||
		strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "http://")
}

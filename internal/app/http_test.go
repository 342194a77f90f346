package app

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"mindtrail/api/internal/config"
	"mindtrail/api/internal/export"
	"mindtrail/api/internal/graph"
	"mindtrail/api/internal/llm"
	"mindtrail/api/internal/pdftext/pdftexttest"
	"mindtrail/api/internal/protocol"
	"mindtrail/api/internal/tutor"
)

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code  string `json:"code"`
		Error string `json:"error"`
	}
	decodeResponse(t, rr, &body)
	return body.Code
}

func TestChatEndpoint(t *testing.T) {
	server, _ := newTestServer(t, testDeps{
		respondFn: replyWith("What pulls the apple down?", &protocol.GraphAction{Label: "Gravity", Emoji: "🍎"}, "Mass", "Weight"),
	})
	handler := server.Handler()

	rr := doJSON(t, handler, http.MethodPost, "/api/chat", map[string]any{"message": "Why do things fall?"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body struct {
		Message      string                `json:"message"`
		QuickReplies []string              `json:"quickReplies"`
		Action       *protocol.GraphAction `json:"action"`
		Node         *graph.Node           `json:"node"`
		Added        bool                  `json:"added"`
		Graph        graph.State           `json:"graph"`
	}
	decodeResponse(t, rr, &body)
	if body.Message != "What pulls the apple down?" || !body.Added || body.Node == nil || body.Node.Emoji != "🍎" {
		t.Fatalf("unexpected chat response: %+v", body)
	}
	if len(body.QuickReplies) != 2 || body.Action == nil || len(body.Graph.Messages) != 2 {
		t.Fatalf("unexpected chat response: %+v", body)
	}

	rr = doJSON(t, handler, http.MethodPost, "/api/chat", map[string]any{"message": ""})
	if rr.Code != http.StatusUnprocessableEntity || errorCode(t, rr) != "VALIDATION_ERROR" {
		t.Fatalf("expected 422 VALIDATION_ERROR, got %d %s", rr.Code, rr.Body.String())
	}

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader("{not json"))
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest || errorCode(t, rr) != "INVALID_BODY" {
		t.Fatalf("expected 400 INVALID_BODY, got %d", rr.Code)
	}
}

func TestChatEndpointWithoutModel(t *testing.T) {
	server, _ := newTestServer(t, testDeps{
		respondFn: func(context.Context, tutor.Request) (tutor.Response, error) {
			return tutor.Response{}, llm.ErrNotConfigured
		},
	})
	rr := doJSON(t, server.Handler(), http.MethodPost, "/api/chat", map[string]any{"message": "hi"})
	if rr.Code != http.StatusServiceUnavailable || errorCode(t, rr) != "LLM_UNAVAILABLE" {
		t.Fatalf("expected 503 LLM_UNAVAILABLE, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestModelRoutesAreRateLimited(t *testing.T) {
	server, _ := newTestServer(t, testDeps{
		configure: func(cfg *config.Config) {
			cfg.LLMRatePerMin = 1
			cfg.LLMRateBurst = 2
		},
	})
	handler := server.Handler()

	for i := 0; i < 2; i++ {
		rr := doJSON(t, handler, http.MethodPost, "/api/chat", map[string]any{"message": "hi"})
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rr.Code)
		}
	}
	rr := doJSON(t, handler, http.MethodPost, "/api/graph/nodes/any/expand", nil)
	if rr.Code != http.StatusTooManyRequests || errorCode(t, rr) != "RATE_LIMITED" {
		t.Fatalf("expected 429 RATE_LIMITED, got %d %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	// manual graph edits are not model calls
	rr = doJSON(t, handler, http.MethodPost, "/api/graph/nodes", map[string]any{"label": "Manual"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("manual add should not be limited, got %d", rr.Code)
	}
}

func TestGraphEndpoints(t *testing.T) {
	server, _ := newTestServer(t, testDeps{
		childrenFn: func(context.Context, graph.Node, []string) ([]protocol.GraphAction, error) {
			return []protocol.GraphAction{{Label: "Orbit"}, {Label: "Tides"}}, nil
		},
	})
	handler := server.Handler()

	rr := doJSON(t, handler, http.MethodPost, "/api/graph/nodes", map[string]any{"label": "Moon", "description": "Natural satellite"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var created struct {
		Node  graph.Node `json:"node"`
		Added bool       `json:"added"`
	}
	decodeResponse(t, rr, &created)
	if !created.Added || created.Node.ID == "" {
		t.Fatalf("unexpected create response: %+v", created)
	}

	rr = doJSON(t, handler, http.MethodPost, "/api/graph/nodes", map[string]any{"label": "moon"})
	if rr.Code != http.StatusOK {
		t.Fatalf("duplicate label: expected 200, got %d", rr.Code)
	}

	rr = doJSON(t, handler, http.MethodPost, "/api/graph/nodes", map[string]any{"label": "  "})
	if rr.Code != http.StatusUnprocessableEntity || errorCode(t, rr) != "VALIDATION_ERROR" {
		t.Fatalf("empty label: expected 422, got %d", rr.Code)
	}

	rr = doJSON(t, handler, http.MethodPut, "/api/graph/nodes/"+created.Node.ID+"/position", graph.Position{X: 10, Y: 20})
	if rr.Code != http.StatusOK {
		t.Fatalf("move: expected 200, got %d", rr.Code)
	}
	rr = doJSON(t, handler, http.MethodPut, "/api/graph/nodes/nope/position", graph.Position{})
	if rr.Code != http.StatusNotFound || errorCode(t, rr) != "NOT_FOUND" {
		t.Fatalf("move missing: expected 404, got %d", rr.Code)
	}

	rr = doJSON(t, handler, http.MethodPost, "/api/graph/nodes/"+created.Node.ID+"/expand", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expand: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var expanded struct {
		Nodes []graph.Node `json:"nodes"`
		Graph graph.State  `json:"graph"`
	}
	decodeResponse(t, rr, &expanded)
	if len(expanded.Nodes) != 2 || len(expanded.Graph.Nodes) != 3 || len(expanded.Graph.Edges) != 2 {
		t.Fatalf("unexpected expand response: %+v", expanded)
	}
	rr = doJSON(t, handler, http.MethodPost, "/api/graph/nodes/nope/expand", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expand missing: expected 404, got %d", rr.Code)
	}

	rr = doJSON(t, handler, http.MethodGet, "/api/graph", nil)
	var state graph.State
	decodeResponse(t, rr, &state)
	if len(state.Nodes) != 3 {
		t.Fatalf("expected 3 nodes, got %d", len(state.Nodes))
	}

	rr = doJSON(t, handler, http.MethodDelete, "/api/graph", nil)
	decodeResponse(t, rr, &state)
	if rr.Code != http.StatusOK || len(state.Nodes) != 0 || len(state.Edges) != 0 {
		t.Fatalf("reset: got %d %+v", rr.Code, state)
	}

	rr = doJSON(t, handler, http.MethodPatch, "/api/graph", nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestSessionEndpoints(t *testing.T) {
	server, _ := newTestServer(t, testDeps{})
	handler := server.Handler()

	doJSON(t, handler, http.MethodPost, "/api/graph/nodes", map[string]any{"label": "Volcano"})
	rr := doJSON(t, handler, http.MethodPost, "/api/sessions", map[string]any{"name": "Geology"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("save: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var summary graph.SessionSummary
	decodeResponse(t, rr, &summary)
	if summary.Name != "Geology" || summary.NodeCount != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	rr = doJSON(t, handler, http.MethodGet, "/api/sessions", nil)
	var list struct {
		Sessions []graph.SessionSummary `json:"sessions"`
	}
	decodeResponse(t, rr, &list)
	if len(list.Sessions) != 1 || list.Sessions[0].ID != summary.ID {
		t.Fatalf("unexpected list: %+v", list)
	}

	rr = doJSON(t, handler, http.MethodGet, "/api/sessions/"+summary.ID, nil)
	var session graph.Session
	decodeResponse(t, rr, &session)
	if rr.Code != http.StatusOK || len(session.Nodes) != 1 {
		t.Fatalf("get: %d %+v", rr.Code, session)
	}

	doJSON(t, handler, http.MethodDelete, "/api/graph", nil)
	rr = doJSON(t, handler, http.MethodPost, "/api/sessions/"+summary.ID+"/load", nil)
	var state graph.State
	decodeResponse(t, rr, &state)
	if rr.Code != http.StatusOK || len(state.Nodes) != 1 || state.CurrentSessionID != summary.ID {
		t.Fatalf("load: %d %+v", rr.Code, state)
	}

	rr = doJSON(t, handler, http.MethodGet, "/api/sessions/"+summary.ID+"/history", nil)
	var hist struct {
		Versions []struct {
			Hash string `json:"hash"`
		} `json:"versions"`
	}
	decodeResponse(t, rr, &hist)
	if rr.Code != http.StatusOK || len(hist.Versions) != 1 {
		t.Fatalf("history: %d %s", rr.Code, rr.Body.String())
	}
	rr = doJSON(t, handler, http.MethodGet, "/api/sessions/"+summary.ID+"/history/"+hist.Versions[0].Hash, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("snapshot: expected 200, got %d", rr.Code)
	}
	rr = doJSON(t, handler, http.MethodGet, "/api/sessions/"+summary.ID+"/history/ffffffff", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown version: expected 404, got %d", rr.Code)
	}

	rr = doJSON(t, handler, http.MethodDelete, "/api/sessions/"+summary.ID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", rr.Code)
	}
	rr = doJSON(t, handler, http.MethodGet, "/api/sessions/"+summary.ID, nil)
	if rr.Code != http.StatusNotFound || errorCode(t, rr) != "NOT_FOUND" {
		t.Fatalf("after delete: expected 404, got %d", rr.Code)
	}
	rr = doJSON(t, handler, http.MethodPost, "/api/sessions/"+summary.ID+"/load", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("load deleted: expected 404, got %d", rr.Code)
	}
}

func TestExportEndpoint(t *testing.T) {
	var gotFormat export.Format
	server, svc := newTestServer(t, testDeps{
		exporter: &fakeExporter{exportFn: func(_ context.Context, session graph.Session, format export.Format) (*export.Result, error) {
			gotFormat = format
			if format == export.FormatDOCX {
				return nil, export.ErrDOCXDependencyMissing
			}
			return &export.Result{Data: []byte("%PDF-1.7"), Filename: session.Name + ".pdf", MimeType: "application/pdf"}, nil
		}},
	})
	handler := server.Handler()
	saved, err := svc.SaveSession(context.Background(), "Optics")
	if err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	rr := doJSON(t, handler, http.MethodGet, "/api/sessions/"+saved.ID+"/export", nil)
	if rr.Code != http.StatusOK || gotFormat != export.FormatPDF {
		t.Fatalf("export: %d format=%s", rr.Code, gotFormat)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := rr.Header().Get("Content-Disposition"); cd != `attachment; filename="Optics.pdf"` {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if rr.Body.String() != "%PDF-1.7" {
		t.Errorf("unexpected body %q", rr.Body.String())
	}

	rr = doJSON(t, handler, http.MethodGet, "/api/sessions/"+saved.ID+"/export?format=docx", nil)
	if rr.Code != http.StatusNotImplemented || errorCode(t, rr) != "EXPORT_UNAVAILABLE" {
		t.Fatalf("docx: expected 501, got %d", rr.Code)
	}
	rr = doJSON(t, handler, http.MethodGet, "/api/sessions/"+saved.ID+"/export?format=rtf", nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("rtf: expected 422, got %d", rr.Code)
	}
	rr = doJSON(t, handler, http.MethodGet, "/api/sessions/ses_missing/export?format=pdf", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing session: expected 404, got %d", rr.Code)
	}
}

func TestSearchEndpoint(t *testing.T) {
	server, svc := newTestServer(t, testDeps{})
	if _, err := svc.AddNode(protocol.GraphAction{Label: "Plate tectonics", Description: "Moving crust"}); err != nil {
		t.Fatalf("AddNode() error = %v", err)
	}
	if _, err := svc.SaveSession(context.Background(), "Earth"); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	rr := doJSON(t, server.Handler(), http.MethodGet, "/api/search?q=crust&limit=5", nil)
	var resp struct {
		Results []struct {
			Label       string `json:"label"`
			SessionName string `json:"sessionName"`
		} `json:"results"`
		Total   int    `json:"total"`
		Backend string `json:"backend"`
	}
	decodeResponse(t, rr, &resp)
	if rr.Code != http.StatusOK || resp.Total != 1 || resp.Results[0].Label != "Plate tectonics" || resp.Results[0].SessionName != "Earth" {
		t.Fatalf("unexpected search response: %d %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, server.Handler(), http.MethodGet, "/api/search?q=", nil)
	decodeResponse(t, rr, &resp)
	if rr.Code != http.StatusOK || resp.Total != 0 || resp.Results == nil {
		t.Fatalf("empty query: %d %s", rr.Code, rr.Body.String())
	}
}

func multipartUpload(t *testing.T, filename, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, writer.FormDataContentType()
}

func TestUploadPDFValidation(t *testing.T) {
	server, _ := newTestServer(t, testDeps{
		configure: func(cfg *config.Config) {
			cfg.MaxUploadBytes = 256
		},
	})
	handler := server.Handler()

	cases := []struct {
		name        string
		filename    string
		contentType string
		data        []byte
		status      int
		code        string
	}{
		{name: "not a pdf", filename: "notes.txt", contentType: "text/plain", data: []byte("hello"), status: http.StatusUnprocessableEntity, code: "INVALID_FILE"},
		{name: "too large", filename: "big.pdf", contentType: "application/pdf", data: bytes.Repeat([]byte("a"), 512), status: http.StatusRequestEntityTooLarge, code: "FILE_TOO_LARGE"},
		{name: "unreadable", filename: "broken.pdf", contentType: "application/octet-stream", data: []byte("%PDF-garbage"), status: http.StatusUnprocessableEntity, code: "INVALID_PDF"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body, contentType := multipartUpload(t, tc.filename, tc.contentType, tc.data)
			req := httptest.NewRequest(http.MethodPost, "/api/upload-pdf", body)
			req.Header.Set("Content-Type", contentType)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if rr.Code != tc.status || errorCode(t, rr) != tc.code {
				t.Fatalf("expected %d %s, got %d %s", tc.status, tc.code, rr.Code, rr.Body.String())
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/upload-pdf", strings.NewReader(`{"file":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("non-multipart: expected 400, got %d", rr.Code)
	}
}

func TestUploadPDFExtractsText(t *testing.T) {
	var archived []byte
	server, _ := newTestServer(t, testDeps{
		archive: &fakeArchive{archiveFn: func(_ context.Context, filename, contentType string, data []byte) (string, error) {
			archived = data
			return "uploads/2026/10/16/abc-" + filename, nil
		}},
	})
	data := pdftexttest.OnePage("The water cycle moves moisture")
	body, contentType := multipartUpload(t, "cycle.pdf", "application/pdf", data)
	req := httptest.NewRequest(http.MethodPost, "/api/upload-pdf", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Text       string `json:"text"`
		Pages      int    `json:"pages"`
		Characters int    `json:"characters"`
		Truncated  bool   `json:"truncated"`
		FileName   string `json:"fileName"`
		ArchiveKey string `json:"archiveKey"`
	}
	decodeResponse(t, rr, &resp)
	if !strings.Contains(resp.Text, "The water cycle moves moisture") || resp.Pages != 1 || resp.Truncated {
		t.Fatalf("unexpected document: %+v", resp)
	}
	if resp.FileName != "cycle.pdf" || resp.ArchiveKey != "uploads/2026/10/16/abc-cycle.pdf" {
		t.Fatalf("unexpected file fields: %+v", resp)
	}
	if !bytes.Equal(archived, data) {
		t.Fatal("archived bytes differ from the upload")
	}
}

func TestUnknownRoute(t *testing.T) {
	server, _ := newTestServer(t, testDeps{})
	rr := doJSON(t, server.Handler(), http.MethodGet, "/api/nope", nil)
	if rr.Code != http.StatusNotFound || errorCode(t, rr) != "NOT_FOUND" {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestGraphEventsWebsocket(t *testing.T) {
	server, svc := newTestServer(t, testDeps{})
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/graph/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var frame struct {
		Type  string      `json:"type"`
		Graph graph.State `json:"graph"`
	}
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read initial frame: %v", err)
	}
	if frame.Type != "graph" || len(frame.Graph.Nodes) != 0 {
		t.Fatalf("unexpected initial frame: %+v", frame)
	}

	if _, err := svc.AddNode(protocol.GraphAction{Label: "Comet"}); err != nil {
		t.Fatalf("AddNode() error = %v", err)
	}
	for {
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read update: %v", err)
		}
		if len(frame.Graph.Nodes) == 1 {
			break
		}
	}
	if frame.Graph.Nodes[0].Label != "Comet" {
		t.Fatalf("unexpected update: %+v", frame.Graph)
	}
}

func TestGraphEventsClosedOnShutdown(t *testing.T) {
	server, _ := newTestServer(t, testDeps{})
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/graph/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var frame map[string]any
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read initial frame: %v", err)
	}

	server.CloseStreams()
	server.CloseStreams()
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
			t.Fatalf("expected going-away close, got %v", err)
		}
		break
	}
}

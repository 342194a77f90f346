package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"

	"mindtrail/api/internal/graph"
)

//go:embed templates/*.html
var templateFS embed.FS

var sessionTemplate = template.Must(template.New("session.html").Funcs(template.FuncMap{
	"lower": strings.ToLower,
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}).ParseFS(templateFS, "templates/session.html"))

// TemplateData holds data for session template rendering
type TemplateData struct {
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
	NodeCount int
	Outline   []OutlineItem
	Messages  []TemplateMessage
}

type TemplateMessage struct {
	Role    string
	Content string
	Time    time.Time
}

func templateDataFor(session graph.Session) TemplateData {
	data := TemplateData{
		Title:     session.Name,
		CreatedAt: session.CreatedAt,
		UpdatedAt: session.UpdatedAt,
		NodeCount: len(session.Nodes),
		Outline:   BuildOutline(session.Nodes, session.Edges),
		Messages:  make([]TemplateMessage, 0, len(session.Messages)),
	}
	if strings.TrimSpace(data.Title) == "" {
		data.Title = "Untitled session"
	}
	for _, m := range session.Messages {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		data.Messages = append(data.Messages, TemplateMessage{Role: m.Role, Content: m.Content, Time: m.CreatedAt})
	}
	return data
}

// RenderSessionHTML renders the session template with provided data
func RenderSessionHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := sessionTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

package export

import (
	"context"
	"fmt"

	"mindtrail/api/internal/graph"
)

type renderer func(ctx context.Context, html, title string) (*Result, error)

// Service provides session export functionality
type Service struct {
	pdf  renderer
	docx renderer
}

func NewService() *Service {
	return &Service{pdf: exportPDF, docx: exportDOCX}
}

// Export renders the session in the requested format
func (s *Service) Export(ctx context.Context, session graph.Session, format Format) (*Result, error) {
	data := templateDataFor(session)
	html, err := RenderSessionHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch format {
	case FormatHTML:
		return &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(data.Title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		return s.pdf(ctx, html, data.Title)
	case FormatDOCX:
		return s.docx(ctx, html, data.Title)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

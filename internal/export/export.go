// Package export renders documents as Markdown, HTML or PDF downloads.
package export

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// Format represents the export output format
type Format string

const (
	FormatMarkdown Format = "text/markdown"
	FormatHTML     Format = "text/html"
	FormatPDF      Format = "application/pdf"
)

// ParseFormat maps an Accept header value to a format. Empty means Markdown.
func ParseFormat(accept string) (Format, bool) {
	switch strings.TrimSpace(strings.ToLower(accept)) {
	case "", "*/*", string(FormatMarkdown), "text/plain":
		return FormatMarkdown, true
	case string(FormatHTML):
		return FormatHTML, true
	case string(FormatPDF):
		return FormatPDF, true
	default:
		return "", false
	}
}

// Document is the content handed to the exporter.
type Document struct {
	Title          string
	Text           string
	Author         string
	UpdatedAt      time.Time
	CollectionName string
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// ErrPDFUnavailable is returned for PDF exports, which this server does not render.
var ErrPDFUnavailable = errors.New("pdf export is not available")

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithXHTML()),
)

// MarkdownToHTML renders GitHub flavoured Markdown. Raw HTML in the source is
// dropped.
func MarkdownToHTML(source string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(source), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return buf.String(), nil
}

// Export renders doc in the requested format.
func Export(doc Document, format Format) (*Result, error) {
	switch format {
	case FormatMarkdown:
		return &Result{
			Data:     []byte(MarkdownDocument(doc)),
			Filename: sanitizeFilename(doc.Title) + ".md",
			MimeType: "text/markdown; charset=utf-8",
		}, nil
	case FormatHTML:
		body, err := MarkdownToHTML(doc.Text)
		if err != nil {
			return nil, err
		}
		page, err := RenderDocumentHTML(TemplateData{
			Title:          displayTitle(doc.Title),
			ContentHTML:    template.HTML(body),
			Author:         doc.Author,
			UpdatedAt:      doc.UpdatedAt,
			CollectionName: doc.CollectionName,
		})
		if err != nil {
			return nil, fmt.Errorf("render template: %w", err)
		}
		return &Result{
			Data:     []byte(page),
			Filename: sanitizeFilename(doc.Title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		return nil, ErrPDFUnavailable
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

// MarkdownDocument prefixes the body with the title as a level one heading.
func MarkdownDocument(doc Document) string {
	return "# " + displayTitle(doc.Title) + "\n\n" + doc.Text
}

func displayTitle(title string) string {
	if strings.TrimSpace(title) == "" {
		return "Untitled"
	}
	return title
}

// sanitizeFilename creates a safe filename from a title
func sanitizeFilename(title string) string {
	var b strings.Builder
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('-')
		case r == '-', r == '_':
			b.WriteRune(r)
		}
	}

	result := b.String()
	if len(result) > 50 {
		result = result[:50]
	}
	if result == "" {
		result = "document"
	}
	return result
}

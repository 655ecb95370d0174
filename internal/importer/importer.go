// Package importer turns uploaded files into document title and text.
package importer

import (
	"bufio"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

var (
	ErrEmpty           = errors.New("uploaded file is empty")
	ErrTooLarge        = errors.New("uploaded file exceeds the size limit")
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrNotText         = errors.New("uploaded file is not valid UTF-8 text")
)

// Upload is a raw file as received from a multipart form.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Parsed is the document content extracted from an upload.
type Parsed struct {
	Title string
	Text  string
}

var supportedTypes = map[string]bool{
	"text/markdown":   true,
	"text/x-markdown": true,
	"text/plain":      true,
}

var supportedExtensions = map[string]bool{
	".md":       true,
	".markdown": true,
	".txt":      true,
}

// Supported reports whether an upload with this name and type can be imported.
func Supported(filename, contentType string) bool {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil && supportedTypes[mediaType] {
		return true
	}
	return supportedExtensions[strings.ToLower(filepath.Ext(filename))]
}

// Parse validates the upload and extracts the document. A leading level one
// heading becomes the title; otherwise the file name does.
func Parse(u Upload, maxBytes int64) (Parsed, error) {
	if len(u.Data) == 0 {
		return Parsed{}, ErrEmpty
	}
	if maxBytes > 0 && int64(len(u.Data)) > maxBytes {
		return Parsed{}, ErrTooLarge
	}
	if !Supported(u.Filename, u.ContentType) {
		return Parsed{}, fmt.Errorf("%w: %s", ErrUnsupportedType, u.ContentType)
	}
	if !utf8.Valid(u.Data) {
		return Parsed{}, ErrNotText
	}

	text := strings.ReplaceAll(string(u.Data), "\r\n", "\n")
	text = strings.TrimPrefix(text, "\ufeff")

	title, body := splitTitle(text)
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(u.Filename), filepath.Ext(u.Filename))
	}
	return Parsed{Title: strings.TrimSpace(title), Text: strings.TrimSpace(body)}, nil
}

func splitTitle(text string) (string, string) {
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), len(text)+1)
	offset := 0
	for scanner.Scan() {
		line := scanner.Text()
		consumed := len(line) + 1
		if strings.TrimSpace(line) == "" {
			offset += consumed
			continue
		}
		if strings.HasPrefix(line, "# ") {
			rest := ""
			if offset+consumed < len(text) {
				rest = text[offset+consumed:]
			}
			return strings.TrimSpace(strings.TrimPrefix(line, "# ")), rest
		}
		break
	}
	return "", text
}

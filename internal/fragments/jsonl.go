// Package fragments decodes raw fetched content into ingestion fragments.
package fragments

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/cloo-solutions/unic/internal/domain"
)

// maxLineBytes bounds one JSONL record
const maxLineBytes = 4 << 20

// record accepts both the current field names and the fetcher names
// (content, source_type) used by older dumps.
type record struct {
	Text       string            `json:"text"`
	Content    string            `json:"content"`
	Source     string            `json:"source"`
	SourceType string            `json:"source_type"`
	Metadata   map[string]string `json:"metadata"`
	Title      string            `json:"title"`
	Author     string            `json:"author"`
	URL        string            `json:"url"`
	Published  string            `json:"published"`
}

func (r record) fragment(defaultSource string) domain.Fragment {
	text := r.Text
	if text == "" {
		text = r.Content
	}
	source := r.Source
	if source == "" {
		source = r.SourceType
	}
	if source == "" {
		source = defaultSource
	}

	md := domain.CloneMetadata(r.Metadata)
	for k, v := range map[string]string{
		"title":     r.Title,
		"author":    r.Author,
		"url":       r.URL,
		"published": r.Published,
	} {
		if v = strings.TrimSpace(v); v != "" {
			if _, ok := md[k]; !ok {
				md[k] = v
			}
		}
	}
	return domain.Fragment{Text: text, Source: source, Metadata: md}
}

// DecodeJSONL reads one JSON object per line. Blank lines are skipped. A
// record without a source takes defaultSource. A malformed line fails the
// whole read with its line number.
func DecodeJSONL(r io.Reader, defaultSource string) ([]domain.Fragment, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var out []domain.Fragment
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, rec.fragment(defaultSource))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("line %d: %w", line+1, err)
	}
	return out, nil
}

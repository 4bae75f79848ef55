// Package importer ingests note files dropped into a watched directory.
// Markdown and plain-text files are parsed into bulk note items, fed to the
// ingestion pipeline, and removed on success.
package importer

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kalder/scribe/pkg/types"
)

// frontmatter is the optional YAML header of a dropped note file.
type frontmatter struct {
	Owner     string   `yaml:"owner"`
	SessionID string   `yaml:"session_id"`
	Tags      []string `yaml:"tags"`
}

// ParsedFile is one dropped file broken into bulk note items.
type ParsedFile struct {
	// Owner from frontmatter; empty means the watcher's default owner.
	Owner string

	// SessionID from frontmatter; empty means one is derived per batch.
	SessionID string

	// Items are the notes in file order. Frontmatter tags apply to all.
	Items []types.BulkNoteItem
}

// ParseNoteFile splits a dropped file into note items. An optional YAML
// frontmatter block supplies owner, session and shared tags; the body is
// split into one note per "---" separated section.
func ParseNoteFile(content []byte) (*ParsedFile, error) {
	fm, body, err := splitFrontmatter(string(content))
	if err != nil {
		return nil, err
	}

	parsed := &ParsedFile{
		Owner:     fm.Owner,
		SessionID: fm.SessionID,
	}
	for _, section := range splitSections(body) {
		parsed.Items = append(parsed.Items, types.BulkNoteItem{
			Text: section,
			Tags: fm.Tags,
		})
	}
	if len(parsed.Items) == 0 {
		return nil, fmt.Errorf("importer: file contains no note text")
	}
	return parsed, nil
}

// splitFrontmatter separates a leading "---" delimited YAML block from the
// body. Files without frontmatter are all body.
func splitFrontmatter(text string) (frontmatter, string, error) {
	var fm frontmatter

	if !strings.HasPrefix(text, "---\n") && text != "---" {
		return fm, text, nil
	}
	rest := strings.TrimPrefix(text, "---\n")
	end := strings.Index(rest, "\n---")
	if end < 0 {
		// Unterminated frontmatter; treat the whole file as body.
		return fm, text, nil
	}

	header := rest[:end]
	body := rest[end+len("\n---"):]
	body = strings.TrimPrefix(body, "\n")

	if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
		return frontmatter{}, "", fmt.Errorf("importer: invalid frontmatter: %w", err)
	}
	return fm, body, nil
}

// splitSections breaks the body on standalone "---" lines, one note per
// section. Blank sections are dropped.
func splitSections(body string) []string {
	var sections []string
	for _, part := range strings.Split(body, "\n---\n") {
		part = strings.TrimSpace(part)
		if part == "" || part == "---" {
			continue
		}
		sections = append(sections, part)
	}
	return sections
}

package research

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"autocoder/pkg/utils"
)

const frontMatterDelimiter = "---"

// FileKnowledgeStore writes documents as markdown files with YAML front
// matter, one file per document.
type FileKnowledgeStore struct {
	dir string
}

// NewFileKnowledgeStore creates the directory if needed.
func NewFileKnowledgeStore(dir string) (*FileKnowledgeStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create knowledge directory: %w", err)
	}
	return &FileKnowledgeStore{dir: dir}, nil
}

// StoreDocument implements KnowledgeStore. The returned id is the file name
// without extension.
func (s *FileKnowledgeStore) StoreDocument(ctx context.Context, doc Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := fmt.Sprintf("%s-%s", utils.Slugify(doc.Title), uuid.New().String()[:8])

	front, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode front matter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(frontMatterDelimiter + "\n")
	buf.Write(front)
	buf.WriteString(frontMatterDelimiter + "\n\n")
	buf.WriteString(doc.Content)

	path := filepath.Join(s.dir, id+".md")
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return "", fmt.Errorf("failed to write document %s: %w", path, err)
	}
	return id, nil
}

// LoadDocument reads a document written by StoreDocument.
func (s *FileKnowledgeStore) LoadDocument(id string) (Document, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, id+".md"))
	if err != nil {
		return Document{}, fmt.Errorf("failed to read document %s: %w", id, err)
	}
	return ParseDocument(string(data))
}

// ParseDocument splits YAML front matter from the markdown body.
func ParseDocument(data string) (Document, error) {
	var doc Document
	rest, found := strings.CutPrefix(data, frontMatterDelimiter+"\n")
	if !found {
		doc.Content = data
		return doc, nil
	}
	front, body, found := strings.Cut(rest, "\n"+frontMatterDelimiter+"\n")
	if !found {
		return Document{}, fmt.Errorf("unterminated front matter")
	}
	if err := yaml.Unmarshal([]byte(front), &doc); err != nil {
		return Document{}, fmt.Errorf("failed to parse front matter: %w", err)
	}
	doc.Content = strings.TrimPrefix(body, "\n")
	return doc, nil
}

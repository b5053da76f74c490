package collab

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrInvalidDocRef    = errors.New("invalid document reference")
	ErrEmptyDocument    = errors.New("document has no text")
)

// maxDocumentBytes bounds a single document read.
const maxDocumentBytes = 2 << 20

// DocumentSource resolves a submission's document reference to its
// extracted text.
type DocumentSource interface {
	Text(ctx context.Context, ref string) (string, error)
}

// FileSource reads extracted text files below a root directory.
type FileSource struct {
	root string
}

func NewFileSource(root string) *FileSource {
	return &FileSource{root: root}
}

func (f *FileSource) Text(ctx context.Context, ref string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := filepath.FromSlash(strings.TrimPrefix(ref, "/"))
	if name == "" || !filepath.IsLocal(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidDocRef, ref)
	}

	// OpenInRoot also refuses symlinks that point outside the root.
	file, err := os.OpenInRoot(f.root, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %q", ErrDocumentNotFound, ref)
		}
		return "", fmt.Errorf("open document %q: %w", ref, err)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxDocumentBytes))
	if err != nil {
		return "", fmt.Errorf("read document %q: %w", ref, err)
	}
	return decodeText(ref, data)
}

func decodeText(ref string, data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: %q is not UTF-8 text", ErrInvalidDocRef, ref)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", fmt.Errorf("%w: %q", ErrEmptyDocument, ref)
	}
	return text, nil
}

// StaticSource serves documents from memory. It backs the in-process
// profile and tests.
type StaticSource struct {
	mu   sync.RWMutex
	docs map[string]string
}

func NewStaticSource(docs map[string]string) *StaticSource {
	s := &StaticSource{docs: make(map[string]string, len(docs))}
	for k, v := range docs {
		s.docs[k] = v
	}
	return s
}

func (s *StaticSource) Put(ref, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[ref] = text
}

func (s *StaticSource) Text(ctx context.Context, ref string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	text, ok := s.docs[ref]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrDocumentNotFound, ref)
	}
	return decodeText(ref, []byte(text))
}

var (
	_ DocumentSource = (*FileSource)(nil)
	_ DocumentSource = (*StaticSource)(nil)
)

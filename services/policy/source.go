package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/upb/paygate/models"
)

// Format is the encoding of a policy document.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatFromPath picks a format by file extension. Anything that is not
// .json is read as YAML.
func FormatFromPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// Source provides raw policy documents.
type Source interface {
	// Load returns the current document and its encoding.
	Load(ctx context.Context) ([]byte, Format, error)
	// Name identifies the source in logs.
	Name() string
}

// Decode parses a policy document. Unknown fields are rejected so that a
// misspelled limit is never silently dropped.
func Decode(data []byte, format Format) (*models.PolicyDocument, error) {
	var doc models.PolicyDocument

	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode JSON policy document: %w", err)
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to decode YAML policy document: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported policy document format %q", format)
	}

	return &doc, nil
}

// StaticSource serves a fixed document. Set swaps the document.
type StaticSource struct {
	mu     sync.RWMutex
	data   []byte
	format Format
}

// NewStaticSource creates a source serving data.
func NewStaticSource(data []byte, format Format) *StaticSource {
	return &StaticSource{data: data, format: format}
}

// Load implements Source.
func (s *StaticSource) Load(ctx context.Context) ([]byte, Format, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data, s.format, nil
}

// Set replaces the served document.
func (s *StaticSource) Set(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
}

// Name implements Source.
func (s *StaticSource) Name() string { return "static" }

// FileSource loads a policy document from a local file and watches it for
// changes.
type FileSource struct {
	path     string
	debounce time.Duration
	logger   *zap.Logger
}

// NewFileSource creates a source reading from path.
func NewFileSource(path string, debounce time.Duration, logger *zap.Logger) (*FileSource, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	return &FileSource{
		path:     absPath,
		debounce: debounce,
		logger:   logger,
	}, nil
}

// Load implements Source.
func (s *FileSource) Load(ctx context.Context) ([]byte, Format, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read policy file %s: %w", s.path, err)
	}
	return data, FormatFromPath(s.path), nil
}

// Name implements Source.
func (s *FileSource) Name() string { return s.path }

// Watch reports changes to the policy file until ctx is cancelled. Bursts
// of writes are coalesced into one signal. The channel is closed when
// watching stops.
func (s *FileSource) Watch(ctx context.Context) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory: editors replace files by rename, which drops a
	// watch placed on the file itself.
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	ch := make(chan struct{}, 1)
	go s.watchLoop(ctx, watcher, filepath.Base(s.path), ch)

	s.logger.Info("watching policy file", zap.String("path", s.path))
	return ch, nil
}

func (s *FileSource) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, name string, ch chan<- struct{}) {
	defer close(ch)
	defer watcher.Close()

	// fire is nil while no change is pending.
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				if event.Op&fsnotify.Remove != 0 {
					s.logger.Warn("policy file removed, keeping current policies", zap.String("path", s.path))
				}
				continue
			}
			fire = time.After(s.debounce)

		case <-fire:
			fire = nil
			select {
			case ch <- struct{}{}:
				s.logger.Debug("policy file changed", zap.String("path", s.path))
			default:
				// A change is already pending
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("policy file watcher error", zap.Error(err))
		}
	}
}

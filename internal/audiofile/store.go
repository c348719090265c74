package audiofile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Saved identifies a persisted recording.
type Saved struct {
	ID   string
	Path string
}

// Store keeps recordings as <id>.<ext> files in a single directory.
type Store struct {
	dir string
	ext string
	log *slog.Logger
}

func New(dir, ext string, log *slog.Logger) *Store {
	if ext == "" {
		ext = "wav"
	}
	return &Store{dir: dir, ext: ext, log: log.With(slog.String("component", "audiofile"))}
}

// Save writes data under id, or under a fresh uuid when id is empty.
func (s *Store) Save(id string, data []byte) (Saved, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return Saved{}, fmt.Errorf("create recordings dir: %w", err)
	}
	if id == "" {
		id = uuid.NewString()
	}
	if id != filepath.Base(id) {
		return Saved{}, fmt.Errorf("invalid audio id %q", id)
	}
	path := filepath.Join(s.dir, fmt.Sprintf("%s.%s", id, s.ext))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return Saved{}, fmt.Errorf("write audio file: %w", err)
	}
	s.log.Info("audio file saved", slog.String("id", id), slog.Int("size_bytes", len(data)))
	return Saved{ID: id, Path: path}, nil
}

// Delete removes path, reporting whether a file was removed.
func (s *Store) Delete(path string) bool {
	if err := os.Remove(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("failed to delete audio file", slog.String("path", path), slog.String("error", err.Error()))
		}
		return false
	}
	s.log.Info("audio file deleted", slog.String("path", path))
	return true
}

// Read returns the bytes of a saved recording.
func (s *Store) Read(path string) ([]byte, error) {
	return os.ReadFile(path)
}

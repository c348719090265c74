// Package settings holds the user-facing preferences the recording pipeline
// reads at hotkey-down: language, provider/model/mode and paste behavior.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

type Mode string

const (
	ModeStandard Mode = "standard"
	ModeRealtime Mode = "realtime"
)

type Provider string

const (
	ProviderGemini Provider = "gemini"
	ProviderOpenAI Provider = "openai"
)

type Transcription struct {
	Provider Provider `yaml:"provider" json:"provider"`
	Model    string   `yaml:"model" json:"model"`
	Mode     Mode     `yaml:"mode" json:"mode"`
}

type Modifiers struct {
	Alt   bool `yaml:"alt" json:"alt"`
	Ctrl  bool `yaml:"ctrl" json:"ctrl"`
	Meta  bool `yaml:"meta" json:"meta"`
	Shift bool `yaml:"shift" json:"shift"`
}

type Hotkey struct {
	KeyCode     int       `yaml:"key_code" json:"keyCode"`
	Modifiers   Modifiers `yaml:"modifiers" json:"modifiers"`
	DisplayName string    `yaml:"display_name" json:"displayName"`
}

type Settings struct {
	Language         string        `yaml:"language" json:"language"`
	Hotkey           Hotkey        `yaml:"hotkey" json:"hotkey"`
	AutoPaste        bool          `yaml:"auto_paste" json:"autoPaste"`
	RestoreClipboard bool          `yaml:"restore_clipboard" json:"restoreClipboard"`
	Transcription    Transcription `yaml:"transcription" json:"transcription"`
}

func Default() Settings {
	return Settings{
		Language: "en",
		Hotkey: Hotkey{
			KeyCode:     42,
			Modifiers:   Modifiers{Alt: true},
			DisplayName: "Option + Shift",
		},
		AutoPaste:        true,
		RestoreClipboard: true,
		Transcription: Transcription{
			Provider: ProviderGemini,
			Model:    "gemini-2.5-flash-lite",
			Mode:     ModeStandard,
		},
	}
}

// ErrInvalid marks settings rejected by Validate.
var ErrInvalid = errors.New("invalid settings")

func (s Settings) Validate() error {
	switch s.Transcription.Mode {
	case ModeStandard, ModeRealtime:
	default:
		return fmt.Errorf("%w: transcription.mode must be one of standard|realtime", ErrInvalid)
	}
	switch s.Transcription.Provider {
	case ProviderGemini, ProviderOpenAI:
	default:
		return fmt.Errorf("%w: transcription.provider must be one of gemini|openai", ErrInvalid)
	}
	if s.Language == "" {
		return fmt.Errorf("%w: language must not be empty", ErrInvalid)
	}
	return nil
}

// repair resets invalid fields to their defaults and names the fields it
// touched.
func (s *Settings) repair() []string {
	def := Default()
	var fixed []string
	switch s.Transcription.Mode {
	case ModeStandard, ModeRealtime:
	default:
		s.Transcription.Mode = def.Transcription.Mode
		fixed = append(fixed, "transcription.mode")
	}
	switch s.Transcription.Provider {
	case ProviderGemini, ProviderOpenAI:
	default:
		s.Transcription.Provider = def.Transcription.Provider
		fixed = append(fixed, "transcription.provider")
	}
	if s.Language == "" {
		s.Language = def.Language
		fixed = append(fixed, "language")
	}
	return fixed
}

// Source is the read side consumed by the recording pipeline.
type Source interface {
	Current() Settings
}

// Store is a file-backed settings cache. The file is read once; every
// Update rewrites it before the cache is swapped.
type Store struct {
	path   string
	log    *slog.Logger
	mu     sync.RWMutex
	cached Settings
}

// Open loads settings from path, merging the file over Default. Defaults
// are written only when the file does not exist; an unparsable file is left
// alone and defaults are used in memory. Invalid fields fall back to their
// defaults individually.
func Open(path string, log *slog.Logger) (*Store, error) {
	s := &Store{path: path, log: log.With(slog.String("component", "settings"))}
	cur, err := s.read()
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cur = Default()
		if err := s.write(cur); err != nil {
			return nil, err
		}
		s.log.Info("settings file created", slog.String("path", path))
	case err != nil:
		s.log.Warn("settings unreadable, using defaults", slogError(err))
		cur = Default()
	}
	if fixed := cur.repair(); len(fixed) > 0 {
		s.log.Warn("invalid settings replaced with defaults", slog.Any("fields", fixed))
	}
	s.cached = cur
	return s, nil
}

func (s *Store) Current() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cached
}

// Update applies fn to a copy of the current settings and persists it. An
// error from fn or from validation leaves the settings unchanged.
func (s *Store) Update(fn func(*Settings) error) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cached
	if err := fn(&next); err != nil {
		return s.cached, err
	}
	if err := next.Validate(); err != nil {
		return s.cached, err
	}
	if err := s.write(next); err != nil {
		return s.cached, err
	}
	s.cached = next
	s.log.Info("settings saved", slog.String("mode", string(next.Transcription.Mode)))
	return next, nil
}

func (s *Store) Reset() (Settings, error) {
	return s.Update(func(cur *Settings) error {
		*cur = Default()
		return nil
	})
}

func (s *Store) read() (Settings, error) {
	cur := Default()
	data, err := os.ReadFile(s.path)
	if err != nil {
		return cur, err
	}
	if err := yaml.Unmarshal(data, &cur); err != nil {
		return cur, fmt.Errorf("parse settings: %w", err)
	}
	return cur, nil
}

func (s *Store) write(cur Settings) error {
	if dir := filepath.Dir(s.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create settings dir: %w", err)
		}
	}
	data, err := yaml.Marshal(cur)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/yatharthsameer/Say-Flow/internal/config"
	_ "modernc.org/sqlite"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

var (
	ErrNotFound          = errors.New("outbox item not found")
	ErrInvalidTransition = errors.New("invalid outbox status transition")
)

// Item is one recording attempt. ID doubles as the upload idempotency key
// and the audio storage key.
type Item struct {
	ID             string     `json:"id"`
	CreatedAt      time.Time  `json:"createdAt"`
	AudioPath      string     `json:"audioPath,omitempty"`
	DurationMS     int64      `json:"durationMs"`
	AudioFormat    string     `json:"audioFormat"`
	Language       string     `json:"language"`
	Status         Status     `json:"status"`
	TranscriptText string     `json:"transcriptText,omitempty"`
	LastError      string     `json:"lastError,omitempty"`
	LastAttemptAt  *time.Time `json:"lastAttemptAt,omitempty"`
}

// Document is the persisted outbox shape: newest first, capped.
type Document struct {
	Items []Item `json:"items"`
}

// AudioRemover deletes the audio file behind an item.
type AudioRemover interface {
	Delete(path string) bool
}

// Store is the durable outbox. Reads always hit the database; writes are
// serialized and committed before returning.
type Store struct {
	db       *sql.DB
	cfg      config.OutboxConfig
	log      *slog.Logger
	audio    AudioRemover
	clock    func() time.Time
	writeMu  sync.Mutex
	maxItems int
}

// Open initializes the outbox database at cfg.Path.
func Open(ctx context.Context, cfg config.OutboxConfig, audio AudioRemover, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	maxItems := cfg.MaxItems
	if maxItems <= 0 {
		maxItems = 50
	}
	s := &Store{
		db:       db,
		cfg:      cfg,
		log:      log.With(slog.String("component", "outbox")),
		audio:    audio,
		clock:    time.Now,
		maxItems: maxItems,
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS outbox_items (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    created_at TEXT NOT NULL,
    audio_path TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER NOT NULL,
    audio_format TEXT NOT NULL,
    language TEXT NOT NULL,
    status TEXT NOT NULL,
    transcript_text TEXT NOT NULL DEFAULT '',
    last_error TEXT NOT NULL DEFAULT '',
    last_attempt_at TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox_items(status);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Add inserts item as the newest entry and drops the oldest entries beyond
// the cap in the same transaction. Dropped items lose their audio files.
func (s *Store) Add(ctx context.Context, item Item) error {
	if item.ID == "" {
		return errors.New("outbox item id must not be empty")
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.clock().UTC()
	}
	if item.Status == "" {
		item.Status = StatusPending
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO outbox_items(id, created_at, audio_path, duration_ms, audio_format, language, status, transcript_text, last_error, last_attempt_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, formatTime(item.CreatedAt), item.AudioPath, item.DurationMS, item.AudioFormat, item.Language,
		string(item.Status), item.TranscriptText, item.LastError, formatTimePtr(item.LastAttemptAt))
	if err != nil {
		return fmt.Errorf("insert outbox item: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT seq, audio_path FROM outbox_items ORDER BY seq DESC LIMIT -1 OFFSET ?`, s.maxItems)
	if err != nil {
		return fmt.Errorf("select overflow: %w", err)
	}
	var (
		dropSeqs  []int64
		dropAudio []string
	)
	for rows.Next() {
		var seq int64
		var path string
		if err := rows.Scan(&seq, &path); err != nil {
			rows.Close()
			return err
		}
		dropSeqs = append(dropSeqs, seq)
		if path != "" {
			dropAudio = append(dropAudio, path)
		}
	}
	if err := rows.Close(); err != nil {
		return err
	}
	for _, seq := range dropSeqs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM outbox_items WHERE seq = ?`, seq); err != nil {
			return fmt.Errorf("trim outbox: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	for _, path := range dropAudio {
		s.removeAudio(path)
	}
	s.log.Info("outbox item added", slog.String("id", item.ID), slog.Int("trimmed", len(dropSeqs)))
	return nil
}

// Get returns the item with id or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (Item, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	return item, err
}

// List returns every item, newest first.
func (s *Store) List(ctx context.Context) ([]Item, error) {
	return s.query(ctx, selectColumns+` ORDER BY seq DESC`)
}

// Failed returns items awaiting retry, newest first.
func (s *Store) Failed(ctx context.Context) ([]Item, error) {
	return s.query(ctx, selectColumns+` WHERE status = ? ORDER BY seq DESC`, string(StatusFailed))
}

// Snapshot returns the outbox in its document shape.
func (s *Store) Snapshot(ctx context.Context) (Document, error) {
	items, err := s.List(ctx)
	if err != nil {
		return Document{}, err
	}
	if items == nil {
		items = []Item{}
	}
	return Document{Items: items}, nil
}

// MarkSuccess moves a pending item to success with its transcript.
func (s *Store) MarkSuccess(ctx context.Context, id, text string) (Item, error) {
	return s.transition(ctx, id, StatusPending, StatusSuccess,
		`UPDATE outbox_items SET status = ?, transcript_text = ?, last_error = '' WHERE id = ? AND status = ?`,
		string(StatusSuccess), text, id, string(StatusPending))
}

// MarkFailed moves a pending item to failed, recording the error and attempt time.
func (s *Store) MarkFailed(ctx context.Context, id, lastError string) (Item, error) {
	return s.transition(ctx, id, StatusPending, StatusFailed,
		`UPDATE outbox_items SET status = ?, last_error = ?, last_attempt_at = ? WHERE id = ? AND status = ?`,
		string(StatusFailed), lastError, formatTime(s.clock().UTC()), id, string(StatusPending))
}

// MarkPending re-arms a failed item for retry with a fresh attempt time.
func (s *Store) MarkPending(ctx context.Context, id string) (Item, error) {
	return s.transition(ctx, id, StatusFailed, StatusPending,
		`UPDATE outbox_items SET status = ?, last_attempt_at = ? WHERE id = ? AND status = ?`,
		string(StatusPending), formatTime(s.clock().UTC()), id, string(StatusFailed))
}

// Delete removes the item and its audio file. It reports whether a row was removed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	item, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM outbox_items WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete outbox item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if item.AudioPath != "" {
		s.removeAudio(item.AudioPath)
	}
	s.log.Info("outbox item deleted", slog.String("id", id))
	return n > 0, nil
}

func (s *Store) transition(ctx context.Context, id string, from, to Status, stmt string, args ...any) (Item, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return Item{}, fmt.Errorf("update outbox item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Item{}, err
	}
	item, getErr := s.Get(ctx, id)
	if getErr != nil {
		return Item{}, getErr
	}
	if n == 0 {
		return item, fmt.Errorf("%w: %s -> %s (current %s)", ErrInvalidTransition, from, to, item.Status)
	}
	s.log.Info("outbox item updated", slog.String("id", id), slog.String("status", string(to)))
	return item, nil
}

func (s *Store) removeAudio(path string) {
	if s.audio == nil {
		return
	}
	if !s.audio.Delete(path) {
		s.log.Debug("audio file not removed", slog.String("path", path))
	}
}

const selectColumns = `SELECT id, created_at, audio_path, duration_ms, audio_format, language, status, transcript_text, last_error, last_attempt_at FROM outbox_items`

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (Item, error) {
	var (
		it          Item
		created     string
		status      string
		lastAttempt string
	)
	if err := row.Scan(&it.ID, &created, &it.AudioPath, &it.DurationMS, &it.AudioFormat, &it.Language,
		&status, &it.TranscriptText, &it.LastError, &lastAttempt); err != nil {
		return Item{}, err
	}
	it.Status = Status(status)
	if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
		it.CreatedAt = ts
	}
	if lastAttempt != "" {
		if ts, err := time.Parse(time.RFC3339Nano, lastAttempt); err == nil {
			it.LastAttemptAt = &ts
		}
	}
	return it, nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

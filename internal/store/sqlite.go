package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and applies the
// schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	PRAGMA journal_mode = WAL;
	PRAGMA busy_timeout = 5000;

	CREATE TABLE IF NOT EXISTS profiles (
		user_id TEXT PRIMARY KEY,
		authenticated INTEGER NOT NULL DEFAULT 0,
		onboarded INTEGER NOT NULL DEFAULT 0,
		display_name TEXT NOT NULL DEFAULT '',
		model_id TEXT NOT NULL,
		think_mode INTEGER NOT NULL DEFAULT 0,
		temperature REAL NOT NULL,
		context_window INTEGER NOT NULL,
		system_prompt TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS context_entries (
		user_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		images TEXT,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, seq)
	);

	CREATE TABLE IF NOT EXISTS context_sequences (
		user_id TEXT PRIMARY KEY,
		last_seq INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, authenticated, onboarded, display_name, model_id, think_mode,
		       temperature, context_window, system_prompt, created_at, updated_at
		FROM profiles WHERE user_id = ?`, userID)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) PutProfile(ctx context.Context, p *Profile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, authenticated, onboarded, display_name, model_id, think_mode,
		                      temperature, context_window, system_prompt, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			authenticated = excluded.authenticated,
			onboarded = excluded.onboarded,
			display_name = excluded.display_name,
			model_id = excluded.model_id,
			think_mode = excluded.think_mode,
			temperature = excluded.temperature,
			context_window = excluded.context_window,
			system_prompt = excluded.system_prompt,
			updated_at = excluded.updated_at`,
		p.UserID, boolToInt(p.Authenticated), boolToInt(p.Onboarded), p.DisplayName, p.ModelID,
		boolToInt(p.ThinkMode), p.Temperature, p.ContextWindow, p.SystemPrompt,
		p.CreatedAt.UnixNano(), p.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("put profile: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteProfile(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListProfiles(ctx context.Context) ([]Profile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, authenticated, onboarded, display_name, model_id, think_mode,
		       temperature, context_window, system_prompt, created_at, updated_at
		FROM profiles ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	profiles := make([]Profile, 0)
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		profiles = append(profiles, *p)
	}
	return profiles, rows.Err()
}

func (s *SQLiteStore) AppendEntry(ctx context.Context, userID string, e *Entry) error {
	images, err := encodeImages(e.Images)
	if err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO context_sequences (user_id, last_seq) VALUES (?, 1)
		ON CONFLICT(user_id) DO UPDATE SET last_seq = last_seq + 1`, userID); err != nil {
		return fmt.Errorf("advance sequence: %w", err)
	}
	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT last_seq FROM context_sequences WHERE user_id = ?`, userID).Scan(&seq); err != nil {
		return fmt.Errorf("read sequence: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO context_entries (user_id, seq, role, content, images, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		userID, seq, string(e.Role), e.Content, images, e.CreatedAt.UnixNano()); err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	e.Seq = seq
	return nil
}

func (s *SQLiteStore) ListEntries(ctx context.Context, userID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, role, content, images, created_at
		FROM context_entries WHERE user_id = ? ORDER BY seq`, userID)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var (
			e       Entry
			role    string
			images  sql.NullString
			created int64
		)
		if err := rows.Scan(&e.Seq, &role, &e.Content, &images, &created); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Role = Role(role)
		e.CreatedAt = time.Unix(0, created)
		if images.Valid && images.String != "" {
			if err := json.Unmarshal([]byte(images.String), &e.Images); err != nil {
				return nil, fmt.Errorf("decode images: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) UpdateEntryContent(ctx context.Context, userID string, seq int64, content string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE context_entries SET content = ? WHERE user_id = ? AND seq = ?`, content, userID, seq)
	if err != nil {
		return fmt.Errorf("update entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update entry: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteEntries(ctx context.Context, userID string, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}
	placeholders := make([]string, len(seqs))
	args := make([]any, 0, len(seqs)+1)
	args = append(args, userID)
	for i, seq := range seqs {
		placeholders[i] = "?"
		args = append(args, seq)
	}
	query := `DELETE FROM context_entries WHERE user_id = ? AND seq IN (` + strings.Join(placeholders, ",") + `)`
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete entries: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteAllEntries(ctx context.Context, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin purge: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM context_entries WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("purge entries: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM context_sequences WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("purge sequence: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

func (s *SQLiteStore) PutSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("put setting: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*Profile, error) {
	var (
		p                        Profile
		authenticated, onboarded int
		thinkMode                int
		createdAt, updatedAt     int64
	)
	if err := row.Scan(&p.UserID, &authenticated, &onboarded, &p.DisplayName, &p.ModelID, &thinkMode,
		&p.Temperature, &p.ContextWindow, &p.SystemPrompt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.Authenticated = authenticated != 0
	p.Onboarded = onboarded != 0
	p.ThinkMode = thinkMode != 0
	p.CreatedAt = time.Unix(0, createdAt)
	p.UpdatedAt = time.Unix(0, updatedAt)
	return &p, nil
}

func encodeImages(images [][]byte) (any, error) {
	if len(images) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(images)
	if err != nil {
		return nil, fmt.Errorf("encode images: %w", err)
	}
	return string(data), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

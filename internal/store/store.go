// Package store persists user profiles, per-user context entries and the
// global settings records. Every backend implements Store.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a profile or setting does not exist.
var ErrNotFound = errors.New("not found")

// Global settings keys.
const (
	SettingSystemPrompt   = "system_prompt"
	SettingCredentialHash = "credential_hash"
)

// Role is the author of a context entry.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Profile is the durable per-user session record.
type Profile struct {
	UserID        string    `json:"user_id"`
	Authenticated bool      `json:"authenticated"`
	Onboarded     bool      `json:"onboarded"`
	DisplayName   string    `json:"display_name,omitempty"`
	ModelID       string    `json:"model_id"`
	ThinkMode     bool      `json:"think_mode"`
	Temperature   float64   `json:"temperature"`
	ContextWindow int       `json:"context_window"`
	SystemPrompt  string    `json:"system_prompt"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Entry is one message in a user's context log. Seq is assigned by the
// store on append and increases for the life of the user's record.
type Entry struct {
	Seq       int64     `json:"seq"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Images    [][]byte  `json:"images,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ProfileStore persists profiles.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*Profile, error)
	PutProfile(ctx context.Context, p *Profile) error
	DeleteProfile(ctx context.Context, userID string) error
	ListProfiles(ctx context.Context) ([]Profile, error)
}

// ContextStore persists context entries keyed by (user, seq).
type ContextStore interface {
	// AppendEntry stores e with the next sequence number and sets e.Seq.
	AppendEntry(ctx context.Context, userID string, e *Entry) error
	// ListEntries returns all entries in ascending sequence order.
	ListEntries(ctx context.Context, userID string) ([]Entry, error)
	// UpdateEntryContent rewrites the content of an existing entry.
	UpdateEntryContent(ctx context.Context, userID string, seq int64, content string) error
	DeleteEntries(ctx context.Context, userID string, seqs []int64) error
	// DeleteAllEntries removes every entry and resets the sequence.
	DeleteAllEntries(ctx context.Context, userID string) error
}

// SettingsStore persists global key/value records.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	PutSetting(ctx context.Context, key, value string) error
}

// Store is the full persistence contract.
type Store interface {
	ProfileStore
	ContextStore
	SettingsStore
	Ping(ctx context.Context) error
	Close() error
}

// Package contextbuf maintains each user's ordered conversation log. The
// first system entry is the anchor: it is never evicted and always leads a
// snapshot.
package contextbuf

import (
	"context"

	"github.com/cortexhub/cortex-chatgate/internal/apperr"
	"github.com/cortexhub/cortex-chatgate/internal/store"
)

// Buffer is a view over a ContextStore. It holds no state of its own, so
// callers serialize per user (see keylock).
type Buffer struct {
	store store.ContextStore
}

// New creates a Buffer backed by s.
func New(s store.ContextStore) *Buffer {
	return &Buffer{store: s}
}

// Seed replaces the user's log with a single anchor holding prompt.
func (b *Buffer) Seed(ctx context.Context, userID, prompt string) error {
	if err := b.store.DeleteAllEntries(ctx, userID); err != nil {
		return apperr.Wrap(apperr.KindPersistence, "contextbuf.Seed", err)
	}
	e := &store.Entry{Role: store.RoleSystem, Content: prompt}
	if err := b.store.AppendEntry(ctx, userID, e); err != nil {
		return apperr.Wrap(apperr.KindPersistence, "contextbuf.Seed", err)
	}
	return nil
}

// Append adds an entry with the next sequence number and returns it.
func (b *Buffer) Append(ctx context.Context, userID string, role store.Role, content string, images [][]byte) (store.Entry, error) {
	e := store.Entry{Role: role, Content: content, Images: images}
	if err := b.store.AppendEntry(ctx, userID, &e); err != nil {
		return store.Entry{}, apperr.Wrap(apperr.KindPersistence, "contextbuf.Append", err)
	}
	return e, nil
}

// Entries returns the full log in chronological order.
func (b *Buffer) Entries(ctx context.Context, userID string) ([]store.Entry, error) {
	entries, err := b.store.ListEntries(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, "contextbuf.Entries", err)
	}
	return entries, nil
}

// Snapshot returns at most limit entries: the anchor followed by the most
// recent limit-1 other entries. Without an anchor it returns the last limit
// entries.
func (b *Buffer) Snapshot(ctx context.Context, userID string, limit int) ([]store.Entry, error) {
	entries, err := b.store.ListEntries(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, "contextbuf.Snapshot", err)
	}
	if limit < 1 {
		limit = 1
	}
	anchor, rest := split(entries)
	if anchor == nil {
		if len(rest) > limit {
			rest = rest[len(rest)-limit:]
		}
		return rest, nil
	}
	keep := limit - 1
	if len(rest) > keep {
		rest = rest[len(rest)-keep:]
	}
	out := make([]store.Entry, 0, len(rest)+1)
	out = append(out, *anchor)
	return append(out, rest...), nil
}

// Evict drops the oldest non-anchor entries until the log holds at most
// limit entries, anchor included. It returns how many were dropped.
func (b *Buffer) Evict(ctx context.Context, userID string, limit int) (int, error) {
	entries, err := b.store.ListEntries(ctx, userID)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindPersistence, "contextbuf.Evict", err)
	}
	if limit < 1 {
		limit = 1
	}
	excess := len(entries) - limit
	if excess <= 0 {
		return 0, nil
	}
	_, rest := split(entries)
	if excess > len(rest) {
		excess = len(rest)
	}
	seqs := make([]int64, 0, excess)
	for _, e := range rest[:excess] {
		seqs = append(seqs, e.Seq)
	}
	if err := b.store.DeleteEntries(ctx, userID, seqs); err != nil {
		return 0, apperr.Wrap(apperr.KindPersistence, "contextbuf.Evict", err)
	}
	return len(seqs), nil
}

// Clear removes every entry except the anchor.
func (b *Buffer) Clear(ctx context.Context, userID string) error {
	entries, err := b.store.ListEntries(ctx, userID)
	if err != nil {
		return apperr.Wrap(apperr.KindPersistence, "contextbuf.Clear", err)
	}
	_, rest := split(entries)
	seqs := make([]int64, 0, len(rest))
	for _, e := range rest {
		seqs = append(seqs, e.Seq)
	}
	if err := b.store.DeleteEntries(ctx, userID, seqs); err != nil {
		return apperr.Wrap(apperr.KindPersistence, "contextbuf.Clear", err)
	}
	return nil
}

// Purge removes every entry including the anchor.
func (b *Buffer) Purge(ctx context.Context, userID string) error {
	if err := b.store.DeleteAllEntries(ctx, userID); err != nil {
		return apperr.Wrap(apperr.KindPersistence, "contextbuf.Purge", err)
	}
	return nil
}

// SetSystemPrompt rewrites the anchor in place. A missing anchor is created.
func (b *Buffer) SetSystemPrompt(ctx context.Context, userID, prompt string) error {
	entries, err := b.store.ListEntries(ctx, userID)
	if err != nil {
		return apperr.Wrap(apperr.KindPersistence, "contextbuf.SetSystemPrompt", err)
	}
	anchor, _ := split(entries)
	if anchor == nil {
		return b.EnsureAnchor(ctx, userID, prompt)
	}
	err = b.store.UpdateEntryContent(ctx, userID, anchor.Seq, prompt)
	if err != nil {
		return apperr.Wrap(apperr.KindPersistence, "contextbuf.SetSystemPrompt", err)
	}
	return nil
}

// EnsureAnchor creates the anchor if the log has none. An existing log
// without an anchor is reseeded so the anchor stays logically first.
func (b *Buffer) EnsureAnchor(ctx context.Context, userID, prompt string) error {
	entries, err := b.store.ListEntries(ctx, userID)
	if err != nil {
		return apperr.Wrap(apperr.KindPersistence, "contextbuf.EnsureAnchor", err)
	}
	if anchor, _ := split(entries); anchor != nil {
		return nil
	}
	if len(entries) == 0 {
		e := &store.Entry{Role: store.RoleSystem, Content: prompt}
		if err := b.store.AppendEntry(ctx, userID, e); err != nil {
			return apperr.Wrap(apperr.KindPersistence, "contextbuf.EnsureAnchor", err)
		}
		return nil
	}

	if err := b.Seed(ctx, userID, prompt); err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := b.Append(ctx, userID, e.Role, e.Content, e.Images); err != nil {
			return err
		}
	}
	return nil
}

// split separates the anchor from the remaining entries. Only the first
// system entry is the anchor.
func split(entries []store.Entry) (*store.Entry, []store.Entry) {
	for i := range entries {
		if entries[i].Role != store.RoleSystem {
			continue
		}
		anchor := entries[i]
		rest := make([]store.Entry, 0, len(entries)-1)
		rest = append(rest, entries[:i]...)
		rest = append(rest, entries[i+1:]...)
		return &anchor, rest
	}
	return nil, entries
}


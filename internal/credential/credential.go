// Package credential holds the process-wide shared secret and verifies
// submissions against its bcrypt hash.
package credential

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/cortexhub/cortex-chatgate/internal/store"
)

// ErrNoSecret is returned by Bootstrap when neither configuration nor the
// settings store provide a credential.
var ErrNoSecret = errors.New("no shared secret configured")

// Store verifies submitted secrets. It never holds the plaintext.
type Store struct {
	hash []byte
}

// NewFromSecret hashes secret with the given bcrypt cost. A cost of zero
// uses bcrypt.DefaultCost.
func NewFromSecret(secret string, cost int) (*Store, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return nil, fmt.Errorf("hash secret: %w", err)
	}
	return &Store{hash: hash}, nil
}

// NewFromHash wraps an existing bcrypt hash.
func NewFromHash(hash string) (*Store, error) {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("invalid secret hash: %w", err)
	}
	return &Store{hash: []byte(hash)}, nil
}

// Verify reports whether submitted matches the stored secret.
func (s *Store) Verify(submitted string) bool {
	return bcrypt.CompareHashAndPassword(s.hash, []byte(submitted)) == nil
}

// Hash returns the encoded bcrypt hash.
func (s *Store) Hash() string {
	return string(s.hash)
}

// Bootstrap resolves the credential at startup. A configured hash wins over
// a configured secret, which wins over a hash persisted by an earlier run.
// Whatever is chosen is written back to the settings record.
func Bootstrap(ctx context.Context, settings store.SettingsStore, secret, hash string, cost int) (*Store, error) {
	var (
		s   *Store
		err error
	)
	switch {
	case hash != "":
		s, err = NewFromHash(hash)
	case secret != "":
		s, err = NewFromSecret(secret, cost)
	default:
		persisted, getErr := settings.GetSetting(ctx, store.SettingCredentialHash)
		if errors.Is(getErr, store.ErrNotFound) {
			return nil, ErrNoSecret
		}
		if getErr != nil {
			return nil, fmt.Errorf("load credential: %w", getErr)
		}
		return NewFromHash(persisted)
	}
	if err != nil {
		return nil, err
	}
	if err := settings.PutSetting(ctx, store.SettingCredentialHash, s.Hash()); err != nil {
		return nil, fmt.Errorf("persist credential: %w", err)
	}
	return s, nil
}

// Package session implements the authentication state machine and the
// configuration commands that mutate a user's profile and context.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cortexhub/cortex-chatgate/internal/apperr"
	"github.com/cortexhub/cortex-chatgate/internal/contextbuf"
	"github.com/cortexhub/cortex-chatgate/internal/inference"
	"github.com/cortexhub/cortex-chatgate/internal/keylock"
	"github.com/cortexhub/cortex-chatgate/internal/metrics"
	"github.com/cortexhub/cortex-chatgate/internal/store"
)

// Bounds for configurable values.
const (
	MinContextWindow = 2
	MaxContextWindow = 50
	MaxDisplayName   = 64
)

// State is derived from a profile's authenticated and onboarded flags.
type State int

const (
	StateLocked State = iota
	StateOnboarding
	StateActive
)

func (s State) String() string {
	switch s {
	case StateOnboarding:
		return "onboarding"
	case StateActive:
		return "active"
	default:
		return "locked"
	}
}

// StateOf derives the state of p. A nil profile is Locked.
func StateOf(p *store.Profile) State {
	switch {
	case p == nil || !p.Authenticated:
		return StateLocked
	case !p.Onboarded:
		return StateOnboarding
	default:
		return StateActive
	}
}

// Option names a configurable profile field.
type Option string

const (
	OptionModel         Option = "model"
	OptionThink         Option = "think"
	OptionTemperature   Option = "temperature"
	OptionContextWindow Option = "context_window"
	OptionSystemPrompt  Option = "system_prompt"
	OptionDisplayName   Option = "display_name"
)

// Verifier checks a submitted shared secret.
type Verifier interface {
	Verify(submitted string) bool
}

// Profiles is the slice of the store the controller needs.
type Profiles interface {
	store.ProfileStore
	store.SettingsStore
}

// Defaults seed new profiles.
type Defaults struct {
	ModelID       string
	Temperature   float64
	ContextWindow int
	SystemPrompt  string
}

// Options configures a Controller.
type Options struct {
	Store       Profiles
	Buffer      *contextbuf.Buffer
	Credentials Verifier
	Catalog     *inference.Catalog
	Locks       *keylock.Map
	Defaults    Defaults
	LockTimeout time.Duration
	Logger      *slog.Logger
}

// Controller gates every interaction through the state machine. All
// methods hold the user's lock and persist before returning.
type Controller struct {
	store       Profiles
	buffer      *contextbuf.Buffer
	creds       Verifier
	catalog     *inference.Catalog
	locks       *keylock.Map
	defaults    Defaults
	lockTimeout time.Duration
	logger      *slog.Logger
}

// NewController creates a Controller.
func NewController(opts Options) *Controller {
	if opts.Locks == nil {
		opts.Locks = keylock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.LockTimeout == 0 {
		opts.LockTimeout = 10 * time.Minute
	}
	return &Controller{
		store:       opts.Store,
		buffer:      opts.Buffer,
		creds:       opts.Credentials,
		catalog:     opts.Catalog,
		locks:       opts.Locks,
		defaults:    opts.Defaults,
		lockTimeout: opts.LockTimeout,
		logger:      opts.Logger.With("component", "session"),
	}
}

// EnsureSystemPrompt writes the configured default system prompt to the
// global settings record unless one is already stored.
func (c *Controller) EnsureSystemPrompt(ctx context.Context) error {
	_, err := c.store.GetSetting(ctx, store.SettingSystemPrompt)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return apperr.Wrap(apperr.KindPersistence, "session.EnsureSystemPrompt", err)
	}
	if err := c.store.PutSetting(ctx, store.SettingSystemPrompt, c.defaults.SystemPrompt); err != nil {
		return apperr.Wrap(apperr.KindPersistence, "session.EnsureSystemPrompt", err)
	}
	return nil
}

func (c *Controller) lock(ctx context.Context, userID string) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, c.lockTimeout)
	defer cancel()
	unlock, err := c.locks.Lock(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTimeout, "session.lock", err)
	}
	return unlock, nil
}

func (c *Controller) systemPrompt(ctx context.Context) (string, error) {
	prompt, err := c.store.GetSetting(ctx, store.SettingSystemPrompt)
	if errors.Is(err, store.ErrNotFound) {
		return c.defaults.SystemPrompt, nil
	}
	if err != nil {
		return "", err
	}
	return prompt, nil
}

func (c *Controller) newProfile(ctx context.Context, userID string) (*store.Profile, error) {
	prompt, err := c.systemPrompt(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &store.Profile{
		UserID:        userID,
		ModelID:       c.defaults.ModelID,
		Temperature:   c.defaults.Temperature,
		ContextWindow: c.defaults.ContextWindow,
		SystemPrompt:  prompt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// loadOrCreate returns the user's profile, creating and persisting a
// default one on first contact.
func (c *Controller) loadOrCreate(ctx context.Context, op, userID string) (*store.Profile, error) {
	p, err := c.store.GetProfile(ctx, userID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Wrap(apperr.KindPersistence, op, err)
	}
	p, err = c.newProfile(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, op, err)
	}
	if err := c.store.PutProfile(ctx, p); err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, op, err)
	}
	metrics.SessionsCreated.Inc()
	c.logger.Info("profile created", "user", userID)
	return p, nil
}

func (c *Controller) save(ctx context.Context, op string, p *store.Profile) error {
	p.UpdatedAt = time.Now()
	if err := c.store.PutProfile(ctx, p); err != nil {
		return apperr.Wrap(apperr.KindPersistence, op, err)
	}
	return nil
}

func requireState(op string, p *store.Profile, want State) error {
	if got := StateOf(p); got != want {
		return apperr.New(apperr.KindNotAllowed, op, fmt.Sprintf("requires %s state, user is %s", want, got))
	}
	return nil
}

// Start ensures the profile exists and reports its state.
func (c *Controller) Start(ctx context.Context, userID string) (*store.Profile, State, error) {
	unlock, err := c.lock(ctx, userID)
	if err != nil {
		return nil, StateLocked, err
	}
	defer unlock()

	p, err := c.loadOrCreate(ctx, "session.Start", userID)
	if err != nil {
		return nil, StateLocked, err
	}
	return p, StateOf(p), nil
}

// SubmitCredential checks secret for a Locked user. On a match the user
// moves to Onboarding and the context is seeded with the system prompt.
func (c *Controller) SubmitCredential(ctx context.Context, userID, secret string) (State, error) {
	const op = "session.SubmitCredential"
	unlock, err := c.lock(ctx, userID)
	if err != nil {
		return StateLocked, err
	}
	defer unlock()

	p, err := c.loadOrCreate(ctx, op, userID)
	if err != nil {
		return StateLocked, err
	}
	if err := requireState(op, p, StateLocked); err != nil {
		return StateOf(p), err
	}

	if !c.creds.Verify(strings.TrimSpace(secret)) {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		c.logger.Warn("credential rejected", "user", userID)
		return StateLocked, apperr.New(apperr.KindAuthentication, op, "secret mismatch")
	}
	metrics.AuthAttempts.WithLabelValues("success").Inc()

	if err := c.buffer.Seed(ctx, userID, p.SystemPrompt); err != nil {
		return StateLocked, err
	}
	p.Authenticated = true
	p.Onboarded = false
	p.DisplayName = ""
	if err := c.save(ctx, op, p); err != nil {
		return StateLocked, err
	}
	c.logger.Info("user authenticated", "user", userID)
	return StateOnboarding, nil
}

// SetDisplayName completes onboarding.
func (c *Controller) SetDisplayName(ctx context.Context, userID, name string) (*store.Profile, error) {
	const op = "session.SetDisplayName"
	unlock, err := c.lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := c.loadOrCreate(ctx, op, userID)
	if err != nil {
		return nil, err
	}
	if err := requireState(op, p, StateOnboarding); err != nil {
		return nil, err
	}
	name, err = validateName(op, name)
	if err != nil {
		return nil, err
	}

	p.DisplayName = name
	p.Onboarded = true
	if err := c.save(ctx, op, p); err != nil {
		return nil, err
	}
	c.logger.Info("user onboarded", "user", userID)
	return p, nil
}

func validateName(op, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperr.Validation(op, "name must not be empty")
	}
	if utf8.RuneCountInString(name) > MaxDisplayName {
		return "", apperr.Validation(op, "name must be at most %d characters", MaxDisplayName)
	}
	return name, nil
}

// Configure changes one profile option for an Active user. Invalid values
// leave the profile untouched.
func (c *Controller) Configure(ctx context.Context, userID string, opt Option, value string) (*store.Profile, error) {
	const op = "session.Configure"
	unlock, err := c.lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := c.loadOrCreate(ctx, op, userID)
	if err != nil {
		return nil, err
	}
	if err := requireState(op, p, StateActive); err != nil {
		return nil, err
	}

	value = strings.TrimSpace(value)
	next := *p
	switch opt {
	case OptionModel:
		if _, ok := c.catalog.Lookup(value); !ok {
			return nil, apperr.Validation(op, "unknown model %q", value)
		}
		next.ModelID = value
	case OptionThink:
		switch value {
		case "1":
			next.ThinkMode = true
		case "0":
			next.ThinkMode = false
		default:
			return nil, apperr.Validation(op, "think must be 0 or 1")
		}
	case OptionTemperature:
		t, err := strconv.ParseFloat(strings.Replace(value, ",", ".", 1), 64)
		if err != nil || math.IsNaN(t) {
			return nil, apperr.Validation(op, "temperature must be a number")
		}
		if t < 0 || t > 1 {
			return nil, apperr.Validation(op, "temperature must be between 0 and 1")
		}
		next.Temperature = t
	case OptionContextWindow:
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, apperr.Validation(op, "context window must be an integer")
		}
		if n < MinContextWindow || n > MaxContextWindow {
			return nil, apperr.Validation(op, "context window must be between %d and %d", MinContextWindow, MaxContextWindow)
		}
		next.ContextWindow = n
	case OptionSystemPrompt:
		if value == "" {
			return nil, apperr.Validation(op, "system prompt must not be empty")
		}
		next.SystemPrompt = value
	case OptionDisplayName:
		name, err := validateName(op, value)
		if err != nil {
			return nil, err
		}
		next.DisplayName = name
	default:
		return nil, apperr.Validation(op, "unknown option %q", string(opt))
	}

	if err := c.save(ctx, op, &next); err != nil {
		return nil, err
	}
	// The anchor follows the saved profile. On failure the old profile is
	// restored so the two never disagree.
	if opt == OptionSystemPrompt {
		if err := c.buffer.SetSystemPrompt(ctx, userID, next.SystemPrompt); err != nil {
			if rbErr := c.save(ctx, op, p); rbErr != nil {
				c.logger.Error("profile rollback failed", "user", userID, "error", rbErr)
			}
			return nil, err
		}
	}
	c.logger.Info("profile configured", "user", userID, "option", string(opt))
	return &next, nil
}

// Reset deletes the profile and the whole context. The next Start
// recreates defaults. It is allowed in any state.
func (c *Controller) Reset(ctx context.Context, userID string) error {
	const op = "session.Reset"
	unlock, err := c.lock(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	// Profile first: a leftover log without a profile is reseeded on the
	// next authentication, but a profile without its log is not.
	if err := c.store.DeleteProfile(ctx, userID); err != nil {
		return apperr.Wrap(apperr.KindPersistence, op, err)
	}
	if err := c.buffer.Purge(ctx, userID); err != nil {
		return err
	}
	c.logger.Info("profile reset", "user", userID)
	return nil
}

// ClearContext truncates the context to the anchor for an Active user.
func (c *Controller) ClearContext(ctx context.Context, userID string) error {
	const op = "session.ClearContext"
	unlock, err := c.lock(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	p, err := c.loadOrCreate(ctx, op, userID)
	if err != nil {
		return err
	}
	if err := requireState(op, p, StateActive); err != nil {
		return err
	}
	if err := c.buffer.Clear(ctx, userID); err != nil {
		return err
	}
	return c.buffer.EnsureAnchor(ctx, userID, p.SystemPrompt)
}

// Profile returns the user's profile without creating one. An unknown user
// gets an unsaved default profile in the Locked state.
func (c *Controller) Profile(ctx context.Context, userID string) (*store.Profile, State, error) {
	const op = "session.Profile"
	p, err := c.store.GetProfile(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		p, err = c.newProfile(ctx, userID)
		if err != nil {
			return nil, StateLocked, apperr.Wrap(apperr.KindPersistence, op, err)
		}
		return p, StateLocked, nil
	}
	if err != nil {
		return nil, StateLocked, apperr.Wrap(apperr.KindPersistence, op, err)
	}
	return p, StateOf(p), nil
}

// Catalog exposes the model catalog for listings.
func (c *Controller) Catalog() *inference.Catalog {
	return c.catalog
}

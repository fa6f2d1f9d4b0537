package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/cortexhub/cortex-chatgate/internal/apperr"
	"github.com/cortexhub/cortex-chatgate/internal/contextbuf"
	"github.com/cortexhub/cortex-chatgate/internal/credential"
	"github.com/cortexhub/cortex-chatgate/internal/inference"
	"github.com/cortexhub/cortex-chatgate/internal/store"
)

type fixture struct {
	ctrl   *Controller
	store  *store.MemoryStore
	buffer *contextbuf.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	creds, err := credential.NewFromSecret("abc", bcrypt.MinCost)
	require.NoError(t, err)
	catalog, err := inference.NewCatalog([]inference.Model{
		{ID: "1", Name: "qwen3:14b", Engine: "local", ThinkToggle: true},
		{ID: "2", Name: "dolphin3:8b", Engine: "local"},
		{ID: "3", Name: "qwen3-vl:8b", Engine: "local", Multimodal: true},
	}, "1", "")
	require.NoError(t, err)

	buf := contextbuf.New(st)
	ctrl := NewController(Options{
		Store:       st,
		Buffer:      buf,
		Credentials: creds,
		Catalog:     catalog,
		Defaults: Defaults{
			ModelID:       "1",
			Temperature:   0.7,
			ContextWindow: 21,
			SystemPrompt:  "default prompt",
		},
	})
	require.NoError(t, ctrl.EnsureSystemPrompt(context.Background()))
	return &fixture{ctrl: ctrl, store: st, buffer: buf}
}

func (f *fixture) activate(t *testing.T, user string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.ctrl.SubmitCredential(ctx, user, "abc")
	require.NoError(t, err)
	_, err = f.ctrl.SetDisplayName(ctx, user, "Ana")
	require.NoError(t, err)
}

// failingStore fails profile writes on demand.
type failingStore struct {
	*store.MemoryStore
	putErr    error
	deleteErr error
}

func (s *failingStore) PutProfile(ctx context.Context, p *store.Profile) error {
	if s.putErr != nil {
		return s.putErr
	}
	return s.MemoryStore.PutProfile(ctx, p)
}

func (s *failingStore) DeleteProfile(ctx context.Context, userID string) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	return s.MemoryStore.DeleteProfile(ctx, userID)
}

func TestStateOf(t *testing.T) {
	assert.Equal(t, StateLocked, StateOf(nil))
	assert.Equal(t, StateLocked, StateOf(&store.Profile{}))
	assert.Equal(t, StateOnboarding, StateOf(&store.Profile{Authenticated: true}))
	assert.Equal(t, StateActive, StateOf(&store.Profile{Authenticated: true, Onboarded: true}))
}

func TestStartCreatesDefaults(t *testing.T) {
	f := newFixture(t)
	p, state, err := f.ctrl.Start(context.Background(), "u1")
	require.NoError(t, err)

	assert.Equal(t, StateLocked, state)
	assert.Equal(t, "1", p.ModelID)
	assert.InDelta(t, 0.7, p.Temperature, 1e-9)
	assert.Equal(t, 21, p.ContextWindow)
	assert.Equal(t, "default prompt", p.SystemPrompt)
	assert.False(t, p.ThinkMode)

	stored, err := f.store.GetProfile(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, p.UserID, stored.UserID)
}

func TestNewProfilesUseStoredSystemPrompt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.PutSetting(ctx, store.SettingSystemPrompt, "global prompt"))

	p, _, err := f.ctrl.Start(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "global prompt", p.SystemPrompt)
}

func TestAuthenticationScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.ctrl.Start(ctx, "u1")
	require.NoError(t, err)

	state, err := f.ctrl.SubmitCredential(ctx, "u1", "x")
	assert.True(t, apperr.Is(err, apperr.KindAuthentication))
	assert.Equal(t, StateLocked, state)
	p, err := f.store.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, p.Authenticated)

	state, err = f.ctrl.SubmitCredential(ctx, "u1", "abc")
	require.NoError(t, err)
	assert.Equal(t, StateOnboarding, state)
	entries, err := f.buffer.Entries(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.RoleSystem, entries[0].Role)
	assert.Equal(t, "default prompt", entries[0].Content)

	p, err = f.ctrl.SetDisplayName(ctx, "u1", "Ana")
	require.NoError(t, err)
	assert.Equal(t, "Ana", p.DisplayName)
	assert.Equal(t, StateActive, StateOf(p))
}

func TestLockedAcceptsOnlyCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ctrl.SetDisplayName(ctx, "u1", "Ana")
	assert.True(t, apperr.Is(err, apperr.KindNotAllowed))

	_, err = f.ctrl.Configure(ctx, "u1", OptionTemperature, "0.5")
	assert.True(t, apperr.Is(err, apperr.KindNotAllowed))

	err = f.ctrl.ClearContext(ctx, "u1")
	assert.True(t, apperr.Is(err, apperr.KindNotAllowed))

	_, state, err := f.ctrl.Profile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, StateLocked, state)
}

func TestOnboardingAcceptsOnlyName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ctrl.SubmitCredential(ctx, "u1", "abc")
	require.NoError(t, err)

	_, err = f.ctrl.SubmitCredential(ctx, "u1", "abc")
	assert.True(t, apperr.Is(err, apperr.KindNotAllowed))

	_, err = f.ctrl.Configure(ctx, "u1", OptionModel, "2")
	assert.True(t, apperr.Is(err, apperr.KindNotAllowed))

	_, err = f.ctrl.SetDisplayName(ctx, "u1", "   ")
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, state, err := f.ctrl.Profile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, StateOnboarding, state)
}

func TestConfigureValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.activate(t, "u1")

	tests := []struct {
		opt   Option
		value string
	}{
		{OptionModel, "9"},
		{OptionThink, "yes"},
		{OptionTemperature, "hot"},
		{OptionTemperature, "1.5"},
		{OptionTemperature, "-0.1"},
		{OptionContextWindow, "1"},
		{OptionContextWindow, "51"},
		{OptionContextWindow, "ten"},
		{OptionSystemPrompt, ""},
		{OptionDisplayName, ""},
		{Option("colour"), "blue"},
	}
	for _, tt := range tests {
		t.Run(string(tt.opt)+"="+tt.value, func(t *testing.T) {
			before, err := f.store.GetProfile(ctx, "u1")
			require.NoError(t, err)

			_, err = f.ctrl.Configure(ctx, "u1", tt.opt, tt.value)
			assert.True(t, apperr.Is(err, apperr.KindValidation))

			after, err := f.store.GetProfile(ctx, "u1")
			require.NoError(t, err)
			assert.Equal(t, before, after)
		})
	}
}

func TestConfigureApplies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.activate(t, "u1")

	p, err := f.ctrl.Configure(ctx, "u1", OptionModel, "2")
	require.NoError(t, err)
	assert.Equal(t, "2", p.ModelID)

	p, err = f.ctrl.Configure(ctx, "u1", OptionThink, "1")
	require.NoError(t, err)
	assert.True(t, p.ThinkMode)

	p, err = f.ctrl.Configure(ctx, "u1", OptionTemperature, "0,3")
	require.NoError(t, err)
	assert.InDelta(t, 0.3, p.Temperature, 1e-9)

	p, err = f.ctrl.Configure(ctx, "u1", OptionContextWindow, "2")
	require.NoError(t, err)
	assert.Equal(t, 2, p.ContextWindow)

	p, err = f.ctrl.Configure(ctx, "u1", OptionDisplayName, "Bea")
	require.NoError(t, err)
	assert.Equal(t, "Bea", p.DisplayName)

	stored, err := f.store.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, p.ModelID, stored.ModelID)
	assert.Equal(t, p.DisplayName, stored.DisplayName)
}

func TestConfigureSystemPromptRewritesAnchor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.activate(t, "u1")
	_, err := f.buffer.Append(ctx, "u1", store.RoleUser, "hi", nil)
	require.NoError(t, err)

	before, err := f.buffer.Entries(ctx, "u1")
	require.NoError(t, err)

	_, err = f.ctrl.Configure(ctx, "u1", OptionSystemPrompt, "be terse")
	require.NoError(t, err)

	after, err := f.buffer.Entries(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, "be terse", after[0].Content)
	assert.Equal(t, before[0].Seq, after[0].Seq)
	assert.Equal(t, "hi", after[1].Content)
}

func TestReduceWindowDoesNotEvictEagerly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.activate(t, "u1")
	for _, m := range []string{"a", "b", "c"} {
		_, err := f.buffer.Append(ctx, "u1", store.RoleUser, m, nil)
		require.NoError(t, err)
	}

	_, err := f.ctrl.Configure(ctx, "u1", OptionContextWindow, "2")
	require.NoError(t, err)

	entries, err := f.buffer.Entries(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, entries, 4)
}

func TestClearContext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.activate(t, "u1")
	_, err := f.buffer.Append(ctx, "u1", store.RoleUser, "hi", nil)
	require.NoError(t, err)

	require.NoError(t, f.ctrl.ClearContext(ctx, "u1"))
	entries, err := f.buffer.Entries(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.RoleSystem, entries[0].Role)
}

func TestReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.activate(t, "u1")

	require.NoError(t, f.ctrl.Reset(ctx, "u1"))

	_, err := f.store.GetProfile(ctx, "u1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	entries, err := f.buffer.Entries(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, entries)

	p, state, err := f.ctrl.Start(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, StateLocked, state)
	assert.Empty(t, p.DisplayName)
}

func TestProfileDoesNotCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, state, err := f.ctrl.Profile(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, StateLocked, state)
	assert.Equal(t, "1", p.ModelID)

	_, err = f.store.GetProfile(ctx, "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConfigureSystemPromptFailedSaveKeepsAnchor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.activate(t, "u1")

	fs := &failingStore{MemoryStore: f.store, putErr: errors.New("disk full")}
	f.ctrl.store = fs

	_, err := f.ctrl.Configure(ctx, "u1", OptionSystemPrompt, "NEW")
	require.Error(t, err)
	assert.Equal(t, apperr.KindPersistence, apperr.KindOf(err))

	p, err := f.store.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "default prompt", p.SystemPrompt)
	entries, err := f.buffer.Entries(ctx, "u1")
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "default prompt", entries[0].Content)

	fs.putErr = nil
	_, err = f.ctrl.Configure(ctx, "u1", OptionSystemPrompt, "NEW")
	require.NoError(t, err)
	entries, err = f.buffer.Entries(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "NEW", entries[0].Content)
}

func TestResetFailedDeleteKeepsContext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.activate(t, "u1")
	_, err := f.buffer.Append(ctx, "u1", store.RoleUser, "hi", nil)
	require.NoError(t, err)

	f.ctrl.store = &failingStore{MemoryStore: f.store, deleteErr: errors.New("disk full")}

	err = f.ctrl.Reset(ctx, "u1")
	require.Error(t, err)
	assert.Equal(t, apperr.KindPersistence, apperr.KindOf(err))

	_, state, err := f.ctrl.Profile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, StateActive, state)
	entries, err := f.buffer.Entries(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, store.RoleSystem, entries[0].Role)
}

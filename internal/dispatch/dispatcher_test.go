package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexhub/cortex-chatgate/internal/apperr"
	"github.com/cortexhub/cortex-chatgate/internal/contextbuf"
	"github.com/cortexhub/cortex-chatgate/internal/inference"
	"github.com/cortexhub/cortex-chatgate/internal/journal"
	"github.com/cortexhub/cortex-chatgate/internal/keylock"
	"github.com/cortexhub/cortex-chatgate/internal/store"
)

type call struct {
	model    inference.Model
	messages []inference.Message
	temp     float64
}

type fakeGenerator struct {
	mu     sync.Mutex
	calls  []call
	reply  func(c call) (string, error)
	inside int32
	maxIn  int32
}

func (g *fakeGenerator) Generate(ctx context.Context, model inference.Model, msgs []inference.Message, temp float64) (*inference.Response, error) {
	n := atomic.AddInt32(&g.inside, 1)
	defer atomic.AddInt32(&g.inside, -1)
	for {
		cur := atomic.LoadInt32(&g.maxIn)
		if n <= cur || atomic.CompareAndSwapInt32(&g.maxIn, cur, n) {
			break
		}
	}

	c := call{model: model, messages: append([]inference.Message(nil), msgs...), temp: temp}
	g.mu.Lock()
	g.calls = append(g.calls, c)
	g.mu.Unlock()

	if g.reply == nil {
		return &inference.Response{Content: "hello"}, nil
	}
	text, err := g.reply(c)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &inference.Response{Content: text}, nil
}

func (g *fakeGenerator) last() call {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[len(g.calls)-1]
}

type recordingJournal struct {
	mu     sync.Mutex
	events []journal.TurnEvent
}

func (j *recordingJournal) Publish(_ context.Context, e journal.TurnEvent) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, e)
}

type fixture struct {
	d       *Dispatcher
	store   *store.MemoryStore
	buffer  *contextbuf.Buffer
	gen     *fakeGenerator
	journal *recordingJournal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	catalog, err := inference.NewCatalog([]inference.Model{
		{ID: "1", Name: "qwen3:14b", Engine: "local", ThinkToggle: true},
		{ID: "2", Name: "dolphin3:8b", Engine: "local"},
		{ID: "3", Name: "qwen3-vl:8b", Engine: "local", Multimodal: true},
	}, "1", "")
	require.NoError(t, err)

	st := store.NewMemoryStore()
	buf := contextbuf.New(st)
	gen := &fakeGenerator{}
	j := &recordingJournal{}
	d := New(Options{
		Profiles:  st,
		Buffer:    buf,
		Catalog:   catalog,
		Generator: gen,
		Locks:     keylock.New(),
		Journal:   j,
		Timeout:   time.Second,
	})
	return &fixture{d: d, store: st, buffer: buf, gen: gen, journal: j}
}

// activeUser stores an Active profile and seeds its anchor.
func (f *fixture) activeUser(t *testing.T, userID, modelID string, window int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.PutProfile(ctx, &store.Profile{
		UserID:        userID,
		Authenticated: true,
		Onboarded:     true,
		DisplayName:   "Ana",
		ModelID:       modelID,
		Temperature:   0.7,
		ContextWindow: window,
		SystemPrompt:  "sys",
	}))
	require.NoError(t, f.buffer.Seed(ctx, userID, "sys"))
}

func (f *fixture) contents(t *testing.T, userID string) []string {
	t.Helper()
	entries, err := f.buffer.Entries(context.Background(), userID)
	require.NoError(t, err)
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = string(e.Role) + ":" + e.Content
	}
	return out
}

func TestTextTurnWindowScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.activeUser(t, "u1", "2", 2)

	res, err := f.d.Dispatch(ctx, "u1", TextTurn("hi"))
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Reply)
	assert.Equal(t, "2", res.Model.ID)

	sent := f.gen.last().messages
	require.Len(t, sent, 2)
	assert.Equal(t, "sys", sent[0].Content)
	assert.Equal(t, "hi", sent[1].Content)
	assert.Equal(t, []string{"system:sys", "user:hi", "assistant:hello"}, f.contents(t, "u1"))

	f.gen.reply = func(call) (string, error) { return "again", nil }
	_, err = f.d.Dispatch(ctx, "u1", TextTurn("next"))
	require.NoError(t, err)

	sent = f.gen.last().messages
	require.Len(t, sent, 2)
	assert.Equal(t, "system", sent[0].Role)
	assert.Equal(t, "next", sent[1].Content)
	assert.Equal(t, []string{"system:sys", "user:next", "assistant:again"}, f.contents(t, "u1"))
}

func TestSnapshotNeverExceedsWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.activeUser(t, "u1", "2", 5)

	for i := 0; i < 12; i++ {
		_, err := f.d.Dispatch(ctx, "u1", TextTurn(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)

		sent := f.gen.last().messages
		assert.LessOrEqual(t, len(sent), 5)
		assert.Equal(t, "system", sent[0].Role)
		assert.Equal(t, fmt.Sprintf("m%d", i), sent[len(sent)-1].Content)
	}
}

func TestFailedGenerationKeepsUserEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.activeUser(t, "u1", "2", 21)
	f.gen.reply = func(call) (string, error) { return "", errors.New("connection refused") }

	_, err := f.d.Dispatch(ctx, "u1", TextTurn("question"))
	assert.True(t, apperr.Is(err, apperr.KindBackendUnavailable))
	assert.Equal(t, []string{"system:sys", "user:question"}, f.contents(t, "u1"))

	f.gen.reply = nil
	_, err = f.d.Dispatch(ctx, "u1", TextTurn("question"))
	require.NoError(t, err)
	sent := f.gen.last().messages
	assert.Len(t, sent, 3, "retry sees the earlier question")
}

func TestEmptyReplyIsBackendFailure(t *testing.T) {
	f := newFixture(t)
	f.activeUser(t, "u1", "2", 21)
	f.gen.reply = func(call) (string, error) { return "   ", nil }

	_, err := f.d.Dispatch(context.Background(), "u1", TextTurn("hi"))
	assert.True(t, apperr.Is(err, apperr.KindBackendUnavailable))
}

func TestGenerationTimeout(t *testing.T) {
	f := newFixture(t)
	f.d.timeout = 20 * time.Millisecond
	f.activeUser(t, "u1", "2", 21)
	f.gen.reply = func(call) (string, error) {
		time.Sleep(50 * time.Millisecond)
		return "late", nil
	}

	_, err := f.d.Dispatch(context.Background(), "u1", TextTurn("hi"))
	assert.True(t, apperr.Is(err, apperr.KindTimeout))
	assert.Equal(t, []string{"system:sys", "user:hi"}, f.contents(t, "u1"))
}

func TestThinkMarkers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.activeUser(t, "u1", "1", 21)

	_, err := f.d.Dispatch(ctx, "u1", TextTurn("plain"))
	require.NoError(t, err)

	p, err := f.store.GetProfile(ctx, "u1")
	require.NoError(t, err)
	p.ThinkMode = true
	require.NoError(t, f.store.PutProfile(ctx, p))

	_, err = f.d.Dispatch(ctx, "u1", VoiceTurn("deep"))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"system:sys",
		"user:[NO_THINK] plain",
		"assistant:hello",
		"user:[THINK] deep",
		"assistant:hello",
	}, f.contents(t, "u1"))
}

func TestNoMarkersWithoutToggle(t *testing.T) {
	f := newFixture(t)
	f.activeUser(t, "u1", "2", 21)

	_, err := f.d.Dispatch(context.Background(), "u1", TextTurn("plain"))
	require.NoError(t, err)
	assert.Equal(t, "plain", f.gen.last().messages[1].Content)
}

func TestEmptyVoiceTranscript(t *testing.T) {
	f := newFixture(t)
	f.activeUser(t, "u1", "2", 21)

	res, err := f.d.Dispatch(context.Background(), "u1", VoiceTurn("  "))
	require.NoError(t, err)
	assert.True(t, res.Empty)
	assert.Empty(t, f.gen.calls)
	assert.Equal(t, []string{"system:sys"}, f.contents(t, "u1"))

	_, err = f.d.Dispatch(context.Background(), "u1", TextTurn(""))
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestImageTurnSubstitutesVisionModel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.activeUser(t, "u1", "2", 21)
	img := []byte{0xff, 0xd8, 0xff}

	res, err := f.d.Dispatch(ctx, "u1", ImageTurn([][]byte{img}, "what is this?"))
	require.NoError(t, err)
	assert.True(t, res.Substituted)
	assert.Equal(t, "3", res.Model.ID)

	sent := f.gen.last()
	assert.Equal(t, "qwen3-vl:8b", sent.model.Name)
	require.Len(t, sent.messages, 2)
	assert.Equal(t, [][]byte{img}, sent.messages[1].Images)

	entries, err := f.buffer.Entries(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Empty(t, e.Images, "image bytes are never persisted")
	}
	assert.Equal(t, "what is this?", entries[1].Content)

	p, err := f.store.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "2", p.ModelID)

	res, err = f.d.Dispatch(ctx, "u1", TextTurn("and now text"))
	require.NoError(t, err)
	assert.False(t, res.Substituted)
	assert.Equal(t, "dolphin3:8b", f.gen.last().model.Name)
}

func TestImageTurnOnMultimodalModel(t *testing.T) {
	f := newFixture(t)
	f.activeUser(t, "u1", "3", 21)

	res, err := f.d.Dispatch(context.Background(), "u1", ImageTurn([][]byte{{1}}, ""))
	require.NoError(t, err)
	assert.False(t, res.Substituted)
	assert.Equal(t, DefaultImageCaption, f.gen.last().messages[1].Content)
}

func TestImageTurnFailureAppendsNothing(t *testing.T) {
	f := newFixture(t)
	f.activeUser(t, "u1", "3", 21)
	f.gen.reply = func(call) (string, error) { return "", errors.New("model not loaded") }

	_, err := f.d.Dispatch(context.Background(), "u1", ImageTurn([][]byte{{1}}, "cap"))
	assert.True(t, apperr.Is(err, apperr.KindBackendUnavailable))
	assert.Equal(t, []string{"system:sys"}, f.contents(t, "u1"))
}

func TestImageTurnEvictsAfterAppend(t *testing.T) {
	f := newFixture(t)
	f.activeUser(t, "u1", "3", 3)
	ctx := context.Background()

	_, err := f.d.Dispatch(ctx, "u1", TextTurn("a"))
	require.NoError(t, err)
	_, err = f.d.Dispatch(ctx, "u1", ImageTurn([][]byte{{1}}, "cap"))
	require.NoError(t, err)

	assert.Equal(t, []string{"system:sys", "user:cap", "assistant:hello"}, f.contents(t, "u1"))
}

func TestDispatchRequiresActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.d.Dispatch(ctx, "ghost", TextTurn("hi"))
	assert.True(t, apperr.Is(err, apperr.KindNotAllowed))

	require.NoError(t, f.store.PutProfile(ctx, &store.Profile{UserID: "u2", Authenticated: true, ModelID: "1", ContextWindow: 21}))
	_, err = f.d.Dispatch(ctx, "u2", TextTurn("hi"))
	assert.True(t, apperr.Is(err, apperr.KindNotAllowed))
	assert.Empty(t, f.gen.calls)
}

func TestMissingAnchorIsRecreated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.activeUser(t, "u1", "2", 21)
	require.NoError(t, f.buffer.Purge(ctx, "u1"))

	_, err := f.d.Dispatch(ctx, "u1", TextTurn("hi"))
	require.NoError(t, err)
	assert.Equal(t, "system", f.gen.last().messages[0].Role)
}

func TestTurnsForOneUserAreSerialized(t *testing.T) {
	f := newFixture(t)
	f.activeUser(t, "u1", "2", 50)
	f.gen.reply = func(call) (string, error) {
		time.Sleep(2 * time.Millisecond)
		return "ok", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.d.Dispatch(context.Background(), "u1", TextTurn(fmt.Sprintf("m%d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&f.gen.maxIn))
	entries := f.contents(t, "u1")
	require.Len(t, entries, 21)
	for i := 1; i < len(entries); i += 2 {
		assert.Contains(t, entries[i], "user:")
		assert.Equal(t, "assistant:ok", entries[i+1])
	}
}

func TestAnalyzeIsStateless(t *testing.T) {
	f := newFixture(t)
	f.activeUser(t, "u1", "2", 21)

	res, err := f.d.Analyze(context.Background(), "u1", [][]byte{{1, 2}}, "")
	require.NoError(t, err)
	assert.Equal(t, "3", res.Model.ID)

	sent := f.gen.last().messages
	require.Len(t, sent, 2)
	assert.Equal(t, "system", sent[0].Role)
	assert.NotEqual(t, "sys", sent[0].Content)
	assert.Equal(t, DefaultAnalyzePrompt, sent[1].Content)
	assert.Equal(t, []string{"system:sys"}, f.contents(t, "u1"))

	_, err = f.d.Analyze(context.Background(), "u1", nil, "x")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestJournalRecordsOutcome(t *testing.T) {
	f := newFixture(t)
	f.activeUser(t, "u1", "2", 21)

	_, err := f.d.Dispatch(context.Background(), "u1", ImageTurn([][]byte{{1}}, "x"))
	require.NoError(t, err)
	f.gen.reply = func(call) (string, error) { return "", errors.New("down") }
	_, err = f.d.Dispatch(context.Background(), "u1", TextTurn("y"))
	require.Error(t, err)

	require.Len(t, f.journal.events, 2)
	ok := f.journal.events[0]
	assert.Equal(t, "image", ok.Kind)
	assert.Equal(t, journal.StatusOK, ok.Status)
	assert.True(t, ok.Substituted)
	assert.Equal(t, "3", ok.Model)

	failed := f.journal.events[1]
	assert.Equal(t, journal.StatusError, failed.Status)
	assert.Equal(t, "backend_unavailable", failed.ErrorKind)
}

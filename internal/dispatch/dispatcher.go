// Package dispatch turns an Active user's inbound turn into a generation
// request and folds the reply back into the context buffer.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/cortexhub/cortex-chatgate/internal/apperr"
	"github.com/cortexhub/cortex-chatgate/internal/contextbuf"
	"github.com/cortexhub/cortex-chatgate/internal/inference"
	"github.com/cortexhub/cortex-chatgate/internal/journal"
	"github.com/cortexhub/cortex-chatgate/internal/keylock"
	"github.com/cortexhub/cortex-chatgate/internal/metrics"
	"github.com/cortexhub/cortex-chatgate/internal/session"
	"github.com/cortexhub/cortex-chatgate/internal/store"
)

// Think-mode markers prepended to user text for models with a reasoning
// toggle. They are persisted with the entry.
const (
	ThinkOnMarker  = "[THINK] "
	ThinkOffMarker = "[NO_THINK] "
)

// DefaultImageCaption is sent when an image arrives without a caption.
const DefaultImageCaption = "What is shown in this picture? Describe it in detail."

// DefaultAnalyzePrompt is the question asked by Analyze when none is given.
const DefaultAnalyzePrompt = "Describe this image in detail."

// Kind is the inbound payload variant.
type Kind string

const (
	KindText  Kind = "text"
	KindVoice Kind = "voice"
	KindImage Kind = "image"
)

// Turn is one inbound unit of user input.
type Turn struct {
	Kind   Kind
	Text   string
	Images [][]byte
}

// TextTurn builds a typed-text turn.
func TextTurn(text string) Turn { return Turn{Kind: KindText, Text: text} }

// VoiceTurn builds a turn from an already transcribed voice message.
func VoiceTurn(transcript string) Turn { return Turn{Kind: KindVoice, Text: transcript} }

// ImageTurn builds an image turn with an optional caption.
func ImageTurn(images [][]byte, caption string) Turn {
	return Turn{Kind: KindImage, Text: caption, Images: images}
}

// Result is what the caller relays to the user.
type Result struct {
	Reply string
	Model inference.Model
	// Substituted is set when an image turn ran on the vision model
	// instead of the user's own model.
	Substituted bool
	// Empty is set for a voice turn whose transcript was blank.
	Empty bool
}

// Generator is the generation collaborator.
type Generator interface {
	Generate(ctx context.Context, model inference.Model, messages []inference.Message, temperature float64) (*inference.Response, error)
}

// Options configures a Dispatcher.
type Options struct {
	Profiles      store.ProfileStore
	Buffer        *contextbuf.Buffer
	Catalog       *inference.Catalog
	Generator     Generator
	Locks         *keylock.Map
	Journal       journal.Publisher
	Timeout       time.Duration
	LockTimeout   time.Duration
	AnalyzePrompt string
	Logger        *slog.Logger
}

// Dispatcher runs turns. Turns for one user are serialized through the
// shared key lock; different users never contend.
type Dispatcher struct {
	profiles      store.ProfileStore
	buffer        *contextbuf.Buffer
	catalog       *inference.Catalog
	gen           Generator
	locks         *keylock.Map
	journal       journal.Publisher
	timeout       time.Duration
	lockTimeout   time.Duration
	analyzePrompt string
	logger        *slog.Logger
}

// New creates a Dispatcher.
func New(opts Options) *Dispatcher {
	if opts.Locks == nil {
		opts.Locks = keylock.New()
	}
	if opts.Journal == nil {
		opts.Journal = journal.Nop{}
	}
	if opts.Timeout == 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.LockTimeout == 0 {
		opts.LockTimeout = 10 * time.Minute
	}
	if opts.AnalyzePrompt == "" {
		opts.AnalyzePrompt = "You are an assistant that analyzes and describes images."
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		profiles:      opts.Profiles,
		buffer:        opts.Buffer,
		catalog:       opts.Catalog,
		gen:           opts.Generator,
		locks:         opts.Locks,
		journal:       opts.Journal,
		timeout:       opts.Timeout,
		lockTimeout:   opts.LockTimeout,
		analyzePrompt: opts.AnalyzePrompt,
		logger:        opts.Logger.With("component", "dispatch"),
	}
}

// Dispatch runs one turn for userID. The user must be Active.
//
// Text and voice turns append the user entry first, so it survives a
// failed generation. Image turns append the caption and reply only after
// the backend answers; the image bytes are never persisted.
func (d *Dispatcher) Dispatch(ctx context.Context, userID string, turn Turn) (res *Result, err error) {
	start := time.Now()
	ev := journal.NewTurnEvent(userID, string(turn.Kind))
	defer func() {
		ev.Latency = time.Since(start)
		switch {
		case err != nil:
			ev.Status = journal.StatusError
			ev.ErrorKind = apperr.KindOf(err).String()
		case res.Empty:
			ev.Status = journal.StatusEmpty
		default:
			ev.Status = journal.StatusOK
			ev.Model = res.Model.ID
			ev.Substituted = res.Substituted
		}
		metrics.Turns.WithLabelValues(string(turn.Kind), ev.Status).Inc()
		d.journal.Publish(ctx, ev)
	}()

	lockCtx, cancel := context.WithTimeout(ctx, d.lockTimeout)
	unlock, err := d.locks.Lock(lockCtx, userID)
	cancel()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTimeout, "dispatch.lock", err)
	}
	defer unlock()

	p, err := d.activeProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := d.buffer.EnsureAnchor(ctx, userID, p.SystemPrompt); err != nil {
		return nil, err
	}

	model, ok := d.catalog.Lookup(p.ModelID)
	if !ok {
		d.logger.Warn("profile references unknown model, using default", "user", userID, "model", p.ModelID)
		model = d.catalog.Default()
	}

	switch turn.Kind {
	case KindText, KindVoice:
		return d.dispatchText(ctx, p, model, turn)
	case KindImage:
		return d.dispatchImage(ctx, p, model, turn)
	default:
		return nil, apperr.Validation("dispatch.Dispatch", "unknown turn kind %q", string(turn.Kind))
	}
}

func (d *Dispatcher) activeProfile(ctx context.Context, userID string) (*store.Profile, error) {
	const op = "dispatch.Dispatch"
	p, err := d.profiles.GetProfile(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.KindNotAllowed, op, "no session, start first")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, op, err)
	}
	if session.StateOf(p) != session.StateActive {
		return nil, apperr.New(apperr.KindNotAllowed, op, "session is not active")
	}
	return p, nil
}

func (d *Dispatcher) dispatchText(ctx context.Context, p *store.Profile, model inference.Model, turn Turn) (*Result, error) {
	text := strings.TrimSpace(turn.Text)
	if text == "" {
		if turn.Kind == KindVoice {
			return &Result{Empty: true, Model: model}, nil
		}
		return nil, apperr.Validation("dispatch.Dispatch", "message is empty")
	}
	if model.ThinkToggle {
		if p.ThinkMode {
			text = ThinkOnMarker + text
		} else {
			text = ThinkOffMarker + text
		}
	}

	if _, err := d.buffer.Append(ctx, p.UserID, store.RoleUser, text, nil); err != nil {
		return nil, err
	}
	if _, err := d.buffer.Evict(ctx, p.UserID, p.ContextWindow); err != nil {
		return nil, err
	}
	snap, err := d.buffer.Snapshot(ctx, p.UserID, p.ContextWindow)
	if err != nil {
		return nil, err
	}

	reply, err := d.generate(ctx, model, toMessages(snap), p.Temperature)
	if err != nil {
		d.logger.Warn("generation failed", "user", p.UserID, "model", model.ID, "error", err)
		return nil, err
	}
	if _, err := d.buffer.Append(ctx, p.UserID, store.RoleAssistant, reply, nil); err != nil {
		return nil, err
	}
	return &Result{Reply: reply, Model: model}, nil
}

func (d *Dispatcher) dispatchImage(ctx context.Context, p *store.Profile, model inference.Model, turn Turn) (*Result, error) {
	if len(turn.Images) == 0 {
		return nil, apperr.Validation("dispatch.Dispatch", "image turn without images")
	}
	substituted := false
	if !model.Multimodal {
		model = d.catalog.Vision()
		substituted = true
		metrics.ModelSubstitutions.Inc()
	}
	caption := strings.TrimSpace(turn.Text)
	if caption == "" {
		caption = DefaultImageCaption
	}

	snap, err := d.buffer.Snapshot(ctx, p.UserID, p.ContextWindow)
	if err != nil {
		return nil, err
	}
	msgs := append(toMessages(snap), inference.Message{
		Role:    string(store.RoleUser),
		Content: caption,
		Images:  turn.Images,
	})

	reply, err := d.generate(ctx, model, msgs, p.Temperature)
	if err != nil {
		d.logger.Warn("image generation failed", "user", p.UserID, "model", model.ID, "error", err)
		return nil, err
	}
	if _, err := d.buffer.Append(ctx, p.UserID, store.RoleUser, caption, nil); err != nil {
		return nil, err
	}
	if _, err := d.buffer.Append(ctx, p.UserID, store.RoleAssistant, reply, nil); err != nil {
		return nil, err
	}
	if _, err := d.buffer.Evict(ctx, p.UserID, p.ContextWindow); err != nil {
		return nil, err
	}
	return &Result{Reply: reply, Model: model, Substituted: substituted}, nil
}

// Analyze answers prompt about images on the vision model with a fixed
// system prompt. It reads and writes no context.
func (d *Dispatcher) Analyze(ctx context.Context, userID string, images [][]byte, prompt string) (*Result, error) {
	if len(images) == 0 {
		return nil, apperr.Validation("dispatch.Analyze", "no image to analyze")
	}
	if _, err := d.activeProfile(ctx, userID); err != nil {
		return nil, err
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		prompt = DefaultAnalyzePrompt
	}

	model := d.catalog.Vision()
	msgs := []inference.Message{
		{Role: string(store.RoleSystem), Content: d.analyzePrompt},
		{Role: string(store.RoleUser), Content: prompt, Images: images},
	}
	start := time.Now()
	reply, err := d.generate(ctx, model, msgs, 0)
	status := journal.StatusOK
	if err != nil {
		status = journal.StatusError
	}
	metrics.Turns.WithLabelValues("analyze", status).Inc()
	d.logger.Debug("analyze finished", "user", userID, "duration", time.Since(start), "status", status)
	if err != nil {
		return nil, err
	}
	return &Result{Reply: reply, Model: model}, nil
}

// generate bounds the backend call by the dispatcher timeout and converts
// every failure into a kinded error.
func (d *Dispatcher) generate(ctx context.Context, model inference.Model, msgs []inference.Message, temperature float64) (string, error) {
	const op = "dispatch.generate"
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	resp, err := d.gen.Generate(ctx, model, msgs, temperature)
	metrics.InferenceLatency.WithLabelValues(model.ID).Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", apperr.Wrap(apperr.KindTimeout, op, err)
		}
		return "", apperr.FromBackend(op, err)
	}
	reply := strings.TrimSpace(resp.Content)
	if reply == "" {
		return "", apperr.New(apperr.KindBackendUnavailable, op, "empty reply")
	}
	return reply, nil
}

func toMessages(entries []store.Entry) []inference.Message {
	msgs := make([]inference.Message, 0, len(entries)+1)
	for _, e := range entries {
		msgs = append(msgs, inference.Message{Role: string(e.Role), Content: e.Content, Images: e.Images})
	}
	return msgs
}

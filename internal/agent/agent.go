// Package agent binds chat transports to the session controller and the
// turn dispatcher. Each user gets a FIFO actor, so one user's messages are
// handled in arrival order while different users proceed in parallel.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/cortexhub/cortex-chatgate/internal/channel"
	"github.com/cortexhub/cortex-chatgate/internal/dispatch"
	"github.com/cortexhub/cortex-chatgate/internal/inference"
	"github.com/cortexhub/cortex-chatgate/internal/metrics"
	"github.com/cortexhub/cortex-chatgate/internal/session"
	"github.com/cortexhub/cortex-chatgate/internal/store"
)

// Sessions is the controller surface the agent drives.
type Sessions interface {
	Start(ctx context.Context, userID string) (*store.Profile, session.State, error)
	SubmitCredential(ctx context.Context, userID, secret string) (session.State, error)
	SetDisplayName(ctx context.Context, userID, name string) (*store.Profile, error)
	Configure(ctx context.Context, userID string, opt session.Option, value string) (*store.Profile, error)
	Reset(ctx context.Context, userID string) error
	ClearContext(ctx context.Context, userID string) error
	Profile(ctx context.Context, userID string) (*store.Profile, session.State, error)
	Catalog() *inference.Catalog
}

// Turns runs conversation turns.
type Turns interface {
	Dispatch(ctx context.Context, userID string, turn dispatch.Turn) (*dispatch.Result, error)
	Analyze(ctx context.Context, userID string, images [][]byte, prompt string) (*dispatch.Result, error)
}

// Transcriber converts voice to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename, language string) (string, error)
}

// Painter synthesizes images from prompts.
type Painter interface {
	Available(ctx context.Context) error
	TextToImage(ctx context.Context, prompt string) ([]byte, error)
}

// Options configures an AgentLoop. Transcriber and Painter are optional;
// without them voice messages and /d are refused.
type Options struct {
	Sessions    Sessions
	Turns       Turns
	Transcriber Transcriber
	Painter     Painter
	Language    string
	Logger      *slog.Logger
}

type actor struct {
	queue   []*channel.Message
	running bool
}

// AgentLoop routes inbound channel messages to the session controller and
// the turn dispatcher.
type AgentLoop struct {
	sessions Sessions
	turns    Turns
	stt      Transcriber
	painter  Painter
	language string
	logger   *slog.Logger

	mu     sync.Mutex
	actors map[string]*actor
	wg     sync.WaitGroup
}

// NewAgentLoop creates an AgentLoop from opts.
func NewAgentLoop(opts Options) *AgentLoop {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &AgentLoop{
		sessions: opts.Sessions,
		turns:    opts.Turns,
		stt:      opts.Transcriber,
		painter:  opts.Painter,
		language: opts.Language,
		logger:   opts.Logger.With("component", "agent"),
		actors:   make(map[string]*actor),
	}
}

// Run consumes every adapter until all Incoming channels close, then waits
// for queued messages to drain.
func (a *AgentLoop) Run(ctx context.Context, adapters ...channel.ChannelAdapter) {
	var readers sync.WaitGroup
	for _, ad := range adapters {
		readers.Add(1)
		go func(ad channel.ChannelAdapter) {
			defer readers.Done()
			for msg := range ad.Incoming() {
				a.enqueue(ctx, ad, msg)
			}
			a.logger.Info("channel drained", "channel", ad.Name())
		}(ad)
	}
	readers.Wait()
	a.wg.Wait()
}

// SessionKey is the profile key for a channel user. Identities are never
// shared across transports.
func SessionKey(channelName, userID string) string {
	return channelName + ":" + userID
}

// enqueue appends msg to its user's queue, starting the actor if needed.
func (a *AgentLoop) enqueue(ctx context.Context, ad channel.ChannelAdapter, msg *channel.Message) {
	key := SessionKey(ad.Name(), msg.UserID)

	a.mu.Lock()
	defer a.mu.Unlock()
	act, ok := a.actors[key]
	if !ok {
		act = &actor{}
		a.actors[key] = act
	}
	act.queue = append(act.queue, msg)
	if act.running {
		return
	}
	act.running = true
	a.wg.Add(1)
	metrics.ActiveSessions.Inc()
	go a.drain(ctx, ad, key, act)
}

// drain processes one user's queue and exits once it is empty.
func (a *AgentLoop) drain(ctx context.Context, ad channel.ChannelAdapter, key string, act *actor) {
	defer a.wg.Done()
	defer metrics.ActiveSessions.Dec()
	for {
		a.mu.Lock()
		if len(act.queue) == 0 {
			act.running = false
			delete(a.actors, key)
			a.mu.Unlock()
			return
		}
		msg := act.queue[0]
		act.queue = act.queue[1:]
		a.mu.Unlock()

		a.Process(ctx, ad, msg)
	}
}

// Process handles one message synchronously and sends every reply through
// ad. Session and turn calls use the channel-qualified key; msg.UserID is
// only used to address the transport. It never panics on collaborator
// failure.
func (a *AgentLoop) Process(ctx context.Context, ad channel.ChannelAdapter, msg *channel.Message) {
	key := SessionKey(ad.Name(), msg.UserID)
	logger := a.logger.With("request_id", uuid.NewString(), "channel", ad.Name(), "user", key, "kind", string(msg.Kind))
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while handling message", "panic", r)
			a.send(ctx, logger, ad, msg.UserID, text(replyInternal))
		}
	}()

	replies := a.handle(ctx, logger, ad, key, msg)
	for _, r := range replies {
		a.send(ctx, logger, ad, msg.UserID, r)
	}
}

func (a *AgentLoop) send(ctx context.Context, logger *slog.Logger, ad channel.ChannelAdapter, userID string, r *channel.Response) {
	if err := ad.SendMessage(ctx, userID, r); err != nil {
		logger.Warn("failed to send reply", "error", err)
	}
}

func (a *AgentLoop) handle(ctx context.Context, logger *slog.Logger, ad channel.ChannelAdapter, key string, msg *channel.Message) []*channel.Response {
	if cmd, ok := parseCommand(msg.Content); ok {
		logger.Debug("command", "name", cmd.name)
		return a.command(ctx, logger, key, msg, cmd)
	}

	_, state, err := a.sessions.Profile(ctx, key)
	if err != nil {
		return a.failure(logger, err)
	}

	switch state {
	case session.StateLocked:
		if msg.Kind != channel.KindText {
			return reply(replyPasswordFirst)
		}
		return a.submitCredential(ctx, logger, key, msg)
	case session.StateOnboarding:
		if msg.Kind != channel.KindText {
			return reply(replyNameFirst)
		}
		return a.setName(ctx, logger, key, msg)
	}

	if typer, ok := ad.(channel.Typer); ok {
		if err := typer.SendTyping(ctx, msg.UserID); err != nil {
			logger.Debug("typing indicator failed", "error", err)
		}
	}

	switch msg.Kind {
	case channel.KindVoice:
		return a.voice(ctx, logger, key, msg)
	case channel.KindPhoto:
		return a.photo(ctx, logger, key, msg)
	default:
		return a.chat(ctx, logger, key, dispatch.TextTurn(msg.Content), nil)
	}
}

func (a *AgentLoop) submitCredential(ctx context.Context, logger *slog.Logger, key string, msg *channel.Message) []*channel.Response {
	_, err := a.sessions.SubmitCredential(ctx, key, msg.Content)
	if err != nil {
		return a.failure(logger, err)
	}
	return reply(replyPasswordAccepted)
}

func (a *AgentLoop) setName(ctx context.Context, logger *slog.Logger, key string, msg *channel.Message) []*channel.Response {
	p, err := a.sessions.SetDisplayName(ctx, key, msg.Content)
	if err != nil {
		return a.failure(logger, err)
	}
	return reply(replyf(replyWelcome, p.DisplayName))
}

// chat dispatches turn and appends its reply to prefix.
func (a *AgentLoop) chat(ctx context.Context, logger *slog.Logger, userID string, turn dispatch.Turn, prefix []*channel.Response) []*channel.Response {
	res, err := a.turns.Dispatch(ctx, userID, turn)
	if err != nil {
		return append(prefix, a.failure(logger, err)...)
	}
	if res.Empty {
		return append(prefix, text(replySpeechEmpty))
	}
	logger.Info("turn completed", "model", res.Model.ID, "substituted", res.Substituted)

	out := prefix
	if res.Substituted {
		out = append(out, text(replyf(replySubstituted, res.Model.Name)))
	}
	if turn.Kind == dispatch.KindImage {
		return append(out, text(replyImageDescription+res.Reply))
	}
	return append(out, text(res.Reply))
}

func (a *AgentLoop) failure(logger *slog.Logger, err error) []*channel.Response {
	if errors.Is(err, context.Canceled) {
		logger.Debug("request canceled", "error", err)
	} else {
		logger.Warn("request failed", "error", err)
	}
	return reply(errorReply(err))
}

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"unicode"

	"github.com/cortexhub/cortex-chatgate/internal/apperr"
	"github.com/cortexhub/cortex-chatgate/internal/channel"
	"github.com/cortexhub/cortex-chatgate/internal/imagegen"
	"github.com/cortexhub/cortex-chatgate/internal/metrics"
	"github.com/cortexhub/cortex-chatgate/internal/session"
	"github.com/cortexhub/cortex-chatgate/internal/store"
)

type command struct {
	name string
	arg  string
}

// parseCommand splits "/name@bot arg..." into its parts.
func parseCommand(s string) (command, bool) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '/' {
		return command{}, false
	}
	s = s[1:]
	name, arg := s, ""
	if i := strings.IndexFunc(s, unicode.IsSpace); i >= 0 {
		name, arg = s[:i], strings.TrimSpace(s[i:])
	}
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	return command{name: strings.ToLower(name), arg: arg}, true
}

func (a *AgentLoop) command(ctx context.Context, logger *slog.Logger, userID string, msg *channel.Message, cmd command) []*channel.Response {

	// Commands available in every state.
	switch cmd.name {
	case "start":
		return a.start(ctx, logger, userID)
	case "help":
		return reply(helpText(a.sessions.Catalog()))
	case "clear":
		if err := a.sessions.Reset(ctx, userID); err != nil {
			return a.failure(logger, err)
		}
		return reply(replyCleared)
	}

	p, state, err := a.sessions.Profile(ctx, userID)
	if err != nil {
		return a.failure(logger, err)
	}
	switch state {
	case session.StateLocked:
		return reply(replyAuthFirst)
	case session.StateOnboarding:
		return reply(replyNameFirst)
	}

	switch cmd.name {
	case "switch":
		return a.switchModel(ctx, logger, p, cmd.arg)
	case "models":
		return reply(a.listModels(p))
	case "system_prompt":
		if cmd.arg == "" {
			return reply(replyf(replyCurrentPrompt, p.SystemPrompt))
		}
		return a.configure(ctx, logger, userID, session.OptionSystemPrompt, cmd.arg, func(p *store.Profile) string {
			return replyf(replyPromptUpdated, p.SystemPrompt)
		})
	case "think":
		if cmd.arg == "" {
			return reply(replyf(replyThinkStatus, onOff(p.ThinkMode)))
		}
		return a.configure(ctx, logger, userID, session.OptionThink, cmd.arg, func(p *store.Profile) string {
			return replyf(replyThinkSet, onOff(p.ThinkMode))
		})
	case "temp":
		if cmd.arg == "" {
			return reply(replyf(replyCurrentTemp, formatTemp(p.Temperature)))
		}
		return a.configure(ctx, logger, userID, session.OptionTemperature, cmd.arg, func(p *store.Profile) string {
			return replyf(replyTempSet, formatTemp(p.Temperature))
		})
	case "cs":
		if cmd.arg == "" {
			return reply(replyf(replyCurrentWindow, p.ContextWindow))
		}
		return a.configure(ctx, logger, userID, session.OptionContextWindow, cmd.arg, func(p *store.Profile) string {
			return replyf(replyWindowSet, p.ContextWindow)
		})
	case "changename":
		if cmd.arg == "" {
			return reply(replyNameUsage)
		}
		return a.configure(ctx, logger, userID, session.OptionDisplayName, cmd.arg, func(p *store.Profile) string {
			return replyf(replyNameChanged, p.DisplayName)
		})
	case "clearc":
		if err := a.sessions.ClearContext(ctx, userID); err != nil {
			return a.failure(logger, err)
		}
		return reply(replyContextCleared)
	case "info":
		return reply(a.info(p))
	case "d":
		return a.draw(ctx, logger, cmd.arg)
	case "analyze":
		return a.analyze(ctx, logger, userID, msg, cmd.arg)
	default:
		return reply(replyUnknownCommand)
	}
}

func (a *AgentLoop) start(ctx context.Context, logger *slog.Logger, userID string) []*channel.Response {
	p, state, err := a.sessions.Start(ctx, userID)
	if err != nil {
		return a.failure(logger, err)
	}
	switch state {
	case session.StateActive:
		return reply(replyf(replyWelcomeBack, p.DisplayName))
	case session.StateOnboarding:
		return reply(replyNameFirst)
	default:
		return reply(replyEnterPassword)
	}
}

func (a *AgentLoop) configure(ctx context.Context, logger *slog.Logger, userID string, opt session.Option, value string, done func(*store.Profile) string) []*channel.Response {
	p, err := a.sessions.Configure(ctx, userID, opt, value)
	if err != nil {
		return a.failure(logger, err)
	}
	return reply(done(p))
}

func (a *AgentLoop) switchModel(ctx context.Context, logger *slog.Logger, p *store.Profile, id string) []*channel.Response {
	catalog := a.sessions.Catalog()
	if id == "" {
		return reply(replyf(replyCurrentModel, a.modelName(p.ModelID)))
	}
	next, err := a.sessions.Configure(ctx, p.UserID, session.OptionModel, id)
	if apperr.Is(err, apperr.KindValidation) {
		return reply(replyf(replyAvailableModel, modelIDs(catalog.List())))
	}
	if err != nil {
		return a.failure(logger, err)
	}
	return reply(replyf(replyModelSwitched, a.modelName(next.ModelID)))
}

func (a *AgentLoop) modelName(id string) string {
	if m, ok := a.sessions.Catalog().Lookup(id); ok {
		return m.Name
	}
	return "unknown model"
}

func (a *AgentLoop) listModels(p *store.Profile) string {
	var b strings.Builder
	b.WriteString("📚 Available models:\n")
	for _, m := range a.sessions.Catalog().List() {
		marker := "   "
		if m.ID == p.ModelID {
			marker = "✅ "
		}
		fmt.Fprintf(&b, "%s%s. %s\n", marker, m.ID, m.Name)
	}
	fmt.Fprintf(&b, "\nCurrent model: %s", a.modelName(p.ModelID))
	return b.String()
}

func (a *AgentLoop) info(p *store.Profile) string {
	return "ℹ️ User info:\n" +
		"Name: " + p.DisplayName + "\n" +
		"Model: " + a.modelName(p.ModelID) + "\n" +
		"Thinking mode: " + onOff(p.ThinkMode) + "\n" +
		"Temperature: " + formatTemp(p.Temperature) + "\n" +
		"Context size: " + strconv.Itoa(p.ContextWindow) + "\n" +
		"System prompt: " + preview(p.SystemPrompt, 50)
}

func formatTemp(t float64) string {
	return strconv.FormatFloat(t, 'f', -1, 64)
}

// draw runs an image synthesis job for an Active user.
func (a *AgentLoop) draw(ctx context.Context, logger *slog.Logger, prompt string) []*channel.Response {
	if a.painter == nil {
		return reply(replyDrawDisabled)
	}
	if prompt == "" {
		return reply(replyDrawUsage)
	}
	if err := a.painter.Available(ctx); err != nil {
		metrics.ImagesGenerated.WithLabelValues("unavailable").Inc()
		logger.Warn("image generator unavailable", "error", err)
		if errors.Is(err, imagegen.ErrNotLoaded) {
			return reply(replyDrawNotReady)
		}
		return reply(replyDrawFailed)
	}

	img, err := a.painter.TextToImage(ctx, prompt)
	switch {
	case err == nil:
		metrics.ImagesGenerated.WithLabelValues("ok").Inc()
		return []*channel.Response{{Content: "🎨 " + prompt, Image: img}}
	case apperr.Is(err, apperr.KindTimeout):
		metrics.ImagesGenerated.WithLabelValues("timeout").Inc()
		return reply(replyDrawTimeout)
	case errors.Is(err, imagegen.ErrEmptyResult):
		metrics.ImagesGenerated.WithLabelValues("empty").Inc()
		return reply(replyDrawEmpty)
	default:
		metrics.ImagesGenerated.WithLabelValues("error").Inc()
		logger.Warn("image generation failed", "error", err)
		return reply(replyDrawFailed)
	}
}

func (a *AgentLoop) analyze(ctx context.Context, logger *slog.Logger, userID string, msg *channel.Message, prompt string) []*channel.Response {
	images := attachmentData(msg)
	if msg.Kind != channel.KindPhoto || len(images) == 0 {
		return reply(replyAnalyzeUsage)
	}
	res, err := a.turns.Analyze(ctx, userID, images, prompt)
	if err != nil {
		return a.failure(logger, err)
	}
	return reply(replyAnalysis + res.Reply)
}

package agent

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/cortexhub/cortex-chatgate/internal/apperr"
	"github.com/cortexhub/cortex-chatgate/internal/channel"
	"github.com/cortexhub/cortex-chatgate/internal/inference"
)

const (
	replyEnterPassword    = "🔐 Enter the password to continue:"
	replyPasswordAccepted = "✅ Password accepted!\n📝 Please enter your name:"
	replyWrongPassword    = "❌ Incorrect password"
	replyPasswordFirst    = "🔐 Enter the password first."
	replyNameFirst        = "📝 Please enter your name first."
	replyAuthFirst        = "🔒 Please authenticate first with /start"
	replyWelcome          = "👋 Nice to meet you, %s! You can ask questions or just chat with me now."
	replyWelcomeBack      = "👋 Welcome back, %s! Ask me anything."
	replyCleared          = "✅ All data cleared. Send /start to continue."
	replyContextCleared   = "🧹 Context cleared."
	replyUnknownCommand   = "❓ Unknown command. See /help."

	replyCurrentModel   = "🧠 Current model: %s"
	replyModelSwitched  = "✅ Model switched to %s"
	replyAvailableModel = "⚠️ Available models: %s"
	replyCurrentPrompt  = "📜 Current system prompt:\n%s\n\nTo change: /system_prompt [text]"
	replyPromptUpdated  = "✅ System prompt updated:\n%s"
	replyThinkStatus    = "🧠 Thinking mode: %s\nTo change: /think [0/1]"
	replyThinkSet       = "🧠 Thinking mode: %s"
	replyCurrentTemp    = "🌡️ Current temperature: %s"
	replyTempSet        = "🌡️ Temperature set: %s"
	replyCurrentWindow  = "💾 Context size: %d"
	replyWindowSet      = "💾 Context size set: %d"
	replyNameUsage      = "📝 Usage: /changename [new_name]"
	replyNameChanged    = "✅ Name changed to: %s"

	replyVoiceDisabled = "🎙️ Voice messages are not supported here."
	replyTranscript    = "📝 Transcript:\n"
	replySpeechEmpty   = "🎙️ Could not recognize speech."
	replySpeechFailed  = "🎙️ Speech recognition failed, please try again later."
	replyNoMedia       = "⚠️ The message has no attachment."

	replySubstituted      = "🔄 Using %s to process the image"
	replyImageDescription = "🖼️ Image description:\n"
	replyAnalysis         = "🔍 Image analysis:\n"
	replyAnalyzeUsage     = "📷 Please send an image together with the /analyze command"

	replyDrawDisabled = "🎨 Image generation is disabled."
	replyDrawUsage    = "📝 Usage: /d [image description]"
	replyDrawNotReady = "⚠️ The SD model is not loaded"
	replyDrawTimeout  = "⏳ Generation took too long, please try again later"
	replyDrawEmpty    = "🖼️ Empty response from the generator"
	replyDrawFailed   = "🔥 Image generation failed"

	replyTimeout     = "⏳ The model took too long to answer, please try again later."
	replyBackendDown = "⚠️ Failed to generate a response, please try again later."
	replyInternal    = "⚠️ Something went wrong, please try again."
)

func text(s string) *channel.Response {
	return &channel.Response{Content: s}
}

func reply(s string) []*channel.Response {
	return []*channel.Response{text(s)}
}

func replyf(format string, args ...any) string {
	return fmt.Sprintf(format, args...)
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

// errorReply turns a kinded error into a short user-facing line. Only
// validation messages are shown verbatim.
func errorReply(err error) string {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		var e *apperr.Error
		if errors.As(err, &e) && e.Message != "" {
			return "⚠️ " + capitalize(e.Message)
		}
		return replyInternal
	case apperr.KindAuthentication:
		return replyWrongPassword
	case apperr.KindNotAllowed:
		return replyAuthFirst
	case apperr.KindTimeout:
		return replyTimeout
	case apperr.KindBackendUnavailable:
		return replyBackendDown
	default:
		return replyInternal
	}
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

// preview shortens s to n runes.
func preview(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

func modelIDs(models []inference.Model) string {
	ids := make([]string, len(models))
	for i, m := range models {
		ids[i] = m.ID
	}
	return strings.Join(ids, ", ")
}

func helpText(catalog *inference.Catalog) string {
	models := catalog.List()
	names := make([]string, len(models))
	for i, m := range models {
		names[i] = m.ID + "-" + m.Name
	}
	var b strings.Builder
	b.WriteString("Available commands:\n")
	b.WriteString("/start - Start (password required)\n")
	fmt.Fprintf(&b, "/switch [%s] - Switch model (%s)\n", strings.ReplaceAll(modelIDs(models), ", ", "/"), strings.Join(names, ", "))
	b.WriteString("/models - List models\n")
	b.WriteString("/system_prompt [text] - Change the system prompt\n")
	b.WriteString("/think [0/1] - Toggle thinking mode\n")
	b.WriteString("/temp [0-1] - Set the generation temperature\n")
	b.WriteString("/cs [2-50] - Set the context memory size\n")
	b.WriteString("/clear - Delete all your data and log out\n")
	b.WriteString("/clearc - Clear the conversation context\n")
	b.WriteString("/info - Show your settings\n")
	b.WriteString("/changename [new_name] - Change your display name\n")
	b.WriteString("/d [description] - Generate an image\n")
	b.WriteString("/analyze [question] - Analyze an attached image\n")
	b.WriteString("/help - Show this help\n\n")
	b.WriteString("You can also:\n")
	b.WriteString("• Send text messages to chat\n")
	b.WriteString("• Send voice messages for speech recognition\n")
	fmt.Fprintf(&b, "• Send images to get a description (uses %s)", catalog.Vision().Name)
	return b.String()
}

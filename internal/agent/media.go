package agent

import (
	"context"
	"log/slog"
	"strings"

	"github.com/cortexhub/cortex-chatgate/internal/channel"
	"github.com/cortexhub/cortex-chatgate/internal/dispatch"
	"github.com/cortexhub/cortex-chatgate/internal/metrics"
)

// voice transcribes the attachment, echoes the transcript and dispatches
// it as a voice turn.
func (a *AgentLoop) voice(ctx context.Context, logger *slog.Logger, key string, msg *channel.Message) []*channel.Response {
	if a.stt == nil {
		return reply(replyVoiceDisabled)
	}
	if len(msg.Attachments) == 0 {
		return reply(replyNoMedia)
	}
	att := msg.Attachments[0]
	filename := att.Filename
	if filename == "" {
		filename = "voice.ogg"
	}

	transcript, err := a.stt.Transcribe(ctx, att.Data, filename, a.language)
	if err != nil {
		metrics.Transcriptions.WithLabelValues("error").Inc()
		logger.Warn("transcription failed", "error", err)
		return reply(replySpeechFailed)
	}
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		metrics.Transcriptions.WithLabelValues("empty").Inc()
		return reply(replySpeechEmpty)
	}
	metrics.Transcriptions.WithLabelValues("ok").Inc()

	echo := text(replyTranscript + transcript)
	return a.chat(ctx, logger, key, dispatch.VoiceTurn(transcript), []*channel.Response{echo})
}

func (a *AgentLoop) photo(ctx context.Context, logger *slog.Logger, key string, msg *channel.Message) []*channel.Response {
	images := attachmentData(msg)
	if len(images) == 0 {
		return reply(replyNoMedia)
	}
	return a.chat(ctx, logger, key, dispatch.ImageTurn(images, msg.Content), nil)
}

func attachmentData(msg *channel.Message) [][]byte {
	out := make([][]byte, 0, len(msg.Attachments))
	for _, att := range msg.Attachments {
		if len(att.Data) > 0 {
			out = append(out, att.Data)
		}
	}
	return out
}

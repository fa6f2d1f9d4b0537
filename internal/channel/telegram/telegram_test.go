package telegram

import (
	"context"
	"errors"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexhub/cortex-chatgate/internal/channel"
)

func newTestAdapter() *TelegramAdapter {
	a := NewTelegramAdapter(Config{Token: "test"}, nil)
	a.fetch = func(_ context.Context, fileID string) ([]byte, error) {
		if fileID == "broken" {
			return nil, errors.New("file gone")
		}
		return []byte("data:" + fileID), nil
	}
	return a
}

func TestAdapterName(t *testing.T) {
	adapter := newTestAdapter()
	assert.Equal(t, "telegram", adapter.Name())
	assert.True(t, adapter.IsEnabled())
	assert.False(t, NewTelegramAdapter(Config{}, nil).IsEnabled())
}

func TestConvertText(t *testing.T) {
	a := newTestAdapter()
	msg, err := a.convert(context.Background(), &tgbotapi.Message{
		MessageID: 7,
		Chat:      &tgbotapi.Chat{ID: 42},
		From:      &tgbotapi.User{ID: 42, FirstName: "Ana"},
		Text:      "/start",
		Date:      1700000000,
	})
	require.NoError(t, err)
	assert.Equal(t, "42", msg.UserID)
	assert.Equal(t, "7", msg.ID)
	assert.Equal(t, channel.KindText, msg.Kind)
	assert.Equal(t, "/start", msg.Content)
	assert.Equal(t, "Ana", msg.Metadata["first_name"])
}

func TestConvertVoice(t *testing.T) {
	a := newTestAdapter()
	msg, err := a.convert(context.Background(), &tgbotapi.Message{
		Chat:  &tgbotapi.Chat{ID: 1},
		Voice: &tgbotapi.Voice{FileID: "v1", MimeType: "audio/ogg"},
	})
	require.NoError(t, err)
	assert.Equal(t, channel.KindVoice, msg.Kind)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "data:v1", string(msg.Attachments[0].Data))
	assert.Equal(t, "voice.ogg", msg.Attachments[0].Filename)
}

func TestConvertPhotoUsesLargestSize(t *testing.T) {
	a := newTestAdapter()
	msg, err := a.convert(context.Background(), &tgbotapi.Message{
		Chat:    &tgbotapi.Chat{ID: 1},
		Caption: "/analyze what breed?",
		Photo: []tgbotapi.PhotoSize{
			{FileID: "small", Width: 90},
			{FileID: "large", Width: 1280},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, channel.KindPhoto, msg.Kind)
	assert.Equal(t, "/analyze what breed?", msg.Content)
	assert.Equal(t, "data:large", string(msg.Attachments[0].Data))
}

func TestConvertUnsupportedAndFailures(t *testing.T) {
	a := newTestAdapter()
	msg, err := a.convert(context.Background(), &tgbotapi.Message{
		Chat:    &tgbotapi.Chat{ID: 1},
		Sticker: &tgbotapi.Sticker{FileID: "s"},
	})
	require.NoError(t, err)
	assert.Nil(t, msg)

	_, err = a.convert(context.Background(), &tgbotapi.Message{
		Chat:  &tgbotapi.Chat{ID: 1},
		Voice: &tgbotapi.Voice{FileID: "broken"},
	})
	assert.Error(t, err)
}

func TestSendMessageRejectsBadChatID(t *testing.T) {
	a := newTestAdapter()
	err := a.SendMessage(context.Background(), "not-a-number", &channel.Response{Content: "x"})
	assert.Error(t, err)
}

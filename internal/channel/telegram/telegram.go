// Package telegram adapts the Telegram Bot API to channel.ChannelAdapter.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/cortexhub/cortex-chatgate/internal/channel"
)

// MaxMessageLength is Telegram's limit for one text message.
const MaxMessageLength = 4096

// Config configures the adapter.
type Config struct {
	Token string
	// SendRate is the sustained outbound message rate per second.
	SendRate  float64
	SendBurst int
}

type TelegramAdapter struct {
	cfg      Config
	bot      *tgbotapi.BotAPI
	incoming chan *channel.Message
	limiter  *rate.Limiter
	http     *http.Client
	logger   *slog.Logger
	stopOnce sync.Once

	// fetch resolves a file id to its bytes. Replaced in tests.
	fetch func(ctx context.Context, fileID string) ([]byte, error)
}

func NewTelegramAdapter(cfg Config, logger *slog.Logger) *TelegramAdapter {
	if cfg.SendRate <= 0 {
		cfg.SendRate = 25
	}
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &TelegramAdapter{
		cfg:      cfg,
		incoming: make(chan *channel.Message, 100),
		limiter:  rate.NewLimiter(rate.Limit(cfg.SendRate), cfg.SendBurst),
		http:     &http.Client{Timeout: 60 * time.Second},
		logger:   logger.With("channel", "telegram"),
	}
	t.fetch = t.downloadFile
	return t
}

func (t *TelegramAdapter) Name() string {
	return "telegram"
}

func (t *TelegramAdapter) IsEnabled() bool {
	return t.cfg.Token != ""
}

func (t *TelegramAdapter) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.cfg.Token)
	if err != nil {
		return fmt.Errorf("telegram login: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot authorized", "username", bot.Self.UserName)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		<-ctx.Done()
		t.Stop()
	}()
	go func() {
		defer close(t.incoming)
		for update := range updates {
			if update.Message == nil {
				continue
			}
			msg, err := t.convert(ctx, update.Message)
			if err != nil {
				t.logger.Warn("dropping message", "chat_id", update.Message.Chat.ID, "error", err)
				continue
			}
			if msg == nil {
				continue
			}
			select {
			case t.incoming <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop ends long polling; the update goroutine then closes Incoming.
func (t *TelegramAdapter) Stop() error {
	t.stopOnce.Do(func() {
		if t.bot != nil {
			t.bot.StopReceivingUpdates()
		}
	})
	return nil
}

// convert maps a Telegram message to a channel message, downloading voice
// and photo payloads. Unsupported message types yield nil.
func (t *TelegramAdapter) convert(ctx context.Context, m *tgbotapi.Message) (*channel.Message, error) {
	msg := &channel.Message{
		ID:        strconv.Itoa(m.MessageID),
		Channel:   "telegram",
		UserID:    strconv.FormatInt(m.Chat.ID, 10),
		Metadata:  map[string]string{},
		Timestamp: int64(m.Date),
	}
	if m.From != nil {
		msg.Metadata["from_id"] = strconv.FormatInt(m.From.ID, 10)
		msg.Metadata["first_name"] = m.From.FirstName
	}

	switch {
	case m.Voice != nil:
		data, err := t.fetch(ctx, m.Voice.FileID)
		if err != nil {
			return nil, err
		}
		msg.Kind = channel.KindVoice
		msg.Attachments = []channel.Attachment{{Data: data, Filename: "voice.ogg", MIMEType: m.Voice.MimeType}}
	case m.Audio != nil:
		data, err := t.fetch(ctx, m.Audio.FileID)
		if err != nil {
			return nil, err
		}
		name := m.Audio.FileName
		if name == "" {
			name = "audio.mp3"
		}
		msg.Kind = channel.KindVoice
		msg.Attachments = []channel.Attachment{{Data: data, Filename: name, MIMEType: m.Audio.MimeType}}
	case len(m.Photo) > 0:
		// Sizes are ascending; the last one is the original.
		largest := m.Photo[len(m.Photo)-1]
		data, err := t.fetch(ctx, largest.FileID)
		if err != nil {
			return nil, err
		}
		msg.Kind = channel.KindPhoto
		msg.Content = m.Caption
		msg.Attachments = []channel.Attachment{{Data: data, Filename: "photo.jpg", MIMEType: "image/jpeg"}}
	case m.Text != "":
		msg.Kind = channel.KindText
		msg.Content = m.Text
	default:
		return nil, nil
	}
	return msg, nil
}

func (t *TelegramAdapter) downloadFile(ctx context.Context, fileID string) ([]byte, error) {
	url, err := t.bot.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("resolve file %s: %w", fileID, err)
	}
	return channel.Download(ctx, t.http, url)
}

func (t *TelegramAdapter) SendMessage(ctx context.Context, userID string, resp *channel.Response) error {
	chatID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", userID, err)
	}

	if len(resp.Image) > 0 {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: "image.png", Bytes: resp.Image})
		photo.Caption = resp.Content
		_, err := t.bot.Send(photo)
		return err
	}

	for _, chunk := range channel.Split(resp.Content, MaxMessageLength) {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			return err
		}
	}
	return nil
}

func (t *TelegramAdapter) SendTyping(ctx context.Context, userID string) error {
	chatID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", userID, err)
	}
	_, err = t.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
	return err
}

func (t *TelegramAdapter) Incoming() <-chan *channel.Message {
	return t.incoming
}

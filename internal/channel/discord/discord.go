// Package discord adapts a Discord bot to channel.ChannelAdapter. The bot
// answers direct messages and guild messages that mention it.
package discord

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/cortexhub/cortex-chatgate/internal/channel"
)

// MaxMessageLength is Discord's limit for one message.
const MaxMessageLength = 2000

type DiscordAdapter struct {
	token    string
	session  *discordgo.Session
	incoming chan *channel.Message
	http     *http.Client
	logger   *slog.Logger

	mu       sync.Mutex
	stopped  bool
	inflight sync.WaitGroup
}

func NewDiscordAdapter(token string, logger *slog.Logger) *DiscordAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &DiscordAdapter{
		token:    token,
		incoming: make(chan *channel.Message, 100),
		http:     &http.Client{Timeout: 60 * time.Second},
		logger:   logger.With("channel", "discord"),
	}
}

func (d *DiscordAdapter) Name() string {
	return "discord"
}

func (d *DiscordAdapter) IsEnabled() bool {
	return d.token != ""
}

func (d *DiscordAdapter) Start(ctx context.Context) error {
	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return err
	}
	session.Identify.Intents = discordgo.IntentsDirectMessages | discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
	d.session = session

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}
		// Only respond in DMs or when mentioned
		if m.GuildID != "" && !isMentioned(s.State.User.ID, m.Mentions) {
			return
		}
		if !d.enter() {
			return
		}
		defer d.inflight.Done()

		msg, err := d.convert(ctx, m.Message, s.State.User.ID)
		if err != nil {
			d.logger.Warn("dropping message", "author_id", m.Author.ID, "error", err)
			return
		}
		select {
		case d.incoming <- msg:
		case <-ctx.Done():
		}
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}

	go func() {
		<-ctx.Done()
		d.Stop()
	}()
	return nil
}

// enter registers an in-flight handler unless the adapter is stopping.
func (d *DiscordAdapter) enter() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return false
	}
	d.inflight.Add(1)
	return true
}

func (d *DiscordAdapter) Stop() error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	d.mu.Unlock()

	var err error
	if d.session != nil {
		err = d.session.Close()
	}
	d.inflight.Wait()
	close(d.incoming)
	return err
}

// convert maps a Discord message. The first image attachment makes it a
// photo, the first audio attachment a voice message.
func (d *DiscordAdapter) convert(ctx context.Context, m *discordgo.Message, botID string) (*channel.Message, error) {
	content := strings.TrimSpace(strings.ReplaceAll(m.Content, "<@"+botID+">", ""))
	msg := &channel.Message{
		ID:      m.ID,
		Channel: "discord",
		UserID:  m.Author.ID,
		Kind:    channel.KindText,
		Content: content,
		Metadata: map[string]string{
			"guild_id":    m.GuildID,
			"channel_id":  m.ChannelID,
			"author_id":   m.Author.ID,
			"author_name": m.Author.Username,
		},
		Timestamp: m.Timestamp.Unix(),
	}

	for _, a := range m.Attachments {
		var kind channel.Kind
		switch {
		case strings.HasPrefix(a.ContentType, "image/"):
			kind = channel.KindPhoto
		case strings.HasPrefix(a.ContentType, "audio/"):
			kind = channel.KindVoice
		default:
			continue
		}
		data, err := channel.Download(ctx, d.http, a.URL)
		if err != nil {
			return nil, err
		}
		msg.Kind = kind
		msg.Attachments = []channel.Attachment{{Data: data, Filename: a.Filename, MIMEType: a.ContentType}}
		break
	}
	return msg, nil
}

func (d *DiscordAdapter) SendMessage(ctx context.Context, userID string, resp *channel.Response) error {
	dm, err := d.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return err
	}

	if len(resp.Image) > 0 {
		_, err = d.session.ChannelMessageSendComplex(dm.ID, &discordgo.MessageSend{
			Content: resp.Content,
			Files: []*discordgo.File{{
				Name:        "image.png",
				ContentType: "image/png",
				Reader:      bytes.NewReader(resp.Image),
			}},
		}, discordgo.WithContext(ctx))
		return err
	}

	for _, chunk := range channel.Split(resp.Content, MaxMessageLength) {
		if _, err := d.session.ChannelMessageSend(dm.ID, chunk, discordgo.WithContext(ctx)); err != nil {
			return err
		}
	}
	return nil
}

func (d *DiscordAdapter) SendTyping(ctx context.Context, userID string) error {
	dm, err := d.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return err
	}
	return d.session.ChannelTyping(dm.ID, discordgo.WithContext(ctx))
}

func (d *DiscordAdapter) Incoming() <-chan *channel.Message {
	return d.incoming
}

func isMentioned(botID string, mentions []*discordgo.User) bool {
	for _, mention := range mentions {
		if mention.ID == botID {
			return true
		}
	}
	return false
}

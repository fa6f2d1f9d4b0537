// Package channel defines the contract between chat transports and the
// agent.
package channel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"
)

// Kind is the payload variant of an inbound message.
type Kind string

const (
	KindText  Kind = "text"
	KindVoice Kind = "voice"
	KindPhoto Kind = "photo"
)

// MaxMediaBytes bounds a single downloaded attachment.
const MaxMediaBytes = 20 << 20

// Attachment is downloaded media carried by an inbound message.
type Attachment struct {
	Data     []byte
	Filename string
	MIMEType string
}

// Message represents a message from a channel. Content holds the text or,
// for media, the caption.
type Message struct {
	ID          string
	Channel     string
	UserID      string
	Kind        Kind
	Content     string
	Attachments []Attachment
	Metadata    map[string]string
	Timestamp   int64
}

// Response represents a response to send back to a channel. Image, when
// set, is sent as a photo with Content as its caption.
type Response struct {
	Content  string
	Image    []byte
	Metadata map[string]string
}

// InboundMessage represents an inbound message
type InboundMessage = Message

// OutboundMessage represents an outbound message
type OutboundMessage = Response

// ChannelAdapter is the interface for channel adapters
type ChannelAdapter interface {
	// Start starts the channel adapter. Incoming is closed once ctx is
	// done or Stop is called.
	Start(ctx context.Context) error

	// Stop stops the channel adapter
	Stop() error

	// SendMessage sends a message to the channel
	SendMessage(ctx context.Context, userID string, resp *Response) error

	// Incoming returns a channel of incoming messages
	Incoming() <-chan *Message

	// Name returns the name of the channel adapter
	Name() string

	// IsEnabled returns whether the channel is enabled
	IsEnabled() bool
}

// Typer is implemented by adapters that can show a "typing" indicator.
type Typer interface {
	SendTyping(ctx context.Context, userID string) error
}

// Split cuts text into chunks of at most limit runes, preferring to break
// at a newline and then at a space.
func Split(text string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var chunks []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		window := string(runes[:limit])
		if i := strings.LastIndex(window, "\n"); i > 0 {
			cut = utf8.RuneCountInString(window[:i]) + 1
		} else if i := strings.LastIndex(window, " "); i > 0 {
			cut = utf8.RuneCountInString(window[:i]) + 1
		}
		chunks = append(chunks, strings.TrimRight(string(runes[:cut]), "\n "))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

// Download fetches url into memory, refusing bodies over MaxMediaBytes.
func Download(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download media: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxMediaBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read media: %w", err)
	}
	if len(data) > MaxMediaBytes {
		return nil, fmt.Errorf("media exceeds %d bytes", MaxMediaBytes)
	}
	return data, nil
}

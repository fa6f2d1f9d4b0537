// Package webchat serves a WebSocket chat endpoint as a channel.ChannelAdapter.
package webchat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cortexhub/cortex-chatgate/internal/channel"
)

// Frame types.
const (
	TypeMessage = "message"
	TypeVoice   = "voice"
	TypePhoto   = "photo"
	TypeReply   = "reply"
	TypeTyping  = "typing"
)

// ErrNotConnected is returned when sending to a user without a socket.
var ErrNotConnected = errors.New("webchat: user not connected")

// WSMessage is one JSON frame in either direction. Media is base64 on the
// wire.
type WSMessage struct {
	Type     string `json:"type"`
	Content  string `json:"content,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	Media    []byte `json:"media,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) write(msg WSMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(msg)
}

type WebChatAdapter struct {
	port     int
	incoming chan *channel.Message
	upgrader websocket.Upgrader
	logger   *slog.Logger

	connMux  sync.RWMutex
	conns    map[string]*conn
	handlers sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
	server   *http.Server
}

func NewWebChatAdapter(port int, logger *slog.Logger) *WebChatAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebChatAdapter{
		port:     port,
		incoming: make(chan *channel.Message, 100),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With("channel", "webchat"),
		conns:  make(map[string]*conn),
		stopCh: make(chan struct{}),
	}
}

func (w *WebChatAdapter) Name() string {
	return "webchat"
}

func (w *WebChatAdapter) IsEnabled() bool {
	return w.port > 0
}

// Handler returns the HTTP handler serving /ws.
func (w *WebChatAdapter) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", w.wsHandler)
	return mux
}

func (w *WebChatAdapter) Start(ctx context.Context) error {
	w.server = &http.Server{
		Addr:              ":" + strconv.Itoa(w.port),
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		w.logger.Info("webchat listening", "port", w.port)
		if err := w.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Error("webchat server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		w.Stop()
	}()
	return nil
}

// Stop shuts the listener, drops every socket, waits for the read loops
// and closes Incoming.
func (w *WebChatAdapter) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err = w.server.Shutdown(ctx)
			cancel()
		}
		w.connMux.Lock()
		for _, c := range w.conns {
			c.ws.Close()
		}
		w.connMux.Unlock()
		w.handlers.Wait()
		close(w.incoming)
	})
	return err
}

func (w *WebChatAdapter) SendMessage(_ context.Context, userID string, resp *channel.Response) error {
	c, ok := w.lookup(userID)
	if !ok {
		return ErrNotConnected
	}
	return c.write(WSMessage{Type: TypeReply, Content: resp.Content, Media: resp.Image})
}

func (w *WebChatAdapter) SendTyping(_ context.Context, userID string) error {
	c, ok := w.lookup(userID)
	if !ok {
		return ErrNotConnected
	}
	return c.write(WSMessage{Type: TypeTyping})
}

func (w *WebChatAdapter) lookup(userID string) (*conn, bool) {
	w.connMux.RLock()
	defer w.connMux.RUnlock()
	c, ok := w.conns[userID]
	return c, ok
}

func (w *WebChatAdapter) Incoming() <-chan *channel.Message {
	return w.incoming
}

func (w *WebChatAdapter) wsHandler(rw http.ResponseWriter, r *http.Request) {
	select {
	case <-w.stopCh:
		http.Error(rw, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	ws.SetReadLimit(channel.MaxMediaBytes * 2)

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = "anonymous_" + uuid.NewString()
	}
	c := &conn{ws: ws}

	w.connMux.Lock()
	select {
	case <-w.stopCh:
		w.connMux.Unlock()
		ws.Close()
		return
	default:
	}
	if old, ok := w.conns[userID]; ok {
		old.ws.Close()
	}
	w.conns[userID] = c
	w.handlers.Add(1)
	w.connMux.Unlock()

	defer func() {
		w.connMux.Lock()
		if w.conns[userID] == c {
			delete(w.conns, userID)
		}
		w.connMux.Unlock()
		ws.Close()
		w.handlers.Done()
	}()

	for {
		var frame WSMessage
		if err := ws.ReadJSON(&frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.logger.Debug("websocket read ended", "user", userID, "error", err)
			}
			return
		}
		msg, err := toMessage(userID, frame)
		if err != nil {
			c.write(WSMessage{Type: TypeReply, Content: err.Error()})
			continue
		}
		select {
		case w.incoming <- msg:
		case <-w.stopCh:
			return
		}
	}
}

func toMessage(userID string, frame WSMessage) (*channel.Message, error) {
	msg := &channel.Message{
		ID:        uuid.NewString(),
		Channel:   "webchat",
		UserID:    userID,
		Content:   frame.Content,
		Metadata:  map[string]string{"connection_id": userID},
		Timestamp: time.Now().Unix(),
	}
	switch frame.Type {
	case TypeMessage:
		msg.Kind = channel.KindText
	case TypeVoice, TypePhoto:
		if len(frame.Media) == 0 {
			return nil, fmt.Errorf("%s frame without media", frame.Type)
		}
		msg.Kind = channel.KindVoice
		if frame.Type == TypePhoto {
			msg.Kind = channel.KindPhoto
		}
		msg.Attachments = []channel.Attachment{{Data: frame.Media, Filename: frame.Filename}}
	default:
		return nil, fmt.Errorf("unknown frame type %q", frame.Type)
	}
	return msg, nil
}

// Package stt transcribes voice messages through an OpenAI-compatible
// /v1/audio/transcriptions endpoint (OpenAI, Groq, faster-whisper-server).
package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/cortexhub/cortex-chatgate/internal/apperr"
)

// Transcriber turns audio into text. An empty result means nothing
// intelligible was heard and is not an error.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename, language string) (string, error)
}

// WhisperConfig holds transcription client configuration
type WhisperConfig struct {
	URL     string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// WhisperClient implements Transcriber
type WhisperClient struct {
	baseURL string
	apiKey  string
	model   string
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
}

// NewWhisperClient creates a new transcription client
func NewWhisperClient(cfg WhisperConfig, logger *slog.Logger) *WhisperClient {
	if cfg.Model == "" {
		cfg.Model = "whisper-1"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WhisperClient{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		timeout: cfg.Timeout,
		client:  &http.Client{},
		logger:  logger.With("component", "stt"),
	}
}

// Transcribe uploads audio as multipart form data. filename carries the
// container extension the server uses to pick a decoder (voice.ogg).
func (c *WhisperClient) Transcribe(ctx context.Context, audio []byte, filename, language string) (string, error) {
	if len(audio) == 0 {
		return "", nil
	}
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("failed to write audio data: %w", err)
	}
	if err := writer.WriteField("model", c.model); err != nil {
		return "", fmt.Errorf("failed to write model field: %w", err)
	}
	if language != "" {
		if err := writer.WriteField("language", language); err != nil {
			return "", fmt.Errorf("failed to write language field: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/audio/transcriptions", &buf)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", apperr.FromBackend("stt.Transcribe", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperr.FromBackend("stt.Transcribe", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("transcription API error", "status", resp.StatusCode, "body", string(body))
		return "", apperr.FromBackend("stt.Transcribe", fmt.Errorf("API returned status %d", resp.StatusCode))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", apperr.FromBackend("stt.Transcribe", fmt.Errorf("failed to parse response: %w", err))
	}

	text := strings.TrimSpace(result.Text)
	c.logger.Debug("transcription complete", "chars", len(text), "duration", time.Since(start))
	return text, nil
}

// Health checks that the transcription server answers
func (c *WhisperClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stt health check returned status %d", resp.StatusCode)
	}
	return nil
}

// Package imagegen drives a Stable Diffusion WebUI (AUTOMATIC1111 API) for
// the /d command.
package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cortexhub/cortex-chatgate/internal/apperr"
)

var (
	// ErrNotLoaded means the WebUI answered but has no checkpoint available.
	ErrNotLoaded = errors.New("stable diffusion model not loaded")
	// ErrEmptyResult means the job finished without an image.
	ErrEmptyResult = errors.New("generator returned no images")
)

// Config holds WebUI client configuration
type Config struct {
	URL            string
	Checkpoint     string
	NegativePrompt string
	Steps          int
	Sampler        string
	Width          int
	Height         int
	Timeout        time.Duration
}

// Client is a Stable Diffusion WebUI client
type Client struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// NewClient creates a new WebUI client
func NewClient(cfg Config, logger *slog.Logger) *Client {
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if cfg.Timeout == 0 {
		cfg.Timeout = 300 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{},
		logger: logger.With("component", "imagegen"),
	}
}

type txt2imgRequest struct {
	Prompt           string            `json:"prompt"`
	NegativePrompt   string            `json:"negative_prompt"`
	Steps            int               `json:"steps"`
	SamplerName      string            `json:"sampler_name"`
	Width            int               `json:"width"`
	Height           int               `json:"height"`
	OverrideSettings map[string]string `json:"override_settings,omitempty"`
}

type txt2imgResponse struct {
	Images []string `json:"images"`
}

// Available probes the model listing. It returns ErrNotLoaded when the
// WebUI is up but reports a failure.
func (c *Client) Available(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL+"/sdapi/v1/sd-models", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return apperr.FromBackend("imagegen.Available", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return apperr.Wrap(apperr.KindBackendUnavailable, "imagegen.Available", ErrNotLoaded)
	}
	return nil
}

// Health implements the probe contract used by the health ring.
func (c *Client) Health(ctx context.Context) error {
	return c.Available(ctx)
}

// TextToImage runs a txt2img job and returns the first image. A job that
// exceeds the configured timeout returns a KindTimeout error.
func (c *Client) TextToImage(ctx context.Context, prompt string) ([]byte, error) {
	payload := txt2imgRequest{
		Prompt:         prompt,
		NegativePrompt: c.cfg.NegativePrompt,
		Steps:          c.cfg.Steps,
		SamplerName:    c.cfg.Sampler,
		Width:          c.cfg.Width,
		Height:         c.cfg.Height,
	}
	if c.cfg.Checkpoint != "" {
		payload.OverrideSettings = map[string]string{"sd_model_checkpoint": c.cfg.Checkpoint}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL+"/sdapi/v1/txt2img", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apperr.FromBackend("imagegen.TextToImage", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Error("txt2img API error", "status", resp.StatusCode, "body", string(msg))
		return nil, apperr.FromBackend("imagegen.TextToImage", fmt.Errorf("API returned status %d", resp.StatusCode))
	}

	var result txt2imgResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, apperr.FromBackend("imagegen.TextToImage", fmt.Errorf("failed to decode response: %w", err))
	}
	if len(result.Images) == 0 {
		return nil, apperr.Wrap(apperr.KindBackendUnavailable, "imagegen.TextToImage", ErrEmptyResult)
	}

	// Some WebUI builds prefix the payload with a data URL header.
	encoded := result.Images[0]
	if i := strings.Index(encoded, ","); i >= 0 && strings.HasPrefix(encoded, "data:") {
		encoded = encoded[i+1:]
	}
	img, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, apperr.FromBackend("imagegen.TextToImage", fmt.Errorf("failed to decode image: %w", err))
	}

	c.logger.Info("image generated", "bytes", len(img), "duration", time.Since(start))
	return img, nil
}

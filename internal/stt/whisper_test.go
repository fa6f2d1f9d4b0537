package stt

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexhub/cortex-chatgate/internal/apperr"
)

func TestTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/transcriptions", r.URL.Path)
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		assert.Equal(t, "ru", r.FormValue("language"))

		f, hdr, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer f.Close()
		assert.Equal(t, "voice.ogg", hdr.Filename)
		data, _ := io.ReadAll(f)
		assert.Equal(t, []byte("OggS-audio"), data)

		w.Write([]byte(`{"text":"  привет мир  "}`))
	}))
	defer srv.Close()

	c := NewWhisperClient(WhisperConfig{URL: srv.URL}, nil)
	text, err := c.Transcribe(context.Background(), []byte("OggS-audio"), "voice.ogg", "ru")
	require.NoError(t, err)
	assert.Equal(t, "привет мир", text)
}

func TestTranscribeEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"text":""}`))
	}))
	defer srv.Close()

	c := NewWhisperClient(WhisperConfig{URL: srv.URL}, nil)
	text, err := c.Transcribe(context.Background(), []byte("noise"), "voice.ogg", "")
	require.NoError(t, err)
	assert.Empty(t, text)

	text, err = c.Transcribe(context.Background(), nil, "voice.ogg", "")
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestTranscribeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewWhisperClient(WhisperConfig{URL: srv.URL}, nil)
	_, err := c.Transcribe(context.Background(), []byte("x"), "voice.ogg", "")
	assert.True(t, apperr.Is(err, apperr.KindBackendUnavailable))
}

func TestTranscribeTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	c := NewWhisperClient(WhisperConfig{URL: srv.URL, Timeout: 20 * time.Millisecond}, nil)
	_, err := c.Transcribe(context.Background(), []byte("x"), "voice.ogg", "")
	assert.True(t, apperr.Is(err, apperr.KindTimeout))
}

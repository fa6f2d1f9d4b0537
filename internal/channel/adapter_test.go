package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitShortText(t *testing.T) {
	assert.Equal(t, []string{"hello"}, Split("hello", 10))
	assert.Equal(t, []string{""}, Split("", 10))
}

func TestSplitPrefersLineBreaks(t *testing.T) {
	text := "first line\nsecond line\nthird"
	chunks := Split(text, 15)
	assert.Equal(t, []string{"first line", "second line", "third"}, chunks)
}

func TestSplitRespectsRuneLimit(t *testing.T) {
	text := strings.Repeat("ж", 10000)
	chunks := Split(text, 4096)
	require.Len(t, chunks, 3)
	total := 0
	for _, c := range chunks {
		n := utf8.RuneCountInString(c)
		assert.LessOrEqual(t, n, 4096)
		total += n
	}
	assert.Equal(t, 10000, total)
}

func TestDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("voice-bytes"))
	}))
	defer srv.Close()

	data, err := Download(context.Background(), srv.Client(), srv.URL+"/file.ogg")
	require.NoError(t, err)
	assert.Equal(t, "voice-bytes", string(data))

	_, err = Download(context.Background(), srv.Client(), srv.URL+"/missing")
	assert.Error(t, err)
}

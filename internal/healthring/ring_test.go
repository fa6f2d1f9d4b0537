package healthring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckRecordsHistory(t *testing.T) {
	hr := NewHealthRing(3, time.Second, nil)
	fail := false
	hr.Register("ollama", func(context.Context) error {
		if fail {
			return errors.New("connection refused")
		}
		return nil
	})
	hr.Register("store", func(context.Context) error { return nil })

	status, err := hr.GetMemberStatus("ollama")
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, status.Status)
	assert.True(t, hr.Healthy())

	hr.Check(context.Background())
	status, _ = hr.GetMemberStatus("ollama")
	assert.Equal(t, StatusUp, status.Status)

	fail = true
	for i := 0; i < 4; i++ {
		hr.Check(context.Background())
	}
	status, _ = hr.GetMemberStatus("ollama")
	assert.Equal(t, StatusDown, status.Status)
	assert.Len(t, status.History, 3)
	assert.Equal(t, "connection refused", status.History[2].Error)
	assert.False(t, hr.Healthy())

	assert.Equal(t, []string{"ollama", "store"}, hr.Names())
}

func TestProbeTimeout(t *testing.T) {
	hr := NewHealthRing(5, 20*time.Millisecond, nil)
	hr.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	hr.Check(context.Background())

	status, err := hr.GetMemberStatus("slow")
	require.NoError(t, err)
	assert.Equal(t, StatusDown, status.Status)
	assert.Contains(t, status.History[0].Error, "deadline")
}

func TestHandlers(t *testing.T) {
	hr := NewHealthRing(5, time.Second, nil)
	hr.Register("whisper", func(context.Context) error { return nil })
	hr.Check(context.Background())

	rec := httptest.NewRecorder()
	hr.GetStatusHandler()(rec, httptest.NewRequest(http.MethodGet, "/api/v1/healthring", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var all map[string]*MemberStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Equal(t, StatusUp, all["whisper"].Status)

	rec = httptest.NewRecorder()
	hr.GetMemberHandler()(rec, httptest.NewRequest(http.MethodGet, "/api/v1/healthring/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	hr.GetStatusHandler()(rec, httptest.NewRequest(http.MethodPost, "/api/v1/healthring", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

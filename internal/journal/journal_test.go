package journal

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTurnEventRedisValues(t *testing.T) {
	e := NewTurnEvent("u1", "image")
	e.Model = "3"
	e.Substituted = true
	e.Status = StatusError
	e.ErrorKind = "timeout"
	e.Latency = 1500 * time.Millisecond

	values := e.ToRedisValues()
	assert.Equal(t, "true", values["substituted"])
	assert.Equal(t, "1500", values["latency_ms"])

	decoded, err := TurnEventFromRedisValues(values)
	require.NoError(t, err)
	assert.Equal(t, e, *decoded)
}

func TestNewTurnEventIDs(t *testing.T) {
	a := NewTurnEvent("u1", "text")
	b := NewTurnEvent("u1", "text")
	assert.NotEqual(t, a.ID, b.ID)
	_, err := uuid.Parse(a.ID)
	assert.NoError(t, err)
}

func TestTurnEventFromRedisValuesBadNumber(t *testing.T) {
	_, err := TurnEventFromRedisValues(map[string]interface{}{"latency_ms": "fast"})
	assert.Error(t, err)
}

func setupTestPublisher(t *testing.T) *StreamPublisher {
	addr := os.Getenv("CHATGATE_TEST_REDIS")
	if addr == "" {
		t.Skip("CHATGATE_TEST_REDIS not set")
	}
	p, err := NewStreamPublisher(RedisConfig{
		Addr:   addr,
		Stream: "chatgate-test:turns:" + uuid.NewString(),
		MaxLen: 100,
	}, nil)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return p
}

func TestStreamPublisherRecent(t *testing.T) {
	p := setupTestPublisher(t)
	defer p.Close()
	ctx := context.Background()
	defer p.rdb.Del(ctx, p.stream)

	for _, kind := range []string{"text", "voice", "image"} {
		e := NewTurnEvent("u1", kind)
		e.Status = StatusOK
		p.Publish(ctx, e)
	}

	events, err := p.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "image", events[0].Kind)
	assert.Equal(t, "voice", events[1].Kind)
}

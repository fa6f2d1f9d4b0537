// Package journal records one event per dispatched turn on a Redis stream.
// Publishing is best effort and never fails a turn.
package journal

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Turn outcomes.
const (
	StatusOK    = "ok"
	StatusEmpty = "empty"
	StatusError = "error"
)

// TurnEvent is a summary of one turn. It never carries message content.
type TurnEvent struct {
	ID          string        `json:"id"`
	UserID      string        `json:"user_id"`
	Kind        string        `json:"kind"`
	Model       string        `json:"model,omitempty"`
	Substituted bool          `json:"substituted"`
	Status      string        `json:"status"`
	ErrorKind   string        `json:"error_kind,omitempty"`
	Latency     time.Duration `json:"latency"`
	Created     int64         `json:"created"`
}

// NewTurnEvent creates an event with a generated ID and timestamp.
func NewTurnEvent(userID, kind string) TurnEvent {
	return TurnEvent{
		ID:      uuid.NewString(),
		UserID:  userID,
		Kind:    kind,
		Created: time.Now().Unix(),
	}
}

// ToRedisValues converts TurnEvent to Redis stream values map
func (e TurnEvent) ToRedisValues() map[string]interface{} {
	return map[string]interface{}{
		"id":          e.ID,
		"user_id":     e.UserID,
		"kind":        e.Kind,
		"model":       e.Model,
		"substituted": strconv.FormatBool(e.Substituted),
		"status":      e.Status,
		"error_kind":  e.ErrorKind,
		"latency_ms":  strconv.FormatInt(e.Latency.Milliseconds(), 10),
		"created":     strconv.FormatInt(e.Created, 10),
	}
}

// TurnEventFromRedisValues creates TurnEvent from Redis stream values
func TurnEventFromRedisValues(values map[string]interface{}) (*TurnEvent, error) {
	e := &TurnEvent{}

	str := func(key string) string {
		v, _ := values[key].(string)
		return v
	}
	e.ID = str("id")
	e.UserID = str("user_id")
	e.Kind = str("kind")
	e.Model = str("model")
	e.Status = str("status")
	e.ErrorKind = str("error_kind")

	if v := str("substituted"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("failed to parse substituted: %w", err)
		}
		e.Substituted = b
	}
	if v := str("latency_ms"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse latency: %w", err)
		}
		e.Latency = time.Duration(ms) * time.Millisecond
	}
	if v := str("created"); v != "" {
		created, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse created: %w", err)
		}
		e.Created = created
	}

	return e, nil
}

package worker

import (
	"bytes"
	"encoding/json"
	"fmt"

	"nsready/internal/model"
	"nsready/internal/normalize"
)

// DecodeError means a queued message can never be processed. It is counted
// as invalid_format and dropped.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

type envelope struct {
	TraceID       string                 `json:"trace_id"`
	Event         *model.NormalizedEvent `json:"event"`
	ConfigVersion string                 `json:"config_version"`
}

// Decode parses a queued envelope and re-checks its event, since anything
// may have been published to the topic.
func Decode(data []byte) (model.QueuedMessage, error) {
	var env envelope
	if err := json.Unmarshal(bytes.TrimSpace(data), &env); err != nil {
		return model.QueuedMessage{}, &DecodeError{Reason: "malformed message", Err: err}
	}
	if env.Event == nil {
		return model.QueuedMessage{TraceID: env.TraceID}, &DecodeError{Reason: "missing event data"}
	}
	msg := model.QueuedMessage{TraceID: env.TraceID, Event: *env.Event, ConfigVersion: env.ConfigVersion}
	if err := normalize.Validate(msg.Event); err != nil {
		return msg, &DecodeError{Reason: "invalid event", Err: err}
	}
	return msg, nil
}

package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const UnknownConfigVersion = "unknown"

type Metric struct {
	ParameterKey string         `json:"parameter_key"`
	Value        *float64       `json:"value,omitempty"`
	Quality      int            `json:"quality"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

// NormalizedEvent is the canonical cross-protocol telemetry shape accepted
// by the ingest endpoint and carried on the queue.
type NormalizedEvent struct {
	ProjectID       string         `json:"project_id"`
	SiteID          string         `json:"site_id"`
	DeviceID        string         `json:"device_id"`
	Metrics         []Metric       `json:"metrics"`
	Protocol        string         `json:"protocol"`
	SourceTimestamp *time.Time     `json:"source_timestamp"`
	ConfigVersion   *string        `json:"config_version,omitempty"`
	EventID         *string        `json:"event_id,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// UnmarshalJSON accepts RFC3339 strings, naive timestamps (read as UTC) and
// unix seconds or milliseconds for source_timestamp.
func (e *NormalizedEvent) UnmarshalJSON(data []byte) error {
	type alias NormalizedEvent
	aux := struct {
		*alias
		SourceTimestamp json.RawMessage `json:"source_timestamp"`
	}{alias: (*alias)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	e.SourceTimestamp = nil
	raw := strings.TrimSpace(string(aux.SourceTimestamp))
	if raw == "" || raw == "null" {
		return nil
	}
	var text string
	if raw[0] == '"' {
		if err := json.Unmarshal(aux.SourceTimestamp, &text); err != nil {
			return err
		}
		if strings.TrimSpace(text) == "" {
			return nil
		}
	} else {
		text = raw
	}
	ts, err := ParseTimestamp(text, time.UTC)
	if err != nil {
		return fmt.Errorf("source_timestamp: %w", err)
	}
	e.SourceTimestamp = &ts
	return nil
}

func (e NormalizedEvent) ConfigVersionOrUnknown() string {
	if e.ConfigVersion == nil || strings.TrimSpace(*e.ConfigVersion) == "" {
		return UnknownConfigVersion
	}
	return *e.ConfigVersion
}

func (e NormalizedEvent) ClientEventID() string {
	if e.EventID == nil {
		return ""
	}
	return *e.EventID
}

// QueuedMessage is the envelope published by the ingest endpoint and
// consumed by the worker.
type QueuedMessage struct {
	TraceID       string          `json:"trace_id"`
	Event         NormalizedEvent `json:"event"`
	ConfigVersion string          `json:"config_version"`
}

func NewQueuedMessage(traceID string, ev NormalizedEvent) QueuedMessage {
	return QueuedMessage{
		TraceID:       traceID,
		Event:         ev,
		ConfigVersion: ev.ConfigVersionOrUnknown(),
	}
}

// IngestRow is one persisted metric value. (Time, DeviceID, ParameterKey)
// is unique in storage; a later write with the same key replaces the rest.
type IngestRow struct {
	Time         time.Time      `json:"time"`
	DeviceID     string         `json:"device_id"`
	ParameterKey string         `json:"parameter_key"`
	Value        *float64       `json:"value"`
	Quality      int            `json:"quality"`
	Source       string         `json:"source"`
	EventID      string         `json:"event_id"`
	Attributes   map[string]any `json:"attributes"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Rows expands an event into one row per metric, in document order.
// The event must carry a source timestamp.
func Rows(ev NormalizedEvent, now time.Time) []IngestRow {
	if ev.SourceTimestamp == nil {
		return nil
	}
	ts := ev.SourceTimestamp.UTC()
	rows := make([]IngestRow, 0, len(ev.Metrics))
	for _, m := range ev.Metrics {
		attrs := m.Attributes
		if attrs == nil {
			attrs = map[string]any{}
		}
		rows = append(rows, IngestRow{
			Time:         ts,
			DeviceID:     ev.DeviceID,
			ParameterKey: m.ParameterKey,
			Value:        m.Value,
			Quality:      m.Quality,
			Source:       ev.Protocol,
			EventID:      MetricToken(ev, m.ParameterKey),
			Attributes:   attrs,
			CreatedAt:    now.UTC(),
		})
	}
	return rows
}

func Float(v float64) *float64 {
	return &v
}

func String(v string) *string {
	return &v
}

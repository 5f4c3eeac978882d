package normalize

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nsready/internal/model"
)

func validEvent() model.NormalizedEvent {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return model.NormalizedEvent{
		ProjectID:       "11111111-1111-4111-8111-111111111111",
		SiteID:          "22222222-2222-4222-8222-222222222222",
		DeviceID:        "33333333-3333-4333-8333-333333333333",
		Metrics:         []model.Metric{{ParameterKey: "temp", Value: model.Float(21.5)}},
		Protocol:        "HTTP",
		SourceTimestamp: &ts,
	}
}

func TestValidateAcceptsValidEvent(t *testing.T) {
	require.NoError(t, Validate(validEvent()))
}

func TestValidateReportsField(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.NormalizedEvent)
		field  string
	}{
		{"missing project", func(e *model.NormalizedEvent) { e.ProjectID = "" }, "project_id"},
		{"missing site", func(e *model.NormalizedEvent) { e.SiteID = " " }, "site_id"},
		{"missing device", func(e *model.NormalizedEvent) { e.DeviceID = "" }, "device_id"},
		{"nil metrics", func(e *model.NormalizedEvent) { e.Metrics = nil }, "metrics"},
		{"empty metrics", func(e *model.NormalizedEvent) { e.Metrics = []model.Metric{} }, "metrics"},
		{"missing protocol", func(e *model.NormalizedEvent) { e.Protocol = "" }, "protocol"},
		{"missing timestamp", func(e *model.NormalizedEvent) { e.SourceTimestamp = nil }, "source_timestamp"},
		{"bad device uuid", func(e *model.NormalizedEvent) { e.DeviceID = "device-7" }, "device_id"},
		{"bad project uuid", func(e *model.NormalizedEvent) { e.ProjectID = "p" }, "project_id"},
		{"bad site uuid", func(e *model.NormalizedEvent) { e.SiteID = "1234" }, "site_id"},
		{"empty parameter key", func(e *model.NormalizedEvent) { e.Metrics[0].ParameterKey = "" }, "metrics[0].parameter_key"},
		{"quality too high", func(e *model.NormalizedEvent) { e.Metrics[0].Quality = 256 }, "metrics[0].quality"},
		{"urn device uuid", func(e *model.NormalizedEvent) { e.DeviceID = "urn:uuid:33333333-3333-4333-8333-333333333333" }, "device_id"},
		{"braced site uuid", func(e *model.NormalizedEvent) { e.SiteID = "{22222222-2222-4222-8222-222222222222}" }, "site_id"},
		{"nul in parameter key", func(e *model.NormalizedEvent) { e.Metrics[0].ParameterKey = "te\x00mp" }, "metrics[0].parameter_key"},
		{"invalid utf8 protocol", func(e *model.NormalizedEvent) { e.Protocol = "HT\xffTP" }, "protocol"},
		{"nul in event id", func(e *model.NormalizedEvent) { e.EventID = model.String("a\x00") }, "event_id"},
		{"nul in attribute", func(e *model.NormalizedEvent) {
			e.Metrics[0].Attributes = map[string]any{"tags": []any{"ok", map[string]any{"u": "C\x00"}}}
		}, "metrics[0].attributes"},
		{"nul in attribute key", func(e *model.NormalizedEvent) { e.Metrics[0].Attributes = map[string]any{"u\x00": "C"} }, "metrics[0].attributes"},
		{"quality negative", func(e *model.NormalizedEvent) { e.Metrics[0].Quality = -1 }, "metrics[0].quality"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := validEvent()
			tt.mutate(&ev)
			err := Validate(ev)
			require.Error(t, err)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestValidateQualityBounds(t *testing.T) {
	ev := validEvent()
	ev.Metrics[0].Quality = 255
	assert.NoError(t, Validate(ev))
	ev.Metrics[0].Quality = 0
	assert.NoError(t, Validate(ev))
}

package model

import (
	"strconv"
	"strings"
	"time"
)

// MetricToken derives the per-metric idempotency token stored with each row.
// Every component is length-prefixed so separators inside an event id,
// device id or parameter key cannot make two different inputs collide.
func MetricToken(ev NormalizedEvent, parameterKey string) string {
	var b strings.Builder
	if id := ev.ClientEventID(); id != "" {
		b.WriteString("e")
		writePart(&b, id)
		writePart(&b, parameterKey)
		return b.String()
	}
	ts := ""
	if ev.SourceTimestamp != nil {
		ts = ev.SourceTimestamp.UTC().Format(time.RFC3339Nano)
	}
	b.WriteString("d")
	writePart(&b, ev.DeviceID)
	writePart(&b, ts)
	writePart(&b, parameterKey)
	return b.String()
}

func writePart(b *strings.Builder, s string) {
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(len(s)))
	b.WriteByte(':')
	b.WriteString(s)
}

package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"nsready/internal/model"
	"nsready/internal/normalize"
)

var errEmptyBody = errors.New("request body is empty")

// DecodeEvent parses exactly one JSON event object. Type errors name the
// offending field as a *normalize.ValidationError.
func DecodeEvent(data []byte) (model.NormalizedEvent, error) {
	var ev model.NormalizedEvent
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return ev, errEmptyBody
	}
	if trimmed[0] != '{' {
		return ev, errors.New("event must be a JSON object")
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	if err := dec.Decode(&ev); err != nil {
		return ev, decodeError(err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return ev, errors.New("unexpected data after event object")
	}
	return ev, nil
}

func decodeError(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return &normalize.ValidationError{
			Field:  typeErr.Field,
			Reason: fmt.Sprintf("%s must be %s", typeErr.Field, typeErr.Type),
		}
	}
	if strings.HasPrefix(err.Error(), "source_timestamp:") {
		return &normalize.ValidationError{Field: "source_timestamp", Reason: err.Error()}
	}
	return fmt.Errorf("invalid JSON: %w", err)
}

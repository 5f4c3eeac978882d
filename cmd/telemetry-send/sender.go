package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"nsready/internal/model"
)

type ingestResponse struct {
	Status  string `json:"status"`
	TraceID string `json:"trace_id"`
}

type errorResponse struct {
	Detail string `json:"detail"`
	Field  string `json:"field"`
}

// RejectedError is a 4xx answer: the event itself is wrong and resending
// it will not help.
type RejectedError struct {
	Status int
	Detail string
	Field  string
}

func (e *RejectedError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("rejected (%d): %s: %s", e.Status, e.Field, e.Detail)
	}
	return fmt.Sprintf("rejected (%d): %s", e.Status, e.Detail)
}

type Sender struct {
	client *resty.Client
}

func NewSender(baseURL string, timeout time.Duration, retries int) *Sender {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	return &Sender{client: client}
}

func (s *Sender) Send(ctx context.Context, ev model.NormalizedEvent) (string, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	return s.SendRaw(ctx, body)
}

// SendRaw posts an already encoded event and returns its trace id.
func (s *Sender) SendRaw(ctx context.Context, body []byte) (string, error) {
	var ok ingestResponse
	var failed errorResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&ok).
		SetError(&failed).
		Post("/v1/ingest")
	if err != nil {
		return "", fmt.Errorf("post event: %w", err)
	}
	switch {
	case resp.IsSuccess():
		return ok.TraceID, nil
	case resp.StatusCode() >= 400 && resp.StatusCode() < 500:
		return "", &RejectedError{Status: resp.StatusCode(), Detail: failed.Detail, Field: failed.Field}
	default:
		return "", fmt.Errorf("collector returned %d: %s", resp.StatusCode(), failed.Detail)
	}
}

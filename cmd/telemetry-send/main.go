// telemetry-send posts telemetry events to a collector's /v1/ingest
// endpoint. Events come from newline-delimited JSON files, stdin, or are
// built from flags.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"nsready/internal/model"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	url       string
	timeout   time.Duration
	retries   int
	projectID string
	siteID    string
	deviceID  string
	protocol  string
	metrics   []string
	eventID   string
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	var opts options
	flags := pflag.NewFlagSet("telemetry-send", pflag.ContinueOnError)
	flags.StringVar(&opts.url, "url", envOr("COLLECTOR_URL", "http://localhost:8001"), "collector base URL")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Second, "per-request timeout")
	flags.IntVar(&opts.retries, "retries", 3, "retries for connection errors and 5xx responses")
	flags.StringVar(&opts.projectID, "project", "", "project id for a flag-built event")
	flags.StringVar(&opts.siteID, "site", "", "site id for a flag-built event")
	flags.StringVar(&opts.deviceID, "device", "", "device id; builds one event from flags instead of reading input")
	flags.StringVar(&opts.protocol, "protocol", "HTTP", "protocol for a flag-built event")
	flags.StringArrayVarP(&opts.metrics, "metric", "m", nil, "metric as key=value[@quality], repeatable")
	flags.StringVar(&opts.eventID, "event-id", "", "client event id for a flag-built event")
	if err := flags.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sender := NewSender(opts.url, opts.timeout, opts.retries)

	if opts.deviceID != "" {
		ev, err := buildEvent(opts, time.Now().UTC())
		if err != nil {
			return err
		}
		traceID, err := sender.Send(ctx, ev)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, traceID)
		return nil
	}

	inputs := flags.Args()
	if len(inputs) == 0 {
		inputs = []string{"-"}
	}
	var failed int
	for _, name := range inputs {
		n, err := sendFile(ctx, sender, name, stdin, stdout)
		failed += n
		if err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d events rejected", failed)
	}
	return nil
}

// sendFile posts each non-empty line of name as one event and returns the
// number of events the collector rejected.
func sendFile(ctx context.Context, sender *Sender, name string, stdin io.Reader, stdout io.Writer) (int, error) {
	r := stdin
	if name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		r = f
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 2<<20)
	failed := 0
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		traceID, err := sender.SendRaw(ctx, []byte(text))
		if err != nil {
			var rejected *RejectedError
			if errors.As(err, &rejected) {
				fmt.Fprintf(stdout, "%s:%d rejected: %s\n", name, line, rejected.Detail)
				failed++
				continue
			}
			return failed, fmt.Errorf("%s:%d: %w", name, line, err)
		}
		fmt.Fprintf(stdout, "%s:%d queued %s\n", name, line, traceID)
	}
	return failed, scanner.Err()
}

func buildEvent(opts options, now time.Time) (model.NormalizedEvent, error) {
	if len(opts.metrics) == 0 {
		return model.NormalizedEvent{}, errors.New("at least one --metric is required")
	}
	ev := model.NormalizedEvent{
		ProjectID:       opts.projectID,
		SiteID:          opts.siteID,
		DeviceID:        opts.deviceID,
		Protocol:        opts.protocol,
		SourceTimestamp: &now,
	}
	if opts.eventID != "" {
		ev.EventID = model.String(opts.eventID)
	}
	for _, raw := range opts.metrics {
		m, err := parseMetric(raw)
		if err != nil {
			return model.NormalizedEvent{}, err
		}
		ev.Metrics = append(ev.Metrics, m)
	}
	return ev, nil
}

func parseMetric(raw string) (model.Metric, error) {
	key, rest, ok := strings.Cut(raw, "=")
	if !ok || strings.TrimSpace(key) == "" {
		return model.Metric{}, fmt.Errorf("metric %q: want key=value[@quality]", raw)
	}
	m := model.Metric{ParameterKey: strings.TrimSpace(key)}
	valueText, qualityText, hasQuality := strings.Cut(rest, "@")
	if hasQuality {
		q, err := strconv.Atoi(qualityText)
		if err != nil {
			return model.Metric{}, fmt.Errorf("metric %q: quality: %w", raw, err)
		}
		m.Quality = q
	}
	if valueText != "" && valueText != "null" {
		v, err := strconv.ParseFloat(valueText, 64)
		if err != nil {
			return model.Metric{}, fmt.Errorf("metric %q: value: %w", raw, err)
		}
		m.Value = model.Float(v)
	}
	return m, nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

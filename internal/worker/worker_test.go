package worker

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nsready/internal/config"
	"nsready/internal/logging"
	"nsready/internal/metrics"
	"nsready/internal/model"
	"nsready/internal/queue"
	"nsready/internal/queue/queuetest"
	"nsready/internal/rejects"
	"nsready/internal/storage"
)

const (
	projectID = "11111111-1111-4111-8111-111111111111"
	siteID    = "22222222-2222-4222-8222-222222222222"
	deviceID  = "33333333-3333-4333-8333-333333333333"
	unknownID = "44444444-4444-4444-8444-444444444444"
)

var testCfg = config.WorkerConfig{Concurrency: 1, RetryDelay: time.Millisecond, MaxBackoff: 5 * time.Millisecond}

func newStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "worker.db") + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	s, err := storage.NewSQLite(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Init(context.Background()))
	require.NoError(t, s.RegisterDevice(context.Background(), deviceID, "pump-7"))
	return s
}

func event(device string, ms ...model.Metric) model.NormalizedEvent {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return model.NormalizedEvent{
		ProjectID:       projectID,
		SiteID:          siteID,
		DeviceID:        device,
		Protocol:        "HTTP",
		SourceTimestamp: &ts,
		Metrics:         ms,
	}
}

func encode(t *testing.T, traceID string, ev model.NormalizedEvent) []byte {
	t.Helper()
	data, err := json.Marshal(model.NewQueuedMessage(traceID, ev))
	require.NoError(t, err)
	return data
}

func newWorker(store Writer) (*Worker, *metrics.Metrics, *rejects.Log) {
	m := metrics.New(time.Second)
	rej := rejects.NewLog(10)
	return New(nil, store, m, rej, testCfg, logging.Discard()), m, rej
}

func TestHandleStoresEveryMetric(t *testing.T) {
	store := newStore(t)
	w, m, _ := newWorker(store)

	ev := event(deviceID,
		model.Metric{ParameterKey: "temp", Value: model.Float(21.5), Quality: 192},
		model.Metric{ParameterKey: "pressure", Value: model.Float(1.2)},
	)
	require.NoError(t, w.Handle(context.Background(), encode(t, "t1", ev)))

	rows, err := store.ListRows(context.Background(), deviceID, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 1.0, m.EventCount(metrics.StatusSuccess))
	for _, r := range rows {
		assert.Equal(t, model.MetricToken(ev, r.ParameterKey), r.EventID)
		assert.Equal(t, "HTTP", r.Source)
	}
}

func TestRedeliveryIsIdempotent(t *testing.T) {
	store := newStore(t)
	w, m, _ := newWorker(store)

	first := event(deviceID, model.Metric{ParameterKey: "temp", Value: model.Float(21.5)})
	second := event(deviceID, model.Metric{ParameterKey: "temp", Value: model.Float(22.0), Quality: 4})
	require.NoError(t, w.Handle(context.Background(), encode(t, "t1", first)))
	require.NoError(t, w.Handle(context.Background(), encode(t, "t1", first)))
	require.NoError(t, w.Handle(context.Background(), encode(t, "t2", second)))

	rows, err := store.ListRows(context.Background(), deviceID, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].Value)
	assert.Equal(t, 22.0, *rows[0].Value)
	assert.Equal(t, 4, rows[0].Quality)
	assert.Equal(t, 3.0, m.EventCount(metrics.StatusSuccess))
}

func TestUnknownDeviceIsDropped(t *testing.T) {
	store := newStore(t)
	w, m, rej := newWorker(store)

	ev := event(unknownID, model.Metric{ParameterKey: "temp", Value: model.Float(1)})
	require.NoError(t, w.Handle(context.Background(), encode(t, "t-unknown", ev)))

	rows, err := store.ListRows(context.Background(), unknownID, 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Equal(t, 1.0, m.ErrorCount(metrics.ErrIntegrity))
	assert.Equal(t, 0.0, m.EventCount(metrics.StatusSuccess))
	assert.Equal(t, 1.0, m.EventCount(metrics.StatusFailure))

	got := rej.List(0)
	require.Len(t, got, 1)
	assert.Equal(t, metrics.ErrIntegrity, got[0].Reason)
	assert.Equal(t, "t-unknown", got[0].TraceID)
	assert.Equal(t, unknownID, got[0].DeviceID)
	assert.Equal(t, "device "+unknownID+" is not registered", got[0].Detail)
}

func TestIntegrityDetailFallsBackWithoutDeviceLookup(t *testing.T) {
	fw := &failingWriter{err: storage.Classify(&pgconn.PgError{Code: "23503", Message: "violates foreign key constraint"})}
	w, m, rej := newWorker(fw)

	ev := event(unknownID, model.Metric{ParameterKey: "temp", Value: model.Float(1)})
	require.NoError(t, w.Handle(context.Background(), encode(t, "t1", ev)))
	assert.Equal(t, 1.0, m.ErrorCount(metrics.ErrIntegrity))
	require.Len(t, rej.List(0), 1)
	assert.Contains(t, rej.List(0)[0].Detail, "foreign key")
}

func TestInvalidMessagesAreDropped(t *testing.T) {
	cases := map[string][]byte{
		"not json":      []byte("{not json"),
		"missing event": []byte(`{"trace_id":"t1"}`),
		"null event":    []byte(`{"trace_id":"t1","event":null}`),
		"no metrics":    []byte(`{"trace_id":"t1","event":{"project_id":"` + projectID + `","site_id":"` + siteID + `","device_id":"` + deviceID + `","protocol":"HTTP","source_timestamp":"2024-01-01T00:00:00Z","metrics":[]}}`),
		"no timestamp":  []byte(`{"trace_id":"t1","event":{"project_id":"` + projectID + `","site_id":"` + siteID + `","device_id":"` + deviceID + `","protocol":"HTTP","metrics":[{"parameter_key":"temp","value":1}]}}`),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			w, m, rej := newWorker(store)
			require.NoError(t, w.Handle(context.Background(), data))
			assert.Equal(t, 1.0, m.ErrorCount(metrics.ErrInvalidFormat))
			assert.Equal(t, 1.0, m.EventCount(metrics.StatusFailure))
			assert.Len(t, rej.List(0), 1)
			rows, err := store.ListRows(context.Background(), deviceID, 10)
			require.NoError(t, err)
			assert.Empty(t, rows)
		})
	}
}

func TestUnstorableEventsAreDropped(t *testing.T) {
	cases := map[string]model.NormalizedEvent{
		"urn device uuid": event("urn:uuid:"+deviceID, model.Metric{ParameterKey: "temp", Value: model.Float(1)}),
		"nul parameter key": event(deviceID, model.Metric{ParameterKey: "te\x00mp", Value: model.Float(1)}),
		"nul attribute": event(deviceID, model.Metric{
			ParameterKey: "temp",
			Value:        model.Float(1),
			Attributes:   map[string]any{"unit": "\x00C"},
		}),
	}
	nulEventID := event(deviceID, model.Metric{ParameterKey: "temp", Value: model.Float(1)})
	nulEventID.EventID = model.String("evt\x001")
	cases["nul event id"] = nulEventID

	for name, ev := range cases {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			w, m, rej := newWorker(store)
			require.NoError(t, w.Handle(context.Background(), encode(t, "t1", ev)))
			assert.Equal(t, 1.0, m.ErrorCount(metrics.ErrInvalidFormat))
			assert.Equal(t, 0.0, m.ErrorCount(metrics.ErrDatabase))
			assert.Equal(t, 1.0, m.EventCount(metrics.StatusFailure))
			require.Len(t, rej.List(0), 1)
			assert.Equal(t, metrics.ErrInvalidFormat, rej.List(0)[0].Reason)
			rows, err := store.ListRows(context.Background(), deviceID, 10)
			require.NoError(t, err)
			assert.Empty(t, rows)
		})
	}
}

func TestDataExceptionIsDropped(t *testing.T) {
	fw := &failingWriter{err: storage.Classify(&pgconn.PgError{Code: "22P02", Message: "invalid input syntax for type uuid"})}
	w, m, rej := newWorker(fw)

	ev := event(deviceID, model.Metric{ParameterKey: "temp", Value: model.Float(1)})
	require.NoError(t, w.Handle(context.Background(), encode(t, "t-data", ev)))
	assert.Equal(t, 1, fw.calls)
	assert.Equal(t, 1.0, m.ErrorCount(metrics.ErrInvalidFormat))
	assert.Equal(t, 0.0, m.ErrorCount(metrics.ErrDatabase))
	assert.Equal(t, 1.0, m.EventCount(metrics.StatusFailure))

	got := rej.List(0)
	require.Len(t, got, 1)
	assert.Equal(t, metrics.ErrInvalidFormat, got[0].Reason)
	assert.Equal(t, "t-data", got[0].TraceID)
	assert.Equal(t, deviceID, got[0].DeviceID)
}

type failingWriter struct {
	err   error
	calls int
}

func (f *failingWriter) UpsertRows(context.Context, []model.IngestRow) error {
	f.calls++
	return f.err
}

func TestTransientErrorIsReturned(t *testing.T) {
	fw := &failingWriter{err: storage.Classify(errors.New("connection reset by peer"))}
	w, m, rej := newWorker(fw)

	ev := event(deviceID, model.Metric{ParameterKey: "temp", Value: model.Float(1)})
	err := w.Handle(context.Background(), encode(t, "t1", ev))
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrTransient)
	assert.Equal(t, 1.0, m.ErrorCount(metrics.ErrDatabase))
	assert.Equal(t, 0.0, m.EventCount(metrics.StatusFailure))
	assert.Empty(t, rej.List(0))
}

type panickingWriter struct{}

func (panickingWriter) UpsertRows(context.Context, []model.IngestRow) error {
	panic("boom")
}

func TestPanicIsCountedAndDropped(t *testing.T) {
	w, m, rej := newWorker(panickingWriter{})
	ev := event(deviceID, model.Metric{ParameterKey: "temp", Value: model.Float(1)})
	require.NoError(t, w.Handle(context.Background(), encode(t, "t1", ev)))
	assert.Equal(t, 1.0, m.ErrorCount(metrics.ErrProcessing))
	assert.Equal(t, 1.0, m.EventCount(metrics.StatusFailure))
	require.Len(t, rej.List(0), 1)
	assert.Equal(t, "boom", rej.List(0)[0].Detail)
}

func TestStopWithoutStart(t *testing.T) {
	w, _, _ := newWorker(&failingWriter{})
	w.Stop()
	assert.Equal(t, Stopped, w.State())
}

type gatedSubscriber struct {
	inner   Subscriber
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSubscriber) Subscribe(ctx context.Context, opts queue.SubscribeOptions, h queue.Handler) (*queue.Subscription, error) {
	close(g.entered)
	<-g.release
	return g.inner.Subscribe(ctx, opts, h)
}

func TestStopDuringStartWaitsAndStops(t *testing.T) {
	backend := queuetest.New()
	client := queue.NewWithBackend(backend, "ingress.events", logging.Discard())
	require.NoError(t, client.Connect(context.Background(), 1, 0))

	sub := &gatedSubscriber{inner: client, entered: make(chan struct{}), release: make(chan struct{})}
	w := New(sub, newStore(t), metrics.New(time.Second), rejects.NewLog(10), testCfg, logging.Discard())

	startErr := make(chan error, 1)
	go func() { startErr <- w.Start(context.Background()) }()
	<-sub.entered
	assert.Equal(t, Starting, w.State())

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()
	assert.Never(t, func() bool {
		select {
		case <-stopped:
			return true
		default:
			return false
		}
	}, 50*time.Millisecond, 5*time.Millisecond)

	close(sub.release)
	require.NoError(t, <-startErr)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return after start finished")
	}
	assert.Equal(t, Stopped, w.State())

	ev := event(deviceID, model.Metric{ParameterKey: "temp", Value: model.Float(20)})
	require.NoError(t, client.Publish(context.Background(), model.NewQueuedMessage("t1", ev)))
	assert.Never(t, func() bool { return len(backend.Acked()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, 1, backend.Pending())
}

func TestWorkerConsumesFromQueue(t *testing.T) {
	store := newStore(t)
	backend := queuetest.New()
	client := queue.NewWithBackend(backend, "ingress.events", logging.Discard())
	require.NoError(t, client.Connect(context.Background(), 1, 0))

	m := metrics.New(time.Second)
	w := New(client, store, m, rejects.NewLog(10), testCfg, logging.Discard())
	require.NoError(t, w.Start(context.Background()))
	assert.Equal(t, Running, w.State())
	require.NoError(t, w.Start(context.Background()))
	assert.Equal(t, Running, w.State())

	good := event(deviceID, model.Metric{ParameterKey: "temp", Value: model.Float(20)})
	bad := event(unknownID, model.Metric{ParameterKey: "temp", Value: model.Float(20)})
	require.NoError(t, client.Publish(context.Background(), model.NewQueuedMessage("t1", good)))
	require.NoError(t, client.Publish(context.Background(), model.NewQueuedMessage("t2", bad)))
	backend.Inject(deviceID, []byte("garbage"))

	require.Eventually(t, func() bool { return len(backend.Acked()) == 3 }, 2*time.Second, 5*time.Millisecond)
	w.Stop()
	assert.Equal(t, Stopped, w.State())

	rows, err := store.ListRows(context.Background(), deviceID, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, 1.0, m.EventCount(metrics.StatusSuccess))
	assert.Equal(t, 1.0, m.ErrorCount(metrics.ErrIntegrity))
	assert.Equal(t, 1.0, m.ErrorCount(metrics.ErrInvalidFormat))
	assert.Equal(t, 2.0, m.EventCount(metrics.StatusFailure))
	assert.Equal(t, 0, backend.Pending())
}

type flakyWriter struct {
	failures int
	inner    Writer
}

func (f *flakyWriter) UpsertRows(ctx context.Context, rows []model.IngestRow) error {
	if f.failures > 0 {
		f.failures--
		return storage.Classify(errors.New("database is restarting"))
	}
	return f.inner.UpsertRows(ctx, rows)
}

func TestTransientFailureIsRedelivered(t *testing.T) {
	store := newStore(t)
	backend := queuetest.New()
	client := queue.NewWithBackend(backend, "ingress.events", logging.Discard())
	require.NoError(t, client.Connect(context.Background(), 1, 0))

	m := metrics.New(time.Second)
	w := New(client, &flakyWriter{failures: 2, inner: store}, m, rejects.NewLog(10), testCfg, logging.Discard())
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	ev := event(deviceID, model.Metric{ParameterKey: "temp", Value: model.Float(20)})
	require.NoError(t, client.Publish(context.Background(), model.NewQueuedMessage("t1", ev)))

	require.Eventually(t, func() bool { return len(backend.Acked()) == 1 }, 2*time.Second, 5*time.Millisecond)
	rows, err := store.ListRows(context.Background(), deviceID, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, 2.0, m.ErrorCount(metrics.ErrDatabase))
	assert.Equal(t, 1.0, m.EventCount(metrics.StatusSuccess))
}

func TestCooldownSuppressesRepeats(t *testing.T) {
	c := NewCooldown(time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	ok, _ := c.Allow("dev")
	assert.True(t, ok)
	ok, _ = c.Allow("dev")
	assert.False(t, ok)
	ok, _ = c.Allow("other")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	ok, suppressed := c.Allow("dev")
	assert.True(t, ok)
	assert.Equal(t, 1, suppressed)

	var disabled *Cooldown
	ok, _ = disabled.Allow("dev")
	assert.True(t, ok)
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nsready/internal/config"
	"nsready/internal/metrics"
	"nsready/internal/model"
	"nsready/internal/queue"
	"nsready/internal/rejects"
	"nsready/internal/storage"
)

type State int32

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

type Subscriber interface {
	Subscribe(ctx context.Context, opts queue.SubscribeOptions, h queue.Handler) (*queue.Subscription, error)
}

type Writer interface {
	UpsertRows(ctx context.Context, rows []model.IngestRow) error
}

// deviceChecker is implemented by stores that can tell an unregistered
// device apart from other constraint failures.
type deviceChecker interface {
	DeviceExists(ctx context.Context, deviceID string) (bool, error)
}

// Worker moves queued events into storage. A message is acknowledged once
// its rows are committed or once it is known it never can be; any other
// failure leaves it on the queue.
type Worker struct {
	sub     Subscriber
	store   Writer
	metrics *metrics.Metrics
	rejects *rejects.Log
	logger  *slog.Logger
	cfg     config.WorkerConfig
	warn    *Cooldown
	now     func() time.Time

	mu           sync.Mutex
	state        State
	started      chan struct{}
	subscription *queue.Subscription
}

func New(sub Subscriber, store Writer, m *metrics.Metrics, rej *rejects.Log, cfg config.WorkerConfig, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		sub:     sub,
		store:   store,
		metrics: m,
		rejects: rej,
		logger:  logger,
		cfg:     cfg,
		warn:    NewCooldown(cfg.WarnEvery),
		now:     time.Now,
	}
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start subscribes to the queue. It does nothing unless the worker is
// stopped.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state != Stopped {
		w.mu.Unlock()
		return nil
	}
	w.state = Starting
	started := make(chan struct{})
	w.started = started
	w.mu.Unlock()
	defer close(started)

	sub, err := w.sub.Subscribe(ctx, queue.SubscribeOptions{
		Concurrency: w.cfg.Concurrency,
		RetryDelay:  w.cfg.RetryDelay,
		MaxBackoff:  w.cfg.MaxBackoff,
	}, w.handleMessage)

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.state = Stopped
		return fmt.Errorf("start worker: %w", err)
	}
	w.subscription = sub
	w.state = Running
	w.logger.Info("worker started", "concurrency", w.cfg.Concurrency)
	return nil
}

// Stop ends the subscription and waits for in-flight messages. A Stop that
// races a Start waits for the subscription to exist and then closes it. It
// is safe to call on a worker that never started.
func (w *Worker) Stop() {
	w.mu.Lock()
	for w.state == Starting {
		started := w.started
		w.mu.Unlock()
		<-started
		w.mu.Lock()
	}
	if w.state != Running {
		w.mu.Unlock()
		return
	}
	w.state = Stopping
	sub := w.subscription
	w.subscription = nil
	w.mu.Unlock()

	sub.Close()

	w.mu.Lock()
	w.state = Stopped
	w.mu.Unlock()
	w.logger.Info("worker stopped")
}

func (w *Worker) handleMessage(ctx context.Context, msg queue.Message) error {
	return w.handle(ctx, msg.ID, msg.Value)
}

// Handle processes one raw queued message. A nil return means the message
// is finished with, stored or dropped; an error means it must be delivered
// again.
func (w *Worker) Handle(ctx context.Context, data []byte) error {
	return w.handle(ctx, "", data)
}

func (w *Worker) handle(ctx context.Context, messageID string, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.metrics.Error(metrics.ErrProcessing)
			w.metrics.Event(metrics.StatusFailure)
			w.logger.Error("panic while handling message", "message_id", messageID, "panic", r)
			w.rejects.Add(rejects.Rejection{
				Reason:    metrics.ErrProcessing,
				Detail:    fmt.Sprint(r),
				MessageID: messageID,
			})
			err = nil
		}
	}()

	msg, err := Decode(data)
	if err != nil {
		w.metrics.Error(metrics.ErrInvalidFormat)
		w.metrics.Event(metrics.StatusFailure)
		w.warnf(metrics.ErrInvalidFormat, "dropping invalid message",
			"message_id", messageID,
			"trace_id", msg.TraceID,
			"err", err,
		)
		w.rejects.Add(rejects.Rejection{
			Reason:    metrics.ErrInvalidFormat,
			Detail:    err.Error(),
			TraceID:   msg.TraceID,
			DeviceID:  msg.Event.DeviceID,
			MessageID: messageID,
		})
		return nil
	}

	rows := model.Rows(msg.Event, w.now())
	start := time.Now()
	err = w.store.UpsertRows(ctx, rows)
	w.metrics.ObserveWrite(time.Since(start))

	switch {
	case err == nil:
		w.metrics.Event(metrics.StatusSuccess)
		w.logger.Debug("event processed",
			"trace_id", msg.TraceID,
			"device_id", msg.Event.DeviceID,
			"rows", len(rows),
		)
		return nil
	case errors.Is(err, storage.ErrConstraint):
		w.metrics.Error(metrics.ErrIntegrity)
		w.metrics.Event(metrics.StatusFailure)
		detail := w.integrityDetail(ctx, msg.Event.DeviceID, err)
		w.warnf(metrics.ErrIntegrity+"|"+msg.Event.DeviceID, "integrity error, dropping event",
			"trace_id", msg.TraceID,
			"device_id", msg.Event.DeviceID,
			"detail", detail,
			"err", err,
		)
		w.rejects.Add(rejects.Rejection{
			Reason:    metrics.ErrIntegrity,
			Detail:    detail,
			TraceID:   msg.TraceID,
			DeviceID:  msg.Event.DeviceID,
			MessageID: messageID,
		})
		return nil
	case errors.Is(err, storage.ErrInvalidData):
		w.metrics.Error(metrics.ErrInvalidFormat)
		w.metrics.Event(metrics.StatusFailure)
		w.warnf(metrics.ErrInvalidFormat+"|"+msg.Event.DeviceID, "database rejected event data, dropping event",
			"trace_id", msg.TraceID,
			"device_id", msg.Event.DeviceID,
			"err", err,
		)
		w.rejects.Add(rejects.Rejection{
			Reason:    metrics.ErrInvalidFormat,
			Detail:    err.Error(),
			TraceID:   msg.TraceID,
			DeviceID:  msg.Event.DeviceID,
			MessageID: messageID,
		})
		return nil
	default:
		w.metrics.Error(metrics.ErrDatabase)
		w.logger.Error("database write failed",
			"trace_id", msg.TraceID,
			"device_id", msg.Event.DeviceID,
			"err", err,
		)
		return err
	}
}

// integrityDetail names the unregistered device when the store can check,
// and falls back to the driver message otherwise.
func (w *Worker) integrityDetail(ctx context.Context, deviceID string, err error) string {
	dc, ok := w.store.(deviceChecker)
	if !ok {
		return err.Error()
	}
	exists, lookupErr := dc.DeviceExists(ctx, deviceID)
	if lookupErr != nil || exists {
		return err.Error()
	}
	return "device " + deviceID + " is not registered"
}

func (w *Worker) warnf(key, msg string, args ...any) {
	ok, suppressed := w.warn.Allow(key)
	if !ok {
		return
	}
	if suppressed > 0 {
		args = append(args, "suppressed", suppressed)
	}
	w.logger.Warn(msg, args...)
}

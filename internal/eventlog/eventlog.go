// Package eventlog buffers call events for bulk writes and records tool
// executions synchronously.
package eventlog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"voice-copilot-go/internal/metrics"
	"voice-copilot-go/internal/types"
)

const (
	DefaultBufferSize    = 10
	DefaultFlushInterval = 5 * time.Second

	writeTimeout = 10 * time.Second
)

// Sink is the durable side of the logger.
type Sink interface {
	InsertEvents(ctx context.Context, events []types.CallEvent) error
	InsertToolLog(ctx context.Context, log types.ToolLog) error
}

type Config struct {
	BufferSize    int
	FlushInterval time.Duration
}

// critical event types bypass the size threshold.
var critical = map[string]bool{
	types.EventStatusUpdate:    true,
	types.EventEndOfCallReport: true,
	types.EventError:           true,
}

type Logger struct {
	sink    Sink
	size    int
	every   time.Duration
	log     *logrus.Entry
	metrics *metrics.Metrics

	mu  sync.Mutex
	buf []types.CallEvent

	// flushMu keeps one snapshot in flight so a failed snapshot is restored
	// ahead of anything a later flush could write.
	flushMu sync.Mutex
	// requested is set by writers that found a flush already running; the
	// running flush writes again before letting go.
	requested atomic.Bool

	started  atomic.Bool
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func New(sink Sink, cfg Config, log *logrus.Entry, m *metrics.Metrics) *Logger {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	return &Logger{
		sink:    sink,
		size:    cfg.BufferSize,
		every:   cfg.FlushInterval,
		log:     log.WithField("component", "eventlog"),
		metrics: m,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start runs the periodic flush until ctx ends or Close is called.
func (l *Logger) Start(ctx context.Context) {
	if !l.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(l.done)
		ticker := time.NewTicker(l.every)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := l.Flush(ctx); err != nil {
					l.log.WithError(err).Warn("periodic flush failed")
				}
			case <-l.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close stops the timer and performs a final flush.
func (l *Logger) Close(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stop) })
	if l.started.Load() {
		select {
		case <-l.done:
		case <-ctx.Done():
		}
	}
	return l.Flush(ctx)
}

// LogEvent buffers e and flushes when the buffer is full or e is critical.
// Write failures are logged; the events stay buffered for the next flush.
func (l *Logger) LogEvent(ctx context.Context, e types.CallEvent) {
	if e.EventTime.IsZero() {
		e.EventTime = time.Now().UTC()
	}
	if e.EventData == nil {
		e.EventData = map[string]any{}
	}

	l.mu.Lock()
	l.buf = append(l.buf, e)
	n := len(l.buf)
	l.mu.Unlock()
	l.metrics.SetBuffered(n)

	if n >= l.size || critical[e.EventType] {
		if err := l.flushOrDefer(ctx); err != nil {
			l.log.WithError(err).WithFields(logrus.Fields{
				"call_id":    e.VapiCallID,
				"event_type": e.EventType,
				"buffered":   l.Pending(),
			}).Warn("flush failed, events kept for retry")
		}
	}
}

// Flush writes everything buffered. On failure the snapshot is put back in
// front of events buffered since.
func (l *Logger) Flush(ctx context.Context) error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()
	return l.drain(ctx)
}

// flushOrDefer flushes unless another flush is running, in which case it
// leaves the buffer to that flush and returns at once.
func (l *Logger) flushOrDefer(ctx context.Context) error {
	for {
		if !l.flushMu.TryLock() {
			l.requested.Store(true)
			return nil
		}
		err := l.drain(ctx)
		l.flushMu.Unlock()
		if err != nil || !l.requested.Load() {
			return err
		}
	}
}

// drain writes the buffer, again while writers asked for it meanwhile.
// Callers hold flushMu.
func (l *Logger) drain(ctx context.Context) error {
	for {
		l.requested.Store(false)
		if err := l.write(ctx); err != nil {
			return err
		}
		if !l.requested.Load() {
			return nil
		}
	}
}

func (l *Logger) write(ctx context.Context) error {
	l.mu.Lock()
	snapshot := l.buf
	l.buf = nil
	l.mu.Unlock()

	if len(snapshot) == 0 {
		return nil
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	err := l.sink.InsertEvents(wctx, snapshot)
	l.metrics.RecordFlush(len(snapshot), err)
	if err != nil {
		l.mu.Lock()
		l.buf = append(snapshot, l.buf...)
		n := len(l.buf)
		l.mu.Unlock()
		l.metrics.SetBuffered(n)
		return fmt.Errorf("flush %d events: %w", len(snapshot), err)
	}

	l.metrics.SetBuffered(l.Pending())
	l.log.WithField("count", len(snapshot)).Debug("flushed call events")
	return nil
}

// Pending reports how many events wait in the buffer.
func (l *Logger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buf)
}

func (l *Logger) LogTranscript(ctx context.Context, callID, conversationID, role, text string, isFinal bool, secondsFromStart *float64) {
	final := isFinal
	subtype := "partial"
	if isFinal {
		subtype = "final"
	}
	l.LogEvent(ctx, types.CallEvent{
		VapiCallID:       callID,
		ConversationID:   conversationID,
		EventType:        types.EventTranscript,
		EventSubtype:     subtype,
		EventData:        map[string]any{"role": role, "length": len(text)},
		Speaker:          role,
		TranscriptText:   text,
		IsFinal:          &final,
		SecondsFromStart: secondsFromStart,
	})
}

func (l *Logger) LogStatusUpdate(ctx context.Context, callID, conversationID, status string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["status"] = status
	l.LogEvent(ctx, types.CallEvent{
		VapiCallID:     callID,
		ConversationID: conversationID,
		EventType:      types.EventStatusUpdate,
		EventSubtype:   status,
		EventData:      data,
	})
}

func (l *Logger) LogEndOfCallReport(ctx context.Context, callID, conversationID, endedReason string, data map[string]any) {
	l.LogEvent(ctx, types.CallEvent{
		VapiCallID:     callID,
		ConversationID: conversationID,
		EventType:      types.EventEndOfCallReport,
		EventSubtype:   endedReason,
		EventData:      data,
	})
}

// LogError records a failure tied to a call.
func (l *Logger) LogError(ctx context.Context, callID, conversationID, source string, err error) {
	l.LogEvent(ctx, types.CallEvent{
		VapiCallID:     callID,
		ConversationID: conversationID,
		EventType:      types.EventError,
		EventSubtype:   source,
		EventData:      map[string]any{"error": err.Error()},
	})
}

// LogToolCall writes a tool log immediately, retrying transient failures a
// few times. It never touches the event buffer.
func (l *Logger) LogToolCall(ctx context.Context, tl types.ToolLog) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = writeTimeout
	op := func() error {
		return l.sink.InsertToolLog(wctx, tl)
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, 2), wctx)); err != nil {
		l.log.WithError(err).WithFields(logrus.Fields{
			"call_id": tl.VapiCallID,
			"tool":    tl.ToolName,
		}).Error("failed to write tool log")
		return fmt.Errorf("tool log: %w", err)
	}
	return nil
}

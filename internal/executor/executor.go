// Package executor gathers due work from the store and hands it to the
// execution surface. Execution failures are logged and reported on the event
// bus, never propagated; a failed check-in must not stop the scheduler.
package executor

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/msageha/vigil/internal/events"
	"github.com/msageha/vigil/internal/model"
)

// Sink is the execution surface contract: deliver the payload, report whether
// it was accepted.
type Sink interface {
	Dispatch(payload model.CheckPayload) (bool, error)
}

// WorkSource is the store contract the executor consumes.
type WorkSource interface {
	ListDue(now time.Time) ([]model.Reminder, error)
	ListPending() ([]model.Task, error)
	MarkFired(ids []string, now time.Time) error
}

// FallbackFunc is the secondary delivery path, tried once when the sink
// rejects or fails.
type FallbackFunc func(title, message string) error

// Outcome summarizes a check execution.
type Outcome string

const (
	OutcomeDispatched Outcome = "dispatched"
	OutcomeFallback   Outcome = "fallback"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeError      Outcome = "error"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// Executor runs check-ins for the current leader.
type Executor struct {
	source   WorkSource
	sink     Sink
	fallback FallbackFunc // nil disables the fallback path
	logger   *log.Logger
	logLevel LogLevel
	eventBus *events.Bus
}

func New(source WorkSource, sink Sink, fallback FallbackFunc, logger *log.Logger, logLevel LogLevel) *Executor {
	return &Executor{
		source:   source,
		sink:     sink,
		fallback: fallback,
		logger:   logger,
		logLevel: logLevel,
	}
}

// SetEventBus sets the event bus for publishing check outcomes.
func (e *Executor) SetEventBus(bus *events.Bus) {
	e.eventBus = bus
}

// RunCheck gathers due reminders and pending tasks, dispatches them to the
// sink, and reports the outcome. It never returns an error; the scheduler
// reschedules regardless.
func (e *Executor) RunCheck(ctx context.Context, now time.Time, forced bool, pinnedModel *string) Outcome {
	var (
		due     []model.Reminder
		pending []model.Task
	)

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		due, err = e.source.ListDue(now)
		return err
	})
	g.Go(func() error {
		var err error
		pending, err = e.source.ListPending()
		return err
	})
	if err := g.Wait(); err != nil {
		e.log(LogLevelError, "check_gather_failed error=%v", err)
		return OutcomeError
	}

	if len(due) == 0 && len(pending) == 0 && !forced {
		e.log(LogLevelDebug, "check_skipped reason=nothing_due")
		e.publish(events.EventCheckSkipped, map[string]interface{}{"at": now.UnixMilli()})
		return OutcomeSkipped
	}

	payload := model.CheckPayload{
		GeneratedAt: now.UnixMilli(),
		Forced:      forced,
		PinnedModel: pinnedModel,
		Reminders:   due,
		Tasks:       pending,
	}

	accepted, err := e.sink.Dispatch(payload)
	if err != nil || !accepted {
		e.log(LogLevelWarn, "check_dispatch_rejected reminders=%d tasks=%d error=%v",
			len(due), len(pending), err)
		return e.deliverFallback(payload, now)
	}

	e.markFired(due, now)
	e.log(LogLevelInfo, "check_dispatched reminders=%d tasks=%d forced=%v",
		len(due), len(pending), forced)
	e.publish(events.EventCheckDispatched, map[string]interface{}{
		"at":        now.UnixMilli(),
		"reminders": len(due),
		"tasks":     len(pending),
		"forced":    forced,
	})
	return OutcomeDispatched
}

func (e *Executor) deliverFallback(payload model.CheckPayload, now time.Time) Outcome {
	if e.fallback == nil {
		return OutcomeError
	}
	if err := e.fallback("vigil check-in", summarize(payload)); err != nil {
		e.log(LogLevelError, "check_fallback_failed error=%v", err)
		return OutcomeError
	}
	e.markFired(payload.Reminders, now)
	e.log(LogLevelInfo, "check_fallback_delivered reminders=%d tasks=%d",
		len(payload.Reminders), len(payload.Tasks))
	e.publish(events.EventCheckFallback, map[string]interface{}{
		"at":        payload.GeneratedAt,
		"reminders": len(payload.Reminders),
		"tasks":     len(payload.Tasks),
	})
	return OutcomeFallback
}

// markFired restarts delivered reminder cadences. Best-effort: a failure here
// means the reminder fires again next check, which is acceptable.
func (e *Executor) markFired(due []model.Reminder, now time.Time) {
	if len(due) == 0 {
		return
	}
	ids := make([]string, len(due))
	for i, r := range due {
		ids[i] = r.ID
	}
	if err := e.source.MarkFired(ids, now); err != nil {
		e.log(LogLevelWarn, "mark_fired_failed error=%v", err)
	}
}

func summarize(payload model.CheckPayload) string {
	var parts []string
	if n := len(payload.Reminders); n > 0 {
		parts = append(parts, fmt.Sprintf("%d reminder(s) due", n))
	}
	if n := len(payload.Tasks); n > 0 {
		parts = append(parts, fmt.Sprintf("%d task(s) pending", n))
	}
	if len(parts) == 0 {
		return "manual check-in requested"
	}
	return strings.Join(parts, ", ")
}

func (e *Executor) publish(eventType events.EventType, data map[string]interface{}) {
	if e.eventBus != nil {
		e.eventBus.Publish(eventType, data)
	}
}

func (e *Executor) log(level LogLevel, format string, args ...any) {
	if level < e.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	e.logger.Printf("%s %s executor: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}

package executor

import (
	"bytes"
	"context"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/msageha/vigil/internal/model"
)

type fakeSource struct {
	due     []model.Reminder
	pending []model.Task
	listErr error
	fired   [][]string
}

func (s *fakeSource) ListDue(time.Time) ([]model.Reminder, error) {
	return s.due, s.listErr
}

func (s *fakeSource) ListPending() ([]model.Task, error) {
	return s.pending, s.listErr
}

func (s *fakeSource) MarkFired(ids []string, _ time.Time) error {
	s.fired = append(s.fired, ids)
	return nil
}

type fakeSink struct {
	accepted bool
	err      error
	payloads []model.CheckPayload
}

func (s *fakeSink) Dispatch(payload model.CheckPayload) (bool, error) {
	s.payloads = append(s.payloads, payload)
	return s.accepted, s.err
}

func newTestExecutor(source *fakeSource, sink *fakeSink, fallback FallbackFunc) *Executor {
	return New(source, sink, fallback, log.New(&bytes.Buffer{}, "", 0), LogLevelError)
}

func TestRunCheck_Dispatches(t *testing.T) {
	source := &fakeSource{
		due:     []model.Reminder{{ID: "rem_1", Content: "stretch"}},
		pending: []model.Task{{ID: "task_1", Content: "review PR", Status: model.StatusPending}},
	}
	sink := &fakeSink{accepted: true}
	e := newTestExecutor(source, sink, nil)

	now := time.Now()
	outcome := e.RunCheck(context.Background(), now, false, nil)

	if outcome != OutcomeDispatched {
		t.Fatalf("outcome: got %s, want dispatched", outcome)
	}
	if len(sink.payloads) != 1 {
		t.Fatalf("dispatch calls: got %d", len(sink.payloads))
	}
	p := sink.payloads[0]
	if p.GeneratedAt != now.UnixMilli() || p.Forced {
		t.Error("payload header mismatch")
	}
	if len(p.Reminders) != 1 || len(p.Tasks) != 1 {
		t.Error("payload contents mismatch")
	}
	if len(source.fired) != 1 || source.fired[0][0] != "rem_1" {
		t.Error("delivered reminders should be marked fired")
	}
}

func TestRunCheck_SkipsWhenNothingDue(t *testing.T) {
	source := &fakeSource{}
	sink := &fakeSink{accepted: true}
	e := newTestExecutor(source, sink, nil)

	outcome := e.RunCheck(context.Background(), time.Now(), false, nil)

	if outcome != OutcomeSkipped {
		t.Fatalf("outcome: got %s, want skipped", outcome)
	}
	if len(sink.payloads) != 0 {
		t.Error("nothing should be dispatched")
	}
}

func TestRunCheck_ForcedRunsWithEmptyStore(t *testing.T) {
	source := &fakeSource{}
	sink := &fakeSink{accepted: true}
	e := newTestExecutor(source, sink, nil)

	outcome := e.RunCheck(context.Background(), time.Now(), true, nil)

	if outcome != OutcomeDispatched {
		t.Fatalf("outcome: got %s, want dispatched", outcome)
	}
	if len(sink.payloads) != 1 || !sink.payloads[0].Forced {
		t.Error("forced check should dispatch a forced payload")
	}
	if len(source.fired) != 0 {
		t.Error("no reminders to mark fired")
	}
}

func TestRunCheck_FallbackOnRejection(t *testing.T) {
	source := &fakeSource{due: []model.Reminder{{ID: "rem_1", Content: "stand up"}}}
	sink := &fakeSink{accepted: false, err: errors.New("session gone")}

	var gotTitle, gotMessage string
	fallback := func(title, message string) error {
		gotTitle, gotMessage = title, message
		return nil
	}
	e := newTestExecutor(source, sink, fallback)

	outcome := e.RunCheck(context.Background(), time.Now(), false, nil)

	if outcome != OutcomeFallback {
		t.Fatalf("outcome: got %s, want fallback", outcome)
	}
	if gotTitle == "" || gotMessage == "" {
		t.Error("fallback should receive a title and summary")
	}
	if len(source.fired) != 1 {
		t.Error("fallback delivery should still mark reminders fired")
	}
}

func TestRunCheck_ErrorWhenNoFallback(t *testing.T) {
	source := &fakeSource{due: []model.Reminder{{ID: "rem_1"}}}
	sink := &fakeSink{accepted: false}
	e := newTestExecutor(source, sink, nil)

	if outcome := e.RunCheck(context.Background(), time.Now(), false, nil); outcome != OutcomeError {
		t.Fatalf("outcome: got %s, want error", outcome)
	}
	if len(source.fired) != 0 {
		t.Error("undelivered reminders must not be marked fired")
	}
}

func TestRunCheck_ErrorWhenFallbackFails(t *testing.T) {
	source := &fakeSource{due: []model.Reminder{{ID: "rem_1"}}}
	sink := &fakeSink{accepted: false}
	fallback := func(string, string) error { return errors.New("notifier missing") }
	e := newTestExecutor(source, sink, fallback)

	if outcome := e.RunCheck(context.Background(), time.Now(), false, nil); outcome != OutcomeError {
		t.Fatalf("outcome: got %s, want error", outcome)
	}
}

func TestRunCheck_GatherFailure(t *testing.T) {
	source := &fakeSource{listErr: errors.New("disk unhappy")}
	sink := &fakeSink{accepted: true}
	e := newTestExecutor(source, sink, nil)

	if outcome := e.RunCheck(context.Background(), time.Now(), false, nil); outcome != OutcomeError {
		t.Fatalf("outcome: got %s, want error", outcome)
	}
	if len(sink.payloads) != 0 {
		t.Error("nothing should be dispatched when gathering fails")
	}
}

func TestSummarize(t *testing.T) {
	p := model.CheckPayload{
		Reminders: []model.Reminder{{ID: "r1"}, {ID: "r2"}},
		Tasks:     []model.Task{{ID: "t1"}},
	}
	got := summarize(p)
	want := "2 reminder(s) due, 1 task(s) pending"
	if got != want {
		t.Errorf("summarize: got %q, want %q", got, want)
	}

	if got := summarize(model.CheckPayload{}); got != "manual check-in requested" {
		t.Errorf("empty summarize: got %q", got)
	}
}

package alerting

import (
	"context"
	"errors"
	"testing"

	xerrors "Aetherra-Core/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	a := &recordingNotifier{channel: "a"}
	b := &recordingNotifier{channel: "b", err: errors.New("down")}
	d := NewFanout(a, nil, b)

	err := d.Notify(context.Background(), Event{Code: xerrors.CodeUnknown, Message: "boom", JobID: "j1"})
	if err == nil {
		t.Fatalf("expected joined error from channel b")
	}
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("expected one event per notifier, got %d/%d", len(a.events), len(b.events))
	}
	if a.events[0].Channel != "a" || a.events[0].OccurredAt.IsZero() {
		t.Fatalf("event not stamped: %+v", a.events[0])
	}
}

func TestNilFanoutIsNoop(t *testing.T) {
	var d *FanoutDispatcher
	if err := d.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("nil dispatcher: %v", err)
	}
}

func TestRedisNotifierWithoutClientDrops(t *testing.T) {
	n := NewRedisNotifier(nil, "")
	if n.Topic != "aetherra:alerts" {
		t.Fatalf("unexpected default topic %q", n.Topic)
	}
	if err := n.Notify(context.Background(), Event{JobID: "j1"}); err != nil {
		t.Fatalf("unconfigured notifier should drop silently: %v", err)
	}
}

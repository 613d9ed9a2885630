package session

import (
	"context"
	"testing"
	"time"
)

func TestClockSubmitsTicks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ticks := make(chan Event, 8)
	stamp := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := Clock{Interval: 5 * time.Millisecond, Now: func() time.Time { return stamp }}

	done := make(chan error, 1)
	submit := func(ev Event) {
		select {
		case ticks <- ev:
		default:
		}
	}
	go func() { done <- clock.Run(ctx, submit) }()

	select {
	case ev := <-ticks:
		tick, ok := ev.(ClockTick)
		if !ok || !tick.At.Equal(stamp) {
			t.Fatalf("unexpected event %#v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a tick")
	}
	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestCaptionCollapsesWhitespace(t *testing.T) {
	if got := caption("  hello \n\n world  ", 220); got != "hello world" {
		t.Fatalf("unexpected caption %q", got)
	}
	if got := caption("abc", 0); got != "abc" {
		t.Fatalf("limit 0 must not truncate, got %q", got)
	}
}

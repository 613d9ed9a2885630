package transcript

import (
	"strings"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

func at(ms int) time.Time {
	return t0.Add(time.Duration(ms) * time.Millisecond)
}

func speaker(n int) *int { return &n }

func newTestAssembler() *Assembler {
	return NewAssembler(Options{SessionID: "sess"})
}

func TestFillerStrippedOnFirstEvent(t *testing.T) {
	a := newTestAssembler()
	out := a.Apply(Input{Text: "you hello", IsFinal: true, At: t0})
	if !out.Started {
		t.Fatal("expected a new block")
	}
	active, ok := a.Active()
	if !ok || active.FinalText != "Hello" {
		t.Fatalf("expected active text Hello, got %+v", active)
	}
}

func TestFillerKeptMidBlock(t *testing.T) {
	a := newTestAssembler()
	a.Apply(Input{Text: "we met yesterday", IsFinal: true, At: at(0)})
	a.Apply(Input{Text: "you know it works", IsFinal: true, At: at(1000)})
	a.Apply(Input{Text: "ah right", IsFinal: false, At: at(2000)})

	active, _ := a.Active()
	if active.FinalText != "we met yesterday you know it works" {
		t.Fatalf("filler stripped mid-block: %q", active.FinalText)
	}
	if active.InterimText != "ah right" {
		t.Fatalf("interim filler stripped mid-block: %q", active.InterimText)
	}
	if out := a.Apply(Input{Text: "you", IsFinal: true, At: at(3000)}); out.Ignored {
		t.Fatal("a lone filler inside an utterance is speech")
	}
}

func TestFillerStrippedWhileOpeningUtteranceIsInterim(t *testing.T) {
	a := newTestAssembler()
	a.Apply(Input{Text: "um so", IsFinal: false, At: at(0)})
	a.Apply(Input{Text: "um so we ship", IsFinal: true, At: at(500)})

	active, _ := a.Active()
	if active.FinalText != "So we ship" || active.InterimText != "" {
		t.Fatalf("unexpected opening utterance %+v", active)
	}
}

func TestFillerStrippedAfterRotation(t *testing.T) {
	a := newTestAssembler()
	a.Apply(Input{Text: "first", IsFinal: true, At: at(0)})
	out := a.Apply(Input{Text: "uh second", IsFinal: true, At: at(25000)})
	if out.Finalized == nil || !out.Started {
		t.Fatalf("expected rotation, got %+v", out)
	}
	active, _ := a.Active()
	if active.FinalText != "Second" {
		t.Fatalf("expected filler stripped in the new block, got %q", active.FinalText)
	}
}

func TestFinalsTwentyFiveSecondsApart(t *testing.T) {
	a := newTestAssembler()
	a.Apply(Input{Text: "first thought", IsFinal: true, At: at(0)})
	out := a.Apply(Input{Text: "second thought", IsFinal: true, At: at(25000)})

	if out.Finalized == nil {
		t.Fatal("expected first block to be finalized")
	}
	if out.Finalized.Text != "first thought" {
		t.Fatalf("finalized block has wrong text %q", out.Finalized.Text)
	}
	if !out.Started {
		t.Fatal("expected second event to start a new block")
	}
	active, _ := a.Active()
	if active.FinalText != "second thought" || active.ID == out.Finalized.ID {
		t.Fatalf("unexpected active block %+v", active)
	}
}

func TestRotationBoundary(t *testing.T) {
	a := newTestAssembler()
	a.Apply(Input{Text: "start", IsFinal: true, At: at(0)})
	if out := a.Apply(Input{Text: "inside", IsFinal: true, At: at(19999)}); out.Finalized != nil {
		t.Fatal("19999ms must not rotate")
	}
	if out := a.Apply(Input{Text: "exact", IsFinal: true, At: at(20000)}); out.Finalized != nil {
		t.Fatal("exactly the window must not rotate")
	}
	out := a.Apply(Input{Text: "after", IsFinal: true, At: at(20001)})
	if out.Finalized == nil {
		t.Fatal("20001ms must rotate")
	}
	if out.Finalized.Text != "start inside exact" {
		t.Fatalf("unexpected finalized text %q", out.Finalized.Text)
	}
}

func TestInterimNeverAccumulates(t *testing.T) {
	a := newTestAssembler()
	a.Apply(Input{Text: "we should", At: at(0)})
	a.Apply(Input{Text: "we should ship", At: at(300)})
	active, _ := a.Active()
	if active.InterimText != "we should ship" || active.FinalText != "" {
		t.Fatalf("interim should replace, got %+v", active)
	}
	a.Apply(Input{Text: "we should ship now", IsFinal: true, At: at(600)})
	active, _ = a.Active()
	if active.FinalText != "we should ship now" || active.InterimText != "" {
		t.Fatalf("unexpected block after final %+v", active)
	}
	out := a.Rotate(at(700))
	if out.Finalized == nil || out.Finalized.Text != "we should ship now" {
		t.Fatalf("unexpected finalized block %+v", out.Finalized)
	}
}

func TestBlankEventsAreNoOps(t *testing.T) {
	a := newTestAssembler()
	for _, text := range []string{"", "   ", "\n\t", "you"} {
		out := a.Apply(Input{Text: text, IsFinal: true, At: at(0)})
		if !out.Ignored || out.Started {
			t.Fatalf("blank %q should be ignored", text)
		}
	}
	if _, ok := a.Active(); ok {
		t.Fatal("blank events must not create a block")
	}

	a.Apply(Input{Text: "hello", IsFinal: true, At: at(0)})
	before, _ := a.Active()
	out := a.Apply(Input{Text: "  ", IsFinal: true, At: at(30000)})
	after, _ := a.Active()
	if out.Finalized != nil || before.FinalText != after.FinalText || before.ID != after.ID {
		t.Fatal("blank event must not mutate or rotate the active block")
	}
}

func TestUtteranceEndPromotesText(t *testing.T) {
	a := newTestAssembler()
	a.Apply(Input{Text: "Good morning.", IsFinal: true, At: at(0)})
	a.Apply(Input{Text: "let us begin", At: at(100)})
	a.Apply(Input{Text: "let us begin today", UtteranceEnd: true, At: at(200)})
	active, _ := a.Active()
	if active.FinalText != "Good morning. let us begin today" || active.InterimText != "" {
		t.Fatalf("unexpected block %+v", active)
	}
}

func TestSpeakerChangeStartsParagraph(t *testing.T) {
	a := newTestAssembler()
	a.Apply(Input{Text: "hi there", IsFinal: true, SpeakerTag: speaker(0), At: at(0)})
	a.Apply(Input{Text: "still me", IsFinal: true, SpeakerTag: speaker(0), At: at(100)})
	a.Apply(Input{Text: "untagged", IsFinal: true, At: at(200)})
	a.Apply(Input{Text: "hello", IsFinal: true, SpeakerTag: speaker(1), At: at(300)})
	active, _ := a.Active()
	want := "hi there still me untagged\n\nhello"
	if active.FinalText != want {
		t.Fatalf("want %q got %q", want, active.FinalText)
	}
}

func TestSpeakerLabels(t *testing.T) {
	a := NewAssembler(Options{SessionID: "sess", LabelSpeakers: true})
	a.Apply(Input{Text: "hi there", IsFinal: true, SpeakerTag: speaker(1), At: at(0)})
	a.Apply(Input{Text: "more", IsFinal: true, SpeakerTag: speaker(1), At: at(100)})
	a.Apply(Input{Text: "hello", IsFinal: true, SpeakerTag: speaker(2), At: at(200)})
	active, _ := a.Active()
	want := "Speaker 1: hi there more\n\nSpeaker 2: hello"
	if active.FinalText != want {
		t.Fatalf("want %q got %q", want, active.FinalText)
	}
}

func TestRotateFoldsPendingInterim(t *testing.T) {
	a := newTestAssembler()
	a.Apply(Input{Text: "decided", IsFinal: true, At: at(0)})
	a.Apply(Input{Text: "and then", At: at(100)})
	out := a.Apply(Input{Text: "next topic", IsFinal: true, At: at(21000)})
	if out.Finalized == nil || out.Finalized.Text != "decided and then" {
		t.Fatalf("unexpected finalized block %+v", out.Finalized)
	}
	if !out.Finalized.EndTime.Equal(at(21000)) {
		t.Fatalf("unexpected end time %v", out.Finalized.EndTime)
	}
}

func TestSingleActiveBlockAndUniqueIDs(t *testing.T) {
	a := newTestAssembler()
	seen := map[string]bool{}
	clock := 0
	for i := 0; i < 40; i++ {
		clock += 7000
		out := a.Apply(Input{Text: strings.Repeat("word ", i%3+1), IsFinal: i%2 == 0, At: at(clock)})
		if out.Finalized != nil {
			if seen[out.Finalized.ID] {
				t.Fatalf("duplicate block id %s", out.Finalized.ID)
			}
			seen[out.Finalized.ID] = true
			active, ok := a.Active()
			if !ok || active.ID == out.Finalized.ID {
				t.Fatal("finalized block must not remain active")
			}
		}
	}
	if len(seen) == 0 {
		t.Fatal("expected some rotations")
	}
}

func TestDiscardDropsActive(t *testing.T) {
	a := newTestAssembler()
	a.Apply(Input{Text: "in progress", IsFinal: true, At: at(0)})
	a.Discard()
	if _, ok := a.Active(); ok {
		t.Fatal("expected no active block")
	}
	if out := a.Rotate(at(1)); out.Finalized != nil {
		t.Fatal("rotate after discard must not finalize anything")
	}
}

func TestTimeLeft(t *testing.T) {
	a := newTestAssembler()
	if _, ok := a.TimeLeft(at(0)); ok {
		t.Fatal("expected no countdown without active block")
	}
	a.Apply(Input{Text: "hello", IsFinal: true, At: at(0)})
	cases := map[int]int{0: 20, 999: 20, 1000: 19, 19500: 1, 20000: 0, 45000: 0}
	for ms, want := range cases {
		if got, _ := a.TimeLeft(at(ms)); got != want {
			t.Fatalf("TimeLeft at %dms = %d, want %d", ms, got, want)
		}
	}
}

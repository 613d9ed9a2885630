package transcript

import (
	"strconv"
	"strings"
	"time"
)

// DefaultWindow is how long a block may age before the next event rotates it.
const DefaultWindow = 20000 * time.Millisecond

// Input is one recognition event as seen by the assembler.
type Input struct {
	Text         string
	IsFinal      bool
	UtteranceEnd bool
	SpeakerTag   *int
	Metadata     map[string]any
	At           time.Time
}

// Outcome reports what an Apply or Rotate did.
type Outcome struct {
	Ignored   bool
	Started   bool
	Finalized *Block
}

type Options struct {
	SessionID     string
	Window        time.Duration
	LabelSpeakers bool
	Fillers       []string
}

// Assembler merges recognition events into blocks. It is not safe for
// concurrent use; the session controller owns it.
type Assembler struct {
	opts   Options
	ids    *IDGenerator
	active *ActiveBlock
}

func NewAssembler(opts Options) *Assembler {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Fillers == nil {
		opts.Fillers = DefaultFillers
	}
	return &Assembler{
		opts: opts,
		ids:  NewIDGenerator(opts.SessionID),
	}
}

// Apply feeds one event. Rotation is lazy: a block older than the window is
// finalized only when the next non-blank event arrives. Filler stripping only
// applies to the event that opens an utterance.
func (a *Assembler) Apply(in Input) Outcome {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return Outcome{Ignored: true}
	}
	stale := a.active != nil && in.At.Sub(a.active.StartTime) > a.opts.Window
	if a.active == nil || stale || a.active.FinalText == "" {
		if text = Clean(text, a.opts.Fillers); text == "" {
			return Outcome{Ignored: true}
		}
	}

	var out Outcome
	if stale {
		out.Finalized = a.finalize(in.At)
	}

	if a.active == nil {
		a.start(text, in)
		out.Started = true
		return out
	}

	if in.Metadata != nil {
		a.active.Metadata = in.Metadata
	}
	if in.IsFinal || in.UtteranceEnd {
		a.appendFinal(text, in.SpeakerTag)
		a.active.InterimText = ""
	} else {
		a.active.InterimText = text
	}
	return out
}

// Rotate finalizes the active block regardless of its age.
func (a *Assembler) Rotate(now time.Time) Outcome {
	if a.active == nil {
		return Outcome{}
	}
	return Outcome{Finalized: a.finalize(now)}
}

// Discard drops the active block without finalizing it.
func (a *Assembler) Discard() {
	a.active = nil
}

// Active returns a copy of the active block, if any.
func (a *Assembler) Active() (ActiveBlock, bool) {
	if a.active == nil {
		return ActiveBlock{}, false
	}
	cp := *a.active
	if cp.LastSpeaker != nil {
		tag := *cp.LastSpeaker
		cp.LastSpeaker = &tag
	}
	return cp, true
}

// TimeLeft is the whole seconds remaining in the active block's window,
// floored at zero.
func (a *Assembler) TimeLeft(now time.Time) (int, bool) {
	if a.active == nil {
		return 0, false
	}
	windowSeconds := int(a.opts.Window / time.Second)
	elapsed := int(now.Sub(a.active.StartTime).Milliseconds() / 1000)
	if elapsed < 0 {
		elapsed = 0
	}
	left := windowSeconds - elapsed
	if left < 0 {
		left = 0
	}
	return left, true
}

func (a *Assembler) Window() time.Duration { return a.opts.Window }

func (a *Assembler) start(text string, in Input) {
	blk := &ActiveBlock{
		ID:        a.ids.Next(),
		StartTime: in.At,
		Metadata:  in.Metadata,
	}
	a.active = blk
	if in.IsFinal {
		a.appendFinal(text, in.SpeakerTag)
		return
	}
	blk.InterimText = text
}

// appendFinal joins with a space, or with a blank line when the tagged speaker
// differs from the last tagged final. Untagged events continue the paragraph.
func (a *Assembler) appendFinal(text string, speaker *int) {
	blk := a.active
	changed := speaker != nil && blk.LastSpeaker != nil && *speaker != *blk.LastSpeaker
	labelled := a.opts.LabelSpeakers && speaker != nil && (blk.FinalText == "" || changed || blk.LastSpeaker == nil)
	if labelled {
		text = "Speaker " + strconv.Itoa(*speaker) + ": " + text
	}

	switch {
	case blk.FinalText == "":
		blk.FinalText = text
	case changed || labelled:
		blk.FinalText += "\n\n" + text
	default:
		blk.FinalText += " " + text
	}
	if speaker != nil {
		tag := *speaker
		blk.LastSpeaker = &tag
	}
}

// finalize folds pending interim text into the block and returns it. Blocks
// with no text are dropped.
func (a *Assembler) finalize(now time.Time) *Block {
	blk := a.active
	a.active = nil
	text := strings.TrimSpace(blk.Text())
	if text == "" {
		return nil
	}
	return &Block{
		ID:        blk.ID,
		Text:      text,
		StartTime: blk.StartTime,
		EndTime:   now,
	}
}

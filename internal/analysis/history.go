package analysis

import "github.com/loqalabs/loqa-scribe/internal/transcript"

// Entry is a finalized block and the results attached to it so far.
type Entry struct {
	Block   transcript.Block   `json:"block"`
	Results map[Variant]Result `json:"results"`
}

// History is the ordered list of finalized blocks for one session.
type History struct {
	entries []*Entry
	index   map[string]*Entry
}

func NewHistory() *History {
	return &History{index: make(map[string]*Entry)}
}

// Append adds a finalized block. It reports false, leaving history unchanged,
// when a block with the same id is already present.
func (h *History) Append(b transcript.Block) bool {
	if _, exists := h.index[b.ID]; exists {
		return false
	}
	e := &Entry{Block: b, Results: make(map[Variant]Result)}
	h.entries = append(h.entries, e)
	h.index[b.ID] = e
	return true
}

func (h *History) attach(id string, v Variant, r Result) bool {
	e, ok := h.index[id]
	if !ok {
		return false
	}
	e.Results[v] = r
	return true
}

func (h *History) Lookup(id string) (Entry, bool) {
	e, ok := h.index[id]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

func (h *History) Len() int { return len(h.entries) }

// Entries returns copies in finalization order.
func (h *History) Entries() []Entry {
	out := make([]Entry, len(h.entries))
	for i, e := range h.entries {
		out[i] = e.clone()
	}
	return out
}

func (h *History) Reset() {
	h.entries = nil
	h.index = make(map[string]*Entry)
}

func (e *Entry) clone() Entry {
	results := make(map[Variant]Result, len(e.Results))
	for k, v := range e.Results {
		results[k] = v
	}
	return Entry{Block: e.Block, Results: results}
}

package session

import (
	"strings"
	"unicode/utf8"
)

// Snapshot copies the session state. It is safe to call from any goroutine.
func (c *Controller) Snapshot() (Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.sess
	if s == nil {
		return Snapshot{}, ErrNoSession
	}
	snap := Snapshot{
		ConnectionID:    s.ConnectionID,
		Provider:        s.Provider,
		Agent:           s.Agent,
		Preference:      s.Preference,
		Step:            s.Step,
		IsScreenShare:   s.IsScreenShare,
		History:         s.history.Entries(),
		ProcessedBlocks: s.dispatcher.ProcessedCount(),
		Pending:         s.dispatcher.Pending(),
		TimeLeft:        s.timeLeft,
		Uplink:          c.telemetry.Snapshot(),
		BytesPerSecond:  s.bytesPerSecond,
		FramesPerSecond: s.framesPerSecond,
		Responses:       s.router.Log(),
		LastError:       s.lastError,
	}
	if active, ok := s.assembler.Active(); ok {
		snap.Active = &active
	}
	return snap, nil
}

// Export renders finalized blocks, then the active block's final text, as
// plain paragraphs.
func (c *Controller) Export() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.sess
	if s == nil {
		return "", ErrNoSession
	}
	var parts []string
	for _, e := range s.history.Entries() {
		parts = append(parts, e.Block.Text)
	}
	if active, ok := s.assembler.Active(); ok && strings.TrimSpace(active.FinalText) != "" {
		parts = append(parts, active.FinalText)
	}
	return strings.Join(parts, "\n\n"), nil
}

// Caption is the tail of the active block's text for an overlay, at most
// limit runes, prefixed with an ellipsis when cut.
func (c *Controller) Caption(limit int) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sess == nil {
		return ""
	}
	active, ok := c.sess.assembler.Active()
	if !ok {
		return ""
	}
	return caption(active.Text(), limit)
}

func caption(text string, limit int) string {
	text = strings.Join(strings.Fields(text), " ")
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return "… " + strings.TrimSpace(string(runes[len(runes)-limit:]))
}

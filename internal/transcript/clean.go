package transcript

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultFillers are short acknowledgement tokens recognizers tend to emit at
// the start of an utterance.
var DefaultFillers = []string{"you", "uh", "um", "hmm", "mhm", "ah"}

// Clean trims text and strips one leading filler token. When a filler was
// stripped the first remaining rune is upper-cased. A blank result means the
// event carries nothing.
func Clean(text string, fillers []string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	head, rest, found := strings.Cut(text, " ")
	if !isFiller(head, fillers) {
		return text
	}
	if !found {
		return ""
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return ""
	}
	r, size := utf8.DecodeRuneInString(rest)
	return string(unicode.ToUpper(r)) + rest[size:]
}

func isFiller(token string, fillers []string) bool {
	token = strings.TrimRightFunc(token, unicode.IsPunct)
	for _, f := range fillers {
		if strings.EqualFold(token, f) {
			return true
		}
	}
	return false
}

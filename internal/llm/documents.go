package llm

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"
)

// Match is one reference passage relevant to a block.
type Match struct {
	Filename   string
	Excerpt    string
	Similarity float64
}

type passage struct {
	filename string
	text     string
	terms    map[string]struct{}
}

// Library is a small keyword index over reference documents. Each blank-line
// separated paragraph is scored against the query by term overlap.
type Library struct {
	dir      string
	passages []passage
}

// LoadLibrary indexes every .txt and .md file directly under dir. An empty dir
// yields an empty library.
func LoadLibrary(dir string) (*Library, error) {
	lib := &Library{dir: dir}
	if dir == "" {
		return lib, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read documents dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".txt", ".md":
		default:
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read document %s: %w", entry.Name(), err)
		}
		for _, para := range strings.Split(string(data), "\n\n") {
			para = strings.TrimSpace(para)
			if para == "" {
				continue
			}
			lib.passages = append(lib.passages, passage{
				filename: entry.Name(),
				text:     para,
				terms:    terms(para),
			})
		}
	}
	return lib, nil
}

func (l *Library) Len() int {
	if l == nil {
		return 0
	}
	return len(l.passages)
}

// Bucket names the collection matches come from.
func (l *Library) Bucket() string {
	if l == nil || l.dir == "" {
		return ""
	}
	return filepath.Base(l.dir)
}

// Search returns at most limit passages with a non-zero Jaccard similarity to
// text, best first, one per file.
func (l *Library) Search(text string, limit int) []Match {
	if l.Len() == 0 || limit <= 0 {
		return nil
	}
	query := terms(text)
	if len(query) == 0 {
		return nil
	}
	best := make(map[string]Match)
	for _, p := range l.passages {
		score := jaccard(query, p.terms)
		if score == 0 {
			continue
		}
		if cur, ok := best[p.filename]; !ok || score > cur.Similarity {
			best[p.filename] = Match{Filename: p.filename, Excerpt: p.text, Similarity: score}
		}
	}
	matches := make([]Match, 0, len(best))
	for _, m := range best {
		matches = append(matches, m)
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Filename < matches[j].Filename
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// terms ignores words shorter than three letters.
func terms(text string) map[string]struct{} {
	out := make(map[string]struct{})
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		if len([]rune(w)) < 3 {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for w := range a {
		if _, ok := b[w]; ok {
			shared++
		}
	}
	union := len(a) + len(b) - shared
	return float64(shared) / float64(union)
}

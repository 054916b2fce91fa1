// Package search provides a small, deterministic, concurrency-safe lexical
// index over chat messages.
//
//   - No logging in the library (callers decide how/what to log)
//   - Unicode-aware tokenization with case folding and optional stop words
//   - Immutable after construction (safe for concurrent use)
//   - Deterministic scoring and sorting (stable order for ties)
//
// Scoring uses Jaccard similarity between the query token set and each
// message's token set: score = |Q ∩ M| / |Q ∪ M|.
package search

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
)

// Document is one searchable text, usually a cached message.
type Document struct {
	ID   string
	Text string
}

// Result is a ranked document with its similarity score.
type Result struct {
	ID      string  `json:"id"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// Index is the minimal interface implemented by all search indices.
type Index interface {
	TopK(query string, k int) []Result
	Len() int
}

// ----------------------------------------------------------------------------
// Options

type Option func(*config)

type config struct {
	minRunes  int
	stopwords map[string]struct{}
	maxDocs   int
}

func defaultConfig() config {
	return config{minRunes: 1}
}

// WithMinRunes skips documents shorter than n runes after preparation.
func WithMinRunes(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.minRunes = n
		}
	}
}

func WithStopwords(words []string) Option {
	return func(c *config) {
		m := make(map[string]struct{}, len(words))
		for _, w := range words {
			w = strings.ToLower(strings.TrimSpace(w))
			if w != "" {
				m[w] = struct{}{}
			}
		}
		if len(m) > 0 {
			c.stopwords = m
		}
	}
}

func WithMaxDocs(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxDocs = n
		}
	}
}

// ----------------------------------------------------------------------------
// Implementation

type doc struct {
	id     string
	text   string
	tokens map[string]struct{}
}

type index struct {
	cfg  config
	docs []doc
}

// NewIndex builds an index over docs. Text is run through PrepareMessage
// first; documents left empty are skipped.
func NewIndex(docs []Document, opts ...Option) Index {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	out := make([]doc, 0, len(docs))
	for _, d := range docs {
		t := PrepareMessage(d.Text)
		if t == "" || utf8.RuneCountInString(t) < cfg.minRunes {
			continue
		}
		toks := tokenize(t, cfg.stopwords)
		if len(toks) == 0 {
			continue
		}
		out = append(out, doc{id: d.ID, text: t, tokens: toks})
		if cfg.maxDocs > 0 && len(out) >= cfg.maxDocs {
			break
		}
	}
	return &index{cfg: cfg, docs: out}
}

func (i *index) Len() int { return len(i.docs) }

// TopK returns up to k best-matching documents by Jaccard similarity.
func (i *index) TopK(q string, k int) []Result {
	if len(i.docs) == 0 || strings.TrimSpace(q) == "" {
		return nil
	}
	if k <= 0 {
		k = 3
	}
	qTokens := tokenize(q, i.cfg.stopwords)
	if len(qTokens) == 0 {
		return nil
	}

	type scored struct {
		Result
		lenRunes int
	}
	buf := make([]scored, 0, min(k*4, len(i.docs)))
	for _, d := range i.docs {
		over := overlap(qTokens, d.tokens)
		if over == 0 {
			continue
		}
		union := float64(len(qTokens) + len(d.tokens) - over)
		buf = append(buf, scored{
			Result:   Result{ID: d.id, Snippet: d.text, Score: float64(over) / union},
			lenRunes: utf8.RuneCountInString(d.text),
		})
	}
	if len(buf) == 0 {
		return nil
	}

	sort.SliceStable(buf, func(a, b int) bool {
		if buf[a].Score != buf[b].Score {
			return buf[a].Score > buf[b].Score
		}
		if buf[a].lenRunes != buf[b].lenRunes {
			return buf[a].lenRunes < buf[b].lenRunes
		}
		return buf[a].ID < buf[b].ID
	})

	if k > len(buf) {
		k = len(buf)
	}
	out := make([]Result, k)
	for n := 0; n < k; n++ {
		out[n] = buf[n].Result
	}
	return out
}

// ----------------------------------------------------------------------------
// Helpers

var wordRE = regexp.MustCompile(`\p{L}+\p{N}*|\p{N}+`)

func tokenize(s string, stop map[string]struct{}) map[string]struct{} {
	s = cases.Fold().String(s)
	words := wordRE.FindAllString(s, -1)
	if len(words) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		if stop != nil {
			if _, skip := stop[w]; skip {
				continue
			}
		}
		out[w] = struct{}{}
	}
	return out
}

func overlap(a, b map[string]struct{}) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	n := 0
	if len(a) > len(b) {
		a, b = b, a
	}
	for k := range a {
		if _, ok := b[k]; ok {
			n++
		}
	}
	return n
}

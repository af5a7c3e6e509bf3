// Package scoring measures how LLM assistants represent a brand when asked
// the intent phrases generated for its domain.
package scoring

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Query is one intent phrase asked on behalf of a brand.
type Query struct {
	Domain string `json:"domain"`
	Brand  string `json:"brand"`
	Phrase string `json:"phrase"`
}

// Score is the relevance of a brand in one answer.
type Score struct {
	Provider  string `json:"provider"`
	Phrase    string `json:"phrase"`
	Value     int    `json:"value"` // 0–100
	Mentioned bool   `json:"mentioned"`
	Sentiment string `json:"sentiment"` // positive, neutral, negative
	Excerpt   string `json:"excerpt,omitempty"`
}

// Scorer rates a brand's visibility for a query.
type Scorer interface {
	Name() string
	Score(ctx context.Context, q Query) (Score, error)
}

// Asker sends a prompt to an assistant and returns its answer.
type Asker interface {
	Ask(ctx context.Context, prompt string) (string, error)
}

// Probe asks an assistant the query's phrase and analyzes the answer.
type Probe struct {
	Provider string
	Asker    Asker
}

func (p *Probe) Name() string { return p.Provider }

func (p *Probe) Score(ctx context.Context, q Query) (Score, error) {
	answer, err := p.Asker.Ask(ctx, q.Phrase)
	if err != nil {
		return Score{}, fmt.Errorf("%s probe: %w", p.Provider, err)
	}
	s := Analyze(q, answer)
	s.Provider = p.Provider
	return s, nil
}

// Heuristic scores queries offline against a fixed text, usually the
// domain's homepage.
type Heuristic struct {
	Content string
}

func (h *Heuristic) Name() string { return "heuristic" }

func (h *Heuristic) Score(ctx context.Context, q Query) (Score, error) {
	if err := ctx.Err(); err != nil {
		return Score{}, err
	}
	s := Analyze(q, h.Content)
	s.Provider = h.Name()
	return s, nil
}

const systemPrompt = "You are a helpful assistant. Answer the user's question directly. " +
	"When products, services or companies are relevant, name the ones you would recommend."

// Weights of the analysis. They sum to 100.
const (
	weightMention   = 45
	weightPosition  = 20
	weightCoverage  = 20
	weightSentiment = 15
)

var (
	positiveWords = []string{"best", "leading", "recommend", "popular", "trusted", "reliable", "excellent", "great", "top", "favorite"}
	negativeWords = []string{"avoid", "poor", "expensive", "outdated", "complaints", "unreliable", "worse", "lacks", "scam", "slow"}
)

// Analyze scores answer for q as a weighted sum of brand mention, how early
// the first mention appears, how many phrase terms the answer covers and the
// sentiment of the text around the mention. It is deterministic.
func Analyze(q Query, answer string) Score {
	text, offsets := lowerIndex(answer)
	s := Score{Phrase: q.Phrase, Sentiment: "neutral"}
	if strings.TrimSpace(text) == "" {
		return s
	}

	pos := firstMention(text, q)
	var total float64
	window := text
	if pos >= 0 {
		s.Mentioned = true
		total += weightMention
		total += weightPosition * (1 - float64(pos)/float64(len(text)))
		window = around(text, pos, 200)
		s.Excerpt = strings.TrimSpace(around(answer, offsets[pos], 120))
	}

	total += weightCoverage * coverage(text, q.Phrase)

	switch sentiment(window) {
	case 1:
		s.Sentiment = "positive"
		total += weightSentiment
	case -1:
		s.Sentiment = "negative"
	default:
		total += weightSentiment / 2
	}

	s.Value = int(total + 0.5)
	if s.Value > 100 {
		s.Value = 100
	}
	return s
}

func firstMention(text string, q Query) int {
	best := -1
	for _, needle := range mentionNeedles(q) {
		if i := strings.Index(text, needle); i >= 0 && (best < 0 || i < best) {
			best = i
		}
	}
	return best
}

func mentionNeedles(q Query) []string {
	var out []string
	if b := strings.ToLower(strings.TrimSpace(q.Brand)); b != "" {
		out = append(out, b)
	}
	if d := strings.ToLower(strings.TrimPrefix(q.Domain, "www.")); d != "" {
		out = append(out, d)
	}
	return out
}

func coverage(text, phrase string) float64 {
	terms := tokenize(phrase)
	if len(terms) == 0 {
		return 0
	}
	words := make(map[string]bool)
	for _, w := range tokenize(text) {
		words[w] = true
	}
	hit := 0
	for _, t := range terms {
		if words[t] {
			hit++
		}
	}
	return float64(hit) / float64(len(terms))
}

func sentiment(text string) int {
	words := make(map[string]bool)
	for _, w := range tokenize(text) {
		words[w] = true
	}
	score := 0
	for _, w := range positiveWords {
		if words[w] {
			score++
		}
	}
	for _, w := range negativeWords {
		if words[w] {
			score--
		}
	}
	switch {
	case score > 0:
		return 1
	case score < 0:
		return -1
	default:
		return 0
	}
}

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "for": true, "to": true, "of": true, "in": true,
	"on": true, "and": true, "or": true, "is": true, "are": true, "what": true, "how": true,
	"i": true, "my": true, "with": true, "do": true, "which": true,
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if !stopWords[f] {
			out = append(out, f)
		}
	}
	return out
}

// lowerIndex lowercases s rune by rune. offsets[i] is the byte offset in s of
// the rune that produced byte i of the result; lowering may change a rune's
// width.
func lowerIndex(s string) (string, []int) {
	var b strings.Builder
	b.Grow(len(s))
	offsets := make([]int, 0, len(s)+1)
	for i, r := range s {
		n := b.Len()
		b.WriteRune(unicode.ToLower(r))
		for range b.Len() - n {
			offsets = append(offsets, i)
		}
	}
	offsets = append(offsets, len(s))
	return b.String(), offsets
}

// around returns up to radius bytes either side of pos, widened to whole runes.
func around(s string, pos, radius int) string {
	start := max(pos-radius, 0)
	end := min(pos+radius, len(s))
	if start > end {
		start = end
	}
	for start > 0 && !utf8.RuneStart(s[start]) {
		start--
	}
	for end < len(s) && !utf8.RuneStart(s[end]) {
		end++
	}
	return s[start:end]
}

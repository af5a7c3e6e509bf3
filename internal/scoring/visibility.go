package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/apresai/domain-analyzer/internal/config"
)

// ProviderResult aggregates one scorer's answers over all phrases.
type ProviderResult struct {
	Provider    string  `json:"provider"`
	Mean        float64 `json:"mean"`
	MentionRate float64 `json:"mention_rate"`
	Scores      []Score `json:"scores,omitempty"`
	Err         string  `json:"error,omitempty"`
}

// Report is the visibility of a brand across providers.
type Report struct {
	Domain    string           `json:"domain"`
	Brand     string           `json:"brand"`
	Providers []ProviderResult `json:"providers"`
	Overall   float64          `json:"overall"`
}

// Visibility runs scorers over a set of phrases with bounded parallelism.
type Visibility struct {
	Scorers     []Scorer
	Concurrency int
	Logger      *slog.Logger
}

func (v *Visibility) limit() int {
	if v.Concurrency > 0 {
		return v.Concurrency
	}
	return 4
}

// ScoreProvider asks one scorer every phrase. The first failure cancels the
// remaining phrases and is returned.
func (v *Visibility) ScoreProvider(ctx context.Context, s Scorer, base Query, phrases []string) (ProviderResult, error) {
	scores := make([]Score, len(phrases))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.limit())
	for i, phrase := range phrases {
		g.Go(func() error {
			q := base
			q.Phrase = phrase
			sc, err := s.Score(gctx, q)
			if err != nil {
				return err
			}
			scores[i] = sc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ProviderResult{Provider: s.Name(), Err: err.Error()}, err
	}
	return summarize(s.Name(), scores), nil
}

// Run scores every provider in parallel. A failing provider is recorded in
// its result; Run only fails when every provider failed or ctx ended.
func (v *Visibility) Run(ctx context.Context, base Query, phrases []string) (*Report, error) {
	log := v.Logger
	if log == nil {
		log = slog.Default()
	}
	results := make([]ProviderResult, len(v.Scorers))
	errs := make([]error, len(v.Scorers))

	var g errgroup.Group
	for i, s := range v.Scorers {
		g.Go(func() error {
			results[i], errs[i] = v.ScoreProvider(ctx, s, base, phrases)
			if errs[i] != nil {
				log.WarnContext(ctx, "Visibility probe failed", "provider", s.Name(), "error", errs[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(v.Scorers) > 0 && countErrs(errs) == len(v.Scorers) {
		return nil, fmt.Errorf("all visibility probes failed: %w", errors.Join(errs...))
	}
	return NewReport(base, results), nil
}

// NewReport builds a report from provider results. Overall is the mean of
// providers that succeeded.
func NewReport(base Query, results []ProviderResult) *Report {
	r := &Report{Domain: base.Domain, Brand: base.Brand, Providers: results}
	n := 0
	for _, pr := range results {
		if pr.Err == "" {
			r.Overall += pr.Mean
			n++
		}
	}
	if n > 0 {
		r.Overall /= float64(n)
	}
	sort.SliceStable(r.Providers, func(i, j int) bool { return r.Providers[i].Mean > r.Providers[j].Mean })
	return r
}

func summarize(provider string, scores []Score) ProviderResult {
	pr := ProviderResult{Provider: provider, Scores: scores}
	if len(scores) == 0 {
		return pr
	}
	mentioned := 0
	for _, s := range scores {
		pr.Mean += float64(s.Value)
		if s.Mentioned {
			mentioned++
		}
	}
	pr.Mean /= float64(len(scores))
	pr.MentionRate = float64(mentioned) / float64(len(scores))
	return pr
}

func countErrs(errs []error) int {
	n := 0
	for _, err := range errs {
		if err != nil {
			n++
		}
	}
	return n
}

// FromConfig builds the configured scorers. content feeds the heuristic
// scorer.
func FromConfig(ctx context.Context, cfg config.ScoringConfig, content string) ([]Scorer, error) {
	var out []Scorer
	for _, name := range cfg.Providers {
		switch name {
		case "heuristic":
			out = append(out, &Heuristic{Content: content})
		case "claude":
			out = append(out, &Probe{Provider: name, Asker: NewClaudeAsker(cfg.ClaudeModel, cfg.AnthropicAPIKey)})
		case "gemini":
			a, err := NewGeminiAsker(ctx, cfg.GeminiModel, cfg.GeminiAPIKey)
			if err != nil {
				return nil, err
			}
			out = append(out, &Probe{Provider: name, Asker: a})
		case "nova":
			a, err := NewNovaAsker(ctx, cfg.NovaModel)
			if err != nil {
				return nil, err
			}
			out = append(out, &Probe{Provider: name, Asker: a})
		default:
			return nil, fmt.Errorf("unknown scorer %q", name)
		}
	}
	return out, nil
}

// Package wizard runs the four analysis steps for a domain. Each step owns a
// stage list, a progress driver and a completion gate.
package wizard

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/apresai/domain-analyzer/internal/backend"
	"github.com/apresai/domain-analyzer/internal/config"
	"github.com/apresai/domain-analyzer/internal/crawl"
	"github.com/apresai/domain-analyzer/internal/driver"
	"github.com/apresai/domain-analyzer/internal/progress"
	"github.com/apresai/domain-analyzer/internal/scoring"
)

// Step identifies a wizard step.
type Step int

const (
	StepOnboarding Step = iota
	StepKeywords
	StepIntentPhrases
	StepVisibility

	stepCount
)

var stepTitles = [...]string{
	StepOnboarding:    "Domain onboarding",
	StepKeywords:      "Keyword analysis",
	StepIntentPhrases: "Intent phrases",
	StepVisibility:    "LLM visibility",
}

var stepKeys = [...]string{
	StepOnboarding:    "onboarding",
	StepKeywords:      "keywords",
	StepIntentPhrases: "intent_phrases",
	StepVisibility:    "visibility",
}

func (s Step) String() string {
	if s < 0 || s >= stepCount {
		return "Finished"
	}
	return stepTitles[s]
}

// Key is the machine name of the step, used in traces and stored jobs.
func (s Step) Key() string {
	if s < 0 || s >= stepCount {
		return "finished"
	}
	return stepKeys[s]
}

// Steps returns every step in order.
func Steps() []Step {
	return []Step{StepOnboarding, StepKeywords, StepIntentPhrases, StepVisibility}
}

// Stage names of the simulated steps.
var (
	OnboardingStages = []string{"Validating domain", "Checking SSL", "Crawling homepage", "Saving domain"}
	KeywordStages    = []string{"Analyzing content", "Discovering keywords", "Clustering topics", "Ranking opportunities"}
)

// StepError reports the step and stage that halted the wizard.
type StepError struct {
	Step    Step
	Stage   string
	Message string
	Err     error
}

func (e *StepError) Error() string {
	where := e.Step.String()
	if e.Stage != "" {
		where += "/" + e.Stage
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", where, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", where, e.Message)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Backend is the part of the REST backend the wizard calls.
type Backend interface {
	CreateDomain(ctx context.Context, req backend.CreateDomainRequest) (*backend.Domain, error)
	GenerateKeywords(ctx context.Context, domainID int64) error
	ListKeywords(ctx context.Context, domainID int64) ([]backend.Keyword, error)
	Subscribe(ctx context.Context, domainID int64) (driver.EventSource, error)
	StartIntentPhrases(ctx context.Context, domainID int64) (*backend.Job, error)
	ListIntentPhrases(ctx context.Context, domainID int64) ([]backend.IntentPhrase, error)
}

// Crawler performs the network checks of onboarding.
type Crawler interface {
	CheckTLS(ctx context.Context, host string) (*crawl.TLSInfo, error)
	FetchHomepage(ctx context.Context, host string) (*crawl.Page, error)
}

// ScorerFactory builds the visibility scorers once the homepage is known.
type ScorerFactory func(ctx context.Context, content string) ([]scoring.Scorer, error)

type clientBackend struct {
	*backend.Client
}

func (c clientBackend) Subscribe(ctx context.Context, domainID int64) (driver.EventSource, error) {
	return c.Client.Subscribe(ctx, domainID)
}

// FromClient adapts a backend client to the wizard.
func FromClient(c *backend.Client) Backend {
	return clientBackend{c}
}

// Analysis accumulates what the steps produced.
type Analysis struct {
	Domain     string                 `json:"domain"`
	Brand      string                 `json:"brand,omitempty"`
	Title      string                 `json:"title,omitempty"`
	TLS        *crawl.TLSInfo         `json:"tls,omitempty"`
	Record     *backend.Domain        `json:"record,omitempty"`
	Keywords   []backend.Keyword      `json:"keywords,omitempty"`
	Phrases    []backend.IntentPhrase `json:"intent_phrases,omitempty"`
	Visibility *scoring.Report        `json:"visibility,omitempty"`

	page *crawl.Page
}

// clearFrom discards the output of step and everything after it.
func (a *Analysis) clearFrom(step Step) {
	if step <= StepOnboarding {
		a.Brand, a.Title, a.TLS, a.Record, a.page = "", "", nil, nil, nil
	}
	if step <= StepKeywords {
		a.Keywords = nil
	}
	if step <= StepIntentPhrases {
		a.Phrases = nil
	}
	if step <= StepVisibility {
		a.Visibility = nil
	}
}

// Runner holds the dependencies shared by every wizard flow.
type Runner struct {
	Backend    Backend
	Crawler    Crawler
	Scorers    ScorerFactory
	Progress   config.ProgressConfig
	Phases     driver.PhaseTable
	// Concurrency bounds parallel probe calls per scorer.
	Concurrency int
	// MaxPhrases caps how many intent phrases the visibility step asks.
	MaxPhrases int
	Logger     *slog.Logger
	OnProgress progress.Callback
}

// NewRunner wires a runner from configuration.
func NewRunner(cfg *config.Config, be Backend, cr Crawler, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	scoringCfg := cfg.Scoring
	return &Runner{
		Backend:  be,
		Crawler:  cr,
		Progress: cfg.Progress,
		Phases:   driver.PhaseTableFrom(cfg.Phases, driver.IntentPhrasePhases),
		Scorers: func(ctx context.Context, content string) ([]scoring.Scorer, error) {
			return scoring.FromConfig(ctx, scoringCfg, content)
		},
		Concurrency: cfg.Scoring.Concurrency,
		MaxPhrases:  10,
		Logger:      logger,
	}
}

// Run executes every step for domain.
func (r *Runner) Run(ctx context.Context, domain string) (*Analysis, error) {
	f, err := NewFlow(r, domain)
	if err != nil {
		return nil, err
	}
	return f.Run(ctx)
}

func (r *Runner) emit(s progress.Snapshot) {
	if r.OnProgress != nil {
		r.OnProgress(s)
	}
}

func (r *Runner) log() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

// BrandFor picks a display brand: the site name when the homepage declares
// one, otherwise the registrable label of the domain.
func BrandFor(domain string, page *crawl.Page) string {
	if page != nil && strings.TrimSpace(page.SiteName) != "" {
		return strings.TrimSpace(page.SiteName)
	}
	base := domain
	if etld1, err := publicsuffix.EffectiveTLDPlusOne(domain); err == nil {
		base = etld1
	}
	label, _, _ := strings.Cut(base, ".")
	if label == "" {
		return domain
	}
	return strings.ToUpper(label[:1]) + label[1:]
}

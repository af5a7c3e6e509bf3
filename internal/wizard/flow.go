package wizard

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/apresai/domain-analyzer/internal/backend"
	"github.com/apresai/domain-analyzer/internal/config"
	"github.com/apresai/domain-analyzer/internal/crawl"
	"github.com/apresai/domain-analyzer/internal/driver"
	"github.com/apresai/domain-analyzer/internal/gate"
	"github.com/apresai/domain-analyzer/internal/progress"
	"github.com/apresai/domain-analyzer/internal/scoring"
)

var tracer = otel.Tracer("domain-analyzer/wizard")

// ErrFinished is returned by Next once every step has run.
var ErrFinished = errors.New("wizard finished")

// Flow walks one domain through the wizard. Steps run one at a time.
type Flow struct {
	r      *Runner
	domain string

	run sync.Mutex // held while a step runs

	mu       sync.Mutex
	step     Step
	analysis Analysis
	// inputs of the visibility fetch, set by its gates
	visBase    scoring.Query
	visResults []scoring.ProviderResult

	onboarding *gate.Gate[*backend.Domain]
	keywords   *gate.Gate[[]backend.Keyword]
	phrases    *gate.Gate[[]backend.IntentPhrase]
	visibility *gate.Gate[*scoring.Report]
}

// NewFlow validates domain and prepares the gates of every step. Invalid
// input is returned as *crawl.ValidationError.
func NewFlow(r *Runner, domain string) (*Flow, error) {
	host, err := crawl.ValidateDomain(domain)
	if err != nil {
		return nil, err
	}
	f := &Flow{r: r, domain: host}
	f.analysis.Domain = host

	log := r.log()
	restore := r.Progress.RestoreDelay
	f.onboarding = gate.New[*backend.Domain](func(ctx context.Context) (*backend.Domain, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.analysis.Record, nil
	}, restore, log)
	f.keywords = gate.New[[]backend.Keyword](func(ctx context.Context) ([]backend.Keyword, error) {
		return r.Backend.ListKeywords(ctx, f.domainID())
	}, restore, log)
	f.phrases = gate.New[[]backend.IntentPhrase](func(ctx context.Context) ([]backend.IntentPhrase, error) {
		return r.Backend.ListIntentPhrases(ctx, f.domainID())
	}, restore, log)
	f.visibility = gate.New[*scoring.Report](func(ctx context.Context) (*scoring.Report, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		return scoring.NewReport(f.visBase, f.visResults), nil
	}, restore, log)
	return f, nil
}

// Domain returns the normalized domain.
func (f *Flow) Domain() string { return f.domain }

// Current returns the next step to run.
func (f *Flow) Current() Step {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.step
}

// Done reports whether every step has run.
func (f *Flow) Done() bool { return f.Current() >= stepCount }

// Analysis returns a copy of the accumulated results.
func (f *Flow) Analysis() Analysis {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.analysis
}

// State returns the gate state of step.
func (f *Flow) State(step Step) gate.State {
	switch step {
	case StepOnboarding:
		return f.onboarding.State()
	case StepKeywords:
		return f.keywords.State()
	case StepIntentPhrases:
		return f.phrases.State()
	case StepVisibility:
		return f.visibility.State()
	}
	return gate.StateIdle
}

// Run executes the remaining steps in order.
func (f *Flow) Run(ctx context.Context) (*Analysis, error) {
	for !f.Done() {
		if err := f.Next(ctx); err != nil {
			a := f.Analysis()
			return &a, err
		}
	}
	a := f.Analysis()
	return &a, nil
}

// Next runs the current step and advances on success. A failed step stays
// current so it can be retried.
func (f *Flow) Next(ctx context.Context) error {
	f.run.Lock()
	defer f.run.Unlock()

	step := f.Current()
	if step >= stepCount {
		return ErrFinished
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ctx, span := tracer.Start(ctx, "wizard."+step.Key())
	span.SetAttributes(attribute.String("domain", f.domain))
	defer span.End()

	var err error
	switch step {
	case StepOnboarding:
		err = f.runOnboarding(ctx)
	case StepKeywords:
		err = f.runKeywords(ctx)
	case StepIntentPhrases:
		err = f.runIntentPhrases(ctx)
	case StepVisibility:
		err = f.runVisibility(ctx)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		f.r.log().ErrorContext(ctx, "Wizard step failed", "step", step.Key(), "domain", f.domain, "error", err)
		return err
	}

	f.mu.Lock()
	f.step++
	f.mu.Unlock()
	f.r.log().InfoContext(ctx, "Wizard step complete", "step", step.Key(), "domain", f.domain)
	return nil
}

// Back returns to the previous step and discards the output of that step and
// all later ones. Re-running it waits the restore delay first. It reports
// false on the first step.
func (f *Flow) Back() bool {
	f.run.Lock()
	defer f.run.Unlock()
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.step <= StepOnboarding {
		return false
	}
	f.step--
	f.analysis.clearFrom(f.step)
	for _, s := range Steps() {
		if s < f.step {
			continue
		}
		f.resetGate(s)
	}
	return true
}

func (f *Flow) resetGate(s Step) {
	type resetter interface {
		State() gate.State
		Reset()
	}
	var g resetter
	switch s {
	case StepOnboarding:
		g = f.onboarding
	case StepKeywords:
		g = f.keywords
	case StepIntentPhrases:
		g = f.phrases
	case StepVisibility:
		g = f.visibility
	}
	if s == f.step || g.State() != gate.StateIdle {
		g.Reset()
	}
}

func (f *Flow) domainID() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.analysis.Record == nil {
		return 0
	}
	return f.analysis.Record.ID
}

func (f *Flow) simulated(g driver.GateFunc) *driver.Simulated {
	return &driver.Simulated{
		Step:   f.r.Progress.Step,
		Delay:  f.r.Progress.Delay,
		Settle: f.r.Progress.Settle,
		Gate:   g,
	}
}

// runStep drives list with d and settles the outcome through g. A fetch
// failure degrades to empty results; it is logged by the gate.
func runStep[T any](ctx context.Context, f *Flow, step Step, list *progress.StageList, d driver.Driver, g *gate.Gate[T]) (T, error) {
	var zero T
	// A step that already ran starts over. Going back armed the restore delay
	// through Reset; a plain retry does not wait it.
	if st := g.State(); st == gate.StateError || st == gate.StateResults {
		g.Clear()
	}
	start := time.Now()
	list.Labeled(step.String())
	list.OnChange(func(s progress.Snapshot) {
		s.Elapsed = time.Since(start)
		f.r.emit(s)
	})

	if err := g.Begin(ctx); err != nil {
		return zero, err
	}
	outcome, runErr := d.Run(ctx, list)
	data, err := g.Finish(ctx, outcome, runErr)

	final := list.Snapshot()
	final.Elapsed = time.Since(start)
	final.Done = true

	switch outcome {
	case driver.OutcomeCanceled:
		final.Err = runErr
		f.r.emit(final)
		return zero, runErr
	case driver.OutcomeFailed:
		se := &StepError{Step: step, Stage: failedStage(list), Message: "step failed", Err: runErr}
		final.Err = se
		f.r.emit(final)
		return zero, se
	}
	if err != nil {
		f.r.log().WarnContext(ctx, "Continuing with empty results", "step", step.Key(), "error", err)
	}
	f.r.emit(final)
	return data, nil
}

func failedStage(list *progress.StageList) string {
	for _, st := range list.Snapshot().Stages {
		if st.Status == progress.StatusFailed {
			return st.Name
		}
	}
	return ""
}

func (f *Flow) runOnboarding(ctx context.Context) error {
	f.mu.Lock()
	f.analysis.clearFrom(StepOnboarding)
	f.mu.Unlock()

	check := func(ctx context.Context, i int) error {
		switch i {
		case 0:
			_, err := crawl.ValidateDomain(f.domain)
			return err
		case 1:
			info, err := f.r.Crawler.CheckTLS(ctx, f.domain)
			if err != nil {
				return err
			}
			f.mu.Lock()
			f.analysis.TLS = info
			f.mu.Unlock()
		case 2:
			page, err := f.r.Crawler.FetchHomepage(ctx, f.domain)
			if err != nil {
				return err
			}
			f.mu.Lock()
			f.analysis.page = page
			f.analysis.Title = page.Title
			f.analysis.Brand = BrandFor(f.domain, page)
			f.mu.Unlock()
		case 3:
			req := backend.CreateDomainRequest{Domain: f.domain}
			f.mu.Lock()
			if p := f.analysis.page; p != nil {
				req.Title, req.Description, req.Content = p.Title, p.Excerpt, p.Text
			}
			f.mu.Unlock()
			rec, err := f.r.Backend.CreateDomain(ctx, req)
			if err != nil {
				return err
			}
			f.mu.Lock()
			f.analysis.Record = rec
			f.mu.Unlock()
		}
		return nil
	}

	list := progress.NewStageList(OnboardingStages...)
	_, err := runStep(ctx, f, StepOnboarding, list, f.simulated(check), f.onboarding)
	return err
}

func (f *Flow) runKeywords(ctx context.Context) error {
	id := f.domainID()

	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	generated := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		generated <- f.r.Backend.GenerateKeywords(ctx, id)
	}()

	last := len(KeywordStages) - 1
	check := func(ctx context.Context, i int) error {
		if i != last {
			return nil
		}
		select {
		case err := <-generated:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	list := progress.NewStageList(KeywordStages...)
	kws, err := runStep(ctx, f, StepKeywords, list, f.simulated(check), f.keywords)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.analysis.Keywords = kws
	f.mu.Unlock()
	return nil
}

func (f *Flow) runIntentPhrases(ctx context.Context) error {
	id := f.domainID()

	var src driver.EventSource
	if f.r.Progress.Mode == config.ModeDriven {
		s, err := f.r.Backend.Subscribe(ctx, id)
		if err != nil {
			return &StepError{Step: StepIntentPhrases, Message: "could not open progress stream", Err: err}
		}
		defer s.Close()
		src = s
	}
	if _, err := f.r.Backend.StartIntentPhrases(ctx, id); err != nil {
		return &StepError{Step: StepIntentPhrases, Message: "could not start generation", Err: err}
	}

	list := progress.NewStageList(driver.IntentPhraseStages...)
	d := driver.New(f.r.Progress, f.r.Phases, src, nil, f.r.log())
	phrases, err := runStep(ctx, f, StepIntentPhrases, list, d, f.phrases)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.analysis.Phrases = phrases
	f.mu.Unlock()
	return nil
}

func (f *Flow) runVisibility(ctx context.Context) error {
	f.mu.Lock()
	a := f.analysis
	f.mu.Unlock()

	content := ""
	if a.page != nil {
		content = a.page.Text
	}
	scorers, err := f.r.Scorers(ctx, content)
	if err != nil {
		return &StepError{Step: StepVisibility, Message: "could not create scorers", Err: err}
	}
	phrases := pickPhrases(a, f.r.MaxPhrases)
	if len(phrases) == 0 {
		return &StepError{Step: StepVisibility, Message: "no intent phrases or keywords to score"}
	}

	base := scoring.Query{Domain: f.domain, Brand: a.Brand}
	results := make([]scoring.ProviderResult, len(scorers))
	names := make([]string, len(scorers))
	for i, s := range scorers {
		names[i] = "Asking " + s.Name()
	}

	v := &scoring.Visibility{Concurrency: f.r.Concurrency, Logger: f.r.log()}
	check := func(ctx context.Context, i int) error {
		pr, err := v.ScoreProvider(ctx, scorers[i], base, phrases)
		f.mu.Lock()
		results[i] = pr
		f.mu.Unlock()
		return err
	}

	f.mu.Lock()
	f.visBase, f.visResults = base, results
	f.mu.Unlock()

	list := progress.NewStageList(names...)
	report, err := runStep(ctx, f, StepVisibility, list, f.simulated(check), f.visibility)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.analysis.Visibility = report
	f.mu.Unlock()
	return nil
}

// pickPhrases returns the most relevant intent phrases, or the top keywords
// when no phrases were generated.
func pickPhrases(a Analysis, max int) []string {
	if max <= 0 {
		max = 10
	}
	var out []string
	if len(a.Phrases) > 0 {
		phrases := append([]backend.IntentPhrase(nil), a.Phrases...)
		sort.SliceStable(phrases, func(i, j int) bool { return phrases[i].Relevance > phrases[j].Relevance })
		for _, p := range phrases {
			out = append(out, p.Phrase)
		}
	} else {
		for _, k := range a.Keywords {
			out = append(out, k.Keyword)
		}
	}
	if len(out) > max {
		out = out[:max]
	}
	return out
}

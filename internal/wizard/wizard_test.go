package wizard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/apresai/domain-analyzer/internal/backend"
	"github.com/apresai/domain-analyzer/internal/config"
	"github.com/apresai/domain-analyzer/internal/crawl"
	"github.com/apresai/domain-analyzer/internal/driver"
	"github.com/apresai/domain-analyzer/internal/gate"
	"github.com/apresai/domain-analyzer/internal/progress"
	"github.com/apresai/domain-analyzer/internal/scoring"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeBackend struct {
	mu     sync.Mutex
	calls  []string
	events []driver.StreamEvent
	src    *driver.ChanSource

	createErr  error
	genErr     error
	listKwErr  error
	keywords   []backend.Keyword
	phrases    []backend.IntentPhrase
	subscribed bool
}

func (b *fakeBackend) record(call string) {
	b.mu.Lock()
	b.calls = append(b.calls, call)
	b.mu.Unlock()
}

func (b *fakeBackend) called(call string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (b *fakeBackend) CreateDomain(ctx context.Context, req backend.CreateDomainRequest) (*backend.Domain, error) {
	b.record("CreateDomain")
	if b.createErr != nil {
		return nil, b.createErr
	}
	return &backend.Domain{ID: 17, Domain: req.Domain, Title: req.Title}, nil
}

func (b *fakeBackend) GenerateKeywords(ctx context.Context, id int64) error {
	b.record("GenerateKeywords")
	return b.genErr
}

func (b *fakeBackend) ListKeywords(ctx context.Context, id int64) ([]backend.Keyword, error) {
	b.record("ListKeywords")
	return b.keywords, b.listKwErr
}

func (b *fakeBackend) Subscribe(ctx context.Context, id int64) (driver.EventSource, error) {
	b.record("Subscribe")
	b.mu.Lock()
	defer b.mu.Unlock()
	b.src = driver.NewChanSource(len(b.events) + 1)
	b.subscribed = true
	return b.src, nil
}

func (b *fakeBackend) StartIntentPhrases(ctx context.Context, id int64) (*backend.Job, error) {
	b.record("StartIntentPhrases")
	b.mu.Lock()
	src := b.src
	b.mu.Unlock()
	if src != nil {
		for _, ev := range b.events {
			src.Send(ctx, ev)
		}
	}
	return &backend.Job{Status: "started"}, nil
}

func (b *fakeBackend) ListIntentPhrases(ctx context.Context, id int64) ([]backend.IntentPhrase, error) {
	b.record("ListIntentPhrases")
	return b.phrases, nil
}

type fakeCrawler struct {
	tlsErr error
}

func (c *fakeCrawler) CheckTLS(ctx context.Context, host string) (*crawl.TLSInfo, error) {
	if c.tlsErr != nil {
		return nil, c.tlsErr
	}
	return &crawl.TLSInfo{Subject: host, Issuer: "Test CA", NotAfter: time.Now().Add(90 * 24 * time.Hour)}, nil
}

func (c *fakeCrawler) FetchHomepage(ctx context.Context, host string) (*crawl.Page, error) {
	return &crawl.Page{
		URL:      "https://" + host + "/",
		Title:    "Acme Analytics",
		SiteName: "Acme",
		Text:     "Acme is privacy friendly web analytics for startups and agencies.",
	}, nil
}

func completeStream() []driver.StreamEvent {
	var evs []driver.StreamEvent
	for phase := range driver.IntentPhrasePhases {
		evs = append(evs, driver.ProgressEvent(progress.Event{Phase: phase, Progress: 100}))
	}
	return append(evs, driver.StreamEvent{Name: driver.EventComplete})
}

type collector struct {
	mu    sync.Mutex
	snaps []progress.Snapshot
}

func (c *collector) handle(s progress.Snapshot) {
	c.mu.Lock()
	c.snaps = append(c.snaps, s)
	c.mu.Unlock()
}

func (c *collector) finals() []progress.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []progress.Snapshot
	for _, s := range c.snaps {
		if s.Done {
			out = append(out, s)
		}
	}
	return out
}

func newTestRunner(be *fakeBackend, cr *fakeCrawler, mode string) (*Runner, *collector) {
	col := &collector{}
	r := &Runner{
		Backend: be,
		Crawler: cr,
		Scorers: func(ctx context.Context, content string) ([]scoring.Scorer, error) {
			return []scoring.Scorer{&scoring.Heuristic{Content: content}}, nil
		},
		Progress: config.ProgressConfig{
			Mode:        mode,
			Step:        50,
			IdleTimeout: time.Second,
		},
		Phases:     driver.IntentPhrasePhases,
		MaxPhrases: 5,
		OnProgress: col.handle,
	}
	return r, col
}

func happyBackend() *fakeBackend {
	return &fakeBackend{
		events:   completeStream(),
		keywords: []backend.Keyword{{ID: 1, Keyword: "web analytics"}},
		phrases: []backend.IntentPhrase{
			{ID: 1, Phrase: "privacy friendly analytics for startups", Relevance: 0.9},
			{ID: 2, Phrase: "cheap analytics", Relevance: 0.2},
		},
	}
}

func TestRunAllSteps(t *testing.T) {
	be := happyBackend()
	r, col := newTestRunner(be, &fakeCrawler{}, config.ModeDriven)

	a, err := r.Run(context.Background(), "https://www.acme.io/pricing")
	require.NoError(t, err)

	assert.Equal(t, "www.acme.io", a.Domain)
	assert.Equal(t, "Acme", a.Brand)
	require.NotNil(t, a.Record)
	assert.Equal(t, int64(17), a.Record.ID)
	assert.Len(t, a.Keywords, 1)
	assert.Len(t, a.Phrases, 2)
	require.NotNil(t, a.Visibility)
	require.Len(t, a.Visibility.Providers, 1)
	assert.Len(t, a.Visibility.Providers[0].Scores, 2)
	assert.Greater(t, a.Visibility.Overall, 0.0)

	assert.Equal(t, 1, be.called("ListKeywords"))
	assert.Equal(t, 1, be.called("ListIntentPhrases"))
	assert.True(t, be.src.Closed(), "stream closed after the step")

	finals := col.finals()
	require.Len(t, finals, 4)
	for i, s := range finals {
		assert.Equal(t, Steps()[i].String(), s.Step)
		assert.NoError(t, s.Err)
		for _, st := range s.Stages {
			assert.Equal(t, progress.StatusCompleted, st.Status, "%s/%s", s.Step, st.Name)
		}
	}
}

func TestOnboardingGateFailureHalts(t *testing.T) {
	be := happyBackend()
	tlsErr := errors.New("x509: certificate has expired")
	r, col := newTestRunner(be, &fakeCrawler{tlsErr: tlsErr}, config.ModeDriven)

	f, err := NewFlow(r, "acme.io")
	require.NoError(t, err)
	err = f.Next(context.Background())

	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StepOnboarding, se.Step)
	assert.Equal(t, "Checking SSL", se.Stage)
	assert.ErrorIs(t, err, tlsErr)
	assert.Equal(t, StepOnboarding, f.Current())
	assert.Equal(t, gate.StateError, f.State(StepOnboarding))
	assert.Zero(t, be.called("CreateDomain"))

	finals := col.finals()
	require.Len(t, finals, 1)
	stages := finals[0].Stages
	assert.Equal(t, progress.StatusCompleted, stages[0].Status)
	assert.Equal(t, progress.StatusFailed, stages[1].Status)
	assert.Equal(t, tlsErr.Error(), stages[1].Description)
	assert.Equal(t, progress.StatusPending, stages[2].Status)
	assert.Equal(t, progress.StatusPending, stages[3].Status)
}

func TestStreamErrorSkipsPhraseFetch(t *testing.T) {
	be := happyBackend()
	be.events = []driver.StreamEvent{
		driver.ProgressEvent(progress.Event{Phase: "community_mining", Progress: 70}),
		{Name: driver.EventError, Data: []byte(`{"message":"LLM quota exhausted"}`)},
	}
	r, _ := newTestRunner(be, &fakeCrawler{}, config.ModeDriven)

	a, err := r.Run(context.Background(), "acme.io")
	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StepIntentPhrases, se.Step)
	assert.Equal(t, "Mining community discussions", se.Stage)
	assert.Zero(t, be.called("ListIntentPhrases"))
	assert.Empty(t, a.Phrases)
	assert.Nil(t, a.Visibility)
	assert.True(t, be.src.Closed())
}

func TestKeywordFetchFailureDegrades(t *testing.T) {
	be := happyBackend()
	be.listKwErr = errors.New("503")
	r, _ := newTestRunner(be, &fakeCrawler{}, config.ModeDriven)

	a, err := r.Run(context.Background(), "acme.io")
	require.NoError(t, err)
	assert.Empty(t, a.Keywords)
	assert.Len(t, a.Phrases, 2)
}

func TestKeywordGenerationFailure(t *testing.T) {
	be := happyBackend()
	be.genErr = errors.New("crawler blocked")
	r, _ := newTestRunner(be, &fakeCrawler{}, config.ModeDriven)

	_, err := r.Run(context.Background(), "acme.io")
	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StepKeywords, se.Step)
	assert.Equal(t, "Ranking opportunities", se.Stage)
	assert.Zero(t, be.called("ListKeywords"))
}

func TestSimulatedModeSkipsStream(t *testing.T) {
	be := happyBackend()
	r, _ := newTestRunner(be, &fakeCrawler{}, config.ModeSimulated)

	a, err := r.Run(context.Background(), "acme.io")
	require.NoError(t, err)
	assert.Zero(t, be.called("Subscribe"))
	assert.Equal(t, 1, be.called("StartIntentPhrases"))
	assert.Len(t, a.Phrases, 2)
}

func TestBackDiscardsAndRestores(t *testing.T) {
	be := happyBackend()
	r, _ := newTestRunner(be, &fakeCrawler{}, config.ModeDriven)
	r.Progress.RestoreDelay = 40 * time.Millisecond

	f, err := NewFlow(r, "acme.io")
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, f.Next(ctx))
	require.NoError(t, f.Next(ctx))
	assert.Equal(t, StepIntentPhrases, f.Current())
	assert.Len(t, f.Analysis().Keywords, 1)

	require.True(t, f.Back())
	assert.Equal(t, StepKeywords, f.Current())
	assert.Nil(t, f.Analysis().Keywords)
	assert.NotNil(t, f.Analysis().Record, "earlier steps keep their output")
	assert.Equal(t, gate.StateIdle, f.State(StepKeywords))

	start := time.Now()
	require.NoError(t, f.Next(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Len(t, f.Analysis().Keywords, 1)
	assert.Equal(t, 2, be.called("ListKeywords"))

	require.True(t, f.Back())
	require.True(t, f.Back())
	assert.False(t, f.Back())
	assert.Equal(t, StepOnboarding, f.Current())
}

func TestCancelStopsStep(t *testing.T) {
	be := happyBackend()
	r, _ := newTestRunner(be, &fakeCrawler{}, config.ModeDriven)
	r.Progress.Delay = 20 * time.Millisecond
	r.Progress.Step = 5

	f, err := NewFlow(r, "acme.io")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err = f.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StepOnboarding, f.Current())
	assert.Equal(t, gate.StateIdle, f.State(StepOnboarding))
}

func TestNextAfterFinish(t *testing.T) {
	r, _ := newTestRunner(happyBackend(), &fakeCrawler{}, config.ModeDriven)
	f, err := NewFlow(r, "acme.io")
	require.NoError(t, err)
	_, err = f.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, f.Done())
	assert.ErrorIs(t, f.Next(context.Background()), ErrFinished)
}

func TestNewFlowRejectsInvalidDomain(t *testing.T) {
	r, _ := newTestRunner(happyBackend(), &fakeCrawler{}, config.ModeDriven)
	_, err := NewFlow(r, "not a domain")
	var ve *crawl.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestPickPhrases(t *testing.T) {
	a := Analysis{
		Phrases: []backend.IntentPhrase{
			{Phrase: "low", Relevance: 0.1},
			{Phrase: "high", Relevance: 0.9},
			{Phrase: "mid", Relevance: 0.5},
		},
		Keywords: []backend.Keyword{{Keyword: "kw"}},
	}
	assert.Equal(t, []string{"high", "mid"}, pickPhrases(a, 2))

	a.Phrases = nil
	assert.Equal(t, []string{"kw"}, pickPhrases(a, 5))
	assert.Empty(t, pickPhrases(Analysis{}, 5))
}

func TestBrandFor(t *testing.T) {
	assert.Equal(t, "Acme", BrandFor("www.acme.co.uk", nil))
	assert.Equal(t, "Initech", BrandFor("initech.com", &crawl.Page{}))
	assert.Equal(t, "Globex Corp", BrandFor("globex.io", &crawl.Page{SiteName: " Globex Corp "}))
}

func TestStepErrorFormat(t *testing.T) {
	err := &StepError{Step: StepKeywords, Stage: "Clustering topics", Message: "step failed", Err: errors.New("boom")}
	assert.Equal(t, "[Keyword analysis/Clustering topics] step failed: boom", err.Error())
	assert.Equal(t, "[LLM visibility] no phrases", (&StepError{Step: StepVisibility, Message: "no phrases"}).Error())
}

func TestRetryAfterFailureSkipsRestoreDelay(t *testing.T) {
	be := happyBackend()
	be.genErr = errors.New("crawler blocked")
	r, _ := newTestRunner(be, &fakeCrawler{}, config.ModeDriven)
	r.Progress.RestoreDelay = time.Hour

	f, err := NewFlow(r, "acme.io")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, f.Next(ctx))
	require.Error(t, f.Next(ctx))
	assert.Equal(t, gate.StateError, f.State(StepKeywords))

	be.genErr = nil
	start := time.Now()
	require.NoError(t, f.Next(ctx))
	assert.Less(t, time.Since(start), time.Second)
	assert.Len(t, f.Analysis().Keywords, 1)
	assert.Equal(t, StepIntentPhrases, f.Current())
}

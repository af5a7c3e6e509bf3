package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/apresai/domain-analyzer/internal/config"
	"github.com/apresai/domain-analyzer/internal/crawl"
	"github.com/apresai/domain-analyzer/internal/observability"
	"github.com/apresai/domain-analyzer/internal/progress"
	"github.com/apresai/domain-analyzer/internal/wizard"
)

// progressInterval bounds how often a running job writes progress to DynamoDB.
const progressInterval = 2 * time.Second

// ErrTooManyTasks is returned when maxTasks analyses are already running.
var ErrTooManyTasks = errors.New("max concurrent tasks reached")

// AnalyzeRequest holds parameters for an analysis task.
type AnalyzeRequest struct {
	Domain  string
	Scorers []string // empty = server default
	Mode    string   // simulated or driven; empty = server default
	Owner   string
	UserID  string // authenticated user ID (empty for anonymous)

	// Per-request API key overrides. Empty = use server defaults.
	AnthropicAPIKey string
	GeminiAPIKey    string
}

// Report is the JSON document uploaded for a finished analysis.
type Report struct {
	AnalysisID  string           `json:"analysis_id"`
	GeneratedAt string           `json:"generated_at"`
	Analysis    *wizard.Analysis `json:"analysis"`
	Audit       json.RawMessage  `json:"audit,omitempty"`
	Campaign    json.RawMessage  `json:"campaign_structure,omitempty"`
}

// AnalyzeFunc runs every wizard step for req, reporting snapshots to
// onProgress.
type AnalyzeFunc func(ctx context.Context, req AnalyzeRequest, onProgress progress.Callback) (*Report, error)

// Auditor fetches the backend's pass-through documents for a saved domain.
type Auditor interface {
	Audit(ctx context.Context, domainID int64) (json.RawMessage, error)
	CampaignStructure(ctx context.Context, domainID int64) (json.RawMessage, error)
}

// NewAnalyzer returns an AnalyzeFunc running the wizard against be and cr
// with base as the default configuration. auditor may be nil.
func NewAnalyzer(base *config.Config, be wizard.Backend, cr wizard.Crawler, auditor Auditor, logger *slog.Logger) AnalyzeFunc {
	return func(ctx context.Context, req AnalyzeRequest, onProgress progress.Callback) (*Report, error) {
		cfg := *base
		if len(req.Scorers) > 0 {
			cfg.Scoring.Providers = req.Scorers
		}
		if req.Mode != "" {
			cfg.Progress.Mode = req.Mode
		}
		if req.AnthropicAPIKey != "" {
			cfg.Scoring.AnthropicAPIKey = req.AnthropicAPIKey
		}
		if req.GeminiAPIKey != "" {
			cfg.Scoring.GeminiAPIKey = req.GeminiAPIKey
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}

		runner := wizard.NewRunner(&cfg, be, cr, logger)
		runner.OnProgress = onProgress
		analysis, err := runner.Run(ctx, req.Domain)
		if err != nil {
			return nil, err
		}

		report := &Report{Analysis: analysis}
		if auditor != nil && analysis.Record != nil {
			id := analysis.Record.ID
			if report.Audit, err = auditor.Audit(ctx, id); err != nil {
				logger.WarnContext(ctx, "Audit fetch failed", "domain_id", id, "error", err)
			}
			if report.Campaign, err = auditor.CampaignStructure(ctx, id); err != nil {
				logger.WarnContext(ctx, "Campaign structure fetch failed", "domain_id", id, "error", err)
			}
		}
		return report, nil
	}
}

type jobStore interface {
	CreateJob(ctx context.Context, id, owner, userID, domain string) error
	UpdateProgress(ctx context.Context, id string, snap progress.Snapshot) error
	SetStatus(ctx context.Context, id string, status JobStatus, message string) error
	CompleteJob(ctx context.Context, id string, sum Summary, reportKey, reportURL string) error
	FailJob(ctx context.Context, id, errMsg string) error
	CancelJob(ctx context.Context, id string) error
}

type reportStorage interface {
	UploadReport(ctx context.Context, analysisID string, report any) (key, url string, err error)
}

// TaskManager manages async analysis tasks.
type TaskManager struct {
	store   jobStore
	storage reportStorage
	analyze AnalyzeFunc
	log     *slog.Logger
	baseCtx context.Context // cancelled on SIGTERM for graceful shutdown

	mu        sync.Mutex
	cancels   map[string]context.CancelFunc
	cancelled map[string]bool
	maxTasks  int
	running   int
	wg        sync.WaitGroup
}

// NewTaskManager creates a task manager.
// baseCtx should be cancelled on SIGTERM so analysis goroutines can clean up.
func NewTaskManager(baseCtx context.Context, store jobStore, storage reportStorage, analyze AnalyzeFunc, maxTasks int, logger *slog.Logger) *TaskManager {
	if maxTasks <= 0 {
		maxTasks = 5
	}
	return &TaskManager{
		store:     store,
		storage:   storage,
		analyze:   analyze,
		log:       logger,
		baseCtx:   baseCtx,
		cancels:   make(map[string]context.CancelFunc),
		cancelled: make(map[string]bool),
		maxTasks:  maxTasks,
	}
}

// StartTask validates the domain, creates a DynamoDB record and starts the
// analysis in a goroutine. Returns the analysis ID immediately.
func (tm *TaskManager) StartTask(ctx context.Context, req AnalyzeRequest) (string, error) {
	host, err := crawl.ValidateDomain(req.Domain)
	if err != nil {
		return "", err
	}
	req.Domain = host

	id, err := NewAnalysisID()
	if err != nil {
		return "", err
	}

	tm.mu.Lock()
	if tm.running >= tm.maxTasks {
		tm.mu.Unlock()
		return "", fmt.Errorf("%w (%d)", ErrTooManyTasks, tm.maxTasks)
	}
	tm.running++

	// The task outlives the tool call: it takes its lifetime from baseCtx and
	// keeps the caller's trace.
	taskCtx := observability.Detach(ctx, tm.baseCtx)
	taskCtx, cancel := context.WithCancel(taskCtx)
	tm.cancels[id] = cancel
	tm.mu.Unlock()

	if err := tm.store.CreateJob(ctx, id, req.Owner, req.UserID, req.Domain); err != nil {
		cancel()
		tm.release(id)
		return "", fmt.Errorf("create job: %w", err)
	}

	tm.wg.Add(1)
	go tm.runAnalysis(taskCtx, id, req)

	return id, nil
}

// CancelTask cancels a running task. It reports whether id was running.
func (tm *TaskManager) CancelTask(id string) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	cancel, ok := tm.cancels[id]
	if ok {
		tm.cancelled[id] = true
		cancel()
	}
	return ok
}

// Running returns the number of in-flight tasks.
func (tm *TaskManager) Running() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.running
}

// Wait blocks until every started task has finished its bookkeeping.
func (tm *TaskManager) Wait() {
	tm.wg.Wait()
}

func (tm *TaskManager) release(id string) (cancelled bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	cancelled = tm.cancelled[id]
	if cancel, ok := tm.cancels[id]; ok {
		cancel()
	}
	delete(tm.cancels, id)
	delete(tm.cancelled, id)
	tm.running--
	return cancelled
}

func (tm *TaskManager) runAnalysis(ctx context.Context, id string, req AnalyzeRequest) {
	defer tm.wg.Done()

	ctx, span := tracer.Start(ctx, "analysis.run",
		trace.WithAttributes(
			attribute.String("analysis_id", id),
			attribute.String("domain", req.Domain),
		),
	)
	defer span.End()

	log := tm.log.With("analysis_id", id, "domain", req.Domain)

	defer func() {
		interrupted := ctx.Err() != nil
		cancelled := tm.release(id)
		if !interrupted {
			return
		}
		// The job context is gone; finish the record on a short detached one.
		endCtx, endCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer endCancel()
		if cancelled {
			if err := tm.store.CancelJob(endCtx, id); err != nil {
				log.WarnContext(endCtx, "Cancel job failed", "error", err)
			}
			log.InfoContext(endCtx, "Analysis cancelled")
			return
		}
		// On shutdown (SIGTERM), mark the job as failed so it doesn't
		// appear stuck in "running" forever.
		if err := tm.store.FailJob(endCtx, id, "server shutdown during processing"); err != nil {
			log.WarnContext(endCtx, "Fail job failed", "error", err)
		}
		log.InfoContext(endCtx, "Marked job as failed due to shutdown")
	}()

	th := newThrottle(progressInterval)
	onProgress := func(snap progress.Snapshot) {
		ok, transition := th.allow(time.Now(), snap)
		if !ok {
			return
		}
		if transition {
			cur, _ := snap.Current()
			span.AddEvent("stage_transition",
				trace.WithAttributes(
					attribute.String("step", snap.Step),
					attribute.String("stage", cur.Name),
					attribute.Float64("percent", snap.Percent),
				),
			)
			log.DebugContext(ctx, "Stage transition", "step", snap.Step, "stage", cur.Name, "status", cur.Status)
		}
		if err := tm.store.UpdateProgress(ctx, id, snap); err != nil {
			log.WarnContext(ctx, "Update progress failed", "error", err)
		}
	}

	start := time.Now()
	log.InfoContext(ctx, "Analysis starting", "scorers", req.Scorers, "mode", req.Mode)

	report, err := tm.analyze(ctx, req, onProgress)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		elapsed := time.Since(start).Round(time.Second)
		span.RecordError(err)
		span.SetStatus(codes.Error, "analysis failed")
		log.ErrorContext(ctx, "Analysis failed", "error", err, "elapsed", elapsed.String())
		if ferr := tm.store.FailJob(ctx, id, err.Error()); ferr != nil {
			log.WarnContext(ctx, "Fail job failed", "error", ferr)
		}
		return
	}

	report.AnalysisID = id
	report.GeneratedAt = time.Now().UTC().Format(time.RFC3339)

	if err := tm.store.SetStatus(ctx, id, JobStatusUploading, "Uploading report..."); err != nil {
		log.WarnContext(ctx, "Update status failed", "error", err)
	}
	reportKey, reportURL, err := tm.storage.UploadReport(ctx, id, report)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload failed")
		log.ErrorContext(ctx, "S3 upload failed", "error", err)
		if ferr := tm.store.FailJob(ctx, id, fmt.Sprintf("upload report: %v", err)); ferr != nil {
			log.WarnContext(ctx, "Fail job failed", "error", ferr)
		}
		return
	}

	sum := summaryOf(report.Analysis)
	if err := tm.store.CompleteJob(ctx, id, sum, reportKey, reportURL); err != nil {
		log.ErrorContext(ctx, "Complete job failed", "error", err)
	}

	elapsed := time.Since(start).Round(time.Second)
	span.SetAttributes(
		attribute.String("report_url", reportURL),
		attribute.Int("keywords", sum.KeywordCount),
		attribute.Int("intent_phrases", sum.PhraseCount),
		attribute.Float64("visibility", sum.Visibility),
	)
	span.SetStatus(codes.Ok, "complete")
	log.InfoContext(ctx, "Analysis complete", "report_url", reportURL, "elapsed", elapsed.String())
}

func summaryOf(a *wizard.Analysis) Summary {
	if a == nil {
		return Summary{}
	}
	sum := Summary{
		Brand:        a.Brand,
		KeywordCount: len(a.Keywords),
		PhraseCount:  len(a.Phrases),
	}
	if a.Record != nil {
		sum.DomainRecordID = a.Record.ID
	}
	if a.Visibility != nil {
		sum.Visibility = a.Visibility.Overall
	}
	return sum
}

// throttle limits progress writes to one per interval, except on stage
// transitions and final snapshots.
type throttle struct {
	interval time.Duration

	mu   sync.Mutex
	last time.Time
	key  string
}

func newThrottle(interval time.Duration) *throttle {
	return &throttle{interval: interval}
}

// allow reports whether snap should be written at now, and whether it marks
// a transition.
func (t *throttle) allow(now time.Time, snap progress.Snapshot) (ok, transition bool) {
	key := transitionKey(snap)

	t.mu.Lock()
	defer t.mu.Unlock()
	transition = key != t.key || snap.Done
	if !transition && now.Sub(t.last) < t.interval {
		return false, false
	}
	t.last = now
	t.key = key
	return true, transition
}

// transitionKey changes whenever the step, the current stage or its status
// changes.
func transitionKey(snap progress.Snapshot) string {
	cur, ok := snap.Current()
	if !ok {
		return snap.Step
	}
	return snap.Step + "\x00" + cur.Name + "\x00" + string(cur.Status)
}

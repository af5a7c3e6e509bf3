package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/apresai/domain-analyzer/internal/backend"
	"github.com/apresai/domain-analyzer/internal/config"
	"github.com/apresai/domain-analyzer/internal/crawl"
	"github.com/apresai/domain-analyzer/internal/driver"
	"github.com/apresai/domain-analyzer/internal/idmask"
	"github.com/apresai/domain-analyzer/internal/observability"
	"github.com/apresai/domain-analyzer/internal/progress"
	"github.com/apresai/domain-analyzer/internal/scoring"
	"github.com/apresai/domain-analyzer/internal/wizard"
)

var Version = "dev"

var rootCmd = &cobra.Command{
	Use:           "analyzer",
	Short:         "Analyze a domain's keywords, intent phrases and LLM visibility",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("analyzer %s\n", Version)
	},
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <domain>",
	Short: "Run every wizard step for a domain",
	Args:  cobra.ExactArgs(1),
	RunE:  runAnalyze,
}

var watchCmd = &cobra.Command{
	Use:   "watch <domain-id>",
	Short: "Follow intent phrase generation for a saved domain",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

var scoreCmd = &cobra.Command{
	Use:   "score <domain>",
	Short: "Probe how LLMs answer phrases about a domain",
	Args:  cobra.ExactArgs(1),
	RunE:  runScore,
}

var domainsCmd = &cobra.Command{
	Use:   "domains [domain-id]",
	Short: "List saved domains, or show one",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runDomains,
}

var auditCmd = &cobra.Command{
	Use:   "audit <domain-id>",
	Short: "Print the backend audit document for a domain",
	Args:  cobra.ExactArgs(1),
	RunE:  runPassThrough((*backend.Client).Audit),
}

var campaignCmd = &cobra.Command{
	Use:   "campaign <domain-id>",
	Short: "Print the backend campaign structure for a domain",
	Args:  cobra.ExactArgs(1),
	RunE:  runPassThrough((*backend.Client).CampaignStructure),
}

var maskCmd = &cobra.Command{
	Use:   "mask <id>...",
	Short: "Encode numeric IDs as URL tokens (obfuscation, not security)",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runMask,
}

var unmaskCmd = &cobra.Command{
	Use:   "unmask <token>...",
	Short: "Decode URL tokens back to numeric IDs",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runUnmask,
}

var (
	flagConfig     string
	flagBackendURL string
	flagMode       string
	flagLogLevel   string
	flagLogFile    string
	flagVerbose    bool
	flagTUI        bool
	flagJSON       bool
	flagScorers    string
	flagPhrases    []string
	flagStart      bool
)

func init() {
	rootCmd.AddCommand(versionCmd, analyzeCmd, watchCmd, scoreCmd, domainsCmd, auditCmd, campaignCmd, maskCmd, unmaskCmd)

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flagConfig, "config", "c", defaultConfigPath(), "Config file (YAML)")
	pf.StringVar(&flagBackendURL, "backend-url", "", "Backend base URL (overrides config and ANALYZER_BACKEND_URL)")
	pf.StringVarP(&flagMode, "mode", "m", "", "Progress mode: simulated or driven")
	pf.StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&flagLogFile, "log-file", "", "Write logs to this file instead of stderr")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "Log to stderr instead of drawing progress bars")

	analyzeCmd.Flags().BoolVarP(&flagTUI, "tui", "t", false, "Interactive step-by-step view")
	analyzeCmd.Flags().BoolVar(&flagJSON, "json", false, "Print the analysis as JSON")
	analyzeCmd.Flags().StringVarP(&flagScorers, "scorers", "s", "", "Comma-separated visibility probes: heuristic, claude, gemini, nova")

	watchCmd.Flags().BoolVar(&flagStart, "start", false, "Start intent phrase generation before watching")

	scoreCmd.Flags().StringVarP(&flagScorers, "scorers", "s", "", "Comma-separated visibility probes: heuristic, claude, gemini, nova")
	scoreCmd.Flags().StringSliceVarP(&flagPhrases, "phrase", "p", nil, "Phrase to ask about (repeatable)")
	scoreCmd.Flags().BoolVar(&flagJSON, "json", false, "Print the report as JSON")
	_ = scoreCmd.MarkFlagRequired("phrase")

	domainsCmd.Flags().BoolVar(&flagJSON, "json", false, "Print as JSON")
}

// Execute runs the root command with ctx, which is cancelled on interrupt.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func defaultConfigPath() string {
	if v := os.Getenv("ANALYZER_CONFIG"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.config/analyzer/config.yaml"
}

// env is what every command needs once flags are parsed.
type env struct {
	cfg    *config.Config
	log    *slog.Logger
	closer io.Closer
	tracer func(context.Context) error
}

func (e *env) Close(ctx context.Context) {
	if e.tracer != nil {
		if err := e.tracer(ctx); err != nil {
			e.log.Warn("Tracer shutdown error", "error", err)
		}
	}
	e.closer.Close()
}

// setup loads config, applies flag overrides and opens the logger. Tracing
// is enabled only when an OTLP endpoint is configured.
func setup(ctx context.Context) (*env, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagBackendURL != "" {
		cfg.Backend.BaseURL = flagBackendURL
	}
	if flagMode != "" {
		cfg.Progress.Mode = flagMode
	}
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
	}
	if flagLogFile != "" {
		cfg.Log.File = flagLogFile
	}
	if flagScorers != "" {
		cfg.Scoring.Providers = splitList(flagScorers)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Progress bars own stderr unless verbose; keep logs quiet there.
	if !flagVerbose && cfg.Log.File == "" && flagLogLevel == "" {
		cfg.Log.Level = "error"
	}
	logger, closer, err := observability.OpenLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, log: logger, closer: closer}

	if observability.TracingConfigured() {
		tp, err := observability.InitTracer(ctx, "analyzer-cli", Version, os.Getenv("ANALYZER_ENV"))
		if err != nil {
			logger.Warn("Failed to init tracer, continuing without tracing", "error", err)
		} else {
			e.tracer = tp.Shutdown
		}
	}
	return e, nil
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := setup(ctx)
	if err != nil {
		return err
	}
	defer e.Close(context.WithoutCancel(ctx))

	client := backend.New(e.cfg.Backend, e.log)
	runner := wizard.NewRunner(e.cfg, wizard.FromClient(client), crawl.New(e.cfg.Backend.Timeout), e.log)

	if flagTUI {
		return runTUI(ctx, runner, args[0])
	}

	if !flagVerbose {
		r := progress.NewBarRenderer(os.Stderr)
		runner.OnProgress = r.Handle
		defer r.Finish()
	}

	analysis, err := runner.Run(ctx, args[0])
	if err != nil {
		return err
	}
	if flagJSON {
		return printJSON(analysis)
	}
	printAnalysis(os.Stdout, analysis)
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid domain id %q", args[0])
	}
	e, err := setup(ctx)
	if err != nil {
		return err
	}
	defer e.Close(context.WithoutCancel(ctx))

	client := backend.New(e.cfg.Backend, e.log)
	src, err := client.Subscribe(ctx, id)
	if err != nil {
		return err
	}
	if flagStart {
		job, err := client.StartIntentPhrases(ctx, id)
		if err != nil {
			src.Close()
			return err
		}
		e.log.Info("Intent phrase generation started", "job_id", job.ID)
	}

	list := progress.NewStageList(driver.IntentPhraseStages...).Labeled(wizard.StepIntentPhrases.String())
	if !flagVerbose {
		r := progress.NewBarRenderer(os.Stderr)
		list.OnChange(r.Handle)
		defer r.Finish()
	}

	d := &driver.Stream{
		Source:      src,
		Phases:      driver.PhaseTableFrom(e.cfg.Phases, driver.IntentPhrasePhases),
		IdleTimeout: e.cfg.Progress.IdleTimeout,
		Logger:      e.log,
	}
	outcome, err := d.Run(ctx, list)
	if outcome != driver.OutcomeCompleted {
		if err == nil {
			err = fmt.Errorf("intent phrase generation %s", outcome)
		}
		return err
	}

	phrases, err := client.ListIntentPhrases(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "%d intent phrases\n", len(phrases))
	for _, p := range phrases {
		fmt.Fprintf(os.Stdout, "  %-60s %-14s %.2f\n", p.Phrase, p.Intent, p.Relevance)
	}
	return nil
}

func runScore(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	host, err := crawl.ValidateDomain(args[0])
	if err != nil {
		return err
	}
	e, err := setup(ctx)
	if err != nil {
		return err
	}
	defer e.Close(context.WithoutCancel(ctx))

	// The heuristic probe reads the homepage; a failed crawl only weakens it.
	var content string
	page, err := crawl.New(e.cfg.Backend.Timeout).FetchHomepage(ctx, host)
	if err != nil {
		e.log.Warn("Homepage fetch failed", "domain", host, "error", err)
		page = nil
	} else {
		content = page.Text
	}
	brand := wizard.BrandFor(host, page)

	scorers, err := scoring.FromConfig(ctx, e.cfg.Scoring, content)
	if err != nil {
		return err
	}
	v := &scoring.Visibility{Scorers: scorers, Concurrency: e.cfg.Scoring.Concurrency, Logger: e.log}
	report, err := v.Run(ctx, scoring.Query{Domain: host, Brand: brand}, flagPhrases)
	if err != nil {
		return err
	}
	if flagJSON {
		return printJSON(report)
	}
	printReport(os.Stdout, report)
	return nil
}

func runDomains(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := setup(ctx)
	if err != nil {
		return err
	}
	defer e.Close(context.WithoutCancel(ctx))
	client := backend.New(e.cfg.Backend, e.log)

	if len(args) == 1 {
		id, err := parseDomainID(args[0])
		if err != nil {
			return err
		}
		d, err := client.GetDomain(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(d)
	}

	domains, err := client.ListDomains(ctx)
	if err != nil {
		return err
	}
	if flagJSON {
		return printJSON(domains)
	}
	session := idmask.NewSession()
	for _, d := range domains {
		fmt.Fprintf(os.Stdout, "%-8d %-12s %-32s %s\n", d.ID, session.Encode(uint64(d.ID)), d.Domain, d.Title)
	}
	return nil
}

func runPassThrough(fetch func(*backend.Client, context.Context, int64) (json.RawMessage, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id, err := parseDomainID(args[0])
		if err != nil {
			return err
		}
		e, err := setup(ctx)
		if err != nil {
			return err
		}
		defer e.Close(context.WithoutCancel(ctx))

		raw, err := fetch(backend.New(e.cfg.Backend, e.log), ctx, id)
		if err != nil {
			return err
		}
		return printJSON(raw)
	}
}

// parseDomainID accepts a numeric ID or a masked token.
func parseDomainID(s string) (int64, error) {
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return id, nil
	}
	id, err := idmask.Decode(s)
	if err != nil {
		return 0, fmt.Errorf("invalid domain id %q: %w", s, err)
	}
	return int64(id), nil
}

func runMask(cmd *cobra.Command, args []string) error {
	for _, a := range args {
		id, err := strconv.ParseUint(a, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id %q", a)
		}
		fmt.Printf("%s\t%s\n", a, idmask.Encode(id))
	}
	return nil
}

func runUnmask(cmd *cobra.Command, args []string) error {
	for _, a := range args {
		id, err := idmask.Decode(a)
		if err != nil {
			return fmt.Errorf("%s: %w", a, err)
		}
		fmt.Printf("%s\t%d\n", a, id)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printAnalysis(w io.Writer, a *wizard.Analysis) {
	fmt.Fprintf(w, "\n%s", a.Domain)
	if a.Brand != "" {
		fmt.Fprintf(w, " (%s)", a.Brand)
	}
	fmt.Fprintln(w)
	if a.Record != nil {
		fmt.Fprintf(w, "  Domain ID:      %d (%s)\n", a.Record.ID, idmask.Encode(uint64(a.Record.ID)))
	}
	if a.TLS != nil {
		fmt.Fprintf(w, "  Certificate:    %s, expires %s\n", a.TLS.Issuer, a.TLS.NotAfter.Format("2006-01-02"))
	}
	fmt.Fprintf(w, "  Keywords:       %d\n", len(a.Keywords))
	fmt.Fprintf(w, "  Intent phrases: %d\n", len(a.Phrases))
	if a.Visibility != nil {
		printReport(w, a.Visibility)
	}
}

func printReport(w io.Writer, r *scoring.Report) {
	fmt.Fprintf(w, "  LLM visibility: %.1f/100\n", r.Overall)
	for _, p := range r.Providers {
		if p.Err != "" {
			fmt.Fprintf(w, "    %-10s failed: %s\n", p.Provider, p.Err)
			continue
		}
		fmt.Fprintf(w, "    %-10s %5.1f  mentioned %3.0f%%\n", p.Provider, p.Mean, p.MentionRate*100)
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, strings.ToLower(p))
		}
	}
	return out
}

package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/apresai/domain-analyzer/internal/config"
	"github.com/apresai/domain-analyzer/internal/crawl"
)

var tracer = otel.Tracer("analyzer-mcp")

// ToolDefs returns the MCP tool definitions.
func ToolDefs() []mcp.Tool {
	return []mcp.Tool{
		{
			Name:        "analyze_domain",
			Description: "Analyze a domain: onboarding checks, keyword analysis, intent phrases and LLM visibility. Starts an async task and returns an analysis ID. Use get_analysis to check progress.",
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]any{
					"domain": map[string]any{
						"type":        "string",
						"description": "Domain to analyze, e.g. example.com. A URL is accepted and reduced to its host.",
					},
					"scorers": map[string]any{
						"type":        "string",
						"description": "Comma-separated visibility probes: heuristic, claude, gemini, nova",
						"default":     "heuristic",
					},
					"mode": map[string]any{
						"type":        "string",
						"description": "Intent phrase progress: driven (server events) or simulated",
						"default":     config.ModeDriven,
					},
					"anthropic_api_key": map[string]any{
						"type":        "string",
						"description": "Your Anthropic API key (required for the claude probe if server has no default key)",
					},
					"gemini_api_key": map[string]any{
						"type":        "string",
						"description": "Your Gemini API key (required for the gemini probe if server has no default key)",
					},
				},
				Required: []string{"domain"},
			},
		},
		{
			Name:        "get_analysis",
			Description: "Get the status of an analysis by ID: current step, per-stage progress, and once complete the summary and report URL.",
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]any{
					"analysis_id": map[string]any{
						"type":        "string",
						"description": "The analysis ID returned from analyze_domain",
					},
				},
				Required: []string{"analysis_id"},
			},
		},
		{
			Name:        "list_analyses",
			Description: "List analyses, newest first. Returns analysis IDs, domains, status and report URLs.",
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]any{
					"limit": map[string]any{
						"type":        "integer",
						"description": "Maximum number of results (default 20)",
						"default":     20,
					},
					"cursor": map[string]any{
						"type":        "string",
						"description": "Pagination cursor from a previous list_analyses call",
					},
				},
			},
		},
		{
			Name:        "cancel_analysis",
			Description: "Cancel a running analysis.",
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]any{
					"analysis_id": map[string]any{
						"type":        "string",
						"description": "The analysis ID returned from analyze_domain",
					},
				},
				Required: []string{"analysis_id"},
			},
		},
	}
}

type analysisReader interface {
	GetAnalysis(ctx context.Context, id string) (*AnalysisItem, error)
	ListAnalyses(ctx context.Context, limit int, cursor string) ([]AnalysisItem, string, error)
}

// Handlers contains tool handler implementations.
type Handlers struct {
	tasks *TaskManager
	store analysisReader
	log   *slog.Logger
}

// NewHandlers creates tool handlers.
func NewHandlers(tasks *TaskManager, store analysisReader, logger *slog.Logger) *Handlers {
	return &Handlers{tasks: tasks, store: store, log: logger}
}

// HandleAnalyzeDomain starts an analysis task.
func (h *Handlers) HandleAnalyzeDomain(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx, span := tracer.Start(ctx, "tool.analyze_domain")
	defer span.End()

	caller := callerFrom(req)
	areq := AnalyzeRequest{
		Domain:          strings.TrimSpace(mcp.ParseString(req, "domain", "")),
		Scorers:         splitList(mcp.ParseString(req, "scorers", "")),
		Mode:            mcp.ParseString(req, "mode", ""),
		AnthropicAPIKey: mcp.ParseString(req, "anthropic_api_key", ""),
		GeminiAPIKey:    mcp.ParseString(req, "gemini_api_key", ""),
		Owner:           "mcp-server",
		UserID:          caller.UserID,
	}

	span.SetAttributes(
		attribute.String("domain", areq.Domain),
		attribute.StringSlice("scorers", areq.Scorers),
		attribute.String("mode", areq.Mode),
	)

	if areq.Domain == "" {
		span.SetStatus(codes.Error, "missing domain")
		return mcp.NewToolResultError("domain is required"), nil
	}

	id, err := h.tasks.StartTask(ctx, areq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "start task failed")
		var verr *crawl.ValidationError
		if errors.As(err, &verr) {
			return mcp.NewToolResultError(verr.Error()), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to start task: %v", err)), nil
	}

	span.SetAttributes(attribute.String("analysis_id", id))
	h.log.InfoContext(ctx, "Analysis started", "analysis_id", id, "domain", areq.Domain, "key_id", caller.KeyID)

	result := map[string]any{
		"analysis_id": id,
		"status":      JobStatusSubmitted,
		"message":     "Analysis started. Use get_analysis with this analysis_id to check progress.",
	}
	return jsonResult(result)
}

// HandleGetAnalysis returns analysis details.
func (h *Handlers) HandleGetAnalysis(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx, span := tracer.Start(ctx, "tool.get_analysis")
	defer span.End()

	id := mcp.ParseString(req, "analysis_id", "")
	if id == "" {
		span.SetStatus(codes.Error, "missing analysis_id")
		return mcp.NewToolResultError("analysis_id is required"), nil
	}

	span.SetAttributes(attribute.String("analysis_id", id))

	item, err := h.store.GetAnalysis(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "get analysis failed")
		return mcp.NewToolResultError(fmt.Sprintf("failed to get analysis: %v", err)), nil
	}
	if item == nil {
		span.SetStatus(codes.Error, "not found")
		return mcp.NewToolResultError(fmt.Sprintf("analysis %s not found", id)), nil
	}

	result := map[string]any{
		"analysis_id":      item.AnalysisID,
		"domain":           item.Domain,
		"status":           item.Status,
		"progress_percent": item.ProgressPercent,
		"stage_message":    item.StageMessage,
		"created_at":       item.CreatedAt,
	}
	if item.Step != "" {
		result["step"] = item.Step
	}
	if stages := item.Stages(); len(stages) > 0 {
		result["stages"] = stages
	}
	if item.ErrorMessage != "" {
		result["error"] = item.ErrorMessage
	}
	if JobStatus(item.Status) == JobStatusComplete {
		result["brand"] = item.Brand
		result["keyword_count"] = item.KeywordCount
		result["intent_phrase_count"] = item.PhraseCount
		result["visibility"] = item.Visibility
	}
	if item.ReportURL != "" {
		result["report_url"] = item.ReportURL
	}

	return jsonResult(result)
}

// HandleListAnalyses returns a paginated list of analyses.
func (h *Handlers) HandleListAnalyses(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx, span := tracer.Start(ctx, "tool.list_analyses")
	defer span.End()

	limit := parseIntParam(req, "limit", 20)
	cursor := mcp.ParseString(req, "cursor", "")

	span.SetAttributes(
		attribute.Int("limit", limit),
		attribute.String("cursor", cursor),
	)

	items, nextCursor, err := h.store.ListAnalyses(ctx, limit, cursor)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list analyses failed")
		return mcp.NewToolResultError(fmt.Sprintf("failed to list analyses: %v", err)), nil
	}

	span.SetAttributes(attribute.Int("result_count", len(items)))

	analyses := make([]map[string]any, 0, len(items))
	for _, item := range items {
		a := map[string]any{
			"analysis_id": item.AnalysisID,
			"domain":      item.Domain,
			"status":      item.Status,
			"created_at":  item.CreatedAt,
		}
		if item.Brand != "" {
			a["brand"] = item.Brand
		}
		if item.ReportURL != "" {
			a["report_url"] = item.ReportURL
		}
		analyses = append(analyses, a)
	}

	result := map[string]any{
		"analyses": analyses,
		"count":    len(analyses),
	}
	if nextCursor != "" {
		result["next_cursor"] = nextCursor
	}

	return jsonResult(result)
}

// HandleCancelAnalysis cancels a running analysis.
func (h *Handlers) HandleCancelAnalysis(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx, span := tracer.Start(ctx, "tool.cancel_analysis")
	defer span.End()

	id := mcp.ParseString(req, "analysis_id", "")
	if id == "" {
		span.SetStatus(codes.Error, "missing analysis_id")
		return mcp.NewToolResultError("analysis_id is required"), nil
	}
	span.SetAttributes(attribute.String("analysis_id", id))

	if !h.tasks.CancelTask(id) {
		span.SetStatus(codes.Error, "not running")
		return mcp.NewToolResultError(fmt.Sprintf("analysis %s is not running on this server", id)), nil
	}

	h.log.InfoContext(ctx, "Analysis cancel requested", "analysis_id", id)
	return jsonResult(map[string]any{
		"analysis_id": id,
		"status":      JobStatusCancelled,
	})
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func parseIntParam(req mcp.CallToolRequest, key string, defaultVal int) int {
	args := req.GetArguments()
	if args == nil {
		return defaultVal
	}
	raw, ok := args[key]
	if !ok {
		return defaultVal
	}
	switch v := raw.(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return defaultVal
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

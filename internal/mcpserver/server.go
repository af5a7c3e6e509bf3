// Package mcpserver exposes domain analyses as MCP tools. Analyses run as
// async tasks whose progress is stored in DynamoDB and whose reports go to S3.
package mcpserver

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"

	"github.com/apresai/domain-analyzer/internal/backend"
	"github.com/apresai/domain-analyzer/internal/config"
	"github.com/apresai/domain-analyzer/internal/crawl"
	"github.com/apresai/domain-analyzer/internal/wizard"
)

// Config holds server configuration.
type Config struct {
	Port         int
	TableName    string
	S3Bucket     string
	CDNBaseURL   string
	AWSRegion    string
	MaxTasks     int
	SecretPrefix string // e.g. "/analyzer/mcp/"
	// AnalyzerConfig is the YAML file with backend, progress and scoring
	// settings. Empty = built-in defaults plus env overrides.
	AnalyzerConfig string
	Version        string
}

// DefaultConfig returns a Config populated from environment variables.
func DefaultConfig() Config {
	return Config{
		Port:           envInt("PORT", 8000),
		TableName:      envOr("DYNAMODB_TABLE", "apresai-analyses-prod"),
		S3Bucket:       envOr("S3_BUCKET", ""),
		CDNBaseURL:     envOr("CDN_BASE_URL", "https://reports.apresai.dev"),
		AWSRegion:      envOr("AWS_REGION", "us-east-1"),
		MaxTasks:       envInt("MAX_TASKS", 5),
		SecretPrefix:   envOr("SECRET_PREFIX", "/analyzer/mcp/"),
		AnalyzerConfig: envOr("ANALYZER_CONFIG", ""),
		Version:        "1.0.0",
	}
}

// Server is the MCP server for domain analyses.
type Server struct {
	cfg   Config
	mcp   *server.MCPServer
	tasks *TaskManager
	log   *slog.Logger
}

// New creates and configures the MCP server. baseCtx is cancelled on SIGTERM;
// running analyses are marked failed when it is.
func New(baseCtx context.Context, cfg Config, logger *slog.Logger) (*Server, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(baseCtx,
		awsconfig.WithRegion(cfg.AWSRegion),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	otelaws.AppendMiddlewares(&awsCfg.APIOptions)

	// Secrets must be in the environment before the analyzer config reads it.
	if cfg.SecretPrefix != "" {
		if err := loadSecrets(baseCtx, awsCfg, cfg.SecretPrefix, logger); err != nil {
			logger.Warn("Failed to load secrets from Secrets Manager, falling back to env vars",
				"error", err)
		}
	}

	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("S3_BUCKET environment variable is required")
	}

	analyzerCfg, err := config.Load(cfg.AnalyzerConfig)
	if err != nil {
		return nil, fmt.Errorf("load analyzer config: %w", err)
	}

	store := NewStore(dynamodb.NewFromConfig(awsCfg), cfg.TableName)
	storage := NewStorage(s3.NewFromConfig(awsCfg), cfg.S3Bucket, cfg.CDNBaseURL)

	client := backend.New(analyzerCfg.Backend, logger)
	analyze := NewAnalyzer(analyzerCfg, wizard.FromClient(client), crawl.New(analyzerCfg.Backend.Timeout), client, logger)

	tasks := NewTaskManager(baseCtx, store, storage, analyze, cfg.MaxTasks, logger)
	handlers := NewHandlers(tasks, store, logger)

	mcpServer := server.NewMCPServer(
		"domain-analyzer",
		cfg.Version,
		server.WithToolCapabilities(true),
	)
	register(mcpServer, handlers)

	return &Server{
		cfg:   cfg,
		mcp:   mcpServer,
		tasks: tasks,
		log:   logger,
	}, nil
}

func register(s *server.MCPServer, h *Handlers) {
	tools := ToolDefs()
	s.AddTool(tools[0], h.HandleAnalyzeDomain)
	s.AddTool(tools[1], h.HandleGetAnalysis)
	s.AddTool(tools[2], h.HandleListAnalyses)
	s.AddTool(tools[3], h.HandleCancelAnalysis)
}

// Start runs the HTTP MCP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.log.Info("Starting MCP server", "addr", addr)

	httpServer := server.NewStreamableHTTPServer(s.mcp,
		server.WithStateLess(true), // AgentCore manages session IDs
	)
	return httpServer.Start(addr)
}

// Wait blocks until running analyses have recorded their final state.
func (s *Server) Wait() {
	s.tasks.Wait()
}

// loadSecrets fetches API keys from Secrets Manager and sets them as env vars.
func loadSecrets(ctx context.Context, cfg aws.Config, prefix string, logger *slog.Logger) error {
	client := secretsmanager.NewFromConfig(cfg)

	for _, envVar := range []string{"ANTHROPIC_API_KEY", "GEMINI_API_KEY", "ANALYZER_API_TOKEN"} {
		// Skip if already set in environment
		if os.Getenv(envVar) != "" {
			continue
		}

		secretID := prefix + envVar
		result, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
			SecretId: &secretID,
		})
		if err != nil {
			logger.Info("Secret not found", "secret_id", secretID, "error", err)
			continue
		}
		if result.SecretString != nil {
			if err := os.Setenv(envVar, *result.SecretString); err != nil {
				return fmt.Errorf("set %s: %w", envVar, err)
			}
			logger.Info("Loaded secret", "secret_id", secretID)
		}
	}

	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return fallback
}

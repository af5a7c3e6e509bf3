//go:build lambda.norpc

// Command analyzer-proxy is a Lambda function URL handler that authenticates
// MCP requests by API key and forwards them to the AgentCore runtime.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentcore"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"

	"github.com/apresai/domain-analyzer/internal/config"
	"github.com/apresai/domain-analyzer/internal/mcpserver"
	"github.com/apresai/domain-analyzer/internal/observability"
)

var (
	store      *mcpserver.Store
	acClient   *bedrockagentcore.Client
	runtimeARN string
	log        *slog.Logger
)

func init() {
	log = observability.NewLogger(config.LogConfig{Level: os.Getenv("LOG_LEVEL")}, os.Stdout)

	tableName := os.Getenv("DYNAMODB_TABLE")
	runtimeARN = os.Getenv("RUNTIME_ARN")

	if tableName == "" || runtimeARN == "" {
		log.Error("DYNAMODB_TABLE and RUNTIME_ARN environment variables are required")
		os.Exit(1)
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		log.Error("Failed to load AWS config", "error", err)
		os.Exit(1)
	}
	otelaws.AppendMiddlewares(&cfg.APIOptions)

	store = mcpserver.NewStore(dynamodb.NewFromConfig(cfg), tableName)
	acClient = bedrockagentcore.NewFromConfig(cfg)
}

func main() {
	lambda.Start(handler)
}

func handler(ctx context.Context, req events.LambdaFunctionURLRequest) (events.LambdaFunctionURLResponse, error) {
	if req.RequestContext.HTTP.Method == "OPTIONS" {
		return events.LambdaFunctionURLResponse{StatusCode: 204}, nil
	}

	if req.RequestContext.HTTP.Method != "POST" {
		return jsonRPCError(405, nil, -32600, "Method not allowed"), nil
	}

	authHeader := getHeader(req.Headers, "authorization")
	if authHeader == "" {
		return jsonRPCError(401, nil, -32001, "Missing Authorization header"), nil
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == authHeader || token == "" {
		return jsonRPCError(401, nil, -32001, "Invalid Authorization format, expected: Bearer <api-key>"), nil
	}

	auth, err := store.ValidateAPIKey(ctx, token)
	if err != nil {
		log.WarnContext(ctx, "Auth failed", "error", err)
		if errors.Is(err, mcpserver.ErrUserInactive) {
			return jsonRPCError(403, nil, -32001, err.Error()), nil
		}
		return jsonRPCError(401, nil, -32001, "Invalid API key"), nil
	}

	log.InfoContext(ctx, "Authenticated", "user_id", auth.UserID, "key_id", auth.KeyID)

	body, rpcID := mcpserver.InjectUserContext([]byte(req.Body), auth.UserID, auth.KeyID)

	input := &bedrockagentcore.InvokeAgentRuntimeInput{
		AgentRuntimeArn: &runtimeARN,
		Payload:         body,
		ContentType:     aws.String("application/json"),
		Accept:          aws.String("application/json, text/event-stream"),
	}
	if sid := getHeader(req.Headers, "mcp-session-id"); sid != "" {
		input.McpSessionId = &sid
	}

	out, err := acClient.InvokeAgentRuntime(ctx, input)
	if err != nil {
		log.ErrorContext(ctx, "AgentCore invocation failed", "error", err)
		return jsonRPCError(502, rpcID, -32603, "Upstream server error"), nil
	}
	defer out.Response.Close()

	respBody, err := io.ReadAll(out.Response)
	if err != nil {
		log.ErrorContext(ctx, "Failed to read AgentCore response", "error", err)
		return jsonRPCError(502, rpcID, -32603, "Failed to read upstream response"), nil
	}

	respHeaders := map[string]string{
		"Content-Type": "application/json",
	}
	if out.McpSessionId != nil && *out.McpSessionId != "" {
		respHeaders["Mcp-Session-Id"] = *out.McpSessionId
	}

	return events.LambdaFunctionURLResponse{
		StatusCode: 200,
		Headers:    respHeaders,
		Body:       string(respBody),
	}, nil
}

// getHeader does a case-insensitive header lookup.
func getHeader(headers map[string]string, key string) string {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

func jsonRPCError(httpStatus int, id json.RawMessage, code int, message string) events.LambdaFunctionURLResponse {
	if id == nil {
		id = json.RawMessage("null")
	}
	body, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
	return events.LambdaFunctionURLResponse{
		StatusCode: httpStatus,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}

package scoring

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
	"google.golang.org/genai"
)

var claudeModels = map[string]string{
	"haiku":  "claude-haiku-4-5-20251001",
	"sonnet": "claude-sonnet-4-5-20250929",
}

var geminiModels = map[string]string{
	"gemini-flash": "gemini-2.5-flash",
	"gemini-pro":   "gemini-2.5-pro",
}

var novaModels = map[string]string{
	"nova-lite": "us.amazon.nova-2-lite-v1:0",
}

func resolveModel(models map[string]string, name, fallback string) string {
	if id, ok := models[name]; ok {
		return id
	}
	if name != "" {
		return name
	}
	return models[fallback]
}

// ClaudeAsker asks Anthropic's Messages API.
type ClaudeAsker struct {
	client anthropic.Client
	model  string
}

// NewClaudeAsker uses apiKey, or ANTHROPIC_API_KEY when empty.
func NewClaudeAsker(model, apiKey string) *ClaudeAsker {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &ClaudeAsker{
		client: anthropic.NewClient(opts...),
		model:  resolveModel(claudeModels, model, "haiku"),
	}
}

func (a *ClaudeAsker) Ask(ctx context.Context, prompt string) (string, error) {
	return askWithRetry(ctx, "Claude", func(ctx context.Context) (string, error) {
		msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:       anthropic.Model(a.model),
			MaxTokens:   maxTokens,
			Temperature: anthropic.Float(temperature),
			System: []anthropic.TextBlockParam{
				{Text: systemPrompt},
			},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if err != nil {
			return "", err
		}
		return extractClaudeText(msg), nil
	})
}

func extractClaudeText(msg *anthropic.Message) string {
	var parts []string
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			parts = append(parts, tb.Text)
		}
	}
	return strings.Join(parts, "")
}

// GeminiAsker asks the Gemini API through the genai SDK.
type GeminiAsker struct {
	client *genai.Client
	model  string
}

func NewGeminiAsker(ctx context.Context, model, apiKey string) (*GeminiAsker, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiAsker{
		client: client,
		model:  resolveModel(geminiModels, model, "gemini-flash"),
	}, nil
}

func (a *GeminiAsker) Ask(ctx context.Context, prompt string) (string, error) {
	return askWithRetry(ctx, "Gemini", func(ctx context.Context) (string, error) {
		resp, err := a.client.Models.GenerateContent(ctx, a.model,
			[]*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)},
			&genai.GenerateContentConfig{
				SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
				Temperature:       genai.Ptr[float32](temperature),
				MaxOutputTokens:   maxTokens,
			})
		if err != nil {
			return "", err
		}
		return resp.Text(), nil
	})
}

// NovaAsker asks Amazon Nova through Bedrock Converse.
type NovaAsker struct {
	client *bedrockruntime.Client
	model  string
}

func NewNovaAsker(ctx context.Context, model string) (*NovaAsker, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	otelaws.AppendMiddlewares(&cfg.APIOptions)
	return &NovaAsker{
		client: bedrockruntime.NewFromConfig(cfg),
		model:  resolveModel(novaModels, model, "nova-lite"),
	}, nil
}

func (a *NovaAsker) Ask(ctx context.Context, prompt string) (string, error) {
	return askWithRetry(ctx, "Bedrock", func(ctx context.Context) (string, error) {
		resp, err := a.client.Converse(ctx, &bedrockruntime.ConverseInput{
			ModelId: aws.String(a.model),
			System: []types.SystemContentBlock{
				&types.SystemContentBlockMemberText{Value: systemPrompt},
			},
			Messages: []types.Message{
				{
					Role: types.ConversationRoleUser,
					Content: []types.ContentBlock{
						&types.ContentBlockMemberText{Value: prompt},
					},
				},
			},
			InferenceConfig: &types.InferenceConfiguration{
				MaxTokens:   aws.Int32(maxTokens),
				Temperature: aws.Float32(temperature),
			},
		})
		if err != nil {
			return "", err
		}
		return extractNovaText(resp), nil
	})
}

func extractNovaText(resp *bedrockruntime.ConverseOutput) string {
	if resp.Output == nil {
		return ""
	}
	msg, ok := resp.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return ""
	}
	for _, block := range msg.Value.Content {
		if tb, ok := block.(*types.ContentBlockMemberText); ok {
			return tb.Value
		}
	}
	return ""
}

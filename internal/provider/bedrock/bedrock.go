package bedrock

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/tokengate/tokengate/internal/domain"
	"github.com/tokengate/tokengate/internal/provider"
)

type Provider struct {
	client *bedrockruntime.Client
	region string
}

func New(ctx context.Context, region string) (*Provider, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &Provider{
		client: bedrockruntime.NewFromConfig(cfg),
		region: region,
	}, nil
}

func NewWithConfig(cfg aws.Config) *Provider {
	return &Provider{
		client: bedrockruntime.NewFromConfig(cfg),
		region: cfg.Region,
	}
}

func (p *Provider) ID() string {
	return "bedrock"
}

func (p *Provider) Generate(ctx context.Context, req domain.ChatRequest) (*domain.Completion, error) {
	body, err := json.Marshal(toBedrockRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(mapModelID(req.Model)),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("invoke model: %w", err)
	}

	var resp bedrockResponse
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return &domain.Completion{
		Text: text,
		Usage: &domain.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		Raw: output.Body,
	}, nil
}

func (p *Provider) Stream(ctx context.Context, req domain.ChatRequest) (<-chan provider.Event, <-chan error) {
	events := make(chan provider.Event)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		body, err := json.Marshal(toBedrockRequest(req))
		if err != nil {
			errs <- fmt.Errorf("marshal request: %w", err)
			return
		}

		output, err := p.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
			ModelId:     aws.String(mapModelID(req.Model)),
			ContentType: aws.String("application/json"),
			Accept:      aws.String("application/json"),
			Body:        body,
		})
		if err != nil {
			errs <- fmt.Errorf("invoke model stream: %w", err)
			return
		}

		stream := output.GetStream()
		defer stream.Close()

		var promptTokens int

		for event := range stream.Events() {
			chunk, ok := event.(*types.ResponseStreamMemberChunk)
			if !ok {
				continue
			}

			var frame bedrockStreamChunk
			if err := json.Unmarshal(chunk.Value.Bytes, &frame); err != nil {
				continue
			}

			var ev provider.Event
			switch frame.Type {
			case "message_start":
				if frame.Message != nil {
					promptTokens = frame.Message.Usage.InputTokens
				}
				continue
			case "content_block_delta":
				if frame.Delta == nil || frame.Delta.Text == "" {
					continue
				}
				ev = provider.Event{Content: frame.Delta.Text}
			case "message_delta":
				if frame.Usage == nil {
					continue
				}
				ev = provider.Event{Usage: &domain.Usage{
					PromptTokens:     promptTokens,
					CompletionTokens: frame.Usage.OutputTokens,
					TotalTokens:      promptTokens + frame.Usage.OutputTokens,
				}}
			case "message_stop":
				return
			default:
				continue
			}

			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}

		if err := stream.Err(); err != nil {
			errs <- fmt.Errorf("stream error: %w", err)
		}
	}()

	return events, errs
}

func (p *Provider) Embeddings(ctx context.Context, req domain.EmbeddingsRequest) (*domain.EmbeddingsResponse, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = "amazon.titan-embed-text-v2:0"
	}

	// Titan embeds one input per invocation.
	vectors := make([][]float64, 0, len(req.Input))
	totalTokens := 0

	for _, input := range req.Input {
		body, err := json.Marshal(titanEmbedRequest{InputText: input})
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}

		output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
			ModelId:     aws.String(modelID),
			ContentType: aws.String("application/json"),
			Accept:      aws.String("application/json"),
			Body:        body,
		})
		if err != nil {
			return nil, fmt.Errorf("invoke embed model: %w", err)
		}

		var resp titanEmbedResponse
		if err := json.Unmarshal(output.Body, &resp); err != nil {
			return nil, fmt.Errorf("unmarshal response: %w", err)
		}

		vectors = append(vectors, resp.Embedding)
		totalTokens += resp.InputTextTokenCount
	}

	return &domain.EmbeddingsResponse{
		Vectors: vectors,
		Usage: &domain.Usage{
			PromptTokens: totalTokens,
			TotalTokens:  totalTokens,
		},
	}, nil
}

func (p *Provider) Models(ctx context.Context) ([]string, error) {
	return []string{
		"anthropic.claude-3-5-sonnet-20241022-v2:0",
		"anthropic.claude-3-5-haiku-20241022-v1:0",
		"anthropic.claude-3-haiku-20240307-v1:0",
		"amazon.titan-embed-text-v2:0",
	}, nil
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	return nil
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version,omitempty"`
	MaxTokens        int              `json:"max_tokens"`
	Messages         []domain.Message `json:"messages"`
	System           string           `json:"system,omitempty"`
	Temperature      *float64         `json:"temperature,omitempty"`
}

type bedrockResponse struct {
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      bedrockUsage   `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type bedrockUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type bedrockStreamChunk struct {
	Type    string        `json:"type"`
	Delta   *streamDelta  `json:"delta,omitempty"`
	Usage   *bedrockUsage `json:"usage,omitempty"`
	Message *messageStart `json:"message,omitempty"`
}

type streamDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type messageStart struct {
	Usage bedrockUsage `json:"usage"`
}

type titanEmbedRequest struct {
	InputText string `json:"inputText"`
}

type titanEmbedResponse struct {
	Embedding           []float64 `json:"embedding"`
	InputTextTokenCount int       `json:"inputTextTokenCount"`
}

func mapModelID(model string) string {
	modelMap := map[string]string{
		"claude-3-5-sonnet": "anthropic.claude-3-5-sonnet-20241022-v2:0",
		"claude-3-5-haiku":  "anthropic.claude-3-5-haiku-20241022-v1:0",
		"claude-3-haiku":    "anthropic.claude-3-haiku-20240307-v1:0",
	}

	if mapped, ok := modelMap[model]; ok {
		return mapped
	}
	return model
}

func toBedrockRequest(req domain.ChatRequest) bedrockRequest {
	var systemPrompt string
	var messages []domain.Message

	for _, m := range req.Messages {
		if m.Role == "system" {
			systemPrompt = m.Content
			continue
		}
		messages = append(messages, m)
	}

	maxTokens := 4096
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	return bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		Messages:         messages,
		System:           systemPrompt,
		Temperature:      req.Temperature,
	}
}

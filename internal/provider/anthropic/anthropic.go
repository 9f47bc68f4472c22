package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tokengate/tokengate/internal/domain"
	"github.com/tokengate/tokengate/internal/httputil"
	"github.com/tokengate/tokengate/internal/provider"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
)

type Provider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func New(apiKey string) *Provider {
	return &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		client:  httputil.DefaultClient(),
	}
}

func (p *Provider) ID() string {
	return "anthropic"
}

func (p *Provider) Generate(ctx context.Context, req domain.ChatRequest) (*domain.Completion, error) {
	body, err := json.Marshal(toAnthropicRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := p.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("anthropic error: status=%d body=%s", resp.StatusCode, string(raw))
	}

	var msgResp messageResponse
	if err := json.Unmarshal(raw, &msgResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	var text string
	for _, block := range msgResp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return &domain.Completion{
		Text: text,
		Usage: &domain.Usage{
			PromptTokens:     msgResp.Usage.InputTokens,
			CompletionTokens: msgResp.Usage.OutputTokens,
			TotalTokens:      msgResp.Usage.InputTokens + msgResp.Usage.OutputTokens,
		},
		Raw: raw,
	}, nil
}

func (p *Provider) Stream(ctx context.Context, req domain.ChatRequest) (<-chan provider.Event, <-chan error) {
	events := make(chan provider.Event)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		body, err := json.Marshal(toAnthropicRequest(req, true))
		if err != nil {
			errs <- fmt.Errorf("marshal request: %w", err)
			return
		}

		httpReq, err := p.newRequest(ctx, body)
		if err != nil {
			errs <- err
			return
		}
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := p.client.Do(httpReq)
		if err != nil {
			errs <- fmt.Errorf("do request: %w", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			bodyBytes, _ := io.ReadAll(resp.Body)
			errs <- fmt.Errorf("anthropic error: status=%d body=%s", resp.StatusCode, string(bodyBytes))
			return
		}

		// Usage arrives split across frames: input tokens on
		// message_start, output tokens on message_delta.
		var promptTokens int

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			var event streamEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				continue
			}

			var ev provider.Event
			switch event.Type {
			case "message_start":
				if event.Message != nil {
					promptTokens = event.Message.Usage.InputTokens
				}
				continue
			case "content_block_delta":
				if event.Delta == nil || event.Delta.Text == "" {
					continue
				}
				ev = provider.Event{Content: event.Delta.Text}
			case "message_delta":
				if event.Usage == nil {
					continue
				}
				ev = provider.Event{Usage: &domain.Usage{
					PromptTokens:     promptTokens,
					CompletionTokens: event.Usage.OutputTokens,
					TotalTokens:      promptTokens + event.Usage.OutputTokens,
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

		if err := scanner.Err(); err != nil {
			errs <- fmt.Errorf("scan error: %w", err)
		}
	}()

	return events, errs
}

func (p *Provider) Embeddings(ctx context.Context, req domain.EmbeddingsRequest) (*domain.EmbeddingsResponse, error) {
	return nil, fmt.Errorf("%w: anthropic has no embeddings endpoint", domain.ErrUnsupported)
}

func (p *Provider) Models(ctx context.Context) ([]string, error) {
	return []string{
		"claude-3-5-sonnet-20241022",
		"claude-3-5-haiku-20241022",
		"claude-3-opus-20240229",
		"claude-3-haiku-20240307",
	}, nil
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	return nil
}

func (p *Provider) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	return httpReq, nil
}

type anthropicRequest struct {
	Model       string           `json:"model"`
	Messages    []domain.Message `json:"messages"`
	MaxTokens   int              `json:"max_tokens"`
	Temperature *float64         `json:"temperature,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
	System      string           `json:"system,omitempty"`
}

func toAnthropicRequest(req domain.ChatRequest, stream bool) anthropicRequest {
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

	return anthropicRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
		System:      systemPrompt,
	}
}

type messageResponse struct {
	Content []contentBlock `json:"content"`
	Usage   anthropicUsage `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type streamEvent struct {
	Type    string          `json:"type"`
	Delta   *streamDelta    `json:"delta,omitempty"`
	Usage   *anthropicUsage `json:"usage,omitempty"`
	Message *messageStart   `json:"message,omitempty"`
}

type streamDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type messageStart struct {
	Usage anthropicUsage `json:"usage"`
}

package openai

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

type Provider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func New(apiKey, baseURL string) *Provider {
	return &Provider{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  httputil.DefaultClient(),
	}
}

func (p *Provider) ID() string {
	return "openai"
}

func (p *Provider) Generate(ctx context.Context, req domain.ChatRequest) (*domain.Completion, error) {
	body, err := json.Marshal(toOpenAIRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	raw, err := p.post(ctx, "/chat/completions", body, "")
	if err != nil {
		return nil, err
	}

	var chatResp chatResponse
	if err := json.Unmarshal(raw, &chatResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("openai response has no choices")
	}

	var text string
	if chatResp.Choices[0].Message != nil {
		text = chatResp.Choices[0].Message.Content
	}

	return &domain.Completion{
		Text:  text,
		Usage: chatResp.Usage,
		Raw:   raw,
	}, nil
}

func (p *Provider) Stream(ctx context.Context, req domain.ChatRequest) (<-chan provider.Event, <-chan error) {
	events := make(chan provider.Event)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		oaReq := toOpenAIRequest(req, true)
		body, err := json.Marshal(oaReq)
		if err != nil {
			errs <- fmt.Errorf("marshal request: %w", err)
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			errs <- fmt.Errorf("create request: %w", err)
			return
		}

		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := p.client.Do(httpReq)
		if err != nil {
			errs <- fmt.Errorf("do request: %w", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			bodyBytes, _ := io.ReadAll(resp.Body)
			errs <- fmt.Errorf("openai error: status=%d body=%s", resp.StatusCode, string(bodyBytes))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return
			}

			var chunk streamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}

			// Final chunks may carry usage with no choices; earlier ones
			// carry content deltas with no usage.
			ev := provider.Event{Usage: chunk.Usage}
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta != nil {
				ev.Content = chunk.Choices[0].Delta.Content
			}
			if ev.Content == "" && ev.Usage == nil {
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
	body, err := json.Marshal(embeddingsRequest{
		Model: req.Model,
		Input: req.Input,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	raw, err := p.post(ctx, "/embeddings", body, "")
	if err != nil {
		return nil, err
	}

	var embResp embeddingsResponse
	if err := json.Unmarshal(raw, &embResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	vectors := make([][]float64, len(embResp.Data))
	for i, d := range embResp.Data {
		vectors[i] = d.Embedding
	}

	return &domain.EmbeddingsResponse{
		Vectors: vectors,
		Usage:   embResp.Usage,
	}, nil
}

func (p *Provider) Models(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai error: status=%d", resp.StatusCode)
	}

	var modelsResp struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&modelsResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	ids := make([]string, len(modelsResp.Data))
	for i, m := range modelsResp.Data {
		ids[i] = m.ID
	}
	return ids, nil
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.Models(ctx)
	return err
}

func (p *Provider) post(ctx context.Context, path string, body []byte, accept string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	if accept != "" {
		httpReq.Header.Set("Accept", accept)
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
		return nil, fmt.Errorf("openai error: status=%d body=%s", resp.StatusCode, string(raw))
	}

	return raw, nil
}

type openAIRequest struct {
	Model         string           `json:"model"`
	Messages      []domain.Message `json:"messages"`
	Temperature   *float64         `json:"temperature,omitempty"`
	MaxTokens     *int             `json:"max_tokens,omitempty"`
	Stream        bool             `json:"stream,omitempty"`
	StreamOptions *streamOptions   `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

func toOpenAIRequest(req domain.ChatRequest, stream bool) openAIRequest {
	out := openAIRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	if stream {
		out.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return out
}

type chatResponse struct {
	Choices []choice      `json:"choices"`
	Usage   *domain.Usage `json:"usage,omitempty"`
}

type choice struct {
	Message *domain.Message `json:"message,omitempty"`
	Delta   *delta          `json:"delta,omitempty"`
}

type delta struct {
	Content string `json:"content,omitempty"`
}

type streamChunk struct {
	Choices []choice      `json:"choices"`
	Usage   *domain.Usage `json:"usage,omitempty"`
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Usage *domain.Usage `json:"usage,omitempty"`
}

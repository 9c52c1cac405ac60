package llm

import (
	"context"
	"errors"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig is the resolved provider record for the OpenAI-compatible
// adapter. Credential resolution happens outside the core; this adapter only
// consumes the result.
type OpenAIConfig struct {
	APIKey   string
	Model    string
	BaseURL  string        // optional; any OpenAI-compatible endpoint
	Provider string        // reported in responses and errors; default "openai"
	Timeout  time.Duration // per-call deadline; default 60s
}

// OpenAIJudge is a LanguageJudge backed by an OpenAI-compatible chat
// completions endpoint.
type OpenAIJudge struct {
	client   *openai.Client
	model    string
	provider string
}

// NewOpenAIJudge builds the adapter from a resolved provider record.
func NewOpenAIJudge(cfg OpenAIConfig) *OpenAIJudge {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}

	provider := cfg.Provider
	if provider == "" {
		provider = "openai"
	}
	return &OpenAIJudge{
		client:   openai.NewClientWithConfig(clientCfg),
		model:    cfg.Model,
		provider: provider,
	}
}

// Call sends one chat completion and maps the result onto the judge
// response contract, including token usage and an estimated cost.
func (j *OpenAIJudge) Call(ctx context.Context, req Request) (Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	var messages []openai.ChatCompletionMessage
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	start := time.Now()
	resp, err := j.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     j.model,
		MaxTokens: maxTokens,
		Messages:  messages,
	})
	if err != nil {
		return Response{}, j.classify(err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, &Error{
			Kind: ErrServer, Provider: j.provider,
			Message: "response carried no choices", Err: nil,
		}
	}

	rate := RateFor(j.model)
	return Response{
		Text:            resp.Choices[0].Message.Content,
		InputTokens:     resp.Usage.PromptTokens,
		OutputTokens:    resp.Usage.CompletionTokens,
		Model:           resp.Model,
		Provider:        j.provider,
		CostEstimateUSD: rate.Cost(resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
		LatencyMs:       time.Since(start).Milliseconds(),
	}, nil
}

// classify maps provider errors onto the judge failure taxonomy.
func (j *OpenAIJudge) classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		kind := ErrServer
		switch {
		case apiErr.HTTPStatusCode == http.StatusUnauthorized || apiErr.HTTPStatusCode == http.StatusForbidden:
			kind = ErrAuth
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			kind = ErrRateLimit
		}
		return &Error{
			Kind:       kind,
			Provider:   j.provider,
			StatusCode: apiErr.HTTPStatusCode,
			Message:    apiErr.Message,
			Err:        err,
		}
	}
	return &Error{Kind: ErrNetwork, Provider: j.provider, Message: err.Error(), Err: err}
}

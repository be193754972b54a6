package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/polzovatel/browser-brain/internal/config"
)

const (
	defaultOpenAIModel   = "gpt-4o-mini"
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	openAITimeout        = 60 * time.Second
)

// openAIClient speaks the chat-completions wire format, so it also works
// against compatible local gateways.
type openAIClient struct {
	apiKey   string
	model    string
	endpoint string
	http     *http.Client
	logger   zerolog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

type openAIPayload struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type openAIPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

func NewOpenAI(cfg config.LLMConfig, logger zerolog.Logger) (Client, error) {
	key := strings.TrimSpace(cfg.OpenAIAPIKey)
	if key == "" {
		return nil, eris.New("missing OPENAI_API_KEY")
	}
	model := strings.Trim(strings.TrimSpace(cfg.OpenAIModel), "\"'")
	if model == "" {
		model = defaultOpenAIModel
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.OpenAIBaseURL), "/")
	if base == "" {
		base = defaultOpenAIBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = openAITimeout
	}
	return &openAIClient{
		apiKey:   key,
		model:    model,
		endpoint: base + "/chat/completions",
		http:     &http.Client{Timeout: timeout},
		logger:   logger.With().Str("comp", "llm").Str("provider", "openai").Logger(),
		sleep:    sleepCtx,
	}, nil
}

func (c *openAIClient) Name() string {
	return c.model
}

func (c *openAIClient) Generate(ctx context.Context, req Request) (Response, error) {
	if len(req.Messages) == 0 {
		return Response{}, &APIError{Kind: KindOther, Err: eris.New("no messages")}
	}

	payload := openAIPayload{
		Model:       c.model,
		Messages:    toOpenAIMessages(req),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if payload.MaxTokens <= 0 {
		payload.MaxTokens = defaultMaxTokens
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, &APIError{Kind: KindOther, Err: eris.Wrap(err, "marshal payload")}
	}

	var lastErr *APIError
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay * time.Duration(1<<uint(attempt-1))
			c.logger.Info().
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("retrying OpenAI API call")
			if err := c.sleep(ctx, delay); err != nil {
				return Response{}, classify(0, err)
			}
		}

		c.logger.Debug().
			Str("model", c.model).
			Int("messages", len(payload.Messages)).
			Int("payload_size", len(body)).
			Msg("OpenAI API request")

		text, apiErr := c.do(ctx, body)
		if apiErr == nil {
			return Response{Text: text}, nil
		}
		lastErr = apiErr
		if !retryable(apiErr) || ctx.Err() != nil {
			return Response{}, apiErr
		}
	}
	return Response{}, lastErr
}

func (c *openAIClient) do(ctx context.Context, body []byte) (string, *APIError) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", &APIError{Kind: KindOther, Err: eris.Wrap(err, "create request")}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", classify(0, eris.Wrap(err, "http request"))
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return "", classify(0, eris.Wrap(err, "read response"))
	}

	c.logger.Debug().
		Int("status", resp.StatusCode).
		Int("response_size", len(data)).
		Msg("OpenAI API response")

	var apiResp openAIResponse
	parseErr := json.Unmarshal(data, &apiResp)

	if resp.StatusCode >= 400 {
		msg := truncateString(string(data), 500)
		if parseErr == nil && apiResp.Error != nil && apiResp.Error.Message != "" {
			msg = apiResp.Error.Message
		}
		c.logger.Error().
			Int("status", resp.StatusCode).
			Str("error_msg", msg).
			Msg("OpenAI API error")
		return "", classify(resp.StatusCode, eris.Errorf("openai %d: %s", resp.StatusCode, msg))
	}
	if parseErr != nil {
		return "", &APIError{Kind: KindOther, Status: resp.StatusCode, Err: eris.Wrapf(parseErr, "parse response (raw: %s)", truncateString(string(data), 200))}
	}
	if len(apiResp.Choices) == 0 {
		return "", &APIError{Kind: KindOther, Status: resp.StatusCode, Err: eris.New("no choices in response")}
	}

	choice := apiResp.Choices[0]
	if choice.Message.Content == "" {
		return "", &APIError{Kind: KindOther, Status: resp.StatusCode, Err: eris.New("empty response content")}
	}

	c.logger.Debug().
		Str("finish_reason", choice.FinishReason).
		Int("prompt_tokens", apiResp.Usage.PromptTokens).
		Int("completion_tokens", apiResp.Usage.CompletionTokens).
		Str("response_preview", truncateString(choice.Message.Content, 200)).
		Msg("OpenAI API success")

	return choice.Message.Content, nil
}

// retryable covers 429 and 5xx plus transport failures.
func retryable(err *APIError) bool {
	if err.Status == 0 {
		return true
	}
	return err.Status == http.StatusTooManyRequests || err.Status >= 500
}

func toOpenAIMessages(req Request) []openAIMessage {
	messages := make([]openAIMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		text := m.Text
		if len(text) > maxRequestSize {
			text = text[:maxRequestSize] + "... [truncated]"
		}
		if len(m.ImagePNG) == 0 {
			messages = append(messages, openAIMessage{Role: m.Role, Content: text})
			continue
		}
		messages = append(messages, openAIMessage{
			Role: m.Role,
			Content: []openAIPart{
				{Type: "image_url", ImageURL: &openAIImageURL{
					URL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(m.ImagePNG),
				}},
				{Type: "text", Text: text},
			},
		})
	}
	return messages
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

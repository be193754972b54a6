package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/polzovatel/browser-brain/internal/config"
)

const (
	defaultModel     = "claude-sonnet-4-5-20250929"
	defaultMaxTokens = 3000
)

type anthropicClient struct {
	client sdk.Client
	model  string
	logger zerolog.Logger
}

// NewAnthropic builds a client on the official SDK. The SDK handles
// retries on 429/5xx with its own backoff.
func NewAnthropic(cfg config.LLMConfig, logger zerolog.Logger) (Client, error) {
	key := strings.TrimSpace(cfg.AnthropicAPIKey)
	if key == "" {
		return nil, eris.New("missing ANTHROPIC_API_KEY")
	}
	model := strings.Trim(strings.TrimSpace(cfg.Model), "\"'")
	if model == "" {
		model = defaultModel
	}

	opts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithMaxRetries(maxRetries),
	}
	if cfg.AnthropicBaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.AnthropicBaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}

	return &anthropicClient{
		client: sdk.NewClient(opts...),
		model:  model,
		logger: logger.With().Str("comp", "llm").Str("provider", "anthropic").Logger(),
	}, nil
}

func (c *anthropicClient) Name() string {
	return c.model
}

func (c *anthropicClient) Generate(ctx context.Context, req Request) (Response, error) {
	if len(req.Messages) == 0 {
		return Response{}, &APIError{Kind: KindOther, Err: eris.New("no messages")}
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  toSDKMessages(req.Messages),
	}
	if params.MaxTokens <= 0 {
		params.MaxTokens = defaultMaxTokens
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}

	c.logger.Debug().
		Str("model", c.model).
		Int("messages", len(req.Messages)).
		Int64("max_tokens", params.MaxTokens).
		Msg("anthropic request")

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		var apierr *sdk.Error
		status := 0
		if errors.As(err, &apierr) {
			status = apierr.StatusCode
		}
		c.logger.Error().Err(err).Int("status", status).Msg("anthropic API error")
		return Response{}, classify(status, eris.Wrap(err, "anthropic: create message"))
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	text := b.String()
	if text == "" {
		return Response{}, &APIError{Kind: KindOther, Err: eris.New("anthropic: empty response content")}
	}

	c.logger.Debug().
		Str("stop_reason", string(msg.StopReason)).
		Int64("input_tokens", msg.Usage.InputTokens).
		Int64("output_tokens", msg.Usage.OutputTokens).
		Str("response_preview", truncateString(text, 200)).
		Msg("anthropic API success")

	return Response{Text: text}, nil
}

func toSDKMessages(msgs []Message) []sdk.MessageParam {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		text := m.Text
		if len(text) > maxRequestSize {
			text = text[:maxRequestSize] + "... [truncated]"
		}
		switch m.Role {
		case "assistant":
			out = append(out, sdk.NewAssistantMessage(sdk.NewTextBlock(text)))
		default:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 2)
			if len(m.ImagePNG) > 0 {
				blocks = append(blocks, sdk.NewImageBlockBase64("image/png", base64.StdEncoding.EncodeToString(m.ImagePNG)))
			}
			blocks = append(blocks, sdk.NewTextBlock(text))
			out = append(out, sdk.NewUserMessage(blocks...))
		}
	}
	return out
}

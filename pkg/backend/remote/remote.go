// Package remote provides a Backend that calls an OpenAI-compatible
// chat-completions API.
//
// The backend performs exactly one HTTP call per Generate with fixed sampling
// parameters (temperature 0.7, top-p 0.7, one choice). The SDK's built-in
// retry loop is disabled; a transport or API error is returned verbatim.
package remote

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/agentengine/pkg/backend"
	"github.com/MrWong99/agentengine/pkg/types"
)

const (
	// Temperature is the sampling temperature sent with every request.
	Temperature = 0.7

	// TopP is the nucleus sampling mass sent with every request.
	TopP = 0.7

	// completionsSuffix is stripped from descriptor endpoints so the SDK can
	// append its own route.
	completionsSuffix = "/chat/completions"
)

// Backend implements backend.Backend against a remote chat-completions API.
type Backend struct {
	client oai.Client
	model  string
	caps   backend.Capabilities
}

// config holds optional configuration for the backend.
type config struct {
	timeout    time.Duration
	httpClient *http.Client
	caps       backend.Capabilities
}

// Option is a functional option for Backend.
type Option func(*config)

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithHTTPClient replaces the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) {
		c.httpClient = hc
	}
}

// WithCapabilities sets the capabilities reported by the backend. Remote
// backends never support acceleration; that flag is always cleared.
func WithCapabilities(caps backend.Capabilities) Option {
	return func(c *config) {
		c.caps = caps
	}
}

// New constructs a remote Backend.
//
// endpoint is the API location from the model descriptor. Both a base URL
// ("https://host/v1") and a full completions URL
// ("https://host/v1/chat/completions") are accepted.
func New(endpoint, apiKey, model string, opts ...Option) (*Backend, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("remote: endpoint must not be empty: %w", backend.ErrConfiguration)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("remote: apiKey must not be empty: %w", backend.ErrConfiguration)
	}
	if model == "" {
		return nil, fmt.Errorf("remote: model must not be empty: %w", backend.ErrConfiguration)
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}
	cfg.caps.SupportsAcceleration = false

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(BaseURL(endpoint)),
		option.WithMaxRetries(0),
	}
	switch {
	case cfg.httpClient != nil:
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	case cfg.timeout > 0:
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Backend{
		client: oai.NewClient(reqOpts...),
		model:  model,
		caps:   cfg.caps,
	}, nil
}

// BaseURL normalises a descriptor endpoint into an SDK base URL with a
// trailing slash and without the chat-completions route.
func BaseURL(endpoint string) string {
	u := strings.TrimRight(endpoint, "/")
	u = strings.TrimSuffix(u, completionsSuffix)
	return u + "/"
}

// Generate implements backend.Backend.
func (b *Backend) Generate(ctx context.Context, messages []types.Message, maxNewTokens int) (string, error) {
	params, err := b.buildParams(messages, maxNewTokens)
	if err != nil {
		return "", fmt.Errorf("remote: build params: %w", err)
	}

	resp, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("remote: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("remote: empty choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

// Capabilities implements backend.Backend.
func (b *Backend) Capabilities() backend.Capabilities { return b.caps }

// Kind implements backend.Backend.
func (b *Backend) Kind() backend.Kind { return backend.KindRemote }

// Close implements backend.Backend. The SDK client holds no resources that
// need explicit release.
func (b *Backend) Close() error { return nil }

// Model returns the remote model name requests are sent for.
func (b *Backend) Model() string { return b.model }

// buildParams converts the conversation into SDK request params.
func (b *Backend) buildParams(messages []types.Message, maxNewTokens int) (oai.ChatCompletionNewParams, error) {
	out := make([]oai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		out = append(out, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:       shared.ChatModel(b.model),
		Messages:    out,
		Temperature: param.NewOpt(Temperature),
		TopP:        param.NewOpt(TopP),
		N:           param.NewOpt(int64(1)),
	}
	if maxNewTokens > 0 {
		params.MaxTokens = param.NewOpt(int64(maxNewTokens))
	}
	return params, nil
}

// convertMessage converts a types.Message to an SDK message param.
func convertMessage(m types.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case types.RoleSystem:
		return oai.SystemMessage(m.Text()), nil

	case types.RoleUser:
		if !m.IsMultiPart() {
			return oai.UserMessage(m.Content), nil
		}
		parts, err := convertParts(m.Parts)
		if err != nil {
			return oai.ChatCompletionMessageParamUnion{}, err
		}
		return oai.UserMessage(parts), nil

	case types.RoleAssistant:
		asst := oai.ChatCompletionAssistantMessageParam{}
		asst.Content.OfString = oai.String(m.Text())
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil

	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("remote: unknown message role %q", m.Role)
	}
}

// convertParts maps typed parts onto SDK content parts. Image parts must
// already carry a data URL; remote endpoints cannot read local paths.
func convertParts(parts []types.Part) ([]oai.ChatCompletionContentPartUnionParam, error) {
	out := make([]oai.ChatCompletionContentPartUnionParam, 0, len(parts))
	for i, p := range parts {
		switch p.Type {
		case types.PartText:
			out = append(out, oai.TextContentPart(p.Text))
		case types.PartImage:
			if p.ImageURL == "" {
				return nil, fmt.Errorf("remote: image part %d has no data URL", i)
			}
			out = append(out, oai.ImageContentPart(oai.ChatCompletionContentPartImageImageURLParam{
				URL:    p.ImageURL,
				Detail: "auto",
			}))
		default:
			return nil, fmt.Errorf("remote: unknown part type %q", p.Type)
		}
	}
	return out, nil
}

var _ backend.Backend = (*Backend)(nil)

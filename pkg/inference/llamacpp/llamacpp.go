// Package llamacpp provides a standard local [inference.Engine] that drives a
// llama.cpp server through its native template, tokenizer and completion
// routes.
//
// Unlike the OpenAI-compatible route, the native routes expose the token
// level, which is what the standard local backend works with: the chat
// template is rendered server side, the prompt is tokenised, generation runs
// on the token ids, and the caller decodes the trimmed output itself.
//
// Image prompts use llama.cpp's multimodal convention: each image part is
// rendered as an "[img-N]" marker and its bytes are sent as image_data with
// the matching id.
package llamacpp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/MrWong99/agentengine/pkg/inference"
	"github.com/MrWong99/agentengine/pkg/types"
)

// DefaultBaseURL is the address of a llama.cpp server started with defaults.
const DefaultBaseURL = "http://127.0.0.1:8080"

// imageIDBase is the first id assigned to image markers.
const imageIDBase = 10

// Engine implements inference.Engine.
type Engine struct {
	baseURL string
	client  *http.Client
	cfg     inference.EngineConfig
}

// Option is a functional option for Engine.
type Option func(*Engine)

// WithBaseURL overrides [DefaultBaseURL].
func WithBaseURL(url string) Option {
	return func(e *Engine) { e.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.client = c }
}

// New creates an Engine for cfg. It checks the server's /health route and
// returns an error wrapping [inference.ErrUnavailable] if it does not answer.
func New(ctx context.Context, cfg inference.EngineConfig, opts ...Option) (*Engine, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("llamacpp: model must not be empty")
	}
	e := &Engine{
		baseURL: DefaultBaseURL,
		client:  &http.Client{Timeout: 10 * time.Minute},
		cfg:     cfg,
	}
	for _, o := range opts {
		o(e)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("llamacpp: build health request: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llamacpp: %w: %v", inference.ErrUnavailable, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("llamacpp: %w: health status %d", inference.ErrUnavailable, resp.StatusCode)
	}
	return e, nil
}

// Factory returns an inference.EngineFactory bound to opts.
func Factory(opts ...Option) inference.EngineFactory {
	return func(ctx context.Context, cfg inference.EngineConfig) (inference.Engine, error) {
		return New(ctx, cfg, opts...)
	}
}

// ── wire types ────────────────────────────────────────────────────────────────

type templateMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type templateRequest struct {
	Messages []templateMessage `json:"messages"`
}

type templateResponse struct {
	Prompt string `json:"prompt"`
}

type tokenizeRequest struct {
	Content    string `json:"content"`
	AddSpecial bool   `json:"add_special"`
}

type tokenizeResponse struct {
	Tokens []int `json:"tokens"`
}

type imageData struct {
	Data string `json:"data"`
	ID   int    `json:"id"`
}

type completionRequest struct {
	Prompt       any         `json:"prompt"`
	NPredict     int         `json:"n_predict"`
	ReturnTokens bool        `json:"return_tokens"`
	CachePrompt  bool        `json:"cache_prompt"`
	ImageData    []imageData `json:"image_data,omitempty"`
}

type completionResponse struct {
	Content string `json:"content"`
	Tokens  []int  `json:"tokens"`
}

type detokenizeRequest struct {
	Tokens []int `json:"tokens"`
}

type detokenizeResponse struct {
	Content string `json:"content"`
}

// ── inference.Engine ──────────────────────────────────────────────────────────

// ApplyChatTemplate implements inference.Engine.
func (e *Engine) ApplyChatTemplate(ctx context.Context, messages []types.Message) (string, error) {
	req := templateRequest{Messages: make([]templateMessage, 0, len(messages))}
	imageID := imageIDBase
	for _, m := range messages {
		var sb strings.Builder
		if m.IsMultiPart() {
			for _, p := range m.Parts {
				switch p.Type {
				case types.PartImage:
					if e.cfg.SupportsImages {
						fmt.Fprintf(&sb, "[img-%d]", imageID)
						imageID++
					}
				case types.PartText:
					sb.WriteString(p.Text)
				}
			}
		} else {
			sb.WriteString(m.Content)
		}
		req.Messages = append(req.Messages, templateMessage{Role: string(m.Role), Content: sb.String()})
	}

	var resp templateResponse
	if err := e.post(ctx, "/apply-template", req, &resp); err != nil {
		return "", err
	}
	return resp.Prompt, nil
}

// Encode implements inference.Engine.
func (e *Engine) Encode(ctx context.Context, text string, images []string) (inference.Inputs, error) {
	var resp tokenizeResponse
	if err := e.post(ctx, "/tokenize", tokenizeRequest{Content: text, AddSpecial: true}, &resp); err != nil {
		return inference.Inputs{}, err
	}
	in := inference.Inputs{Prompt: text, InputIDs: [][]int{resp.Tokens}}
	if e.cfg.SupportsImages {
		in.Images = images
	}
	return in, nil
}

// Generate implements inference.Engine. Each returned row is the input row
// followed by the generated tokens.
func (e *Engine) Generate(ctx context.Context, in inference.Inputs, maxNewTokens int) ([][]int, error) {
	out := make([][]int, 0, len(in.InputIDs))
	for _, ids := range in.InputIDs {
		req := completionRequest{
			Prompt:       ids,
			NPredict:     maxNewTokens,
			ReturnTokens: true,
			CachePrompt:  true,
		}
		if len(in.Images) > 0 {
			// Image markers only survive as text; token prompts would split them.
			req.Prompt = in.Prompt
			for i, path := range in.Images {
				raw, err := os.ReadFile(path)
				if err != nil {
					return nil, fmt.Errorf("llamacpp: read image %q: %w", path, err)
				}
				req.ImageData = append(req.ImageData, imageData{
					Data: base64.StdEncoding.EncodeToString(raw),
					ID:   imageIDBase + i,
				})
			}
		}

		var resp completionResponse
		if err := e.post(ctx, "/completion", req, &resp); err != nil {
			return nil, err
		}
		row := make([]int, 0, len(ids)+len(resp.Tokens))
		row = append(row, ids...)
		row = append(row, resp.Tokens...)
		out = append(out, row)
	}
	return out, nil
}

// Decode implements inference.Engine.
func (e *Engine) Decode(ctx context.Context, ids []int) (string, error) {
	if len(ids) == 0 {
		return "", nil
	}
	var resp detokenizeResponse
	if err := e.post(ctx, "/detokenize", detokenizeRequest{Tokens: ids}, &resp); err != nil {
		return "", err
	}
	return resp.Content, nil
}

// Close implements inference.Engine. The server outlives the engine.
func (e *Engine) Close() error {
	e.client.CloseIdleConnections()
	return nil
}

// post sends body as JSON to route and decodes the JSON response into out.
func (e *Engine) post(ctx context.Context, route string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("llamacpp: marshal %s: %w", route, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+route, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("llamacpp: build %s request: %w", route, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("llamacpp: %s: %w", route, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("llamacpp: %s: status %d: %s", route, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("llamacpp: decode %s response: %w", route, err)
	}
	return nil
}

var _ inference.Engine = (*Engine)(nil)

// Package llm adapts agentsdk-go model providers to the engine's model
// client boundary.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/clawcore/internal/config"
	"github.com/stellarlinkco/clawcore/internal/engine"
)

var ErrNoAPIKey = errors.New("llm: api key is not configured")

// Streamer is the part of model.Model the client needs.
type Streamer interface {
	CompleteStream(ctx context.Context, req model.Request, cb model.StreamHandler) error
}

// Client implements engine.ModelClient on top of a streaming model.
type Client struct {
	model     Streamer
	maxTokens int
	logger    zerolog.Logger
}

type Option func(*Client)

func WithMaxTokens(n int) Option {
	return func(c *Client) { c.maxTokens = n }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func New(m Streamer, opts ...Option) *Client {
	c := &Client{model: m, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Provider picks the backend named by cfg.Type: "openai" or anthropic.
func Provider(cfg config.ProviderConfig, modelName string, maxTokens int) (model.Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrNoAPIKey
	}
	switch cfg.Type {
	case "openai":
		return &model.OpenAIProvider{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			ModelName: modelName,
			MaxTokens: maxTokens,
		}, nil
	case "", "anthropic":
		return &model.AnthropicProvider{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			ModelName: modelName,
			MaxTokens: maxTokens,
		}, nil
	default:
		return nil, fmt.Errorf("llm: unsupported provider type %q", cfg.Type)
	}
}

// FromConfig builds a client for the configured provider and model.
func FromConfig(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Client, error) {
	p, err := Provider(cfg.Provider, cfg.Agent.Model, cfg.Agent.MaxTokens)
	if err != nil {
		return nil, err
	}
	m, err := p.Model(ctx)
	if err != nil {
		return nil, fmt.Errorf("create model: %w", err)
	}
	return New(m, WithMaxTokens(cfg.Agent.MaxTokens), WithLogger(logger)), nil
}

// Send implements engine.ModelClient.
func (c *Client) Send(ctx context.Context, req engine.Request, fn func(engine.Delta) error) error {
	mreq := model.Request{
		Messages:  toMessages(req.Messages),
		Tools:     toTools(req.Tools),
		System:    req.System,
		Model:     req.Model,
		MaxTokens: c.maxTokens,
	}
	return c.model.CompleteStream(ctx, mreq, func(res model.StreamResult) error {
		if res.Delta != "" {
			if err := fn(engine.Delta{Kind: engine.DeltaText, Text: res.Delta}); err != nil {
				return err
			}
		}
		if res.ToolCall != nil {
			call, err := fromToolCall(*res.ToolCall)
			if err != nil {
				return err
			}
			if err := fn(engine.Delta{Kind: engine.DeltaToolCall, ToolCall: &call}); err != nil {
				return err
			}
		}
		if res.Final {
			if res.Response != nil {
				c.logger.Debug().
					Str("stop_reason", res.Response.StopReason).
					Int("input_tokens", res.Response.Usage.InputTokens).
					Int("output_tokens", res.Response.Usage.OutputTokens).
					Msg("model turn finished")
			}
			return fn(engine.Delta{Kind: engine.DeltaEndTurn})
		}
		return nil
	})
}

// toMessages converts the transcript. Consecutive tool results are folded
// into one message so providers see them as a single reply to the
// preceding assistant turn.
func toMessages(msgs []engine.Message) []model.Message {
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case engine.RoleAssistant:
			am := model.Message{Role: "assistant", Content: m.Content}
			for _, call := range m.ToolCalls {
				am.ToolCalls = append(am.ToolCalls, model.ToolCall{
					ID:        call.ID,
					Name:      call.Name,
					Arguments: decodeArgs(call.Args),
				})
			}
			out = append(out, am)
		case engine.RoleTool:
			result := model.ToolCall{ID: m.ToolCallID, Name: m.ToolName, Result: toolResultText(m)}
			if n := len(out); n > 0 && out[n-1].Role == "tool" {
				out[n-1].ToolCalls = append(out[n-1].ToolCalls, result)
				continue
			}
			out = append(out, model.Message{Role: "tool", Content: m.Content, ToolCalls: []model.ToolCall{result}})
		default:
			out = append(out, model.Message{Role: "user", Content: m.Content})
		}
	}
	return out
}

// toolResultText marks failed results the way the providers detect them.
func toolResultText(m engine.Message) string {
	if !m.IsError {
		return m.Content
	}
	data, err := json.Marshal(map[string]string{"error": m.Content})
	if err != nil {
		return m.Content
	}
	return string(data)
}

func toTools(defs []engine.ToolDef) []model.ToolDefinition {
	if len(defs) == 0 {
		return nil
	}
	out := make([]model.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		out = append(out, model.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Schema,
		})
	}
	return out
}

func fromToolCall(tc model.ToolCall) (engine.ToolCall, error) {
	args := []byte("{}")
	if len(tc.Arguments) > 0 {
		data, err := json.Marshal(tc.Arguments)
		if err != nil {
			return engine.ToolCall{}, fmt.Errorf("encode arguments for %s: %w", tc.Name, err)
		}
		args = data
	}
	return engine.ToolCall{ID: tc.ID, Name: tc.Name, Args: args}, nil
}

func decodeArgs(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return map[string]any{"raw": string(raw)}
	}
	return args
}

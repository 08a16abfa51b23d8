package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/aixgo-dev/memtrace/pkg/conversation"
	"github.com/aixgo-dev/memtrace/pkg/trace"
)

const openAIName = "openai"

// openAIToolDescription is used for tools that only carry a vendor type.
const openAIToolDescription = "Stateful tool. Set \"command\" to select the operation."

func init() {
	Register(openAIName, func(cfg Config) (conversation.Model, error) {
		if cfg.APIKey == "" {
			cfg.APIKey = os.Getenv("OPENAI_API_KEY")
		}
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY not set")
		}
		return NewOpenAI(cfg), nil
	})
}

// OpenAI streams turns from the OpenAI chat completions API.
type OpenAI struct {
	client  *openai.Client
	maxIter int
	logger  *zap.Logger
}

// NewOpenAI creates an OpenAI provider.
func NewOpenAI(cfg Config) *OpenAI {
	cfg = cfg.withDefaults()
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return &OpenAI{
		client:  openai.NewClientWithConfig(clientCfg),
		maxIter: cfg.MaxIterations,
		logger:  cfg.Logger,
	}
}

// Stream implements conversation.Model.
func (p *OpenAI) Stream(ctx context.Context, req conversation.Request) (conversation.SignalStream, error) {
	r := newRunner(ctx, openAIName, req, p.maxIter)
	t := &openAITurn{runner: r, p: p, req: p.buildRequest(req)}
	r.advance = t.advance
	r.release = t.release

	if err := t.open(); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

func (p *OpenAI) buildRequest(req conversation.Request) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	tools := make([]openai.Tool, 0, len(req.Tools))
	for _, t := range req.Tools {
		def := t.Definition()
		desc := def.Description
		if desc == "" {
			desc = openAIToolDescription
		}
		params := def.InputSchema
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"}},"required":["command"]}`)
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: desc,
				Parameters:  params,
			},
		})
	}

	oReq := openai.ChatCompletionRequest{
		Model:         req.Model,
		Messages:      messages,
		MaxTokens:     req.MaxTokens,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if len(tools) > 0 {
		oReq.Tools = tools
	}
	return oReq
}

func (p *OpenAI) wrapError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := codeForStatus(apiErr.HTTPStatusCode)
		return &ProviderError{
			Provider:      openAIName,
			Code:          code,
			Message:       apiErr.Message,
			Type:          apiErr.Type,
			StatusCode:    apiErr.HTTPStatusCode,
			IsRetryable:   isRetryableError(code),
			OriginalError: err,
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		perr := NewProviderError(openAIName, codeForStatus(reqErr.HTTPStatusCode), err.Error(), err)
		perr.StatusCode = reqErr.HTTPStatusCode
		return perr
	}
	return NewProviderError(openAIName, ErrorCodeUnknown, err.Error(), err)
}

// openAICall is a tool call being assembled from deltas.
type openAICall struct {
	id        string
	name      string
	arguments strings.Builder
	announced bool
}

// openAITurn reads one completion stream after another until the model
// stops calling tools.
type openAITurn struct {
	*runner
	p   *OpenAI
	req openai.ChatCompletionRequest

	stream  *openai.ChatCompletionStream
	content strings.Builder
	calls   map[int]*openAICall
	order   []int
	finish  openai.FinishReason
	msgUse  trace.Usage
}

func (t *openAITurn) open() error {
	stream, err := t.p.client.CreateChatCompletionStream(t.ctx, t.req)
	if err != nil {
		return t.p.wrapError(t.ctx, err)
	}
	t.stream = stream
	t.content.Reset()
	t.calls = map[int]*openAICall{}
	t.order = nil
	t.finish = ""
	t.msgUse = trace.Usage{}
	return nil
}

func (t *openAITurn) release() error {
	if t.stream == nil {
		return nil
	}
	err := t.stream.Close()
	t.stream = nil
	return err
}

func (t *openAITurn) advance() error {
	if t.stream == nil {
		if err := t.open(); err != nil {
			return err
		}
	}

	resp, err := t.stream.Recv()
	if errors.Is(err, io.EOF) {
		_ = t.release()
		if t.finish == "" {
			return io.EOF
		}
		t.addUsage(t.msgUse)
		return t.endOfMessage()
	}
	if err != nil {
		return t.p.wrapError(t.ctx, err)
	}

	if resp.Usage != nil {
		t.msgUse = openAIUsage(resp.Usage)
	}
	for _, choice := range resp.Choices {
		if choice.Delta.Content != "" {
			t.content.WriteString(choice.Delta.Content)
			t.pushText(choice.Delta.Content)
		}
		for _, tc := range choice.Delta.ToolCalls {
			t.mergeToolCall(tc)
		}
		if choice.FinishReason != "" {
			t.finish = choice.FinishReason
		}
	}
	return nil
}

func (t *openAITurn) mergeToolCall(tc openai.ToolCall) {
	idx := 0
	if tc.Index != nil {
		idx = *tc.Index
	}
	call, ok := t.calls[idx]
	if !ok {
		call = &openAICall{}
		t.calls[idx] = call
		t.order = append(t.order, idx)
	}
	if tc.ID != "" {
		call.id = tc.ID
	}
	if tc.Function.Name != "" {
		call.name = tc.Function.Name
	}
	call.arguments.WriteString(tc.Function.Arguments)

	if !call.announced && call.name != "" {
		call.announced = true
		t.push(conversation.ToolUseStartSignal(call.id, call.name))
	}
}

func (t *openAITurn) endOfMessage() error {
	if t.finish != openai.FinishReasonToolCalls || len(t.order) == 0 {
		t.complete(string(t.finish))
		return nil
	}

	assistant := openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: t.content.String(),
	}
	var results []openai.ChatCompletionMessage
	for _, idx := range t.order {
		call := t.calls[idx]
		args := call.arguments.String()
		assistant.ToolCalls = append(assistant.ToolCalls, openai.ToolCall{
			ID:       call.id,
			Type:     openai.ToolTypeFunction,
			Function: openai.FunctionCall{Name: call.name, Arguments: args},
		})
		out, _, err := t.executeTool(call.name, []byte(args))
		if err != nil {
			return err
		}
		results = append(results, openai.ChatCompletionMessage{
			Role:       openai.ChatMessageRoleTool,
			Content:    out,
			ToolCallID: call.id,
		})
	}

	t.req.Messages = append(t.req.Messages, assistant)
	t.req.Messages = append(t.req.Messages, results...)
	return t.nextIteration()
}

// openAIUsage maps usage onto the four counters. Cached prompt tokens are
// reported as cache reads and excluded from the input count.
func openAIUsage(u *openai.Usage) trace.Usage {
	out := trace.Usage{InputTokens: u.PromptTokens, OutputTokens: u.CompletionTokens}
	if u.PromptTokensDetails != nil && u.PromptTokensDetails.CachedTokens > 0 {
		out.CacheReadTokens = u.PromptTokensDetails.CachedTokens
		out.InputTokens -= u.PromptTokensDetails.CachedTokens
	}
	return out
}

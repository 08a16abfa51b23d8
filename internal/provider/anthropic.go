package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/aixgo-dev/memtrace/pkg/conversation"
	"github.com/aixgo-dev/memtrace/pkg/trace"
)

const (
	anthropicName    = "anthropic"
	anthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
	// anthropicBeta enables vendor-defined tools such as the memory tool.
	anthropicBeta = "context-management-2025-06-27"
)

func init() {
	Register(anthropicName, func(cfg Config) (conversation.Model, error) {
		if cfg.APIKey == "" {
			cfg.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
		return NewAnthropic(cfg), nil
	})
}

// Anthropic streams turns from the Anthropic Messages API.
type Anthropic struct {
	apiKey  string
	baseURL string
	maxIter int
	client  *http.Client
	logger  *zap.Logger
}

// NewAnthropic creates an Anthropic provider.
func NewAnthropic(cfg Config) *Anthropic {
	cfg = cfg.withDefaults()
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = anthropicBaseURL
	}
	return &Anthropic{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		maxIter: cfg.MaxIterations,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  cfg.Logger,
	}
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
	Stream    bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []anthropicContentBlock
}

type anthropicContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Type        string          `json:"type,omitempty"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

type anthropicAPIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	ContentBlock *anthropicContentBlock `json:"content_block"`
	Delta        struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Usage *anthropicUsage    `json:"usage"`
	Error *anthropicAPIError `json:"error"`
}

// Stream implements conversation.Model. The first request is sent before
// Stream returns, so request errors are reported here.
func (p *Anthropic) Stream(ctx context.Context, req conversation.Request) (conversation.SignalStream, error) {
	r := newRunner(ctx, anthropicName, req, p.maxIter)
	t := &anthropicTurn{runner: r, p: p, req: p.buildRequest(req)}
	r.advance = t.advance
	r.release = t.release

	body, err := p.open(r.ctx, t.req)
	if err != nil {
		_ = r.Close()
		return nil, err
	}
	t.begin(body)
	return r, nil
}

func (p *Anthropic) buildRequest(req conversation.Request) anthropicRequest {
	messages := make([]anthropicMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	aReq := anthropicRequest{
		Model:     req.Model,
		Messages:  messages,
		System:    req.System,
		MaxTokens: req.MaxTokens,
		Stream:    true,
	}
	for _, t := range req.Tools {
		def := t.Definition()
		if def.Type != "" {
			// Vendor-defined tools are declared by type and name only.
			aReq.Tools = append(aReq.Tools, anthropicTool{Type: def.Type, Name: def.Name})
			continue
		}
		aReq.Tools = append(aReq.Tools, anthropicTool{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.InputSchema,
		})
	}
	return aReq
}

func (p *Anthropic) open(ctx context.Context, req anthropicRequest) (*sseReader, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	for _, t := range req.Tools {
		if t.Type != "" {
			httpReq.Header.Set("anthropic-beta", anthropicBeta)
			break
		}
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, NewProviderError(anthropicName, ErrorCodeTimeout, err.Error(), err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() {
			_ = resp.Body.Close()
		}()
		return nil, p.handleErrorResponse(resp)
	}
	return newSSEReader(resp.Body), nil
}

func (p *Anthropic) handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errResp struct {
		Error *anthropicAPIError `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != nil {
		code := codeForStatus(resp.StatusCode)
		return &ProviderError{
			Provider:    anthropicName,
			Code:        code,
			Message:     errResp.Error.Message,
			Type:        errResp.Error.Type,
			StatusCode:  resp.StatusCode,
			IsRetryable: isRetryableError(code),
		}
	}

	perr := NewProviderError(anthropicName, codeForStatus(resp.StatusCode), strings.TrimSpace(string(body)), nil)
	perr.StatusCode = resp.StatusCode
	return perr
}

// streamError converts an error event received mid-stream.
func streamError(e *anthropicAPIError) *ProviderError {
	code := ErrorCodeUnknown
	switch e.Type {
	case "overloaded_error":
		code = ErrorCodeOverloaded
	case "rate_limit_error":
		code = ErrorCodeRateLimit
	case "api_error":
		code = ErrorCodeServerError
	case "invalid_request_error":
		code = ErrorCodeInvalidRequest
	case "authentication_error", "permission_error":
		code = ErrorCodeAuthentication
	}
	perr := NewProviderError(anthropicName, code, e.Message, nil)
	perr.Type = e.Type
	return perr
}

// anthropicBlock is a content block being assembled from deltas.
type anthropicBlock struct {
	typ   string
	id    string
	name  string
	text  strings.Builder
	input strings.Builder
}

// anthropicTurn reads one Messages stream after another until the model
// stops calling tools.
type anthropicTurn struct {
	*runner
	p   *Anthropic
	req anthropicRequest

	body     *sseReader
	blocks   map[int]*anthropicBlock
	order    []int
	stop     string
	msgUsage trace.Usage
}

func (t *anthropicTurn) begin(body *sseReader) {
	t.body = body
	t.blocks = map[int]*anthropicBlock{}
	t.order = nil
	t.stop = ""
	t.msgUsage = trace.Usage{}
}

func (t *anthropicTurn) release() error {
	if t.body == nil {
		return nil
	}
	err := t.body.Close()
	t.body = nil
	return err
}

func (t *anthropicTurn) advance() error {
	if t.body == nil {
		body, err := t.p.open(t.ctx, t.req)
		if err != nil {
			return err
		}
		t.begin(body)
	}

	name, data, err := t.body.next()
	if err != nil {
		if err == io.EOF {
			_ = t.release()
		}
		return err
	}

	var ev anthropicStreamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return NewProviderError(anthropicName, ErrorCodeInvalidResponse, fmt.Sprintf("malformed %s event", name), err)
	}
	return t.handle(ev)
}

func (t *anthropicTurn) handle(ev anthropicStreamEvent) error {
	switch ev.Type {
	case "message_start":
		if ev.Message != nil {
			u := ev.Message.Usage
			t.msgUsage = trace.Usage{
				InputTokens:      u.InputTokens,
				OutputTokens:     u.OutputTokens,
				CacheReadTokens:  u.CacheReadInputTokens,
				CacheWriteTokens: u.CacheCreationInputTokens,
			}
		}

	case "content_block_start":
		if ev.ContentBlock == nil {
			return NewProviderError(anthropicName, ErrorCodeInvalidResponse, "content_block_start without block", nil)
		}
		b := &anthropicBlock{typ: ev.ContentBlock.Type, id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
		t.blocks[ev.Index] = b
		t.order = append(t.order, ev.Index)
		switch b.typ {
		case "text":
			b.text.WriteString(ev.ContentBlock.Text)
			t.pushText(ev.ContentBlock.Text)
		case "tool_use":
			t.push(conversation.ToolUseStartSignal(b.id, b.name))
		}

	case "content_block_delta":
		b, ok := t.blocks[ev.Index]
		if !ok {
			return NewProviderError(anthropicName, ErrorCodeInvalidResponse, fmt.Sprintf("delta for unknown block %d", ev.Index), nil)
		}
		switch ev.Delta.Type {
		case "text_delta":
			b.text.WriteString(ev.Delta.Text)
			t.pushText(ev.Delta.Text)
		case "input_json_delta":
			b.input.WriteString(ev.Delta.PartialJSON)
		}

	case "message_delta":
		if ev.Delta.StopReason != "" {
			t.stop = ev.Delta.StopReason
		}
		if ev.Usage != nil {
			t.msgUsage.OutputTokens = ev.Usage.OutputTokens
		}

	case "message_stop":
		_ = t.release()
		t.addUsage(t.msgUsage)
		return t.endOfMessage()

	case "error":
		if ev.Error == nil {
			return NewProviderError(anthropicName, ErrorCodeUnknown, "stream error", nil)
		}
		return streamError(ev.Error)

	case "content_block_stop", "ping":
	default:
		t.p.logger.Debug("ignoring stream event", zap.String("type", ev.Type))
	}
	return nil
}

// endOfMessage completes the turn, or runs the requested tools and queues
// the next request of the tool loop.
func (t *anthropicTurn) endOfMessage() error {
	if t.stop != "tool_use" {
		t.complete(t.stop)
		return nil
	}

	var (
		assistant []anthropicContentBlock
		results   []anthropicContentBlock
	)
	for _, idx := range t.order {
		b := t.blocks[idx]
		switch b.typ {
		case "text":
			if b.text.Len() > 0 {
				assistant = append(assistant, anthropicContentBlock{Type: "text", Text: b.text.String()})
			}
		case "tool_use":
			input := json.RawMessage(b.input.String())
			if len(bytes.TrimSpace(input)) == 0 {
				input = json.RawMessage(`{}`)
			}
			assistant = append(assistant, anthropicContentBlock{Type: "tool_use", ID: b.id, Name: b.name, Input: input})
			out, isErr, err := t.executeTool(b.name, input)
			if err != nil {
				return err
			}
			results = append(results, anthropicContentBlock{
				Type:      "tool_result",
				ToolUseID: b.id,
				Content:   out,
				IsError:   isErr,
			})
		}
	}
	if len(results) == 0 {
		t.complete(t.stop)
		return nil
	}

	t.req.Messages = append(t.req.Messages,
		anthropicMessage{Role: conversation.RoleAssistant, Content: assistant},
		anthropicMessage{Role: conversation.RoleUser, Content: results},
	)
	return t.nextIteration()
}

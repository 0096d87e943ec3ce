// Package llm 封装对聊天模型的三种调用方式：普通调用（可绑定工具）、流式调用和结构化输出。
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
	"github.com/wwwzy/nyc311bot/internal/message"
)

// ErrNoStructuredOutput 表示模型既没有调用结构化工具，也没有返回可解析的 JSON
var ErrNoStructuredOutput = errors.New("model returned no structured output")

// Invoker 是工作流节点依赖的模型能力。每个角色注入各自的实例。
// Invoke 遇到无法解析的工具参数时返回消息的同时返回包装了 message.ErrMalformedToolArgs 的错误。
type Invoker interface {
	Invoke(ctx context.Context, system string, history []message.Message, opts ...Option) (message.Message, error)
	Stream(ctx context.Context, system string, history []message.Message) iter.Seq2[string, error]
	Structured(ctx context.Context, system string, history []message.Message, tool *schema.ToolInfo, out any) error
}

type options struct {
	tools []*schema.ToolInfo
}

type Option func(*options)

// WithTools 为本次调用绑定工具
func WithTools(tools ...*schema.ToolInfo) Option {
	return func(o *options) {
		o.tools = append(o.tools, tools...)
	}
}

// ChatInvoker 基于 eino 的 ToolCallingChatModel 实现 Invoker
type ChatInvoker struct {
	model       model.ToolCallingChatModel
	temperature float32
	template    prompt.ChatTemplate
}

func NewChatInvoker(m model.ToolCallingChatModel, temperature float32) *ChatInvoker {
	return &ChatInvoker{
		model:       m,
		temperature: temperature,
		template:    newChatTemplate(),
	}
}

// newChatTemplate 组装 "System + History"。系统提示词以变量传入，
// 其中的花括号不会被当作模板语法解析。
func newChatTemplate() prompt.ChatTemplate {
	return prompt.FromMessages(schema.GoTemplate,
		schema.SystemMessage("{{.system}}"),
		schema.MessagesPlaceholder("history", true),
	)
}

func (c *ChatInvoker) format(ctx context.Context, system string, history []message.Message) ([]*schema.Message, error) {
	msgs, err := c.template.Format(ctx, map[string]any{
		"system":  system,
		"history": message.ToSchema(history),
	})
	if err != nil {
		return nil, fmt.Errorf("format prompt: %w", err)
	}
	return msgs, nil
}

func (c *ChatInvoker) generate(ctx context.Context, system string, history []message.Message, opts ...Option) (*schema.Message, error) {
	if c == nil || c.model == nil {
		return nil, errors.New("chat invoker not initialized")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	msgs, err := c.format(ctx, system, history)
	if err != nil {
		return nil, err
	}

	m := c.model
	if len(o.tools) > 0 {
		m, err = c.model.WithTools(o.tools)
		if err != nil {
			return nil, fmt.Errorf("bind tools: %w", err)
		}
	}

	out, err := m.Generate(ctx, msgs, model.WithTemperature(c.temperature))
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	if out == nil {
		return nil, errors.New("generate: empty response")
	}
	return out, nil
}

func (c *ChatInvoker) Invoke(ctx context.Context, system string, history []message.Message, opts ...Option) (message.Message, error) {
	out, err := c.generate(ctx, system, history, opts...)
	if err != nil {
		return message.Message{}, err
	}
	// 工具参数无法解析时消息与错误一并返回，由调用方决定是否继续
	return message.FromSchema(out)
}

// Stream 逐段返回模型输出的文本增量；出错时产出一次错误并结束
func (c *ChatInvoker) Stream(ctx context.Context, system string, history []message.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if c == nil || c.model == nil {
			yield("", errors.New("chat invoker not initialized"))
			return
		}
		msgs, err := c.format(ctx, system, history)
		if err != nil {
			yield("", err)
			return
		}

		sr, err := c.model.Stream(ctx, msgs, model.WithTemperature(c.temperature))
		if err != nil {
			yield("", fmt.Errorf("stream: %w", err))
			return
		}
		defer sr.Close()

		for {
			chunk, err := sr.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", fmt.Errorf("stream recv: %w", err))
				return
			}
			if chunk == nil || chunk.Content == "" {
				continue
			}
			if !yield(chunk.Content, nil) {
				return
			}
		}
	}
}

// Structured 绑定描述输出结构的工具并把结果解码到 out。
// 优先使用工具调用参数；模型未调用工具时，尝试把正文当作 JSON 解析。
func (c *ChatInvoker) Structured(ctx context.Context, system string, history []message.Message, tool *schema.ToolInfo, out any) error {
	if tool == nil {
		return errors.New("structured output tool is required")
	}
	resp, err := c.generate(ctx, system, history, WithTools(tool))
	if err != nil {
		return err
	}
	return DecodeStructured(resp, tool.Name, out)
}

// DecodeStructured 从模型回复中取出名为 name 的工具调用参数（或正文 JSON）并解码
func DecodeStructured(resp *schema.Message, name string, out any) error {
	if resp == nil {
		return ErrNoStructuredOutput
	}
	payload := ""
	for _, tc := range resp.ToolCalls {
		if tc.Function.Name == name || name == "" {
			payload = tc.Function.Arguments
			break
		}
	}
	if payload == "" {
		payload = stripCodeFence(resp.Content)
	}
	if strings.TrimSpace(payload) == "" {
		return ErrNoStructuredOutput
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return fmt.Errorf("%w: %v", ErrNoStructuredOutput, err)
	}
	return nil
}

// stripCodeFence 去掉 ```json ... ``` 包裹
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

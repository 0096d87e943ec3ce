package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
)

// ErrMalformedToolArgs 表示模型给出的工具参数不是合法的 JSON 对象
var ErrMalformedToolArgs = errors.New("malformed tool arguments")

// ToSchema 将消息转换为 eino schema.Message，用于调用模型。
// 删除标记与未完成的片段不会发送给模型。
func ToSchema(msgs []Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Chunk || m.Role == RoleRemove {
			continue
		}
		switch m.Role {
		case RoleSystem:
			out = append(out, schema.SystemMessage(m.Content))
		case RoleHuman:
			out = append(out, schema.UserMessage(m.Content))
		case RoleAI:
			out = append(out, schema.AssistantMessage(m.Content, toSchemaToolCalls(m.ToolCalls)))
		case RoleTool:
			out = append(out, schema.ToolMessage(m.Content, m.ToolCallID))
		}
	}
	return out
}

func toSchemaToolCalls(calls []ToolCall) []schema.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]schema.ToolCall, 0, len(calls))
	for _, tc := range calls {
		args := "{}"
		if len(tc.Args) > 0 {
			if b, err := json.Marshal(tc.Args); err == nil {
				args = string(b)
			}
		}
		out = append(out, schema.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: schema.FunctionCall{
				Name:      tc.Name,
				Arguments: args,
			},
		})
	}
	return out
}

// FromSchema 将模型输出转换为 AI 消息；模型返回的工具参数 JSON 会被解析为 map。
// 参数不是合法 JSON 时该调用保留为空参数，同时返回包装了 ErrMalformedToolArgs 的错误，
// 消息本身仍然完整可用。
func FromSchema(m *schema.Message) (Message, error) {
	if m == nil {
		return AI(""), nil
	}
	out := AI(m.Content)
	var errs []error
	for _, tc := range m.ToolCalls {
		args := map[string]any{}
		raw := strings.TrimSpace(tc.Function.Arguments)
		if raw != "" && raw != "null" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				args = map[string]any{}
				errs = append(errs, fmt.Errorf("%w: %s: %v", ErrMalformedToolArgs, tc.Function.Name, err))
			}
		}
		id := tc.ID
		if id == "" {
			id = "call_" + NewID()
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: id, Name: tc.Function.Name, Args: args})
	}
	return out, errors.Join(errs...)
}

package message

import (
	"github.com/google/uuid"
)

// Role 标识消息的类型
type Role string

const (
	RoleSystem Role = "system"
	RoleHuman  Role = "human"
	RoleAI     Role = "ai"
	RoleTool   Role = "tool"

	// RoleRemove 不是真实消息，而是归并时的删除标记：按 ID 删除通道中已有的消息。
	RoleRemove Role = "remove"
)

// ToolCall 表示模型发起的一次工具调用
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Message 是对话中的一条记录。
//
// 约定上消息是不可变的：需要修改时构造新值，通过 ID 在通道中替换。
// Chunk 为 true 表示流式输出中的一个增量片段，与最终消息共享同一个 ID。
type Message struct {
	ID         string     `json:"id"`
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Chunk      bool       `json:"chunk,omitempty"`
}

// NewID 生成消息 ID
func NewID() string {
	return uuid.NewString()
}

func System(content string) Message {
	return Message{ID: NewID(), Role: RoleSystem, Content: content}
}

func Human(content string) Message {
	return Message{ID: NewID(), Role: RoleHuman, Content: content}
}

func AI(content string, calls ...ToolCall) Message {
	return Message{ID: NewID(), Role: RoleAI, Content: content, ToolCalls: calls}
}

// AIChunk 构造一个流式增量片段；同一条回复的所有片段必须使用同一个 id。
func AIChunk(id, delta string) Message {
	return Message{ID: id, Role: RoleAI, Content: delta, Chunk: true}
}

// Tool 构造工具结果消息
func Tool(toolCallID, content string) Message {
	return Message{ID: NewID(), Role: RoleTool, Content: content, ToolCallID: toolCallID}
}

// Remove 构造删除标记
func Remove(id string) Message {
	return Message{ID: id, Role: RoleRemove}
}

// IsFinalAI 判断是否为已完成的 AI 消息（非片段）
func (m Message) IsFinalAI() bool {
	return m.Role == RoleAI && !m.Chunk
}

// ToolCall 按名称查找工具调用
func (m Message) ToolCall(name string) (ToolCall, bool) {
	for _, tc := range m.ToolCalls {
		if tc.Name == name {
			return tc, true
		}
	}
	return ToolCall{}, false
}

// StringArg 读取字符串类型的参数
func (tc ToolCall) StringArg(key string) string {
	if tc.Args == nil {
		return ""
	}
	if v, ok := tc.Args[key].(string); ok {
		return v
	}
	return ""
}

// LastAI 返回序列中最后一条完成的 AI 消息
func LastAI(msgs []Message) (Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].IsFinalAI() {
			return msgs[i], true
		}
	}
	return Message{}, false
}

// Visible 过滤出展示给用户的消息（human 与完成的 ai 文本）
func Visible(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		switch {
		case m.Role == RoleHuman:
			out = append(out, m)
		case m.IsFinalAI() && len(m.ToolCalls) == 0 && m.Content != "":
			out = append(out, m)
		}
	}
	return out
}

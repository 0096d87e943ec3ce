package agent

import (
	"github.com/wwwzy/nyc311bot/internal/message"
)

// 各字段的归并策略
var (
	reduceMessages   message.Reducer = message.AddMessages
	reduceUIMessages message.Reducer = message.AddMessages
)

// State 定义了在工作流中流转的状态
type State struct {
	// Messages 是完整的内部对话：用户消息、生成的 SQL 调用、工具输出与最终回答
	Messages []message.Message `json:"messages"`

	// UIMessages 只包含用户可见的问答，护栏只看这一通道
	UIMessages []message.Message `json:"ui_messages"`

	// ConversationSummary 预留给对话摘要，非空时整体替换
	ConversationSummary *message.Message `json:"conversation_summary,omitempty"`
}

// NewState 用之前的 UI 对话加上本轮问题初始化两个通道
func NewState(utterance string, prior []message.Message) State {
	human := message.Human(utterance)

	msgs := make([]message.Message, 0, len(prior)+1)
	msgs = append(msgs, prior...)
	msgs = append(msgs, human)

	ui := make([]message.Message, 0, len(prior)+1)
	ui = append(ui, prior...)
	ui = append(ui, human)

	return State{Messages: msgs, UIMessages: ui}
}

// Merge 按字段归并增量
func (s State) Merge(delta State) State {
	s.Messages = reduceMessages(s.Messages, delta.Messages)
	s.UIMessages = reduceUIMessages(s.UIMessages, delta.UIMessages)
	if delta.ConversationSummary != nil {
		s.ConversationSummary = delta.ConversationSummary
	}
	return s
}

// Emitted 返回增量中需要推送的消息。同一条消息同时写入两个通道时只推送一次。
func (s State) Emitted() []message.Message {
	type key struct {
		id    string
		chunk bool
	}
	seen := make(map[key]struct{}, len(s.Messages)+len(s.UIMessages))
	out := make([]message.Message, 0, len(s.Messages)+len(s.UIMessages))
	for _, list := range [][]message.Message{s.Messages, s.UIMessages} {
		for _, m := range list {
			k := key{id: m.ID, chunk: m.Chunk}
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}

package message

// Reducer 定义单个消息通道的归并策略
type Reducer func(left, right []Message) []Message

// AddMessages 按 ID 追加或替换。
//
//   - ID 不存在：追加到末尾
//   - ID 已存在：原位替换，保持位置不变
//   - 片段与已有片段同 ID：拼接内容（由归并完成流式组装，而不是节点）
//   - RoleRemove：删除对应 ID 的消息
//   - 没有 ID 的消息会被分配新 ID
//
// 不修改 left 与 right，总是返回新切片。
func AddMessages(left, right []Message) []Message {
	if len(right) == 0 {
		return left
	}

	out := make([]Message, len(left), len(left)+len(right))
	copy(out, left)

	index := reindex(out)

	for _, m := range right {
		if m.ID == "" {
			m.ID = NewID()
		}

		if m.Role == RoleRemove {
			if i, ok := index[m.ID]; ok {
				out = append(out[:i:i], out[i+1:]...)
				index = reindex(out)
			}
			continue
		}

		i, ok := index[m.ID]
		if !ok {
			index[m.ID] = len(out)
			out = append(out, m)
			continue
		}

		prev := out[i]
		if prev.Chunk && m.Chunk {
			m.Content = prev.Content + m.Content
			if len(prev.ToolCalls) > 0 {
				m.ToolCalls = append(append([]ToolCall(nil), prev.ToolCalls...), m.ToolCalls...)
			}
		}
		out[i] = m
	}
	return out
}

func reindex(msgs []Message) map[string]int {
	index := make(map[string]int, len(msgs))
	for i, m := range msgs {
		index[m.ID] = i
	}
	return index
}

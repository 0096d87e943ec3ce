package tui

import (
	"context"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wwwzy/nyc311bot/internal/agent"
	"github.com/wwwzy/nyc311bot/internal/conversation"
	"github.com/wwwzy/nyc311bot/internal/graph"
	"github.com/wwwzy/nyc311bot/internal/message"
	"github.com/wwwzy/nyc311bot/internal/ui"
)

type scriptedBackend struct {
	events []graph.Event
	turn   conversation.Turn
}

func (b *scriptedBackend) Ask(ctx context.Context, sessionID, question string, onEvent func(graph.Event)) (conversation.Turn, error) {
	for _, ev := range b.events {
		onEvent(ev)
	}
	turn := b.turn
	turn.SessionID = sessionID
	turn.Question = question
	return turn, nil
}

func (b *scriptedBackend) Clear(ctx context.Context, sessionID string) (int64, error) {
	return 4, nil
}

// drain 依次处理通道里的消息，直到一轮问答结束
func drain(t *testing.T, m chatModel) chatModel {
	t.Helper()
	ch := m.events
	require.NotNil(t, ch)
	for msg := range ch {
		next, _ := m.Update(msg)
		m = next.(chatModel)
	}
	return m
}

func TestChatModel_StreamedTurn(t *testing.T) {
	backend := &scriptedBackend{
		events: []graph.Event{
			{Mode: graph.ModeMessages, Node: agent.NodeToolRunner, Message: message.Tool("c1", `[{"n":1}]`)},
			{Mode: graph.ModeMessages, Node: agent.NodeResponder, Message: message.AIChunk("a1", "One ")},
			{Mode: graph.ModeMessages, Node: agent.NodeResponder, Message: message.AIChunk("a1", "row.")},
		},
		turn: conversation.Turn{AnswerID: "a1", Answer: "One row.", Result: conversation.ResultAnswered, SQLQuery: "SELECT 1", RowCount: 1},
	}
	m := newChatModel(context.Background(), backend, ui.ChatOptions{SessionID: "s1", ShowDetails: true})

	next, _ := m.submit("how many?", nil)
	m = next.(chatModel)
	assert.True(t, m.thinking)

	m = drain(t, m)
	assert.False(t, m.thinking)
	require.Len(t, m.entries, 3)
	assert.Equal(t, chatEntry{kind: entryHuman, content: "how many?"}, m.entries[0])
	assert.Equal(t, chatEntry{kind: entryAI, id: "a1", content: "One row."}, m.entries[1])
	assert.Equal(t, entryInfo, m.entries[2].kind)
	assert.Contains(t, m.entries[2].content, "sql_query: SELECT 1")
	assert.Contains(t, m.View(), "session s1")
}

func TestChatModel_BlockedAnswerAppended(t *testing.T) {
	backend := &scriptedBackend{
		turn: conversation.Turn{AnswerID: "g1", Answer: "Only 311 questions.", Result: conversation.ResultBlocked},
	}
	m := newChatModel(context.Background(), backend, ui.ChatOptions{})
	next, _ := m.submit("weather?", nil)
	m = drain(t, next.(chatModel))

	require.Len(t, m.entries, 2)
	assert.Equal(t, "Only 311 questions.", m.entries[1].content)
}

func TestChatModel_DiscardedChunks(t *testing.T) {
	m := newChatModel(context.Background(), &scriptedBackend{}, ui.ChatOptions{})
	m.applyEvent(graph.Event{Mode: graph.ModeMessages, Message: message.AIChunk("a1", "partial")})
	require.Len(t, m.entries, 1)
	m.applyEvent(graph.Event{Mode: graph.ModeMessages, Message: message.Remove("a1")})
	assert.Empty(t, m.entries)

	m.finishTurn(conversation.Turn{Result: conversation.ResultFailed}, nil)
	require.Len(t, m.entries, 1)
	assert.Equal(t, entryError, m.entries[0].kind)
}

func TestChatModel_Commands(t *testing.T) {
	m := newChatModel(context.Background(), &scriptedBackend{}, ui.ChatOptions{})

	next, _ := m.submit("/examples", nil)
	m = next.(chatModel)
	require.Len(t, m.entries, 1)
	assert.Contains(t, m.entries[0].content, agent.ExampleQuestions[5])

	next, cmd := m.submit("/clear", nil)
	m = next.(chatModel)
	require.NotNil(t, cmd)
	next, _ = m.Update(clearedMsg{n: 4})
	m = next.(chatModel)
	require.Len(t, m.entries, 1)
	assert.Equal(t, "已清空 4 条消息", m.entries[0].content)

	_, cmd = m.submit("exit", nil)
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}

package ui

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wwwzy/nyc311bot/internal/agent"
	"github.com/wwwzy/nyc311bot/internal/conversation"
	"github.com/wwwzy/nyc311bot/internal/graph"
	"github.com/wwwzy/nyc311bot/internal/message"
)

type fakeBackend struct {
	questions []string
	cleared   []string
	askErr    error
}

func (b *fakeBackend) Ask(ctx context.Context, sessionID, question string, onEvent func(graph.Event)) (conversation.Turn, error) {
	b.questions = append(b.questions, question)
	if b.askErr != nil {
		return conversation.Turn{}, b.askErr
	}
	if strings.Contains(question, "weather") {
		onEvent(graph.Event{Mode: graph.ModeCustom, Node: agent.NodeGuardrail, Key: agent.CustomGuardrail,
			Value: agent.GuardrailVerdict{IsIrrelevant: true, Reason: "Only 311 questions."}})
		return conversation.Turn{SessionID: sessionID, Question: question, Answer: "Only 311 questions.", Result: conversation.ResultBlocked}, nil
	}
	call := message.AI("", message.ToolCall{ID: "c1", Name: agent.QueryRunnerName, Args: map[string]any{"query": "SELECT 1"}})
	onEvent(graph.Event{Mode: graph.ModeMessages, Node: agent.NodeQueryWriter, Message: call})
	onEvent(graph.Event{Mode: graph.ModeMessages, Node: agent.NodeToolRunner, Message: message.Tool("c1", `[{"n":1},{"n":2}]`)})
	onEvent(graph.Event{Mode: graph.ModeMessages, Node: agent.NodeResponder, Message: message.AIChunk("a1", "Two ")})
	onEvent(graph.Event{Mode: graph.ModeMessages, Node: agent.NodeResponder, Message: message.AIChunk("a1", "rows.")})
	return conversation.Turn{
		SessionID: sessionID,
		Question:  question,
		Answer:    "Two rows.",
		AnswerID:  "a1",
		Result:    conversation.ResultAnswered,
		Verdict:   &agent.GuardrailVerdict{},
		SQLQuery:  "SELECT 1",
		RowCount:  2,
	}, nil
}

func (b *fakeBackend) Clear(ctx context.Context, sessionID string) (int64, error) {
	b.cleared = append(b.cleared, sessionID)
	return 2, nil
}

func runConsole(t *testing.T, backend ChatBackend, input string, opts ChatOptions) string {
	t.Helper()
	var out bytes.Buffer
	u := &ConsoleChatUI{In: strings.NewReader(input), Out: &out}
	require.NoError(t, u.Run(context.Background(), backend, opts))
	return out.String()
}

func TestConsole_StreamsAnswer(t *testing.T) {
	b := &fakeBackend{}
	out := runConsole(t, b, "how many?\n/details\nhow many?\nexit\n", ChatOptions{SessionID: "s1"})

	assert.Equal(t, []string{"how many?", "how many?"}, b.questions)
	assert.Contains(t, out, "会话 s1")
	assert.Contains(t, out, "[正在执行查询…]")
	assert.Contains(t, out, "[查询返回 2 行]")
	assert.Contains(t, out, "助手: Two rows.\n")
	assert.Equal(t, 1, strings.Count(out, "sql_query: SELECT 1"))
	assert.Contains(t, out, "已退出。")
}

func TestConsole_BlockedAnswerPrinted(t *testing.T) {
	b := &fakeBackend{}
	out := runConsole(t, b, "what's the weather\n", ChatOptions{})
	assert.Contains(t, out, "[护栏已拦截该问题]")
	assert.Contains(t, out, "助手: Only 311 questions.")
}

func TestConsole_Commands(t *testing.T) {
	b := &fakeBackend{}
	out := runConsole(t, b, "/examples\n/example 2\n/clear\n/bogus\n\n", ChatOptions{SessionID: "s1"})

	assert.Contains(t, out, "1. "+agent.ExampleQuestions[0])
	assert.Equal(t, []string{agent.ExampleQuestions[1]}, b.questions)
	assert.Contains(t, out, "问题: "+agent.ExampleQuestions[1])
	assert.Equal(t, []string{"s1"}, b.cleared)
	assert.Contains(t, out, "已清空 2 条消息。")
	assert.Contains(t, out, "未知命令 /bogus")
}

func TestConsole_AskErrorContinues(t *testing.T) {
	b := &fakeBackend{askErr: errors.New("model down")}
	out := runConsole(t, b, "q1\nq2", ChatOptions{})
	assert.Equal(t, []string{"q1", "q2"}, b.questions)
	assert.Equal(t, 2, strings.Count(out, "发生错误: model down"))
}

func TestConsole_NilIO(t *testing.T) {
	err := (&ConsoleChatUI{}).Run(context.Background(), &fakeBackend{}, ChatOptions{})
	assert.Error(t, err)
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line     string
		kind     CommandKind
		question string
		wantErr  bool
	}{
		{"  ", CmdEmpty, "", false},
		{"QUIT", CmdExit, "", false},
		{"/clear", CmdClear, "", false},
		{"/examples", CmdExamples, "", false},
		{"/details", CmdDetails, "", false},
		{"/help", CmdHelp, "", false},
		{"  top complaints? ", CmdAsk, "top complaints?", false},
		{"/example 1", CmdAsk, agent.ExampleQuestions[0], false},
		{"/example 0", CmdUnknown, "", true},
		{"/example x", CmdUnknown, "", true},
		{"/example", CmdUnknown, "", true},
		{"/nope", CmdUnknown, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			cmd := ParseCommand(tt.line)
			assert.Equal(t, tt.kind, cmd.Kind)
			assert.Equal(t, tt.question, cmd.Question)
			assert.Equal(t, tt.wantErr, cmd.Err != nil)
		})
	}
}

func TestDetails(t *testing.T) {
	s := Details(conversation.Turn{
		Result:   conversation.ResultAnswered,
		Verdict:  &agent.GuardrailVerdict{IsMalicious: false},
		SQLQuery: "SELECT 1",
		RowCount: 3,
	})
	assert.Contains(t, s, "is_mallicious_prompt: false")
	assert.Contains(t, s, "sql_query: SELECT 1")
	assert.Contains(t, s, "rows: 3")
	assert.Contains(t, s, "result: answered")
}

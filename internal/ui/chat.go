// Package ui 定义命令行对话界面的公共部分：后端接口、斜杠命令与流式事件的解读。
package ui

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wwwzy/nyc311bot/internal/agent"
	"github.com/wwwzy/nyc311bot/internal/conversation"
	"github.com/wwwzy/nyc311bot/internal/datastore"
	"github.com/wwwzy/nyc311bot/internal/graph"
	"github.com/wwwzy/nyc311bot/internal/message"
)

// ChatBackend 是界面依赖的会话能力，*conversation.Service 满足该接口
type ChatBackend interface {
	Ask(ctx context.Context, sessionID, question string, onEvent func(graph.Event)) (conversation.Turn, error)
	Clear(ctx context.Context, sessionID string) (int64, error)
}

type ChatUI interface {
	Run(ctx context.Context, backend ChatBackend, opts ChatOptions) error
}

type ChatOptions struct {
	// SessionID 为空时自动生成
	SessionID string
	// ShowDetails 在回答后展示护栏判定与生成的 SQL
	ShowDetails bool
}

// CommandKind 是输入行的解析结果
type CommandKind int

const (
	CmdAsk CommandKind = iota
	CmdEmpty
	CmdExit
	CmdClear
	CmdExamples
	CmdDetails
	CmdHelp
	CmdUnknown
)

type Command struct {
	Kind     CommandKind
	Question string
	Err      error
}

const HelpText = `/examples     列出示例问题
/example N    提问第 N 个示例问题
/clear        清空当前会话历史
/details      切换是否展示查询详情
exit | quit   退出`

// ParseCommand 解析一行输入。普通文本即为提问；/example N 会展开成对应的示例问题。
func ParseCommand(line string) Command {
	line = strings.TrimSpace(line)
	if line == "" {
		return Command{Kind: CmdEmpty}
	}
	switch strings.ToLower(line) {
	case "exit", "quit", "/exit", "/quit":
		return Command{Kind: CmdExit}
	case "/clear":
		return Command{Kind: CmdClear}
	case "/examples":
		return Command{Kind: CmdExamples}
	case "/details":
		return Command{Kind: CmdDetails}
	case "/help", "?":
		return Command{Kind: CmdHelp}
	}
	if !strings.HasPrefix(line, "/") {
		return Command{Kind: CmdAsk, Question: line}
	}

	fields := strings.Fields(line)
	if strings.ToLower(fields[0]) != "/example" {
		return Command{Kind: CmdUnknown, Err: fmt.Errorf("未知命令 %s，输入 /help 查看帮助", fields[0])}
	}
	if len(fields) != 2 {
		return Command{Kind: CmdUnknown, Err: fmt.Errorf("用法: /example N")}
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil {
		return Command{Kind: CmdUnknown, Err: fmt.Errorf("无效的序号 %q", fields[1])}
	}
	q, err := agent.Example(n)
	if err != nil {
		return Command{Kind: CmdUnknown, Err: err}
	}
	return Command{Kind: CmdAsk, Question: q}
}

// ExamplesText 返回带序号的示例问题列表
func ExamplesText() string {
	var b strings.Builder
	for i, q := range agent.ExampleQuestions {
		fmt.Fprintf(&b, "%d. %s\n", i+1, q)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Progress 把非增量事件转成一行状态描述；不需要展示的事件返回空串
func Progress(ev graph.Event) string {
	switch ev.Mode {
	case graph.ModeCustom:
		if v, ok := ev.Value.(agent.GuardrailVerdict); ok && v.Blocks() {
			return "护栏已拦截该问题"
		}
	case graph.ModeMessages:
		m := ev.Message
		switch {
		case m.Chunk:
			return ""
		case m.Role == message.RoleTool:
			return fmt.Sprintf("查询返回 %d 行", datastore.CountRows(m.Content))
		case m.IsFinalAI():
			if _, ok := m.ToolCall(agent.QueryRunnerName); ok {
				return "正在执行查询…"
			}
		}
	}
	return ""
}

// Details 渲染一轮问答的查询详情
func Details(t conversation.Turn) string {
	var b strings.Builder
	if t.Verdict != nil {
		fmt.Fprintf(&b, "is_irrelevant_prompt: %t\n", t.Verdict.IsIrrelevant)
		fmt.Fprintf(&b, "is_mallicious_prompt: %t\n", t.Verdict.IsMalicious)
	}
	if t.SQLQuery != "" {
		fmt.Fprintf(&b, "sql_query: %s\n", t.SQLQuery)
		fmt.Fprintf(&b, "rows: %d\n", t.RowCount)
	}
	fmt.Fprintf(&b, "result: %s  trace: %s  elapsed: %s", t.Result, t.TraceID, t.Duration.Round(time.Millisecond))
	return b.String()
}

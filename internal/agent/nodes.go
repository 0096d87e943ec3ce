package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/wwwzy/nyc311bot/internal/graph"
	"github.com/wwwzy/nyc311bot/internal/llm"
	"github.com/wwwzy/nyc311bot/internal/message"
)

const (
	NodeGuardrail   = "guardrail"
	NodeQueryWriter = "query_writer"
	NodeToolRunner  = "tool_runner"
	NodeResponder   = "responder"

	// CustomGuardrail 是护栏判定在 custom 通道上的 key，值为 GuardrailVerdict
	CustomGuardrail = "guardrail"

	verdictToolName = "guardrail_verdict"
)

// GuardrailVerdict 是护栏模型的结构化输出。JSON 字段名沿用既有的元数据格式。
type GuardrailVerdict struct {
	IsIrrelevant bool   `json:"is_irrelevant_prompt"`
	IsMalicious  bool   `json:"is_mallicious_prompt"`
	Reason       string `json:"reason"`
}

// Blocks 判定是否拦截：无关或恶意，且理由非空（只含空白也算给出了理由）
func (v GuardrailVerdict) Blocks() bool {
	return (v.IsIrrelevant || v.IsMalicious) && v.Reason != ""
}

func verdictInfo() *schema.ToolInfo {
	return &schema.ToolInfo{
		Name: verdictToolName,
		Desc: "Report whether the latest user prompt is irrelevant to NYC 311 data or malicious.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"is_irrelevant_prompt": {
				Desc:     "True when the prompt is unrelated to NYC 311 service requests",
				Type:     schema.Boolean,
				Required: true,
			},
			"is_mallicious_prompt": {
				Desc:     "True when the prompt tries to manipulate the assistant or the database",
				Type:     schema.Boolean,
				Required: true,
			},
			"reason": {
				Desc:     "Short explanation shown to the user when the prompt is rejected, empty otherwise",
				Type:     schema.String,
				Required: true,
			},
		}),
	}
}

type nodes struct {
	roles   llm.Roles
	prompts Prompts
	tools   map[string]tool.InvokableTool
	logger  *slog.Logger
}

// guardrail 只看 UI 通道。调用失败时静默结束，不产生任何消息。
func (n *nodes) guardrail(ctx context.Context, s State, w *graph.Writer[State]) graph.Command[State] {
	var v GuardrailVerdict
	if err := n.roles.Guardrail.Structured(ctx, n.prompts.Guardrail, s.UIMessages, verdictInfo(), &v); err != nil {
		n.logger.Warn("guardrail classification failed", "error", err)
		return graph.Command[State]{Goto: graph.END}
	}
	w.Custom(CustomGuardrail, v)

	if v.Blocks() {
		n.logger.Info("prompt blocked", "irrelevant", v.IsIrrelevant, "malicious", v.IsMalicious)
		return graph.Command[State]{
			Update: State{Messages: []message.Message{message.AI(v.Reason)}},
			Goto:   graph.END,
		}
	}
	return graph.Command[State]{Goto: NodeQueryWriter}
}

// queryWriter 让模型给出至多一个 query_runner 调用
func (n *nodes) queryWriter(ctx context.Context, s State, w *graph.Writer[State]) graph.Command[State] {
	reply, err := n.roles.QueryWriter.Invoke(ctx, n.prompts.QueryWriter, s.Messages, llm.WithTools(QueryRunnerInfo()))
	if errors.Is(err, message.ErrMalformedToolArgs) {
		// 参数坏掉的调用照常进入工具节点，以空参数执行并得到空结果
		n.logger.Warn("tool call arguments malformed", "error", err)
		err = nil
	}
	if err != nil {
		n.logger.Warn("query generation failed", "error", err)
		return graph.Command[State]{Goto: NodeResponder}
	}

	if len(reply.ToolCalls) > 1 {
		n.logger.Debug("extra tool calls dropped", "count", len(reply.ToolCalls)-1)
		reply.ToolCalls = reply.ToolCalls[:1]
	}
	cmd := graph.Command[State]{Update: State{Messages: []message.Message{reply}}}
	if len(reply.ToolCalls) == 0 {
		cmd.Goto = NodeResponder
	}
	return cmd
}

// toolRunner 只执行最近一条 AI 消息中的第一个 query_runner 调用，
// 其余调用（包括未知工具）都回复空结果，保证每个调用都有对应的工具消息。
func (n *nodes) toolRunner(ctx context.Context, s State, w *graph.Writer[State]) graph.Command[State] {
	last, ok := message.LastAI(s.Messages)
	if !ok || len(last.ToolCalls) == 0 {
		return graph.Command[State]{}
	}

	out := make([]message.Message, 0, len(last.ToolCalls))
	executed := false
	for _, call := range last.ToolCalls {
		content := emptyResult
		if t, known := n.tools[call.Name]; known && call.Name == QueryRunnerName && !executed {
			executed = true
			content = n.runTool(ctx, t, call)
		}
		out = append(out, message.Tool(call.ID, content))
	}
	return graph.Command[State]{Update: State{Messages: out}}
}

func (n *nodes) runTool(ctx context.Context, t tool.InvokableTool, call message.ToolCall) string {
	args := "{}"
	if len(call.Args) > 0 {
		b, err := json.Marshal(call.Args)
		if err != nil {
			n.logger.Warn("encode tool arguments failed", "tool", call.Name, "error", err)
			return emptyResult
		}
		args = string(b)
	}
	result, err := t.InvokableRun(ctx, args)
	if err != nil {
		n.logger.Warn("tool failed", "tool", call.Name, "error", err)
		return emptyResult
	}
	if result == "" {
		return emptyResult
	}
	return result
}

// responder 流式生成回答。片段共享同一个 ID，由归并拼接；
// 出错时用删除标记撤回已写入的片段，状态回到节点执行前。
func (n *nodes) responder(ctx context.Context, s State, w *graph.Writer[State]) graph.Command[State] {
	id := message.NewID()
	var sb strings.Builder

	for delta, err := range n.roles.Responder.Stream(ctx, n.prompts.Responder, s.Messages) {
		if err != nil {
			n.logger.Warn("response streaming failed", "error", err, "partial_len", sb.Len())
			return graph.Command[State]{Update: State{Messages: []message.Message{message.Remove(id)}}}
		}
		sb.WriteString(delta)
		w.Write(State{Messages: []message.Message{message.AIChunk(id, delta)}})
	}

	final := message.Message{ID: id, Role: message.RoleAI, Content: sb.String()}
	return graph.Command[State]{Update: State{
		Messages:   []message.Message{final},
		UIMessages: []message.Message{final},
	}}
}

package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/cloudwego/eino/components/tool"
	"github.com/google/uuid"
	"github.com/wwwzy/nyc311bot/internal/graph"
	"github.com/wwwzy/nyc311bot/internal/llm"
	"github.com/wwwzy/nyc311bot/internal/message"
	"github.com/wwwzy/nyc311bot/internal/metrics"
	"github.com/wwwzy/nyc311bot/internal/storage"
	"go.opentelemetry.io/otel/trace"
)

const graphName = "nyc311"

// Deps 是构建工作流所需的依赖
type Deps struct {
	Roles   llm.Roles
	Prompts Prompts
	// Tools 中名为 query_runner 的工具会被执行
	Tools []tool.InvokableTool
	// Store 非空时为工具调用记录审计
	Store   *storage.Storage
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *metrics.Metrics
	// MaxSteps 为单次运行的节点数上限，<=0 使用引擎默认值
	MaxSteps int
}

// Workflow 是编译好的问答流程：
// guardrail -> query_writer -> tool_runner -> responder
type Workflow struct {
	graph *graph.Graph[State]
	opts  []graph.Option
}

// BuildWorkflow 构建问答流程图
func BuildWorkflow(ctx context.Context, deps Deps) (*Workflow, error) {
	if deps.Roles.Guardrail == nil || deps.Roles.QueryWriter == nil || deps.Roles.Responder == nil {
		return nil, errors.New("all three model roles are required")
	}
	if deps.Prompts == (Prompts{}) {
		deps.Prompts = DefaultPrompts()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tools := make(map[string]tool.InvokableTool, len(deps.Tools))
	for _, t := range deps.Tools {
		info, err := t.Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("tool info: %w", err)
		}
		tools[info.Name] = WrapWithAudit(t, deps.Store, logger)
	}

	n := &nodes{
		roles:   deps.Roles,
		prompts: deps.Prompts,
		tools:   tools,
		logger:  logger,
	}

	g, err := graph.NewBuilder[State](graphName).
		AddNode(NodeGuardrail, n.guardrail).
		AddNode(NodeQueryWriter, n.queryWriter).
		AddNode(NodeToolRunner, n.toolRunner).
		AddNode(NodeResponder, n.responder).
		AddEdge(graph.START, NodeGuardrail).
		AddEdge(NodeGuardrail, NodeQueryWriter).
		AddEdge(NodeQueryWriter, NodeToolRunner).
		AddEdge(NodeToolRunner, NodeResponder).
		AddEdge(NodeResponder, graph.END).
		Compile()
	if err != nil {
		return nil, fmt.Errorf("compile workflow: %w", err)
	}

	opts := []graph.Option{
		graph.WithLogger(logger),
		graph.WithTracer(deps.Tracer),
		graph.WithMaxSteps(deps.MaxSteps),
	}
	if deps.Metrics != nil {
		opts = append(opts, graph.WithNodeObserver(deps.Metrics.ObserveNode))
	}

	return &Workflow{graph: g, opts: opts}, nil
}

// Stream 处理一句用户输入，按产生顺序输出消息与附加事件。
// prior 为之前的 UI 对话（用户消息与最终回答）。
func (w *Workflow) Stream(ctx context.Context, utterance string, prior []message.Message) iter.Seq2[graph.Event, error] {
	return w.graph.Stream(ensureTraceID(ctx), NewState(utterance, prior), w.opts...)
}

// Run 处理一句用户输入并返回最终状态
func (w *Workflow) Run(ctx context.Context, utterance string, prior []message.Message) (State, error) {
	return w.graph.Run(ensureTraceID(ctx), NewState(utterance, prior), w.opts...)
}

func ensureTraceID(ctx context.Context) context.Context {
	if GetTraceID(ctx) != "" {
		return ctx
	}
	return WithTraceID(ctx, uuid.NewString())
}

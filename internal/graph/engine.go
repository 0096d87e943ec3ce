package graph

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"slices"
	"time"

	"github.com/wwwzy/nyc311bot/internal/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// ModeMessages 推送节点产生或替换的消息
	ModeMessages = "messages"
	// ModeCustom 推送节点通过 Writer.Custom 发布的附加数据
	ModeCustom = "custom"

	defaultMaxSteps = 25
)

// Event 是 Stream 输出的一项。Mode 为 messages 时 Message 有效，为 custom 时 Key/Value 有效。
type Event struct {
	Mode    string
	Node    string
	Message message.Message
	Key     string
	Value   any
}

// NodeObserver 在每个节点结束后回调，用于指标采集
type NodeObserver func(node string, elapsed time.Duration, panicked bool)

type options struct {
	logger   *slog.Logger
	tracer   trace.Tracer
	observer NodeObserver
	maxSteps int
}

type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		if t != nil {
			o.tracer = t
		}
	}
}

func WithNodeObserver(fn NodeObserver) Option {
	return func(o *options) { o.observer = fn }
}

// WithMaxSteps 限制单次运行最多执行的节点数
func WithMaxSteps(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxSteps = n
		}
	}
}

func newOptions(opts []Option) options {
	o := options{
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer:   otel.Tracer("github.com/wwwzy/nyc311bot/internal/graph"),
		maxSteps: defaultMaxSteps,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Writer 允许节点在返回之前写入部分状态（例如流式片段）。
// 写入的增量立即按归并规则合并，并推送给调用方。
type Writer[S State[S]] struct {
	node   string
	write  func(S)
	custom func(key string, value any)
}

// Write 合并并推送一个增量
func (w *Writer[S]) Write(delta S) {
	if w == nil || w.write == nil {
		return
	}
	w.write(delta)
}

// Custom 在 custom 通道上发布一项附加数据，不修改状态
func (w *Writer[S]) Custom(key string, value any) {
	if w == nil || w.custom == nil {
		return
	}
	w.custom(key, value)
}

// Node 返回当前节点名
func (w *Writer[S]) Node() string {
	if w == nil {
		return ""
	}
	return w.node
}

// Stream 执行图并以迭代器形式输出事件。
// 节点内部的失败不会中断输出；只有 ctx 取消、跳转到未知节点或超过步数上限时，
// 迭代器最后会输出一个非空 error。调用方提前停止迭代时，当前节点结束后运行即停止。
func (g *Graph[S]) Stream(ctx context.Context, initial S, opts ...Option) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		stopped := false
		emit := func(ev Event) bool {
			if stopped {
				return false
			}
			if !yield(ev, nil) {
				stopped = true
			}
			return !stopped
		}
		_, err := g.execute(ctx, initial, emit, newOptions(opts))
		if err != nil && !stopped {
			yield(Event{}, err)
		}
	}
}

// Run 执行图直到结束，返回最终状态
func (g *Graph[S]) Run(ctx context.Context, initial S, opts ...Option) (S, error) {
	return g.execute(ctx, initial, func(Event) bool { return true }, newOptions(opts))
}

func (g *Graph[S]) execute(ctx context.Context, state S, emit func(Event) bool, o options) (S, error) {
	ctx, span := o.tracer.Start(ctx, "graph.run",
		trace.WithAttributes(attribute.String("graph.name", g.name)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	logger := o.logger.With("graph", g.name)
	current := g.entry
	open := true

	for steps := 0; current != END; steps++ {
		if steps >= o.maxSteps {
			err := fmt.Errorf("%w: %d steps, next %s", ErrRecursionLimit, steps, current)
			span.SetStatus(codes.Error, err.Error())
			return state, err
		}
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return state, err
		}

		node := current
		before := state
		var streamed []string
		w := &Writer[S]{
			node: node,
			write: func(delta S) {
				state = state.Merge(delta)
				for _, m := range delta.Emitted() {
					if m.ID != "" && !slices.Contains(streamed, m.ID) {
						streamed = append(streamed, m.ID)
					}
				}
				open = emitMessages(node, delta, emit) && open
			},
			custom: func(key string, value any) {
				open = emit(Event{Mode: ModeCustom, Node: node, Key: key, Value: value}) && open
			},
		}

		cmd, panicked := g.runNode(ctx, node, state, w, logger, o)
		if panicked {
			// 状态回到节点执行前，已推送的消息逐条撤回
			for _, id := range streamed {
				if open {
					open = emit(Event{Mode: ModeMessages, Node: node, Message: message.Remove(id)})
				}
			}
			return before, nil
		}

		state = state.Merge(cmd.Update)
		open = emitMessages(node, cmd.Update, emit) && open
		if !open {
			logger.Debug("stream consumer stopped", "node", node)
			return state, nil
		}

		next, err := g.resolve(node, cmd.Goto)
		if err != nil {
			logger.Error("invalid route", "node", node, "error", err)
			span.SetStatus(codes.Error, err.Error())
			return state, err
		}
		logger.Debug("node finished", "node", node, "next", next)
		current = next
	}

	span.SetStatus(codes.Ok, "")
	return state, nil
}

// runNode 执行单个节点。节点 panic 会被恢复并记录，本次运行随后结束，状态保持节点执行前的值。
func (g *Graph[S]) runNode(ctx context.Context, node string, state S, w *Writer[S], logger *slog.Logger, o options) (cmd Command[S], panicked bool) {
	ctx, span := o.tracer.Start(ctx, "graph.node."+node,
		trace.WithAttributes(attribute.String("node.id", node)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			panicked = true
			cmd = Command[S]{Goto: END}
			err := fmt.Errorf("node %s panicked: %v", node, r)
			logger.Error("node panicked", "node", node, "panic", r)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if o.observer != nil {
			o.observer(node, time.Since(start), panicked)
		}
	}()

	cmd = g.nodes[node](ctx, state, w)
	return cmd, false
}

func emitMessages[S State[S]](node string, delta S, emit func(Event) bool) bool {
	ok := true
	for _, m := range delta.Emitted() {
		if !emit(Event{Mode: ModeMessages, Node: node, Message: m}) {
			ok = false
		}
	}
	return ok
}

package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wwwzy/nyc311bot/internal/message"
)

const (
	START = "__start__"
	END   = "__end__"
)

var (
	ErrNoEntry        = errors.New("graph has no entry edge")
	ErrNodeNotFound   = errors.New("node not found")
	ErrDuplicateNode  = errors.New("duplicate node")
	ErrReservedName   = errors.New("reserved node name")
	ErrFanOut         = errors.New("node has more than one static successor")
	ErrRecursionLimit = errors.New("recursion limit reached")
)

// State 是在图中流转的状态需要满足的约束。
//
// Merge 按字段的归并策略把增量合并进当前状态并返回新状态；
// Emitted 返回增量中需要推送给调用方的消息（按产生顺序，已去重）。
type State[S any] interface {
	Merge(delta S) S
	Emitted() []message.Message
}

// Command 是节点的返回值：Update 为部分状态，Goto 非空时覆盖静态边。
type Command[S any] struct {
	Update S
	Goto   string
}

// NodeFunc 节点函数。节点自行处理失败，不通过 error 向引擎抛出；
// 需要流式输出时通过 Writer 提前写入增量。
type NodeFunc[S State[S]] func(ctx context.Context, state S, w *Writer[S]) Command[S]

// Builder 用于声明节点与静态边，Compile 后得到不可变的 Graph。
type Builder[S State[S]] struct {
	name  string
	nodes map[string]NodeFunc[S]
	order []string
	edges map[string][]string
	errs  []error
}

func NewBuilder[S State[S]](name string) *Builder[S] {
	return &Builder[S]{
		name:  name,
		nodes: make(map[string]NodeFunc[S]),
		edges: make(map[string][]string),
	}
}

// AddNode 添加节点；命名错误在 Compile 时统一返回。
func (b *Builder[S]) AddNode(name string, fn NodeFunc[S]) *Builder[S] {
	switch {
	case name == "" || strings.ContainsAny(name, " \t\r\n"):
		b.errs = append(b.errs, fmt.Errorf("%w: %q", ErrReservedName, name))
		return b
	case name == START || name == END:
		b.errs = append(b.errs, fmt.Errorf("%w: %s", ErrReservedName, name))
		return b
	case fn == nil:
		b.errs = append(b.errs, fmt.Errorf("node %s: nil function", name))
		return b
	}
	if _, exists := b.nodes[name]; exists {
		b.errs = append(b.errs, fmt.Errorf("%w: %s", ErrDuplicateNode, name))
		return b
	}
	b.nodes[name] = fn
	b.order = append(b.order, name)
	return b
}

// AddEdge 添加静态边，from 可以是 START，to 可以是 END。
func (b *Builder[S]) AddEdge(from, to string) *Builder[S] {
	b.edges[from] = append(b.edges[from], to)
	return b
}

// Compile 校验图结构：
//  1. 必须有且仅有一条 START 出边
//  2. 边的两端必须是已声明的节点（或 START/END）
//  3. 每个节点最多一条静态出边（不支持并行扇出）
func (b *Builder[S]) Compile() (*Graph[S], error) {
	errs := append([]error(nil), b.errs...)

	entries := b.edges[START]
	switch {
	case len(entries) == 0:
		errs = append(errs, ErrNoEntry)
	case len(entries) > 1:
		errs = append(errs, fmt.Errorf("%w: %s", ErrFanOut, START))
	}

	for from, targets := range b.edges {
		if from != START {
			if _, ok := b.nodes[from]; !ok {
				errs = append(errs, fmt.Errorf("%w: edge source %q", ErrNodeNotFound, from))
			}
			if len(targets) > 1 {
				errs = append(errs, fmt.Errorf("%w: %s", ErrFanOut, from))
			}
		}
		for _, to := range targets {
			if to == END {
				continue
			}
			if _, ok := b.nodes[to]; !ok {
				errs = append(errs, fmt.Errorf("%w: edge target %q", ErrNodeNotFound, to))
			}
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	g := &Graph[S]{
		name:  b.name,
		nodes: make(map[string]NodeFunc[S], len(b.nodes)),
		next:  make(map[string]string, len(b.edges)),
		entry: entries[0],
	}
	for name, fn := range b.nodes {
		g.nodes[name] = fn
	}
	for from, targets := range b.edges {
		if from != START && len(targets) == 1 {
			g.next[from] = targets[0]
		}
	}
	return g, nil
}

// Graph 是编译后的图，可并发地执行多次 Run/Stream。
type Graph[S State[S]] struct {
	name  string
	nodes map[string]NodeFunc[S]
	next  map[string]string
	entry string
}

// Name 返回图名称
func (g *Graph[S]) Name() string {
	return g.name
}

// HasNode 判断节点是否存在
func (g *Graph[S]) HasNode(name string) bool {
	_, ok := g.nodes[name]
	return ok
}

// resolve 计算下一个节点：显式覆盖优先，否则走静态边，没有静态边即结束。
func (g *Graph[S]) resolve(node, override string) (string, error) {
	if override != "" {
		if override != END && !g.HasNode(override) {
			return END, fmt.Errorf("%w: goto %q from %s", ErrNodeNotFound, override, node)
		}
		return override, nil
	}
	if next, ok := g.next[node]; ok {
		return next, nil
	}
	return END, nil
}

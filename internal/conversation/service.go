// Package conversation 在工作流之上管理会话：加载历史、转发流式事件、
// 汇总每轮问答的元数据并持久化。
package conversation

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wwwzy/nyc311bot/internal/agent"
	"github.com/wwwzy/nyc311bot/internal/datastore"
	"github.com/wwwzy/nyc311bot/internal/graph"
	"github.com/wwwzy/nyc311bot/internal/message"
	"github.com/wwwzy/nyc311bot/internal/metrics"
	"github.com/wwwzy/nyc311bot/internal/storage"
)

const (
	ResultAnswered = "answered"
	ResultBlocked  = "blocked"
	ResultFailed   = "failed"

	defaultHistoryLimit = 50
)

var ErrEmptyQuestion = errors.New("question is empty")

// Runner 是会话依赖的工作流能力，*agent.Workflow 满足该接口
type Runner interface {
	Stream(ctx context.Context, utterance string, prior []message.Message) iter.Seq2[graph.Event, error]
}

// Turn 是一轮问答的结果与元数据
type Turn struct {
	SessionID string
	TraceID   string
	Question  string
	Answer    string
	// AnswerID 为最终回答消息的 ID，失败时为空
	AnswerID string
	Result   string
	Verdict  *agent.GuardrailVerdict
	SQLQuery string
	RowCount int
	Duration time.Duration

	answerNode string
}

// Blocked 表示回答来自护栏拦截
func (t Turn) Blocked() bool {
	return t.Result == ResultBlocked
}

// Metadata 返回界面展示用的查询详情，没有内容时为 nil
func (t Turn) Metadata() map[string]any {
	md := map[string]any{}
	if t.Verdict != nil {
		md["is_irrelevant_prompt"] = t.Verdict.IsIrrelevant
		md["is_mallicious_prompt"] = t.Verdict.IsMalicious
	}
	if t.SQLQuery != "" {
		md["sql_query"] = t.SQLQuery
	}
	if len(md) == 0 {
		return nil
	}
	return md
}

// Service 管理多个会话。store 为空时历史只保存在内存中。
type Service struct {
	runner       Runner
	store        *storage.Storage
	logger       *slog.Logger
	metrics      *metrics.Metrics
	historyLimit int

	mu     sync.Mutex
	memory map[string]*memorySession
}

type memorySession struct {
	messages []message.Message
	turns    int64
	lastAt   time.Time
}

type Option func(*Service)

// WithStore 使用本地存储保存历史与问答记录
func WithStore(s *storage.Storage) Option {
	return func(svc *Service) { svc.store = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(svc *Service) {
		if l != nil {
			svc.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(svc *Service) { svc.metrics = m }
}

// WithHistoryLimit 限制每次提问带入的历史消息条数
func WithHistoryLimit(n int) Option {
	return func(svc *Service) {
		if n > 0 {
			svc.historyLimit = n
		}
	}
}

func NewService(runner Runner, opts ...Option) *Service {
	s := &Service{
		runner:       runner,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		historyLimit: defaultHistoryLimit,
		memory:       make(map[string]*memorySession),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Persistent 表示历史是否落盘
func (s *Service) Persistent() bool {
	return s.store != nil
}

// NewSessionID 生成会话 ID
func NewSessionID() string {
	return uuid.NewString()
}

// Ask 处理会话中的一句提问。onEvent 可为空，用于实时展示流式输出。
//
// 流程中的节点失败不会作为错误返回（结果为 failed）；
// 只有 ctx 取消等中断运行的情况才返回非空 error，此时 Turn 仍包含已收集的元数据。
func (s *Service) Ask(ctx context.Context, sessionID, question string, onEvent func(graph.Event)) (Turn, error) {
	if s == nil || s.runner == nil {
		return Turn{}, errors.New("conversation service not initialized")
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return Turn{}, ErrEmptyQuestion
	}
	if sessionID == "" {
		sessionID = NewSessionID()
	}

	prior, err := s.History(ctx, sessionID)
	if err != nil {
		return Turn{}, err
	}

	turn := Turn{SessionID: sessionID, TraceID: uuid.NewString(), Question: question}
	runCtx := agent.WithSessionID(agent.WithTraceID(ctx, turn.TraceID), sessionID)

	start := time.Now()
	var runErr error
	for ev, err := range s.runner.Stream(runCtx, question, prior) {
		if err != nil {
			runErr = err
			break
		}
		turn.observe(ev)
		if onEvent != nil {
			onEvent(ev)
		}
	}
	turn.Duration = time.Since(start)
	turn.finish()

	s.record(context.WithoutCancel(ctx), turn, runErr)
	return turn, runErr
}

// observe 从事件中收集元数据与最终回答
func (t *Turn) observe(ev graph.Event) {
	switch ev.Mode {
	case graph.ModeCustom:
		if v, ok := ev.Value.(agent.GuardrailVerdict); ok && ev.Key == agent.CustomGuardrail {
			t.Verdict = &v
		}
	case graph.ModeMessages:
		m := ev.Message
		switch {
		case m.Role == message.RoleTool:
			t.RowCount = datastore.CountRows(m.Content)
		case m.Role == message.RoleRemove && m.ID == t.AnswerID:
			t.Answer, t.AnswerID, t.answerNode = "", "", ""
		case m.IsFinalAI():
			if call, ok := m.ToolCall(agent.QueryRunnerName); ok {
				t.SQLQuery = call.StringArg("query")
				return
			}
			if ev.Node == agent.NodeGuardrail || ev.Node == agent.NodeResponder {
				t.Answer, t.AnswerID, t.answerNode = m.Content, m.ID, ev.Node
			}
		}
	}
}

func (t *Turn) finish() {
	switch {
	case t.AnswerID == "":
		t.Result = ResultFailed
	case t.answerNode == agent.NodeGuardrail:
		t.Result = ResultBlocked
	default:
		t.Result = ResultAnswered
	}
}

// record 保存历史与问答记录；保存失败只记日志
func (s *Service) record(ctx context.Context, turn Turn, runErr error) {
	s.metrics.ObserveTurn(turn.Result)
	if turn.Blocked() && turn.Verdict != nil {
		s.metrics.ObserveGuardrail(turn.Verdict.IsIrrelevant, turn.Verdict.IsMalicious)
	}
	s.logger.Info("turn finished",
		"session", turn.SessionID,
		"trace", turn.TraceID,
		"result", turn.Result,
		"rows", turn.RowCount,
		"duration", turn.Duration,
		"error", runErr,
	)

	var exchange []message.Message
	if turn.Result != ResultFailed {
		answer := message.Message{ID: turn.AnswerID, Role: message.RoleAI, Content: turn.Answer}
		exchange = []message.Message{message.Human(turn.Question), answer}
	}

	if s.store == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		ms := s.session(turn.SessionID)
		ms.messages = append(ms.messages, exchange...)
		ms.turns++
		ms.lastAt = time.Now().UTC()
		return
	}

	if len(exchange) > 0 {
		rows := make([]storage.ChatMessage, 0, len(exchange))
		for _, m := range exchange {
			rows = append(rows, storage.ChatMessage{
				SessionID: turn.SessionID,
				MessageID: m.ID,
				Role:      string(m.Role),
				Content:   m.Content,
			})
		}
		if err := s.store.AppendChatMessages(ctx, rows); err != nil {
			s.logger.Warn("save chat history failed", "session", turn.SessionID, "error", err)
		}
	}

	rec := &storage.ChatTurn{
		SessionID:  turn.SessionID,
		TraceID:    turn.TraceID,
		Question:   turn.Question,
		Answer:     turn.Answer,
		Blocked:    turn.Blocked(),
		SQLQuery:   turn.SQLQuery,
		RowCount:   turn.RowCount,
		DurationMS: turn.Duration.Milliseconds(),
	}
	if turn.Verdict != nil {
		rec.IsIrrelevant = turn.Verdict.IsIrrelevant
		rec.IsMalicious = turn.Verdict.IsMalicious
		rec.Reason = turn.Verdict.Reason
	}
	if err := s.store.InsertChatTurn(ctx, rec); err != nil {
		s.logger.Warn("save chat turn failed", "session", turn.SessionID, "error", err)
	}
}

// session 需要在持有 mu 时调用
func (s *Service) session(id string) *memorySession {
	ms, ok := s.memory[id]
	if !ok {
		ms = &memorySession{}
		s.memory[id] = ms
	}
	return ms
}

// History 返回会话最近的 UI 消息（用户提问与最终回答）
func (s *Service) History(ctx context.Context, sessionID string) ([]message.Message, error) {
	if sessionID == "" {
		return nil, nil
	}
	if s.store == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		ms, ok := s.memory[sessionID]
		if !ok {
			return nil, nil
		}
		msgs := ms.messages
		if len(msgs) > s.historyLimit {
			msgs = msgs[len(msgs)-s.historyLimit:]
		}
		return append([]message.Message(nil), msgs...), nil
	}

	rows, err := s.store.ChatHistory(ctx, sessionID, s.historyLimit)
	if err != nil {
		return nil, err
	}
	out := make([]message.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, message.Message{ID: r.MessageID, Role: message.Role(r.Role), Content: r.Content})
	}
	return out, nil
}

// Clear 清空会话历史与问答记录，返回删除的消息数
func (s *Service) Clear(ctx context.Context, sessionID string) (int64, error) {
	if sessionID == "" {
		return 0, errors.New("session id is required")
	}
	if s.store == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		ms, ok := s.memory[sessionID]
		if !ok {
			return 0, nil
		}
		delete(s.memory, sessionID)
		return int64(len(ms.messages)), nil
	}
	return s.store.ClearSession(ctx, sessionID)
}

// Sessions 按最近活跃时间倒序列出会话
func (s *Service) Sessions(ctx context.Context, limit int) ([]storage.SessionSummary, error) {
	if s.store != nil {
		return s.store.ListSessions(ctx, limit)
	}

	s.mu.Lock()
	out := make([]storage.SessionSummary, 0, len(s.memory))
	for id, ms := range s.memory {
		out = append(out, storage.SessionSummary{SessionID: id, Turns: ms.turns, LastAt: ms.lastAt})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].LastAt.After(out[j].LastAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

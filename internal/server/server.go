// Package server 提供问答的 HTTP 接口：SSE 流式问答、会话历史、清空会话与示例问题。
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wwwzy/nyc311bot/internal/agent"
	"github.com/wwwzy/nyc311bot/internal/conversation"
	"github.com/wwwzy/nyc311bot/internal/datastore"
	"github.com/wwwzy/nyc311bot/internal/graph"
	"github.com/wwwzy/nyc311bot/internal/message"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
)

const serviceName = "nyc311bot"

type Server struct {
	echo     *echo.Echo
	svc      *conversation.Service
	logger   *slog.Logger
	gatherer prometheus.Gatherer
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithGatherer 指定 /metrics 暴露的指标来源，默认为 prometheus.DefaultGatherer
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		if g != nil {
			s.gatherer = g
		}
	}
}

func New(svc *conversation.Service, opts ...Option) *Server {
	s := &Server{
		svc:      svc,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		gatherer: prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware(serviceName))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug("http request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"error", v.Error,
			)
			return nil
		},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	api := e.Group("/api")
	api.GET("/examples", s.examples)
	api.POST("/chat", s.chat)
	api.GET("/sessions", s.sessions)
	api.GET("/sessions/:id/messages", s.history)
	api.DELETE("/sessions/:id", s.clear)

	s.echo = e
	return s
}

// ServeHTTP 使 Server 可以直接挂到 http.Server 或 httptest 上
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start 阻塞监听 addr，直到 Shutdown
func (s *Server) Start(addr string) error {
	s.logger.Info("http server listening", "addr", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// handleError 统一返回 {"error": "..."}
func (s *Server) handleError(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if he.Message != nil {
			msg = fmt.Sprint(he.Message)
		}
	}
	req := c.Request()
	if code >= http.StatusInternalServerError {
		s.logger.Error("http error", "status", code, "method", req.Method, "path", req.URL.Path, "error", err)
	} else {
		s.logger.Debug("http error", "status", code, "method", req.Method, "path", req.URL.Path, "error", err)
	}
	if !c.Response().Committed {
		_ = c.JSON(code, map[string]string{"error": msg})
	}
}

func (s *Server) examples(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string][]string{"examples": agent.ExampleQuestions})
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Question  string `json:"question"`
	// Example 为 1 起的示例问题序号，Question 为空时使用
	Example int `json:"example"`
}

type turnResponse struct {
	SessionID string         `json:"session_id"`
	TraceID   string         `json:"trace_id"`
	MessageID string         `json:"message_id,omitempty"`
	Question  string         `json:"question"`
	Answer    string         `json:"answer"`
	Result    string         `json:"result"`
	RowCount  int            `json:"row_count"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	ElapsedMS int64          `json:"elapsed_ms"`
}

func newTurnResponse(t conversation.Turn) turnResponse {
	return turnResponse{
		SessionID: t.SessionID,
		TraceID:   t.TraceID,
		MessageID: t.AnswerID,
		Question:  t.Question,
		Answer:    t.Answer,
		Result:    t.Result,
		RowCount:  t.RowCount,
		Metadata:  t.Metadata(),
		ElapsedMS: t.Duration.Milliseconds(),
	}
}

// chat 处理一次提问。默认以 SSE 推送：
//
//	guardrail  护栏判定
//	sql        生成的查询
//	rows       查询返回的行数
//	chunk      回答的增量片段
//	discard    撤回之前推送的片段
//	done       本轮结果
//
// ?stream=false 时等待结束后一次性返回 JSON。
func (s *Server) chat(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Question == "" && req.Example > 0 {
		q, err := agent.Example(req.Example)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		req.Question = q
	}
	if strings.TrimSpace(req.Question) == "" {
		return askError(conversation.ErrEmptyQuestion)
	}
	if req.SessionID == "" {
		req.SessionID = conversation.NewSessionID()
	}

	ctx := c.Request().Context()

	if stream, _ := strconv.ParseBool(c.QueryParam("stream")); c.QueryParam("stream") != "" && !stream {
		turn, err := s.svc.Ask(ctx, req.SessionID, req.Question, nil)
		if err != nil {
			return askError(err)
		}
		return c.JSON(http.StatusOK, newTurnResponse(turn))
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	sse := &sseWriter{resp: resp}
	turn, err := s.svc.Ask(ctx, req.SessionID, req.Question, func(ev graph.Event) {
		sse.forward(ev)
	})
	if err != nil {
		s.logger.Warn("chat stream interrupted", "session", req.SessionID, "error", err)
		sse.send("error", map[string]string{"error": err.Error()})
		return nil
	}
	sse.send("done", newTurnResponse(turn))
	return nil
}

func askError(err error) error {
	if errors.Is(err, conversation.ErrEmptyQuestion) {
		return echo.NewHTTPError(http.StatusBadRequest, "question is required")
	}
	return err
}

type sseWriter struct {
	resp *echo.Response
	err  error
}

func (w *sseWriter) forward(ev graph.Event) {
	switch ev.Mode {
	case graph.ModeCustom:
		if ev.Key == agent.CustomGuardrail {
			w.send("guardrail", ev.Value)
		}
	case graph.ModeMessages:
		m := ev.Message
		switch {
		case m.Chunk:
			w.send("chunk", map[string]string{"id": m.ID, "delta": m.Content})
		case m.Role == message.RoleRemove:
			w.send("discard", map[string]string{"id": m.ID})
		case m.Role == message.RoleTool:
			w.send("rows", map[string]int{"count": datastore.CountRows(m.Content)})
		case m.IsFinalAI():
			if call, ok := m.ToolCall(agent.QueryRunnerName); ok {
				w.send("sql", map[string]string{"query": call.StringArg("query")})
			}
		}
	}
}

// send 写出一个 SSE 事件；连接断开后的写入直接忽略
func (w *sseWriter) send(event string, payload any) {
	if w.err != nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		w.err = err
		return
	}
	if _, err := fmt.Fprintf(w.resp, "event: %s\ndata: %s\n\n", event, data); err != nil {
		w.err = err
		return
	}
	w.resp.Flush()
}

type sessionResponse struct {
	SessionID string    `json:"session_id"`
	Turns     int64     `json:"turns"`
	LastAt    time.Time `json:"last_at"`
}

func (s *Server) sessions(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	list, err := s.svc.Sessions(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	out := make([]sessionResponse, 0, len(list))
	for _, ss := range list {
		out = append(out, sessionResponse{SessionID: ss.SessionID, Turns: ss.Turns, LastAt: ss.LastAt})
	}
	return c.JSON(http.StatusOK, map[string]any{"sessions": out})
}

type messageResponse struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (s *Server) history(c echo.Context) error {
	id := c.Param("id")
	msgs, err := s.svc.History(c.Request().Context(), id)
	if err != nil {
		return err
	}
	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageResponse{ID: m.ID, Role: string(m.Role), Content: m.Content})
	}
	return c.JSON(http.StatusOK, map[string]any{"session_id": id, "messages": out})
}

func (s *Server) clear(c echo.Context) error {
	id := c.Param("id")
	n, err := s.svc.Clear(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"session_id": id, "deleted": n})
}

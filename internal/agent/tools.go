package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/wwwzy/nyc311bot/internal/datastore"
	"github.com/wwwzy/nyc311bot/internal/storage"
)

const (
	QueryRunnerName = "query_runner"

	emptyResult        = "[]"
	auditTruncateLimit = 2048
)

// Querier 执行单条只读查询，*datastore.Executor 满足该接口
type Querier interface {
	Query(ctx context.Context, query string) (datastore.Result, error)
}

type queryRunnerArgs struct {
	Query string `json:"query"`
}

// QueryRunnerTool 把模型生成的 SQL 交给执行器，输出 JSON 行数组
type QueryRunnerTool struct {
	querier Querier
}

func NewQueryRunnerTool(q Querier) *QueryRunnerTool {
	return &QueryRunnerTool{querier: q}
}

// QueryRunnerInfo 是绑定给查询生成模型的工具描述
func QueryRunnerInfo() *schema.ToolInfo {
	return &schema.ToolInfo{
		Name: QueryRunnerName,
		Desc: "Run a single read-only SQL query against the service_requests table and return the rows as JSON.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Desc:     "The PostgreSQL SELECT query to execute",
				Type:     schema.String,
				Required: true,
			},
		}),
	}
}

func (t *QueryRunnerTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return QueryRunnerInfo(), nil
}

// InvokableRun 失败时仍返回 "[]"，错误交给审计与调用方
func (t *QueryRunnerTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	if t == nil || t.querier == nil {
		return emptyResult, fmt.Errorf("query runner not initialized")
	}
	var args queryRunnerArgs
	if err := json.Unmarshal([]byte(argumentsInJSON), &args); err != nil {
		return emptyResult, fmt.Errorf("invalid arguments: %w", err)
	}
	res, err := t.querier.Query(ctx, args.Query)
	if err != nil {
		return emptyResult, err
	}
	return res.JSON(), nil
}

// AuditedTool 是一个工具包装器，用于在工具执行前后记录审计日志
type AuditedTool struct {
	impl   tool.InvokableTool
	store  *storage.Storage
	logger *slog.Logger
}

// WrapWithAudit 将工具包装为带审计功能的工具；store 为空时原样返回
func WrapWithAudit(t tool.InvokableTool, store *storage.Storage, logger *slog.Logger) tool.InvokableTool {
	if store == nil || t == nil {
		return t
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditedTool{impl: t, store: store, logger: logger}
}

func (t *AuditedTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return t.impl.Info(ctx)
}

func (t *AuditedTool) InvokableRun(ctx context.Context, argumentsInJSON string, opts ...tool.Option) (string, error) {
	action := "unknown"
	if info, err := t.impl.Info(ctx); err == nil && info != nil {
		action = info.Name
	}

	// 参数不完整（例如只有 "{"）时补全为 {}
	safeArgs := argumentsInJSON
	if safeArgs == "{" || safeArgs == "" {
		safeArgs = "{}"
	}

	record := &storage.AuditRecord{
		TraceID:    GetTraceID(ctx),
		SessionID:  GetSessionID(ctx),
		Action:     action,
		ParamsJSON: truncate(safeArgs, auditTruncateLimit),
		Status:     "running",
		StartedAt:  time.Now().UTC(),
	}
	// 审计失败只记日志，不阻断工具执行
	if err := t.store.InsertAuditRecord(ctx, record); err != nil {
		t.logger.Warn("insert audit record failed", "action", action, "error", err)
	}

	result, runErr := t.impl.InvokableRun(ctx, safeArgs, opts...)

	finishedAt := time.Now().UTC()
	status := "success"
	var errMsg, resultJSON *string
	if runErr != nil {
		status = "failed"
		e := truncate(runErr.Error(), auditTruncateLimit)
		errMsg = &e
	} else {
		r := truncate(result, auditTruncateLimit)
		resultJSON = &r
	}

	// 只有插入成功拿到 ID 后才能更新
	if record.ID != 0 {
		update := storage.AuditUpdate{
			Status:       &status,
			ResultJSON:   resultJSON,
			ErrorMessage: errMsg,
			FinishedAt:   &finishedAt,
		}
		if err := t.store.UpdateAuditRecord(context.WithoutCancel(ctx), record.ID, update); err != nil {
			t.logger.Warn("update audit record failed", "id", record.ID, "error", err)
		}
	}

	return result, runErr
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "...(truncated)"
}

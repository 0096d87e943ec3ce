package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cloudwego/eino/components/tool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/wwwzy/nyc311bot/internal/agent"
	"github.com/wwwzy/nyc311bot/internal/conversation"
	"github.com/wwwzy/nyc311bot/internal/datastore"
	"github.com/wwwzy/nyc311bot/internal/llm"
	"github.com/wwwzy/nyc311bot/internal/logging"
	"github.com/wwwzy/nyc311bot/internal/metrics"
	"github.com/wwwzy/nyc311bot/internal/storage"
	"github.com/wwwzy/nyc311bot/internal/telemetry"
)

// app 持有一次命令运行期间装配好的组件
type app struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	store     *storage.Storage
	telemetry *telemetry.Telemetry
	workflow  *agent.Workflow
	svc       *conversation.Service
}

// newApp 按配置依次装配：日志、指标、本地存储、模型、提示词、查询执行器、工作流与会话服务。
// logOut 为日志输出；全屏界面下传 io.Discard，避免日志打乱画面。
func newApp(ctx context.Context, logOut io.Writer) (*app, error) {
	if cfg == nil {
		return nil, errors.New("config not loaded")
	}
	if err := errors.Join(cfg.ValidateLLM(), cfg.ValidateDatabase()); err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, logOut)
	if err != nil {
		return nil, err
	}
	a := &app{
		logger:  logger,
		metrics: metrics.New(prometheus.DefaultRegisterer),
	}
	ok := false
	defer func() {
		if !ok {
			a.Close(context.Background())
		}
	}()

	a.telemetry, err = telemetry.Setup(ctx, telemetry.Config{
		Enabled:      cfg.Telemetry.Enabled,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
		Version:      Version,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化链路追踪失败: %w", err)
	}

	if cfg.Storage.Enabled {
		a.store, err = storage.Open(ctx, cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("打开本地存储失败: %w", err)
		}
	}

	roles, err := llm.NewRoles(ctx, cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("初始化模型失败: %w", err)
	}
	prompts, err := agent.LoadPrompts(cfg.Prompts)
	if err != nil {
		return nil, fmt.Errorf("加载提示词失败: %w", err)
	}

	connector, err := datastore.NewPgxConnector(cfg.Database.DSN, cfg.Database.QueryTimeout, cfg.Database.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("解析数据库配置失败: %w", err)
	}
	executor := datastore.NewExecutor(connector,
		datastore.WithQueryTimeout(cfg.Database.QueryTimeout),
		datastore.WithMaxRows(cfg.Database.MaxRows),
		datastore.WithLogger(logger),
		datastore.WithObserver(a.metrics.ObserveQuery),
	)

	a.workflow, err = agent.BuildWorkflow(ctx, agent.Deps{
		Roles:   roles,
		Prompts: prompts,
		Tools:   []tool.InvokableTool{agent.NewQueryRunnerTool(executor)},
		Store:   a.store,
		Logger:  logger,
		Tracer:  a.telemetry.Tracer(),
		Metrics: a.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("构建工作流失败: %w", err)
	}

	a.svc = conversation.NewService(a.workflow,
		conversation.WithStore(a.store),
		conversation.WithLogger(logger),
		conversation.WithMetrics(a.metrics),
		conversation.WithHistoryLimit(cfg.Server.HistoryLimit),
	)
	ok = true
	return a, nil
}

func (a *app) Close(ctx context.Context) {
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.logger.Warn("telemetry shutdown failed", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("storage close failed", "error", err)
		}
	}
}

// signalContext 在收到 SIGINT/SIGTERM 时取消
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

// openStore 供 storage 子命令使用，不需要模型和数据库配置
func openStore(ctx context.Context) (*storage.Storage, error) {
	if cfg == nil {
		return nil, errors.New("config not loaded")
	}
	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("打开本地存储失败: %w", err)
	}
	return store, nil
}

package cli

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/wwwzy/nyc311bot/internal/retention"
	"github.com/wwwzy/nyc311bot/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动 HTTP 问答服务",
	Long: `启动 HTTP 服务：POST /api/chat 以 SSE 流式返回回答，另提供会话历史、清空会话、示例问题、
/healthz 与 /metrics。启用本地存储时，后台按 retention 配置定期清理过期记录。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		a, err := newApp(ctx, os.Stderr)
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		if a.store != nil && cfg.Retention.Enabled {
			rcfg := cfg.Retention
			rcfg.OnError = func(err error) {
				a.logger.Warn("retention failed", "error", err)
			}
			collector, err := retention.NewCollector(a.store, rcfg, a.logger)
			if err != nil {
				return err
			}
			go func() {
				if err := collector.Run(ctx); err != nil && ctx.Err() == nil {
					a.logger.Error("retention collector stopped", "error", err)
				}
			}()
		}

		addr := serveAddr
		if addr == "" {
			addr = cfg.Server.Addr
		}
		srv := server.New(a.svc, server.WithLogger(a.logger))

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Start(addr)
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		a.logger.Info("shutting down http server")
		timeout := cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), timeout)
		defer cancelShutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "监听地址，覆盖 server.addr")
}

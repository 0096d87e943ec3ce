// Package retention 定期清理本地存储中过期的审计记录与问答记录。
package retention

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/wwwzy/nyc311bot/internal/storage"
)

type Config struct {
	Enabled   bool          `mapstructure:"enabled"`
	Interval  time.Duration `mapstructure:"interval"`
	Workers   int           `mapstructure:"workers"`
	BatchRows int           `mapstructure:"batch_rows"`
	// IdleSleep 为两批删除之间的停顿，避免长时间占用 SQLite 写锁
	IdleSleep time.Duration `mapstructure:"idle_sleep"`

	// AuditKeep/TurnsKeep 为保留时长；<=0 表示不清理该类数据
	AuditKeep time.Duration `mapstructure:"audit_keep"`
	TurnsKeep time.Duration `mapstructure:"turns_keep"`

	OnError func(error) `mapstructure:"-"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Interval:  1 * time.Hour,
		Workers:   2,
		BatchRows: 500,
		IdleSleep: 50 * time.Millisecond,
		AuditKeep: 7 * 24 * time.Hour,
		TurnsKeep: 30 * 24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.BatchRows <= 0 {
		c.BatchRows = d.BatchRows
	}
	if c.IdleSleep < 0 {
		c.IdleSleep = 0
	}
	if c.OnError == nil {
		c.OnError = func(error) {}
	}
	return c
}

// Store 是清理任务依赖的存储能力，*storage.Storage 满足该接口
type Store interface {
	DeleteAuditRecordsBeforeLimited(ctx context.Context, before time.Time, limit int) (int64, error)
	DeleteChatTurnsBeforeLimited(ctx context.Context, before time.Time, limit int) (int64, error)
}

var _ Store = (*storage.Storage)(nil)

// Report 汇总一次清理删除的行数
type Report struct {
	AuditRecords int64
	ChatTurns    int64
}

type Collector struct {
	cfg    Config
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

func NewCollector(store Store, cfg Config, logger *slog.Logger) (*Collector, error) {
	if store == nil {
		return nil, errors.New("storage is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Collector{
		cfg:    cfg.withDefaults(),
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run 立即执行一次清理，之后按 Interval 周期执行，直到 ctx 结束
func (c *Collector) Run(ctx context.Context) error {
	if c == nil || c.store == nil {
		return errors.New("retention collector not initialized")
	}

	if _, err := c.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		}
	}
}

// RunOnce 用工作池并发执行各类数据的清理任务
func (c *Collector) RunOnce(ctx context.Context) (Report, error) {
	if c == nil || c.store == nil {
		return Report{}, errors.New("retention collector not initialized")
	}

	now := c.now()
	var (
		mu     sync.Mutex
		report Report
		tasks  []func(context.Context) error
	)

	if c.cfg.AuditKeep > 0 {
		before := now.Add(-c.cfg.AuditKeep)
		tasks = append(tasks, func(ctx context.Context) error {
			n, err := c.drain(ctx, before, c.store.DeleteAuditRecordsBeforeLimited)
			mu.Lock()
			report.AuditRecords += n
			mu.Unlock()
			return err
		})
	}
	if c.cfg.TurnsKeep > 0 {
		before := now.Add(-c.cfg.TurnsKeep)
		tasks = append(tasks, func(ctx context.Context) error {
			n, err := c.drain(ctx, before, c.store.DeleteChatTurnsBeforeLimited)
			mu.Lock()
			report.ChatTurns += n
			mu.Unlock()
			return err
		})
	}
	if len(tasks) == 0 {
		return report, nil
	}

	workers := min(c.cfg.Workers, len(tasks))
	if workers <= 0 {
		workers = 1
	}

	jobs := make(chan func(context.Context) error)
	errs := make(chan error, len(tasks))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				if err := job(ctx); err != nil && !errors.Is(err, context.Canceled) {
					errs <- err
				}
			}
		}()
	}

	for _, t := range tasks {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			close(errs)
			return report, ctx.Err()
		case jobs <- t:
		}
	}
	close(jobs)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			c.cfg.OnError(err)
			c.logger.Error("retention failed", "error", err)
			return report, err
		}
	}
	if report.AuditRecords > 0 || report.ChatTurns > 0 {
		c.logger.Info("retention pruned rows", "audit_records", report.AuditRecords, "chat_turns", report.ChatTurns)
	}
	return report, nil
}

type deleteFunc func(ctx context.Context, before time.Time, limit int) (int64, error)

// drain 分批删除直到没有匹配的行
func (c *Collector) drain(ctx context.Context, before time.Time, del deleteFunc) (int64, error) {
	var total int64
	for {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		affected, err := del(ctx, before, c.cfg.BatchRows)
		if err != nil {
			return total, err
		}
		total += affected
		if affected == 0 {
			return total, nil
		}
		if err := c.sleepIdle(ctx); err != nil {
			return total, err
		}
	}
}

func (c *Collector) sleepIdle(ctx context.Context) error {
	if c.cfg.IdleSleep <= 0 {
		return nil
	}
	timer := time.NewTimer(c.cfg.IdleSleep)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Prune 按 cfg 立即执行一次清理（不启动定时器），供命令行使用
func Prune(ctx context.Context, store Store, cfg Config) (Report, error) {
	c, err := NewCollector(store, cfg, nil)
	if err != nil {
		return Report{}, err
	}
	return c.RunOnce(ctx)
}

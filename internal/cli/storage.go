package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/wwwzy/nyc311bot/internal/retention"
	"github.com/wwwzy/nyc311bot/internal/storage"
)

// storageCmd represents the storage command
var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "管理本地存储",
	Long:  `提供查看本地数据库概况、清理审计与问答记录、查看和清空会话历史的命令。`,
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "显示数据库统计概况",
	RunE:  runInfo,
}

var pruneAuditCmd = &cobra.Command{
	Use:   "prune-audit",
	Short: "清理审计记录",
	Long:  `根据用户指定的保留条数或天数，清理旧的审计记录。`,
	RunE:  runPruneAudit,
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "按 retention 配置立即清理一次",
	Long:  `忽略定时间隔，立即按配置文件中的 retention 策略清理过期的审计记录与问答记录。`,
	RunE:  runPrune,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "打印会话历史",
	RunE:  runHistory,
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "清空会话历史",
	RunE:  runClear,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "列出最近的会话",
	RunE:  runSessions,
}

var turnsCmd = &cobra.Command{
	Use:   "turns",
	Short: "列出最近的问答记录（护栏判定、SQL、行数）",
	RunE:  runTurns,
}

var (
	keepAuditCount int
	keepAuditDays  int

	storageSession string
	historyLimit   int
	sessionsLimit  int
	turnsLimit     int
	turnsBlocked   bool
)

func init() {
	pruneAuditCmd.Flags().IntVar(&keepAuditCount, "keep", 0, "保留最近的 N 条记录")
	pruneAuditCmd.Flags().IntVar(&keepAuditDays, "days", 0, "保留最近 N 天的记录")

	for _, c := range []*cobra.Command{historyCmd, clearCmd} {
		c.Flags().StringVar(&storageSession, "session", "", "会话 ID")
		_ = c.MarkFlagRequired("session")
	}
	historyCmd.Flags().IntVar(&historyLimit, "limit", 0, "最多显示的消息条数（默认 100）")
	sessionsCmd.Flags().IntVar(&sessionsLimit, "limit", 0, "最多显示的会话数（默认 100）")
	turnsCmd.Flags().StringVar(&storageSession, "session", "", "只看某个会话")
	turnsCmd.Flags().IntVar(&turnsLimit, "limit", 20, "最多显示的记录数")
	turnsCmd.Flags().BoolVar(&turnsBlocked, "blocked", false, "只看被护栏拦截的提问")

	rootCmd.AddCommand(storageCmd)
	storageCmd.AddCommand(infoCmd, pruneAuditCmd, pruneCmd, historyCmd, clearCmd, sessionsCmd, turnsCmd)
}

func runPruneAudit(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	out := cmd.OutOrStdout()

	if keepAuditCount <= 0 && keepAuditDays <= 0 {
		_ = cmd.Usage()
		return errors.New("must specify either --keep or --days")
	}

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	var deletedCount int64

	if keepAuditCount > 0 {
		fmt.Fprintf(out, "Pruning audit records, keeping latest %d records...\n", keepAuditCount)
		count, err := store.DeleteAuditRecordsKeepLatest(ctx, keepAuditCount)
		if err != nil {
			return fmt.Errorf("pruning by count: %w", err)
		}
		deletedCount += count
	}

	if keepAuditDays > 0 {
		before := time.Now().UTC().AddDate(0, 0, -keepAuditDays)
		fmt.Fprintf(out, "Pruning audit records older than %d days (before %s)...\n", keepAuditDays, before.Format(time.RFC3339))
		count, err := store.DeleteAuditRecordsBefore(ctx, before)
		if err != nil {
			return fmt.Errorf("pruning by days: %w", err)
		}
		deletedCount += count
	}

	fmt.Fprintf(out, "Prune completed. Deleted %d records.\n", deletedCount)

	if count, err := store.CountAuditRecords(ctx); err == nil {
		fmt.Fprintf(out, "Remaining Audit Records: %d\n", count)
	}
	return nil
}

func runPrune(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	out := cmd.OutOrStdout()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	fmt.Fprintf(out, "Policy: audit keep=%s, turns keep=%s\n", keepString(cfg.Retention.AuditKeep), keepString(cfg.Retention.TurnsKeep))
	report, err := retention.Prune(ctx, store, cfg.Retention)
	if err != nil {
		return fmt.Errorf("prune failed: %w", err)
	}
	fmt.Fprintf(out, "Prune completed. Deleted %d audit records, %d chat turns.\n", report.AuditRecords, report.ChatTurns)
	return nil
}

func keepString(d time.Duration) string {
	if d <= 0 {
		return "forever"
	}
	return d.String()
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	out := cmd.OutOrStdout()

	if cfg == nil {
		return errors.New("config not loaded")
	}

	dbSizeStr := "in-memory"
	if !cfg.Storage.InMemory {
		dbSizeStr = fileSize(cfg.Storage.Path)
	}

	store, err := openStore(ctx)
	if err != nil {
		fmt.Fprintf(out, "Database File: %s\n", dbSizeStr)
		return err
	}
	defer store.Close()

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Database File:\t%s\n", dbSizeStr)
	fmt.Fprintf(w, "Persist History:\t%t\n", cfg.Storage.Enabled)
	fmt.Fprintln(w, "\t")
	fmt.Fprintln(w, "Table\tRecords")
	fmt.Fprintln(w, "-----\t-------")
	printCount(w, "Audit Records", func() (int64, error) { return store.CountAuditRecords(ctx) })
	printCount(w, "Chat Turns", func() (int64, error) { return store.CountChatTurns(ctx) })
	printCount(w, "Sessions", func() (int64, error) {
		list, err := store.ListSessions(ctx, 0)
		return int64(len(list)), err
	})
	return w.Flush()
}

func fileSize(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "Not Found (Will be created on first run)"
		}
		return fmt.Sprintf("Error: %v", err)
	}
	return fmt.Sprintf("%.2f MB (%s)", float64(info.Size())/1024/1024, path)
}

func printCount(w io.Writer, name string, count func() (int64, error)) {
	n, err := count()
	if err != nil {
		fmt.Fprintf(w, "%s\terror: %v\n", name, err)
		return
	}
	fmt.Fprintf(w, "%s\t%d\n", name, n)
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	out := cmd.OutOrStdout()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	msgs, err := store.ChatHistory(ctx, storageSession, historyLimit)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		fmt.Fprintf(out, "Session %s has no messages.\n", storageSession)
		return nil
	}
	for _, m := range msgs {
		fmt.Fprintf(out, "[%s] %s: %s\n", m.CreatedAt.Local().Format(time.DateTime), m.Role, m.Content)
	}
	return nil
}

func runClear(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.ClearSession(ctx, storageSession)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d messages from session %s.\n", n, storageSession)
	return nil
}

func runSessions(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	list, err := store.ListSessions(ctx, sessionsLimit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "Session\tTurns\tLast Activity")
	for _, s := range list {
		fmt.Fprintf(w, "%s\t%d\t%s\n", s.SessionID, s.Turns, s.LastAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func runTurns(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	turns, err := store.QueryChatTurns(ctx, storage.TurnQuery{
		SessionID:   storageSession,
		BlockedOnly: turnsBlocked,
		Limit:       turnsLimit,
		Desc:        true,
	})
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "Time\tSession\tBlocked\tRows\tElapsed\tQuestion\tSQL")
	for _, t := range turns {
		fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%dms\t%s\t%s\n",
			t.CreatedAt.Local().Format(time.DateTime), t.SessionID, t.Blocked, t.RowCount, t.DurationMS,
			oneLine(t.Question, 60), oneLine(t.SQLQuery, 80))
	}
	return w.Flush()
}

func oneLine(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > limit {
		return string(r[:limit]) + "…"
	}
	return s
}

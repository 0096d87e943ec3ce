package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wwwzy/nyc311bot/internal/storage"
)

// setupStore 写一份只配置了本地存储的配置文件，并预置一个会话的数据
func setupStore(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "nyc311bot.db")
	cfgPath := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf("storage:\n  enabled: true\n  path: %s\n", dbPath)
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o600))

	ctx := context.Background()
	store, err := storage.Open(ctx, storage.Config{Enabled: true, Path: dbPath})
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.AppendChatMessages(ctx, []storage.ChatMessage{
		{SessionID: "s1", MessageID: "m1", Role: "human", Content: "How many requests?"},
		{SessionID: "s1", MessageID: "m2", Role: "ai", Content: "There are 42."},
	}))
	require.NoError(t, store.InsertChatTurn(ctx, &storage.ChatTurn{
		SessionID: "s1",
		TraceID:   "t1",
		Question:  "How many requests?",
		Answer:    "There are 42.",
		SQLQuery:  "SELECT COUNT(*) FROM service_requests",
		RowCount:  1,
	}))
	for i := 0; i < 3; i++ {
		require.NoError(t, store.InsertAuditRecord(ctx, &storage.AuditRecord{TraceID: "t1", Action: "query_runner", Status: "success"}))
	}
	return cfgPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestStorageCommands(t *testing.T) {
	cfgPath := setupStore(t)

	out, err := execute(t, "storage", "info", "--config", cfgPath)
	require.NoError(t, err)
	assert.Regexp(t, `Audit Records\s+3`, out)
	assert.Regexp(t, `Chat Turns\s+1`, out)
	assert.Regexp(t, `Sessions\s+1`, out)

	out, err = execute(t, "storage", "history", "--session", "s1", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "human: How many requests?")
	assert.Contains(t, out, "ai: There are 42.")

	out, err = execute(t, "storage", "sessions", "--config", cfgPath)
	require.NoError(t, err)
	assert.Regexp(t, `s1\s+1`, out)

	out, err = execute(t, "storage", "turns", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "SELECT COUNT(*) FROM service_requests")

	out, err = execute(t, "storage", "prune-audit", "--keep", "1", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted 2 records.")
	assert.Contains(t, out, "Remaining Audit Records: 1")

	out, err = execute(t, "storage", "prune", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted 0 audit records, 0 chat turns.")

	out, err = execute(t, "storage", "clear", "--session", "s1", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Cleared 2 messages from session s1.")

	out, err = execute(t, "storage", "history", "--session", "s1", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "has no messages")
}

func TestAskRequiresQuestion(t *testing.T) {
	cfgPath := setupStore(t)

	_, err := execute(t, "ask", "--config", cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--example")

	_, err = execute(t, "ask", "--example", "42", "--config", cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestOneLine(t *testing.T) {
	assert.Equal(t, "SELECT a FROM b", oneLine("SELECT a\n  FROM b", 80))
	assert.Equal(t, "abc…", oneLine("abcdef", 3))
}

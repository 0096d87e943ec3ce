package ui

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/wwwzy/nyc311bot/internal/conversation"
	"github.com/wwwzy/nyc311bot/internal/graph"
)

type ConsoleChatUI struct {
	In  io.Reader
	Out io.Writer
}

func (u *ConsoleChatUI) Run(ctx context.Context, backend ChatBackend, opts ChatOptions) error {
	in := u.In
	if in == nil {
		return fmt.Errorf("console ui: In is nil")
	}
	out := u.Out
	if out == nil {
		return fmt.Errorf("console ui: Out is nil")
	}

	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = conversation.NewSessionID()
	}
	showDetails := opts.ShowDetails

	reader := bufio.NewReader(in)
	fmt.Fprintf(out, "进入 NYC 311 问答模式（会话 %s）。输入 /help 查看命令，exit/quit 退出。\n", sessionID)
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "已退出。")
			return nil
		default:
		}

		fmt.Fprint(out, "你: ")
		line, err := reader.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(out)
				return nil
			}
			return fmt.Errorf("读取输入失败: %w", err)
		}

		cmd := ParseCommand(line)
		switch cmd.Kind {
		case CmdEmpty:
			continue
		case CmdExit:
			fmt.Fprintln(out, "已退出。")
			return nil
		case CmdHelp:
			fmt.Fprintln(out, HelpText)
			continue
		case CmdExamples:
			fmt.Fprintln(out, ExamplesText())
			continue
		case CmdDetails:
			showDetails = !showDetails
			fmt.Fprintf(out, "查询详情: %t\n", showDetails)
			continue
		case CmdUnknown:
			fmt.Fprintln(out, cmd.Err)
			continue
		case CmdClear:
			n, err := backend.Clear(ctx, sessionID)
			if err != nil {
				fmt.Fprintf(out, "清空失败: %v\n", err)
				continue
			}
			fmt.Fprintf(out, "已清空 %d 条消息。\n", n)
			continue
		}

		if cmd.Question != strings.TrimSpace(line) {
			fmt.Fprintf(out, "问题: %s\n", cmd.Question)
		}
		turn, err := u.ask(ctx, backend, sessionID, cmd.Question)
		if err != nil {
			if ctx.Err() != nil {
				fmt.Fprintln(out, "已退出。")
				return nil
			}
			fmt.Fprintf(out, "发生错误: %v\n\n", err)
			continue
		}
		if showDetails {
			fmt.Fprintln(out, "---")
			fmt.Fprintln(out, Details(turn))
		}
		fmt.Fprintln(out)
	}
}

// ask 边接收增量边输出，回答被撤回时另起一行提示
func (u *ConsoleChatUI) ask(ctx context.Context, backend ChatBackend, sessionID, question string) (conversation.Turn, error) {
	out := u.Out
	streaming := false
	turn, err := backend.Ask(ctx, sessionID, question, func(ev graph.Event) {
		if ev.Mode == graph.ModeMessages && ev.Message.Chunk {
			if !streaming {
				fmt.Fprint(out, "助手: ")
				streaming = true
			}
			fmt.Fprint(out, ev.Message.Content)
			return
		}
		if line := Progress(ev); line != "" {
			fmt.Fprintf(out, "[%s]\n", line)
		}
	})
	if streaming {
		fmt.Fprintln(out)
	}
	if err != nil {
		return turn, err
	}

	switch {
	case turn.Result == conversation.ResultFailed:
		if streaming {
			fmt.Fprintln(out, "(回答中断，已丢弃)")
		} else {
			fmt.Fprintln(out, "助手: (无回复)")
		}
	case !streaming:
		// 护栏拦截的理由不经过流式输出
		fmt.Fprintf(out, "助手: %s\n", strings.TrimSpace(turn.Answer))
	}
	return turn, nil
}

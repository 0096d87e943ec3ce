package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/wwwzy/nyc311bot/internal/agent"
	"github.com/wwwzy/nyc311bot/internal/conversation"
	"github.com/wwwzy/nyc311bot/internal/graph"
	"github.com/wwwzy/nyc311bot/internal/message"
	"github.com/wwwzy/nyc311bot/internal/ui"
)

var (
	askExample int
	askDebug   bool
	askSession string
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "提一个问题并流式打印回答",
	Long: `对工作流提一个问题，回答按增量片段实时打印。
--debug 时额外打印护栏判定、模型发起的工具调用和工具输出，便于排查提示词与生成的 SQL。`,
	Example: `  nyc311bot ask "Which borough has the most noise complaints?"
  nyc311bot ask --example 1 --debug`,
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.TrimSpace(strings.Join(args, " "))
		if question == "" && askExample > 0 {
			q, err := agent.Example(askExample)
			if err != nil {
				return err
			}
			question = q
		}
		if question == "" {
			return errors.New("请提供问题，或使用 --example N 选择示例问题")
		}

		ctx, cancel := signalContext()
		defer cancel()

		a, err := newApp(ctx, os.Stderr)
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		debug := askDebug || cfg.Debug
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "问题: %s\n", question)

		p := &askPrinter{out: out, debug: debug}
		turn, err := a.svc.Ask(ctx, askSession, question, p.handle)
		p.end()
		if err != nil {
			return err
		}
		if turn.Result == conversation.ResultFailed {
			return errors.New("没有得到回答，请查看日志")
		}
		if !p.streamed {
			fmt.Fprintln(out, turn.Answer)
		}
		if debug {
			fmt.Fprintln(out, "---")
			fmt.Fprintln(out, ui.Details(turn))
		}
		return nil
	},
}

// askPrinter 按事件到达顺序输出；增量片段直接拼接在同一行
type askPrinter struct {
	out      io.Writer
	debug    bool
	inChunk  bool
	streamed bool
}

func (p *askPrinter) handle(ev graph.Event) {
	if ev.Mode == graph.ModeMessages && ev.Message.Chunk {
		p.inChunk = true
		p.streamed = true
		fmt.Fprint(p.out, ev.Message.Content)
		return
	}
	if !p.debug {
		return
	}
	p.end()

	switch ev.Mode {
	case graph.ModeCustom:
		data, _ := json.Marshal(ev.Value)
		fmt.Fprintf(p.out, "[%s] %s: %s\n", ev.Node, ev.Key, data)
	case graph.ModeMessages:
		m := ev.Message
		switch {
		case m.Role == message.RoleRemove:
			fmt.Fprintf(p.out, "[%s] discard %s\n", ev.Node, m.ID)
		case m.Role == message.RoleTool:
			fmt.Fprintf(p.out, "[%s] tool output (%s): %s\n", ev.Node, m.ToolCallID, m.Content)
		case len(m.ToolCalls) > 0:
			for _, call := range m.ToolCalls {
				args, _ := json.Marshal(call.Args)
				fmt.Fprintf(p.out, "[%s] tool call %s(%s) id=%s\n", ev.Node, call.Name, args, call.ID)
			}
		case m.Role == message.RoleAI && ev.Node == agent.NodeGuardrail:
			fmt.Fprintf(p.out, "[%s] blocked: %s\n", ev.Node, m.Content)
		}
	}
}

func (p *askPrinter) end() {
	if p.inChunk {
		fmt.Fprintln(p.out)
		p.inChunk = false
	}
}

func init() {
	rootCmd.AddCommand(askCmd)
	askCmd.Flags().IntVar(&askExample, "example", 0, fmt.Sprintf("使用第 N 个示例问题 (1-%d)", len(agent.ExampleQuestions)))
	askCmd.Flags().BoolVar(&askDebug, "debug", false, "打印护栏判定、工具调用与工具输出")
	askCmd.Flags().StringVar(&askSession, "session", "", "会话 ID，带入该会话的历史")
}

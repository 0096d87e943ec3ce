package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/wwwzy/nyc311bot/internal/tui"
	"github.com/wwwzy/nyc311bot/internal/ui"
)

var (
	chatUI      string
	chatSession string
	chatDetails bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "进入交互式问答模式",
	Long: `进入多轮问答，历史会带入后续提问。
支持 /examples、/example N、/clear、/details 等命令；console 为简单 REPL，tui 为全屏界面。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		var (
			uiImpl ui.ChatUI
			logOut io.Writer = os.Stderr
		)
		switch chatUI {
		case "console", "":
			uiImpl = &ui.ConsoleChatUI{In: os.Stdin, Out: os.Stdout}
		case "tui":
			uiImpl = &tui.ChatUI{}
			logOut = io.Discard
		default:
			return fmt.Errorf("未知 ui 类型: %s (支持: console, tui)", chatUI)
		}

		a, err := newApp(ctx, logOut)
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		return uiImpl.Run(ctx, a.svc, ui.ChatOptions{
			SessionID:   chatSession,
			ShowDetails: chatDetails || cfg.Debug,
		})
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&chatUI, "ui", "console", "交互界面类型: console/tui")
	chatCmd.Flags().StringVar(&chatSession, "session", "", "继续已有会话；为空时新建")
	chatCmd.Flags().BoolVar(&chatDetails, "details", false, "每轮回答后展示查询详情")
}

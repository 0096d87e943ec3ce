package cli

import (
	"fmt"
	"os"

	"github.com/wwwzy/nyc311bot/internal/config"

	"github.com/spf13/cobra"
)

// Version 在构建时通过 -ldflags "-X github.com/wwwzy/nyc311bot/internal/cli.Version=..." 注入
var Version = "dev"

var (
	cfgFile string
	cfg     *config.Config
)

// rootCmd 是没有子命令时调用的基础命令
var rootCmd = &cobra.Command{
	Use:   "nyc311bot",
	Short: "nyc311bot 用自然语言回答 NYC 311 服务请求数据的问题",
	Long: `nyc311bot 先用护栏过滤无关或恶意的问题，再让模型生成一条只读 SQL，
在 PostgreSQL 中执行后，把结果整理成自然语言回答并流式输出。`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute 将所有子命令添加到根命令并适当设置标志。
// 这由 main.main() 调用。它只需要对 rootCmd 调用一次。
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件（默认按 ./config.yaml、./configs/config.yaml、$HOME/.nyc311bot/config.yaml 搜索）")
}

// initConfig 读取配置文件和环境变量（如果已设置）。
func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
}

package main

import (
	"os"

	"github.com/spf13/cobra"

	"Mofy-Agent/internal/config"
)

type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{configPath: os.Getenv("MOFY_CONFIG")}
	cmd := &cobra.Command{
		Use:           "mofy",
		Short:         "Mofy 智能体编排服务",
		Long:          "Mofy 根据用户消息规划工具调用、执行并反思失败，可作为 HTTP 服务或交互式命令行运行。",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", opts.configPath, "YAML 配置文件路径，也可通过 MOFY_CONFIG 指定")

	cmd.AddCommand(
		newServeCommand(opts),
		newChatCommand(opts),
		newToolsCommand(opts),
	)
	return cmd
}

func (o *rootOptions) load() (*config.Config, error) {
	return config.Load(o.configPath)
}

package main

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"Mofy-Agent/internal/observability/metrics"
)

func newToolsCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "查看与调试已注册的工具",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "列出全部工具及其参数",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadToolsApp(cmd, root)
			if err != nil {
				return err
			}
			defer a.Close()
			out := cmd.OutOrStdout()
			for _, schema := range a.registry.Schemas() {
				fmt.Fprintf(out, "%s: %s\n", schema.Name, schema.Description)
				for _, p := range schema.Parameters {
					required := ""
					if p.Required {
						required = "，必填"
					}
					fmt.Fprintf(out, "  - %s (%s%s) %s\n", p.Name, p.Type, required, p.Description)
				}
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "call <tool> [参数]",
		Short: "执行一次工具调用",
		Long:  "参数可以是 JSON 对象、key=value 列表或单个值，解析方式与智能体执行任务时相同。",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadToolsApp(cmd, root)
			if err != nil {
				return err
			}
			defer a.Close()
			raw := strings.Join(args[1:], " ")
			fmt.Fprintln(cmd.OutOrStdout(), a.registry.Execute(cmd.Context(), args[0], raw))
			return nil
		},
	})
	return cmd
}

// loadToolsApp 只装配工具注册表，不连接大模型与存储。
func loadToolsApp(cmd *cobra.Command, root *rootOptions) (*app, error) {
	cfg, err := root.load()
	if err != nil {
		return nil, err
	}
	if err := initLogger(cfg, "stderr"); err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, metrics: metrics.MustNew(prometheus.NewRegistry())}
	if err := a.buildRegistry(cmd.Context()); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

func newChatCommand(root *rootOptions) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "在终端中与智能体对话",
		Long:  "逐行读取标准输入并输出回复。输入 /status 查看会话状态，/clear 清空当前会话，exit 或 quit 退出。",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if err := initLogger(cfg, "stderr"); err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.chat(cmd, sessionID)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "复用指定的会话 ID")
	return cmd
}

func (a *app) chat(cmd *cobra.Command, sessionID string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	ag := a.sessions.GetOrCreate(sessionID)
	fmt.Fprintf(out, "会话 %s 已就绪，输入 exit 退出。\n", ag.SessionID())

	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		case "/status":
			if err := printJSON(out, ag.Status()); err != nil {
				return err
			}
			continue
		case "/clear":
			if err := a.sessions.Close(ctx, ag.SessionID()); err != nil {
				return err
			}
			ag = a.sessions.GetOrCreate("")
			fmt.Fprintf(out, "已开启新会话 %s\n", ag.SessionID())
			continue
		}
		fmt.Fprintln(out, ag.ProcessMessage(ctx, line))
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

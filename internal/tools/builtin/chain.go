package builtin

import (
	"context"
	"regexp"

	"Mofy-Agent/internal/tools"
	"Mofy-Agent/internal/web3"
)

var hexAddress = regexp.MustCompile(`0x[0-9a-fA-F]{40}`)

// Chain 暴露以太坊只读查询。
func Chain(client *web3.Client) tools.Tool {
	return tools.NewFunc(tools.Schema{
		Name:        "chain",
		Description: "查询以太坊链上信息：链 ID、最新区块、账户余额、交易计数",
		Parameters: []tools.ParamSpec{
			{
				Name:        "action",
				Type:        tools.KindString,
				Required:    true,
				Description: "查询动作",
				Choices:     web3.Actions(),
			},
			{
				Name:        "address",
				Type:        tools.KindString,
				Description: "账户地址，查询余额与交易计数时必填",
				Pattern:     hexAddress,
			},
		},
	}, func(ctx context.Context, p tools.Params) (string, error) {
		out, err := client.Query(ctx, p.Text("action"), p.Text("address"))
		if err != nil {
			return "", tools.WrapToolError("chain", err, "链上查询失败")
		}
		return out, nil
	})
}

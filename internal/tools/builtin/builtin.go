// Package builtin 提供默认注册的工具：计算器、模拟搜索、模拟天气，
// 以及配置了 RPC 地址时可用的以太坊只读查询。
package builtin

import (
	"Mofy-Agent/internal/tools"
	"Mofy-Agent/internal/web3"
)

// Register 把内置工具登记到注册表。chain 为 nil 时跳过链上查询工具。
func Register(r *tools.Registry, chain *web3.Client) error {
	list := []tools.Tool{Calculator(), Search(), Weather()}
	if chain != nil {
		list = append(list, Chain(chain))
	}
	for _, t := range list {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

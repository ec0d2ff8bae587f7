package web3

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "Mofy-Agent/internal/errors"
)

// 支持的链上查询。
const (
	ActionChainID          = "eth_chainId"
	ActionBlockNumber      = "eth_blockNumber"
	ActionGetBalance       = "eth_getBalance"
	ActionTransactionCount = "eth_getTransactionCount"
)

// Actions 列出全部查询动作。
func Actions() []string {
	return []string{ActionChainID, ActionBlockNumber, ActionGetBalance, ActionTransactionCount}
}

// Reader 是查询所需的 RPC 子集，*ethclient.Client 满足该接口。
type Reader interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// Client 包装一个 Reader 并负责关闭底层连接。
type Client struct {
	reader Reader
	closer func()
	once   sync.Once
}

// Dial 连接 RPC 节点。
func Dial(ctx context.Context, rpcURL string) (*Client, error) {
	rpcURL = strings.TrimSpace(rpcURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未配置以太坊 RPC 地址")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeBackendFailure, err, "连接以太坊节点失败")
	}
	eth := ethclient.NewClient(rpcClient)
	return &Client{reader: eth, closer: eth.Close}, nil
}

// NewClient 使用已有的 Reader，常用于测试。
func NewClient(reader Reader) *Client {
	return &Client{reader: reader}
}

// Close 释放连接，可重复调用。
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.once.Do(func() {
		if c.closer != nil {
			c.closer()
		}
	})
}

// Query 执行一次只读查询并返回十六进制结果，余额额外附带以 ETH 为单位的值。
func (c *Client) Query(ctx context.Context, action, address string) (string, error) {
	if c == nil || c.reader == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "未初始化的以太坊客户端")
	}
	action = strings.TrimSpace(action)
	switch action {
	case ActionChainID:
		id, err := c.reader.ChainID(ctx)
		if err != nil {
			return "", xerrors.Wrap(xerrors.CodeBackendFailure, err, "获取链 ID 失败")
		}
		return toHexBig(id), nil
	case ActionBlockNumber:
		n, err := c.reader.BlockNumber(ctx)
		if err != nil {
			return "", xerrors.Wrap(xerrors.CodeBackendFailure, err, "获取最新区块高度失败")
		}
		return fmt.Sprintf("0x%x", n), nil
	case ActionGetBalance:
		account, err := parseAddress(action, address)
		if err != nil {
			return "", err
		}
		balance, err := c.reader.BalanceAt(ctx, account, nil)
		if err != nil {
			return "", xerrors.Wrap(xerrors.CodeBackendFailure, err, "查询余额失败")
		}
		return fmt.Sprintf("%s (%s ETH)", toHexBig(balance), FormatEther(balance)), nil
	case ActionTransactionCount:
		account, err := parseAddress(action, address)
		if err != nil {
			return "", err
		}
		nonce, err := c.reader.PendingNonceAt(ctx, account)
		if err != nil {
			return "", xerrors.Wrap(xerrors.CodeBackendFailure, err, "查询交易计数失败")
		}
		return fmt.Sprintf("0x%x", nonce), nil
	case "":
		return "", xerrors.New(xerrors.CodeInvalidArgument, "链上操作不能为空")
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("暂不支持的链上操作: %s", action))
	}
}

func parseAddress(action, address string) (common.Address, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%s 需要提供地址", action))
	}
	if !common.IsHexAddress(address) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("地址格式不正确: %s", address))
	}
	return common.HexToAddress(address), nil
}

var weiPerEther = new(big.Float).SetInt(big.NewInt(1_000_000_000_000_000_000))

// FormatEther 把 wei 转换为 ETH 文本。
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	eth := new(big.Float).Quo(new(big.Float).SetInt(wei), weiPerEther)
	return eth.Text('f', -1)
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

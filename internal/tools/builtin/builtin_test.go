package builtin

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Mofy-Agent/internal/tools"
	"Mofy-Agent/internal/web3"
)

func TestEvaluate(t *testing.T) {
	cases := map[string]float64{
		"2+3":           5,
		"2+3*4":         14,
		"(2+3)*4":       20,
		"-3+10/4":       -0.5,
		" 1.5 * 2 ":     3,
		"--2":           2,
		"((1))+(2*(3))": 7,
	}
	for expr, want := range cases {
		got, err := Evaluate(expr)
		require.NoError(t, err, expr)
		assert.InDelta(t, want, got, 1e-9, expr)
	}

	for _, bad := range []string{"", "1/0", "(1+2", "1+", "2)", "1..2"} {
		_, err := Evaluate(bad)
		assert.Error(t, err, bad)
	}
}

func newRegistry(t *testing.T, chain *web3.Client) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry()
	require.NoError(t, Register(r, chain))
	return r
}

func TestCalculatorTool(t *testing.T) {
	r := newRegistry(t, nil)
	ctx := context.Background()

	out := r.Execute(ctx, "calculator", "2+3")
	assert.Equal(t, "[calculator执行成功] 计算结果: 5", out)
	assert.Contains(t, out, "5")

	out = r.Execute(ctx, "calculator", `{"expression": "7/2"}`)
	assert.Equal(t, "[calculator执行成功] 计算结果: 3.5", out)

	out = r.Execute(ctx, "calculator", "import os")
	assert.Equal(t, "[calculator执行失败] 表达式包含非法字符", out)

	out = r.Execute(ctx, "calculator", "1/0")
	assert.Contains(t, out, "[calculator执行失败] 计算错误")
}

func TestSearchAndWeather(t *testing.T) {
	r := newRegistry(t, nil)
	ctx := context.Background()

	out := r.Execute(ctx, "search", "golang")
	assert.Contains(t, out, "关于 'golang' 的搜索结果3")

	assert.Equal(t, "[weather执行成功] 北京天气: 温度15°C, 晴朗, 湿度45%", r.Execute(ctx, "weather", "北京今天怎么样"))
	assert.Equal(t, "[weather执行成功] 抱歉，暂不支持查询Beijing的天气信息", r.Execute(ctx, "weather", "Beijing"))
	assert.False(t, r.Has("chain"))
}

type stubReader struct{}

func (stubReader) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (stubReader) BlockNumber(context.Context) (uint64, error) { return 16, nil }
func (stubReader) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(1_000_000_000_000_000_000), nil
}
func (stubReader) PendingNonceAt(context.Context, common.Address) (uint64, error) { return 2, nil }

func TestChainTool(t *testing.T) {
	r := newRegistry(t, web3.NewClient(stubReader{}))
	ctx := context.Background()
	addr := "0x00000000000000000000000000000000000000aa"

	assert.Equal(t, "[chain执行成功] 0x10", r.Execute(ctx, "chain", "eth_blockNumber"))
	assert.Equal(t, "[chain执行成功] 0xde0b6b3a7640000 (1 ETH)",
		r.Execute(ctx, "chain", "查询 "+addr+" 的 eth_getBalance"))
	assert.Equal(t, "[chain执行成功] 0x2", r.Execute(ctx, "chain", "action=eth_getTransactionCount&address="+addr))

	out := r.Execute(ctx, "chain", "eth_getBalance")
	assert.Contains(t, out, "[chain执行失败] 链上查询失败")
}

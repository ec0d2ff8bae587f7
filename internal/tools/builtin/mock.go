package builtin

import (
	"context"
	"fmt"
	"strings"

	"Mofy-Agent/internal/tools"
)

// Search 返回模拟的搜索结果。
func Search() tools.Tool {
	return tools.NewFunc(tools.Schema{
		Name:        "search",
		Description: "在互联网上搜索信息",
		Parameters: []tools.ParamSpec{{
			Name:        "query",
			Type:        tools.KindString,
			Required:    true,
			Description: "搜索关键词",
		}},
	}, func(_ context.Context, p tools.Params) (string, error) {
		query := strings.TrimSpace(p.Text("query"))
		if query == "" {
			return "", tools.NewToolError("search", "搜索关键词不能为空")
		}
		results := make([]string, 3)
		for i := range results {
			results[i] = fmt.Sprintf("关于 '%s' 的搜索结果%d", query, i+1)
		}
		return strings.Join(results, "\n"), nil
	})
}

type weatherReport struct {
	temp, condition, humidity string
}

var weatherTable = map[string]weatherReport{
	"北京": {"15°C", "晴朗", "45%"},
	"上海": {"18°C", "多云", "65%"},
	"广州": {"25°C", "小雨", "80%"},
	"深圳": {"24°C", "阴天", "75%"},
}

// Weather 查询模拟天气数据。
func Weather() tools.Tool {
	return tools.NewFunc(tools.Schema{
		Name:        "weather",
		Description: "查询指定城市的天气信息",
		Parameters: []tools.ParamSpec{{
			Name:        "city",
			Type:        tools.KindString,
			Required:    true,
			Description: "城市名称，如 '北京'",
			Choices:     []string{"北京", "上海", "广州", "深圳"},
		}},
	}, func(_ context.Context, p tools.Params) (string, error) {
		city := strings.TrimSpace(p.Text("city"))
		data, ok := weatherTable[city]
		if !ok {
			return fmt.Sprintf("抱歉，暂不支持查询%s的天气信息", city), nil
		}
		return fmt.Sprintf("%s天气: 温度%s, %s, 湿度%s", city, data.temp, data.condition, data.humidity), nil
	})
}

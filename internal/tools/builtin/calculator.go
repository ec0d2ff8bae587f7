package builtin

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"Mofy-Agent/internal/tools"
)

const calculatorName = "calculator"

// Calculator 计算只含数字、四则运算符与括号的表达式。
func Calculator() tools.Tool {
	return tools.NewFunc(tools.Schema{
		Name:        calculatorName,
		Description: "执行数学计算，支持加减乘除等基本运算",
		Parameters: []tools.ParamSpec{{
			Name:        "expression",
			Type:        tools.KindString,
			Required:    true,
			Description: "要计算的数学表达式，如 '2+3*4'",
		}},
	}, func(_ context.Context, p tools.Params) (string, error) {
		expr := p.Text("expression")
		for _, r := range expr {
			if !strings.ContainsRune("0123456789+-*/(). ", r) {
				return "", tools.NewToolError(calculatorName, "表达式包含非法字符")
			}
		}
		v, err := Evaluate(expr)
		if err != nil {
			return "", tools.WrapToolError(calculatorName, err, "计算错误")
		}
		return "计算结果: " + formatNumber(v), nil
	})
}

func formatNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Evaluate 按常规优先级计算表达式：
//
//	expr   = term { ("+"|"-") term }
//	term   = factor { ("*"|"/") factor }
//	factor = ["-"|"+"] factor | number | "(" expr ")"
func Evaluate(expr string) (float64, error) {
	p := &exprParser{src: strings.ReplaceAll(expr, " ", "")}
	if p.src == "" {
		return 0, fmt.Errorf("表达式为空")
	}
	v, err := p.expr()
	if err != nil {
		return 0, err
	}
	if p.pos < len(p.src) {
		return 0, fmt.Errorf("位置 %d 出现多余字符 %q", p.pos, p.src[p.pos])
	}
	return v, nil
}

type exprParser struct {
	src   string
	pos   int
	depth int
}

const maxDepth = 64

func (p *exprParser) peek() byte {
	if p.pos < len(p.src) {
		return p.src[p.pos]
	}
	return 0
}

func (p *exprParser) expr() (float64, error) {
	left, err := p.term()
	if err != nil {
		return 0, err
	}
	for {
		op := p.peek()
		if op != '+' && op != '-' {
			return left, nil
		}
		p.pos++
		right, err := p.term()
		if err != nil {
			return 0, err
		}
		if op == '+' {
			left += right
		} else {
			left -= right
		}
	}
}

func (p *exprParser) term() (float64, error) {
	left, err := p.factor()
	if err != nil {
		return 0, err
	}
	for {
		op := p.peek()
		if op != '*' && op != '/' {
			return left, nil
		}
		p.pos++
		right, err := p.factor()
		if err != nil {
			return 0, err
		}
		if op == '*' {
			left *= right
			continue
		}
		if right == 0 {
			return 0, fmt.Errorf("除数不能为零")
		}
		left /= right
	}
}

func (p *exprParser) factor() (float64, error) {
	p.depth++
	defer func() { p.depth-- }()
	if p.depth > maxDepth {
		return 0, fmt.Errorf("表达式嵌套过深")
	}

	switch c := p.peek(); {
	case c == '-' || c == '+':
		p.pos++
		v, err := p.factor()
		if c == '-' {
			v = -v
		}
		return v, err
	case c == '(':
		p.pos++
		v, err := p.expr()
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, fmt.Errorf("缺少右括号")
		}
		p.pos++
		return v, nil
	case c == '.' || (c >= '0' && c <= '9'):
		return p.number()
	case c == 0:
		return 0, fmt.Errorf("表达式意外结束")
	default:
		return 0, fmt.Errorf("位置 %d 出现意外字符 %q", p.pos, c)
	}
}

func (p *exprParser) number() (float64, error) {
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c != '.' && (c < '0' || c > '9') {
			break
		}
		p.pos++
	}
	v, err := strconv.ParseFloat(p.src[start:p.pos], 64)
	if err != nil {
		return 0, fmt.Errorf("无效数字 %q", p.src[start:p.pos])
	}
	return v, nil
}

// Package metrics 导出 Prometheus 指标：工具调用、HTTP 请求与异步消息任务。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mofy"

// Collectors 汇总服务使用的全部指标。
type Collectors struct {
	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec
	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
	jobs         *prometheus.CounterVec
	gatherer     prometheus.Gatherer
}

// MustNew 在 reg 上注册指标。reg 为 nil 时使用新的独立 Registry。
// 同名指标已注册时复用已有的 collector。
func MustNew(reg *prometheus.Registry) *Collectors {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collectors{
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by outcome.",
		}, []string{"tool", "outcome"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Tool invocation latency.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"tool"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by handler, method and status code.",
		}, []string{"handler", "method", "code"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Asynchronous message jobs by final status.",
		}, []string{"status"}),
		gatherer: reg,
	}

	for _, collector := range []prometheus.Collector{c.toolCalls, c.toolDuration, c.httpRequests, c.httpLatency, c.jobs} {
		if err := reg.Register(collector); err != nil {
			already, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				panic(err)
			}
			switch collector {
			case c.toolCalls:
				c.toolCalls = already.ExistingCollector.(*prometheus.CounterVec)
			case c.toolDuration:
				c.toolDuration = already.ExistingCollector.(*prometheus.HistogramVec)
			case c.httpRequests:
				c.httpRequests = already.ExistingCollector.(*prometheus.CounterVec)
			case c.httpLatency:
				c.httpLatency = already.ExistingCollector.(*prometheus.HistogramVec)
			case c.jobs:
				c.jobs = already.ExistingCollector.(*prometheus.CounterVec)
			}
		}
	}
	return c
}

// ObserveToolCall 记录一次工具调用。
func (c *Collectors) ObserveToolCall(tool string, success bool, elapsed time.Duration) {
	if c == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	c.toolCalls.WithLabelValues(tool, outcome).Inc()
	c.toolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// ObserveHTTPRequest 记录一次 HTTP 请求。
func (c *Collectors) ObserveHTTPRequest(handler, method string, status int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	c.httpLatency.WithLabelValues(handler, method).Observe(elapsed.Seconds())
}

// ObserveJob 记录异步任务的终态。
func (c *Collectors) ObserveJob(status string) {
	if c == nil {
		return
	}
	c.jobs.WithLabelValues(status).Inc()
}

// Handler 以 Prometheus 文本格式输出指标。
func (c *Collectors) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

package agent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "Mofy-Agent/internal/errors"
	"Mofy-Agent/internal/llm"
	"Mofy-Agent/internal/memory"
	"Mofy-Agent/internal/reflection"
	"Mofy-Agent/internal/scheduler"
	"Mofy-Agent/internal/tools"
	"Mofy-Agent/internal/tools/builtin"
)

func newRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry()
	require.NoError(t, builtin.Register(r, nil))
	return r
}

// planThenFail 第一次返回计划，之后的调用全部失败，用来观察回退路径。
func planThenFail(plan string) llm.Client {
	var calls atomic.Int32
	return llm.ClientFunc(func(context.Context, llm.Request) (*llm.Response, error) {
		if calls.Add(1) == 1 {
			return &llm.Response{Content: plan}, nil
		}
		return nil, errors.New("backend down")
	})
}

func TestProcessMessageRunsPlannedTool(t *testing.T) {
	client := llm.NewScripted(
		`{"intent":"计算","tasks":[{"type":"计算","tool":"calculator","parameters":{"expression":"2+3"},"priority":1}]}`,
		"2+3 等于 5。",
	)
	mem := memory.New()
	ag := New(client, newRegistry(t), mem, WithSessionID("s1"))

	reply := ag.ProcessMessage(context.Background(), "帮我算一下 2+3")
	assert.Equal(t, "2+3 等于 5。", reply)

	reqs := client.Requests()
	require.Len(t, reqs, 2)
	assert.Contains(t, reqs[0].Prompt, "calculator")
	assert.Contains(t, reqs[0].Prompt, "帮我算一下 2+3")
	assert.Contains(t, reqs[1].Prompt, "任务: 计算, 结果: [calculator执行成功] 计算结果: 5")

	records := mem.GetShortTerm(context.Background(), "s1", 0)
	require.Len(t, records, 2)
	assert.Equal(t, "助手: 2+3 等于 5。", records[0].Content)
	assert.Equal(t, "用户: 帮我算一下 2+3", records[1].Content)

	completed := ag.Scheduler().Completed()
	require.Len(t, completed, 1)
	assert.Equal(t, scheduler.StatusCompleted, completed[0].Status)
	assert.Equal(t, "计算结果: 5", completed[0].Result)
	assert.Empty(t, ag.Scheduler().Tasks(), "finished tasks are pruned")
}

func TestProcessMessageWithoutTasks(t *testing.T) {
	client := llm.NewScripted(`{"intent":"闲聊","tasks":[]}`)
	ag := New(client, newRegistry(t), nil)
	assert.Equal(t, noToolReply, ag.ProcessMessage(context.Background(), "你好"))

	garbled := New(llm.NewScripted("not a plan"), newRegistry(t), nil)
	assert.Equal(t, noToolReply, garbled.ProcessMessage(context.Background(), "你好"))
}

func TestProcessMessageReportsPlanningFailure(t *testing.T) {
	failing := llm.ClientFunc(func(context.Context, llm.Request) (*llm.Response, error) {
		return nil, errors.New("connection refused")
	})
	reply := New(failing, newRegistry(t), nil).ProcessMessage(context.Background(), "查天气")
	assert.Equal(t, "抱歉，处理过程中出现错误：大模型推理失败: connection refused", reply)

	empty := New(llm.NewScripted("x"), newRegistry(t), nil).ProcessMessage(context.Background(), "  ")
	assert.Equal(t, "抱歉，处理过程中出现错误：消息内容不能为空", empty)
}

func TestProcessMessageTimesOutSlowModel(t *testing.T) {
	slow := llm.ClientFunc(func(ctx context.Context, _ llm.Request) (*llm.Response, error) {
		select {
		case <-time.After(time.Second):
			return &llm.Response{Content: "{}"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	ag := New(slow, newRegistry(t), nil, WithLLMTimeout(10*time.Millisecond))
	assert.Equal(t, "抱歉，处理过程中出现错误：大模型推理超时: context deadline exceeded",
		ag.ProcessMessage(context.Background(), "查天气"))
}

func TestProcessMessageRetriesToolFailure(t *testing.T) {
	registry := newRegistry(t)
	var attempts atomic.Int32
	require.NoError(t, registry.RegisterFunc(tools.Schema{
		Name:        "flaky",
		Description: "第一次调用失败的工具",
		Parameters:  []tools.ParamSpec{{Name: "query", Type: tools.KindString, Required: true}},
	}, func(_ context.Context, p tools.Params) (string, error) {
		if attempts.Add(1) == 1 {
			return "", errors.New("服务不可用")
		}
		return "ok " + p.Text("query"), nil
	}))

	client := llm.NewScripted(
		`{"intent":"查询","tasks":[{"type":"查询","tool":"flaky","parameters":"golang"}]}`,
		"查到了",
	)
	ag := New(client, registry, nil, WithReflection(reflection.New(nil)))

	assert.Equal(t, "查到了", ag.ProcessMessage(context.Background(), "查 golang"))
	assert.EqualValues(t, 2, attempts.Load())

	completed := ag.Scheduler().Completed()
	require.Len(t, completed, 2)
	assert.Equal(t, scheduler.StatusFailed, completed[0].Status)
	assert.Equal(t, scheduler.StatusCompleted, completed[1].Status)
	assert.Equal(t, 1, completed[1].RetryCount)
	assert.Equal(t, "ok golang", completed[1].Result)

	metric, ok := registry.Metric("flaky")
	require.True(t, ok)
	assert.EqualValues(t, 2, metric.Calls)
	assert.EqualValues(t, 1, metric.Failures)
}

func TestProcessMessageDoesNotRetryParameterErrors(t *testing.T) {
	client := planThenFail(`{"intent":"天气","tasks":[{"type":"天气","tool":"weather","parameters":{}}]}`)
	ag := New(client, newRegistry(t), nil, WithReflection(reflection.New(nil)))

	reply := ag.ProcessMessage(context.Background(), "天气怎么样")
	assert.Contains(t, reply, "[weather执行失败] 缺少必填参数: city")
	assert.Contains(t, reply, "参数错误")
	assert.Contains(t, reply, "特别关注weather工具的使用")
	assert.Len(t, ag.Scheduler().Completed(), 1)
}

func TestProcessMessageUnknownToolIsNotRetried(t *testing.T) {
	client := planThenFail(`{"intent":"x","tasks":[{"type":"翻译","tool":"translate","parameters":"hello"}]}`)
	ag := New(client, newRegistry(t), nil, WithReflection(reflection.New(nil)))

	assert.Equal(t, "❌ 工具不存在: translate", ag.ProcessMessage(context.Background(), "翻译 hello"))
	assert.Len(t, ag.Scheduler().Completed(), 1)
}

func TestProcessMessageStopsRepeatedCalls(t *testing.T) {
	plan := `{"intent":"搜索","tasks":[
		{"type":"搜索","tool":"search","parameters":"go","priority":2},
		{"type":"搜索","tool":"search","parameters":"go","priority":2},
		{"type":"搜索","tool":"search","parameters":"go","priority":2}]}`
	ag := New(planThenFail(plan), newRegistry(t), nil, WithLoopWindow(1))

	reply := ag.ProcessMessage(context.Background(), "搜索 go")
	assert.Contains(t, reply, loopAbortResult)

	completed := ag.Scheduler().Completed()
	require.Len(t, completed, 3)
	assert.Equal(t, scheduler.StatusCompleted, completed[0].Status)
	assert.Equal(t, scheduler.StatusFailed, completed[1].Status)
	assert.Equal(t, loopAbortResult, completed[1].Result)
	assert.Equal(t, scheduler.StatusFailed, completed[2].Status)
	assert.Equal(t, skippedResult, completed[2].Result)
	assert.Equal(t, 0, ag.Status().PendingTasks)
	assert.Empty(t, ag.Scheduler().Tasks())
}

func TestAbortedPlanDoesNotLeakIntoNextMessage(t *testing.T) {
	client := llm.NewScripted(
		`{"intent":"搜索","tasks":[
			{"type":"搜索","tool":"search","parameters":"go"},
			{"type":"搜索","tool":"search","parameters":"go"},
			{"type":"搜索","tool":"search","parameters":"go"}]}`,
		"搜索结束",
		`{"intent":"计算","tasks":[{"type":"计算","tool":"calculator","parameters":"1+1"}]}`,
		"1+1 等于 2。",
	)
	ag := New(client, newRegistry(t), nil, WithLoopWindow(1))
	ag.ProcessMessage(context.Background(), "搜索 go")
	before := len(ag.Scheduler().Completed())

	assert.Equal(t, "1+1 等于 2。", ag.ProcessMessage(context.Background(), "1+1"))
	second := ag.Scheduler().Completed()[before:]
	require.Len(t, second, 1)
	assert.Equal(t, "calculator", second[0].Tool)
	assert.Equal(t, scheduler.StatusCompleted, second[0].Status)
	assert.Equal(t, "计算结果: 2", second[0].Result)
}

func TestCancelledContextAbandonsQueuedTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	client := llm.ClientFunc(func(context.Context, llm.Request) (*llm.Response, error) {
		if calls.Add(1) == 1 {
			cancel()
			return &llm.Response{Content: `{"tasks":[{"type":"a","tool":"calculator","parameters":"1+1"},{"type":"b","tool":"calculator","parameters":"2+2"}]}`}, nil
		}
		return nil, errors.New("backend down")
	})
	ag := New(client, newRegistry(t), nil)
	ag.ProcessMessage(ctx, "两道题")

	completed := ag.Scheduler().Completed()
	require.Len(t, completed, 2)
	for _, task := range completed {
		assert.Equal(t, scheduler.StatusFailed, task.Status)
		assert.Equal(t, skippedResult, task.Result)
	}
	assert.Equal(t, 0, ag.Status().PendingTasks)
}

func TestProcessMessageRecoversFromPanickingBackend(t *testing.T) {
	client := llm.ClientFunc(func(context.Context, llm.Request) (*llm.Response, error) {
		panic("backend exploded")
	})
	ag := New(client, newRegistry(t), nil)

	var reply string
	require.NotPanics(t, func() { reply = ag.ProcessMessage(context.Background(), "hi") })
	assert.Contains(t, reply, "抱歉，处理过程中出现错误")
	assert.Contains(t, reply, "backend exploded")

	_, err := ag.Handle(context.Background(), "again")
	assert.Equal(t, xerrors.CodeUnknown, xerrors.CodeOf(err))
}

func TestProcessMessageOrdersByPriority(t *testing.T) {
	plan := `{"intent":"多步","tasks":[
		{"type":"第二","tool":"search","parameters":"b","priority":"7"},
		{"type":"第一","tool":"calculator","parameters":"1+1","priority":1},
		{"type":"无工具","priority":99}]}`
	ag := New(planThenFail(plan), newRegistry(t), nil)
	ag.ProcessMessage(context.Background(), "做几件事")

	completed := ag.Scheduler().Completed()
	require.Len(t, completed, 3)
	assert.Equal(t, "第一", completed[0].Type)
	assert.Equal(t, "无工具", completed[1].Type, "out-of-range priority falls back to default")
	assert.Equal(t, scheduler.DefaultPriority, completed[1].Priority)
	assert.Equal(t, "任务执行完成", completed[1].Result)
	assert.Equal(t, "第二", completed[2].Type)
}

func TestStatus(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	client := llm.NewScripted(
		`{"tasks":[{"type":"计算","tool":"calculator","parameters":"3*3"}]}`,
		"9",
	)
	ag := New(client, newRegistry(t), nil, WithSessionID("status"), WithClock(func() time.Time { return now }))
	ag.ProcessMessage(context.Background(), "3*3")

	st := ag.Status()
	assert.Equal(t, "status", st.SessionID)
	assert.Equal(t, now, st.LastActive)
	assert.Equal(t, 0, st.PendingTasks)
	assert.Equal(t, 1, st.CompletedTasks)
	assert.EqualValues(t, 1, st.ToolMetrics["calculator"].Successes)
}

func TestPlannedTaskDecoding(t *testing.T) {
	plan := ParsePlan("计划如下：\n```json\n" +
		`{"intent":"i","tasks":[{"type":"a","tool":"weather","parameters":{"city":"北京"},"priority":3},` +
		`{"type":"b","tool":"search","parameters":"golang","priority":2.5},{"type":"c","parameters":null}]}` +
		"\n```")
	require.Len(t, plan.Tasks, 3)

	assert.JSONEq(t, `{"city":"北京"}`, plan.Tasks[0].RawParameters())
	assert.Equal(t, map[string]any{"city": "北京"}, plan.Tasks[0].ParameterMap())
	assert.Equal(t, 3, plan.Tasks[0].PriorityValue())

	assert.Equal(t, "golang", plan.Tasks[1].RawParameters())
	assert.Equal(t, map[string]any{"input": "golang"}, plan.Tasks[1].ParameterMap())
	assert.Equal(t, scheduler.DefaultPriority, plan.Tasks[1].PriorityValue())

	assert.Empty(t, plan.Tasks[2].RawParameters())
	assert.Nil(t, plan.Tasks[2].ParameterMap())
	assert.Equal(t, scheduler.DefaultPriority, plan.Tasks[2].PriorityValue())
}

func TestSessions(t *testing.T) {
	client := llm.NewScripted(`{"tasks":[]}`)
	sessions := NewSessions(client, newRegistry(t), nil)

	id, reply := sessions.Process(context.Background(), "", "你好")
	require.NotEmpty(t, id)
	assert.Equal(t, noToolReply, reply)

	again, _ := sessions.Process(context.Background(), id, "还在吗")
	assert.Equal(t, id, again)
	assert.Equal(t, []string{id}, sessions.List())

	ag, ok := sessions.Get(id)
	require.True(t, ok)
	assert.Same(t, ag, sessions.GetOrCreate(id))
	assert.Len(t, sessions.Memory().GetShortTerm(context.Background(), id, 0), 4)

	require.NoError(t, sessions.Close(context.Background(), id))
	assert.Empty(t, sessions.List())
	assert.Empty(t, sessions.Memory().GetShortTerm(context.Background(), id, 0))

	err := sessions.Close(context.Background(), id)
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
}

func TestHandleReturnsCause(t *testing.T) {
	failing := llm.ClientFunc(func(context.Context, llm.Request) (*llm.Response, error) {
		return nil, errors.New("503")
	})
	sessions := NewSessions(failing, newRegistry(t), nil)
	id, reply, err := sessions.Handle(context.Background(), "h1", "你好")
	assert.Equal(t, "h1", id)
	assert.Equal(t, "抱歉，处理过程中出现错误：大模型推理失败: 503", reply)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeBackendFailure, xerrors.CodeOf(err))
	assert.True(t, xerrors.RetryableError(err))
}

func TestCleanupExpiredSessions(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	sessions := NewSessions(llm.NewScripted(`{"tasks":[]}`), newRegistry(t), nil,
		WithClock(func() time.Time { return clock }))

	sessions.Process(ctx, "idle", "你好")
	sessions.Process(ctx, "busy", "你好")
	clock = clock.Add(50 * time.Minute)
	sessions.Process(ctx, "fresh", "你好")
	clock = clock.Add(20 * time.Minute)

	busy, ok := sessions.Get("busy")
	require.True(t, ok)
	assert.True(t, busy.Expired(time.Hour))
	busy.procMu.Lock()

	assert.Equal(t, 1, sessions.CleanupExpired(ctx, time.Hour))
	assert.Equal(t, []string{"busy", "fresh"}, sessions.List())
	assert.Empty(t, sessions.Memory().GetShortTerm(ctx, "idle", 0))
	assert.NotEmpty(t, sessions.Memory().GetShortTerm(ctx, "fresh", 0))

	busy.procMu.Unlock()
	assert.Equal(t, 1, sessions.CleanupExpired(ctx, time.Hour))
	assert.Equal(t, []string{"fresh"}, sessions.List())

	assert.Zero(t, sessions.CleanupExpired(ctx, 0))
	assert.Equal(t, []string{"fresh"}, sessions.List())
}

func TestRunCleanupStopsWithContext(t *testing.T) {
	var offset atomic.Int64
	sessions := NewSessions(llm.NewScripted(`{"tasks":[]}`), newRegistry(t), nil,
		WithClock(func() time.Time { return time.Now().Add(time.Duration(offset.Load())) }))
	sessions.GetOrCreate("stale")
	offset.Store(int64(2 * time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sessions.RunCleanup(ctx, 5*time.Millisecond, time.Minute)
		close(done)
	}()

	assert.Eventually(t, func() bool { return len(sessions.List()) == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunCleanup did not return after cancel")
	}
}
